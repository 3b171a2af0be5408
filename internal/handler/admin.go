// Package handler provides Telegram bot command handlers.
package handler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"

	"tip-automation/internal/model"
	"tip-automation/internal/repository"
	"tip-automation/internal/scheduler"
	"tip-automation/internal/service"
)

const defaultUsageWindow = 24 * time.Hour

// AdminHandler handles the operator commands. Access control is applied by
// the bot's admin middleware.
type AdminHandler struct {
	admin *service.AdminService
	loc   *time.Location
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(admin *service.AdminService, loc *time.Location) *AdminHandler {
	if loc == nil {
		loc = time.UTC
	}
	return &AdminHandler{admin: admin, loc: loc}
}

// actorContext returns a context tagged with the sender for the audit trail.
func actorContext(c tele.Context) context.Context {
	ctx := context.Background()
	if sender := c.Sender(); sender != nil {
		ctx = service.WithActor(ctx, sender.ID)
	}
	return ctx
}

// HandleStatus handles the /status command.
func (h *AdminHandler) HandleStatus(c tele.Context) error {
	st, err := h.admin.Status(actorContext(c))
	if err != nil {
		return c.Reply(errorText(err))
	}
	return c.Reply(formatStatus(st, h.loc))
}

// HandleJobStart handles the /job_start command.
// Format: /job_start <job>
func (h *AdminHandler) HandleJobStart(c tele.Context) error {
	name, err := jobArg(c.Args())
	if err != nil {
		return c.Reply(err.Error())
	}
	if err := h.admin.StartJob(actorContext(c), name); err != nil {
		return c.Reply(errorText(err))
	}
	h.logOperation(c, "job_start", name)
	return c.Reply(fmt.Sprintf("✅ %s scheduled", name))
}

// HandleJobStop handles the /job_stop command.
// Format: /job_stop <job>
func (h *AdminHandler) HandleJobStop(c tele.Context) error {
	name, err := jobArg(c.Args())
	if err != nil {
		return c.Reply(err.Error())
	}
	if err := h.admin.StopJob(actorContext(c), name); err != nil {
		return c.Reply(errorText(err))
	}
	h.logOperation(c, "job_stop", name)
	return c.Reply(fmt.Sprintf("⏸ %s stopped", name))
}

// HandleRunDaily handles the /run_daily command.
func (h *AdminHandler) HandleRunDaily(c tele.Context) error {
	return h.trigger(c, scheduler.JobDailyGeneration)
}

// HandleRunOdds handles the /run_odds command.
func (h *AdminHandler) HandleRunOdds(c tele.Context) error {
	return h.trigger(c, scheduler.JobOddsUpdate)
}

// HandleRunTest handles the /run_test command.
func (h *AdminHandler) HandleRunTest(c tele.Context) error {
	return h.trigger(c, scheduler.JobTestPipeline)
}

func (h *AdminHandler) trigger(c tele.Context, name string) error {
	if err := c.Reply(fmt.Sprintf("⏳ Running %s...", name)); err != nil {
		log.Warn().Err(err).Msg("Failed to send progress reply")
	}

	h.logOperation(c, "trigger", name)
	sum, err := h.admin.Trigger(actorContext(c), name)
	if sum != nil {
		return c.Reply(formatSummary(sum))
	}
	return c.Reply(errorText(err))
}

// HandleRuns handles the /runs command.
// Format: /runs [run_type] [limit]
func (h *AdminHandler) HandleRuns(c tele.Context) error {
	filter, limit, err := parseRunsArgs(c.Args())
	if err != nil {
		return c.Reply(err.Error())
	}
	records, err := h.admin.RecentRuns(actorContext(c), filter, limit)
	if err != nil {
		return c.Reply(errorText(err))
	}
	return c.Reply(formatRuns(records, h.loc))
}

// HandleTips handles the /tips command.
// Format: /tips [draft|published] [sandbox] [limit]
func (h *AdminHandler) HandleTips(c tele.Context) error {
	filter, err := parseTipsArgs(c.Args())
	if err != nil {
		return c.Reply(err.Error())
	}
	tips, err := h.admin.RecentTips(actorContext(c), filter)
	if err != nil {
		return c.Reply(errorText(err))
	}
	return c.Reply(formatTips(tips, h.loc))
}

// HandleTip handles the /tip command.
// Format: /tip <tip_id>
func (h *AdminHandler) HandleTip(c tele.Context) error {
	id, err := tipIDArg(c.Args(), "/tip")
	if err != nil {
		return c.Reply(err.Error())
	}
	tip, analysis, err := h.admin.TipDetail(actorContext(c), id)
	if err != nil {
		return c.Reply(errorText(err))
	}
	return c.Reply(formatTipDetail(tip, analysis, h.loc))
}

// HandleUsage handles the /usage command.
// Format: /usage [hours]
func (h *AdminHandler) HandleUsage(c tele.Context) error {
	window := defaultUsageWindow
	if args := c.Args(); len(args) > 0 {
		hours, err := strconv.Atoi(args[0])
		if err != nil || hours <= 0 {
			return c.Reply("❌ Format: /usage [hours]")
		}
		window = time.Duration(hours) * time.Hour
	}
	usage, err := h.admin.ProviderUsage(actorContext(c), window)
	if err != nil {
		return c.Reply(errorText(err))
	}
	return c.Reply(formatUsage(usage, window))
}

// HandlePublish handles the /publish command.
// Format: /publish <tip_id>
func (h *AdminHandler) HandlePublish(c tele.Context) error {
	id, err := tipIDArg(c.Args(), "/publish")
	if err != nil {
		return c.Reply(err.Error())
	}
	if err := h.admin.PublishTip(actorContext(c), id); err != nil {
		return c.Reply(errorText(err))
	}
	h.logOperation(c, "publish", strconv.FormatInt(id, 10))
	return c.Reply(fmt.Sprintf("✅ Tip #%d published", id))
}

// HandleUnpublish handles the /unpublish command.
// Format: /unpublish <tip_id>
func (h *AdminHandler) HandleUnpublish(c tele.Context) error {
	id, err := tipIDArg(c.Args(), "/unpublish")
	if err != nil {
		return c.Reply(err.Error())
	}
	if err := h.admin.UnpublishTip(actorContext(c), id); err != nil {
		return c.Reply(errorText(err))
	}
	h.logOperation(c, "unpublish", strconv.FormatInt(id, 10))
	return c.Reply(fmt.Sprintf("↩️ Tip #%d returned to draft", id))
}

// HandleConfig handles the /config command.
func (h *AdminHandler) HandleConfig(c tele.Context) error {
	entries, err := h.admin.Config(actorContext(c))
	if err != nil {
		return c.Reply(errorText(err))
	}
	return c.Reply(formatConfig(entries))
}

// HandleSet handles the /set command.
// Format: /set <key> <value>
func (h *AdminHandler) HandleSet(c tele.Context) error {
	args := c.Args()
	if len(args) != 2 {
		return c.Reply("❌ Format: /set <key> <value>")
	}
	if err := h.admin.SetConfig(actorContext(c), args[0], args[1]); err != nil {
		return c.Reply(errorText(err))
	}
	h.logOperation(c, "set_config", args[0]+"="+args[1])
	return c.Reply(fmt.Sprintf("✅ %s = %s", args[0], args[1]))
}

func (h *AdminHandler) logOperation(c tele.Context, op, target string) {
	ev := log.Info().Str("operation", op).Str("target", target)
	if sender := c.Sender(); sender != nil {
		ev = ev.Int64("admin_id", sender.ID)
	}
	ev.Msg("Admin operation executed")
}

func jobArg(args []string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("❌ Format: <command> <%s|%s|%s>",
			scheduler.JobDailyGeneration, scheduler.JobOddsUpdate, scheduler.JobTestPipeline)
	}
	return strings.ToLower(args[0]), nil
}

func tipIDArg(args []string, command string) (int64, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("❌ Format: %s <tip_id>", command)
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(args[0], "#"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("❌ Invalid tip id")
	}
	return id, nil
}

func parseRunsArgs(args []string) (repository.RunFilter, int, error) {
	var (
		filter repository.RunFilter
		limit  int
	)
	for _, a := range args {
		if n, err := strconv.Atoi(a); err == nil {
			if n <= 0 || n > 50 {
				return filter, 0, errors.New("❌ Limit must be between 1 and 50")
			}
			limit = n
			continue
		}
		switch a {
		case string(model.RunSuccess), string(model.RunFailed):
			filter.Status = model.RunStatus(a)
		default:
			filter.RunType = a
		}
	}
	return filter, limit, nil
}

func parseTipsArgs(args []string) (repository.TipFilter, error) {
	var filter repository.TipFilter
	for _, a := range args {
		if n, err := strconv.Atoi(a); err == nil {
			if n <= 0 || n > 50 {
				return repository.TipFilter{}, errors.New("❌ Limit must be between 1 and 50")
			}
			filter.Limit = n
			continue
		}
		switch {
		case a == "sandbox":
			filter.Sandbox = true
		case model.PublishState(a) == model.StateDraft, model.PublishState(a) == model.StatePublished:
			filter.State = model.PublishState(a)
		default:
			return repository.TipFilter{}, errors.New("❌ Format: /tips [draft|published] [sandbox] [limit]")
		}
	}
	return filter, nil
}

// errorText maps service errors to operator-facing replies.
func errorText(err error) string {
	switch {
	case err == nil:
		return "✅ Done"
	case errors.Is(err, scheduler.ErrJobRunning):
		return "⚠️ Job is already running, try again when it finishes"
	case errors.Is(err, scheduler.ErrUnknownJob):
		return "❌ Unknown job"
	case errors.Is(err, scheduler.ErrManualOnly):
		return "❌ Job has no schedule; use the run command instead"
	case errors.Is(err, scheduler.ErrClosed):
		return "❌ Scheduler is shutting down"
	case errors.Is(err, service.ErrUnknownConfigKey):
		return "❌ Unknown or read-only config key"
	case errors.Is(err, service.ErrConfigInvalid):
		return "❌ Invalid value: " + err.Error()
	case errors.Is(err, repository.ErrTipNotFound):
		return "❌ Tip not found"
	case errors.Is(err, service.ErrTipAlreadyPublished):
		return "⚠️ Tip is already published"
	case errors.Is(err, service.ErrTipNotPublished):
		return "⚠️ Tip is not published"
	case errors.Is(err, service.ErrSandboxTip):
		return "❌ Sandbox tips are smoke-test output and cannot be published"
	default:
		log.Error().Err(err).Msg("Admin command failed")
		return "❌ Operation failed: " + err.Error()
	}
}
