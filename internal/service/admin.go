package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"tip-automation/internal/model"
	"tip-automation/internal/repository"
	"tip-automation/internal/scheduler"
)

// JobController is the scheduler surface used by admins.
type JobController interface {
	StartJob(ctx context.Context, name string) error
	StopJob(name string) error
	Trigger(ctx context.Context, name string) (*model.RunSummary, error)
	JobStatus() []scheduler.JobInfo
}

// Status is the operator view returned by AdminService.Status.
type Status struct {
	Jobs    []scheduler.JobInfo
	LastRun *LastRun
	Recent  []*model.RunRecord
	Counts  *model.TipCounts
}

type actorKey struct{}

// WithActor tags ctx with the admin performing an action.
func WithActor(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, actorKey{}, id)
}

// ActorFrom returns the admin id attached by WithActor.
func ActorFrom(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(actorKey{}).(int64)
	return id, ok
}

// AdminService is the operator command surface. Every command appends an
// admin_* record to the activity log whether it succeeds or fails.
type AdminService struct {
	jobs        JobController
	tips        TipStore
	activity    ActivityLog
	settings    *SettingsService
	recentLimit int
	loc         *time.Location
	now         func() time.Time
}

// NewAdminService creates a new AdminService instance.
func NewAdminService(
	jobs JobController,
	tips TipStore,
	activity ActivityLog,
	settings *SettingsService,
	recentLimit int,
	loc *time.Location,
) *AdminService {
	if recentLimit <= 0 {
		recentLimit = 10
	}
	if loc == nil {
		loc = time.UTC
	}
	return &AdminService{
		jobs:        jobs,
		tips:        tips,
		activity:    activity,
		settings:    settings,
		recentLimit: recentLimit,
		loc:         loc,
		now:         time.Now,
	}
}

// StartJob schedules a stopped job.
func (s *AdminService) StartJob(ctx context.Context, name string) error {
	start := s.now()
	err := s.jobs.StartJob(ctx, name)
	s.audit(ctx, model.RunTypeAdminStartJob, start, "job="+name, err)
	return err
}

// StopJob cancels a job's future fires.
func (s *AdminService) StopJob(ctx context.Context, name string) error {
	start := s.now()
	err := s.jobs.StopJob(name)
	s.audit(ctx, model.RunTypeAdminStopJob, start, "job="+name, err)
	return err
}

// Trigger runs a job now and returns its summary.
func (s *AdminService) Trigger(ctx context.Context, name string) (*model.RunSummary, error) {
	start := s.now()
	sum, err := s.jobs.Trigger(ctx, name)

	detail := "job=" + name
	if sum != nil {
		detail = fmt.Sprintf("job=%s run_id=%s", name, sum.RunID)
	}
	s.audit(ctx, model.RunTypeAdminTrigger, start, detail, err)
	return sum, err
}

// TriggerDailyGeneration runs the daily generation job now.
func (s *AdminService) TriggerDailyGeneration(ctx context.Context) (*model.RunSummary, error) {
	return s.Trigger(ctx, scheduler.JobDailyGeneration)
}

// TriggerOddsUpdate runs the odds update job now.
func (s *AdminService) TriggerOddsUpdate(ctx context.Context) (*model.RunSummary, error) {
	return s.Trigger(ctx, scheduler.JobOddsUpdate)
}

// TestPipeline runs the sandbox pipeline now.
func (s *AdminService) TestPipeline(ctx context.Context) (*model.RunSummary, error) {
	return s.Trigger(ctx, scheduler.JobTestPipeline)
}

// Status returns job states, last-run bookkeeping, tip counts and the most
// recent runs including failures with their error text.
func (s *AdminService) Status(ctx context.Context) (*Status, error) {
	start := s.now()
	st, err := s.status(ctx)
	s.audit(ctx, model.RunTypeAdminStatusQuery, start, "", err)
	return st, err
}

func (s *AdminService) status(ctx context.Context) (*Status, error) {
	st := &Status{Jobs: s.jobs.JobStatus()}

	lastRun, err := s.settings.LastRun(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read last run: %w", err)
	}
	st.LastRun = lastRun

	st.Recent, err = s.activity.Recent(ctx, repository.RunFilter{}, s.recentLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to read recent runs: %w", err)
	}

	st.Counts, err = s.TipCounts(ctx)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// RecentRuns lists activity records, newest first.
func (s *AdminService) RecentRuns(ctx context.Context, f repository.RunFilter, limit int) ([]*model.RunRecord, error) {
	if limit <= 0 {
		limit = s.recentLimit
	}
	return s.activity.Recent(ctx, f, limit)
}

// TipCounts aggregates tips, with "today" measured in the operating timezone.
func (s *AdminService) TipCounts(ctx context.Context) (*model.TipCounts, error) {
	local := s.now().In(s.loc)
	y, m, d := local.Date()
	counts, err := s.tips.Counts(ctx, time.Date(y, m, d, 0, 0, 0, 0, s.loc))
	if err != nil {
		return nil, fmt.Errorf("failed to count tips: %w", err)
	}
	return counts, nil
}

// RecentTips lists the newest tips matching f.
func (s *AdminService) RecentTips(ctx context.Context, f repository.TipFilter) ([]*model.Tip, error) {
	if f.Limit <= 0 {
		f.Limit = s.recentLimit
	}
	return s.tips.Query(ctx, f)
}

// TipDetail returns a tip with its analysis, which may be nil.
func (s *AdminService) TipDetail(ctx context.Context, id int64) (*model.Tip, *model.TipAnalysis, error) {
	tip, err := s.tips.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	analysis, err := s.tips.GetAnalysis(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read analysis: %w", err)
	}
	return tip, analysis, nil
}

// ProviderUsage sums annotation calls per provider over the trailing window.
func (s *AdminService) ProviderUsage(ctx context.Context, window time.Duration) ([]*model.ProviderUsage, error) {
	return s.activity.ProviderUsage(ctx, s.now().Add(-window))
}

// PublishTip publishes one draft tip.
func (s *AdminService) PublishTip(ctx context.Context, id int64) error {
	start := s.now()
	err := s.publishTip(ctx, id)
	s.audit(ctx, model.RunTypeAdminPublishTip, start, fmt.Sprintf("tip=%d", id), err)
	return err
}

func (s *AdminService) publishTip(ctx context.Context, id int64) error {
	tip, err := s.tips.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if tip.IsSandbox() {
		return ErrSandboxTip
	}
	if tip.IsPublished() {
		return ErrTipAlreadyPublished
	}
	n, err := s.tips.Publish(ctx, []int64{id}, s.now())
	if err != nil {
		return err
	}
	if n == 0 {
		// published concurrently between the read and the update
		return ErrTipAlreadyPublished
	}
	return nil
}

// UnpublishTip returns a published tip to draft.
func (s *AdminService) UnpublishTip(ctx context.Context, id int64) error {
	start := s.now()
	err := s.unpublishTip(ctx, id)
	s.audit(ctx, model.RunTypeAdminUnpublish, start, fmt.Sprintf("tip=%d", id), err)
	return err
}

func (s *AdminService) unpublishTip(ctx context.Context, id int64) error {
	tip, err := s.tips.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !tip.IsPublished() {
		return ErrTipNotPublished
	}
	return s.tips.Unpublish(ctx, id)
}

// SetConfig validates and stores one operational key.
func (s *AdminService) SetConfig(ctx context.Context, key, value string) error {
	start := s.now()
	err := s.settings.Set(ctx, key, value)
	s.audit(ctx, model.RunTypeAdminSetConfig, start, fmt.Sprintf("%s=%s", key, value), err)
	return err
}

// Config lists stored operational keys.
func (s *AdminService) Config(ctx context.Context) ([]*model.ConfigEntry, error) {
	return s.settings.Entries(ctx)
}

func (s *AdminService) audit(ctx context.Context, runType string, start time.Time, detail string, err error) {
	rec := &model.RunRecord{
		RunType:  runType,
		Status:   model.RunSuccess,
		Duration: s.now().Sub(start),
		Message:  detail,
	}
	if id, ok := ActorFrom(ctx); ok {
		if rec.Message != "" {
			rec.Message += " "
		}
		rec.Message += fmt.Sprintf("by=%d", id)
	}
	if err != nil {
		msg := err.Error()
		rec.Status = model.RunFailed
		rec.Error = &msg
	}

	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if appendErr := s.activity.Append(recCtx, rec); appendErr != nil {
		log.Error().Err(appendErr).Str("run_type", runType).Msg("Failed to append admin record")
	}
}
