// Package bot provides the Telegram admin bot initialization and handler registration.
package bot

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"

	"tip-automation/internal/config"
	"tip-automation/internal/handler"
	"tip-automation/internal/service"
)

// ErrNoToken is returned by New when the bot token is empty.
var ErrNoToken = errors.New("bot token is required")

// Bot wraps the telebot instance with the admin command handlers.
type Bot struct {
	bot          *tele.Bot
	cfg          *config.Config
	adminHandler *handler.AdminHandler
}

// Dependencies holds all the dependencies needed by the bot handlers.
type Dependencies struct {
	Config       *config.Config
	AdminService *service.AdminService
	Location     *time.Location
}

// New creates a new Bot instance with the given dependencies.
func New(deps *Dependencies) (*Bot, error) {
	if deps.Config.Bot.Token == "" {
		return nil, ErrNoToken
	}

	pref := tele.Settings{
		Token:  deps.Config.Bot.Token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
		OnError: func(err error, c tele.Context) {
			ev := log.Error().Err(err)
			if c != nil {
				ev = ev.Str("text", c.Text())
			}
			ev.Msg("Bot handler error")
		},
	}

	teleBot, err := tele.NewBot(pref)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	b := &Bot{
		bot:          teleBot,
		cfg:          deps.Config,
		adminHandler: handler.NewAdminHandler(deps.AdminService, deps.Location),
	}

	b.registerMiddleware()
	b.registerHandlers()

	return b, nil
}

// registerMiddleware registers all middleware.
func (b *Bot) registerMiddleware() {
	b.bot.Use(RecoveryMiddleware())
	b.bot.Use(LoggingMiddleware())
	// every command is an operator command
	b.bot.Use(AdminMiddleware(b.cfg))
}

// registerHandlers registers all command handlers.
func (b *Bot) registerHandlers() {
	h := b.adminHandler

	b.bot.Handle("/start", h.HandleStatus)
	b.bot.Handle("/status", h.HandleStatus)

	// Job control
	b.bot.Handle("/job_start", h.HandleJobStart)
	b.bot.Handle("/job_stop", h.HandleJobStop)
	b.bot.Handle("/run_daily", h.HandleRunDaily)
	b.bot.Handle("/run_odds", h.HandleRunOdds)
	b.bot.Handle("/run_test", h.HandleRunTest)

	// Read views
	b.bot.Handle("/runs", h.HandleRuns)
	b.bot.Handle("/tips", h.HandleTips)
	b.bot.Handle("/tip", h.HandleTip)
	b.bot.Handle("/usage", h.HandleUsage)
	b.bot.Handle("/config", h.HandleConfig)

	// Overrides
	b.bot.Handle("/publish", h.HandlePublish)
	b.bot.Handle("/unpublish", h.HandleUnpublish)
	b.bot.Handle("/set", h.HandleSet)
}

// Start starts the bot polling. It blocks until Stop is called.
func (b *Bot) Start() {
	log.Info().Msg("Starting bot...")
	b.bot.Start()
}

// Stop stops the bot gracefully.
func (b *Bot) Stop() {
	log.Info().Msg("Stopping bot...")
	b.bot.Stop()
}
