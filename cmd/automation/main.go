// Package main is the entry point for the tip automation service.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tip-automation/internal/annotator"
	"tip-automation/internal/bot"
	"tip-automation/internal/config"
	"tip-automation/internal/pkg/db"
	"tip-automation/internal/pkg/metrics"
	"tip-automation/internal/repository"
	"tip-automation/internal/scheduler"
	"tip-automation/internal/service"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Configure zerolog
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// Load configuration
	cfg, err := config.Load("config")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Warn().Err(err).Str("level", cfg.Log.Level).Msg("Invalid log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Info().Msg("Configuration loaded successfully")

	loc, err := cfg.Scheduler.Location()
	if err != nil {
		log.Warn().Err(err).Msg("Falling back to UTC")
	}

	// Create context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize database connection pool
	dbPool, err := db.NewPool(ctx, &cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer dbPool.Close()

	if err := db.Migrate(ctx, dbPool.Pool); err != nil {
		log.Fatal().Err(err).Msg("Failed to run database migrations")
	}

	// Initialize repositories
	settingsRepo := repository.NewSettingsRepository(dbPool.Pool)
	fixtureRepo := repository.NewFixtureRepository(dbPool.Pool)
	tipRepo := repository.NewTipRepository(dbPool.Pool)
	activityRepo := repository.NewActivityRepository(dbPool.Pool)

	// Initialize services
	metricsManager := metrics.NewManager()
	settings := service.NewSettingsService(settingsRepo)
	provider := annotator.New(&cfg.Annotator)

	pipeline := service.NewPipeline(
		settings,
		fixtureRepo,
		provider,
		tipRepo,
		activityRepo,
		service.WithOddsSource(provider),
		service.WithSandboxSource(service.NewSandboxSource(cfg.Pipeline.SandboxFixtures)),
		service.WithMetrics(metricsManager),
		service.WithLocation(loc),
		service.WithAnnotationConcurrency(cfg.Pipeline.AnnotationConcurrency),
		service.WithAnnotationTimeout(cfg.Pipeline.AnnotationTimeout),
	)

	sched := scheduler.New(
		scheduler.WithRunTimeout(cfg.Scheduler.RunTimeout),
		scheduler.WithMetrics(metricsManager),
		scheduler.WithRecorder(activityRepo),
	)
	if err := registerJobs(sched, pipeline, settings, loc, cfg.Scheduler.OddsUpdateInterval); err != nil {
		log.Fatal().Err(err).Msg("Failed to register jobs")
	}
	if err := sched.Initialize(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize scheduler")
	}

	adminService := service.NewAdminService(sched, tipRepo, activityRepo, settings, cfg.Pipeline.RecentRunsLimit, loc)

	// Metrics endpoint
	var metricsServer *http.Server
	if cfg.Metrics.Addr != "" {
		metricsServer = newMetricsServer(cfg.Metrics.Addr, metricsManager, dbPool)
		go func() {
			log.Info().Str("addr", cfg.Metrics.Addr).Msg("Metrics server is starting...")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	// Admin bot
	var telegramBot *bot.Bot
	if cfg.Bot.Token != "" {
		telegramBot, err = bot.New(&bot.Dependencies{
			Config:       cfg,
			AdminService: adminService,
			Location:     loc,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create bot")
		}
		go telegramBot.Start()
	} else {
		log.Info().Msg("Bot token not set, admin bot disabled")
	}

	for _, j := range sched.JobStatus() {
		log.Info().
			Str("job", j.Name).
			Str("state", string(j.State)).
			Time("next_fire", j.NextFire).
			Msg("Job registered")
	}

	// Wait for shutdown signal
	<-ctx.Done()
	log.Info().Msg("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if telegramBot != nil {
		telegramBot.Stop()
	}
	if err := sched.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Scheduler did not stop cleanly")
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Metrics server did not stop cleanly")
		}
	}
	log.Info().Msg("Service stopped gracefully")
}

// registerJobs wires the pipeline entry points into the scheduler. A zero
// odds interval leaves the odds job manual-only.
func registerJobs(
	sched *scheduler.Scheduler,
	pipeline *service.Pipeline,
	settings *service.SettingsService,
	loc *time.Location,
	oddsInterval time.Duration,
) error {
	daily := scheduler.Daily{Location: loc, Time: settings.DailyGenerationTime}
	if err := sched.Register(scheduler.JobDailyGeneration, pipeline.RunDailyGeneration, daily); err != nil {
		return err
	}

	var odds scheduler.Schedule
	if oddsInterval > 0 {
		odds = scheduler.Every(oddsInterval)
	}
	if err := sched.Register(scheduler.JobOddsUpdate, pipeline.RunOddsUpdate, odds); err != nil {
		return err
	}

	return sched.Register(scheduler.JobTestPipeline, pipeline.TestPipeline, nil)
}

func newMetricsServer(addr string, m *metrics.Manager, pool *db.Pool) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := pool.HealthCheck(ctx); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
