package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"tip-automation/internal/model"
	"tip-automation/internal/pkg/lock"
	"tip-automation/internal/pkg/metrics"
	"tip-automation/internal/repository"
)

// maxConsecutiveStoreFailures is the number of back-to-back store write
// errors after which a run treats the store as down and aborts.
const maxConsecutiveStoreFailures = 3

const recordTimeout = 10 * time.Second

// DefaultFixtureLockTimeout bounds the wait for another run's hold on a fixture.
const DefaultFixtureLockTimeout = 30 * time.Second

// Pipeline generates, admits, persists and publishes tips.
type Pipeline struct {
	settings  *SettingsService
	source    MatchSource
	sandbox   MatchSource
	annotator Annotator
	odds      OddsSource
	tips      TipStore
	activity  ActivityLog
	fixtures  *lock.KeyLock[int64]
	metrics   *metrics.Manager
	loc       *time.Location
	now       func() time.Time

	concurrency       int
	annotationTimeout time.Duration
	lockTimeout       time.Duration
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithOddsSource sets the quote provider used by RunOddsUpdate.
func WithOddsSource(o OddsSource) PipelineOption {
	return func(p *Pipeline) { p.odds = o }
}

// WithSandboxSource replaces the synthetic fixture source used by TestPipeline.
func WithSandboxSource(s MatchSource) PipelineOption {
	return func(p *Pipeline) {
		if s != nil {
			p.sandbox = s
		}
	}
}

// WithMetrics attaches a metrics manager.
func WithMetrics(m *metrics.Manager) PipelineOption {
	return func(p *Pipeline) { p.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// WithLocation sets the operating timezone used for day boundaries.
func WithLocation(loc *time.Location) PipelineOption {
	return func(p *Pipeline) {
		if loc != nil {
			p.loc = loc
		}
	}
}

// WithAnnotationConcurrency bounds in-flight annotator calls per run.
func WithAnnotationConcurrency(n int) PipelineOption {
	return func(p *Pipeline) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithAnnotationTimeout bounds each annotator call.
func WithAnnotationTimeout(d time.Duration) PipelineOption {
	return func(p *Pipeline) { p.annotationTimeout = d }
}

// WithFixtureLock shares the per-fixture lock with other pipelines writing
// to the same store.
func WithFixtureLock(l *lock.KeyLock[int64]) PipelineOption {
	return func(p *Pipeline) {
		if l != nil {
			p.fixtures = l
		}
	}
}

// WithFixtureLockTimeout bounds how long a run waits for a fixture held by
// another run before dropping the tip.
func WithFixtureLockTimeout(d time.Duration) PipelineOption {
	return func(p *Pipeline) {
		if d > 0 {
			p.lockTimeout = d
		}
	}
}

// NewPipeline creates a new Pipeline instance.
func NewPipeline(
	settings *SettingsService,
	source MatchSource,
	annotator Annotator,
	tips TipStore,
	activity ActivityLog,
	opts ...PipelineOption,
) *Pipeline {
	p := &Pipeline{
		settings:    settings,
		source:      source,
		annotator:   annotator,
		tips:        tips,
		activity:    activity,
		fixtures:    lock.New[int64](),
		loc:         time.UTC,
		now:         time.Now,
		concurrency: 4,
		lockTimeout: DefaultFixtureLockTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.sandbox == nil {
		p.sandbox = NewSandboxSource(DefaultSandboxFixtures)
	}
	return p
}

// generation selects the variant of a generation run. Only publish runs reach
// the publish step, and only scheduled runs honour auto_generation_enabled and
// write bookkeeping.
type generation struct {
	runType   string
	source    MatchSource
	publish   bool
	scheduled bool
}

// RunDailyGeneration runs the production generation pipeline once.
// It returns an error only for run-fatal failures; the summary is always set.
func (p *Pipeline) RunDailyGeneration(ctx context.Context) (*model.RunSummary, error) {
	return p.generate(ctx, generation{
		runType:   model.RunTypeDailyGeneration,
		source:    p.source,
		publish:   true,
		scheduled: true,
	})
}

// TestPipeline runs the same pipeline against the sandbox fixture set. It
// never publishes and ignores auto_generation_enabled.
func (p *Pipeline) TestPipeline(ctx context.Context) (*model.RunSummary, error) {
	return p.generate(ctx, generation{
		runType: model.RunTypeTestPipeline,
		source:  p.sandbox,
	})
}

func (p *Pipeline) generate(ctx context.Context, g generation) (*model.RunSummary, error) {
	start := p.now()
	sum := newSummary(g.runType)
	logger := log.With().Str("run_id", sum.RunID.String()).Str("run_type", g.runType).Logger()
	provider := p.annotator.Provider()

	cfg := p.settings.Load(ctx)
	if g.scheduled && !cfg.AutoGenerationEnabled {
		sum.Skipped = true
		sum.Message = "skipped: auto generation disabled"
		logger.Info().Msg("Auto generation disabled, skipping run")
		p.finish(ctx, logger, sum, start, provider)
		return sum, nil
	}

	to := start.In(p.loc).AddDate(0, 0, cfg.GenerationLookbackDays)
	fixtures, err := g.source.ListUpcoming(ctx, start, to)
	if err != nil {
		return p.fail(ctx, logger, sum, start, provider, fmt.Errorf("%w: %w", ErrSourceUnavailable, err))
	}
	sum.Fetched = len(fixtures)

	eligible := make([]*model.Fixture, 0, len(fixtures))
	for _, f := range fixtures {
		if f.EligibleAt(start) {
			eligible = append(eligible, f)
		}
	}

	results := fanOut(ctx, p.concurrency, eligible, p.annotate)

	adm := NewAdmission(cfg.MinConfidenceThreshold, cfg.MaxTipsPerDay)
	consecutive := 0
	for _, res := range results {
		if res.err != nil {
			sum.Failed++
			p.metrics.AnnotationFailed(provider)
			logger.Warn().Err(res.err).Int64("fixture_id", res.fixture.ID).Msg("Annotation failed, skipping fixture")
			continue
		}
		sum.Annotated++

		c := res.candidate
		if !adm.MeetsThreshold(c.Confidence) {
			p.reject(logger, res.fixture, c, RejectLowConfidence)
			continue
		}

		id, decision, err := p.admit(ctx, adm, res.fixture, c, cfg.PremiumConfidenceThreshold)
		if err != nil {
			sum.Dropped++
			consecutive++
			logger.Error().Err(err).Int64("fixture_id", res.fixture.ID).Msg("Failed to persist tip, dropping it")
			if consecutive >= maxConsecutiveStoreFailures {
				sum.Accepted = len(sum.TipIDs)
				return p.fail(ctx, logger, sum, start, provider,
					fmt.Errorf("%w: %d consecutive store errors: %w", ErrPersistenceFailed, consecutive, err))
			}
			continue
		}
		consecutive = 0

		if decision != Accept {
			p.reject(logger, res.fixture, c, decision)
			continue
		}
		sum.TipIDs = append(sum.TipIDs, id)
	}
	sum.Accepted = len(sum.TipIDs)

	if g.publish && cfg.AutoPublishEnabled && len(sum.TipIDs) > 0 {
		n, err := p.tips.Publish(ctx, sum.TipIDs, p.now())
		if err != nil {
			return p.fail(ctx, logger, sum, start, provider, fmt.Errorf("%w: publish: %w", ErrPersistenceFailed, err))
		}
		sum.Published = int(n)
	}

	if g.scheduled {
		if err := p.settings.RecordRun(ctx, start.In(p.loc), sum.Accepted, sum.Published); err != nil {
			logger.Warn().Err(err).Msg("Failed to record last run bookkeeping")
		}
	}

	if sum.Dropped > 0 {
		sum.Message = fmt.Sprintf("dropped %d tips on store errors", sum.Dropped)
	}
	p.finish(ctx, logger, sum, start, provider)
	return sum, nil
}

type annotation struct {
	fixture   *model.Fixture
	candidate *model.Candidate
	err       error
}

func (p *Pipeline) annotate(ctx context.Context, f *model.Fixture) (res annotation) {
	res.fixture = f
	defer func() {
		if r := recover(); r != nil {
			res.err = fmt.Errorf("%w: fixture %d: panic: %v", ErrAnnotationFailed, f.ID, r)
		}
	}()

	if p.annotationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.annotationTimeout)
		defer cancel()
	}

	c, err := p.annotator.Analyze(ctx, f)
	if err == nil && c == nil {
		err = errors.New("empty response")
	}
	if err == nil {
		c.FixtureID = f.ID
		err = c.Validate()
	}
	if err != nil {
		res.err = fmt.Errorf("%w: fixture %d: %w", ErrAnnotationFailed, f.ID, err)
		return res
	}
	res.candidate = c
	return res
}

// admit runs the dedup check and insert under the fixture's lock so that no
// two runs both see "no tip" for the same fixture. The store's unique index
// backs this across processes. The wait for the lock is bounded by ctx and
// the lock timeout.
func (p *Pipeline) admit(ctx context.Context, adm *Admission, f *model.Fixture, c *model.Candidate, premium int) (int64, Decision, error) {
	var (
		id       int64
		decision Decision
	)
	err := p.fixtures.WithLockContext(ctx, f.ID, p.lockTimeout, func() error {
		exists, err := p.tips.Exists(ctx, f.ID)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrPersistenceFailed, err)
		}
		decision = adm.Decide(c.Confidence, exists)
		if decision != Accept {
			return nil
		}

		id, err = p.tips.Create(ctx, f, c.Tip(premium), c.Analysis)
		if errors.Is(err, repository.ErrTipExists) {
			decision = RejectDuplicate
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %w", ErrPersistenceFailed, err)
		}
		adm.Commit()
		return nil
	})
	if err != nil && !errors.Is(err, ErrPersistenceFailed) {
		// the lock wait gave up
		err = fmt.Errorf("%w: fixture %d lock: %w", ErrPersistenceFailed, f.ID, err)
	}
	return id, decision, err
}

func (p *Pipeline) reject(logger zerolog.Logger, f *model.Fixture, c *model.Candidate, d Decision) {
	p.metrics.Rejected(string(d))
	logger.Debug().
		Int64("fixture_id", f.ID).
		Int("confidence", c.Confidence).
		Str("reason", string(d)).
		Msg("Candidate rejected")
}

// RunOddsUpdate refreshes odds on published tips that have not kicked off.
// Failures for individual tips are tallied and skipped.
func (p *Pipeline) RunOddsUpdate(ctx context.Context) (*model.RunSummary, error) {
	start := p.now()
	sum := newSummary(model.RunTypeOddsUpdate)
	logger := log.With().Str("run_id", sum.RunID.String()).Str("run_type", sum.RunType).Logger()

	if p.odds == nil {
		return p.fail(ctx, logger, sum, start, "", ErrNoOddsSource)
	}
	provider := p.odds.Provider()

	tips, err := p.tips.Query(ctx, repository.TipFilter{State: model.StatePublished, KickoffAfter: start})
	if err != nil {
		return p.fail(ctx, logger, sum, start, provider, fmt.Errorf("%w: %w", ErrPersistenceFailed, err))
	}
	sum.Fetched = len(tips)

	quotes := fanOut(ctx, p.concurrency, tips, p.quote)

	consecutive := 0
	for i, q := range quotes {
		tip := tips[i]
		if q.err != nil {
			sum.Failed++
			p.metrics.AnnotationFailed(provider)
			logger.Warn().Err(q.err).Int64("tip_id", tip.ID).Msg("Odds lookup failed, skipping tip")
			continue
		}
		sum.Annotated++

		if q.quote.Odds == tip.Odds && q.quote.Movement == "" {
			continue
		}
		if err := p.tips.UpdateOdds(ctx, tip.ID, q.quote.Odds, q.quote.Movement); err != nil {
			sum.Dropped++
			consecutive++
			logger.Error().Err(err).Int64("tip_id", tip.ID).Msg("Failed to update odds")
			if consecutive >= maxConsecutiveStoreFailures {
				return p.fail(ctx, logger, sum, start, provider,
					fmt.Errorf("%w: %d consecutive store errors: %w", ErrPersistenceFailed, consecutive, err))
			}
			continue
		}
		consecutive = 0
		sum.TipIDs = append(sum.TipIDs, tip.ID)
	}
	sum.Accepted = len(sum.TipIDs)
	p.metrics.AddOddsUpdated(sum.Accepted)

	p.finish(ctx, logger, sum, start, provider)
	return sum, nil
}

type oddsResult struct {
	quote *model.OddsQuote
	err   error
}

func (p *Pipeline) quote(ctx context.Context, tip *model.Tip) (res oddsResult) {
	defer func() {
		if r := recover(); r != nil {
			res.err = fmt.Errorf("tip %d: panic: %v", tip.ID, r)
		}
	}()

	if p.annotationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.annotationTimeout)
		defer cancel()
	}

	q, err := p.odds.CurrentOdds(ctx, tip)
	if err == nil && q == nil {
		err = errors.New("empty response")
	}
	if err == nil && q.Odds < 1 {
		err = fmt.Errorf("%w: %.3f", model.ErrInvalidOdds, q.Odds)
	}
	if err != nil {
		return oddsResult{err: fmt.Errorf("tip %d: %w", tip.ID, err)}
	}
	return oddsResult{quote: q}
}

func newSummary(runType string) *model.RunSummary {
	return &model.RunSummary{
		RunID:   uuid.New(),
		RunType: runType,
		Status:  model.RunSuccess,
	}
}

func (p *Pipeline) fail(ctx context.Context, logger zerolog.Logger, sum *model.RunSummary, start time.Time, provider string, err error) (*model.RunSummary, error) {
	sum.Status = model.RunFailed
	sum.Err = err
	p.finish(ctx, logger, sum, start, provider)
	return sum, err
}

// finish appends the run record. The append outlives a cancelled run context.
func (p *Pipeline) finish(ctx context.Context, logger zerolog.Logger, sum *model.RunSummary, start time.Time, provider string) {
	sum.Duration = p.now().Sub(start)

	p.metrics.ObserveRun(sum.RunType, string(sum.Status), sum.Duration)
	if sum.RunType != model.RunTypeOddsUpdate {
		p.metrics.AddAccepted(sum.Accepted)
	}
	p.metrics.AddPublished(sum.Published)

	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := p.activity.Append(recCtx, sum.Record(provider)); err != nil {
		logger.Error().Err(err).Msg("Failed to append run record")
	}

	event := logger.Info()
	if sum.Status == model.RunFailed {
		event = logger.Error().Err(sum.Err)
	}
	event.
		Int("fetched", sum.Fetched).
		Int("annotated", sum.Annotated).
		Int("accepted", sum.Accepted).
		Int("published", sum.Published).
		Int("failed", sum.Failed).
		Int("dropped", sum.Dropped).
		Dur("duration", sum.Duration).
		Msg("Run finished")
}

// fanOut applies fn to every item with at most limit calls in flight and
// returns the results in input order.
func fanOut[T, R any](ctx context.Context, limit int, items []T, fn func(context.Context, T) R) []R {
	out := make([]R, len(items))
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, item := range items {
		g.Go(func() error {
			out[i] = fn(ctx, item)
			return nil
		})
	}
	_ = g.Wait()
	return out
}
