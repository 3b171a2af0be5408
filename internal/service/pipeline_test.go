package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tip-automation/internal/model"
	"tip-automation/internal/pkg/lock"
	"tip-automation/internal/repository"
)

var testNow = time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC)

type pipelineEnv struct {
	config    *memConfig
	tips      *memTips
	activity  *memActivity
	source    *stubSource
	annotator *stubAnnotator
	pipeline  *Pipeline
}

func newPipelineEnv(t *testing.T, cfg map[string]string, fixtures int, opts ...PipelineOption) *pipelineEnv {
	t.Helper()
	env := &pipelineEnv{
		config:    newMemConfig(cfg),
		tips:      newMemTips(),
		activity:  &memActivity{},
		source:    &stubSource{fixtures: fixturesAt(testNow, fixtures)},
		annotator: &stubAnnotator{confidence: map[int64]int{}, fail: map[int64]bool{}},
	}
	opts = append([]PipelineOption{WithClock(func() time.Time { return testNow })}, opts...)
	env.pipeline = NewPipeline(
		NewSettingsService(env.config),
		env.source,
		env.annotator,
		env.tips,
		env.activity,
		opts...,
	)
	return env
}

func (e *pipelineEnv) confidences(values ...int) {
	for i, v := range values {
		e.annotator.confidence[int64(i+1)] = v
	}
}

func TestRunDailyGeneration_FirstAcceptedWinsCap(t *testing.T) {
	env := newPipelineEnv(t, map[string]string{
		model.KeyMinConfidenceThreshold: "65",
		model.KeyMaxTipsPerDay:          "3",
	}, 5)
	env.confidences(90, 50, 70, 95, 60)

	sum, err := env.pipeline.RunDailyGeneration(context.Background())
	require.NoError(t, err)

	assert.Equal(t, model.RunSuccess, sum.Status)
	assert.Equal(t, 5, sum.Fetched)
	assert.Equal(t, 5, sum.Annotated)
	assert.Equal(t, 3, sum.Accepted)
	assert.Equal(t, 3, sum.Published)

	tips := env.tips.byFixture()
	require.Len(t, tips, 3)
	for _, id := range []int64{1, 3, 4} {
		require.Contains(t, tips, id)
		assert.True(t, tips[id].IsPublished())
	}
	assert.Equal(t, 90, tips[1].Confidence)
	assert.Equal(t, 70, tips[3].Confidence)
	assert.Equal(t, 95, tips[4].Confidence)

	rec := env.activity.last()
	require.NotNil(t, rec)
	assert.Equal(t, model.RunTypeDailyGeneration, rec.RunType)
	assert.Equal(t, model.RunSuccess, rec.Status)
	assert.Equal(t, 3, rec.Accepted)
	assert.Equal(t, 3, rec.Published)
	assert.Equal(t, "stub", rec.Provider)
}

func TestRunDailyGeneration_AutoPublishDisabledLeavesDrafts(t *testing.T) {
	env := newPipelineEnv(t, map[string]string{model.KeyAutoPublishEnabled: "false"}, 3)

	sum, err := env.pipeline.RunDailyGeneration(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, sum.Accepted)
	assert.Equal(t, 0, sum.Published)
	for _, tip := range env.tips.byFixture() {
		assert.Equal(t, model.StateDraft, tip.State)
		assert.Nil(t, tip.PublishedAt)
	}
}

func TestRunDailyGeneration_AnnotationFailureIsPartial(t *testing.T) {
	env := newPipelineEnv(t, nil, 4)
	env.annotator.fail[2] = true

	sum, err := env.pipeline.RunDailyGeneration(context.Background())
	require.NoError(t, err)

	assert.Equal(t, model.RunSuccess, sum.Status)
	assert.Equal(t, 4, sum.Fetched)
	assert.Equal(t, 3, sum.Annotated)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 3, sum.Accepted)
	assert.NotContains(t, env.tips.byFixture(), int64(2))

	rec := env.activity.last()
	assert.Equal(t, model.RunSuccess, rec.Status)
	assert.Equal(t, 1, rec.Failed)
	assert.Nil(t, rec.Error)
}

func TestRunDailyGeneration_AllAnnotationsFailStillCompletes(t *testing.T) {
	env := newPipelineEnv(t, nil, 3)
	env.annotator.fail = map[int64]bool{1: true, 2: true, 3: true}

	sum, err := env.pipeline.RunDailyGeneration(context.Background())
	require.NoError(t, err)

	assert.Equal(t, model.RunSuccess, sum.Status)
	assert.Equal(t, 0, sum.Accepted)
	assert.Equal(t, 3, sum.Failed)
}

func TestRunDailyGeneration_SourceUnavailableFailsRun(t *testing.T) {
	env := newPipelineEnv(t, nil, 3)
	env.source.err = errStoreDown

	sum, err := env.pipeline.RunDailyGeneration(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSourceUnavailable)
	assert.ErrorIs(t, err, errStoreDown)

	require.NotNil(t, sum)
	assert.Equal(t, model.RunFailed, sum.Status)
	assert.Empty(t, env.tips.byFixture())
	assert.Equal(t, 0, env.annotator.calls)

	rec := env.activity.last()
	assert.Equal(t, model.RunFailed, rec.Status)
	assert.Contains(t, rec.ErrorText(), "connection refused")
}

func TestRunDailyGeneration_RerunIsIdempotent(t *testing.T) {
	env := newPipelineEnv(t, nil, 4)

	first, err := env.pipeline.RunDailyGeneration(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, first.Accepted)

	second, err := env.pipeline.RunDailyGeneration(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, second.Accepted)
	assert.Equal(t, 0, second.Published)
	assert.Len(t, env.tips.byFixture(), 4)
}

func TestRunDailyGeneration_StoreReportsExistingTip(t *testing.T) {
	env := newPipelineEnv(t, nil, 2)
	_, err := env.tips.Create(context.Background(), env.source.fixtures[0], &model.Tip{Odds: 2, Confidence: 80}, nil)
	require.NoError(t, err)
	// another process inserted between our check and insert
	env.tips.raceFixtures = map[int64]bool{1: true}

	sum, err := env.pipeline.RunDailyGeneration(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Accepted)
	assert.Equal(t, 0, sum.Dropped)
}

func TestRunDailyGeneration_AutoGenerationDisabledSkips(t *testing.T) {
	env := newPipelineEnv(t, map[string]string{model.KeyAutoGenerationEnabled: "false"}, 3)

	sum, err := env.pipeline.RunDailyGeneration(context.Background())
	require.NoError(t, err)

	assert.True(t, sum.Skipped)
	assert.Equal(t, 0, env.source.calls)
	assert.Empty(t, env.tips.byFixture())

	rec := env.activity.last()
	assert.Equal(t, model.RunSuccess, rec.Status)
	assert.Contains(t, rec.Message, "skipped")
	assert.Empty(t, env.config.value(model.KeyLastGenerationDate))
}

func TestRunDailyGeneration_IgnoresFixturesAlreadyStarted(t *testing.T) {
	env := newPipelineEnv(t, nil, 2)
	env.source.fixtures = append(env.source.fixtures,
		&model.Fixture{ID: 50, Kickoff: testNow},
		&model.Fixture{ID: 51, Kickoff: testNow.Add(-time.Minute)},
	)

	sum, err := env.pipeline.RunDailyGeneration(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, sum.Fetched)
	assert.Equal(t, 2, sum.Annotated)
	assert.Equal(t, 2, env.annotator.calls)
}

func TestRunDailyGeneration_LookbackWindow(t *testing.T) {
	env := newPipelineEnv(t, map[string]string{model.KeyGenerationLookbackDays: "3"}, 1)

	_, err := env.pipeline.RunDailyGeneration(context.Background())
	require.NoError(t, err)
	assert.True(t, env.source.from.Equal(testNow))
	assert.True(t, env.source.to.Equal(testNow.AddDate(0, 0, 3)))
}

func TestRunDailyGeneration_InvalidCandidateCountsAsFailure(t *testing.T) {
	env := newPipelineEnv(t, nil, 2)
	env.annotator.odds = 0.5

	sum, err := env.pipeline.RunDailyGeneration(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Failed)
	assert.Equal(t, 0, sum.Annotated)
	assert.Empty(t, env.tips.byFixture())
}

func TestRunDailyGeneration_SinglePersistenceFailureDropsTip(t *testing.T) {
	env := newPipelineEnv(t, nil, 3)
	env.tips.createErr = func(fixtureID int64) error {
		if fixtureID == 2 {
			return errors.New("analysis insert failed")
		}
		return nil
	}

	sum, err := env.pipeline.RunDailyGeneration(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.RunSuccess, sum.Status)
	assert.Equal(t, 2, sum.Accepted)
	assert.Equal(t, 1, sum.Dropped)
	assert.Equal(t, 2, sum.Published)
	assert.Contains(t, env.activity.last().Message, "dropped 1")
}

func TestRunDailyGeneration_SystemicPersistenceFailureIsFatal(t *testing.T) {
	env := newPipelineEnv(t, nil, 5)
	env.tips.createErr = func(int64) error { return errStoreDown }

	sum, err := env.pipeline.RunDailyGeneration(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPersistenceFailed)
	assert.Equal(t, model.RunFailed, sum.Status)
	assert.Equal(t, maxConsecutiveStoreFailures, sum.Dropped)
	assert.Equal(t, 0, sum.Published)
	assert.Equal(t, model.RunFailed, env.activity.last().Status)
}

func TestRunDailyGeneration_PublishesBatchWithOneTimestamp(t *testing.T) {
	env := newPipelineEnv(t, nil, 4)

	_, err := env.pipeline.RunDailyGeneration(context.Background())
	require.NoError(t, err)

	require.Len(t, env.tips.publishAt, 4)
	for _, at := range env.tips.publishAt {
		assert.True(t, at.Equal(env.tips.publishAt[0]))
	}
}

func TestRunDailyGeneration_PremiumFlagAndBookkeeping(t *testing.T) {
	env := newPipelineEnv(t, map[string]string{
		model.KeyPremiumConfidenceThreshold: "85",
		model.KeyMaxTipsPerDay:              "5",
	}, 3)
	env.confidences(84, 85, 99)

	sum, err := env.pipeline.RunDailyGeneration(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, sum.Accepted)

	tips := env.tips.byFixture()
	assert.False(t, tips[1].Premium)
	assert.True(t, tips[2].Premium)
	assert.True(t, tips[3].Premium)

	assert.Equal(t, "2026-05-10", env.config.value(model.KeyLastGenerationDate))
	assert.Equal(t, "3", env.config.value(model.KeyLastGenerationTotal))
	assert.Equal(t, "3", env.config.value(model.KeyLastGenerationPublished))
}

func TestRunDailyGeneration_SnapshotsConfigOnce(t *testing.T) {
	env := newPipelineEnv(t, map[string]string{model.KeyMaxTipsPerDay: "2"}, 4)

	sum, err := env.pipeline.RunDailyGeneration(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Accepted)

	// an edit after the run has no effect on the finished run
	require.NoError(t, env.config.Set(context.Background(), model.KeyMaxTipsPerDay, "10"))
	assert.Len(t, env.tips.byFixture(), 2)
}

func TestRunDailyGeneration_ConcurrentRunsNeverDuplicate(t *testing.T) {
	fixtures := fixturesAt(testNow, 20)
	tips := newMemTips()
	activity := &memActivity{}
	shared := lock.New[int64]()

	newPipeline := func() *Pipeline {
		return NewPipeline(
			NewSettingsService(newMemConfig(map[string]string{model.KeyMaxTipsPerDay: "50"})),
			&stubSource{fixtures: fixtures},
			&stubAnnotator{},
			tips,
			activity,
			WithClock(func() time.Time { return testNow }),
			WithFixtureLock(shared),
		)
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(p *Pipeline) {
			defer wg.Done()
			sum, err := p.RunDailyGeneration(context.Background())
			assert.NoError(t, err)
			mu.Lock()
			total += sum.Accepted
			mu.Unlock()
		}(newPipeline())
	}
	wg.Wait()

	assert.Equal(t, 20, total)
	assert.Len(t, tips.byFixture(), 20)
}

func TestTestPipeline_UsesSandboxAndNeverPublishes(t *testing.T) {
	env := newPipelineEnv(t, map[string]string{
		model.KeyAutoGenerationEnabled: "false",
		model.KeyAutoPublishEnabled:    "true",
	}, 3, WithSandboxSource(NewSandboxSource(4)))

	sum, err := env.pipeline.TestPipeline(context.Background())
	require.NoError(t, err)

	assert.Equal(t, model.RunTypeTestPipeline, sum.RunType)
	assert.False(t, sum.Skipped)
	assert.Equal(t, 4, sum.Fetched)
	assert.Equal(t, 4, sum.Accepted)
	assert.Equal(t, 0, sum.Published)
	assert.Equal(t, 0, env.source.calls)

	for fixtureID, tip := range env.tips.byFixture() {
		assert.Less(t, fixtureID, int64(0))
		assert.Equal(t, model.StateDraft, tip.State)
	}
	assert.Empty(t, env.config.value(model.KeyLastGenerationDate))
	assert.Equal(t, model.RunTypeTestPipeline, env.activity.last().RunType)
}

func TestRunOddsUpdate(t *testing.T) {
	env := newPipelineEnv(t, nil, 3)
	_, err := env.pipeline.RunDailyGeneration(context.Background())
	require.NoError(t, err)

	// tip 3 stays a draft and must not be touched
	require.NoError(t, env.tips.Unpublish(context.Background(), 3))

	odds := &stubOdds{
		quotes: map[int64]*model.OddsQuote{1: {Odds: 1.72, Movement: "shortening"}},
		fail:   map[int64]bool{2: true},
	}
	env.pipeline.odds = odds

	sum, err := env.pipeline.RunOddsUpdate(context.Background())
	require.NoError(t, err)

	assert.Equal(t, model.RunSuccess, sum.Status)
	assert.Equal(t, 2, sum.Fetched)
	assert.Equal(t, 1, sum.Annotated)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 1, sum.Accepted)
	assert.Equal(t, []int64{1}, sum.TipIDs)

	updated, err := env.tips.GetByID(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1.72, updated.Odds)
	assert.Equal(t, "shortening", env.tips.analyses[1].MarketMovement)

	rec := env.activity.last()
	assert.Equal(t, model.RunTypeOddsUpdate, rec.RunType)
	assert.Equal(t, "stub-odds", rec.Provider)
}

func TestRunOddsUpdate_SkipsKickedOffTips(t *testing.T) {
	env := newPipelineEnv(t, nil, 2, WithOddsSource(&stubOdds{}))
	_, err := env.pipeline.RunDailyGeneration(context.Background())
	require.NoError(t, err)

	// move the clock past the first kickoff
	env.pipeline.now = func() time.Time { return testNow.Add(90 * time.Minute) }

	sum, err := env.pipeline.RunOddsUpdate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Fetched)
}

func TestRunOddsUpdate_NoSourceFails(t *testing.T) {
	env := newPipelineEnv(t, nil, 1)

	sum, err := env.pipeline.RunOddsUpdate(context.Background())
	assert.ErrorIs(t, err, ErrNoOddsSource)
	assert.Equal(t, model.RunFailed, sum.Status)
	assert.Equal(t, model.RunFailed, env.activity.last().Status)
}

func TestRunOddsUpdate_RejectsInvalidQuote(t *testing.T) {
	env := newPipelineEnv(t, nil, 1)
	_, err := env.pipeline.RunDailyGeneration(context.Background())
	require.NoError(t, err)
	env.pipeline.odds = &stubOdds{quotes: map[int64]*model.OddsQuote{1: {Odds: 0.9}}}

	sum, err := env.pipeline.RunOddsUpdate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 0, sum.Accepted)
}

func TestFanOut_PreservesOrderAndBound(t *testing.T) {
	items := make([]int, 50)
	for i := range items {
		items[i] = i
	}

	var (
		mu       sync.Mutex
		inFlight int
		peak     int
	)
	out := fanOut(context.Background(), 3, items, func(_ context.Context, v int) int {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()
		time.Sleep(time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return v * 2
	})

	require.Len(t, out, 50)
	for i, v := range out {
		assert.Equal(t, i*2, v)
	}
	assert.LessOrEqual(t, peak, 3)
}

func TestRepositoriesSatisfyPorts(t *testing.T) {
	var _ MatchSource = (*repository.FixtureRepository)(nil)
	var _ TipStore = (*repository.TipRepository)(nil)
	var _ ActivityLog = (*repository.ActivityRepository)(nil)
	var _ ConfigStore = (*repository.SettingsRepository)(nil)
}

func TestRunDailyGeneration_HeldFixtureLockTimesOut(t *testing.T) {
	shared := lock.New[int64]()
	env := newPipelineEnv(t, nil, 2, WithFixtureLock(shared), WithFixtureLockTimeout(20*time.Millisecond))

	// another run holds fixture 1 and never lets go
	require.True(t, shared.TryLock(1))
	defer shared.Unlock(1)

	done := make(chan struct{})
	var (
		sum *model.RunSummary
		err error
	)
	go func() {
		defer close(done)
		sum, err = env.pipeline.RunDailyGeneration(context.Background())
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run blocked on a held fixture lock")
	}

	require.NoError(t, err)
	assert.Equal(t, 1, sum.Accepted)
	assert.Equal(t, 1, sum.Dropped)
	assert.Equal(t, "dropped 1 tips on store errors", sum.Message)
	assert.NotContains(t, env.tips.byFixture(), int64(1))
}

func TestRunDailyGeneration_CancelledContextReleasesLockWait(t *testing.T) {
	shared := lock.New[int64]()
	env := newPipelineEnv(t, nil, 1, WithFixtureLock(shared))

	require.True(t, shared.TryLock(1))
	defer shared.Unlock(1)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	sum, err := env.pipeline.RunDailyGeneration(ctx)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), DefaultFixtureLockTimeout)
	assert.Equal(t, 1, sum.Dropped)
	assert.Zero(t, sum.Accepted)
}
