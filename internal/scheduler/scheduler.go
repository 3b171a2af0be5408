// Package scheduler runs named jobs on daily or interval schedules with at
// most one in-flight run per job.
//
// Each job is stopped, scheduled or running. Timer fires and manual triggers
// share a per-job guard: a trigger while the job runs is rejected with
// ErrJobRunning and a timer fire is skipped. Whether a run succeeds, fails
// or panics, an enabled job is rescheduled once it completes.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"tip-automation/internal/model"
	"tip-automation/internal/pkg/lock"
	"tip-automation/internal/pkg/metrics"
)

// Job names.
const (
	JobDailyGeneration = "daily_generation"
	JobOddsUpdate      = "odds_update"
	JobTestPipeline    = "test_pipeline"
)

// State is the lifecycle state of a job.
type State string

// Job states.
const (
	StateStopped   State = "stopped"
	StateScheduled State = "scheduled"
	StateRunning   State = "running"
)

// Scheduler errors.
var (
	ErrJobRunning = errors.New("job is already running")
	ErrUnknownJob = errors.New("unknown job")
	ErrManualOnly = errors.New("job has no schedule and only runs on trigger")
	ErrClosed     = errors.New("scheduler is shut down")
)

// RunFunc is the work a job performs.
type RunFunc func(ctx context.Context) (*model.RunSummary, error)

// Timer is the handle returned by the timer factory.
type Timer interface {
	Stop() bool
}

// Recorder receives a failed record when a run panics and could not log itself.
type Recorder interface {
	Append(ctx context.Context, rec *model.RunRecord) error
}

// JobInfo is a read-only snapshot of a job. NextFire is zero unless the job
// is scheduled.
type JobInfo struct {
	Name       string
	State      State
	Manual     bool
	NextFire   time.Time
	LastRunAt  time.Time
	LastStatus model.RunStatus
	LastError  string
}

type job struct {
	name     string
	run      RunFunc
	schedule Schedule

	enabled bool
	running bool
	next    time.Time
	timer   Timer
	gen     uint64

	lastRunAt  time.Time
	lastStatus model.RunStatus
	lastErr    string
}

// Scheduler owns the job table. Construct one with New; there is no global instance.
type Scheduler struct {
	mu     sync.Mutex
	jobs   map[string]*job
	guard  *lock.KeyLock[string]
	wg     sync.WaitGroup
	closed bool

	baseCtx context.Context
	cancel  context.CancelFunc

	now        func() time.Time
	afterFunc  func(time.Duration, func()) Timer
	runTimeout time.Duration
	metrics    *metrics.Manager
	recorder   Recorder
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTimerFunc overrides time.AfterFunc.
func WithTimerFunc(f func(time.Duration, func()) Timer) Option {
	return func(s *Scheduler) {
		if f != nil {
			s.afterFunc = f
		}
	}
}

// WithRunTimeout bounds every run. Zero means no bound.
func WithRunTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.runTimeout = d }
}

// WithMetrics attaches a metrics manager.
func WithMetrics(m *metrics.Manager) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithRecorder sets where panicked runs are recorded.
func WithRecorder(r Recorder) Option {
	return func(s *Scheduler) { s.recorder = r }
}

// New creates a Scheduler with no jobs. All jobs start stopped.
func New(opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		jobs:    make(map[string]*job),
		guard:   lock.New[string](),
		baseCtx: ctx,
		cancel:  cancel,
		now:     time.Now,
		afterFunc: func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a job. A nil schedule makes the job manual-only.
// Registering an existing name replaces it while it is stopped.
func (s *Scheduler) Register(name string, run RunFunc, schedule Schedule) error {
	if name == "" {
		return fmt.Errorf("job name cannot be empty")
	}
	if run == nil {
		return fmt.Errorf("job %s: run func cannot be nil", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.jobs[name]; ok && (old.enabled || old.running) {
		return fmt.Errorf("job %s is active and cannot be replaced", name)
	}
	s.jobs[name] = &job{name: name, run: run, schedule: schedule}
	return nil
}

// Initialize schedules every job that has a schedule. Jobs already
// scheduled are left alone.
func (s *Scheduler) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	var names []string
	for name, j := range s.jobs {
		if j.schedule != nil {
			names = append(names, name)
		}
	}
	s.mu.Unlock()

	sort.Strings(names)
	for _, name := range names {
		if err := s.StartJob(ctx, name); err != nil {
			return err
		}
	}
	log.Info().Strs("jobs", names).Msg("Scheduler initialized")
	return nil
}

// StartJob moves a stopped job to scheduled. Starting a scheduled job is a
// no-op; a running job is rescheduled when its run completes.
func (s *Scheduler) StartJob(ctx context.Context, name string) error {
	s.mu.Lock()
	j, err := s.lookup(name)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if j.schedule == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrManualOnly, name)
	}
	if j.enabled {
		s.mu.Unlock()
		return nil
	}
	j.enabled = true
	running := j.running
	s.mu.Unlock()

	if !running {
		s.reschedule(ctx, j)
	}
	return nil
}

// StopJob cancels future fires. An in-flight run is not interrupted.
func (s *Scheduler) StopJob(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.lookup(name)
	if err != nil {
		return err
	}
	j.enabled = false
	s.disarm(j)
	return nil
}

// Trigger runs a job now and waits for it. It fails with ErrJobRunning if
// the job is already running.
func (s *Scheduler) Trigger(ctx context.Context, name string) (*model.RunSummary, error) {
	s.mu.Lock()
	j, err := s.lookup(name)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if !s.begin(j) {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrJobRunning, name)
	}
	s.mu.Unlock()
	defer s.wg.Done()

	return s.execute(ctx, j)
}

// TriggerDailyGeneration runs the daily generation job now.
func (s *Scheduler) TriggerDailyGeneration(ctx context.Context) (*model.RunSummary, error) {
	return s.Trigger(ctx, JobDailyGeneration)
}

// TriggerOddsUpdate runs the odds update job now.
func (s *Scheduler) TriggerOddsUpdate(ctx context.Context) (*model.RunSummary, error) {
	return s.Trigger(ctx, JobOddsUpdate)
}

// TriggerTestPipeline runs the sandbox pipeline now.
func (s *Scheduler) TriggerTestPipeline(ctx context.Context) (*model.RunSummary, error) {
	return s.Trigger(ctx, JobTestPipeline)
}

// JobStatus returns a snapshot of every job ordered by name.
func (s *Scheduler) JobStatus() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		infos = append(infos, j.info())
	}
	sort.Slice(infos, func(a, b int) bool { return infos[a].Name < infos[b].Name })
	return infos
}

// Job returns the snapshot of one job.
func (s *Scheduler) Job(name string) (JobInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.lookup(name)
	if err != nil {
		return JobInfo{}, err
	}
	return j.info(), nil
}

// Shutdown stops every timer and waits for in-flight runs until ctx is done.
// Runs still going when ctx expires have their context cancelled.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, j := range s.jobs {
		j.enabled = false
		s.disarm(j)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	defer s.cancel()
	select {
	case <-done:
		log.Info().Msg("Scheduler stopped")
		return nil
	case <-ctx.Done():
		log.Warn().Msg("Scheduler shutdown timed out with runs in flight")
		return ctx.Err()
	}
}

func (j *job) info() JobInfo {
	info := JobInfo{
		Name:       j.name,
		State:      StateStopped,
		Manual:     j.schedule == nil,
		LastRunAt:  j.lastRunAt,
		LastStatus: j.lastStatus,
		LastError:  j.lastErr,
	}
	switch {
	case j.running:
		info.State = StateRunning
	case j.enabled:
		info.State = StateScheduled
	}
	if j.enabled {
		info.NextFire = j.next
	}
	return info
}

// lookup must be called with s.mu held.
func (s *Scheduler) lookup(name string) (*job, error) {
	if s.closed {
		return nil, ErrClosed
	}
	j, ok := s.jobs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return j, nil
}

// begin claims the job's guard. Must be called with s.mu held; on success
// the caller owns one wg slot.
func (s *Scheduler) begin(j *job) bool {
	if s.closed || !s.guard.TryLock(j.name) {
		return false
	}
	j.running = true
	s.wg.Add(1)
	s.metrics.SetJobRunning(j.name, true)
	return true
}

// arm must be called with s.mu held.
func (s *Scheduler) arm(j *job, next time.Time) {
	if j.timer != nil {
		j.timer.Stop()
	}
	j.gen++
	gen := j.gen
	j.next = next

	delay := next.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	j.timer = s.afterFunc(delay, func() { s.fire(j.name, gen) })
	s.metrics.SetNextFire(j.name, next)

	log.Debug().Str("job", j.name).Time("next_fire", next).Msg("Job scheduled")
}

// disarm must be called with s.mu held.
func (s *Scheduler) disarm(j *job) {
	if j.timer != nil {
		j.timer.Stop()
		j.timer = nil
	}
	j.gen++
	j.next = time.Time{}
	s.metrics.SetNextFire(j.name, time.Time{})
}

// reschedule computes the next fire outside the lock, since Daily may read
// the config store, then arms the timer if the job still wants one.
func (s *Scheduler) reschedule(ctx context.Context, j *job) {
	next := j.schedule.Next(ctx, s.now())

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !j.enabled || j.running {
		return
	}
	s.arm(j, next)
}

func (s *Scheduler) fire(name string, gen uint64) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	if s.closed || !ok || !j.enabled || j.gen != gen {
		s.mu.Unlock()
		return
	}
	j.timer = nil
	j.next = time.Time{}
	if !s.begin(j) {
		s.mu.Unlock()
		// the in-flight run reschedules on completion
		log.Warn().Str("job", name).Msg("Job still running at fire time, skipping")
		return
	}
	s.mu.Unlock()
	defer s.wg.Done()

	_, _ = s.execute(s.baseCtx, j)
}

func (s *Scheduler) execute(ctx context.Context, j *job) (*model.RunSummary, error) {
	start := s.now()
	logger := log.With().Str("job", j.name).Logger()
	logger.Info().Msg("Job started")

	runCtx := ctx
	if s.runTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.runTimeout)
		defer cancel()
	}

	sum, panicked, err := s.safeRun(runCtx, j)
	if panicked {
		s.recordPanic(ctx, j.name, start, err)
	}

	status := model.RunSuccess
	if err != nil {
		status = model.RunFailed
	} else if sum != nil {
		status = sum.Status
	}

	s.mu.Lock()
	j.running = false
	s.guard.Unlock(j.name)
	j.lastRunAt = start
	j.lastStatus = status
	j.lastErr = ""
	if err != nil {
		j.lastErr = err.Error()
	}
	reschedule := j.enabled && !s.closed && j.schedule != nil
	s.mu.Unlock()
	s.metrics.SetJobRunning(j.name, false)

	if err != nil {
		logger.Error().Err(err).Dur("duration", s.now().Sub(start)).Msg("Job failed")
	} else {
		logger.Info().Dur("duration", s.now().Sub(start)).Msg("Job finished")
	}

	if reschedule {
		s.reschedule(s.baseCtx, j)
	}
	return sum, err
}

func (s *Scheduler) safeRun(ctx context.Context, j *job) (sum *model.RunSummary, panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			sum = nil
			err = fmt.Errorf("job %s panicked: %v", j.name, r)
			panicked = true
		}
	}()
	sum, err = j.run(ctx)
	return sum, false, err
}

func (s *Scheduler) recordPanic(ctx context.Context, name string, start time.Time, err error) {
	if s.recorder == nil {
		return
	}
	msg := err.Error()
	rec := &model.RunRecord{
		RunType:  name,
		Status:   model.RunFailed,
		Duration: s.now().Sub(start),
		Error:    &msg,
	}
	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if appendErr := s.recorder.Append(recCtx, rec); appendErr != nil {
		log.Error().Err(appendErr).Str("job", name).Msg("Failed to record panicked run")
	}
}
