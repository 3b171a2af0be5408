package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"tip-automation/internal/model"
	"tip-automation/internal/repository"
	"tip-automation/internal/scheduler"
)

var errStoreDown = errors.New("connection refused")

type memConfig struct {
	mu     sync.Mutex
	values map[string]string
	getErr error
	setErr error
}

func newMemConfig(values map[string]string) *memConfig {
	c := &memConfig{values: make(map[string]string)}
	for k, v := range values {
		c.values[k] = v
	}
	return c
}

func (c *memConfig) Get(_ context.Context, key, def string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return "", c.getErr
	}
	v, ok := c.values[key]
	if !ok {
		c.values[key] = def
		return def, nil
	}
	return v, nil
}

func (c *memConfig) Set(_ context.Context, key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.setErr != nil {
		return c.setErr
	}
	c.values[key] = value
	return nil
}

func (c *memConfig) List(_ context.Context) ([]*model.ConfigEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := make([]*model.ConfigEntry, 0, len(c.values))
	for k, v := range c.values {
		entries = append(entries, &model.ConfigEntry{Key: k, Value: v, Description: model.ConfigDescriptions[k]})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

func (c *memConfig) value(key string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[key]
}

type memTips struct {
	mu        sync.Mutex
	nextID    int64
	tips      map[int64]*model.Tip
	analyses  map[int64]*model.TipAnalysis
	fixtures  map[int64]*model.Fixture
	createErr func(fixtureID int64) error
	existsErr error
	// raceFixtures makes Exists report false for fixtures that already have
	// a tip, as another process inserting concurrently would.
	raceFixtures map[int64]bool
	publishAt    []time.Time
}

func newMemTips() *memTips {
	return &memTips{
		tips:     make(map[int64]*model.Tip),
		analyses: make(map[int64]*model.TipAnalysis),
		fixtures: make(map[int64]*model.Fixture),
	}
}

func (s *memTips) Create(_ context.Context, f *model.Fixture, tip *model.Tip, analysis *model.TipAnalysis) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		if err := s.createErr(f.ID); err != nil {
			return 0, err
		}
	}
	for _, t := range s.tips {
		if t.FixtureID == f.ID {
			return 0, repository.ErrTipExists
		}
	}
	s.nextID++
	cp := *tip
	cp.ID = s.nextID
	cp.FixtureID = f.ID
	cp.State = model.StateDraft
	cp.PublishedAt = nil
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.tips[cp.ID] = &cp
	s.fixtures[f.ID] = f
	if analysis != nil {
		a := *analysis
		a.TipID = cp.ID
		s.analyses[cp.ID] = &a
	}
	return cp.ID, nil
}

func (s *memTips) Exists(_ context.Context, fixtureID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.existsErr != nil {
		return false, s.existsErr
	}
	if s.raceFixtures[fixtureID] {
		return false, nil
	}
	for _, t := range s.tips {
		if t.FixtureID == fixtureID {
			return true, nil
		}
	}
	return false, nil
}

func (s *memTips) GetByID(_ context.Context, id int64) (*model.Tip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tips[id]
	if !ok {
		return nil, repository.ErrTipNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *memTips) GetAnalysis(_ context.Context, tipID int64) (*model.TipAnalysis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.analyses[tipID]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (s *memTips) Publish(_ context.Context, ids []int64, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, id := range ids {
		t, ok := s.tips[id]
		if !ok || t.State != model.StateDraft {
			continue
		}
		ts := at
		t.State = model.StatePublished
		t.PublishedAt = &ts
		s.publishAt = append(s.publishAt, at)
		n++
	}
	return n, nil
}

func (s *memTips) Unpublish(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tips[id]
	if !ok || t.State != model.StatePublished {
		return repository.ErrTipNotFound
	}
	t.State = model.StateDraft
	t.PublishedAt = nil
	return nil
}

func (s *memTips) UpdateOdds(_ context.Context, id int64, odds float64, movement string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tips[id]
	if !ok {
		return repository.ErrTipNotFound
	}
	t.Odds = odds
	if a, ok := s.analyses[id]; ok && movement != "" {
		a.MarketMovement = movement
	}
	return nil
}

func (s *memTips) Query(_ context.Context, f repository.TipFilter) ([]*model.Tip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Tip
	for _, t := range s.tips {
		if t.IsSandbox() != f.Sandbox {
			continue
		}
		if f.State != "" && t.State != f.State {
			continue
		}
		if !f.KickoffAfter.IsZero() {
			fx := s.fixtures[t.FixtureID]
			if fx == nil || !fx.Kickoff.After(f.KickoffAfter) {
				continue
			}
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *memTips) Counts(_ context.Context, dayStart time.Time) (*model.TipCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := &model.TipCounts{}
	for _, t := range s.tips {
		if t.IsSandbox() {
			continue
		}
		c.Total++
		if t.State == model.StatePublished {
			c.Published++
		} else {
			c.Draft++
		}
		if t.Premium {
			c.Premium++
		}
		if !t.CreatedAt.Before(dayStart) {
			c.Today++
		}
	}
	return c, nil
}

func (s *memTips) byFixture() map[int64]*model.Tip {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]*model.Tip, len(s.tips))
	for _, t := range s.tips {
		cp := *t
		out[t.FixtureID] = &cp
	}
	return out
}

type memActivity struct {
	mu      sync.Mutex
	records []*model.RunRecord
}

func (a *memActivity) Append(_ context.Context, rec *model.RunRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec.ID = int64(len(a.records) + 1)
	a.records = append(a.records, rec)
	return nil
}

func (a *memActivity) Recent(_ context.Context, f repository.RunFilter, limit int) ([]*model.RunRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*model.RunRecord
	for i := len(a.records) - 1; i >= 0 && len(out) < limit; i-- {
		r := a.records[i]
		if f.RunType != "" && r.RunType != f.RunType {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (a *memActivity) ProviderUsage(_ context.Context, _ time.Time) ([]*model.ProviderUsage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	byProvider := map[string]*model.ProviderUsage{}
	for _, r := range a.records {
		if r.Provider == "" {
			continue
		}
		u, ok := byProvider[r.Provider]
		if !ok {
			u = &model.ProviderUsage{Provider: r.Provider}
			byProvider[r.Provider] = u
		}
		u.Calls += int64(r.Annotated + r.Failed)
		u.Failures += int64(r.Failed)
		u.Runs++
	}
	var out []*model.ProviderUsage
	for _, u := range byProvider {
		out = append(out, u)
	}
	return out, nil
}

func (a *memActivity) last() *model.RunRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.records) == 0 {
		return nil
	}
	return a.records[len(a.records)-1]
}

func (a *memActivity) ofType(runType string) []*model.RunRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*model.RunRecord
	for _, r := range a.records {
		if r.RunType == runType {
			out = append(out, r)
		}
	}
	return out
}

type stubSource struct {
	fixtures []*model.Fixture
	err      error
	calls    int
	from, to time.Time
}

func (s *stubSource) ListUpcoming(_ context.Context, from, to time.Time) ([]*model.Fixture, error) {
	s.calls++
	s.from, s.to = from, to
	if s.err != nil {
		return nil, s.err
	}
	return s.fixtures, nil
}

// stubAnnotator answers with a fixed confidence per fixture id. Ids listed
// in fail return an error.
type stubAnnotator struct {
	confidence map[int64]int
	fail       map[int64]bool
	odds       float64

	mu    sync.Mutex
	calls int
}

func (a *stubAnnotator) Analyze(_ context.Context, f *model.Fixture) (*model.Candidate, error) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()

	if a.fail[f.ID] {
		return nil, errors.New("provider returned 503")
	}
	odds := a.odds
	if odds == 0 {
		odds = 1.85
	}
	conf, ok := a.confidence[f.ID]
	if !ok {
		conf = 80
	}
	return &model.Candidate{
		BetType:     model.BetHomeWin,
		Odds:        odds,
		Confidence:  conf,
		Explanation: "home side unbeaten in eight",
		Analysis: &model.TipAnalysis{
			ValueRating:        6.5,
			ImpliedProbability: 0.54,
			ModelProbability:   0.61,
			RiskFactors:        []string{"rotation"},
		},
	}, nil
}

func (a *stubAnnotator) Provider() string {
	return "stub"
}

type stubOdds struct {
	quotes map[int64]*model.OddsQuote
	fail   map[int64]bool
}

func (o *stubOdds) CurrentOdds(_ context.Context, tip *model.Tip) (*model.OddsQuote, error) {
	if o.fail[tip.ID] {
		return nil, errors.New("odds feed timeout")
	}
	if q, ok := o.quotes[tip.ID]; ok {
		return q, nil
	}
	return &model.OddsQuote{Odds: tip.Odds}, nil
}

func (o *stubOdds) Provider() string {
	return "stub-odds"
}

type stubJobs struct {
	started []string
	stopped []string
	err     error
	summary *model.RunSummary
	infos   []scheduler.JobInfo
}

func (j *stubJobs) StartJob(_ context.Context, name string) error {
	j.started = append(j.started, name)
	return j.err
}

func (j *stubJobs) StopJob(name string) error {
	j.stopped = append(j.stopped, name)
	return j.err
}

func (j *stubJobs) Trigger(_ context.Context, _ string) (*model.RunSummary, error) {
	if j.err != nil {
		return nil, j.err
	}
	return j.summary, nil
}

func (j *stubJobs) JobStatus() []scheduler.JobInfo {
	return j.infos
}

// fixturesAt returns n fixtures with ids 1..n kicking off hourly from start.
func fixturesAt(start time.Time, n int) []*model.Fixture {
	out := make([]*model.Fixture, n)
	for i := range out {
		out[i] = &model.Fixture{
			ID:         int64(i + 1),
			HomeTeamID: int64(100 + i),
			AwayTeamID: int64(200 + i),
			LeagueID:   39,
			Kickoff:    start.Add(time.Duration(i+1) * time.Hour),
			Venue:      "Ground",
		}
	}
	return out
}
