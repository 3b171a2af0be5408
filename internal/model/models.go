// Package model defines the data models for the tip automation service.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Fixture identifies an upcoming match supplied by the match source.
type Fixture struct {
	ID         int64     `db:"id"`
	HomeTeamID int64     `db:"home_team_id"`
	AwayTeamID int64     `db:"away_team_id"`
	LeagueID   int64     `db:"league_id"`
	Kickoff    time.Time `db:"kickoff"`
	Venue      string    `db:"venue"`
}

// EligibleAt reports whether the fixture kicks off strictly after t.
func (f *Fixture) EligibleAt(t time.Time) bool {
	return f.Kickoff.After(t)
}

// PublishState is the visibility state of a tip.
type PublishState string

// Publish states. A tip only moves draft -> published automatically.
const (
	StateDraft     PublishState = "draft"
	StatePublished PublishState = "published"
)

// Tip is a generated betting recommendation for one fixture.
type Tip struct {
	ID          int64        `db:"id"`
	FixtureID   int64        `db:"fixture_id"`
	BetType     BetType      `db:"bet_type"`
	Line        *float64     `db:"line"`
	Odds        float64      `db:"odds"`
	Confidence  int          `db:"confidence"`
	Explanation string       `db:"explanation"`
	Premium     bool         `db:"premium"`
	State       PublishState `db:"state"`
	PublishedAt *time.Time   `db:"published_at"`
	CreatedAt   time.Time    `db:"created_at"`
}

// IsPublished reports whether the tip is visible to subscribers.
func (t *Tip) IsPublished() bool {
	return t.State == StatePublished
}

// IsSandbox reports whether the tip was generated from a synthetic smoke-test
// fixture. Sandbox fixtures carry negative ids.
func (t *Tip) IsSandbox() bool {
	return t.FixtureID < 0
}

// TipAnalysis holds the optional supporting data attached to a tip.
type TipAnalysis struct {
	TipID              int64    `db:"tip_id"`
	ValueRating        float64  `db:"value_rating"`
	ImpliedProbability float64  `db:"implied_probability"`
	ModelProbability   float64  `db:"model_probability"`
	RiskFactors        []string `db:"risk_factors"`
	MarketMovement     string   `db:"market_movement"`
}

// TipCounts aggregates tips by publish state.
type TipCounts struct {
	Total     int64
	Draft     int64
	Published int64
	Premium   int64
	Today     int64
}

// RunStatus is the outcome of a run.
type RunStatus string

// Run statuses.
const (
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
)

// Run types recorded in the activity log.
const (
	RunTypeDailyGeneration = "daily_generation"
	RunTypeOddsUpdate      = "odds_update"
	RunTypeTestPipeline    = "test_pipeline"

	RunTypeAdminStartJob    = "admin_start_job"
	RunTypeAdminStopJob     = "admin_stop_job"
	RunTypeAdminTrigger     = "admin_trigger"
	RunTypeAdminPublishTip  = "admin_publish_tip"
	RunTypeAdminUnpublish   = "admin_unpublish_tip"
	RunTypeAdminSetConfig   = "admin_set_config"
	RunTypeAdminStatusQuery = "admin_status"
)

// RunRecord is an append-only activity log entry.
type RunRecord struct {
	ID        int64         `db:"id"`
	RunID     uuid.UUID     `db:"run_id"`
	RunType   string        `db:"run_type"`
	Status    RunStatus     `db:"status"`
	Duration  time.Duration `db:"duration_ms"`
	Error     *string       `db:"error"`
	Message   string        `db:"message"`
	Fetched   int           `db:"fetched"`
	Annotated int           `db:"annotated"`
	Accepted  int           `db:"accepted"`
	Published int           `db:"published"`
	Failed    int           `db:"failed"`
	Provider  string        `db:"provider"`
	CreatedAt time.Time     `db:"created_at"`
}

// ErrorText returns the recorded error message or an empty string.
func (r *RunRecord) ErrorText() string {
	if r.Error == nil {
		return ""
	}
	return *r.Error
}

// RunSummary is the result of a single pipeline run handed back to callers.
type RunSummary struct {
	RunID     uuid.UUID
	RunType   string
	Status    RunStatus
	Skipped   bool
	Fetched   int
	Annotated int
	Accepted  int
	Published int
	Failed    int
	Dropped   int
	TipIDs    []int64
	Message   string
	Duration  time.Duration
	Err       error
}

// Record converts the summary into an activity log entry.
func (s *RunSummary) Record(provider string) *RunRecord {
	rec := &RunRecord{
		RunID:     s.RunID,
		RunType:   s.RunType,
		Status:    s.Status,
		Duration:  s.Duration,
		Fetched:   s.Fetched,
		Annotated: s.Annotated,
		Accepted:  s.Accepted,
		Published: s.Published,
		Failed:    s.Failed,
		Message:   s.Message,
		Provider:  provider,
	}
	if s.Err != nil {
		msg := s.Err.Error()
		rec.Error = &msg
	}
	return rec
}

// ProviderUsage is the number of annotation calls made against one provider.
type ProviderUsage struct {
	Provider string `db:"provider"`
	Calls    int64  `db:"calls"`
	Failures int64  `db:"failures"`
	Runs     int64  `db:"runs"`
}

// ConfigEntry is a row of the operational key/value store.
type ConfigEntry struct {
	Key         string    `db:"key"`
	Value       string    `db:"value"`
	Description string    `db:"description"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// Operational configuration keys.
const (
	KeyDailyGenerationTime        = "daily_generation_time"
	KeyAutoGenerationEnabled      = "auto_generation_enabled"
	KeyAutoPublishEnabled         = "auto_publish_enabled"
	KeyMaxTipsPerDay              = "max_tips_per_day"
	KeyMinConfidenceThreshold     = "min_confidence_threshold"
	KeyPremiumConfidenceThreshold = "premium_confidence_threshold"
	KeyGenerationLookbackDays     = "generation_lookback_days"

	KeyLastGenerationDate      = "last_generation_date"
	KeyLastGenerationTotal     = "last_generation_total"
	KeyLastGenerationPublished = "last_generation_published"
)

// ConfigDescriptions documents every recognised key; used when a key is
// created on first read.
var ConfigDescriptions = map[string]string{
	KeyDailyGenerationTime:        "Daily tip generation time (HH:MM, 24h, operating timezone)",
	KeyAutoGenerationEnabled:      "Run the daily generation pipeline on schedule",
	KeyAutoPublishEnabled:         "Publish accepted tips at the end of a run",
	KeyMaxTipsPerDay:              "Maximum tips accepted per run",
	KeyMinConfidenceThreshold:     "Minimum confidence score (0-100) for a tip to be accepted",
	KeyPremiumConfidenceThreshold: "Confidence score at or above which a tip is premium",
	KeyGenerationLookbackDays:     "Days ahead of now to look for fixtures",
	KeyLastGenerationDate:         "Date of the last completed generation run",
	KeyLastGenerationTotal:        "Tips generated by the last completed run",
	KeyLastGenerationPublished:    "Tips published by the last completed run",
}
