// Package service implements the tip pipeline, typed operational settings
// and the admin control surface.
package service

import (
	"context"
	"errors"
	"time"

	"tip-automation/internal/model"
	"tip-automation/internal/repository"
)

// Pipeline and admin errors.
var (
	ErrSourceUnavailable   = errors.New("match source unavailable")
	ErrAnnotationFailed    = errors.New("annotation failed")
	ErrPersistenceFailed   = errors.New("persistence failed")
	ErrConfigInvalid       = errors.New("invalid config value")
	ErrUnknownConfigKey    = errors.New("unknown config key")
	ErrNoOddsSource        = errors.New("no odds source configured")
	ErrTipAlreadyPublished = errors.New("tip already published")
	ErrTipNotPublished     = errors.New("tip is not published")
	ErrSandboxTip          = errors.New("sandbox tips cannot be published")
)

// ConfigStore is the durable key/value store behind Settings.
type ConfigStore interface {
	Get(ctx context.Context, key, def string) (string, error)
	Set(ctx context.Context, key, value string) error
	List(ctx context.Context) ([]*model.ConfigEntry, error)
}

// MatchSource lists fixtures kicking off within [from, to].
type MatchSource interface {
	ListUpcoming(ctx context.Context, from, to time.Time) ([]*model.Fixture, error)
}

// Annotator produces one candidate tip for a fixture.
type Annotator interface {
	Analyze(ctx context.Context, f *model.Fixture) (*model.Candidate, error)
	Provider() string
}

// OddsSource quotes current odds for a published tip.
type OddsSource interface {
	CurrentOdds(ctx context.Context, tip *model.Tip) (*model.OddsQuote, error)
	Provider() string
}

// TipStore persists tips and their analyses.
type TipStore interface {
	Create(ctx context.Context, fixture *model.Fixture, tip *model.Tip, analysis *model.TipAnalysis) (int64, error)
	Exists(ctx context.Context, fixtureID int64) (bool, error)
	GetByID(ctx context.Context, id int64) (*model.Tip, error)
	GetAnalysis(ctx context.Context, tipID int64) (*model.TipAnalysis, error)
	Publish(ctx context.Context, ids []int64, at time.Time) (int64, error)
	Unpublish(ctx context.Context, id int64) error
	UpdateOdds(ctx context.Context, id int64, odds float64, movement string) error
	Query(ctx context.Context, f repository.TipFilter) ([]*model.Tip, error)
	Counts(ctx context.Context, dayStart time.Time) (*model.TipCounts, error)
}

// ActivityLog is the append-only run log.
type ActivityLog interface {
	Append(ctx context.Context, rec *model.RunRecord) error
	Recent(ctx context.Context, f repository.RunFilter, limit int) ([]*model.RunRecord, error)
	ProviderUsage(ctx context.Context, since time.Time) ([]*model.ProviderUsage, error)
}
