package service

import (
	"context"
	"time"

	"tip-automation/internal/model"
)

// DefaultSandboxFixtures is the synthetic fixture count used when none is configured.
const DefaultSandboxFixtures = 5

// MaxSandboxFixtures keeps the per-day index below the id stride so one day's
// ids never reach the next day's.
const MaxSandboxFixtures = sandboxIDStride - 1

const sandboxIDStride = 100

const sandboxVenue = "Sandbox Stadium"

// SandboxSource produces a deterministic set of synthetic fixtures for smoke
// runs. Ids are negative so they never collide with ingested fixtures, and
// they are derived from the UTC date of from so reruns on the same day
// dedupe against each other.
type SandboxSource struct {
	count int
}

// NewSandboxSource creates a source returning count fixtures per call,
// clamped to MaxSandboxFixtures.
func NewSandboxSource(count int) *SandboxSource {
	if count <= 0 {
		count = DefaultSandboxFixtures
	}
	if count > MaxSandboxFixtures {
		count = MaxSandboxFixtures
	}
	return &SandboxSource{count: count}
}

// ListUpcoming returns fixtures spread evenly through (from, to].
func (s *SandboxSource) ListUpcoming(_ context.Context, from, to time.Time) ([]*model.Fixture, error) {
	span := to.Sub(from)
	if span <= 0 {
		return nil, nil
	}
	step := span / time.Duration(s.count+1)

	day := from.UTC()
	base := int64(day.Year()*10000+int(day.Month())*100+day.Day()) * sandboxIDStride

	fixtures := make([]*model.Fixture, 0, s.count)
	for i := 1; i <= s.count; i++ {
		fixtures = append(fixtures, &model.Fixture{
			ID:         -(base + int64(i)),
			HomeTeamID: int64(-2*i + 1),
			AwayTeamID: int64(-2 * i),
			LeagueID:   -1,
			Kickoff:    from.Add(step * time.Duration(i)).Truncate(time.Minute),
			Venue:      sandboxVenue,
		})
	}
	return fixtures, nil
}
