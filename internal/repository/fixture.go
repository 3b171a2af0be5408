package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tip-automation/internal/model"
)

// ErrFixtureNotFound is returned when a fixture id is unknown.
var ErrFixtureNotFound = errors.New("fixture not found")

// FixtureRepository reads fixtures loaded by the sports-data ingest. It is
// the production match source.
type FixtureRepository struct {
	pool *pgxpool.Pool
}

// NewFixtureRepository creates a new FixtureRepository instance.
func NewFixtureRepository(pool *pgxpool.Pool) *FixtureRepository {
	return &FixtureRepository{pool: pool}
}

const upsertFixture = `
	INSERT INTO fixtures (id, home_team_id, away_team_id, league_id, kickoff, venue)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (id) DO UPDATE
	SET home_team_id = EXCLUDED.home_team_id,
		away_team_id = EXCLUDED.away_team_id,
		league_id = EXCLUDED.league_id,
		kickoff = EXCLUDED.kickoff,
		venue = EXCLUDED.venue
`

// Upsert stores a fixture, replacing any previous copy.
func (r *FixtureRepository) Upsert(ctx context.Context, f *model.Fixture) error {
	_, err := r.pool.Exec(ctx, upsertFixture, f.ID, f.HomeTeamID, f.AwayTeamID, f.LeagueID, f.Kickoff, f.Venue)
	if err != nil {
		return fmt.Errorf("failed to upsert fixture: %w", err)
	}
	return nil
}

// GetByID retrieves a fixture.
func (r *FixtureRepository) GetByID(ctx context.Context, id int64) (*model.Fixture, error) {
	const query = `
		SELECT id, home_team_id, away_team_id, league_id, kickoff, venue
		FROM fixtures
		WHERE id = $1
	`

	var f model.Fixture
	err := r.pool.QueryRow(ctx, query, id).Scan(&f.ID, &f.HomeTeamID, &f.AwayTeamID, &f.LeagueID, &f.Kickoff, &f.Venue)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrFixtureNotFound
		}
		return nil, fmt.Errorf("failed to get fixture: %w", err)
	}
	return &f, nil
}

// ListUpcoming returns fixtures kicking off in [from, to], earliest first.
// An empty result is not an error.
func (r *FixtureRepository) ListUpcoming(ctx context.Context, from, to time.Time) ([]*model.Fixture, error) {
	const query = `
		SELECT id, home_team_id, away_team_id, league_id, kickoff, venue
		FROM fixtures
		WHERE kickoff >= $1 AND kickoff <= $2
		ORDER BY kickoff, id
	`

	rows, err := r.pool.Query(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list upcoming fixtures: %w", err)
	}
	defer rows.Close()

	var fixtures []*model.Fixture
	for rows.Next() {
		var f model.Fixture
		if err := rows.Scan(&f.ID, &f.HomeTeamID, &f.AwayTeamID, &f.LeagueID, &f.Kickoff, &f.Venue); err != nil {
			return nil, fmt.Errorf("failed to scan fixture: %w", err)
		}
		fixtures = append(fixtures, &f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating fixtures: %w", err)
	}

	return fixtures, nil
}
