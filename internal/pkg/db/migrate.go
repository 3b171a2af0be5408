package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"
)

// Execer is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type migration struct {
	name string
	sql  string
}

var migrations = []migration{
	{
		name: "config_entries",
		sql: `
		CREATE TABLE IF NOT EXISTS config_entries (
			key VARCHAR(100) PRIMARY KEY,
			value TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,
	},
	{
		name: "fixtures",
		sql: `
		CREATE TABLE IF NOT EXISTS fixtures (
			id BIGINT PRIMARY KEY,
			home_team_id BIGINT NOT NULL,
			away_team_id BIGINT NOT NULL,
			league_id BIGINT NOT NULL,
			kickoff TIMESTAMPTZ NOT NULL,
			venue VARCHAR(255) NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_fixtures_kickoff ON fixtures(kickoff);`,
	},
	{
		name: "tips",
		sql: `
		CREATE TABLE IF NOT EXISTS tips (
			id BIGSERIAL PRIMARY KEY,
			fixture_id BIGINT NOT NULL REFERENCES fixtures(id) ON DELETE CASCADE,
			bet_type VARCHAR(50) NOT NULL,
			line DOUBLE PRECISION,
			odds DOUBLE PRECISION NOT NULL CHECK (odds >= 1.0),
			confidence INT NOT NULL CHECK (confidence BETWEEN 0 AND 100),
			explanation TEXT NOT NULL DEFAULT '',
			premium BOOLEAN NOT NULL DEFAULT FALSE,
			state VARCHAR(20) NOT NULL DEFAULT 'draft',
			published_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CHECK ((state = 'published') = (published_at IS NOT NULL))
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_tips_fixture ON tips(fixture_id);
		CREATE INDEX IF NOT EXISTS idx_tips_state_created ON tips(state, created_at DESC);`,
	},
	{
		name: "tip_analyses",
		sql: `
		CREATE TABLE IF NOT EXISTS tip_analyses (
			tip_id BIGINT PRIMARY KEY REFERENCES tips(id) ON DELETE CASCADE,
			value_rating DOUBLE PRECISION NOT NULL CHECK (value_rating BETWEEN 0 AND 10),
			implied_probability DOUBLE PRECISION NOT NULL DEFAULT 0,
			model_probability DOUBLE PRECISION NOT NULL DEFAULT 0,
			risk_factors TEXT[] NOT NULL DEFAULT '{}',
			market_movement TEXT NOT NULL DEFAULT ''
		);`,
	},
	{
		name: "activity_log",
		sql: `
		CREATE TABLE IF NOT EXISTS activity_log (
			id BIGSERIAL PRIMARY KEY,
			run_id UUID NOT NULL,
			run_type VARCHAR(50) NOT NULL,
			status VARCHAR(20) NOT NULL,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			error TEXT,
			message TEXT NOT NULL DEFAULT '',
			fetched INT NOT NULL DEFAULT 0,
			annotated INT NOT NULL DEFAULT 0,
			accepted INT NOT NULL DEFAULT 0,
			published INT NOT NULL DEFAULT 0,
			failed INT NOT NULL DEFAULT 0,
			provider VARCHAR(100) NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_activity_log_type_time ON activity_log(run_type, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_activity_log_time ON activity_log(created_at DESC);`,
	},
}

// Migrate applies the schema. Every statement is idempotent.
func Migrate(ctx context.Context, db Execer) error {
	log.Info().Int("count", len(migrations)).Msg("Running database migrations...")

	for i, m := range migrations {
		if _, err := db.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", i+1, m.name, err)
		}
		log.Info().Int("step", i+1).Str("name", m.name).Msg("Migration applied")
	}

	log.Info().Msg("All migrations completed successfully")
	return nil
}
