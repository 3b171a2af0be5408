// Package repository provides the PostgreSQL-backed stores: config entries,
// fixtures, tips with their analyses, and the activity log.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tip-automation/internal/model"
)

// ErrConfigNotFound is returned when a config key has never been written.
var ErrConfigNotFound = errors.New("config entry not found")

// SettingsRepository is the durable key/value config store.
type SettingsRepository struct {
	pool *pgxpool.Pool
}

// NewSettingsRepository creates a new SettingsRepository instance.
func NewSettingsRepository(pool *pgxpool.Pool) *SettingsRepository {
	return &SettingsRepository{pool: pool}
}

// Get returns the stored value for key. A missing key is created with def
// and its description, and def is returned.
func (r *SettingsRepository) Get(ctx context.Context, key, def string) (string, error) {
	// the CTE's insert is invisible to the second SELECT, so exactly one row comes back
	const query = `
		WITH ins AS (
			INSERT INTO config_entries (key, value, description, updated_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (key) DO NOTHING
			RETURNING value
		)
		SELECT value FROM ins
		UNION ALL
		SELECT value FROM config_entries WHERE key = $1
		LIMIT 1
	`

	var value string
	err := r.pool.QueryRow(ctx, query, key, def, model.ConfigDescriptions[key]).Scan(&value)
	if err != nil {
		return "", fmt.Errorf("failed to get config %q: %w", key, err)
	}
	return value, nil
}

// Set upserts key and refreshes its timestamp.
func (r *SettingsRepository) Set(ctx context.Context, key, value string) error {
	const query = `
		INSERT INTO config_entries (key, value, description, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, updated_at = NOW()
	`

	if _, err := r.pool.Exec(ctx, query, key, value, model.ConfigDescriptions[key]); err != nil {
		return fmt.Errorf("failed to set config %q: %w", key, err)
	}
	return nil
}

// Entry returns the full row for key.
func (r *SettingsRepository) Entry(ctx context.Context, key string) (*model.ConfigEntry, error) {
	const query = `
		SELECT key, value, description, updated_at
		FROM config_entries
		WHERE key = $1
	`

	var e model.ConfigEntry
	err := r.pool.QueryRow(ctx, query, key).Scan(&e.Key, &e.Value, &e.Description, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConfigNotFound
		}
		return nil, fmt.Errorf("failed to get config entry: %w", err)
	}
	return &e, nil
}

// List returns every config entry ordered by key.
func (r *SettingsRepository) List(ctx context.Context) ([]*model.ConfigEntry, error) {
	const query = `
		SELECT key, value, description, updated_at
		FROM config_entries
		ORDER BY key
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list config: %w", err)
	}
	defer rows.Close()

	var entries []*model.ConfigEntry
	for rows.Next() {
		var e model.ConfigEntry
		if err := rows.Scan(&e.Key, &e.Value, &e.Description, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan config entry: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating config entries: %w", err)
	}

	return entries, nil
}
