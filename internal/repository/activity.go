package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"tip-automation/internal/model"
)

// RunFilter narrows Recent. Empty fields match everything.
type RunFilter struct {
	RunType string
	Status  model.RunStatus
}

// ActivityRepository is the append-only run log.
type ActivityRepository struct {
	pool *pgxpool.Pool
}

// NewActivityRepository creates a new ActivityRepository instance.
func NewActivityRepository(pool *pgxpool.Pool) *ActivityRepository {
	return &ActivityRepository{pool: pool}
}

// Append stores a record and fills in its id and timestamp.
func (r *ActivityRepository) Append(ctx context.Context, rec *model.RunRecord) error {
	const query = `
		INSERT INTO activity_log (run_id, run_type, status, duration_ms, error, message,
			fetched, annotated, accepted, published, failed, provider, created_at)
		VALUES (CAST($1::text AS uuid), $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
		RETURNING id, created_at
	`

	if rec.RunID == uuid.Nil {
		rec.RunID = uuid.New()
	}

	err := r.pool.QueryRow(ctx, query,
		rec.RunID.String(),
		rec.RunType,
		string(rec.Status),
		rec.Duration.Milliseconds(),
		rec.Error,
		rec.Message,
		rec.Fetched,
		rec.Annotated,
		rec.Accepted,
		rec.Published,
		rec.Failed,
		rec.Provider,
	).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append run record: %w", err)
	}
	return nil
}

// Recent returns up to limit records matching the filter, newest first.
func (r *ActivityRepository) Recent(ctx context.Context, f RunFilter, limit int) ([]*model.RunRecord, error) {
	var (
		conds []string
		args  []any
	)
	if f.RunType != "" {
		args = append(args, f.RunType)
		conds = append(conds, fmt.Sprintf("run_type = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	args = append(args, limit)

	query := `
		SELECT id, run_id::text, run_type, status, duration_ms, error, message,
			fetched, annotated, accepted, published, failed, provider, created_at
		FROM activity_log`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent runs: %w", err)
	}
	defer rows.Close()

	var records []*model.RunRecord
	for rows.Next() {
		var (
			rec        model.RunRecord
			runID      string
			status     string
			durationMs int64
		)
		err := rows.Scan(
			&rec.ID,
			&runID,
			&rec.RunType,
			&status,
			&durationMs,
			&rec.Error,
			&rec.Message,
			&rec.Fetched,
			&rec.Annotated,
			&rec.Accepted,
			&rec.Published,
			&rec.Failed,
			&rec.Provider,
			&rec.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run record: %w", err)
		}
		rec.RunID, _ = uuid.Parse(runID)
		rec.Status = model.RunStatus(status)
		rec.Duration = time.Duration(durationMs) * time.Millisecond
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating run records: %w", err)
	}

	return records, nil
}

// ProviderUsage sums annotation calls per provider for runs since the given time.
func (r *ActivityRepository) ProviderUsage(ctx context.Context, since time.Time) ([]*model.ProviderUsage, error) {
	const query = `
		SELECT provider,
			COALESCE(SUM(annotated + failed), 0),
			COALESCE(SUM(failed), 0),
			COUNT(*)
		FROM activity_log
		WHERE provider <> '' AND created_at >= $1
		GROUP BY provider
		ORDER BY provider
	`

	rows, err := r.pool.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to get provider usage: %w", err)
	}
	defer rows.Close()

	var usage []*model.ProviderUsage
	for rows.Next() {
		var u model.ProviderUsage
		if err := rows.Scan(&u.Provider, &u.Calls, &u.Failures, &u.Runs); err != nil {
			return nil, fmt.Errorf("failed to scan provider usage: %w", err)
		}
		usage = append(usage, &u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating provider usage: %w", err)
	}

	return usage, nil
}
