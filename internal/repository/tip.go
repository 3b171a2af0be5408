package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"tip-automation/internal/model"
)

// Tip repository errors.
var (
	ErrTipNotFound = errors.New("tip not found")
	ErrTipExists   = errors.New("tip already exists for fixture")
)

const uniqueViolation = "23505"

// TipFilter narrows Query. Zero values mean "any", except that sandbox tips
// are only returned when Sandbox is set, and then exclusively.
type TipFilter struct {
	State        model.PublishState
	FixtureIDs   []int64
	CreatedSince time.Time
	KickoffAfter time.Time
	Sandbox      bool
	Limit        int
}

// TipRepository handles tip and tip analysis persistence.
type TipRepository struct {
	pool *pgxpool.Pool
}

// NewTipRepository creates a new TipRepository instance.
func NewTipRepository(pool *pgxpool.Pool) *TipRepository {
	return &TipRepository{pool: pool}
}

const tipColumns = `t.id, t.fixture_id, t.bet_type, t.line, t.odds, t.confidence, t.explanation,
	t.premium, t.state, t.published_at, t.created_at`

func scanTip(row pgx.Row) (*model.Tip, error) {
	var (
		tip     model.Tip
		betType string
		state   string
	)
	err := row.Scan(
		&tip.ID,
		&tip.FixtureID,
		&betType,
		&tip.Line,
		&tip.Odds,
		&tip.Confidence,
		&tip.Explanation,
		&tip.Premium,
		&state,
		&tip.PublishedAt,
		&tip.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	tip.BetType = model.BetType(betType)
	tip.State = model.PublishState(state)
	return &tip, nil
}

// Create stores the fixture, the draft tip and its optional analysis in one
// transaction. A failed analysis insert rolls the tip back. Returns
// ErrTipExists if the fixture already has a tip.
func (r *TipRepository) Create(ctx context.Context, fixture *model.Fixture, tip *model.Tip, analysis *model.TipAnalysis) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, upsertFixture,
		fixture.ID, fixture.HomeTeamID, fixture.AwayTeamID, fixture.LeagueID, fixture.Kickoff, fixture.Venue)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert fixture: %w", err)
	}

	const insertTip = `
		INSERT INTO tips (fixture_id, bet_type, line, odds, confidence, explanation, premium, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'draft', NOW(), NOW())
		RETURNING id, created_at
	`
	tip.FixtureID = fixture.ID
	err = tx.QueryRow(ctx, insertTip,
		tip.FixtureID,
		string(tip.BetType),
		tip.Line,
		tip.Odds,
		tip.Confidence,
		tip.Explanation,
		tip.Premium,
	).Scan(&tip.ID, &tip.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return 0, ErrTipExists
		}
		return 0, fmt.Errorf("failed to create tip: %w", err)
	}

	if analysis != nil {
		analysis.TipID = tip.ID
		if err := insertAnalysis(ctx, tx, analysis); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit tip: %w", err)
	}

	tip.State = model.StateDraft
	tip.PublishedAt = nil
	return tip.ID, nil
}

func insertAnalysis(ctx context.Context, tx pgx.Tx, a *model.TipAnalysis) error {
	const query = `
		INSERT INTO tip_analyses (tip_id, value_rating, implied_probability, model_probability, risk_factors, market_movement)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tip_id) DO UPDATE
		SET value_rating = EXCLUDED.value_rating,
			implied_probability = EXCLUDED.implied_probability,
			model_probability = EXCLUDED.model_probability,
			risk_factors = EXCLUDED.risk_factors,
			market_movement = EXCLUDED.market_movement
	`

	risks := a.RiskFactors
	if risks == nil {
		risks = []string{}
	}
	_, err := tx.Exec(ctx, query, a.TipID, a.ValueRating, a.ImpliedProbability, a.ModelProbability, risks, a.MarketMovement)
	if err != nil {
		return fmt.Errorf("failed to store tip analysis: %w", err)
	}
	return nil
}

// AttachAnalysis adds or replaces the analysis of an existing tip.
func (r *TipRepository) AttachAnalysis(ctx context.Context, analysis *model.TipAnalysis) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM tips WHERE id = $1)`, analysis.TipID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check tip existence: %w", err)
	}
	if !exists {
		return ErrTipNotFound
	}
	if err := insertAnalysis(ctx, tx, analysis); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit analysis: %w", err)
	}
	return nil
}

// GetAnalysis returns the analysis of a tip, or nil if none is attached.
func (r *TipRepository) GetAnalysis(ctx context.Context, tipID int64) (*model.TipAnalysis, error) {
	const query = `
		SELECT tip_id, value_rating, implied_probability, model_probability, risk_factors, market_movement
		FROM tip_analyses
		WHERE tip_id = $1
	`

	var a model.TipAnalysis
	err := r.pool.QueryRow(ctx, query, tipID).Scan(
		&a.TipID,
		&a.ValueRating,
		&a.ImpliedProbability,
		&a.ModelProbability,
		&a.RiskFactors,
		&a.MarketMovement,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get tip analysis: %w", err)
	}
	return &a, nil
}

// Exists reports whether any tip references the fixture.
func (r *TipRepository) Exists(ctx context.Context, fixtureID int64) (bool, error) {
	const query = `SELECT EXISTS(SELECT 1 FROM tips WHERE fixture_id = $1)`

	var exists bool
	if err := r.pool.QueryRow(ctx, query, fixtureID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check tip existence: %w", err)
	}
	return exists, nil
}

// GetByID retrieves a tip.
func (r *TipRepository) GetByID(ctx context.Context, id int64) (*model.Tip, error) {
	query := `SELECT ` + tipColumns + ` FROM tips t WHERE t.id = $1`

	tip, err := scanTip(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTipNotFound
		}
		return nil, fmt.Errorf("failed to get tip: %w", err)
	}
	return tip, nil
}

// Publish moves the given draft tips to published with a single timestamp.
// Tips already published keep their original timestamp. Returns the number
// of tips transitioned.
func (r *TipRepository) Publish(ctx context.Context, ids []int64, at time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	const query = `
		UPDATE tips
		SET state = 'published', published_at = $2, updated_at = NOW()
		WHERE id = ANY($1) AND state = 'draft'
	`

	result, err := r.pool.Exec(ctx, query, ids, at)
	if err != nil {
		return 0, fmt.Errorf("failed to publish tips: %w", err)
	}
	return result.RowsAffected(), nil
}

// Unpublish reverts a tip to draft. Only used by the admin override path.
func (r *TipRepository) Unpublish(ctx context.Context, id int64) error {
	const query = `
		UPDATE tips
		SET state = 'draft', published_at = NULL, updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to unpublish tip: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrTipNotFound
	}
	return nil
}

// UpdateOdds refreshes the odds of a tip and, when an analysis is attached
// and movement is not empty, its market movement descriptor.
func (r *TipRepository) UpdateOdds(ctx context.Context, id int64, odds float64, movement string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	result, err := tx.Exec(ctx, `UPDATE tips SET odds = $2, updated_at = NOW() WHERE id = $1`, id, odds)
	if err != nil {
		return fmt.Errorf("failed to update odds: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrTipNotFound
	}

	if movement != "" {
		_, err = tx.Exec(ctx, `UPDATE tip_analyses SET market_movement = $2 WHERE tip_id = $1`, id, movement)
		if err != nil {
			return fmt.Errorf("failed to update market movement: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit odds update: %w", err)
	}
	return nil
}

// Query lists tips matching the filter, newest first.
func (r *TipRepository) Query(ctx context.Context, f TipFilter) ([]*model.Tip, error) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.Sandbox {
		conds = append(conds, "t.fixture_id < 0")
	} else {
		conds = append(conds, "t.fixture_id > 0")
	}
	if f.State != "" {
		conds = append(conds, "t.state = "+arg(string(f.State)))
	}
	if len(f.FixtureIDs) > 0 {
		conds = append(conds, "t.fixture_id = ANY("+arg(f.FixtureIDs)+")")
	}
	if !f.CreatedSince.IsZero() {
		conds = append(conds, "t.created_at >= "+arg(f.CreatedSince))
	}
	if !f.KickoffAfter.IsZero() {
		conds = append(conds, "f.kickoff > "+arg(f.KickoffAfter))
	}

	var sb strings.Builder
	sb.WriteString(`SELECT ` + tipColumns + ` FROM tips t JOIN fixtures f ON f.id = t.fixture_id`)
	sb.WriteString(" WHERE ")
	sb.WriteString(strings.Join(conds, " AND "))
	sb.WriteString(" ORDER BY t.created_at DESC, t.id DESC")
	if f.Limit > 0 {
		sb.WriteString(" LIMIT " + arg(f.Limit))
	}

	rows, err := r.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tips: %w", err)
	}
	defer rows.Close()

	var tips []*model.Tip
	for rows.Next() {
		tip, err := scanTip(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tip: %w", err)
		}
		tips = append(tips, tip)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tips: %w", err)
	}

	return tips, nil
}

// Counts aggregates tips by state, leaving out sandbox tips. Today counts
// tips created since dayStart.
func (r *TipRepository) Counts(ctx context.Context, dayStart time.Time) (*model.TipCounts, error) {
	const query = `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE state = 'draft'),
			COUNT(*) FILTER (WHERE state = 'published'),
			COUNT(*) FILTER (WHERE premium),
			COUNT(*) FILTER (WHERE created_at >= $1)
		FROM tips
		WHERE fixture_id > 0
	`

	var c model.TipCounts
	err := r.pool.QueryRow(ctx, query, dayStart).Scan(&c.Total, &c.Draft, &c.Published, &c.Premium, &c.Today)
	if err != nil {
		return nil, fmt.Errorf("failed to count tips: %w", err)
	}
	return &c, nil
}
