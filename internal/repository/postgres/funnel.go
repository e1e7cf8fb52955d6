package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/dnxplataformas/crm-api/internal/domain"
	"github.com/dnxplataformas/crm-api/internal/repository"
)

// CreateFunnel inserts a funnel.
func (r *Repository) CreateFunnel(ctx context.Context, funnel *domain.Funnel) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	const query = `INSERT INTO funnels (id, workspace_id, name, color, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.pool.Exec(ctx, query, funnel.ID, funnel.WorkspaceID, funnel.Name, funnel.Color, funnel.Active, funnel.CreatedAt)
	return translateError(err)
}

// GetFunnelByID fetches a funnel.
func (r *Repository) GetFunnelByID(ctx context.Context, funnelID string) (*domain.Funnel, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	const query = `SELECT id, workspace_id, name, color, active, created_at FROM funnels WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, funnelID)
	var f domain.Funnel
	if err := row.Scan(&f.ID, &f.WorkspaceID, &f.Name, &f.Color, &f.Active, &f.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, translateError(err)
	}
	return &f, nil
}

// ListFunnelsByWorkspace returns the workspace funnels, newest first.
func (r *Repository) ListFunnelsByWorkspace(ctx context.Context, workspaceID string) ([]domain.Funnel, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	const query = `SELECT id, workspace_id, name, color, active, created_at
		FROM funnels WHERE workspace_id = $1 ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query, workspaceID)
	if err != nil {
		return nil, translateError(err)
	}
	defer rows.Close()

	funnels := make([]domain.Funnel, 0)
	for rows.Next() {
		var f domain.Funnel
		if err := rows.Scan(&f.ID, &f.WorkspaceID, &f.Name, &f.Color, &f.Active, &f.CreatedAt); err != nil {
			return nil, translateError(err)
		}
		funnels = append(funnels, f)
	}
	return funnels, translateError(rows.Err())
}

// DeleteFunnel removes a funnel. Fails with ErrConflict while leads still
// reference any of its stages (foreign keys restrict the delete).
func (r *Repository) DeleteFunnel(ctx context.Context, funnelID string) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return translateError(err)
	}
	defer tx.Rollback(ctx)

	const leadCount = `SELECT COUNT(1) FROM leads WHERE funnel_id = $1`
	var count int
	if err := tx.QueryRow(ctx, leadCount, funnelID).Scan(&count); err != nil {
		return translateError(err)
	}
	if count > 0 {
		return repository.ErrConflict
	}
	if _, err := tx.Exec(ctx, `DELETE FROM funnel_stages WHERE funnel_id = $1`, funnelID); err != nil {
		return translateError(err)
	}
	cmdTag, err := tx.Exec(ctx, `DELETE FROM funnels WHERE id = $1`, funnelID)
	if err != nil {
		return translateError(err)
	}
	if cmdTag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return translateError(tx.Commit(ctx))
}

// ListStages returns the funnel stages ascending by position.
func (r *Repository) ListStages(ctx context.Context, funnelID string) ([]domain.Stage, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	const query = `SELECT id, funnel_id, name, color, position, created_at
		FROM funnel_stages WHERE funnel_id = $1 ORDER BY position ASC`
	rows, err := r.pool.Query(ctx, query, funnelID)
	if err != nil {
		return nil, translateError(err)
	}
	defer rows.Close()

	stages := make([]domain.Stage, 0)
	for rows.Next() {
		var s domain.Stage
		if err := rows.Scan(&s.ID, &s.FunnelID, &s.Name, &s.Color, &s.Position, &s.CreatedAt); err != nil {
			return nil, translateError(err)
		}
		stages = append(stages, s)
	}
	return stages, translateError(rows.Err())
}

// GetStageByID loads a single stage.
func (r *Repository) GetStageByID(ctx context.Context, stageID string) (*domain.Stage, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	const query = `SELECT id, funnel_id, name, color, position, created_at FROM funnel_stages WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, stageID)
	var s domain.Stage
	if err := row.Scan(&s.ID, &s.FunnelID, &s.Name, &s.Color, &s.Position, &s.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, translateError(err)
	}
	return &s, nil
}

// AppendStage inserts the stage at position max+1. The position assignment and
// insert share a transaction so concurrent appends cannot claim the same slot.
func (r *Repository) AppendStage(ctx context.Context, stage *domain.Stage) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return translateError(err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM funnels WHERE id = $1)`, stage.FunnelID).Scan(&exists); err != nil {
		return translateError(err)
	}
	if !exists {
		return repository.ErrNotFound
	}

	const insert = `INSERT INTO funnel_stages (id, funnel_id, name, color, position, created_at)
		SELECT $1, $2, $3, $4, COALESCE(MAX(position), 0) + 1, $5
		FROM funnel_stages WHERE funnel_id = $2
		RETURNING position`
	if err := tx.QueryRow(ctx, insert, stage.ID, stage.FunnelID, stage.Name, stage.Color, stage.CreatedAt).Scan(&stage.Position); err != nil {
		return translateError(err)
	}
	return translateError(tx.Commit(ctx))
}

// DeleteStage removes the stage row. It does not renumber the remaining
// stages; the resulting gap is accepted (MoveStage keeps working on sparse
// positions because shifts preserve relative order).
func (r *Repository) DeleteStage(ctx context.Context, funnelID, stageID string) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	const query = `DELETE FROM funnel_stages WHERE id = $1 AND funnel_id = $2`
	cmdTag, err := r.pool.Exec(ctx, query, stageID, funnelID)
	if err != nil {
		return translateError(err)
	}
	if cmdTag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// MoveStage relocates a stage to newPosition inside one transaction. The
// target row is locked first so concurrent reorders of the same funnel
// serialize; the (funnel_id, position) unique constraint is deferred to
// commit, so the shift never trips it mid-flight. A timeout mid-shift rolls
// the whole transaction back.
func (r *Repository) MoveStage(ctx context.Context, funnelID, stageID string, newPosition int) (*domain.Stage, error) {
	if newPosition < 1 {
		return nil, repository.ErrInvalidArgument
	}
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, translateError(err)
	}
	defer tx.Rollback(ctx)

	const lockTarget = `SELECT position FROM funnel_stages WHERE id = $1 AND funnel_id = $2 FOR UPDATE`
	var oldPosition int
	if err := tx.QueryRow(ctx, lockTarget, stageID, funnelID).Scan(&oldPosition); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, translateError(err)
	}

	if newPosition != oldPosition {
		if newPosition > oldPosition {
			// Stages between old and new slide toward the front.
			const shiftDown = `UPDATE funnel_stages SET position = position - 1
				WHERE funnel_id = $1 AND position > $2 AND position <= $3`
			if _, err := tx.Exec(ctx, shiftDown, funnelID, oldPosition, newPosition); err != nil {
				return nil, translateError(err)
			}
		} else {
			// Stages between new and old slide back to make room.
			const shiftUp = `UPDATE funnel_stages SET position = position + 1
				WHERE funnel_id = $1 AND position >= $2 AND position < $3`
			if _, err := tx.Exec(ctx, shiftUp, funnelID, newPosition, oldPosition); err != nil {
				return nil, translateError(err)
			}
		}
		const place = `UPDATE funnel_stages SET position = $3 WHERE id = $1 AND funnel_id = $2`
		if _, err := tx.Exec(ctx, place, stageID, funnelID, newPosition); err != nil {
			return nil, translateError(err)
		}
	}

	const reload = `SELECT id, funnel_id, name, color, position, created_at FROM funnel_stages WHERE id = $1`
	var s domain.Stage
	if err := tx.QueryRow(ctx, reload, stageID).Scan(&s.ID, &s.FunnelID, &s.Name, &s.Color, &s.Position, &s.CreatedAt); err != nil {
		return nil, translateError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, translateError(err)
	}
	return &s, nil
}
