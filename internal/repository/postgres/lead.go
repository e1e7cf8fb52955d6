package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/dnxplataformas/crm-api/internal/domain"
	"github.com/dnxplataformas/crm-api/internal/repository"
)

// CreateLead inserts a single lead.
func (r *Repository) CreateLead(ctx context.Context, lead *domain.Lead) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	const query = `INSERT INTO leads (id, workspace_id, funnel_id, estagio_id, name, phone, email, document, source, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := r.pool.Exec(ctx, query,
		lead.ID,
		lead.WorkspaceID,
		lead.FunnelID,
		lead.StageID,
		lead.Name,
		lead.Phone,
		lead.Email,
		lead.Document,
		lead.Source,
		lead.CreatedAt,
		lead.UpdatedAt,
	)
	return translateError(err)
}

// CreateLeads batch-inserts extracted leads.
func (r *Repository) CreateLeads(ctx context.Context, leads []domain.Lead) error {
	if len(leads) == 0 {
		return nil
	}
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	const query = `INSERT INTO leads (id, workspace_id, funnel_id, estagio_id, name, phone, email, document, source, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	batch := &pgx.Batch{}
	for _, lead := range leads {
		batch.Queue(query,
			lead.ID,
			lead.WorkspaceID,
			lead.FunnelID,
			lead.StageID,
			lead.Name,
			lead.Phone,
			lead.Email,
			lead.Document,
			lead.Source,
			lead.CreatedAt,
			lead.UpdatedAt,
		)
	}
	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range leads {
		if _, err := br.Exec(); err != nil {
			return translateError(err)
		}
	}
	return nil
}

// GetLeadByID fetches a lead.
func (r *Repository) GetLeadByID(ctx context.Context, leadID string) (*domain.Lead, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	const query = `SELECT id, workspace_id, funnel_id, estagio_id, name, phone, email, document, source, created_at, updated_at
		FROM leads WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, leadID)
	var l domain.Lead
	if err := row.Scan(&l.ID, &l.WorkspaceID, &l.FunnelID, &l.StageID, &l.Name, &l.Phone, &l.Email, &l.Document, &l.Source, &l.CreatedAt, &l.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, translateError(err)
	}
	return &l, nil
}

// ListLeadsByWorkspace pages through workspace leads, newest first.
func (r *Repository) ListLeadsByWorkspace(ctx context.Context, workspaceID string, limit, offset int) ([]domain.Lead, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	const query = `SELECT id, workspace_id, funnel_id, estagio_id, name, phone, email, document, source, created_at, updated_at
		FROM leads WHERE workspace_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
	rows, err := r.pool.Query(ctx, query, workspaceID, limit, offset)
	if err != nil {
		return nil, translateError(err)
	}
	defer rows.Close()

	leads := make([]domain.Lead, 0)
	for rows.Next() {
		var l domain.Lead
		if err := rows.Scan(&l.ID, &l.WorkspaceID, &l.FunnelID, &l.StageID, &l.Name, &l.Phone, &l.Email, &l.Document, &l.Source, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, translateError(err)
		}
		leads = append(leads, l)
	}
	return leads, translateError(rows.Err())
}

// MoveLeadToStage updates the lead placement.
func (r *Repository) MoveLeadToStage(ctx context.Context, leadID, stageID string) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	const query = `UPDATE leads SET estagio_id = $2, updated_at = NOW() WHERE id = $1`
	cmdTag, err := r.pool.Exec(ctx, query, leadID, stageID)
	if err != nil {
		return translateError(err)
	}
	if cmdTag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteLead removes a lead record.
func (r *Repository) DeleteLead(ctx context.Context, leadID string) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	const query = `DELETE FROM leads WHERE id = $1`
	cmdTag, err := r.pool.Exec(ctx, query, leadID)
	if err != nil {
		return translateError(err)
	}
	if cmdTag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// CountLeadsInStage counts leads referencing a stage.
func (r *Repository) CountLeadsInStage(ctx context.Context, stageID string) (int, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	const query = `SELECT COUNT(1) FROM leads WHERE estagio_id = $1`
	var count int
	if err := r.pool.QueryRow(ctx, query, stageID).Scan(&count); err != nil {
		return 0, translateError(err)
	}
	return count, nil
}
