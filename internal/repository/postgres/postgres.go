package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dnxplataformas/crm-api/internal/domain"
	"github.com/dnxplataformas/crm-api/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL. Every round-trip
// is bounded by the configured timeout; a store that stops answering surfaces
// as repository.ErrUnavailable instead of hanging the request.
type Repository struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// New constructs a Repository. A non-positive timeout disables the per-call
// bound and leaves cancellation to the caller's context.
func New(pool *pgxpool.Pool, timeout time.Duration) *Repository {
	return &Repository{pool: pool, timeout: timeout}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.UserRepository      = (*Repository)(nil)
	_ repository.WorkspaceRepository = (*Repository)(nil)
	_ repository.QuotaRepository     = (*Repository)(nil)
	_ repository.FunnelRepository    = (*Repository)(nil)
	_ repository.StageRepository     = (*Repository)(nil)
	_ repository.LeadRepository      = (*Repository)(nil)
	_ repository.LookupRepository    = (*Repository)(nil)
)

// opCtx derives the bounded context every store operation runs under.
func (r *Repository) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.timeout)
}

// CreateUser inserts a user.
func (r *Repository) CreateUser(ctx context.Context, user *domain.User) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	const query = `INSERT INTO users (id, workspace_id, email, password_hash, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := r.pool.Exec(ctx, query, user.ID, user.WorkspaceID, user.Email, user.PasswordHash, user.CreatedAt)
	return translateError(err)
}

// GetUserByEmail fetches a user by email.
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	const query = `SELECT id, workspace_id, email, password_hash, created_at FROM users WHERE email = $1`
	row := r.pool.QueryRow(ctx, query, email)
	var u domain.User
	if err := row.Scan(&u.ID, &u.WorkspaceID, &u.Email, &u.PasswordHash, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, translateError(err)
	}
	return &u, nil
}

// GetUserByID retrieves a user by identifier.
func (r *Repository) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	const query = `SELECT id, workspace_id, email, password_hash, created_at FROM users WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, id)
	var u domain.User
	if err := row.Scan(&u.ID, &u.WorkspaceID, &u.Email, &u.PasswordHash, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, translateError(err)
	}
	return &u, nil
}

// CreateWorkspace inserts a workspace record.
func (r *Repository) CreateWorkspace(ctx context.Context, workspace *domain.Workspace) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	const query = `INSERT INTO workspaces (id, name, leads_limit, leads_consumed, consultas_limit, consultas_consumed, consulta_access, extraction_access, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.pool.Exec(ctx, query,
		workspace.ID,
		workspace.Name,
		workspace.LeadsLimit,
		workspace.LeadsConsumed,
		workspace.ConsultasLimit,
		workspace.ConsultasConsumed,
		workspace.Plan.ConsultaAccess,
		workspace.Plan.ExtractionAccess,
		workspace.CreatedAt,
	)
	return translateError(err)
}

// GetWorkspaceByID returns a workspace by identifier.
func (r *Repository) GetWorkspaceByID(ctx context.Context, workspaceID string) (*domain.Workspace, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	const query = `SELECT id, name, leads_limit, leads_consumed, consultas_limit, consultas_consumed, consulta_access, extraction_access, created_at
		FROM workspaces WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, workspaceID)
	var w domain.Workspace
	if err := row.Scan(
		&w.ID,
		&w.Name,
		&w.LeadsLimit,
		&w.LeadsConsumed,
		&w.ConsultasLimit,
		&w.ConsultasConsumed,
		&w.Plan.ConsultaAccess,
		&w.Plan.ExtractionAccess,
		&w.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, translateError(err)
	}
	return &w, nil
}

// UpdatePlanFlags mutates the workspace feature gates.
func (r *Repository) UpdatePlanFlags(ctx context.Context, workspaceID string, flags domain.PlanFlags) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	const query = `UPDATE workspaces SET consulta_access = $2, extraction_access = $3 WHERE id = $1`
	cmdTag, err := r.pool.Exec(ctx, query, workspaceID, flags.ConsultaAccess, flags.ExtractionAccess)
	if err != nil {
		return translateError(err)
	}
	if cmdTag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// quotaColumns maps a resource kind to its (limit, consumed) column pair.
// The set is closed, so interpolating the names is safe.
func quotaColumns(kind domain.ResourceKind) (limitCol, consumedCol string, err error) {
	switch kind {
	case domain.ResourceLeads:
		return "leads_limit", "leads_consumed", nil
	case domain.ResourceConsultas:
		return "consultas_limit", "consultas_consumed", nil
	default:
		return "", "", repository.ErrInvalidArgument
	}
}

// GetQuota returns the limit and consumed counters for a resource kind.
func (r *Repository) GetQuota(ctx context.Context, workspaceID string, kind domain.ResourceKind) (int, int, error) {
	limitCol, consumedCol, err := quotaColumns(kind)
	if err != nil {
		return 0, 0, err
	}
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	query := fmt.Sprintf(`SELECT %s, %s FROM workspaces WHERE id = $1`, limitCol, consumedCol)
	var limit, consumed int
	if err := r.pool.QueryRow(ctx, query, workspaceID).Scan(&limit, &consumed); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, 0, repository.ErrNotFound
		}
		return 0, 0, translateError(err)
	}
	return limit, consumed, nil
}

// ConsumeQuota performs the conditional increment as one statement so that
// concurrent consumers of the same workspace cannot jointly overshoot the
// limit. The RETURNING value is the authoritative post-write total.
func (r *Repository) ConsumeQuota(ctx context.Context, workspaceID string, kind domain.ResourceKind, quantity int) (int, error) {
	if quantity <= 0 {
		return 0, repository.ErrInvalidArgument
	}
	limitCol, consumedCol, err := quotaColumns(kind)
	if err != nil {
		return 0, err
	}
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	query := fmt.Sprintf(`UPDATE workspaces
		SET %[2]s = %[2]s + $2
		WHERE id = $1 AND %[2]s + $2 <= %[1]s
		RETURNING %[2]s`, limitCol, consumedCol)
	var consumed int
	if err := r.pool.QueryRow(ctx, query, workspaceID, quantity).Scan(&consumed); err == nil {
		return consumed, nil
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return 0, translateError(err)
	}
	// No row matched: either the workspace is missing or capacity ran out.
	if _, _, err := r.GetQuota(ctx, workspaceID, kind); err != nil {
		return 0, err
	}
	return 0, repository.ErrQuotaExceeded
}

// ResetQuota zeroes the consumed counter for the kind.
func (r *Repository) ResetQuota(ctx context.Context, workspaceID string, kind domain.ResourceKind) error {
	_, consumedCol, err := quotaColumns(kind)
	if err != nil {
		return err
	}
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	query := fmt.Sprintf(`UPDATE workspaces SET %s = 0 WHERE id = $1`, consumedCol)
	cmdTag, err := r.pool.Exec(ctx, query, workspaceID)
	if err != nil {
		return translateError(err)
	}
	if cmdTag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// InsertLookup records an enrichment lookup.
func (r *Repository) InsertLookup(ctx context.Context, lookup *domain.Lookup) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	const query = `INSERT INTO lookups (workspace_id, provider, kind, query, succeeded, response, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`
	var response any
	if len(lookup.Response) > 0 {
		response = []byte(lookup.Response)
	}
	if err := r.pool.QueryRow(ctx, query,
		lookup.WorkspaceID,
		lookup.Provider,
		lookup.Kind,
		lookup.Query,
		lookup.Succeeded,
		response,
		lookup.CreatedAt,
	).Scan(&lookup.ID); err != nil {
		return translateError(err)
	}
	return nil
}

// ListLookupsByWorkspace returns recent lookups for a workspace.
func (r *Repository) ListLookupsByWorkspace(ctx context.Context, workspaceID string, limit, offset int) ([]domain.Lookup, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	const query = `SELECT id, workspace_id, provider, kind, query, succeeded, response, created_at
		FROM lookups WHERE workspace_id = $1 ORDER BY id DESC LIMIT $2 OFFSET $3`
	rows, err := r.pool.Query(ctx, query, workspaceID, limit, offset)
	if err != nil {
		return nil, translateError(err)
	}
	defer rows.Close()

	lookups := make([]domain.Lookup, 0)
	for rows.Next() {
		var (
			l        domain.Lookup
			response []byte
		)
		if err := rows.Scan(&l.ID, &l.WorkspaceID, &l.Provider, &l.Kind, &l.Query, &l.Succeeded, &response, &l.CreatedAt); err != nil {
			return nil, translateError(err)
		}
		if len(response) > 0 {
			l.Response = append([]byte(nil), response...)
		}
		lookups = append(lookups, l)
	}
	return lookups, translateError(rows.Err())
}

// translateError maps PostgreSQL error codes and expired operation contexts
// onto repository sentinels. Client cancellation passes through untouched.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return repository.ErrUnavailable
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23503":
			return repository.ErrNotFound
		case "23505":
			return repository.ErrConflict
		case "23514", "22P02":
			return repository.ErrInvalidArgument
		}
	}
	return err
}
