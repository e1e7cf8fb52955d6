package repository

import (
	"context"

	"github.com/dnxplataformas/crm-api/internal/domain"
)

// UserRepository persists operator accounts.
type UserRepository interface {
	CreateUser(ctx context.Context, user *domain.User) error
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
}

// WorkspaceRepository manages tenant records and plan flags.
type WorkspaceRepository interface {
	CreateWorkspace(ctx context.Context, workspace *domain.Workspace) error
	GetWorkspaceByID(ctx context.Context, workspaceID string) (*domain.Workspace, error)
	UpdatePlanFlags(ctx context.Context, workspaceID string, flags domain.PlanFlags) error
}

// QuotaRepository performs quota reads and atomic consumption.
type QuotaRepository interface {
	// GetQuota returns (limit, consumed) for the workspace and kind.
	GetQuota(ctx context.Context, workspaceID string, kind domain.ResourceKind) (limit, consumed int, err error)
	// ConsumeQuota atomically adds quantity to the consumed counter iff the
	// result stays within the limit, returning the new consumed total.
	// Returns ErrQuotaExceeded when capacity is insufficient.
	ConsumeQuota(ctx context.Context, workspaceID string, kind domain.ResourceKind, quantity int) (int, error)
	// ResetQuota zeroes the consumed counter for the kind.
	ResetQuota(ctx context.Context, workspaceID string, kind domain.ResourceKind) error
}

// FunnelRepository persists funnels.
type FunnelRepository interface {
	CreateFunnel(ctx context.Context, funnel *domain.Funnel) error
	GetFunnelByID(ctx context.Context, funnelID string) (*domain.Funnel, error)
	ListFunnelsByWorkspace(ctx context.Context, workspaceID string) ([]domain.Funnel, error)
	DeleteFunnel(ctx context.Context, funnelID string) error
}

// StageRepository persists funnel stages and their ordering.
type StageRepository interface {
	ListStages(ctx context.Context, funnelID string) ([]domain.Stage, error)
	GetStageByID(ctx context.Context, stageID string) (*domain.Stage, error)
	// AppendStage inserts the stage at position max+1 within one transaction.
	AppendStage(ctx context.Context, stage *domain.Stage) error
	DeleteStage(ctx context.Context, funnelID, stageID string) error
	// MoveStage relocates the stage to newPosition, shifting the affected
	// range by one, all inside a single transaction. Returns the updated
	// stage, or ErrNotFound when the stage is not in the funnel.
	MoveStage(ctx context.Context, funnelID, stageID string, newPosition int) (*domain.Stage, error)
}

// LeadRepository persists leads and their stage placement.
type LeadRepository interface {
	CreateLead(ctx context.Context, lead *domain.Lead) error
	CreateLeads(ctx context.Context, leads []domain.Lead) error
	GetLeadByID(ctx context.Context, leadID string) (*domain.Lead, error)
	ListLeadsByWorkspace(ctx context.Context, workspaceID string, limit, offset int) ([]domain.Lead, error)
	MoveLeadToStage(ctx context.Context, leadID, stageID string) error
	DeleteLead(ctx context.Context, leadID string) error
	// CountLeadsInStage backs the stage-deletion guard.
	CountLeadsInStage(ctx context.Context, stageID string) (int, error)
}

// LookupRepository records enrichment lookups for audit.
type LookupRepository interface {
	InsertLookup(ctx context.Context, lookup *domain.Lookup) error
	ListLookupsByWorkspace(ctx context.Context, workspaceID string, limit, offset int) ([]domain.Lookup, error)
}
