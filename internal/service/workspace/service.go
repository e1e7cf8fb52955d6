package workspace

import (
	"context"
	"errors"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/dnxplataformas/crm-api/internal/domain"
	"github.com/dnxplataformas/crm-api/internal/repository"
	"github.com/dnxplataformas/crm-api/internal/service/quota"
)

// Plan presets. Limits are monthly allotments.
var plans = map[string]planPreset{
	"basico": {
		leadsLimit:     500,
		consultasLimit: 0,
		flags:          domain.PlanFlags{},
	},
	"pro": {
		leadsLimit:     5000,
		consultasLimit: 1000,
		flags:          domain.PlanFlags{ConsultaAccess: true},
	},
	"escala": {
		leadsLimit:     20000,
		consultasLimit: 5000,
		flags:          domain.PlanFlags{ConsultaAccess: true, ExtractionAccess: true},
	},
}

type planPreset struct {
	leadsLimit     int
	consultasLimit int
	flags          domain.PlanFlags
}

// Service provisions workspaces and reports their quota standing.
type Service struct {
	workspaces repository.WorkspaceRepository
	ledger     quota.Ledger
	logger     *slog.Logger
}

// New constructs a Service.
func New(workspaces repository.WorkspaceRepository, ledger quota.Ledger, logger *slog.Logger) Service {
	return Service{workspaces: workspaces, ledger: ledger, logger: logger}
}

var (
	errInvalidName = errors.New("workspace name is required")
	// ErrUnknownPlan rejects plan names outside the preset table.
	ErrUnknownPlan = errors.New("unknown plan")
)

// Create provisions a workspace under the named plan.
func (s Service) Create(ctx context.Context, name, plan string) (*domain.Workspace, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errInvalidName
	}
	preset, ok := plans[plan]
	if !ok {
		return nil, ErrUnknownPlan
	}
	workspace := &domain.Workspace{
		ID:             uuid.NewString(),
		Name:           name,
		LeadsLimit:     preset.leadsLimit,
		ConsultasLimit: preset.consultasLimit,
		Plan:           preset.flags,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.workspaces.CreateWorkspace(ctx, workspace); err != nil {
		return nil, err
	}
	s.logger.Info("workspace created", "workspace_id", workspace.ID, "plan", plan)
	return workspace, nil
}

// Get returns the workspace record.
func (s Service) Get(ctx context.Context, workspaceID string) (*domain.Workspace, error) {
	return s.workspaces.GetWorkspaceByID(ctx, workspaceID)
}

// QuotaStatus reports the standing of one metered resource.
type QuotaStatus struct {
	Kind      domain.ResourceKind
	Limit     int
	Consumed  int
	Remaining int
	Percent   float64
}

// Status returns the quota standing for both resource kinds.
func (s Service) Status(ctx context.Context, workspaceID string) ([]QuotaStatus, error) {
	workspace, err := s.workspaces.GetWorkspaceByID(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	kinds := []domain.ResourceKind{domain.ResourceLeads, domain.ResourceConsultas}
	statuses := make([]QuotaStatus, 0, len(kinds))
	for _, kind := range kinds {
		limit := workspace.Limit(kind)
		consumed := workspace.Consumed(kind)
		remaining := limit - consumed
		if remaining < 0 {
			remaining = 0
		}
		percent := 0.0
		if limit > 0 {
			percent = float64(consumed) / float64(limit) * 100
		}
		statuses = append(statuses, QuotaStatus{
			Kind:      kind,
			Limit:     limit,
			Consumed:  consumed,
			Remaining: remaining,
			Percent:   percent,
		})
	}
	return statuses, nil
}

// ResetQuotas zeroes both consumed counters. Driven by the billing-cycle job
// through the admin endpoint, never by tenant traffic.
func (s Service) ResetQuotas(ctx context.Context, workspaceID string) error {
	for _, kind := range []domain.ResourceKind{domain.ResourceLeads, domain.ResourceConsultas} {
		if err := s.ledger.Reset(ctx, workspaceID, kind); err != nil {
			return err
		}
	}
	s.logger.Info("workspace quotas reset", "workspace_id", workspaceID)
	return nil
}
