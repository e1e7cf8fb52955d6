package extraction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/dnxplataformas/crm-api/internal/domain"
	"github.com/dnxplataformas/crm-api/internal/enrichment"
	"github.com/dnxplataformas/crm-api/internal/repository"
	"github.com/dnxplataformas/crm-api/internal/service/quota"
)

// Service pulls prospect batches from the extraction vendor and lands them on
// a funnel stage as leads. The batch size is capped by what the vendor holds
// and by the workspace's remaining leads quota.
type Service struct {
	workspaces repository.WorkspaceRepository
	leads      repository.LeadRepository
	funnels    repository.FunnelRepository
	stages     repository.StageRepository
	ledger     quota.Ledger
	vendor     enrichment.ExtractionClient
	logger     *slog.Logger
}

// New constructs a Service.
func New(workspaces repository.WorkspaceRepository, leads repository.LeadRepository, funnels repository.FunnelRepository, stages repository.StageRepository, ledger quota.Ledger, vendor enrichment.ExtractionClient, logger *slog.Logger) Service {
	return Service{workspaces: workspaces, leads: leads, funnels: funnels, stages: stages, ledger: ledger, vendor: vendor, logger: logger}
}

var (
	// ErrPlanForbidden blocks workspaces whose plan excludes extractions.
	ErrPlanForbidden = errors.New("plan does not include extracoes")
	// ErrQuotaExceeded signals the leads balance cannot cover any record.
	ErrQuotaExceeded = errors.New("leads quota exceeded")
	// ErrNoRecords signals the vendor holds nothing for the filter.
	ErrNoRecords = errors.New("no records available for filter")
	errInvalidQuantity = errors.New("quantity must be a positive integer")
	errStageMismatch   = errors.New("stage belongs to another funil")
)

// Input describes one extraction request.
type Input struct {
	FunnelID string
	StageID  string
	Filter   enrichment.Filter
	Quantity int
}

// Result summarizes a completed extraction.
type Result struct {
	Requested int
	Delivered int
	Remaining int
	LeadIDs   []string
}

// Extract fetches up to in.Quantity records and persists them as leads on the
// given stage. The effective batch size is min(requested, vendor available,
// quota balance); the quota consume runs after persistence and its failure
// fails the whole request since the leads already landed.
func (s Service) Extract(ctx context.Context, workspaceID string, in Input) (*Result, error) {
	if in.Quantity <= 0 {
		return nil, errInvalidQuantity
	}

	workspace, err := s.workspaces.GetWorkspaceByID(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if !workspace.Plan.ExtractionAccess {
		return nil, ErrPlanForbidden
	}

	stage, err := s.ownedStage(ctx, workspaceID, in.FunnelID, in.StageID)
	if err != nil {
		return nil, err
	}

	balance, err := s.ledger.Balance(ctx, workspaceID, domain.ResourceLeads)
	if err != nil {
		return nil, err
	}
	if balance <= 0 {
		return nil, ErrQuotaExceeded
	}

	available, err := s.vendor.Available(ctx, in.Filter)
	if err != nil {
		return nil, err
	}
	if available == 0 {
		return nil, ErrNoRecords
	}

	quantity := min(in.Quantity, available, balance)
	ok, err := s.ledger.HasAvailable(ctx, workspaceID, domain.ResourceLeads, quantity)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrQuotaExceeded
	}

	records, err := s.vendor.Fetch(ctx, in.Filter, quantity)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrNoRecords
	}

	now := time.Now().UTC()
	leads := make([]domain.Lead, 0, len(records))
	for _, r := range records {
		leads = append(leads, domain.Lead{
			ID:          uuid.NewString(),
			WorkspaceID: workspaceID,
			FunnelID:    stage.FunnelID,
			StageID:     stage.ID,
			Name:        r.Name,
			Phone:       r.Phone,
			Email:       r.Email,
			Document:    r.Document,
			Source:      "extracao",
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}
	if err := s.leads.CreateLeads(ctx, leads); err != nil {
		return nil, err
	}

	consumed, err := s.ledger.Consume(ctx, workspaceID, domain.ResourceLeads, len(leads))
	if err != nil {
		s.logger.Error("leads persisted but quota consume failed",
			"workspace_id", workspaceID,
			"quantity", len(leads),
			"error", err,
		)
		return nil, fmt.Errorf("record extraction consumption: %w", err)
	}

	ids := make([]string, 0, len(leads))
	for _, l := range leads {
		ids = append(ids, l.ID)
	}
	s.logger.Info("extraction completed",
		"workspace_id", workspaceID,
		"funnel_id", stage.FunnelID,
		"requested", in.Quantity,
		"delivered", len(leads),
	)
	return &Result{
		Requested: in.Quantity,
		Delivered: len(leads),
		Remaining: workspace.LeadsLimit - consumed,
		LeadIDs:   ids,
	}, nil
}

func (s Service) ownedStage(ctx context.Context, workspaceID, funnelID, stageID string) (*domain.Stage, error) {
	funnel, err := s.funnels.GetFunnelByID(ctx, funnelID)
	if err != nil {
		return nil, err
	}
	if funnel.WorkspaceID != workspaceID {
		return nil, repository.ErrNotFound
	}
	stage, err := s.stages.GetStageByID(ctx, stageID)
	if err != nil {
		return nil, err
	}
	if stage.FunnelID != funnelID {
		return nil, errStageMismatch
	}
	return stage, nil
}

func min(values ...int) int {
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}
