package funnel

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/dnxplataformas/crm-api/internal/domain"
	"github.com/dnxplataformas/crm-api/internal/events"
	"github.com/dnxplataformas/crm-api/internal/repository"
	"github.com/dnxplataformas/crm-api/internal/ws"
)

// Service maintains funnels and the dense ordering of their stages, and
// relocates stages atomically.
type Service struct {
	funnels   repository.FunnelRepository
	stages    repository.StageRepository
	leads     repository.LeadRepository
	hub       *ws.Hub
	publisher events.Publisher
	logger    *slog.Logger
}

// New constructs a Service.
func New(funnels repository.FunnelRepository, stages repository.StageRepository, leads repository.LeadRepository, hub *ws.Hub, publisher events.Publisher, logger *slog.Logger) Service {
	return Service{funnels: funnels, stages: stages, leads: leads, hub: hub, publisher: publisher, logger: logger}
}

var (
	errInvalidFunnelName = errors.New("funnel name is required")
	errInvalidStageName  = errors.New("stage name is required")
	// ErrStageHasLeads blocks stage deletion while leads still reference it.
	ErrStageHasLeads = errors.New("estagio has leads attached")
	// ErrInvalidPosition rejects a target position below 1 or past the
	// highest occupied position of the funnel.
	ErrInvalidPosition = errors.New("position out of range")
)

// CreateFunnel registers a funnel for the workspace.
func (s Service) CreateFunnel(ctx context.Context, workspaceID, name, color string) (*domain.Funnel, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errInvalidFunnelName
	}
	funnel := &domain.Funnel{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		Name:        strings.TrimSpace(name),
		Color:       color,
		Active:      true,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.funnels.CreateFunnel(ctx, funnel); err != nil {
		return nil, err
	}
	s.logger.Info("funnel created", "funnel_id", funnel.ID, "workspace_id", workspaceID)
	return funnel, nil
}

// ListFunnels returns the workspace funnels.
func (s Service) ListFunnels(ctx context.Context, workspaceID string) ([]domain.Funnel, error) {
	return s.funnels.ListFunnelsByWorkspace(ctx, workspaceID)
}

// DeleteFunnel removes a funnel owned by the workspace.
func (s Service) DeleteFunnel(ctx context.Context, workspaceID, funnelID string) error {
	if _, err := s.ownedFunnel(ctx, workspaceID, funnelID); err != nil {
		return err
	}
	return s.funnels.DeleteFunnel(ctx, funnelID)
}

// ListStages returns the funnel stages sorted ascending by position.
func (s Service) ListStages(ctx context.Context, workspaceID, funnelID string) ([]domain.Stage, error) {
	if _, err := s.ownedFunnel(ctx, workspaceID, funnelID); err != nil {
		return nil, err
	}
	return s.stages.ListStages(ctx, funnelID)
}

// AppendStage creates a stage at the end of the funnel (position N+1).
func (s Service) AppendStage(ctx context.Context, workspaceID, funnelID, name, color string) (*domain.Stage, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errInvalidStageName
	}
	if _, err := s.ownedFunnel(ctx, workspaceID, funnelID); err != nil {
		return nil, err
	}
	stage := &domain.Stage{
		ID:        uuid.NewString(),
		FunnelID:  funnelID,
		Name:      strings.TrimSpace(name),
		Color:     color,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.stages.AppendStage(ctx, stage); err != nil {
		return nil, err
	}
	s.logger.Info("stage appended", "stage_id", stage.ID, "funnel_id", funnelID, "position", stage.Position)
	s.broadcast(funnelID, "estagio.criado", stage)
	return stage, nil
}

// RemoveStage deletes a stage when no leads reference it. Remaining stages
// keep their positions; the gap is accepted and MoveStage tolerates it.
func (s Service) RemoveStage(ctx context.Context, workspaceID, funnelID, stageID string) error {
	if _, err := s.ownedFunnel(ctx, workspaceID, funnelID); err != nil {
		return err
	}
	count, err := s.leads.CountLeadsInStage(ctx, stageID)
	if err != nil {
		return err
	}
	if count > 0 {
		return ErrStageHasLeads
	}
	if err := s.stages.DeleteStage(ctx, funnelID, stageID); err != nil {
		return err
	}
	s.logger.Info("stage removed", "stage_id", stageID, "funnel_id", funnelID)
	s.broadcast(funnelID, "estagio.removido", &domain.Stage{ID: stageID, FunnelID: funnelID})
	return nil
}

// MoveStage relocates a stage to newPosition. Stages between the old and new
// position shift by one so relative order is preserved; the whole update runs
// as a single store transaction. The target is bounded by the highest
// occupied position, not the stage count, so slots past a deletion gap stay
// reachable.
func (s Service) MoveStage(ctx context.Context, workspaceID, funnelID, stageID string, newPosition int) (*domain.Stage, error) {
	if newPosition < 1 {
		return nil, ErrInvalidPosition
	}
	if _, err := s.ownedFunnel(ctx, workspaceID, funnelID); err != nil {
		return nil, err
	}
	stages, err := s.stages.ListStages(ctx, funnelID)
	if err != nil {
		return nil, err
	}
	maxPosition := 0
	for _, st := range stages {
		if st.Position > maxPosition {
			maxPosition = st.Position
		}
	}
	if newPosition > maxPosition {
		return nil, ErrInvalidPosition
	}
	stage, err := s.stages.MoveStage(ctx, funnelID, stageID, newPosition)
	if err != nil {
		return nil, err
	}
	s.logger.Info("stage moved", "stage_id", stageID, "funnel_id", funnelID, "position", newPosition)
	s.broadcast(funnelID, "estagio.movido", stage)
	s.publish(ctx, "funnel.stage.moved", map[string]any{
		"workspace_id": workspaceID,
		"funnel_id":    funnelID,
		"stage_id":     stageID,
		"position":     newPosition,
	})
	return stage, nil
}

// ownedFunnel loads the funnel and hides it from other workspaces.
func (s Service) ownedFunnel(ctx context.Context, workspaceID, funnelID string) (*domain.Funnel, error) {
	funnel, err := s.funnels.GetFunnelByID(ctx, funnelID)
	if err != nil {
		return nil, err
	}
	if funnel.WorkspaceID != workspaceID {
		return nil, repository.ErrNotFound
	}
	return funnel, nil
}

func (s Service) broadcast(funnelID, event string, stage *domain.Stage) {
	if s.hub == nil {
		return
	}
	payload, err := MarshalBoardEvent(event, stage)
	if err != nil {
		s.logger.Warn("failed to marshal board event", "error", err)
		return
	}
	s.hub.Broadcast(funnelID, payload)
}

func (s Service) publish(ctx context.Context, routingKey string, payload any) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, routingKey, payload); err != nil {
		s.logger.Warn("failed to publish event", "routing_key", routingKey, "error", err)
	}
}

// MarshalBoardEvent formats a stage event for board streaming payloads.
func MarshalBoardEvent(event string, stage *domain.Stage) ([]byte, error) {
	payload := map[string]any{
		"evento":   event,
		"funil_id": stage.FunnelID,
		"estagio": map[string]any{
			"id":    stage.ID,
			"nome":  stage.Name,
			"cor":   stage.Color,
			"ordem": stage.Position,
		},
		"emitido_em": time.Now().UTC().Format(time.RFC3339Nano),
	}
	return json.Marshal(payload)
}
