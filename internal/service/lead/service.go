package lead

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/dnxplataformas/crm-api/internal/domain"
	"github.com/dnxplataformas/crm-api/internal/enrichment"
	"github.com/dnxplataformas/crm-api/internal/events"
	"github.com/dnxplataformas/crm-api/internal/repository"
	"github.com/dnxplataformas/crm-api/internal/ws"
)

// Service manages leads, their placement on funnel stages and outbound
// WhatsApp contact. Manually created leads do not touch the quota ledger;
// only extraction batches do.
type Service struct {
	leads     repository.LeadRepository
	stages    repository.StageRepository
	funnels   repository.FunnelRepository
	hub       *ws.Hub
	publisher events.Publisher
	messenger enrichment.Messenger
	instance  string
	logger    *slog.Logger
}

// New constructs a Service. instance names the Evolution API instance used
// for outbound messages.
func New(leads repository.LeadRepository, stages repository.StageRepository, funnels repository.FunnelRepository, hub *ws.Hub, publisher events.Publisher, messenger enrichment.Messenger, instance string, logger *slog.Logger) Service {
	return Service{
		leads:     leads,
		stages:    stages,
		funnels:   funnels,
		hub:       hub,
		publisher: publisher,
		messenger: messenger,
		instance:  instance,
		logger:    logger,
	}
}

var (
	errInvalidLeadName = errors.New("lead name is required")
	// ErrStageMismatch rejects moving a lead to a stage in another funnel.
	ErrStageMismatch = errors.New("stage belongs to another funil")
	// ErrEmptyMessage rejects outbound WhatsApp sends without text.
	ErrEmptyMessage = errors.New("mensagem text is required")
	// ErrLeadWithoutPhone blocks WhatsApp sends to leads with no phone on file.
	ErrLeadWithoutPhone = errors.New("lead has no telefone")
	// ErrMessagingUnavailable signals the WhatsApp integration is not configured.
	ErrMessagingUnavailable = errors.New("whatsapp messaging unavailable")
)

// CreateInput carries the fields accepted on manual lead creation.
type CreateInput struct {
	FunnelID string
	StageID  string
	Name     string
	Phone    string
	Email    string
	Document string
	Source   string
}

// Create registers a manually entered lead on a stage of a workspace funnel.
func (s Service) Create(ctx context.Context, workspaceID string, in CreateInput) (*domain.Lead, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, errInvalidLeadName
	}
	stage, err := s.ownedStage(ctx, workspaceID, in.FunnelID, in.StageID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	lead := &domain.Lead{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		FunnelID:    stage.FunnelID,
		StageID:     stage.ID,
		Name:        strings.TrimSpace(in.Name),
		Phone:       strings.TrimSpace(in.Phone),
		Email:       strings.TrimSpace(in.Email),
		Document:    strings.TrimSpace(in.Document),
		Source:      in.Source,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if lead.Source == "" {
		lead.Source = "manual"
	}
	if err := s.leads.CreateLead(ctx, lead); err != nil {
		return nil, err
	}
	s.logger.Info("lead created", "lead_id", lead.ID, "workspace_id", workspaceID, "stage_id", stage.ID)
	s.broadcast(lead.FunnelID, "lead.criado", lead)
	return lead, nil
}

// List returns workspace leads, newest first.
func (s Service) List(ctx context.Context, workspaceID string, limit, offset int) ([]domain.Lead, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.leads.ListLeadsByWorkspace(ctx, workspaceID, limit, offset)
}

// Get returns a single lead owned by the workspace.
func (s Service) Get(ctx context.Context, workspaceID, leadID string) (*domain.Lead, error) {
	return s.ownedLead(ctx, workspaceID, leadID)
}

// MoveToStage drags a lead onto another stage of the same funnel.
func (s Service) MoveToStage(ctx context.Context, workspaceID, leadID, stageID string) (*domain.Lead, error) {
	lead, err := s.ownedLead(ctx, workspaceID, leadID)
	if err != nil {
		return nil, err
	}
	stage, err := s.stages.GetStageByID(ctx, stageID)
	if err != nil {
		return nil, err
	}
	if stage.FunnelID != lead.FunnelID {
		return nil, ErrStageMismatch
	}
	if err := s.leads.MoveLeadToStage(ctx, leadID, stageID); err != nil {
		return nil, err
	}
	lead.StageID = stageID
	lead.UpdatedAt = time.Now().UTC()
	s.logger.Info("lead moved", "lead_id", leadID, "stage_id", stageID, "workspace_id", workspaceID)
	s.broadcast(lead.FunnelID, "lead.movido", lead)
	s.publish(ctx, "lead.stage.moved", map[string]any{
		"workspace_id": workspaceID,
		"lead_id":      leadID,
		"funnel_id":    lead.FunnelID,
		"stage_id":     stageID,
	})
	return lead, nil
}

// SendWhatsApp delivers a text message to the lead's phone through the
// Evolution API and relays the outbound message onto the funnel board stream.
func (s Service) SendWhatsApp(ctx context.Context, workspaceID, leadID, text string) (*domain.Lead, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	if s.messenger == nil {
		return nil, ErrMessagingUnavailable
	}
	lead, err := s.ownedLead(ctx, workspaceID, leadID)
	if err != nil {
		return nil, err
	}
	if lead.Phone == "" {
		return nil, ErrLeadWithoutPhone
	}
	if err := s.messenger.SendText(ctx, s.instance, lead.Phone, text); err != nil {
		return nil, err
	}
	s.logger.Info("whatsapp message sent", "lead_id", leadID, "workspace_id", workspaceID, "instance", s.instance)
	s.broadcastMessage(lead, text)
	s.publish(ctx, "lead.whatsapp.sent", map[string]any{
		"workspace_id": workspaceID,
		"lead_id":      leadID,
		"funnel_id":    lead.FunnelID,
	})
	return lead, nil
}

// Delete removes a lead owned by the workspace.
func (s Service) Delete(ctx context.Context, workspaceID, leadID string) error {
	lead, err := s.ownedLead(ctx, workspaceID, leadID)
	if err != nil {
		return err
	}
	if err := s.leads.DeleteLead(ctx, leadID); err != nil {
		return err
	}
	s.logger.Info("lead deleted", "lead_id", leadID, "workspace_id", workspaceID)
	s.broadcast(lead.FunnelID, "lead.removido", lead)
	return nil
}

// ownedLead loads the lead and hides it from other workspaces.
func (s Service) ownedLead(ctx context.Context, workspaceID, leadID string) (*domain.Lead, error) {
	lead, err := s.leads.GetLeadByID(ctx, leadID)
	if err != nil {
		return nil, err
	}
	if lead.WorkspaceID != workspaceID {
		return nil, repository.ErrNotFound
	}
	return lead, nil
}

// ownedStage validates that the stage sits in a funnel of the workspace.
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
		return nil, ErrStageMismatch
	}
	return stage, nil
}

func (s Service) broadcast(funnelID, event string, lead *domain.Lead) {
	if s.hub == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"evento":   event,
		"funil_id": funnelID,
		"lead": map[string]any{
			"id":         lead.ID,
			"nome":       lead.Name,
			"telefone":   lead.Phone,
			"estagio_id": lead.StageID,
		},
		"emitido_em": time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		s.logger.Warn("failed to marshal board event", "error", err)
		return
	}
	s.hub.Broadcast(funnelID, payload)
}

func (s Service) broadcastMessage(lead *domain.Lead, text string) {
	if s.hub == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"evento":   "whatsapp.mensagem",
		"funil_id": lead.FunnelID,
		"lead_id":  lead.ID,
		"telefone": lead.Phone,
		"mensagem": text,
		"direcao":  "saida",
	})
	if err != nil {
		s.logger.Warn("failed to marshal board event", "error", err)
		return
	}
	s.hub.Broadcast(lead.FunnelID, payload)
}

func (s Service) publish(ctx context.Context, routingKey string, payload any) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, routingKey, payload); err != nil {
		s.logger.Warn("failed to publish event", "routing_key", routingKey, "error", err)
	}
}
