package consulta

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"log/slog"

	"github.com/dnxplataformas/crm-api/internal/domain"
	"github.com/dnxplataformas/crm-api/internal/enrichment"
	"github.com/dnxplataformas/crm-api/internal/repository"
	"github.com/dnxplataformas/crm-api/internal/service/quota"
)

// Service answers single-contact enrichment queries. Each successful lookup
// burns one unit of the consultas quota.
type Service struct {
	workspaces repository.WorkspaceRepository
	lookups    repository.LookupRepository
	ledger     quota.Ledger
	vendor     enrichment.LookupClient
	logger     *slog.Logger
}

// New constructs a Service.
func New(workspaces repository.WorkspaceRepository, lookups repository.LookupRepository, ledger quota.Ledger, vendor enrichment.LookupClient, logger *slog.Logger) Service {
	return Service{workspaces: workspaces, lookups: lookups, ledger: ledger, vendor: vendor, logger: logger}
}

var (
	// ErrPlanForbidden blocks workspaces whose plan excludes consultas.
	ErrPlanForbidden = errors.New("plan does not include consultas")
	// ErrQuotaExceeded signals the consultas balance is exhausted.
	ErrQuotaExceeded = errors.New("consultas quota exceeded")
	errInvalidQuery  = errors.New("query is required")
	errInvalidKind   = errors.New("unknown lookup kind")
)

// Result is a completed lookup with the balance left after it.
type Result struct {
	Provider  string
	Kind      enrichment.LookupKind
	Query     string
	Response  json.RawMessage
	Remaining int
}

// Lookup runs one enrichment query. The quota check happens before the vendor
// call; the consume happens after, so a vendor failure costs nothing. A
// consume failure after a successful vendor call is logged and swallowed so
// the caller still gets the data it paid the vendor for.
func (s Service) Lookup(ctx context.Context, workspaceID string, kind enrichment.LookupKind, query string) (*Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errInvalidQuery
	}
	if !kind.Valid() {
		return nil, errInvalidKind
	}

	workspace, err := s.workspaces.GetWorkspaceByID(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if !workspace.Plan.ConsultaAccess {
		return nil, ErrPlanForbidden
	}

	ok, err := s.ledger.HasAvailable(ctx, workspaceID, domain.ResourceConsultas, 1)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrQuotaExceeded
	}

	response, err := s.vendor.Lookup(ctx, kind, query)
	s.record(ctx, workspaceID, kind, query, response, err)
	if err != nil {
		return nil, err
	}

	remaining := 0
	if consumed, err := s.ledger.Consume(ctx, workspaceID, domain.ResourceConsultas, 1); err != nil {
		s.logger.Error("consulta served but quota consume failed",
			"workspace_id", workspaceID,
			"kind", string(kind),
			"error", err,
		)
	} else {
		limit := workspace.ConsultasLimit
		remaining = limit - consumed
	}

	return &Result{
		Provider:  "datecode",
		Kind:      kind,
		Query:     query,
		Response:  response,
		Remaining: remaining,
	}, nil
}

// History lists the workspace's past lookups, newest first.
func (s Service) History(ctx context.Context, workspaceID string, limit, offset int) ([]domain.Lookup, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.lookups.ListLookupsByWorkspace(ctx, workspaceID, limit, offset)
}

// record writes the audit row. Audit failures never fail the lookup.
func (s Service) record(ctx context.Context, workspaceID string, kind enrichment.LookupKind, query string, response json.RawMessage, lookupErr error) {
	lookup := &domain.Lookup{
		WorkspaceID: workspaceID,
		Provider:    "datecode",
		Kind:        string(kind),
		Query:       query,
		Succeeded:   lookupErr == nil,
		Response:    response,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.lookups.InsertLookup(ctx, lookup); err != nil {
		s.logger.Warn("failed to record lookup", "workspace_id", workspaceID, "error", err)
	}
}
