package consulta

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/dnxplataformas/crm-api/internal/domain"
	"github.com/dnxplataformas/crm-api/internal/enrichment"
	"github.com/dnxplataformas/crm-api/internal/repository"
	"github.com/dnxplataformas/crm-api/internal/service/quota"
)

type stubStore struct {
	workspace  domain.Workspace
	lookups    []domain.Lookup
	consumeErr error
}

func (s *stubStore) CreateWorkspace(context.Context, *domain.Workspace) error { return nil }

func (s *stubStore) GetWorkspaceByID(_ context.Context, id string) (*domain.Workspace, error) {
	if id != s.workspace.ID {
		return nil, repository.ErrNotFound
	}
	w := s.workspace
	return &w, nil
}

func (s *stubStore) UpdatePlanFlags(context.Context, string, domain.PlanFlags) error { return nil }

func (s *stubStore) GetQuota(_ context.Context, id string, kind domain.ResourceKind) (int, int, error) {
	if id != s.workspace.ID {
		return 0, 0, repository.ErrNotFound
	}
	return s.workspace.Limit(kind), s.workspace.Consumed(kind), nil
}

func (s *stubStore) ConsumeQuota(_ context.Context, id string, kind domain.ResourceKind, quantity int) (int, error) {
	if s.consumeErr != nil {
		return 0, s.consumeErr
	}
	if s.workspace.Consumed(kind)+quantity > s.workspace.Limit(kind) {
		return 0, repository.ErrQuotaExceeded
	}
	if kind == domain.ResourceConsultas {
		s.workspace.ConsultasConsumed += quantity
		return s.workspace.ConsultasConsumed, nil
	}
	s.workspace.LeadsConsumed += quantity
	return s.workspace.LeadsConsumed, nil
}

func (s *stubStore) ResetQuota(context.Context, string, domain.ResourceKind) error { return nil }

func (s *stubStore) InsertLookup(_ context.Context, lookup *domain.Lookup) error {
	s.lookups = append(s.lookups, *lookup)
	return nil
}

func (s *stubStore) ListLookupsByWorkspace(context.Context, string, int, int) ([]domain.Lookup, error) {
	return s.lookups, nil
}

type stubVendor struct {
	response json.RawMessage
	err      error
	calls    int
}

func (v *stubVendor) Lookup(context.Context, enrichment.LookupKind, string) (json.RawMessage, error) {
	v.calls++
	return v.response, v.err
}

func newTestService(store *stubStore, vendor *stubVendor) Service {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(store, store, quota.New(store, log), vendor, log)
}

func TestLookupConsumesOneUnit(t *testing.T) {
	store := &stubStore{workspace: domain.Workspace{
		ID:                "ws-1",
		ConsultasLimit:    100,
		ConsultasConsumed: 40,
		Plan:              domain.PlanFlags{ConsultaAccess: true},
	}}
	vendor := &stubVendor{response: json.RawMessage(`{"nome":"Maria"}`)}
	svc := newTestService(store, vendor)

	result, err := svc.Lookup(context.Background(), "ws-1", enrichment.LookupCPF, "12345678901")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.workspace.ConsultasConsumed != 41 {
		t.Fatalf("expected consumed 41, got %d", store.workspace.ConsultasConsumed)
	}
	if result.Remaining != 59 {
		t.Fatalf("expected remaining 59, got %d", result.Remaining)
	}
	if len(store.lookups) != 1 || !store.lookups[0].Succeeded {
		t.Fatalf("expected one successful audit row, got %+v", store.lookups)
	}
}

func TestLookupBlockedByPlan(t *testing.T) {
	store := &stubStore{workspace: domain.Workspace{ID: "ws-1", ConsultasLimit: 100}}
	vendor := &stubVendor{}
	svc := newTestService(store, vendor)

	if _, err := svc.Lookup(context.Background(), "ws-1", enrichment.LookupCPF, "123"); !errors.Is(err, ErrPlanForbidden) {
		t.Fatalf("expected ErrPlanForbidden, got %v", err)
	}
	if vendor.calls != 0 {
		t.Fatalf("vendor called despite plan block")
	}
}

func TestLookupBlockedByQuotaBeforeVendorCall(t *testing.T) {
	store := &stubStore{workspace: domain.Workspace{
		ID:                "ws-1",
		ConsultasLimit:    100,
		ConsultasConsumed: 100,
		Plan:              domain.PlanFlags{ConsultaAccess: true},
	}}
	vendor := &stubVendor{}
	svc := newTestService(store, vendor)

	if _, err := svc.Lookup(context.Background(), "ws-1", enrichment.LookupCPF, "123"); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	if vendor.calls != 0 {
		t.Fatalf("vendor called despite exhausted quota")
	}
}

func TestLookupVendorFailureCostsNothing(t *testing.T) {
	store := &stubStore{workspace: domain.Workspace{
		ID:                "ws-1",
		ConsultasLimit:    100,
		ConsultasConsumed: 40,
		Plan:              domain.PlanFlags{ConsultaAccess: true},
	}}
	vendor := &stubVendor{err: enrichment.ErrVendorUnavailable}
	svc := newTestService(store, vendor)

	if _, err := svc.Lookup(context.Background(), "ws-1", enrichment.LookupCPF, "123"); !errors.Is(err, enrichment.ErrVendorUnavailable) {
		t.Fatalf("expected vendor error, got %v", err)
	}
	if store.workspace.ConsultasConsumed != 40 {
		t.Fatalf("quota consumed despite vendor failure: %d", store.workspace.ConsultasConsumed)
	}
	if len(store.lookups) != 1 || store.lookups[0].Succeeded {
		t.Fatalf("expected one failed audit row, got %+v", store.lookups)
	}
}

func TestLookupConsumeFailureStillReturnsData(t *testing.T) {
	store := &stubStore{
		workspace: domain.Workspace{
			ID:                "ws-1",
			ConsultasLimit:    100,
			ConsultasConsumed: 40,
			Plan:              domain.PlanFlags{ConsultaAccess: true},
		},
		consumeErr: errors.New("connection reset"),
	}
	vendor := &stubVendor{response: json.RawMessage(`{"nome":"Maria"}`)}
	svc := newTestService(store, vendor)

	result, err := svc.Lookup(context.Background(), "ws-1", enrichment.LookupCPF, "123")
	if err != nil {
		t.Fatalf("expected data despite consume failure, got %v", err)
	}
	if string(result.Response) != `{"nome":"Maria"}` {
		t.Fatalf("unexpected response: %s", result.Response)
	}
}
