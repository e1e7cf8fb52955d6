package workspace

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/dnxplataformas/crm-api/internal/domain"
	"github.com/dnxplataformas/crm-api/internal/repository"
	"github.com/dnxplataformas/crm-api/internal/service/quota"
)

type stubStore struct {
	workspaces map[string]*domain.Workspace
}

func newStubStore() *stubStore {
	return &stubStore{workspaces: make(map[string]*domain.Workspace)}
}

func (s *stubStore) CreateWorkspace(_ context.Context, w *domain.Workspace) error {
	copied := *w
	s.workspaces[w.ID] = &copied
	return nil
}

func (s *stubStore) GetWorkspaceByID(_ context.Context, id string) (*domain.Workspace, error) {
	w, ok := s.workspaces[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *w
	return &copied, nil
}

func (s *stubStore) UpdatePlanFlags(context.Context, string, domain.PlanFlags) error { return nil }

func (s *stubStore) GetQuota(_ context.Context, id string, kind domain.ResourceKind) (int, int, error) {
	w, ok := s.workspaces[id]
	if !ok {
		return 0, 0, repository.ErrNotFound
	}
	return w.Limit(kind), w.Consumed(kind), nil
}

func (s *stubStore) ConsumeQuota(_ context.Context, id string, kind domain.ResourceKind, quantity int) (int, error) {
	w, ok := s.workspaces[id]
	if !ok {
		return 0, repository.ErrNotFound
	}
	if w.Consumed(kind)+quantity > w.Limit(kind) {
		return 0, repository.ErrQuotaExceeded
	}
	if kind == domain.ResourceLeads {
		w.LeadsConsumed += quantity
		return w.LeadsConsumed, nil
	}
	w.ConsultasConsumed += quantity
	return w.ConsultasConsumed, nil
}

func (s *stubStore) ResetQuota(_ context.Context, id string, kind domain.ResourceKind) error {
	w, ok := s.workspaces[id]
	if !ok {
		return repository.ErrNotFound
	}
	if kind == domain.ResourceLeads {
		w.LeadsConsumed = 0
	} else {
		w.ConsultasConsumed = 0
	}
	return nil
}

func newTestService() (Service, *stubStore) {
	store := newStubStore()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(store, quota.New(store, log), log), store
}

func TestCreateAppliesPlanPreset(t *testing.T) {
	svc, _ := newTestService()

	w, err := svc.Create(context.Background(), "Acme", "escala")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w.LeadsLimit != 20000 || w.ConsultasLimit != 5000 {
		t.Fatalf("unexpected limits: %d / %d", w.LeadsLimit, w.ConsultasLimit)
	}
	if !w.Plan.ConsultaAccess || !w.Plan.ExtractionAccess {
		t.Fatalf("expected escala plan flags, got %+v", w.Plan)
	}
}

func TestCreateBasicoHasNoConsultas(t *testing.T) {
	svc, _ := newTestService()

	w, err := svc.Create(context.Background(), "Acme", "basico")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w.ConsultasLimit != 0 || w.Plan.ConsultaAccess {
		t.Fatalf("basico should not include consultas: %+v", w)
	}
}

func TestCreateRejectsUnknownPlan(t *testing.T) {
	svc, _ := newTestService()

	if _, err := svc.Create(context.Background(), "Acme", "enterprise"); !errors.Is(err, ErrUnknownPlan) {
		t.Fatalf("expected ErrUnknownPlan, got %v", err)
	}
}

func TestStatusReportsBothKinds(t *testing.T) {
	svc, store := newTestService()
	store.workspaces["ws-1"] = &domain.Workspace{
		ID:                "ws-1",
		LeadsLimit:        1000,
		LeadsConsumed:     250,
		ConsultasLimit:    100,
		ConsultasConsumed: 100,
	}

	statuses, err := svc.Status(context.Background(), "ws-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	leads, consultas := statuses[0], statuses[1]
	if leads.Remaining != 750 || leads.Percent != 25 {
		t.Fatalf("unexpected leads status: %+v", leads)
	}
	if consultas.Remaining != 0 || consultas.Percent != 100 {
		t.Fatalf("unexpected consultas status: %+v", consultas)
	}
}

func TestResetQuotasZeroesBothCounters(t *testing.T) {
	svc, store := newTestService()
	store.workspaces["ws-1"] = &domain.Workspace{
		ID:                "ws-1",
		LeadsLimit:        1000,
		LeadsConsumed:     999,
		ConsultasLimit:    100,
		ConsultasConsumed: 42,
	}

	if err := svc.ResetQuotas(context.Background(), "ws-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	w := store.workspaces["ws-1"]
	if w.LeadsConsumed != 0 || w.ConsultasConsumed != 0 {
		t.Fatalf("counters not zeroed: %+v", w)
	}
}
