package funnel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/dnxplataformas/crm-api/internal/domain"
	"github.com/dnxplataformas/crm-api/internal/repository"
)

// memBoard keeps funnels, stages and lead counts in memory, honoring the
// store contract: MoveStage shifts the affected range by one inside a single
// atomic step, AppendStage assigns max+1, DeleteStage leaves the gap.
type memBoard struct {
	funnels    map[string]domain.Funnel
	stages     map[string]*domain.Stage
	leadCounts map[string]int
}

func newMemBoard() *memBoard {
	return &memBoard{
		funnels:    make(map[string]domain.Funnel),
		stages:     make(map[string]*domain.Stage),
		leadCounts: make(map[string]int),
	}
}

func (m *memBoard) CreateFunnel(_ context.Context, funnel *domain.Funnel) error {
	m.funnels[funnel.ID] = *funnel
	return nil
}

func (m *memBoard) GetFunnelByID(_ context.Context, funnelID string) (*domain.Funnel, error) {
	funnel, ok := m.funnels[funnelID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &funnel, nil
}

func (m *memBoard) ListFunnelsByWorkspace(_ context.Context, workspaceID string) ([]domain.Funnel, error) {
	funnels := make([]domain.Funnel, 0)
	for _, f := range m.funnels {
		if f.WorkspaceID == workspaceID {
			funnels = append(funnels, f)
		}
	}
	return funnels, nil
}

func (m *memBoard) DeleteFunnel(_ context.Context, funnelID string) error {
	if _, ok := m.funnels[funnelID]; !ok {
		return repository.ErrNotFound
	}
	delete(m.funnels, funnelID)
	return nil
}

func (m *memBoard) ListStages(_ context.Context, funnelID string) ([]domain.Stage, error) {
	stages := make([]domain.Stage, 0)
	for _, s := range m.stages {
		if s.FunnelID == funnelID {
			stages = append(stages, *s)
		}
	}
	sort.Slice(stages, func(i, j int) bool { return stages[i].Position < stages[j].Position })
	return stages, nil
}

func (m *memBoard) GetStageByID(_ context.Context, stageID string) (*domain.Stage, error) {
	s, ok := m.stages[stageID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *s
	return &copied, nil
}

func (m *memBoard) AppendStage(_ context.Context, stage *domain.Stage) error {
	if _, ok := m.funnels[stage.FunnelID]; !ok {
		return repository.ErrNotFound
	}
	max := 0
	for _, s := range m.stages {
		if s.FunnelID == stage.FunnelID && s.Position > max {
			max = s.Position
		}
	}
	stage.Position = max + 1
	copied := *stage
	m.stages[stage.ID] = &copied
	return nil
}

func (m *memBoard) DeleteStage(_ context.Context, funnelID, stageID string) error {
	s, ok := m.stages[stageID]
	if !ok || s.FunnelID != funnelID {
		return repository.ErrNotFound
	}
	delete(m.stages, stageID)
	return nil
}

func (m *memBoard) MoveStage(_ context.Context, funnelID, stageID string, newPosition int) (*domain.Stage, error) {
	if newPosition < 1 {
		return nil, repository.ErrInvalidArgument
	}
	target, ok := m.stages[stageID]
	if !ok || target.FunnelID != funnelID {
		return nil, repository.ErrNotFound
	}
	old := target.Position
	switch {
	case newPosition > old:
		for _, s := range m.stages {
			if s.FunnelID == funnelID && s.Position > old && s.Position <= newPosition {
				s.Position--
			}
		}
	case newPosition < old:
		for _, s := range m.stages {
			if s.FunnelID == funnelID && s.Position >= newPosition && s.Position < old {
				s.Position++
			}
		}
	}
	target.Position = newPosition
	copied := *target
	return &copied, nil
}

func (m *memBoard) CreateLead(context.Context, *domain.Lead) error    { return nil }
func (m *memBoard) CreateLeads(context.Context, []domain.Lead) error  { return nil }
func (m *memBoard) GetLeadByID(context.Context, string) (*domain.Lead, error) {
	return nil, repository.ErrNotFound
}
func (m *memBoard) ListLeadsByWorkspace(context.Context, string, int, int) ([]domain.Lead, error) {
	return nil, nil
}
func (m *memBoard) MoveLeadToStage(context.Context, string, string) error { return nil }
func (m *memBoard) DeleteLead(context.Context, string) error              { return nil }

func (m *memBoard) CountLeadsInStage(_ context.Context, stageID string) (int, error) {
	return m.leadCounts[stageID], nil
}

func newTestService(t *testing.T) (Service, *memBoard) {
	t.Helper()
	board := newMemBoard()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(board, board, board, nil, nil, log), board
}

func seedBoard(t *testing.T, board *memBoard, names ...string) []string {
	t.Helper()
	board.funnels["funil-1"] = domain.Funnel{ID: "funil-1", WorkspaceID: "ws-1", Name: "Vendas", Active: true}
	ids := make([]string, 0, len(names))
	for i, name := range names {
		id := "estagio-" + name
		board.stages[id] = &domain.Stage{
			ID:        id,
			FunnelID:  "funil-1",
			Name:      name,
			Position:  i + 1,
			CreatedAt: time.Now().UTC(),
		}
		ids = append(ids, id)
	}
	return ids
}

func boardOrder(t *testing.T, svc Service) []string {
	t.Helper()
	stages, err := svc.ListStages(context.Background(), "ws-1", "funil-1")
	if err != nil {
		t.Fatalf("list stages: %v", err)
	}
	names := make([]string, 0, len(stages))
	seen := make(map[int]bool)
	for i, s := range stages {
		if s.Position != i+1 {
			t.Fatalf("positions not dense: %s at %d, expected %d", s.Name, s.Position, i+1)
		}
		if seen[s.Position] {
			t.Fatalf("duplicate position %d", s.Position)
		}
		seen[s.Position] = true
		names = append(names, s.Name)
	}
	return names
}

func assertOrder(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %d stages, got %d (%v)", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order mismatch at %d: got %v, want %v", i, got, want)
		}
	}
}

func TestMoveStageToFront(t *testing.T) {
	svc, board := newTestService(t)
	ids := seedBoard(t, board, "A", "B", "C", "D")

	stage, err := svc.MoveStage(context.Background(), "ws-1", "funil-1", ids[2], 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stage.Position != 1 {
		t.Fatalf("expected moved stage at position 1, got %d", stage.Position)
	}
	assertOrder(t, boardOrder(t, svc), []string{"C", "A", "B", "D"})
}

func TestMoveStageToBack(t *testing.T) {
	svc, board := newTestService(t)
	seedBoard(t, board, "C", "A", "B", "D")

	if _, err := svc.MoveStage(context.Background(), "ws-1", "funil-1", "estagio-A", 4); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertOrder(t, boardOrder(t, svc), []string{"C", "B", "D", "A"})
}

func TestMoveStageNoop(t *testing.T) {
	svc, board := newTestService(t)
	ids := seedBoard(t, board, "A", "B", "C")

	stage, err := svc.MoveStage(context.Background(), "ws-1", "funil-1", ids[1], 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stage.Position != 2 {
		t.Fatalf("expected unchanged position 2, got %d", stage.Position)
	}
	assertOrder(t, boardOrder(t, svc), []string{"A", "B", "C"})
}

func TestAppendThenMoveRoundTrip(t *testing.T) {
	svc, board := newTestService(t)
	seedBoard(t, board, "A", "B", "C")

	stage, err := svc.AppendStage(context.Background(), "ws-1", "funil-1", "Novo", "#ff0000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stage.Position != 4 {
		t.Fatalf("expected appended stage at position 4, got %d", stage.Position)
	}

	if _, err := svc.MoveStage(context.Background(), "ws-1", "funil-1", stage.ID, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertOrder(t, boardOrder(t, svc), []string{"Novo", "A", "B", "C"})

	if _, err := svc.MoveStage(context.Background(), "ws-1", "funil-1", stage.ID, 4); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertOrder(t, boardOrder(t, svc), []string{"A", "B", "C", "Novo"})
}

func TestMoveStageRejectsOutOfRange(t *testing.T) {
	svc, board := newTestService(t)
	ids := seedBoard(t, board, "A", "B", "C")

	for _, position := range []int{0, -2, 4, 10} {
		if _, err := svc.MoveStage(context.Background(), "ws-1", "funil-1", ids[0], position); !errors.Is(err, ErrInvalidPosition) {
			t.Fatalf("MoveStage to %d: expected ErrInvalidPosition, got %v", position, err)
		}
	}
	assertOrder(t, boardOrder(t, svc), []string{"A", "B", "C"})
}

func TestMoveStageIntoGapTopPosition(t *testing.T) {
	svc, board := newTestService(t)
	ids := seedBoard(t, board, "A", "B", "C", "D")

	if err := svc.RemoveStage(context.Background(), "ws-1", "funil-1", ids[2]); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Occupied positions are now {1, 2, 4}; the top slot past the gap must
	// still be a valid move target even though only 3 stages remain.
	stage, err := svc.MoveStage(context.Background(), "ws-1", "funil-1", ids[0], 4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stage.Position != 4 {
		t.Fatalf("expected position 4, got %d", stage.Position)
	}

	stages, err := svc.ListStages(context.Background(), "ws-1", "funil-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	names := make([]string, 0, len(stages))
	positions := make([]int, 0, len(stages))
	for _, s := range stages {
		names = append(names, s.Name)
		positions = append(positions, s.Position)
	}
	assertOrder(t, names, []string{"B", "D", "A"})
	for i, want := range []int{1, 3, 4} {
		if positions[i] != want {
			t.Fatalf("expected positions [1 3 4], got %v", positions)
		}
	}

	// Past the highest occupied position is still out of range.
	if _, err := svc.MoveStage(context.Background(), "ws-1", "funil-1", ids[1], 5); !errors.Is(err, ErrInvalidPosition) {
		t.Fatalf("expected ErrInvalidPosition past the top slot, got %v", err)
	}
}

func TestMoveStageUnknownStage(t *testing.T) {
	svc, board := newTestService(t)
	seedBoard(t, board, "A", "B")

	if _, err := svc.MoveStage(context.Background(), "ws-1", "funil-1", "estagio-X", 1); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMoveStageHidesForeignFunnel(t *testing.T) {
	svc, board := newTestService(t)
	ids := seedBoard(t, board, "A", "B")

	if _, err := svc.MoveStage(context.Background(), "ws-2", "funil-1", ids[0], 1); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign workspace, got %v", err)
	}
}

func TestRemoveStageBlockedByLeads(t *testing.T) {
	svc, board := newTestService(t)
	ids := seedBoard(t, board, "A", "B", "C")
	board.leadCounts[ids[1]] = 3

	if err := svc.RemoveStage(context.Background(), "ws-1", "funil-1", ids[1]); !errors.Is(err, ErrStageHasLeads) {
		t.Fatalf("expected ErrStageHasLeads, got %v", err)
	}
	if _, ok := board.stages[ids[1]]; !ok {
		t.Fatalf("stage deleted despite attached leads")
	}
}

func TestRemoveStageLeavesGap(t *testing.T) {
	svc, board := newTestService(t)
	ids := seedBoard(t, board, "A", "B", "C")

	if err := svc.RemoveStage(context.Background(), "ws-1", "funil-1", ids[1]); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stages, err := svc.ListStages(context.Background(), "ws-1", "funil-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stages) != 2 {
		t.Fatalf("expected 2 stages, got %d", len(stages))
	}
	// No renumbering on delete: A stays at 1, C stays at 3.
	if stages[0].Position != 1 || stages[1].Position != 3 {
		t.Fatalf("expected positions [1 3], got [%d %d]", stages[0].Position, stages[1].Position)
	}
}

func TestAppendStageRequiresName(t *testing.T) {
	svc, board := newTestService(t)
	seedBoard(t, board, "A")

	if _, err := svc.AppendStage(context.Background(), "ws-1", "funil-1", "  ", ""); !errors.Is(err, errInvalidStageName) {
		t.Fatalf("expected errInvalidStageName, got %v", err)
	}
}

func TestCreateFunnelRequiresName(t *testing.T) {
	svc, _ := newTestService(t)

	if _, err := svc.CreateFunnel(context.Background(), "ws-1", " ", ""); !errors.Is(err, errInvalidFunnelName) {
		t.Fatalf("expected errInvalidFunnelName, got %v", err)
	}
}
