package quota

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/dnxplataformas/crm-api/internal/domain"
	"github.com/dnxplataformas/crm-api/internal/repository"
)

// memQuotaRepo mimics the store's conditional-update semantics: the
// check-then-increment is atomic under the mutex, exactly one of two racing
// consumers of the last unit can win.
type memQuotaRepo struct {
	mu       sync.Mutex
	limit    map[domain.ResourceKind]int
	consumed map[domain.ResourceKind]int
	failWith error
}

func newMemQuotaRepo(leadsLimit, leadsConsumed, consultasLimit, consultasConsumed int) *memQuotaRepo {
	return &memQuotaRepo{
		limit: map[domain.ResourceKind]int{
			domain.ResourceLeads:     leadsLimit,
			domain.ResourceConsultas: consultasLimit,
		},
		consumed: map[domain.ResourceKind]int{
			domain.ResourceLeads:     leadsConsumed,
			domain.ResourceConsultas: consultasConsumed,
		},
	}
}

func (m *memQuotaRepo) GetQuota(_ context.Context, _ string, kind domain.ResourceKind) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return 0, 0, m.failWith
	}
	return m.limit[kind], m.consumed[kind], nil
}

func (m *memQuotaRepo) ConsumeQuota(_ context.Context, _ string, kind domain.ResourceKind, quantity int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return 0, m.failWith
	}
	if m.consumed[kind]+quantity > m.limit[kind] {
		return 0, repository.ErrQuotaExceeded
	}
	m.consumed[kind] += quantity
	return m.consumed[kind], nil
}

func (m *memQuotaRepo) ResetQuota(_ context.Context, _ string, kind domain.ResourceKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consumed[kind] = 0
	return nil
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestConsumeRejectedWhenBalanceInsufficient(t *testing.T) {
	repo := newMemQuotaRepo(1000, 950, 0, 0)
	ledger := New(repo, newLogger())

	if _, err := ledger.Consume(context.Background(), "ws-1", domain.ResourceLeads, 100); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	if repo.consumed[domain.ResourceLeads] != 950 {
		t.Fatalf("consumed mutated on rejected consume: %d", repo.consumed[domain.ResourceLeads])
	}
}

func TestConsumeToExactLimit(t *testing.T) {
	repo := newMemQuotaRepo(1000, 950, 0, 0)
	ledger := New(repo, newLogger())

	consumed, err := ledger.Consume(context.Background(), "ws-1", domain.ResourceLeads, 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if consumed != 1000 {
		t.Fatalf("expected consumed total 1000, got %d", consumed)
	}
	ok, err := ledger.HasAvailable(context.Background(), "ws-1", domain.ResourceLeads, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected no availability after reaching limit")
	}
}

func TestConcurrentConsumeOfLastUnit(t *testing.T) {
	repo := newMemQuotaRepo(10, 9, 0, 0)
	ledger := New(repo, newLogger())

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		rejected  int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.Consume(context.Background(), "ws-1", domain.ResourceLeads, 1)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrQuotaExceeded):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successes != 1 || rejected != 1 {
		t.Fatalf("expected exactly one winner, got %d successes and %d rejections", successes, rejected)
	}
	if repo.consumed[domain.ResourceLeads] != 10 {
		t.Fatalf("expected consumed 10, got %d", repo.consumed[domain.ResourceLeads])
	}
}

func TestConcurrentConsumeNeverOvershoots(t *testing.T) {
	const workers = 16
	repo := newMemQuotaRepo(100, 0, 0, 0)
	ledger := New(repo, newLogger())

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_, err := ledger.Consume(context.Background(), "ws-1", domain.ResourceLeads, 1)
				if err != nil && !errors.Is(err, ErrQuotaExceeded) {
					t.Errorf("unexpected error: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if got := repo.consumed[domain.ResourceLeads]; got != 100 {
		t.Fatalf("expected consumed to land exactly on the limit, got %d", got)
	}
}

func TestBalanceIsIdempotentWithoutConsume(t *testing.T) {
	repo := newMemQuotaRepo(100, 30, 0, 0)
	ledger := New(repo, newLogger())

	first, err := ledger.Balance(context.Background(), "ws-1", domain.ResourceLeads)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := ledger.Balance(context.Background(), "ws-1", domain.ResourceLeads)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if again != first {
			t.Fatalf("balance changed without consume: %d vs %d", again, first)
		}
	}
	if first != 70 {
		t.Fatalf("expected balance 70, got %d", first)
	}
}

func TestHasAvailableMatchesBalance(t *testing.T) {
	repo := newMemQuotaRepo(10, 4, 0, 0)
	ledger := New(repo, newLogger())

	for q := 1; q <= 10; q++ {
		ok, err := ledger.HasAvailable(context.Background(), "ws-1", domain.ResourceLeads, q)
		if err != nil {
			t.Fatalf("unexpected error for q=%d: %v", q, err)
		}
		if want := q <= 6; ok != want {
			t.Fatalf("HasAvailable(%d) = %v, want %v", q, ok, want)
		}
	}
}

func TestConsumeRejectsNonPositiveQuantity(t *testing.T) {
	ledger := New(newMemQuotaRepo(10, 0, 0, 0), newLogger())

	for _, q := range []int{0, -1, -50} {
		if _, err := ledger.Consume(context.Background(), "ws-1", domain.ResourceLeads, q); !errors.Is(err, ErrInvalidQuantity) {
			t.Fatalf("Consume(%d): expected ErrInvalidQuantity, got %v", q, err)
		}
		if _, err := ledger.HasAvailable(context.Background(), "ws-1", domain.ResourceLeads, q); !errors.Is(err, ErrInvalidQuantity) {
			t.Fatalf("HasAvailable(%d): expected ErrInvalidQuantity, got %v", q, err)
		}
	}
}

func TestZeroLimitBlocksConsumption(t *testing.T) {
	ledger := New(newMemQuotaRepo(0, 0, 0, 0), newLogger())

	if _, err := ledger.Consume(context.Background(), "ws-1", domain.ResourceLeads, 1); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded for zero limit, got %v", err)
	}
}

func TestResetRestoresCapacity(t *testing.T) {
	repo := newMemQuotaRepo(5, 5, 0, 0)
	ledger := New(repo, newLogger())

	if err := ledger.Reset(context.Background(), "ws-1", domain.ResourceLeads); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	balance, err := ledger.Balance(context.Background(), "ws-1", domain.ResourceLeads)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if balance != 5 {
		t.Fatalf("expected balance 5 after reset, got %d", balance)
	}
}

func TestStoreFailurePropagates(t *testing.T) {
	repo := newMemQuotaRepo(10, 0, 0, 0)
	storeErr := errors.New("connection refused")
	repo.failWith = storeErr
	ledger := New(repo, newLogger())

	if _, err := ledger.Consume(context.Background(), "ws-1", domain.ResourceLeads, 1); !errors.Is(err, storeErr) {
		t.Fatalf("expected store error, got %v", err)
	}
}
