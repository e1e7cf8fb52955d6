package quota

import (
	"context"
	"errors"

	"log/slog"

	"github.com/dnxplataformas/crm-api/internal/domain"
	"github.com/dnxplataformas/crm-api/internal/repository"
)

// Ledger tracks per-workspace consumption against monthly limits and records
// consumption atomically. Serialization of the check-then-increment happens in
// the store (a conditional UPDATE), so the ledger is safe to use from several
// API replicas at once.
type Ledger struct {
	repo   repository.QuotaRepository
	logger *slog.Logger
}

// New constructs a Ledger.
func New(repo repository.QuotaRepository, logger *slog.Logger) Ledger {
	return Ledger{repo: repo, logger: logger}
}

var (
	// ErrInvalidQuantity rejects non-positive consumption requests.
	ErrInvalidQuantity = errors.New("quantity must be a positive integer")
	// ErrInvalidKind rejects unknown resource kinds.
	ErrInvalidKind = errors.New("unknown resource kind")
	// ErrQuotaExceeded signals insufficient balance; nothing was consumed.
	ErrQuotaExceeded = errors.New("quota exceeded")
)

// Balance returns limit minus consumed for the given kind. The result can be
// negative or zero; callers must treat anything <= 0 as no capacity.
func (l Ledger) Balance(ctx context.Context, workspaceID string, kind domain.ResourceKind) (int, error) {
	if !kind.Valid() {
		return 0, ErrInvalidKind
	}
	limit, consumed, err := l.repo.GetQuota(ctx, workspaceID, kind)
	if err != nil {
		return 0, err
	}
	return limit - consumed, nil
}

// HasAvailable reports whether the workspace can consume quantity units.
func (l Ledger) HasAvailable(ctx context.Context, workspaceID string, kind domain.ResourceKind, quantity int) (bool, error) {
	if quantity <= 0 {
		return false, ErrInvalidQuantity
	}
	balance, err := l.Balance(ctx, workspaceID, kind)
	if err != nil {
		return false, err
	}
	return balance >= quantity, nil
}

// Consume records quantity units against the workspace balance. On success it
// returns the authoritative post-write consumed total straight from the store
// write, never from a second read. On ErrQuotaExceeded no state was mutated.
func (l Ledger) Consume(ctx context.Context, workspaceID string, kind domain.ResourceKind, quantity int) (int, error) {
	if quantity <= 0 {
		return 0, ErrInvalidQuantity
	}
	if !kind.Valid() {
		return 0, ErrInvalidKind
	}
	consumed, err := l.repo.ConsumeQuota(ctx, workspaceID, kind, quantity)
	if err != nil {
		if errors.Is(err, repository.ErrQuotaExceeded) {
			return 0, ErrQuotaExceeded
		}
		return 0, err
	}
	l.logger.Info("quota consumed",
		"workspace_id", workspaceID,
		"kind", string(kind),
		"quantity", quantity,
		"consumed", consumed,
	)
	return consumed, nil
}

// Reset zeroes the consumed counter for the kind. Invoked by the monthly
// billing-cycle job, not by request handlers.
func (l Ledger) Reset(ctx context.Context, workspaceID string, kind domain.ResourceKind) error {
	if !kind.Valid() {
		return ErrInvalidKind
	}
	if err := l.repo.ResetQuota(ctx, workspaceID, kind); err != nil {
		return err
	}
	l.logger.Info("quota reset", "workspace_id", workspaceID, "kind", string(kind))
	return nil
}
