package credits

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tiagomennab/ensaio-fotos-sub004/internal/domain"
)

// Ledger exposes the credit accounting operations. Balances are never written
// directly: every change goes through a transaction row, and the cached
// balance moves in the same database transaction as that row.
type Ledger struct {
	repo   domain.LedgerRepository
	logger zerolog.Logger
}

// NewLedger wires a Ledger over its repository.
func NewLedger(repo domain.LedgerRepository, logger zerolog.Logger) *Ledger {
	return &Ledger{repo: repo, logger: logger}
}

// Debit reserves amount credits for a job. Called once per job, before
// submission to the provider.
func (l *Ledger) Debit(ctx context.Context, ownerID, jobID string, amount int) error {
	if amount <= 0 {
		return fmt.Errorf("credits: debit amount must be positive, got %d", amount)
	}
	if err := l.repo.Debit(ctx, ownerID, jobID, amount, "job reservation"); err != nil {
		return fmt.Errorf("credits: debit: %w", err)
	}
	return nil
}

// Refund returns a job's reserved credits. Idempotent: when a refund row for
// the job already exists the call logs a warning and no-ops, so the webhook
// path and the sweeper path can both observe the same failure without double
// crediting.
func (l *Ledger) Refund(ctx context.Context, ownerID, jobID string, amount int) error {
	if amount <= 0 {
		return fmt.Errorf("credits: refund amount must be positive, got %d", amount)
	}
	wrote, err := l.repo.Refund(ctx, ownerID, jobID, amount, "job refund")
	if err != nil {
		return fmt.Errorf("credits: refund: %w", err)
	}
	if !wrote {
		l.logger.Warn().Str("job_id", jobID).Str("user_id", ownerID).Msg("credits: refund already recorded, skipping")
	}
	return nil
}

// Balance returns the owner's current credit balance.
func (l *Ledger) Balance(ctx context.Context, ownerID string) (int, error) {
	return l.repo.Balance(ctx, ownerID)
}

// History lists the owner's most recent ledger entries, newest first.
func (l *Ledger) History(ctx context.Context, ownerID string, limit int) ([]domain.CreditTransaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return l.repo.ListByOwner(ctx, ownerID, limit)
}
