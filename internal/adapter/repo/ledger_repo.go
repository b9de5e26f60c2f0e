package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tiagomennab/ensaio-fotos-sub004/internal/domain"
)

// LedgerRepositoryPG implements domain.LedgerRepository over PostgreSQL. The
// cached balance row moves in the same transaction as every ledger insert;
// nothing else writes credit_balances.
type LedgerRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewLedgerRepository creates a ledger repository backed by PostgreSQL.
func NewLedgerRepository(pool *pgxpool.Pool) *LedgerRepositoryPG {
	return &LedgerRepositoryPG{pool: pool}
}

// Debit appends a debit transaction and decrements the cached balance
// atomically. Fails with ErrInsufficientCredits when the balance cannot cover
// the amount and with ErrDuplicateOperation when the job already has a debit.
func (r *LedgerRepositoryPG) Debit(ctx context.Context, ownerID, jobID string, amount int, reason string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := debitTx(ctx, tx, ownerID, jobID, amount, reason); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Refund appends a credit transaction and increments the cached balance,
// unless a refund for the job already exists. Reports whether this call wrote
// the refund.
func (r *LedgerRepositoryPG) Refund(ctx context.Context, ownerID, jobID string, amount int, reason string) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	wrote, err := refundTx(ctx, tx, ownerID, jobID, amount, reason)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return wrote, nil
}

// HasRefund reports whether a refund transaction exists for the job.
func (r *LedgerRepositoryPG) HasRefund(ctx context.Context, jobID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
SELECT EXISTS (SELECT 1 FROM credit_transactions WHERE job_id = $1 AND kind = $2);
`, jobID, domain.CreditTransactionCredit).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check refund: %w", err)
	}
	return exists, nil
}

// Balance returns the owner's cached balance; owners with no ledger activity
// have balance zero.
func (r *LedgerRepositoryPG) Balance(ctx context.Context, ownerID string) (int, error) {
	var balance int
	err := r.pool.QueryRow(ctx, `
SELECT balance FROM credit_balances WHERE owner_id = $1;
`, ownerID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

// ListByOwner returns the owner's most recent transactions, newest first.
func (r *LedgerRepositoryPG) ListByOwner(ctx context.Context, ownerID string, limit int) ([]domain.CreditTransaction, error) {
	rows, err := r.pool.Query(ctx, `
SELECT id, owner_id, COALESCE(job_id::text, ''), kind, amount, reason, created_at
FROM credit_transactions
WHERE owner_id = $1
ORDER BY created_at DESC
LIMIT $2;
`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var txs []domain.CreditTransaction
	for rows.Next() {
		var t domain.CreditTransaction
		if err := rows.Scan(&t.ID, &t.OwnerID, &t.JobID, &t.Kind, &t.Amount, &t.Reason, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// debitTx writes a debit inside an existing transaction: balance check and
// decrement, then the ledger row. Shared with job creation so the job insert
// and its debit commit together.
func debitTx(ctx context.Context, tx pgx.Tx, ownerID, jobID string, amount int, reason string) error {
	if _, err := tx.Exec(ctx, `
INSERT INTO credit_balances (owner_id, balance) VALUES ($1, 0)
ON CONFLICT (owner_id) DO NOTHING;
`, ownerID); err != nil {
		return fmt.Errorf("ensure balance row: %w", err)
	}

	tag, err := tx.Exec(ctx, `
UPDATE credit_balances SET balance = balance - $2
WHERE owner_id = $1 AND balance >= $2;
`, ownerID, amount)
	if err != nil {
		return fmt.Errorf("decrement balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrInsufficientCredits
	}

	_, err = tx.Exec(ctx, `
INSERT INTO credit_transactions (id, owner_id, job_id, kind, amount, reason)
VALUES ($1, $2, $3, $4, $5, $6);
`, uuid.NewString(), ownerID, jobID, domain.CreditTransactionDebit, amount, reason)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicateOperation
		}
		return fmt.Errorf("insert debit: %w", err)
	}
	return nil
}

// refundTx writes a refund inside an existing transaction. The insert is
// guarded by refund absence for the job; the balance only moves when the
// insert actually happened.
func refundTx(ctx context.Context, tx pgx.Tx, ownerID, jobID string, amount int, reason string) (bool, error) {
	if _, err := tx.Exec(ctx, `
INSERT INTO credit_balances (owner_id, balance) VALUES ($1, 0)
ON CONFLICT (owner_id) DO NOTHING;
`, ownerID); err != nil {
		return false, fmt.Errorf("ensure balance row: %w", err)
	}

	tag, err := tx.Exec(ctx, `
INSERT INTO credit_transactions (id, owner_id, job_id, kind, amount, reason)
SELECT $1, $2, $3, $4, $5, $6
WHERE NOT EXISTS (
    SELECT 1 FROM credit_transactions WHERE job_id = $3 AND kind = $4
);
`, uuid.NewString(), ownerID, jobID, domain.CreditTransactionCredit, amount, reason)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("insert refund: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if _, err := tx.Exec(ctx, `
UPDATE credit_balances SET balance = balance + $2 WHERE owner_id = $1;
`, ownerID, amount); err != nil {
		return false, fmt.Errorf("increment balance: %w", err)
	}
	return true, nil
}

// isUniqueViolation checks for a unique constraint violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

var _ domain.LedgerRepository = (*LedgerRepositoryPG)(nil)
