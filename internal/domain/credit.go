package domain

import "time"

// CreditTransactionKind enumerates ledger entry directions.
type CreditTransactionKind string

const (
	CreditTransactionDebit  CreditTransactionKind = "debit"
	CreditTransactionCredit CreditTransactionKind = "credit"
)

// CreditTransaction is one append-only ledger row. A user's balance is the
// signed sum of their transactions; the cached balance row is updated in the
// same database transaction as every ledger insert and never mutated
// elsewhere.
type CreditTransaction struct {
	ID        string
	OwnerID   string
	JobID     string // empty for non-job transactions (top-ups, grants)
	Kind      CreditTransactionKind
	Amount    int
	Reason    string
	CreatedAt time.Time
}
