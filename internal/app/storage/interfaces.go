package storage

import (
	"context"
	"errors"
	"time"

	"github.com/stylelab/fitting-service/internal/app/domain/activity"
	"github.com/stylelab/fitting-service/internal/app/domain/credit"
)

// ErrInsufficientCredits is returned by DebitAccount when the balance cannot
// cover the requested amount. Partial debits are never applied.
var ErrInsufficientCredits = errors.New("insufficient credits")

// ErrAccountNotFound is returned when a credit account does not exist yet.
var ErrAccountNotFound = errors.New("credit account not found")

// CreditStore persists credit accounts. Balance transitions must be atomic:
// two concurrent debits against the same account must never both succeed when
// only one amount remains.
type CreditStore interface {
	// EnsureAccount creates a zero-balance account on first touch. The
	// second return value reports whether the account was just created.
	EnsureAccount(ctx context.Context, userID string) (credit.Account, bool, error)
	GetAccount(ctx context.Context, userID string) (credit.Account, error)

	// DebitAccount atomically checks balance >= amount, subtracts it and
	// adds it to total_used.
	DebitAccount(ctx context.Context, userID string, amount int64) (credit.Account, error)
	// RefundAccount reverses a debit: balance += amount, total_used -= amount.
	RefundAccount(ctx context.Context, userID string, amount int64) (credit.Account, error)
	// GrantAccount adds purchased credits: balance += amount,
	// total_purchased += amount. A negative amount removes purchased credits
	// and fails rather than driving the balance negative.
	GrantAccount(ctx context.Context, userID string, amount int64) (credit.Account, error)

	CreditAnalytics(ctx context.Context) (credit.Analytics, error)
}

// ActivityStore persists the append-only activity log. AppendEntry assigns a
// strictly increasing id and stamps CreatedAt from the store clock,
// discarding any caller-supplied values. Entries are never mutated or deleted
// by normal operation.
type ActivityStore interface {
	AppendEntry(ctx context.Context, entry activity.Entry) (activity.Entry, error)
	QueryEntries(ctx context.Context, filter activity.Filter) (activity.Page, error)
	ActivityStats(ctx context.Context, windowDays int) (activity.Stats, error)

	// RepairZeroTimestamps backfills entries bearing a sentinel zero
	// timestamp inherited from a prior defect. One-time maintenance, not a
	// steady-state code path.
	RepairZeroTimestamps(ctx context.Context, fallback time.Time) (int64, error)
}
