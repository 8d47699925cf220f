package credit

import "time"

// Account tracks a user's fitting credit balance. Accounts are created lazily
// on first touch and are never hard-deleted; the totals preserve purchase
// history for analytics.
//
// Invariant: Balance == TotalPurchased - TotalUsed after every committed
// transition, and Balance never goes negative.
type Account struct {
	UserID         string    `json:"user_id"`
	Balance        int64     `json:"balance"`
	TotalPurchased int64     `json:"total_purchased"`
	TotalUsed      int64     `json:"total_used"`
	LastActivity   time.Time `json:"last_activity,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ReservationStatus is the lifecycle state of a credit hold.
type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "pending"
	ReservationReleased  ReservationStatus = "released"
	ReservationFinalized ReservationStatus = "finalized"
)

// Reservation is a provisional, reversible hold on credits during an
// in-flight request. Release and Finalize each transition it exactly once;
// a second Release is a no-op.
type Reservation struct {
	Token     string
	UserID    string
	Amount    int64
	Status    ReservationStatus
	CreatedAt time.Time
	ClosedAt  time.Time
}

// GrantReason explains why credits were added to an account.
type GrantReason string

const (
	GrantSignupBonus GrantReason = "signup_bonus"
	GrantPurchase    GrantReason = "purchase"
	GrantAdjustment  GrantReason = "adjustment"
)

// AdjustMode selects how an administrative adjustment is applied.
type AdjustMode string

const (
	AdjustSet      AdjustMode = "set"
	AdjustAdd      AdjustMode = "add"
	AdjustSubtract AdjustMode = "subtract"
)

// Analytics aggregates credit movement across all accounts.
type Analytics struct {
	TotalAccounts  int64     `json:"total_accounts"`
	TotalPurchased int64     `json:"total_purchased"`
	TotalUsed      int64     `json:"total_used"`
	TotalBalance   int64     `json:"total_balance"`
	GeneratedAt    time.Time `json:"generated_at"`
}
