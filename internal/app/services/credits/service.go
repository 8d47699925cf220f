// Package credits manages per-user fitting credit balances.
//
// Debits follow a two-phase pattern: Reserve atomically holds the amount,
// then the reservation is either Finalized (service delivered) or Released
// (refunded). Release is idempotent so retried cleanup never double-refunds.
package credits

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stylelab/fitting-service/internal/app/domain/credit"
	"github.com/stylelab/fitting-service/internal/app/storage"
	"github.com/stylelab/fitting-service/pkg/logger"
)

// ErrInsufficientCredits mirrors the storage sentinel for callers of this
// package.
var ErrInsufficientCredits = storage.ErrInsufficientCredits

// ErrUnknownReservation is returned by Finalize for a token that was never
// issued or was already released.
var ErrUnknownReservation = errors.New("unknown reservation token")

// Service implements the credit ledger.
type Service struct {
	store       storage.CreditStore
	log         *logger.Logger
	signupBonus int64

	mu           sync.Mutex
	reservations map[string]*credit.Reservation
}

// New constructs the ledger service. signupBonus credits are granted when an
// account is touched for the first time.
func New(store storage.CreditStore, log *logger.Logger, signupBonus int64) *Service {
	if log == nil {
		log = logger.NewDefault("credits")
	}
	return &Service{
		store:        store,
		log:          log,
		signupBonus:  signupBonus,
		reservations: make(map[string]*credit.Reservation),
	}
}

// Ensure lazily creates the account and applies the signup bonus on first
// touch. The second return value reports whether the bonus was just granted
// so the caller can record it.
func (s *Service) Ensure(ctx context.Context, userID string) (credit.Account, bool, error) {
	acct, created, err := s.store.EnsureAccount(ctx, userID)
	if err != nil {
		return credit.Account{}, false, fmt.Errorf("ensure account: %w", err)
	}
	if !created || s.signupBonus <= 0 {
		return acct, false, nil
	}

	granted, err := s.store.GrantAccount(ctx, userID, s.signupBonus)
	if err != nil {
		return acct, false, fmt.Errorf("grant signup bonus: %w", err)
	}
	s.log.Infof("granted signup bonus of %d credits to %s", s.signupBonus, userID)
	return granted, true, nil
}

// Balance returns the account, creating it lazily; an unknown user therefore
// never surfaces as an error.
func (s *Service) Balance(ctx context.Context, userID string) (credit.Account, error) {
	acct, _, err := s.Ensure(ctx, userID)
	return acct, err
}

// Reserve atomically holds amount credits and returns a token that must be
// released or finalized exactly once.
func (s *Service) Reserve(ctx context.Context, userID string, amount int64) (string, error) {
	if amount <= 0 {
		return "", fmt.Errorf("reserve amount must be positive, got %d", amount)
	}
	if _, _, err := s.Ensure(ctx, userID); err != nil {
		return "", err
	}

	if _, err := s.store.DebitAccount(ctx, userID, amount); err != nil {
		return "", err
	}

	res := &credit.Reservation{
		Token:     uuid.NewString(),
		UserID:    userID,
		Amount:    amount,
		Status:    credit.ReservationPending,
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	s.reservations[res.Token] = res
	s.mu.Unlock()

	return res.Token, nil
}

// Release refunds a pending reservation. It is idempotent: an unknown or
// already-closed token is a no-op, not an error, so retried cleanup after a
// cancelled call never double-refunds.
func (s *Service) Release(ctx context.Context, token string) error {
	s.mu.Lock()
	res, ok := s.reservations[token]
	if !ok || res.Status != credit.ReservationPending {
		s.mu.Unlock()
		return nil
	}
	res.Status = credit.ReservationReleased
	res.ClosedAt = time.Now().UTC()
	s.mu.Unlock()

	if _, err := s.store.RefundAccount(ctx, res.UserID, res.Amount); err != nil {
		// Put the hold back so a retried cleanup can release it again.
		s.mu.Lock()
		res.Status = credit.ReservationPending
		res.ClosedAt = time.Time{}
		s.mu.Unlock()
		return fmt.Errorf("refund reservation: %w", err)
	}

	s.mu.Lock()
	delete(s.reservations, token)
	s.mu.Unlock()
	return nil
}

// Finalize converts a pending reservation into a permanent debit. The
// balance was already decremented at Reserve time, so this only marks the
// hold consumed.
func (s *Service) Finalize(ctx context.Context, token string) error {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.reservations[token]
	if !ok {
		return ErrUnknownReservation
	}
	if res.Status != credit.ReservationPending {
		return fmt.Errorf("reservation already %s", res.Status)
	}
	res.Status = credit.ReservationFinalized
	res.ClosedAt = time.Now().UTC()
	delete(s.reservations, token)
	return nil
}

// Grant credits the account for a purchase, bonus or manual adjustment.
func (s *Service) Grant(ctx context.Context, userID string, amount int64, reason credit.GrantReason) (credit.Account, error) {
	if amount <= 0 {
		return credit.Account{}, fmt.Errorf("grant amount must be positive, got %d", amount)
	}
	if _, _, err := s.Ensure(ctx, userID); err != nil {
		return credit.Account{}, err
	}

	acct, err := s.store.GrantAccount(ctx, userID, amount)
	if err != nil {
		return credit.Account{}, fmt.Errorf("grant credits: %w", err)
	}
	s.log.Infof("granted %d credits to %s (%s)", amount, userID, reason)
	return acct, nil
}

// Adjust applies an administrative balance change.
func (s *Service) Adjust(ctx context.Context, userID string, amount int64, mode credit.AdjustMode) (credit.Account, error) {
	acct, _, err := s.Ensure(ctx, userID)
	if err != nil {
		return credit.Account{}, err
	}

	var delta int64
	switch mode {
	case credit.AdjustSet:
		if amount < 0 {
			return credit.Account{}, fmt.Errorf("cannot set balance below zero")
		}
		delta = amount - acct.Balance
	case credit.AdjustAdd:
		delta = amount
	case credit.AdjustSubtract:
		delta = -amount
	default:
		return credit.Account{}, fmt.Errorf("unknown adjust mode %q", mode)
	}

	if delta == 0 {
		return acct, nil
	}

	updated, err := s.store.GrantAccount(ctx, userID, delta)
	if err != nil {
		return credit.Account{}, fmt.Errorf("adjust credits: %w", err)
	}
	s.log.Infof("adjusted credits for %s: mode=%s amount=%d balance=%d", userID, mode, amount, updated.Balance)
	return updated, nil
}

// Analytics aggregates credit movement across all accounts.
func (s *Service) Analytics(ctx context.Context) (credit.Analytics, error) {
	return s.store.CreditAnalytics(ctx)
}
