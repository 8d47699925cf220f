// Package memory provides a thread-safe in-memory implementation of the
// storage interfaces. It is intended for tests and prototyping and
// deliberately keeps the implementation simple.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/stylelab/fitting-service/internal/app/domain/activity"
	"github.com/stylelab/fitting-service/internal/app/domain/credit"
	"github.com/stylelab/fitting-service/internal/app/storage"
)

// Store implements storage.CreditStore and storage.ActivityStore in memory.
type Store struct {
	mu       sync.RWMutex
	nextID   int64
	accounts map[string]credit.Account
	entries  []activity.Entry
}

var _ storage.CreditStore = (*Store)(nil)
var _ storage.ActivityStore = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		nextID:   1,
		accounts: make(map[string]credit.Account),
	}
}

// CreditStore implementation ---------------------------------------------------

func (s *Store) EnsureAccount(_ context.Context, userID string) (credit.Account, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if acct, ok := s.accounts[userID]; ok {
		return acct, false, nil
	}

	now := time.Now().UTC()
	acct := credit.Account{
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.accounts[userID] = acct
	return acct, true, nil
}

func (s *Store) GetAccount(_ context.Context, userID string) (credit.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[userID]
	if !ok {
		return credit.Account{}, storage.ErrAccountNotFound
	}
	return acct, nil
}

func (s *Store) DebitAccount(_ context.Context, userID string, amount int64) (credit.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[userID]
	if !ok {
		return credit.Account{}, storage.ErrAccountNotFound
	}
	if acct.Balance < amount {
		return credit.Account{}, storage.ErrInsufficientCredits
	}

	now := time.Now().UTC()
	acct.Balance -= amount
	acct.TotalUsed += amount
	acct.LastActivity = now
	acct.UpdatedAt = now
	s.accounts[userID] = acct
	return acct, nil
}

func (s *Store) RefundAccount(_ context.Context, userID string, amount int64) (credit.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[userID]
	if !ok {
		return credit.Account{}, storage.ErrAccountNotFound
	}

	now := time.Now().UTC()
	acct.Balance += amount
	acct.TotalUsed -= amount
	if acct.TotalUsed < 0 {
		acct.TotalUsed = 0
	}
	acct.LastActivity = now
	acct.UpdatedAt = now
	s.accounts[userID] = acct
	return acct, nil
}

func (s *Store) GrantAccount(_ context.Context, userID string, amount int64) (credit.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[userID]
	if !ok {
		return credit.Account{}, storage.ErrAccountNotFound
	}
	if acct.Balance+amount < 0 {
		return credit.Account{}, storage.ErrInsufficientCredits
	}

	now := time.Now().UTC()
	acct.Balance += amount
	acct.TotalPurchased += amount
	acct.LastActivity = now
	acct.UpdatedAt = now
	s.accounts[userID] = acct
	return acct, nil
}

func (s *Store) CreditAnalytics(_ context.Context) (credit.Analytics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := credit.Analytics{GeneratedAt: time.Now().UTC()}
	for _, acct := range s.accounts {
		out.TotalAccounts++
		out.TotalPurchased += acct.TotalPurchased
		out.TotalUsed += acct.TotalUsed
		out.TotalBalance += acct.Balance
	}
	return out, nil
}

// ActivityStore implementation -------------------------------------------------

func (s *Store) AppendEntry(_ context.Context, entry activity.Entry) (activity.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry.ID = s.nextID
	s.nextID++
	entry.CreatedAt = time.Now().UTC()
	s.entries = append(s.entries, entry)
	return entry, nil
}

func (s *Store) QueryEntries(_ context.Context, filter activity.Filter) (activity.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]activity.Entry, 0)
	cutoff := windowCutoff(filter.WindowDays)
	for _, e := range s.entries {
		if !matches(e, filter, cutoff) {
			continue
		}
		matched = append(matched, e)
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	page := activity.Page{Total: int64(len(matched)), Offset: offset, Limit: limit}
	if offset >= len(matched) {
		page.Entries = []activity.Entry{}
		return page, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	page.Entries = matched[offset:end]
	return page, nil
}

func (s *Store) ActivityStats(_ context.Context, windowDays int) (activity.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := activity.Stats{WindowDays: windowDays, GeneratedAt: time.Now().UTC()}
	cutoff := windowCutoff(windowDays)
	users := make(map[string]struct{})
	var timed int64
	var totalMS int64

	for _, e := range s.entries {
		if !cutoff.IsZero() && e.CreatedAt.Before(cutoff) {
			continue
		}
		stats.Total++
		if e.Status == activity.StatusSuccess {
			stats.Successful++
		} else {
			stats.Failed++
		}
		users[e.UserID] = struct{}{}
		if e.ProcessingTimeMS != nil {
			timed++
			totalMS += *e.ProcessingTimeMS
		}
	}

	stats.UniqueUsers = int64(len(users))
	if timed > 0 {
		stats.AvgProcessingTime = float64(totalMS) / float64(timed)
	}
	return stats, nil
}

func (s *Store) RepairZeroTimestamps(_ context.Context, fallback time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var repaired int64
	for i := range s.entries {
		if s.entries[i].CreatedAt.IsZero() {
			s.entries[i].CreatedAt = fallback.UTC()
			repaired++
		}
	}
	return repaired, nil
}

// Helpers ----------------------------------------------------------------------

func windowCutoff(days int) time.Time {
	if days <= 0 {
		return time.Time{}
	}
	return time.Now().UTC().AddDate(0, 0, -days)
}

func matches(e activity.Entry, f activity.Filter, cutoff time.Time) bool {
	if !cutoff.IsZero() && e.CreatedAt.Before(cutoff) {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	return true
}
