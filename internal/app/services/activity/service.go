// Package activity records every pipeline attempt in the append-only
// activity log and serves queries over it.
package activity

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/stylelab/fitting-service/internal/app/domain/activity"
	"github.com/stylelab/fitting-service/internal/app/metrics"
	"github.com/stylelab/fitting-service/internal/app/storage"
	"github.com/stylelab/fitting-service/pkg/logger"
)

// maxErrorMessageLen bounds stored error text so a pathological upstream
// body cannot bloat the log.
const maxErrorMessageLen = 500

// Service wraps the activity store with validation and failure escalation.
type Service struct {
	store storage.ActivityStore
	log   *logger.Logger
}

// New constructs the activity service.
func New(store storage.ActivityStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("activity")
	}
	return &Service{store: store, log: log}
}

// Record appends one entry. The store assigns the id and creation timestamp;
// anything the caller put in those fields is discarded.
func (s *Service) Record(ctx context.Context, entry activity.Entry) (activity.Entry, error) {
	if entry.UserID == "" {
		return activity.Entry{}, fmt.Errorf("activity entry requires a user id")
	}
	if entry.Action == "" {
		return activity.Entry{}, fmt.Errorf("activity entry requires an action")
	}
	switch entry.Status {
	case activity.StatusSuccess, activity.StatusError:
	default:
		return activity.Entry{}, fmt.Errorf("invalid activity status %q", entry.Status)
	}
	if len(entry.ErrorMessage) > maxErrorMessageLen {
		entry.ErrorMessage = entry.ErrorMessage[:maxErrorMessageLen]
	}

	stored, err := s.store.AppendEntry(ctx, entry)
	if err != nil {
		return activity.Entry{}, fmt.Errorf("append activity entry: %w", err)
	}
	return stored, nil
}

// RecordAsync appends an entry without blocking the caller. A failed write
// must never fail the operation it describes, but it is loud: the error is
// logged and counted so operators notice audit gaps.
func (s *Service) RecordAsync(entry activity.Entry) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if _, err := s.Record(ctx, entry); err != nil {
			metrics.RecordAuditWriteFailure()
			s.log.WithError(err).Errorf("activity log write failed: user=%s action=%s status=%s",
				entry.UserID, entry.Action, entry.Status)
		}
	}()
}

// Query returns one page of entries, newest first.
func (s *Service) Query(ctx context.Context, filter activity.Filter) (activity.Page, error) {
	if filter.Limit < 0 || filter.Offset < 0 {
		return activity.Page{}, fmt.Errorf("limit and offset must be non-negative")
	}
	if filter.Limit > 200 {
		filter.Limit = 200
	}
	filter.Action = activity.Action(strings.TrimSpace(string(filter.Action)))
	filter.Status = activity.Status(strings.TrimSpace(string(filter.Status)))

	page, err := s.store.QueryEntries(ctx, filter)
	if err != nil {
		return activity.Page{}, fmt.Errorf("query activity: %w", err)
	}
	return page, nil
}

// Statistics returns the rollup over the trailing window.
func (s *Service) Statistics(ctx context.Context, windowDays int) (activity.Stats, error) {
	if windowDays <= 0 {
		windowDays = 30
	}
	stats, err := s.store.ActivityStats(ctx, windowDays)
	if err != nil {
		return activity.Stats{}, fmt.Errorf("activity stats: %w", err)
	}
	return stats, nil
}

// RepairZeroTimestamps backfills entries carrying a sentinel zero timestamp.
// One-time maintenance for logs written before server-side stamping.
func (s *Service) RepairZeroTimestamps(ctx context.Context, fallback time.Time) (int64, error) {
	if fallback.IsZero() {
		fallback = time.Now().UTC()
	}
	repaired, err := s.store.RepairZeroTimestamps(ctx, fallback)
	if err != nil {
		return 0, fmt.Errorf("repair timestamps: %w", err)
	}
	if repaired > 0 {
		s.log.Infof("backfilled %d activity entries with fallback timestamp %s", repaired, fallback.Format(time.RFC3339))
	}
	return repaired, nil
}
