// Package postgres implements the storage interfaces backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/stylelab/fitting-service/internal/app/domain/activity"
	"github.com/stylelab/fitting-service/internal/app/domain/credit"
	"github.com/stylelab/fitting-service/internal/app/storage"
)

// Store implements storage.CreditStore and storage.ActivityStore.
type Store struct {
	db *sql.DB
}

var _ storage.CreditStore = (*Store)(nil)
var _ storage.ActivityStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// --- CreditStore ------------------------------------------------------------

const accountColumns = `user_id, balance, total_purchased, total_used, last_activity, created_at, updated_at`

func (s *Store) EnsureAccount(ctx context.Context, userID string) (credit.Account, bool, error) {
	now := time.Now().UTC()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO credit_accounts (user_id, balance, total_purchased, total_used, last_activity, created_at, updated_at)
		VALUES ($1, 0, 0, 0, $2, $2, $2)
		ON CONFLICT (user_id) DO UPDATE SET user_id = EXCLUDED.user_id
		RETURNING `+accountColumns+`, (xmax = 0) AS inserted
	`, userID, now)

	var acct credit.Account
	var inserted bool
	if err := scanAccountWith(row, &acct, &inserted); err != nil {
		return credit.Account{}, false, fmt.Errorf("ensure account: %w", err)
	}
	return acct, inserted, nil
}

func (s *Store) GetAccount(ctx context.Context, userID string) (credit.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM credit_accounts
		WHERE user_id = $1
	`, userID)

	acct, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return credit.Account{}, storage.ErrAccountNotFound
	}
	if err != nil {
		return credit.Account{}, fmt.Errorf("get account: %w", err)
	}
	return acct, nil
}

// DebitAccount relies on a conditional UPDATE so the balance check and the
// decrement are one atomic statement; two concurrent debits against a balance
// of one cannot both match the WHERE clause.
func (s *Store) DebitAccount(ctx context.Context, userID string, amount int64) (credit.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE credit_accounts
		SET balance = balance - $2,
		    total_used = total_used + $2,
		    last_activity = $3,
		    updated_at = $3
		WHERE user_id = $1 AND balance >= $2
		RETURNING `+accountColumns,
		userID, amount, time.Now().UTC())

	acct, err := scanAccount(row)
	if err == sql.ErrNoRows {
		if _, getErr := s.GetAccount(ctx, userID); getErr != nil {
			return credit.Account{}, getErr
		}
		return credit.Account{}, storage.ErrInsufficientCredits
	}
	if err != nil {
		return credit.Account{}, fmt.Errorf("debit account: %w", err)
	}
	return acct, nil
}

func (s *Store) RefundAccount(ctx context.Context, userID string, amount int64) (credit.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE credit_accounts
		SET balance = balance + $2,
		    total_used = GREATEST(total_used - $2, 0),
		    last_activity = $3,
		    updated_at = $3
		WHERE user_id = $1
		RETURNING `+accountColumns,
		userID, amount, time.Now().UTC())

	acct, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return credit.Account{}, storage.ErrAccountNotFound
	}
	if err != nil {
		return credit.Account{}, fmt.Errorf("refund account: %w", err)
	}
	return acct, nil
}

func (s *Store) GrantAccount(ctx context.Context, userID string, amount int64) (credit.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE credit_accounts
		SET balance = balance + $2,
		    total_purchased = total_purchased + $2,
		    last_activity = $3,
		    updated_at = $3
		WHERE user_id = $1 AND balance + $2 >= 0
		RETURNING `+accountColumns,
		userID, amount, time.Now().UTC())

	acct, err := scanAccount(row)
	if err == sql.ErrNoRows {
		if _, getErr := s.GetAccount(ctx, userID); getErr != nil {
			return credit.Account{}, getErr
		}
		return credit.Account{}, storage.ErrInsufficientCredits
	}
	if err != nil {
		return credit.Account{}, fmt.Errorf("grant account: %w", err)
	}
	return acct, nil
}

func (s *Store) CreditAnalytics(ctx context.Context) (credit.Analytics, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(total_purchased), 0),
		       COALESCE(SUM(total_used), 0),
		       COALESCE(SUM(balance), 0)
		FROM credit_accounts
	`)

	out := credit.Analytics{GeneratedAt: time.Now().UTC()}
	if err := row.Scan(&out.TotalAccounts, &out.TotalPurchased, &out.TotalUsed, &out.TotalBalance); err != nil {
		return credit.Analytics{}, fmt.Errorf("credit analytics: %w", err)
	}
	return out, nil
}

// --- ActivityStore ----------------------------------------------------------

// AppendEntry stamps created_at with now() inside the INSERT so the clock is
// the database's, never the caller's.
func (s *Store) AppendEntry(ctx context.Context, entry activity.Entry) (activity.Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO activity_log (user_id, action, subject_id, subject_name, status, error_message, processing_time_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, now())
		RETURNING id, created_at
	`, entry.UserID, string(entry.Action), entry.SubjectID, entry.SubjectName,
		string(entry.Status), entry.ErrorMessage, entry.ProcessingTimeMS)

	if err := row.Scan(&entry.ID, &entry.CreatedAt); err != nil {
		return activity.Entry{}, fmt.Errorf("append activity entry: %w", err)
	}
	return entry, nil
}

func (s *Store) QueryEntries(ctx context.Context, filter activity.Filter) (activity.Page, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	where, args := buildActivityWhere(filter)

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM activity_log`+where, args...).Scan(&total); err != nil {
		return activity.Page{}, fmt.Errorf("count activity entries: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT id, user_id, action, subject_id, subject_name, status, COALESCE(error_message, ''), processing_time_ms, created_at
		FROM activity_log%s
		ORDER BY id DESC
		LIMIT $%d OFFSET $%d`, where, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return activity.Page{}, fmt.Errorf("query activity entries: %w", err)
	}
	defer rows.Close()

	page := activity.Page{Total: total, Offset: offset, Limit: limit, Entries: []activity.Entry{}}
	for rows.Next() {
		var e activity.Entry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Action, &e.SubjectID, &e.SubjectName,
			&e.Status, &e.ErrorMessage, &e.ProcessingTimeMS, &e.CreatedAt); err != nil {
			return activity.Page{}, fmt.Errorf("scan activity entry: %w", err)
		}
		page.Entries = append(page.Entries, e)
	}
	return page, rows.Err()
}

func (s *Store) ActivityStats(ctx context.Context, windowDays int) (activity.Stats, error) {
	where := ""
	args := []interface{}{}
	if windowDays > 0 {
		where = " WHERE created_at >= $1"
		args = append(args, time.Now().UTC().AddDate(0, 0, -windowDays))
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'success'),
		       COUNT(*) FILTER (WHERE status = 'error'),
		       COUNT(DISTINCT user_id),
		       COALESCE(AVG(processing_time_ms), 0)
		FROM activity_log`+where, args...)

	stats := activity.Stats{WindowDays: windowDays, GeneratedAt: time.Now().UTC()}
	if err := row.Scan(&stats.Total, &stats.Successful, &stats.Failed,
		&stats.UniqueUsers, &stats.AvgProcessingTime); err != nil {
		return activity.Stats{}, fmt.Errorf("activity stats: %w", err)
	}
	return stats, nil
}

func (s *Store) RepairZeroTimestamps(ctx context.Context, fallback time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE activity_log
		SET created_at = $1
		WHERE created_at IS NULL OR created_at <= '0001-01-02'::timestamptz
	`, fallback.UTC())
	if err != nil {
		return 0, fmt.Errorf("repair zero timestamps: %w", err)
	}
	repaired, _ := result.RowsAffected()
	return repaired, nil
}

// Helpers --------------------------------------------------------------------

func buildActivityWhere(filter activity.Filter) (string, []interface{}) {
	clauses := []string{}
	args := []interface{}{}

	if filter.WindowDays > 0 {
		args = append(args, time.Now().UTC().AddDate(0, 0, -filter.WindowDays))
		clauses = append(clauses, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if filter.Action != "" {
		args = append(args, string(filter.Action))
		clauses = append(clauses, fmt.Sprintf("action = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		clauses = append(clauses, fmt.Sprintf("user_id = $%d", len(args)))
	}

	if len(clauses) == 0 {
		return "", args
	}
	where := " WHERE " + clauses[0]
	for _, c := range clauses[1:] {
		where += " AND " + c
	}
	return where, args
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row rowScanner) (credit.Account, error) {
	var acct credit.Account
	var lastActivity sql.NullTime
	err := row.Scan(&acct.UserID, &acct.Balance, &acct.TotalPurchased, &acct.TotalUsed,
		&lastActivity, &acct.CreatedAt, &acct.UpdatedAt)
	if err != nil {
		return credit.Account{}, err
	}
	if lastActivity.Valid {
		acct.LastActivity = lastActivity.Time
	}
	return acct, nil
}

func scanAccountWith(row rowScanner, acct *credit.Account, inserted *bool) error {
	var lastActivity sql.NullTime
	err := row.Scan(&acct.UserID, &acct.Balance, &acct.TotalPurchased, &acct.TotalUsed,
		&lastActivity, &acct.CreatedAt, &acct.UpdatedAt, inserted)
	if err != nil {
		return err
	}
	if lastActivity.Valid {
		acct.LastActivity = lastActivity.Time
	}
	return nil
}
