package activity

import "time"

// Action identifies what kind of pipeline attempt an entry records.
type Action string

const (
	ActionVirtualFitting Action = "virtual_fitting"
	ActionCreditPurchase Action = "credit_purchase"
	ActionCreditGrant    Action = "credit_grant"
	ActionCreditAdjust   Action = "credit_adjust"
)

// Status is the terminal outcome of the recorded attempt.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Entry is one immutable record of a single pipeline attempt. IDs are
// strictly increasing and CreatedAt is stamped by the store at write time;
// any caller-supplied value is discarded.
type Entry struct {
	ID               int64     `json:"id"`
	UserID           string    `json:"user_id"`
	Action           Action    `json:"action"`
	SubjectID        string    `json:"subject_id,omitempty"`
	SubjectName      string    `json:"subject_name,omitempty"`
	Status           Status    `json:"status"`
	ErrorMessage     string    `json:"error_message,omitempty"`
	ProcessingTimeMS *int64    `json:"processing_time_ms,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Filter narrows a query over the activity log. Zero values mean "any".
type Filter struct {
	WindowDays int
	Action     Action
	Status     Status
	UserID     string
	Offset     int
	Limit      int
}

// Page is one page of entries ordered newest-first.
type Page struct {
	Entries []Entry `json:"entries"`
	Total   int64   `json:"total"`
	Offset  int     `json:"offset"`
	Limit   int     `json:"limit"`
}

// Stats is the rollup over a time window.
type Stats struct {
	WindowDays        int       `json:"window_days"`
	Total             int64     `json:"total"`
	Successful        int64     `json:"successful"`
	Failed            int64     `json:"failed"`
	UniqueUsers       int64     `json:"unique_users"`
	AvgProcessingTime float64   `json:"avg_processing_time_ms"`
	GeneratedAt       time.Time `json:"generated_at"`
}
