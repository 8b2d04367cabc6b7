package collector

import (
	"errors"
	"time"
)

// validation errors
var (
	ErrDateRequired = errors.New("date is required")
	ErrInvalidDate  = errors.New("date must be in YYYY-MM-DD format")
	ErrFutureDate   = errors.New("date cannot be in the future")
)

// RunRequest represents a request to start a collection run
type RunRequest struct {
	// Date - calendar day to collect (YYYY-MM-DD).
	Date string `json:"date"`

	// CredentialIDs - subset of configured credentials to run.
	// empty means all.
	CredentialIDs []string `json:"credential_ids,omitempty"`
}

// Validate checks the request fields without touching the network
func (r *RunRequest) Validate(loc *time.Location) error {
	if r.Date == "" {
		return ErrDateRequired
	}

	date, err := time.ParseInLocation("2006-01-02", r.Date, loc)
	if err != nil {
		return ErrInvalidDate
	}
	if date.After(time.Now().In(loc)) {
		return ErrFutureDate
	}

	return nil
}

// DateTime returns the parsed run date in the given location.
// Validate must have succeeded first.
func (r *RunRequest) DateTime(loc *time.Location) time.Time {
	t, _ := time.ParseInLocation("2006-01-02", r.Date, loc)
	return t
}

// RunResponse represents the response to a start-run request
type RunResponse struct {
	RunID     string    `json:"run_id"`
	Status    string    `json:"status"` // "running" | "completed" | "cancelled"
	Date      string    `json:"date"`
	StartedAt time.Time `json:"started_at"`
}
