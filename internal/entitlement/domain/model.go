package domain

import (
	"strings"
	"time"
)

const (
	ProjectionProfile = "profile"
	ProjectionAccess  = "access"

	MatchedByID    = "id"
	MatchedByEmail = "email"
)

// Profile is the Projection A row (user_profiles).
type Profile struct {
	ID                  string     `json:"id"`
	Email               *string    `json:"email,omitempty"`
	HasPaid             bool       `json:"has_paid"`
	IsSubscriber        bool       `json:"is_subscriber"`
	SubscriptionEndDate *time.Time `json:"subscription_end_date,omitempty"`
	StripeCustomerID    *string    `json:"stripe_customer_id,omitempty"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

func (Profile) TableName() string { return "user_profiles" }

// Access is the Projection B row (users) read by the access gate.
type Access struct {
	ID      string  `json:"id"`
	Email   *string `json:"email,omitempty"`
	HasPaid bool    `json:"has_paid"`
}

func (Access) TableName() string { return "users" }

type SetPaidInput struct {
	ID         string
	Email      *string
	CustomerID *string
}

// ProjectionResult describes the outcome of one projection update.
type ProjectionResult struct {
	Projection   string `json:"projection"`
	Updated      bool   `json:"updated"`
	RowsAffected int64  `json:"rows_affected"`
	MatchedBy    string `json:"matched_by,omitempty"`
	Err          error  `json:"-"`
}

// Outcome is a low-cardinality label for metrics and logs.
func (r ProjectionResult) Outcome() string {
	switch {
	case r.Err != nil:
		return "failed"
	case r.Updated:
		return "updated"
	default:
		return "not_matched"
	}
}

// WriteResult is the composite result of SetPaid. Access is authoritative.
type WriteResult struct {
	SubjectID string           `json:"subject_id"`
	Profile   ProjectionResult `json:"profile"`
	Access    ProjectionResult `json:"access"`
	Expiry    *time.Time       `json:"expiry,omitempty"`
}

func (r WriteResult) Entitled() bool {
	return r.Access.Updated
}

func (r WriteResult) Partial() bool {
	return r.Profile.Updated != r.Access.Updated
}

// Err returns the projection write error that should fail the caller, which
// is only ever a Projection B failure.
func (r WriteResult) Err() error {
	if r.Access.Err == nil {
		return nil
	}
	return &ProjectionWriteError{Projection: ProjectionAccess, Err: r.Access.Err}
}

// NormalizeEmail lowercases and trims, returning "" when blank.
func NormalizeEmail(email *string) string {
	if email == nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(*email))
}
