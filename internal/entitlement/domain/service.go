package domain

import "context"

// EntitlementStore applies and reads the entitlement fact across both projections.
type EntitlementStore interface {
	// SetPaid never inserts rows. A Projection A failure never prevents the
	// Projection B update. The returned error is non-nil only for invalid input.
	SetPaid(ctx context.Context, input SetPaidInput) (WriteResult, error)
	AccessStatus(ctx context.Context, id string) (bool, error)
	Profile(ctx context.Context, id string) (*Profile, error)
}
