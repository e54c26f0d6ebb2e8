package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type Repository interface {
	FindProfile(ctx context.Context, db *gorm.DB, id string) (*Profile, error)
	ExtendProfile(ctx context.Context, db *gorm.DB, id string, next time.Time, customerID *string, now time.Time) (int64, error)

	FindAccess(ctx context.Context, db *gorm.DB, id string) (*Access, error)
	MarkAccessPaidByID(ctx context.Context, db *gorm.DB, id string) (int64, error)
	MarkAccessPaidByEmail(ctx context.Context, db *gorm.DB, email string) (int64, error)
}
