package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/curlara/pkg/db/pagination"
	"gorm.io/gorm"
)

type ListUnresolvedRequest struct {
	IncludeResolved bool
	Page            pagination.Pagination
}

type Repository interface {
	// RecordDelivery inserts the event or bumps its delivery counter.
	RecordDelivery(ctx context.Context, db *gorm.DB, record *EventRecord) error
	FindEvent(ctx context.Context, db *gorm.DB, provider, providerEventID string) (*EventRecord, error)
	MarkProcessed(ctx context.Context, db *gorm.DB, provider, providerEventID string, subjectID *string, outcome string, processedAt time.Time) error

	InsertUnresolved(ctx context.Context, db *gorm.DB, item *UnresolvedPayment) (bool, error)
	FindUnresolved(ctx context.Context, db *gorm.DB, id snowflake.ID) (*UnresolvedPayment, error)
	ListUnresolved(ctx context.Context, db *gorm.DB, req ListUnresolvedRequest) ([]*UnresolvedPayment, error)
	MarkResolved(ctx context.Context, db *gorm.DB, id snowflake.ID, subjectID string, resolvedBy string, resolvedAt time.Time) (bool, error)
}
