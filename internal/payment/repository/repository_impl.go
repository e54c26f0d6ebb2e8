package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/curlara/internal/payment/domain"
	pkgdb "github.com/smallbiznis/curlara/pkg/db"
	"github.com/smallbiznis/curlara/pkg/db/pagination"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

// RecordDelivery avoids dialect-specific upserts: bump the counter, insert
// when nothing matched, and bump again if a concurrent delivery won the insert.
func (r *repo) RecordDelivery(ctx context.Context, db *gorm.DB, record *domain.EventRecord) error {
	bumped, err := r.bumpDelivery(ctx, db, record)
	if err != nil || bumped {
		return err
	}

	err = db.WithContext(ctx).Exec(
		`INSERT INTO payment_events (
			id, provider, provider_event_id, event_type, deliveries,
			payload, received_at, last_received_at
		) VALUES (?, ?, ?, ?, 1, ?, ?, ?)`,
		record.ID,
		record.Provider,
		record.ProviderEventID,
		record.EventType,
		record.Payload,
		record.ReceivedAt,
		record.LastReceivedAt,
	).Error
	if !pkgdb.IsDuplicateKeyErr(err) {
		return err
	}
	_, err = r.bumpDelivery(ctx, db, record)
	return err
}

func (r *repo) bumpDelivery(ctx context.Context, db *gorm.DB, record *domain.EventRecord) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payment_events
		 SET deliveries = deliveries + 1,
			last_received_at = ?
		 WHERE provider = ? AND provider_event_id = ?`,
		record.LastReceivedAt,
		record.Provider,
		record.ProviderEventID,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindEvent(ctx context.Context, db *gorm.DB, provider, providerEventID string) (*domain.EventRecord, error) {
	var item domain.EventRecord
	err := db.WithContext(ctx).Raw(
		`SELECT id, provider, provider_event_id, event_type, subject_id, outcome,
			deliveries, payload, received_at, last_received_at, processed_at
		 FROM payment_events
		 WHERE provider = ? AND provider_event_id = ?
		 LIMIT 1`,
		provider,
		providerEventID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) MarkProcessed(ctx context.Context, db *gorm.DB, provider, providerEventID string, subjectID *string, outcome string, processedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payment_events
		 SET subject_id = COALESCE(?, subject_id),
			outcome = ?,
			processed_at = ?
		 WHERE provider = ? AND provider_event_id = ?`,
		subjectID,
		outcome,
		processedAt,
		provider,
		providerEventID,
	).Error
}

// InsertUnresolved reports false when the event was already recorded.
func (r *repo) InsertUnresolved(ctx context.Context, db *gorm.DB, item *domain.UnresolvedPayment) (bool, error) {
	err := db.WithContext(ctx).Exec(
		`INSERT INTO unresolved_payments (
			id, provider, provider_event_id, source, reason, event_type,
			hint, payload, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID,
		item.Provider,
		item.ProviderEventID,
		item.Source,
		item.Reason,
		item.EventType,
		item.Hint,
		item.Payload,
		item.CreatedAt,
	).Error
	if pkgdb.IsDuplicateKeyErr(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *repo) FindUnresolved(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.UnresolvedPayment, error) {
	var item domain.UnresolvedPayment
	err := db.WithContext(ctx).Raw(
		`SELECT id, provider, provider_event_id, source, reason, event_type, hint,
			payload, created_at, resolved_at, resolved_subject_id, resolved_by
		 FROM unresolved_payments
		 WHERE id = ?
		 LIMIT 1`,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

// ListUnresolved returns up to limit+1 rows, newest first, so callers can
// detect a following page.
func (r *repo) ListUnresolved(ctx context.Context, db *gorm.DB, req domain.ListUnresolvedRequest) ([]*domain.UnresolvedPayment, error) {
	query := db.WithContext(ctx).
		Model(&domain.UnresolvedPayment{}).
		Select(`id, provider, provider_event_id, source, reason, event_type, hint,
			created_at, resolved_at, resolved_subject_id, resolved_by`)
	if !req.IncludeResolved {
		query = query.Where("resolved_at IS NULL")
	}
	if token := req.Page.PageToken; token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return nil, err
		}
		cursorID, err := snowflake.ParseString(cursor.ID)
		if err != nil {
			return nil, err
		}
		query = query.Where("id < ?", cursorID)
	}

	var items []*domain.UnresolvedPayment
	err := query.Order("id DESC").Limit(req.Page.Limit() + 1).Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) MarkResolved(ctx context.Context, db *gorm.DB, id snowflake.ID, subjectID string, resolvedBy string, resolvedAt time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE unresolved_payments
		 SET resolved_at = ?, resolved_subject_id = ?, resolved_by = ?
		 WHERE id = ? AND resolved_at IS NULL`,
		resolvedAt,
		subjectID,
		resolvedBy,
		id,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
