package repository

import (
	"context"
	"time"

	"github.com/smallbiznis/curlara/internal/entitlement/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindProfile(ctx context.Context, db *gorm.DB, id string) (*domain.Profile, error) {
	var item domain.Profile
	err := db.WithContext(ctx).Raw(
		`SELECT id, email, has_paid, is_subscriber, subscription_end_date,
			stripe_customer_id, updated_at
		 FROM user_profiles
		 WHERE id = ?
		 LIMIT 1`,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == "" {
		return nil, nil
	}
	return &item, nil
}

// ExtendProfile sets the flag and moves the expiry to next unless the stored
// expiry is already later.
func (r *repo) ExtendProfile(ctx context.Context, db *gorm.DB, id string, next time.Time, customerID *string, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE user_profiles
		 SET has_paid = ?,
			is_subscriber = ?,
			subscription_end_date = CASE
				WHEN subscription_end_date IS NULL OR subscription_end_date < ? THEN ?
				ELSE subscription_end_date
			END,
			stripe_customer_id = COALESCE(?, stripe_customer_id),
			updated_at = ?
		 WHERE id = ?`,
		true,
		true,
		next,
		next,
		customerID,
		now,
		id,
	)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (r *repo) FindAccess(ctx context.Context, db *gorm.DB, id string) (*domain.Access, error) {
	var item domain.Access
	err := db.WithContext(ctx).Raw(
		`SELECT id, email, has_paid
		 FROM users
		 WHERE id = ?
		 LIMIT 1`,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == "" {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) MarkAccessPaidByID(ctx context.Context, db *gorm.DB, id string) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE users SET has_paid = ? WHERE id = ?`,
		true,
		id,
	)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (r *repo) MarkAccessPaidByEmail(ctx context.Context, db *gorm.DB, email string) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE users SET has_paid = ? WHERE lower(email) = ?`,
		true,
		email,
	)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
