package identity

import (
	"context"

	"gorm.io/gorm"
)

type Repository interface {
	FindProfileIDByEmail(ctx context.Context, db *gorm.DB, email string) (string, error)
	FindAccessIDByEmail(ctx context.Context, db *gorm.DB, email string) (string, error)
}

type repo struct{}

func ProvideRepository() Repository {
	return &repo{}
}

type subjectRow struct {
	ID string
}

func (r *repo) FindProfileIDByEmail(ctx context.Context, db *gorm.DB, email string) (string, error) {
	var row subjectRow
	err := db.WithContext(ctx).Raw(
		`SELECT id FROM user_profiles WHERE lower(email) = ? ORDER BY id LIMIT 1`,
		email,
	).Scan(&row).Error
	if err != nil {
		return "", err
	}
	return row.ID, nil
}

func (r *repo) FindAccessIDByEmail(ctx context.Context, db *gorm.DB, email string) (string, error) {
	var row subjectRow
	err := db.WithContext(ctx).Raw(
		`SELECT id FROM users WHERE lower(email) = ? ORDER BY id LIMIT 1`,
		email,
	).Scan(&row).Error
	if err != nil {
		return "", err
	}
	return row.ID, nil
}
