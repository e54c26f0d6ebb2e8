package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/curlara/internal/clock"
	"github.com/smallbiznis/curlara/internal/config"
	"github.com/smallbiznis/curlara/internal/entitlement/domain"
	"github.com/smallbiznis/curlara/internal/entitlement/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:entitlement_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	stmts := []string{
		`CREATE TABLE user_profiles (
			id TEXT PRIMARY KEY,
			email TEXT,
			has_paid BOOLEAN NOT NULL DEFAULT 0,
			is_subscriber BOOLEAN NOT NULL DEFAULT 0,
			subscription_end_date DATETIME,
			stripe_customer_id TEXT,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE users (
			id TEXT PRIMARY KEY,
			email TEXT,
			has_paid BOOLEAN NOT NULL DEFAULT 0
		)`,
	}
	for _, stmt := range stmts {
		require.NoError(t, db.Exec(stmt).Error)
	}
	return db
}

func seedSubject(t *testing.T, db *gorm.DB, id, email string) {
	t.Helper()
	require.NoError(t, db.Exec(`INSERT INTO user_profiles (id, email) VALUES (?, ?)`, id, email).Error)
	require.NoError(t, db.Exec(`INSERT INTO users (id, email) VALUES (?, ?)`, id, email).Error)
}

func newTestService(db *gorm.DB, clk clock.Clock) *Service {
	return newService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		Cfg:   config.Config{Entitlement: config.EntitlementConfig{PeriodDays: 30}},
		Clock: clk,
		Repo:  repository.Provide(),
	})
}

func ptr(v string) *string { return &v }

func TestSetPaidUpdatesBothProjections(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	seedSubject(t, db, "u1", "u1@example.com")
	svc := newTestService(db, clock.NewFakeClock(baseTime))

	result, err := svc.SetPaid(ctx, domain.SetPaidInput{ID: "u1", CustomerID: ptr("cus_1")})
	require.NoError(t, err)

	assert.True(t, result.Profile.Updated)
	assert.True(t, result.Access.Updated)
	assert.True(t, result.Entitled())
	assert.False(t, result.Partial())
	assert.NoError(t, result.Err())
	require.NotNil(t, result.Expiry)
	assert.True(t, result.Expiry.Equal(baseTime.Add(30*24*time.Hour)))

	profile, err := svc.Profile(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, profile.HasPaid)
	assert.True(t, profile.IsSubscriber)
	require.NotNil(t, profile.StripeCustomerID)
	assert.Equal(t, "cus_1", *profile.StripeCustomerID)

	paid, err := svc.AccessStatus(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, paid)
}

func TestSetPaidReplayExtendsExpiry(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	seedSubject(t, db, "u1", "")
	svc := newTestService(db, clock.NewFakeClock(baseTime))

	var last time.Time
	for i := 1; i <= 3; i++ {
		result, err := svc.SetPaid(ctx, domain.SetPaidInput{ID: "u1"})
		require.NoError(t, err)
		require.NotNil(t, result.Expiry)
		assert.True(t, result.Expiry.After(last), "expiry must never regress")
		last = *result.Expiry
	}
	assert.True(t, last.Equal(baseTime.Add(90*24*time.Hour)))

	paid, err := svc.AccessStatus(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, paid)
}

func TestSetPaidKeepsLaterExpiryAndCustomer(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	seedSubject(t, db, "u1", "")
	later := baseTime.Add(200 * 24 * time.Hour)
	require.NoError(t, db.Exec(
		`UPDATE user_profiles SET subscription_end_date = ?, stripe_customer_id = ? WHERE id = ?`,
		later, "cus_old", "u1",
	).Error)
	svc := newTestService(db, clock.NewFakeClock(baseTime))

	result, err := svc.SetPaid(ctx, domain.SetPaidInput{ID: "u1"})
	require.NoError(t, err)
	require.NotNil(t, result.Expiry)
	assert.True(t, result.Expiry.Equal(later.Add(30*24*time.Hour)))

	profile, err := svc.Profile(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, profile.StripeCustomerID)
	assert.Equal(t, "cus_old", *profile.StripeCustomerID)
}

func TestSetPaidOrderInsensitive(t *testing.T) {
	ctx := context.Background()
	inputs := []domain.SetPaidInput{
		{ID: "u1", CustomerID: ptr("cus_a")},
		{ID: "u1", Email: ptr("u1@example.com")},
	}

	flags := make([]bool, 0, 2)
	for _, order := range [][]int{{0, 1}, {1, 0}} {
		db := setupTestDB(t)
		seedSubject(t, db, "u1", "u1@example.com")
		svc := newTestService(db, clock.NewFakeClock(baseTime))
		for _, idx := range order {
			_, err := svc.SetPaid(ctx, inputs[idx])
			require.NoError(t, err)
		}
		paid, err := svc.AccessStatus(ctx, "u1")
		require.NoError(t, err)
		flags = append(flags, paid)
	}
	assert.Equal(t, []bool{true, true}, flags)
}

func TestSetPaidToleratesMissingProfileTable(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	require.NoError(t, db.Exec(`INSERT INTO users (id, email) VALUES ('u1', 'u1@example.com')`).Error)
	require.NoError(t, db.Exec(`DROP TABLE user_profiles`).Error)
	svc := newTestService(db, clock.NewFakeClock(baseTime))

	result, err := svc.SetPaid(ctx, domain.SetPaidInput{ID: "u1"})
	require.NoError(t, err)

	assert.Error(t, result.Profile.Err)
	assert.False(t, result.Profile.Updated)
	assert.True(t, result.Access.Updated)
	assert.True(t, result.Partial())
	assert.True(t, result.Entitled())
	assert.NoError(t, result.Err())
	assert.Nil(t, result.Expiry)
}

func TestSetPaidFallsBackToEmailForAccess(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	require.NoError(t, db.Exec(`INSERT INTO user_profiles (id, email) VALUES ('u2', 'a@b.com')`).Error)
	require.NoError(t, db.Exec(`INSERT INTO users (id, email) VALUES ('legacy-2', 'A@B.com')`).Error)
	svc := newTestService(db, clock.NewFakeClock(baseTime))

	result, err := svc.SetPaid(ctx, domain.SetPaidInput{ID: "u2", Email: ptr(" a@b.com ")})
	require.NoError(t, err)

	assert.True(t, result.Profile.Updated)
	assert.True(t, result.Access.Updated)
	assert.Equal(t, domain.MatchedByEmail, result.Access.MatchedBy)

	paid, err := svc.AccessStatus(ctx, "legacy-2")
	require.NoError(t, err)
	assert.True(t, paid)
}

func TestSetPaidNeverInserts(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	svc := newTestService(db, clock.NewFakeClock(baseTime))

	result, err := svc.SetPaid(ctx, domain.SetPaidInput{ID: "ghost", Email: ptr("ghost@example.com")})
	require.NoError(t, err)
	assert.False(t, result.Entitled())
	assert.Equal(t, "not_matched", result.Access.Outcome())

	var count int64
	require.NoError(t, db.Raw(`SELECT COUNT(*) FROM users`).Scan(&count).Error)
	assert.Zero(t, count)
	require.NoError(t, db.Raw(`SELECT COUNT(*) FROM user_profiles`).Scan(&count).Error)
	assert.Zero(t, count)
}

func TestSetPaidRejectsSentinel(t *testing.T) {
	svc := newTestService(setupTestDB(t), clock.NewFakeClock(baseTime))

	_, err := svc.SetPaid(context.Background(), domain.SetPaidInput{ID: "unknown"})
	assert.ErrorIs(t, err, domain.ErrInvalidSubject)
}

func TestSetPaidConcurrentConverges(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	seedSubject(t, db, "u1", "u1@example.com")
	svc := newTestService(db, clock.NewFakeClock(baseTime))

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.SetPaid(ctx, domain.SetPaidInput{ID: "u1"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	profile, err := svc.Profile(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, profile.HasPaid)
	require.NotNil(t, profile.SubscriptionEndDate)
	assert.False(t, profile.SubscriptionEndDate.Before(baseTime.Add(30*24*time.Hour)))

	paid, err := svc.AccessStatus(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, paid)
}

func TestAccessStatusUnreachable(t *testing.T) {
	db := setupTestDB(t)
	require.NoError(t, db.Exec(`DROP TABLE users`).Error)
	svc := newTestService(db, clock.NewFakeClock(baseTime))

	paid, err := svc.AccessStatus(context.Background(), "u1")
	assert.Error(t, err)
	assert.False(t, paid)
}

func TestProfileNotFound(t *testing.T) {
	svc := newTestService(setupTestDB(t), clock.NewFakeClock(baseTime))

	_, err := svc.Profile(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrSubjectNotFound)
}
