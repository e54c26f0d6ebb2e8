package testutil

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var dbSeq atomic.Int64

// sqliteSchema mirrors the postgres migrations closely enough for the
// statements the repositories issue.
var sqliteSchema = []string{
	`CREATE TABLE users (
		id TEXT PRIMARY KEY,
		email TEXT,
		has_paid BOOLEAN NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE user_profiles (
		id TEXT PRIMARY KEY,
		email TEXT,
		full_name TEXT,
		is_subscriber BOOLEAN NOT NULL DEFAULT 0,
		has_paid BOOLEAN NOT NULL DEFAULT 0,
		subscription_end_date DATETIME,
		stripe_customer_id TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE payment_events (
		id INTEGER PRIMARY KEY,
		provider TEXT NOT NULL,
		provider_event_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		subject_id TEXT,
		outcome TEXT,
		deliveries INTEGER NOT NULL DEFAULT 1,
		payload TEXT NOT NULL,
		received_at DATETIME NOT NULL,
		last_received_at DATETIME NOT NULL,
		processed_at DATETIME,
		UNIQUE (provider, provider_event_id)
	)`,
	`CREATE TABLE unresolved_payments (
		id INTEGER PRIMARY KEY,
		provider TEXT NOT NULL,
		provider_event_id TEXT NOT NULL,
		source TEXT NOT NULL,
		reason TEXT NOT NULL,
		event_type TEXT NOT NULL,
		hint TEXT NOT NULL,
		payload TEXT,
		created_at DATETIME NOT NULL,
		resolved_at DATETIME,
		resolved_subject_id TEXT,
		resolved_by TEXT,
		UNIQUE (provider, provider_event_id)
	)`,
}

// NewDB opens an isolated in-memory database with the service schema.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:curlara_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, stmt := range sqliteSchema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return db
}

// SeedSubject inserts a subject into both projections.
func SeedSubject(t testing.TB, db *gorm.DB, id, email string) {
	t.Helper()
	if err := db.Exec(`INSERT INTO user_profiles (id, email) VALUES (?, ?)`, id, email).Error; err != nil {
		t.Fatalf("seed profile: %v", err)
	}
	if err := db.Exec(`INSERT INTO users (id, email) VALUES (?, ?)`, id, email).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
}

type ProjectionState struct {
	ProfilePaid       bool
	ProfileSubscriber bool
	Expiry            *time.Time
	AccessPaid        bool
}

// LoadProjections reads the entitlement fact from both projections.
func LoadProjections(t testing.TB, db *gorm.DB, id string) ProjectionState {
	t.Helper()

	var profile struct {
		HasPaid             bool
		IsSubscriber        bool
		SubscriptionEndDate *time.Time
	}
	if err := db.Raw(`SELECT has_paid, is_subscriber, subscription_end_date FROM user_profiles WHERE id = ?`, id).Scan(&profile).Error; err != nil {
		t.Fatalf("load profile: %v", err)
	}
	var access struct {
		HasPaid bool
	}
	if err := db.Raw(`SELECT has_paid FROM users WHERE id = ?`, id).Scan(&access).Error; err != nil {
		t.Fatalf("load access: %v", err)
	}
	return ProjectionState{
		ProfilePaid:       profile.HasPaid,
		ProfileSubscriber: profile.IsSubscriber,
		Expiry:            profile.SubscriptionEndDate,
		AccessPaid:        access.HasPaid,
	}
}

func NewNode(t testing.TB) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	return node
}
