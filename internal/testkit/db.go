// Package testkit holds helpers shared by package tests that need a database.
package testkit

import (
	"strings"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	BackupRecordsDDL = `CREATE TABLE backup_records (
		id INTEGER PRIMARY KEY,
		org_id INTEGER NOT NULL,
		product_id INTEGER NOT NULL,
		status TEXT NOT NULL,
		request_id TEXT NOT NULL DEFAULT '',
		requested_by TEXT,
		archive_path TEXT NOT NULL DEFAULT '',
		manifest_path TEXT NOT NULL DEFAULT '',
		checksum_path TEXT NOT NULL DEFAULT '',
		checksum TEXT NOT NULL DEFAULT '',
		size_bytes INTEGER NOT NULL DEFAULT 0,
		error_message TEXT,
		download_token_hash TEXT,
		download_token_used_at DATETIME,
		legal_hold BOOLEAN NOT NULL DEFAULT 0,
		expires_at DATETIME,
		requested_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME,
		purged_at DATETIME,
		updated_at DATETIME NOT NULL
	)`

	// BackupInFlightIndexDDL allows one queued or running backup per tenant.
	BackupInFlightIndexDDL = `CREATE UNIQUE INDEX backup_records_inflight_uniq
		ON backup_records (org_id, product_id)
		WHERE status IN ('queued', 'running')`

	BackupAuditLogsDDL = `CREATE TABLE backup_audit_logs (
		id INTEGER PRIMARY KEY,
		org_id INTEGER NOT NULL,
		product_id INTEGER,
		backup_id INTEGER,
		action TEXT NOT NULL,
		status TEXT NOT NULL,
		actor_type TEXT NOT NULL,
		actor_id TEXT,
		request_id TEXT,
		ip_address TEXT,
		user_agent TEXT,
		metadata TEXT,
		created_at DATETIME NOT NULL
	)`

	TenantRetentionStatusesDDL = `CREATE TABLE tenant_retention_statuses (
		org_id INTEGER PRIMARY KEY,
		status TEXT NOT NULL,
		subscription_expiry DATETIME,
		grace_until DATETIME,
		archive_until DATETIME,
		deleted_at DATETIME,
		last_evaluated_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`

	TenantRetentionOverridesDDL = `CREATE TABLE tenant_retention_overrides (
		id INTEGER PRIMARY KEY,
		org_id INTEGER NOT NULL,
		product_id INTEGER NOT NULL DEFAULT 0,
		policy TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE (org_id, product_id)
	)`

	TenantSubscriptionsDDL = `CREATE TABLE tenant_subscriptions (
		org_id INTEGER NOT NULL,
		product_id INTEGER NOT NULL,
		status TEXT NOT NULL,
		current_period_end DATETIME,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (org_id, product_id)
	)`
)

// AllTables lists every DDL statement in dependency-free order.
var AllTables = []string{
	BackupRecordsDDL,
	BackupInFlightIndexDDL,
	BackupAuditLogsDDL,
	TenantRetentionStatusesDDL,
	TenantRetentionOverridesDDL,
	TenantSubscriptionsDDL,
}

// OpenDB returns an in-memory sqlite database private to the test, with the
// given tables created. With no statements every table is created.
func OpenDB(t testing.TB, ddl ...string) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// A shared-cache memory database lives as long as one connection does.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if len(ddl) == 0 {
		ddl = AllTables
	}
	for _, stmt := range ddl {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create table: %v", err)
		}
	}
	return db
}
