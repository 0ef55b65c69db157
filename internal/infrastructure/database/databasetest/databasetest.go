// Package databasetest opens throwaway databases for tests.
package databasetest

import (
	"testing"

	"indexcheck/internal/infrastructure/database"

	"gorm.io/gorm"
)

// NewDB returns a migrated in-memory SQLite database that is closed when the
// test ends.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()

	db, err := database.OpenSQLite(":memory:", nil)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(database.Models()...); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}
