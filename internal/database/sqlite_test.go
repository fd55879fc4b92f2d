package database

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func TestOpenSQLiteConfiguresPragmas(testContext *testing.T) {
	path := filepath.Join(testContext.TempDir(), "estuary.db")
	db, err := OpenSQLite(path, zap.NewNop())
	if err != nil {
		testContext.Fatalf("open failed: %v", err)
	}

	var journalMode string
	if err := db.Raw("PRAGMA journal_mode").Scan(&journalMode).Error; err != nil {
		testContext.Fatalf("journal_mode query failed: %v", err)
	}
	if journalMode != "wal" {
		testContext.Fatalf("expected wal journal mode, got %q", journalMode)
	}

	var busyTimeout int64
	if err := db.Raw("PRAGMA busy_timeout").Scan(&busyTimeout).Error; err != nil {
		testContext.Fatalf("busy_timeout query failed: %v", err)
	}
	if busyTimeout != 5000 {
		testContext.Fatalf("expected 5000ms busy timeout, got %d", busyTimeout)
	}
}
