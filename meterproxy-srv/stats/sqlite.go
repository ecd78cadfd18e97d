package stats

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/codefionn/meterproxy/meterproxy-srv/logger"
	_ "github.com/mattn/go-sqlite3"
)

// NewSQLiteCollector creates a new SQLite-based statistics collector
func NewSQLiteCollector(dbPath string) (*SQLCollector, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to SQLite database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	// SQLite allows a single writer; one pooled connection avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)

	collector, err := newSQLCollector(context.Background(), db, "sqlite3")
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Debug("Initialized stats collector sqlite (%s)", dbPath)
	return collector, nil
}
