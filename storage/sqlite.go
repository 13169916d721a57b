// Package storage opens the local SQLite database used by the dead letter
// archive.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// SQLite holds the database handle.
type SQLite struct {
	DB     *sql.DB
	Path   string
	logger *zap.SugaredLogger
}

// NewSQLite opens dbPath, creating its directory if needed. The pool has a
// single connection: writes are serialized and ":memory:" stays one database.
func NewSQLite(dbPath string, logger *zap.SugaredLogger) (*SQLite, error) {
	if err := validateDatabasePath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	if dbPath != MemoryPath {
		if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	// an expired connection would drop an in-memory database
	db.SetConnMaxLifetime(0)

	if err := configureConnection(db, dbPath, logger); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Infow("SQLite database opened", "path", dbPath)
	return &SQLite{DB: db, Path: dbPath, logger: logger}, nil
}

func configureConnection(db *sql.DB, dbPath string, logger *zap.SugaredLogger) error {
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	// in-memory databases report "memory"
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to query journal mode: %w", err)
	}
	if dbPath != MemoryPath && journalMode != "wal" {
		return fmt.Errorf("WAL mode not enabled (got: %s)", journalMode)
	}
	logger.Debugw("SQLite journal mode verified", "mode", journalMode)
	return nil
}

// HealthCheck verifies the database connection is alive.
func (s *SQLite) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.DB.PingContext(ctx)
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.DB.Close()
}

func validateDatabasePath(dbPath string) error {
	if dbPath == "" {
		return errors.New("database path cannot be empty")
	}
	if len(dbPath) > 512 {
		return errors.New("database path exceeds maximum length of 512 characters")
	}
	if strings.Contains(dbPath, "\x00") {
		return errors.New("null bytes not allowed in path")
	}
	for _, part := range strings.Split(filepath.ToSlash(dbPath), "/") {
		if part == ".." {
			return fmt.Errorf("path traversal not allowed (..): %s", dbPath)
		}
	}
	return nil
}
