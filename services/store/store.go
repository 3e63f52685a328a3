// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	"github.com/AleutianAI/petfectior-agent/pkg/logging"
)

// ErrNotFound is returned when a row lookup misses.
var ErrNotFound = errors.New("not found")

// =============================================================================
// Store
// =============================================================================

// Options selects and configures the database backend.
type Options struct {
	// SQLitePath is the database file ("" means in-memory, used by
	// tests). Ignored when MySQLDSN is set.
	SQLitePath string

	// MySQLDSN, when nonempty, selects the MySQL backend, e.g.
	// "user:pass@tcp(host:3306)/petfectior?parseTime=false".
	MySQLDSN string

	Logger *logging.Logger
}

// Store wraps the SQL database with the agent's typed operations.
//
// # Thread Safety
//
// Store is safe for concurrent use; database/sql pools connections, and
// multi-row mutations go through RunInTransaction.
type Store struct {
	db     *sql.DB
	logger *logging.Logger
}

// Open connects to the backend and applies the schema.
func Open(ctx context.Context, opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}

	var (
		db  *sql.DB
		err error
	)
	if opts.MySQLDSN != "" {
		db, err = sql.Open("mysql", opts.MySQLDSN)
	} else {
		path := opts.SQLitePath
		if path == "" {
			// Shared-cache keeps the in-memory database alive across
			// pooled connections.
			path = "file::memory:?cache=shared"
		}
		db, err = sql.Open("sqlite", path)
	}
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	s := &Store{db: db, logger: logger.With("service", "store")}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying pool.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			// MySQL has no CREATE INDEX IF NOT EXISTS.
			if strings.Contains(err.Error(), "Duplicate key name") {
				continue
			}
			return fmt.Errorf("applying schema: %w", err)
		}
	}
	return nil
}

// RunInTransaction executes fn inside a transaction, rolling back on
// error or panic and committing otherwise.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// =============================================================================
// Time encoding
// =============================================================================

func encodeTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func decodeTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
