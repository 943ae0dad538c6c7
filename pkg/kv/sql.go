// Copyright 2025 The Maestro Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package kv

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	// Database drivers.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SQLConfig configures the SQL-backed store.
type SQLConfig struct {
	// Driver is "sqlite", "postgres" or "mysql".
	Driver string `yaml:"driver"`

	// DSN is the driver connection string. For sqlite this is a file
	// path (or ":memory:").
	DSN string `yaml:"dsn"`

	// MaxConns bounds open connections. Default 10.
	MaxConns int `yaml:"max_conns"`

	// MaxIdle bounds idle connections. Default 5.
	MaxIdle int `yaml:"max_idle"`
}

// SQLStore implements Store on database/sql. One documents table holds
// every collection; documents are opaque JSON.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

const createDocumentsSQL = `
CREATE TABLE IF NOT EXISTS documents (
    collection VARCHAR(255) NOT NULL,
    id VARCHAR(255) NOT NULL,
    data TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (collection, id)
);
`

// NewSQLStore opens a SQL-backed store and initializes its schema.
func NewSQLStore(cfg SQLConfig) (*SQLStore, error) {
	switch cfg.Driver {
	case "postgres", "mysql", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported driver: %s (supported: postgres, mysql, sqlite)", cfg.Driver)
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if cfg.MaxConns == 0 {
		cfg.MaxConns = 10
	}
	if cfg.MaxIdle == 0 {
		cfg.MaxIdle = 5
	}

	// go-sqlite3 registers as "sqlite3".
	driverName := cfg.Driver
	if driverName == "sqlite" {
		driverName = "sqlite3"
	}

	db, err := sql.Open(driverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.Driver == "sqlite" {
		// SQLite allows one writer; a single connection avoids
		// SQLITE_BUSY under concurrent transactions.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(cfg.MaxConns)
		db.SetMaxIdleConns(cfg.MaxIdle)
	}
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQLStore{db: db, dialect: cfg.Driver}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err := s.db.ExecContext(ctx, createDocumentsSQL)
	return err
}

// rebind rewrites ? placeholders for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	out := make([]byte, 0, len(query)+8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			out = append(out, fmt.Sprintf("$%d", n)...)
			continue
		}
		out = append(out, query[i])
	}
	return string(out)
}

func (s *SQLStore) upsertSQL() string {
	if s.dialect == "mysql" {
		return `
INSERT INTO documents (collection, id, data, updated_at)
VALUES (?, ?, ?, ?)
ON DUPLICATE KEY UPDATE data = VALUES(data), updated_at = VALUES(updated_at)
`
	}
	// sqlite and postgres share ON CONFLICT syntax.
	return s.rebind(`
INSERT INTO documents (collection, id, data, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (collection, id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
`)
}

func (s *SQLStore) Get(ctx context.Context, collection, id string, out any) error {
	query := s.rebind(`SELECT data FROM documents WHERE collection = ? AND id = ?`)

	var data []byte
	err := s.db.QueryRowContext(ctx, query, collection, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to query document: %w", err)
	}
	return json.Unmarshal(data, out)
}

func (s *SQLStore) Set(ctx context.Context, collection, id string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal document %s/%s: %w", collection, id, err)
	}
	if _, err := s.db.ExecContext(ctx, s.upsertSQL(), collection, id, data, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to upsert document: %w", err)
	}
	return nil
}

func (s *SQLStore) Update(ctx context.Context, collection, id string, fn func(raw []byte) ([]byte, error)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	selectSQL := `SELECT data FROM documents WHERE collection = ? AND id = ?`
	if s.dialect != "sqlite" {
		selectSQL += ` FOR UPDATE`
	}

	var raw []byte
	err = tx.QueryRowContext(ctx, s.rebind(selectSQL), collection, id).Scan(&raw)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to query document: %w", err)
	}

	next, err := fn(raw)
	if err != nil {
		return err
	}

	if next == nil {
		deleteSQL := s.rebind(`DELETE FROM documents WHERE collection = ? AND id = ?`)
		if _, err := tx.ExecContext(ctx, deleteSQL, collection, id); err != nil {
			return fmt.Errorf("failed to delete document: %w", err)
		}
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, s.upsertSQL(), collection, id, next, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to upsert document: %w", err)
	}
	return tx.Commit()
}

func (s *SQLStore) Delete(ctx context.Context, collection, id string) error {
	query := s.rebind(`DELETE FROM documents WHERE collection = ? AND id = ?`)
	if _, err := s.db.ExecContext(ctx, query, collection, id); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context, collection string, q Query) ([]Entry, error) {
	query := s.rebind(`SELECT id, data, updated_at FROM documents WHERE collection = ?`)

	rows, err := s.db.QueryContext(ctx, query, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Data, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}

	// Filtering and ordering happen on the decoded JSON, shared with
	// the memory backend.
	return applyQuery(entries, q), nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

var _ Store = (*SQLStore)(nil)
