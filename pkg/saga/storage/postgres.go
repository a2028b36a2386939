// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/innovationmech/orchestra/pkg/saga"
)

// DefaultPostgresTable is the table used when PostgresConfig.Table is empty.
const DefaultPostgresTable = "saga_instances"

var tableNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*(\.[a-zA-Z_][a-zA-Z0-9_]*)?$`)

// PostgresConfig holds the connection settings for PostgresStore.
type PostgresConfig struct {
	DSN   string `mapstructure:"dsn" validate:"required"`
	Table string `mapstructure:"table"`

	MaxOpenConns      int           `mapstructure:"max_open_conns"`
	MaxIdleConns      int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime   time.Duration `mapstructure:"conn_max_lifetime"`
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`

	// AutoMigrate creates the table and its indexes on open.
	AutoMigrate bool `mapstructure:"auto_migrate"`
}

// ApplyDefaults fills unset fields.
func (c *PostgresConfig) ApplyDefaults() {
	if c.Table == "" {
		c.Table = DefaultPostgresTable
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 2
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = 30 * time.Minute
	}
	if c.ConnectionTimeout == 0 {
		c.ConnectionTimeout = 5 * time.Second
	}
}

// Validate checks the configuration after defaults are applied.
func (c *PostgresConfig) Validate() error {
	if c.DSN == "" {
		return errors.New("postgres dsn is required")
	}
	if !tableNamePattern.MatchString(c.Table) {
		return fmt.Errorf("invalid postgres table name %q", c.Table)
	}
	return nil
}

// PostgresStore keeps one row per saga. The full instance lives in the
// JSONB document column; the scalar columns exist for indexing and ad-hoc
// queries.
type PostgresStore struct {
	db    *sql.DB
	table string
}

var _ saga.Store = (*PostgresStore)(nil)

// NewPostgresStore wraps an open database handle. table must be a plain or
// schema-qualified identifier.
func NewPostgresStore(db *sql.DB, table string) (*PostgresStore, error) {
	if table == "" {
		table = DefaultPostgresTable
	}
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid postgres table name %q", table)
	}
	return &PostgresStore{db: db, table: table}, nil
}

// OpenPostgres opens a pooled connection, pings it and optionally migrates.
func OpenPostgres(ctx context.Context, cfg *PostgresConfig) (*PostgresStore, error) {
	if cfg == nil {
		return nil, errors.New("postgres config is required")
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectionTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}

	store, err := NewPostgresStore(db, cfg.Table)
	if err != nil {
		db.Close()
		return nil, err
	}
	if cfg.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to run schema migrations: %w", err)
		}
	}
	return store, nil
}

// Migrate creates the saga table and its secondary indexes if missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	definition_id TEXT NOT NULL,
	correlation_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	document JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ
)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_correlation_idx ON %s (correlation_id)`, indexBase(s.table), s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_status_idx ON %s (status)`, indexBase(s.table), s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return saga.NewStorageError("migrate", err)
		}
	}
	return nil
}

// Close releases the underlying pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Get(ctx context.Context, sagaID string) (*saga.Instance, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT document FROM %s WHERE id = $1`, s.table), sagaID,
	).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, saga.NewSagaNotFoundError(sagaID)
	}
	if err != nil {
		return nil, saga.NewStorageError("get", err)
	}
	return decodeInstance(doc)
}

func (s *PostgresStore) Put(ctx context.Context, instance *saga.Instance) error {
	if instance == nil || instance.ID == "" {
		return saga.NewValidationError("instance id is required")
	}
	doc, err := encodeInstance(instance)
	if err != nil {
		return err
	}

	var completedAt interface{}
	if instance.CompletedAt != nil {
		completedAt = *instance.CompletedAt
	}

	query := fmt.Sprintf(`INSERT INTO %s
	(id, definition_id, correlation_id, status, document, created_at, updated_at, completed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO UPDATE SET
	status = EXCLUDED.status,
	document = EXCLUDED.document,
	updated_at = EXCLUDED.updated_at,
	completed_at = EXCLUDED.completed_at`, s.table)

	_, err = s.db.ExecContext(ctx, query,
		instance.ID,
		instance.DefinitionID,
		instance.CorrelationID,
		string(instance.Status),
		doc,
		instance.CreatedAt,
		instance.UpdatedAt,
		completedAt,
	)
	if err != nil {
		return saga.NewStorageError("put", err)
	}
	return nil
}

func (s *PostgresStore) ScanByCorrelation(ctx context.Context, correlationID string) ([]*saga.Instance, error) {
	return s.query(ctx,
		fmt.Sprintf(`SELECT document FROM %s WHERE correlation_id = $1 ORDER BY created_at, id`, s.table),
		correlationID)
}

func (s *PostgresStore) List(ctx context.Context) ([]*saga.Instance, error) {
	return s.query(ctx, fmt.Sprintf(`SELECT document FROM %s ORDER BY created_at, id`, s.table))
}

func (s *PostgresStore) Delete(ctx context.Context, sagaID string) error {
	if _, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.table), sagaID); err != nil {
		return saga.NewStorageError("delete", err)
	}
	return nil
}

func (s *PostgresStore) query(ctx context.Context, query string, args ...interface{}) ([]*saga.Instance, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, saga.NewStorageError("query", err)
	}
	defer rows.Close()

	var out []*saga.Instance
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, saga.NewStorageError("scan", err)
		}
		inst, err := decodeInstance(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, saga.NewStorageError("query", err)
	}
	return out, nil
}

func indexBase(table string) string {
	b := []byte(table)
	for i, c := range b {
		if c == '.' {
			b[i] = '_'
		}
	}
	return string(b)
}
