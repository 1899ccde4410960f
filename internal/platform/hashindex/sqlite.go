package hashindex

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS resource_hash (
    id            TEXT PRIMARY KEY,
    tenant_id     TEXT    NOT NULL,
    resource_type TEXT    NOT NULL,
    resource_id   TEXT    NOT NULL,
    hash          INTEGER NOT NULL,
    updated_at    TEXT    NOT NULL,
    UNIQUE (tenant_id, resource_type, resource_id)
)`

// SQLiteStore is a durable single-node Store for deployments without Postgres.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite creates or opens the database at path and applies the schema.
// The pool is limited to one connection since SQLite allows a single writer.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite hash index: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect sqlite hash index: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite hash index schema: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Get(ctx context.Context, tenantID, resourceType, resourceID string) (*Record, error) {
	rec, err := s.scan(s.db.QueryRowContext(ctx,
		`SELECT `+recordCols+` FROM resource_hash
		WHERE tenant_id = ? AND resource_type = ? AND resource_id = ?`,
		tenantID, resourceType, resourceID))
	if err != nil {
		return nil, fmt.Errorf("hash index get %s/%s: %w", resourceType, resourceID, err)
	}
	return rec, nil
}

func (s *SQLiteStore) Insert(ctx context.Context, rec *Record) (*Record, error) {
	id := rec.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO resource_hash (id, tenant_id, resource_type, resource_id, hash, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, resource_type, resource_id)
		DO UPDATE SET hash = excluded.hash, updated_at = excluded.updated_at`,
		id.String(), rec.TenantID, rec.ResourceType, rec.ResourceID, rec.Hash, s.timestamp())
	if err != nil {
		return nil, fmt.Errorf("hash index insert %s/%s: %w", rec.ResourceType, rec.ResourceID, err)
	}
	return s.Get(ctx, rec.TenantID, rec.ResourceType, rec.ResourceID)
}

func (s *SQLiteStore) Update(ctx context.Context, id uuid.UUID, hash int32) (*Record, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE resource_hash SET hash = ?, updated_at = ? WHERE id = ?`,
		hash, s.timestamp(), id.String())
	if err != nil {
		return nil, fmt.Errorf("hash index update %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("hash index update %s: %w", id, ErrNotFound)
	}
	rec, err := s.scan(s.db.QueryRowContext(ctx,
		`SELECT `+recordCols+` FROM resource_hash WHERE id = ?`, id.String()))
	if err != nil {
		return nil, fmt.Errorf("hash index update %s: %w", id, err)
	}
	return rec, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, tenantID, resourceType, resourceID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM resource_hash WHERE tenant_id = ? AND resource_type = ? AND resource_id = ?`,
		tenantID, resourceType, resourceID)
	if err != nil {
		return false, fmt.Errorf("hash index delete %s/%s: %w", resourceType, resourceID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("hash index delete %s/%s: %w", resourceType, resourceID, err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

func (s *SQLiteStore) scan(row *sql.Row) (*Record, error) {
	var (
		r         Record
		id        string
		updatedAt string
	)
	err := row.Scan(&id, &r.TenantID, &r.ResourceType, &r.ResourceID, &r.Hash, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if r.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse record id %q: %w", id, err)
	}
	if r.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at %q: %w", updatedAt, err)
	}
	return &r, nil
}
