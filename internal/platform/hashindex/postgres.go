package hashindex

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type postgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore returns a Store backed by the resource_hash table created
// by migrations/001_resource_hash.sql.
func NewPostgresStore(pool *pgxpool.Pool) Store {
	return &postgresStore{pool: pool}
}

func (s *postgresStore) conn() querier {
	return s.pool
}

const recordCols = `id, tenant_id, resource_type, resource_id, hash, updated_at`

func (s *postgresStore) Get(ctx context.Context, tenantID, resourceType, resourceID string) (*Record, error) {
	rec, err := scanRecord(s.conn().QueryRow(ctx,
		`SELECT `+recordCols+` FROM resource_hash
		WHERE tenant_id = $1 AND resource_type = $2 AND resource_id = $3`,
		tenantID, resourceType, resourceID))
	if err != nil {
		return nil, fmt.Errorf("hash index get %s/%s: %w", resourceType, resourceID, err)
	}
	return rec, nil
}

// Insert creates the record. A row inserted concurrently for the same key is
// overwritten so the last writer wins, matching Update semantics.
func (s *postgresStore) Insert(ctx context.Context, rec *Record) (*Record, error) {
	id := rec.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	out, err := scanRecord(s.conn().QueryRow(ctx, `
		INSERT INTO resource_hash (id, tenant_id, resource_type, resource_id, hash, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (tenant_id, resource_type, resource_id)
		DO UPDATE SET hash = EXCLUDED.hash, updated_at = NOW()
		RETURNING `+recordCols,
		id, rec.TenantID, rec.ResourceType, rec.ResourceID, rec.Hash))
	if err != nil {
		return nil, fmt.Errorf("hash index insert %s/%s: %w", rec.ResourceType, rec.ResourceID, err)
	}
	return out, nil
}

func (s *postgresStore) Update(ctx context.Context, id uuid.UUID, hash int32) (*Record, error) {
	out, err := scanRecord(s.conn().QueryRow(ctx, `
		UPDATE resource_hash SET hash = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING `+recordCols, id, hash))
	if err != nil {
		return nil, fmt.Errorf("hash index update %s: %w", id, err)
	}
	return out, nil
}

func (s *postgresStore) Delete(ctx context.Context, tenantID, resourceType, resourceID string) (bool, error) {
	tag, err := s.conn().Exec(ctx,
		`DELETE FROM resource_hash WHERE tenant_id = $1 AND resource_type = $2 AND resource_id = $3`,
		tenantID, resourceType, resourceID)
	if err != nil {
		return false, fmt.Errorf("hash index delete %s/%s: %w", resourceType, resourceID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func scanRecord(row pgx.Row) (*Record, error) {
	var r Record
	err := row.Scan(&r.ID, &r.TenantID, &r.ResourceType, &r.ResourceID, &r.Hash, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}
