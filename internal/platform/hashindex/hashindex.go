// Package hashindex stores the last accepted content hash of every resource,
// keyed by (tenant, resource type, resource id).
//
// Three interchangeable backends implement Store: Postgres and SQLite for
// durable deployments and an in-memory map for local development and tests.
// Concurrent writers to the same key are not serialized here; the last writer
// wins.
package hashindex

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no record exists for a key or id.
var ErrNotFound = errors.New("hash record not found")

// Record is one row of the hash index.
type Record struct {
	ID           uuid.UUID `json:"id"`
	TenantID     string    `json:"tenant_id"`
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id"`
	Hash         int32     `json:"hash"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Store is the hash index contract used by change detection and the write
// orchestrator.
type Store interface {
	// Get returns the record for the key or ErrNotFound.
	Get(ctx context.Context, tenantID, resourceType, resourceID string) (*Record, error)
	// Insert creates a record; the store assigns ID and UpdatedAt.
	Insert(ctx context.Context, rec *Record) (*Record, error)
	// Update replaces the hash of an existing record, or returns ErrNotFound.
	Update(ctx context.Context, id uuid.UUID, hash int32) (*Record, error)
	// Delete removes the record for the key and reports whether one existed.
	Delete(ctx context.Context, tenantID, resourceType, resourceID string) (bool, error)
}
