package hashindex

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryKey struct {
	tenantID     string
	resourceType string
	resourceID   string
}

// MemoryStore is a thread-safe, in-memory Store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[memoryKey]*Record
	byID    map[uuid.UUID]memoryKey
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[memoryKey]*Record),
		byID:    make(map[uuid.UUID]memoryKey),
		now:     time.Now,
	}
}

func (s *MemoryStore) Get(_ context.Context, tenantID, resourceType, resourceID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[memoryKey{tenantID, resourceType, resourceID}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// Upsert stores rec under its key. An existing record for the key keeps its ID
// and takes the new hash, so repeated calls are idempotent.
func (s *MemoryStore) Upsert(_ context.Context, rec *Record) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertLocked(rec), nil
}

func (s *MemoryStore) upsertLocked(rec *Record) *Record {
	key := memoryKey{rec.TenantID, rec.ResourceType, rec.ResourceID}
	stored, ok := s.records[key]
	if !ok {
		stored = &Record{
			ID:           rec.ID,
			TenantID:     rec.TenantID,
			ResourceType: rec.ResourceType,
			ResourceID:   rec.ResourceID,
		}
		if stored.ID == uuid.Nil {
			stored.ID = uuid.New()
		}
		s.records[key] = stored
		s.byID[stored.ID] = key
	}
	stored.Hash = rec.Hash
	stored.UpdatedAt = s.now().UTC()
	cp := *stored
	return &cp
}

// Insert behaves like Upsert: a concurrent writer that inserted the same key
// first is overwritten rather than rejected.
func (s *MemoryStore) Insert(ctx context.Context, rec *Record) (*Record, error) {
	return s.Upsert(ctx, rec)
}

func (s *MemoryStore) Update(_ context.Context, id uuid.UUID, hash int32) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	stored := s.records[key]
	stored.Hash = hash
	stored.UpdatedAt = s.now().UTC()
	cp := *stored
	return &cp, nil
}

func (s *MemoryStore) Delete(_ context.Context, tenantID, resourceType, resourceID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memoryKey{tenantID, resourceType, resourceID}
	rec, ok := s.records[key]
	if !ok {
		return false, nil
	}
	delete(s.records, key)
	delete(s.byID, rec.ID)
	return true, nil
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
