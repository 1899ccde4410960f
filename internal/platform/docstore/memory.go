package docstore

import (
	"context"
	"sort"
	"sync"

	"github.com/ehr/authority/internal/platform/fhir"
)

// MemoryStore is a thread-safe, in-memory Gateway. Stored resources are deep
// copies, so callers may keep mutating their own values.
type MemoryStore struct {
	mu        sync.RWMutex
	resources map[fhir.Key]fhir.Resource
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{resources: make(map[fhir.Key]fhir.Resource)}
}

func (s *MemoryStore) UpsertBatch(_ context.Context, resources []fhir.Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range resources {
		s.resources[r.Key()] = r.Clone()
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, resourceType, id string) (fhir.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.resources[fhir.Key{ResourceType: resourceType, ResourceID: id}]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (s *MemoryStore) Delete(_ context.Context, resourceType, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := fhir.Key{ResourceType: resourceType, ResourceID: id}
	if _, ok := s.resources[key]; !ok {
		return ErrNotFound
	}
	delete(s.resources, key)
	return nil
}

// Search matches identifiers through the accessor registered for the
// resource type. Results are ordered by id.
func (s *MemoryStore) Search(_ context.Context, resourceType string, ident fhir.Identifier) ([]fhir.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []fhir.Resource
	for key, r := range s.resources {
		if key.ResourceType != resourceType {
			continue
		}
		ids, _ := fhir.Identifiers(r)
		for _, id := range ids {
			if id.Matches(ident) {
				out = append(out, r.Clone())
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out, nil
}

// Len returns the number of stored resources.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.resources)
}
