// Package changes classifies incoming resources against the last accepted
// state of each (tenant, type, id).
//
// Classification is three-tiered. A missing hash record means NEW and a
// differing hash means CHANGED. A matching hash is necessary but not
// sufficient for UNCHANGED: meta.profile is not part of the hash, so the last
// committed document is fetched and compared before a resource is declared
// unchanged.
package changes

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ehr/authority/internal/platform/docstore"
	"github.com/ehr/authority/internal/platform/fhir"
	"github.com/ehr/authority/internal/platform/hashindex"
	"github.com/ehr/authority/internal/platform/hashing"
)

// Type is the classification of a resource.
type Type string

const (
	New       Type = "NEW"
	Changed   Type = "CHANGED"
	Unchanged Type = "UNCHANGED"
)

// Status is the outcome of change detection for one resource. HashRecordID is
// nil for NEW resources. ComputedHash is written to the hash index only after
// the resource has been committed downstream.
type Status struct {
	ResourceType string     `json:"resourceType"`
	ResourceID   string     `json:"resourceId"`
	Type         Type       `json:"type"`
	HashRecordID *uuid.UUID `json:"hashRecordId,omitempty"`
	ComputedHash int32      `json:"computedHash"`
}

func (s Status) Key() fhir.Key {
	return fhir.Key{ResourceType: s.ResourceType, ResourceID: s.ResourceID}
}

// Detector holds no state of its own; every call reads the hash index and,
// when needed, the document store.
type Detector struct {
	hasher hashing.Hasher
	index  hashindex.Store
	docs   docstore.Gateway
}

func NewDetector(hasher hashing.Hasher, index hashindex.Store, docs docstore.Gateway) *Detector {
	return &Detector{hasher: hasher, index: index, docs: docs}
}

// DetermineChangeStatus classifies a single resource for the tenant.
func (d *Detector) DetermineChangeStatus(ctx context.Context, tenantID string, r fhir.Resource) (Status, error) {
	st := Status{ResourceType: r.Type(), ResourceID: r.ID()}

	hash, err := d.hasher.Hash(r.WithoutMeta())
	if err != nil {
		return st, fmt.Errorf("compute hash: %w", err)
	}
	st.ComputedHash = hash

	stored, err := d.index.Get(ctx, tenantID, st.ResourceType, st.ResourceID)
	if errors.Is(err, hashindex.ErrNotFound) {
		st.Type = New
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("look up hash record: %w", err)
	}
	id := stored.ID
	st.HashRecordID = &id

	if stored.Hash != hash {
		st.Type = Changed
		return st, nil
	}

	current, err := d.docs.Get(ctx, st.ResourceType, st.ResourceID)
	if errors.Is(err, docstore.ErrNotFound) {
		// Indexed but absent from the store: write it again instead of failing
		// the resource like other fetch errors.
		st.Type = Changed
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("fetch current document: %w", err)
	}

	if !fhir.ProfilesEqual(r, current) {
		st.Type = Changed
		return st, nil
	}
	equal, err := fhir.SemanticallyEqual(r, current)
	if err != nil {
		return st, fmt.Errorf("compare with current document: %w", err)
	}
	if equal {
		st.Type = Unchanged
	} else {
		st.Type = Changed
	}
	return st, nil
}

// DetermineChangeStatuses classifies every resource in the map. A failure for
// one key is reported in the error map and never affects the others.
func (d *Detector) DetermineChangeStatuses(ctx context.Context, tenantID string, resources map[fhir.Key]fhir.Resource) (map[fhir.Key]Status, map[fhir.Key]error) {
	statuses := make(map[fhir.Key]Status, len(resources))
	failures := make(map[fhir.Key]error)
	for key, r := range resources {
		st, err := d.DetermineChangeStatus(ctx, tenantID, r)
		if err != nil {
			failures[key] = err
			continue
		}
		statuses[key] = st
	}
	return statuses, failures
}
