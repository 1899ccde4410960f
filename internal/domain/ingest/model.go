package ingest

import (
	"github.com/ehr/authority/internal/domain/changes"
	"github.com/ehr/authority/internal/platform/fhir"
)

// ModificationType reports what a successful batch entry did.
type ModificationType string

const (
	Created    ModificationType = "CREATED"
	Updated    ModificationType = "UPDATED"
	Unmodified ModificationType = "UNMODIFIED"
)

func modificationFor(t changes.Type) ModificationType {
	switch t {
	case changes.New:
		return Created
	case changes.Changed:
		return Updated
	default:
		return Unmodified
	}
}

// Mode selects whether written resources are validated and announced.
type Mode string

const (
	// ModeUnvalidated writes straight to the document store with no validation
	// and no events. Used with local storage.
	ModeUnvalidated Mode = "unvalidated"
	// ModeValidated validates every resource and publishes an event for every
	// write. Used with remote storage.
	ModeValidated Mode = "validated"
)

// Failure reasons reported in FailedResource.Error.
const (
	ReasonPersistence = "error publishing to data store"
	ReasonPublish     = "failed to publish event"
	ReasonHashUpdate  = "error updating the hash store"
	ReasonDetection   = "error determining change status"
	ReasonCancelled   = "request cancelled"
)

type SucceededResource struct {
	ResourceType     string           `json:"resourceType"`
	ResourceID       string           `json:"resourceId"`
	ModificationType ModificationType `json:"modificationType"`
}

type FailedResource struct {
	ResourceType string `json:"resourceType"`
	ResourceID   string `json:"resourceId"`
	Error        string `json:"error"`
}

// BatchResult is the per-resource report of a batch. Both lists follow the
// order in which keys first appeared in the batch.
type BatchResult struct {
	Succeeded []SucceededResource `json:"succeeded"`
	Failed    []FailedResource    `json:"failed"`
}

func newBatchResult() *BatchResult {
	return &BatchResult{Succeeded: []SucceededResource{}, Failed: []FailedResource{}}
}

// outcome is the terminal state of one resource within a batch.
type outcome struct {
	modification ModificationType
	err          string
}

func succeeded(m ModificationType) outcome { return outcome{modification: m} }

func failed(reason string) outcome { return outcome{err: reason} }

func (o outcome) ok() bool { return o.err == "" }

// assemble builds the BatchResult for keys in order.
func assemble(keys []fhir.Key, outcomes map[fhir.Key]outcome) *BatchResult {
	res := newBatchResult()
	for _, k := range keys {
		o, ok := outcomes[k]
		if !ok {
			continue
		}
		if o.ok() {
			res.Succeeded = append(res.Succeeded, SucceededResource{
				ResourceType:     k.ResourceType,
				ResourceID:       k.ResourceID,
				ModificationType: o.modification,
			})
			continue
		}
		res.Failed = append(res.Failed, FailedResource{
			ResourceType: k.ResourceType,
			ResourceID:   k.ResourceID,
			Error:        o.err,
		})
	}
	return res
}

// batch holds the deduplicated resources of a request. Duplicate keys keep
// their first position and the last value submitted.
type batch struct {
	keys      []fhir.Key
	resources map[fhir.Key]fhir.Resource
}

func newBatch(resources []fhir.Resource) batch {
	b := batch{resources: make(map[fhir.Key]fhir.Resource, len(resources))}
	for _, r := range resources {
		k := r.Key()
		if _, seen := b.resources[k]; !seen {
			b.keys = append(b.keys, k)
		}
		b.resources[k] = r
	}
	return b
}
