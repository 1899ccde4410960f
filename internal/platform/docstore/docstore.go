// Package docstore is the gateway to the authoritative document store. The
// remote backend talks to a FHIR REST server; the memory backend serves local
// development and tests.
package docstore

import (
	"context"
	"errors"

	"github.com/ehr/authority/internal/platform/fhir"
)

// ErrNotFound is returned by Get and Delete when the store has no such
// resource. Transport and server failures are returned as other errors.
var ErrNotFound = errors.New("resource not found in document store")

// ErrSearchTruncated is returned by Search when the result set spans more
// pages than the store is willing to follow.
var ErrSearchTruncated = errors.New("search result exceeds the page limit")

// Gateway is the document store contract.
type Gateway interface {
	// UpsertBatch writes every resource, replacing existing ones by id. Either
	// the whole batch is reported as written or an error is returned.
	UpsertBatch(ctx context.Context, resources []fhir.Resource) error
	Get(ctx context.Context, resourceType, id string) (fhir.Resource, error)
	Delete(ctx context.Context, resourceType, id string) error
	// Search returns resources of the type carrying a matching identifier.
	Search(ctx context.Context, resourceType string, ident fhir.Identifier) ([]fhir.Resource, error)
}
