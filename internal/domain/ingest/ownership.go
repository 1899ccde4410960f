package ingest

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ehr/authority/internal/platform/fhir"
)

// ErrTenantMismatch rejects a request whose resources do not all belong to
// the tenant it was submitted for.
var ErrTenantMismatch = errors.New("tenant ownership mismatch")

// DefaultTenantIdentifierSystem is the identifier system that names the
// owning tenant.
const DefaultTenantIdentifierSystem = "urn:ehr:tenant"

// OwnershipError describes why one resource failed the ownership check.
type OwnershipError struct {
	Key    fhir.Key
	Reason string
}

func (e *OwnershipError) Error() string {
	return fmt.Sprintf("%s: %s", e.Key, e.Reason)
}

func (e *OwnershipError) Unwrap() error {
	return ErrTenantMismatch
}

// IDBelongsToTenant reports whether a resource id carries the tenant prefix.
func IDBelongsToTenant(tenantID, id string) bool {
	return strings.HasPrefix(id, tenantID+"-")
}

// checkOwnership verifies the id prefix and, for types that carry a list of
// identifiers, the presence of the tenant identifier.
func checkOwnership(tenantID, system string, r fhir.Resource) error {
	key := r.Key()
	if key.ResourceType == "" {
		return &OwnershipError{Key: key, Reason: "resourceType is required"}
	}
	if !IDBelongsToTenant(tenantID, key.ResourceID) {
		return &OwnershipError{Key: key, Reason: fmt.Sprintf("id must be prefixed with %q", tenantID+"-")}
	}

	ids, listed := fhir.Identifiers(r)
	if !listed {
		return nil
	}
	for _, id := range ids {
		if id.System == system && id.Value == tenantID {
			return nil
		}
	}
	return &OwnershipError{Key: key, Reason: fmt.Sprintf("identifier %s|%s is required", system, tenantID)}
}
