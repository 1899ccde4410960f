// Package events turns accepted resources into domain events and hands them
// to the event bus. A publish failure never undoes the document store write
// that preceded it.
package events

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/authority/internal/domain/changes"
	"github.com/ehr/authority/internal/platform/fhir"
)

// Action is the event kind derived from a change classification.
type Action string

const (
	ActionCreate Action = "CREATE"
	ActionUpdate Action = "UPDATE"
)

// ActionFor maps a classification to its event action. Only NEW and CHANGED
// resources produce events; anything else reaching here is a programming
// error and panics.
func ActionFor(t changes.Type) Action {
	switch t {
	case changes.New:
		return ActionCreate
	case changes.Changed:
		return ActionUpdate
	default:
		panic(fmt.Sprintf("events: no event for change type %q", t))
	}
}

// Event is the payload published for an accepted resource.
type Event struct {
	ID           string        `json:"id"`
	Type         Action        `json:"type"`
	EventType    string        `json:"eventType"`
	TenantID     string        `json:"tenantId"`
	ResourceType string        `json:"resourceType"`
	ResourceID   string        `json:"resourceId"`
	Timestamp    time.Time     `json:"timestamp"`
	Data         fhir.Resource `json:"data"`
}

// NewEvent builds the event for r. It panics for classifications other than
// NEW and CHANGED.
func NewEvent(prefix, tenantID string, r fhir.Resource, t changes.Type, now time.Time) Event {
	action := ActionFor(t)
	return Event{
		ID:           uuid.New().String(),
		Type:         action,
		EventType:    fmt.Sprintf("%s.%s.%s", prefix, strings.ToLower(r.Type()), strings.ToLower(string(action))),
		TenantID:     tenantID,
		ResourceType: r.Type(),
		ResourceID:   r.ID(),
		Timestamp:    now.UTC(),
		Data:         r,
	}
}

// Topic returns the topic events for a resource type are published to.
func Topic(prefix, resourceType string) string {
	return fmt.Sprintf("%s.%s.v1", prefix, strings.ToLower(resourceType))
}

// MessageKey partitions events by tenant and resource so that events for one
// resource stay ordered.
func MessageKey(tenantID string, r fhir.Resource) string {
	return tenantID + "/" + r.Key().String()
}

// Publisher publishes the event for a NEW or CHANGED resource.
type Publisher interface {
	Publish(ctx context.Context, tenantID string, r fhir.Resource, t changes.Type) error
}
