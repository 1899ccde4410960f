package events

import (
	"context"
	"sync"
	"time"

	"github.com/ehr/authority/internal/domain/changes"
	"github.com/ehr/authority/internal/platform/fhir"
)

// MemoryPublisher keeps published events in memory. FailFor, when set, lets
// tests reject individual events.
type MemoryPublisher struct {
	Prefix  string
	FailFor func(Event) error

	mu     sync.Mutex
	events []Event
}

func NewMemoryPublisher(prefix string) *MemoryPublisher {
	return &MemoryPublisher{Prefix: prefix}
}

func (p *MemoryPublisher) Publish(_ context.Context, tenantID string, r fhir.Resource, t changes.Type) error {
	event := NewEvent(p.Prefix, tenantID, r.Clone(), t, time.Now())
	if p.FailFor != nil {
		if err := p.FailFor(event); err != nil {
			return err
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

// Events returns the published events in publish order.
func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}
