// Package validation decides whether a resource may be accepted into the
// document store. Validators are pluggable per resource type; the write
// orchestrator only consumes the pass/fail result and its message.
package validation

import (
	"context"
	"sync"

	"github.com/ehr/authority/internal/platform/fhir"
)

// Result is the outcome of validating one resource.
type Result struct {
	Passed  bool
	Message string
	Outcome *fhir.OperationOutcome
}

func Pass() Result {
	return Result{Passed: true}
}

// Fail builds a failed Result from an outcome; the message is the outcome's
// error summary.
func Fail(outcome *fhir.OperationOutcome) Result {
	return Result{Passed: false, Message: outcome.Summary(), Outcome: outcome}
}

// Failf builds a failed Result with a single error issue.
func Failf(code, message string) Result {
	return Fail(fhir.NewOperationOutcome(fhir.IssueSeverityError, code, message))
}

// Validator validates a resource on behalf of a tenant.
type Validator interface {
	Validate(ctx context.Context, r fhir.Resource, tenantID string) Result
}

// Func adapts a function to the Validator interface.
type Func func(ctx context.Context, r fhir.Resource, tenantID string) Result

func (f Func) Validate(ctx context.Context, r fhir.Resource, tenantID string) Result {
	return f(ctx, r, tenantID)
}

// Registry runs a base validator for every resource and, when it passes, the
// validators registered for the resource's type in registration order.
type Registry struct {
	base   Validator
	mu     sync.RWMutex
	byType map[string][]Validator
}

// NewRegistry returns a Registry using base for every resource. A nil base
// accepts everything not rejected by a type validator.
func NewRegistry(base Validator) *Registry {
	return &Registry{base: base, byType: make(map[string][]Validator)}
}

func (r *Registry) Register(resourceType string, v Validator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[resourceType] = append(r.byType[resourceType], v)
}

func (r *Registry) Validate(ctx context.Context, res fhir.Resource, tenantID string) Result {
	if r.base != nil {
		if result := r.base.Validate(ctx, res, tenantID); !result.Passed {
			return result
		}
	}
	r.mu.RLock()
	validators := r.byType[res.Type()]
	r.mu.RUnlock()
	for _, v := range validators {
		if result := v.Validate(ctx, res, tenantID); !result.Passed {
			return result
		}
	}
	return Pass()
}
