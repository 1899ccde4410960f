package validation

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strings"

	"github.com/ehr/authority/internal/platform/fhir"
)

// referencePattern matches relative references of the form "ResourceType/id".
var referencePattern = regexp.MustCompile(`^[A-Z][a-zA-Z]+/[a-zA-Z0-9\-\.]+$`)

var knownResourceTypes = map[string]bool{
	"Patient": true, "Practitioner": true, "PractitionerRole": true,
	"Organization": true, "Location": true, "Encounter": true,
	"Condition": true, "Observation": true, "AllergyIntolerance": true,
	"Procedure": true, "Medication": true, "MedicationRequest": true,
	"MedicationAdministration": true, "MedicationDispense": true,
	"MedicationStatement": true, "ServiceRequest": true,
	"DiagnosticReport": true, "ImagingStudy": true, "Specimen": true,
	"Appointment": true, "Schedule": true, "Slot": true,
	"Coverage": true, "Claim": true, "ClaimResponse": true,
	"Consent": true, "DocumentReference": true, "Composition": true,
	"Communication": true, "ResearchStudy": true, "ResearchSubject": true,
	"Questionnaire": true, "QuestionnaireResponse": true,
	"Invoice": true, "CareTeam": true, "CarePlan": true,
	"Immunization": true, "Device": true, "RelatedPerson": true,
	"Goal": true, "EpisodeOfCare": true, "Task": true,
	"Binary": true, "Provenance": true,
}

// statusValues holds the FHIR R4 status value sets checked for each type.
var statusValues = map[string][]string{
	"Encounter":                {"planned", "arrived", "triaged", "in-progress", "onleave", "finished", "cancelled", "entered-in-error", "unknown"},
	"Observation":              {"registered", "preliminary", "final", "amended", "corrected", "cancelled", "entered-in-error", "unknown"},
	"Procedure":                {"preparation", "in-progress", "not-done", "on-hold", "stopped", "completed", "entered-in-error", "unknown"},
	"Medication":               {"active", "inactive", "entered-in-error"},
	"MedicationRequest":        {"active", "on-hold", "cancelled", "completed", "entered-in-error", "stopped", "draft", "unknown"},
	"MedicationAdministration": {"in-progress", "not-done", "on-hold", "completed", "entered-in-error", "stopped", "unknown"},
	"MedicationDispense":       {"preparation", "in-progress", "cancelled", "on-hold", "completed", "entered-in-error", "stopped", "declined", "unknown"},
	"MedicationStatement":      {"active", "completed", "entered-in-error", "intended", "stopped", "on-hold", "unknown", "not-taken"},
	"ServiceRequest":           {"draft", "active", "on-hold", "revoked", "completed", "entered-in-error", "unknown"},
	"DiagnosticReport":         {"registered", "partial", "preliminary", "final", "amended", "corrected", "appended", "cancelled", "entered-in-error", "unknown"},
	"Appointment":              {"proposed", "pending", "booked", "arrived", "fulfilled", "cancelled", "noshow", "entered-in-error", "checked-in", "waitlist"},
	"Slot":                     {"busy", "free", "busy-unavailable", "busy-tentative", "entered-in-error"},
	"Coverage":                 {"active", "cancelled", "draft", "entered-in-error"},
	"Claim":                    {"active", "cancelled", "draft", "entered-in-error"},
	"Consent":                  {"draft", "proposed", "active", "rejected", "inactive", "entered-in-error"},
	"DocumentReference":        {"current", "superseded", "entered-in-error"},
	"Composition":              {"preliminary", "final", "amended", "entered-in-error"},
	"Communication":            {"preparation", "in-progress", "not-done", "on-hold", "stopped", "completed", "entered-in-error", "unknown"},
	"Immunization":             {"completed", "entered-in-error", "not-done"},
	"Task":                     {"draft", "requested", "received", "accepted", "rejected", "ready", "cancelled", "in-progress", "on-hold", "failed", "completed", "entered-in-error"},
}

// IsKnownResourceType reports whether rt is accepted by the structural
// validator.
func IsKnownResourceType(rt string) bool {
	return knownResourceTypes[rt]
}

// Structural checks the generic FHIR R4 shape of a resource: a known
// resourceType, a non-empty id, a status from the type's value set and
// well-formed relative references. It does not check profiles.
type Structural struct{}

func NewStructural() *Structural {
	return &Structural{}
}

func (v *Structural) Validate(_ context.Context, r fhir.Resource, _ string) Result {
	b := fhir.NewOutcomeBuilder()
	v.validateResourceType(r, b)
	v.validateID(r, b)
	v.validateStatus(r, b)
	walkReferences(map[string]any(r), "", b)

	outcome := b.Build()
	if outcome.HasErrors() {
		return Fail(outcome)
	}
	return Pass()
}

func (v *Structural) validateResourceType(r fhir.Resource, b *fhir.OutcomeBuilder) {
	raw, ok := r["resourceType"]
	if !ok {
		b.AddIssueWithLocation(fhir.IssueSeverityError, fhir.IssueTypeRequired, "resourceType is required", "resourceType")
		return
	}
	rt, ok := raw.(string)
	if !ok || rt == "" {
		b.AddIssueWithLocation(fhir.IssueSeverityError, fhir.IssueTypeValue, "resourceType must be a non-empty string", "resourceType")
		return
	}
	if !knownResourceTypes[rt] {
		b.AddIssueWithLocation(fhir.IssueSeverityError, fhir.IssueTypeValue, fmt.Sprintf("unknown resourceType: %s", rt), "resourceType")
	}
}

func (v *Structural) validateID(r fhir.Resource, b *fhir.OutcomeBuilder) {
	raw, ok := r["id"]
	if !ok {
		b.AddIssueWithLocation(fhir.IssueSeverityError, fhir.IssueTypeRequired, "id is required", "id")
		return
	}
	if id, ok := raw.(string); !ok || id == "" {
		b.AddIssueWithLocation(fhir.IssueSeverityError, fhir.IssueTypeValue, "id must be a non-empty string", "id")
	}
}

func (v *Structural) validateStatus(r fhir.Resource, b *fhir.OutcomeBuilder) {
	raw, ok := r["status"]
	if !ok {
		return
	}
	status, ok := raw.(string)
	if !ok {
		b.AddIssueWithLocation(fhir.IssueSeverityError, fhir.IssueTypeValue, "status must be a string", "status")
		return
	}
	valid, ok := statusValues[r.Type()]
	if !ok {
		return
	}
	if !slices.Contains(valid, status) {
		b.AddIssueWithLocation(fhir.IssueSeverityError, fhir.IssueTypeCodeInvalid,
			fmt.Sprintf("invalid status '%s' for %s; valid values: %s", status, r.Type(), strings.Join(valid, ", ")),
			"status")
	}
}

// walkReferences visits object keys in sorted order so that issue order is
// stable between runs.
func walkReferences(obj map[string]any, path string, b *fhir.OutcomeBuilder) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		current := key
		if path != "" {
			current = path + "." + key
		}
		switch val := obj[key].(type) {
		case map[string]any:
			if ref, ok := val["reference"].(string); ok && ref != "" && !isRelativeReference(ref) {
				b.AddIssueWithLocation(fhir.IssueSeverityError, fhir.IssueTypeValue,
					fmt.Sprintf("invalid reference format '%s'; expected 'ResourceType/id'", ref),
					current+".reference")
			}
			walkReferences(val, current, b)
		case []any:
			for i, item := range val {
				if m, ok := item.(map[string]any); ok {
					walkReferences(m, fmt.Sprintf("%s[%d]", current, i), b)
				}
			}
		}
	}
}

// isRelativeReference accepts "Type/id" and contained references ("#id").
func isRelativeReference(ref string) bool {
	return strings.HasPrefix(ref, "#") || referencePattern.MatchString(ref)
}
