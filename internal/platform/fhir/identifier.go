package fhir

import (
	"strings"
	"sync"
)

// Identifier is the system|value pair used for business identity and tenant
// ownership.
type Identifier struct {
	System string `json:"system,omitempty"`
	Value  string `json:"value,omitempty"`
}

// ParseIdentifierToken parses a FHIR token search value of the form
// "system|value". A token without "|" is treated as a bare value.
func ParseIdentifierToken(token string) Identifier {
	if i := strings.Index(token, "|"); i >= 0 {
		return Identifier{System: token[:i], Value: token[i+1:]}
	}
	return Identifier{Value: token}
}

func (i Identifier) String() string {
	return i.System + "|" + i.Value
}

// Matches reports whether i satisfies the query q. An empty query system
// matches any system.
func (i Identifier) Matches(q Identifier) bool {
	if q.System != "" && i.System != q.System {
		return false
	}
	return i.Value == q.Value
}

// IdentifierAccessor extracts identifiers from a resource of one type. The
// listed result is true when the type carries identifiers as a list, which is
// what makes a resource subject to the tenant identifier check.
type IdentifierAccessor func(r Resource) (ids []Identifier, listed bool)

var (
	accessorsMu sync.RWMutex
	accessors   = map[string]IdentifierAccessor{}
)

// RegisterIdentifierAccessor installs the accessor for a resource type,
// replacing any existing one.
func RegisterIdentifierAccessor(resourceType string, acc IdentifierAccessor) {
	accessorsMu.Lock()
	defer accessorsMu.Unlock()
	accessors[resourceType] = acc
}

// Identifiers returns the identifiers of r using the accessor registered for
// its type. Unregistered types fall back to reading a list-typed "identifier"
// element.
func Identifiers(r Resource) ([]Identifier, bool) {
	accessorsMu.RLock()
	acc, ok := accessors[r.Type()]
	accessorsMu.RUnlock()
	if !ok {
		acc = ListIdentifiers("identifier")
	}
	return acc(r)
}

// ListIdentifiers reads a list of Identifier elements from field.
func ListIdentifiers(field string) IdentifierAccessor {
	return func(r Resource) ([]Identifier, bool) {
		list, ok := r[field].([]any)
		if !ok {
			return nil, false
		}
		ids := make([]Identifier, 0, len(list))
		for _, item := range list {
			if id, ok := toIdentifier(item); ok {
				ids = append(ids, id)
			}
		}
		return ids, true
	}
}

// SingleIdentifier reads one Identifier element from field. Such types are
// never listed.
func SingleIdentifier(field string) IdentifierAccessor {
	return func(r Resource) ([]Identifier, bool) {
		if id, ok := toIdentifier(r[field]); ok {
			return []Identifier{id}, false
		}
		return nil, false
	}
}

// CombinedIdentifiers merges a listed accessor with additional single
// identifiers (for example DocumentReference.masterIdentifier).
func CombinedIdentifiers(primary IdentifierAccessor, extra ...IdentifierAccessor) IdentifierAccessor {
	return func(r Resource) ([]Identifier, bool) {
		ids, listed := primary(r)
		for _, acc := range extra {
			more, _ := acc(r)
			ids = append(ids, more...)
		}
		return ids, listed
	}
}

// NoIdentifiers is the accessor for types that carry no identifier element.
func NoIdentifiers(Resource) ([]Identifier, bool) {
	return nil, false
}

func toIdentifier(v any) (Identifier, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return Identifier{}, false
	}
	system, _ := m["system"].(string)
	value, _ := m["value"].(string)
	if system == "" && value == "" {
		return Identifier{}, false
	}
	return Identifier{System: system, Value: value}, true
}

func init() {
	listed := ListIdentifiers("identifier")
	for _, rt := range []string{
		"Patient", "Practitioner", "PractitionerRole", "Organization", "Location",
		"Encounter", "Condition", "Observation", "AllergyIntolerance", "Procedure",
		"Medication", "MedicationRequest", "MedicationAdministration",
		"MedicationDispense", "MedicationStatement", "ServiceRequest",
		"DiagnosticReport", "ImagingStudy", "Specimen", "Appointment", "Schedule",
		"Slot", "Coverage", "Claim", "Consent", "CarePlan", "CareTeam",
		"Communication", "Immunization", "Device", "RelatedPerson", "Goal",
		"EpisodeOfCare", "Task", "Questionnaire", "ResearchStudy", "ResearchSubject",
	} {
		RegisterIdentifierAccessor(rt, listed)
	}

	RegisterIdentifierAccessor("DocumentReference", CombinedIdentifiers(listed, SingleIdentifier("masterIdentifier")))
	RegisterIdentifierAccessor("QuestionnaireResponse", SingleIdentifier("identifier"))
	RegisterIdentifierAccessor("Composition", SingleIdentifier("identifier"))
	RegisterIdentifierAccessor("Bundle", SingleIdentifier("identifier"))

	for _, rt := range []string{"Binary", "Parameters", "OperationOutcome", "Subscription", "Provenance"} {
		RegisterIdentifierAccessor(rt, NoIdentifiers)
	}
}
