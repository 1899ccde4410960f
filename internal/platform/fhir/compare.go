package fhir

import (
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
)

// Normalize returns the comparable form of r: meta is cleared and the value is
// passed through a JSON round trip so that resources built in code and
// resources decoded from the wire share one representation (json.Number
// numbers, map[string]any objects, []any arrays).
func Normalize(r Resource) (Resource, error) {
	data, err := json.Marshal(r.WithoutMeta())
	if err != nil {
		return nil, fmt.Errorf("normalize %s: %w", r.Key(), err)
	}
	var out Resource
	if err := DecodeJSON(data, &out); err != nil {
		return nil, fmt.Errorf("normalize %s: %w", r.Key(), err)
	}
	return out, nil
}

// SemanticallyEqual reports whether a and b carry the same content once meta
// is disregarded.
func SemanticallyEqual(a, b Resource) (bool, error) {
	na, err := Normalize(a)
	if err != nil {
		return false, err
	}
	nb, err := Normalize(b)
	if err != nil {
		return false, err
	}
	return reflect.DeepEqual(map[string]any(na), map[string]any(nb)), nil
}

// ProfilesEqual compares meta.profile of two resources element by element.
func ProfilesEqual(a, b Resource) bool {
	return slices.Equal(a.Profiles(), b.Profiles())
}
