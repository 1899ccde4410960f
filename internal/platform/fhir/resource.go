package fhir

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
)

// Resource is a FHIR resource held in its generic JSON object form. The
// authority never mutates a Resource in place; every change produces a copy.
type Resource map[string]any

// Key identifies a resource within a tenant.
type Key struct {
	ResourceType string `json:"resourceType"`
	ResourceID   string `json:"resourceId"`
}

func (k Key) String() string {
	return k.ResourceType + "/" + k.ResourceID
}

// Type returns the resourceType discriminator, or "" when absent.
func (r Resource) Type() string {
	s, _ := r["resourceType"].(string)
	return s
}

// ID returns the logical id, or "" when absent.
func (r Resource) ID() string {
	s, _ := r["id"].(string)
	return s
}

func (r Resource) Key() Key {
	return Key{ResourceType: r.Type(), ResourceID: r.ID()}
}

// Meta returns the meta element, or nil.
func (r Resource) Meta() map[string]any {
	m, _ := r["meta"].(map[string]any)
	return m
}

// Profiles returns meta.profile as declared on the resource. Order is kept
// because profile lists are compared element by element.
func (r Resource) Profiles() []string {
	meta := r.Meta()
	if meta == nil {
		return nil
	}
	switch v := meta["profile"].(type) {
	case []string:
		return slices.Clone(v)
	case []any:
		out := make([]string, 0, len(v))
		for _, p := range v {
			if s, ok := p.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// WithoutMeta returns a shallow copy of the resource with meta removed.
// Provenance and lastUpdated live in meta and must never influence change
// detection.
func (r Resource) WithoutMeta() Resource {
	out := make(Resource, len(r))
	for k, v := range r {
		if k == "meta" {
			continue
		}
		out[k] = v
	}
	return out
}

// Clone returns a deep copy of the resource.
func (r Resource) Clone() Resource {
	if r == nil {
		return nil
	}
	return cloneValue(map[string]any(r)).(map[string]any)
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	case Resource:
		return Resource(cloneValue(map[string]any(t)).(map[string]any))
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return slices.Clone(t)
	default:
		return v
	}
}

// DecodeJSON decodes data into v keeping every number as a json.Number, so
// decimals such as 1.50 and integers beyond 2^53 survive unchanged. Trailing
// content after the first value is an error.
func DecodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return fmt.Errorf("unexpected data after top-level value")
	}
	return nil
}

// ParseResource decodes a single JSON resource.
func ParseResource(data []byte) (Resource, error) {
	var r Resource
	if err := DecodeJSON(data, &r); err != nil {
		return nil, fmt.Errorf("decode resource: %w", err)
	}
	if r == nil {
		return nil, fmt.Errorf("decode resource: not a JSON object")
	}
	return r, nil
}

// ParseResources decodes either a JSON array of resources or a Bundle whose
// entries carry resources.
func ParseResources(data []byte) ([]Resource, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var list []Resource
		if err := DecodeJSON(data, &list); err != nil {
			return nil, fmt.Errorf("decode resource list: %w", err)
		}
		return list, nil
	}

	var bundle struct {
		ResourceType string `json:"resourceType"`
		Entry        []struct {
			Resource Resource `json:"resource"`
		} `json:"entry"`
	}
	if err := DecodeJSON(data, &bundle); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	if bundle.ResourceType != "Bundle" {
		return nil, fmt.Errorf("expected a JSON array or a Bundle, got resourceType %q", bundle.ResourceType)
	}
	list := make([]Resource, 0, len(bundle.Entry))
	for i, e := range bundle.Entry {
		if e.Resource == nil {
			return nil, fmt.Errorf("bundle entry[%d] has no resource", i)
		}
		list = append(list, e.Resource)
	}
	return list, nil
}
