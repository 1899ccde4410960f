// Package hashing computes the content hash stored in the hash index.
//
// The digest is taken over the CBOR Core Deterministic Encoding (RFC 8949
// §4.2) of the resource after a JSON round trip, so object key order, the Go
// type used to build a number and process restarts never change the result.
// Numbers are hashed by their exact JSON text, so 1.50 and 1.5 differ and
// large integers are never rounded. Callers strip meta before hashing.
package hashing

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"

	"github.com/ehr/authority/internal/platform/fhir"
)

// derivationContext domain-separates resource content digests from any other
// BLAKE3 use. Changing it invalidates every stored hash.
const derivationContext = "ehr-authority 2024-05 resource content hash v2"

// numberTag wraps the JSON text of a number so it cannot collide with a
// string of the same characters. It sits in the first-come-first-served
// range of the CBOR tag registry.
const numberTag = 0x45485200

// Hasher produces a stable content digest for a resource.
type Hasher interface {
	Hash(r fhir.Resource) (int32, error)
}

// ContentHasher is the production Hasher.
type ContentHasher struct {
	encMode cbor.EncMode
}

func New() *ContentHasher {
	encMode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("hashing: CBOR encoder initialization failed: " + err.Error())
	}
	return &ContentHasher{encMode: encMode}
}

// Hash returns the first four bytes of the BLAKE3 digest of the canonical
// encoding, read as a big-endian int32.
func (h *ContentHasher) Hash(r fhir.Resource) (int32, error) {
	data, err := h.Canonical(r)
	if err != nil {
		return 0, err
	}
	hasher := blake3.NewDeriveKey(derivationContext)
	if _, err := hasher.Write(data); err != nil {
		return 0, fmt.Errorf("hash %s: %w", r.Key(), err)
	}
	sum := hasher.Sum(nil)
	return int32(binary.BigEndian.Uint32(sum[:4])), nil
}

// Canonical returns the deterministic CBOR bytes that Hash digests.
func (h *ContentHasher) Canonical(r fhir.Resource) ([]byte, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("canonicalize %s: %w", r.Key(), err)
	}
	var generic any
	if err := fhir.DecodeJSON(raw, &generic); err != nil {
		return nil, fmt.Errorf("canonicalize %s: %w", r.Key(), err)
	}
	out, err := h.encMode.Marshal(tagNumbers(generic))
	if err != nil {
		return nil, fmt.Errorf("canonicalize %s: %w", r.Key(), err)
	}
	return out, nil
}

func tagNumbers(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			t[k] = tagNumbers(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = tagNumbers(e)
		}
		return t
	case json.Number:
		return cbor.Tag{Number: numberTag, Content: string(t)}
	default:
		return v
	}
}

var defaultHasher = New()

// Hash hashes r with the package default ContentHasher.
func Hash(r fhir.Resource) (int32, error) {
	return defaultHasher.Hash(r)
}
