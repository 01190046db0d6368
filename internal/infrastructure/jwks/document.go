// Package jwks fetches and decodes an identity provider's JSON Web Key Set.
package jwks

import (
	"encoding/json"
	"errors"
	"fmt"
)

// JSONWebKey is one entry of a key set. Only the certificate chain form (x5c)
// is usable for verification; n/e are decoded so they can be reported.
type JSONWebKey struct {
	Kid string   `json:"kid,omitempty"`
	Kty string   `json:"kty,omitempty"`
	Alg string   `json:"alg,omitempty"`
	Use string   `json:"use,omitempty"`
	X5c []string `json:"x5c,omitempty"`
	N   string   `json:"n,omitempty"`
	E   string   `json:"e,omitempty"`

	malformed bool
}

// Malformed reports whether the entry did not decode as a key. Only its kid,
// when that was a string, is known; the entry keeps its place in the set.
func (k JSONWebKey) Malformed() bool {
	return k.malformed
}

// Document is a decoded key set together with the raw body it came from.
// The raw body is what gets cached.
type Document struct {
	Keys []JSONWebKey

	hasKeys bool
	fields  int
	raw     []byte
}

// ParseDocument decodes a key set body. It only fails on a body that is not
// JSON. Well-formed JSON without a "keys" array, including a top-level value
// that is not an object, still parses and is rejected later by the key resolver.
func ParseDocument(data []byte) (*Document, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			// no fields, so it is never cached
			return &Document{raw: append([]byte(nil), data...)}, nil
		}
		return nil, fmt.Errorf("invalid JWKS JSON: %w", err)
	}

	doc := &Document{
		fields: len(top),
		raw:    append([]byte(nil), data...),
	}

	rawKeys, ok := top["keys"]
	if !ok {
		return doc, nil
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(rawKeys, &entries); err != nil {
		// "keys" that is not an array counts as absent
		return doc, nil
	}
	doc.hasKeys = entries != nil

	doc.Keys = make([]JSONWebKey, 0, len(entries))
	for _, entry := range entries {
		doc.Keys = append(doc.Keys, decodeKey(entry))
	}
	return doc, nil
}

func decodeKey(entry json.RawMessage) JSONWebKey {
	var key JSONWebKey
	if err := json.Unmarshal(entry, &key); err == nil {
		return key
	}

	var head struct {
		Kid string `json:"kid"`
	}
	_ = json.Unmarshal(entry, &head)
	return JSONWebKey{Kid: head.Kid, malformed: true}
}

// HasKeys reports whether the document carried a "keys" array.
func (d *Document) HasKeys() bool {
	return d != nil && d.hasKeys
}

// IsEmpty reports whether the document has no top-level fields at all.
// Empty documents are never cached.
func (d *Document) IsEmpty() bool {
	return d == nil || d.fields == 0
}

// Raw returns the body the document was decoded from.
func (d *Document) Raw() []byte {
	if d == nil {
		return nil
	}
	return d.raw
}

// KeyIDs lists the kid of every entry in document order.
func (d *Document) KeyIDs() []string {
	if d == nil {
		return nil
	}
	ids := make([]string, 0, len(d.Keys))
	for _, k := range d.Keys {
		ids = append(ids, k.Kid)
	}
	return ids
}
