// Package token splits a compact JWT into its header, claims and signature
// without verifying anything.
package token

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/turtacn/jwksverify/pkg/constants"
	"github.com/turtacn/jwksverify/pkg/errors"
)

// Token is a structurally parsed, unverified JWT. It is never mutated after Parse.
type Token struct {
	raw          string
	signingInput string
	header       map[string]interface{}
	claims       jwt.MapClaims
	signature    []byte
}

// segmentDecoder accepts both padded and unpadded base64url segments.
var segmentDecoder = jwt.NewParser(jwt.WithPaddingAllowed())

// Parse decodes a compact JWT. Every failure is a token_format error.
func Parse(raw string) (*Token, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return nil, errors.ErrTokenFormat(fmt.Sprintf("expected 3 segments, found %d", len(parts)))
	}

	header, err := decodeObject(parts[0])
	if err != nil {
		return nil, errors.ErrTokenFormat("header: " + err.Error())
	}
	if err := checkHeader(header); err != nil {
		return nil, err
	}

	claims, err := decodeObject(parts[1])
	if err != nil {
		return nil, errors.ErrTokenFormat("payload: " + err.Error())
	}

	signature, err := segmentDecoder.DecodeSegment(parts[2])
	if err != nil {
		return nil, errors.ErrTokenFormat("signature is not base64url").WithCause(err)
	}

	return &Token{
		raw:          raw,
		signingInput: parts[0] + "." + parts[1],
		header:       header,
		claims:       jwt.MapClaims(claims),
		signature:    signature,
	}, nil
}

// decodeObject base64url-decodes seg and requires a JSON object. Numbers keep
// their textual form so that claims are returned exactly as issued.
func decodeObject(seg string) (map[string]interface{}, error) {
	if seg == "" {
		return nil, fmt.Errorf("empty segment")
	}
	data, err := segmentDecoder.DecodeSegment(seg)
	if err != nil {
		return nil, fmt.Errorf("not base64url: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var obj map[string]interface{}
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("not a JSON object: %w", err)
	}
	if obj == nil {
		return nil, fmt.Errorf("not a JSON object")
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON object")
	}
	return obj, nil
}

func checkHeader(header map[string]interface{}) error {
	for _, name := range constants.UnsupportedHeaders {
		if _, ok := header[name]; ok {
			return errors.ErrTokenFormat(fmt.Sprintf("unsupported header %q", name)).
				WithMetadata("header", name)
		}
	}

	alg, ok := header[constants.HeaderAlgorithm].(string)
	if !ok || alg == "" {
		return errors.ErrTokenFormat("header has no alg")
	}

	if kid, present := header[constants.HeaderKeyID]; present {
		if _, ok := kid.(string); !ok {
			return errors.ErrTokenFormat("kid header is not a string")
		}
	}
	return nil
}

// Raw returns the compact serialization the token was parsed from.
func (t *Token) Raw() string { return t.raw }

// SigningInput returns the "header.payload" octets covered by the signature.
func (t *Token) SigningInput() string { return t.signingInput }

// Header returns the decoded JOSE header. Callers must not modify it.
func (t *Token) Header() map[string]interface{} { return t.header }

// Claims returns the decoded payload. Callers must not modify it.
func (t *Token) Claims() jwt.MapClaims { return t.claims }

// Signature returns the decoded signature bytes.
func (t *Token) Signature() []byte { return t.signature }

// KeyID returns the kid header, or "" when absent.
func (t *Token) KeyID() string {
	kid, _ := t.header[constants.HeaderKeyID].(string)
	return kid
}

// Algorithm returns the alg header.
func (t *Token) Algorithm() string {
	alg, _ := t.header[constants.HeaderAlgorithm].(string)
	return alg
}

// ClaimsCopy returns a shallow copy of the payload.
func (t *Token) ClaimsCopy() map[string]interface{} {
	out := make(map[string]interface{}, len(t.claims))
	for k, v := range t.claims {
		out[k] = v
	}
	return out
}
