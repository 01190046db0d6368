package service

import (
	"encoding/base64"
	"encoding/pem"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/jwksverify/internal/infrastructure/jwks"
	"github.com/turtacn/jwksverify/internal/testutil"
	"github.com/turtacn/jwksverify/pkg/errors"
)

func docOf(t *testing.T, entries ...map[string]interface{}) *jwks.Document {
	t.Helper()
	doc, err := jwks.ParseDocument(testutil.KeySet(t, entries...))
	require.NoError(t, err)
	return doc
}

func TestKeyResolver_Resolve(t *testing.T) {
	k1 := testutil.NewSigningKey(t, "k1")
	k2 := testutil.NewSigningKey(t, "k2")

	key, err := NewKeyResolver().Resolve(docOf(t, k1.JWK(), k2.JWK()), "k2")
	require.NoError(t, err)
	assert.Equal(t, "k2", key.Kid)
	assert.Equal(t, k2.Private.PublicKey.N, key.PublicKey.N)
	assert.Equal(t, k2.Private.PublicKey.E, key.PublicKey.E)

	block, rest := pem.Decode(key.PEM)
	require.NotNil(t, block)
	assert.Equal(t, "CERTIFICATE", block.Type)
	assert.Equal(t, k2.CertDER, block.Bytes)
	assert.Empty(t, rest)
}

func TestKeyResolver_FirstMatchWins(t *testing.T) {
	first := testutil.NewSigningKey(t, "dup")
	second := testutil.NewSigningKey(t, "dup")

	key, err := NewKeyResolver().Resolve(docOf(t, first.JWK(), second.JWK()), "dup")
	require.NoError(t, err)
	assert.Equal(t, first.Private.PublicKey.N, key.PublicKey.N)
}

func TestKeyResolver_MalformedFirstMatchIsNotSkipped(t *testing.T) {
	valid := testutil.NewSigningKey(t, "k1")
	malformed := map[string]interface{}{"kid": "k1", "kty": "RSA", "x5c": "not-an-array"}

	doc := docOf(t, malformed, valid.JWK())
	require.Equal(t, []string{"k1", "k1"}, doc.KeyIDs())

	key, err := NewKeyResolver().Resolve(doc, "k1")
	assert.Nil(t, key)
	require.Error(t, err)
	assert.Equal(t, errors.KindJwksFormat, errors.KindOf(err))
}

func TestKeyResolver_Errors(t *testing.T) {
	k1 := testutil.NewSigningKey(t, "k1")
	noCert := map[string]interface{}{"kid": "k1", "kty": "RSA", "n": "AQAB", "e": "AQAB"}
	emptyCert := map[string]interface{}{"kid": "k1", "kty": "RSA", "x5c": []string{""}}
	badCert := map[string]interface{}{"kid": "k1", "kty": "RSA", "x5c": []string{base64.StdEncoding.EncodeToString([]byte("not a certificate"))}}

	parse := func(body string) *jwks.Document {
		doc, err := jwks.ParseDocument([]byte(body))
		require.NoError(t, err)
		return doc
	}

	tests := []struct {
		name string
		doc  *jwks.Document
		kid  string
	}{
		{"nil document", nil, "k1"},
		{"no keys field", parse(`{"issuer":"x"}`), "k1"},
		{"empty keys", parse(`{"keys":[]}`), "k1"},
		{"unknown kid", docOf(t, k1.JWK()), "k2"},
		{"empty kid never matches", parse(`{"keys":[{"x5c":["MIIB"]}]}`), ""},
		{"kid is case sensitive", docOf(t, k1.JWK()), "K1"},
		{"modulus exponent only", docOf(t, noCert), "k1"},
		{"empty certificate", docOf(t, emptyCert), "k1"},
		{"undecodable certificate", docOf(t, badCert), "k1"},
		{"x5c not an array", parse(`{"keys":[{"kid":"k1","x5c":"MIIB"}]}`), "k1"},
		{"top-level array", parse(`[{"kid":"k1","x5c":["MIIB"]}]`), "k1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := NewKeyResolver().Resolve(tt.doc, tt.kid)
			assert.Nil(t, key)
			require.Error(t, err)
			assert.Equal(t, errors.KindJwksFormat, errors.KindOf(err))
		})
	}
}

func TestCertificatePEM(t *testing.T) {
	body := strings.Repeat("A", 150)
	out := string(CertificatePEM(body))

	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, "-----BEGIN CERTIFICATE-----", lines[0])
	assert.Len(t, lines[1], 64)
	assert.Len(t, lines[2], 64)
	assert.Len(t, lines[3], 22)
	assert.Equal(t, "-----END CERTIFICATE-----", lines[4])
}
