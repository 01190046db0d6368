// Package testutil provides signing keys, certificates, key sets and a fake
// identity provider for tests.
package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

// SigningKey is an RSA key pair together with a self-signed certificate for it.
type SigningKey struct {
	Kid     string
	Private *rsa.PrivateKey
	CertDER []byte
}

// NewSigningKey generates a 2048-bit RSA key and a self-signed certificate.
func NewSigningKey(t testing.TB, kid string) *SigningKey {
	t.Helper()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: "jwksverify test " + kid},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)

	return &SigningKey{Kid: kid, Private: priv, CertDER: der}
}

// X5c returns the standard base64 certificate as it appears in a key set.
func (k *SigningKey) X5c() string {
	return base64.StdEncoding.EncodeToString(k.CertDER)
}

// JWK returns the key set entry for k with an x5c chain.
func (k *SigningKey) JWK() map[string]interface{} {
	return map[string]interface{}{
		"kid": k.Kid,
		"kty": "RSA",
		"alg": "RS256",
		"use": "sig",
		"x5c": []string{k.X5c()},
	}
}

// Sign issues an RS256 token for claims with k's kid in the header.
func (k *SigningKey) Sign(t testing.TB, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = k.Kid
	s, err := tok.SignedString(k.Private)
	require.NoError(t, err)
	return s
}

// KeySet marshals a key set document holding entries.
func KeySet(t testing.TB, entries ...map[string]interface{}) []byte {
	t.Helper()
	if entries == nil {
		entries = []map[string]interface{}{}
	}
	b, err := json.Marshal(map[string]interface{}{"keys": entries})
	require.NoError(t, err)
	return b
}

// Claims returns a claim set that passes validation against issuer and audience
// for the next hour.
func Claims(issuer, audience string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss": issuer,
		"aud": audience,
		"sub": "user-1",
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	}
}

// Provider is a fake identity provider serving a key set and counting requests.
type Provider struct {
	*httptest.Server

	mu     sync.Mutex
	body   []byte
	status int
	hits   atomic.Int64
}

// NewProvider starts a provider serving body with status 200. It is closed
// when the test ends.
func NewProvider(t testing.TB, body []byte) *Provider {
	t.Helper()
	p := &Provider{body: body, status: http.StatusOK}
	p.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.hits.Add(1)
		p.mu.Lock()
		body, status := p.body, p.status
		p.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write(body)
	}))
	t.Cleanup(p.Server.Close)
	return p
}

// Serve replaces the response.
func (p *Provider) Serve(status int, body []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status, p.body = status, body
}

// Hits returns the number of requests served so far.
func (p *Provider) Hits() int {
	return int(p.hits.Load())
}

// JWKSURL is the key set endpoint of the provider.
func (p *Provider) JWKSURL() string {
	return p.URL + "/.well-known/jwks.json"
}
