package service

import (
	"crypto/rsa"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/turtacn/jwksverify/internal/infrastructure/jwks"
	"github.com/turtacn/jwksverify/pkg/constants"
	"github.com/turtacn/jwksverify/pkg/errors"
)

const (
	pemCertificateHeader = "-----BEGIN CERTIFICATE-----\n"
	pemCertificateFooter = "-----END CERTIFICATE-----\n"
)

// ResolvedKey is the verification key materialized for one call. It is never cached.
type ResolvedKey struct {
	Kid       string
	PEM       []byte
	PublicKey *rsa.PublicKey
}

// KeyResolver selects the key entry for a kid and turns its certificate into a public key.
type KeyResolver struct{}

func NewKeyResolver() *KeyResolver {
	return &KeyResolver{}
}

// Resolve finds the first entry whose kid equals kid exactly. Later entries with
// the same kid are ignored, even when the first one is malformed. Only entries carrying an x5c certificate chain are
// supported; n/e encoded keys are rejected rather than converted.
func (r *KeyResolver) Resolve(doc *jwks.Document, kid string) (*ResolvedKey, error) {
	if !doc.HasKeys() || len(doc.Keys) == 0 {
		return nil, errors.ErrJwksFormat("JWKS not valid or without keys")
	}

	var target *jwks.JSONWebKey
	for i := range doc.Keys {
		if doc.Keys[i].Kid != "" && doc.Keys[i].Kid == kid {
			target = &doc.Keys[i]
			break
		}
	}
	if target == nil {
		return nil, errors.ErrKidNotFound(kid)
	}
	if target.Malformed() {
		return nil, errors.ErrJwksFormat("JWKS key entry is malformed").
			WithMetadata("kid", kid)
	}

	if len(target.X5c) == 0 || target.X5c[0] == "" {
		return nil, errors.ErrJwksFormat("unsupported JWKS key format: no x5c certificate").
			WithMetadata("kid", kid).
			WithMetadata("kty", target.Kty)
	}

	pemBytes := CertificatePEM(target.X5c[0])
	pub, err := jwt.ParseRSAPublicKeyFromPEM(pemBytes)
	if err != nil {
		return nil, errors.ErrJwksFormat("x5c certificate is not a usable RSA certificate").
			WithCause(err).
			WithMetadata("kid", kid)
	}

	return &ResolvedKey{
		Kid:       kid,
		PEM:       pemBytes,
		PublicKey: pub,
	}, nil
}

// CertificatePEM armors a base64 DER certificate, wrapping the body at 64 characters.
func CertificatePEM(der64 string) []byte {
	var b strings.Builder
	b.Grow(len(pemCertificateHeader) + len(der64) + len(der64)/constants.PEMLineLength + 1 + len(pemCertificateFooter))
	b.WriteString(pemCertificateHeader)
	for len(der64) > 0 {
		n := constants.PEMLineLength
		if len(der64) < n {
			n = len(der64)
		}
		b.WriteString(der64[:n])
		b.WriteByte('\n')
		der64 = der64[n:]
	}
	b.WriteString(pemCertificateFooter)
	return []byte(b.String())
}
