package service

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/turtacn/jwksverify/internal/domain/token"
	"github.com/turtacn/jwksverify/pkg/constants"
	"github.com/turtacn/jwksverify/pkg/errors"
)

// Expectations are the caller-configured values a token must carry.
type Expectations struct {
	Issuer   string
	Audience string
}

// ClaimValidator checks signature, issuer, audience and, last, expiry.
type ClaimValidator struct {
	now func() time.Time
}

// ClaimValidatorOption configures a ClaimValidator.
type ClaimValidatorOption func(*ClaimValidator)

// WithClock replaces time.Now as the reference time for the expiry check.
func WithClock(now func() time.Time) ClaimValidatorOption {
	return func(v *ClaimValidator) {
		v.now = now
	}
}

func NewClaimValidator(opts ...ClaimValidatorOption) *ClaimValidator {
	v := &ClaimValidator{now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate runs the checks in order and stops at the first failure. Signature,
// issuer and audience failures are token_validation errors; expiry is checked
// only after all of them pass and fails with token_expire.
func (v *ClaimValidator) Validate(tok *token.Token, key *ResolvedKey, want Expectations) error {
	if err := v.checkSignature(tok, key); err != nil {
		return err
	}
	if err := checkIssuer(tok.Claims(), want.Issuer); err != nil {
		return err
	}
	if err := checkAudience(tok.Claims(), want.Audience); err != nil {
		return err
	}
	return v.checkExpiry(tok.Claims())
}

func (v *ClaimValidator) checkSignature(tok *token.Token, key *ResolvedKey) error {
	if key == nil || key.PublicKey == nil {
		return errors.ErrTokenValidation("no verification key")
	}
	if alg := tok.Algorithm(); alg != string(constants.AlgorithmRS256) {
		return errors.ErrTokenValidation(fmt.Sprintf("unsupported signing algorithm %q", alg)).
			WithMetadata("alg", alg)
	}
	if err := jwt.SigningMethodRS256.Verify(tok.SigningInput(), tok.Signature(), key.PublicKey); err != nil {
		return errors.ErrTokenValidation("token signature verification failed").
			WithCause(err).
			WithMetadata("kid", key.Kid)
	}
	return nil
}

func checkIssuer(claims jwt.MapClaims, expected string) error {
	iss, err := claims.GetIssuer()
	if err != nil {
		return errors.ErrTokenValidation("iss claim is not a string").WithCause(err)
	}
	if iss != expected {
		return errors.ErrInvalidIssuerClaim(expected, iss)
	}
	return nil
}

func checkAudience(claims jwt.MapClaims, expected string) error {
	aud, err := claims.GetAudience()
	if err != nil {
		return errors.ErrTokenValidation("aud claim is neither a string nor a list of strings").WithCause(err)
	}
	for _, a := range aud {
		if a == expected {
			return nil
		}
	}
	return errors.ErrInvalidAudienceClaim(expected, aud)
}

func (v *ClaimValidator) checkExpiry(claims jwt.MapClaims) error {
	exp, present, err := expiryOf(claims)
	if err != nil {
		return errors.ErrTokenValidation("exp claim is not a numeric date").WithCause(err)
	}
	if !present {
		return errors.ErrTokenExpired("token has no expiry")
	}
	now := v.now()
	if !exp.After(now) {
		return errors.ErrTokenExpired("token expired").
			WithMetadata("exp", exp.UTC().Format(time.RFC3339Nano)).
			WithMetadata("now", now.UTC().Format(time.RFC3339Nano))
	}
	return nil
}

// expiryOf reads exp at full precision. MapClaims.GetExpirationTime rounds to
// jwt.TimePrecision, which would expire a fractional exp up to a second early.
func expiryOf(claims jwt.MapClaims) (time.Time, bool, error) {
	raw, ok := claims["exp"]
	if !ok {
		return time.Time{}, false, nil
	}

	var secs float64
	switch v := raw.(type) {
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return time.Time{}, true, err
		}
		secs = f
	case float64:
		secs = v
	case int64:
		return time.Unix(v, 0), true, nil
	case int:
		return time.Unix(int64(v), 0), true, nil
	default:
		return time.Time{}, true, fmt.Errorf("exp has type %T", raw)
	}

	if math.IsNaN(secs) || math.IsInf(secs, 0) || math.Abs(secs) >= math.MaxInt64 {
		return time.Time{}, true, fmt.Errorf("exp %v is out of range", secs)
	}
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(frac*float64(time.Second))), true, nil
}
