// Package errors defines the error taxonomy of the JWKS verification gate.
// Every failure that leaves the verifier carries exactly one Kind, so callers can
// tell malformed tokens, rejected tokens and identity-provider outages apart.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Kind is the discriminant of a verification failure.
type Kind string

const (
	// KindTokenFormat marks a malformed token string, undecodable segments or an unsupported header field.
	KindTokenFormat Kind = "token_format"

	// KindOAuthProvider marks a failure to fetch the provider's key set.
	KindOAuthProvider Kind = "oauth_provider"

	// KindJwksFormat marks a key set without keys, without the requested kid, or with an unsupported key encoding.
	KindJwksFormat Kind = "jwks_format"

	// KindTokenValidation marks a signature, issuer or audience mismatch.
	KindTokenValidation Kind = "token_validation"

	// KindTokenExpire marks a token whose expiry time has passed.
	KindTokenExpire Kind = "token_expire"
)

// Kinds lists every Kind in pipeline order.
var Kinds = []Kind{
	KindTokenFormat,
	KindOAuthProvider,
	KindJwksFormat,
	KindTokenValidation,
	KindTokenExpire,
}

// ================================================================================
// Base Error Interface
// ================================================================================

// VerifyError represents a structured verification failure
type VerifyError interface {
	error

	// Kind returns the failure discriminant
	Kind() Kind

	// HTTPStatus returns the HTTP status code a gate should answer with
	HTTPStatus() int

	// Description returns a human-readable description of the kind
	Description() string

	// Unwrap returns the underlying error for error chain support
	Unwrap() error

	// WithCause adds a cause error to the error chain
	WithCause(cause error) VerifyError

	// WithMetadata adds additional context metadata
	WithMetadata(key string, value interface{}) VerifyError

	// Metadata returns all metadata
	Metadata() map[string]interface{}
}

// ================================================================================
// Base Error Implementation
// ================================================================================

type baseError struct {
	kind        Kind
	httpStatus  int
	description string
	message     string
	cause       error
	metadata    map[string]interface{}
}

// Error implements the error interface
func (e *baseError) Error() string {
	msg := e.message
	if msg == "" {
		msg = e.description
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, msg)
}

func (e *baseError) Kind() Kind {
	return e.kind
}

func (e *baseError) HTTPStatus() int {
	return e.httpStatus
}

func (e *baseError) Description() string {
	return e.description
}

func (e *baseError) Unwrap() error {
	return e.cause
}

func (e *baseError) WithCause(cause error) VerifyError {
	e.cause = cause
	return e
}

func (e *baseError) WithMetadata(key string, value interface{}) VerifyError {
	if e.metadata == nil {
		e.metadata = make(map[string]interface{})
	}
	e.metadata[key] = value
	return e
}

func (e *baseError) Metadata() map[string]interface{} {
	return e.metadata
}

// Is matches two verification errors of the same kind and message, which lets
// sentinels such as ErrTokenNotProvided be compared with errors.Is.
func (e *baseError) Is(target error) bool {
	t, ok := target.(*baseError)
	if !ok {
		return false
	}
	return e.kind == t.kind && e.message == t.message
}

// ================================================================================
// Error Constructors
// ================================================================================

// NewError creates a VerifyError of the given kind.
func NewError(kind Kind, message string) VerifyError {
	return &baseError{
		kind:        kind,
		httpStatus:  statusFor(kind),
		description: descriptionFor(kind),
		message:     message,
	}
}

// ErrTokenNotProvided is returned when the caller supplies no token at all.
// It is checked before any parsing takes place.
var ErrTokenNotProvided = NewError(KindTokenFormat, "token not provided")

// ErrTokenFormat creates a token_format error
func ErrTokenFormat(reason string) VerifyError {
	return NewError(KindTokenFormat, fmt.Sprintf("malformed token: %s", reason)).
		WithMetadata("reason", reason)
}

// ErrOAuthProvider creates an oauth_provider error
func ErrOAuthProvider(url string, reason string) VerifyError {
	return NewError(KindOAuthProvider, fmt.Sprintf("jwks fetch from %s failed: %s", url, reason)).
		WithMetadata("jwks_url", url)
}

// ErrJwksFormat creates a jwks_format error
func ErrJwksFormat(reason string) VerifyError {
	return NewError(KindJwksFormat, reason)
}

// ErrKidNotFound creates a jwks_format error for an unknown key identifier
func ErrKidNotFound(kid string) VerifyError {
	return NewError(KindJwksFormat, fmt.Sprintf("public key not found in JWKS for kid %q", kid)).
		WithMetadata("kid", kid)
}

// ErrTokenValidation creates a token_validation error
func ErrTokenValidation(reason string) VerifyError {
	return NewError(KindTokenValidation, reason)
}

// ErrInvalidIssuerClaim creates an issuer mismatch error
func ErrInvalidIssuerClaim(expected string, actual string) VerifyError {
	return ErrTokenValidation(fmt.Sprintf("invalid issuer claim: expected '%s', got '%s'", expected, actual)).
		WithMetadata("expected", expected).
		WithMetadata("actual", actual)
}

// ErrInvalidAudienceClaim creates an audience mismatch error
func ErrInvalidAudienceClaim(expected string, actual []string) VerifyError {
	return ErrTokenValidation(fmt.Sprintf("invalid audience claim: expected '%s' in %v", expected, actual)).
		WithMetadata("expected", expected).
		WithMetadata("actual", actual)
}

// ErrTokenExpired creates a token_expire error
func ErrTokenExpired(reason string) VerifyError {
	return NewError(KindTokenExpire, reason)
}

// ================================================================================
// Kind Mapping
// ================================================================================

func statusFor(kind Kind) int {
	switch kind {
	case KindTokenFormat, KindJwksFormat, KindTokenValidation, KindTokenExpire:
		return http.StatusUnauthorized
	case KindOAuthProvider:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func descriptionFor(kind Kind) string {
	switch kind {
	case KindTokenFormat:
		return "The token is missing or is not a well-formed JWT."
	case KindOAuthProvider:
		return "The identity provider key set could not be retrieved."
	case KindJwksFormat:
		return "The identity provider key set has no usable key for this token."
	case KindTokenValidation:
		return "The token signature, issuer or audience is not accepted."
	case KindTokenExpire:
		return "The token has expired."
	default:
		return "Unknown verification failure."
	}
}

// ================================================================================
// Error Inspection Utilities
// ================================================================================

// AsVerifyError finds the first VerifyError in err's chain.
func AsVerifyError(err error) (VerifyError, bool) {
	var ve VerifyError
	if stderrors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

// KindOf returns the kind of err, or "" when err carries none.
func KindOf(err error) Kind {
	if ve, ok := AsVerifyError(err); ok {
		return ve.Kind()
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether the failure may succeed later without a new token.
// Only provider outages qualify.
func IsRetryable(err error) bool {
	return IsKind(err, KindOAuthProvider)
}

// ================================================================================
// Error Response Builder
// ================================================================================

// ErrorResponse represents the JSON structure for error responses
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// ToErrorResponse converts any error to an ErrorResponse. Errors without a kind
// are reported as a generic unauthorized condition.
func ToErrorResponse(err error) *ErrorResponse {
	if ve, ok := AsVerifyError(err); ok {
		return &ErrorResponse{
			Error:            string(ve.Kind()),
			ErrorDescription: ve.Description(),
		}
	}
	return &ErrorResponse{
		Error:            "unauthorized",
		ErrorDescription: "The request could not be authenticated.",
	}
}

// HTTPStatusOf returns the HTTP status for err, 401 when it carries no kind.
func HTTPStatusOf(err error) int {
	if ve, ok := AsVerifyError(err); ok {
		return ve.HTTPStatus()
	}
	return http.StatusUnauthorized
}
