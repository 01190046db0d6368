// Package constants defines system-wide constants for the JWKS verification gate.
package constants

import "time"

// ================================================================================
// JWT Constants
// ================================================================================

// JWTAlgorithm represents the signing algorithm for JWT tokens
type JWTAlgorithm string

const (
	// AlgorithmRS256 represents RSA signature with SHA-256, the only accepted algorithm
	AlgorithmRS256 JWTAlgorithm = "RS256"
)

const (
	// HeaderKeyID is the JOSE header naming the signing key
	HeaderKeyID = "kid"

	// HeaderAlgorithm is the JOSE header naming the signing algorithm
	HeaderAlgorithm = "alg"

	// BearerScheme is the Authorization scheme carrying the token
	BearerScheme = "Bearer"
)

// UnsupportedHeaders are JOSE header fields whose presence makes a token unparseable here:
// "enc" marks an encrypted (JWE) token and "crit" demands extensions this gate does not implement.
var UnsupportedHeaders = []string{"enc", "crit"}

// ================================================================================
// JWKS Constants
// ================================================================================

const (
	// DefaultJWKSCacheKey is the single logical key the raw key set is cached under
	DefaultJWKSCacheKey = "oidc_jwks"

	// DefaultJWKSFetchTimeout bounds one key set request when no HTTP client is supplied
	DefaultJWKSFetchTimeout = 10 * time.Second

	// MaxJWKSBodyBytes caps the size of a key set document (1 MiB)
	MaxJWKSBodyBytes = 1 << 20

	// PEMLineLength is the body line width of the certificate armor
	PEMLineLength = 64
)

// ================================================================================
// Cache Constants
// ================================================================================

// CacheBackend selects the store behind the key cache
type CacheBackend string

const (
	CacheBackendNone    CacheBackend = "none"
	CacheBackendMemory  CacheBackend = "memory"
	CacheBackendRedis   CacheBackend = "redis"
	CacheBackendLayered CacheBackend = "layered"
)

const (
	// DefaultCacheTTL is how long a cached key set is kept by the store
	DefaultCacheTTL = 1 * time.Hour

	// DefaultCacheCleanupInterval is the purge interval of the in-memory store
	DefaultCacheCleanupInterval = 10 * time.Minute

	// DefaultRedisKeyPrefix namespaces key set entries in redis
	DefaultRedisKeyPrefix = "jwksverify"
)

// ================================================================================
// Context Keys
// ================================================================================

// ContextKey is the type for values stored in a context.Context
type ContextKey string

const (
	ContextKeyClaims    ContextKey = "claims"
	ContextKeyRequestID ContextKey = "request_id"
)

// RequestIDHeader carries the request id in and out of the HTTP gate
const RequestIDHeader = "X-Request-ID"
