package service

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/turtacn/jwksverify/internal/domain/service"
	"github.com/turtacn/jwksverify/internal/domain/token"
	"github.com/turtacn/jwksverify/internal/infrastructure/cache"
	"github.com/turtacn/jwksverify/internal/infrastructure/jwks"
	"github.com/turtacn/jwksverify/internal/infrastructure/monitoring"
	"github.com/turtacn/jwksverify/pkg/constants"
	"github.com/turtacn/jwksverify/pkg/errors"
	"github.com/turtacn/jwksverify/pkg/logger"
)

// Claims is the payload of a verified token.
type Claims map[string]interface{}

// KeySetSource fetches the provider key set.
type KeySetSource interface {
	Fetch(ctx context.Context, url string) (*jwks.Document, error)
}

// KeySetCache memoizes the key set under one logical key.
type KeySetCache interface {
	Remember(ctx context.Context, key string, supplier cache.Supplier) (*jwks.Document, error)
	Invalidate(ctx context.Context, key string) error
}

// Options configure a Verifier. JWKSURL, Issuer and Audience are required.
type Options struct {
	JWKSURL  string
	Issuer   string
	Audience string

	// CacheKey names the cache entry; defaults to "oidc_jwks".
	CacheKey string
	// Cache is optional; without it every call fetches the key set.
	Cache KeySetCache
	// InvalidateOnUnknownKid drops the cached key set when a token names a kid
	// the cached set does not contain, so the next call refetches. The failing
	// call itself is not retried.
	InvalidateOnUnknownKid bool

	Source  KeySetSource
	Logger  logger.Logger
	Metrics *monitoring.Metrics
	Tracer  trace.Tracer
	Clock   func() time.Time
}

// Verifier checks bearer tokens against the identity provider's key set and
// returns their claims. It is safe for concurrent use.
type Verifier struct {
	jwksURL    string
	want       domain.Expectations
	cacheKey   string
	cache      KeySetCache
	invalidate bool

	source    KeySetSource
	resolver  *domain.KeyResolver
	validator *domain.ClaimValidator

	log     logger.Logger
	metrics *monitoring.Metrics
	tracer  trace.Tracer
}

// NewVerifier validates opts and builds a Verifier.
func NewVerifier(opts Options) (*Verifier, error) {
	if opts.JWKSURL == "" {
		return nil, fmt.Errorf("jwks url is required")
	}
	if opts.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if opts.Audience == "" {
		return nil, fmt.Errorf("audience is required")
	}

	if opts.CacheKey == "" {
		opts.CacheKey = constants.DefaultJWKSCacheKey
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNoopLogger()
	}
	if opts.Source == nil {
		opts.Source = jwks.NewSource(nil, opts.Logger)
	}
	if opts.Tracer == nil {
		opts.Tracer = monitoring.Tracer()
	}

	var validatorOpts []domain.ClaimValidatorOption
	if opts.Clock != nil {
		validatorOpts = append(validatorOpts, domain.WithClock(opts.Clock))
	}

	return &Verifier{
		jwksURL:    opts.JWKSURL,
		want:       domain.Expectations{Issuer: opts.Issuer, Audience: opts.Audience},
		cacheKey:   opts.CacheKey,
		cache:      opts.Cache,
		invalidate: opts.InvalidateOnUnknownKid,
		source:     opts.Source,
		resolver:   domain.NewKeyResolver(),
		validator:  domain.NewClaimValidator(validatorOpts...),
		log:        opts.Logger.WithComponent("Verifier"),
		metrics:    opts.Metrics,
		tracer:     opts.Tracer,
	}, nil
}

// VerifyAndGetClaims parses, resolves the signing key for, and validates
// tokenString. The stages run strictly in order and the first failure ends the
// call; the returned error always carries exactly one errors.Kind.
func (v *Verifier) VerifyAndGetClaims(ctx context.Context, tokenString string) (Claims, error) {
	start := time.Now()
	ctx, span := v.tracer.Start(ctx, "jwksverify.VerifyAndGetClaims")
	defer span.End()

	claims, kid, err := v.verify(ctx, span, tokenString)
	if err != nil {
		v.fail(ctx, span, kid, err, time.Since(start))
		return nil, err
	}

	span.SetStatus(codes.Ok, "")
	if v.metrics != nil {
		v.metrics.RecordVerification("valid", time.Since(start))
	}
	return claims, nil
}

func (v *Verifier) verify(ctx context.Context, span trace.Span, tokenString string) (Claims, string, error) {
	if tokenString == "" {
		return nil, "", errors.ErrTokenNotProvided
	}

	tok, err := token.Parse(tokenString)
	if err != nil {
		return nil, "", ensureKind(err, errors.KindTokenFormat)
	}
	kid := tok.KeyID()
	span.AddEvent("parsed", trace.WithAttributes(attribute.String("kid", kid)))

	doc, err := v.keySet(ctx)
	if err != nil {
		return nil, kid, ensureKind(err, errors.KindOAuthProvider)
	}

	key, err := v.resolver.Resolve(doc, kid)
	if err != nil {
		if v.invalidate && v.cache != nil && errors.IsKind(err, errors.KindJwksFormat) && doc.HasKeys() {
			v.dropKeySet(ctx)
		}
		return nil, kid, ensureKind(err, errors.KindJwksFormat)
	}
	span.AddEvent("key_resolved")

	if err := v.validator.Validate(tok, key, v.want); err != nil {
		return nil, kid, ensureKind(err, errors.KindTokenValidation)
	}
	span.AddEvent("validated")

	return Claims(tok.ClaimsCopy()), kid, nil
}

// keySet returns the key set through the cache when one is configured.
func (v *Verifier) keySet(ctx context.Context) (*jwks.Document, error) {
	supplier := func(ctx context.Context) (*jwks.Document, error) {
		start := time.Now()
		doc, err := v.source.Fetch(ctx, v.jwksURL)
		if v.metrics != nil {
			v.metrics.RecordJWKSFetch(err == nil, time.Since(start))
		}
		return doc, err
	}

	if v.cache == nil {
		return supplier(ctx)
	}
	return v.cache.Remember(ctx, v.cacheKey, supplier)
}

// InvalidateKeys drops the cached key set so the next call fetches a fresh one.
func (v *Verifier) InvalidateKeys(ctx context.Context) error {
	if v.cache == nil {
		return nil
	}
	return v.cache.Invalidate(ctx, v.cacheKey)
}

func (v *Verifier) dropKeySet(ctx context.Context) {
	if err := v.cache.Invalidate(ctx, v.cacheKey); err != nil {
		v.log.Warn(ctx, "key set invalidation failed", logger.Error(err))
		return
	}
	v.log.Info(ctx, "cached key set invalidated after unknown kid")
}

func (v *Verifier) fail(ctx context.Context, span trace.Span, kid string, err error, elapsed time.Duration) {
	kind := errors.KindOf(err)

	span.RecordError(err)
	span.SetStatus(codes.Error, string(kind))
	span.SetAttributes(attribute.String("jwksverify.error_kind", string(kind)))

	fields := []logger.Field{
		logger.String("kind", string(kind)),
		logger.String("kid", kid),
	}
	if kind == errors.KindOAuthProvider {
		v.log.Error(ctx, "token verification failed", err, fields...)
	} else {
		v.log.Warn(ctx, "token verification failed", append(fields, logger.Error(err))...)
	}

	if v.metrics != nil {
		v.metrics.RecordVerification(string(kind), elapsed)
	}
}

// ensureKind maps an error without a kind onto the kind of the stage it came from.
func ensureKind(err error, kind errors.Kind) error {
	if errors.KindOf(err) != "" {
		return err
	}
	return errors.NewError(kind, "unexpected verification failure").WithCause(err)
}
