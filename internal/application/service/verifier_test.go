package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/jwksverify/internal/infrastructure/cache"
	"github.com/turtacn/jwksverify/internal/infrastructure/jwks"
	"github.com/turtacn/jwksverify/internal/infrastructure/monitoring"
	testkeys "github.com/turtacn/jwksverify/internal/testutil"
	"github.com/turtacn/jwksverify/pkg/errors"
)

const (
	testIssuer   = "https://idp.example"
	testAudience = "my-app"
)

type fixture struct {
	key      *testkeys.SigningKey
	provider *testkeys.Provider
	cache    *cache.KeyCache
	metrics  *monitoring.Metrics
	verifier *Verifier
}

func newFixture(t *testing.T, mutate ...func(*Options)) *fixture {
	t.Helper()
	key := testkeys.NewSigningKey(t, "k1")
	provider := testkeys.NewProvider(t, testkeys.KeySet(t, key.JWK()))
	metrics := monitoring.NewMetrics(prometheus.NewRegistry())
	kc := cache.NewKeyCache(cache.NewMemoryStore(time.Hour, time.Minute), cache.WithObserver(metrics))

	opts := Options{
		JWKSURL:  provider.JWKSURL(),
		Issuer:   testIssuer,
		Audience: testAudience,
		Cache:    kc,
		Source:   jwks.NewSource(provider.Client(), nil),
		Metrics:  metrics,
	}
	for _, m := range mutate {
		m(&opts)
	}
	v, err := NewVerifier(opts)
	require.NoError(t, err)

	return &fixture{key: key, provider: provider, cache: kc, metrics: metrics, verifier: v}
}

// payloadOf decodes the payload segment the way it was issued, for comparison.
func payloadOf(t *testing.T, tokenString string) string {
	t.Helper()
	parts := splitToken(t, tokenString)
	b, err := base64.RawURLEncoding.DecodeString(parts[1])
	require.NoError(t, err)
	return string(b)
}

func splitToken(t *testing.T, tokenString string) []string {
	t.Helper()
	parts := strings.Split(tokenString, ".")
	require.Len(t, parts, 3)
	return parts
}

func TestNewVerifier_RequiresConfiguration(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"missing url", Options{Issuer: testIssuer, Audience: testAudience}},
		{"missing issuer", Options{JWKSURL: "https://idp.example/jwks", Audience: testAudience}},
		{"missing audience", Options{JWKSURL: "https://idp.example/jwks", Issuer: testIssuer}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewVerifier(tt.opts)
			assert.Error(t, err)
		})
	}
}

func TestVerifyAndGetClaims_Valid(t *testing.T) {
	f := newFixture(t)
	exp := time.Now().Add(time.Hour).Unix()
	tokenString := f.key.Sign(t, jwt.MapClaims{"iss": testIssuer, "aud": testAudience, "exp": exp})

	claims, err := f.verifier.VerifyAndGetClaims(context.Background(), tokenString)
	require.NoError(t, err)

	got, err := json.Marshal(claims)
	require.NoError(t, err)
	assert.JSONEq(t, payloadOf(t, tokenString), string(got))
	assert.Equal(t, testIssuer, claims["iss"])
	assert.Equal(t, json.Number(jsonInt(exp)), claims["exp"])

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Verifications.WithLabelValues("valid")))
}

func TestVerifyAndGetClaims_AudienceList(t *testing.T) {
	f := newFixture(t)
	claims := testkeys.Claims(testIssuer, testAudience)
	claims["aud"] = []string{"other", testAudience}

	_, err := f.verifier.VerifyAndGetClaims(context.Background(), f.key.Sign(t, claims))
	assert.NoError(t, err)
}

func TestVerifyAndGetClaims_EmptyToken(t *testing.T) {
	f := newFixture(t)

	_, err := f.verifier.VerifyAndGetClaims(context.Background(), "")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrTokenNotProvided)
	assert.True(t, errors.IsKind(err, errors.KindTokenFormat))
	assert.Equal(t, http.StatusUnauthorized, errors.HTTPStatusOf(err))
	assert.Zero(t, f.provider.Hits(), "no fetch may happen before parsing")
}

func TestVerifyAndGetClaims_MalformedToken(t *testing.T) {
	f := newFixture(t)
	valid := f.key.Sign(t, testkeys.Claims(testIssuer, testAudience))
	parts := splitToken(t, valid)

	tests := []struct {
		name  string
		token string
	}{
		{"one segment", "abc"},
		{"two segments", parts[0] + "." + parts[1]},
		{"four segments", valid + ".x"},
		{"header not base64", "!!!." + parts[1] + "." + parts[2]},
		{"payload not json", parts[0] + "." + base64.RawURLEncoding.EncodeToString([]byte("nope")) + "." + parts[2]},
		{"signature not base64", parts[0] + "." + parts[1] + ".***"},
		{"unsupported header", base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"RS256","kid":"k1","crit":["x"]}`)) + "." + parts[1] + "." + parts[2]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.verifier.VerifyAndGetClaims(context.Background(), tt.token)
			require.Error(t, err)
			assert.Equal(t, errors.KindTokenFormat, errors.KindOf(err))
		})
	}
	assert.Zero(t, f.provider.Hits())
}

func TestVerifyAndGetClaims_UnknownKid(t *testing.T) {
	f := newFixture(t)
	other := testkeys.NewSigningKey(t, "k2")

	_, err := f.verifier.VerifyAndGetClaims(context.Background(), other.Sign(t, testkeys.Claims(testIssuer, testAudience)))
	require.Error(t, err)
	assert.Equal(t, errors.KindJwksFormat, errors.KindOf(err))
}

func TestVerifyAndGetClaims_EmptyKeySet(t *testing.T) {
	f := newFixture(t)
	f.provider.Serve(http.StatusOK, []byte(`{"keys":[]}`))

	tokens := []string{
		f.key.Sign(t, testkeys.Claims(testIssuer, testAudience)),
		f.key.Sign(t, jwt.MapClaims{"iss": "someone-else"}),
	}
	for _, tok := range tokens {
		_, err := f.verifier.VerifyAndGetClaims(context.Background(), tok)
		require.Error(t, err)
		assert.Equal(t, errors.KindJwksFormat, errors.KindOf(err))
	}
}

func TestVerifyAndGetClaims_KeyWithoutCertificate(t *testing.T) {
	f := newFixture(t)
	f.provider.Serve(http.StatusOK, testkeys.KeySet(t, map[string]interface{}{
		"kid": "k1", "kty": "RSA", "n": "AQAB", "e": "AQAB",
	}))

	_, err := f.verifier.VerifyAndGetClaims(context.Background(), f.key.Sign(t, testkeys.Claims(testIssuer, testAudience)))
	require.Error(t, err)
	assert.Equal(t, errors.KindJwksFormat, errors.KindOf(err))
}

func TestVerifyAndGetClaims_ProviderFailure(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   []byte
	}{
		{"server error", http.StatusInternalServerError, []byte(`{}`)},
		{"not found", http.StatusNotFound, nil},
		{"invalid json", http.StatusOK, []byte(`{"keys":`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.provider.Serve(tt.status, tt.body)

			_, err := f.verifier.VerifyAndGetClaims(context.Background(), f.key.Sign(t, testkeys.Claims(testIssuer, testAudience)))
			require.Error(t, err)
			assert.Equal(t, errors.KindOAuthProvider, errors.KindOf(err))
			assert.True(t, errors.IsRetryable(err))
			assert.Equal(t, http.StatusBadGateway, errors.HTTPStatusOf(err))
		})
	}
}

func TestVerifyAndGetClaims_FailedFetchIsNotCached(t *testing.T) {
	f := newFixture(t)
	f.provider.Serve(http.StatusServiceUnavailable, nil)
	tok := f.key.Sign(t, testkeys.Claims(testIssuer, testAudience))

	_, err := f.verifier.VerifyAndGetClaims(context.Background(), tok)
	require.Error(t, err)

	f.provider.Serve(http.StatusOK, testkeys.KeySet(t, f.key.JWK()))
	_, err = f.verifier.VerifyAndGetClaims(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, 2, f.provider.Hits())
}

func TestVerifyAndGetClaims_SignatureMismatch(t *testing.T) {
	f := newFixture(t)
	impostor := testkeys.NewSigningKey(t, "k1")

	_, err := f.verifier.VerifyAndGetClaims(context.Background(), impostor.Sign(t, testkeys.Claims(testIssuer, testAudience)))
	require.Error(t, err)
	assert.Equal(t, errors.KindTokenValidation, errors.KindOf(err))
}

func TestVerifyAndGetClaims_WrongIssuerOrAudience(t *testing.T) {
	f := newFixture(t)

	wrongIss := testkeys.Claims("https://evil.example", testAudience)
	wrongAud := testkeys.Claims(testIssuer, "someone-else")
	// an expired token with a bad issuer must still fail on the issuer
	expiredWrongIss := testkeys.Claims("https://evil.example", testAudience)
	expiredWrongIss["exp"] = time.Now().Add(-time.Hour).Unix()

	for name, claims := range map[string]jwt.MapClaims{
		"issuer":         wrongIss,
		"audience":       wrongAud,
		"expired issuer": expiredWrongIss,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := f.verifier.VerifyAndGetClaims(context.Background(), f.key.Sign(t, claims))
			require.Error(t, err)
			assert.Equal(t, errors.KindTokenValidation, errors.KindOf(err))
		})
	}
}

func TestVerifyAndGetClaims_Expiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	f := newFixture(t, func(o *Options) {
		o.Clock = func() time.Time { return now }
	})

	tests := []struct {
		name string
		exp  interface{}
		kind errors.Kind
	}{
		{"one second in the past", now.Add(-time.Second).Unix(), errors.KindTokenExpire},
		{"exactly now", now.Unix(), errors.KindTokenExpire},
		{"missing", nil, errors.KindTokenExpire},
		{"not a number", "tomorrow", errors.KindTokenValidation},
		{"one second ahead", now.Add(time.Second).Unix(), ""},
		{"fraction of a second ahead", float64(now.Unix()) + 0.5, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims := jwt.MapClaims{"iss": testIssuer, "aud": testAudience}
			if tt.exp != nil {
				claims["exp"] = tt.exp
			}
			_, err := f.verifier.VerifyAndGetClaims(context.Background(), f.key.Sign(t, claims))
			if tt.kind == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.kind, errors.KindOf(err))
		})
	}
}

func TestVerifyAndGetClaims_SubSecondExpiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 200_000_000)
	f := newFixture(t, func(o *Options) {
		o.Clock = func() time.Time { return now }
	})

	tests := []struct {
		name string
		exp  float64
		kind errors.Kind
	}{
		{"later in the same second", 1_700_000_000.9, ""},
		{"earlier in the same second", 1_700_000_000.1, errors.KindTokenExpire},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims := jwt.MapClaims{"iss": testIssuer, "aud": testAudience, "exp": tt.exp}
			_, err := f.verifier.VerifyAndGetClaims(context.Background(), f.key.Sign(t, claims))
			if tt.kind == "" {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, tt.kind, errors.KindOf(err))
		})
	}
}

func TestVerifyAndGetClaims_MalformedFirstKeyEntry(t *testing.T) {
	f := newFixture(t)
	f.provider.Serve(200, testkeys.KeySet(t,
		map[string]interface{}{"kid": f.key.Kid, "x5c": "not-an-array"},
		f.key.JWK(),
	))

	_, err := f.verifier.VerifyAndGetClaims(context.Background(), f.key.Sign(t, testkeys.Claims(testIssuer, testAudience)))
	require.Error(t, err)
	assert.Equal(t, errors.KindJwksFormat, errors.KindOf(err))
}

func TestVerifyAndGetClaims_KeySetNotAnObject(t *testing.T) {
	f := newFixture(t)
	tok := f.key.Sign(t, testkeys.Claims(testIssuer, testAudience))

	for _, body := range []string{`[{"kid":"k1"}]`, `"x"`, `42`} {
		t.Run(body, func(t *testing.T) {
			f.provider.Serve(200, []byte(body))
			before := f.provider.Hits()

			for i := 0; i < 2; i++ {
				_, err := f.verifier.VerifyAndGetClaims(context.Background(), tok)
				require.Error(t, err)
				assert.Equal(t, errors.KindJwksFormat, errors.KindOf(err))
				assert.False(t, errors.IsRetryable(err))
			}
			assert.Equal(t, before+2, f.provider.Hits(), "a non-object key set must not be cached")
		})
	}
}

func TestVerifyAndGetClaims_CachedKeySet(t *testing.T) {
	f := newFixture(t)
	tok := f.key.Sign(t, testkeys.Claims(testIssuer, testAudience))

	for i := 0; i < 3; i++ {
		_, err := f.verifier.VerifyAndGetClaims(context.Background(), tok)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, f.provider.Hits())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CacheLookups.WithLabelValues("miss")))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.CacheLookups.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.JWKSFetches.WithLabelValues("success")))
}

func TestVerifyAndGetClaims_WithoutCache(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Cache = nil })
	tok := f.key.Sign(t, testkeys.Claims(testIssuer, testAudience))

	for i := 0; i < 2; i++ {
		_, err := f.verifier.VerifyAndGetClaims(context.Background(), tok)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, f.provider.Hits())
	assert.NoError(t, f.verifier.InvalidateKeys(context.Background()))
}

func TestVerifyAndGetClaims_ConcurrentMissesFetchOnce(t *testing.T) {
	f := newFixture(t)
	tok := f.key.Sign(t, testkeys.Claims(testIssuer, testAudience))

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.verifier.VerifyAndGetClaims(context.Background(), tok)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	// misses racing the first fill may still coalesce onto a second flight
	assert.LessOrEqual(t, f.provider.Hits(), 2)
}

func TestInvalidateKeys_Refetches(t *testing.T) {
	f := newFixture(t)
	rotated := testkeys.NewSigningKey(t, "k2")
	tok := rotated.Sign(t, testkeys.Claims(testIssuer, testAudience))

	_, err := f.verifier.VerifyAndGetClaims(context.Background(), f.key.Sign(t, testkeys.Claims(testIssuer, testAudience)))
	require.NoError(t, err)

	f.provider.Serve(http.StatusOK, testkeys.KeySet(t, f.key.JWK(), rotated.JWK()))
	_, err = f.verifier.VerifyAndGetClaims(context.Background(), tok)
	assert.Equal(t, errors.KindJwksFormat, errors.KindOf(err), "stale cached set must still be used")

	require.NoError(t, f.verifier.InvalidateKeys(context.Background()))
	_, err = f.verifier.VerifyAndGetClaims(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, 2, f.provider.Hits())
}

func TestInvalidateOnUnknownKid(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.InvalidateOnUnknownKid = true })
	rotated := testkeys.NewSigningKey(t, "k2")
	tok := rotated.Sign(t, testkeys.Claims(testIssuer, testAudience))

	_, err := f.verifier.VerifyAndGetClaims(context.Background(), f.key.Sign(t, testkeys.Claims(testIssuer, testAudience)))
	require.NoError(t, err)

	f.provider.Serve(http.StatusOK, testkeys.KeySet(t, f.key.JWK(), rotated.JWK()))
	_, err = f.verifier.VerifyAndGetClaims(context.Background(), tok)
	require.Error(t, err, "the failing call is not retried")
	assert.Equal(t, 1, f.provider.Hits())

	_, err = f.verifier.VerifyAndGetClaims(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, 2, f.provider.Hits())
}

func TestVerifyAndGetClaims_CanceledContext(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Cache = nil })
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.verifier.VerifyAndGetClaims(ctx, f.key.Sign(t, testkeys.Claims(testIssuer, testAudience)))
	require.Error(t, err)
	assert.Equal(t, errors.KindOAuthProvider, errors.KindOf(err))
}

func jsonInt(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
