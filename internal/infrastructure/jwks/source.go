package jwks

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/turtacn/jwksverify/pkg/constants"
	"github.com/turtacn/jwksverify/pkg/errors"
	"github.com/turtacn/jwksverify/pkg/logger"
)

// HTTPDoer is the HTTP collaborator used to fetch the key set.
// *http.Client and a retryablehttp standard client both satisfy it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Source fetches key set documents. It holds no state beyond its client and
// performs exactly one request per Fetch; retry policy belongs to the client.
type Source struct {
	client HTTPDoer
	log    logger.Logger
}

// NewSource creates a Source. A nil client gets a plain *http.Client with the
// default timeout; a nil logger disables logging.
func NewSource(client HTTPDoer, log logger.Logger) *Source {
	if client == nil {
		client = &http.Client{Timeout: constants.DefaultJWKSFetchTimeout}
	}
	if log == nil {
		log = logger.NewNoopLogger()
	}
	return &Source{client: client, log: log.WithComponent("JWKSSource")}
}

// Fetch retrieves and decodes the key set at url. Every failure is an
// oauth_provider error wrapping the transport or decoding cause.
func (s *Source) Fetch(ctx context.Context, url string) (*Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.ErrOAuthProvider(url, "invalid request").WithCause(err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		s.log.Error(ctx, "jwks request failed", err, logger.String("url", url))
		return nil, errors.ErrOAuthProvider(url, "request failed").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// drain a little so the connection can be reused
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, errors.ErrOAuthProvider(url, fmt.Sprintf("unexpected status %d", resp.StatusCode)).
			WithMetadata("status", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, constants.MaxJWKSBodyBytes+1))
	if err != nil {
		return nil, errors.ErrOAuthProvider(url, "reading body failed").WithCause(err)
	}
	if len(body) > constants.MaxJWKSBodyBytes {
		return nil, errors.ErrOAuthProvider(url, "body exceeds size limit")
	}

	doc, err := ParseDocument(body)
	if err != nil {
		return nil, errors.ErrOAuthProvider(url, "body is not valid JSON").WithCause(err)
	}

	s.log.Debug(ctx, "jwks fetched",
		logger.String("url", url),
		logger.Int("keys", len(doc.Keys)),
		logger.Duration("latency", time.Since(start)),
	)
	return doc, nil
}
