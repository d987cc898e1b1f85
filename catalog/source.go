package catalog

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/CarryPigeon/CarryPigeon-Desktop-sub001/errors"
	"github.com/CarryPigeon/CarryPigeon-Desktop-sub001/internal/httpclient"
	"github.com/CarryPigeon/CarryPigeon-Desktop-sub001/plugin/artifact"
)

// maxCatalogSize bounds the catalog response body.
const maxCatalogSize = 4 << 20

// Source fetches the plugin catalog.
type Source interface {
	Fetch(ctx context.Context) (*Catalog, error)
}

// HTTPSource fetches the catalog JSON from a server URL through the
// SSRF-guarded HTTP client.
type HTTPSource struct {
	url    string
	client *httpclient.SaferClient
}

// NewHTTPSource creates a source for the given catalog URL.
func NewHTTPSource(url string, timeout time.Duration, opts httpclient.Options) *HTTPSource {
	return &HTTPSource{
		url:    url,
		client: httpclient.New(timeout, opts),
	}
}

// Fetch downloads and parses the catalog.
func (s *HTTPSource) Fetch(ctx context.Context) (*Catalog, error) {
	u, err := s.client.ValidateURL(s.url)
	if err != nil {
		return nil, errors.Wrapf(err, "catalog url %s", s.url)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "build catalog request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "fetch catalog from %s", s.url)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf("fetch catalog from %s: unexpected status %d", s.url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCatalogSize))
	if err != nil {
		return nil, errors.Wrap(err, "read catalog response")
	}

	var c Catalog
	if err := json.Unmarshal(body, &c); err != nil {
		return nil, errors.Wrap(err, "parse catalog JSON")
	}
	return &c, nil
}

// CachedSource caches a catalog for a TTL so update checks and installs
// in quick succession hit the server once.
type CachedSource struct {
	inner Source
	ttl   time.Duration

	mu        sync.Mutex
	catalog   *Catalog
	fetchedAt time.Time
}

// NewCachedSource wraps a source with a TTL cache. A non-positive ttl
// disables caching.
func NewCachedSource(inner Source, ttl time.Duration) *CachedSource {
	return &CachedSource{inner: inner, ttl: ttl}
}

// Fetch returns the cached catalog while fresh, refetching otherwise.
func (s *CachedSource) Fetch(ctx context.Context) (*Catalog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.catalog != nil && s.ttl > 0 && time.Since(s.fetchedAt) < s.ttl {
		return s.catalog, nil
	}

	c, err := s.inner.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	s.catalog = c
	s.fetchedAt = time.Now()
	return c, nil
}

// Invalidate drops the cached catalog.
func (s *CachedSource) Invalidate() {
	s.mu.Lock()
	s.catalog = nil
	s.mu.Unlock()
}

// ArtifactSource adapts a catalog source to the artifact provider's
// Source contract: (plugin id, version) to (url, sha256).
func ArtifactSource(src Source) artifact.Source {
	return func(ctx context.Context, pluginID, version string) (string, string, error) {
		c, err := src.Fetch(ctx)
		if err != nil {
			return "", "", err
		}

		entry, ok := c.Find(pluginID)
		if !ok {
			return "", "", errors.NewNotFoundError("plugin %s is not in the catalog", pluginID)
		}
		ve, ok := entry.Version(version)
		if !ok {
			return "", "", errors.NewNotFoundError("plugin %s has no version %s in the catalog", pluginID, version)
		}
		return ve.URL, ve.SHA256, nil
	}
}
