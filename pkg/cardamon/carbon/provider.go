// Package carbon resolves the carbon intensity (gCO2e/kWh) used to convert
// energy estimates into emissions.
package carbon

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/Root-Branch/cardamon/pkg/cardamon/config"
)

// GlobalIntensity is the world-average carbon intensity in gCO2e/kWh, used
// when no regional figure can be resolved.
const GlobalIntensity = 494.0

// Provider yields the carbon intensity for the configured region.
type Provider interface {
	Intensity(ctx context.Context) (float64, error)
}

// Static always returns a fixed intensity from configuration.
type Static struct {
	Value float64
}

func (s Static) Intensity(context.Context) (float64, error) {
	return s.Value, nil
}

// HTTPClient allows mocking http.Client in tests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// APIProvider fetches regional carbon intensity from an HTTP API, caching
// the result with a TTL and falling back to GlobalIntensity when the region
// has no data. Lookup failures surface as errors so the caller can decide
// whether to proceed with a fallback.
type APIProvider struct {
	baseURL    string
	region     string
	httpClient HTTPClient
	maxRetries int
	retryDelay time.Duration
	ttl        time.Duration

	mu       sync.Mutex
	cached   float64
	cachedAt time.Time
}

// APIOption customizes an APIProvider.
type APIOption func(*APIProvider)

// WithHTTPClient injects a custom HTTP client.
func WithHTTPClient(client HTTPClient) APIOption {
	return func(p *APIProvider) {
		p.httpClient = client
	}
}

// WithTTL overrides the cache TTL.
func WithTTL(ttl time.Duration) APIOption {
	return func(p *APIProvider) {
		p.ttl = ttl
	}
}

// NewAPIProvider creates a provider for the given API base URL and region.
func NewAPIProvider(baseURL, region string, opts ...APIOption) *APIProvider {
	p := &APIProvider{
		baseURL:    baseURL,
		region:     region,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		maxRetries: 3,
		retryDelay: time.Second,
		ttl:        time.Hour,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type intensityResponse struct {
	Intensity float64 `json:"intensity"`
}

// Intensity returns the cached value when fresh, otherwise fetches from the
// API with bounded retries.
func (p *APIProvider) Intensity(ctx context.Context) (float64, error) {
	p.mu.Lock()
	if !p.cachedAt.IsZero() && time.Since(p.cachedAt) < p.ttl {
		value := p.cached
		p.mu.Unlock()
		klog.V(3).InfoS("Using cached carbon intensity", "region", p.region, "intensity", value)
		return value, nil
	}
	p.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return 0, fmt.Errorf("context cancelled during retry: %w", ctx.Err())
			case <-time.After(p.retryDelay * time.Duration(attempt)):
			}
		}

		value, err := p.fetch(ctx)
		if err == nil {
			p.mu.Lock()
			p.cached = value
			p.cachedAt = time.Now()
			p.mu.Unlock()
			klog.V(2).InfoS("Fetched carbon intensity", "region", p.region, "intensity", value)
			return value, nil
		}
		lastErr = err
		klog.V(2).InfoS("Carbon intensity request failed, retrying",
			"attempt", attempt+1,
			"maxRetries", p.maxRetries,
			"error", err)
	}
	return 0, fmt.Errorf("failed to fetch carbon intensity for region %q: %w", p.region, lastErr)
}

func (p *APIProvider) fetch(ctx context.Context) (float64, error) {
	endpoint := fmt.Sprintf("%s?region=%s", p.baseURL, url.QueryEscape(p.region))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// Region without data: charge the global average rather than fail.
		klog.V(2).InfoS("No carbon intensity data for region, using global average",
			"region", p.region, "global", GlobalIntensity)
		return GlobalIntensity, nil
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var body intensityResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("failed to decode response: %w", err)
	}
	if body.Intensity <= 0 {
		return 0, fmt.Errorf("api returned non-positive intensity %f", body.Intensity)
	}
	return body.Intensity, nil
}

// FromConfig builds the provider implied by the carbon configuration:
// a fixed intensity when one is set, a regional API lookup when a region and
// URL are configured, otherwise the global average.
func FromConfig(cfg config.CarbonConfig) Provider {
	if cfg.Intensity > 0 {
		return Static{Value: cfg.Intensity}
	}
	if cfg.Region != "" && cfg.APIURL != "" {
		return NewAPIProvider(cfg.APIURL, cfg.Region)
	}
	return Static{Value: GlobalIntensity}
}
