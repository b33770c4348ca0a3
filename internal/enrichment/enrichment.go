package enrichment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/allegro/bigcache/v3"
	"go.uber.org/zap"

	"tenebrinet/internal/config"
)

// Info is what a lookup yields about a source address.
type Info struct {
	Country string `json:"country_code"`
	ASN     int    `json:"asn"`
}

// Enricher resolves source addresses to geo/network metadata. Lookups are
// strictly best-effort: a failure means no enrichment, never a failed
// capture.
type Enricher interface {
	Lookup(ctx context.Context, ip string) (*Info, error)
}

// HTTPEnricher queries an external lookup service and caches answers.
// Attackers reuse source addresses heavily, so the cache absorbs most of
// the traffic.
type HTTPEnricher struct {
	logger  *zap.Logger
	baseURL string
	client  *http.Client
	cache   *bigcache.BigCache
}

// NewHTTPEnricher creates an enricher against cfg.BaseURL.
func NewHTTPEnricher(logger *zap.Logger, cfg config.EnrichmentConfig) (*HTTPEnricher, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("enrichment base URL not configured")
	}

	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	cache, err := bigcache.New(context.Background(), bigcache.DefaultConfig(ttl))
	if err != nil {
		return nil, fmt.Errorf("failed to create enrichment cache: %w", err)
	}

	return &HTTPEnricher{
		logger:  logger,
		baseURL: cfg.BaseURL,
		client:  &http.Client{Timeout: timeout},
		cache:   cache,
	}, nil
}

// Lookup resolves one IP, serving from cache when possible.
func (e *HTTPEnricher) Lookup(ctx context.Context, ip string) (*Info, error) {
	if cached, err := e.cache.Get(ip); err == nil {
		var info Info
		if err := json.Unmarshal(cached, &info); err == nil {
			return &info, nil
		}
	}

	info, err := e.fetch(ctx, ip)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(info); err == nil {
		e.cache.Set(ip, data)
	}
	return info, nil
}

// Close releases the cache.
func (e *HTTPEnricher) Close() error {
	return e.cache.Close()
}

func (e *HTTPEnricher) fetch(ctx context.Context, ip string) (*Info, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		e.baseURL+"/"+url.PathEscape(ip), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("enrichment lookup failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("enrichment lookup returned %d", resp.StatusCode)
	}

	var info Info
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode enrichment response: %w", err)
	}
	return &info, nil
}
