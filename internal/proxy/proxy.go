// Package proxy implements the fallback proxy service the HTTP access
// client defers to when a host refuses cross-origin reads: endpoint
// selection weighted by health and priority, response caching with
// periodic cleanup, and health decay on failure. Decay plus rotation acts
// as a lightweight circuit breaker without a separate state machine.
package proxy

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/srnarasim/dataprism-core/internal/httpfetch"
	"github.com/srnarasim/dataprism-core/internal/taxonomy"
)

// Endpoint is one candidate proxy service.
type Endpoint struct {
	URL      string
	APIKey   string
	Priority int // lower is tried first among equal health
	Health   int // 0-100, starts at 100, decays by 10 per failure
}

// Config controls response caching and per-endpoint rate pacing.
type Config struct {
	CacheTTL        time.Duration
	RateLimit       rate.Limit // requests/sec allowed per endpoint
	RateBurst       int
	ResponseHeaders map[string]string // headers injected into proxied responses
}

type cacheEntry struct {
	resp      *httpfetch.Response
	expiresAt time.Time
}

// Service selects among configured proxy endpoints and wraps/caches requests
// made through them.
type Service struct {
	mu        sync.Mutex
	endpoints []*Endpoint
	limiters  map[string]*rate.Limiter
	cache     map[string]cacheEntry
	cfg       Config
	client    *http.Client
}

// New returns a Service over the given endpoints, kept in the given order;
// selectEndpoint applies health and priority on each request.
func New(endpoints []Endpoint, cfg Config) *Service {
	s := &Service{
		limiters: map[string]*rate.Limiter{},
		cache:    map[string]cacheEntry{},
		cfg:      cfg,
		client:   &http.Client{},
	}
	for i := range endpoints {
		e := endpoints[i]
		if e.Health == 0 {
			e.Health = 100
		}
		s.endpoints = append(s.endpoints, &e)
		if cfg.RateLimit > 0 {
			s.limiters[e.URL] = rate.NewLimiter(cfg.RateLimit, cfg.RateBurst)
		}
	}

	go s.cleanupLoop()
	return s
}

func (s *Service) cleanupLoop() {
	for {
		time.Sleep(5 * time.Minute)
		now := time.Now()
		s.mu.Lock()
		for k, v := range s.cache {
			if now.After(v.expiresAt) {
				delete(s.cache, k)
			}
		}
		if len(s.cache) > 100 {
			s.evictExpiredLocked()
		}
		s.mu.Unlock()
	}
}

func (s *Service) evictExpiredLocked() {
	now := time.Now()
	for k, v := range s.cache {
		if now.After(v.expiresAt) {
			delete(s.cache, k)
		}
	}
}

func cacheKey(method, rawURL string, headers http.Header) string {
	var b strings.Builder
	b.WriteString(method)
	b.WriteByte(':')
	b.WriteString(rawURL)
	b.WriteByte(':')
	for k, vs := range headers {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(strings.Join(vs, ","))
		b.WriteByte(';')
	}
	return b.String()
}

// Fetch selects the healthiest available endpoint and proxies method/rawURL
// through it, recursing over remaining endpoints on failure until
// exhaustion. Matches httpfetch.ProxyFunc's signature so it plugs directly
// into the HTTP access client's fallback hook.
func (s *Service) Fetch(ctx context.Context, method, rawURL string, headers http.Header) (*httpfetch.Response, error) {
	key := cacheKey(method, rawURL, headers)
	s.mu.Lock()
	if entry, ok := s.cache[key]; ok && time.Now().Before(entry.expiresAt) {
		s.mu.Unlock()
		return entry.resp, nil
	}
	s.mu.Unlock()

	resp, err := s.fetchExcluding(ctx, method, rawURL, headers, nil)
	if err != nil {
		return nil, err
	}

	if s.cfg.CacheTTL > 0 {
		s.mu.Lock()
		s.cache[key] = cacheEntry{resp: resp, expiresAt: time.Now().Add(s.cfg.CacheTTL)}
		s.mu.Unlock()
	}
	return resp, nil
}

func (s *Service) fetchExcluding(ctx context.Context, method, rawURL string, headers http.Header, excluded map[string]bool) (*httpfetch.Response, error) {
	ep := s.selectEndpoint(excluded)
	if ep == nil {
		return nil, taxonomy.New(taxonomy.CodeProxyFailed, "proxy", "no healthy proxy endpoint available for %s", rawURL)
	}

	if limiter, ok := s.limiters[ep.URL]; ok {
		if err := limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	resp, err := s.doProxyRequest(ctx, ep, method, rawURL, headers)
	if err == nil {
		return resp, nil
	}

	s.mu.Lock()
	ep.Health -= 10
	if ep.Health < 0 {
		ep.Health = 0
	}
	s.mu.Unlock()

	if excluded == nil {
		excluded = map[string]bool{}
	}
	excluded[ep.URL] = true
	return s.fetchExcluding(ctx, method, rawURL, headers, excluded)
}

// selectEndpoint picks the healthiest endpoint with health > 0, excluding
// the given set; equal health falls back to the lower (preferred) priority.
// Health dominating priority is what makes a decayed endpoint yield to a
// less-preferred but healthy one until it recovers.
func (s *Service) selectEndpoint(excluded map[string]bool) *Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *Endpoint
	for _, ep := range s.endpoints {
		if ep.Health <= 0 || excluded[ep.URL] {
			continue
		}
		if best == nil || ep.Health > best.Health ||
			(ep.Health == best.Health && ep.Priority < best.Priority) {
			best = ep
		}
	}
	return best
}

func (s *Service) doProxyRequest(ctx context.Context, ep *Endpoint, method, rawURL string, headers http.Header) (*httpfetch.Response, error) {
	u, err := url.Parse(ep.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy endpoint %q: %w", ep.URL, err)
	}
	q := u.Query()
	q.Set("url", rawURL)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return nil, err
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("X-Original-URL", rawURL)
	if ep.APIKey != "" {
		req.Header.Set("X-Proxy-Authorization", ep.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respHeaders := resp.Header.Clone()
	for k, v := range s.cfg.ResponseHeaders {
		respHeaders.Set(k, v)
	}

	body := make([]byte, 0)
	buf := make([]byte, 32*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			body = append(body, buf[:n]...)
		}
		if rerr != nil {
			break
		}
	}

	if resp.StatusCode >= 400 {
		return nil, taxonomy.New(taxonomy.HTTPStatusCode(resp.StatusCode), "proxy", "proxy endpoint %s returned %d", ep.URL, resp.StatusCode)
	}

	return &httpfetch.Response{StatusCode: resp.StatusCode, Headers: respHeaders, Body: body}, nil
}

// Health returns a snapshot of every endpoint's current health.
func (s *Service) Health() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.endpoints))
	for _, ep := range s.endpoints {
		out[ep.URL] = ep.Health
	}
	return out
}
