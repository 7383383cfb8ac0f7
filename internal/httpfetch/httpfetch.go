// Package httpfetch is the CORS-aware HTTP access client: it probes whether
// a host answers cross-origin reads before committing to a direct fetch,
// memoizes that probe per host+path, retries transient failures with
// exponential backoff, and classifies hosts by cloud storage provider so
// callers can pick the right auth scheme.
package httpfetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/srnarasim/dataprism-core/internal/taxonomy"
)

// Provider tags recognized by DetectProvider.
const (
	ProviderS3        = "s3"
	ProviderR2        = "r2"
	ProviderGCS       = "gcs"
	ProviderAzureBlob = "azure-blob"
	ProviderUnknown   = "unknown"
)

// CORSMode selects how Fetch reacts to a CORS-restricted host.
type CORSMode string

const (
	ModeDirect CORSMode = "direct"
	ModeProxy  CORSMode = "proxy"
	ModeAuto   CORSMode = "auto"
)

// Response is the normalized result of a fetch, body fully buffered —
// mirrors the one-shot body-consumption contract the cloud file service
// exposes over it.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// ProxyFunc performs a fetch through a fallback proxy service. Supplied by
// the caller (internal/proxy) so this package has no direct dependency on
// proxy selection/health bookkeeping.
type ProxyFunc func(ctx context.Context, method, rawURL string, headers http.Header) (*Response, error)

// Client is the CORS-aware HTTP access client.
type Client struct {
	http      *http.Client
	proxy     ProxyFunc
	retryBase time.Duration

	mu        sync.Mutex
	corsCache map[string]corsResult
	cacheTTL  time.Duration
}

// Verdict is the cached outcome of a CORS probe for one host+path.
type Verdict struct {
	DirectSupported  bool
	RequiresProxy    bool
	AllowedMethods   []string // parsed from the probe response; empty implies at least GET
	MaxContentLength int64    // observed Content-Length, 0 when absent
}

type corsResult struct {
	verdict   Verdict
	expiresAt time.Time
}

// New returns a Client with the given proxy fallback (nil disables proxy
// fallback entirely) and CORS-probe memoization TTL.
func New(proxy ProxyFunc, cacheTTL time.Duration) *Client {
	return &Client{
		http:      &http.Client{},
		proxy:     proxy,
		retryBase: time.Second,
		corsCache: map[string]corsResult{},
		cacheTTL:  cacheTTL,
	}
}

// SetRetryBase overrides the exponential backoff base delay. Tests use a
// short base so retry paths run in milliseconds.
func (c *Client) SetRetryBase(d time.Duration) { c.retryBase = d }

// ClearCORSCache forgets every memoized CORS probe result.
func (c *Client) ClearCORSCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.corsCache = map[string]corsResult{}
}

// Fetch performs a single direct HTTP request with the given absolute
// deadline; the deadline timer is always released whether or not it fires.
func (c *Client) Fetch(ctx context.Context, method, rawURL string, headers http.Header, timeout time.Duration) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, taxonomy.Wrap(taxonomy.CodeNetworkError, "httpfetch", err, "building request for %s", rawURL)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, taxonomy.Wrap(taxonomy.CodeNetworkError, "httpfetch", err, "fetching %s", rawURL)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, taxonomy.Wrap(taxonomy.CodeNetworkError, "httpfetch", err, "reading body from %s", rawURL)
	}

	if resp.StatusCode >= 400 {
		return &Response{StatusCode: resp.StatusCode, Headers: resp.Header, Body: body},
			taxonomy.New(taxonomy.HTTPStatusCode(resp.StatusCode), "httpfetch", "%s %s returned %d", method, rawURL, resp.StatusCode)
	}

	return &Response{StatusCode: resp.StatusCode, Headers: resp.Header, Body: body}, nil
}

// corsCacheKey ignores the query string — a CORS policy is a property of
// host+path, not of the specific query parameters used to probe it.
func corsCacheKey(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Host + u.Path
}

// CORSVerdict issues a lightweight HEAD probe against rawURL and caches the
// outcome for cacheTTL, keyed by host+path so repeated queries against the
// same object under different filters don't re-probe. The probe itself is
// never retried.
func (c *Client) CORSVerdict(ctx context.Context, rawURL string) Verdict {
	key := corsCacheKey(rawURL)

	c.mu.Lock()
	if cached, ok := c.corsCache[key]; ok && time.Now().Before(cached.expiresAt) {
		c.mu.Unlock()
		return cached.verdict
	}
	c.mu.Unlock()

	verdict := c.probeCORS(ctx, rawURL)

	c.mu.Lock()
	c.corsCache[key] = corsResult{verdict: verdict, expiresAt: time.Now().Add(c.cacheTTL)}
	c.mu.Unlock()

	return verdict
}

// TestCORSSupport reports whether rawURL supports direct cross-origin reads,
// consulting the same memoized probe as CORSVerdict.
func (c *Client) TestCORSSupport(ctx context.Context, rawURL string) bool {
	return c.CORSVerdict(ctx, rawURL).DirectSupported
}

func (c *Client) probeCORS(ctx context.Context, rawURL string) Verdict {
	blocked := Verdict{RequiresProxy: true}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return blocked
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return blocked
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return blocked
	}

	v := Verdict{DirectSupported: true}
	for _, header := range []string{"Access-Control-Allow-Methods", "Allow"} {
		if raw := resp.Header.Get(header); raw != "" {
			for _, m := range strings.Split(raw, ",") {
				if m = strings.TrimSpace(m); m != "" {
					v.AllowedMethods = append(v.AllowedMethods, strings.ToUpper(m))
				}
			}
			break
		}
	}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
			v.MaxContentLength = n
		}
	}
	return v
}

// FetchWithCORSHandling resolves the effective access mode for mode (auto
// probes first) and either fetches directly or defers to the proxy fallback.
func (c *Client) FetchWithCORSHandling(ctx context.Context, method, rawURL string, headers http.Header, mode CORSMode, timeout time.Duration) (*Response, error) {
	effective := mode
	if mode == ModeAuto {
		if c.TestCORSSupport(ctx, rawURL) {
			effective = ModeDirect
		} else {
			effective = ModeProxy
		}
	}

	if effective == ModeDirect {
		resp, err := c.Fetch(ctx, method, rawURL, headers, timeout)
		if err == nil {
			return resp, nil
		}
		if c.proxy == nil {
			return nil, err
		}
		// fall through to proxy on direct failure, matching the
		// orchestrator's documented fallback chain.
	}

	if c.proxy == nil {
		return nil, taxonomy.New(taxonomy.CodeCORSError, "httpfetch", "host does not support CORS and no proxy is configured: %s", rawURL)
	}
	resp, err := c.proxy(ctx, method, rawURL, headers)
	if err != nil {
		return nil, taxonomy.Wrap(taxonomy.CodeProxyFailed, "httpfetch", err, "proxy fetch failed for %s", rawURL)
	}
	return resp, nil
}

// retryable classifies errors worth retrying: network errors, proxy failures
// and 5xx/429 responses are transient; direct 4xx (other than 429) and CORS
// errors are not. A proxy failure is retried whatever status the proxied
// request got, including a 4xx.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	if strings.Contains(msg, taxonomy.CodeNetworkError) || strings.Contains(msg, taxonomy.CodeProxyFailed) {
		return true
	}
	if strings.Contains(msg, "HTTP_429") {
		return true
	}
	for code := 500; code < 600; code++ {
		if strings.Contains(msg, taxonomy.HTTPStatusCode(code)) {
			return true
		}
	}
	return false
}

// FetchWithRetry retries FetchWithCORSHandling on retryable failures with
// 2^n × 1s backoff, up to maxAttempts total attempts. Non-retryable errors
// (CORS, direct 4xx other than 429) surface immediately.
func (c *Client) FetchWithRetry(ctx context.Context, method, rawURL string, headers http.Header, mode CORSMode, timeout time.Duration, maxAttempts int) (*Response, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var resp *Response
	backoff := retry.WithMaxRetries(uint64(maxAttempts-1), retry.NewExponential(c.retryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		r, err := c.FetchWithCORSHandling(ctx, method, rawURL, headers, mode, timeout)
		if err == nil {
			resp = r
			return nil
		}
		if retryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	return resp, nil
}

// providerPatterns maps hostname substrings to provider tags, checked in order.
var providerPatterns = []struct {
	substr   string
	provider string
}{
	{".r2.cloudflarestorage.com", ProviderR2},
	{".r2.dev", ProviderR2},
	{".amazonaws.com", ProviderS3},
	{"s3.", ProviderS3},
	{"googleapis.com", ProviderGCS},
	{"storage.cloud.google.com", ProviderGCS},
	{".blob.core.windows.net", ProviderAzureBlob},
}

// DetectProvider classifies rawURL's host as a known cloud storage provider.
// Hosts matching no pattern default to S3, the scheme most S3-compatible
// stores (MinIO, Hetzner, Wasabi) answer to.
func DetectProvider(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ProviderUnknown
	}
	host := strings.ToLower(u.Host)
	for _, p := range providerPatterns {
		if strings.Contains(host, p.substr) {
			return p.provider
		}
	}
	return ProviderS3
}

// BufferBody re-wraps body bytes as a fresh reader, used when a caller needs
// to hand the same response body to more than one consumer.
func BufferBody(body []byte) io.Reader { return bytes.NewReader(body) }
