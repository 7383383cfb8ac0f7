// Package proxyserver is the reference implementation of the proxy endpoint
// the engine's proxy service speaks to: GET /fetch?url=<target> relays the
// upstream object with permissive CORS response headers. Deployments usually
// run their own; this one backs local development and integration tests.
package proxyserver

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Config controls the proxy server's behavior.
type Config struct {
	AllowedOrigins  []string      // CORS origins, default "*"
	APIKey          string        // when set, X-Proxy-Authorization must match
	OIDCIssuer      string        // when set, X-Proxy-Authorization is verified as an OIDC ID token
	OIDCAudience    string        // expected audience for OIDC verification
	UpstreamTimeout time.Duration // per-relay deadline, default 30s
	Logger          *slog.Logger
}

// Server relays object fetches with CORS headers attached.
type Server struct {
	cfg      Config
	client   *http.Client
	logger   *slog.Logger
	verifier *oidc.IDTokenVerifier
}

// New builds a Server. When cfg.OIDCIssuer is set, provider discovery runs
// against it immediately.
func New(ctx context.Context, cfg Config) (*Server, error) {
	if cfg.UpstreamTimeout <= 0 {
		cfg.UpstreamTimeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.UpstreamTimeout},
		logger: logger,
	}
	if cfg.OIDCIssuer != "" {
		provider, err := oidc.NewProvider(ctx, cfg.OIDCIssuer)
		if err != nil {
			return nil, err
		}
		s.verifier = provider.Verifier(&oidc.Config{ClientID: cfg.OIDCAudience})
	}
	return s, nil
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "HEAD", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"Content-Length", "Content-Type", "ETag", "Last-Modified"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/fetch", s.handleFetch)
	r.Head("/fetch", s.handleFetch)
	return r
}

func (s *Server) authorize(r *http.Request) bool {
	token := r.Header.Get("X-Proxy-Authorization")
	if s.verifier != nil {
		raw := strings.TrimPrefix(token, "Bearer ")
		if _, err := s.verifier.Verify(r.Context(), raw); err != nil {
			s.logger.Warn("proxy auth rejected", "error", err)
			return false
		}
		return true
	}
	if s.cfg.APIKey != "" {
		return token == s.cfg.APIKey
	}
	return true
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	target := r.URL.Query().Get("url")
	if target == "" {
		http.Error(w, "missing url parameter", http.StatusBadRequest)
		return
	}
	parsed, err := url.Parse(target)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		http.Error(w, "invalid url parameter", http.StatusBadRequest)
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, nil)
	if err != nil {
		http.Error(w, "cannot build upstream request", http.StatusBadGateway)
		return
	}
	// Pass through range and conditional headers so sampling and caching
	// behave the same through the proxy as direct.
	for _, h := range []string{"Range", "If-None-Match", "If-Modified-Since", "Accept"} {
		if v := r.Header.Get(h); v != "" {
			req.Header.Set(h, v)
		}
	}
	if v := r.Header.Get("X-Original-Authorization"); v != "" {
		req.Header.Set("Authorization", v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("upstream fetch failed", "url", target, "error", err)
		http.Error(w, "upstream fetch failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close() //nolint:errcheck

	// Mirror the upstream response; the engine interprets status and body,
	// not any proxy-specific envelope.
	for _, h := range []string{"Content-Type", "Content-Length", "ETag", "Last-Modified", "Content-Range", "Accept-Ranges"} {
		if v := resp.Header.Get(h); v != "" {
			w.Header().Set(h, v)
		}
	}
	w.Header().Set("X-Original-URL", target)
	w.WriteHeader(resp.StatusCode)
	if r.Method != http.MethodHead {
		_, _ = io.Copy(w, resp.Body)
	}
}
