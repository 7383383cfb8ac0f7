// Package cloudfile turns a cloud object URL into a file handle (metadata
// plus a one-shot body) and a coarse schema, routing through the CORS-aware
// HTTP client and attaching per-provider auth headers from the credential
// manager.
package cloudfile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/srnarasim/dataprism-core/internal/cache"
	"github.com/srnarasim/dataprism-core/internal/credentials"
	"github.com/srnarasim/dataprism-core/internal/httpfetch"
	"github.com/srnarasim/dataprism-core/internal/taxonomy"
)

// Coarse column types reported by schema inference.
const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
)

// Column is one inferred schema column.
type Column struct {
	Name string
	Type string
}

// Schema is the coarse shape of a remote file.
type Schema struct {
	Columns  []Column
	Format   string // "parquet", "csv", "json", "jsonl", "arrow"
	RowCount int64  // 0 when unknown
}

// Options adjusts how a single GetFile call behaves.
type Options struct {
	CORSHandling httpfetch.CORSMode // default auto
	Timeout      time.Duration      // default service timeout
}

// SchemaPeeker inspects a columnar file's schema without a local parser —
// the orchestrator wires the SQL engine's DESCRIBE path in here. A nil
// peeker falls back to a placeholder single-column schema.
type SchemaPeeker func(ctx context.Context, url, format string) (Schema, error)

// Service is the cloud file access layer.
type Service struct {
	client  *httpfetch.Client
	creds   *credentials.Manager
	schemas *cache.Cache[Schema]
	logger  *slog.Logger
	timeout time.Duration

	mu     sync.Mutex
	peeker SchemaPeeker
}

// NewService builds a Service over the given HTTP client and credential
// manager. The schema cache follows the documented caps: 10 MB, 2 h, 500
// entries.
func NewService(client *httpfetch.Client, creds *credentials.Manager, logger *slog.Logger, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Service{
		client: client,
		creds:  creds,
		schemas: cache.New(cache.Config[Schema]{
			MaxCount: 500,
			MaxSize:  10 << 20,
			TTL:      2 * time.Hour,
			SizeFn: func(s Schema) int {
				n := 64
				for _, c := range s.Columns {
					n += cache.StringSize(c.Name) + cache.StringSize(c.Type)
				}
				return n
			},
		}),
		logger:  logger,
		timeout: timeout,
	}
}

// SetSchemaPeeker installs the columnar-format schema hook.
func (s *Service) SetSchemaPeeker(p SchemaPeeker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peeker = p
}

// SetCredentials forwards creds to the credential store.
func (s *Service) SetCredentials(provider string, creds credentials.Credentials) {
	s.creds.SetCredentials(provider, creds)
}

// ConfigureProvider stores creds for a provider tag and reports whether they
// are shape-complete for the provider's auth method.
func (s *Service) ConfigureProvider(tag string, creds credentials.Credentials) error {
	s.creds.SetCredentials(tag, creds)
	return s.creds.Validate(tag)
}

// Close releases the schema cache's background resources.
func (s *Service) Close() {
	s.schemas.Close()
}

// InvalidateSchema drops any cached schema for url.
func (s *Service) InvalidateSchema(url string) {
	s.schemas.Delete(url)
}

// GetFile fetches url under the requested CORS mode and returns a handle
// over the buffered body. Non-2xx responses surface as typed errors carrying
// the HTTP status code.
func (s *Service) GetFile(ctx context.Context, url string, opts Options) (*FileHandle, error) {
	return s.fetchHandle(ctx, url, opts, nil)
}

func (s *Service) fetchHandle(ctx context.Context, url string, opts Options, extra http.Header) (*FileHandle, error) {
	mode := opts.CORSHandling
	if mode == "" {
		mode = httpfetch.ModeAuto
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = s.timeout
	}

	provider := httpfetch.DetectProvider(url)
	headers, err := s.creds.AuthHeaders(ctx, provider, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	for k, vs := range extra {
		for _, v := range vs {
			headers.Set(k, v)
		}
	}

	resp, err := s.client.FetchWithCORSHandling(ctx, http.MethodGet, url, headers, mode, timeout)
	if err != nil {
		return nil, taxonomy.Wrap(taxonomy.CodeNetworkError, "cloudfile", err, "fetching %s", url).
			WithProvider(provider).
			WithTroubleshooting(
				"verify the object URL is reachable",
				"check that credentials for the provider are configured",
				"try forcing proxy mode if the host blocks cross-origin reads",
			)
	}
	if resp.StatusCode >= 400 {
		return nil, taxonomy.New(taxonomy.HTTPStatusCode(resp.StatusCode), "cloudfile", "fetching %s returned %d", url, resp.StatusCode).
			WithProvider(provider)
	}

	return NewFileHandle(url, metadataFromHeaders(resp.Headers, provider), resp.Body), nil
}

// GetMultipleFiles fetches urls in parallel with settle-all semantics: it
// succeeds with the handles that loaded as long as at least one did, and
// fails only when every fetch failed.
func (s *Service) GetMultipleFiles(ctx context.Context, urls []string, opts Options) ([]*FileHandle, error) {
	if len(urls) == 0 {
		return nil, nil
	}

	handles := make([]*FileHandle, len(urls))
	errs := make([]error, len(urls))

	g, gctx := errgroup.WithContext(ctx)
	for i, url := range urls {
		g.Go(func() error {
			h, err := s.GetFile(gctx, url, opts)
			if err != nil {
				errs[i] = err
				return nil // settle-all: record, don't cancel siblings
			}
			handles[i] = h
			return nil
		})
	}
	_ = g.Wait()

	out := make([]*FileHandle, 0, len(urls))
	var firstErr error
	for i, h := range handles {
		if h != nil {
			out = append(out, h)
		} else if firstErr == nil {
			firstErr = errs[i]
		}
	}
	if len(out) == 0 {
		return nil, taxonomy.Wrap(taxonomy.CodeBatchFailed, "cloudfile", firstErr, "all %d file fetches failed", len(urls))
	}
	return out, nil
}

// FormatFromURL infers a file format tag from a URL suffix, ignoring any
// query string.
func FormatFromURL(url string) string {
	path := url
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	path = strings.ToLower(path)
	switch {
	case strings.HasSuffix(path, ".parquet"):
		return "parquet"
	case strings.HasSuffix(path, ".csv"):
		return "csv"
	case strings.HasSuffix(path, ".jsonl"):
		return "jsonl"
	case strings.HasSuffix(path, ".json"):
		return "json"
	case strings.HasSuffix(path, ".arrow"):
		return "arrow"
	}
	return ""
}

// formatFromContentType maps a Content-Type header to a format tag.
func formatFromContentType(ct string) string {
	ct = strings.ToLower(ct)
	switch {
	case strings.Contains(ct, "csv"):
		return "csv"
	case strings.Contains(ct, "json"):
		return "json"
	case strings.Contains(ct, "parquet"):
		return "parquet"
	}
	return ""
}

// GetFileSchema infers url's coarse schema, cache-first: a HEAD reveals the
// content type, the URL suffix breaks ties, and a small ranged sample of the
// body yields column names and types. Columnar formats defer to the
// installed peeker.
func (s *Service) GetFileSchema(ctx context.Context, url string) (Schema, error) {
	if cached, ok := s.schemas.Get(url); ok {
		return cached, nil
	}

	provider := httpfetch.DetectProvider(url)
	headers, err := s.creds.AuthHeaders(ctx, provider, http.MethodHead, url, nil)
	if err != nil {
		return Schema{}, err
	}
	format := ""
	if resp, err := s.client.Fetch(ctx, http.MethodHead, url, headers, s.timeout); err == nil {
		format = formatFromContentType(resp.Headers.Get("Content-Type"))
	}
	if format == "" {
		format = FormatFromURL(url)
	}
	if format == "" {
		return Schema{}, taxonomy.New(taxonomy.CodeUnsupportedFormat, "cloudfile", "cannot determine format of %s", url)
	}

	schema, err := s.inferSchema(ctx, url, format)
	if err != nil {
		return Schema{}, err
	}
	s.schemas.Set(url, schema)
	return schema, nil
}

func (s *Service) inferSchema(ctx context.Context, url, format string) (Schema, error) {
	switch format {
	case "csv":
		return s.inferCSV(ctx, url)
	case "json", "jsonl":
		return s.inferJSON(ctx, url, format)
	case "parquet", "arrow":
		s.mu.Lock()
		peeker := s.peeker
		s.mu.Unlock()
		if peeker != nil {
			return peeker(ctx, url, format)
		}
		// No engine-backed peeker wired: report a placeholder the caller
		// can still register and DESCRIBE later.
		return Schema{Columns: []Column{{Name: "data", Type: TypeString}}, Format: format}, nil
	default:
		return Schema{}, taxonomy.New(taxonomy.CodeUnsupportedFormat, "cloudfile", "unsupported format %q for %s", format, url)
	}
}

func (s *Service) sample(ctx context.Context, url, byteRange string) ([]byte, error) {
	extra := http.Header{}
	extra.Set("Range", byteRange)
	h, err := s.fetchHandle(ctx, url, Options{}, extra)
	if err != nil {
		return nil, err
	}
	return h.AsBytes()
}

func (s *Service) inferCSV(ctx context.Context, url string) (Schema, error) {
	sample, err := s.sample(ctx, url, "bytes=0-4095")
	if err != nil {
		return Schema{}, taxonomy.Wrap(taxonomy.CodeSchemaError, "cloudfile", err, "sampling CSV header of %s", url)
	}
	header, _, _ := strings.Cut(string(sample), "\n")
	header = strings.TrimSuffix(header, "\r")
	if header == "" {
		return Schema{}, taxonomy.New(taxonomy.CodeSchemaError, "cloudfile", "empty CSV header in %s", url)
	}
	fields := strings.Split(header, ",")
	cols := make([]Column, len(fields))
	for i, f := range fields {
		cols[i] = Column{Name: strings.TrimSpace(strings.Trim(f, `"`)), Type: TypeString}
	}
	return Schema{Columns: cols, Format: "csv"}, nil
}

func (s *Service) inferJSON(ctx context.Context, url, format string) (Schema, error) {
	sample, err := s.sample(ctx, url, "bytes=0-8191")
	if err != nil {
		return Schema{}, taxonomy.Wrap(taxonomy.CodeSchemaError, "cloudfile", err, "sampling JSON prefix of %s", url)
	}
	obj := firstObject(sample)
	if obj == nil {
		return Schema{}, taxonomy.New(taxonomy.CodeSchemaError, "cloudfile", "no JSON object found in prefix of %s", url)
	}

	var decoded map[string]any
	if err := json.Unmarshal(obj, &decoded); err != nil {
		return Schema{}, taxonomy.Wrap(taxonomy.CodeSchemaError, "cloudfile", err, "parsing first JSON object of %s", url)
	}

	cols := make([]Column, 0, len(decoded))
	for name, value := range decoded {
		cols = append(cols, Column{Name: name, Type: jsonType(value)})
	}
	sort.Slice(cols, func(i, j int) bool { return cols[i].Name < cols[j].Name })
	return Schema{Columns: cols, Format: format}, nil
}

// firstObject extracts the first balanced {...} from a possibly truncated
// JSON sample, skipping string contents.
func firstObject(data []byte) []byte {
	start := -1
	depth := 0
	inString := false
	escaped := false
	for i, b := range data {
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			inString = true
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 {
					return data[start : i+1]
				}
			}
		}
	}
	return nil
}

func jsonType(v any) string {
	switch v.(type) {
	case float64, json.Number:
		return TypeNumber
	case bool:
		return TypeBoolean
	default:
		return TypeString
	}
}

// String renders a schema compactly for logs.
func (sc Schema) String() string {
	parts := make([]string, len(sc.Columns))
	for i, c := range sc.Columns {
		parts[i] = fmt.Sprintf("%s:%s", c.Name, c.Type)
	}
	return fmt.Sprintf("%s(%s)", sc.Format, strings.Join(parts, ", "))
}
