// Package orchestrator binds cloud object URLs to queryable table names in
// the SQL engine: it picks direct or proxied registration per the CORS
// probe, dispatches on file format, keeps its table map in lockstep with the
// engine's namespace, and walks a configurable fallback chain when a query
// fails.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/srnarasim/dataprism-core/internal/cache"
	"github.com/srnarasim/dataprism-core/internal/cloudfile"
	"github.com/srnarasim/dataprism-core/internal/credentials"
	"github.com/srnarasim/dataprism-core/internal/ddl"
	"github.com/srnarasim/dataprism-core/internal/httpfetch"
	"github.com/srnarasim/dataprism-core/internal/sqlengine"
	"github.com/srnarasim/dataprism-core/internal/taxonomy"
)

// Strategy names one node of the query fallback chain.
type Strategy string

const (
	StrategyProxy Strategy = "proxy"
	StrategyCache Strategy = "cache"
	StrategyError Strategy = "error"
)

// TableOptions adjusts a single table registration.
type TableOptions struct {
	CORSHandling httpfetch.CORSMode // default auto
	Projection   []string           // column list, empty means *
	Filter       string             // raw WHERE predicate
	CacheSchema  bool
	Streaming    bool
}

// TableRecord is the orchestrator's bookkeeping for one registered table.
type TableRecord struct {
	Name         string
	URL          string
	Provider     string
	Mode         httpfetch.CORSMode // the mode actually used, direct or proxy
	Projection   []string
	Filter       string
	CacheSchema  bool
	Streaming    bool
	RegisteredAt time.Time
}

// InitOptions configures Initialize.
type InitOptions struct {
	EnableHTTPExt bool
	Credentials   map[string]credentials.Credentials
}

// Orchestrator is the remote-table coordination layer.
type Orchestrator struct {
	engine *sqlengine.Engine
	files  *cloudfile.Service
	client *httpfetch.Client
	creds  *credentials.Manager
	logger *slog.Logger

	mu          sync.Mutex
	tables      map[string]TableRecord
	nameLocks   map[string]*sync.Mutex
	forcedProxy bool
	fallback    []Strategy
	secrets     []string // engine secret names installed by Initialize

	results *cache.Cache[[]sqlengine.Row]
}

// New wires an Orchestrator over an already-open SQL engine and cloud file
// service. The query-result cache follows the documented caps: 200 MB,
// 15 min, 100 entries.
func New(engine *sqlengine.Engine, files *cloudfile.Service, client *httpfetch.Client, creds *credentials.Manager, logger *slog.Logger) *Orchestrator {
	o := &Orchestrator{
		engine:    engine,
		files:     files,
		client:    client,
		creds:     creds,
		logger:    logger,
		tables:    map[string]TableRecord{},
		nameLocks: map[string]*sync.Mutex{},
		fallback:  []Strategy{StrategyProxy, StrategyCache, StrategyError},
		results: cache.New(cache.Config[[]sqlengine.Row]{
			MaxCount: 100,
			MaxSize:  200 << 20,
			TTL:      15 * time.Minute,
			SizeFn: func(rows []sqlengine.Row) int {
				b, err := json.Marshal(rows)
				if err != nil {
					return 1024
				}
				return len(b) * 2
			},
		}),
	}
	files.SetSchemaPeeker(o.peekColumnarSchema)
	return o
}

// Initialize attempts to make the SQL engine's HTTP filesystem extension
// available. When the extension cannot load, every subsequent registration
// is forced through the proxy path. Credentials passed here are forwarded to
// the credential store and, when httpfs is available, installed as engine
// secrets so direct-mode read_* calls authenticate against private buckets.
func (o *Orchestrator) Initialize(ctx context.Context, opts InitOptions) error {
	for provider, creds := range opts.Credentials {
		o.creds.SetCredentials(provider, creds)
	}

	if !opts.EnableHTTPExt {
		o.EnableProxiedAccess(true)
		return nil
	}
	if err := o.engine.InstallHTTPFS(ctx); err != nil {
		o.logger.Warn("httpfs extension unavailable, forcing proxied access", "error", err)
		o.EnableProxiedAccess(true)
		return nil
	}

	for provider, creds := range opts.Credentials {
		if err := o.installSecret(ctx, provider, creds); err != nil {
			// Direct reads against this provider's private buckets will fail
			// and fall back to proxy; public objects still work.
			o.logger.Warn("engine secret not installed", "provider", provider, "error", err)
		}
	}
	return nil
}

// secretName derives the engine secret identifier for a provider tag.
func secretName(provider string) string {
	return "dataprism_" + strings.ReplaceAll(provider, "-", "_")
}

// installSecret translates provider credentials into an engine secret for
// httpfs. Providers whose credentials carry nothing the engine can use
// (bare API keys, OAuth2 without a key file) are skipped silently — their
// auth happens on the HTTP-header path instead.
func (o *Orchestrator) installSecret(ctx context.Context, provider string, creds credentials.Credentials) error {
	spec := ddl.SecretSpec{Provider: provider}
	switch provider {
	case httpfetch.ProviderS3, httpfetch.ProviderR2:
		if creds.AccessKeyID == "" || creds.SecretAccessKey == "" {
			return nil
		}
		spec.KeyID = creds.AccessKeyID
		spec.Secret = creds.SecretAccessKey
		spec.Region = creds.Region
		spec.Endpoint = creds.Endpoint
	case httpfetch.ProviderAzureBlob:
		if creds.ConnectionString == "" && (creds.AccountName == "" || creds.AccountKey == "") {
			return nil
		}
		spec.ConnectionString = creds.ConnectionString
		spec.AccountName = creds.AccountName
		spec.AccountKey = creds.AccountKey
	case httpfetch.ProviderGCS:
		if creds.KeyFilePath == "" {
			return nil
		}
		spec.KeyFilePath = creds.KeyFilePath
	default:
		return nil
	}

	stmt, err := ddl.CreateSecret(secretName(provider), spec)
	if err != nil {
		return err
	}
	if err := o.engine.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("create engine secret for %q: %w", provider, err)
	}
	o.mu.Lock()
	o.secrets = append(o.secrets, secretName(provider))
	o.mu.Unlock()
	o.logger.Info("installed engine secret", "provider", provider)
	return nil
}

// EnableProxiedAccess forces (or releases) global proxy mode, overriding
// per-table direct and auto modes.
func (o *Orchestrator) EnableProxiedAccess(enabled bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.forcedProxy = enabled
}

// ConfigureFallbackStrategies replaces the query fallback chain.
func (o *Orchestrator) ConfigureFallbackStrategies(chain []Strategy) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fallback = append([]Strategy(nil), chain...)
}

// Has reports whether name is currently registered.
func (o *Orchestrator) Has(name string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.tables[name]
	return ok
}

// Tables returns a snapshot of every registered table record.
func (o *Orchestrator) Tables() []TableRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]TableRecord, 0, len(o.tables))
	for _, rec := range o.tables {
		out = append(out, rec)
	}
	return out
}

// lockName serializes register/query/unregister per table name.
func (o *Orchestrator) lockName(name string) func() {
	o.mu.Lock()
	l, ok := o.nameLocks[name]
	if !ok {
		l = &sync.Mutex{}
		o.nameLocks[name] = l
	}
	o.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// resolveMode picks direct or proxy for url given the requested mode, the
// global forced-proxy override, and (for auto) the CORS probe.
func (o *Orchestrator) resolveMode(ctx context.Context, url string, requested httpfetch.CORSMode) httpfetch.CORSMode {
	o.mu.Lock()
	forced := o.forcedProxy
	o.mu.Unlock()
	if forced {
		return httpfetch.ModeProxy
	}
	switch requested {
	case httpfetch.ModeDirect:
		return httpfetch.ModeDirect
	case httpfetch.ModeProxy:
		return httpfetch.ModeProxy
	default:
		if o.client.TestCORSSupport(ctx, url) {
			return httpfetch.ModeDirect
		}
		return httpfetch.ModeProxy
	}
}

// RegisterCloudTable binds url to name in the SQL engine. Registration is
// idempotent per name: an existing table is dropped and recreated.
func (o *Orchestrator) RegisterCloudTable(ctx context.Context, name, url string, opts TableOptions) error {
	unlock := o.lockName(name)
	defer unlock()

	if err := ddl.ValidateIdentifier(name); err != nil {
		return taxonomy.Wrap(taxonomy.CodeTableRegistrationFailed, "orchestrator", err, "invalid table name %q", name)
	}

	format := cloudfile.FormatFromURL(url)
	if format == "" {
		return taxonomy.New(taxonomy.CodeUnsupportedFormat, "orchestrator", "cannot determine file format of %s", url)
	}

	mode := o.resolveMode(ctx, url, opts.CORSHandling)
	if err := o.registerWithMode(ctx, name, url, format, mode, opts); err != nil {
		return err
	}

	o.mu.Lock()
	o.tables[name] = TableRecord{
		Name:         name,
		URL:          url,
		Provider:     httpfetch.DetectProvider(url),
		Mode:         mode,
		Projection:   opts.Projection,
		Filter:       opts.Filter,
		CacheSchema:  opts.CacheSchema,
		Streaming:    opts.Streaming,
		RegisteredAt: time.Now(),
	}
	o.mu.Unlock()

	o.logger.Info("registered cloud table", "table", name, "url", url, "mode", string(mode), "format", format)
	return nil
}

func (o *Orchestrator) registerWithMode(ctx context.Context, name, url, format string, mode httpfetch.CORSMode, opts TableOptions) error {
	var err error
	if mode == httpfetch.ModeDirect {
		err = o.registerDirect(ctx, name, url, format, opts)
	} else {
		err = o.registerProxied(ctx, name, url, format, opts)
	}
	if err != nil {
		// Keep the registry and the engine namespace in lockstep: a failed
		// registration must not leave a half-created table behind.
		if stmt, derr := ddl.DropTable(name); derr == nil {
			_ = o.engine.Exec(ctx, stmt)
		}
		return err
	}
	return nil
}

// registerDirect issues CREATE TABLE AS SELECT over a read_<format>(url)
// call, letting the engine's httpfs extension pull the object itself.
func (o *Orchestrator) registerDirect(ctx context.Context, name, url, format string, opts TableOptions) error {
	readFunc, err := ddl.ReadFunction(format)
	if err != nil {
		return taxonomy.Wrap(taxonomy.CodeUnsupportedFormat, "orchestrator", err, "registering %q", name)
	}
	stmt, err := ddl.CreateTableAsSelect(ddl.CreateTableAsSelectSpec{
		TableName:  name,
		ReadFunc:   readFunc,
		Path:       url,
		Projection: opts.Projection,
		Filter:     opts.Filter,
	})
	if err != nil {
		return taxonomy.Wrap(taxonomy.CodeTableRegistrationFailed, "orchestrator", err, "building DDL for %q", name)
	}
	if err := o.engine.Exec(ctx, stmt); err != nil {
		return taxonomy.Wrap(taxonomy.CodeTableRegistrationFailed, "orchestrator", err, "direct registration of %q from %s", name, url).
			WithTroubleshooting(
				"check that the URL is reachable from the engine host",
				"retry with proxy mode if the host restricts access",
			)
	}
	return nil
}

// registerProxied pulls the object through the cloud file service in proxy
// mode, registers the content under a virtual filename, and creates the
// table from that.
func (o *Orchestrator) registerProxied(ctx context.Context, name, url, format string, opts TableOptions) error {
	handle, err := o.files.GetFile(ctx, url, cloudfile.Options{CORSHandling: httpfetch.ModeProxy})
	if err != nil {
		return taxonomy.Wrap(taxonomy.CodeTableRegistrationFailed, "orchestrator", err, "proxied fetch of %s for table %q", url, name)
	}

	var virtualName, readFunc string
	switch format {
	case "parquet", "arrow":
		virtualName, readFunc = name+".parquet", "read_parquet"
		data, err := handle.AsBytes()
		if err != nil {
			return taxonomy.Wrap(taxonomy.CodeTableRegistrationFailed, "orchestrator", err, "consuming body for %q", name)
		}
		if err := o.engine.RegisterFileBuffer(virtualName, data); err != nil {
			return taxonomy.Wrap(taxonomy.CodeTableRegistrationFailed, "orchestrator", err, "registering buffer for %q", name)
		}
	case "csv":
		virtualName, readFunc = name+".csv", "read_csv_auto"
		text, err := handle.AsText()
		if err != nil {
			return taxonomy.Wrap(taxonomy.CodeTableRegistrationFailed, "orchestrator", err, "consuming body for %q", name)
		}
		if err := o.engine.RegisterFileText(virtualName, text); err != nil {
			return taxonomy.Wrap(taxonomy.CodeTableRegistrationFailed, "orchestrator", err, "registering text for %q", name)
		}
	case "json", "jsonl":
		virtualName, readFunc = name+".json", "read_json_auto"
		text, err := handle.AsText()
		if err != nil {
			return taxonomy.Wrap(taxonomy.CodeTableRegistrationFailed, "orchestrator", err, "consuming body for %q", name)
		}
		if err := o.engine.RegisterFileText(virtualName, text); err != nil {
			return taxonomy.Wrap(taxonomy.CodeTableRegistrationFailed, "orchestrator", err, "registering text for %q", name)
		}
	default:
		return taxonomy.New(taxonomy.CodeUnsupportedFormat, "orchestrator", "unsupported format %q for proxied registration of %q", format, name)
	}

	stmt, err := ddl.CreateTableAsSelect(ddl.CreateTableAsSelectSpec{
		TableName:  name,
		ReadFunc:   readFunc,
		Path:       virtualName,
		Projection: opts.Projection,
		Filter:     opts.Filter,
	})
	if err != nil {
		return taxonomy.Wrap(taxonomy.CodeTableRegistrationFailed, "orchestrator", err, "building DDL for %q", name)
	}
	if err := o.engine.Exec(ctx, stmt); err != nil {
		return taxonomy.Wrap(taxonomy.CodeTableRegistrationFailed, "orchestrator", err, "proxied registration of %q", name)
	}
	return nil
}

// normalizeSQL canonicalizes a statement for result-cache keying.
func normalizeSQL(sqlText string) string {
	return strings.Join(strings.Fields(strings.ToLower(sqlText)), " ")
}

// QueryCloudTable runs sqlText (or SELECT * FROM name when empty) against a
// registered table, walking the fallback chain on failure.
func (o *Orchestrator) QueryCloudTable(ctx context.Context, name, sqlText string) ([]sqlengine.Row, error) {
	unlock := o.lockName(name)
	defer unlock()

	o.mu.Lock()
	rec, ok := o.tables[name]
	fallback := append([]Strategy(nil), o.fallback...)
	o.mu.Unlock()
	if !ok {
		return nil, taxonomy.New(taxonomy.CodeQueryFailed, "orchestrator", "table %q is not registered", name)
	}

	if sqlText == "" {
		sqlText = fmt.Sprintf("SELECT * FROM %s", ddl.QuoteIdentifier(name))
	}

	rows, err := o.engine.Query(ctx, sqlText)
	if err == nil {
		o.results.Set(normalizeSQL(sqlText), rows)
		return rows, nil
	}
	queryErr := err

	for _, strategy := range fallback {
		switch strategy {
		case StrategyProxy:
			o.logger.Warn("query failed, re-registering via proxy", "table", name, "error", queryErr)
			if rerr := o.registerWithMode(ctx, name, rec.URL, cloudfile.FormatFromURL(rec.URL), httpfetch.ModeProxy, TableOptions{
				Projection: rec.Projection,
				Filter:     rec.Filter,
			}); rerr != nil {
				continue
			}
			o.mu.Lock()
			rec.Mode = httpfetch.ModeProxy
			o.tables[name] = rec
			o.mu.Unlock()
			rows, err = o.engine.Query(ctx, sqlText)
			if err == nil {
				o.results.Set(normalizeSQL(sqlText), rows)
				return rows, nil
			}
		case StrategyCache:
			if cached, ok := o.results.Get(normalizeSQL(sqlText)); ok {
				o.logger.Warn("query failed, serving cached result", "table", name, "error", queryErr)
				return cached, nil
			}
		case StrategyError:
			return nil, taxonomy.Wrap(taxonomy.CodeQueryFailed, "orchestrator", queryErr, "query on %q failed after fallback chain", name)
		}
	}
	return nil, taxonomy.Wrap(taxonomy.CodeQueryFailed, "orchestrator", queryErr, "query on %q failed after fallback chain", name)
}

// UnregisterCloudTable drops name from the engine (best effort) and always
// removes the registry entry, keeping the two namespaces consistent even
// when the DROP fails.
func (o *Orchestrator) UnregisterCloudTable(ctx context.Context, name string) error {
	unlock := o.lockName(name)
	defer unlock()

	var dropErr error
	if stmt, err := ddl.DropTable(name); err == nil {
		dropErr = o.engine.Exec(ctx, stmt)
	}

	o.mu.Lock()
	delete(o.tables, name)
	o.mu.Unlock()

	for _, ext := range []string{".parquet", ".csv", ".json"} {
		o.engine.DropFile(name + ext)
	}

	if dropErr != nil {
		o.logger.Warn("drop table failed during unregister", "table", name, "error", dropErr)
	}
	return nil
}

// peekColumnarSchema resolves a parquet/arrow schema through the SQL
// engine's DESCRIBE rather than a local footer parser. Plugged into the
// cloud file service at construction.
func (o *Orchestrator) peekColumnarSchema(ctx context.Context, url, format string) (cloudfile.Schema, error) {
	readFunc, err := ddl.ReadFunction(format)
	if err != nil {
		return cloudfile.Schema{}, err
	}
	rows, err := o.engine.DescribeFile(ctx, readFunc, url)
	if err != nil {
		return cloudfile.Schema{}, err
	}
	schema := cloudfile.Schema{Format: format}
	for _, row := range rows {
		name, _ := row["column_name"].(string)
		colType, _ := row["column_type"].(string)
		schema.Columns = append(schema.Columns, cloudfile.Column{Name: name, Type: coarseType(colType)})
	}
	return schema, nil
}

// coarseType folds an engine column type into the string/number/boolean
// vocabulary of the schema contract.
func coarseType(engineType string) string {
	t := strings.ToUpper(engineType)
	switch {
	case strings.Contains(t, "INT"), strings.Contains(t, "DOUBLE"), strings.Contains(t, "FLOAT"), strings.Contains(t, "DECIMAL"), strings.Contains(t, "HUGEINT"):
		return cloudfile.TypeNumber
	case strings.Contains(t, "BOOL"):
		return cloudfile.TypeBoolean
	default:
		return cloudfile.TypeString
	}
}

// Close drops any engine secrets installed at Initialize and releases the
// result cache's background resources. The engine itself stays open; the
// owner terminates it separately.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	secrets := o.secrets
	o.secrets = nil
	o.mu.Unlock()

	// Best-effort: scrub installed credentials from the engine before the
	// caller terminates it.
	for _, name := range secrets {
		if stmt, err := ddl.DropSecret(name); err == nil {
			_ = o.engine.Exec(context.Background(), stmt)
		}
	}
	o.results.Close()
}
