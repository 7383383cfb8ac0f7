// Package facade assembles the whole engine: it sequences startup of the
// SQL engine, the columnar runtime, the optional compute module, and the
// cloud subsystem through the dependency registry, gates user calls on
// readiness, and routes queries with optional post-processing.
package facade

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/srnarasim/dataprism-core/internal/cloudfile"
	"github.com/srnarasim/dataprism-core/internal/columnar"
	"github.com/srnarasim/dataprism-core/internal/compute"
	"github.com/srnarasim/dataprism-core/internal/config"
	"github.com/srnarasim/dataprism-core/internal/credentials"
	"github.com/srnarasim/dataprism-core/internal/ddl"
	"github.com/srnarasim/dataprism-core/internal/httpfetch"
	"github.com/srnarasim/dataprism-core/internal/orchestrator"
	"github.com/srnarasim/dataprism-core/internal/proxy"
	"github.com/srnarasim/dataprism-core/internal/registry"
	"github.com/srnarasim/dataprism-core/internal/sqlengine"
	"github.com/srnarasim/dataprism-core/internal/taxonomy"
)

// Dependency names registered with the lifecycle registry.
const (
	DepSQLEngine       = "sql-engine"
	DepColumnarRuntime = "columnar-runtime"
	DepComputeModule   = "compute-module"
	DepCloudSubsystem  = "cloud-subsystem"
)

// QueryMetadata accompanies every query result.
type QueryMetadata struct {
	RowCount        int
	ExecutionTimeMs float64
	PostProcessed   bool
	PostProcessMs   float64
	MemoryUsedBytes uint64
}

// QueryResult is the facade's query return value.
type QueryResult struct {
	Data     []sqlengine.Row
	Metadata QueryMetadata
}

// Metrics aggregates per-engine query statistics.
type Metrics struct {
	QueryCount        int64
	TotalExecutionMs  float64
	AverageResponseMs float64
	MemoryPeakUsage   uint64
}

// Status is the facade's readiness and health snapshot.
type Status struct {
	Initialized          bool
	SQLEngineReady       bool
	ColumnarRuntimeReady bool
	ComputeModuleReady   bool
	OverallReady         bool
	MemoryUsage          uint64
	Uptime               time.Duration
	DependencyHealth     registry.HealthSummary
}

// Engine is the top-level facade. Construct with New, then Initialize.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger
	reg    *registry.Registry

	mu        sync.Mutex
	sqlEngine *sqlengine.Engine
	colProv   columnar.Provider
	computeQE *compute.QueryEngine
	files     *cloudfile.Service
	orch      *orchestrator.Orchestrator
	proxySvc  *proxy.Service
	client    *httpfetch.Client
	creds     *credentials.Manager

	initialized atomic.Bool
	startedAt   time.Time

	metricsMu sync.Mutex
	metrics   Metrics
}

// New builds an uninitialized Engine over cfg.
func New(cfg *config.Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:    cfg,
		logger: logger,
		reg:    registry.New(),
		creds:  credentials.NewManager(),
	}
}

// Events exposes the dependency lifecycle event bus.
func (e *Engine) Events() *taxonomy.Bus { return e.reg.Events() }

// Initialize starts every subsystem concurrently. The cloud subsystem gates
// internally on the SQL engine; columnar and compute failures degrade the
// engine instead of failing it.
func (e *Engine) Initialize(ctx context.Context) error {
	if e.initialized.Load() {
		return nil
	}
	e.startedAt = time.Now()

	depTimeout := time.Duration(e.cfg.Dependency.TimeoutMs) * time.Millisecond
	retryDelay := time.Duration(e.cfg.Dependency.RetryDelayMs) * time.Millisecond
	maxRetries := e.cfg.Dependency.MaxRetries

	e.reg.Register(DepSQLEngine, e.loadSQLEngine, maxRetries, retryDelay, depTimeout)
	e.reg.Register(DepColumnarRuntime, e.loadColumnarRuntime, maxRetries, retryDelay, depTimeout)
	if e.cfg.EnableComputeModule {
		e.reg.Register(DepComputeModule, e.loadComputeModule, maxRetries, retryDelay, depTimeout)
	}
	e.reg.Register(DepCloudSubsystem, e.loadCloudSubsystem, maxRetries, retryDelay, depTimeout)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.reg.Load(gctx, DepSQLEngine) })
	g.Go(func() error {
		if err := e.reg.Load(gctx, DepColumnarRuntime); err != nil {
			e.logger.Warn("columnar runtime unavailable", "error", err)
		}
		return nil
	})
	if e.cfg.EnableComputeModule {
		g.Go(func() error {
			if err := e.reg.Load(gctx, DepComputeModule); err != nil {
				e.logger.Warn("compute module unavailable, post-processing disabled", "error", err)
			}
			return nil
		})
	}
	g.Go(func() error { return e.reg.Load(gctx, DepCloudSubsystem) })

	if err := g.Wait(); err != nil {
		return fmt.Errorf("initialize engine: %w", err)
	}

	for _, name := range e.cfg.Dependency.Preload {
		if err := e.reg.Load(ctx, name); err != nil {
			e.logger.Warn("preload failed", "dependency", name, "error", err)
		}
	}

	e.initialized.Store(true)
	e.logger.Info("engine initialized",
		"sql_engine", e.reg.IsReady(DepSQLEngine),
		"columnar", e.reg.IsReady(DepColumnarRuntime),
		"compute", e.reg.IsReady(DepComputeModule),
	)
	return nil
}

func (e *Engine) loadSQLEngine(ctx context.Context) (any, error) {
	eng, err := sqlengine.Open(ctx, e.logger)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.sqlEngine = eng
	e.mu.Unlock()
	return eng, nil
}

func (e *Engine) loadColumnarRuntime(_ context.Context) (any, error) {
	p, err := columnar.Resolve()
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.colProv = p
	e.mu.Unlock()
	return p, nil
}

func (e *Engine) loadComputeModule(ctx context.Context) (any, error) {
	var guest []byte
	if path := e.cfg.ComputeModulePath; path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // path is operator-controlled
		if err != nil {
			return nil, fmt.Errorf("read compute guest: %w", err)
		}
		guest = data
	}
	qe, err := compute.NewQueryEngine(ctx, guest)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.computeQE = qe
	e.mu.Unlock()
	return qe, nil
}

// loadCloudSubsystem builds the HTTP client, proxy service, cloud file
// service, and orchestrator. It blocks on the SQL engine's readiness gate
// first, since table registration needs a live engine.
func (e *Engine) loadCloudSubsystem(ctx context.Context) (any, error) {
	if _, err := e.reg.WaitFor(ctx, DepSQLEngine); err != nil {
		return nil, fmt.Errorf("cloud subsystem requires the SQL engine: %w", err)
	}

	cacheTTL := time.Duration(e.cfg.CORS.CacheTimeoutMs) * time.Millisecond

	var proxyFn httpfetch.ProxyFunc
	if e.cfg.CORS.ProxyEndpoint != "" {
		svc := proxy.New([]proxy.Endpoint{{URL: e.cfg.CORS.ProxyEndpoint, Priority: 1}}, proxy.Config{
			CacheTTL: cacheTTL,
		})
		proxyFn = svc.Fetch
		e.mu.Lock()
		e.proxySvc = svc
		e.mu.Unlock()
	}
	client := httpfetch.New(proxyFn, cacheTTL)
	queryTimeout := time.Duration(e.cfg.QueryTimeoutMs) * time.Millisecond
	files := cloudfile.NewService(client, e.creds, e.logger, queryTimeout)

	e.mu.Lock()
	sqlEng := e.sqlEngine
	e.client = client
	e.files = files
	e.mu.Unlock()

	orch := orchestrator.New(sqlEng, files, client, e.creds, e.logger)
	providerCreds := map[string]credentials.Credentials{}
	for tag, pc := range e.cfg.CloudProviders {
		providerCreds[tag] = credentialsFromConfig(pc)
	}
	if err := orch.Initialize(ctx, orchestrator.InitOptions{
		EnableHTTPExt: e.cfg.CORS.Strategy != "proxy",
		Credentials:   providerCreds,
	}); err != nil {
		return nil, err
	}
	if e.cfg.CORS.Strategy == "proxy" {
		orch.EnableProxiedAccess(true)
	}

	e.mu.Lock()
	e.orch = orch
	e.mu.Unlock()
	return orch, nil
}

// credentialsFromConfig maps the config's opaque credential bag onto the
// credential manager's typed bundle.
func credentialsFromConfig(pc config.ProviderConfig) credentials.Credentials {
	get := func(key string) string { return pc.Credentials[key] }
	creds := credentials.Credentials{Region: pc.Region}
	switch pc.AuthMethod {
	case "api-key":
		creds.Method = credentials.AuthAPIKey
		creds.APIKeyValue = get("api_key")
		creds.Email = get("email")
	case "oauth2":
		creds.Method = credentials.AuthOAuth2
		creds.ClientID = get("client_id")
		creds.ClientSecret = get("client_secret")
		creds.TokenURL = get("token_url")
	case "iam-role", "aws-sigv4":
		creds.Method = credentials.AuthAWSSigV4
		creds.AccessKeyID = get("key_id")
		creds.SecretAccessKey = get("secret")
	default:
		creds.Method = credentials.AuthNone
	}
	creds.Endpoint = get("endpoint")
	creds.AccountName = get("account_name")
	creds.AccountKey = get("account_key")
	creds.ConnectionString = get("connection_string")
	creds.GoogleAccessID = get("google_access_id")
	creds.PrivateKey = get("private_key")
	creds.KeyFilePath = get("key_file_path")
	return creds
}

// readinessGate rejects user calls issued before Initialize completed.
func (e *Engine) readinessGate() error {
	if !e.initialized.Load() || !e.reg.IsReady(DepSQLEngine) {
		return taxonomy.New(taxonomy.CodeQueryFailed, "facade", "engine is not initialized")
	}
	return nil
}

// WaitForReady blocks until the named dependencies (or all, when names is
// empty) reach a terminal state within timeout.
func (e *Engine) WaitForReady(ctx context.Context, names []string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if len(names) == 0 {
		return e.reg.WaitForAll(ctx)
	}
	for _, name := range names {
		if _, err := e.reg.WaitFor(ctx, name); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// WaitForSQLEngine blocks until the SQL engine is ready.
func (e *Engine) WaitForSQLEngine(ctx context.Context, timeout time.Duration) error {
	return e.WaitForReady(ctx, []string{DepSQLEngine}, timeout)
}

// WaitForColumnarRuntime blocks until the columnar runtime is ready.
func (e *Engine) WaitForColumnarRuntime(ctx context.Context, timeout time.Duration) error {
	return e.WaitForReady(ctx, []string{DepColumnarRuntime}, timeout)
}

// WaitForComputeModule blocks until the compute module is ready.
func (e *Engine) WaitForComputeModule(ctx context.Context, timeout time.Duration) error {
	return e.WaitForReady(ctx, []string{DepComputeModule}, timeout)
}

// Preload eagerly loads the named dependencies.
func (e *Engine) Preload(ctx context.Context, names []string) error {
	for _, name := range names {
		if err := e.reg.Load(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// Query runs sqlText through the SQL engine. Large results are handed to
// the compute module for post-processing when it is available; its failure
// returns the unprocessed result rather than an error.
func (e *Engine) Query(ctx context.Context, sqlText string) (*QueryResult, error) {
	if err := e.readinessGate(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	sqlEng := e.sqlEngine
	qe := e.computeQE
	e.mu.Unlock()

	queryTimeout := time.Duration(e.cfg.QueryTimeoutMs) * time.Millisecond
	qctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	start := time.Now()
	rows, err := sqlEng.Query(qctx, sqlText)
	if err != nil {
		return nil, err
	}
	elapsed := time.Since(start)

	result := &QueryResult{
		Data: rows,
		Metadata: QueryMetadata{
			RowCount:        len(rows),
			ExecutionTimeMs: float64(elapsed.Microseconds()) / 1000,
		},
	}

	if qe != nil && e.reg.IsReady(DepComputeModule) && (len(rows) > 1000 || elapsed > time.Second) {
		e.postProcess(ctx, qe, result)
	}

	e.recordQuery(result.Metadata.ExecutionTimeMs)
	return result, nil
}

func (e *Engine) postProcess(ctx context.Context, qe *compute.QueryEngine, result *QueryResult) {
	encoded, err := json.Marshal(result.Data)
	if err != nil {
		e.logger.Warn("post-process encode failed, returning unprocessed result", "error", err)
		return
	}
	processed, err := qe.ProcessData(ctx, encoded)
	if err != nil {
		e.logger.Warn("post-process failed, returning unprocessed result", "error", err)
		return
	}
	result.Metadata.PostProcessed = true
	result.Metadata.PostProcessMs = processed.ExecutionTimeMs
	result.Metadata.MemoryUsedBytes = processed.MemoryUsedBytes
	if processed.RowCount > 0 {
		result.Metadata.RowCount = processed.RowCount
	}
}

func (e *Engine) recordQuery(executionMs float64) {
	e.metricsMu.Lock()
	defer e.metricsMu.Unlock()
	e.metrics.QueryCount++
	e.metrics.TotalExecutionMs += executionMs
	e.metrics.AverageResponseMs = e.metrics.TotalExecutionMs / float64(e.metrics.QueryCount)
	if usage := compute.GetMemoryUsage(); usage > e.metrics.MemoryPeakUsage {
		e.metrics.MemoryPeakUsage = usage
	}
}

// Metrics returns a snapshot of the engine's query statistics.
func (e *Engine) Metrics() Metrics {
	e.metricsMu.Lock()
	defer e.metricsMu.Unlock()
	return e.metrics
}

// LoadData registers rows as tableName through the engine's JSON text path.
func (e *Engine) LoadData(ctx context.Context, rows []map[string]any, tableName string) error {
	if err := e.readinessGate(); err != nil {
		return err
	}
	if err := ddl.ValidateIdentifier(tableName); err != nil {
		return fmt.Errorf("invalid table name: %w", err)
	}
	encoded, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("encode rows: %w", err)
	}

	e.mu.Lock()
	sqlEng := e.sqlEngine
	e.mu.Unlock()

	virtualName := tableName + ".json"
	if err := sqlEng.RegisterFileText(virtualName, string(encoded)); err != nil {
		return err
	}
	stmt, err := ddl.CreateTableAsSelect(ddl.CreateTableAsSelectSpec{
		TableName: tableName,
		ReadFunc:  "read_json_auto",
		Path:      virtualName,
	})
	if err != nil {
		return err
	}
	return sqlEng.Exec(ctx, stmt)
}

// ColumnDef is one column of a CreateTable call.
type ColumnDef struct {
	Name string
	Type string
}

// CreateTable creates an empty table with the given columns.
func (e *Engine) CreateTable(ctx context.Context, name string, columns []ColumnDef) error {
	if err := e.readinessGate(); err != nil {
		return err
	}
	if err := ddl.ValidateIdentifier(name); err != nil {
		return fmt.Errorf("invalid table name: %w", err)
	}
	if len(columns) == 0 {
		return fmt.Errorf("at least one column is required")
	}
	defs := make([]string, len(columns))
	for i, c := range columns {
		if err := ddl.ValidateIdentifier(c.Name); err != nil {
			return fmt.Errorf("invalid column name: %w", err)
		}
		if err := ddl.ValidateColumnType(c.Type); err != nil {
			return err
		}
		defs[i] = fmt.Sprintf("%s %s", ddl.QuoteIdentifier(c.Name), c.Type)
	}

	e.mu.Lock()
	sqlEng := e.sqlEngine
	e.mu.Unlock()
	stmt := fmt.Sprintf("CREATE TABLE %s (%s)", ddl.QuoteIdentifier(name), strings.Join(defs, ", "))
	return sqlEng.Exec(ctx, stmt)
}

// ListTables returns the SQL engine's table names.
func (e *Engine) ListTables(ctx context.Context) ([]string, error) {
	if err := e.readinessGate(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	sqlEng := e.sqlEngine
	e.mu.Unlock()
	return sqlEng.ListTables(ctx)
}

// GetTableInfo returns DESCRIBE output for a table.
func (e *Engine) GetTableInfo(ctx context.Context, name string) ([]sqlengine.Row, error) {
	if err := e.readinessGate(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	sqlEng := e.sqlEngine
	e.mu.Unlock()
	return sqlEng.DescribeTable(ctx, name)
}

// RegisterCloudTable binds a cloud object URL to a table name.
func (e *Engine) RegisterCloudTable(ctx context.Context, name, url string, opts orchestrator.TableOptions) error {
	if err := e.readinessGate(); err != nil {
		return err
	}
	e.mu.Lock()
	orch := e.orch
	e.mu.Unlock()
	if orch == nil {
		return taxonomy.New(taxonomy.CodeTableRegistrationFailed, "facade", "cloud subsystem is not ready")
	}
	return orch.RegisterCloudTable(ctx, name, url, opts)
}

// QueryCloudTable queries a registered cloud table.
func (e *Engine) QueryCloudTable(ctx context.Context, name, sqlText string) ([]sqlengine.Row, error) {
	if err := e.readinessGate(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	orch := e.orch
	e.mu.Unlock()
	if orch == nil {
		return nil, taxonomy.New(taxonomy.CodeQueryFailed, "facade", "cloud subsystem is not ready")
	}
	return orch.QueryCloudTable(ctx, name, sqlText)
}

// UnregisterCloudTable removes a registered cloud table.
func (e *Engine) UnregisterCloudTable(ctx context.Context, name string) error {
	if err := e.readinessGate(); err != nil {
		return err
	}
	e.mu.Lock()
	orch := e.orch
	e.mu.Unlock()
	if orch == nil {
		return nil
	}
	return orch.UnregisterCloudTable(ctx, name)
}

// GetFileSchema infers a remote file's coarse schema.
func (e *Engine) GetFileSchema(ctx context.Context, url string) (cloudfile.Schema, error) {
	if err := e.readinessGate(); err != nil {
		return cloudfile.Schema{}, err
	}
	e.mu.Lock()
	files := e.files
	e.mu.Unlock()
	if files == nil {
		return cloudfile.Schema{}, taxonomy.New(taxonomy.CodeSchemaError, "facade", "cloud subsystem is not ready")
	}
	return files.GetFileSchema(ctx, url)
}

// SetCredentials forwards provider credentials to the credential store.
func (e *Engine) SetCredentials(provider string, creds credentials.Credentials) {
	e.creds.SetCredentials(provider, creds)
}

// Status reports the facade's readiness and health snapshot.
func (e *Engine) Status() Status {
	summary := e.reg.Summary()
	sqlReady := e.reg.IsReady(DepSQLEngine)
	return Status{
		Initialized:          e.initialized.Load(),
		SQLEngineReady:       sqlReady,
		ColumnarRuntimeReady: e.reg.IsReady(DepColumnarRuntime),
		ComputeModuleReady:   e.reg.IsReady(DepComputeModule),
		OverallReady:         e.initialized.Load() && sqlReady,
		MemoryUsage:          compute.GetMemoryUsage(),
		Uptime:               time.Since(e.startedAt),
		DependencyHealth:     summary,
	}
}

// Close tears the engine down: terminate the SQL engine, release caches,
// close the compute runtime, and clear the dependency registry.
func (e *Engine) Close(ctx context.Context) error {
	e.initialized.Store(false)

	e.mu.Lock()
	orch, files, qe, sqlEng := e.orch, e.files, e.computeQE, e.sqlEngine
	e.orch, e.files, e.computeQE, e.sqlEngine, e.colProv, e.client = nil, nil, nil, nil, nil, nil
	e.mu.Unlock()

	if orch != nil {
		orch.Close()
	}
	if files != nil {
		files.Close()
	}
	if qe != nil {
		_ = qe.Close(ctx)
	}
	var err error
	if sqlEng != nil {
		err = sqlEng.Terminate()
	}
	e.reg.Clear()
	return err
}
