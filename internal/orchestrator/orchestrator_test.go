package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srnarasim/dataprism-core/internal/cloudfile"
	"github.com/srnarasim/dataprism-core/internal/credentials"
	"github.com/srnarasim/dataprism-core/internal/ddl"
	"github.com/srnarasim/dataprism-core/internal/httpfetch"
	"github.com/srnarasim/dataprism-core/internal/sqlengine"
)

// passthroughProxy plays the role of a working proxy endpoint by fetching
// the target URL itself, the way a real CORS proxy would server-side.
func passthroughProxy(ctx context.Context, method, rawURL string, headers http.Header) (*httpfetch.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &httpfetch.Response{StatusCode: resp.StatusCode, Headers: resp.Header, Body: body}, nil
}

func newTestOrchestrator(t *testing.T, proxy httpfetch.ProxyFunc) (*Orchestrator, *sqlengine.Engine) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine, err := sqlengine.Open(context.Background(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Terminate() })

	client := httpfetch.New(proxy, time.Minute)
	creds := credentials.NewManager()
	files := cloudfile.NewService(client, creds, logger, 5*time.Second)
	t.Cleanup(files.Close)

	o := New(engine, files, client, creds, logger)
	t.Cleanup(o.Close)
	return o, engine
}

func csvServer(t *testing.T, content string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/csv")
		_, _ = w.Write([]byte(content))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRegisterCloudTable_ProxiedCSV_RoundTrip(t *testing.T) {
	srv := csvServer(t, "a,b\n1,2\n3,4\n")
	o, engine := newTestOrchestrator(t, passthroughProxy)
	ctx := context.Background()

	require.NoError(t, o.RegisterCloudTable(ctx, "t", srv.URL+"/data.csv", TableOptions{CORSHandling: httpfetch.ModeProxy}))
	assert.True(t, o.Has("t"))

	ok, err := engine.HasTable(ctx, "t")
	require.NoError(t, err)
	assert.True(t, ok, "registry entry and engine namespace must stay in lockstep")

	rows, err := o.QueryCloudTable(ctx, "t", "SELECT SUM(CAST(a AS INTEGER)) + SUM(CAST(b AS INTEGER)) AS total FROM t")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.EqualValues(t, 10, rows[0]["total"])
}

func TestRegisterCloudTable_Idempotent(t *testing.T) {
	srv := csvServer(t, "x\n1\n")
	o, _ := newTestOrchestrator(t, passthroughProxy)
	ctx := context.Background()

	opts := TableOptions{CORSHandling: httpfetch.ModeProxy}
	require.NoError(t, o.RegisterCloudTable(ctx, "t", srv.URL+"/a.csv", opts))
	require.NoError(t, o.RegisterCloudTable(ctx, "t", srv.URL+"/a.csv", opts))

	rows, err := o.QueryCloudTable(ctx, "t", "")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestRegisterCloudTable_ProjectionAndFilter(t *testing.T) {
	srv := csvServer(t, "a,b,c\n1,10,x\n2,20,y\n3,30,z\n")
	o, _ := newTestOrchestrator(t, passthroughProxy)
	ctx := context.Background()

	require.NoError(t, o.RegisterCloudTable(ctx, "t", srv.URL+"/d.csv", TableOptions{
		CORSHandling: httpfetch.ModeProxy,
		Projection:   []string{"a", "b"},
		Filter:       "a > 1",
	}))

	rows, err := o.QueryCloudTable(ctx, "t", "")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	_, hasC := rows[0]["c"]
	assert.False(t, hasC, "projection must exclude unselected columns")
}

func TestRegisterCloudTable_UnsupportedFormat(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)
	err := o.RegisterCloudTable(context.Background(), "t", "https://h/data.txt", TableOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "UNSUPPORTED_FORMAT")
}

func TestRegisterCloudTable_FailureLeavesNoPartialState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	o, engine := newTestOrchestrator(t, passthroughProxy)
	ctx := context.Background()

	err := o.RegisterCloudTable(ctx, "t", srv.URL+"/missing.csv", TableOptions{CORSHandling: httpfetch.ModeProxy})
	require.Error(t, err)
	assert.False(t, o.Has("t"))

	ok, herr := engine.HasTable(ctx, "t")
	require.NoError(t, herr)
	assert.False(t, ok)
}

func TestUnregisterCloudTable_RemovesBothSides(t *testing.T) {
	srv := csvServer(t, "x\n1\n")
	o, engine := newTestOrchestrator(t, passthroughProxy)
	ctx := context.Background()

	require.NoError(t, o.RegisterCloudTable(ctx, "t", srv.URL+"/a.csv", TableOptions{CORSHandling: httpfetch.ModeProxy}))
	require.NoError(t, o.UnregisterCloudTable(ctx, "t"))

	assert.False(t, o.Has("t"))
	ok, err := engine.HasTable(ctx, "t")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRegisterUnregisterRegister_SameResults(t *testing.T) {
	srv := csvServer(t, "n\n5\n7\n")
	o, _ := newTestOrchestrator(t, passthroughProxy)
	ctx := context.Background()
	opts := TableOptions{CORSHandling: httpfetch.ModeProxy}

	require.NoError(t, o.RegisterCloudTable(ctx, "t", srv.URL+"/n.csv", opts))
	first, err := o.QueryCloudTable(ctx, "t", "SELECT SUM(n) AS s FROM t")
	require.NoError(t, err)

	require.NoError(t, o.UnregisterCloudTable(ctx, "t"))
	require.NoError(t, o.RegisterCloudTable(ctx, "t", srv.URL+"/n.csv", opts))
	second, err := o.QueryCloudTable(ctx, "t", "SELECT SUM(n) AS s FROM t")
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestAutoMode_CORSBlockedFallsBackToProxy(t *testing.T) {
	var heads atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			heads.Add(1)
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_, _ = w.Write([]byte("v\n42\n"))
	}))
	defer srv.Close()

	o, _ := newTestOrchestrator(t, passthroughProxy)
	ctx := context.Background()

	require.NoError(t, o.RegisterCloudTable(ctx, "x", srv.URL+"/x.csv", TableOptions{}))
	rec := o.Tables()[0]
	assert.Equal(t, httpfetch.ModeProxy, rec.Mode, "blocked HEAD probe must force proxy registration")

	rows, err := o.QueryCloudTable(ctx, "x", "SELECT COUNT(*) AS c FROM x")
	require.NoError(t, err)
	assert.EqualValues(t, 1, rows[0]["c"])
	assert.EqualValues(t, 1, heads.Load(), "probe result must be memoized")
}

func TestQueryCloudTable_UnknownTable(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)
	_, err := o.QueryCloudTable(context.Background(), "nope", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "QUERY_FAILED")
}

func TestFallbackChain_CacheServesStaleResult(t *testing.T) {
	srv := csvServer(t, "n\n1\n")
	o, engine := newTestOrchestrator(t, passthroughProxy)
	ctx := context.Background()

	require.NoError(t, o.RegisterCloudTable(ctx, "t", srv.URL+"/n.csv", TableOptions{CORSHandling: httpfetch.ModeProxy}))
	first, err := o.QueryCloudTable(ctx, "t", "SELECT n FROM t")
	require.NoError(t, err)

	// Sabotage the engine's table and cut off proxy re-registration by
	// closing the server: the chain should land on the cached result.
	srv.Close()
	require.NoError(t, engine.Exec(ctx, "DROP TABLE t"))

	again, err := o.QueryCloudTable(ctx, "t", "SELECT n FROM t")
	require.NoError(t, err)
	assert.Equal(t, first, again)
}

func TestFallbackChain_ErrorTerminal(t *testing.T) {
	srv := csvServer(t, "n\n1\n")
	o, engine := newTestOrchestrator(t, passthroughProxy)
	ctx := context.Background()

	require.NoError(t, o.RegisterCloudTable(ctx, "t", srv.URL+"/n.csv", TableOptions{CORSHandling: httpfetch.ModeProxy}))
	o.ConfigureFallbackStrategies([]Strategy{StrategyError})

	require.NoError(t, engine.Exec(ctx, "DROP TABLE t"))
	_, err := o.QueryCloudTable(ctx, "t", "SELECT n FROM t")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "QUERY_FAILED")
}

func TestInstallSecret_BuildsProviderSecrets(t *testing.T) {
	tests := []struct {
		provider string
		creds    credentials.Credentials
		want     string // substring of the generated DDL
	}{
		{"s3", credentials.Credentials{AccessKeyID: "AKIA", SecretAccessKey: "s", Region: "us-east-1"}, "TYPE S3"},
		{"r2", credentials.Credentials{AccessKeyID: "k", SecretAccessKey: "s", Endpoint: "acct.r2.cloudflarestorage.com"}, "URL_STYLE 'path'"},
		{"azure-blob", credentials.Credentials{AccountName: "acct", AccountKey: "key"}, "TYPE AZURE"},
		{"gcs", credentials.Credentials{KeyFilePath: "/k.json"}, "TYPE GCS"},
	}
	for _, tt := range tests {
		spec := ddl.SecretSpec{
			Provider:         tt.provider,
			KeyID:            tt.creds.AccessKeyID,
			Secret:           tt.creds.SecretAccessKey,
			Region:           tt.creds.Region,
			Endpoint:         tt.creds.Endpoint,
			AccountName:      tt.creds.AccountName,
			AccountKey:       tt.creds.AccountKey,
			ConnectionString: tt.creds.ConnectionString,
			KeyFilePath:      tt.creds.KeyFilePath,
		}
		stmt, err := ddl.CreateSecret(secretName(tt.provider), spec)
		require.NoError(t, err, tt.provider)
		assert.Contains(t, stmt, tt.want, tt.provider)
	}
}

func TestInstallSecret_SkipsProvidersWithoutEngineMaterial(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)
	ctx := context.Background()

	// Bare API keys and OAuth2 bearers authenticate on the HTTP-header
	// path; nothing the engine's secret manager can hold.
	assert.NoError(t, o.installSecret(ctx, "s3", credentials.Credentials{Method: credentials.AuthAPIKey, APIKeyValue: "k"}))
	assert.NoError(t, o.installSecret(ctx, "gcs", credentials.Credentials{Method: credentials.AuthOAuth2, ClientID: "c"}))
	assert.NoError(t, o.installSecret(ctx, "unknown", credentials.Credentials{}))
}

func TestSecretName_FlattensProviderTag(t *testing.T) {
	assert.Equal(t, "dataprism_s3", secretName("s3"))
	assert.Equal(t, "dataprism_azure_blob", secretName("azure-blob"))
}

func TestPeekColumnarSchema_ViaDescribe(t *testing.T) {
	o, engine := newTestOrchestrator(t, nil)
	ctx := context.Background()

	require.NoError(t, engine.RegisterFileText("sample.csv", "a,b\n1,x\n"))
	schema, err := o.peekColumnarSchema(ctx, "sample.csv", "csv")
	require.NoError(t, err)
	require.Len(t, schema.Columns, 2)
	assert.Equal(t, cloudfile.TypeNumber, schema.Columns[0].Type)
	assert.Equal(t, cloudfile.TypeString, schema.Columns[1].Type)
}
