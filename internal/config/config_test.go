package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnv_Defaults(t *testing.T) {
	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.True(t, cfg.EnableComputeModule)
	assert.Equal(t, 4096, cfg.MaxMemoryMB)
	assert.Equal(t, 30000, cfg.QueryTimeoutMs)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "auto", cfg.CORS.Strategy)
	assert.Equal(t, 3, cfg.Dependency.MaxRetries)
	assert.Empty(t, cfg.CloudProviders)
}

func TestLoadFromEnv_ProviderBlock(t *testing.T) {
	t.Setenv("DATAPRISM_PROVIDER_S3_AUTH_METHOD", "aws-sigv4")
	t.Setenv("DATAPRISM_PROVIDER_S3_REGION", "us-east-1")
	t.Setenv("DATAPRISM_PROVIDER_S3_KEY_ID", "AKIA")
	t.Setenv("DATAPRISM_PROVIDER_S3_SECRET", "shh")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	require.True(t, cfg.HasProvider("s3"))
	pc := cfg.CloudProviders["s3"]
	assert.Equal(t, "aws-sigv4", pc.AuthMethod)
	assert.Equal(t, "us-east-1", pc.Region)
	assert.Equal(t, "AKIA", pc.Credentials["key_id"])
	assert.Equal(t, "shh", pc.Credentials["secret"])
}

func TestLoadFromEnv_NoProviderWithoutAuthMethod(t *testing.T) {
	t.Setenv("DATAPRISM_PROVIDER_GCS_KEY_FILE_PATH", "/tmp/key.json")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.False(t, cfg.HasProvider("gcs"), "provider block without AUTH_METHOD should be ignored")
}

func TestLoadFromEnv_UnknownCORSStrategyFallsBackToAuto(t *testing.T) {
	t.Setenv("DATAPRISM_CORS_STRATEGY", "bogus")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "auto", cfg.CORS.Strategy)
	assert.NotEmpty(t, cfg.Warnings)
}

func TestLoadFromEnv_ProxyStrategyWithoutEndpointWarns(t *testing.T) {
	t.Setenv("DATAPRISM_CORS_STRATEGY", "proxy")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "proxy", cfg.CORS.Strategy)
	found := false
	for _, w := range cfg.Warnings {
		if w == `CORS strategy is "proxy" but DATAPRISM_CORS_PROXY_ENDPOINT is unset` {
			found = true
		}
	}
	assert.True(t, found, "expected a warning about missing proxy endpoint, got %v", cfg.Warnings)
}

func TestLoadFromEnv_InvalidIntFallsBackToDefault(t *testing.T) {
	t.Setenv("DATAPRISM_MAX_MEMORY_MB", "not-a-number")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 4096, cfg.MaxMemoryMB)
	assert.NotEmpty(t, cfg.Warnings)
}

func TestLoadFromEnv_DepPreloadList(t *testing.T) {
	t.Setenv("DATAPRISM_DEP_PRELOAD", "sql-engine, columnar-runtime ,compute-module")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, []string{"sql-engine", "columnar-runtime", "compute-module"}, cfg.Dependency.Preload)
}

func TestSlogLevel(t *testing.T) {
	cfg := &Config{LogLevel: "debug"}
	assert.Equal(t, "DEBUG", cfg.SlogLevel().String())

	cfg.LogLevel = "warn"
	assert.Equal(t, "WARN", cfg.SlogLevel().String())

	cfg.LogLevel = "unknown"
	assert.Equal(t, "INFO", cfg.SlogLevel().String())
}

func TestIsProduction(t *testing.T) {
	cfg := &Config{Env: "production"}
	assert.True(t, cfg.IsProduction())

	cfg.Env = "development"
	assert.False(t, cfg.IsProduction())
}

func TestLoadFromEnv_ProductionWithoutProvidersWarns(t *testing.T) {
	t.Setenv("ENV", "production")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.Warnings)
}

func TestLoadDotEnv_FileNotFound(t *testing.T) {
	err := LoadDotEnv("/nonexistent/.env")
	assert.NoError(t, err, "missing .env should not be an error")
}

func TestLoadDotEnv_ParsesKeyValue(t *testing.T) {
	tmpDir := t.TempDir()
	envFile := filepath.Join(tmpDir, ".env")

	require.NoError(t, os.WriteFile(envFile, []byte("TEST_KEY=test_value\n"), 0644))
	require.NoError(t, LoadDotEnv(envFile))

	assert.Equal(t, "test_value", os.Getenv("TEST_KEY"))
	_ = os.Unsetenv("TEST_KEY")
}

func TestLoadDotEnv_SkipsComments(t *testing.T) {
	tmpDir := t.TempDir()
	envFile := filepath.Join(tmpDir, ".env")

	require.NoError(t, os.WriteFile(envFile, []byte("# comment\nTEST_COMMENT_KEY=value\n"), 0644))
	require.NoError(t, LoadDotEnv(envFile))

	assert.Equal(t, "value", os.Getenv("TEST_COMMENT_KEY"))
	_ = os.Unsetenv("TEST_COMMENT_KEY")
}

func TestLoadDotEnv_EnvVarPrecedence(t *testing.T) {
	t.Setenv("TEST_PRECEDENCE_KEY", "from_env")

	tmpDir := t.TempDir()
	envFile := filepath.Join(tmpDir, ".env")

	require.NoError(t, os.WriteFile(envFile, []byte("TEST_PRECEDENCE_KEY=from_file\n"), 0644))
	require.NoError(t, LoadDotEnv(envFile))

	assert.Equal(t, "from_env", os.Getenv("TEST_PRECEDENCE_KEY"), "env precedence over .env file")
}

func TestStripQuotes(t *testing.T) {
	assert.Equal(t, "value", stripQuotes(`"value"`))
	assert.Equal(t, "value", stripQuotes(`'value'`))
	assert.Equal(t, "value", stripQuotes("value"))
}
