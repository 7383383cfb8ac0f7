package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fileConfig is the YAML shape of an optional config file. Every field is a
// pointer so absent keys leave the environment-derived value untouched.
type fileConfig struct {
	EnableComputeModule *bool   `yaml:"enable_compute_module"`
	MaxMemoryMB         *int    `yaml:"max_memory_mb"`
	QueryTimeoutMs      *int    `yaml:"query_timeout_ms"`
	LogLevel            *string `yaml:"log_level"`

	Dependency *struct {
		TimeoutMs    *int     `yaml:"timeout_ms"`
		MaxRetries   *int     `yaml:"max_retries"`
		RetryDelayMs *int     `yaml:"retry_delay_ms"`
		Preload      []string `yaml:"preload"`
	} `yaml:"dependency"`

	CORS *struct {
		Strategy       *string `yaml:"strategy"`
		ProxyEndpoint  *string `yaml:"proxy_endpoint"`
		CacheTimeoutMs *int    `yaml:"cache_timeout_ms"`
		RetryAttempts  *int    `yaml:"retry_attempts"`
	} `yaml:"cors"`

	CloudProviders map[string]struct {
		AuthMethod  string            `yaml:"auth_method"`
		Region      string            `yaml:"region"`
		AccountID   string            `yaml:"account_id"`
		Credentials map[string]string `yaml:"credentials"`
	} `yaml:"cloud_providers"`
}

// ApplyYAMLFile overlays settings from a YAML file onto cfg. A missing file
// is not an error; environment variables loaded earlier win only where the
// file omits a key.
func ApplyYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	if fc.EnableComputeModule != nil {
		cfg.EnableComputeModule = *fc.EnableComputeModule
	}
	if fc.MaxMemoryMB != nil {
		cfg.MaxMemoryMB = *fc.MaxMemoryMB
	}
	if fc.QueryTimeoutMs != nil {
		cfg.QueryTimeoutMs = *fc.QueryTimeoutMs
	}
	if fc.LogLevel != nil {
		cfg.LogLevel = *fc.LogLevel
	}

	if d := fc.Dependency; d != nil {
		if d.TimeoutMs != nil {
			cfg.Dependency.TimeoutMs = *d.TimeoutMs
		}
		if d.MaxRetries != nil {
			cfg.Dependency.MaxRetries = *d.MaxRetries
		}
		if d.RetryDelayMs != nil {
			cfg.Dependency.RetryDelayMs = *d.RetryDelayMs
		}
		if len(d.Preload) > 0 {
			cfg.Dependency.Preload = d.Preload
		}
	}

	if c := fc.CORS; c != nil {
		if c.Strategy != nil {
			cfg.CORS.Strategy = *c.Strategy
		}
		if c.ProxyEndpoint != nil {
			cfg.CORS.ProxyEndpoint = *c.ProxyEndpoint
		}
		if c.CacheTimeoutMs != nil {
			cfg.CORS.CacheTimeoutMs = *c.CacheTimeoutMs
		}
		if c.RetryAttempts != nil {
			cfg.CORS.RetryAttempts = *c.RetryAttempts
		}
	}

	for tag, pc := range fc.CloudProviders {
		if cfg.CloudProviders == nil {
			cfg.CloudProviders = map[string]ProviderConfig{}
		}
		creds := pc.Credentials
		if creds == nil {
			creds = map[string]string{}
		}
		cfg.CloudProviders[tag] = ProviderConfig{
			AuthMethod:  pc.AuthMethod,
			Region:      pc.Region,
			AccountID:   pc.AccountID,
			Credentials: creds,
		}
	}

	return nil
}
