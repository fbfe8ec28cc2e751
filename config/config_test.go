package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ambiyansyah-risyal/ghgovernor"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ghgovernor.DefaultMaxConcurrent, cfg.Governor.MaxConcurrent)
	assert.Equal(t, ghgovernor.DefaultGlobalQPS, cfg.Governor.GlobalQPS)
	assert.Equal(t, ghgovernor.DefaultSoftBurstWindow, cfg.Governor.SoftBurstWindow.Std())
	assert.Equal(t, ghgovernor.DefaultMaxAttempts, cfg.Governor.MaxAttempts)
	assert.Equal(t, ghgovernor.DefaultCooldownPrefix, cfg.Cooldown.Prefix)
	assert.Equal(t, BackendNone, cfg.Cooldown.Backend)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "ghgov.yaml", `
governor:
  max_concurrent: 8
  global_qps: 2.5
  soft_burst_window: 30s
  soft_burst_max: 20
  backoff_base: 500
  backoff_max: 2m
  jitter: 100ms
  max_attempts: 0
  user_agent: "indexer/1.0"
cooldown:
  backend: Redis
  redis_url: redis://localhost:6379/0
  behavior: synthetic
logging:
  level: WARN
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	g := cfg.Governor
	assert.Equal(t, 8, g.MaxConcurrent)
	assert.Equal(t, 2.5, g.GlobalQPS)
	assert.Equal(t, 30*time.Second, g.SoftBurstWindow.Std())
	assert.Equal(t, 20, g.SoftBurstMax)
	assert.Equal(t, 500*time.Millisecond, g.BackoffBase.Std())
	assert.Equal(t, 2*time.Minute, g.BackoffMax.Std())
	assert.Equal(t, 100*time.Millisecond, g.Jitter.Std())
	assert.Equal(t, 0, g.MaxAttempts)
	assert.Equal(t, "indexer/1.0", g.UserAgent)
	// Unset fields keep their defaults.
	assert.Equal(t, ghgovernor.DefaultTimeout, g.Timeout.Std())

	assert.Equal(t, BackendRedis, cfg.Cooldown.Backend)
	assert.Equal(t, "synthetic", cfg.Cooldown.Behavior)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadTOML(t *testing.T) {
	path := writeConfig(t, "ghgov.toml", `
[governor]
max_concurrent = 2
global_qps = 0.5
backoff_base = "2s"

[cooldown]
backend = "nats"
nats_url = "nats://localhost:4222"
prefix = "ci:cooldown"

[metrics]
address = ":9090"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Governor.MaxConcurrent)
	assert.Equal(t, 0.5, cfg.Governor.GlobalQPS)
	assert.Equal(t, 2*time.Second, cfg.Governor.BackoffBase.Std())
	assert.Equal(t, BackendNATS, cfg.Cooldown.Backend)
	assert.Equal(t, "ci:cooldown", cfg.Cooldown.Prefix)
	assert.Equal(t, ":9090", cfg.Metrics.Address)
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, "ghgov.yml", "governor:\n  max_concurrent: 8\n")

	t.Setenv("GHGOV_MAX_CONCURRENT", "3")
	t.Setenv("GHGOV_GLOBAL_QPS", "5")
	t.Setenv("GHGOV_BACKOFF_MAX", "90s")
	t.Setenv("GHGOV_COOLDOWN_BACKEND", "memory")
	t.Setenv("GHGOV_LOG_LEVEL", "debug")
	t.Setenv("GITHUB_TOKEN", "ghp_env")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Governor.MaxConcurrent)
	assert.Equal(t, 5.0, cfg.Governor.GlobalQPS)
	assert.Equal(t, 90*time.Second, cfg.Governor.BackoffMax.Std())
	assert.Equal(t, BackendMemory, cfg.Cooldown.Backend)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "ghp_env", cfg.GitHub.Token)
}

func TestLoadBadEnvOverride(t *testing.T) {
	t.Setenv("GHGOV_MAX_ATTEMPTS", "many")
	t.Setenv("GHGOV_JITTER", "soon")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GHGOV_MAX_ATTEMPTS")
	assert.Contains(t, err.Error(), "GHGOV_JITTER")
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		want    string
	}{
		{"malformed yaml", "c.yaml", "governor: [", "failed to parse"},
		{"malformed toml", "c.toml", "[governor\n", "failed to parse"},
		{"bad duration", "c.yaml", "governor:\n  jitter: sometimes\n", "invalid duration"},
		{"zero concurrency", "c.yaml", "governor:\n  max_concurrent: 0\n", "governor configuration"},
		{"negative qps", "c.yaml", "governor:\n  global_qps: -1\n", "global_qps"},
		{"negative attempts", "c.yaml", "governor:\n  max_attempts: -1\n", "max_attempts"},
		{"unknown backend", "c.yaml", "cooldown:\n  backend: etcd\n", "unknown cooldown backend"},
		{"redis without url", "c.yaml", "cooldown:\n  backend: redis\n", "redis_url"},
		{"nats without url", "c.yaml", "cooldown:\n  backend: nats\n", "nats_url"},
		{"bad behavior", "c.yaml", "cooldown:\n  behavior: explode\n", "unknown cooldown behavior"},
		{"bad log level", "c.yaml", "logging:\n  level: loud\n", "invalid log level"},
		{"relative api url", "c.yaml", "github:\n  api_url: api.github.com\n", "github configuration"},
		{"non http api url", "c.yaml", "github:\n  api_url: ftp://api.github.com\n", "absolute http or https"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.file, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestResolveURL(t *testing.T) {
	tests := []struct {
		base   string
		target string
		want   string
	}{
		{"https://api.github.com", "/rate_limit", "https://api.github.com/rate_limit"},
		{"https://api.github.com/", "rate_limit", "https://api.github.com/rate_limit"},
		{"https://ghe.example.com/api/v3", "/repos/o/r/issues?state=open", "https://ghe.example.com/api/v3/repos/o/r/issues?state=open"},
		{"https://api.github.com", "https://uploads.github.com/x", "https://uploads.github.com/x"},
	}
	for _, tt := range tests {
		c := GitHubConfig{APIURL: tt.base}
		assert.Equal(t, tt.want, c.ResolveURL(tt.target), tt.target)
	}
}

func TestLoadAPIURLFromEnv(t *testing.T) {
	t.Setenv("GHGOV_API_URL", "https://ghe.example.com/api/v3")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "https://ghe.example.com/api/v3/user", cfg.GitHub.ResolveURL("/user"))
}

func TestLoggingValidateDefaultsEmptyLevel(t *testing.T) {
	c := LoggingConfig{Level: "  "}
	require.NoError(t, c.Validate())
	assert.Equal(t, "info", c.Level)
}

func TestOptionsBuildGovernor(t *testing.T) {
	cfg := Default()
	cfg.Governor.MaxConcurrent = 6
	cfg.Governor.UserAgent = "indexer/1.0"
	cfg.Cooldown.Behavior = "synthetic"
	require.NoError(t, cfg.Validate())

	opts := cfg.Options()
	// Eight fixed options plus prefix and user agent.
	assert.Len(t, opts, 10)

	g, err := ghgovernor.New(opts...)
	require.NoError(t, err)
	assert.NotNil(t, g)
}

func TestOptionsOmitEmptyStrings(t *testing.T) {
	cfg := Default()
	cfg.Cooldown.Prefix = ""
	assert.Len(t, cfg.Options(), 8)
}

func TestDurationUnmarshalText(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"1s", time.Second, false},
		{"250ms", 250 * time.Millisecond, false},
		{"1500", 1500 * time.Millisecond, false},
		{" 2m ", 2 * time.Minute, false},
		{"later", 0, true},
	}
	for _, tt := range tests {
		var d Duration
		err := d.UnmarshalText([]byte(tt.in))
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, d.Std(), tt.in)
	}

	text, err := Duration(90 * time.Second).MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(text))
}
