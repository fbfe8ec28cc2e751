// Package config loads governor settings from a YAML or TOML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/ambiyansyah-risyal/ghgovernor"
)

// Cooldown backends.
const (
	BackendNone   = ""
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendNATS   = "nats"
)

// Config holds everything needed to build a Governor and its collaborators.
type Config struct {
	Governor GovernorConfig `yaml:"governor" toml:"governor"`
	Cooldown CooldownConfig `yaml:"cooldown" toml:"cooldown"`
	GitHub   GitHubConfig   `yaml:"github" toml:"github"`
	Metrics  MetricsConfig  `yaml:"metrics" toml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
}

// GovernorConfig mirrors the Governor options.
type GovernorConfig struct {
	MaxConcurrent   int      `yaml:"max_concurrent" toml:"max_concurrent"`
	GlobalQPS       float64  `yaml:"global_qps" toml:"global_qps"`
	SoftBurstWindow Duration `yaml:"soft_burst_window" toml:"soft_burst_window"`
	SoftBurstMax    int      `yaml:"soft_burst_max" toml:"soft_burst_max"`
	BackoffBase     Duration `yaml:"backoff_base" toml:"backoff_base"`
	BackoffMax      Duration `yaml:"backoff_max" toml:"backoff_max"`
	Jitter          Duration `yaml:"jitter" toml:"jitter"`
	MaxAttempts     int      `yaml:"max_attempts" toml:"max_attempts"`
	Timeout         Duration `yaml:"timeout" toml:"timeout"`
	UserAgent       string   `yaml:"user_agent" toml:"user_agent"`
}

// CooldownConfig selects the shared cooldown store.
type CooldownConfig struct {
	Backend    string `yaml:"backend" toml:"backend"`
	Prefix     string `yaml:"prefix" toml:"prefix"`
	Behavior   string `yaml:"behavior" toml:"behavior"`
	RedisURL   string `yaml:"redis_url" toml:"redis_url"`
	NATSURL    string `yaml:"nats_url" toml:"nats_url"`
	NATSBucket string `yaml:"nats_bucket" toml:"nats_bucket"`
}

// GitHubConfig holds API access settings.
type GitHubConfig struct {
	Token  string `yaml:"token" toml:"token"`
	APIURL string `yaml:"api_url" toml:"api_url"`
}

// MetricsConfig holds configuration for the Prometheus endpoint.
type MetricsConfig struct {
	Address string `yaml:"address" toml:"address"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level string `yaml:"level" toml:"level"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Governor: GovernorConfig{
			MaxConcurrent:   ghgovernor.DefaultMaxConcurrent,
			GlobalQPS:       ghgovernor.DefaultGlobalQPS,
			SoftBurstWindow: Duration(ghgovernor.DefaultSoftBurstWindow),
			SoftBurstMax:    ghgovernor.DefaultSoftBurstMax,
			BackoffBase:     Duration(ghgovernor.DefaultBackoffBase),
			BackoffMax:      Duration(ghgovernor.DefaultBackoffMax),
			Jitter:          Duration(ghgovernor.DefaultJitter),
			MaxAttempts:     ghgovernor.DefaultMaxAttempts,
			Timeout:         Duration(ghgovernor.DefaultTimeout),
		},
		Cooldown: CooldownConfig{
			Prefix:     ghgovernor.DefaultCooldownPrefix,
			Behavior:   ghgovernor.CooldownSleep.String(),
			NATSBucket: "ghgov-cooldown",
		},
		GitHub: GitHubConfig{
			APIURL: "https://api.github.com",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from a file and applies environment variable
// overrides. The format follows the extension: .toml for TOML, anything else
// is parsed as YAML. An empty path yields defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg, os.Getenv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		_, err := toml.Decode(string(data), cfg)
		return err
	default:
		return yaml.Unmarshal(data, cfg)
	}
}

func applyEnvOverrides(cfg *Config, getenv func(string) string) error {
	var errs []error

	setInt := func(name string, dst *int) {
		if val := getenv(name); val != "" {
			n, err := strconv.Atoi(val)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = n
		}
	}
	setDuration := func(name string, dst *Duration) {
		if val := getenv(name); val != "" {
			if err := dst.UnmarshalText([]byte(val)); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
		}
	}
	setString := func(name string, dst *string) {
		if val := getenv(name); val != "" {
			*dst = val
		}
	}

	setInt("GHGOV_MAX_CONCURRENT", &cfg.Governor.MaxConcurrent)
	if val := getenv("GHGOV_GLOBAL_QPS"); val != "" {
		qps, err := strconv.ParseFloat(val, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("GHGOV_GLOBAL_QPS: %w", err))
		} else {
			cfg.Governor.GlobalQPS = qps
		}
	}
	setDuration("GHGOV_SOFT_BURST_WINDOW", &cfg.Governor.SoftBurstWindow)
	setInt("GHGOV_SOFT_BURST_MAX", &cfg.Governor.SoftBurstMax)
	setDuration("GHGOV_BACKOFF_BASE", &cfg.Governor.BackoffBase)
	setDuration("GHGOV_BACKOFF_MAX", &cfg.Governor.BackoffMax)
	setDuration("GHGOV_JITTER", &cfg.Governor.Jitter)
	setInt("GHGOV_MAX_ATTEMPTS", &cfg.Governor.MaxAttempts)
	setDuration("GHGOV_TIMEOUT", &cfg.Governor.Timeout)

	setString("GHGOV_COOLDOWN_BACKEND", &cfg.Cooldown.Backend)
	setString("GHGOV_COOLDOWN_PREFIX", &cfg.Cooldown.Prefix)
	setString("GHGOV_COOLDOWN_BEHAVIOR", &cfg.Cooldown.Behavior)
	setString("GHGOV_REDIS_URL", &cfg.Cooldown.RedisURL)
	setString("GHGOV_NATS_URL", &cfg.Cooldown.NATSURL)

	setString("GITHUB_TOKEN", &cfg.GitHub.Token)
	setString("GHGOV_GITHUB_TOKEN", &cfg.GitHub.Token)
	setString("GHGOV_API_URL", &cfg.GitHub.APIURL)
	setString("GHGOV_METRICS_ADDR", &cfg.Metrics.Address)
	setString("GHGOV_LOG_LEVEL", &cfg.Logging.Level)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment override: %w", errors.Join(errs...))
	}
	return nil
}

// Validate performs validation of the entire configuration
func (c *Config) Validate() error {
	if err := c.Governor.Validate(); err != nil {
		return fmt.Errorf("governor configuration: %w", err)
	}

	if err := c.Cooldown.Validate(); err != nil {
		return fmt.Errorf("cooldown configuration: %w", err)
	}

	if err := c.GitHub.Validate(); err != nil {
		return fmt.Errorf("github configuration: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}

	return nil
}

// Validate checks the governor limits. The Governor re-validates on construction.
func (c *GovernorConfig) Validate() error {
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", c.MaxConcurrent)
	}
	if c.GlobalQPS <= 0 {
		return fmt.Errorf("global_qps must be positive, got %v", c.GlobalQPS)
	}
	if c.SoftBurstWindow <= 0 || c.SoftBurstMax < 1 {
		return errors.New("soft_burst_window and soft_burst_max must be positive")
	}
	if c.BackoffBase < 0 || c.BackoffMax < 0 || c.Jitter < 0 {
		return errors.New("backoff_base, backoff_max and jitter must not be negative")
	}
	if c.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts must not be negative, got %d", c.MaxAttempts)
	}
	return nil
}

// Validate checks that the selected backend has what it needs.
func (c *CooldownConfig) Validate() error {
	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	switch c.Backend {
	case BackendNone, BackendMemory:
	case BackendRedis:
		if c.RedisURL == "" {
			return errors.New("redis backend requires redis_url")
		}
	case BackendNATS:
		if c.NATSURL == "" {
			return errors.New("nats backend requires nats_url")
		}
	default:
		return fmt.Errorf("unknown cooldown backend %q (valid: memory, redis, nats)", c.Backend)
	}

	if _, ok := ghgovernor.ParseCooldownBehavior(c.Behavior); !ok {
		return fmt.Errorf("unknown cooldown behavior %q (valid: sleep, synthetic)", c.Behavior)
	}
	return nil
}

// Validate checks that api_url is an absolute http(s) URL.
func (c *GitHubConfig) Validate() error {
	u, err := url.Parse(c.APIURL)
	if err != nil {
		return fmt.Errorf("invalid api_url %q: %w", c.APIURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("api_url %q must be an absolute http or https URL", c.APIURL)
	}
	return nil
}

// ResolveURL expands a path such as "/rate_limit" against APIURL. Absolute
// URLs are returned unchanged. A base path, as on GitHub Enterprise
// ("https://ghe.example.com/api/v3"), is kept.
func (c *GitHubConfig) ResolveURL(target string) string {
	if u, err := url.Parse(target); err == nil && u.Scheme != "" && u.Host != "" {
		return target
	}
	return strings.TrimRight(c.APIURL, "/") + "/" + strings.TrimLeft(target, "/")
}

// Validate performs validation of logging configuration
func (c *LoggingConfig) Validate() error {
	// Set default log level if not provided
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
		return nil
	default:
		return fmt.Errorf("invalid log level %q (valid: debug, info, warn, error)", c.Level)
	}
}

// Options converts the governor and cooldown settings into Governor options.
// Stores are not included; the caller dials them and adds WithCooldownStore.
func (c *Config) Options() []ghgovernor.Option {
	g := c.Governor
	behavior, _ := ghgovernor.ParseCooldownBehavior(c.Cooldown.Behavior)
	opts := []ghgovernor.Option{
		ghgovernor.WithMaxConcurrent(g.MaxConcurrent),
		ghgovernor.WithGlobalQPS(g.GlobalQPS),
		ghgovernor.WithSoftBurst(g.SoftBurstWindow.Std(), g.SoftBurstMax),
		ghgovernor.WithBackoff(g.BackoffBase.Std(), g.BackoffMax.Std()),
		ghgovernor.WithJitter(g.Jitter.Std()),
		ghgovernor.WithMaxAttempts(g.MaxAttempts),
		ghgovernor.WithTimeout(g.Timeout.Std()),
		ghgovernor.WithCooldownBehavior(behavior),
	}
	if c.Cooldown.Prefix != "" {
		opts = append(opts, ghgovernor.WithCooldownPrefix(c.Cooldown.Prefix))
	}
	if g.UserAgent != "" {
		opts = append(opts, ghgovernor.WithUserAgent(g.UserAgent))
	}
	return opts
}

// Duration is a time.Duration written as "1.5s" or "250ms". A bare integer is
// taken as milliseconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// UnmarshalText implements encoding.TextUnmarshaler; TOML strings use it.
func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q", s)
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalYAML accepts both quoted and bare scalars.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	return d.UnmarshalText([]byte(node.Value))
}
