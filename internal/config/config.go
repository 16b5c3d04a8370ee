// Package config loads node configuration from defaults, the user config
// file, a project file and ANANTA_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/ananta888/ananta/internal/capability"
	"github.com/ananta888/ananta/internal/connectors/localexec"
	"github.com/ananta888/ananta/internal/goalcache"
	"github.com/ananta888/ananta/internal/modelpool"
	"github.com/ananta888/ananta/internal/quality"
	"github.com/ananta888/ananta/internal/toolroute"
)

// Node roles.
const (
	RoleHub    = "hub"
	RoleWorker = "worker"
)

const (
	envPrefix         = "ANANTA"
	homeEnv           = "ANANTA_HOME"
	userConfigName    = "config.yaml"
	projectConfigName = ".ananta.yaml"
)

// Config is the full node configuration.
type Config struct {
	Listen       string           `mapstructure:"listen" yaml:"listen"`
	DB           string           `mapstructure:"db" yaml:"db"`
	Role         string           `mapstructure:"role" yaml:"role"`
	AgentName    string           `mapstructure:"agent_name" yaml:"agent_name"`
	AgentURL     string           `mapstructure:"agent_url" yaml:"agent_url"`
	Log          LogConfig        `mapstructure:"log" yaml:"log"`
	Lease        LeaseConfig      `mapstructure:"lease" yaml:"lease"`
	Retention    RetentionConfig  `mapstructure:"retention" yaml:"retention"`
	ReadModel    ReadModelConfig  `mapstructure:"read_model" yaml:"read_model"`
	GoalCache    goalcache.Config `mapstructure:"goal_cache" yaml:"goal_cache"`
	ModelPool    ModelPoolConfig  `mapstructure:"model_pool" yaml:"model_pool"`
	Tools        ToolsConfig      `mapstructure:"tools" yaml:"tools"`
	QualityGates quality.Policy   `mapstructure:"quality_gates" yaml:"quality_gates"`
	Worker       WorkerConfig     `mapstructure:"worker" yaml:"worker"`
	Delegation   DelegationConfig `mapstructure:"delegation" yaml:"delegation"`
	Auth         AuthConfig       `mapstructure:"auth" yaml:"auth"`
	Metrics      MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// LeaseConfig bounds requested claim leases, in seconds.
type LeaseConfig struct {
	DefaultSeconds int `mapstructure:"default_seconds" yaml:"default_seconds"`
	MinSeconds     int `mapstructure:"min_seconds" yaml:"min_seconds"`
	MaxSeconds     int `mapstructure:"max_seconds" yaml:"max_seconds"`
}

// Clamp applies the default and bounds to a requested lease.
func (l LeaseConfig) Clamp(seconds int) int {
	if seconds <= 0 {
		seconds = l.DefaultSeconds
	}
	if seconds < l.MinSeconds {
		return l.MinSeconds
	}
	if seconds > l.MaxSeconds {
		return l.MaxSeconds
	}
	return seconds
}

// RetentionConfig controls the archival sweep. Days of zero disables it.
type RetentionConfig struct {
	Days          int           `mapstructure:"days" yaml:"days"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
}

type ReadModelConfig struct {
	RecentLimit int `mapstructure:"recent_limit" yaml:"recent_limit"`
}

type ModelPoolConfig struct {
	Limits []modelpool.Limit `mapstructure:"limits" yaml:"limits"`
}

// ToolsConfig is the tool policy. Allowlist is "*" or a list of names;
// any other value allows nothing.
type ToolsConfig struct {
	Allowlist  any                            `mapstructure:"allowlist" yaml:"allowlist"`
	Denylist   []string                       `mapstructure:"denylist" yaml:"denylist"`
	Overrides  map[string]capability.Override `mapstructure:"overrides" yaml:"overrides,omitempty"`
	Guardrails capability.GuardrailConfig     `mapstructure:"guardrails" yaml:"guardrails"`
	Routing    toolroute.Config               `mapstructure:"routing" yaml:"routing"`
}

// Policy converts the tool section into a capability policy.
func (t ToolsConfig) Policy() capability.Policy {
	return capability.Policy{
		Allowlist:  capability.ParseAllowlist(t.Allowlist),
		Denylist:   t.Denylist,
		Overrides:  t.Overrides,
		Guardrails: t.Guardrails,
	}
}

type WorkerConfig struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	PollInterval    time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	MaxConcurrent   int           `mapstructure:"max_concurrent" yaml:"max_concurrent"`
	LeaseSeconds    int           `mapstructure:"lease_seconds" yaml:"lease_seconds"`
	Provider        string        `mapstructure:"provider" yaml:"provider"`
	Model           string        `mapstructure:"model" yaml:"model"`
	Workdir         string        `mapstructure:"workdir" yaml:"workdir"`
	AllowedCommands []string      `mapstructure:"allowed_commands" yaml:"allowed_commands"`
}

type DelegationConfig struct {
	Forward bool          `mapstructure:"forward" yaml:"forward"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Retry   RetryConfig   `mapstructure:"retry" yaml:"retry"`
	Breaker BreakerConfig `mapstructure:"breaker" yaml:"breaker"`
}

type RetryConfig struct {
	InitialInterval time.Duration `mapstructure:"initial_interval" yaml:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval" yaml:"max_interval"`
	MaxElapsed      time.Duration `mapstructure:"max_elapsed" yaml:"max_elapsed"`
}

type BreakerConfig struct {
	MaxFailures uint32        `mapstructure:"max_failures" yaml:"max_failures"`
	OpenTimeout time.Duration `mapstructure:"open_timeout" yaml:"open_timeout"`
}

type AuthConfig struct {
	Tokens []TokenConfig `mapstructure:"tokens" yaml:"tokens"`
}

// TokenConfig maps a bearer token to a caller identity.
type TokenConfig struct {
	Token   string `mapstructure:"token" yaml:"token"`
	Subject string `mapstructure:"subject" yaml:"subject"`
	Role    string `mapstructure:"role" yaml:"role"`
	Admin   bool   `mapstructure:"admin" yaml:"admin"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// Default returns the built-in configuration.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	// Defaults always decode.
	_ = v.Unmarshal(cfg)
	return cfg
}

func setDefaults(v *viper.Viper) {
	home := HomeDir()

	v.SetDefault("listen", "127.0.0.1:7466")
	v.SetDefault("db", filepath.Join(home, "ananta.db"))
	v.SetDefault("role", RoleHub)
	v.SetDefault("agent_name", "hub")
	v.SetDefault("agent_url", "http://127.0.0.1:7466")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("lease.default_seconds", 120)
	v.SetDefault("lease.min_seconds", 10)
	v.SetDefault("lease.max_seconds", 3600)

	v.SetDefault("retention.days", 30)
	v.SetDefault("retention.sweep_interval", "1h")

	v.SetDefault("read_model.recent_limit", 40)

	v.SetDefault("goal_cache.max_size", goalcache.DefaultMaxSize)
	v.SetDefault("goal_cache.ttl", goalcache.DefaultTTL.String())
	v.SetDefault("goal_cache.similarity_threshold", goalcache.DefaultSimilarityThreshold)

	v.SetDefault("model_pool.limits", []map[string]any{})

	guard := capability.DefaultGuardrails()
	v.SetDefault("tools.allowlist", "*")
	v.SetDefault("tools.denylist", []string{})
	v.SetDefault("tools.guardrails.enabled", guard.Enabled)
	v.SetDefault("tools.guardrails.max_tool_calls_per_request", guard.MaxCalls)
	v.SetDefault("tools.guardrails.max_external_calls_per_request", guard.MaxExternal)
	v.SetDefault("tools.guardrails.max_estimated_cost_units_per_request", guard.MaxCostUnits)
	v.SetDefault("tools.guardrails.external_classes", guard.ExternalClasses)

	route := toolroute.DefaultConfig()
	v.SetDefault("tools.routing.enabled", route.Enabled)
	v.SetDefault("tools.routing.max_tools", route.MaxTools)
	v.SetDefault("tools.routing.groups", route.Groups)
	v.SetDefault("tools.routing.always_on", route.AlwaysOn)
	v.SetDefault("tools.routing.fallback", route.Fallback)
	v.SetDefault("tools.routing.rules", route.Rules)

	gates := quality.DefaultPolicy()
	v.SetDefault("quality_gates.enabled", gates.Enabled)
	v.SetDefault("quality_gates.coding_keywords", gates.CodingKeywords)
	v.SetDefault("quality_gates.required_output_markers", gates.OutputMarkers)
	v.SetDefault("quality_gates.min_output_chars", gates.MinOutputChars)

	v.SetDefault("worker.enabled", false)
	v.SetDefault("worker.poll_interval", "2s")
	v.SetDefault("worker.max_concurrent", 4)
	v.SetDefault("worker.lease_seconds", 300)
	v.SetDefault("worker.provider", "static")
	v.SetDefault("worker.model", "planner")
	v.SetDefault("worker.workdir", ".")
	v.SetDefault("worker.allowed_commands", localexec.DefaultAllowed)

	v.SetDefault("delegation.forward", false)
	v.SetDefault("delegation.timeout", "10s")
	v.SetDefault("delegation.retry.initial_interval", "200ms")
	v.SetDefault("delegation.retry.max_interval", "5s")
	v.SetDefault("delegation.retry.max_elapsed", "30s")
	v.SetDefault("delegation.breaker.max_failures", 5)
	v.SetDefault("delegation.breaker.open_timeout", "30s")

	v.SetDefault("auth.tokens", []map[string]any{})
	v.SetDefault("metrics.enabled", true)
}

// Load reads the user config, merges the nearest project file over it and
// applies ANANTA_* environment overrides.
func Load() (*Config, error) {
	v := newViper()

	v.SetConfigName(strings.TrimSuffix(userConfigName, filepath.Ext(userConfigName)))
	v.SetConfigType("yaml")
	v.AddConfigPath(HomeDir())
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if project := findProjectConfig(); project != "" {
		pv := viper.New()
		pv.SetConfigFile(project)
		if err := pv.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config %s: %w", project, err)
		}
		if err := v.MergeConfigMap(pv.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	return decode(v)
}

// LoadFromPath reads exactly one config file plus environment overrides.
func LoadFromPath(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return decode(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks bounds and enumerations.
func (c *Config) Validate() error {
	if c.Role != RoleHub && c.Role != RoleWorker {
		return fmt.Errorf("role must be %q or %q, got %q", RoleHub, RoleWorker, c.Role)
	}
	if c.Lease.MinSeconds < 1 {
		return fmt.Errorf("lease.min_seconds must be at least 1")
	}
	if c.Lease.MaxSeconds < c.Lease.MinSeconds {
		return fmt.Errorf("lease.max_seconds must not be below lease.min_seconds")
	}
	if c.Lease.DefaultSeconds < c.Lease.MinSeconds || c.Lease.DefaultSeconds > c.Lease.MaxSeconds {
		return fmt.Errorf("lease.default_seconds must be within [%d, %d]", c.Lease.MinSeconds, c.Lease.MaxSeconds)
	}
	if c.Retention.Days < 0 {
		return fmt.Errorf("retention.days must not be negative")
	}
	if c.ReadModel.RecentLimit < 1 {
		return fmt.Errorf("read_model.recent_limit must be at least 1")
	}
	if t := c.GoalCache.SimilarityThreshold; t <= 0 || t > 1 {
		return fmt.Errorf("goal_cache.similarity_threshold must be in (0, 1]")
	}
	for i, l := range c.ModelPool.Limits {
		if l.Provider == "" || l.Model == "" {
			return fmt.Errorf("model_pool.limits[%d]: provider and model are required", i)
		}
	}
	for i, t := range c.Auth.Tokens {
		if t.Token == "" {
			return fmt.Errorf("auth.tokens[%d]: token is required", i)
		}
	}
	if err := c.Tools.Routing.Validate(); err != nil {
		return fmt.Errorf("tools.routing: %w", err)
	}
	if c.Worker.Enabled && c.Worker.MaxConcurrent < 1 {
		return fmt.Errorf("worker.max_concurrent must be at least 1")
	}
	return nil
}

// Save writes cfg as YAML, creating parent directories as needed.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// HomeDir returns $ANANTA_HOME or ~/.ananta.
func HomeDir() string {
	if dir := os.Getenv(homeEnv); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ananta"
	}
	return filepath.Join(home, ".ananta")
}

// UserConfigPath returns the path of the user config file.
func UserConfigPath() string {
	return filepath.Join(HomeDir(), userConfigName)
}

// ProjectConfigPath returns the nearest project config file, or "".
func ProjectConfigPath() string {
	return findProjectConfig()
}

func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		path := filepath.Join(cwd, projectConfigName)
		if _, err := os.Stat(path); err == nil {
			return path
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			return ""
		}
		cwd = parent
	}
}
