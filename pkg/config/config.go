// Package config provides configuration structures and loading logic for the flow engine.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/polisai/polis-flow/pkg/domain"
	"github.com/polisai/polis-flow/pkg/engine"
	"github.com/polisai/polis-flow/pkg/policy"
	"github.com/polisai/polis-flow/pkg/security"
	"github.com/polisai/polis-flow/pkg/validation"
	"gopkg.in/yaml.v3"
)

// Config holds the global configuration.
type Config struct {
	Limits    LimitsConfig    `yaml:"limits" json:"limits"`
	Security  security.Config `yaml:"security" json:"security"`
	Policy    PolicyConfig    `yaml:"policy" json:"policy"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`
	Metrics   MetricsConfig   `yaml:"metrics" json:"metrics"`
	Audit     AuditConfig     `yaml:"audit" json:"audit"`
	Workflow  WorkflowConfig  `yaml:"workflow" json:"workflow"`
}

// LimitsConfig bounds workflow size and execution resources.
type LimitsConfig struct {
	MaxNodes         int           `yaml:"max_nodes" json:"max_nodes"`
	MaxEdges         int           `yaml:"max_edges" json:"max_edges"`
	MaxExecutionTime time.Duration `yaml:"max_execution_time" json:"max_execution_time"`
	MaxMemoryBytes   int64         `yaml:"max_memory_bytes" json:"max_memory_bytes"`
	TickInterval     time.Duration `yaml:"tick_interval" json:"tick_interval"`
}

// PolicyConfig configures the admission policy evaluated before every execution.
type PolicyConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Path       string `yaml:"path" json:"path"`
	Entrypoint string `yaml:"entrypoint" json:"entrypoint"`
	// Postures maps a policy domain to fail-open or fail-closed.
	Postures        map[string]string `yaml:"postures" json:"postures"`
	CacheMaxEntries int               `yaml:"cache_max_entries" json:"cache_max_entries"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Pretty bool   `yaml:"pretty" json:"pretty"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure" json:"insecure"`
	ServiceName  string `yaml:"service_name" json:"service_name"`
	Environment  string `yaml:"environment" json:"environment"`
}

// MetricsConfig holds the admin listener settings.
type MetricsConfig struct {
	Listen string `yaml:"listen" json:"listen"`
	// RequestsPerSecond throttles each admin endpoint; zero disables throttling.
	RequestsPerSecond int `yaml:"requests_per_second" json:"requests_per_second"`
	Burst             int `yaml:"burst" json:"burst"`
}

// AuditConfig configures the persistent audit sink.
type AuditConfig struct {
	File string `yaml:"file" json:"file"`
}

// WorkflowConfig points at the workflow document watched by the serve command.
type WorkflowConfig struct {
	File     string        `yaml:"file" json:"file"`
	Debounce time.Duration `yaml:"debounce" json:"debounce"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	def := engine.DefaultLimits()
	return &Config{
		Limits: LimitsConfig{
			MaxNodes:         validation.DefaultMaxNodes,
			MaxEdges:         validation.DefaultMaxEdges,
			MaxExecutionTime: def.MaxExecutionTime,
			MaxMemoryBytes:   def.MaxMemoryBytes,
			TickInterval:     def.TickInterval,
		},
		Security: security.DefaultConfig(),
		Policy: PolicyConfig{
			Entrypoint: policy.DefaultEntrypoint,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "polis-flow",
		},
		Metrics: MetricsConfig{
			Listen: ":9464",
		},
		Workflow: WorkflowConfig{
			Debounce: defaultDebounce,
		},
	}
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := decode(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// decode accepts YAML and falls back to JSON.
func decode(data []byte, out any) error {
	err := yaml.Unmarshal(data, out)
	if err == nil {
		return nil
	}
	if jsonErr := json.Unmarshal(data, out); jsonErr != nil {
		return err
	}
	return nil
}

func applyEnvOverrides(cfg *Config) error {
	if val := os.Getenv("FLOW_MAX_NODES"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("%w: FLOW_MAX_NODES: %v", domain.ErrConfigInvalid, err)
		}
		cfg.Limits.MaxNodes = n
	}
	if val := os.Getenv("FLOW_MAX_EDGES"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("%w: FLOW_MAX_EDGES: %v", domain.ErrConfigInvalid, err)
		}
		cfg.Limits.MaxEdges = n
	}
	if val := os.Getenv("FLOW_MAX_EXECUTION_TIME"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("%w: FLOW_MAX_EXECUTION_TIME: %v", domain.ErrConfigInvalid, err)
		}
		cfg.Limits.MaxExecutionTime = d
	}
	if val := os.Getenv("FLOW_MAX_MEMORY_BYTES"); val != "" {
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: FLOW_MAX_MEMORY_BYTES: %v", domain.ErrConfigInvalid, err)
		}
		cfg.Limits.MaxMemoryBytes = n
	}
	if val := os.Getenv("FLOW_TICK_INTERVAL"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("%w: FLOW_TICK_INTERVAL: %v", domain.ErrConfigInvalid, err)
		}
		cfg.Limits.TickInterval = d
	}

	if val := os.Getenv("FLOW_SECURITY_SCORING"); val != "" {
		cfg.Security.Scoring = security.ScoringMode(val)
	}
	if val := os.Getenv("FLOW_SECURITY_MIN_SCORE"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("%w: FLOW_SECURITY_MIN_SCORE: %v", domain.ErrConfigInvalid, err)
		}
		cfg.Security.MinScore = n
	}

	if val := os.Getenv("FLOW_POLICY_PATH"); val != "" {
		cfg.Policy.Path = val
		cfg.Policy.Enabled = true
	}
	if val := os.Getenv("FLOW_POLICY_ENABLED"); val != "" {
		cfg.Policy.Enabled = val == "true"
	}

	if val := os.Getenv("FLOW_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("FLOW_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}

	if val := os.Getenv("FLOW_METRICS_LISTEN"); val != "" {
		cfg.Metrics.Listen = val
	}
	if val := os.Getenv("FLOW_AUDIT_FILE"); val != "" {
		cfg.Audit.File = val
	}
	if val := os.Getenv("FLOW_WORKFLOW_FILE"); val != "" {
		cfg.Workflow.File = val
	}

	if val := os.Getenv("FLOW_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("FLOW_LOG_PRETTY"); val == "true" {
		cfg.Logging.Pretty = true
	}
	return nil
}

// Validate performs validation of the entire configuration
func (c *Config) Validate() error {
	if err := c.Limits.Validate(); err != nil {
		return fmt.Errorf("limits configuration: %w", err)
	}

	if err := c.Security.Validate(); err != nil {
		return fmt.Errorf("security configuration: %w", err)
	}

	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("policy configuration: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}

	if c.Metrics.RequestsPerSecond < 0 || c.Metrics.Burst < 0 {
		return fmt.Errorf("metrics configuration: rate limit must not be negative")
	}

	if c.Workflow.Debounce <= 0 {
		c.Workflow.Debounce = defaultDebounce
	}

	return nil
}

// Validate fills unset limits and rejects negative ones.
func (c *LimitsConfig) Validate() error {
	if c.MaxNodes < 0 || c.MaxEdges < 0 {
		return fmt.Errorf("%w: node and edge bounds must not be negative", domain.ErrConfigInvalid)
	}
	if c.MaxExecutionTime < 0 || c.MaxMemoryBytes < 0 || c.TickInterval < 0 {
		return fmt.Errorf("%w: execution limits must not be negative", domain.ErrConfigInvalid)
	}

	def := engine.DefaultLimits()
	if c.MaxNodes == 0 {
		c.MaxNodes = validation.DefaultMaxNodes
	}
	if c.MaxEdges == 0 {
		c.MaxEdges = validation.DefaultMaxEdges
	}
	if c.MaxExecutionTime == 0 {
		c.MaxExecutionTime = def.MaxExecutionTime
	}
	if c.MaxMemoryBytes == 0 {
		c.MaxMemoryBytes = def.MaxMemoryBytes
	}
	if c.TickInterval == 0 {
		c.TickInterval = def.TickInterval
	}
	if c.TickInterval > c.MaxExecutionTime {
		return fmt.Errorf("%w: tick_interval %s exceeds max_execution_time %s", domain.ErrConfigInvalid, c.TickInterval, c.MaxExecutionTime)
	}
	return nil
}

// Structural returns the structural validator bounds.
func (c LimitsConfig) Structural() validation.Limits {
	return validation.Limits{MaxNodes: c.MaxNodes, MaxEdges: c.MaxEdges}
}

// Engine returns the execution resource limits.
func (c LimitsConfig) Engine() engine.Limits {
	return engine.Limits{
		MaxExecutionTime: c.MaxExecutionTime,
		MaxMemoryBytes:   c.MaxMemoryBytes,
		TickInterval:     c.TickInterval,
	}
}

// Validate checks the posture overrides.
func (c *PolicyConfig) Validate() error {
	if strings.TrimSpace(c.Entrypoint) == "" {
		c.Entrypoint = policy.DefaultEntrypoint
	}
	if _, err := c.PostureSet(); err != nil {
		return err
	}
	return nil
}

// PostureSet returns the default postures with the configured overrides applied.
func (c PolicyConfig) PostureSet() (policy.PostureSet, error) {
	set := policy.DefaultPostureSet()
	if err := set.ApplyOverrideStrings(c.Postures); err != nil {
		return policy.PostureSet{}, fmt.Errorf("%w: %v", domain.ErrConfigInvalid, err)
	}
	return set, nil
}

// Validate performs validation of logging configuration
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
		return nil
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}
}
