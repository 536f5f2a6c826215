package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dreadew/taskiq-scheduler/internal/job"
	"github.com/dreadew/taskiq-scheduler/internal/retry"
)

const (
	DefaultPath = "queuectl.yaml"
	PathEnv     = "QUEUECTL_CONFIG"

	ModeApply   = "apply"
	ModeAnalyze = "analyze"
)

type RetryConfig struct {
	BaseDelayMS     int     `yaml:"base_delay_ms"`
	MaxDelayMS      int     `yaml:"max_delay_ms"`
	ExponentialBase float64 `yaml:"exponential_base"`
	Jitter          bool    `yaml:"jitter"`
}

type BreakerConfig struct {
	FailureThreshold       int `yaml:"failure_threshold"`
	RecoveryTimeoutSeconds int `yaml:"recovery_timeout_seconds"`
}

type QueueConfig struct {
	Backend        string `yaml:"backend"`
	Subject        string `yaml:"subject"`
	PollIntervalMS int    `yaml:"poll_interval_ms"`
	SweepSchedule  string `yaml:"sweep_schedule"`
}

type AnalysisConfig struct {
	Addr           string `yaml:"addr"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

type Config struct {
	DBPath           string `yaml:"db_path"`
	LogLevel         string `yaml:"log_level"`
	LogFile          string `yaml:"log_file"`
	DefaultPriority  int    `yaml:"default_priority"`
	MaxRetries       int    `yaml:"max_retries"`
	TimeLimitSeconds int    `yaml:"time_limit_seconds"`
	CacheSize        int    `yaml:"external_db_cache_size"`
	Workers          int    `yaml:"workers"`
	BindAddr         string `yaml:"bind_addr"`
	ExecutionMode    string `yaml:"execution_mode"`

	Retry     RetryConfig     `yaml:"retry"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Queue     QueueConfig     `yaml:"queue"`
	Analysis  AnalysisConfig  `yaml:"analysis"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

func Default() *Config {
	return &Config{
		DBPath:           "queue.db",
		LogLevel:         "info",
		DefaultPriority:  3,
		MaxRetries:       3,
		TimeLimitSeconds: 1200,
		CacheSize:        25,
		Workers:          1,
		BindAddr:         "127.0.0.1:8080",
		ExecutionMode:    ModeApply,
		Retry: RetryConfig{
			BaseDelayMS:     1000,
			MaxDelayMS:      60000,
			ExponentialBase: 2.0,
			Jitter:          true,
		},
		Breaker: BreakerConfig{FailureThreshold: 5, RecoveryTimeoutSeconds: 60},
		Queue: QueueConfig{
			Backend:        "sqlite",
			Subject:        "task_queue",
			PollIntervalMS: 500,
			SweepSchedule:  "@every 30s",
		},
		Analysis:  AnalysisConfig{TimeoutSeconds: 30},
		Telemetry: TelemetryConfig{Exporter: "stdout"},
	}
}

// Path returns the config file location: explicit path, then
// QUEUECTL_CONFIG, then queuectl.yaml.
func Path(path string) string {
	if path != "" {
		return path
	}
	if p := os.Getenv(PathEnv); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads defaults, then the YAML file if it exists, then environment
// overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(Path(path))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}
	normalize(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(Path(path), data, 0o644)
}

func (c *Config) Validate() error {
	var errs []error
	if !job.ValidPriority(c.DefaultPriority) {
		errs = append(errs, fmt.Errorf("default_priority: %w", job.ErrInvalidPriority))
	}
	if c.MaxRetries < 1 {
		errs = append(errs, errors.New("max_retries must be positive"))
	}
	if c.Breaker.FailureThreshold < 1 {
		errs = append(errs, errors.New("breaker.failure_threshold must be positive"))
	}
	if c.Breaker.RecoveryTimeoutSeconds < 1 {
		errs = append(errs, errors.New("breaker.recovery_timeout_seconds must be positive"))
	}
	switch c.Queue.Backend {
	case "sqlite", "bus":
	default:
		errs = append(errs, fmt.Errorf("queue.backend %q: want sqlite or bus", c.Queue.Backend))
	}
	switch c.ExecutionMode {
	case ModeApply:
	case ModeAnalyze:
		if c.Analysis.Addr == "" {
			errs = append(errs, errors.New("execution_mode analyze needs analysis.addr"))
		}
	default:
		errs = append(errs, fmt.Errorf("execution_mode %q: want apply or analyze", c.ExecutionMode))
	}
	return errors.Join(errs...)
}

// RetryPolicy is the broker-level policy for failed executions.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:     c.MaxRetries,
		BaseDelay:       time.Duration(c.Retry.BaseDelayMS) * time.Millisecond,
		MaxDelay:        time.Duration(c.Retry.MaxDelayMS) * time.Millisecond,
		ExponentialBase: c.Retry.ExponentialBase,
		Jitter:          c.Retry.Jitter,
	}
}

func (c *Config) TimeLimit() time.Duration {
	return time.Duration(c.TimeLimitSeconds) * time.Second
}

func (c *Config) RecoveryTimeout() time.Duration {
	return time.Duration(c.Breaker.RecoveryTimeoutSeconds) * time.Second
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Queue.PollIntervalMS) * time.Millisecond
}

func (c *Config) AnalysisTimeout() time.Duration {
	return time.Duration(c.Analysis.TimeoutSeconds) * time.Second
}

// setters backs `config get/set`; keys are the YAML paths.
var setters = map[string]func(c *Config, v string) error{
	"db_path":                          func(c *Config, v string) error { c.DBPath = v; return nil },
	"log_level":                        func(c *Config, v string) error { c.LogLevel = v; return nil },
	"log_file":                         func(c *Config, v string) error { c.LogFile = v; return nil },
	"default_priority":                 intSetter(func(c *Config) *int { return &c.DefaultPriority }),
	"max_retries":                      intSetter(func(c *Config) *int { return &c.MaxRetries }),
	"time_limit_seconds":               intSetter(func(c *Config) *int { return &c.TimeLimitSeconds }),
	"external_db_cache_size":           intSetter(func(c *Config) *int { return &c.CacheSize }),
	"workers":                          intSetter(func(c *Config) *int { return &c.Workers }),
	"bind_addr":                        func(c *Config, v string) error { c.BindAddr = v; return nil },
	"execution_mode":                   func(c *Config, v string) error { c.ExecutionMode = v; return nil },
	"retry.base_delay_ms":              intSetter(func(c *Config) *int { return &c.Retry.BaseDelayMS }),
	"retry.max_delay_ms":               intSetter(func(c *Config) *int { return &c.Retry.MaxDelayMS }),
	"retry.exponential_base":           floatSetter(func(c *Config) *float64 { return &c.Retry.ExponentialBase }),
	"retry.jitter":                     boolSetter(func(c *Config) *bool { return &c.Retry.Jitter }),
	"breaker.failure_threshold":        intSetter(func(c *Config) *int { return &c.Breaker.FailureThreshold }),
	"breaker.recovery_timeout_seconds": intSetter(func(c *Config) *int { return &c.Breaker.RecoveryTimeoutSeconds }),
	"queue.backend":                    func(c *Config, v string) error { c.Queue.Backend = v; return nil },
	"queue.subject":                    func(c *Config, v string) error { c.Queue.Subject = v; return nil },
	"queue.poll_interval_ms":           intSetter(func(c *Config) *int { return &c.Queue.PollIntervalMS }),
	"queue.sweep_schedule":             func(c *Config, v string) error { c.Queue.SweepSchedule = v; return nil },
	"analysis.addr":                    func(c *Config, v string) error { c.Analysis.Addr = v; return nil },
	"analysis.timeout_seconds":         intSetter(func(c *Config) *int { return &c.Analysis.TimeoutSeconds }),
	"telemetry.enabled":                boolSetter(func(c *Config) *bool { return &c.Telemetry.Enabled }),
	"telemetry.exporter":               func(c *Config, v string) error { c.Telemetry.Exporter = v; return nil },
	"telemetry.endpoint":               func(c *Config, v string) error { c.Telemetry.Endpoint = v; return nil },
}

// Set assigns one key and re-validates.
func (c *Config) Set(key, value string) error {
	set, ok := setters[key]
	if !ok {
		return fmt.Errorf("unknown config key %q", key)
	}
	if err := set(c, value); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return c.Validate()
}

// Get returns the value under a dotted key, formatted for display.
func (c *Config) Get(key string) (string, error) {
	if _, ok := setters[key]; !ok {
		return "", fmt.Errorf("unknown config key %q", key)
	}
	raw, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	var tree map[string]any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return "", err
	}
	var cur any = tree
	for _, part := range strings.Split(key, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return "", fmt.Errorf("config key %q is not a section", key)
		}
		cur = m[part]
	}
	if cur == nil {
		return "", nil
	}
	return fmt.Sprint(cur), nil
}

// Keys lists the settable keys in order.
func Keys() []string {
	out := make([]string, 0, len(setters))
	for k := range setters {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// envKeys maps environment variables onto config keys.
var envKeys = map[string]string{
	"DB_PATH":                           "db_path",
	"LOG_LEVEL":                         "log_level",
	"LOG_FILE":                          "log_file",
	"TASK_DEFAULT_PRIORITY":             "default_priority",
	"TASK_MAX_RETRIES":                  "max_retries",
	"TASK_TIME_LIMIT":                   "time_limit_seconds",
	"EXTERNAL_DB_CACHE_SIZE":            "external_db_cache_size",
	"WORKER_COUNT":                      "workers",
	"BIND_ADDR":                         "bind_addr",
	"EXECUTION_MODE":                    "execution_mode",
	"RETRY_BASE_DELAY_MS":               "retry.base_delay_ms",
	"RETRY_MAX_DELAY_MS":                "retry.max_delay_ms",
	"RETRY_EXPONENTIAL_BASE":            "retry.exponential_base",
	"RETRY_JITTER":                      "retry.jitter",
	"CIRCUIT_BREAKER_FAILURE_THRESHOLD": "breaker.failure_threshold",
	"CIRCUIT_BREAKER_RECOVERY_TIMEOUT":  "breaker.recovery_timeout_seconds",
	"QUEUE_BACKEND":                     "queue.backend",
	"QUEUE_SUBJECT":                     "queue.subject",
	"QUEUE_POLL_INTERVAL_MS":            "queue.poll_interval_ms",
	"QUEUE_SWEEP_SCHEDULE":              "queue.sweep_schedule",
	"GRPC_URL":                          "analysis.addr",
	"GRPC_TIMEOUT":                      "analysis.timeout_seconds",
	"OTEL_ENABLED":                      "telemetry.enabled",
	"OTEL_EXPORTER":                     "telemetry.exporter",
	"OTEL_ENDPOINT":                     "telemetry.endpoint",
}

func applyEnvOverrides(cfg *Config) error {
	var errs []error
	for env, key := range envKeys {
		if raw := os.Getenv(env); raw != "" {
			if err := setters[key](cfg, raw); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", env, err))
			}
		}
	}
	return errors.Join(errs...)
}

func normalize(cfg *Config) {
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	cfg.Queue.Backend = strings.ToLower(strings.TrimSpace(cfg.Queue.Backend))
	cfg.ExecutionMode = strings.ToLower(strings.TrimSpace(cfg.ExecutionMode))
	if cfg.DBPath == "" {
		cfg.DBPath = "queue.db"
	}
	if cfg.TimeLimitSeconds <= 0 {
		cfg.TimeLimitSeconds = 1200
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 25
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Queue.Subject == "" {
		cfg.Queue.Subject = "task_queue"
	}
	if cfg.Queue.PollIntervalMS <= 0 {
		cfg.Queue.PollIntervalMS = 500
	}
	if cfg.Queue.SweepSchedule == "" {
		cfg.Queue.SweepSchedule = "@every 30s"
	}
	if cfg.Retry.BaseDelayMS <= 0 {
		cfg.Retry.BaseDelayMS = 1000
	}
	if cfg.Retry.MaxDelayMS <= 0 {
		cfg.Retry.MaxDelayMS = 60000
	}
	if cfg.Retry.ExponentialBase <= 0 {
		cfg.Retry.ExponentialBase = 2.0
	}
	if cfg.Analysis.TimeoutSeconds <= 0 {
		cfg.Analysis.TimeoutSeconds = 30
	}
}

func intSetter(field func(c *Config) *int) func(c *Config, v string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func floatSetter(field func(c *Config) *float64) func(c *Config, v string) error {
	return func(c *Config, v string) error {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return err
		}
		*field(c) = f
		return nil
	}
}

func boolSetter(field func(c *Config) *bool) func(c *Config, v string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}
}
