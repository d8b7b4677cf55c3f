// Package config provides configuration management for the WeGent executor plane.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the manager and executor services.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Redis     RedisConfig     `mapstructure:"redis"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Docker    DockerConfig    `mapstructure:"docker"`
	Sandbox   SandboxConfig   `mapstructure:"sandbox"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Callback  CallbackConfig  `mapstructure:"callback"`
	Tracker   TrackerConfig   `mapstructure:"tracker"`
	Backend   BackendConfig   `mapstructure:"backend"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Engines   EnginesConfig   `mapstructure:"engines"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds the manager HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
	APIPrefix    string `mapstructure:"apiPrefix"`
}

// RedisConfig holds the Redis connection configuration.
// All cross-process state (sessions, heartbeats, locks) lives in Redis.
type RedisConfig struct {
	URL        string `mapstructure:"url"`
	SessionTTL int    `mapstructure:"sessionTtl"` // rolling TTL for sandbox session hashes, in seconds
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DockerConfig holds Docker client and executor container configuration.
type DockerConfig struct {
	Host                   string `mapstructure:"host"`
	APIVersion             string `mapstructure:"apiVersion"`
	HostAddr               string `mapstructure:"hostAddr"` // address executors are reachable at from the manager
	ExecutorImage          string `mapstructure:"executorImage"`
	Network                string `mapstructure:"network"`
	PortRangeMin           int    `mapstructure:"portRangeMin"`
	PortRangeMax           int    `mapstructure:"portRangeMax"`
	DeleteZombieContainers bool   `mapstructure:"deleteZombieContainers"`
}

// SandboxConfig holds sandbox lifecycle tunables.
type SandboxConfig struct {
	DefaultTimeout    int `mapstructure:"defaultTimeout"`    // sandbox lifetime extension unit, in seconds
	ExecutionTimeout  int `mapstructure:"executionTimeout"`  // per-execution timeout, in seconds
	MaxConcurrent     int `mapstructure:"maxConcurrent"`     // concurrent sandbox creations
	GCInterval        int `mapstructure:"gcInterval"`        // expired-sandbox sweep interval, in seconds
	ReadyTimeout      int `mapstructure:"readyTimeout"`      // container address + health wait, in seconds
	ReadyPollInterval int `mapstructure:"readyPollInterval"` // address poll cadence, in seconds
}

// HeartbeatConfig holds heartbeat key and sweep tunables.
type HeartbeatConfig struct {
	Timeout       int `mapstructure:"timeout"`       // age after which a missing heartbeat is fatal, in seconds
	CheckInterval int `mapstructure:"checkInterval"` // sweep cadence, in seconds
	GracePeriod   int `mapstructure:"gracePeriod"`   // startup window before heartbeats are expected, in seconds
	KeyTTL        int `mapstructure:"keyTtl"`        // heartbeat key TTL, in seconds
}

// CallbackConfig holds executor-to-manager callback delivery configuration.
type CallbackConfig struct {
	URL        string `mapstructure:"url"`        // manager callback endpoint executors report to
	MaxRetries int    `mapstructure:"maxRetries"` // delivery attempts before giving up
	RetryDelay int    `mapstructure:"retryDelay"` // initial retry delay, in seconds
	Timeout    int    `mapstructure:"timeout"`    // per-attempt HTTP timeout, in seconds
}

// TrackerConfig holds running-task tracker tunables.
type TrackerConfig struct {
	MetaTTL int `mapstructure:"metaTtl"` // forensic metadata retention, in seconds
}

// BackendConfig holds the main back-end API configuration.
type BackendConfig struct {
	TaskAPIDomain string `mapstructure:"taskApiDomain"` // base URL of the back-end task API
	Timeout       int    `mapstructure:"timeout"`       // HTTP timeout, in seconds
}

// ExecutorConfig holds the in-container executor service configuration.
type ExecutorConfig struct {
	Port               int    `mapstructure:"port"`
	MCPPort            int    `mapstructure:"mcpPort"`
	TaskID             string `mapstructure:"taskId"`             // injected by the dispatcher
	ShellType          string `mapstructure:"shellType"`          // injected by the dispatcher
	GracefulCancelWait int    `mapstructure:"gracefulCancelWait"` // seconds to wait for a cancelled task to unwind
}

// EnginesConfig holds per-engine settings for the executor.
type EnginesConfig struct {
	ClaudeBinary string `mapstructure:"claudeBinary"` // claude CLI binary name or path
	AgnoBaseURL  string `mapstructure:"agnoBaseUrl"`
	DifyBaseURL  string `mapstructure:"difyBaseUrl"`
	DifyAPIKey   string `mapstructure:"difyApiKey"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// SessionTTLDuration returns the session hash TTL as a time.Duration.
func (r *RedisConfig) SessionTTLDuration() time.Duration {
	return time.Duration(r.SessionTTL) * time.Second
}

// DefaultTimeoutDuration returns the sandbox lifetime as a time.Duration.
func (s *SandboxConfig) DefaultTimeoutDuration() time.Duration {
	return time.Duration(s.DefaultTimeout) * time.Second
}

// ExecutionTimeoutDuration returns the execution timeout as a time.Duration.
func (s *SandboxConfig) ExecutionTimeoutDuration() time.Duration {
	return time.Duration(s.ExecutionTimeout) * time.Second
}

// GCIntervalDuration returns the GC sweep interval as a time.Duration.
func (s *SandboxConfig) GCIntervalDuration() time.Duration {
	return time.Duration(s.GCInterval) * time.Second
}

// ReadyTimeoutDuration returns the container-ready wait as a time.Duration.
func (s *SandboxConfig) ReadyTimeoutDuration() time.Duration {
	return time.Duration(s.ReadyTimeout) * time.Second
}

// ReadyPollIntervalDuration returns the address poll cadence as a time.Duration.
func (s *SandboxConfig) ReadyPollIntervalDuration() time.Duration {
	return time.Duration(s.ReadyPollInterval) * time.Second
}

// TimeoutDuration returns the heartbeat timeout as a time.Duration.
func (h *HeartbeatConfig) TimeoutDuration() time.Duration {
	return time.Duration(h.Timeout) * time.Second
}

// CheckIntervalDuration returns the sweep cadence as a time.Duration.
func (h *HeartbeatConfig) CheckIntervalDuration() time.Duration {
	return time.Duration(h.CheckInterval) * time.Second
}

// GracePeriodDuration returns the startup grace period as a time.Duration.
func (h *HeartbeatConfig) GracePeriodDuration() time.Duration {
	return time.Duration(h.GracePeriod) * time.Second
}

// KeyTTLDuration returns the heartbeat key TTL as a time.Duration.
func (h *HeartbeatConfig) KeyTTLDuration() time.Duration {
	return time.Duration(h.KeyTTL) * time.Second
}

// RetryDelayDuration returns the initial callback retry delay as a time.Duration.
func (c *CallbackConfig) RetryDelayDuration() time.Duration {
	return time.Duration(c.RetryDelay) * time.Second
}

// TimeoutDuration returns the per-attempt callback timeout as a time.Duration.
func (c *CallbackConfig) TimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// MetaTTLDuration returns the forensic metadata TTL as a time.Duration.
func (t *TrackerConfig) MetaTTLDuration() time.Duration {
	return time.Duration(t.MetaTTL) * time.Second
}

// TimeoutDuration returns the back-end HTTP timeout as a time.Duration.
func (b *BackendConfig) TimeoutDuration() time.Duration {
	return time.Duration(b.Timeout) * time.Second
}

// GracefulCancelWaitDuration returns the cancel unwind wait as a time.Duration.
func (e *ExecutorConfig) GracefulCancelWaitDuration() time.Duration {
	return time.Duration(e.GracefulCancelWait) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("WEGENT_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.apiPrefix", "/api/v1/manager")

	// Redis defaults
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.sessionTtl", 86400) // 24h rolling TTL on session hashes

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "wegent-manager")
	v.SetDefault("nats.maxReconnects", 10)

	// Docker defaults
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.hostAddr", "localhost")
	v.SetDefault("docker.executorImage", "wegent/executor:latest")
	v.SetDefault("docker.network", "")
	v.SetDefault("docker.portRangeMin", 39000)
	v.SetDefault("docker.portRangeMax", 39999)
	v.SetDefault("docker.deleteZombieContainers", false)

	// Sandbox defaults
	v.SetDefault("sandbox.defaultTimeout", 1800)
	v.SetDefault("sandbox.executionTimeout", 600)
	v.SetDefault("sandbox.maxConcurrent", 5)
	v.SetDefault("sandbox.gcInterval", 600)
	v.SetDefault("sandbox.readyTimeout", 20)
	v.SetDefault("sandbox.readyPollInterval", 1)

	// Heartbeat defaults
	v.SetDefault("heartbeat.timeout", 30)
	v.SetDefault("heartbeat.checkInterval", 5)
	v.SetDefault("heartbeat.gracePeriod", 30)
	v.SetDefault("heartbeat.keyTtl", 20)

	// Callback defaults
	v.SetDefault("callback.url", "")
	v.SetDefault("callback.maxRetries", 10)
	v.SetDefault("callback.retryDelay", 1)
	v.SetDefault("callback.timeout", 30)

	// Tracker defaults
	v.SetDefault("tracker.metaTtl", 604800) // 7 days

	// Backend defaults
	v.SetDefault("backend.taskApiDomain", "")
	v.SetDefault("backend.timeout", 30)

	// Executor defaults
	v.SetDefault("executor.port", 8080)
	v.SetDefault("executor.mcpPort", 8765)
	v.SetDefault("executor.taskId", "")
	v.SetDefault("executor.shellType", "")
	v.SetDefault("executor.gracefulCancelWait", 10)

	// Engine defaults
	v.SetDefault("engines.claudeBinary", "claude")
	v.SetDefault("engines.agnoBaseUrl", "")
	v.SetDefault("engines.difyBaseUrl", "")
	v.SetDefault("engines.difyApiKey", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix WEGENT_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/wegent/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("WEGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the flat env vars the deployment tooling sets.
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion, and the
	// operational keys below predate the WEGENT_ prefix, so both spellings work.
	_ = v.BindEnv("redis.url", "REDIS_URL", "WEGENT_REDIS_URL")
	_ = v.BindEnv("redis.sessionTtl", "SANDBOX_REDIS_TTL", "WEGENT_REDIS_SESSION_TTL")
	_ = v.BindEnv("callback.url", "CALLBACK_URL", "WEGENT_CALLBACK_URL")
	_ = v.BindEnv("callback.maxRetries", "SANDBOX_CALLBACK_MAX_RETRIES", "WEGENT_CALLBACK_MAX_RETRIES")
	_ = v.BindEnv("callback.retryDelay", "SANDBOX_CALLBACK_RETRY_DELAY", "WEGENT_CALLBACK_RETRY_DELAY")
	_ = v.BindEnv("callback.timeout", "SANDBOX_CALLBACK_TIMEOUT", "WEGENT_CALLBACK_TIMEOUT")
	_ = v.BindEnv("backend.taskApiDomain", "TASK_API_DOMAIN", "WEGENT_BACKEND_TASK_API_DOMAIN")
	_ = v.BindEnv("docker.executorImage", "EXECUTOR_IMAGE", "WEGENT_DOCKER_EXECUTOR_IMAGE")
	_ = v.BindEnv("docker.hostAddr", "DOCKER_HOST_ADDR", "WEGENT_DOCKER_HOST_ADDR")
	_ = v.BindEnv("docker.portRangeMin", "EXECUTOR_PORT_RANGE_MIN", "WEGENT_DOCKER_PORT_RANGE_MIN")
	_ = v.BindEnv("docker.portRangeMax", "EXECUTOR_PORT_RANGE_MAX", "WEGENT_DOCKER_PORT_RANGE_MAX")
	_ = v.BindEnv("docker.deleteZombieContainers", "DELETE_ZOMBIE_CONTAINERS", "WEGENT_DOCKER_DELETE_ZOMBIE_CONTAINERS")
	_ = v.BindEnv("sandbox.defaultTimeout", "SANDBOX_DEFAULT_TIMEOUT", "WEGENT_SANDBOX_DEFAULT_TIMEOUT")
	_ = v.BindEnv("sandbox.executionTimeout", "SANDBOX_EXECUTION_TIMEOUT", "WEGENT_SANDBOX_EXECUTION_TIMEOUT")
	_ = v.BindEnv("sandbox.maxConcurrent", "SANDBOX_MAX_CONCURRENT", "WEGENT_SANDBOX_MAX_CONCURRENT")
	_ = v.BindEnv("sandbox.gcInterval", "GC_INTERVAL", "WEGENT_SANDBOX_GC_INTERVAL")
	_ = v.BindEnv("heartbeat.timeout", "HEARTBEAT_TIMEOUT", "WEGENT_HEARTBEAT_TIMEOUT")
	_ = v.BindEnv("heartbeat.checkInterval", "HEARTBEAT_CHECK_INTERVAL", "WEGENT_HEARTBEAT_CHECK_INTERVAL")
	_ = v.BindEnv("heartbeat.gracePeriod", "HEARTBEAT_GRACE_PERIOD", "WEGENT_HEARTBEAT_GRACE_PERIOD")
	_ = v.BindEnv("heartbeat.keyTtl", "HEARTBEAT_KEY_TTL", "WEGENT_HEARTBEAT_KEY_TTL")
	_ = v.BindEnv("tracker.metaTtl", "RUNNING_TASK_META_TTL", "WEGENT_TRACKER_META_TTL")
	_ = v.BindEnv("executor.port", "EXECUTOR_PORT", "WEGENT_EXECUTOR_PORT")
	_ = v.BindEnv("executor.mcpPort", "MCP_PORT", "WEGENT_EXECUTOR_MCP_PORT")
	_ = v.BindEnv("executor.taskId", "TASK_ID", "WEGENT_EXECUTOR_TASK_ID")
	_ = v.BindEnv("executor.shellType", "SHELL_TYPE", "WEGENT_EXECUTOR_SHELL_TYPE")
	_ = v.BindEnv("executor.gracefulCancelWait", "GRACEFUL_SHUTDOWN_TIMEOUT", "WEGENT_EXECUTOR_GRACEFUL_CANCEL_WAIT")
	_ = v.BindEnv("engines.claudeBinary", "CLAUDE_BINARY", "WEGENT_ENGINES_CLAUDE_BINARY")
	_ = v.BindEnv("engines.agnoBaseUrl", "AGNO_BASE_URL", "WEGENT_ENGINES_AGNO_BASE_URL")
	_ = v.BindEnv("engines.difyBaseUrl", "DIFY_BASE_URL", "WEGENT_ENGINES_DIFY_BASE_URL")
	_ = v.BindEnv("engines.difyApiKey", "DIFY_API_KEY", "WEGENT_ENGINES_DIFY_API_KEY")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/wegent/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Redis.URL == "" {
		errs = append(errs, "redis.url is required")
	}
	if cfg.Redis.SessionTTL <= 0 {
		errs = append(errs, "redis.sessionTtl must be positive")
	}

	if cfg.Docker.PortRangeMin <= 0 || cfg.Docker.PortRangeMax > 65535 ||
		cfg.Docker.PortRangeMin > cfg.Docker.PortRangeMax {
		errs = append(errs, "docker.portRangeMin..portRangeMax must be a valid port range")
	}

	if cfg.Sandbox.DefaultTimeout <= 0 {
		errs = append(errs, "sandbox.defaultTimeout must be positive")
	}
	if cfg.Sandbox.MaxConcurrent <= 0 {
		errs = append(errs, "sandbox.maxConcurrent must be positive")
	}

	if cfg.Heartbeat.KeyTTL <= 0 || cfg.Heartbeat.Timeout <= 0 {
		errs = append(errs, "heartbeat.keyTtl and heartbeat.timeout must be positive")
	}

	if cfg.Callback.MaxRetries < 0 {
		errs = append(errs, "callback.maxRetries must not be negative")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
