// Package config loads and validates the outbound core's TOML configuration,
// adapted from the teacher's root config loader.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config is the application configuration: one nested, toml-tagged section
// per ambient or domain concern. Time values are plain integers (matching
// the teacher's QueueProcessor.Interval idiom) rather than time.Duration,
// which the TOML library has no native encoding for; Config's accessor
// methods (SenderPollInterval, PoolIdleTimeout, ...) do the conversion.
type Config struct {
	Server struct {
		Hostname string `toml:"hostname"` // reported in the startup log; SMTP greetings use pool.hello_name
	} `toml:"server"`

	Sender struct {
		PollIntervalMS        int    `toml:"poll_interval_ms"`
		MaxTimeInQueueSeconds int    `toml:"max_time_in_queue_seconds"`
		DefaultGroupID        string `toml:"default_group_id"`
	} `toml:"sender"`

	Pool struct {
		MaxConnectionsPerKey   int    `toml:"max_connections_per_key"`
		IdleTimeoutSeconds     int    `toml:"idle_timeout_seconds"`
		ConnectPort            int    `toml:"connect_port"`
		HelloName              string `toml:"hello_name"`
		BreakerMaxRequests     uint32 `toml:"breaker_max_requests"`
		BreakerIntervalSeconds int    `toml:"breaker_interval_seconds"`
		BreakerTimeoutSeconds  int    `toml:"breaker_timeout_seconds"`
	} `toml:"pool"`

	Forwarder struct {
		PostURL         string `toml:"post_url"` // empty disables forwarding
		BatchSize       int    `toml:"batch_size"`
		FanOut          int    `toml:"fan_out"`
		PollDelaySeconds int   `toml:"poll_delay_seconds"`
	} `toml:"forwarder"`

	Metrics struct {
		PrometheusListen string `toml:"prometheus_listen"` // empty disables the metrics endpoint
		ValkeyAddr       string `toml:"valkey_addr"`        // empty disables the Valkey recorder
	} `toml:"metrics"`

	Broker struct {
		Backend  string `toml:"backend"` // "memory" or "redis"
		RedisURL string `toml:"redis_url"`
	} `toml:"broker"`

	EventStore struct {
		Backend  string `toml:"backend"` // "memory" or "redis"
		RedisURL string `toml:"redis_url"`
	} `toml:"event_store"`

	Logging struct {
		Level  string `toml:"level"`  // "debug", "info", "warn", "error"
		Format string `toml:"format"` // "text" or "json"
	} `toml:"logging"`

	VirtualMTAGroup []VirtualMTAGroupConfig `toml:"virtual_mta_group"`
}

// VirtualMTAGroupConfig is one named, ordered set of source IPs the sender
// selects from for a given routing group.
type VirtualMTAGroupConfig struct {
	ID  string             `toml:"id"`
	MTA []VirtualMTAConfig `toml:"mta"`
}

// VirtualMTAConfig is a single source IP tagged with a hostname and a
// per-destination concurrency cap. The client pool reads neither: it greets
// with pool.hello_name and caps connections with pool.max_connections_per_key.
type VirtualMTAConfig struct {
	IP                string `toml:"ip"`
	HostName          string `toml:"hostname"`
	MaxPerDestination int    `toml:"max_per_destination"`
}

// SenderPollInterval returns the sender's poll interval as a time.Duration.
func (c *Config) SenderPollInterval() time.Duration {
	return time.Duration(c.Sender.PollIntervalMS) * time.Millisecond
}

// SenderMaxTimeInQueue returns the sender's queue-timeout bound as a
// time.Duration.
func (c *Config) SenderMaxTimeInQueue() time.Duration {
	return time.Duration(c.Sender.MaxTimeInQueueSeconds) * time.Second
}

// PoolIdleTimeout returns the pool's idle-close threshold as a
// time.Duration.
func (c *Config) PoolIdleTimeout() time.Duration {
	return time.Duration(c.Pool.IdleTimeoutSeconds) * time.Second
}

// PoolBreakerInterval returns the circuit breaker's closed-state reset
// window as a time.Duration.
func (c *Config) PoolBreakerInterval() time.Duration {
	return time.Duration(c.Pool.BreakerIntervalSeconds) * time.Second
}

// PoolBreakerTimeout returns the circuit breaker's open-state cool-off as a
// time.Duration.
func (c *Config) PoolBreakerTimeout() time.Duration {
	return time.Duration(c.Pool.BreakerTimeoutSeconds) * time.Second
}

// ForwarderPollDelay returns the forwarder's empty-batch idle delay as a
// time.Duration.
func (c *Config) ForwarderPollDelay() time.Duration {
	return time.Duration(c.Forwarder.PollDelaySeconds) * time.Second
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Hostname = "localhost"

	cfg.Sender.PollIntervalMS = 100
	cfg.Sender.MaxTimeInQueueSeconds = 4 * 60 * 60
	cfg.Sender.DefaultGroupID = "default"

	cfg.Pool.MaxConnectionsPerKey = 10
	cfg.Pool.IdleTimeoutSeconds = 5 * 60
	cfg.Pool.ConnectPort = 25
	cfg.Pool.HelloName = "localhost"
	cfg.Pool.BreakerMaxRequests = 5
	cfg.Pool.BreakerIntervalSeconds = 60
	cfg.Pool.BreakerTimeoutSeconds = 60

	cfg.Forwarder.BatchSize = 10
	cfg.Forwarder.FanOut = 10
	cfg.Forwarder.PollDelaySeconds = 1

	cfg.Broker.Backend = "memory"
	cfg.EventStore.Backend = "memory"

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"

	cfg.VirtualMTAGroup = []VirtualMTAGroupConfig{
		{
			ID: "default",
			MTA: []VirtualMTAConfig{
				{IP: "0.0.0.0", HostName: "localhost", MaxPerDestination: 10},
			},
		},
	}

	return cfg
}

// FindConfigFile looks for a configuration file in common locations.
func FindConfigFile(configPath string) (string, error) {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}
		return "", fmt.Errorf("config file not found at specified path: %s", configPath)
	}

	locations := []string{
		"./elemta-outbound.conf",
		"./config/elemta-outbound.conf",
		"../config/elemta-outbound.conf",
		os.ExpandEnv("$HOME/.elemta-outbound.conf"),
		"/etc/elemta/elemta-outbound.conf",
	}

	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc, nil
		}
	}

	return "", fmt.Errorf("no config file found")
}

// LoadConfig loads configuration from a file, falling back to defaults when
// none is found.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()
	securityValidator := NewSecurityValidator()

	configFile, err := FindConfigFile(configPath)
	if err != nil {
		return cfg, nil
	}

	if err := securityValidator.ValidateConfigFileSize(configFile); err != nil {
		return nil, fmt.Errorf("config file security validation failed: %w", err)
	}

	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing TOML configuration: %w", err)
	}

	result := cfg.Validate()
	if !result.Valid {
		var messages []string
		for _, e := range result.Errors {
			messages = append(messages, e.Error())
		}
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(messages, "; "))
	}

	return cfg, nil
}

// SaveConfig writes the configuration to configPath in TOML format.
func (c *Config) SaveConfig(configPath string) error {
	tomlContent := fmt.Sprintf(`# Outbound delivery core configuration

[server]
hostname = "%s"

[sender]
poll_interval_ms = %d
max_time_in_queue_seconds = %d
default_group_id = "%s"

[pool]
max_connections_per_key = %d
idle_timeout_seconds = %d
connect_port = %d
hello_name = "%s"
breaker_max_requests = %d
breaker_interval_seconds = %d
breaker_timeout_seconds = %d

[forwarder]
post_url = "%s"
batch_size = %d
fan_out = %d
poll_delay_seconds = %d

[metrics]
prometheus_listen = "%s"
valkey_addr = "%s"

[broker]
backend = "%s"
redis_url = "%s"

[event_store]
backend = "%s"
redis_url = "%s"

[logging]
level = "%s"
format = "%s"
`,
		c.Server.Hostname,
		c.Sender.PollIntervalMS, c.Sender.MaxTimeInQueueSeconds, c.Sender.DefaultGroupID,
		c.Pool.MaxConnectionsPerKey, c.Pool.IdleTimeoutSeconds, c.Pool.ConnectPort, c.Pool.HelloName,
		c.Pool.BreakerMaxRequests, c.Pool.BreakerIntervalSeconds, c.Pool.BreakerTimeoutSeconds,
		c.Forwarder.PostURL, c.Forwarder.BatchSize, c.Forwarder.FanOut, c.Forwarder.PollDelaySeconds,
		c.Metrics.PrometheusListen, c.Metrics.ValkeyAddr,
		c.Broker.Backend, c.Broker.RedisURL,
		c.EventStore.Backend, c.EventStore.RedisURL,
		c.Logging.Level, c.Logging.Format,
	)

	var groups strings.Builder
	for _, g := range c.VirtualMTAGroup {
		fmt.Fprintf(&groups, "\n[[virtual_mta_group]]\nid = %q\n", g.ID)
		for _, m := range g.MTA {
			fmt.Fprintf(&groups, "\n  [[virtual_mta_group.mta]]\n  ip = %q\n  hostname = %q\n  max_per_destination = %d\n", m.IP, m.HostName, m.MaxPerDestination)
		}
	}
	tomlContent += groups.String()

	configDir := filepath.Dir(configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(tomlContent), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// CreateDefaultConfig writes a fresh default configuration file, refusing to
// overwrite an existing one.
func CreateDefaultConfig(configPath string) error {
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config file already exists at %s", configPath)
	}
	return DefaultConfig().SaveConfig(configPath)
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error in field '%s': %s (current value: %v)", e.Field, e.Message, e.Value)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
	Valid    bool
}

// AddError records a validation error.
func (vr *ValidationResult) AddError(field string, value interface{}, message string) {
	vr.Errors = append(vr.Errors, ValidationError{Field: field, Value: value, Message: message})
	vr.Valid = false
}

// AddWarning records a validation warning.
func (vr *ValidationResult) AddWarning(field string, value interface{}, message string) {
	vr.Warnings = append(vr.Warnings, ValidationError{Field: field, Value: value, Message: message})
}

// Validate performs comprehensive validation of the configuration.
func (c *Config) Validate() *ValidationResult {
	result := &ValidationResult{Valid: true}
	sv := NewSecurityValidator()

	c.validateServer(result, sv)
	c.validateSender(result, sv)
	c.validatePool(result, sv)
	c.validateForwarder(result, sv)
	c.validateBroker(result, sv)
	c.validateEventStore(result, sv)
	c.validateLogging(result, sv)
	c.validateVirtualMTAGroups(result, sv)

	return result
}

func (c *Config) validateVirtualMTAGroups(result *ValidationResult, sv *SecurityValidator) {
	if len(c.VirtualMTAGroup) == 0 {
		result.AddError("virtual_mta_group", nil, "at least one virtual mta group is required")
		return
	}
	seen := make(map[string]bool, len(c.VirtualMTAGroup))
	for _, g := range c.VirtualMTAGroup {
		if g.ID == "" {
			result.AddError("virtual_mta_group.id", g.ID, "group id is required")
		}
		if seen[g.ID] {
			result.AddError("virtual_mta_group.id", g.ID, "duplicate group id")
		}
		seen[g.ID] = true
		if len(g.MTA) == 0 {
			result.AddError("virtual_mta_group.mta", g.ID, fmt.Sprintf("group %q must list at least one mta", g.ID))
			continue
		}
		for _, m := range g.MTA {
			if err := sv.ValidateHostname(m.HostName, "virtual_mta_group.mta.hostname"); m.HostName != "" && err != nil {
				result.AddError("virtual_mta_group.mta.hostname", m.HostName, err.Error())
			}
		}
	}
	if !seen[c.Sender.DefaultGroupID] {
		result.AddError("sender.default_group_id", c.Sender.DefaultGroupID, "default_group_id does not match any configured virtual_mta_group")
	}
}

func (c *Config) validateServer(result *ValidationResult, sv *SecurityValidator) {
	if c.Server.Hostname == "" {
		result.AddError("server.hostname", c.Server.Hostname, "hostname is required")
		return
	}
	c.Server.Hostname = sv.SanitizeString(c.Server.Hostname)
	if err := sv.ValidateHostname(c.Server.Hostname, "server.hostname"); err != nil {
		result.AddError("server.hostname", c.Server.Hostname, err.Error())
	}
}

func (c *Config) validateSender(result *ValidationResult, sv *SecurityValidator) {
	if err := sv.ValidateNumericBounds(int64(c.Sender.PollIntervalMS), "sender.poll_interval_ms", 1, 60000); err != nil {
		result.AddError("sender.poll_interval_ms", c.Sender.PollIntervalMS, err.Error())
	}
	if err := sv.ValidateNumericBounds(int64(c.Sender.MaxTimeInQueueSeconds), "sender.max_time_in_queue_seconds", 60, 7*24*60*60); err != nil {
		result.AddError("sender.max_time_in_queue_seconds", c.Sender.MaxTimeInQueueSeconds, err.Error())
	}
	if c.Sender.DefaultGroupID == "" {
		result.AddError("sender.default_group_id", c.Sender.DefaultGroupID, "default_group_id is required")
	}
}

func (c *Config) validatePool(result *ValidationResult, sv *SecurityValidator) {
	if err := sv.ValidateNumericBounds(int64(c.Pool.MaxConnectionsPerKey), "pool.max_connections_per_key", 1, int64(sv.config.MaxConnections)); err != nil {
		result.AddError("pool.max_connections_per_key", c.Pool.MaxConnectionsPerKey, err.Error())
	}
	if err := sv.ValidatePort(c.Pool.ConnectPort, "pool.connect_port"); err != nil {
		result.AddError("pool.connect_port", c.Pool.ConnectPort, err.Error())
	}
	if c.Pool.HelloName == "" {
		result.AddError("pool.hello_name", c.Pool.HelloName, "hello_name is required")
	} else {
		c.Pool.HelloName = sv.SanitizeString(c.Pool.HelloName)
		if err := sv.ValidateHostname(c.Pool.HelloName, "pool.hello_name"); err != nil {
			result.AddError("pool.hello_name", c.Pool.HelloName, err.Error())
		}
	}
	if c.Pool.IdleTimeoutSeconds <= 0 {
		result.AddWarning("pool.idle_timeout_seconds", c.Pool.IdleTimeoutSeconds, "non-positive idle timeout closes connections immediately")
	}
}

func (c *Config) validateForwarder(result *ValidationResult, sv *SecurityValidator) {
	if c.Forwarder.PostURL == "" {
		result.AddWarning("forwarder.post_url", c.Forwarder.PostURL, "event forwarding disabled: no post url configured")
		return
	}
	c.Forwarder.PostURL = sv.SanitizeString(c.Forwarder.PostURL)
	if !strings.HasPrefix(c.Forwarder.PostURL, "http://") && !strings.HasPrefix(c.Forwarder.PostURL, "https://") {
		result.AddError("forwarder.post_url", c.Forwarder.PostURL, "post_url must start with http:// or https://")
	}
	if err := sv.ValidateNumericBounds(int64(c.Forwarder.BatchSize), "forwarder.batch_size", 1, 10000); err != nil {
		result.AddError("forwarder.batch_size", c.Forwarder.BatchSize, err.Error())
	}
	if err := sv.ValidateNumericBounds(int64(c.Forwarder.FanOut), "forwarder.fan_out", 1, 10000); err != nil {
		result.AddError("forwarder.fan_out", c.Forwarder.FanOut, err.Error())
	}
}

func (c *Config) validateBroker(result *ValidationResult, sv *SecurityValidator) {
	c.validateBackendSection("broker", c.Broker.Backend, c.Broker.RedisURL, result, sv)
}

func (c *Config) validateEventStore(result *ValidationResult, sv *SecurityValidator) {
	c.validateBackendSection("event_store", c.EventStore.Backend, c.EventStore.RedisURL, result, sv)
}

func (c *Config) validateBackendSection(section, backend, redisURL string, result *ValidationResult, sv *SecurityValidator) {
	validBackends := []string{"memory", "redis"}
	if backend != "" && !contains(validBackends, backend) {
		result.AddError(section+".backend", backend, fmt.Sprintf("invalid backend, must be one of: %s", strings.Join(validBackends, ", ")))
		return
	}
	if backend == "redis" && redisURL == "" {
		result.AddError(section+".redis_url", redisURL, "redis_url is required when backend is \"redis\"")
	}
}

func (c *Config) validateLogging(result *ValidationResult, sv *SecurityValidator) {
	validLevels := []string{"debug", "info", "warn", "error"}
	if c.Logging.Level != "" && !contains(validLevels, c.Logging.Level) {
		result.AddError("logging.level", c.Logging.Level, fmt.Sprintf("invalid log level, must be one of: %s", strings.Join(validLevels, ", ")))
	}

	validFormats := []string{"text", "json"}
	if c.Logging.Format != "" && !contains(validFormats, c.Logging.Format) {
		result.AddError("logging.format", c.Logging.Format, fmt.Sprintf("invalid log format, must be one of: %s", strings.Join(validFormats, ", ")))
	}
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
