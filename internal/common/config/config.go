// Package config provides configuration management for the orchestrator.
// It supports loading configuration from environment variables, config files,
// and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the orchestrator.
type Config struct {
	Endpoints   EndpointsConfig    `mapstructure:"endpoints"`
	Logging     LoggingConfig      `mapstructure:"logging"`
	NATS        NATSConfig         `mapstructure:"nats"`
	Timeouts    TimeoutsConfig     `mapstructure:"timeouts"`
	Telemetry   TelemetryConfig    `mapstructure:"telemetry"`
	Peers       PeersConfig        `mapstructure:"peers"`
	ToolServers []ToolServerConfig `mapstructure:"toolServers"`
}

// EndpointsConfig holds the three hub listen endpoints.
type EndpointsConfig struct {
	Host        string `mapstructure:"host"`
	AgentPort   int    `mapstructure:"agentPort"`
	ClientPort  int    `mapstructure:"clientPort"`
	ServicePort int    `mapstructure:"servicePort"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// NATSConfig holds the optional NATS event-bus configuration. When URL is
// empty the orchestrator uses the in-memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// TimeoutsConfig holds the deadlines applied to awaited responses.
type TimeoutsConfig struct {
	ResponseSeconds   int `mapstructure:"responseSeconds"`   // default 30
	ToolCallSeconds   int `mapstructure:"toolCallSeconds"`   // default 60
	DisconnectGraceMs int `mapstructure:"disconnectGraceMs"` // default 0
}

// TelemetryConfig holds OpenTelemetry trace export configuration.
type TelemetryConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"` // OTLP/HTTP endpoint host:port
}

// PeersConfig declares agents and services known ahead of registration.
// A registering peer whose name matches a pre-configured entry reuses the
// configured id and inherits the configured capabilities.
type PeersConfig struct {
	Agents   []PeerConfig `mapstructure:"agents"`
	Services []PeerConfig `mapstructure:"services"`
}

// PeerConfig pre-configures a single peer.
type PeerConfig struct {
	ID           string                 `mapstructure:"id"`
	Name         string                 `mapstructure:"name"`
	Capabilities []string               `mapstructure:"capabilities"`
	Metadata     map[string]interface{} `mapstructure:"metadata"`
}

// ToolServerConfig pre-registers an MCP tool server. Either Command (plus
// optional Args) or Path+Type must be set.
type ToolServerConfig struct {
	Name    string            `mapstructure:"name"`
	Command string            `mapstructure:"command"`
	Args    []string          `mapstructure:"args"`
	Path    string            `mapstructure:"path"`
	Type    string            `mapstructure:"type"` // python, node, custom
	Env     map[string]string `mapstructure:"env"`
}

// ResponseTimeout returns the default awaited-response deadline.
func (t *TimeoutsConfig) ResponseTimeout() time.Duration {
	if t.ResponseSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(t.ResponseSeconds) * time.Second
}

// ToolCallTimeout returns the deadline for tool-server calls.
func (t *TimeoutsConfig) ToolCallTimeout() time.Duration {
	if t.ToolCallSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(t.ToolCallSeconds) * time.Second
}

// DisconnectGrace returns how long an in-progress task survives its agent's
// disconnect before being failed.
func (t *TimeoutsConfig) DisconnectGrace() time.Duration {
	if t.DisconnectGraceMs <= 0 {
		return 0
	}
	return time.Duration(t.DisconnectGraceMs) * time.Millisecond
}

// Load reads configuration from default locations.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("HIVEGRID")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not handle camelCase keys, so bind them explicitly.
	_ = v.BindEnv("endpoints.agentPort", "HIVEGRID_ENDPOINTS_AGENT_PORT")
	_ = v.BindEnv("endpoints.clientPort", "HIVEGRID_ENDPOINTS_CLIENT_PORT")
	_ = v.BindEnv("endpoints.servicePort", "HIVEGRID_ENDPOINTS_SERVICE_PORT")
	_ = v.BindEnv("nats.url", "HIVEGRID_NATS_URL")
	_ = v.BindEnv("telemetry.endpoint", "HIVEGRID_TELEMETRY_ENDPOINT")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/hivegrid/")

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

func setDefaults(v *viper.Viper) {
	v.SetDefault("endpoints.host", "0.0.0.0")
	v.SetDefault("endpoints.agentPort", 3000)
	v.SetDefault("endpoints.clientPort", 3001)
	v.SetDefault("endpoints.servicePort", 3002)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "")
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "hivegrid")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("timeouts.responseSeconds", 30)
	v.SetDefault("timeouts.toolCallSeconds", 60)
	v.SetDefault("timeouts.disconnectGraceMs", 0)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.endpoint", "localhost:4318")
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	ports := map[string]int{
		"endpoints.agentPort":   cfg.Endpoints.AgentPort,
		"endpoints.clientPort":  cfg.Endpoints.ClientPort,
		"endpoints.servicePort": cfg.Endpoints.ServicePort,
	}
	seen := make(map[int]string, len(ports))
	for key, port := range ports {
		if port <= 0 || port > 65535 {
			errs = append(errs, fmt.Sprintf("%s must be between 1 and 65535", key))
			continue
		}
		if other, dup := seen[port]; dup {
			errs = append(errs, fmt.Sprintf("%s and %s use the same port %d", key, other, port))
		}
		seen[port] = key
	}

	for i, ts := range cfg.ToolServers {
		if ts.Name == "" {
			errs = append(errs, fmt.Sprintf("toolServers[%d].name is required", i))
		}
		if ts.Command == "" && ts.Path == "" {
			errs = append(errs, fmt.Sprintf("toolServers[%d] needs command or path", i))
		}
		if ts.Command == "" && ts.Path != "" && ts.Type != "python" && ts.Type != "node" {
			errs = append(errs, fmt.Sprintf("toolServers[%d].type must be python or node when only path is set", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
