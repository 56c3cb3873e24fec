// ABOUTME: Configuration loading and parsing for cruse
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/cruse/internal/channel"
)

// Defaults applied to fields left empty.
const (
	DefaultHTTPAddr       = "localhost:8090"
	DefaultDatabasePath   = "cruse.db"
	DefaultDatabaseDriver = "sqlite"
	DefaultWSProtocol     = "ws"
	DefaultWSHost         = "localhost"
	DefaultWSPort         = 4173
	DefaultWSPath         = "/api/v1/ws"
	DefaultAPIBase        = "http://localhost:4173/api/v1"
	DefaultThemeTransport = "oneshot"
	DefaultTimeout        = 5 * time.Second
	DefaultContextTurns   = 5
	DefaultIntent         = "Assist the user with their request"
)

// Config represents the complete cruse configuration
type Config struct {
	Server      ServerConfig      `yaml:"server" toml:"server"`
	Database    DatabaseConfig    `yaml:"database" toml:"database"`
	Agents      AgentsConfig      `yaml:"agents" toml:"agents"`
	Negotiation NegotiationConfig `yaml:"negotiation" toml:"negotiation"`
	Store       StoreConfig       `yaml:"store" toml:"store"`
	Auth        AuthConfig        `yaml:"auth" toml:"auth"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
}

// ServerConfig holds the gateway listen addresses
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	// GRPCAddr serves the gRPC health service. Empty disables it.
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
	// Driver is "sqlite" (pure Go) or "sqlite3" (cgo).
	Driver string `yaml:"driver" toml:"driver"`
}

// AgentsConfig locates the agent server and names the side agents
type AgentsConfig struct {
	WSProtocol string `yaml:"ws_protocol" toml:"ws_protocol"`
	WSHost     string `yaml:"ws_host" toml:"ws_host"`
	WSPort     int    `yaml:"ws_port" toml:"ws_port"`
	WSPath     string `yaml:"ws_path" toml:"ws_path"`

	APIBase  string `yaml:"api_base" toml:"api_base"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`

	WidgetAgent    string `yaml:"widget_agent" toml:"widget_agent"`
	ThemeAgent     string `yaml:"theme_agent" toml:"theme_agent"`
	ThemeTransport string `yaml:"theme_transport" toml:"theme_transport"`
}

// ChannelBase returns the websocket base target for agent channels.
func (a AgentsConfig) ChannelBase() channel.Target {
	return channel.Target{
		Protocol: a.WSProtocol,
		Host:     a.WSHost,
		Port:     a.WSPort,
		Path:     a.WSPath,
	}
}

// NegotiationConfig holds side-agent negotiation settings
type NegotiationConfig struct {
	Timeout time.Duration `yaml:"-" toml:"-"`

	// Raw string value for unmarshaling
	TimeoutRaw string `yaml:"timeout" toml:"timeout"`

	ContextTurns  int    `yaml:"context_turns" toml:"context_turns"`
	DefaultIntent string `yaml:"default_intent" toml:"default_intent"`
}

// StoreConfig selects where chat sessions keep threads
type StoreConfig struct {
	// URL of a cruse thread API. Empty opens the local database.
	URL string `yaml:"url" toml:"url"`
	// Token is sent as a bearer token to URL.
	Token string `yaml:"token" toml:"token"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Files ending in .toml are parsed as TOML, anything else as YAML.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// LoadOrDefault loads path, returning Default() when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Database.Path == "" {
		c.Database.Path = DefaultDatabasePath
	}
	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDatabaseDriver
	}

	if c.Agents.WSProtocol == "" {
		c.Agents.WSProtocol = DefaultWSProtocol
	}
	if c.Agents.WSHost == "" {
		c.Agents.WSHost = DefaultWSHost
	}
	if c.Agents.WSPort == 0 {
		c.Agents.WSPort = DefaultWSPort
	}
	if c.Agents.WSPath == "" {
		c.Agents.WSPath = DefaultWSPath
	}
	if c.Agents.APIBase == "" {
		c.Agents.APIBase = DefaultAPIBase
	}
	if c.Agents.ThemeTransport == "" {
		c.Agents.ThemeTransport = DefaultThemeTransport
	}

	if c.Negotiation.Timeout == 0 {
		c.Negotiation.Timeout = DefaultTimeout
	}
	if c.Negotiation.ContextTurns == 0 {
		c.Negotiation.ContextTurns = DefaultContextTurns
	}
	if c.Negotiation.DefaultIntent == "" {
		c.Negotiation.DefaultIntent = DefaultIntent
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all configuration fields are valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	switch c.Database.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("database.driver must be sqlite or sqlite3, got %q", c.Database.Driver)
	}

	switch c.Agents.WSProtocol {
	case "ws", "wss":
	default:
		return fmt.Errorf("agents.ws_protocol must be ws or wss, got %q", c.Agents.WSProtocol)
	}
	if c.Agents.WSHost == "" {
		return fmt.Errorf("agents.ws_host is required")
	}
	if c.Agents.WSPort < 0 || c.Agents.WSPort > 65535 {
		return fmt.Errorf("agents.ws_port %d out of range", c.Agents.WSPort)
	}
	switch c.Agents.ThemeTransport {
	case "oneshot", "channel":
	default:
		return fmt.Errorf("agents.theme_transport must be oneshot or channel, got %q", c.Agents.ThemeTransport)
	}

	if c.Negotiation.Timeout < 0 {
		return fmt.Errorf("negotiation.timeout must be positive")
	}
	if c.Negotiation.ContextTurns < 1 {
		return fmt.Errorf("negotiation.context_turns must be at least 1")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	if cfg.Negotiation.TimeoutRaw != "" {
		d, err := time.ParseDuration(cfg.Negotiation.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing negotiation.timeout %q: %w", cfg.Negotiation.TimeoutRaw, err)
		}
		cfg.Negotiation.Timeout = d
	}
	return nil
}
