// Package config handles configuration management for timeprobe
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ConfigFileName = "config.yaml"
	DataDirName    = ".timeprobe"
	LogFileName    = "timeprobe.log"
	SessionDirName = "sessions"

	DefaultNTPPort = 123
)

// ErrConfigInvalid is wrapped by every Validate failure.
var ErrConfigInvalid = errors.New("config: invalid configuration")

// Config represents the main configuration structure
type Config struct {
	mu sync.RWMutex `yaml:"-"`

	// Exchange and polling settings
	Client ClientConfig `yaml:"client"`

	// NTP servers to query, tried in priority order
	Servers []ServerConfig `yaml:"servers"`

	// Logging settings
	Logging LoggingConfig `yaml:"logging"`

	// Prometheus exporter
	Metrics MetricsConfig `yaml:"metrics"`

	// Loopback responder used for local testing
	Responder ResponderConfig `yaml:"responder"`

	// Session recording
	Session SessionConfig `yaml:"session"`
}

// ClientConfig holds exchange settings
type ClientConfig struct {
	// Per-datagram timeout; zero blocks until a reply or failure
	Timeout time.Duration `yaml:"timeout"`

	// Exchanges per server per poll; the lowest-delay one is kept
	Samples int `yaml:"samples"`

	// Additional attempts per sample after a failure
	Retries int `yaml:"retries"`

	// Interval between polls in watch mode
	PollInterval time.Duration `yaml:"poll_interval"`

	// Pause between samples of one poll
	SampleSpacing time.Duration `yaml:"sample_spacing"`

	// Number of accepted samples kept for display
	History int `yaml:"history"`
}

// ServerConfig represents a single NTP server
type ServerConfig struct {
	// Server address (hostname or IP)
	Address string `yaml:"address"`

	// Port (default: 123)
	Port int `yaml:"port"`

	// Priority (lower = higher priority)
	Priority int `yaml:"priority"`

	// Enabled status
	Enabled bool `yaml:"enabled"`
}

// HostPort returns address:port. An address that already carries a port
// is returned unchanged.
func (s ServerConfig) HostPort() string {
	if _, _, err := net.SplitHostPort(s.Address); err == nil {
		return s.Address
	}
	port := s.Port
	if port == 0 {
		port = DefaultNTPPort
	}
	return net.JoinHostPort(s.Address, strconv.Itoa(port))
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	// Log level (debug, info, warn, error)
	Level string `yaml:"level"`

	// Console format (text, json)
	Format string `yaml:"format"`

	// Log to file in the data directory
	LogToFile bool `yaml:"log_to_file"`

	// Maximum log entries to keep in memory
	MaxLogEntries int `yaml:"max_log_entries"`

	// File rotation
	Rotation RotationConfig `yaml:"rotation"`
}

// RotationConfig controls log file rotation
type RotationConfig struct {
	MaxSizeMB  int  `yaml:"max_size_mb"`
	MaxBackups int  `yaml:"max_backups"`
	MaxAgeDays int  `yaml:"max_age_days"`
	Compress   bool `yaml:"compress"`
}

// MetricsConfig holds the Prometheus endpoint settings
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

// ResponderConfig configures the loopback NTP responder
type ResponderConfig struct {
	// Listen address, e.g. 127.0.0.1:1123
	Listen string `yaml:"listen"`

	// Stratum to report
	Stratum int `yaml:"stratum"`

	// Reference ID (ASCII for stratum 1, dotted IPv4 otherwise)
	ReferenceID string `yaml:"reference_id"`

	// Fixed skew added to the responder's clock
	Skew time.Duration `yaml:"skew"`

	// Reply with a Kiss-of-Death packet carrying this code
	KissCode string `yaml:"kiss_code"`
}

// SessionConfig holds session recording settings
type SessionConfig struct {
	Record bool `yaml:"record"`
}

// DefaultConfig returns a new Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Client: ClientConfig{
			Timeout:       5 * time.Second,
			Samples:       4,
			Retries:       1,
			PollInterval:  64 * time.Second,
			SampleSpacing: 250 * time.Millisecond,
			History:       32,
		},
		Servers: []ServerConfig{
			{Address: "time.google.com", Port: 123, Priority: 1, Enabled: true},
			{Address: "time.cloudflare.com", Port: 123, Priority: 2, Enabled: true},
			{Address: "pool.ntp.org", Port: 123, Priority: 3, Enabled: true},
		},
		Logging: LoggingConfig{
			Level:         "info",
			Format:        "text",
			LogToFile:     false,
			MaxLogEntries: 1000,
			Rotation: RotationConfig{
				MaxSizeMB:  10,
				MaxBackups: 3,
				MaxAgeDays: 28,
			},
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9123",
			Path:    "/metrics",
		},
		Responder: ResponderConfig{
			Listen:      "127.0.0.1:1123",
			Stratum:     1,
			ReferenceID: "LOCL",
		},
	}
}

// GetDataDir returns the data directory path
func GetDataDir() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}
	return filepath.Join(cwd, DataDirName), nil
}

// EnsureDataDir creates the data directory and its session subdirectory
func EnsureDataDir() (string, error) {
	dataDir, err := GetDataDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Join(dataDir, SessionDirName), 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	return dataDir, nil
}

// DefaultPath returns the path to the config file in the data directory
func DefaultPath() (string, error) {
	dataDir, err := GetDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, ConfigFileName), nil
}

// Load reads configuration from path. An empty path means the data
// directory; a missing file yields the defaults, which are written back.
func Load(path string) (*Config, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg := DefaultConfig()
		if err := cfg.Save(path); err != nil {
			return nil, fmt.Errorf("failed to save default config: %w", err)
		}
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig() // Start with defaults
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to path, creating parent directories
func (c *Config) Save(path string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# timeprobe configuration file\n\n")
	if err := os.WriteFile(path, append(header, data...), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GetYAML returns the config as YAML string
func (c *Config) GetYAML() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Validate checks value ranges
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var problems []string
	if c.Client.Timeout < 0 {
		problems = append(problems, "client.timeout must not be negative")
	}
	if c.Client.Samples < 1 {
		problems = append(problems, "client.samples must be at least 1")
	}
	if c.Client.Retries < 0 {
		problems = append(problems, "client.retries must not be negative")
	}
	if c.Client.PollInterval <= 0 {
		problems = append(problems, "client.poll_interval must be positive")
	}
	for i, s := range c.Servers {
		if strings.TrimSpace(s.Address) == "" {
			problems = append(problems, fmt.Sprintf("servers[%d].address is empty", i))
		}
		if s.Port < 0 || s.Port > 65535 {
			problems = append(problems, fmt.Sprintf("servers[%d].port %d out of range", i, s.Port))
		}
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		problems = append(problems, fmt.Sprintf("logging.level %q unknown", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("logging.format %q unknown", c.Logging.Format))
	}
	if c.Responder.Stratum < 0 || c.Responder.Stratum > 255 {
		problems = append(problems, "responder.stratum out of range")
	}
	if len(c.Responder.KissCode) > 4 {
		problems = append(problems, "responder.kiss_code longer than 4 characters")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrConfigInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// ActiveServers returns enabled servers sorted by priority
func (c *Config) ActiveServers() []ServerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var active []ServerConfig
	for _, s := range c.Servers {
		if s.Enabled {
			if s.Port == 0 {
				s.Port = DefaultNTPPort
			}
			active = append(active, s)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		return active[i].Priority < active[j].Priority
	})
	return active
}

// SetServers replaces the server list, e.g. with one given on the command line
func (c *Config) SetServers(servers []ServerConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Servers = servers
}

// GetOSInfo returns OS-specific information
func GetOSInfo() string {
	return fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH)
}
