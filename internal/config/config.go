// Package config loads the widget client configuration from TOML or YAML
// files with ${VAR} environment expansion.
package config

import (
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/omochice/chatwidget/internal/backend"
	"github.com/omochice/chatwidget/internal/session"
)

// Storage drivers.
const (
	StorageMemory = "memory"
	StorageFile   = "file"
	StorageSQLite = "sqlite"
)

// Realtime transports.
const (
	TransportWS     = "ws"
	TransportGobwas = "gobwas"
)

// DefaultErrorMessage replaces the pending reply when a send fails.
const DefaultErrorMessage = "Sorry, something went wrong while sending your message."

// DefaultProvisioningNotice is shown when no contact could be provisioned.
const DefaultProvisioningNotice = "Chat is unavailable right now. Please reset to try again."

// Config represents the complete widget client configuration
type Config struct {
	Backend  BackendConfig  `toml:"backend" yaml:"backend"`
	Realtime RealtimeConfig `toml:"realtime" yaml:"realtime"`
	Reveal   RevealConfig   `toml:"reveal" yaml:"reveal"`
	Storage  StorageConfig  `toml:"storage" yaml:"storage"`
	Session  SessionConfig  `toml:"session" yaml:"session"`
	Logging  LoggingConfig  `toml:"logging" yaml:"logging"`
	Metrics  MetricsConfig  `toml:"metrics" yaml:"metrics"`
}

// BackendConfig holds the REST endpoint configuration
type BackendConfig struct {
	BaseURL         string   `toml:"base_url" yaml:"base_url"`
	InboxIdentifier string   `toml:"inbox_identifier" yaml:"inbox_identifier"`
	Surface         string   `toml:"surface" yaml:"surface"`
	RequestTimeout  Duration `toml:"request_timeout" yaml:"request_timeout"`
}

// RealtimeConfig holds the subscription socket configuration
type RealtimeConfig struct {
	URL              string   `toml:"url" yaml:"url"`
	Channel          string   `toml:"channel" yaml:"channel"`
	Transport        string   `toml:"transport" yaml:"transport"`
	HandshakeTimeout Duration `toml:"handshake_timeout" yaml:"handshake_timeout"`
}

// RevealConfig holds the incremental reveal timing
type RevealConfig struct {
	Interval Duration `toml:"interval" yaml:"interval"`
}

// StorageConfig selects where the visitor identity is persisted
type StorageConfig struct {
	Driver string `toml:"driver" yaml:"driver"`
	Path   string `toml:"path" yaml:"path"`
}

// SessionConfig holds user-visible strings
type SessionConfig struct {
	ErrorMessage       string `toml:"error_message" yaml:"error_message"`
	ProvisioningNotice string `toml:"provisioning_notice" yaml:"provisioning_notice"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
}

// MetricsConfig holds the optional metrics listener
type MetricsConfig struct {
	Addr string `toml:"addr" yaml:"addr"`
}

// Duration is a time.Duration decoded from strings such as "15s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Load reads a configuration file from the given path and returns a parsed Config.
// The format is chosen by extension: .toml, or .yaml/.yml.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading config file")
	}

	cfg, err := Parse(filepath.Ext(path), expandEnvVars(string(data)))
	if err != nil {
		return nil, errors.Wrapf(err, "loading %s", path)
	}
	return cfg, nil
}

// Parse decodes already-expanded content in the format named by ext.
func Parse(ext, content string) (*Config, error) {
	cfg := Default()

	switch strings.ToLower(ext) {
	case ".toml":
		if _, err := toml.Decode(content, cfg); err != nil {
			return nil, errors.Wrap(err, "parsing toml")
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
			return nil, errors.Wrap(err, "parsing yaml")
		}
	default:
		return nil, errors.Errorf("unsupported config format %q", ext)
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "validating config")
	}
	return cfg, nil
}

// Default returns a Config populated with default values.
func Default() *Config {
	return &Config{
		Backend: BackendConfig{
			Surface:        string(backend.SurfacePublic),
			RequestTimeout: Duration(15 * time.Second),
		},
		Realtime: RealtimeConfig{
			Channel:          "RoomChannel",
			Transport:        TransportWS,
			HandshakeTimeout: Duration(10 * time.Second),
		},
		Reveal: RevealConfig{Interval: Duration(20 * time.Millisecond)},
		Storage: StorageConfig{
			Driver: StorageFile,
			Path:   filepath.Join(dataDir(), "identity.pb"),
		},
		Session: SessionConfig{
			ErrorMessage:       DefaultErrorMessage,
			ProvisioningNotice: DefaultProvisioningNotice,
		},
		Logging: LoggingConfig{Level: "info", Format: "console"},
	}
}

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(varName)
	})
}

// Validate checks that required config fields are present and valid.
func (c *Config) Validate() error {
	if c.Backend.BaseURL == "" {
		return errors.New("backend.base_url is required")
	}
	u, err := url.Parse(c.Backend.BaseURL)
	if err != nil {
		return errors.Wrap(err, "backend.base_url is not a valid URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("backend.base_url must use http or https scheme")
	}
	if c.Backend.InboxIdentifier == "" {
		return errors.New("backend.inbox_identifier is required")
	}
	switch backend.Surface(c.Backend.Surface) {
	case backend.SurfacePublic, backend.SurfaceProxy:
	default:
		return errors.Errorf("backend.surface must be %q or %q", backend.SurfacePublic, backend.SurfaceProxy)
	}

	if c.Realtime.URL == "" {
		return errors.New("realtime.url is required")
	}
	ru, err := url.Parse(c.Realtime.URL)
	if err != nil {
		return errors.Wrap(err, "realtime.url is not a valid URL")
	}
	if ru.Scheme != "ws" && ru.Scheme != "wss" {
		return errors.New("realtime.url must use ws or wss scheme")
	}
	if c.Realtime.Channel == "" {
		return errors.New("realtime.channel is required")
	}
	if c.Realtime.Transport != TransportWS && c.Realtime.Transport != TransportGobwas {
		return errors.Errorf("realtime.transport must be %q or %q", TransportWS, TransportGobwas)
	}

	if c.Backend.RequestTimeout <= 0 {
		return errors.New("backend.request_timeout must be positive")
	}
	if c.Realtime.HandshakeTimeout <= 0 {
		return errors.New("realtime.handshake_timeout must be positive")
	}
	if c.Reveal.Interval <= 0 {
		return errors.New("reveal.interval must be positive")
	}

	switch c.Storage.Driver {
	case StorageMemory:
	case StorageFile, StorageSQLite:
		if c.Storage.Path == "" {
			return errors.Errorf("storage.path is required for driver %q", c.Storage.Driver)
		}
	default:
		return errors.Errorf("storage.driver must be one of %q, %q, %q", StorageMemory, StorageFile, StorageSQLite)
	}
	return nil
}

// SessionConfig converts the file configuration into the orchestrator's config.
func (c *Config) SessionConfig() session.Config {
	return session.Config{
		BaseURL:            c.Backend.BaseURL,
		InboxIdentifier:    c.Backend.InboxIdentifier,
		Surface:            backend.Surface(c.Backend.Surface),
		RequestTimeout:     c.Backend.RequestTimeout.Std(),
		RealtimeURL:        c.Realtime.URL,
		ChannelName:        c.Realtime.Channel,
		HandshakeTimeout:   c.Realtime.HandshakeTimeout.Std(),
		RevealInterval:     c.Reveal.Interval.Std(),
		ErrorMessage:       c.Session.ErrorMessage,
		ProvisioningNotice: c.Session.ProvisioningNotice,
	}
}

// dataDir returns the per-user data directory.
// Priority: XDG_DATA_HOME/chatwidget > ~/.local/share/chatwidget
func dataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dir, "chatwidget")
}
