package config

import (
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/chatwidget/internal/backend"
)

const tomlConfig = `
[backend]
base_url = "https://support.example.com"
inbox_identifier = "${TEST_INBOX}"
surface = "proxy"
request_timeout = "5s"

[realtime]
url = "wss://support.example.com/cable"
transport = "gobwas"

[reveal]
interval = "30ms"

[storage]
driver = "sqlite"
path = "/tmp/identity.db"

[logging]
level = "debug"
`

const yamlConfig = `
backend:
  base_url: "http://localhost:3000"
  inbox_identifier: "inbox-yaml"
realtime:
  url: "ws://localhost:3000/cable"
  channel: "WidgetChannel"
  handshake_timeout: "2s"
storage:
  driver: memory
session:
  error_message: "Lo siento, hubo un error al procesar tu mensaje."
`

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_TOML(t *testing.T) {
	t.Setenv("TEST_INBOX", "inbox-from-env")

	cfg, err := Load(writeConfig(t, "widget.toml", tomlConfig))
	require.NoError(t, err)

	assert.Equal(t, "https://support.example.com", cfg.Backend.BaseURL)
	assert.Equal(t, "inbox-from-env", cfg.Backend.InboxIdentifier)
	assert.Equal(t, "proxy", cfg.Backend.Surface)
	assert.Equal(t, 5*time.Second, cfg.Backend.RequestTimeout.Std())
	assert.Equal(t, TransportGobwas, cfg.Realtime.Transport)
	assert.Equal(t, "RoomChannel", cfg.Realtime.Channel, "default channel kept")
	assert.Equal(t, 10*time.Second, cfg.Realtime.HandshakeTimeout.Std(), "default handshake timeout kept")
	assert.Equal(t, 30*time.Millisecond, cfg.Reveal.Interval.Std())
	assert.Equal(t, StorageSQLite, cfg.Storage.Driver)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, DefaultErrorMessage, cfg.Session.ErrorMessage)
}

func TestLoad_YAML(t *testing.T) {
	cfg, err := Load(writeConfig(t, "widget.yaml", yamlConfig))
	require.NoError(t, err)

	assert.Equal(t, "inbox-yaml", cfg.Backend.InboxIdentifier)
	assert.Equal(t, string(backend.SurfacePublic), cfg.Backend.Surface)
	assert.Equal(t, "WidgetChannel", cfg.Realtime.Channel)
	assert.Equal(t, 2*time.Second, cfg.Realtime.HandshakeTimeout.Std())
	assert.Equal(t, StorageMemory, cfg.Storage.Driver)
	assert.Equal(t, "Lo siento, hubo un error al procesar tu mensaje.", cfg.Session.ErrorMessage)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestParse_UnsupportedExtension(t *testing.T) {
	_, err := Parse(".json", "{}")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported config format")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Backend.BaseURL = "http://localhost:3000"
		cfg.Backend.InboxIdentifier = "inbox"
		cfg.Realtime.URL = "ws://localhost:3000/cable"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing base url", func(c *Config) { c.Backend.BaseURL = "" }, "backend.base_url is required"},
		{"bad base url scheme", func(c *Config) { c.Backend.BaseURL = "ftp://x" }, "http or https"},
		{"missing inbox", func(c *Config) { c.Backend.InboxIdentifier = "" }, "inbox_identifier"},
		{"unknown surface", func(c *Config) { c.Backend.Surface = "graphql" }, "backend.surface"},
		{"missing realtime url", func(c *Config) { c.Realtime.URL = "" }, "realtime.url is required"},
		{"http realtime url", func(c *Config) { c.Realtime.URL = "http://x/cable" }, "ws or wss"},
		{"unknown transport", func(c *Config) { c.Realtime.Transport = "sse" }, "realtime.transport"},
		{"zero reveal interval", func(c *Config) { c.Reveal.Interval = 0 }, "reveal.interval"},
		{"negative timeout", func(c *Config) { c.Backend.RequestTimeout = Duration(-time.Second) }, "request_timeout"},
		{"file storage without path", func(c *Config) { c.Storage.Path = "" }, "storage.path"},
		{"unknown storage", func(c *Config) { c.Storage.Driver = "redis" }, "storage.driver"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_KeepsURLCause(t *testing.T) {
	cfg := Default()
	cfg.Backend.BaseURL = "http://[::1"
	cfg.Backend.InboxIdentifier = "inbox"
	cfg.Realtime.URL = "ws://localhost:3000/cable"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend.base_url is not a valid URL")

	var urlErr *url.Error
	assert.True(t, errors.As(err, &urlErr), "cause = %T", errors.Cause(err))
}

func TestSessionConfig(t *testing.T) {
	cfg := Default()
	cfg.Backend.BaseURL = "http://localhost:3000"
	cfg.Backend.InboxIdentifier = "inbox"
	cfg.Realtime.URL = "ws://localhost:3000/cable"

	sc := cfg.SessionConfig()
	assert.Equal(t, "inbox", sc.InboxIdentifier)
	assert.Equal(t, backend.SurfacePublic, sc.Surface)
	assert.Equal(t, "RoomChannel", sc.ChannelName)
	assert.Equal(t, 20*time.Millisecond, sc.RevealInterval)
	assert.Equal(t, DefaultErrorMessage, sc.ErrorMessage)
}
