package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestDefault(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, Default(), cfg)
	assert.Equal(t, "127.0.0.1:8080", cfg.Listen)
	assert.Equal(t, "/tmp/sshx-host-runner-read", cfg.Pipe.WriterPath)
	assert.Equal(t, "/tmp/sshx-host-runner-write", cfg.Pipe.ReaderPath)
	assert.Equal(t, time.Second, cfg.Bridge.Timeout)
	assert.Equal(t, 30*time.Second, cfg.Stream.KeepAliveInterval)
	assert.False(t, cfg.TLS.Enabled())
}

func TestLoadPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipebridge.yaml")
	err := os.WriteFile(path, []byte(`
listen: 0.0.0.0:9000
log_level: debug
pipe:
  writer_path: /run/host/in
  reader_path: /run/host/out
bridge:
  timeout: 2s
stream:
  keep_alive_interval: 1m
`), 0o600)
	require.NoError(t, err)

	t.Setenv("PIPEBRIDGE_BRIDGE_TIMEOUT", "500ms")
	t.Setenv("PIPEBRIDGE_PIPE_READER_PATH", "/run/host/out2")

	cfg, err := Load(path, map[string]any{"listen": "127.0.0.1:9001"})
	require.NoError(t, err)

	// flags beat env, env beats the file, the file beats defaults
	assert.Equal(t, "127.0.0.1:9001", cfg.Listen)
	assert.Equal(t, 500*time.Millisecond, cfg.Bridge.Timeout)
	assert.Equal(t, "/run/host/out2", cfg.Pipe.ReaderPath)
	assert.Equal(t, "/run/host/in", cfg.Pipe.WriterPath)
	assert.Equal(t, time.Minute, cfg.Stream.KeepAliveInterval)
	assert.Equal(t, 10*time.Second, cfg.Bridge.MaxWait)

	l, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, l)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	require.ErrorContains(t, err, "reading config file")
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		modify func(c *Config)
		expErr string
	}{
		{
			name:   "empty listen address",
			modify: func(c *Config) { c.Listen = "" },
			expErr: "listen address",
		},
		{
			name:   "empty pipe path",
			modify: func(c *Config) { c.Pipe.ReaderPath = "" },
			expErr: "pipe paths",
		},
		{
			name:   "same pipe for both directions",
			modify: func(c *Config) { c.Pipe.ReaderPath = c.Pipe.WriterPath },
			expErr: "must differ",
		},
		{
			name:   "zero timeout",
			modify: func(c *Config) { c.Bridge.Timeout = 0 },
			expErr: "bridge timeout",
		},
		{
			name:   "negative max wait",
			modify: func(c *Config) { c.Bridge.MaxWait = -time.Second },
			expErr: "max wait",
		},
		{
			name:   "zero keep-alive interval",
			modify: func(c *Config) { c.Stream.KeepAliveInterval = 0 },
			expErr: "keep-alive interval",
		},
		{
			name:   "cert without key",
			modify: func(c *Config) { c.TLS.CertFile = "server.pem" },
			expErr: "set together",
		},
		{
			name:   "client CA without server cert",
			modify: func(c *Config) { c.TLS.ClientCAFile = "ca.pem" },
			expErr: "client CA",
		},
		{
			name:   "unknown log level",
			modify: func(c *Config) { c.LogLevel = "chatty" },
			expErr: "log level",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := Default()
			c.modify(cfg)
			err := cfg.Validate()
			require.ErrorContains(t, err, c.expErr)
		})
	}

	t.Run("full TLS", func(t *testing.T) {
		cfg := Default()
		cfg.TLS = TLSConfig{CertFile: "server.pem", KeyFile: "server-key.pem", ClientCAFile: "ca.pem"}
		require.NoError(t, cfg.Validate())
		assert.True(t, cfg.TLS.Enabled())
	})
}
