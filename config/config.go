// Package config loads pipebridge settings from defaults, an optional config file, and PIPEBRIDGE_* environment
// variables, in increasing order of precedence. Command-line flags are applied on top as overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/guseggert/pipebridge/agent"
	"github.com/guseggert/pipebridge/bridge"
	"github.com/guseggert/pipebridge/pipe"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

const EnvPrefix = "PIPEBRIDGE"

type Config struct {
	Listen   string       `mapstructure:"listen"`
	LogLevel string       `mapstructure:"log_level"`
	Pipe     PipeConfig   `mapstructure:"pipe"`
	Bridge   BridgeConfig `mapstructure:"bridge"`
	Stream   StreamConfig `mapstructure:"stream"`
	TLS      TLSConfig    `mapstructure:"tls"`
}

// PipeConfig holds the FIFO paths, named from the host's point of view like the paths themselves.
type PipeConfig struct {
	// WriterPath is the pipe the bridge writes commands to.
	WriterPath string `mapstructure:"writer_path"`
	// ReaderPath is the pipe the bridge reads responses from.
	ReaderPath string `mapstructure:"reader_path"`
}

type BridgeConfig struct {
	// Timeout bounds the write and the read of an exchange, each.
	Timeout time.Duration `mapstructure:"timeout"`
	// MaxWait bounds how long an exchange queues behind another one.
	MaxWait time.Duration `mapstructure:"max_wait"`
}

type StreamConfig struct {
	KeepAliveInterval time.Duration `mapstructure:"keep_alive_interval"`
}

// TLSConfig enables HTTPS when CertFile and KeyFile are set, and mutual TLS when ClientCAFile is also set.
type TLSConfig struct {
	CertFile     string `mapstructure:"cert_file"`
	KeyFile      string `mapstructure:"key_file"`
	ClientCAFile string `mapstructure:"client_ca_file"`
}

func (t TLSConfig) Enabled() bool {
	return t.CertFile != ""
}

func Default() *Config {
	return &Config{
		Listen:   agent.DefaultListenAddr,
		LogLevel: "info",
		Pipe: PipeConfig{
			WriterPath: pipe.DefaultWriterPath,
			ReaderPath: pipe.DefaultReaderPath,
		},
		Bridge: BridgeConfig{
			Timeout: bridge.DefaultTimeout,
			MaxWait: bridge.DefaultMaxWait,
		},
		Stream: StreamConfig{
			KeepAliveInterval: agent.DefaultKeepAliveInterval,
		},
	}
}

// SetDefaults registers default values with v. Every key needs a default so that environment variables can
// override it.
func SetDefaults(v *viper.Viper) {
	defaults := Default()

	v.SetDefault("listen", defaults.Listen)
	v.SetDefault("log_level", defaults.LogLevel)

	v.SetDefault("pipe.writer_path", defaults.Pipe.WriterPath)
	v.SetDefault("pipe.reader_path", defaults.Pipe.ReaderPath)

	v.SetDefault("bridge.timeout", defaults.Bridge.Timeout)
	v.SetDefault("bridge.max_wait", defaults.Bridge.MaxWait)

	v.SetDefault("stream.keep_alive_interval", defaults.Stream.KeepAliveInterval)

	v.SetDefault("tls.cert_file", defaults.TLS.CertFile)
	v.SetDefault("tls.key_file", defaults.TLS.KeyFile)
	v.SetDefault("tls.client_ca_file", defaults.TLS.ClientCAFile)
}

// Load reads the config file at path (if path is not empty), the environment, and then overrides, which are keyed
// like the config file ("bridge.timeout"). The result is validated.
func Load(path string, overrides map[string]any) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		err := v.ReadInConfig()
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	for k, val := range overrides {
		v.Set(k, val)
	}

	cfg := &Config{}
	err := v.Unmarshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen address must not be empty"))
	}
	if c.Pipe.WriterPath == "" || c.Pipe.ReaderPath == "" {
		errs = append(errs, errors.New("pipe paths must not be empty"))
	}
	if c.Pipe.WriterPath != "" && c.Pipe.WriterPath == c.Pipe.ReaderPath {
		errs = append(errs, errors.New("pipe writer and reader paths must differ"))
	}
	if c.Bridge.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("bridge timeout must be positive, got %s", c.Bridge.Timeout))
	}
	if c.Bridge.MaxWait <= 0 {
		errs = append(errs, fmt.Errorf("bridge max wait must be positive, got %s", c.Bridge.MaxWait))
	}
	if c.Stream.KeepAliveInterval <= 0 {
		errs = append(errs, fmt.Errorf("keep-alive interval must be positive, got %s", c.Stream.KeepAliveInterval))
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("TLS cert file and key file must be set together"))
	}
	if c.TLS.ClientCAFile != "" && c.TLS.CertFile == "" {
		errs = append(errs, errors.New("TLS client CA file requires a cert file and key file"))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (zapcore.Level, error) {
	var l zapcore.Level
	err := l.UnmarshalText([]byte(c.LogLevel))
	if err != nil {
		return l, fmt.Errorf("log level: %w", err)
	}
	return l, nil
}
