package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guseggert/pipebridge/agent"
	"github.com/guseggert/pipebridge/agent/stream"
	"github.com/guseggert/pipebridge/bridge"
	"github.com/guseggert/pipebridge/config"
	"github.com/guseggert/pipebridge/pipe"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "pipebridge",
		Usage: "bridge HTTP clients to the sshx host process over named pipes",
		Commands: []*cli.Command{
			serveCommand,
			connectCommand,
			certsCommand,
		},
	}
}

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "serve the HTTP agent",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "config",
			Usage: "Path to a config file (YAML, TOML or JSON).",
		},
		&cli.StringFlag{
			Name:  "listen-addr",
			Usage: "The address for the HTTP server to listen on.",
			Value: agent.DefaultListenAddr,
		},
		&cli.StringFlag{
			Name:  "writer-pipe",
			Usage: "The pipe commands are written to.",
			Value: pipe.DefaultWriterPath,
		},
		&cli.StringFlag{
			Name:  "reader-pipe",
			Usage: "The pipe responses are read from.",
			Value: pipe.DefaultReaderPath,
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "How long the write and the read of an exchange may each take.",
			Value: bridge.DefaultTimeout,
		},
		&cli.DurationFlag{
			Name:  "keep-alive-interval",
			Usage: "How often session streams send keep-alives.",
			Value: agent.DefaultKeepAliveInterval,
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "One of [debug,info,warn,error].",
			Value: "info",
		},
		&cli.StringFlag{
			Name:  "tls-cert-file",
			Usage: "Serve HTTPS with this cert (requires --tls-key-file).",
		},
		&cli.StringFlag{
			Name:  "tls-key-file",
			Usage: "The key for --tls-cert-file.",
		},
		&cli.StringFlag{
			Name:  "tls-client-ca-file",
			Usage: "Require client certs signed by this CA.",
		},
	},
	Action: func(c *cli.Context) error {
		// flags only override the file and the environment when they're given explicitly
		flagKeys := map[string]string{
			"listen-addr":         "listen",
			"writer-pipe":         "pipe.writer_path",
			"reader-pipe":         "pipe.reader_path",
			"timeout":             "bridge.timeout",
			"keep-alive-interval": "stream.keep_alive_interval",
			"log-level":           "log_level",
			"tls-cert-file":       "tls.cert_file",
			"tls-key-file":        "tls.key_file",
			"tls-client-ca-file":  "tls.client_ca_file",
		}
		overrides := map[string]any{}
		for flag, key := range flagKeys {
			if c.IsSet(flag) {
				overrides[key] = c.Value(flag)
			}
		}

		cfg, err := config.Load(c.String("config"), overrides)
		if err != nil {
			return err
		}

		logger, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer logger.Sync()

		ch := pipe.New(cfg.Pipe.WriterPath, cfg.Pipe.ReaderPath)
		checkPipes(logger.Sugar(), ch)

		b := bridge.New(
			bridge.PipeChannel(ch),
			bridge.WithTimeout(cfg.Bridge.Timeout),
			bridge.WithMaxWait(cfg.Bridge.MaxWait),
			bridge.WithLogger(logger),
		)

		opts := []agent.Option{
			agent.WithLogger(logger),
			agent.WithListenAddr(cfg.Listen),
			agent.WithKeepAliveInterval(cfg.Stream.KeepAliveInterval),
		}
		if cfg.TLS.Enabled() {
			tlsConfig, err := serverTLSConfig(cfg.TLS)
			if err != nil {
				return err
			}
			opts = append(opts, agent.WithTLSConfig(tlsConfig))
		}

		a, err := agent.NewAgent(b, opts...)
		if err != nil {
			return fmt.Errorf("building agent: %w", err)
		}

		sigCtx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()
		go func() {
			<-sigCtx.Done()
			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err := a.Shutdown(shutdownCtx)
			if err != nil {
				logger.Sugar().Warnf("error shutting down: %s", err)
			}
		}()

		return a.Run()
	},
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := cfg.Level()
	if err != nil {
		return nil, err
	}
	zapCfg := zap.NewDevelopmentConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	logger, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger, nil
}

// checkPipes warns about missing pipes without failing, since the host process may create them after startup.
func checkPipes(logger *zap.SugaredLogger, ch *pipe.Channel) {
	err := ch.Check()
	if err != nil {
		logger.Warnw("host pipes are not available yet, requests will fail until they are", "Error", err)
		return
	}
	for _, p := range []string{ch.WriterPath, ch.ReaderPath} {
		if !pipe.IsFIFO(p) {
			logger.Warnw("path is not a named pipe, treating it as a regular file", "Path", p)
		}
	}
}

func serverTLSConfig(cfg config.TLSConfig) (*tls.Config, error) {
	certPEM, err := os.ReadFile(cfg.CertFile)
	if err != nil {
		return nil, fmt.Errorf("reading TLS cert: %w", err)
	}
	keyPEM, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("reading TLS key: %w", err)
	}
	var clientCAPEM []byte
	if cfg.ClientCAFile != "" {
		clientCAPEM, err = os.ReadFile(cfg.ClientCAFile)
		if err != nil {
			return nil, fmt.Errorf("reading TLS client CA: %w", err)
		}
	}
	return agent.ServerTLSConfig(certPEM, keyPEM, clientCAPEM)
}

var connectCommand = &cli.Command{
	Name:  "connect",
	Usage: "open an sshx session through a running agent, print its URL, and keep it alive until interrupted",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "url",
			Usage: "The agent's base URL.",
			Value: "http://" + agent.DefaultListenAddr,
		},
		&cli.DurationFlag{
			Name:  "interval",
			Usage: "How often to send keep-alives.",
			Value: agent.DefaultKeepAliveInterval,
		},
		&cli.BoolFlag{
			Name:  "stream",
			Usage: "Let the agent send keep-alives over a WebSocket instead of polling.",
		},
		&cli.StringFlag{
			Name:  "ca-cert-file",
			Usage: "Trust this CA when the agent serves HTTPS.",
		},
		&cli.StringFlag{
			Name:  "cert-file",
			Usage: "Client cert for mutual TLS.",
		},
		&cli.StringFlag{
			Name:  "key-file",
			Usage: "Client key for mutual TLS.",
		},
		&cli.BoolFlag{
			Name:  "debug",
			Usage: "Log debug output.",
		},
	},
	Action: func(c *cli.Context) error {
		level := zapcore.InfoLevel
		if c.Bool("debug") {
			level = zapcore.DebugLevel
		}
		zapCfg := zap.NewDevelopmentConfig()
		zapCfg.Level = zap.NewAtomicLevelAt(level)
		logger, err := zapCfg.Build()
		if err != nil {
			return fmt.Errorf("building logger: %w", err)
		}
		defer logger.Sync()
		sugar := logger.Sugar()

		var opts []agent.ClientOption
		if caFile := c.String("ca-cert-file"); caFile != "" {
			tlsConfig, err := clientTLSConfig(caFile, c.String("cert-file"), c.String("key-file"))
			if err != nil {
				return err
			}
			opts = append(opts, agent.WithClientTLSConfig(tlsConfig))
		}
		client, err := agent.NewClient(sugar, c.String("url"), opts...)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()

		if c.Bool("stream") {
			return client.Stream(ctx, func(m stream.Message) error {
				if m.Error != "" {
					sugar.Warnw("keep-alive failed", "Error", m.Error)
					return nil
				}
				if !m.KeepAlive {
					fmt.Fprintln(c.App.Writer, m.URL)
				}
				sugar.Debugw("keep-alive", "URL", m.URL, "Time", m.Time)
				return nil
			})
		}

		url, err := client.OpenConnection(ctx)
		if err != nil {
			return fmt.Errorf("opening connection: %w", err)
		}
		fmt.Fprintln(c.App.Writer, url)

		client.StartKeepAlive(c.Duration("interval"), func(newURL string, err error) {
			if err != nil {
				sugar.Warnw("keep-alive failed", "Error", err)
				return
			}
			if newURL != url {
				url = newURL
				fmt.Fprintln(c.App.Writer, url)
			}
		})
		<-ctx.Done()
		client.StopKeepAlive()
		return nil
	},
}

func clientTLSConfig(caFile, certFile, keyFile string) (*tls.Config, error) {
	caPEM, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("reading CA cert: %w", err)
	}
	var certPEM, keyPEM []byte
	if certFile != "" {
		certPEM, err = os.ReadFile(certFile)
		if err != nil {
			return nil, fmt.Errorf("reading client cert: %w", err)
		}
		keyPEM, err = os.ReadFile(keyFile)
		if err != nil {
			return nil, fmt.Errorf("reading client key: %w", err)
		}
	}
	return agent.ClientTLSConfig(caPEM, certPEM, keyPEM)
}

var certsCommand = &cli.Command{
	Name:  "certs",
	Usage: "generate a CA plus server and client certs for serving the agent over TLS",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "out-dir",
			Usage:    "Directory to write the PEM files to.",
			Required: true,
		},
		&cli.StringSliceFlag{
			Name:  "host",
			Usage: "DNS name or IP address the server cert is valid for. Repeatable.",
			Value: cli.NewStringSlice("localhost", "127.0.0.1"),
		},
		&cli.DurationFlag{
			Name:  "valid-for",
			Usage: "How long the certs are valid.",
			Value: 365 * 24 * time.Hour,
		},
	},
	Action: func(c *cli.Context) error {
		certs, err := agent.GenerateCerts(c.StringSlice("host"), c.Duration("valid-for"))
		if err != nil {
			return fmt.Errorf("generating certs: %w", err)
		}
		err = certs.WriteFiles(c.String("out-dir"))
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "wrote certs to %s\n", c.String("out-dir"))
		return nil
	},
}
