package agent

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/guseggert/pipebridge/agent/stream"
	"github.com/guseggert/pipebridge/bridge"
	"github.com/guseggert/pipebridge/protocol"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	DefaultListenAddr        = "127.0.0.1:8080"
	DefaultKeepAliveInterval = 30 * time.Second

	// commands are short tokens, anything bigger is rejected without reading it all
	maxCommandBytes = 256
)

// Executor runs one exchange with the host process. *bridge.Bridge is the production implementation.
type Executor interface {
	Execute(ctx context.Context, cmd protocol.Command) (protocol.Response, error)
}

// Agent is the HTTP front end that browsers talk to. It turns requests into exchanges with the host process.
type Agent struct {
	logger *zap.SugaredLogger

	executor          Executor
	listenAddr        string
	tlsConfig         *tls.Config
	keepAliveInterval time.Duration

	httpServer   *http.Server
	streamServer *stream.Server

	statusMut sync.Mutex
	status    status
}

type status struct {
	lastKeepAlive time.Time
	lastSuccess   time.Time
	lastFailure   time.Time
	failureKind   string
	exchanges     int64
	failures      int64
}

type Option func(a *Agent)

func WithListenAddr(s string) Option {
	return func(a *Agent) {
		a.listenAddr = s
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(a *Agent) {
		a.logger = l.Named("agent").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(a *Agent) {
		a.logger = a.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

// WithTLSConfig serves HTTPS instead of HTTP.
func WithTLSConfig(c *tls.Config) Option {
	return func(a *Agent) {
		a.tlsConfig = c
	}
}

// WithKeepAliveInterval sets how often session streams send keep-alives to the host.
func WithKeepAliveInterval(d time.Duration) Option {
	return func(a *Agent) {
		a.keepAliveInterval = d
	}
}

// NewAgent constructs a new agent.
func NewAgent(executor Executor, opts ...Option) (*Agent, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	a := &Agent{
		logger:            logger.Named("agent").Sugar(),
		executor:          executor,
		listenAddr:        DefaultListenAddr,
		keepAliveInterval: DefaultKeepAliveInterval,
	}
	for _, o := range opts {
		o(a)
	}
	a.streamServer = &stream.Server{
		Log:        a.logger.Named("stream_server"),
		Executor:   executor,
		Interval:   a.keepAliveInterval,
		OnExchange: a.recordExchange,
	}
	a.httpServer = &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

// Handler returns the agent's routes.
func (a *Agent) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/connection", a.getConnection)
	router.POST("/connection", a.postConnection)
	router.GET("/connection/stream", a.connectionStream)
	router.GET("/status", a.getStatus)
	return router
}

// Run serves HTTP and returns once the agent has stopped.
func (a *Agent) Run() error {
	listener, err := net.Listen("tcp", a.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	if a.tlsConfig != nil {
		listener = tls.NewListener(listener, a.tlsConfig)
	}
	a.logger.Infow("serving", "Addr", listener.Addr().String(), "TLS", a.tlsConfig != nil)

	err = a.httpServer.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (a *Agent) Stop() error {
	return a.httpServer.Close()
}

// Shutdown stops accepting requests and waits for in-flight ones to finish.
func (a *Agent) Shutdown(ctx context.Context) error {
	return a.httpServer.Shutdown(ctx)
}

type connectionResponse struct {
	URL string `json:"url"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// getConnection answers the page's liveness check with the current session URL.
func (a *Agent) getConnection(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.exchange(w, r, protocol.Ping)
}

func (a *Agent) postConnection(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCommandBytes))
	if err != nil {
		a.logger.Debugf("error reading connection request body: %s", err)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid request"})
		return
	}

	cmd, err := protocol.ParseCommand(string(b))
	if err != nil || (cmd != protocol.OpenNewConnection && cmd != protocol.KeepAlive) {
		a.logger.Debugw("rejected connection request", "Body", string(b))
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid request"})
		return
	}
	a.exchange(w, r, cmd)
}

func (a *Agent) exchange(w http.ResponseWriter, r *http.Request, cmd protocol.Command) {
	a.logger.Debugw("request", "Command", cmd, "Remote", r.RemoteAddr)
	resp, err := a.executor.Execute(r.Context(), cmd)
	a.recordExchange(cmd, err)
	if err != nil {
		if bridge.Unavailable(err) {
			// expected while the host process is down or restarting
			a.logger.Warnw("host process unavailable", "Command", cmd, "Error", err)
		} else {
			a.logger.Errorw("failed to communicate with host process", "Command", cmd, "Error", err)
		}
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: stream.FailureMessage})
		return
	}
	writeJSON(w, http.StatusOK, connectionResponse{URL: resp.URL})
}

func (a *Agent) connectionStream(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.streamServer.ServeHTTP(w, r)
}

func (a *Agent) recordExchange(cmd protocol.Command, err error) {
	now := time.Now()
	a.statusMut.Lock()
	defer a.statusMut.Unlock()
	a.status.exchanges++
	if err != nil {
		a.status.failures++
		a.status.lastFailure = now
		a.status.failureKind = failureKind(err)
		return
	}
	a.status.lastSuccess = now
	if cmd == protocol.KeepAlive {
		a.status.lastKeepAlive = now
	}
}

func failureKind(err error) string {
	switch {
	case errors.Is(err, bridge.ErrInvalidCommand):
		return "invalid_command"
	case errors.Is(err, bridge.ErrInvalidResponse):
		return "invalid_response"
	case !bridge.Unavailable(err):
		return "unknown"
	case errors.Is(err, bridge.ErrTimeout):
		return "timeout"
	default:
		return "io"
	}
}

// Status summarizes the exchanges the agent has run. It never includes error details.
type Status struct {
	LastKeepAlive string `json:"lastKeepAlive,omitempty"`
	LastSuccess   string `json:"lastSuccess,omitempty"`
	LastFailure   string `json:"lastFailure,omitempty"`
	FailureKind   string `json:"failureKind,omitempty"`
	Exchanges     int64  `json:"exchanges"`
	Failures      int64  `json:"failures"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func (a *Agent) getStatus(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.statusMut.Lock()
	s := a.status
	a.statusMut.Unlock()
	writeJSON(w, http.StatusOK, Status{
		LastKeepAlive: formatTime(s.lastKeepAlive),
		LastSuccess:   formatTime(s.lastSuccess),
		LastFailure:   formatTime(s.lastFailure),
		FailureKind:   s.failureKind,
		Exchanges:     s.exchanges,
		Failures:      s.failures,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(b)
}
