package agent

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/guseggert/pipebridge/agent/stream"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// Client talks to an Agent the way the browser page does: it requests a connection URL and then keeps the session
// alive with periodic keep-alives.
type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL                  string
	tlsClientConfig          *tls.Config
	customizeRetryableClient func(*retryablehttp.Client)
	streamClient             *stream.Client

	waitInterval time.Duration

	startKeepAliveOnce sync.Once
	stopKeepAliveOnce  sync.Once
	stopKeepAlive      chan struct{}
	keepAliveDone      chan struct{}
}

type ClientOption func(c *Client)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Named("agent_client").Sugar()
	}
}

func WithClientTLSConfig(cfg *tls.Config) ClientOption {
	return func(c *Client) {
		c.tlsClientConfig = cfg
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// StatusError is returned when the agent answers with a non-200 status.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("agent returned HTTP status %d: %s", e.StatusCode, e.Message)
}

func NewClient(log *zap.SugaredLogger, baseURL string, opts ...ClientOption) (*Client, error) {
	baseURL = strings.TrimSuffix(baseURL, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("agent URL %q must start with http:// or https://", baseURL)
	}

	c := &Client{
		Logger:        log.Named("agent_client"),
		baseURL:       baseURL,
		waitInterval:  100 * time.Millisecond,
		stopKeepAlive: make(chan struct{}),
		keepAliveDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{
		Transport: &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: c.tlsClientConfig,
		},
	}
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 100 * time.Millisecond
	}
	retryClient.RetryMax = 2
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}
	// hand the last response back instead of a generic "giving up" error, so callers can see the agent's status code
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	// once the agent has answered, the pipe exchange already ran, and running it again would open another session
	retryClient.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if err == nil {
			return false, nil
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()
	c.streamClient = &stream.Client{
		HTTPClient: c.HTTPClient,
		URL:        baseURL + "/connection/stream",
		Logger:     c.Logger.Named("stream_client"),
	}

	return c, nil
}

// Ping returns the current session URL.
func (c *Client) Ping(ctx context.Context) (string, error) {
	return c.connection(ctx, http.MethodGet, "")
}

// OpenConnection asks for a session URL, starting a session if there isn't one.
func (c *Client) OpenConnection(ctx context.Context) (string, error) {
	return c.connection(ctx, http.MethodPost, "OpenNewConnection")
}

func (c *Client) SendKeepAlive(ctx context.Context) (string, error) {
	return c.connection(ctx, http.MethodPost, "KeepAlive")
}

func (c *Client) connection(ctx context.Context, method, command string) (string, error) {
	var body io.Reader
	if command != "" {
		body = strings.NewReader(command)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/connection", body)
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	if command != "" {
		req.Header.Set("Content-Type", "text/plain")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var errResp errorResponse
		if json.Unmarshal(b, &errResp) != nil || errResp.Error == "" {
			errResp.Error = strings.TrimSpace(string(b))
		}
		return "", &StatusError{StatusCode: resp.StatusCode, Message: errResp.Error}
	}

	var connResp connectionResponse
	err = json.Unmarshal(b, &connResp)
	if err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	return connResp.URL, nil
}

func (c *Client) Status(ctx context.Context) (*Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	var s Status
	err = json.NewDecoder(resp.Body).Decode(&s)
	if err != nil {
		return nil, fmt.Errorf("decoding status: %w", err)
	}
	return &s, nil
}

// Stream opens a session stream, see package stream.
func (c *Client) Stream(ctx context.Context, handle func(stream.Message) error) error {
	return c.streamClient.Stream(ctx, handle)
}

// WaitForServer blocks until the agent answers status requests.
func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_, err := c.Status(ctx)
			if err == nil {
				c.Logger.Debug("status succeeded, done waiting for server")
				return nil
			}
			c.Logger.Debugf("got status error: %s", err)
		}
	}
}

// StartKeepAlive sends a keep-alive every interval until StopKeepAlive is called.
// onResult, if not nil, is called with the outcome of every keep-alive.
func (c *Client) StartKeepAlive(interval time.Duration, onResult func(url string, err error)) {
	c.startKeepAliveOnce.Do(func() {
		go func() {
			defer close(c.keepAliveDone)
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-c.stopKeepAlive:
					return
				case <-ticker.C:
				}
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				url, err := c.SendKeepAlive(ctx)
				cancel()
				if err != nil {
					c.Logger.Debugf("keep-alive error: %s", err)
				}
				if onResult != nil {
					onResult(url, err)
				}
			}
		}()
	})
}

// StopKeepAlive stops the keep-alive loop and waits for it to exit.
func (c *Client) StopKeepAlive() {
	c.stopKeepAliveOnce.Do(func() { close(c.stopKeepAlive) })
	// if the loop never started, mark it done so this doesn't block
	c.startKeepAliveOnce.Do(func() { close(c.keepAliveDone) })
	<-c.keepAliveDone
}
