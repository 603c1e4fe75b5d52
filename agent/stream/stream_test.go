package stream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/guseggert/pipebridge/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeExecutor struct {
	mut  sync.Mutex
	cmds []protocol.Command
	fail func(n int, cmd protocol.Command) bool
}

func (f *fakeExecutor) Execute(ctx context.Context, cmd protocol.Command) (protocol.Response, error) {
	f.mut.Lock()
	defer f.mut.Unlock()
	f.cmds = append(f.cmds, cmd)
	if f.fail != nil && f.fail(len(f.cmds), cmd) {
		return protocol.Response{}, errors.New("secret host error details")
	}
	return protocol.Response{URL: "https://sshx.io/s/abc"}, nil
}

func startServer(t *testing.T, exec Executor) *Client {
	t.Helper()
	log := zap.NewNop().Sugar()
	srv := httptest.NewServer(&Server{Log: log, Executor: exec, Interval: 10 * time.Millisecond})
	t.Cleanup(srv.Close)
	return &Client{HTTPClient: srv.Client(), URL: srv.URL, Logger: log}
}

func collect(t *testing.T, client *Client, n int) ([]Message, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var msgs []Message
	err := client.Stream(ctx, func(m Message) error {
		msgs = append(msgs, m)
		if len(msgs) == n {
			cancel()
		}
		return nil
	})
	return msgs, err
}

func TestStreamKeepsSessionAlive(t *testing.T) {
	exec := &fakeExecutor{}
	client := startServer(t, exec)

	msgs, err := collect(t, client, 3)
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	assert.Equal(t, Message{URL: "https://sshx.io/s/abc", Time: msgs[0].Time}, msgs[0])
	assert.True(t, msgs[1].KeepAlive)
	assert.True(t, msgs[2].KeepAlive)

	exec.mut.Lock()
	defer exec.mut.Unlock()
	assert.Equal(t, protocol.OpenNewConnection, exec.cmds[0])
	for _, cmd := range exec.cmds[1:] {
		assert.Equal(t, protocol.KeepAlive, cmd)
	}
}

func TestStreamSurvivesKeepAliveFailures(t *testing.T) {
	exec := &fakeExecutor{fail: func(n int, cmd protocol.Command) bool { return n == 2 }}
	client := startServer(t, exec)

	msgs, err := collect(t, client, 3)
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	assert.Equal(t, FailureMessage, msgs[1].Error)
	assert.Empty(t, msgs[1].URL)
	assert.True(t, msgs[1].KeepAlive)
	assert.Equal(t, "https://sshx.io/s/abc", msgs[2].URL)
}

func TestStreamEndsWhenConnectionFails(t *testing.T) {
	exec := &fakeExecutor{fail: func(n int, cmd protocol.Command) bool { return cmd == protocol.OpenNewConnection }}
	client := startServer(t, exec)

	msgs, err := collect(t, client, 10)
	require.ErrorIs(t, err, ErrStreamFailed)
	require.Len(t, msgs, 1)
	assert.Equal(t, FailureMessage, msgs[0].Error)
	assert.NotContains(t, err.Error(), "secret")
}

func TestDialFailure(t *testing.T) {
	srv := httptest.NewServer(nil)
	srv.Close()
	client := &Client{HTTPClient: http.DefaultClient, URL: srv.URL, Logger: zap.NewNop().Sugar()}

	_, err := collect(t, client, 1)
	require.ErrorContains(t, err, "establishing WebSocket conn")
}
