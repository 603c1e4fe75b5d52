package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/guseggert/pipebridge/internal/hosttest"
	"github.com/guseggert/pipebridge/pipe"
	"github.com/guseggert/pipebridge/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// fakeChannel records every operation and can simulate a slow host.
type fakeChannel struct {
	mut         sync.Mutex
	listens     int
	written     []string
	inFlight    int
	maxInFlight int

	response  func(written string) string
	readDelay time.Duration
	writeErr  error
}

func (c *fakeChannel) Listen() (Listener, error) {
	c.mut.Lock()
	defer c.mut.Unlock()
	c.listens++
	c.inFlight++
	if c.inFlight > c.maxInFlight {
		c.maxInFlight = c.inFlight
	}
	return &fakeListener{c: c}, nil
}

func (c *fakeChannel) OpenWriter(ctx context.Context) (Writer, error) {
	return &fakeWriter{c: c}, nil
}

type fakeWriter struct{ c *fakeChannel }

func (w *fakeWriter) Send(ctx context.Context, payload []byte) error {
	w.c.mut.Lock()
	defer w.c.mut.Unlock()
	w.c.written = append(w.c.written, string(payload))
	return w.c.writeErr
}

func (w *fakeWriter) Close() error { return nil }

func (c *fakeChannel) counts() (listens, writes, maxInFlight int) {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.listens, len(c.written), c.maxInFlight
}

type fakeListener struct {
	c      *fakeChannel
	closed bool
}

func (l *fakeListener) Read(ctx context.Context) ([]byte, error) {
	if l.c.readDelay > 0 {
		select {
		case <-time.After(l.c.readDelay):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", pipe.ErrTimeout, ctx.Err())
		}
	}
	l.c.mut.Lock()
	defer l.c.mut.Unlock()
	last := l.c.written[len(l.c.written)-1]
	return []byte(l.c.response(last)), nil
}

func (l *fakeListener) Close() error {
	l.c.mut.Lock()
	defer l.c.mut.Unlock()
	if !l.closed {
		l.closed = true
		l.c.inFlight--
	}
	return nil
}

func echoURL(written string) string {
	return "http://host/" + strings.TrimSpace(written)
}

func TestInvalidCommandPerformsNoIO(t *testing.T) {
	ch := &fakeChannel{response: echoURL}
	b := New(ch)

	for _, name := range []string{"", "DropTables", "PING", "keepalive"} {
		_, err := b.ExecuteString(context.Background(), name)
		require.ErrorIs(t, err, ErrInvalidCommand)
		var bErr *Error
		require.True(t, errors.As(err, &bErr))
		assert.Equal(t, StepValidate, bErr.Step)
	}

	_, err := b.Execute(context.Background(), protocol.Command(99))
	require.ErrorIs(t, err, ErrInvalidCommand)

	listens, writes, _ := ch.counts()
	assert.Equal(t, 0, listens)
	assert.Equal(t, 0, writes)
}

func TestExecuteString(t *testing.T) {
	ch := &fakeChannel{response: echoURL}
	b := New(ch)

	resp, err := b.ExecuteString(context.Background(), "OpenNewConnection")
	require.NoError(t, err)
	assert.Equal(t, "http://host/OpenNewConnection", resp.URL)

	resp, err = b.ExecuteString(context.Background(), "Ping")
	require.NoError(t, err)
	assert.Equal(t, "http://host/PING", resp.URL)
}

func TestWriteFailureIsIOError(t *testing.T) {
	ch := &fakeChannel{response: echoURL, writeErr: fmt.Errorf("%w: broken pipe", pipe.ErrIO)}
	b := New(ch)

	_, err := b.Execute(context.Background(), protocol.KeepAlive)
	require.ErrorIs(t, err, ErrIO)
	assert.True(t, Unavailable(err))
	var bErr *Error
	require.True(t, errors.As(err, &bErr))
	assert.Equal(t, StepWrite, bErr.Step)
	assert.NotEmpty(t, bErr.ExchangeID)
}

func TestExchangesNeverOverlap(t *testing.T) {
	ch := &fakeChannel{response: echoURL, readDelay: 5 * time.Millisecond}
	b := New(ch, WithTimeout(time.Second))

	group, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 20; i++ {
		cmd := protocol.Commands()[i%len(protocol.Commands())]
		group.Go(func() error {
			resp, err := b.Execute(ctx, cmd)
			if err != nil {
				return err
			}
			token, _ := protocol.Encode(cmd)
			if want := echoURL(string(token)); resp.URL != want {
				return fmt.Errorf("command %s got response %q, want %q", cmd, resp.URL, want)
			}
			return nil
		})
	}
	require.NoError(t, group.Wait())

	listens, writes, maxInFlight := ch.counts()
	assert.Equal(t, 20, listens)
	assert.Equal(t, 20, writes)
	assert.Equal(t, 1, maxInFlight)
}

func TestWaitingForPendingExchangeTimesOut(t *testing.T) {
	ch := &fakeChannel{response: echoURL, readDelay: 300 * time.Millisecond}
	b := New(ch, WithTimeout(time.Second), WithMaxWait(50*time.Millisecond))

	first := make(chan error, 1)
	go func() {
		_, err := b.Execute(context.Background(), protocol.OpenNewConnection)
		first <- err
	}()
	require.Eventually(t, func() bool {
		listens, _, _ := ch.counts()
		return listens == 1
	}, time.Second, time.Millisecond)

	_, err := b.Execute(context.Background(), protocol.KeepAlive)
	require.ErrorIs(t, err, ErrTimeout)
	var bErr *Error
	require.True(t, errors.As(err, &bErr))
	assert.Equal(t, StepWait, bErr.Step)

	require.NoError(t, <-first)
}

func TestExecuteAgainstHost(t *testing.T) {
	cases := []struct {
		name     string
		respond  hosttest.Responder
		cmd      protocol.Command
		expURL   string
		expErr   error
		expStep  Step
		expWrite string
	}{
		{
			name:     "trims whitespace",
			respond:  hosttest.StaticURL("  http://localhost:1234/abc  \n"),
			cmd:      protocol.OpenNewConnection,
			expURL:   "http://localhost:1234/abc",
			expWrite: "OpenNewConnection",
		},
		{
			name:     "ping is newline terminated",
			respond:  hosttest.StaticURL("https://sshx.io/s/abc#k"),
			cmd:      protocol.Ping,
			expURL:   "https://sshx.io/s/abc#k",
			expWrite: "PING\n",
		},
		{
			name:     "not a URL",
			respond:  hosttest.StaticURL("not-a-url\n"),
			cmd:      protocol.KeepAlive,
			expErr:   ErrInvalidResponse,
			expStep:  StepDecode,
			expWrite: "KeepAlive",
		},
		{
			name:     "host error token",
			respond:  hosttest.StaticURL("ERROR"),
			cmd:      protocol.Ping,
			expErr:   ErrInvalidResponse,
			expStep:  StepDecode,
			expWrite: "PING\n",
		},
		{
			name:     "no response",
			respond:  hosttest.Silent(),
			cmd:      protocol.Ping,
			expErr:   ErrTimeout,
			expStep:  StepRead,
			expWrite: "PING\n",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			host := hosttest.Start(t, c.respond)
			b := New(PipeChannel(host.Channel), WithTimeout(200*time.Millisecond))

			resp, err := b.Execute(context.Background(), c.cmd)
			if c.expErr != nil {
				require.ErrorIs(t, err, c.expErr)
				var bErr *Error
				require.True(t, errors.As(err, &bErr))
				assert.Equal(t, c.expStep, bErr.Step)
			} else {
				require.NoError(t, err)
				assert.Equal(t, c.expURL, resp.URL)
			}

			require.Eventually(t, func() bool { return len(host.Commands()) > 0 }, time.Second, time.Millisecond)
			assert.Equal(t, []string{c.expWrite}, host.Commands())
		})
	}
}

func TestHostUnreachable(t *testing.T) {
	dir := t.TempDir()
	b := New(PipeChannel(pipe.New(dir+"/missing-writer", dir+"/missing-reader")), WithTimeout(100*time.Millisecond))

	_, err := b.Execute(context.Background(), protocol.Ping)
	require.ErrorIs(t, err, ErrIO)
	assert.True(t, Unavailable(err))
}

func TestNoWriterTimesOut(t *testing.T) {
	// FIFOs exist but nobody serves them: the write can't complete.
	host := hosttest.Start(t, hosttest.Silent())
	host.Stop()

	b := New(PipeChannel(host.Channel), WithTimeout(50*time.Millisecond))
	start := time.Now()
	_, err := b.Execute(context.Background(), protocol.KeepAlive)
	require.ErrorIs(t, err, ErrTimeout)
	var bErr *Error
	require.True(t, errors.As(err, &bErr))
	assert.Equal(t, StepWrite, bErr.Step)
	assert.Less(t, time.Since(start), time.Second)
}

func TestConcurrentExchangesGetTheirOwnResponses(t *testing.T) {
	host := hosttest.Start(t, hosttest.Counter("http://host"))
	b := New(PipeChannel(host.Channel), WithTimeout(2*time.Second), WithMaxWait(30*time.Second))

	group, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 12; i++ {
		cmd := protocol.Commands()[i%len(protocol.Commands())]
		group.Go(func() error {
			resp, err := b.Execute(ctx, cmd)
			if err != nil {
				return err
			}
			token, _ := protocol.Encode(cmd)
			prefix := "http://host/" + strings.TrimSpace(string(token)) + "/"
			if !strings.HasPrefix(resp.URL, prefix) {
				return fmt.Errorf("%s received %q", cmd, resp.URL)
			}
			return nil
		})
	}
	require.NoError(t, group.Wait())
	assert.Len(t, host.Commands(), 12)
}

func TestLateResponseNeverReachesNextExchange(t *testing.T) {
	var first sync.Once
	counter := hosttest.Counter("http://host")
	host := hosttest.Start(t, func(command string) (string, bool) {
		first.Do(func() { time.Sleep(300 * time.Millisecond) })
		return counter(command)
	})
	b := New(PipeChannel(host.Channel), WithTimeout(200*time.Millisecond))

	_, err := b.Execute(context.Background(), protocol.KeepAlive)
	require.ErrorIs(t, err, ErrTimeout)
	var bErr *Error
	require.True(t, errors.As(err, &bErr))
	assert.Equal(t, StepRead, bErr.Step)

	// the host is still busy answering KeepAlive when this starts
	resp, err := b.Execute(context.Background(), protocol.Ping)
	require.NoError(t, err)
	assert.Equal(t, "http://host/PING/2", resp.URL)

	assert.Equal(t, []string{"KeepAlive", "PING\n"}, host.Commands())
}

func TestPingThenOpenShareNoState(t *testing.T) {
	host := hosttest.Start(t, hosttest.Counter("http://host"))
	b := New(PipeChannel(host.Channel), WithTimeout(time.Second))

	ping, err := b.Execute(context.Background(), protocol.Ping)
	require.NoError(t, err)
	assert.Equal(t, "http://host/PING/1", ping.URL)

	open, err := b.Execute(context.Background(), protocol.OpenNewConnection)
	require.NoError(t, err)
	assert.Equal(t, "http://host/OpenNewConnection/2", open.URL)
}
