package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/pipebridge/pipe"
	"github.com/guseggert/pipebridge/protocol"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultTimeout = 1 * time.Second
	DefaultMaxWait = 10 * time.Second
)

// Listener is an armed read of one response.
type Listener interface {
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

// Writer is an open command pipe. Send writes the payload and closes it.
type Writer interface {
	Send(ctx context.Context, payload []byte) error
	Close() error
}

// Channel is the transport an exchange runs over. *pipe.Channel is the production implementation.
type Channel interface {
	Listen() (Listener, error)
	OpenWriter(ctx context.Context) (Writer, error)
}

// PipeChannel adapts a *pipe.Channel to the Channel interface.
func PipeChannel(c *pipe.Channel) Channel {
	return pipeChannel{c: c}
}

type pipeChannel struct{ c *pipe.Channel }

func (p pipeChannel) Listen() (Listener, error) {
	l, err := p.c.Listen()
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (p pipeChannel) OpenWriter(ctx context.Context) (Writer, error) {
	w, err := p.c.OpenWriter(ctx)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// Bridge runs command/response exchanges with the host process.
//
// The pipes carry no request IDs or framing, so a response can only be attributed to the command that was written just
// before it. Bridge therefore runs at most one exchange at a time; concurrent callers queue.
type Bridge struct {
	log     *zap.SugaredLogger
	channel Channel
	timeout time.Duration
	maxWait time.Duration
	slot    *semaphore.Weighted
}

type Option func(b *Bridge)

// WithTimeout sets how long the write and the read of an exchange may each take.
func WithTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		b.timeout = d
	}
}

// WithMaxWait sets how long an exchange may wait for the one in front of it to finish.
func WithMaxWait(d time.Duration) Option {
	return func(b *Bridge) {
		b.maxWait = d
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(b *Bridge) {
		b.log = l.Named("bridge").Sugar()
	}
}

func New(channel Channel, opts ...Option) *Bridge {
	b := &Bridge{
		log:     zap.NewNop().Sugar(),
		channel: channel,
		timeout: DefaultTimeout,
		maxWait: DefaultMaxWait,
		slot:    semaphore.NewWeighted(1),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// ExecuteString parses name as a command and executes it. Unknown names fail before any I/O.
func (b *Bridge) ExecuteString(ctx context.Context, name string) (protocol.Response, error) {
	cmd, err := protocol.ParseCommand(name)
	if err != nil {
		return protocol.Response{}, &Error{Kind: ErrInvalidCommand, Step: StepValidate, Command: name, Err: err}
	}
	return b.Execute(ctx, cmd)
}

// Execute runs one exchange: it opens the command pipe, starts listening for the response, sends the command, and
// waits for the response.
// The write and the read each get their own timeout window.
// Any failure is returned as an *Error. There are no retries.
func (b *Bridge) Execute(ctx context.Context, cmd protocol.Command) (protocol.Response, error) {
	payload, err := protocol.Encode(cmd)
	if err != nil {
		return protocol.Response{}, &Error{Kind: ErrInvalidCommand, Step: StepValidate, Command: cmd.String(), Err: err}
	}

	id := uuid.NewString()
	log := b.log.With("Exchange", id, "Command", cmd.String())
	fail := func(step Step, err error) (protocol.Response, error) {
		log.Debugw("exchange failed", "Step", step, "Error", err)
		return protocol.Response{}, &Error{Kind: kindOf(err), Step: step, Command: cmd.String(), ExchangeID: id, Err: err}
	}

	start := time.Now()
	err = b.acquire(ctx)
	if err != nil {
		return fail(StepWait, fmt.Errorf("%w: waiting for pending exchange: %w", ErrTimeout, err))
	}
	defer b.slot.Release(1)
	if waited := time.Since(start); waited > b.timeout {
		log.Debugw("waited for pending exchange", "Waited", waited)
	}

	// The host opens the command pipe only once it has finished answering the previous command, and the kernel drops
	// a FIFO's buffer when nobody has it open. Arming the read between the open and the send keeps a late answer to
	// an abandoned exchange out of this one.
	writeCtx, cancelWrite := context.WithTimeout(ctx, b.timeout)
	defer cancelWrite()
	writer, err := b.channel.OpenWriter(writeCtx)
	if err != nil {
		return fail(StepWrite, err)
	}
	defer writer.Close()

	listener, err := b.channel.Listen()
	if err != nil {
		return fail(StepListen, err)
	}
	defer listener.Close()

	err = writer.Send(writeCtx, payload)
	cancelWrite()
	if err != nil {
		return fail(StepWrite, err)
	}

	readCtx, cancelRead := context.WithTimeout(ctx, b.timeout)
	raw, err := listener.Read(readCtx)
	cancelRead()
	if err != nil {
		return fail(StepRead, err)
	}

	resp, err := protocol.Decode(raw)
	if err != nil {
		return fail(StepDecode, err)
	}

	log.Debugw("exchange complete", "URL", resp.URL, "Duration", time.Since(start))
	return resp, nil
}

func (b *Bridge) acquire(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, b.maxWait)
	defer cancel()
	return b.slot.Acquire(ctx, 1)
}
