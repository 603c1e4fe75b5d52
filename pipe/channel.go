package pipe

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
)

// Names are from the host process's perspective.
const (
	DefaultWriterPath = "/tmp/sshx-host-runner-read"
	DefaultReaderPath = "/tmp/sshx-host-runner-write"
)

var (
	ErrTimeout = errors.New("pipe operation timed out")
	ErrIO      = errors.New("pipe I/O failed")
)

// Channel is a pair of named pipes shared with the host process.
// The pipes are owned by the host, and are opened fresh for every read and write.
type Channel struct {
	// WriterPath is where commands are written. The host reads from it.
	WriterPath string
	// ReaderPath is where responses are read from. The host writes to it.
	ReaderPath string
}

func New(writerPath, readerPath string) *Channel {
	return &Channel{WriterPath: writerPath, ReaderPath: readerPath}
}

// Read opens the reader pipe and reads until the host closes its end.
// It returns an error wrapping ErrTimeout if ctx is done first, or ErrIO on any other failure.
func (c *Channel) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrapErr(ctx, "opening reader pipe", err)
	}
	l, err := c.Listen()
	if err != nil {
		return nil, err
	}
	defer l.Close()
	return l.Read(ctx)
}

// Write opens the writer pipe, writes the whole payload, and closes it.
// Errors are classified the same way as Read.
func (c *Channel) Write(ctx context.Context, payload []byte) error {
	w, err := c.OpenWriter(ctx)
	if err != nil {
		return err
	}
	return w.Send(ctx, payload)
}

// Writer is an open write end of the writer pipe.
type Writer struct {
	f      *os.File
	closed bool
}

// OpenWriter opens the writer pipe, waiting until the host opens its end or ctx is done.
// The host only opens its end once it is done answering the previous command.
func (c *Channel) OpenWriter(ctx context.Context) (*Writer, error) {
	f, err := openContext(ctx, c.WriterPath, os.O_WRONLY|os.O_TRUNC)
	if err != nil {
		return nil, wrapErr(ctx, "opening writer pipe", err)
	}
	return &Writer{f: f}, nil
}

// Send writes the whole payload and closes the pipe, which tells the host the command is complete.
func (w *Writer) Send(ctx context.Context, payload []byte) error {
	if w.closed {
		return fmt.Errorf("%w: writer pipe already closed", ErrIO)
	}
	stop, err := bindDeadline(ctx, w.f.SetWriteDeadline)
	if err != nil {
		w.Close()
		return wrapErr(ctx, "setting write deadline", err)
	}
	defer stop()

	_, err = w.f.Write(payload)
	if err != nil {
		w.Close()
		return wrapErr(ctx, "writing writer pipe", err)
	}
	err = w.Close()
	if err != nil {
		return wrapErr(ctx, "closing writer pipe", err)
	}
	return nil
}

// Close closes the pipe without sending anything. It is a no-op after Send.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.f.Close()
}

// Check reports an error if either path is missing. It does not create anything.
func (c *Channel) Check() error {
	for _, p := range []string{c.WriterPath, c.ReaderPath} {
		fi, err := os.Stat(p)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrIO, err)
		}
		if fi.IsDir() {
			return fmt.Errorf("%w: %s is a directory", ErrIO, p)
		}
	}
	return nil
}

// IsFIFO reports whether path is a named pipe, as opposed to a regular file standing in for one.
func IsFIFO(path string) bool {
	fi, err := os.Stat(path)
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeNamedPipe != 0
}

// bindDeadline applies ctx's deadline and cancellation to an open file.
// Regular files don't support deadlines, which is fine since they never block.
func bindDeadline(ctx context.Context, set func(time.Time) error) (func() bool, error) {
	if dl, ok := ctx.Deadline(); ok {
		err := set(dl)
		if errors.Is(err, os.ErrNoDeadline) {
			return func() bool { return false }, nil
		}
		if err != nil {
			return nil, err
		}
	}
	return context.AfterFunc(ctx, func() { _ = set(time.Now()) }), nil
}

func wrapErr(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil || errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", ErrTimeout, op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrIO, op, err)
}
