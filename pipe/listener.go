package pipe

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

const readChunk = 4096

// Listener is an open read end of the reader pipe.
//
// Opening it doesn't block, and once it is open anything the host writes to the pipe is buffered by the kernel until
// Read collects it. This is what lets a command be written only after the response side is already listening.
type Listener struct {
	path string
	f    *os.File
	fifo bool
}

// Listen opens the reader pipe without waiting for the host to open its end.
func (c *Channel) Listen() (*Listener, error) {
	fifo := IsFIFO(c.ReaderPath)
	flag := os.O_RDONLY
	if fifo {
		flag |= unix.O_NONBLOCK
	}
	f, err := os.OpenFile(c.ReaderPath, flag, 0)
	if err != nil {
		return nil, wrapErr(context.Background(), "opening reader pipe", err)
	}
	return &Listener{path: c.ReaderPath, f: f, fifo: fifo}, nil
}

// Read waits for the host to write a response and close its end of the pipe, and returns everything it wrote.
func (l *Listener) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrapErr(ctx, "reading reader pipe", err)
	}
	if !l.fifo {
		b, err := io.ReadAll(l.f)
		if err != nil {
			return nil, wrapErr(ctx, "reading reader pipe", err)
		}
		return b, nil
	}

	stop, err := bindDeadline(ctx, l.f.SetReadDeadline)
	if err != nil {
		return nil, wrapErr(ctx, "setting read deadline", err)
	}
	defer stop()

	rc, err := l.f.SyscallConn()
	if err != nil {
		return nil, wrapErr(ctx, "reading reader pipe", err)
	}

	var (
		buf     bytes.Buffer
		chunk   [readChunk]byte
		readErr error
	)
	// Returning false waits for the pipe to become readable (or for the deadline) and calls the func again.
	err = rc.Read(func(fd uintptr) bool {
		for {
			n, err := unix.Read(int(fd), chunk[:])
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if errors.Is(err, unix.EAGAIN) {
				return false
			}
			if err != nil {
				readErr = err
				return true
			}
			if n > 0 {
				buf.Write(chunk[:n])
				continue
			}
			// A FIFO with no writers reads as EOF, whether or not one has connected yet.
			if buf.Len() > 0 || writerHungUp(int(fd)) {
				return true
			}
			return false
		}
	})
	if err == nil {
		err = readErr
	}
	if err != nil {
		return nil, wrapErr(ctx, "reading reader pipe", err)
	}
	return buf.Bytes(), nil
}

func (l *Listener) Close() error {
	return l.f.Close()
}

// writerHungUp reports whether a writer has opened and then closed the FIFO since this read end was opened.
// The kernel only reports POLLHUP on a FIFO after a writer has come and gone, not before any writer has shown up.
func writerHungUp(fd int) bool {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		_, err := unix.Poll(fds, 0)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return true
		}
		return fds[0].Revents&unix.POLLHUP != 0
	}
}
