package pipe

import (
	"context"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

const unblockInterval = 10 * time.Millisecond

type openResult struct {
	f   *os.File
	err error
}

// openContext opens path like os.OpenFile, but gives up when ctx is done.
//
// Opening a FIFO blocks until the other end is opened too. If ctx is done first, the pending open is woken by briefly
// opening the opposite end without blocking, and the resulting file is closed before returning, so an abandoned open never
// holds on to the pipe.
func openContext(ctx context.Context, path string, flag int) (*os.File, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	done := make(chan openResult, 1)
	go func() {
		f, err := os.OpenFile(path, flag, 0)
		done <- openResult{f: f, err: err}
	}()

	select {
	case r := <-done:
		return r.f, r.err
	case <-ctx.Done():
	}

	// The opener may not have reached the open syscall yet, in which case there's no one to wake, so keep trying.
	ticker := time.NewTicker(unblockInterval)
	defer ticker.Stop()
	for {
		unblockOpen(path, flag)
		select {
		case r := <-done:
			if r.f != nil {
				r.f.Close()
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// unblockOpen wakes a blocked open of the FIFO at path by opening and immediately closing its other end.
func unblockOpen(path string, flag int) {
	peer := unix.O_RDONLY
	if flag&(os.O_WRONLY|os.O_RDWR) == 0 {
		peer = unix.O_WRONLY
	}
	fd, err := unix.Open(path, peer|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		// ENXIO: nobody is waiting on the read side yet.
		return
	}
	_ = unix.Close(fd)
}
