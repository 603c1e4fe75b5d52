// Package hosttest runs a stand-in for the host process over real named pipes, for tests.
package hosttest

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/guseggert/pipebridge/pipe"
	"golang.org/x/sys/unix"
)

// Responder decides the response to a command. Returning false sends nothing.
type Responder func(command string) (string, bool)

// StaticURL responds to every command with url.
func StaticURL(url string) Responder {
	return func(string) (string, bool) { return url, true }
}

// Silent never responds.
func Silent() Responder {
	return func(string) (string, bool) { return "", false }
}

// Host loops the way the real host does: it waits for a command on one pipe, then opens the other pipe read-write
// (which never blocks), writes the response, and closes it.
type Host struct {
	Channel *pipe.Channel

	respond Responder

	mut      sync.Mutex
	commands []string

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// Start creates a fresh pair of FIFOs and serves them until the test ends.
func Start(t testing.TB, respond Responder) *Host {
	t.Helper()
	dir := t.TempDir()
	ch := pipe.New(filepath.Join(dir, "host-runner-read"), filepath.Join(dir, "host-runner-write"))
	for _, p := range []string{ch.WriterPath, ch.ReaderPath} {
		if err := unix.Mkfifo(p, 0o600); err != nil {
			t.Fatalf("creating FIFO %s: %s", p, err)
		}
	}
	h := &Host{
		Channel: ch,
		respond: respond,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go h.serve()
	t.Cleanup(h.Stop)
	return h
}

// Commands returns the commands received so far, in order.
func (h *Host) Commands() []string {
	h.mut.Lock()
	defer h.mut.Unlock()
	return append([]string(nil), h.commands...)
}

func (h *Host) serve() {
	defer close(h.done)
	for {
		cmd, err := h.readCommand()
		select {
		case <-h.stop:
			return
		default:
		}
		if err != nil {
			continue
		}

		h.mut.Lock()
		h.commands = append(h.commands, cmd)
		h.mut.Unlock()

		resp, ok := h.respond(cmd)
		if !ok {
			continue
		}
		_ = h.writeResponse(resp)
	}
}

func (h *Host) readCommand() (string, error) {
	f, err := os.Open(h.Channel.WriterPath)
	if err != nil {
		return "", err
	}
	defer f.Close()
	b, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (h *Host) writeResponse(resp string) error {
	f, err := os.OpenFile(h.Channel.ReaderPath, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	_, err = f.Write([]byte(resp))
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	return err
}

// Stop shuts the host loop down and waits for it to exit.
func (h *Host) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		// wake the loop if it's blocked opening the command pipe
		fd, err := unix.Open(h.Channel.WriterPath, unix.O_WRONLY|unix.O_NONBLOCK, 0)
		if err == nil {
			unix.Close(fd)
		}
		select {
		case <-h.done:
			return
		case <-ticker.C:
		}
	}
}

// Counter responds with a URL that names the command and how many commands came before it, so a test can tell
// whose response a caller received.
func Counter(base string) Responder {
	var (
		mut sync.Mutex
		n   int
	)
	return func(command string) (string, bool) {
		mut.Lock()
		defer mut.Unlock()
		n++
		return fmt.Sprintf("%s/%s/%d\n", base, strings.TrimSpace(command), n), true
	}
}
