package client

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"
)

// ReceiveFunc consumes one raw incoming message.
type ReceiveFunc func(ctx context.Context, payload []byte)

// Transport moves raw JSON-RPC messages between the client and a server.
// Start may be called once; Send is safe for concurrent use after Start.
type Transport interface {
	// Start opens the connection and begins delivering incoming messages to
	// recv on an internal goroutine. It returns once the connection is up.
	Start(ctx context.Context, recv ReceiveFunc) error
	Send(ctx context.Context, payload []byte) error
	Close() error
}

// maxFrameBytes bounds one newline-delimited message from a child process.
const maxFrameBytes = 16 * 1024 * 1024

// CommandTransport runs the server as a child process and speaks
// newline-delimited JSON over its stdin/stdout. The child's stderr is drained
// to the logger so a crashing server leaves a trace.
type CommandTransport struct {
	cmd *exec.Cmd
	log *slog.Logger

	wmu   sync.Mutex
	stdin io.WriteCloser

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
	waitErr   error
}

// CommandOption configures a CommandTransport.
type CommandOption func(*CommandTransport)

// WithCommandLogger sets the logger draining the child's stderr.
func WithCommandLogger(l *slog.Logger) CommandOption {
	return func(t *CommandTransport) {
		if l != nil {
			t.log = l
		}
	}
}

// NewCommandTransport builds a transport around the given command. The
// command must not have been started.
func NewCommandTransport(cmd *exec.Cmd, opts ...CommandOption) *CommandTransport {
	t := &CommandTransport{cmd: cmd, log: slog.Default(), done: make(chan struct{})}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Command is a convenience constructor: NewCommandTransport over exec.Command.
func Command(name string, args ...string) *CommandTransport {
	return NewCommandTransport(exec.Command(name, args...))
}

func (t *CommandTransport) Start(ctx context.Context, recv ReceiveFunc) error {
	var err error
	started := false
	t.startOnce.Do(func() {
		started = true
		err = t.start(ctx, recv)
	})
	if !started {
		return errors.New("transport already started")
	}
	return err
}

func (t *CommandTransport) start(ctx context.Context, recv ReceiveFunc) error {
	stdin, err := t.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("open stdin: %w", err)
	}
	stdout, err := t.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("open stdout: %w", err)
	}
	stderr, err := t.cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("open stderr: %w", err)
	}
	if err := t.cmd.Start(); err != nil {
		return fmt.Errorf("spawn server: %w", err)
	}
	t.stdin = stdin

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			t.log.Debug("server stderr", slog.String("line", scanner.Text()))
		}
	}()

	go func() {
		defer close(t.done)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), maxFrameBytes)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			payload := make([]byte, len(line))
			copy(payload, line)
			recv(ctx, payload)
		}
		t.waitErr = t.cmd.Wait()
	}()
	return nil
}

func (t *CommandTransport) Send(ctx context.Context, payload []byte) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	if t.stdin == nil {
		return errors.New("transport not started")
	}
	if _, err := t.stdin.Write(payload); err != nil {
		return err
	}
	_, err := t.stdin.Write([]byte{'\n'})
	return err
}

// Close ends the child process: stdin closes (the server sees EOF and exits),
// and a straggler is killed after a grace period.
func (t *CommandTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.wmu.Lock()
		if t.stdin != nil {
			err = t.stdin.Close()
		}
		t.wmu.Unlock()
		if t.cmd.Process == nil {
			return
		}
		select {
		case <-t.done:
		case <-time.After(5 * time.Second):
			_ = t.cmd.Process.Kill()
			<-t.done
		}
	})
	return err
}

// IOTransport speaks newline-delimited JSON over caller-supplied streams.
// It backs in-process tests where the server side runs over piped readers
// and writers instead of a child process.
type IOTransport struct {
	r io.Reader
	w io.Writer

	wmu       sync.Mutex
	closeFn   func() error
	startOnce sync.Once
}

// NewIOTransport builds a transport over r/w. closeFn, if non-nil, runs on
// Close (typically closing the write side of a pipe).
func NewIOTransport(r io.Reader, w io.Writer, closeFn func() error) *IOTransport {
	return &IOTransport{r: r, w: w, closeFn: closeFn}
}

func (t *IOTransport) Start(ctx context.Context, recv ReceiveFunc) error {
	started := false
	t.startOnce.Do(func() {
		started = true
		go func() {
			scanner := bufio.NewScanner(t.r)
			scanner.Buffer(make([]byte, 64*1024), maxFrameBytes)
			for scanner.Scan() {
				line := bytes.TrimSpace(scanner.Bytes())
				if len(line) == 0 {
					continue
				}
				payload := make([]byte, len(line))
				copy(payload, line)
				recv(ctx, payload)
			}
		}()
	})
	if !started {
		return errors.New("transport already started")
	}
	return nil
}

func (t *IOTransport) Send(ctx context.Context, payload []byte) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	if _, err := t.w.Write(payload); err != nil {
		return err
	}
	_, err := t.w.Write([]byte{'\n'})
	return err
}

func (t *IOTransport) Close() error {
	if t.closeFn != nil {
		return t.closeFn()
	}
	return nil
}
