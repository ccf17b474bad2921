package client

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	mcpSessionIDHeader = "Mcp-Session-Id"
	lastEventIDHeader  = "Last-Event-ID"
)

// HTTPTransport speaks the streamable HTTP transport: messages POST to the
// endpoint, and server-initiated messages arrive on a GET event stream that
// resumes from the last seen event ID after a drop.
type HTTPTransport struct {
	endpoint string
	hc       *http.Client
	bearer   string
	log      *slog.Logger

	mu          sync.Mutex
	sessionID   string
	lastEventID string
	recv        ReceiveFunc

	streamCtx    context.Context
	streamCancel context.CancelFunc
	streamOnce   sync.Once
	closeOnce    sync.Once
}

// HTTPOption configures an HTTPTransport.
type HTTPOption func(*HTTPTransport)

// WithHTTPClient overrides the underlying http.Client.
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(t *HTTPTransport) {
		if hc != nil {
			t.hc = hc
		}
	}
}

// WithBearerToken attaches a bearer token to every request.
func WithBearerToken(tok string) HTTPOption {
	return func(t *HTTPTransport) { t.bearer = tok }
}

// WithHTTPLogger sets the transport logger.
func WithHTTPLogger(l *slog.Logger) HTTPOption {
	return func(t *HTTPTransport) {
		if l != nil {
			t.log = l
		}
	}
}

// NewHTTPTransport builds a transport for the given endpoint URL.
func NewHTTPTransport(endpoint string, opts ...HTTPOption) *HTTPTransport {
	t := &HTTPTransport{endpoint: endpoint, hc: http.DefaultClient, log: slog.Default()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *HTTPTransport) Start(ctx context.Context, recv ReceiveFunc) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.recv != nil {
		return errors.New("transport already started")
	}
	t.recv = recv
	t.streamCtx, t.streamCancel = context.WithCancel(context.WithoutCancel(ctx))
	return nil
}

func (t *HTTPTransport) Send(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	t.decorate(req)

	resp, err := t.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if sid := resp.Header.Get(mcpSessionIDHeader); sid != "" {
		t.mu.Lock()
		fresh := t.sessionID == ""
		t.sessionID = sid
		t.mu.Unlock()
		if fresh {
			// Session established: open the server-to-client stream.
			t.streamOnce.Do(func() { go t.streamLoop() })
		}
	}

	switch resp.StatusCode {
	case http.StatusAccepted:
		return nil
	case http.StatusOK:
		// Fall through to body handling.
	default:
		return fmt.Errorf("post %s: unexpected status %d", t.endpoint, resp.StatusCode)
	}

	ct := resp.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(ct, "text/event-stream"):
		return parseSSE(resp.Body, func(id string, data []byte) error {
			t.deliver(ctx, data)
			return nil
		})
	default:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if len(bytes.TrimSpace(body)) > 0 {
			t.deliver(ctx, body)
		}
		return nil
	}
}

// Close tears the session down with a DELETE and stops the event stream.
func (t *HTTPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		if t.streamCancel != nil {
			t.streamCancel()
		}
		t.mu.Lock()
		sid := t.sessionID
		t.mu.Unlock()
		if sid == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		req, rerr := http.NewRequestWithContext(ctx, http.MethodDelete, t.endpoint, nil)
		if rerr != nil {
			err = rerr
			return
		}
		t.decorate(req)
		resp, derr := t.hc.Do(req)
		if derr != nil {
			err = derr
			return
		}
		resp.Body.Close()
	})
	return err
}

func (t *HTTPTransport) decorate(req *http.Request) {
	t.mu.Lock()
	if t.sessionID != "" {
		req.Header.Set(mcpSessionIDHeader, t.sessionID)
	}
	t.mu.Unlock()
	if t.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+t.bearer)
	}
}

func (t *HTTPTransport) deliver(ctx context.Context, payload []byte) {
	t.mu.Lock()
	recv := t.recv
	t.mu.Unlock()
	if recv != nil {
		recv(ctx, payload)
	}
}

// streamLoop keeps the GET event stream open, resuming from the last seen
// event ID after each drop.
func (t *HTTPTransport) streamLoop() {
	ctx := t.streamCtx
	for {
		if ctx.Err() != nil {
			return
		}
		if err := t.streamOnce2(ctx); err != nil && ctx.Err() == nil {
			t.log.Debug("event stream dropped; reconnecting", slog.String("err", err.Error()))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(250 * time.Millisecond):
		}
	}
}

func (t *HTTPTransport) streamOnce2(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	t.mu.Lock()
	if t.lastEventID != "" {
		req.Header.Set(lastEventIDHeader, t.lastEventID)
	}
	t.mu.Unlock()
	t.decorate(req)

	resp, err := t.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("get %s: unexpected status %d", t.endpoint, resp.StatusCode)
	}

	return parseSSE(resp.Body, func(id string, data []byte) error {
		if id != "" {
			t.mu.Lock()
			t.lastEventID = id
			t.mu.Unlock()
		}
		t.deliver(ctx, data)
		return nil
	})
}

// parseSSE reads a Server-Sent Events stream, invoking fn once per event with
// its ID (may be empty) and concatenated data payload. Comment lines are
// skipped. Returns when the stream ends or fn fails.
func parseSSE(r io.Reader, fn func(id string, data []byte) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxFrameBytes)

	var id string
	var data [][]byte
	flush := func() error {
		if len(data) == 0 {
			id = ""
			return nil
		}
		payload := bytes.Join(data, []byte{'\n'})
		evID := id
		id, data = "", nil
		return fn(evID, payload)
	}

	for scanner.Scan() {
		line := scanner.Bytes()
		switch {
		case len(line) == 0:
			if err := flush(); err != nil {
				return err
			}
		case line[0] == ':':
			// keepalive comment
		case bytes.HasPrefix(line, []byte("id:")):
			id = string(bytes.TrimSpace(line[len("id:"):]))
		case bytes.HasPrefix(line, []byte("data:")):
			d := bytes.TrimSpace(line[len("data:"):])
			cp := make([]byte, len(d))
			copy(cp, d)
			data = append(data, cp)
		default:
			// event: and other fields carry no routing information here.
		}
	}
	if err := flush(); err != nil {
		return err
	}
	return scanner.Err()
}
