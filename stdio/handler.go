package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/followdrabbit/mcp-protocol-lab/internal/engine"
	"github.com/followdrabbit/mcp-protocol-lab/internal/jsonrpc"
	"github.com/followdrabbit/mcp-protocol-lab/internal/logctx"
	"github.com/followdrabbit/mcp-protocol-lab/internal/outbound"
	"github.com/followdrabbit/mcp-protocol-lab/mcp"
	"github.com/followdrabbit/mcp-protocol-lab/mcpservice"
	"github.com/followdrabbit/mcp-protocol-lab/sessions"
)

// maxLineBytes bounds a single framed message. Oversized lines fail the scan
// rather than buffering without limit.
const maxLineBytes = 16 * 1024 * 1024

// Handler is a single-connection stdio transport. It owns framing and the
// write lock; all protocol semantics live in the engine and the provided
// capability surface.
type Handler struct {
	srv mcpservice.ServerCapabilities
	eng *engine.Engine

	r io.Reader
	w io.Writer
	l *slog.Logger

	userProvider UserProvider
	keepAlive    time.Duration

	wmu sync.Mutex

	serveOnce sync.Once
}

// NewHandler constructs a stdio Handler with defaults and applies options.
func NewHandler(srv mcpservice.ServerCapabilities, opts ...Option) *Handler {
	h := &Handler{
		srv:          srv,
		r:            os.Stdin,
		w:            os.Stdout,
		l:            slog.New(logctx.Handler{Handler: slog.NewTextHandler(os.Stderr, nil)}),
		userProvider: OSUserProvider{},
	}
	for _, opt := range opts {
		opt(h)
	}
	h.eng = engine.New(srv, engine.WithLogger(h.l))
	return h
}

// Serve runs the event loop until EOF on the reader or ctx ends. It may be
// called at most once per Handler.
func (h *Handler) Serve(ctx context.Context) error {
	already := true
	h.serveOnce.Do(func() { already = false })
	if already {
		return errors.New("stdio: Serve called twice")
	}

	uid, err := h.userProvider.CurrentUserID()
	if err != nil {
		return fmt.Errorf("resolve user: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sess := h.eng.NewSession(uid)
	disp := outbound.New(&wire{h: h})
	sess.BindOutbound(disp)
	defer h.eng.CloseSession(context.WithoutCancel(ctx), sess)

	if h.keepAlive > 0 {
		go h.keepAliveLoop(ctx, sess, disp)
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	scanner := bufio.NewScanner(h.r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		// Scanner reuses its buffer between lines.
		payload := make([]byte, len(line))
		copy(payload, line)

		// Requests on a ready session run concurrently so a cancellation
		// notice read later can still reach them. Everything else (the
		// handshake, notifications, responses) is handled in arrival order.
		if isRequest(payload) && sess.State() == sessions.StateReady {
			wg.Add(1)
			go func() {
				defer wg.Done()
				h.handle(ctx, sess, payload)
			}()
			continue
		}
		if err := h.handleErr(ctx, sess, payload); err != nil {
			if errors.Is(err, engine.ErrSessionClosed) {
				return nil
			}
			if errors.Is(err, engine.ErrRequestCancelled) {
				continue
			}
			return err
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		return fmt.Errorf("read frames: %w", err)
	}
	return nil
}

func (h *Handler) handle(ctx context.Context, sess *engine.Session, payload []byte) {
	err := h.handleErr(ctx, sess, payload)
	if err != nil && !errors.Is(err, engine.ErrSessionClosed) && !errors.Is(err, engine.ErrRequestCancelled) {
		h.l.ErrorContext(ctx, "message handling failed", slog.String("err", err.Error()))
	}
}

func (h *Handler) handleErr(ctx context.Context, sess *engine.Session, payload []byte) error {
	return h.eng.HandleMessage(ctx, sess, payload, h.write)
}

// write emits one framed message. The mutex keeps concurrent responses from
// interleaving bytes on the shared writer.
func (h *Handler) write(ctx context.Context, msg jsonrpc.Message) error {
	h.wmu.Lock()
	defer h.wmu.Unlock()
	if _, err := h.w.Write(msg); err != nil {
		return err
	}
	_, err := h.w.Write([]byte{'\n'})
	return err
}

func (h *Handler) keepAliveLoop(ctx context.Context, sess *engine.Session, disp *outbound.Dispatcher) {
	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if sess.State() != sessions.StateReady {
				continue
			}
			pctx, cancel := context.WithTimeout(ctx, h.keepAlive)
			_, err := disp.Call(pctx, string(mcp.PingMethod), struct{}{})
			cancel()
			if err != nil && !errors.Is(err, context.Canceled) {
				h.l.WarnContext(ctx, "keepalive ping failed", slog.String("err", err.Error()))
			}
		}
	}
}

// wire adapts the handler's framed writer to the outbound dispatcher.
type wire struct {
	h *Handler
}

func (w *wire) SendRequest(ctx context.Context, id *jsonrpc.RequestID, req *jsonrpc.Request) error {
	b, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return w.h.write(ctx, b)
}

func (w *wire) SendCancelled(ctx context.Context, requestID string) error {
	note, err := jsonrpc.NewNotification(string(mcp.CancelledNotificationMethod), &mcp.CancelledNotification{RequestID: requestID})
	if err != nil {
		return err
	}
	b, err := json.Marshal(note)
	if err != nil {
		return err
	}
	return w.h.write(ctx, b)
}

// isRequest peeks at the envelope just far enough to tell a request (method
// and ID both present) from notifications and responses.
func isRequest(payload []byte) bool {
	var peek struct {
		Method string          `json:"method"`
		ID     json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(payload, &peek); err != nil {
		return false
	}
	return peek.Method != "" && len(peek.ID) > 0 && !bytes.Equal(peek.ID, []byte("null"))
}
