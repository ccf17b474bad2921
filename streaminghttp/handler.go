package streaminghttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"

	"github.com/followdrabbit/mcp-protocol-lab/internal/engine"
	"github.com/followdrabbit/mcp-protocol-lab/internal/jsonrpc"
	"github.com/followdrabbit/mcp-protocol-lab/auth"
	"github.com/followdrabbit/mcp-protocol-lab/internal/logctx"
	"github.com/followdrabbit/mcp-protocol-lab/mcpservice"
	"github.com/followdrabbit/mcp-protocol-lab/sessions"
)

const (
	mcpSessionIDHeader = "Mcp-Session-Id"
	lastEventIDHeader  = "Last-Event-ID"

	// maxBodyBytes bounds a POSTed message.
	maxBodyBytes = 16 * 1024 * 1024
)

var (
	jsonMediaType        = contenttype.NewMediaType("application/json")
	eventStreamMediaType = contenttype.NewMediaType("text/event-stream")
	acceptableMediaTypes = []contenttype.MediaType{jsonMediaType, eventStreamMediaType}
)

// ErrSessionNotFound is returned for a session header naming no live session.
var ErrSessionNotFound = errors.New("session not found")

// Handler serves the streamable HTTP transport. It is an http.Handler for a
// single endpoint path and is safe for concurrent use.
type Handler struct {
	eng  *engine.Engine
	srv  mcpservice.ServerCapabilities
	host sessions.SessionHost
	log  *slog.Logger
	authn auth.Authenticator

	keepAlive time.Duration

	mu   sync.RWMutex
	live map[string]*engine.Session
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) HandlerOption {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithAuthenticator requires bearer authentication on every request.
func WithAuthenticator(a auth.Authenticator) HandlerOption {
	return func(h *Handler) { h.authn = a }
}

// WithSSEKeepAlive sets the comment-ping interval on GET streams. Zero
// disables keepalives; the default is 30 seconds.
func WithSSEKeepAlive(d time.Duration) HandlerOption {
	return func(h *Handler) { h.keepAlive = d }
}

// New builds a Handler over the capability surface and session host.
func New(srv mcpservice.ServerCapabilities, host sessions.SessionHost, opts ...HandlerOption) *Handler {
	h := &Handler{
		srv:       srv,
		host:      host,
		log:       slog.New(logctx.Handler{Handler: slog.NewTextHandler(os.Stderr, nil)}),
		keepAlive: 30 * time.Second,
		live:      make(map[string]*engine.Session),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.eng = engine.New(srv, engine.WithLogger(h.log))
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.authn != nil {
		if !h.checkAuthentication(w, r) {
			return
		}
	}
	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodGet:
		h.handleGet(w, r)
	case http.MethodDelete:
		h.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// checkAuthentication enforces the bearer scheme, reporting the principal via
// the request context on success.
func (h *Handler) checkAuthentication(w http.ResponseWriter, r *http.Request) bool {
	raw := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(raw, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || token == "" {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_request"`)
		w.WriteHeader(http.StatusUnauthorized)
		return false
	}
	ui, err := h.authn.CheckAuthentication(r.Context(), token)
	if err != nil {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		w.WriteHeader(http.StatusUnauthorized)
		return false
	}
	*r = *r.WithContext(withUserID(r.Context(), ui.UserID()))
	return true
}

type userIDKey struct{}

func withUserID(ctx context.Context, uid string) context.Context {
	return context.WithValue(ctx, userIDKey{}, uid)
}

func userIDFrom(ctx context.Context) string {
	uid, _ := ctx.Value(userIDKey{}).(string)
	if uid == "" {
		return "anonymous"
	}
	return uid
}

// handlePost accepts one JSON-RPC message per request body. Requests produce
// their terminal response in the HTTP response body (JSON, or a single SSE
// event when the client only accepts event streams); notifications and
// responses are acknowledged with 202.
func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		return
	}
	accepted, _, err := contenttype.GetAcceptableMediaType(r, acceptableMediaTypes)
	if err != nil {
		w.WriteHeader(http.StatusNotAcceptable)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if len(body) > maxBodyBytes {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		return
	}

	peek := peekMessage(body)

	var sess *engine.Session
	isInit := peek.method == "initialize"
	if isInit {
		sess = h.eng.NewSession(userIDFrom(ctx))
	} else {
		sess = h.lookupSession(r)
		if sess == nil {
			h.log.DebugContext(ctx, "post rejected", slog.String("err", ErrSessionNotFound.Error()))
			w.WriteHeader(http.StatusNotFound)
			return
		}
	}

	// The engine writes at most one terminal response for the posted
	// message; anything else it emits (change notifications, pings) belongs
	// on the session's event stream and goes through the host.
	respCh := make(chan jsonrpc.Message, 1)
	write := func(ctx context.Context, msg jsonrpc.Message) error {
		if mp := peekMessage(msg); mp.method == "" && peek.hasID && bytes.Equal(mp.idRaw, peek.idRaw) {
			select {
			case respCh <- msg:
			default:
			}
			return nil
		}
		_, err := h.host.PublishSession(ctx, sess.SessionID(), msg)
		return err
	}

	handleErr := h.eng.HandleMessage(ctx, sess, body, write)

	if !peek.hasID {
		// Notification or response: nothing to return.
		if handleErr != nil && !errors.Is(handleErr, engine.ErrSessionClosed) {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		// Notifications can advance the session state (initialized); keep the
		// persisted identity current so other nodes adopt the right state.
		if handleErr == nil {
			h.persistMeta(ctx, sess)
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	var resp jsonrpc.Message
	select {
	case resp = <-respCh:
	default:
		if errors.Is(handleErr, engine.ErrRequestCancelled) {
			// The peer cancelled the request; the missing response is the
			// contract, not a fault.
			h.log.DebugContext(ctx, "request cancelled before a response", slog.String("id", string(peek.idRaw)))
			w.WriteHeader(http.StatusAccepted)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "request produced no terminal response")
		return
	}

	if isInit && handleErr == nil {
		h.mu.Lock()
		h.live[sess.SessionID()] = sess
		h.mu.Unlock()
		h.persistMeta(ctx, sess)
		w.Header().Set(mcpSessionIDHeader, sess.SessionID())
	}

	if accepted.Matches(eventStreamMediaType) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "event: message\ndata: %s\n\n", resp)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp)
}

// handleGet opens the session's server-to-client event stream, replaying
// missed messages after the client's Last-Event-ID.
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	// The keepalive goroutine must stop when this handler returns for any
	// reason, not only when the request context ends.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if _, _, err := contenttype.GetAcceptableMediaType(r, []contenttype.MediaType{eventStreamMediaType}); err != nil {
		w.WriteHeader(http.StatusNotAcceptable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "response writer cannot stream")
		return
	}
	sess := h.lookupSession(r)
	if sess == nil {
		h.log.DebugContext(ctx, "stream rejected", slog.String("err", ErrSessionNotFound.Error()))
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set(mcpSessionIDHeader, sess.SessionID())
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var wmu sync.Mutex
	if h.keepAlive > 0 {
		kaDone := make(chan struct{})
		go func() {
			defer close(kaDone)
			ticker := time.NewTicker(h.keepAlive)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					wmu.Lock()
					_, err := io.WriteString(w, ": keepalive\n\n")
					if err == nil {
						flusher.Flush()
					}
					wmu.Unlock()
					if err != nil {
						return
					}
				}
			}
		}()
		defer func() {
			cancel()
			<-kaDone
		}()
	}

	lastEventID := r.Header.Get(lastEventIDHeader)
	err := h.host.SubscribeSession(ctx, sess.SessionID(), lastEventID, func(ctx context.Context, msgID string, msg []byte) error {
		wmu.Lock()
		defer wmu.Unlock()
		if _, err := fmt.Fprintf(w, "id: %s\nevent: message\ndata: %s\n\n", msgID, msg); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		h.log.DebugContext(ctx, "event stream ended", slog.String("err", err.Error()))
	}
}

// handleDelete terminates the session named by the header. Sessions opened
// on another node are adopted from persisted identity so any node can honor
// the termination.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sid := r.Header.Get(mcpSessionIDHeader)
	if sid == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	sess := h.live[sid]
	delete(h.live, sid)
	h.mu.Unlock()
	if sess == nil {
		meta, ok, err := h.host.GetSessionMeta(ctx, sid)
		if err != nil || !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		sess = h.eng.AdoptSession(sid, meta.UserID, meta.ProtocolVersion, meta.State)
	}
	h.eng.CloseSession(ctx, sess)
	if err := h.host.CleanupSession(context.WithoutCancel(ctx), sid); err != nil {
		h.log.WarnContext(ctx, "session cleanup failed", slog.String("err", err.Error()))
	}
	w.WriteHeader(http.StatusNoContent)
}

// Close terminates every live session. Intended for server shutdown.
func (h *Handler) Close(ctx context.Context) {
	h.mu.Lock()
	live := h.live
	h.live = make(map[string]*engine.Session)
	h.mu.Unlock()
	for sid, sess := range live {
		h.eng.CloseSession(ctx, sess)
		_ = h.host.CleanupSession(ctx, sid)
	}
}

// lookupSession resolves the session header against this node's live table,
// falling back to persisted identity so a session negotiated on another node
// can be adopted here.
func (h *Handler) lookupSession(r *http.Request) *engine.Session {
	sid := r.Header.Get(mcpSessionIDHeader)
	if sid == "" {
		return nil
	}
	h.mu.RLock()
	sess := h.live[sid]
	h.mu.RUnlock()
	if sess != nil {
		return sess
	}

	meta, ok, err := h.host.GetSessionMeta(r.Context(), sid)
	if err != nil || !ok {
		return nil
	}
	adopted := h.eng.AdoptSession(sid, meta.UserID, meta.ProtocolVersion, meta.State)
	h.mu.Lock()
	defer h.mu.Unlock()
	if existing := h.live[sid]; existing != nil {
		return existing
	}
	h.live[sid] = adopted
	return adopted
}

// persistMeta records the session's current identity on the host; failures
// degrade multi-node adoption, not this request.
func (h *Handler) persistMeta(ctx context.Context, sess *engine.Session) {
	meta := sessions.SessionMetadata{
		UserID:          sess.UserID(),
		ProtocolVersion: sess.ProtocolVersion(),
		State:           sess.State(),
	}
	if err := h.host.PutSessionMeta(ctx, sess.SessionID(), meta); err != nil {
		h.log.WarnContext(ctx, "persist session metadata failed", slog.String("err", err.Error()))
	}
}

// messagePeek is the minimal envelope view needed for routing decisions.
type messagePeek struct {
	method string
	idRaw  json.RawMessage
	hasID  bool
}

func peekMessage(payload []byte) messagePeek {
	var p struct {
		Method string          `json:"method"`
		ID     json.RawMessage `json:"id"`
	}
	_ = json.Unmarshal(payload, &p)
	hasID := len(p.ID) > 0 && !bytes.Equal(p.ID, []byte("null"))
	// A response peeks as method=="": it carries an ID but expects no reply.
	if p.Method == "" {
		hasID = false
	}
	return messagePeek{method: p.Method, idRaw: p.ID, hasID: hasID}
}
