// Package engine is the transport-independent core of the server side: it
// routes decoded JSON-RPC messages for a session through the capability
// surface and guarantees exactly one terminal response per request.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/followdrabbit/mcp-protocol-lab/internal/jsonrpc"
	"github.com/followdrabbit/mcp-protocol-lab/internal/logctx"
	"github.com/followdrabbit/mcp-protocol-lab/internal/outbound"
	"github.com/followdrabbit/mcp-protocol-lab/mcp"
	"github.com/followdrabbit/mcp-protocol-lab/mcpservice"
	"github.com/followdrabbit/mcp-protocol-lab/sessions"
)

var (
	// ErrSessionClosed is returned when a message arrives for a session that
	// has reached its terminal state.
	ErrSessionClosed = errors.New("session closed")

	// ErrRequestCancelled is returned by HandleMessage for a request the peer
	// cancelled: the identifier is retired and no terminal response is
	// written. Transports treat it as acknowledged, not failed.
	ErrRequestCancelled = errors.New("request cancelled by peer")

	// errPeerCancelled is the cancellation cause installed when the client
	// sends notifications/cancelled for an in-flight request.
	errPeerCancelled = errors.New("cancelled by peer")
)

// WriteFunc delivers one encoded JSON-RPC message to the session's client.
// Transports supply it; the engine never touches the wire directly.
type WriteFunc func(ctx context.Context, msg jsonrpc.Message) error

// Engine routes messages for sessions against a ServerCapabilities. It is
// shared across sessions and safe for concurrent use.
type Engine struct {
	srv mcpservice.ServerCapabilities
	log *slog.Logger
	id  string

	handlerTimeout time.Duration

	mu       sync.Mutex
	inflight map[string]map[string]context.CancelCauseFunc // sessionID -> requestID -> cancel
	subStops map[string]map[string]context.CancelFunc      // sessionID -> uri -> stop emitter
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger. Nil is ignored.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithHandlerTimeout bounds every capability handler invocation. It overrides
// a timeout carried by the capabilities value. Zero means unbounded.
func WithHandlerTimeout(d time.Duration) Option {
	return func(e *Engine) { e.handlerTimeout = d }
}

// New builds an Engine over the given capability surface.
func New(srv mcpservice.ServerCapabilities, opts ...Option) *Engine {
	e := &Engine{
		srv:      srv,
		log:      slog.Default(),
		id:       uuid.NewString(),
		inflight: make(map[string]map[string]context.CancelCauseFunc),
		subStops: make(map[string]map[string]context.CancelFunc),
	}
	if ht, ok := srv.(mcpservice.HandlerTimeouter); ok {
		e.handlerTimeout = ht.HandlerTimeout()
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Session is the engine's mutable per-connection record. It implements
// sessions.Session for capability handlers and owns the lifecycle state.
type Session struct {
	id     string
	userID string

	mu              sync.Mutex
	state           sessions.SessionState
	protocolVersion string
	clientInfo      sessions.ClientInfo

	// Outbound dispatcher for server-initiated requests (pings). Responses
	// arriving from the client rendezvous here.
	outbound *outbound.Dispatcher

	// notify emits a server-to-client notification; set once the session is
	// ready and change emitters are wired.
	notify func(method mcp.Method, params any)

	// lifeCtx spans the whole session so change emitters survive the request
	// that wired them; endLife fires on CloseSession.
	lifeCtx context.Context
	endLife context.CancelFunc
}

// NewSession creates a session record in the unopened state.
func (e *Engine) NewSession(userID string) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{id: uuid.NewString(), userID: userID, state: sessions.StateUnopened, lifeCtx: ctx, endLife: cancel}
}

// AdoptSession rebuilds a session record from persisted identity, for
// transports that resume sessions across requests.
func (e *Engine) AdoptSession(sessionID, userID, protocolVersion string, state sessions.SessionState) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{id: sessionID, userID: userID, protocolVersion: protocolVersion, state: state, lifeCtx: ctx, endLife: cancel}
}

func (s *Session) SessionID() string { return s.id }
func (s *Session) UserID() string    { return s.userID }

func (s *Session) ProtocolVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocolVersion
}

func (s *Session) ClientInfo() sessions.ClientInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientInfo
}

// State reports the current lifecycle state.
func (s *Session) State() sessions.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transition moves the session to next, enforcing the legal-transition table.
func (s *Session) Transition(next sessions.SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !sessions.CanTransition(s.state, next) {
		return &sessions.TransitionError{From: s.state, To: next}
	}
	s.state = next
	return nil
}

// BindOutbound attaches the dispatcher that correlates server-initiated
// requests with client responses.
func (s *Session) BindOutbound(d *outbound.Dispatcher) {
	s.mu.Lock()
	s.outbound = d
	s.mu.Unlock()
}

func (s *Session) outboundDispatcher() *outbound.Dispatcher {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outbound
}

func (s *Session) logData() *logctx.SessionData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &logctx.SessionData{
		SessionID:       s.id,
		UserID:          s.userID,
		ProtocolVersion: s.protocolVersion,
		State:           string(s.state),
	}
}

// HandleMessage decodes and routes one wire message for the session.
//
// Malformed payloads produce a parse-error response rather than an error
// return; an error return means the transport should tear the session down.
// Requests run to a terminal response on the calling goroutine, so transports
// that want interleaving dispatch each message on its own goroutine.
func (e *Engine) HandleMessage(ctx context.Context, sess *Session, payload []byte, write WriteFunc) error {
	if sess.State() == sessions.StateClosed {
		return ErrSessionClosed
	}
	ctx = logctx.WithSessionData(ctx, sess.logData())

	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		e.log.WarnContext(ctx, "rejecting malformed message", slog.String("err", err.Error()))
		return write(ctx, mustEncode(jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError, "parse error: "+err.Error(), nil)))
	}

	switch msg.Kind() {
	case jsonrpc.KindRequest:
		req := msg.AsRequest()
		ctx := logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: req.Method, ID: req.ID.String(), Type: "request"})
		return e.handleRequest(ctx, sess, req, write)
	case jsonrpc.KindNotification:
		req := msg.AsRequest()
		ctx := logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: req.Method, Type: "notification"})
		return e.handleNotification(ctx, sess, req, write)
	default:
		resp := msg.AsResponse()
		if d := sess.outboundDispatcher(); d != nil && d.OnResponse(resp) {
			return nil
		}
		e.log.DebugContext(ctx, "dropping uncorrelated response", slog.String("id", resp.ID.String()))
		return nil
	}
}

// CloseSession terminates the session: cancels in-flight work, stops
// subscription emitters, and moves the state machine to closed. Safe to call
// from any state and idempotent.
func (e *Engine) CloseSession(ctx context.Context, sess *Session) {
	_ = sess.Transition(sessions.StateClosed)
	if sess.endLife != nil {
		sess.endLife()
	}
	if d := sess.outboundDispatcher(); d != nil {
		d.Close(ErrSessionClosed)
	}

	e.mu.Lock()
	cancels := e.inflight[sess.id]
	delete(e.inflight, sess.id)
	stops := e.subStops[sess.id]
	delete(e.subStops, sess.id)
	e.mu.Unlock()

	for _, cancel := range cancels {
		cancel(ErrSessionClosed)
	}
	for _, stop := range stops {
		stop()
	}
	if lg, ok := e.srv.(interface{ Forget(sessionID string) }); ok {
		lg.Forget(sess.id)
	}
	e.log.InfoContext(ctx, "session closed", slog.String("session_id", sess.id))
}

func (e *Engine) handleRequest(ctx context.Context, sess *Session, req *jsonrpc.Request, write WriteFunc) error {
	switch mcp.Method(req.Method) {
	case mcp.PingMethod:
		// Pings are valid in every non-closed state.
		return e.writeResult(ctx, write, req.ID, &mcp.EmptyResult{})
	case mcp.InitializeMethod:
		return e.handleInitialize(ctx, sess, req, write)
	}

	if sess.State() != sessions.StateReady {
		return e.writeError(ctx, write, req.ID, jsonrpc.ErrorCodeInvalidRequest,
			fmt.Sprintf("method %q requires a ready session (state: %s)", req.Method, sess.State()), nil)
	}
	return e.dispatch(ctx, sess, req, write)
}

func (e *Engine) handleInitialize(ctx context.Context, sess *Session, req *jsonrpc.Request, write WriteFunc) error {
	if err := sess.Transition(sessions.StateNegotiating); err != nil {
		return e.writeError(ctx, write, req.ID, jsonrpc.ErrorCodeInvalidRequest, "initialize already received", nil)
	}

	var params mcp.InitializeRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return e.writeError(ctx, write, req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid initialize params: "+err.Error(), nil)
		}
	}

	negotiated, ok := mcp.NegotiateProtocolVersion(params.ProtocolVersion)
	if !ok {
		// No shared revision: the session can never become ready. Report the
		// versions this server speaks and close.
		data := map[string]any{
			"supported": mcp.SupportedProtocolVersions(),
			"requested": params.ProtocolVersion,
		}
		if err := e.writeError(ctx, write, req.ID, jsonrpc.ErrorCodeVersionMismatch,
			fmt.Sprintf("unsupported protocol version %q", params.ProtocolVersion), data); err != nil {
			return err
		}
		e.CloseSession(ctx, sess)
		return ErrSessionClosed
	}

	sess.mu.Lock()
	sess.protocolVersion = negotiated
	sess.clientInfo = sessions.ClientInfo{Name: params.ClientInfo.Name, Version: params.ClientInfo.Version}
	sess.mu.Unlock()

	info, err := e.srv.GetServerInfo(ctx, sess)
	if err != nil {
		return e.writeError(ctx, write, req.ID, jsonrpc.ErrorCodeInternalError, "server info unavailable: "+err.Error(), nil)
	}
	caps, err := e.advertisedCapabilities(ctx, sess)
	if err != nil {
		return e.writeError(ctx, write, req.ID, jsonrpc.ErrorCodeInternalError, "capability discovery failed: "+err.Error(), nil)
	}
	res := &mcp.InitializeResult{
		ProtocolVersion: negotiated,
		Capabilities:    caps,
		ServerInfo:      info,
	}
	if instr, ok, err := e.srv.GetInstructions(ctx, sess); err == nil && ok {
		res.Instructions = instr
	}

	e.log.InfoContext(ctx, "session negotiated",
		slog.String("session_id", sess.id),
		slog.String("protocol_version", negotiated),
		slog.String("client", params.ClientInfo.Name))
	return e.writeResult(ctx, write, req.ID, res)
}

// advertisedCapabilities probes the capability surface and builds the flag
// set returned from initialize.
func (e *Engine) advertisedCapabilities(ctx context.Context, sess *Session) (mcp.ServerCapabilities, error) {
	var caps mcp.ServerCapabilities

	if tools, ok, err := e.srv.GetToolsCapability(ctx, sess); err != nil {
		return caps, err
	} else if ok {
		listChanged := false
		if _, lcOK, err := tools.GetListChangedCapability(ctx, sess); err == nil {
			listChanged = lcOK
		}
		caps.Tools = &struct {
			ListChanged bool `json:"listChanged"`
		}{ListChanged: listChanged}
	}

	if res, ok, err := e.srv.GetResourcesCapability(ctx, sess); err != nil {
		return caps, err
	} else if ok {
		listChanged, subscribe := false, false
		if _, lcOK, err := res.GetListChangedCapability(ctx, sess); err == nil {
			listChanged = lcOK
		}
		if _, subOK, err := res.GetSubscriptionCapability(ctx, sess); err == nil {
			subscribe = subOK
		}
		caps.Resources = &struct {
			ListChanged bool `json:"listChanged"`
			Subscribe   bool `json:"subscribe"`
		}{ListChanged: listChanged, Subscribe: subscribe}
	}

	if prompts, ok, err := e.srv.GetPromptsCapability(ctx, sess); err != nil {
		return caps, err
	} else if ok {
		listChanged := false
		if _, lcOK, err := prompts.GetListChangedCapability(ctx, sess); err == nil {
			listChanged = lcOK
		}
		caps.Prompts = &struct {
			ListChanged bool `json:"listChanged"`
		}{ListChanged: listChanged}
	}

	if _, ok, err := e.srv.GetLoggingCapability(ctx, sess); err != nil {
		return caps, err
	} else if ok {
		caps.Logging = &struct{}{}
	}

	return caps, nil
}

func (e *Engine) handleNotification(ctx context.Context, sess *Session, req *jsonrpc.Request, write WriteFunc) error {
	switch mcp.Method(req.Method) {
	case mcp.InitializedNotificationMethod:
		if err := sess.Transition(sessions.StateReady); err != nil {
			e.log.WarnContext(ctx, "dropping initialized notification", slog.String("err", err.Error()))
			return nil
		}
		// Emitters are wired on the session-lifetime context, not this
		// message's: on HTTP transports the initialized notification arrives
		// in a short-lived request.
		e.wireChangeEmitters(sess.lifeCtx, sess, write)
		return nil
	case mcp.CancelledNotificationMethod:
		var params mcp.CancelledNotification
		if err := json.Unmarshal(req.Params, &params); err != nil {
			e.log.WarnContext(ctx, "dropping malformed cancelled notification", slog.String("err", err.Error()))
			return nil
		}
		e.cancelInflight(sess.id, params.RequestID)
		return nil
	case mcp.ProgressNotificationMethod:
		// Accepted and ignored; nothing here awaits peer progress.
		return nil
	default:
		// Unknown notifications are dropped without a response.
		e.log.DebugContext(ctx, "ignoring notification", slog.String("method", req.Method))
		return nil
	}
}

// dispatch runs one post-handshake request to its single terminal response.
func (e *Engine) dispatch(ctx context.Context, sess *Session, req *jsonrpc.Request, write WriteFunc) error {
	reqKey := req.ID.String()
	hctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	e.registerInflight(sess.id, reqKey, cancel)
	defer e.unregisterInflight(sess.id, reqKey)

	if e.handlerTimeout > 0 {
		var stop context.CancelFunc
		hctx, stop = context.WithTimeout(hctx, e.handlerTimeout)
		defer stop()
	}

	result, rpcErr := e.invoke(hctx, sess, req)

	// A peer-cancelled request gets no response: the correlation ID is
	// retired and any handler outcome is dropped.
	if errors.Is(context.Cause(hctx), errPeerCancelled) {
		e.log.DebugContext(ctx, "dropping response for cancelled request", slog.String("id", reqKey))
		return ErrRequestCancelled
	}

	if rpcErr != nil {
		return e.writeError(ctx, write, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
	}
	return e.writeResult(ctx, write, req.ID, result)
}

// invoke maps one method to its capability call, converting failures into
// protocol errors. Handler panics are contained here: they fail the one
// request and leave the session open.
func (e *Engine) invoke(ctx context.Context, sess *Session, req *jsonrpc.Request) (result any, rpcErr *jsonrpc.Error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.ErrorContext(ctx, "capability handler panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			result = nil
			rpcErr = &jsonrpc.Error{Code: jsonrpc.ErrorCodeHandlerError, Message: "handler failure"}
		}
	}()

	switch mcp.Method(req.Method) {
	case mcp.ToolsListMethod:
		return e.invokeToolsList(ctx, sess, req)
	case mcp.ToolsCallMethod:
		return e.invokeToolsCall(ctx, sess, req)
	case mcp.ResourcesListMethod:
		return e.invokeResourcesList(ctx, sess, req)
	case mcp.ResourcesTemplatesListMethod:
		return e.invokeTemplatesList(ctx, sess, req)
	case mcp.ResourcesReadMethod:
		return e.invokeResourcesRead(ctx, sess, req)
	case mcp.ResourcesSubscribeMethod:
		return e.invokeSubscribe(ctx, sess, req)
	case mcp.ResourcesUnsubscribeMethod:
		return e.invokeUnsubscribe(ctx, sess, req)
	case mcp.PromptsListMethod:
		return e.invokePromptsList(ctx, sess, req)
	case mcp.PromptsGetMethod:
		return e.invokePromptsGet(ctx, sess, req)
	case mcp.LoggingSetLevelMethod:
		return e.invokeSetLevel(ctx, sess, req)
	default:
		return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeMethodNotFound, Message: fmt.Sprintf("method %q not found", req.Method)}
	}
}

func (e *Engine) invokeToolsList(ctx context.Context, sess *Session, req *jsonrpc.Request) (any, *jsonrpc.Error) {
	tools, ok, err := e.srv.GetToolsCapability(ctx, sess)
	if rpcErr := capabilityGate("tools", ok, err); rpcErr != nil {
		return nil, rpcErr
	}
	cursor, rpcErr := decodeCursor(req.Params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	page, err := tools.ListTools(ctx, sess, cursor)
	if err != nil {
		return nil, handlerError(ctx, err)
	}
	res := &mcp.ListToolsResult{Tools: page.Items}
	if res.Tools == nil {
		res.Tools = []mcp.Tool{}
	}
	if page.NextCursor != nil {
		res.NextCursor = *page.NextCursor
	}
	return res, nil
}

func (e *Engine) invokeToolsCall(ctx context.Context, sess *Session, req *jsonrpc.Request) (any, *jsonrpc.Error) {
	tools, ok, err := e.srv.GetToolsCapability(ctx, sess)
	if rpcErr := capabilityGate("tools", ok, err); rpcErr != nil {
		return nil, rpcErr
	}
	var params mcp.CallToolRequestReceived
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: "invalid tools/call params: " + err.Error()}
	}
	ctx = logctx.WithCapabilityData(ctx, &logctx.CapabilityData{Kind: "tool", Name: params.Name})
	res, err := tools.CallTool(ctx, sess, &params)
	if err != nil {
		var argErrs *mcpservice.ArgumentErrors
		switch {
		case errors.As(err, &argErrs):
			return nil, &jsonrpc.Error{
				Code:    jsonrpc.ErrorCodeInvalidParams,
				Message: argErrs.Error(),
				Data:    map[string]any{"fields": argErrs.Fields},
			}
		case errors.Is(err, mcpservice.ErrNotFound):
			return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeMethodNotFound, Message: err.Error()}
		default:
			return nil, handlerError(ctx, err)
		}
	}
	return res, nil
}

func (e *Engine) invokeResourcesList(ctx context.Context, sess *Session, req *jsonrpc.Request) (any, *jsonrpc.Error) {
	resources, ok, err := e.srv.GetResourcesCapability(ctx, sess)
	if rpcErr := capabilityGate("resources", ok, err); rpcErr != nil {
		return nil, rpcErr
	}
	cursor, rpcErr := decodeCursor(req.Params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	page, err := resources.ListResources(ctx, sess, cursor)
	if err != nil {
		return nil, handlerError(ctx, err)
	}
	res := &mcp.ListResourcesResult{Resources: page.Items}
	if res.Resources == nil {
		res.Resources = []mcp.Resource{}
	}
	if page.NextCursor != nil {
		res.NextCursor = *page.NextCursor
	}
	return res, nil
}

func (e *Engine) invokeTemplatesList(ctx context.Context, sess *Session, req *jsonrpc.Request) (any, *jsonrpc.Error) {
	resources, ok, err := e.srv.GetResourcesCapability(ctx, sess)
	if rpcErr := capabilityGate("resources", ok, err); rpcErr != nil {
		return nil, rpcErr
	}
	cursor, rpcErr := decodeCursor(req.Params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	page, err := resources.ListResourceTemplates(ctx, sess, cursor)
	if err != nil {
		return nil, handlerError(ctx, err)
	}
	res := &mcp.ListResourceTemplatesResult{ResourceTemplates: page.Items}
	if res.ResourceTemplates == nil {
		res.ResourceTemplates = []mcp.ResourceTemplate{}
	}
	if page.NextCursor != nil {
		res.NextCursor = *page.NextCursor
	}
	return res, nil
}

func (e *Engine) invokeResourcesRead(ctx context.Context, sess *Session, req *jsonrpc.Request) (any, *jsonrpc.Error) {
	resources, ok, err := e.srv.GetResourcesCapability(ctx, sess)
	if rpcErr := capabilityGate("resources", ok, err); rpcErr != nil {
		return nil, rpcErr
	}
	var params mcp.ReadResourceRequest
	if err := json.Unmarshal(req.Params, &params); err != nil || params.URI == "" {
		return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: "resources/read requires a uri"}
	}
	ctx = logctx.WithCapabilityData(ctx, &logctx.CapabilityData{Kind: "resource", Name: params.URI})
	contents, err := resources.ReadResource(ctx, sess, params.URI)
	if err != nil {
		if errors.Is(err, mcpservice.ErrNotFound) {
			return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeResourceNotFound, Message: err.Error(), Data: map[string]any{"uri": params.URI}}
		}
		return nil, handlerError(ctx, err)
	}
	if contents == nil {
		contents = []mcp.ResourceContents{}
	}
	return &mcp.ReadResourceResult{Contents: contents}, nil
}

func (e *Engine) invokeSubscribe(ctx context.Context, sess *Session, req *jsonrpc.Request) (any, *jsonrpc.Error) {
	resources, ok, err := e.srv.GetResourcesCapability(ctx, sess)
	if rpcErr := capabilityGate("resources", ok, err); rpcErr != nil {
		return nil, rpcErr
	}
	sub, ok, err := resources.GetSubscriptionCapability(ctx, sess)
	if rpcErr := capabilityGate("resources/subscribe", ok, err); rpcErr != nil {
		return nil, rpcErr
	}
	var params mcp.SubscribeRequest
	if err := json.Unmarshal(req.Params, &params); err != nil || params.URI == "" {
		return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: "resources/subscribe requires a uri"}
	}
	if err := sub.Subscribe(ctx, sess, params.URI); err != nil {
		if errors.Is(err, mcpservice.ErrNotFound) {
			return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeResourceNotFound, Message: err.Error(), Data: map[string]any{"uri": params.URI}}
		}
		return nil, handlerError(ctx, err)
	}
	e.startUpdatedEmitter(sess, resources, params.URI)
	return &mcp.EmptyResult{}, nil
}

func (e *Engine) invokeUnsubscribe(ctx context.Context, sess *Session, req *jsonrpc.Request) (any, *jsonrpc.Error) {
	resources, ok, err := e.srv.GetResourcesCapability(ctx, sess)
	if rpcErr := capabilityGate("resources", ok, err); rpcErr != nil {
		return nil, rpcErr
	}
	sub, ok, err := resources.GetSubscriptionCapability(ctx, sess)
	if rpcErr := capabilityGate("resources/unsubscribe", ok, err); rpcErr != nil {
		return nil, rpcErr
	}
	var params mcp.UnsubscribeRequest
	if err := json.Unmarshal(req.Params, &params); err != nil || params.URI == "" {
		return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: "resources/unsubscribe requires a uri"}
	}
	if err := sub.Unsubscribe(ctx, sess, params.URI); err != nil {
		return nil, handlerError(ctx, err)
	}
	e.stopUpdatedEmitter(sess.id, params.URI)
	return &mcp.EmptyResult{}, nil
}

func (e *Engine) invokePromptsList(ctx context.Context, sess *Session, req *jsonrpc.Request) (any, *jsonrpc.Error) {
	prompts, ok, err := e.srv.GetPromptsCapability(ctx, sess)
	if rpcErr := capabilityGate("prompts", ok, err); rpcErr != nil {
		return nil, rpcErr
	}
	cursor, rpcErr := decodeCursor(req.Params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	page, err := prompts.ListPrompts(ctx, sess, cursor)
	if err != nil {
		return nil, handlerError(ctx, err)
	}
	res := &mcp.ListPromptsResult{Prompts: page.Items}
	if res.Prompts == nil {
		res.Prompts = []mcp.Prompt{}
	}
	if page.NextCursor != nil {
		res.NextCursor = *page.NextCursor
	}
	return res, nil
}

func (e *Engine) invokePromptsGet(ctx context.Context, sess *Session, req *jsonrpc.Request) (any, *jsonrpc.Error) {
	prompts, ok, err := e.srv.GetPromptsCapability(ctx, sess)
	if rpcErr := capabilityGate("prompts", ok, err); rpcErr != nil {
		return nil, rpcErr
	}
	var params mcp.GetPromptRequestReceived
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: "invalid prompts/get params: " + err.Error()}
	}
	ctx = logctx.WithCapabilityData(ctx, &logctx.CapabilityData{Kind: "prompt", Name: params.Name})
	res, err := prompts.GetPrompt(ctx, sess, &params)
	if err != nil {
		var argErrs *mcpservice.ArgumentErrors
		switch {
		case errors.As(err, &argErrs):
			return nil, &jsonrpc.Error{
				Code:    jsonrpc.ErrorCodeInvalidParams,
				Message: argErrs.Error(),
				Data:    map[string]any{"fields": argErrs.Fields},
			}
		case errors.Is(err, mcpservice.ErrNotFound):
			return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeMethodNotFound, Message: err.Error()}
		default:
			return nil, handlerError(ctx, err)
		}
	}
	return res, nil
}

func (e *Engine) invokeSetLevel(ctx context.Context, sess *Session, req *jsonrpc.Request) (any, *jsonrpc.Error) {
	logging, ok, err := e.srv.GetLoggingCapability(ctx, sess)
	if rpcErr := capabilityGate("logging", ok, err); rpcErr != nil {
		return nil, rpcErr
	}
	var params mcp.SetLevelRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: "invalid logging/setLevel params: " + err.Error()}
	}
	if !mcp.IsValidLoggingLevel(params.Level) {
		return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: fmt.Sprintf("invalid logging level %q", params.Level)}
	}
	if err := logging.SetLevel(ctx, sess, params.Level); err != nil {
		return nil, handlerError(ctx, err)
	}
	return &mcp.EmptyResult{}, nil
}

// wireChangeEmitters registers list-change callbacks once the session is
// ready, turning container changes into notifications on the session's wire.
// The callbacks live until the session context ends.
func (e *Engine) wireChangeEmitters(ctx context.Context, sess *Session, write WriteFunc) {
	notify := func(method mcp.Method, params any) {
		n, err := jsonrpc.NewNotification(string(method), params)
		if err != nil {
			return
		}
		b, err := json.Marshal(n)
		if err != nil {
			return
		}
		if err := write(ctx, b); err != nil {
			e.log.DebugContext(ctx, "dropping change notification", slog.String("method", string(method)), slog.String("err", err.Error()))
		}
	}

	if tools, ok, err := e.srv.GetToolsCapability(ctx, sess); err == nil && ok {
		if lc, ok, err := tools.GetListChangedCapability(ctx, sess); err == nil && ok {
			_, _ = lc.Register(ctx, sess, func(ctx context.Context, _ sessions.Session) {
				notify(mcp.ToolsListChangedNotificationMethod, struct{}{})
			})
		}
	}
	if res, ok, err := e.srv.GetResourcesCapability(ctx, sess); err == nil && ok {
		if lc, ok, err := res.GetListChangedCapability(ctx, sess); err == nil && ok {
			_, _ = lc.Register(ctx, sess, func(ctx context.Context, _ sessions.Session, _ string) {
				notify(mcp.ResourcesListChangedNotificationMethod, struct{}{})
			})
		}
	}
	if prompts, ok, err := e.srv.GetPromptsCapability(ctx, sess); err == nil && ok {
		if lc, ok, err := prompts.GetListChangedCapability(ctx, sess); err == nil && ok {
			_, _ = lc.Register(ctx, sess, func(ctx context.Context, _ sessions.Session) {
				notify(mcp.PromptsListChangedNotificationMethod, struct{}{})
			})
		}
	}

	sess.mu.Lock()
	sess.notify = notify
	sess.mu.Unlock()
}

// updatedTicker is the optional surface containers expose for per-URI update
// signals backing notifications/resources/updated.
type updatedTicker interface {
	UpdatedSubscriber(uri string) <-chan struct{}
}

func (e *Engine) startUpdatedEmitter(sess *Session, resources mcpservice.ResourcesCapability, uri string) {
	ticker, ok := resources.(updatedTicker)
	if !ok {
		return
	}
	sess.mu.Lock()
	notify := sess.notify
	sess.mu.Unlock()
	if notify == nil {
		return
	}

	e.mu.Lock()
	if e.subStops[sess.id] == nil {
		e.subStops[sess.id] = make(map[string]context.CancelFunc)
	}
	if _, exists := e.subStops[sess.id][uri]; exists {
		e.mu.Unlock()
		return
	}
	ectx, stop := context.WithCancel(context.Background())
	e.subStops[sess.id][uri] = stop
	e.mu.Unlock()

	ch := ticker.UpdatedSubscriber(uri)
	go func() {
		for {
			select {
			case <-ectx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				notify(mcp.ResourcesUpdatedNotificationMethod, &mcp.ResourceUpdatedNotification{URI: uri})
			}
		}
	}()
}

func (e *Engine) stopUpdatedEmitter(sessionID, uri string) {
	e.mu.Lock()
	stop := e.subStops[sessionID][uri]
	delete(e.subStops[sessionID], uri)
	e.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (e *Engine) registerInflight(sessionID, reqKey string, cancel context.CancelCauseFunc) {
	e.mu.Lock()
	if e.inflight[sessionID] == nil {
		e.inflight[sessionID] = make(map[string]context.CancelCauseFunc)
	}
	e.inflight[sessionID][reqKey] = cancel
	e.mu.Unlock()
}

func (e *Engine) unregisterInflight(sessionID, reqKey string) {
	e.mu.Lock()
	delete(e.inflight[sessionID], reqKey)
	if len(e.inflight[sessionID]) == 0 {
		delete(e.inflight, sessionID)
	}
	e.mu.Unlock()
}

func (e *Engine) cancelInflight(sessionID, reqKey string) {
	e.mu.Lock()
	cancel := e.inflight[sessionID][reqKey]
	e.mu.Unlock()
	if cancel != nil {
		cancel(errPeerCancelled)
	}
}

func (e *Engine) writeResult(ctx context.Context, write WriteFunc, id *jsonrpc.RequestID, result any) error {
	resp, err := jsonrpc.NewResultResponse(id, result)
	if err != nil {
		resp = jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInternalError, "encode result: "+err.Error(), nil)
	}
	return write(ctx, mustEncode(resp))
}

func (e *Engine) writeError(ctx context.Context, write WriteFunc, id *jsonrpc.RequestID, code jsonrpc.ErrorCode, message string, data any) error {
	return write(ctx, mustEncode(jsonrpc.NewErrorResponse(id, code, message, data)))
}

// decodeCursor pulls the optional pagination cursor out of request params.
func decodeCursor(params json.RawMessage) (*string, *jsonrpc.Error) {
	if len(params) == 0 {
		return nil, nil
	}
	var p mcp.PaginatedRequest
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: "invalid params: " + err.Error()}
	}
	if p.Cursor == "" {
		return nil, nil
	}
	c := p.Cursor
	return &c, nil
}

// capabilityGate converts an absent or failing capability lookup into the
// protocol error for its method family.
func capabilityGate(what string, ok bool, err error) *jsonrpc.Error {
	if err != nil {
		return &jsonrpc.Error{Code: jsonrpc.ErrorCodeInternalError, Message: what + " capability lookup failed: " + err.Error()}
	}
	if !ok {
		return &jsonrpc.Error{Code: jsonrpc.ErrorCodeMethodNotFound, Message: what + " not supported"}
	}
	return nil
}

// handlerError maps an unclassified handler failure to the server-defined
// handler-error code. Context expiry is reported distinctly so clients can
// tell a deadline from a crash.
func handlerError(ctx context.Context, err error) *jsonrpc.Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &jsonrpc.Error{Code: jsonrpc.ErrorCodeHandlerError, Message: "handler deadline exceeded"}
	}
	return &jsonrpc.Error{Code: jsonrpc.ErrorCodeHandlerError, Message: err.Error()}
}

func mustEncode(v any) jsonrpc.Message {
	b, err := json.Marshal(v)
	if err != nil {
		// Responses are built from known-marshalable shapes; this is
		// unreachable absent a programming error.
		panic(fmt.Sprintf("encode jsonrpc message: %v", err))
	}
	return b
}
