package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/followdrabbit/mcp-protocol-lab/internal/jsonrpc"
	"github.com/followdrabbit/mcp-protocol-lab/internal/outbound"
	"github.com/followdrabbit/mcp-protocol-lab/mcp"
	"github.com/followdrabbit/mcp-protocol-lab/sessions"
)

// Client drives one session against a server over a Transport.
type Client struct {
	t    Transport
	log  *slog.Logger
	info mcp.ImplementationInfo

	disp *outbound.Dispatcher

	mu              sync.Mutex
	state           sessions.SessionState
	protocolVersion string
	serverInfo      mcp.ImplementationInfo
	serverCaps      mcp.ServerCapabilities
	instructions    string

	onToolsListChanged     func()
	onResourcesListChanged func()
	onPromptsListChanged   func()
	onResourceUpdated      func(uri string)
	onLoggingMessage       func(mcp.LoggingMessageNotification)
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientInfo sets the implementation identity sent during initialize.
func WithClientInfo(name, version string) ClientOption {
	return func(c *Client) { c.info = mcp.ImplementationInfo{Name: name, Version: version} }
}

// WithClientLogger sets the logger.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// OnToolsListChanged registers a callback for tool-set change notifications.
func OnToolsListChanged(fn func()) ClientOption {
	return func(c *Client) { c.onToolsListChanged = fn }
}

// OnResourcesListChanged registers a callback for resource-set changes.
func OnResourcesListChanged(fn func()) ClientOption {
	return func(c *Client) { c.onResourcesListChanged = fn }
}

// OnPromptsListChanged registers a callback for prompt-set changes.
func OnPromptsListChanged(fn func()) ClientOption {
	return func(c *Client) { c.onPromptsListChanged = fn }
}

// OnResourceUpdated registers a callback for subscribed-resource updates.
func OnResourceUpdated(fn func(uri string)) ClientOption {
	return func(c *Client) { c.onResourceUpdated = fn }
}

// OnLoggingMessage registers a callback for server log notifications.
func OnLoggingMessage(fn func(mcp.LoggingMessageNotification)) ClientOption {
	return func(c *Client) { c.onLoggingMessage = fn }
}

// New builds a Client over the transport. Connect must be called before any
// operation.
func New(t Transport, opts ...ClientOption) *Client {
	c := &Client{
		t:     t,
		log:   slog.Default(),
		info:  mcp.ImplementationInfo{Name: "mcp-protocol-lab", Version: "0.1.0"},
		state: sessions.StateUnopened,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.disp = outbound.New(&clientWire{c: c})
	return c
}

// Connect starts the transport and runs the handshake: initialize, version
// agreement, then notifications/initialized. On a version mismatch the
// session never becomes ready and Connect returns *VersionMismatchError.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.transition(sessions.StateNegotiating); err != nil {
		return err
	}
	if err := c.t.Start(ctx, c.receive); err != nil {
		c.fail()
		return fmt.Errorf("start transport: %w", err)
	}

	resp, err := c.disp.Call(ctx, string(mcp.InitializeMethod), &mcp.InitializeRequest{
		ProtocolVersion: mcp.LatestProtocolVersion,
		ClientInfo:      c.info,
	})
	if err != nil {
		c.fail()
		return fmt.Errorf("initialize: %w", err)
	}
	if resp.Error != nil {
		c.fail()
		if resp.Error.Code == jsonrpc.ErrorCodeVersionMismatch {
			return &VersionMismatchError{
				Requested: mcp.LatestProtocolVersion,
				Supported: supportedFromErrorData(resp.Error.Data),
			}
		}
		return fmt.Errorf("initialize: %w", resp.Error)
	}

	var res mcp.InitializeResult
	if err := json.Unmarshal(resp.Result, &res); err != nil {
		c.fail()
		return fmt.Errorf("decode initialize result: %w", err)
	}
	if !mcp.IsSupportedProtocolVersion(res.ProtocolVersion) {
		c.fail()
		return &VersionMismatchError{
			Requested: mcp.LatestProtocolVersion,
			Supported: []string{res.ProtocolVersion},
		}
	}

	c.mu.Lock()
	c.protocolVersion = res.ProtocolVersion
	c.serverInfo = res.ServerInfo
	c.serverCaps = res.Capabilities
	c.instructions = res.Instructions
	c.mu.Unlock()

	if err := c.disp.Notify(ctx, string(mcp.InitializedNotificationMethod), struct{}{}); err != nil {
		c.fail()
		return fmt.Errorf("initialized notification: %w", err)
	}
	return c.transition(sessions.StateReady)
}

// Close ends the session and releases the transport. In-flight calls fail.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == sessions.StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = sessions.StateClosed
	c.mu.Unlock()
	c.disp.Close(ErrSessionNotReady)
	return c.t.Close()
}

// State reports the session lifecycle state.
func (c *Client) State() sessions.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ProtocolVersion reports the negotiated revision, empty before Connect.
func (c *Client) ProtocolVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.protocolVersion
}

// ServerInfo reports the server's implementation identity.
func (c *Client) ServerInfo() mcp.ImplementationInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}

// ServerCapabilities reports the capability flags from initialize.
func (c *Client) ServerCapabilities() mcp.ServerCapabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverCaps
}

// Instructions reports the optional server instructions from initialize.
func (c *Client) Instructions() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.instructions
}

// Ping probes the server; any state past the handshake start is acceptable to
// the peer, but the client requires a ready session for symmetry with other
// operations.
func (c *Client) Ping(ctx context.Context) error {
	var res mcp.EmptyResult
	return c.call(ctx, mcp.PingMethod, struct{}{}, &res)
}

// ListTools fetches one page of tools. A nil cursor requests the first page.
func (c *Client) ListTools(ctx context.Context, cursor *string) (*mcp.ListToolsResult, error) {
	var res mcp.ListToolsResult
	if err := c.call(ctx, mcp.ToolsListMethod, pageParams(cursor), &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// CallTool invokes a tool by name with the given arguments.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	var res mcp.CallToolResult
	if err := c.call(ctx, mcp.ToolsCallMethod, &mcp.CallToolRequest{Name: name, Arguments: args}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ListResources fetches one page of concrete resources.
func (c *Client) ListResources(ctx context.Context, cursor *string) (*mcp.ListResourcesResult, error) {
	var res mcp.ListResourcesResult
	if err := c.call(ctx, mcp.ResourcesListMethod, pageParams(cursor), &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ListResourceTemplates fetches one page of URI templates.
func (c *Client) ListResourceTemplates(ctx context.Context, cursor *string) (*mcp.ListResourceTemplatesResult, error) {
	var res mcp.ListResourceTemplatesResult
	if err := c.call(ctx, mcp.ResourcesTemplatesListMethod, pageParams(cursor), &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ReadResource reads the contents behind a URI.
func (c *Client) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	var res mcp.ReadResourceResult
	if err := c.call(ctx, mcp.ResourcesReadMethod, &mcp.ReadResourceRequest{URI: uri}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// SubscribeResource subscribes the session to updates for a URI.
func (c *Client) SubscribeResource(ctx context.Context, uri string) error {
	var res mcp.EmptyResult
	return c.call(ctx, mcp.ResourcesSubscribeMethod, &mcp.SubscribeRequest{URI: uri}, &res)
}

// UnsubscribeResource ends a subscription for a URI.
func (c *Client) UnsubscribeResource(ctx context.Context, uri string) error {
	var res mcp.EmptyResult
	return c.call(ctx, mcp.ResourcesUnsubscribeMethod, &mcp.UnsubscribeRequest{URI: uri}, &res)
}

// ListPrompts fetches one page of prompt templates.
func (c *Client) ListPrompts(ctx context.Context, cursor *string) (*mcp.ListPromptsResult, error) {
	var res mcp.ListPromptsResult
	if err := c.call(ctx, mcp.PromptsListMethod, pageParams(cursor), &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetPrompt renders a prompt template with string arguments.
func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	var res mcp.GetPromptResult
	if err := c.call(ctx, mcp.PromptsGetMethod, &mcp.GetPromptRequest{Name: name, Arguments: args}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// SetLoggingLevel adjusts the server's minimum level for this session.
func (c *Client) SetLoggingLevel(ctx context.Context, level mcp.LoggingLevel) error {
	var res mcp.EmptyResult
	return c.call(ctx, mcp.LoggingSetLevelMethod, &mcp.SetLevelRequest{Level: level}, &res)
}

// call runs one correlated request. The dispatcher guarantees a terminal
// outcome: response, error, or cancellation with a best-effort notice to the
// server.
func (c *Client) call(ctx context.Context, method mcp.Method, params, out any) error {
	if c.State() != sessions.StateReady {
		return ErrSessionNotReady
	}
	resp, err := c.disp.Call(ctx, string(method), params)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	if out == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

// receive routes incoming transport messages: responses rendezvous with their
// callers, server requests are answered inline, notifications fan out to the
// registered callbacks.
func (c *Client) receive(ctx context.Context, payload []byte) {
	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		c.log.Warn("dropping malformed message", slog.String("err", err.Error()))
		return
	}

	switch msg.Kind() {
	case jsonrpc.KindResponse:
		if !c.disp.OnResponse(msg.AsResponse()) {
			c.log.Debug("dropping uncorrelated response", slog.String("id", msg.ID.String()))
		}
	case jsonrpc.KindRequest:
		c.answerServerRequest(ctx, msg.AsRequest())
	case jsonrpc.KindNotification:
		c.handleNotification(ctx, msg)
	}
}

// answerServerRequest handles server-initiated requests. Only ping is
// supported; everything else gets a method-not-found error so the server's
// call resolves.
func (c *Client) answerServerRequest(ctx context.Context, req *jsonrpc.Request) {
	var resp *jsonrpc.Response
	if mcp.Method(req.Method) == mcp.PingMethod {
		r, err := jsonrpc.NewResultResponse(req.ID, &mcp.EmptyResult{})
		if err != nil {
			return
		}
		resp = r
	} else {
		resp = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method), nil)
	}
	b, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := c.t.Send(ctx, b); err != nil {
		c.log.Debug("failed answering server request", slog.String("err", err.Error()))
	}
}

func (c *Client) handleNotification(ctx context.Context, msg jsonrpc.AnyMessage) {
	switch mcp.Method(msg.Method) {
	case mcp.CancelledNotificationMethod:
		c.disp.OnNotification(msg)
	case mcp.ToolsListChangedNotificationMethod:
		if c.onToolsListChanged != nil {
			c.onToolsListChanged()
		}
	case mcp.ResourcesListChangedNotificationMethod:
		if c.onResourcesListChanged != nil {
			c.onResourcesListChanged()
		}
	case mcp.PromptsListChangedNotificationMethod:
		if c.onPromptsListChanged != nil {
			c.onPromptsListChanged()
		}
	case mcp.ResourcesUpdatedNotificationMethod:
		if c.onResourceUpdated != nil {
			var p mcp.ResourceUpdatedNotification
			if err := json.Unmarshal(msg.Params, &p); err == nil {
				c.onResourceUpdated(p.URI)
			}
		}
	case mcp.LoggingMessageNotificationMethod:
		if c.onLoggingMessage != nil {
			var p mcp.LoggingMessageNotification
			if err := json.Unmarshal(msg.Params, &p); err == nil {
				c.onLoggingMessage(p)
			}
		}
	default:
		c.log.Debug("ignoring notification", slog.String("method", msg.Method))
	}
}

func (c *Client) transition(next sessions.SessionState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !sessions.CanTransition(c.state, next) {
		return &sessions.TransitionError{From: c.state, To: next}
	}
	c.state = next
	return nil
}

// fail moves the session to closed after a handshake breakdown.
func (c *Client) fail() {
	c.mu.Lock()
	c.state = sessions.StateClosed
	c.mu.Unlock()
}

// clientWire adapts the transport to the outbound dispatcher.
type clientWire struct {
	c *Client
}

func (w *clientWire) SendRequest(ctx context.Context, id *jsonrpc.RequestID, req *jsonrpc.Request) error {
	b, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return w.c.t.Send(ctx, b)
}

func (w *clientWire) SendCancelled(ctx context.Context, requestID string) error {
	note, err := jsonrpc.NewNotification(string(mcp.CancelledNotificationMethod), &mcp.CancelledNotification{RequestID: requestID})
	if err != nil {
		return err
	}
	b, err := json.Marshal(note)
	if err != nil {
		return err
	}
	return w.c.t.Send(ctx, b)
}

func pageParams(cursor *string) any {
	if cursor == nil {
		return struct{}{}
	}
	return &mcp.PaginatedRequest{Cursor: *cursor}
}

func supportedFromErrorData(data any) []string {
	m, ok := data.(map[string]any)
	if !ok {
		return nil
	}
	raw, ok := m["supported"].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
