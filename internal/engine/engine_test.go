package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/followdrabbit/mcp-protocol-lab/internal/jsonrpc"
	"github.com/followdrabbit/mcp-protocol-lab/mcp"
	"github.com/followdrabbit/mcp-protocol-lab/mcpservice"
	"github.com/followdrabbit/mcp-protocol-lab/sessions"
)

// recorder collects every message the engine writes for assertions.
type recorder struct {
	mu   sync.Mutex
	msgs []jsonrpc.AnyMessage
}

func (r *recorder) write(ctx context.Context, msg jsonrpc.Message) error {
	var m jsonrpc.AnyMessage
	if err := json.Unmarshal(msg, &m); err != nil {
		return err
	}
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func (r *recorder) responseFor(id string) *jsonrpc.Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.msgs {
		if r.msgs[i].Method == "" && r.msgs[i].ID.String() == id {
			return r.msgs[i].AsResponse()
		}
	}
	return nil
}

func (r *recorder) lastResponse(t *testing.T) *jsonrpc.Response {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.msgs) == 0 {
		t.Fatal("no messages written")
	}
	return r.msgs[len(r.msgs)-1].AsResponse()
}

func echoSchema() mcp.ToolInputSchema {
	return mcp.ToolInputSchema{
		Type:       "object",
		Properties: map[string]mcp.SchemaProperty{"msg": {Type: "string"}},
		Required:   []string{"msg"},
	}
}

// testServer builds a capability surface with echo, panic and blocking tools
// plus a single static resource.
func testServer(started chan<- struct{}) mcpservice.ServerCapabilities {
	tools := mcpservice.NewToolsContainer(
		mcpservice.StaticTool{
			Descriptor: mcp.Tool{Name: "echo", InputSchema: echoSchema()},
			Handler: func(ctx context.Context, _ sessions.Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
				var a struct {
					Msg string `json:"msg"`
				}
				if err := json.Unmarshal(req.Arguments, &a); err != nil {
					return nil, err
				}
				return mcpservice.TextResult(a.Msg), nil
			},
		},
		mcpservice.StaticTool{
			Descriptor: mcp.Tool{Name: "boom", InputSchema: mcp.ToolInputSchema{Type: "object", Properties: map[string]mcp.SchemaProperty{}}},
			Handler: func(ctx context.Context, _ sessions.Session, _ *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
				panic("tool exploded")
			},
		},
		mcpservice.StaticTool{
			Descriptor: mcp.Tool{Name: "block", InputSchema: mcp.ToolInputSchema{Type: "object", Properties: map[string]mcp.SchemaProperty{}}},
			Handler: func(ctx context.Context, _ sessions.Session, _ *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
				if started != nil {
					started <- struct{}{}
				}
				<-ctx.Done()
				return nil, ctx.Err()
			},
		},
	)

	resources := mcpservice.NewResourcesContainer()
	_ = resources.RegisterStatic(
		mcp.Resource{URI: "test://greeting", Name: "greeting"},
		[]mcp.ResourceContents{{URI: "test://greeting", Text: "hello"}},
	)

	return mcpservice.NewServer(
		mcpservice.WithServerInfo("engine-test", "0.0.1"),
		mcpservice.WithToolsCapability(tools),
		mcpservice.WithResourcesCapability(resources),
	)
}

func reqPayload(t *testing.T, id any, method mcp.Method, params any) []byte {
	t.Helper()
	req, err := jsonrpc.NewRequest(jsonrpc.NewRequestID(id), string(method), params)
	if err != nil {
		t.Fatal(err)
	}
	b, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func notePayload(t *testing.T, method mcp.Method, params any) []byte {
	t.Helper()
	note, err := jsonrpc.NewNotification(string(method), params)
	if err != nil {
		t.Fatal(err)
	}
	b, err := json.Marshal(note)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

// handshake drives initialize + initialized and leaves the session ready.
func handshake(t *testing.T, e *Engine, sess *Session, rec *recorder) {
	t.Helper()
	ctx := context.Background()
	init := reqPayload(t, 1, mcp.InitializeMethod, mcp.InitializeRequest{
		ProtocolVersion: mcp.LatestProtocolVersion,
		ClientInfo:      mcp.ImplementationInfo{Name: "test-client", Version: "0"},
	})
	if err := e.HandleMessage(ctx, sess, init, rec.write); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	resp := rec.responseFor("1")
	if resp == nil || resp.Error != nil {
		t.Fatalf("initialize response = %+v", resp)
	}
	if err := e.HandleMessage(ctx, sess, notePayload(t, mcp.InitializedNotificationMethod, nil), rec.write); err != nil {
		t.Fatalf("initialized: %v", err)
	}
	if sess.State() != sessions.StateReady {
		t.Fatalf("state after handshake = %s", sess.State())
	}
}

func TestHandshakeNegotiatesAndAdvertises(t *testing.T) {
	e := New(testServer(nil))
	sess := e.NewSession("user-1")
	rec := &recorder{}
	handshake(t, e, sess, rec)

	resp := rec.responseFor("1")
	var res mcp.InitializeResult
	if err := json.Unmarshal(resp.Result, &res); err != nil {
		t.Fatal(err)
	}
	if res.ProtocolVersion != mcp.LatestProtocolVersion {
		t.Fatalf("negotiated %q", res.ProtocolVersion)
	}
	if res.Capabilities.Tools == nil || !res.Capabilities.Tools.ListChanged {
		t.Fatalf("tools capability not advertised: %+v", res.Capabilities)
	}
	if res.Capabilities.Resources == nil || !res.Capabilities.Resources.Subscribe {
		t.Fatalf("resources capability not advertised: %+v", res.Capabilities)
	}
	if res.Capabilities.Prompts != nil {
		t.Fatal("prompts advertised without a provider")
	}
	if res.ServerInfo.Name != "engine-test" {
		t.Fatalf("server info = %+v", res.ServerInfo)
	}
	if sess.ProtocolVersion() != mcp.LatestProtocolVersion {
		t.Fatalf("session version = %q", sess.ProtocolVersion())
	}
	if sess.ClientInfo().Name != "test-client" {
		t.Fatalf("client info = %+v", sess.ClientInfo())
	}
}

func TestPingAnsweredBeforeHandshake(t *testing.T) {
	e := New(testServer(nil))
	sess := e.NewSession("user-1")
	rec := &recorder{}
	if err := e.HandleMessage(context.Background(), sess, reqPayload(t, 7, mcp.PingMethod, nil), rec.write); err != nil {
		t.Fatal(err)
	}
	resp := rec.responseFor("7")
	if resp == nil || resp.Error != nil {
		t.Fatalf("ping response = %+v", resp)
	}
}

func TestRequestBeforeReadyRejected(t *testing.T) {
	e := New(testServer(nil))
	sess := e.NewSession("user-1")
	rec := &recorder{}
	if err := e.HandleMessage(context.Background(), sess, reqPayload(t, 2, mcp.ToolsListMethod, nil), rec.write); err != nil {
		t.Fatal(err)
	}
	resp := rec.responseFor("2")
	if resp == nil || resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeInvalidRequest {
		t.Fatalf("pre-handshake tools/list response = %+v", resp)
	}
}

func TestVersionMismatchClosesSession(t *testing.T) {
	e := New(testServer(nil))
	sess := e.NewSession("user-1")
	rec := &recorder{}
	init := reqPayload(t, 1, mcp.InitializeMethod, mcp.InitializeRequest{
		ProtocolVersion: "1999-12-31",
		ClientInfo:      mcp.ImplementationInfo{Name: "old-client"},
	})
	err := e.HandleMessage(context.Background(), sess, init, rec.write)
	if !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("want ErrSessionClosed, got %v", err)
	}
	resp := rec.responseFor("1")
	if resp == nil || resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeVersionMismatch {
		t.Fatalf("mismatch response = %+v", resp)
	}
	data, ok := resp.Error.Data.(map[string]any)
	if !ok {
		t.Fatalf("error data = %#v", resp.Error.Data)
	}
	if data["requested"] != "1999-12-31" {
		t.Fatalf("requested = %v", data["requested"])
	}
	if supported, ok := data["supported"].([]any); !ok || len(supported) == 0 {
		t.Fatalf("supported = %v", data["supported"])
	}
	if sess.State() != sessions.StateClosed {
		t.Fatalf("state = %s", sess.State())
	}
	if err := e.HandleMessage(context.Background(), sess, reqPayload(t, 2, mcp.PingMethod, nil), rec.write); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("closed session accepted a message: %v", err)
	}
}

func TestExactlyOneResponsePerRequest(t *testing.T) {
	e := New(testServer(nil))
	sess := e.NewSession("user-1")
	rec := &recorder{}
	handshake(t, e, sess, rec)

	before := rec.count()
	if err := e.HandleMessage(context.Background(), sess, reqPayload(t, 3, mcp.ToolsListMethod, nil), rec.write); err != nil {
		t.Fatal(err)
	}
	if got := rec.count() - before; got != 1 {
		t.Fatalf("request produced %d messages, want exactly 1", got)
	}
	resp := rec.responseFor("3")
	var res mcp.ListToolsResult
	if err := json.Unmarshal(resp.Result, &res); err != nil {
		t.Fatal(err)
	}
	if len(res.Tools) != 3 || res.Tools[0].Name != "echo" {
		t.Fatalf("tools = %+v", res.Tools)
	}
}

func TestPanicFailsRequestNotSession(t *testing.T) {
	e := New(testServer(nil))
	sess := e.NewSession("user-1")
	rec := &recorder{}
	handshake(t, e, sess, rec)
	ctx := context.Background()

	if err := e.HandleMessage(ctx, sess, reqPayload(t, 4, mcp.ToolsCallMethod, mcp.CallToolRequestReceived{Name: "boom", Arguments: []byte(`{}`)}), rec.write); err != nil {
		t.Fatal(err)
	}
	resp := rec.responseFor("4")
	if resp == nil || resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeHandlerError {
		t.Fatalf("panic response = %+v", resp)
	}
	if sess.State() != sessions.StateReady {
		t.Fatalf("panic closed the session: %s", sess.State())
	}

	if err := e.HandleMessage(ctx, sess, reqPayload(t, 5, mcp.ToolsCallMethod, mcp.CallToolRequestReceived{Name: "echo", Arguments: []byte(`{"msg":"still alive"}`)}), rec.write); err != nil {
		t.Fatal(err)
	}
	resp = rec.responseFor("5")
	if resp == nil || resp.Error != nil {
		t.Fatalf("post-panic call = %+v", resp)
	}
}

func TestCancelledRequestGetsNoResponse(t *testing.T) {
	started := make(chan struct{}, 1)
	e := New(testServer(started))
	sess := e.NewSession("user-1")
	rec := &recorder{}
	handshake(t, e, sess, rec)
	ctx := context.Background()

	before := rec.count()
	done := make(chan error, 1)
	go func() {
		done <- e.HandleMessage(ctx, sess, reqPayload(t, 9, mcp.ToolsCallMethod, mcp.CallToolRequestReceived{Name: "block", Arguments: []byte(`{}`)}), rec.write)
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("blocking tool never started")
	}

	if err := e.HandleMessage(ctx, sess, notePayload(t, mcp.CancelledNotificationMethod, mcp.CancelledNotification{RequestID: "9"}), rec.write); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, ErrRequestCancelled) {
			t.Fatalf("want ErrRequestCancelled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancellation did not unblock the handler")
	}

	if resp := rec.responseFor("9"); resp != nil {
		t.Fatalf("cancelled request must get no response, got %+v", resp)
	}
	if got := rec.count() - before; got != 0 {
		t.Fatalf("cancelled request produced %d messages", got)
	}
}

func TestHandlerTimeoutReportsDeadline(t *testing.T) {
	e := New(testServer(nil), WithHandlerTimeout(50*time.Millisecond))
	sess := e.NewSession("user-1")
	rec := &recorder{}
	handshake(t, e, sess, rec)

	if err := e.HandleMessage(context.Background(), sess, reqPayload(t, 6, mcp.ToolsCallMethod, mcp.CallToolRequestReceived{Name: "block", Arguments: []byte(`{}`)}), rec.write); err != nil {
		t.Fatal(err)
	}
	resp := rec.responseFor("6")
	if resp == nil || resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeHandlerError {
		t.Fatalf("timeout response = %+v", resp)
	}
	if resp.Error.Message != "handler deadline exceeded" {
		t.Fatalf("timeout message = %q", resp.Error.Message)
	}
}

func TestArgumentErrorsCarryFieldData(t *testing.T) {
	e := New(testServer(nil))
	sess := e.NewSession("user-1")
	rec := &recorder{}
	handshake(t, e, sess, rec)

	if err := e.HandleMessage(context.Background(), sess, reqPayload(t, 8, mcp.ToolsCallMethod, mcp.CallToolRequestReceived{Name: "echo", Arguments: []byte(`{"msg":42}`)}), rec.write); err != nil {
		t.Fatal(err)
	}
	resp := rec.responseFor("8")
	if resp == nil || resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeInvalidParams {
		t.Fatalf("bad-args response = %+v", resp)
	}
	data, ok := resp.Error.Data.(map[string]any)
	if !ok {
		t.Fatalf("error data = %#v", resp.Error.Data)
	}
	fields, ok := data["fields"].([]any)
	if !ok || len(fields) != 1 {
		t.Fatalf("fields = %v", data["fields"])
	}
	field, _ := fields[0].(map[string]any)
	if field["field"] != "msg" {
		t.Fatalf("failing parameter not named: %v", field)
	}
}

func TestResourceNotFoundUsesDedicatedCode(t *testing.T) {
	e := New(testServer(nil))
	sess := e.NewSession("user-1")
	rec := &recorder{}
	handshake(t, e, sess, rec)

	if err := e.HandleMessage(context.Background(), sess, reqPayload(t, 10, mcp.ResourcesReadMethod, mcp.ReadResourceRequest{URI: "test://missing"}), rec.write); err != nil {
		t.Fatal(err)
	}
	resp := rec.responseFor("10")
	if resp == nil || resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeResourceNotFound {
		t.Fatalf("missing resource response = %+v", resp)
	}
}

func TestUnknownToolIsMethodNotFound(t *testing.T) {
	e := New(testServer(nil))
	sess := e.NewSession("user-1")
	rec := &recorder{}
	handshake(t, e, sess, rec)

	if err := e.HandleMessage(context.Background(), sess, reqPayload(t, 11, mcp.ToolsCallMethod, mcp.CallToolRequestReceived{Name: "nope"}), rec.write); err != nil {
		t.Fatal(err)
	}
	resp := rec.responseFor("11")
	if resp == nil || resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeMethodNotFound {
		t.Fatalf("unknown tool response = %+v", resp)
	}
}

func TestMalformedPayloadGetsParseError(t *testing.T) {
	e := New(testServer(nil))
	sess := e.NewSession("user-1")
	rec := &recorder{}
	if err := e.HandleMessage(context.Background(), sess, []byte(`{"jsonrpc":`), rec.write); err != nil {
		t.Fatalf("malformed payload must answer, not fail: %v", err)
	}
	resp := rec.lastResponse(t)
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeParseError {
		t.Fatalf("parse response = %+v", resp)
	}
}

func TestUnknownMethodOnReadySession(t *testing.T) {
	e := New(testServer(nil))
	sess := e.NewSession("user-1")
	rec := &recorder{}
	handshake(t, e, sess, rec)

	if err := e.HandleMessage(context.Background(), sess, reqPayload(t, 12, mcp.Method("bogus/method"), nil), rec.write); err != nil {
		t.Fatal(err)
	}
	resp := rec.responseFor("12")
	if resp == nil || resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeMethodNotFound {
		t.Fatalf("unknown method response = %+v", resp)
	}
}

func TestDoubleInitializeRejected(t *testing.T) {
	e := New(testServer(nil))
	sess := e.NewSession("user-1")
	rec := &recorder{}
	handshake(t, e, sess, rec)

	init := reqPayload(t, 13, mcp.InitializeMethod, mcp.InitializeRequest{ProtocolVersion: mcp.LatestProtocolVersion})
	if err := e.HandleMessage(context.Background(), sess, init, rec.write); err != nil {
		t.Fatal(err)
	}
	resp := rec.responseFor("13")
	if resp == nil || resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeInvalidRequest {
		t.Fatalf("second initialize response = %+v", resp)
	}
	if sess.State() != sessions.StateReady {
		t.Fatalf("second initialize disturbed the session: %s", sess.State())
	}
}
