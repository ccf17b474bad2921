// Package outbound coordinates correlated JSON-RPC calls over any transport
// capable of emitting requests and cancellation notices. It owns ID
// allocation, the pending-call table, and terminal-outcome guarantees: every
// call resolves exactly once, via response, error, or cancellation.
package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/followdrabbit/mcp-protocol-lab/internal/jsonrpc"
	"github.com/followdrabbit/mcp-protocol-lab/mcp"
)

// Transport abstracts the message-emitting half of a connection. SendRequest
// implementations may subscribe to a response channel before emitting so a
// fast peer cannot race the response past the waiter registration.
type Transport interface {
	SendRequest(ctx context.Context, id *jsonrpc.RequestID, req *jsonrpc.Request) error
	// SendCancelled emits a best-effort notifications/cancelled for the ID.
	SendCancelled(ctx context.Context, requestID string) error
}

var (
	// ErrDispatcherClosed indicates the dispatcher was closed; all pending
	// and future calls fail with this (or the close reason).
	ErrDispatcherClosed = errors.New("dispatcher closed")
	// ErrRemoteCancelled indicates the peer cancelled the request.
	ErrRemoteCancelled = errors.New("remote cancelled")
)

type pendingCall struct {
	respCh chan *jsonrpc.Response
	errCh  chan error
}

// Dispatcher correlates outbound requests with their responses. It is safe
// for concurrent use and imposes no limit on in-flight calls.
type Dispatcher struct {
	t Transport

	mu      sync.Mutex
	pending map[string]*pendingCall // id.String() -> call

	nextID atomic.Uint64

	closed   atomic.Bool
	closeErr error
}

// New constructs a Dispatcher over the given transport.
func New(t Transport) *Dispatcher {
	return &Dispatcher{t: t, pending: make(map[string]*pendingCall)}
}

// Call sends a request and blocks until the correlated response arrives, the
// context is cancelled, or the dispatcher closes. On context cancellation it
// emits a best-effort cancellation notice and retires the identifier so a
// late response is discarded.
func (d *Dispatcher) Call(ctx context.Context, method string, params any) (*jsonrpc.Response, error) {
	if d.closed.Load() {
		return nil, d.closeReason()
	}

	id := jsonrpc.NewRequestID(d.nextID.Add(1))
	key := id.String()

	var paramsRaw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		paramsRaw = b
	}

	pc := &pendingCall{respCh: make(chan *jsonrpc.Response, 1), errCh: make(chan error, 1)}
	d.mu.Lock()
	if d.closed.Load() {
		d.mu.Unlock()
		return nil, d.closeReason()
	}
	d.pending[key] = pc
	d.mu.Unlock()

	req := &jsonrpc.Request{JSONRPCVersion: jsonrpc.Version, Method: method, Params: paramsRaw, ID: id}
	if err := d.t.SendRequest(ctx, id, req); err != nil {
		d.retire(key)
		return nil, err
	}

	select {
	case resp := <-pc.respCh:
		return resp, nil
	case err := <-pc.errCh:
		if err == nil {
			err = ErrDispatcherClosed
		}
		return nil, err
	case <-ctx.Done():
		_ = d.t.SendCancelled(context.WithoutCancel(ctx), key)
		d.retire(key)
		return nil, ctx.Err()
	}
}

// Notify sends a fire-and-forget notification; no correlation entry is made.
func (d *Dispatcher) Notify(ctx context.Context, method string, params any) error {
	if d.closed.Load() {
		return d.closeReason()
	}
	note, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	return d.t.SendRequest(ctx, nil, note)
}

// OnResponse routes an incoming response to its waiter. Responses with
// unknown identifiers are dropped; the caller may log them.
func (d *Dispatcher) OnResponse(resp *jsonrpc.Response) (matched bool) {
	if resp == nil || resp.ID.IsNil() {
		return false
	}
	pc, ok := d.take(resp.ID.String())
	if ok {
		pc.respCh <- resp
	}
	return ok
}

// OnNotification processes peer notifications relevant to in-flight calls.
func (d *Dispatcher) OnNotification(msg jsonrpc.AnyMessage) {
	if msg.Method != string(mcp.CancelledNotificationMethod) {
		return
	}
	var p mcp.CancelledNotification
	if err := json.Unmarshal(msg.Params, &p); err != nil {
		return
	}
	if pc, ok := d.take(p.RequestID); ok {
		pc.errCh <- ErrRemoteCancelled
	}
}

// Close fails all pending calls with err and rejects future calls.
func (d *Dispatcher) Close(err error) {
	if err == nil {
		err = ErrDispatcherClosed
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed.CompareAndSwap(false, true) {
		return
	}
	// closeErr is guarded by d.mu; the atomic only serves the fast path.
	d.closeErr = err
	for key, pc := range d.pending {
		delete(d.pending, key)
		pc.errCh <- err
	}
}

func (d *Dispatcher) closeReason() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closeErr != nil {
		return d.closeErr
	}
	return ErrDispatcherClosed
}

func (d *Dispatcher) take(key string) (*pendingCall, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	pc, ok := d.pending[key]
	if ok {
		delete(d.pending, key)
	}
	return pc, ok
}

func (d *Dispatcher) retire(key string) {
	d.mu.Lock()
	delete(d.pending, key)
	d.mu.Unlock()
}
