package mcpservice

import (
	"context"
	"sync"
)

// ChangeNotifier is a small in-process pub-sub used by containers to signal
// that a list changed so transports can emit listChanged notifications.
type ChangeNotifier struct {
	mu          sync.RWMutex
	subscribers []chan struct{}
	closed      bool
}

// Notify signals all subscribers. Delivery is best-effort: a subscriber that
// has not drained its previous signal is skipped rather than blocked on.
func (cn *ChangeNotifier) Notify(ctx context.Context) error {
	cn.mu.RLock()
	defer cn.mu.RUnlock()
	if cn.closed {
		return nil
	}
	for _, ch := range cn.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

// Subscriber returns a channel that receives a signal on each Notify. The
// channel is buffered with capacity 1; coalesced signals are acceptable
// because consumers re-list rather than diff.
func (cn *ChangeNotifier) Subscriber() <-chan struct{} {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if cn.closed {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	ch := make(chan struct{}, 1)
	cn.subscribers = append(cn.subscribers, ch)
	return ch
}

// Close ends the notifier; all subscriber channels are closed.
func (cn *ChangeNotifier) Close() {
	cn.mu.Lock()
	if cn.closed {
		cn.mu.Unlock()
		return
	}
	cn.closed = true
	subs := cn.subscribers
	cn.subscribers = nil
	cn.mu.Unlock()
	for _, ch := range subs {
		close(ch)
	}
}

// ChangeSubscriber is the consuming side of a ChangeNotifier.
type ChangeSubscriber interface {
	Subscriber() <-chan struct{}
}
