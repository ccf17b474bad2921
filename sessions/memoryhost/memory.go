// Package memoryhost provides an in-process sessions.SessionHost. It is the
// default for single-node deployments and for tests.
package memoryhost

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/followdrabbit/mcp-protocol-lab/sessions"
)

// Host is an in-memory implementation of sessions.SessionHost. Each session
// keeps its full ordered message log for the life of the session so late
// subscribers can replay from any retained event ID.
type Host struct {
	mu       sync.Mutex
	sessions map[string]*sessionLog
	meta     map[string]sessions.SessionMetadata
	counter  atomic.Int64
}

type sessionLog struct {
	mu       sync.Mutex
	messages []message
	// changed is closed and replaced on every append or cleanup so idle
	// subscribers wake without polling.
	changed chan struct{}
	dropped bool
}

type message struct {
	id   string
	data []byte
}

// New constructs an empty Host.
func New() *Host {
	return &Host{
		sessions: make(map[string]*sessionLog),
		meta:     make(map[string]sessions.SessionMetadata),
	}
}

var _ sessions.SessionHost = (*Host)(nil)

func (h *Host) PublishSession(ctx context.Context, sessionID string, data []byte) (string, error) {
	evID := strconv.FormatInt(h.counter.Add(1), 10)
	sl := h.ensure(sessionID)

	sl.mu.Lock()
	if sl.dropped {
		sl.mu.Unlock()
		return "", fmt.Errorf("session %s cleaned up", sessionID)
	}
	sl.messages = append(sl.messages, message{id: evID, data: append([]byte(nil), data...)})
	close(sl.changed)
	sl.changed = make(chan struct{})
	sl.mu.Unlock()

	return evID, nil
}

func (h *Host) SubscribeSession(ctx context.Context, sessionID string, lastEventID string, handler sessions.MessageHandlerFunction) error {
	sl := h.ensure(sessionID)

	next, err := sl.startIndex(lastEventID)
	if err != nil {
		return err
	}

	for {
		sl.mu.Lock()
		if sl.dropped {
			sl.mu.Unlock()
			return nil
		}
		var batch []message
		if next < len(sl.messages) {
			batch = make([]message, len(sl.messages)-next)
			copy(batch, sl.messages[next:])
			next = len(sl.messages)
		}
		wait := sl.changed
		sl.mu.Unlock()

		for _, m := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := handler(ctx, m.id, m.data); err != nil {
				return err
			}
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

func (h *Host) PutSessionMeta(ctx context.Context, sessionID string, meta sessions.SessionMetadata) error {
	h.mu.Lock()
	h.meta[sessionID] = meta
	h.mu.Unlock()
	return nil
}

func (h *Host) GetSessionMeta(ctx context.Context, sessionID string) (sessions.SessionMetadata, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	meta, ok := h.meta[sessionID]
	return meta, ok, nil
}

func (h *Host) CleanupSession(ctx context.Context, sessionID string) error {
	h.mu.Lock()
	delete(h.meta, sessionID)
	sl, ok := h.sessions[sessionID]
	if ok {
		delete(h.sessions, sessionID)
	}
	h.mu.Unlock()
	if !ok {
		return nil
	}
	sl.mu.Lock()
	sl.dropped = true
	sl.messages = nil
	close(sl.changed)
	sl.changed = make(chan struct{})
	sl.mu.Unlock()
	return nil
}

func (h *Host) ensure(sessionID string) *sessionLog {
	h.mu.Lock()
	defer h.mu.Unlock()
	sl, ok := h.sessions[sessionID]
	if !ok {
		sl = &sessionLog{changed: make(chan struct{})}
		h.sessions[sessionID] = sl
	}
	return sl
}

func (sl *sessionLog) startIndex(lastEventID string) (int, error) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if lastEventID == "" {
		return 0, nil
	}
	for i := range sl.messages {
		if sl.messages[i].id == lastEventID {
			return i + 1, nil
		}
	}
	return 0, fmt.Errorf("last event id %s not found", lastEventID)
}
