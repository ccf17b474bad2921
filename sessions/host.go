package sessions

import "context"

// SessionMetadata is the durable identity of a negotiated session: what a
// node needs to rebuild the session record when a request for it lands on a
// node that did not run the handshake.
type SessionMetadata struct {
	UserID          string
	ProtocolVersion string
	State           SessionState
}

// SessionHost carries ordered server-to-client messages and durable session
// identity for sessions whose transport supports detached delivery (the
// streamable HTTP transport). The stdio transport writes to its pipe directly
// and needs no host.
//
// Delivery contract: messages publish in order per session ID; subscribers
// resume from lastEventID without loss or duplication; CleanupSession
// releases every resource tied to the session on every exit path.
type SessionHost interface {
	// PublishSession appends one message to the session's ordered log and
	// returns its event ID.
	PublishSession(ctx context.Context, sessionID string, data []byte) (eventID string, err error)
	// SubscribeSession replays messages after lastEventID (all retained
	// messages when empty) and then follows the live log until ctx ends or
	// the session is cleaned up. Blocks for the life of the subscription.
	SubscribeSession(ctx context.Context, sessionID string, lastEventID string, handler MessageHandlerFunction) error
	// PutSessionMeta records the session's identity so any node can adopt it.
	PutSessionMeta(ctx context.Context, sessionID string, meta SessionMetadata) error
	// GetSessionMeta loads a session's identity; ok is false for unknown IDs.
	GetSessionMeta(ctx context.Context, sessionID string) (meta SessionMetadata, ok bool, err error)
	// CleanupSession drops the session's log and metadata and unblocks its
	// subscribers.
	CleanupSession(ctx context.Context, sessionID string) error
}
