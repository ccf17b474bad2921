package sessions

import "context"

// Session represents one negotiated connection as seen by capability
// handlers. Implementations MUST be safe for concurrent use.
type Session interface {
	SessionID() string
	UserID() string
	// ProtocolVersion is the revision agreed during negotiation.
	ProtocolVersion() string
	// ClientInfo identifies the peer implementation.
	ClientInfo() ClientInfo
}

// ClientInfo identifies the client that opened the session.
type ClientInfo struct {
	Name    string
	Version string
}

// MessageHandlerFunction handles ordered messages for a session stream. A
// non-nil error terminates the subscription with that error.
type MessageHandlerFunction func(ctx context.Context, msgID string, msg []byte) error
