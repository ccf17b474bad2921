// Package sessions defines the session contract shared by every transport:
// the negotiated-connection state machine, the Session value handlers receive,
// and the SessionHost backend that carries ordered per-session messages.
//
// A session is owned exclusively by the connection that created it. Hosts may
// be in-process (memoryhost) or distributed (redishost); the contract is the
// same: ordered delivery per session, replay from a last-seen event ID, and
// deterministic cleanup when the session closes.
package sessions
