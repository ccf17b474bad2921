package client

import (
	"errors"
	"fmt"
	"strings"
)

// ErrSessionNotReady is returned when an operation runs before Connect has
// completed the handshake or after Close.
var ErrSessionNotReady = errors.New("session not ready")

// VersionMismatchError reports a failed negotiation: the server supports none
// of the client's protocol revisions. The session never becomes ready.
type VersionMismatchError struct {
	Requested string
	Supported []string
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("no common protocol version: requested %s, server supports [%s]",
		e.Requested, strings.Join(e.Supported, ", "))
}
