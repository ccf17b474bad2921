package mcpservice

import (
	"context"
	"fmt"
	"sync"

	"github.com/followdrabbit/mcp-protocol-lab/mcp"
	"github.com/followdrabbit/mcp-protocol-lab/sessions"
)

// SessionLogging is a LoggingCapability that tracks a minimum level per
// session. Transports consult LevelFor before forwarding
// notifications/message to a client.
type SessionLogging struct {
	mu     sync.RWMutex
	levels map[string]mcp.LoggingLevel
	def    mcp.LoggingLevel
}

// NewSessionLogging builds a SessionLogging with the given default level.
func NewSessionLogging(def mcp.LoggingLevel) *SessionLogging {
	if !mcp.IsValidLoggingLevel(def) {
		def = mcp.LoggingLevelInfo
	}
	return &SessionLogging{levels: make(map[string]mcp.LoggingLevel), def: def}
}

// ProvideLogging makes *SessionLogging a LoggingCapabilityProvider.
func (sl *SessionLogging) ProvideLogging(ctx context.Context, session sessions.Session) (LoggingCapability, bool, error) {
	return sl, true, nil
}

// SetLevel implements LoggingCapability.
func (sl *SessionLogging) SetLevel(ctx context.Context, session sessions.Session, level mcp.LoggingLevel) error {
	if !mcp.IsValidLoggingLevel(level) {
		return fmt.Errorf("invalid logging level %q", level)
	}
	sl.mu.Lock()
	sl.levels[session.SessionID()] = level
	sl.mu.Unlock()
	return nil
}

// LevelFor reports the effective minimum level for a session.
func (sl *SessionLogging) LevelFor(sessionID string) mcp.LoggingLevel {
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	if lv, ok := sl.levels[sessionID]; ok {
		return lv
	}
	return sl.def
}

// Forget drops per-session state when a session closes.
func (sl *SessionLogging) Forget(sessionID string) {
	sl.mu.Lock()
	delete(sl.levels, sessionID)
	sl.mu.Unlock()
}

// severityRank orders protocol logging levels, least severe first.
var severityRank = map[mcp.LoggingLevel]int{
	mcp.LoggingLevelDebug:     0,
	mcp.LoggingLevelInfo:      1,
	mcp.LoggingLevelNotice:    2,
	mcp.LoggingLevelWarning:   3,
	mcp.LoggingLevelError:     4,
	mcp.LoggingLevelCritical:  5,
	mcp.LoggingLevelAlert:     6,
	mcp.LoggingLevelEmergency: 7,
}

// LevelAllows reports whether a message at level passes the min threshold.
func LevelAllows(min, level mcp.LoggingLevel) bool {
	return severityRank[level] >= severityRank[min]
}
