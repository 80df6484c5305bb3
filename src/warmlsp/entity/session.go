package entity

import (
	"time"

	"go.lsp.dev/protocol"
)

// SessionState is the lifecycle state of a Session.
type SessionState int32

// Session lifecycle: STARTING -> READY -> STOPPING -> TERMINATED.
// STARTING and READY may jump straight to TERMINATED when the language server exits.
const (
	SessionStarting SessionState = iota
	SessionReady
	SessionStopping
	SessionTerminated
)

func (s SessionState) String() string {
	switch s {
	case SessionStarting:
		return "STARTING"
	case SessionReady:
		return "READY"
	case SessionStopping:
		return "STOPPING"
	case SessionTerminated:
		return "TERMINATED"
	}
	return "UNKNOWN"
}

// MarshalText implements encoding.TextMarshaler.
func (s SessionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// SessionStatus describes one Session in a status reply.
type SessionStatus struct {
	Root            string       `json:"root"`
	State           SessionState `json:"state"`
	PID             int          `json:"pid"`
	StartedAt       time.Time    `json:"startedAt"`
	LastActivity    time.Time    `json:"lastActivity"`
	OpenDocuments   int          `json:"openDocuments"`
	PendingRequests int          `json:"pendingRequests"`
}

// HoverResult is the data of a hover reply.
type HoverResult struct {
	Contents string          `json:"contents"`
	Range    *protocol.Range `json:"range,omitempty"`
}

// Position is a file position given on the command line: 1-based line, 1-based character column.
type Position struct {
	Path   string
	Line   int
	Column int
}
