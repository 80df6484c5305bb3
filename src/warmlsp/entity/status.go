package entity

import (
	"github.com/uber/warmlsp/src/warmlsp/internal/metrics"
)

// Status is the data of a status reply.
type Status struct {
	Sessions      int              `json:"sessions"`
	UptimeSeconds float64          `json:"uptimeSeconds"`
	PID           int              `json:"pid"`
	Version       string           `json:"version"`
	Roots         []SessionStatus  `json:"roots"`
	Metrics       metrics.Snapshot `json:"metrics"`
}

// StopSessionResult is the data of a stop-session reply.
type StopSessionResult struct {
	Stopped bool `json:"stopped"`
}

// StopResult is the data of a stop reply.
type StopResult struct {
	Stopping bool `json:"stopping"`
}
