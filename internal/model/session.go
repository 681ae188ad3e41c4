// Package model defines the data structures shared by the service,
// repository and handler layers.
package model

import "time"

// Engine kinds a session can run.
const (
	EngineServer = "server"
	EnginePTY    = "pty"
)

// Session is a kernel session as stored and as reported to clients.
//
// Owner is the subject of the token that created the session; only that
// client may use it. ClosedAt is nil while the session is live.
type Session struct {
	ID        string     `json:"id"`
	Owner     string     `json:"owner"`
	Engine    string     `json:"engine"`
	CreatedAt time.Time  `json:"createdAt"`
	ClosedAt  *time.Time `json:"closedAt,omitempty"`

	// Runtime fields, filled in from the live session and never stored.
	Alive          bool `json:"alive"`
	ExecutionCount int  `json:"executionCount"`
}
