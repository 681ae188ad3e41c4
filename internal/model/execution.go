package model

import "time"

// Execution is one stored history entry: the code a session ran and what
// came back.
type Execution struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"sessionId"`
	ExecutionCount int       `json:"executionCount"`
	Code           string    `json:"code"`
	Status         string    `json:"status"` // "ok" or "error"
	Stdout         string    `json:"stdout"`
	Stderr         string    `json:"stderr"`
	ErrorName      string    `json:"ename,omitempty"`
	ErrorValue     string    `json:"evalue,omitempty"`
	Traceback      []string  `json:"traceback,omitempty"`
	DurationMs     int64     `json:"durationMs"`
	CreatedAt      time.Time `json:"createdAt"`
}
