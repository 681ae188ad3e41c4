// Package repository declares the storage interfaces the service layer
// depends on. internal/repository/sqlite implements them.
package repository

import (
	"context"
	"time"

	"github.com/sakif/mojo-kernel/internal/model"
)

type ListOptions struct {
	Limit  int
	Offset int
}

// SessionRepository stores session records. Live engine state is not
// persisted; a record outlives its session so history stays reachable.
type SessionRepository interface {
	CreateSession(ctx context.Context, session *model.Session) error
	GetSession(ctx context.Context, id string) (*model.Session, error)
	ListSessions(ctx context.Context, owner string, opts ListOptions) ([]model.Session, error)
	CloseSession(ctx context.Context, id string, at time.Time) error
}

// HistoryRepository stores executed cells.
type HistoryRepository interface {
	AddExecution(ctx context.Context, exec *model.Execution) error
	ListExecutions(ctx context.Context, sessionID string, opts ListOptions) ([]model.Execution, error)
}
