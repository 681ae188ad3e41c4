package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/mojo-kernel/internal/apperror"
	"github.com/sakif/mojo-kernel/internal/model"
	"github.com/sakif/mojo-kernel/internal/repository"
)

var _ repository.SessionRepository = (*DB)(nil)

// CreateSession inserts a session record. An empty ID is generated with
// xid; CreatedAt is set to now.
func (db *DB) CreateSession(ctx context.Context, s *model.Session) error {
	if s.ID == "" {
		s.ID = xid.New().String()
	}
	s.CreatedAt = time.Now().UTC()

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO sessions (id, owner, engine, created_at) VALUES (?, ?, ?, ?)`,
		s.ID, s.Owner, s.Engine, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("sqlite: creating session: %w", err)
	}
	return nil
}

// GetSession retrieves a session record by ID.
func (db *DB) GetSession(ctx context.Context, id string) (*model.Session, error) {
	var s model.Session
	var closed sql.NullTime

	err := db.conn.QueryRowContext(ctx,
		`SELECT id, owner, engine, created_at, closed_at FROM sessions WHERE id = ?`,
		id,
	).Scan(&s.ID, &s.Owner, &s.Engine, &s.CreatedAt, &closed)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperror.NotFound("session", id)
		}
		return nil, fmt.Errorf("sqlite: getting session %s: %w", id, err)
	}
	if closed.Valid {
		s.ClosedAt = &closed.Time
	}
	return &s, nil
}

// ListSessions returns owner's sessions, newest first.
func (db *DB) ListSessions(ctx context.Context, owner string, opts repository.ListOptions) ([]model.Session, error) {
	limit, offset := page(opts)

	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, owner, engine, created_at, closed_at
		 FROM sessions
		 WHERE owner = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ? OFFSET ?`,
		owner, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]model.Session, 0, limit)
	for rows.Next() {
		var s model.Session
		var closed sql.NullTime
		if err := rows.Scan(&s.ID, &s.Owner, &s.Engine, &s.CreatedAt, &closed); err != nil {
			return nil, fmt.Errorf("sqlite: scanning session row: %w", err)
		}
		if closed.Valid {
			s.ClosedAt = &closed.Time
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating sessions: %w", err)
	}
	return sessions, nil
}

// CloseSession marks a session closed. Closing an already closed session
// keeps the first timestamp.
func (db *DB) CloseSession(ctx context.Context, id string, at time.Time) error {
	result, err := db.conn.ExecContext(ctx,
		`UPDATE sessions SET closed_at = COALESCE(closed_at, ?) WHERE id = ?`,
		at.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: closing session %s: %w", id, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return apperror.NotFound("session", id)
	}
	return nil
}

// page applies the default and maximum page size.
func page(opts repository.ListOptions) (limit, offset int) {
	limit = opts.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	offset = opts.Offset
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
