package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/mojo-kernel/internal/model"
	"github.com/sakif/mojo-kernel/internal/repository"
)

var _ repository.HistoryRepository = (*DB)(nil)

// AddExecution records one executed cell. The session must exist.
func (db *DB) AddExecution(ctx context.Context, e *model.Execution) error {
	e.ID = xid.New().String()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	traceback, err := json.Marshal(nonNil(e.Traceback))
	if err != nil {
		return fmt.Errorf("sqlite: encoding traceback: %w", err)
	}

	_, err = db.conn.ExecContext(ctx,
		`INSERT INTO executions
		   (id, session_id, execution_count, code, status, stdout, stderr,
		    ename, evalue, traceback, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SessionID, e.ExecutionCount, e.Code, e.Status, e.Stdout, e.Stderr,
		e.ErrorName, e.ErrorValue, string(traceback), e.DurationMs, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("sqlite: adding execution: %w", err)
	}
	return nil
}

// ListExecutions returns a session's history in execution order.
func (db *DB) ListExecutions(ctx context.Context, sessionID string, opts repository.ListOptions) ([]model.Execution, error) {
	limit, offset := page(opts)

	// xid ids sort by creation time, which breaks ties between cells
	// recorded within the same timestamp.
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, session_id, execution_count, code, status, stdout, stderr,
		        ename, evalue, traceback, duration_ms, created_at
		 FROM executions
		 WHERE session_id = ?
		 ORDER BY created_at ASC, id ASC
		 LIMIT ? OFFSET ?`,
		sessionID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing executions: %w", err)
	}
	defer rows.Close()

	execs := make([]model.Execution, 0, limit)
	for rows.Next() {
		var e model.Execution
		var traceback string
		if err := rows.Scan(
			&e.ID, &e.SessionID, &e.ExecutionCount, &e.Code, &e.Status, &e.Stdout, &e.Stderr,
			&e.ErrorName, &e.ErrorValue, &traceback, &e.DurationMs, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("sqlite: scanning execution row: %w", err)
		}
		if err := json.Unmarshal([]byte(traceback), &e.Traceback); err != nil {
			return nil, fmt.Errorf("sqlite: decoding traceback of %s: %w", e.ID, err)
		}
		if len(e.Traceback) == 0 {
			e.Traceback = nil
		}
		execs = append(execs, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating executions: %w", err)
	}
	return execs, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
