// Package service contains the business logic between the HTTP handlers
// and the kernel sessions.
//
// THE LAYERS:
//
//	Handler (HTTP layer)     → parses requests, writes responses
//	Service (Business layer) → owns sessions, enforces ownership and limits
//	Repository (Data layer)  → stores session records and execution history
//
// The service never sees an *http.Request: the websocket channel and the
// console call the same methods as the REST handlers.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/mojo-kernel/internal/apperror"
	"github.com/sakif/mojo-kernel/internal/executor"
	"github.com/sakif/mojo-kernel/internal/model"
	"github.com/sakif/mojo-kernel/internal/repository"
	"github.com/sakif/mojo-kernel/internal/session"
)

// Validation constants.
const (
	MaxCodeLength    = 1 << 20 // 1 MiB of source per cell
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// EngineFactory builds an unstarted engine of the given kind.
type EngineFactory func(kind string) (executor.Engine, error)

// Options tune a SessionService.
type Options struct {
	// DefaultEngine is used when a create request names no engine.
	DefaultEngine string
	// MaxSessionsPerClient caps live sessions per owner; zero means no cap.
	MaxSessionsPerClient int
}

// live is a running session with its stored record.
type live struct {
	record model.Session
	sess   *session.Session
}

// SessionService is the registry of live kernel sessions.
type SessionService struct {
	sessions  repository.SessionRepository
	history   repository.HistoryRepository
	newEngine EngineFactory
	opts      Options
	logger    *slog.Logger

	mu   sync.RWMutex
	live map[string]*live
	// starting counts sessions per owner whose kernel is still starting;
	// they hold a slot against MaxSessionsPerClient.
	starting map[string]int
}

// NewSessionService creates an empty registry.
func NewSessionService(
	sessions repository.SessionRepository,
	history repository.HistoryRepository,
	newEngine EngineFactory,
	opts Options,
	logger *slog.Logger,
) *SessionService {
	if opts.DefaultEngine == "" {
		opts.DefaultEngine = model.EngineServer
	}
	return &SessionService{
		sessions:  sessions,
		history:   history,
		newEngine: newEngine,
		opts:      opts,
		logger:    logger,
		live:      make(map[string]*live),
		starting:  make(map[string]int),
	}
}

// Create starts a new session for owner. kind selects the engine; empty
// means the configured default.
func (s *SessionService) Create(ctx context.Context, owner, kind string) (*model.Session, error) {
	if kind == "" {
		kind = s.opts.DefaultEngine
	}
	if kind != model.EngineServer && kind != model.EnginePTY {
		return nil, apperror.ValidationFailed("engine",
			fmt.Sprintf("engine must be %q or %q", model.EngineServer, model.EnginePTY))
	}

	if !s.reserve(owner) {
		return nil, apperror.Conflict("client", owner,
			fmt.Sprintf("session limit of %d reached", s.opts.MaxSessionsPerClient))
	}
	registered := false
	defer func() {
		if !registered {
			s.release(owner)
		}
	}()

	engine, err := s.newEngine(kind)
	if err != nil {
		return nil, fmt.Errorf("creating %s engine: %w", kind, err)
	}

	record := model.Session{ID: xid.New().String(), Owner: owner, Engine: kind}
	logger := s.logger.With(slog.String("session_id", record.ID), slog.String("engine", kind))
	sess := session.New(engine, logger)

	if err := sess.Start(ctx); err != nil {
		logger.Error("kernel failed to start", slog.String("error", err.Error()))
		return nil, apperror.Unavailable("kernel failed to start: "+err.Error(), err)
	}

	if err := s.sessions.CreateSession(ctx, &record); err != nil {
		sess.Close()
		return nil, fmt.Errorf("storing session: %w", err)
	}

	s.mu.Lock()
	s.live[record.ID] = &live{record: record, sess: sess}
	s.releaseLocked(owner)
	s.mu.Unlock()
	registered = true

	logger.Info("session created", slog.String("owner", owner))
	return s.describe(record, sess), nil
}

// List returns owner's live sessions, oldest first.
func (s *SessionService) List(_ context.Context, owner string) []model.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Session, 0)
	for _, l := range s.live {
		if l.record.Owner == owner {
			out = append(out, *s.describe(l.record, l.sess))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Get returns one live session.
func (s *SessionService) Get(_ context.Context, owner, id string) (*model.Session, error) {
	l, err := s.lookup(owner, id)
	if err != nil {
		return nil, err
	}
	return s.describe(l.record, l.sess), nil
}

// Execute runs a cell in the session, streaming events to pub, and records
// it in the history when req.StoreHistory is set.
func (s *SessionService) Execute(ctx context.Context, owner, id string, req session.Request, pub session.Publisher) (session.Reply, error) {
	if len(req.Code) > MaxCodeLength {
		return session.Reply{}, apperror.ValidationFailed("code",
			fmt.Sprintf("code must be %d bytes or less", MaxCodeLength))
	}
	l, err := s.lookup(owner, id)
	if err != nil {
		return session.Reply{}, err
	}

	// A caller that goes away must not kill the kernel: the cell runs to
	// completion unless interrupted, restarted or timed out by the engine.
	start := time.Now()
	reply, err := l.sess.Execute(context.WithoutCancel(ctx), req, pub)
	if errors.Is(err, session.ErrBusy) {
		return session.Reply{}, apperror.Conflict("session", id, "an execution is already running")
	}
	if err != nil {
		return session.Reply{}, err
	}

	if req.StoreHistory && !executor.IsBlank(req.Code) {
		s.record(ctx, id, req.Code, reply, time.Since(start))
	}
	return reply, nil
}

// record stores one history entry. Failing to store is logged, not
// returned: the cell already ran.
func (s *SessionService) record(ctx context.Context, id, code string, reply session.Reply, took time.Duration) {
	entry := &model.Execution{
		SessionID:      id,
		ExecutionCount: reply.ExecutionCount,
		Code:           code,
		Status:         reply.Status,
		Stdout:         reply.Result.Stdout,
		Stderr:         reply.Result.Stderr,
		ErrorName:      reply.ErrorName,
		ErrorValue:     reply.ErrorValue,
		Traceback:      reply.Traceback,
		DurationMs:     took.Milliseconds(),
	}
	// The request may already be canceled; the entry still belongs in the
	// history.
	if err := s.history.AddExecution(context.WithoutCancel(ctx), entry); err != nil {
		s.logger.Error("failed to record execution",
			slog.String("session_id", id),
			slog.String("error", err.Error()),
		)
	}
}

// Interrupt signals the session's running execution.
func (s *SessionService) Interrupt(_ context.Context, owner, id string) error {
	l, err := s.lookup(owner, id)
	if err != nil {
		return err
	}
	l.sess.Interrupt()
	s.logger.Info("session interrupted", slog.String("session_id", id))
	return nil
}

// Shutdown restarts the session's kernel, or ends the session when restart
// is false.
func (s *SessionService) Shutdown(ctx context.Context, owner, id string, restart bool) (session.ShutdownReply, error) {
	l, err := s.lookup(owner, id)
	if err != nil {
		return session.ShutdownReply{}, err
	}

	reply, err := l.sess.Shutdown(ctx, restart)
	if errors.Is(err, session.ErrBusy) {
		return session.ShutdownReply{}, apperror.Conflict("session", id, "an execution is already running")
	}
	if err != nil {
		return session.ShutdownReply{}, apperror.Unavailable("kernel failed to restart: "+err.Error(), err)
	}

	if !restart {
		s.forget(ctx, id)
	}
	return reply, nil
}

// IsComplete answers a completeness check for the session.
func (s *SessionService) IsComplete(_ context.Context, owner, id, code string) (session.CompletenessReply, error) {
	l, err := s.lookup(owner, id)
	if err != nil {
		return session.CompletenessReply{}, err
	}
	return l.sess.IsComplete(code), nil
}

// Delete kills the session's kernel, even mid-execution, and ends it.
func (s *SessionService) Delete(ctx context.Context, owner, id string) error {
	l, err := s.lookup(owner, id)
	if err != nil {
		return err
	}
	l.sess.Close()
	s.forget(ctx, id)
	return nil
}

// Records lists owner's stored sessions, newest first, ended ones included.
// Live sessions carry their current state.
func (s *SessionService) Records(ctx context.Context, owner string, limit, offset int) ([]model.Session, error) {
	limit, offset = clampPage(limit, offset)
	records, err := s.sessions.ListSessions(ctx, owner, repository.ListOptions{Limit: limit, Offset: offset})
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range records {
		if l, ok := s.live[records[i].ID]; ok {
			records[i] = *s.describe(records[i], l.sess)
		}
	}
	return records, nil
}

// History lists a session's stored executions. Ended sessions keep their
// history.
func (s *SessionService) History(ctx context.Context, owner, id string, limit, offset int) ([]model.Execution, error) {
	record, err := s.sessions.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if record.Owner != owner {
		return nil, apperror.Forbidden("you do not own this session")
	}

	limit, offset = clampPage(limit, offset)
	return s.history.ListExecutions(ctx, id, repository.ListOptions{Limit: limit, Offset: offset})
}

// Close ends every live session. Used on server shutdown.
func (s *SessionService) Close(ctx context.Context) {
	s.mu.Lock()
	all := s.live
	s.live = make(map[string]*live)
	s.mu.Unlock()

	for id, l := range all {
		l.sess.Close()
		if err := s.sessions.CloseSession(ctx, id, time.Now()); err != nil {
			s.logger.Error("failed to mark session closed", slog.String("session_id", id), slog.String("error", err.Error()))
		}
	}
	s.logger.Info("all sessions closed", slog.Int("count", len(all)))
}

func (s *SessionService) lookup(owner, id string) (*live, error) {
	s.mu.RLock()
	l, ok := s.live[id]
	s.mu.RUnlock()

	if !ok {
		return nil, apperror.NotFound("session", id)
	}
	if l.record.Owner != owner {
		return nil, apperror.Forbidden("you do not own this session")
	}
	return l, nil
}

func (s *SessionService) forget(ctx context.Context, id string) {
	s.mu.Lock()
	delete(s.live, id)
	s.mu.Unlock()

	if err := s.sessions.CloseSession(ctx, id, time.Now()); err != nil {
		s.logger.Error("failed to mark session closed", slog.String("session_id", id), slog.String("error", err.Error()))
	}
	s.logger.Info("session ended", slog.String("session_id", id))
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// reserve takes one of owner's session slots, counting live sessions and
// those still starting.
func (s *SessionService) reserve(owner string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit := s.opts.MaxSessionsPerClient; limit > 0 {
		n := s.starting[owner]
		for _, l := range s.live {
			if l.record.Owner == owner {
				n++
			}
		}
		if n >= limit {
			return false
		}
	}
	s.starting[owner]++
	return true
}

// release gives back a slot taken by reserve.
func (s *SessionService) release(owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked(owner)
}

func (s *SessionService) releaseLocked(owner string) {
	if s.starting[owner] <= 1 {
		delete(s.starting, owner)
		return
	}
	s.starting[owner]--
}

func (s *SessionService) describe(record model.Session, sess *session.Session) *model.Session {
	out := record
	out.Alive = sess.Alive()
	out.ExecutionCount = sess.ExecutionCount()
	return &out
}
