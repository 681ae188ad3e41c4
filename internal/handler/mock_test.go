package handler_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/mojo-kernel/internal/apperror"
	"github.com/sakif/mojo-kernel/internal/auth"
	"github.com/sakif/mojo-kernel/internal/handler"
	"github.com/sakif/mojo-kernel/internal/model"
	"github.com/sakif/mojo-kernel/internal/session"
)

const testOwner = "client-1"

// MockSessions is an in-memory stand-in for the session service. Execute
// runs ExecuteFn when set and otherwise echoes the code to stdout.
type MockSessions struct {
	mu         sync.Mutex
	sessions   map[string]*model.Session
	history    map[string][]model.Execution
	interrupts int
	lastReq    session.Request
	lastKind   string
	createErr  error
	ended      []model.Session
	lastPage   [2]int

	ExecuteFn func(ctx context.Context, req session.Request, pub session.Publisher) (session.Reply, error)
}

func NewMockSessions() *MockSessions {
	return &MockSessions{
		sessions: make(map[string]*model.Session),
		history:  make(map[string][]model.Execution),
	}
}

// Add registers a live session.
func (m *MockSessions) Add(id, owner string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[id] = &model.Session{
		ID:        id,
		Owner:     owner,
		Engine:    model.EngineServer,
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Alive:     true,
	}
}

func (m *MockSessions) Interrupts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interrupts
}

func (m *MockSessions) lookup(owner, id string) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, apperror.NotFound("session", id)
	}
	if s.Owner != owner {
		return nil, apperror.Forbidden("you do not own this session")
	}
	out := *s
	return &out, nil
}

func (m *MockSessions) Create(_ context.Context, owner, kind string) (*model.Session, error) {
	m.mu.Lock()
	m.lastKind = kind
	err := m.createErr
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if kind == "" {
		kind = model.EngineServer
	}
	m.Add("new-session", owner)
	s, _ := m.lookup(owner, "new-session")
	s.Engine = kind
	return s, nil
}

func (m *MockSessions) List(_ context.Context, owner string) []model.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Session, 0)
	for _, s := range m.sessions {
		if s.Owner == owner {
			out = append(out, *s)
		}
	}
	return out
}

// Records returns the live sessions followed by the ended ones.
func (m *MockSessions) Records(ctx context.Context, owner string, limit, offset int) ([]model.Session, error) {
	out := m.List(ctx, owner)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastPage = [2]int{limit, offset}
	for _, s := range m.ended {
		if s.Owner == owner {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *MockSessions) Get(_ context.Context, owner, id string) (*model.Session, error) {
	return m.lookup(owner, id)
}

func (m *MockSessions) Execute(ctx context.Context, owner, id string, req session.Request, pub session.Publisher) (session.Reply, error) {
	if _, err := m.lookup(owner, id); err != nil {
		return session.Reply{}, err
	}
	m.mu.Lock()
	m.lastReq = req
	fn := m.ExecuteFn
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, req, pub)
	}
	pub.Publish(session.Event{Type: session.EventStream, Name: session.StreamStdout, Text: req.Code + "\n"})
	return session.Reply{Status: session.StatusOK, ExecutionCount: 1}, nil
}

func (m *MockSessions) LastRequest() session.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastReq
}

func (m *MockSessions) Interrupt(_ context.Context, owner, id string) error {
	if _, err := m.lookup(owner, id); err != nil {
		return err
	}
	m.mu.Lock()
	m.interrupts++
	m.mu.Unlock()
	return nil
}

func (m *MockSessions) Shutdown(_ context.Context, owner, id string, restart bool) (session.ShutdownReply, error) {
	if _, err := m.lookup(owner, id); err != nil {
		return session.ShutdownReply{}, err
	}
	if !restart {
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
	}
	return session.ShutdownReply{Status: session.StatusOK, Restart: restart}, nil
}

func (m *MockSessions) IsComplete(_ context.Context, owner, id, code string) (session.CompletenessReply, error) {
	if _, err := m.lookup(owner, id); err != nil {
		return session.CompletenessReply{}, err
	}
	return session.IsComplete(code), nil
}

func (m *MockSessions) Delete(_ context.Context, owner, id string) error {
	if _, err := m.lookup(owner, id); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	return nil
}

func (m *MockSessions) History(_ context.Context, owner, id string, limit, offset int) ([]model.Execution, error) {
	if _, err := m.lookup(owner, id); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.history[id]
	if offset > len(entries) {
		offset = len(entries)
	}
	entries = entries[offset:]
	if limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}
	return append([]model.Execution{}, entries...), nil
}

var _ handler.Sessions = (*MockSessions)(nil)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newRouter mounts the handlers the way the server does, with every request
// attributed to testOwner.
func newRouter(m *MockSessions) http.Handler {
	logger := testLogger()
	sessions := handler.NewSessionHandler(m, logger)
	channel := handler.NewChannelHandler(m, logger)

	r := chi.NewRouter()
	r.Get("/healthz", handler.HandleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Use(auth.Anonymous(testOwner))
		r.Get("/kernelspec", handler.HandleKernelSpec(handler.NewKernelSpec("test", []string{"server", "pty"}, "server")))
		r.Post("/sessions", sessions.HandleCreate)
		r.Get("/sessions", sessions.HandleList)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", sessions.HandleGet)
			r.Delete("/", sessions.HandleDelete)
			r.Post("/execute", sessions.HandleExecute)
			r.Post("/interrupt", sessions.HandleInterrupt)
			r.Post("/shutdown", sessions.HandleShutdown)
			r.Post("/is_complete", sessions.HandleIsComplete)
			r.Get("/history", sessions.HandleHistory)
			r.Get("/channel", channel.HandleChannel)
		})
	})
	return r
}
