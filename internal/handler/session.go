// Package handler contains the HTTP and websocket handlers for the kernel
// API.
//
// HANDLER RESPONSIBILITIES:
// 1. Parse the incoming request (URL params, query, body)
// 2. Call the session service
// 3. Write the response (status code, headers, body)
//
// Handlers hold no kernel state: everything lives in the service, which the
// websocket channel and the console also use.
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/mojo-kernel/internal/apperror"
	"github.com/sakif/mojo-kernel/internal/auth"
	"github.com/sakif/mojo-kernel/internal/model"
	"github.com/sakif/mojo-kernel/internal/session"
)

// Sessions is the part of the session service the handlers need.
// *service.SessionService satisfies it.
type Sessions interface {
	Create(ctx context.Context, owner, kind string) (*model.Session, error)
	List(ctx context.Context, owner string) []model.Session
	Records(ctx context.Context, owner string, limit, offset int) ([]model.Session, error)
	Get(ctx context.Context, owner, id string) (*model.Session, error)
	Execute(ctx context.Context, owner, id string, req session.Request, pub session.Publisher) (session.Reply, error)
	Interrupt(ctx context.Context, owner, id string) error
	Shutdown(ctx context.Context, owner, id string, restart bool) (session.ShutdownReply, error)
	IsComplete(ctx context.Context, owner, id, code string) (session.CompletenessReply, error)
	Delete(ctx context.Context, owner, id string) error
	History(ctx context.Context, owner, id string, limit, offset int) ([]model.Execution, error)
}

// SessionHandler serves the /api/sessions routes.
type SessionHandler struct {
	sessions Sessions
	logger   *slog.Logger
}

// NewSessionHandler creates a SessionHandler.
func NewSessionHandler(sessions Sessions, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{sessions: sessions, logger: logger}
}

// CreateSessionRequest is the optional body of POST /api/sessions.
type CreateSessionRequest struct {
	Engine string `json:"engine"`
}

// ExecuteResponse carries everything one execution produced.
type ExecuteResponse struct {
	Events []session.Event `json:"events"`
	Reply  session.Reply   `json:"reply"`
}

// ShutdownRequest is the body of POST /api/sessions/{id}/shutdown.
type ShutdownRequest struct {
	Restart bool `json:"restart"`
}

// IsCompleteRequest is the body of POST /api/sessions/{id}/is_complete.
type IsCompleteRequest struct {
	Code string `json:"code"`
}

// HandleCreate starts a kernel.
//
// HTTP: POST /api/sessions
// REQUEST BODY (optional): {"engine": "server"}
func (h *SessionHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}

	var req CreateSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	sess, err := h.sessions.Create(r.Context(), owner, req.Engine)
	if err != nil {
		h.fail(w, "create session", err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// HandleList returns the caller's live sessions. With all=true it returns
// the stored records instead, ended sessions included, paged with
// limit/offset.
//
// HTTP: GET /api/sessions[?all=true&limit=20&offset=0]
func (h *SessionHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	if r.URL.Query().Get("all") != "true" {
		writeJSON(w, http.StatusOK, h.sessions.List(r.Context(), owner))
		return
	}

	limit, err := queryInt(r, "limit")
	if err != nil {
		h.fail(w, "list sessions", err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		h.fail(w, "list sessions", err)
		return
	}
	records, err := h.sessions.Records(r.Context(), owner, limit, offset)
	if err != nil {
		h.fail(w, "list sessions", err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// HandleGet returns one session.
//
// HTTP: GET /api/sessions/{id}
func (h *SessionHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	sess, err := h.sessions.Get(r.Context(), owner, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// HandleDelete kills the kernel and ends the session.
//
// HTTP: DELETE /api/sessions/{id}
func (h *SessionHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	if err := h.sessions.Delete(r.Context(), owner, chi.URLParam(r, "id")); err != nil {
		h.fail(w, "delete session", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleExecute runs one cell and returns its events with the reply.
//
// HTTP: POST /api/sessions/{id}/execute
// REQUEST BODY: {"code": "print(1)", "silent": false, "storeHistory": true}
// storeHistory defaults to true when omitted.
//
// An error in the user's code is still 200: it is reported in the reply
// with status "error".
func (h *SessionHandler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}

	req := session.NewRequest("")
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	var events session.Collector
	reply, err := h.sessions.Execute(r.Context(), owner, chi.URLParam(r, "id"), req, &events)
	if err != nil {
		h.fail(w, "execute", err)
		return
	}
	writeJSON(w, http.StatusOK, ExecuteResponse{Events: events.Events(), Reply: reply})
}

// HandleInterrupt interrupts the running execution, if any.
//
// HTTP: POST /api/sessions/{id}/interrupt
func (h *SessionHandler) HandleInterrupt(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	if err := h.sessions.Interrupt(r.Context(), owner, chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": session.StatusOK})
}

// HandleShutdown restarts the kernel or ends the session.
//
// HTTP: POST /api/sessions/{id}/shutdown
// REQUEST BODY (optional): {"restart": true}
func (h *SessionHandler) HandleShutdown(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}

	var req ShutdownRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	reply, err := h.sessions.Shutdown(r.Context(), owner, chi.URLParam(r, "id"), req.Restart)
	if err != nil {
		h.fail(w, "shutdown", err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

// HandleIsComplete reports whether a cell is ready to run.
//
// HTTP: POST /api/sessions/{id}/is_complete
// REQUEST BODY: {"code": "fn f():"}
func (h *SessionHandler) HandleIsComplete(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}

	var req IsCompleteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	reply, err := h.sessions.IsComplete(r.Context(), owner, chi.URLParam(r, "id"), req.Code)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

// HandleHistory lists the session's stored executions.
//
// HTTP: GET /api/sessions/{id}/history?limit=20&offset=0
func (h *SessionHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}

	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		writeError(w, err)
		return
	}

	entries, err := h.sessions.History(r.Context(), owner, chi.URLParam(r, "id"), limit, offset)
	if err != nil {
		h.fail(w, "history", err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// owner returns the authenticated client, answering 401 when there is none.
func (h *SessionHandler) owner(w http.ResponseWriter, r *http.Request) (string, bool) {
	owner, ok := auth.ClientIDFromContext(r.Context())
	if !ok {
		writeError(w, apperror.Unauthorized("authentication required"))
		return "", false
	}
	return owner, true
}

// fail logs unexpected errors before writing them.
func (h *SessionHandler) fail(w http.ResponseWriter, op string, err error) {
	var appErr *apperror.AppError
	if !errors.As(err, &appErr) {
		h.logger.Error(op+" failed", slog.String("error", err.Error()))
	}
	writeError(w, err)
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperror.ValidationFailed(name, name+" must be a non-negative integer")
	}
	return n, nil
}
