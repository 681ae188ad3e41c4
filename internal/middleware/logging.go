// Package middleware holds the broker's own HTTP middleware: access logging
// that understands websocket upgrades. Request IDs and panic recovery come
// from chi.
//
// WRAPPING THE RESPONSE WRITER:
// A middleware only sees what the handler writes through the ResponseWriter
// it was given, so Logger hands the handler a wrapper that counts bytes and
// remembers the status. The wrapper must still expose the optional
// interfaces (http.Hijacker, http.Flusher) of the writer underneath, or the
// websocket channel cannot upgrade.
package middleware

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// responseWriter records what the handler sent.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    int64
	hijacked   bool // the connection was taken over by a websocket
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

// Hijack lets the websocket upgrader take over the connection. Embedding
// alone would hide the underlying writer's Hijack method.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("middleware: response writer does not support hijacking")
	}
	conn, buf, err := h.Hijack()
	if err == nil {
		rw.hijacked = true
		rw.statusCode = http.StatusSwitchingProtocols
	}
	return conn, buf, err
}

// Flush forwards to the underlying writer when it can flush.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Logger logs one line per request with the request ID set by chi's
// RequestID middleware. Server errors are logged at error level. Websocket requests
// are logged when the connection closes, so their duration is the life of
// the channel.
func Logger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(wrapped, r)

			attrs := []any{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", wrapped.statusCode),
				slog.Duration("duration", time.Since(start)),
				slog.Int64("bytes", wrapped.written),
			}
			if id := chimiddleware.GetReqID(r.Context()); id != "" {
				attrs = append(attrs, slog.String("request_id", id))
			}
			if wrapped.hijacked {
				attrs = append(attrs, slog.Bool("hijacked", true))
			}

			level := slog.LevelInfo
			if wrapped.statusCode >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			logger.Log(r.Context(), level, "request completed", attrs...)
		})
	}
}
