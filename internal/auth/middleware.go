package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// contextKey is unexported so no other package can read or shadow the
// client ID stored in a request context.
type contextKey string

const clientIDKey contextKey = "clientID"

// RequireAuth rejects requests without a valid token and stores the token
// subject in the request context.
//
// The token is read from the Authorization header ("Bearer <jwt>") or, for
// browser websocket clients that cannot set headers, from the "token" query
// parameter.
func RequireAuth(tokens *TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID, err := extractClientID(r, tokens)
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("WWW-Authenticate", `Bearer realm="mojo-kernel"`)
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"error":"unauthorized","message":"valid bearer token required"}`))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClientID(r.Context(), clientID)))
		})
	}
}

// Anonymous is used when authentication is disabled: every request is
// attributed to clientID.
func Anonymous(clientID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(WithClientID(r.Context(), clientID)))
		})
	}
}

// WithClientID returns a context carrying clientID.
func WithClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, clientIDKey, clientID)
}

// ClientIDFromContext retrieves the authenticated client's ID.
// Returns ("", false) if the request was not authenticated.
func ClientIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(clientIDKey).(string)
	return id, ok && id != ""
}

var errNoToken = errors.New("auth: no token")

func extractClientID(r *http.Request, tokens *TokenService) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			return "", errors.New("auth: malformed Authorization header")
		}
		return tokens.Validate(strings.TrimSpace(token))
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return tokens.Validate(token)
	}
	return "", errNoToken
}
