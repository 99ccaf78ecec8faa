package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/p-arndt/sandpipe/protocol"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	grantKey     contextKey = "worker_grant"
)

// workerAuthMiddleware admits only callers presenting a live worker token
// and stores the matching grant in the request context.
func (s *Server) workerAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if auth == "" {
			writeUnauthorizedError(w, "missing authorization header")
			return
		}

		token := strings.TrimPrefix(auth, "Bearer ")
		if token == auth {
			writeUnauthorizedError(w, "invalid worker token")
			return
		}
		grant, ok := s.tokens.Lookup(token)
		if !ok {
			writeUnauthorizedError(w, "invalid worker token")
			return
		}

		ctx := context.WithValue(r.Context(), grantKey, grant)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()[:8]
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func grantFrom(ctx context.Context) protocol.WorkerGrant {
	g, _ := ctx.Value(grantKey).(protocol.WorkerGrant)
	return g
}
