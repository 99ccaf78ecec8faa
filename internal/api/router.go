// Package api serves the platform side channel that sandboxed daemons call
// for authentication, log shipping, execution config and data access.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/p-arndt/sandpipe/internal/config"
	"github.com/p-arndt/sandpipe/protocol"
)

type Server struct {
	cfg    *config.Config
	tokens *Tokens
	data   DataStore
	logger *slog.Logger
	router chi.Router
}

func NewServer(cfg *config.Config, tokens *Tokens, data DataStore, logger *slog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		tokens: tokens,
		data:   data,
		logger: logger,
	}
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestIDMiddleware)

	// Health check (no auth)
	r.Get(protocol.PathHealth, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(s.workerAuthMiddleware)

		r.Post(protocol.PathAuth, s.handleVerify)
		r.Post(protocol.PathLogs, s.handleLog)
		r.Get(protocol.PathConfig, s.handleConfig)
		r.Post(protocol.PathDataBase+"{op}", s.handleData)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
