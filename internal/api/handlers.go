package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/p-arndt/sandpipe/protocol"
)

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req protocol.AuthRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeValidationError(w, "invalid json", nil)
		return
	}
	if req.Token == "" {
		writeValidationError(w, "token is required", nil)
		return
	}

	subject, ok := s.cfg.UserTokens[req.Token]
	if !ok {
		writeUnauthorizedError(w, "unknown user token")
		return
	}
	writeJSON(w, http.StatusOK, protocol.Identity{Subject: subject})
}

// handleLog re-emits a daemon log line through the platform logger, tagged
// with the worker that sent it.
func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	var entry protocol.LogEntry
	if err := decodeJSONBody(w, r, &entry); err != nil {
		writeValidationError(w, "invalid json", nil)
		return
	}
	level, err := validateLogEntry(entry)
	if err != nil {
		writeValidationError(w, err.Error(), nil)
		return
	}

	g := grantFrom(r.Context())
	attrs := []slog.Attr{
		slog.String("app", g.AppID),
		slog.String("install", g.InstallID),
		slog.String("worker", g.WorkerID),
	}
	if entry.RequestID != "" {
		attrs = append(attrs, slog.String("request_id", entry.RequestID))
	}
	for k, v := range entry.Attrs {
		attrs = append(attrs, slog.Any(k, v))
	}
	s.logger.LogAttrs(context.Background(), level, entry.Message, attrs...)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, grantFrom(r.Context()))
}

func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	op := chi.URLParam(r, "op")

	var req protocol.DataRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeValidationError(w, "invalid json", nil)
		return
	}
	if err := validateDataRequest(op, req); err != nil {
		writeValidationError(w, err.Error(), map[string]interface{}{"op": op})
		return
	}

	g := grantFrom(r.Context())
	switch op {
	case protocol.DataGet:
		value, found, err := s.data.GetValue(g.AppID, g.InstallID, req.Key)
		if err != nil {
			writeAPIError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, protocol.DataResponse{Found: found, Value: value})

	case protocol.DataSet:
		if err := s.data.SetValue(g.AppID, g.InstallID, req.Key, req.Value); err != nil {
			writeAPIError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, protocol.DataResponse{Found: true})

	case protocol.DataDelete:
		if err := s.data.DeleteValue(g.AppID, g.InstallID, req.Key); err != nil {
			writeAPIError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, protocol.DataResponse{})

	default:
		writeAPIError(w, errUnknownOperation)
	}
}
