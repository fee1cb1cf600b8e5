package monitor

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/chardonnay/korTTY/internal/database"
	"github.com/chardonnay/korTTY/internal/logging"
	"github.com/chardonnay/korTTY/internal/sshaudit"
	"github.com/chardonnay/korTTY/internal/sshsession"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// writeSessionError maps session manager errors to HTTP status codes.
func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sshsession.ErrNotFound):
		writeError(w, http.StatusNotFound, "Session not found")
	case errors.Is(err, sshsession.ErrInvalidState):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disconnected"
	if database.DB != nil {
		sqlDB, err := database.DB.DB()
		if err == nil {
			if err := sqlDB.Ping(); err == nil {
				dbStatus = "connected"
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "healthy",
		"database": dbStatus,
		"sessions": len(s.mgr.List()),
		"uptime":   time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mgr.Stats())
}

func (s *Server) logs(w http.ResponseWriter, r *http.Request) {
	n := 200
	if v := r.URL.Query().Get("lines"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid lines parameter")
			return
		}
		n = parsed
	}
	if n > 5000 {
		n = 5000
	}
	tail, err := logging.ReadTail(n)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(tail))
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	if s.auditor == nil {
		writeError(w, http.StatusServiceUnavailable, "Connection history is not enabled")
		return
	}
	q := r.URL.Query()
	opts := sshaudit.QueryOptions{
		SessionID:  q.Get("session_id"),
		ProfileKey: q.Get("profile"),
		EventType:  q.Get("event_type"),
	}
	if v := q.Get("limit"); v != "" {
		opts.Limit, _ = strconv.Atoi(v)
	}
	if v := q.Get("offset"); v != "" {
		opts.Offset, _ = strconv.Atoi(v)
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid since parameter")
			return
		}
		opts.Since = &since
	}

	res, err := s.auditor.Query(opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mgr.List())
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	snap, err := s.mgr.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.mgr.Get(id); err != nil {
		writeSessionError(w, err)
		return
	}
	s.mgr.Disconnect(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) reconnectSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.mgr.Reconnect(id); err != nil {
		writeSessionError(w, err)
		return
	}
	snap, err := s.mgr.Get(id)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, snap)
}

func (s *Server) sessionTransitions(w http.ResponseWriter, r *http.Request) {
	trs, err := s.mgr.Transitions(chi.URLParam(r, "id"))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trs)
}

func (s *Server) sessionEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.mgr.Events(chi.URLParam(r, "id"))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}
