package monitor

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/chardonnay/korTTY/internal/sshaudit"
	"github.com/chardonnay/korTTY/internal/sshsession"
)

// Server serves the monitoring API for one session manager.
type Server struct {
	mgr     *sshsession.Manager
	auditor *sshaudit.Auditor
	started time.Time
}

// New creates a Server. auditor may be nil, in which case the history
// endpoint reports 503.
func New(mgr *sshsession.Manager, auditor *sshaudit.Auditor) *Server {
	return &Server{mgr: mgr, auditor: auditor, started: time.Now()}
}

// Router returns the HTTP handler with every route mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", s.health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/stats", s.stats)
		r.Get("/logs", s.logs)
		r.Get("/history", s.history)

		r.Get("/sessions", s.listSessions)
		r.Get("/sessions/{id}", s.getSession)
		r.Delete("/sessions/{id}", s.deleteSession)
		r.Post("/sessions/{id}/reconnect", s.reconnectSession)
		r.Get("/sessions/{id}/transitions", s.sessionTransitions)
		r.Get("/sessions/{id}/events", s.sessionEvents)
		r.Get("/sessions/{id}/attach", s.attach)
	})
	return r
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[monitor] listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[monitor] shutdown: %v", err)
		return err
	}
	log.Printf("[monitor] stopped")
	return nil
}
