package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/ad8x-bridge/internal/auth"
	"github.com/nerrad567/ad8x-bridge/internal/bridges/ad8x"
)

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.With(s.requirePermission(auth.PermStateRead)).Get("/amps", s.handleListAmps)
			r.Route("/amps/{amp}", func(r chi.Router) {
				r.With(s.requirePermission(auth.PermStateRead)).Get("/", s.handleGetAmp)
				r.With(s.requirePermission(auth.PermRaw)).Post("/raw", s.handleRaw)

				r.Route("/zones/{zone}", func(r chi.Router) {
					r.With(s.requirePermission(auth.PermStateRead)).Get("/", s.handleGetZone)
					r.With(s.requirePermission(auth.PermZoneOperate)).Post("/{command}", s.handleZoneCommand)
				})
			})

			r.With(s.requirePermission(auth.PermAllOff)).Post("/all-off", s.handleAllOff)
			r.With(s.requirePermission(auth.PermAuditRead)).Get("/audit", s.handleListAudit)
			r.With(s.requirePermission(auth.PermSystemAdmin)).Put("/system/log-level", s.handleSetLogLevel)

			r.With(s.requirePermission(auth.PermStateRead)).Get(s.wsPath(), s.handleWebSocket)
		})
	})

	return r
}

func (s *Server) wsPath() string {
	if s.wsCfg.Path == "" {
		return "/ws"
	}
	return s.wsCfg.Path
}

// handleHealth returns the bridge health message. The status code is 200
// only while the bridge reports healthy.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "version": s.version})
		return
	}
	msg := s.health.Health()
	status := http.StatusOK
	if msg.Status != ad8x.HealthHealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, msg)
}
