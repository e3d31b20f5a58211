package web

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/presence-kiosk/internal/credential"
	"github.com/kozaktomas/presence-kiosk/internal/web/handlers"
	"github.com/kozaktomas/presence-kiosk/internal/web/middleware"
)

func (s *Server) setupRoutes() {
	svc := s.services

	// Create handlers
	auth := credential.NewAuthenticator(svc.Backend.Locations, svc.Tokens, s.logger)
	kioskHandler := handlers.NewKioskHandler(auth, svc.Attendance, svc.Backend, svc.Metrics, s.logger)

	// Health check and metrics (no auth required)
	s.router.Get("/api/v1/health", handlers.HealthCheck)
	s.router.Method(http.MethodGet, "/metrics", svc.Metrics.Handler())

	// API routes
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.NoCache())

		r.With(middleware.RateLimit(s.loginLimiter)).Post("/kiosk/login", kioskHandler.Login)

		// Everything else requires a kiosk bearer token
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireKiosk(svc.Tokens))

			r.Get("/kiosk/descriptors", kioskHandler.Descriptors)
			r.Post("/kiosk/attendance", kioskHandler.Attendance)
			r.Get("/kiosk/attendance/today", kioskHandler.Today)
			r.Get("/kiosk/identities/{id}", kioskHandler.Identity)
		})
	})
}
