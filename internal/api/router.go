package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/hackgods/consultation-scheduling/internal/metrics"
	"github.com/hackgods/consultation-scheduling/internal/scheduling"
)

type RouterConfig struct {
	Service *scheduling.Service
	Logger  *zap.Logger
	// Postgres and Redis are optional readiness checks.
	Postgres Pinger
	Redis    Pinger
	// Gatherer backs /metrics; nil serves the default registry.
	Gatherer prometheus.Gatherer
	Env      string
	Version  string
}

func NewRouter(cfg RouterConfig) http.Handler {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	h := &handlers{svc: cfg.Service, log: log}

	r := chi.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(log))

	health := NewHealthHandler(cfg.Postgres, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	r.Method(http.MethodGet, "/metrics", metrics.Handler(cfg.Gatherer))

	r.Route("/providers/{providerID}", func(r chi.Router) {
		r.Delete("/", h.deleteProvider)
		r.Post("/slots/generate", h.generateSlots)
		r.Get("/slots", h.listSlots)
		r.Post("/working-windows", h.createWorkingWindow)
		r.Post("/working-windows/batch", h.createWorkingWindows)
		r.Get("/working-windows", h.listWorkingWindows)
		r.Get("/appointments", h.listProviderAppointments)
	})

	r.Put("/slots/{id}/status", h.setSlotStatus)

	r.Post("/appointments", h.createAppointment)
	r.Post("/appointments/cancel/{token}", h.cancelByToken)
	r.Get("/appointments/{id}", h.getAppointment)
	r.Put("/appointments/{id}/status", h.setAppointmentStatus)
	r.Post("/appointments/{id}/cancel", h.cancelAppointment)

	r.Get("/patients/{patientID}/appointments", h.listPatientAppointments)

	return r
}
