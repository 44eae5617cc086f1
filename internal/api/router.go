package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/device-monitor/internal/auth"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)
	if s.metrics != nil {
		r.Use(s.metrics.Middleware)
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Route("/devices", func(r chi.Router) {
				r.Get("/", s.handleListDevices)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetDevice)
					r.With(s.requirePermission(auth.PermDeviceConfigure)).Delete("/", s.handleDeleteDevice)
					r.With(s.requirePermission(auth.PermDeviceOperate)).Post("/command", s.handleDeviceCommand)
					r.Get("/sensors/{sensor}", s.handleSensorReadings)
					r.Get("/sensors/{sensor}/history", s.handleSensorHistory)
				})
			})

			r.Route("/alerts", func(r chi.Router) {
				r.Get("/", s.handleListAlerts)
				r.With(s.requirePermission(auth.PermAlertAcknowledge)).Post("/{id}/acknowledge", s.handleAcknowledgeAlert)
			})

			r.With(s.requirePermission(auth.PermAuditRead)).Get("/audit", s.handleListAudit)
		})

		r.Get(wsPath(s.wsCfg.Path), s.handleWebSocket)
	})

	return r
}

// wsPath returns the WebSocket route under /api/v1.
func wsPath(p string) string {
	if p == "" {
		return "/ws"
	}
	return p
}

// healthResponse is the body of GET /api/v1/health.
type healthResponse struct {
	Status               string   `json:"status"`
	Service              string   `json:"service"`
	Version              string   `json:"version"`
	UptimeSeconds        int64    `json:"uptimeSeconds"`
	MQTTConnected        bool     `json:"mqttConnected"`
	Devices              any      `json:"devices"`
	PendingRegistrations []string `json:"pendingRegistrations"`
	WebSocketClients     int      `json:"websocketClients"`
}

// handleHealth returns the service status and a device summary.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:               "ok",
		Service:              "device-monitor",
		Version:              s.version,
		UptimeSeconds:        int64(s.now().Sub(s.startedAt) / time.Second),
		Devices:              s.devices.Summary(),
		PendingRegistrations: []string{},
		WebSocketClients:     s.hub.ClientCount(),
	}
	if s.publisher != nil {
		resp.MQTTConnected = s.publisher.IsConnected()
	}
	if !resp.MQTTConnected {
		resp.Status = "degraded"
	}
	if s.registrations != nil {
		resp.PendingRegistrations = s.registrations.Pending()
	}
	writeJSON(w, http.StatusOK, resp)
}
