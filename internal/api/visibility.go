// SPDX-License-Identifier: MIT

// Package api mounts the HTTP surfaces of both daemons: the agent-facing
// and operator-facing routes of the visibility server, and the service
// configuration routes of the AI config server.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/camfleet/visibility/internal/control"
	"github.com/camfleet/visibility/internal/model"
	"github.com/camfleet/visibility/internal/registry"
)

// Notifier delivers frame transmission commands to agents.
type Notifier interface {
	Notify(ctx context.Context, ip string, port int, cameraID, action string) error
}

// VisibilityServer serves the agent registry over HTTP.
type VisibilityServer struct {
	registry *registry.Registry
	notifier Notifier
	logger   zerolog.Logger
}

func NewVisibilityServer(reg *registry.Registry, notifier Notifier, logger zerolog.Logger) *VisibilityServer {
	return &VisibilityServer{
		registry: reg,
		notifier: notifier,
		logger:   logger,
	}
}

// Router builds the full visibility route tree. rateLimitRPM caps write
// endpoints per client IP; zero disables the limiter.
func (s *VisibilityServer) Router(readiness []Pinger, rateLimitRPM int) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(metricsMiddleware)

	r.Get("/healthz", healthz)
	r.Get("/readyz", readyz(readiness...))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	limit := writeRateLimit(rateLimitRPM)

	r.With(limit).Post("/agent/register", s.handleRegister)
	r.With(limit).Post("/agent/update_status", s.handleUpdateStatus)
	r.Get("/agent/config", s.handleAgentConfig)

	r.Get("/api/camera_status", s.handleCameraStatus)
	r.With(limit).Post("/api/frame_transmission", s.handleFrameTransmission)

	r.Get("/webui/agents", s.handleAgentList)
	r.Get("/webui/agents/{agentID}", s.handleAgentDetail)
	r.With(limit).Post("/webui/agents/{agentID}/cameras/{cameraID}/control", s.handleCameraControl)

	return r
}

// clientIP prefers the first X-Forwarded-For hop, falling back to the
// connection's remote address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func intField(doc model.Document, key string, fallback int) int {
	switch v := doc[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return fallback
	}
}

func (s *VisibilityServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body model.Document
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, errEmptyBody)
		return
	}

	rawCams, ok := body[model.FieldCameras]
	if !ok {
		writeMessage(w, http.StatusBadRequest, "cameras list is required and must be a list")
		return
	}
	if _, isList := rawCams.([]any); !isList {
		writeMessage(w, http.StatusBadRequest, "cameras list is required and must be a list")
		return
	}

	req := registry.RegisterRequest{
		AgentName: body.String(model.FieldAgentName),
		IP:        clientIP(r),
		AgentPort: intField(body, model.FieldAgentPort, 0),
		Cameras:   body.List(model.FieldCameras),
		Status:    body.String(model.FieldStatus),
	}

	agentID, err := s.registry.Register(r.Context(), req)
	if err != nil {
		if errors.Is(err, registry.ErrValidation) {
			writeError(w, err)
			return
		}
		s.logger.Error().Err(err).Str("event", "api.register_failed").Msg("agent registration failed")
		writeInternalError(w, "agent registration failed")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"message":  "Agent registered successfully",
		"agent_id": agentID,
	})
}

func (s *VisibilityServer) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var body model.Document
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, errEmptyBody)
		return
	}

	agentID := body.String(model.FieldAgentID)
	if agentID == "" {
		writeMessage(w, http.StatusBadRequest, "agent_id is required")
		return
	}

	fields := model.Document{}
	if raw, ok := body[model.FieldCameras]; ok {
		if _, isList := raw.([]any); !isList {
			writeMessage(w, http.StatusBadRequest, "'cameras' field must be a list")
			return
		}
		fields[model.FieldCameras] = raw
	}
	if status, ok := body[model.FieldStatus]; ok {
		fields[model.FieldStatus] = status
	}
	if len(fields) == 0 {
		writeMessage(w, http.StatusBadRequest, "no updatable fields provided")
		return
	}

	agent, err := s.registry.Get(r.Context(), agentID)
	if err != nil {
		writeInternalError(w, "agent lookup failed")
		return
	}
	if agent == nil {
		writeNotFound(w, "Agent not found")
		return
	}

	ok, err := s.registry.Update(r.Context(), agentID, fields)
	if err != nil {
		s.logger.Error().Err(err).
			Str("event", "api.update_status_failed").
			Str("agent_id", agentID).
			Msg("agent status update failed")
		writeInternalError(w, "agent status update failed")
		return
	}
	if !ok {
		writeMessage(w, http.StatusBadRequest, "agent status update made no changes")
		return
	}
	writeMessage(w, http.StatusOK, "Agent status updated successfully")
}

func (s *VisibilityServer) handleAgentConfig(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get(model.FieldAgentID)
	if agentID == "" {
		writeMessage(w, http.StatusBadRequest, "agent_id is required in query parameters")
		return
	}

	agent, err := s.registry.Get(r.Context(), agentID)
	if err != nil {
		writeInternalError(w, "agent lookup failed")
		return
	}
	if agent == nil {
		writeNotFound(w, "Agent not found")
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *VisibilityServer) handleCameraStatus(w http.ResponseWriter, r *http.Request) {
	agents, err := s.registry.ListAll(r.Context(), false)
	if err != nil {
		writeInternalError(w, "agent listing failed")
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func (s *VisibilityServer) handleAgentList(w http.ResponseWriter, r *http.Request) {
	agents, err := s.registry.ListAll(r.Context(), true)
	if err != nil {
		writeInternalError(w, "agent listing failed")
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func (s *VisibilityServer) handleAgentDetail(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	agent, err := s.registry.Get(r.Context(), agentID)
	if err != nil {
		writeInternalError(w, "agent lookup failed")
		return
	}
	if agent == nil {
		writeNotFound(w, "Agent not found")
		return
	}
	writeJSON(w, http.StatusOK, model.Summarize(agent))
}

func (s *VisibilityServer) handleFrameTransmission(w http.ResponseWriter, r *http.Request) {
	var body model.Document
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, errEmptyBody)
		return
	}

	agentID := body.String(model.FieldAgentID)
	cameraID := body.String(model.FieldCameraID)
	rawEnabled, hasEnabled := body[model.FieldFrameTransmission]
	enabled, isBool := rawEnabled.(bool)
	if agentID == "" || cameraID == "" || !hasEnabled || !isBool {
		writeMessage(w, http.StatusBadRequest,
			"agent_id, camera_id and frame_transmission_enabled are required")
		return
	}

	action := control.ActionStop
	if enabled {
		action = control.ActionStart
	}
	s.setFrameTransmission(w, r, agentID, cameraID, action)
}

func (s *VisibilityServer) handleCameraControl(w http.ResponseWriter, r *http.Request) {
	var body model.Document
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, errEmptyBody)
		return
	}

	action := body.String("action")
	if action != control.ActionStart && action != control.ActionStop {
		writeMessage(w, http.StatusBadRequest, "action must be 'start' or 'stop'")
		return
	}
	s.setFrameTransmission(w, r, chi.URLParam(r, "agentID"), chi.URLParam(r, "cameraID"), action)
}

// setFrameTransmission persists the toggle and then fires the agent
// callback. The write is the source of truth; the notification outcome is
// reported alongside but never changes the response status.
func (s *VisibilityServer) setFrameTransmission(w http.ResponseWriter, r *http.Request, agentID, cameraID, action string) {
	agent, err := s.registry.Get(r.Context(), agentID)
	if err != nil {
		writeInternalError(w, "agent lookup failed")
		return
	}
	if agent == nil {
		writeNotFound(w, "Agent not found")
		return
	}

	enabled := action == control.ActionStart
	err = s.registry.UpdateCamera(r.Context(), agentID, cameraID, model.Document{
		model.FieldFrameTransmission: enabled,
	})
	if errors.Is(err, registry.ErrCameraNotFound) {
		writeNotFound(w, "Camera not found")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).
			Str("event", "api.frame_transmission_failed").
			Str("agent_id", agentID).
			Str("camera_id", cameraID).
			Msg("frame transmission update failed")
		writeInternalError(w, "frame transmission update failed")
		return
	}

	notified := true
	ip := agent.String(model.FieldIP)
	port := intField(agent, model.FieldAgentPort, 8000)
	if err := s.notifier.Notify(r.Context(), ip, port, cameraID, action); err != nil {
		notified = false
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message":          "Frame transmission setting updated",
		"agent_id":         agentID,
		"camera_id":        cameraID,
		"action":           action,
		"control_notified": notified,
	})
}
