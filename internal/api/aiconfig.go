// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/camfleet/visibility/internal/model"
	"github.com/camfleet/visibility/internal/svcconfig"
	"github.com/camfleet/visibility/internal/visibility"
)

// CameraSource yields the cameras currently visible on active agents.
type CameraSource interface {
	ActiveCameras(ctx context.Context) ([]visibility.Camera, error)
}

// AIConfigServer serves per-service camera subscription lists, validating
// additions against the visibility server's active-camera view.
type AIConfigServer struct {
	configs        *svcconfig.Registry
	source         CameraSource
	nonOperational map[string]struct{}
	logger         zerolog.Logger
	now            func() time.Time
}

func NewAIConfigServer(configs *svcconfig.Registry, source CameraSource, nonOperational []string, logger zerolog.Logger) *AIConfigServer {
	statuses := make(map[string]struct{}, len(nonOperational))
	for _, s := range nonOperational {
		statuses[s] = struct{}{}
	}
	return &AIConfigServer{
		configs:        configs,
		source:         source,
		nonOperational: statuses,
		logger:         logger,
		now:            time.Now,
	}
}

// WithClock replaces the time source, for tests.
func (s *AIConfigServer) WithClock(now func() time.Time) *AIConfigServer {
	s.now = now
	return s
}

func (s *AIConfigServer) Router(readiness []Pinger, rateLimitRPM int) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(metricsMiddleware)

	r.Get("/healthz", healthz)
	r.Get("/readyz", readyz(readiness...))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	limit := writeRateLimit(rateLimitRPM)

	r.Get("/service_configs/{service}", s.handleGetList)
	r.With(limit).Post("/service_configs/{service}/cameras", s.handleAddCamera)
	r.With(limit).Delete("/service_configs/{service}/cameras/{cameraID}", s.handleDeleteCamera)
	r.Get("/active_cameras", s.handleActiveCameras)

	return r
}

func (s *AIConfigServer) handleGetList(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	list, err := s.configs.GetList(r.Context(), service)
	if err != nil {
		s.logger.Error().Err(err).
			Str("event", "api.service_list_failed").
			Str("service", service).
			Msg("failed to load service camera list")
		writeInternalError(w, fmt.Sprintf("error retrieving camera list for service %q", service))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"service_name": service,
		"redis_key":    s.configs.Key(service),
		"cameras":      list,
		"count":        len(list),
	})
}

func (s *AIConfigServer) handleAddCamera(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")

	var body model.Document
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, errEmptyBody)
		return
	}

	cameraID := body.String(svcconfig.FieldInputCameraID)
	if cameraID == "" {
		writeMessage(w, http.StatusBadRequest, "input_camera_id is required")
		return
	}

	cams, err := s.source.ActiveCameras(r.Context())
	if err != nil {
		s.logger.Error().Err(err).
			Str("event", "api.visibility_fetch_failed").
			Str("service", service).
			Msg("failed to fetch camera list from visibility server")
		writeServiceUnavailable(w, errors.New("failed to fetch camera list from visibility server"))
		return
	}

	var selected *visibility.Camera
	for i := range cams {
		if cams[i].CameraID == cameraID {
			selected = &cams[i]
			break
		}
	}
	if selected == nil {
		writeNotFound(w, fmt.Sprintf("camera %q not found on the visibility server", cameraID))
		return
	}

	if _, nonOp := s.nonOperational[selected.Status]; nonOp {
		s.logger.Warn().
			Str("event", "api.non_operational_camera").
			Str("service", service).
			Str("camera_id", cameraID).
			Str("camera_status", selected.Status).
			Msg("subscribing a camera that is currently non-operational")
	}

	// Caller-supplied fields ride along untouched; the canonical fields
	// below overwrite any collisions.
	entry := body.Clone()
	if entry.String("description") == "" {
		entry["description"] = fmt.Sprintf("Camera %s for service %s", cameraID, service)
	}
	entry[svcconfig.FieldInputCameraID] = cameraID
	entry[svcconfig.FieldVisibilityCameraInfo] = model.Document{
		"camera_name":                     selected.CameraName,
		"stream_protocol":                 selected.StreamProtocol,
		"stream_details":                  selected.StreamDetails,
		svcconfig.FieldVisibilityCameraID: selected.CameraID,
		"agent_id":                        selected.AgentID,
		"resolution":                      selected.Resolution,
		"fps":                             selected.FPS,
		"camera_type":                     selected.Type,
		"camera_environment":              selected.Environment,
		"camera_status_at_registration":   selected.Status,
	}
	if _, ok := entry["inference_config"]; !ok {
		entry["inference_config"] = model.Document{}
	}
	entry["last_updated_utc"] = model.Timestamp(s.now())

	if err := s.configs.AddOrUpdate(r.Context(), service, entry); err != nil {
		if errors.Is(err, svcconfig.ErrNoIdentity) {
			writeError(w, err)
			return
		}
		s.logger.Error().Err(err).
			Str("event", "api.subscription_save_failed").
			Str("service", service).
			Str("camera_id", cameraID).
			Msg("failed to save camera subscription")
		writeInternalError(w, fmt.Sprintf("failed to save camera configuration for %q", cameraID))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message":                 fmt.Sprintf("camera configuration for %q in service %q saved", cameraID, service),
		"service_name":            service,
		"camera_config_processed": entry,
	})
}

func (s *AIConfigServer) handleDeleteCamera(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	cameraID := chi.URLParam(r, "cameraID")

	err := s.configs.Delete(r.Context(), service, cameraID)
	if errors.Is(err, svcconfig.ErrEntryNotFound) {
		writeNotFound(w, fmt.Sprintf("camera %q not found in service %q", cameraID, service))
		return
	}
	if err != nil {
		s.logger.Error().Err(err).
			Str("event", "api.subscription_delete_failed").
			Str("service", service).
			Str("camera_id", cameraID).
			Msg("failed to delete camera subscription")
		writeInternalError(w, fmt.Sprintf("failed to delete camera %q from service %q", cameraID, service))
		return
	}
	writeMessage(w, http.StatusOK,
		fmt.Sprintf("camera configuration for %q deleted from service %q", cameraID, service))
}

func (s *AIConfigServer) handleActiveCameras(w http.ResponseWriter, r *http.Request) {
	cams, err := s.source.ActiveCameras(r.Context())
	if err != nil {
		s.logger.Error().Err(err).
			Str("event", "api.visibility_fetch_failed").
			Msg("failed to fetch camera list from visibility server")
		writeServiceUnavailable(w, errors.New("failed to fetch camera list from visibility server"))
		return
	}

	operational := make([]visibility.Camera, 0, len(cams))
	for _, cam := range cams {
		if _, nonOp := s.nonOperational[cam.Status]; nonOp {
			continue
		}
		operational = append(operational, cam)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"active_cameras": operational,
		"count":          len(operational),
	})
}
