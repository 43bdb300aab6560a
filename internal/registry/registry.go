// SPDX-License-Identifier: MIT

// Package registry owns the agent entity: registration, heartbeat merges,
// camera bookkeeping and purge of long-dead agents.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/camfleet/visibility/internal/metrics"
	"github.com/camfleet/visibility/internal/model"
	"github.com/camfleet/visibility/internal/store/agentdb"
)

var (
	// ErrValidation marks caller-fault input errors, rejected before any store access.
	ErrValidation = errors.New("validation failed")
	// ErrAgentNotFound marks operations against an unknown agent id.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrCameraNotFound marks camera operations against an id absent from the agent's list.
	ErrCameraNotFound = errors.New("camera not found")
)

// RegisterRequest carries the fields an agent supplies at registration.
type RegisterRequest struct {
	AgentName string
	IP        string
	AgentPort int
	Cameras   []model.Document
	Status    string
}

// Registry is the agent registry. One instance per process, constructed at
// the composition root with an open store handle.
type Registry struct {
	store  *agentdb.Store
	logger zerolog.Logger
	now    func() time.Time
}

// New creates a Registry on top of an open agent store.
func New(store *agentdb.Store, logger zerolog.Logger) *Registry {
	return &Registry{store: store, logger: logger, now: time.Now}
}

// WithClock overrides the registry clock; tests only.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// Register creates a fresh agent document and returns its generated id.
// It always creates a new document; re-registration under a new identity is
// the agent's own responsibility.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (string, error) {
	if req.AgentName == "" {
		return "", fmt.Errorf("%w: agent_name is required", ErrValidation)
	}

	agentID := uuid.NewString()
	now := r.now()

	port := req.AgentPort
	if port == 0 {
		port = 8000
	}
	status := req.Status
	if status == "" {
		status = model.AgentActive
	}

	cameras := make([]model.Document, 0, len(req.Cameras))
	for _, cam := range req.Cameras {
		cameras = append(cameras, model.NormalizeCamera(cam, now))
	}

	doc := model.Document{
		model.FieldAgentID:    agentID,
		model.FieldAgentName:  req.AgentName,
		model.FieldIP:         req.IP,
		model.FieldAgentPort:  port,
		model.FieldStatus:     status,
		model.FieldLastUpdate: model.Timestamp(now),
		model.FieldCameras:    cameras,
	}

	if err := r.store.Insert(ctx, doc); err != nil {
		return "", fmt.Errorf("register agent %q: %w", req.AgentName, err)
	}

	metrics.AgentsRegisteredTotal.Inc()
	r.logger.Info().
		Str("event", "registry.agent_registered").
		Str("agent_id", agentID).
		Str("agent_name", req.AgentName).
		Int("cameras", len(cameras)).
		Msg("agent registered")
	return agentID, nil
}

// Get returns the agent document, or nil when the id is unknown.
func (r *Registry) Get(ctx context.Context, agentID string) (model.Document, error) {
	return r.store.Get(ctx, agentID)
}

// Update merges fields into the agent document. last_update is refreshed on
// every call; when cameras are among the updated fields, each camera's own
// last_update is stamped with the same instant so agent- and camera-level
// timeout math stays in lockstep.
//
// Returns false when the agent does not exist or the store reports no
// change; callers that need to distinguish not-found must Get first.
func (r *Registry) Update(ctx context.Context, agentID string, fields model.Document) (bool, error) {
	now := model.Timestamp(r.now())

	merged := model.Document{}
	for k, v := range fields {
		merged[k] = v
	}
	merged[model.FieldLastUpdate] = now

	if _, ok := merged[model.FieldCameras]; ok {
		wrapper := model.Document{model.FieldCameras: merged[model.FieldCameras]}
		cameras := wrapper.List(model.FieldCameras)
		stamped := make([]model.Document, 0, len(cameras))
		for _, cam := range cameras {
			c := model.Document{}
			for k, v := range cam {
				c[k] = v
			}
			c[model.FieldLastUpdate] = now
			stamped = append(stamped, c)
		}
		merged[model.FieldCameras] = stamped
	}

	return r.store.Update(ctx, agentID, merged)
}

// Delete removes the agent document outright.
func (r *Registry) Delete(ctx context.Context, agentID string) (bool, error) {
	return r.store.Delete(ctx, agentID)
}

// ListAll returns every agent. With includeSummary, each document gains the
// derived camera summary fields; these are computed values, never persisted.
func (r *Registry) ListAll(ctx context.Context, includeSummary bool) ([]model.Document, error) {
	docs, err := r.store.All(ctx)
	if err != nil {
		return nil, err
	}
	if !includeSummary {
		return docs, nil
	}
	out := make([]model.Document, 0, len(docs))
	for _, doc := range docs {
		out = append(out, model.Summarize(doc))
	}
	return out, nil
}

// AddCamera appends a normalized camera to the agent's list and returns the
// camera id. The whole cameras sequence is written back through Update.
func (r *Registry) AddCamera(ctx context.Context, agentID string, cam model.Document) (string, error) {
	agent, err := r.store.Get(ctx, agentID)
	if err != nil {
		return "", err
	}
	if agent == nil {
		return "", fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}

	normalized := model.NormalizeCamera(cam, r.now())
	cameras := append(agent.List(model.FieldCameras), normalized)

	ok, err := r.Update(ctx, agentID, model.Document{model.FieldCameras: cameras})
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	return normalized.String(model.FieldCameraID), nil
}

// UpdateCamera merges fields into one camera of the agent. stream_details
// merges as a nested map rather than being replaced wholesale; every other
// field is overwritten.
func (r *Registry) UpdateCamera(ctx context.Context, agentID, cameraID string, fields model.Document) error {
	agent, err := r.store.Get(ctx, agentID)
	if err != nil {
		return err
	}
	if agent == nil {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}

	cameras := agent.List(model.FieldCameras)
	found := false
	for i, cam := range cameras {
		if cam.String(model.FieldCameraID) != cameraID {
			continue
		}
		updated := model.Document{}
		for k, v := range cam {
			updated[k] = v
		}
		for k, v := range fields {
			if k == model.FieldStreamDetails {
				existing := updated.Map(model.FieldStreamDetails)
				patch := model.Document{k: v}.Map(k)
				if existing != nil && patch != nil {
					mergedDetails := model.Document{}
					for dk, dv := range existing {
						mergedDetails[dk] = dv
					}
					for dk, dv := range patch {
						mergedDetails[dk] = dv
					}
					updated[k] = mergedDetails
					continue
				}
			}
			updated[k] = v
		}
		cameras[i] = updated
		found = true
		break
	}
	if !found {
		return fmt.Errorf("%w: %s on agent %s", ErrCameraNotFound, cameraID, agentID)
	}

	ok, err := r.Update(ctx, agentID, model.Document{model.FieldCameras: cameras})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	return nil
}

// RemoveCamera drops one camera from the agent's list.
func (r *Registry) RemoveCamera(ctx context.Context, agentID, cameraID string) error {
	agent, err := r.store.Get(ctx, agentID)
	if err != nil {
		return err
	}
	if agent == nil {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}

	cameras := agent.List(model.FieldCameras)
	filtered := make([]model.Document, 0, len(cameras))
	for _, cam := range cameras {
		if cam.String(model.FieldCameraID) != cameraID {
			filtered = append(filtered, cam)
		}
	}
	if len(filtered) == len(cameras) {
		return fmt.Errorf("%w: %s on agent %s", ErrCameraNotFound, cameraID, agentID)
	}

	ok, err := r.Update(ctx, agentID, model.Document{model.FieldCameras: filtered})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	return nil
}

// PurgeInactive removes every agent whose last_update precedes cutoff and
// returns the removed ids. Each removal is an independent atomic delete; a
// failure on one agent does not abort the rest.
func (r *Registry) PurgeInactive(ctx context.Context, cutoff time.Time) ([]string, error) {
	var stale []string
	err := r.store.Scan(ctx, func(doc model.Document) error {
		id := doc.String(model.FieldAgentID)
		raw := doc.String(model.FieldLastUpdate)
		ts, err := model.ParseTimestamp(raw)
		if err != nil {
			r.logger.Warn().
				Str("event", "registry.unparseable_timestamp").
				Str("agent_id", id).
				Str("last_update", raw).
				Msg("skipping agent with unparseable last_update")
			return nil
		}
		if ts.Before(cutoff) {
			stale = append(stale, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, id := range stale {
		ok, err := r.store.Delete(ctx, id)
		if err != nil {
			r.logger.Error().Err(err).
				Str("event", "registry.purge_failed").
				Str("agent_id", id).
				Msg("failed to purge agent")
			continue
		}
		if ok {
			removed = append(removed, id)
			metrics.AgentsPurgedTotal.Inc()
		}
	}
	return removed, nil
}
