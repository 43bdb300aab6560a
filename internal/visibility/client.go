// SPDX-License-Identifier: MIT

// Package visibility is the client side of the visibility server's
// external-facing camera view, consumed by the AI config daemon.
package visibility

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/camfleet/visibility/internal/model"
)

// Camera is one active camera flattened with its owning agent's coordinates.
type Camera struct {
	AgentID        string         `json:"agent_id"`
	AgentName      string         `json:"agent_name"`
	AgentIP        string         `json:"agent_ip"`
	AgentPort      any            `json:"agent_api_port"`
	CameraID       string         `json:"camera_id"`
	CameraName     string         `json:"camera_name"`
	Status         string         `json:"camera_status"`
	Type           string         `json:"camera_type"`
	Environment    string         `json:"camera_environment"`
	StreamProtocol string         `json:"stream_protocol"`
	StreamDetails  map[string]any `json:"stream_details"`
	Resolution     any            `json:"resolution"`
	FPS            any            `json:"fps"`
}

// Client fetches the active-camera view from a visibility server.
type Client struct {
	base   string
	http   *retryablehttp.Client
	logger zerolog.Logger
}

// New creates a Client for the given base URL with a hard per-request timeout.
func New(baseURL string, timeout time.Duration, logger zerolog.Logger) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = timeout
	rc.Logger = nil

	return &Client{
		base:   strings.TrimRight(baseURL, "/"),
		http:   rc,
		logger: logger,
	}
}

func (c *Client) getJSON(ctx context.Context, path string, out any) (int, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode %s: %w", path, err)
	}
	return resp.StatusCode, nil
}

// ActiveCameras lists every camera belonging to an active-like agent,
// flattened with the agent's network coordinates. Malformed per-camera
// entries are skipped, never fatal; an unreachable server is an error.
func (c *Client) ActiveCameras(ctx context.Context) ([]Camera, error) {
	var agents []model.Document
	code, err := c.getJSON(ctx, "/webui/agents", &agents)
	if err != nil {
		return nil, fmt.Errorf("fetch agent list: %w", err)
	}
	if code != http.StatusOK {
		return nil, fmt.Errorf("fetch agent list: unexpected status %d", code)
	}

	cameras := make([]Camera, 0)
	for _, summary := range agents {
		agentID := summary.String(model.FieldAgentID)
		status := strings.ToLower(summary.String(model.FieldStatus))
		if agentID == "" || !strings.Contains(status, "active") {
			continue
		}

		var agent model.Document
		code, err := c.getJSON(ctx, "/webui/agents/"+agentID, &agent)
		if err != nil {
			c.logger.Error().Err(err).
				Str("event", "visibility.agent_detail_failed").
				Str("agent_id", agentID).
				Msg("failed to fetch agent details, skipping")
			continue
		}
		if code == http.StatusNotFound {
			c.logger.Warn().
				Str("event", "visibility.agent_vanished").
				Str("agent_id", agentID).
				Msg("agent listed as active but details returned 404")
			continue
		}
		if code != http.StatusOK {
			c.logger.Error().
				Str("event", "visibility.agent_detail_failed").
				Str("agent_id", agentID).
				Int("status", code).
				Msg("unexpected status fetching agent details, skipping")
			continue
		}

		for _, cam := range agent.List(model.FieldCameras) {
			camID := cam.String(model.FieldCameraID)
			if camID == "" {
				c.logger.Warn().
					Str("event", "visibility.malformed_camera").
					Str("agent_id", agentID).
					Msg("skipping camera entry without camera_id")
				continue
			}
			cameras = append(cameras, Camera{
				AgentID:        agent.String(model.FieldAgentID),
				AgentName:      agent.String(model.FieldAgentName),
				AgentIP:        agent.String(model.FieldIP),
				AgentPort:      agent[model.FieldAgentPort],
				CameraID:       camID,
				CameraName:     cam.String(model.FieldCameraName),
				Status:         cam.String(model.FieldStatus),
				Type:           cam.String(model.FieldType),
				Environment:    cam.String(model.FieldEnvironment),
				StreamProtocol: cam.String(model.FieldStreamProtocol),
				StreamDetails:  cam.Map(model.FieldStreamDetails),
				Resolution:     cam[model.FieldResolution],
				FPS:            cam[model.FieldFPS],
			})
		}
	}

	c.logger.Info().
		Str("event", "visibility.cameras_fetched").
		Int("count", len(cameras)).
		Msg("fetched active cameras from visibility server")
	return cameras, nil
}
