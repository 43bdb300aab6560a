// SPDX-License-Identifier: MIT

// Package control sends one-shot frame transmission commands to agent
// processes. Delivery is fire-and-forget with a single attempt: the
// registry write that precedes a notification is already committed, so
// a retry loop here would only delay the caller without changing state.
package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/camfleet/visibility/internal/metrics"
)

// Actions understood by agent control endpoints.
const (
	ActionStart = "start"
	ActionStop  = "stop"
)

// Client delivers control commands to agents over their local API port.
type Client struct {
	http   *http.Client
	logger zerolog.Logger
}

// New creates a Client with a hard per-notification timeout.
func New(timeout time.Duration, logger zerolog.Logger) *Client {
	return &Client{
		http:   &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Notify tells the agent at ip:port to start or stop transmitting frames
// for one camera. The returned error reports delivery only; callers treat
// it as advisory because the registry state is already committed.
func (c *Client) Notify(ctx context.Context, ip string, port int, cameraID, action string) error {
	if action != ActionStart && action != ActionStop {
		return fmt.Errorf("unknown control action %q", action)
	}

	body, err := json.Marshal(map[string]any{
		"camera_id": cameraID,
		"action":    action,
	})
	if err != nil {
		return fmt.Errorf("encode control payload: %w", err)
	}

	url := "http://" + net.JoinHostPort(ip, strconv.Itoa(port)) + "/control"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build control request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ControlNotifyTotal.WithLabelValues(action, "error").Inc()
		c.logger.Warn().Err(err).
			Str("event", "control.notify_failed").
			Str("camera_id", cameraID).
			Str("action", action).
			Str("agent_addr", url).
			Msg("agent unreachable for control notification")
		return fmt.Errorf("notify agent: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.ControlNotifyTotal.WithLabelValues(action, "rejected").Inc()
		c.logger.Warn().
			Str("event", "control.notify_rejected").
			Str("camera_id", cameraID).
			Str("action", action).
			Int("status", resp.StatusCode).
			Msg("agent rejected control notification")
		return fmt.Errorf("notify agent: status %d", resp.StatusCode)
	}

	metrics.ControlNotifyTotal.WithLabelValues(action, "ok").Inc()
	c.logger.Info().
		Str("event", "control.notify_sent").
		Str("camera_id", cameraID).
		Str("action", action).
		Msg("control notification delivered")
	return nil
}
