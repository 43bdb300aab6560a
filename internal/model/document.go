// SPDX-License-Identifier: MIT

// Package model defines the agent and camera document shapes shared by the
// registry, the sweepers and the HTTP layer.
//
// Persisted documents are free-form JSON objects: the fields below are the
// contract, but unknown fields written by newer or older peers must survive
// every read-modify-write cycle. Documents therefore travel as maps; typed
// accessors cover the fields this code reads.
package model

import (
	"encoding/json"
	"time"
)

// Document is one stored JSON object (an agent, a camera, a subscription).
type Document map[string]any

// Agent document fields.
const (
	FieldAgentID    = "agent_id"
	FieldAgentName  = "agent_name"
	FieldIP         = "ip"
	FieldAgentPort  = "agent_port"
	FieldStatus     = "status"
	FieldLastUpdate = "last_update"
	FieldCameras    = "cameras"
)

// Camera document fields.
const (
	FieldCameraID          = "camera_id"
	FieldCameraName        = "camera_name"
	FieldType              = "type"
	FieldEnvironment       = "environment"
	FieldStreamProtocol    = "stream_protocol"
	FieldStreamDetails     = "stream_details"
	FieldResolution        = "resolution"
	FieldFPS               = "fps"
	FieldLocation          = "location"
	FieldHostPCName        = "host_pc_name"
	FieldFrameTransmission = "frame_transmission_enabled"
)

// Agent statuses.
const (
	AgentActive          = "active"
	AgentInactiveTimeout = "inactive_timeout"
	AgentDeleted         = "deleted"
	AgentUnknown         = "unknown"
)

// Camera statuses.
const (
	CameraInactive       = "inactive"
	CameraActive         = "active"
	CameraStreaming      = "streaming"
	CameraError          = "error"
	CameraUnknownTimeout = "unknown_timeout"
	CameraOffline        = "offline"
)

// TerminalAgentStatuses are the statuses the liveness sweeper must not
// demote again; purge is the only exit from these.
var TerminalAgentStatuses = map[string]struct{}{
	AgentInactiveTimeout:  {},
	"unreachable_timeout": {},
	"error_timeout":       {},
	AgentDeleted:          {},
}

// String returns the named field as a string, or "" when absent or not a string.
func (d Document) String(key string) string {
	s, _ := d[key].(string)
	return s
}

// Bool returns the named field as a bool, false when absent or mistyped.
func (d Document) Bool(key string) bool {
	b, _ := d[key].(bool)
	return b
}

// Map returns the named field as a nested document, nil when absent or mistyped.
func (d Document) Map(key string) Document {
	switch v := d[key].(type) {
	case Document:
		return v
	case map[string]any:
		return Document(v)
	}
	return nil
}

// List returns the named field as a slice of documents. Non-object elements
// are skipped; a missing or mistyped field yields nil.
func (d Document) List(key string) []Document {
	raw, ok := d[key].([]any)
	if !ok {
		// Direct assignment before a JSON round trip.
		if docs, ok := d[key].([]Document); ok {
			return docs
		}
		return nil
	}
	out := make([]Document, 0, len(raw))
	for _, el := range raw {
		switch m := el.(type) {
		case Document:
			out = append(out, m)
		case map[string]any:
			out = append(out, Document(m))
		}
	}
	return out
}

// Clone returns a deep copy of the document via a JSON round trip.
func (d Document) Clone() Document {
	buf, err := json.Marshal(d)
	if err != nil {
		// Documents originate from JSON; a marshal failure means a caller
		// planted an unserialisable value, which is a programming error.
		panic("model: document not JSON-serialisable: " + err.Error())
	}
	var out Document
	if err := json.Unmarshal(buf, &out); err != nil {
		panic("model: document round trip failed: " + err.Error())
	}
	return out
}

// Timestamp formats a time the way documents store last_update.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTimestamp parses a stored last_update value. It accepts RFC 3339 and
// zone-less ISO 8601 (written by older peers); zone-less values are read as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02T15:04:05.999999999", s)
}
