// SPDX-License-Identifier: MIT

package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeCameraDefaults(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cam := NormalizeCamera(Document{}, now)

	assert.NotEmpty(t, cam.String(FieldCameraID))
	assert.Equal(t, CameraInactive, cam.String(FieldStatus))
	assert.Equal(t, "rgb", cam.String(FieldType))
	assert.Equal(t, "real", cam.String(FieldEnvironment))
	assert.Equal(t, "N/A", cam.String(FieldLocation))
	assert.Equal(t, "N/A", cam.String(FieldHostPCName))
	assert.Equal(t, false, cam.Bool(FieldFrameTransmission))
	assert.NotNil(t, cam.Map(FieldStreamDetails))
	assert.Equal(t, Timestamp(now), cam.String(FieldLastUpdate))
}

func TestNormalizeCameraKeepsSuppliedAndUnknownFields(t *testing.T) {
	now := time.Now()
	cam := NormalizeCamera(Document{
		FieldCameraID:          "c1",
		FieldStatus:            CameraStreaming,
		FieldFrameTransmission: true,
		"vendor_extension":     "kept",
	}, now)

	assert.Equal(t, "c1", cam.String(FieldCameraID))
	assert.Equal(t, CameraStreaming, cam.String(FieldStatus))
	assert.True(t, cam.Bool(FieldFrameTransmission))
	assert.Equal(t, "kept", cam.String("vendor_extension"))
	assert.Equal(t, "Cam-c1", cam.String(FieldCameraName))
}

func TestSummarize(t *testing.T) {
	agent := Document{
		FieldAgentID: "a1",
		FieldCameras: []any{
			map[string]any{FieldType: "rgb", FieldEnvironment: "real", FieldStatus: CameraActive},
			map[string]any{FieldType: "rgb", FieldEnvironment: "real", FieldStatus: CameraStreaming},
			map[string]any{FieldType: "thermal", FieldEnvironment: "sim", FieldStatus: CameraInactive},
		},
	}

	got := Summarize(agent)
	assert.Equal(t, "rgb:2, thermal:1", got[FieldCameraSummary])
	assert.Equal(t, "real, sim", got[FieldEnvironmentSummary])
	assert.Equal(t, 2, got[FieldActiveCameraCount])
	assert.Equal(t, 3, got[FieldTotalCameraCount])

	// Derived fields must not leak back into the source document.
	_, leaked := agent[FieldCameraSummary]
	assert.False(t, leaked)
}

func TestSummarizeNoCameras(t *testing.T) {
	got := Summarize(Document{FieldAgentID: "a1"})
	assert.Equal(t, "No cameras", got[FieldCameraSummary])
	assert.Equal(t, "N/A", got[FieldEnvironmentSummary])
	assert.Equal(t, 0, got[FieldActiveCameraCount])
	assert.Equal(t, 0, got[FieldTotalCameraCount])
}

func TestParseTimestampAcceptsZonelessISO(t *testing.T) {
	ts, err := ParseTimestamp("2026-03-01T12:30:45.123456")
	require.NoError(t, err)
	assert.Equal(t, 2026, ts.Year())
	assert.Equal(t, 30, ts.Minute())

	rt, err := ParseTimestamp(Timestamp(time.Now()))
	require.NoError(t, err)
	assert.False(t, rt.IsZero())
}

func TestDocumentListSkipsNonObjects(t *testing.T) {
	d := Document{FieldCameras: []any{map[string]any{FieldCameraID: "c1"}, "garbage", 42}}
	cams := d.List(FieldCameras)
	require.Len(t, cams, 1)
	assert.Equal(t, "c1", cams[0].String(FieldCameraID))
}
