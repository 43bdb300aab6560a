// SPDX-License-Identifier: MIT

package registry

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camfleet/visibility/internal/model"
	"github.com/camfleet/visibility/internal/store/agentdb"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	store, err := agentdb.Open(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return New(store, zerolog.Nop())
}

func TestRegisterAssignsFreshIdentity(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	id1, err := r.Register(ctx, RegisterRequest{
		AgentName: "cam-host-1",
		IP:        "10.0.0.5",
		AgentPort: 8000,
		Cameras:   []model.Document{{model.FieldCameraID: "c1"}},
	})
	require.NoError(t, err)
	require.NotEmpty(t, id1)

	// Same payload registers again under a distinct identity.
	id2, err := r.Register(ctx, RegisterRequest{AgentName: "cam-host-1", IP: "10.0.0.5"})
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	agent, err := r.Get(ctx, id1)
	require.NoError(t, err)
	require.NotNil(t, agent)
	assert.Equal(t, model.AgentActive, agent.String(model.FieldStatus))

	cams := agent.List(model.FieldCameras)
	require.Len(t, cams, 1)
	assert.Equal(t, "c1", cams[0].String(model.FieldCameraID))
	assert.Equal(t, model.CameraInactive, cams[0].String(model.FieldStatus))
	assert.False(t, cams[0].Bool(model.FieldFrameTransmission))
}

func TestRegisterRequiresName(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register(context.Background(), RegisterRequest{IP: "10.0.0.5"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestUpdateAdvancesLastUpdateMonotonically(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.WithClock(func() time.Time { return clock })

	id, err := r.Register(ctx, RegisterRequest{AgentName: "a"})
	require.NoError(t, err)

	var seen []time.Time
	for i := 0; i < 3; i++ {
		clock = clock.Add(10 * time.Second)
		ok, err := r.Update(ctx, id, model.Document{model.FieldStatus: model.AgentActive})
		require.NoError(t, err)
		require.True(t, ok)

		agent, err := r.Get(ctx, id)
		require.NoError(t, err)
		ts, err := model.ParseTimestamp(agent.String(model.FieldLastUpdate))
		require.NoError(t, err)
		seen = append(seen, ts)
	}
	for i := 1; i < len(seen); i++ {
		assert.True(t, seen[i].After(seen[i-1]), "last_update went backwards: %v then %v", seen[i-1], seen[i])
	}
}

func TestUpdateStampsCamerasInLockstep(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	id, err := r.Register(ctx, RegisterRequest{
		AgentName: "a",
		Cameras:   []model.Document{{model.FieldCameraID: "c1"}, {model.FieldCameraID: "c2"}},
	})
	require.NoError(t, err)

	agent, err := r.Get(ctx, id)
	require.NoError(t, err)
	ok, err := r.Update(ctx, id, model.Document{model.FieldCameras: agent[model.FieldCameras]})
	require.NoError(t, err)
	require.True(t, ok)

	agent, err = r.Get(ctx, id)
	require.NoError(t, err)
	agentTS := agent.String(model.FieldLastUpdate)
	for _, cam := range agent.List(model.FieldCameras) {
		assert.Equal(t, agentTS, cam.String(model.FieldLastUpdate))
	}
}

func TestUpdateUnknownAgentReturnsFalse(t *testing.T) {
	r := newTestRegistry(t)
	ok, err := r.Update(context.Background(), "ghost", model.Document{model.FieldStatus: "x"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListAllWithSummary(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, RegisterRequest{
		AgentName: "a",
		Cameras: []model.Document{
			{model.FieldType: "rgb", model.FieldStatus: model.CameraActive},
			{model.FieldType: "thermal"},
		},
	})
	require.NoError(t, err)

	plain, err := r.ListAll(ctx, false)
	require.NoError(t, err)
	require.Len(t, plain, 1)
	_, hasSummary := plain[0][model.FieldCameraSummary]
	assert.False(t, hasSummary)

	summarized, err := r.ListAll(ctx, true)
	require.NoError(t, err)
	require.Len(t, summarized, 1)
	assert.Equal(t, "rgb:1, thermal:1", summarized[0][model.FieldCameraSummary])
	assert.Equal(t, 1, summarized[0][model.FieldActiveCameraCount])
	assert.Equal(t, 2, summarized[0][model.FieldTotalCameraCount])
}

func TestAddUpdateRemoveCamera(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	id, err := r.Register(ctx, RegisterRequest{AgentName: "a"})
	require.NoError(t, err)

	camID, err := r.AddCamera(ctx, id, model.Document{
		model.FieldCameraID:      "c1",
		model.FieldStreamDetails: model.Document{"uri": "rtsp://old", "transport": "tcp"},
	})
	require.NoError(t, err)
	assert.Equal(t, "c1", camID)

	// stream_details merges as a nested map; other fields replace.
	err = r.UpdateCamera(ctx, id, "c1", model.Document{
		model.FieldStatus:        model.CameraStreaming,
		model.FieldStreamDetails: model.Document{"uri": "rtsp://new"},
	})
	require.NoError(t, err)

	agent, err := r.Get(ctx, id)
	require.NoError(t, err)
	cams := agent.List(model.FieldCameras)
	require.Len(t, cams, 1)
	assert.Equal(t, model.CameraStreaming, cams[0].String(model.FieldStatus))
	details := cams[0].Map(model.FieldStreamDetails)
	assert.Equal(t, "rtsp://new", details.String("uri"))
	assert.Equal(t, "tcp", details.String("transport"))

	require.NoError(t, r.RemoveCamera(ctx, id, "c1"))
	agent, err = r.Get(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, agent.List(model.FieldCameras))

	err = r.RemoveCamera(ctx, id, "c1")
	assert.ErrorIs(t, err, ErrCameraNotFound)
}

func TestCameraOpsOnUnknownAgent(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.AddCamera(ctx, "ghost", model.Document{})
	assert.ErrorIs(t, err, ErrAgentNotFound)
	err = r.UpdateCamera(ctx, "ghost", "c1", model.Document{})
	assert.ErrorIs(t, err, ErrAgentNotFound)
	err = r.RemoveCamera(ctx, "ghost", "c1")
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestPurgeInactive(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	clock := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	r.WithClock(func() time.Time { return clock })

	oldID, err := r.Register(ctx, RegisterRequest{AgentName: "old"})
	require.NoError(t, err)

	clock = clock.Add(48 * time.Hour)
	freshID, err := r.Register(ctx, RegisterRequest{AgentName: "fresh"})
	require.NoError(t, err)

	removed, err := r.PurgeInactive(ctx, clock.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{oldID}, removed)

	gone, err := r.Get(ctx, oldID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	kept, err := r.Get(ctx, freshID)
	require.NoError(t, err)
	assert.NotNil(t, kept)
}
