// SPDX-License-Identifier: MIT

package sweep

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/camfleet/visibility/internal/model"
	"github.com/camfleet/visibility/internal/registry"
	"github.com/camfleet/visibility/internal/store/agentdb"
	"github.com/camfleet/visibility/internal/store/kv"
	"github.com/camfleet/visibility/internal/svcconfig"
	"github.com/camfleet/visibility/internal/visibility"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// Badger's ristretto caches keep worker goroutines alive until GC.
		goleak.IgnoreTopFunction("github.com/dgraph-io/ristretto.(*defaultPolicy).processItems"),
		goleak.IgnoreTopFunction("github.com/dgraph-io/ristretto.(*Cache).processItems"),
		goleak.IgnoreTopFunction("github.com/dgraph-io/ristretto/z.(*AllocatorPool).freeupAllocators"),
	)
}

func newTestRegistry(t *testing.T) (*registry.Registry, *agentdb.Store) {
	t.Helper()
	store, err := agentdb.Open(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return registry.New(store, zerolog.Nop()), store
}

func registerAgentAt(t *testing.T, reg *registry.Registry, name string, at time.Time, cameras ...model.Document) string {
	t.Helper()
	reg.WithClock(func() time.Time { return at })
	id, err := reg.Register(context.Background(), registry.RegisterRequest{
		AgentName: name,
		IP:        "10.0.0.7",
		Cameras:   cameras,
	})
	require.NoError(t, err)
	return id
}

func TestLivenessDemotesStaleAgent(t *testing.T) {
	reg, _ := newTestRegistry(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	id := registerAgentAt(t, reg, "edge-1", base, model.Document{"camera_name": "front"})

	now := base.Add(5 * time.Minute)
	reg.WithClock(func() time.Time { return now })
	l := NewLiveness(reg, 100*time.Second, 5*time.Second, zerolog.Nop()).
		WithClock(func() time.Time { return now })

	require.NoError(t, l.Sweep(context.Background()))

	agent, err := reg.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.AgentInactiveTimeout, agent.String(model.FieldStatus))

	cams := agent.List(model.FieldCameras)
	require.Len(t, cams, 1)
	assert.Equal(t, model.CameraUnknownTimeout, cams[0].String(model.FieldStatus))
	assert.False(t, cams[0].Bool(model.FieldFrameTransmission))

	// Demotion restarts the purge clock.
	ts, err := model.ParseTimestamp(agent.String(model.FieldLastUpdate))
	require.NoError(t, err)
	assert.True(t, ts.Equal(now), "last_update must be refreshed by demotion")
}

func TestLivenessLeavesFreshAgent(t *testing.T) {
	reg, _ := newTestRegistry(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	id := registerAgentAt(t, reg, "edge-1", base)

	l := NewLiveness(reg, 100*time.Second, 5*time.Second, zerolog.Nop()).
		WithClock(func() time.Time { return base.Add(30 * time.Second) })
	require.NoError(t, l.Sweep(context.Background()))

	agent, err := reg.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.AgentActive, agent.String(model.FieldStatus))
}

func TestLivenessSkipsTerminalStatuses(t *testing.T) {
	reg, _ := newTestRegistry(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	id := registerAgentAt(t, reg, "edge-1", base)

	reg.WithClock(func() time.Time { return base })
	_, err := reg.Update(context.Background(), id, model.Document{
		model.FieldStatus: "error_timeout",
	})
	require.NoError(t, err)

	l := NewLiveness(reg, 100*time.Second, 5*time.Second, zerolog.Nop()).
		WithClock(func() time.Time { return base.Add(time.Hour) })
	require.NoError(t, l.Sweep(context.Background()))

	agent, err := reg.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "error_timeout", agent.String(model.FieldStatus),
		"terminal agents must not be demoted again")
}

func TestLivenessSkipsUnparseableTimestamp(t *testing.T) {
	reg, store := newTestRegistry(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	id := registerAgentAt(t, reg, "edge-1", base)

	// Corrupt the timestamp below the registry layer; Update would restamp it.
	agent, err := reg.Get(context.Background(), id)
	require.NoError(t, err)
	agent[model.FieldLastUpdate] = "yesterday-ish"
	require.NoError(t, store.Upsert(context.Background(), agent))

	l := NewLiveness(reg, 100*time.Second, 5*time.Second, zerolog.Nop()).
		WithClock(func() time.Time { return base.Add(time.Hour) })
	require.NoError(t, l.Sweep(context.Background()))

	kept, err := reg.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.AgentActive, kept.String(model.FieldStatus),
		"agents with unreadable timestamps must be left alone")
}

func TestLivenessSkipsFutureTimestamp(t *testing.T) {
	reg, _ := newTestRegistry(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	id := registerAgentAt(t, reg, "edge-1", base.Add(time.Hour))

	l := NewLiveness(reg, 100*time.Second, 5*time.Second, zerolog.Nop()).
		WithClock(func() time.Time { return base })
	require.NoError(t, l.Sweep(context.Background()))

	agent, err := reg.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.AgentActive, agent.String(model.FieldStatus),
		"clock skew must not demote an agent")
}

func TestPurgeRemovesOldDemotedAgents(t *testing.T) {
	reg, _ := newTestRegistry(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	old := registerAgentAt(t, reg, "old", base.Add(-48*time.Hour))
	fresh := registerAgentAt(t, reg, "fresh", base.Add(-time.Hour))

	p := NewPurge(reg, 24*time.Hour, zerolog.Nop()).
		WithClock(func() time.Time { return base })
	require.NoError(t, p.Sweep(context.Background()))

	gone, err := reg.Get(context.Background(), old)
	require.NoError(t, err)
	assert.Nil(t, gone)

	kept, err := reg.Get(context.Background(), fresh)
	require.NoError(t, err)
	assert.NotNil(t, kept)
}

// An agent must be observable as inactive_timeout for a full threshold
// before purge removes it; demotion restarts the purge clock.
func TestLivenessThenPurgeOrdering(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	id := registerAgentAt(t, reg, "edge-1", base)

	demotedAt := base.Add(5 * time.Minute)
	reg.WithClock(func() time.Time { return demotedAt })
	l := NewLiveness(reg, 100*time.Second, 5*time.Second, zerolog.Nop()).
		WithClock(func() time.Time { return demotedAt })
	require.NoError(t, l.Sweep(ctx))

	agent, err := reg.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, model.AgentInactiveTimeout, agent.String(model.FieldStatus))

	// One second shy of the threshold since demotion: still listed.
	p := NewPurge(reg, 24*time.Hour, zerolog.Nop()).
		WithClock(func() time.Time { return demotedAt.Add(24*time.Hour - time.Second) })
	require.NoError(t, p.Sweep(ctx))
	kept, err := reg.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, kept)

	p = NewPurge(reg, 24*time.Hour, zerolog.Nop()).
		WithClock(func() time.Time { return demotedAt.Add(24*time.Hour + time.Second) })
	require.NoError(t, p.Sweep(ctx))

	all, err := reg.ListAll(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, all, "purged agent must disappear from the listing")
}

type fakeSource struct {
	cams []visibility.Camera
	err  error
}

func (f *fakeSource) ActiveCameras(context.Context) ([]visibility.Camera, error) {
	return f.cams, f.err
}

func newTestConfigs(t *testing.T) *svcconfig.Registry {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return svcconfig.New(kv.NewWithClient(client, zerolog.Nop()), "service_configs", zerolog.Nop())
}

func TestCleanupPrunesVanishedCameras(t *testing.T) {
	configs := newTestConfigs(t)
	ctx := context.Background()

	require.NoError(t, configs.AddOrUpdate(ctx, "detector", model.Document{"input_camera_id": "cam-live"}))
	require.NoError(t, configs.AddOrUpdate(ctx, "detector", model.Document{"input_camera_id": "cam-dead"}))

	c := NewCleanup(configs, &fakeSource{cams: []visibility.Camera{{CameraID: "cam-live"}}}, nil, zerolog.Nop())
	require.NoError(t, c.Sweep(ctx))

	list, err := configs.GetList(ctx, "detector")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "cam-live", list[0].String("input_camera_id"))
}

func TestCleanupPrunesNonOperationalCameras(t *testing.T) {
	configs := newTestConfigs(t)
	ctx := context.Background()

	require.NoError(t, configs.AddOrUpdate(ctx, "detector", model.Document{"input_camera_id": "cam-live"}))
	require.NoError(t, configs.AddOrUpdate(ctx, "detector", model.Document{"input_camera_id": "cam-timed-out"}))

	// The timed-out camera is still reported by its agent, but its status
	// makes it unusable; the subscription must go.
	source := &fakeSource{cams: []visibility.Camera{
		{CameraID: "cam-live", Status: model.CameraActive},
		{CameraID: "cam-timed-out", Status: model.CameraUnknownTimeout},
	}}
	c := NewCleanup(configs, source, []string{"unknown_timeout", "offline", "error"}, zerolog.Nop())
	require.NoError(t, c.Sweep(ctx))

	list, err := configs.GetList(ctx, "detector")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "cam-live", list[0].String("input_camera_id"))
}

func TestCleanupAbortsWhenFetchFails(t *testing.T) {
	configs := newTestConfigs(t)
	ctx := context.Background()

	require.NoError(t, configs.AddOrUpdate(ctx, "detector", model.Document{"input_camera_id": "cam-1"}))

	c := NewCleanup(configs, &fakeSource{err: errors.New("visibility down")}, nil, zerolog.Nop())
	require.Error(t, c.Sweep(ctx))

	list, err := configs.GetList(ctx, "detector")
	require.NoError(t, err)
	assert.Len(t, list, 1, "nothing may be pruned without an authoritative camera view")
}

type countingSweeper struct {
	n atomic.Int32
}

func (c *countingSweeper) Name() string { return "counting" }

func (c *countingSweeper) Sweep(context.Context) error {
	c.n.Add(1)
	return nil
}

func TestRunExecutesImmediatelyAndStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &countingSweeper{}

	done := make(chan struct{})
	go func() {
		defer close(done)
		Run(ctx, s, time.Hour, zerolog.Nop())
	}()

	require.Eventually(t, func() bool { return s.n.Load() >= 1 },
		time.Second, 10*time.Millisecond, "first cycle must run without waiting for a tick")

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}
