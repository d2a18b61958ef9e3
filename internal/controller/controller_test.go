package controller

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/hotpool/internal/executor"
	"github.com/ChuLiYu/hotpool/internal/snapshot"
	"github.com/ChuLiYu/hotpool/internal/storage/journal"
	"github.com/ChuLiYu/hotpool/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// captureNotifier records every event delivered through the dispatcher
type captureNotifier struct {
	mu      sync.Mutex
	changes []types.ChangeEvent
	alarms  []types.AlarmEvent
}

func (n *captureNotifier) SendChange(_ context.Context, e types.ChangeEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, e)
	return nil
}

func (n *captureNotifier) SendAlarm(_ context.Context, e types.AlarmEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alarms = append(n.alarms, e)
	return nil
}

func (n *captureNotifier) alarmCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.alarms)
}

func (n *captureNotifier) changeEvents() []types.ChangeEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]types.ChangeEvent(nil), n.changes...)
}

type testEnv struct {
	ctrl     *Controller
	notifier *captureNotifier
	clock    *fakeClock
	reg      *prometheus.Registry
	dir      string
}

// createTestController builds a controller whose loops are disabled so the
// tests drive sampling and alarm checks explicitly.
func createTestController(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		notifier: &captureNotifier{},
		clock:    &fakeClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)},
		reg:      prometheus.NewRegistry(),
		dir:      t.TempDir(),
	}

	config := Config{
		Application:  types.ApplicationConfig{Name: "orders", Profile: "test"},
		Monitor:      types.MonitorConfig{CollectTypes: []string{types.CollectLog, types.CollectPrometheus}},
		Notify:       types.NotifyPlatformConfig{Platform: "capture", TimeoutMillis: 1000},
		SnapshotPath: filepath.Join(env.dir, "pools.json"),
		JournalPath:  filepath.Join(env.dir, "changes.log"),
	}

	ctrl, err := NewController(config,
		WithRegisterer(env.reg),
		WithClock(env.clock),
		WithNotifier("capture", env.notifier))
	require.NoError(t, err)
	t.Cleanup(ctrl.Stop)
	t.Cleanup(func() {
		for entry := range ctrl.Registry().All() {
			entry.Pool.Shutdown()
		}
	})

	env.ctrl = ctrl
	return env
}

func saturatedPoolConfig() types.PoolConfig {
	return types.PoolConfig{
		ID:               "p1",
		CoreSize:         2,
		MaxSize:          4,
		KeepAliveSeconds: 60,
		QueueKind:        types.QueueBounded,
		QueueCapacity:    10,
		OverflowPolicy:   types.PolicyAbort,
		Alarm:            types.AlarmConfig{Enable: true, RejectThreshold: 0},
		Notify:           types.NotifyConfig{IntervalSeconds: 60, Receives: []string{"oncall"}},
	}
}

const rejectGaugeHeader = `
# HELP hotpool_rejected_tasks_delta Tasks rejected since the previous sample
# TYPE hotpool_rejected_tasks_delta gauge
`

func assertRejectDelta(t *testing.T, reg *prometheus.Registry, want string) {
	t.Helper()
	expected := rejectGaugeHeader + `hotpool_rejected_tasks_delta{pool="p1"} ` + want + "\n"
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "hotpool_rejected_tasks_delta"))
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

func TestNewController(t *testing.T) {
	env := createTestController(t)

	assert.NotNil(t, env.ctrl.Registry())
	assert.NotNil(t, env.ctrl.Collector())
	assert.NotNil(t, env.ctrl.Snapshot())
	assert.Equal(t, "capture", env.ctrl.Dispatcher().Platform())
	assert.False(t, env.ctrl.Sampler().Running())
	assert.False(t, env.ctrl.Evaluator().Running())
}

func TestNewControllerWithUnknownCollectType(t *testing.T) {
	_, err := NewController(Config{Monitor: types.MonitorConfig{CollectTypes: []string{"statsd"}}})
	assert.ErrorIs(t, err, types.ErrInvalidConfig)
}

func TestStartStopIdempotent(t *testing.T) {
	ctrl, err := NewController(Config{
		Monitor: types.MonitorConfig{Enable: true, CollectTypes: []string{types.CollectLog}, CollectIntervalSeconds: 1},
		Alarm:   types.AlarmCheckConfig{Enable: true, CheckIntervalSeconds: 1},
	})
	require.NoError(t, err)

	require.NoError(t, ctrl.Start())
	require.NoError(t, ctrl.Start())
	assert.True(t, ctrl.Sampler().Running())
	assert.True(t, ctrl.Evaluator().Running())

	ctrl.Stop()
	ctrl.Stop()
	assert.False(t, ctrl.Sampler().Running())
	assert.False(t, ctrl.Evaluator().Running())
	assert.Error(t, ctrl.Start(), "start after stop")
}

func TestRegisterMarksHealth(t *testing.T) {
	env := createTestController(t)
	ctx := context.Background()

	_, err := env.ctrl.NewPool(saturatedPoolConfig())
	require.NoError(t, err)

	st, err := env.ctrl.Health().Status(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, st)

	_, err = env.ctrl.NewPool(saturatedPoolConfig())
	assert.ErrorIs(t, err, types.ErrDuplicateID)

	_, err = env.ctrl.NewPool(types.PoolConfig{ID: "bad", CoreSize: 3, MaxSize: 1})
	assert.ErrorIs(t, err, types.ErrInvalidConfig)
}

// ============================================================================
// Monitoring & Alarm Workflow
// ============================================================================

// TestSaturationWorkflow floods a pool until it rejects, then checks the
// sampled reject delta, the alarm and its rate limit.
func TestSaturationWorkflow(t *testing.T) {
	env := createTestController(t)
	ctx := context.Background()

	p, err := env.ctrl.NewPool(saturatedPoolConfig())
	require.NoError(t, err)
	gate := make(chan struct{})
	defer close(gate)
	block := func() { <-gate }

	// seed the delta counters
	assert.Equal(t, 1, env.ctrl.Sampler().SampleOnce())
	assert.Equal(t, 0, env.ctrl.Evaluator().CheckOnce(ctx))
	assertRejectDelta(t, env.reg, "0")

	// 2 core + 10 queued + 2 extra workers fit, the 15th is rejected
	rejected := 0
	for i := 0; i < 15; i++ {
		if err := p.Submit(block); err != nil {
			require.True(t, errors.Is(err, executor.ErrRejected), "unexpected error: %v", err)
			rejected++
		}
	}
	assert.Equal(t, 1, rejected)
	assert.Equal(t, int64(1), p.RejectCount())

	assert.Equal(t, 1, env.ctrl.Sampler().SampleOnce())
	assertRejectDelta(t, env.reg, "1")

	assert.Equal(t, 1, env.ctrl.Evaluator().CheckOnce(ctx))
	require.Equal(t, 1, env.notifier.alarmCount())
	ev := env.notifier.alarms[0]
	assert.Equal(t, types.AlarmReject, ev.Kind)
	assert.Equal(t, "p1", ev.PoolID)
	assert.Equal(t, "orders", ev.Application)
	assert.Equal(t, []string{"oncall"}, ev.Receives)
	assert.Equal(t, 60, ev.IntervalSeconds)

	// a second saturation inside the window is suppressed
	env.clock.Advance(10 * time.Second)
	assert.Error(t, p.Submit(block))
	assert.Equal(t, 0, env.ctrl.Evaluator().CheckOnce(ctx))
	assert.Equal(t, 1, env.notifier.alarmCount())

	// once the window has passed the next rejection fires again
	env.clock.Advance(time.Minute)
	assert.Error(t, p.Submit(block))
	assert.Equal(t, 1, env.ctrl.Evaluator().CheckOnce(ctx))
	assert.Equal(t, 2, env.notifier.alarmCount())
}

func TestUnregisterForgetsPoolState(t *testing.T) {
	env := createTestController(t)
	ctx := context.Background()

	p, err := env.ctrl.NewPool(saturatedPoolConfig())
	require.NoError(t, err)
	env.ctrl.Sampler().SampleOnce()
	env.ctrl.Evaluator().CheckOnce(ctx)
	p.RecordRejection()
	env.ctrl.Evaluator().CheckOnce(ctx)
	require.Equal(t, 1, env.ctrl.Collector().Tracked())
	require.Equal(t, 1, env.ctrl.Evaluator().Limiter().Len())

	require.NoError(t, env.ctrl.Unregister("p1"))

	assert.Equal(t, 0, env.ctrl.Collector().Tracked())
	assert.Equal(t, 0, env.ctrl.Evaluator().Limiter().Len())
	st, err := env.ctrl.Health().Status(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, st)
	assert.ErrorIs(t, env.ctrl.Unregister("p1"), types.ErrNotFound)
}

// ============================================================================
// Refresh Workflow
// ============================================================================

func TestRefreshAppliesAndPersists(t *testing.T) {
	env := createTestController(t)
	ctx := context.Background()

	p, err := env.ctrl.NewPool(types.PoolConfig{ID: "p1", CoreSize: 4, MaxSize: 8, QueueCapacity: 100})
	require.NoError(t, err)

	doc := []byte(`
notify:
  platform: capture
pools:
  - id: p1
    coreSize: 6
    maxSize: 8
    queueCapacity: 100
`)
	require.NoError(t, env.ctrl.Refresh(ctx, doc, "yaml"))

	assert.Equal(t, 6, p.Config().CoreSize)
	snap, err := p.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 6, snap.CoreSize)

	changes := env.notifier.changeEvents()
	require.Len(t, changes, 1)
	assert.Equal(t, []types.FieldChange{{Field: "coreSize", Old: 4, New: 6}}, changes[0].Changes)
	assert.Equal(t, "test", changes[0].Profile)

	persisted, err := snapshot.NewManager(filepath.Join(env.dir, "pools.json")).Load()
	require.NoError(t, err)
	assert.Equal(t, 6, persisted.Pools["p1"].CoreSize)

	records, err := journal.ReadAll(env.ctrl.Journal().Path())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "p1", records[0].Event.PoolID)
	assert.Equal(t, changes[0].EventID, records[0].Event.EventID)
}

func TestRefreshBindErrorKeepsConfig(t *testing.T) {
	env := createTestController(t)

	p, err := env.ctrl.NewPool(types.PoolConfig{ID: "p1", CoreSize: 4, MaxSize: 8, QueueCapacity: 100})
	require.NoError(t, err)

	err = env.ctrl.Refresh(context.Background(), []byte("pools:\n  - id: p1\n    maxSize: huge\n"), "yaml")
	assert.ErrorIs(t, err, types.ErrBind)
	assert.Equal(t, 8, p.Config().MaxSize)
	assert.Empty(t, env.notifier.changeEvents())
	assert.False(t, env.ctrl.Snapshot().Exists())
	assert.Zero(t, env.ctrl.Journal().LastSeq())
}

func TestGetStatus(t *testing.T) {
	env := createTestController(t)
	_, err := env.ctrl.NewPool(saturatedPoolConfig())
	require.NoError(t, err)

	status := env.ctrl.GetStatus()

	assert.Equal(t, "capture", status["platform"])
	pools, ok := status["pools"].(map[string]any)
	require.True(t, ok)
	snap, ok := pools["p1"].(types.Snapshot)
	require.True(t, ok)
	assert.Equal(t, 4, snap.MaxSize)
}

func TestStopPersistsFinalSnapshot(t *testing.T) {
	env := createTestController(t)
	_, err := env.ctrl.NewPool(saturatedPoolConfig())
	require.NoError(t, err)

	env.ctrl.Stop()

	assert.True(t, env.ctrl.Snapshot().Exists())
}
