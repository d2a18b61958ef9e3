package pool

// ============================================================================
// ManagedPool 測試檔案
// 職責：驗證寫入順序、驗證失敗不修改、佇列替換、拒絕計數與快照
// ============================================================================

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/hotpool/internal/executor"
	"github.com/ChuLiYu/hotpool/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// 測試輔助
// ============================================================================

// fakeSizer 模擬底層 primitive 的 core <= max 檢查，並記錄每次寫入後的狀態
type fakeSizer struct {
	core, max int
	writes    int
	failOn    int // 第幾次寫入失敗（從 1 開始），0 表示不失敗
	history   [][2]int
}

func (f *fakeSizer) MaximumPoolSize() int { return f.max }

func (f *fakeSizer) SetCorePoolSize(n int) error {
	f.writes++
	if f.writes == f.failOn {
		return errors.New("simulated crash")
	}
	if n > f.max {
		return fmt.Errorf("core %d > max %d", n, f.max)
	}
	f.core = n
	f.history = append(f.history, [2]int{f.core, f.max})
	return nil
}

func (f *fakeSizer) SetMaximumPoolSize(n int) error {
	f.writes++
	if f.writes == f.failOn {
		return errors.New("simulated crash")
	}
	if n < f.core {
		return fmt.Errorf("max %d < core %d", n, f.core)
	}
	f.max = n
	f.history = append(f.history, [2]int{f.core, f.max})
	return nil
}

func newTestPool(t *testing.T, cfg types.PoolConfig, opts ...Option) *ManagedPool {
	t.Helper()
	p, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(p.Shutdown)
	return p
}

func baseConfig() types.PoolConfig {
	return types.PoolConfig{
		ID:               "p1",
		CoreSize:         2,
		MaxSize:          4,
		KeepAliveSeconds: 60,
		QueueKind:        types.QueueResizable,
		QueueCapacity:    10,
		OverflowPolicy:   types.PolicyAbort,
	}
}

func gate() (executor.Task, func()) {
	ch := make(chan struct{})
	var once sync.Once
	return executor.TaskFunc(func() { <-ch }), func() { once.Do(func() { close(ch) }) }
}

// ============================================================================
// 寫入順序測試
// ============================================================================

func TestApplySizesNeverExposesCoreAboveMax(t *testing.T) {
	for c0 := 0; c0 <= 6; c0++ {
		for m0 := max(c0, 1); m0 <= 6; m0++ {
			for c1 := 0; c1 <= 6; c1++ {
				for m1 := max(c1, 1); m1 <= 6; m1++ {
					f := &fakeSizer{core: c0, max: m0}
					err := ApplySizes(f, c1, m1)
					require.NoError(t, err, "(%d,%d) -> (%d,%d)", c0, m0, c1, m1)
					assert.Equal(t, c1, f.core)
					assert.Equal(t, m1, f.max)
					for _, state := range f.history {
						assert.LessOrEqual(t, state[0], state[1], "(%d,%d) -> (%d,%d)", c0, m0, c1, m1)
					}
				}
			}
		}
	}
}

func TestApplySizesCrashMidWriteKeepsCoreBelowMax(t *testing.T) {
	cases := []struct {
		name           string
		c0, m0, c1, m1 int
	}{
		{"grow both", 2, 4, 6, 8},
		{"shrink both", 6, 8, 1, 2},
		{"grow core only", 2, 4, 4, 4},
		{"shrink max only", 2, 8, 2, 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := &fakeSizer{core: tc.c0, max: tc.m0, failOn: 2}
			err := ApplySizes(f, tc.c1, tc.m1)
			require.Error(t, err)
			assert.ErrorIs(t, err, types.ErrRuntime)
			assert.LessOrEqual(t, f.core, f.max)
			assert.Len(t, f.history, 1, "first write applied before the crash")
		})
	}
}

func TestApplySizesFirstWriteFailure(t *testing.T) {
	f := &fakeSizer{core: 2, max: 4, failOn: 1}
	err := ApplySizes(f, 3, 5)
	assert.ErrorIs(t, err, types.ErrRuntime)
	assert.Equal(t, 2, f.core)
	assert.Equal(t, 4, f.max)
}

// ============================================================================
// Apply 測試
// ============================================================================

func TestApplyInvalidConfigLeavesPoolUnchanged(t *testing.T) {
	p := newTestPool(t, baseConfig())

	bad := baseConfig()
	bad.CoreSize = 5
	bad.MaxSize = 3
	err := p.Apply(bad)
	assert.ErrorIs(t, err, types.ErrInvalidConfig)

	bad = baseConfig()
	bad.QueueKind = "ring"
	assert.ErrorIs(t, p.Apply(bad), types.ErrInvalidConfig)

	bad = baseConfig()
	bad.OverflowPolicy = "explode"
	assert.ErrorIs(t, p.Apply(bad), types.ErrInvalidConfig)

	assert.Equal(t, baseConfig(), p.Config())
	snap, err := p.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 2, snap.CoreSize)
	assert.Equal(t, 4, snap.MaxSize)
}

func TestApplyRejectsMismatchedID(t *testing.T) {
	p := newTestPool(t, baseConfig())
	other := baseConfig()
	other.ID = "p2"
	assert.ErrorIs(t, p.Apply(other), types.ErrInvalidConfig)
}

func TestApplyGrowsAndShrinksSizes(t *testing.T) {
	p := newTestPool(t, baseConfig())

	grow := baseConfig()
	grow.CoreSize = 6
	grow.MaxSize = 8
	require.NoError(t, p.Apply(grow))
	snap, err := p.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 6, snap.CoreSize)
	assert.Equal(t, 8, snap.MaxSize)

	shrink := baseConfig()
	shrink.CoreSize = 1
	shrink.MaxSize = 2
	require.NoError(t, p.Apply(shrink))
	snap, err = p.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 1, snap.CoreSize)
	assert.Equal(t, 2, snap.MaxSize)
	assert.Equal(t, shrink, p.Config())
}

func TestApplyResizesResizableQueueInPlace(t *testing.T) {
	p := newTestPool(t, baseConfig())
	before := p.exec.Queue()

	cfg := baseConfig()
	cfg.QueueCapacity = 25
	require.NoError(t, p.Apply(cfg))

	assert.Same(t, before, p.exec.Queue())
	assert.Equal(t, 25, p.exec.Queue().Capacity())
}

func TestApplyReplacesQueueOnKindChange(t *testing.T) {
	cfg := baseConfig()
	cfg.QueueKind = types.QueueBounded
	p := newTestPool(t, cfg)
	before := p.exec.Queue()

	cfg.QueueKind = types.QueuePriority
	cfg.QueueCapacity = 0
	require.NoError(t, p.Apply(cfg))

	assert.NotSame(t, before, p.exec.Queue())
	snap, err := p.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, "priority", snap.QueueKind)

	// bounded 只改容量也需要替換
	cfg.QueueKind = types.QueueBounded
	cfg.QueueCapacity = 3
	require.NoError(t, p.Apply(cfg))
	replaced := p.exec.Queue()
	cfg.QueueCapacity = 7
	require.NoError(t, p.Apply(cfg))
	assert.NotSame(t, replaced, p.exec.Queue())
	assert.Equal(t, 7, p.exec.Queue().Capacity())
}

func TestApplyUpdatesKeepAliveAndPolicy(t *testing.T) {
	p := newTestPool(t, baseConfig())

	cfg := baseConfig()
	cfg.KeepAliveSeconds = 5
	cfg.OverflowPolicy = types.PolicyDiscardOldest
	require.NoError(t, p.Apply(cfg))

	snap, err := p.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, int64(5), snap.KeepAliveSeconds)
	assert.Equal(t, "discard-oldest", snap.OverflowPolicy)
}

func TestCustomPolicyRequiresOption(t *testing.T) {
	cfg := baseConfig()
	cfg.OverflowPolicy = types.PolicyCustom
	_, err := New(cfg)
	assert.ErrorIs(t, err, types.ErrInvalidConfig)

	custom := executor.RejectFunc{Label: "spill", Fn: func(executor.Task, *executor.Executor) error { return nil }}
	p := newTestPool(t, cfg, WithCustomPolicy(custom))
	snap, err := p.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, "spill", snap.OverflowPolicy)
}

func TestApplyAfterShutdown(t *testing.T) {
	p := newTestPool(t, baseConfig())
	p.Shutdown()
	assert.ErrorIs(t, p.Apply(baseConfig()), types.ErrPoolShutdown)
}

func TestConcurrentApplyIsSerialized(t *testing.T) {
	p := newTestPool(t, baseConfig())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cfg := baseConfig()
			cfg.CoreSize = i % 7
			cfg.MaxSize = cfg.CoreSize + 1 + i%3
			cfg.QueueCapacity = 5 + i
			assert.NoError(t, p.Apply(cfg))
		}(i)
	}
	wg.Wait()

	cfg := p.Config()
	assert.Equal(t, cfg.CoreSize, p.exec.CorePoolSize())
	assert.Equal(t, cfg.MaxSize, p.exec.MaximumPoolSize())
	assert.Equal(t, cfg.QueueCapacity, p.exec.Queue().Capacity())
}

// ============================================================================
// 拒絕計數與快照測試
// ============================================================================

func TestRejectionCountedExactlyOnce(t *testing.T) {
	cfg := baseConfig()
	cfg.CoreSize = 1
	cfg.MaxSize = 1
	cfg.QueueCapacity = 1
	p := newTestPool(t, cfg)
	block, release := gate()
	defer release()

	require.NoError(t, p.Execute(block))
	require.NoError(t, p.Execute(block))
	err := p.Execute(block)
	assert.ErrorIs(t, err, executor.ErrRejected)
	assert.Equal(t, int64(1), p.RejectCount())

	// caller-runs 也算一次拒絕
	cfg.OverflowPolicy = types.PolicyCallerRuns
	require.NoError(t, p.Apply(cfg))
	ran := false
	require.NoError(t, p.Submit(func() { ran = true }))
	assert.True(t, ran)

	snap, err := p.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.RejectCount)
}

func TestDiscardOldestOnSynchronousQueue(t *testing.T) {
	cfg := baseConfig()
	cfg.CoreSize = 1
	cfg.MaxSize = 1
	cfg.QueueKind = types.QueueSynchronous
	cfg.QueueCapacity = 0
	cfg.OverflowPolicy = types.PolicyDiscardOldest
	p := newTestPool(t, cfg)
	block, release := gate()
	defer release()

	require.NoError(t, p.Execute(block))

	done := make(chan error, 1)
	go func() { done <- p.Submit(func() {}) }()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, executor.ErrRejected)
	case <-time.After(time.Second):
		t.Fatal("Submit did not return")
	}
	assert.Equal(t, int64(1), p.RejectCount())
}

func TestDiscardOldestCountsOncePerSubmission(t *testing.T) {
	cfg := baseConfig()
	cfg.CoreSize = 1
	cfg.MaxSize = 1
	cfg.QueueKind = types.QueueBounded
	cfg.QueueCapacity = 1
	cfg.OverflowPolicy = types.PolicyDiscardOldest
	p := newTestPool(t, cfg)
	block, release := gate()
	defer release()

	require.NoError(t, p.Execute(block))
	require.NoError(t, p.Submit(func() {}))
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Submit(func() {}))
	}
	assert.Equal(t, int64(5), p.RejectCount())
}

func TestSnapshotReportsCounters(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	p := newTestPool(t, baseConfig(), WithClock(func() time.Time { return now }))
	block, release := gate()

	require.NoError(t, p.Execute(block))
	require.NoError(t, p.Execute(block))
	require.NoError(t, p.Execute(block))

	snap, err := p.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, "p1", snap.ID)
	assert.Equal(t, 2, snap.CurrentSize)
	assert.Equal(t, 1, snap.QueueSize)
	assert.Equal(t, 10, snap.QueueCapacity)
	assert.Equal(t, 9, snap.QueueRemainingCapacity)
	assert.Equal(t, "resizable", snap.QueueKind)
	assert.Equal(t, now, snap.SampledAt)

	release()
	assert.Eventually(t, func() bool {
		s, err := p.Snapshot()
		return err == nil && s.CompletedTaskCount == 3 && s.ActiveSize == 0
	}, time.Second, 5*time.Millisecond)
}

func TestSnapshotAfterShutdown(t *testing.T) {
	p := newTestPool(t, baseConfig())
	p.Shutdown()
	_, err := p.Snapshot()
	assert.ErrorIs(t, err, types.ErrPoolShutdown)
}

func TestWrapInstallsCountingPolicy(t *testing.T) {
	q, err := executor.NewQueue(types.QueueSynchronous, 0)
	require.NoError(t, err)
	exec, err := executor.NewExecutor(executor.Config{Name: "wrapped", CorePoolSize: 0, MaxPoolSize: 1, Queue: q})
	require.NoError(t, err)
	defer exec.Shutdown()

	cfg := types.PoolConfig{ID: "wrapped", CoreSize: 0, MaxSize: 1, QueueKind: types.QueueSynchronous, OverflowPolicy: types.PolicyDiscard}
	p, err := Wrap(exec, cfg)
	require.NoError(t, err)

	block, release := gate()
	defer release()
	require.NoError(t, p.Execute(block))
	require.NoError(t, p.Execute(block))
	assert.Equal(t, int64(1), p.RejectCount())
}
