// ============================================================================
// hotpool ManagedPool - 可熱更新參數的受管 pool
// ============================================================================
//
// Package: internal/pool
// File: pool.go
// 功能: 包裝一個 Executor，提供安全的參數修改與無鎖的指標讀取
//
// Apply(cfg) 流程（持有 per-pool applyMu）:
//   1. 驗證 cfg，失敗返回 ErrInvalidConfig，pool 保持不變
//   2. 預先建立新佇列與拒絕策略（任何修改之前）
//   3. 依順序寫入 core/max（見 ApplySizes）
//   4. 佇列: resizable 同類型 → SetCapacity；其他變化 → ReplaceQueue
//   5. keepAlive / allowCoreTimeout / 拒絕策略直接替換
//
// 拒絕計數:
//   每個安裝到 Executor 的策略都包在 countingPolicy 中，
//   每次被拒絕的提交只會呼叫 RecordRejection 一次。
//
// Snapshot() 不取 applyMu，可能看到 apply 進行到一半的狀態。
//
// ============================================================================

package pool

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/hotpool/internal/executor"
	"github.com/ChuLiYu/hotpool/pkg/types"
)

var log = slog.Default()

// Executor 是 ManagedPool 所管理的底層 worker pool
type Executor interface {
	SizeWriter
	CorePoolSize() int
	SetKeepAlive(d time.Duration)
	AllowCoreTimeout(allow bool)
	SetRejectPolicy(p executor.RejectPolicy)
	Queue() *executor.Queue
	ReplaceQueue(q *executor.Queue) *executor.Queue
	Stats() executor.Stats
	Execute(task executor.Task) error
	Shutdown()
	IsShutdown() bool
}

// ManagedPool 受管的 worker pool
type ManagedPool struct {
	id     string
	exec   Executor
	custom executor.RejectPolicy
	now    func() time.Time

	applyMu sync.Mutex
	config  atomic.Pointer[types.PoolConfig]
	rejects atomic.Int64
}

// Option 設定 ManagedPool
type Option func(*ManagedPool)

// WithCustomPolicy 提供 overflowPolicy=custom 時使用的策略
func WithCustomPolicy(p executor.RejectPolicy) Option {
	return func(m *ManagedPool) { m.custom = p }
}

// WithClock 替換 Snapshot 的時間來源
func WithClock(now func() time.Time) Option {
	return func(m *ManagedPool) { m.now = now }
}

// New 依配置建立 Executor 並包裝成 ManagedPool
func New(cfg types.PoolConfig, opts ...Option) (*ManagedPool, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := newManaged(cfg.ID, opts)
	policy, err := m.policyFor(cfg.OverflowPolicy)
	if err != nil {
		return nil, err
	}
	q, err := executor.NewQueue(cfg.QueueKind, cfg.QueueCapacity)
	if err != nil {
		return nil, fmt.Errorf("%w: pool %s: %v", types.ErrInvalidConfig, cfg.ID, err)
	}

	exec, err := executor.NewExecutor(executor.Config{
		Name:             cfg.ID,
		CorePoolSize:     cfg.CoreSize,
		MaxPoolSize:      cfg.MaxSize,
		KeepAlive:        cfg.KeepAlive(),
		AllowCoreTimeout: cfg.AllowCoreTimeout,
		Queue:            q,
		Policy:           policy,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: pool %s: %v", types.ErrInvalidConfig, cfg.ID, err)
	}
	m.exec = exec
	m.config.Store(&cfg)
	return m, nil
}

// Wrap 包裝已存在的 Executor，並安裝帶計數的拒絕策略
// cfg 應描述 exec 目前的參數
func Wrap(exec Executor, cfg types.PoolConfig, opts ...Option) (*ManagedPool, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := newManaged(cfg.ID, opts)
	policy, err := m.policyFor(cfg.OverflowPolicy)
	if err != nil {
		return nil, err
	}
	m.exec = exec
	exec.SetRejectPolicy(policy)
	m.config.Store(&cfg)
	return m, nil
}

func newManaged(id string, opts []Option) *ManagedPool {
	m := &ManagedPool{id: id, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ID 回傳 pool 識別碼
func (m *ManagedPool) ID() string { return m.id }

// Config 回傳目前套用的配置
func (m *ManagedPool) Config() types.PoolConfig { return *m.config.Load() }

// Execute 提交任務到底層 Executor
func (m *ManagedPool) Execute(task executor.Task) error { return m.exec.Execute(task) }

// Submit 以函式提交任務
func (m *ManagedPool) Submit(fn func()) error { return m.exec.Execute(executor.TaskFunc(fn)) }

// ============================================================================
// 熱更新
// ============================================================================

// Apply 套用新配置
//
// 返回值：
//   - ErrInvalidConfig: 驗證失敗，pool 未被修改
//   - ErrPoolShutdown: pool 已關閉
//   - ErrRuntime: 底層 Executor 拒絕了已驗證的寫入，pool 可能不一致
func (m *ManagedPool) Apply(cfg types.PoolConfig) error {
	cfg = cfg.WithDefaults()
	if cfg.ID != m.id {
		return fmt.Errorf("%w: config id %q applied to pool %q", types.ErrInvalidConfig, cfg.ID, m.id)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	m.applyMu.Lock()
	defer m.applyMu.Unlock()

	if m.exec.IsShutdown() {
		return fmt.Errorf("%w: %s", types.ErrPoolShutdown, m.id)
	}

	// 修改之前先準備好所有可能失敗的物件
	policy, err := m.policyFor(cfg.OverflowPolicy)
	if err != nil {
		return err
	}
	current := m.exec.Queue()
	resize := false
	var replacement *executor.Queue
	if queueChanged(current, cfg) {
		if current.Kind() == types.QueueResizable && cfg.QueueKind == types.QueueResizable {
			resize = true
		} else if replacement, err = executor.NewQueue(cfg.QueueKind, cfg.QueueCapacity); err != nil {
			return fmt.Errorf("%w: pool %s: %v", types.ErrInvalidConfig, m.id, err)
		}
	}

	if err := ApplySizes(m.exec, cfg.CoreSize, cfg.MaxSize); err != nil {
		log.Error("Pool size update failed, pool may be inconsistent", "pool", m.id, "error", err)
		return fmt.Errorf("pool %s: %w", m.id, err)
	}

	switch {
	case resize:
		if err := current.SetCapacity(cfg.QueueCapacity); err != nil {
			return fmt.Errorf("%w: pool %s: %v", types.ErrRuntime, m.id, err)
		}
	case replacement != nil:
		m.exec.ReplaceQueue(replacement)
	}

	m.exec.SetKeepAlive(cfg.KeepAlive())
	m.exec.AllowCoreTimeout(cfg.AllowCoreTimeout)
	m.exec.SetRejectPolicy(policy)
	m.config.Store(&cfg)

	log.Info("Pool config applied",
		"pool", m.id,
		"core", cfg.CoreSize,
		"max", cfg.MaxSize,
		"queue", cfg.QueueKind,
		"capacity", cfg.QueueCapacity,
		"policy", cfg.OverflowPolicy)
	return nil
}

func queueChanged(q *executor.Queue, cfg types.PoolConfig) bool {
	if q.Kind() != cfg.QueueKind {
		return true
	}
	return cfg.QueueKind.Bounded() && q.Capacity() != cfg.QueueCapacity
}

// policyFor 建立包了計數的拒絕策略
func (m *ManagedPool) policyFor(p types.OverflowPolicy) (executor.RejectPolicy, error) {
	var inner executor.RejectPolicy
	if p == types.PolicyCustom {
		if m.custom == nil {
			return nil, fmt.Errorf("%w: pool %s: custom overflow policy not provided", types.ErrInvalidConfig, m.id)
		}
		inner = m.custom
	} else {
		var err error
		if inner, err = executor.PolicyFor(p); err != nil {
			return nil, fmt.Errorf("%w: pool %s: %v", types.ErrInvalidConfig, m.id, err)
		}
	}
	return &countingPolicy{inner: inner, pool: m}, nil
}

// ============================================================================
// 指標
// ============================================================================

// RecordRejection 拒絕計數 +1
func (m *ManagedPool) RecordRejection() { m.rejects.Add(1) }

// RejectCount 回傳累計拒絕次數
func (m *ManagedPool) RejectCount() int64 { return m.rejects.Load() }

// Snapshot 讀取當下的執行狀態，不取 applyMu
func (m *ManagedPool) Snapshot() (types.Snapshot, error) {
	if m.exec.IsShutdown() {
		return types.Snapshot{}, fmt.Errorf("%w: %s", types.ErrPoolShutdown, m.id)
	}
	s := m.exec.Stats()
	return types.Snapshot{
		ID:                     m.id,
		CoreSize:               s.CorePoolSize,
		MaxSize:                s.MaximumPoolSize,
		CurrentSize:            s.PoolSize,
		ActiveSize:             s.ActiveCount,
		LargestSize:            s.LargestPoolSize,
		CompletedTaskCount:     s.CompletedTaskCount,
		KeepAliveSeconds:       int64(s.KeepAlive / time.Second),
		QueueKind:              string(s.QueueKind),
		QueueSize:              s.QueueSize,
		QueueCapacity:          s.QueueCapacity,
		QueueRemainingCapacity: s.QueueRemaining,
		OverflowPolicy:         s.PolicyName,
		RejectCount:            m.rejects.Load(),
		SampledAt:              m.now(),
	}, nil
}

// Shutdown 關閉底層 Executor
func (m *ManagedPool) Shutdown() {
	m.exec.Shutdown()
	log.Info("Pool shut down", "pool", m.id)
}

// countingPolicy 在委派前記錄一次拒絕
type countingPolicy struct {
	inner executor.RejectPolicy
	pool  *ManagedPool
}

func (c *countingPolicy) Name() string { return c.inner.Name() }

func (c *countingPolicy) Rejected(task executor.Task, e *executor.Executor) error {
	c.pool.RecordRejection()
	return c.inner.Rejected(task, e)
}
