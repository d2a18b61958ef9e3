// ============================================================================
// hotpool Executor - 可在線調整參數的 worker pool
// ============================================================================
//
// Package: internal/executor
// File: executor.go
// 功能: 管理 core/max 兩級 worker goroutine、可替換佇列與拒絕策略
//
// 提交流程 Execute(task):
//   1. poolSize < core      → 新增核心 worker 並直接執行 task
//   2. 佇列 Offer 成功       → 排隊（poolSize 為 0 時補一個 worker）
//   3. poolSize < max       → 新增非核心 worker
//   4. 以上皆失敗           → 交給 RejectPolicy
//
// 生命週期:
//   1. NewExecutor(cfg) - 建立 Executor，worker 延遲到第一次提交才建立
//   2. Execute(task)    - 提交任務
//   3. Set*             - 在線修改 core/max/keepAlive/佇列/策略
//   4. Shutdown()       - 不再接受新任務，worker 排空佇列後退出
//   5. Stop()           - Shutdown + 等待所有 worker 退出
//
// 並發控制:
//   - mainLock: 保護 worker 的新增/移除以及 core/max 的交叉檢查
//   - 所有計數器都是原子變數，Stats() 不取任何鎖
//   - queue 以 atomic.Pointer 保存，ReplaceQueue 直接交換指標
//
// 大小限制:
//   SetCorePoolSize(n) 要求 n <= max；SetMaximumPoolSize(n) 要求 n >= core。
//   同時調大或調小兩者時，呼叫順序決定成敗（見 internal/pool）。
//
// ============================================================================

package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/hotpool/pkg/types"
)

var log = slog.Default()

// policyHolder 讓 atomic.Pointer 可以保存介面值
type policyHolder struct {
	policy RejectPolicy
}

// Executor 代表可在線調整參數的 worker pool
type Executor struct {
	name string

	mainLock sync.Mutex // 保護 worker 增減與 retired 列表
	retired  []*Queue   // 已被替換、仍在排空的佇列
	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once

	queue  atomic.Pointer[Queue]
	policy atomic.Pointer[policyHolder]

	corePoolSize     atomic.Int64
	maxPoolSize      atomic.Int64
	keepAlive        atomic.Int64 // 奈秒
	allowCoreTimeout atomic.Bool
	shutdown         atomic.Bool

	poolSize    atomic.Int64
	activeCount atomic.Int64
	largest     atomic.Int64
	completed   atomic.Int64
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewExecutor 建立新的 Executor
//
// 參數：
//   - cfg: Executor 配置
//
// 返回值：
//   - *Executor: Executor 實例
//   - error: core/max 不合法時返回 ErrInvalidSize
func NewExecutor(cfg Config) (*Executor, error) {
	if cfg.CorePoolSize < 0 || cfg.MaxPoolSize <= 0 || cfg.CorePoolSize > cfg.MaxPoolSize {
		return nil, fmt.Errorf("%w: core=%d max=%d", ErrInvalidSize, cfg.CorePoolSize, cfg.MaxPoolSize)
	}
	if cfg.KeepAlive < 0 {
		return nil, fmt.Errorf("%w: negative keep-alive %s", ErrInvalidSize, cfg.KeepAlive)
	}

	q := cfg.Queue
	if q == nil {
		var err error
		if q, err = NewQueue(types.QueueUnbounded, 0); err != nil {
			return nil, err
		}
	}
	policy := cfg.Policy
	if policy == nil {
		policy = AbortPolicy{}
	}

	e := &Executor{
		name:   cfg.Name,
		stopCh: make(chan struct{}),
	}
	e.queue.Store(q)
	e.policy.Store(&policyHolder{policy: policy})
	e.corePoolSize.Store(int64(cfg.CorePoolSize))
	e.maxPoolSize.Store(int64(cfg.MaxPoolSize))
	e.keepAlive.Store(int64(cfg.KeepAlive))
	e.allowCoreTimeout.Store(cfg.AllowCoreTimeout)
	return e, nil
}

// Execute 提交任務
//
// 返回值：
//   - error: 已關閉時返回 ErrShutdown；被拒絕時返回 RejectPolicy 的結果
func (e *Executor) Execute(task Task) error {
	if task == nil {
		return ErrNilTask
	}
	if e.shutdown.Load() {
		return ErrShutdown
	}

	if e.poolSize.Load() < e.corePoolSize.Load() && e.addWorker(task, true) {
		return nil
	}

	for {
		q := e.queue.Load()
		if q.Offer(task) {
			if e.poolSize.Load() == 0 {
				e.addWorker(nil, false)
			}
			return nil
		}
		// 佇列在 Offer 期間被替換，改投新佇列
		if !q.isRetired() {
			break
		}
	}

	if e.addWorker(task, false) {
		return nil
	}
	if e.shutdown.Load() {
		return ErrShutdown
	}
	return e.RejectPolicy().Rejected(task, e)
}

// addWorker 在大小限制內新增一個 worker
func (e *Executor) addWorker(first Task, core bool) bool {
	e.mainLock.Lock()
	defer e.mainLock.Unlock()

	if e.shutdown.Load() {
		return false
	}
	limit := e.maxPoolSize.Load()
	if core {
		limit = e.corePoolSize.Load()
	}
	size := e.poolSize.Load()
	if size >= limit {
		return false
	}

	size = e.poolSize.Add(1)
	if size > e.largest.Load() {
		e.largest.Store(size)
	}

	w := newWorker(e, first)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		w.run()
	}()
	return true
}

// ============================================================================
// 在線調整
// ============================================================================

// SetCorePoolSize 設定核心 worker 數
// 要求 0 <= n <= max，否則返回 ErrInvalidSize 且不做任何修改
func (e *Executor) SetCorePoolSize(n int) error {
	e.mainLock.Lock()
	maxSize := e.maxPoolSize.Load()
	if n < 0 || int64(n) > maxSize {
		e.mainLock.Unlock()
		return fmt.Errorf("%w: core %d with max %d", ErrInvalidSize, n, maxSize)
	}
	old := e.corePoolSize.Swap(int64(n))
	e.mainLock.Unlock()

	switch {
	case int64(n) < old:
		// 讓閒置的核心 worker 重新計算是否逾時退出
		e.wakeWorkers()
	case int64(n) > old:
		// 佇列中已有任務時預先啟動新增的核心 worker
		pending := int64(e.queue.Load().Size())
		for i := int64(0); i < int64(n)-old && i < pending; i++ {
			if !e.addWorker(nil, true) {
				break
			}
		}
	}
	return nil
}

// SetMaximumPoolSize 設定 worker 上限
// 要求 n > 0 且 n >= core，否則返回 ErrInvalidSize 且不做任何修改
func (e *Executor) SetMaximumPoolSize(n int) error {
	e.mainLock.Lock()
	core := e.corePoolSize.Load()
	if n <= 0 || int64(n) < core {
		e.mainLock.Unlock()
		return fmt.Errorf("%w: max %d with core %d", ErrInvalidSize, n, core)
	}
	old := e.maxPoolSize.Swap(int64(n))
	e.mainLock.Unlock()

	if int64(n) < old {
		e.wakeWorkers()
	}
	return nil
}

// SetKeepAlive 設定閒置 worker 的存活時間
func (e *Executor) SetKeepAlive(d time.Duration) {
	if d < 0 {
		d = 0
	}
	old := time.Duration(e.keepAlive.Swap(int64(d)))
	if d < old {
		e.wakeWorkers()
	}
}

// AllowCoreTimeout 設定核心 worker 是否也會閒置逾時
func (e *Executor) AllowCoreTimeout(allow bool) {
	if old := e.allowCoreTimeout.Swap(allow); !old && allow {
		e.wakeWorkers()
	}
}

// SetRejectPolicy 替換拒絕策略
func (e *Executor) SetRejectPolicy(p RejectPolicy) {
	if p == nil {
		p = AbortPolicy{}
	}
	e.policy.Store(&policyHolder{policy: p})
}

// RejectPolicy 回傳目前的拒絕策略
func (e *Executor) RejectPolicy() RejectPolicy {
	return e.policy.Load().policy
}

// ReplaceQueue 以新佇列替換目前佇列，回傳舊佇列
//
// 舊佇列被標記為退役：既有任務由現有 worker 排空，新提交只會看到新佇列。
// 任務不會在兩個佇列之間搬移。
func (e *Executor) ReplaceQueue(q *Queue) *Queue {
	e.mainLock.Lock()
	old := e.queue.Swap(q)
	e.retired = append(e.retired, old)
	e.mainLock.Unlock()

	old.retire()
	log.Debug("Queue replaced",
		"executor", e.name,
		"old_kind", old.Kind(),
		"new_kind", q.Kind(),
		"drain", old.Size())
	return old
}

// Queue 回傳目前的佇列
func (e *Executor) Queue() *Queue {
	return e.queue.Load()
}

// CorePoolSize 回傳核心 worker 數
func (e *Executor) CorePoolSize() int { return int(e.corePoolSize.Load()) }

// MaximumPoolSize 回傳 worker 上限
func (e *Executor) MaximumPoolSize() int { return int(e.maxPoolSize.Load()) }

// KeepAlive 回傳閒置存活時間
func (e *Executor) KeepAlive() time.Duration { return time.Duration(e.keepAlive.Load()) }

// IsShutdown 檢查 Executor 是否已關閉
func (e *Executor) IsShutdown() bool { return e.shutdown.Load() }

// Stats 讀取所有計數器，不取任何鎖
func (e *Executor) Stats() Stats {
	q := e.queue.Load()
	size := q.Size()
	capacity := q.Capacity()
	remaining := capacity - size
	if remaining < 0 {
		remaining = 0
	}
	return Stats{
		CorePoolSize:       int(e.corePoolSize.Load()),
		MaximumPoolSize:    int(e.maxPoolSize.Load()),
		PoolSize:           int(e.poolSize.Load()),
		ActiveCount:        int(e.activeCount.Load()),
		LargestPoolSize:    int(e.largest.Load()),
		CompletedTaskCount: e.completed.Load(),
		KeepAlive:          time.Duration(e.keepAlive.Load()),
		QueueKind:          q.Kind(),
		QueueSize:          size,
		QueueCapacity:      capacity,
		QueueRemaining:     remaining,
		PolicyName:         e.RejectPolicy().Name(),
		Shutdown:           e.shutdown.Load(),
	}
}

// ============================================================================
// 關閉
// ============================================================================

// Shutdown 停止接受新任務；已排隊的任務仍會被執行
func (e *Executor) Shutdown() {
	e.stopOnce.Do(func() {
		e.shutdown.Store(true)
		close(e.stopCh)
		log.Debug("Executor shutting down", "executor", e.name)
	})
}

// AwaitTermination 等待所有 worker 退出，或 ctx 結束
func (e *Executor) AwaitTermination(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop 關閉並等待所有 worker 完成
func (e *Executor) Stop() {
	e.Shutdown()
	e.wg.Wait()
}

// wakeWorkers 喚醒所有阻塞在佇列上的 worker
func (e *Executor) wakeWorkers() {
	e.queue.Load().wake()
}
