// ============================================================================
// hotpool AlarmEvaluator - 週期性告警檢查
// ============================================================================
//
// Package: internal/alarm
// File: evaluator.go
// 功能: 每個週期讀取所有 pool 的快照，與各自的門檻比較後產生告警
//
// 告警條件（每種獨立判斷，互不抑制）:
//   queue_usage   queueSize*100/queueCapacity >= queueThreshold
//                 （容量為 0 的同步佇列不檢查；門檻 <= 0 表示關閉）
//   active_ratio  activeSize*100/maxSize >= activeThreshold
//                 （門檻 <= 0 表示關閉）
//   reject        兩次檢查間 rejectCount 的增量 > rejectThreshold
//                 （門檻 < 0 表示關閉；增量由評估器自己的 DeltaCounter 計算）
//
// 每個成立的條件先經過 RateLimiter.Allow(pool, kind, notify.interval)，
// 放行後才交給 Sender。pool 的 alarm.enable=false 時整個 pool 略過，
// 但 reject 的增量仍會更新，避免重新開啟時把累積值當成一次暴增。
//
// ============================================================================

package alarm

import (
	"context"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/hotpool/internal/metrics"
	"github.com/ChuLiYu/hotpool/internal/registry"
	"github.com/ChuLiYu/hotpool/pkg/types"
	"github.com/google/uuid"
)

var log = slog.Default()

// Source 提供要檢查的 pool
type Source interface {
	All() iter.Seq[*registry.Entry]
}

// Sender 發送告警事件
type Sender interface {
	SendAlarm(ctx context.Context, event types.AlarmEvent) error
}

// Evaluator 告警評估器
type Evaluator struct {
	source   Source
	sender   Sender
	limiter  *RateLimiter
	rejects  *metrics.Deltas
	clock    Clock
	interval time.Duration
	enabled  bool
	app      types.ApplicationConfig

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	loopWg  sync.WaitGroup
}

// Option 設定 Evaluator
type Option func(*Evaluator)

// WithClock 替換時間來源（同時用於 RateLimiter）
func WithClock(c Clock) Option {
	return func(e *Evaluator) { e.clock = c }
}

// WithApplication 設定告警內容中的應用資訊
func WithApplication(app types.ApplicationConfig) Option {
	return func(e *Evaluator) { e.app = app }
}

// NewEvaluator 建立告警評估器
func NewEvaluator(source Source, sender Sender, interval time.Duration, enabled bool, opts ...Option) *Evaluator {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	e := &Evaluator{
		source:   source,
		sender:   sender,
		rejects:  metrics.NewDeltas(),
		clock:    RealClock{},
		interval: interval,
		enabled:  enabled,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.limiter = NewRateLimiter(e.clock)
	return e
}

// Limiter 回傳內部的 RateLimiter
func (e *Evaluator) Limiter() *RateLimiter { return e.limiter }

// SetApplication 更新告警內容中的應用資訊
func (e *Evaluator) SetApplication(app types.ApplicationConfig) {
	e.mu.Lock()
	e.app = app
	e.mu.Unlock()
}

func (e *Evaluator) application() types.ApplicationConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.app
}

// CheckOnce 檢查所有 pool 一次，回傳送出的告警數
func (e *Evaluator) CheckOnce(ctx context.Context) int {
	sent := 0
	for entry := range e.source.All() {
		sent += e.checkEntry(ctx, entry)
	}
	return sent
}

func (e *Evaluator) checkEntry(ctx context.Context, entry *registry.Entry) (sent int) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Alarm check panicked, pool skipped", "pool", entry.ID, "panic", r)
		}
	}()

	snap, err := entry.Pool.Snapshot()
	if err != nil {
		log.Warn("Failed to read pool metrics for alarm check, skipped", "pool", entry.ID, "error", err)
		return 0
	}
	rejectDelta := e.rejects.Update(snap.ID, metrics.MetricRejected, snap.RejectCount)

	cfg := entry.Config()
	if !cfg.Alarm.Enable {
		return 0
	}

	for _, c := range evaluate(cfg.Alarm, snap, rejectDelta) {
		interval := cfg.Notify.Interval()
		if !e.limiter.Allow(snap.ID, c.kind, interval) {
			log.Debug("Alarm suppressed by rate limit", "pool", snap.ID, "kind", c.kind)
			continue
		}
		e.send(ctx, e.event(cfg, snap, c, interval))
		sent++
	}
	return sent
}

func (e *Evaluator) send(ctx context.Context, event types.AlarmEvent) {
	log.Warn("Pool alarm",
		"pool", event.PoolID,
		"kind", event.Kind,
		"value", event.Value,
		"threshold", event.Threshold)
	if e.sender == nil {
		return
	}
	if err := e.sender.SendAlarm(ctx, event); err != nil {
		log.Warn("Alarm delivery failed", "pool", event.PoolID, "kind", event.Kind, "error", err)
	}
}

func (e *Evaluator) event(cfg types.PoolConfig, snap types.Snapshot, c candidate, interval time.Duration) types.AlarmEvent {
	app := e.application()
	return types.AlarmEvent{
		EventID:         uuid.NewString(),
		PoolID:          snap.ID,
		Kind:            c.kind,
		Value:           c.value,
		Threshold:       c.threshold,
		IntervalSeconds: int(interval / time.Second),
		Application:     app.Name,
		Profile:         app.Profile,
		Receives:        cfg.Notify.Receives,
		Timestamp:       e.clock.Now(),
		Snapshot:        snap,
	}
}

// candidate 成立的告警條件
type candidate struct {
	kind      types.AlarmKind
	value     float64
	threshold float64
}

// evaluate 依門檻判斷所有條件，不含限流
func evaluate(th types.AlarmConfig, snap types.Snapshot, rejectDelta int64) []candidate {
	var out []candidate
	if th.QueueThreshold > 0 && snap.QueueCapacity > 0 {
		usage := float64(snap.QueueSize) * 100 / float64(snap.QueueCapacity)
		if usage >= float64(th.QueueThreshold) {
			out = append(out, candidate{types.AlarmQueueUsage, usage, float64(th.QueueThreshold)})
		}
	}
	if th.ActiveThreshold > 0 && snap.MaxSize > 0 {
		ratio := float64(snap.ActiveSize) * 100 / float64(snap.MaxSize)
		if ratio >= float64(th.ActiveThreshold) {
			out = append(out, candidate{types.AlarmActiveRatio, ratio, float64(th.ActiveThreshold)})
		}
	}
	if th.RejectThreshold >= 0 && rejectDelta > th.RejectThreshold {
		out = append(out, candidate{types.AlarmReject, float64(rejectDelta), float64(th.RejectThreshold)})
	}
	return out
}

// Forget 清除 pool 的增量與限流狀態（registry 取消註冊時呼叫）
func (e *Evaluator) Forget(poolID string) {
	e.rejects.Forget(poolID)
	e.limiter.Forget(poolID)
}

// ============================================================================
// 生命週期
// ============================================================================

// Start 啟動檢查循環；已啟動或停用時為 no-op
func (e *Evaluator) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started || !e.enabled {
		return
	}
	e.started = true
	e.stopCh = make(chan struct{})
	e.loopWg.Add(1)
	go e.loop(e.stopCh)

	log.Info("Alarm evaluator started", "interval", e.interval)
}

func (e *Evaluator) loop(stopCh <-chan struct{}) {
	defer e.loopWg.Done()

	e.CheckOnce(context.Background())

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			log.Info("Alarm loop stopped")
			return
		case <-ticker.C:
			e.CheckOnce(context.Background())
		}
	}
}

// Stop 停止檢查循環並等待進行中的 tick
func (e *Evaluator) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	close(e.stopCh)
	e.mu.Unlock()

	e.loopWg.Wait()
}

// Running 回傳循環是否在執行
func (e *Evaluator) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started
}
