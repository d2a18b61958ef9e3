// ============================================================================
// hotpool Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 將 pool 快照暴露為 Prometheus gauge
//
// 綁定方式:
//   第一次看到某個 pool id 時，為它註冊一組 GaugeFunc（ConstLabels pool=<id>），
//   每個 GaugeFunc 讀取同一個 holder cell。之後的快照只更新 cell，
//   不重複註冊。pool 被移除時 Forget 取消註冊；之後遲到的快照
//   只有在 pool 仍然註冊時才會重新建立 gauge（見 WithRegistered）。
//
// 指標（全部帶 pool 標籤）:
//
//   1. 大小:
//      - hotpool_core_size / hotpool_max_size
//      - hotpool_current_size / hotpool_active_size / hotpool_largest_size
//      - hotpool_keep_alive_seconds
//
//   2. 佇列:
//      - hotpool_queue_size / hotpool_queue_capacity / hotpool_queue_remaining_capacity
//
//   3. 增量（兩次採樣之間）:
//      - hotpool_completed_tasks_delta
//      - hotpool_rejected_tasks_delta
//      completed 與 reject 是單調計數，經過 DeltaCounter 後輸出，
//      讓外部系統直接看到速率。
//
// Prometheus 查詢示例:
//
//   # 活躍比例
//   hotpool_active_size / hotpool_max_size
//
//   # 佇列使用率
//   hotpool_queue_size / hotpool_queue_capacity
//
// HTTP 端點:
//   StartServer 以 promhttp 暴露 /metrics
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/hotpool/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hotpool"

// cell 是 gauge 讀取的可變內容
type cell struct {
	snap           types.Snapshot
	completedDelta int64
	rejectDelta    int64
}

// holder 綁定一個 pool 的所有 gauge
type holder struct {
	current    atomic.Pointer[cell]
	collectors []prometheus.Collector
}

func (h *holder) load() *cell { return h.current.Load() }

// gaugeSpec 定義一個 gauge 與其讀值函式
type gaugeSpec struct {
	name string
	help string
	read func(c *cell) float64
}

var gaugeSpecs = []gaugeSpec{
	{"core_size", "Configured core worker count", func(c *cell) float64 { return float64(c.snap.CoreSize) }},
	{"max_size", "Configured maximum worker count", func(c *cell) float64 { return float64(c.snap.MaxSize) }},
	{"current_size", "Current worker count", func(c *cell) float64 { return float64(c.snap.CurrentSize) }},
	{"active_size", "Workers currently running a task", func(c *cell) float64 { return float64(c.snap.ActiveSize) }},
	{"largest_size", "Largest worker count ever observed", func(c *cell) float64 { return float64(c.snap.LargestSize) }},
	{"keep_alive_seconds", "Idle worker keep-alive in seconds", func(c *cell) float64 { return float64(c.snap.KeepAliveSeconds) }},
	{"queue_size", "Tasks waiting in the queue", func(c *cell) float64 { return float64(c.snap.QueueSize) }},
	{"queue_capacity", "Queue capacity", func(c *cell) float64 { return float64(c.snap.QueueCapacity) }},
	{"queue_remaining_capacity", "Remaining queue capacity", func(c *cell) float64 { return float64(c.snap.QueueRemainingCapacity) }},
	{"completed_tasks_delta", "Tasks completed since the previous sample", func(c *cell) float64 { return float64(c.completedDelta) }},
	{"rejected_tasks_delta", "Tasks rejected since the previous sample", func(c *cell) float64 { return float64(c.rejectDelta) }},
}

// Collector Prometheus Sink
type Collector struct {
	registerer prometheus.Registerer
	deltas     *Deltas

	// registered 判斷 pool 是否仍在 registry 中，nil 表示不檢查
	registered func(poolID string) bool

	mu      sync.Mutex
	holders map[string]*holder
}

// CollectorOption 設定 Collector
type CollectorOption func(*Collector)

// WithRegistered 只為仍然註冊中的 pool 建立 gauge
//
// 採樣與取消註冊並行時，Forget 之後才抵達的快照不會把已移除的 pool 加回來。
func WithRegistered(fn func(poolID string) bool) CollectorOption {
	return func(c *Collector) { c.registered = fn }
}

// NewCollector 建立 Prometheus Sink
//
// 參數：
//   - reg: 註冊 gauge 的 Registerer，nil 時使用 prometheus.DefaultRegisterer
func NewCollector(reg prometheus.Registerer, opts ...CollectorOption) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		registerer: reg,
		deltas:     NewDeltas(),
		holders:    make(map[string]*holder),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name 回傳 Sink 名稱
func (c *Collector) Name() string { return types.CollectPrometheus }

// Record 更新 pool 的 holder cell；第一次看到時註冊 gauge
func (c *Collector) Record(snap types.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, ok := c.holders[snap.ID]
	// registry 先移除 entry 再呼叫 Forget，持鎖檢查可保證不會在 Forget 之後重建
	if !ok && c.registered != nil && !c.registered(snap.ID) {
		log.Debug("Dropping snapshot of unregistered pool", "pool", snap.ID)
		return
	}

	next := &cell{
		snap:           snap,
		completedDelta: c.deltas.Update(snap.ID, MetricCompleted, snap.CompletedTaskCount),
		rejectDelta:    c.deltas.Update(snap.ID, MetricRejected, snap.RejectCount),
	}
	if !ok {
		h = &holder{}
		h.current.Store(next)
		if err := c.register(snap.ID, h); err != nil {
			log.Warn("Failed to register pool gauges", "pool", snap.ID, "error", err)
			return
		}
		c.holders[snap.ID] = h
		return
	}
	h.current.Store(next)
}

func (c *Collector) register(poolID string, h *holder) (err error) {
	// promauto 在重複註冊時 panic，轉成錯誤並撤銷已註冊的部分
	defer func() {
		if r := recover(); r != nil {
			for _, col := range h.collectors {
				c.registerer.Unregister(col)
			}
			h.collectors = nil
			err = fmt.Errorf("register gauges for %s: %v", poolID, r)
		}
	}()

	factory := promauto.With(c.registerer)
	for _, spec := range gaugeSpecs {
		read := spec.read
		g := factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        spec.name,
			Help:        spec.help,
			ConstLabels: prometheus.Labels{"pool": poolID},
		}, func() float64 { return read(h.load()) })
		h.collectors = append(h.collectors, g)
	}
	return nil
}

// Forget 取消 pool 的 gauge 註冊並清除增量狀態
func (c *Collector) Forget(poolID string) {
	c.mu.Lock()
	h, ok := c.holders[poolID]
	delete(c.holders, poolID)
	c.deltas.Forget(poolID)
	c.mu.Unlock()

	if !ok {
		return
	}
	for _, col := range h.collectors {
		c.registerer.Unregister(col)
	}
}

// Tracked 回傳已綁定 gauge 的 pool 數
func (c *Collector) Tracked() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.holders)
}

// ============================================================================
// HTTP 端點
// ============================================================================

// StartServer 啟動 Prometheus metrics HTTP 伺服器
//
// 參數：
//   - port: HTTP 伺服器端口
//   - gatherer: 指標來源，nil 時使用 prometheus.DefaultGatherer
//
// 返回值：
//   - *http.Server: 用於 Shutdown
func StartServer(port int, gatherer prometheus.Gatherer) *http.Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Metrics server stopped", "port", port, "error", err)
		}
	}()
	log.Info("Metrics server listening", "port", port)
	return srv
}

// StopServer 關閉 metrics 伺服器
func StopServer(ctx context.Context, srv *http.Server) error {
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
