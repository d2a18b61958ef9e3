// ============================================================================
// hotpool 控制器 - 系統核心協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 由 host 建立的唯一入口，組裝並協調所有元件
//
// 架構設計:
//   - Registry: pool id → ManagedPool + 最近套用的配置
//   - Dispatcher: 通知渠道（log / webhook），可在執行期切換
//   - Sampler: 週期性採樣，輸出到 log / prometheus Sink
//   - Evaluator: 週期性告警檢查，經 RateLimiter 後送到 Dispatcher
//   - Engine: 遠端文件 → 差異 → 套用 → 變更通知
//   - Snapshot: 每次成功套用後持久化目前的 pool 配置
//   - Journal: 每一筆變更事件追加到 append-only 日誌，先於通知寫入
//   - Health: gRPC health service，每個 pool 一個 service 名稱
//
// 兩個獨立的循環（採樣、告警）各自一個 goroutine；Refresh 在呼叫者的
// goroutine 上執行，與循環之間只透過 Registry 與 pool 自身的鎖互動。
//
// 取消註冊:
//   Registry 的 listener 會清除 Sampler 的增量、prometheus gauge、
//   Evaluator 的增量與 AlarmState，並把 health 標記為 NOT_SERVING。
//
// 生命週期:
//   Start() / Stop() 皆可重複呼叫。Stop 只停止循環，不會打斷進行中的 Apply，
//   也不會關閉 host 註冊的 pool。
//
// ============================================================================

package controller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/hotpool/internal/alarm"
	"github.com/ChuLiYu/hotpool/internal/metrics"
	"github.com/ChuLiYu/hotpool/internal/monitor"
	"github.com/ChuLiYu/hotpool/internal/notify"
	"github.com/ChuLiYu/hotpool/internal/pool"
	"github.com/ChuLiYu/hotpool/internal/refresher"
	"github.com/ChuLiYu/hotpool/internal/registry"
	"github.com/ChuLiYu/hotpool/internal/server"
	"github.com/ChuLiYu/hotpool/internal/snapshot"
	"github.com/ChuLiYu/hotpool/internal/storage/journal"
	"github.com/ChuLiYu/hotpool/internal/webpool"
	"github.com/ChuLiYu/hotpool/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
)

var log = slog.Default()

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Controller 配置
type Config struct {
	Application  types.ApplicationConfig
	Monitor      types.MonitorConfig
	Alarm        types.AlarmCheckConfig
	Notify       types.NotifyPlatformConfig
	SnapshotPath string // 空字串表示不持久化
	JournalPath  string // 空字串表示不記錄變更日誌
	Prefix       string // 遠端文件的 key 前綴
}

// ConfigFrom 從結構化配置取出 Controller 需要的部分
func ConfigFrom(cfg types.Config) Config {
	return Config{
		Application:  cfg.Application,
		Monitor:      cfg.Monitor,
		Alarm:        cfg.Alarm,
		Notify:       cfg.Notify,
		SnapshotPath: cfg.SnapshotPath,
		JournalPath:  cfg.JournalPath,
	}
}

// Option 設定 Controller
type Option func(*options)

type options struct {
	registerer prometheus.Registerer
	clock      alarm.Clock
	web        webpool.Adapter
	notifiers  map[string]notify.Notifier
}

// WithRegisterer prometheus Sink 使用的 Registerer
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithClock 替換告警的時間來源
func WithClock(c alarm.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithWebAdapter 讓遠端文件的 web 區段作用在此 adapter 上
func WithWebAdapter(a webpool.Adapter) Option {
	return func(o *options) { o.web = a }
}

// WithNotifier 額外註冊通知渠道
func WithNotifier(name string, n notify.Notifier) Option {
	return func(o *options) { o.notifiers[name] = n }
}

// Controller 核心控制器
type Controller struct {
	mu         sync.Mutex         // 保護 started / stopped
	config     Config             // 配置
	registry   *registry.Registry // pool 目錄
	dispatcher *notify.Dispatcher // 通知分派
	sampler    *monitor.Sampler   // 指標採樣
	evaluator  *alarm.Evaluator   // 告警評估
	engine     *refresher.Engine  // 配置差異引擎
	snapshot   *snapshot.Manager  // 配置快照，可為 nil
	journal    *journal.Journal   // 變更日誌，可為 nil
	health     *server.Server     // gRPC health
	collector  *metrics.Collector // prometheus Sink，可為 nil
	web        *webpool.Listener  // web 容器執行緒池，可為 nil
	startTime  time.Time          // 啟動時間（用於統計）
	started    bool               // 標記是否已啟動
	stopped    bool               // 標記是否已停止
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewController 建立新的 Controller 實例
//
// 參數：
//   - config: Controller 配置
//   - opts: Registerer、時鐘、web adapter 等
//
// 返回值：
//   - error: 收集方式不合法或變更日誌無法開啟時的錯誤
func NewController(config Config, opts ...Option) (*Controller, error) {
	o := options{notifiers: map[string]notify.Notifier{}}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Controller{
		config:   config,
		registry: registry.New(),
		health:   server.NewServer(),
	}

	// 1. 通知渠道
	c.dispatcher = notify.NewDispatcher(config.Notify.Platform, config.Notify.Timeout())
	c.dispatcher.Register(notify.PlatformLog, notify.NewLogNotifier(nil))
	if config.Notify.WebhookURL != "" {
		c.dispatcher.Register(notify.PlatformWebhook, notify.NewWebhookNotifier(config.Notify.WebhookURL))
	}
	for name, n := range o.notifiers {
		c.dispatcher.Register(name, n)
	}

	// 2. 採樣 Sink
	var sinks []metrics.Sink
	for _, kind := range config.Monitor.CollectTypes {
		switch kind {
		case types.CollectLog:
			sinks = append(sinks, metrics.NewLogSink(nil))
		case types.CollectPrometheus:
			c.collector = metrics.NewCollector(o.registerer, metrics.WithRegistered(func(id string) bool {
				_, ok := c.registry.Get(id)
				return ok
			}))
			sinks = append(sinks, c.collector)
		default:
			return nil, fmt.Errorf("%w: unknown collect type %q", types.ErrInvalidConfig, kind)
		}
	}
	c.sampler = monitor.NewSampler(c.registry, config.Monitor.Interval(), config.Monitor.Enable, sinks...)

	// 3. 告警
	alarmOpts := []alarm.Option{alarm.WithApplication(config.Application)}
	if o.clock != nil {
		alarmOpts = append(alarmOpts, alarm.WithClock(o.clock))
	}
	c.evaluator = alarm.NewEvaluator(c.registry, c.dispatcher, config.Alarm.Interval(), config.Alarm.Enable, alarmOpts...)

	// 4. 配置差異引擎
	engineOpts := []refresher.Option{
		refresher.WithPrefix(config.Prefix),
		refresher.WithApplication(config.Application),
		refresher.WithPlatformSwitch(c.dispatcher.SetPlatform),
	}
	if config.SnapshotPath != "" {
		c.snapshot = snapshot.NewManager(config.SnapshotPath)
		engineOpts = append(engineOpts, refresher.WithAppliedHook(c.snapshot.Save))
	}
	var sender refresher.ChangeSender = c.dispatcher
	if config.JournalPath != "" {
		j, err := journal.Open(config.JournalPath)
		if err != nil {
			return nil, err
		}
		c.journal = j
		sender = recordingSender{journal: j, next: c.dispatcher}
	}
	if o.web != nil {
		c.web = webpool.NewListener(o.web, sender, config.Application)
		engineOpts = append(engineOpts, refresher.WithWebRefresher(c.web))
	}
	c.engine = refresher.NewEngine(c.registry, sender, engineOpts...)

	// 5. 取消註冊時清除所有 per-pool 狀態
	c.registry.OnUnregister(c.sampler.Forget)
	c.registry.OnUnregister(c.evaluator.Forget)
	c.registry.OnUnregister(c.health.MarkNotServing)

	return c, nil
}

// Register 註冊 host 建立的 pool
func (c *Controller) Register(p registry.Pool, cfg types.PoolConfig) error {
	if p == nil {
		return fmt.Errorf("%w: nil pool", types.ErrInvalidConfig)
	}
	if err := c.registry.Register(p.ID(), p, cfg); err != nil {
		return err
	}
	c.health.MarkServing(p.ID())
	return nil
}

// NewPool 建立 ManagedPool 並註冊
func (c *Controller) NewPool(cfg types.PoolConfig, opts ...pool.Option) (*pool.ManagedPool, error) {
	p, err := pool.New(cfg, opts...)
	if err != nil {
		return nil, err
	}
	if err := c.Register(p, p.Config()); err != nil {
		p.Shutdown()
		return nil, err
	}
	return p, nil
}

// Unregister 移除並關閉 pool
func (c *Controller) Unregister(id string) error {
	return c.registry.Unregister(id, true)
}

// Refresh 套用一份遠端文件
func (c *Controller) Refresh(ctx context.Context, content []byte, format string) error {
	return c.engine.Refresh(ctx, content, format)
}

// Start 啟動採樣與告警循環
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return fmt.Errorf("controller already stopped")
	}
	if c.started {
		return nil
	}
	c.started = true
	c.startTime = time.Now()

	c.sampler.Start()
	c.evaluator.Start()

	log.Info("Controller started",
		"pools", c.registry.Len(),
		"monitor", c.sampler.Running(),
		"alarm", c.evaluator.Running(),
		"platform", c.dispatcher.Platform())
	return nil
}

// Stop 停止循環並保存最後的配置快照
//
// 關閉順序：
//  1. sampler.Stop() / evaluator.Stop() → 等待進行中的 tick 結束
//  2. 最後一次配置快照
//  3. 關閉變更日誌
//  4. health 標記為 NOT_SERVING 並關閉
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		log.Info("Controller already stopped")
		return
	}
	c.stopped = true
	c.mu.Unlock()

	log.Info("Stopping controller...")

	c.sampler.Stop()
	c.evaluator.Stop()

	if c.snapshot != nil && c.registry.Len() > 0 {
		c.snapshot.Save(c.registry.Configs())
	}
	if c.journal != nil {
		if err := c.journal.Close(); err != nil {
			log.Warn("Failed to close journal", "path", c.journal.Path(), "error", err)
		}
	}
	c.health.Stop()

	log.Info("Controller stopped")
}

// ============================================================================
// 公開方法
// ============================================================================

func (c *Controller) Registry() *registry.Registry   { return c.registry }
func (c *Controller) Dispatcher() *notify.Dispatcher { return c.dispatcher }
func (c *Controller) Sampler() *monitor.Sampler      { return c.sampler }
func (c *Controller) Evaluator() *alarm.Evaluator    { return c.evaluator }
func (c *Controller) Engine() *refresher.Engine      { return c.engine }
func (c *Controller) Health() *server.Server         { return c.health }
func (c *Controller) Snapshot() *snapshot.Manager    { return c.snapshot }
func (c *Controller) Journal() *journal.Journal      { return c.journal }
func (c *Controller) Collector() *metrics.Collector  { return c.collector }

// GetStatus 取得系統狀態
//
// 返回值：
//   - map[string]any: 執行時間、通知渠道與每個 pool 的快照
func (c *Controller) GetStatus() map[string]any {
	c.mu.Lock()
	uptime := time.Duration(0)
	if c.started {
		uptime = time.Since(c.startTime)
	}
	c.mu.Unlock()

	pools := make(map[string]any, c.registry.Len())
	for entry := range c.registry.All() {
		snap, err := entry.Pool.Snapshot()
		if err != nil {
			pools[entry.ID] = map[string]any{"error": err.Error()}
			continue
		}
		pools[entry.ID] = snap
	}

	return map[string]any{
		"uptime":   uptime.String(),
		"platform": c.dispatcher.Platform(),
		"monitor":  c.sampler.Running(),
		"alarm":    c.evaluator.Running(),
		"pools":    pools,
	}
}

// recordingSender 先寫日誌再通知；日誌失敗只記錄，不影響通知
type recordingSender struct {
	journal *journal.Journal
	next    refresher.ChangeSender
}

func (r recordingSender) SendChange(ctx context.Context, event types.ChangeEvent) error {
	if _, err := r.journal.Append(event); err != nil {
		log.Warn("Failed to record change", "pool", event.PoolID, "error", err)
	}
	return r.next.SendChange(ctx, event)
}
