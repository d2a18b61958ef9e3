// ============================================================================
// hotpool Refresher - 遠端配置的差異比對與套用
// ============================================================================
//
// Package: internal/refresher
// File: engine.go
// 功能: 原始文件 → FlatConfig → types.Config → 與目前配置比對 → 套用 → 通知
//
// 一次 Refresh:
//   1. Parse/Flatten: yaml 或 properties 文件攤平成路徑 → 字串
//   2. Bind: 還原成 types.Config；失敗返回 ErrBind，本輪放棄，舊配置保持生效
//   3. Diff: 依 id 比對；未註冊的 pool 返回 ErrNotFound（pool 必須先存在）
//   4. 對每個有變化的 pool：Apply → Registry.Update → 發送變更事件
//   5. 切換通知渠道、更新 web 容器執行緒池、觸發 applied hook
//
// 多個 pool 的錯誤以 errors.Join 合併；一個 pool 失敗不影響其他 pool。
// Refresh 之間以 mu 串行化。
//
// ============================================================================

package refresher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/hotpool/internal/registry"
	"github.com/ChuLiYu/hotpool/pkg/types"
	"github.com/google/uuid"
)

var log = slog.Default()

// ChangeSender 發送變更事件
type ChangeSender interface {
	SendChange(ctx context.Context, event types.ChangeEvent) error
}

// WebRefresher 處理 web 容器執行緒池的配置
type WebRefresher interface {
	OnRefresh(ctx context.Context, cfg types.WebPoolConfig) error
}

// Engine 配置差異引擎
type Engine struct {
	registry *registry.Registry
	sender   ChangeSender
	prefix   string
	app      types.ApplicationConfig
	host     string
	now      func() time.Time

	web            WebRefresher
	switchPlatform func(name string)
	onApplied      []func(map[string]types.PoolConfig)

	mu sync.Mutex
}

// Option 設定 Engine
type Option func(*Engine)

// WithPrefix 只綁定此前綴下的路徑
func WithPrefix(prefix string) Option {
	return func(e *Engine) { e.prefix = prefix }
}

// WithApplication 文件未提供 application 時使用的預設值
func WithApplication(app types.ApplicationConfig) Option {
	return func(e *Engine) { e.app = app }
}

// WithWebRefresher 處理文件中的 web 區段
func WithWebRefresher(w WebRefresher) Option {
	return func(e *Engine) { e.web = w }
}

// WithPlatformSwitch 文件指定 notify.platform 時呼叫
func WithPlatformSwitch(fn func(name string)) Option {
	return func(e *Engine) { e.switchPlatform = fn }
}

// WithAppliedHook 至少一個 pool 套用成功後，以全部 pool 的最新配置呼叫
func WithAppliedHook(fn func(map[string]types.PoolConfig)) Option {
	return func(e *Engine) { e.onApplied = append(e.onApplied, fn) }
}

// WithClock 替換事件時間來源
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine 建立配置差異引擎
func NewEngine(reg *registry.Registry, sender ChangeSender, opts ...Option) *Engine {
	host, _ := os.Hostname()
	e := &Engine{
		registry: reg,
		sender:   sender,
		host:     host,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Refresh 解析原始文件並套用
func (e *Engine) Refresh(ctx context.Context, content []byte, format string) error {
	flat, err := Parse(content, format)
	if err != nil {
		log.Error("Config refresh abandoned", "stage", "parse", "error", err)
		return fmt.Errorf("%w: %v", types.ErrBind, err)
	}
	return e.RefreshFlat(ctx, flat)
}

// RefreshFlat 綁定已攤平的配置並套用
func (e *Engine) RefreshFlat(ctx context.Context, flat FlatConfig) error {
	cfg, err := Bind(flat, e.prefix)
	if err != nil {
		log.Error("Config refresh abandoned", "stage", "bind", "error", err)
		return err
	}
	return e.Apply(ctx, cfg)
}

// Apply 比對並套用結構化配置
func (e *Engine) Apply(ctx context.Context, cfg types.Config) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	app := cfg.Application
	if app.Name == "" {
		app.Name = e.app.Name
	}
	if app.Profile == "" {
		app.Profile = e.app.Profile
	}

	var errs []error
	var next []types.PoolConfig
	for _, p := range cfg.Pools {
		if p.ID == "" {
			errs = append(errs, fmt.Errorf("%w: pool entry without id", types.ErrInvalidConfig))
			continue
		}
		next = append(next, p)
	}

	result := Diff(e.registry.Configs(), next)
	for _, id := range result.Unknown {
		log.Warn("Config refers to an unregistered pool", "pool", id)
		errs = append(errs, fmt.Errorf("%w: %s is not registered", types.ErrNotFound, id))
	}

	applied := 0
	for _, d := range result.Changed {
		if err := e.applyPool(ctx, d, app); err != nil {
			errs = append(errs, err)
			continue
		}
		applied++
	}

	if cfg.Notify.Platform != "" && e.switchPlatform != nil {
		e.switchPlatform(cfg.Notify.Platform)
	}
	if cfg.Web != nil && e.web != nil {
		if err := e.web.OnRefresh(ctx, *cfg.Web); err != nil {
			errs = append(errs, err)
		}
	}
	if applied > 0 {
		configs := e.registry.Configs()
		for _, fn := range e.onApplied {
			fn(configs)
		}
	}

	log.Info("Config refresh finished", "changed", len(result.Changed), "applied", applied, "errors", len(errs))
	return errors.Join(errs...)
}

func (e *Engine) applyPool(ctx context.Context, d PoolDiff, app types.ApplicationConfig) error {
	entry, ok := e.registry.Get(d.ID)
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrNotFound, d.ID)
	}
	if err := entry.Pool.Apply(d.New); err != nil {
		log.Error("Pool refresh failed", "pool", d.ID, "error", err)
		return err
	}
	if err := e.registry.Update(d.ID, d.New); err != nil {
		return err
	}

	for _, c := range d.Changes {
		log.Info("Pool field changed", "pool", d.ID, "field", c.Field, "old", c.Old, "new", c.New)
	}
	if e.sender != nil {
		_ = e.sender.SendChange(ctx, types.ChangeEvent{
			EventID:     uuid.NewString(),
			PoolID:      d.ID,
			Changes:     d.Changes,
			Application: app.Name,
			Profile:     app.Profile,
			Host:        e.host,
			Receives:    d.New.Notify.Receives,
			Timestamp:   e.now(),
		})
	}
	return nil
}
