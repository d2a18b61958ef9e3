// ============================================================================
// hotpool Notifier Dispatcher - 通知分派
// ============================================================================
//
// Package: internal/notify
// File: dispatcher.go
// 功能: 依設定的渠道名稱，把變更事件與告警事件交給對應的 Notifier
//
// 選擇規則:
//   - 渠道表在啟動時建立（Register），執行中只切換目前使用的名稱
//   - 名稱為空或找不到對應渠道時使用 Noop，不視為錯誤
//
// 發送:
//   在呼叫者的 goroutine 上進行（refresh 或告警 tick），以 timeout 限制
//   最長等待時間；逾時或失敗只記錄日誌，不重試。
//
// ============================================================================

package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/hotpool/pkg/types"
)

var log = slog.Default()

// ErrDeliveryTimeout 渠道在 timeout 內未完成發送
var ErrDeliveryTimeout = errors.New("notification delivery timed out")

// Notifier 通知渠道
type Notifier interface {
	SendChange(ctx context.Context, event types.ChangeEvent) error
	SendAlarm(ctx context.Context, event types.AlarmEvent) error
}

// Noop 不做任何事的渠道
type Noop struct{}

func (Noop) SendChange(context.Context, types.ChangeEvent) error { return nil }
func (Noop) SendAlarm(context.Context, types.AlarmEvent) error   { return nil }

// Dispatcher 通知分派器
type Dispatcher struct {
	timeout time.Duration

	mu       sync.RWMutex
	channels map[string]Notifier
	platform string
}

// NewDispatcher 建立分派器
//
// 參數：
//   - platform: 目前使用的渠道名稱，可為空
//   - timeout: 單次發送的上限，<= 0 時使用 3 秒
func NewDispatcher(platform string, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Dispatcher{
		timeout:  timeout,
		channels: make(map[string]Notifier),
		platform: platform,
	}
}

// Register 註冊渠道
func (d *Dispatcher) Register(name string, n Notifier) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channels[name] = n
}

// SetPlatform 切換目前使用的渠道
func (d *Dispatcher) SetPlatform(name string) {
	d.mu.Lock()
	old := d.platform
	d.platform = name
	d.mu.Unlock()

	if old != name {
		log.Info("Notify platform switched", "from", old, "to", name)
	}
}

// Platform 回傳目前使用的渠道名稱
func (d *Dispatcher) Platform() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.platform
}

// Resolve 回傳目前的渠道；未設定或找不到時回傳 Noop
func (d *Dispatcher) Resolve() Notifier {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if n, ok := d.channels[d.platform]; ok {
		return n
	}
	return Noop{}
}

// SendChange 發送變更事件
func (d *Dispatcher) SendChange(ctx context.Context, event types.ChangeEvent) error {
	err := d.deliver(ctx, func(ctx context.Context, n Notifier) error {
		return n.SendChange(ctx, event)
	})
	if err != nil {
		log.Warn("Change notification dropped", "pool", event.PoolID, "platform", d.Platform(), "error", err)
	}
	return err
}

// SendAlarm 發送告警事件
func (d *Dispatcher) SendAlarm(ctx context.Context, event types.AlarmEvent) error {
	err := d.deliver(ctx, func(ctx context.Context, n Notifier) error {
		return n.SendAlarm(ctx, event)
	})
	if err != nil {
		log.Warn("Alarm notification dropped", "pool", event.PoolID, "kind", event.Kind, "platform", d.Platform(), "error", err)
	}
	return err
}

// deliver 以 timeout 限制發送時間
// 渠道若不理會 ctx，背景 goroutine 會在渠道返回後自行結束
func (d *Dispatcher) deliver(ctx context.Context, send func(context.Context, Notifier) error) error {
	n := d.Resolve()
	if _, ok := n.(Noop); ok {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("notifier panicked: %v", r)
			}
		}()
		done <- send(ctx, n)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrDeliveryTimeout, ctx.Err())
	}
}
