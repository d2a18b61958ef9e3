// Package webpool 讓內嵌 web 伺服器的執行緒池也能透過動態配置調整
package webpool

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/hotpool/internal/executor"
	"github.com/ChuLiYu/hotpool/internal/pool"
	"github.com/ChuLiYu/hotpool/pkg/types"
	"github.com/google/uuid"
)

var log = slog.Default()

// Adapter web 容器執行緒池的最小能力集合
type Adapter interface {
	Kind() string
	Metrics() types.WebPoolMetrics
	Update(cfg types.WebPoolConfig) error
}

// ExecutorAdapter 以 executor.Executor 作為 web 容器的執行緒池
type ExecutorAdapter struct {
	kind string
	exec *executor.Executor
}

// NewExecutorAdapter 建立 adapter；kind 例如 "http"
func NewExecutorAdapter(kind string, exec *executor.Executor) *ExecutorAdapter {
	return &ExecutorAdapter{kind: kind, exec: exec}
}

func (a *ExecutorAdapter) Kind() string { return a.kind }

// Metrics 回傳目前的 core/max/keepAlive 與佇列狀態
func (a *ExecutorAdapter) Metrics() types.WebPoolMetrics {
	st := a.exec.Stats()
	return types.WebPoolMetrics{
		CoreSize:         st.CorePoolSize,
		MaxSize:          st.MaximumPoolSize,
		KeepAliveSeconds: int64(st.KeepAlive / time.Second),
		QueueKind:        string(st.QueueKind),
		QueueSize:        st.QueueSize,
		QueueCapacity:    st.QueueCapacity,
		OverflowPolicy:   st.PolicyName,
	}
}

// Update 依相同的寫入順序規則調整 core/max，再更新 keepAlive
func (a *ExecutorAdapter) Update(cfg types.WebPoolConfig) error {
	if cfg.CoreSize < 0 || cfg.MaxSize <= 0 || cfg.CoreSize > cfg.MaxSize || cfg.KeepAliveSeconds < 0 {
		return fmt.Errorf("%w: web pool %s: core=%d max=%d keepAlive=%d",
			types.ErrInvalidConfig, a.kind, cfg.CoreSize, cfg.MaxSize, cfg.KeepAliveSeconds)
	}
	if err := pool.ApplySizes(a.exec, cfg.CoreSize, cfg.MaxSize); err != nil {
		return err
	}
	a.exec.SetKeepAlive(time.Duration(cfg.KeepAliveSeconds) * time.Second)
	return nil
}

// ChangeSender 發送變更事件
type ChangeSender interface {
	SendChange(ctx context.Context, event types.ChangeEvent) error
}

// Listener 接收動態配置中的 web 區段
type Listener struct {
	adapter Adapter
	sender  ChangeSender
	app     types.ApplicationConfig
	host    string

	mu sync.Mutex
}

// NewListener 建立 Listener
func NewListener(adapter Adapter, sender ChangeSender, app types.ApplicationConfig) *Listener {
	host, _ := os.Hostname()
	return &Listener{adapter: adapter, sender: sender, app: app, host: host}
}

// PoolID 變更事件中使用的 pool id
func (l *Listener) PoolID() string { return "web:" + l.adapter.Kind() }

// OnRefresh 比對目前值，有差異時更新並發送變更事件
//
// 未設定（0）的 core/max/keepAlive 沿用目前值。
func (l *Listener) OnRefresh(ctx context.Context, cfg types.WebPoolConfig) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur := l.adapter.Metrics()
	if cfg.CoreSize == 0 {
		cfg.CoreSize = cur.CoreSize
	}
	if cfg.MaxSize == 0 {
		cfg.MaxSize = cur.MaxSize
	}
	if cfg.KeepAliveSeconds == 0 {
		cfg.KeepAliveSeconds = cur.KeepAliveSeconds
	}

	var changes []types.FieldChange
	if cur.CoreSize != cfg.CoreSize {
		changes = append(changes, types.FieldChange{Field: "coreSize", Old: cur.CoreSize, New: cfg.CoreSize})
	}
	if cur.MaxSize != cfg.MaxSize {
		changes = append(changes, types.FieldChange{Field: "maxSize", Old: cur.MaxSize, New: cfg.MaxSize})
	}
	if cur.KeepAliveSeconds != cfg.KeepAliveSeconds {
		changes = append(changes, types.FieldChange{Field: "keepAliveSeconds", Old: cur.KeepAliveSeconds, New: cfg.KeepAliveSeconds})
	}
	if len(changes) == 0 {
		return nil
	}

	if err := l.adapter.Update(cfg); err != nil {
		log.Error("Web pool refresh failed", "pool", l.PoolID(), "error", err)
		return err
	}
	log.Info("Web pool refreshed", "pool", l.PoolID(), "core", cfg.CoreSize, "max", cfg.MaxSize)

	if l.sender != nil {
		_ = l.sender.SendChange(ctx, types.ChangeEvent{
			EventID:     uuid.NewString(),
			PoolID:      l.PoolID(),
			Changes:     changes,
			Application: l.app.Name,
			Profile:     l.app.Profile,
			Host:        l.host,
			Receives:    cfg.Notify.Receives,
			Timestamp:   time.Now(),
		})
	}
	return nil
}
