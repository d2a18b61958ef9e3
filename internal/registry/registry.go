// ============================================================================
// hotpool Registry - pool 目錄
// ============================================================================
//
// Package: internal/registry
// File: registry.go
// 功能: pool id → (ManagedPool, 最近一次套用的配置)
//
// 並發:
//   - 底層使用 xsync.MapOf，讀取者不會被寫入者阻塞
//   - All() 在呼叫當下擷取 key 集合，迭代時才逐一載入（lazy）
//   - 取消註冊時通知 listener，讓 DeltaCounter / gauge / AlarmState 一併清除
//
// 沒有全域實例：由 host 建立並傳入需要的元件。
//
// ============================================================================

package registry

import (
	"fmt"
	"iter"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ChuLiYu/hotpool/pkg/types"
	"github.com/puzpuzpuz/xsync/v3"
)

var log = slog.Default()

// Pool 是 registry 管理的 pool 能力集合，由 *pool.ManagedPool 實作
type Pool interface {
	ID() string
	Apply(cfg types.PoolConfig) error
	Snapshot() (types.Snapshot, error)
	Shutdown()
}

// Entry 註冊項目
type Entry struct {
	ID     string
	Pool   Pool
	config atomic.Pointer[types.PoolConfig]
}

// Config 回傳最近一次套用的配置
func (e *Entry) Config() types.PoolConfig { return *e.config.Load() }

// UnregisterFunc 在 pool 被移除後呼叫
type UnregisterFunc func(id string)

// Registry pool 目錄
type Registry struct {
	entries *xsync.MapOf[string, *Entry]

	listenerMu sync.RWMutex
	listeners  []UnregisterFunc
}

// New 建立空的 Registry
func New() *Registry {
	return &Registry{entries: xsync.NewMapOf[string, *Entry]()}
}

// Register 註冊 pool；id 已存在時返回 ErrDuplicateID
func (r *Registry) Register(id string, p Pool, cfg types.PoolConfig) error {
	if id == "" || p == nil {
		return fmt.Errorf("%w: register needs an id and a pool", types.ErrInvalidConfig)
	}
	if p.ID() != id {
		return fmt.Errorf("%w: pool %q registered as %q", types.ErrInvalidConfig, p.ID(), id)
	}

	entry := &Entry{ID: id, Pool: p}
	cfg = cfg.WithDefaults()
	entry.config.Store(&cfg)
	if _, loaded := r.entries.LoadOrStore(id, entry); loaded {
		return fmt.Errorf("%w: %s", types.ErrDuplicateID, id)
	}
	log.Info("Pool registered", "pool", id, "core", cfg.CoreSize, "max", cfg.MaxSize)
	return nil
}

// Get 查詢 pool；不存在時 ok 為 false
func (r *Registry) Get(id string) (*Entry, bool) {
	return r.entries.Load(id)
}

// All 回傳目前已註冊 pool 的序列
// key 集合在呼叫時擷取；之後新增的 pool 不會出現，已移除的會被略過。
// 回傳的序列可以重複迭代。
func (r *Registry) All() iter.Seq[*Entry] {
	ids := r.IDs()
	return func(yield func(*Entry) bool) {
		for _, id := range ids {
			entry, ok := r.entries.Load(id)
			if !ok {
				continue
			}
			if !yield(entry) {
				return
			}
		}
	}
}

// IDs 回傳排序後的 id 列表
func (r *Registry) IDs() []string {
	ids := make([]string, 0, r.entries.Size())
	r.entries.Range(func(id string, _ *Entry) bool {
		ids = append(ids, id)
		return true
	})
	sort.Strings(ids)
	return ids
}

// Len 回傳已註冊數量
func (r *Registry) Len() int { return r.entries.Size() }

// Update 記錄最近一次套用的配置
func (r *Registry) Update(id string, cfg types.PoolConfig) error {
	entry, ok := r.entries.Load(id)
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrNotFound, id)
	}
	cfg = cfg.WithDefaults()
	entry.config.Store(&cfg)
	return nil
}

// Configs 回傳所有 pool 目前的配置
func (r *Registry) Configs() map[string]types.PoolConfig {
	out := make(map[string]types.PoolConfig, r.entries.Size())
	r.entries.Range(func(id string, e *Entry) bool {
		out[id] = e.Config()
		return true
	})
	return out
}

// OnUnregister 註冊移除監聽器
func (r *Registry) OnUnregister(fn UnregisterFunc) {
	r.listenerMu.Lock()
	defer r.listenerMu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Unregister 移除 pool 並通知監聽器
//
// 參數：
//   - id: pool id
//   - shutdown: 是否一併關閉 pool
func (r *Registry) Unregister(id string, shutdown bool) error {
	entry, ok := r.entries.LoadAndDelete(id)
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrNotFound, id)
	}
	if shutdown {
		entry.Pool.Shutdown()
	}

	r.listenerMu.RLock()
	listeners := append([]UnregisterFunc(nil), r.listeners...)
	r.listenerMu.RUnlock()
	for _, fn := range listeners {
		fn(id)
	}
	log.Info("Pool unregistered", "pool", id, "shutdown", shutdown)
	return nil
}
