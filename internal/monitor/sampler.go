// ============================================================================
// hotpool Sampler - 週期性指標採樣
// ============================================================================
//
// Package: internal/monitor
// File: sampler.go
// 功能: 每個週期從 Registry 取出所有 pool，產生快照並送到各個 Sink
//
// 採樣循環:
//   - 啟動後立即採樣一次（無初始延遲），之後每 interval 一次
//   - 單一 goroutine，tick 之間不重疊
//   - 單一 pool 讀取失敗（例如剛被關閉）或 Sink panic 只會跳過該 pool
//
// 生命週期:
//   Start() 在已啟動、停用或沒有 Sink 時是 no-op；Stop() 可重複呼叫，
//   會等待進行中的 tick 結束。
//
// ============================================================================

package monitor

import (
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/hotpool/internal/metrics"
	"github.com/ChuLiYu/hotpool/internal/registry"
)

var log = slog.Default()

// Source 提供要採樣的 pool
type Source interface {
	All() iter.Seq[*registry.Entry]
}

// Sampler 週期性採樣器
type Sampler struct {
	source   Source
	sinks    []metrics.Sink
	interval time.Duration
	enabled  bool

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	loopWg  sync.WaitGroup
}

// NewSampler 建立採樣器
//
// 參數：
//   - source: pool 來源（通常是 *registry.Registry）
//   - interval: 採樣週期
//   - enabled: false 時 Start 為 no-op
//   - sinks: 快照的去處
func NewSampler(source Source, interval time.Duration, enabled bool, sinks ...metrics.Sink) *Sampler {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Sampler{
		source:   source,
		sinks:    sinks,
		interval: interval,
		enabled:  enabled,
	}
}

// SampleOnce 對所有 pool 採樣一次，回傳成功產生的快照數
func (s *Sampler) SampleOnce() int {
	n := 0
	for entry := range s.source.All() {
		if s.sampleEntry(entry) {
			n++
		}
	}
	return n
}

func (s *Sampler) sampleEntry(entry *registry.Entry) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Sampling panicked, pool skipped", "pool", entry.ID, "panic", r)
			ok = false
		}
	}()

	snap, err := entry.Pool.Snapshot()
	if err != nil {
		log.Warn("Failed to read pool metrics, skipped", "pool", entry.ID, "error", err)
		return false
	}
	for _, sink := range s.sinks {
		sink.Record(snap)
	}
	return true
}

// Forget 清除 Sink 中與 pool 相關的狀態（registry 取消註冊時呼叫）
func (s *Sampler) Forget(poolID string) {
	for _, sink := range s.sinks {
		if f, ok := sink.(metrics.Forgetter); ok {
			f.Forget(poolID)
		}
	}
}

// Start 啟動採樣循環
func (s *Sampler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started || !s.enabled || len(s.sinks) == 0 {
		return
	}
	s.started = true
	s.stopCh = make(chan struct{})
	s.loopWg.Add(1)
	go s.loop(s.stopCh)

	log.Info("Sampler started", "interval", s.interval, "sinks", len(s.sinks))
}

func (s *Sampler) loop(stopCh <-chan struct{}) {
	defer s.loopWg.Done()

	s.SampleOnce()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			log.Info("Sampler loop stopped")
			return
		case <-ticker.C:
			s.SampleOnce()
		}
	}
}

// Stop 停止採樣循環並等待進行中的 tick
func (s *Sampler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stopCh)
	s.mu.Unlock()

	s.loopWg.Wait()
}

// Running 回傳循環是否在執行
func (s *Sampler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}
