package metrics

import "sync"

// DeltaCounter 將單調遞增的計數轉成每次採樣間的增量
// 第一次 Update 回傳 0；計數倒退（重置）時回傳 0，不會是負數
type DeltaCounter struct {
	mu     sync.Mutex
	last   int64
	seeded bool
}

// Update 回傳 max(0, current-last) 並記錄 current
func (d *DeltaCounter) Update(current int64) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.seeded {
		d.seeded = true
		d.last = current
		return 0
	}
	delta := current - d.last
	d.last = current
	if delta < 0 {
		return 0
	}
	return delta
}

// Deltas 以 (pool, metric) 為鍵的 DeltaCounter 集合
type Deltas struct {
	mu       sync.Mutex
	counters map[string]map[string]*DeltaCounter
}

// NewDeltas 建立空集合
func NewDeltas() *Deltas {
	return &Deltas{counters: make(map[string]map[string]*DeltaCounter)}
}

// Update 更新指定 pool 的指定計數
func (d *Deltas) Update(poolID, metric string, current int64) int64 {
	d.mu.Lock()
	byMetric, ok := d.counters[poolID]
	if !ok {
		byMetric = make(map[string]*DeltaCounter)
		d.counters[poolID] = byMetric
	}
	c, ok := byMetric[metric]
	if !ok {
		c = &DeltaCounter{}
		byMetric[metric] = c
	}
	d.mu.Unlock()
	return c.Update(current)
}

// Forget 移除 pool 的所有計數
func (d *Deltas) Forget(poolID string) {
	d.mu.Lock()
	delete(d.counters, poolID)
	d.mu.Unlock()
}

// Len 回傳追蹤中的 pool 數
func (d *Deltas) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.counters)
}
