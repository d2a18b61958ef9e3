package refresher

import (
	"slices"

	"github.com/ChuLiYu/hotpool/pkg/types"
)

// PoolDiff 單一 pool 的差異
type PoolDiff struct {
	ID      string
	Old     types.PoolConfig
	New     types.PoolConfig
	Changes []types.FieldChange
}

// DiffResult 一次比對的結果
type DiffResult struct {
	Changed []PoolDiff
	Unknown []string // 新文件中出現、但尚未註冊的 pool
}

// Diff 以 id 比對目前配置與新配置
// 新文件中沒有出現的 pool 不受影響；沒有目前配置的 pool 列入 Unknown
func Diff(current map[string]types.PoolConfig, next []types.PoolConfig) DiffResult {
	var res DiffResult
	for _, n := range next {
		n = n.WithDefaults()
		old, ok := current[n.ID]
		if !ok {
			res.Unknown = append(res.Unknown, n.ID)
			continue
		}
		old = old.WithDefaults()
		if changes := FieldChanges(old, n); len(changes) > 0 {
			res.Changed = append(res.Changed, PoolDiff{ID: n.ID, Old: old, New: n, Changes: changes})
		}
	}
	return res
}

// FieldChanges 逐欄比較兩個 PoolConfig，回傳 (舊值, 新值) 列表
func FieldChanges(old, next types.PoolConfig) []types.FieldChange {
	var out []types.FieldChange
	add := func(field string, o, n any) {
		out = append(out, types.FieldChange{Field: field, Old: o, New: n})
	}

	if old.CoreSize != next.CoreSize {
		add("coreSize", old.CoreSize, next.CoreSize)
	}
	if old.MaxSize != next.MaxSize {
		add("maxSize", old.MaxSize, next.MaxSize)
	}
	if old.KeepAliveSeconds != next.KeepAliveSeconds {
		add("keepAliveSeconds", old.KeepAliveSeconds, next.KeepAliveSeconds)
	}
	if old.QueueKind != next.QueueKind {
		add("queueKind", string(old.QueueKind), string(next.QueueKind))
	}
	if old.QueueCapacity != next.QueueCapacity {
		add("queueCapacity", old.QueueCapacity, next.QueueCapacity)
	}
	if old.AllowCoreTimeout != next.AllowCoreTimeout {
		add("allowCoreTimeout", old.AllowCoreTimeout, next.AllowCoreTimeout)
	}
	if old.OverflowPolicy != next.OverflowPolicy {
		add("overflowPolicy", string(old.OverflowPolicy), string(next.OverflowPolicy))
	}
	if old.Alarm.Enable != next.Alarm.Enable {
		add("alarm.enable", old.Alarm.Enable, next.Alarm.Enable)
	}
	if old.Alarm.QueueThreshold != next.Alarm.QueueThreshold {
		add("alarm.queueThreshold", old.Alarm.QueueThreshold, next.Alarm.QueueThreshold)
	}
	if old.Alarm.ActiveThreshold != next.Alarm.ActiveThreshold {
		add("alarm.activeThreshold", old.Alarm.ActiveThreshold, next.Alarm.ActiveThreshold)
	}
	if old.Alarm.RejectThreshold != next.Alarm.RejectThreshold {
		add("alarm.rejectThreshold", old.Alarm.RejectThreshold, next.Alarm.RejectThreshold)
	}
	if old.Notify.IntervalSeconds != next.Notify.IntervalSeconds {
		add("notify.intervalSeconds", old.Notify.IntervalSeconds, next.Notify.IntervalSeconds)
	}
	if !slices.Equal(old.Notify.Receives, next.Notify.Receives) {
		add("notify.receives", old.Notify.Receives, next.Notify.Receives)
	}
	return out
}
