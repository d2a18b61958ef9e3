package alarm

import (
	"sync"
	"time"

	"github.com/ChuLiYu/hotpool/pkg/types"
	"golang.org/x/time/rate"
)

// Clock 時間來源，測試時替換為可控時鐘
type Clock interface {
	Now() time.Time
}

// RealClock 使用系統時間
type RealClock struct{}

// Now 回傳目前時間
func (RealClock) Now() time.Time { return time.Now() }

type stateKey struct {
	pool string
	kind types.AlarmKind
}

// alarmState 單一 (pool, kind) 的限流狀態
type alarmState struct {
	limiter     *rate.Limiter
	interval    time.Duration
	lastFiredAt time.Time
}

// RateLimiter 每個 (pool, kind) 在 interval 內最多放行一次
//
// 每個鍵持有一個 burst=1、每 interval 補一個 token 的 rate.Limiter。
// 被抑制的呼叫不消耗 token，也不更新 lastFiredAt。
type RateLimiter struct {
	clock Clock

	mu     sync.Mutex
	states map[stateKey]*alarmState
}

// NewRateLimiter 建立限流器；clock 為 nil 時使用系統時間
func NewRateLimiter(clock Clock) *RateLimiter {
	if clock == nil {
		clock = RealClock{}
	}
	return &RateLimiter{clock: clock, states: make(map[stateKey]*alarmState)}
}

// Allow 檢查 (pool, kind) 是否可以發送告警，放行時記錄發送時間
func (r *RateLimiter) Allow(poolID string, kind types.AlarmKind, interval time.Duration) bool {
	now := r.clock.Now()
	key := stateKey{pool: poolID, kind: kind}

	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.states[key]
	if !ok {
		st = &alarmState{limiter: rate.NewLimiter(limitFor(interval), 1), interval: interval}
		r.states[key] = st
	} else if st.interval != interval {
		// 以新的間隔重建，並把上次放行的 token 記在 lastFiredAt
		st.limiter = rate.NewLimiter(limitFor(interval), 1)
		st.interval = interval
		if !st.lastFiredAt.IsZero() {
			st.limiter.AllowN(st.lastFiredAt, 1)
		}
	}

	if !st.limiter.AllowN(now, 1) {
		return false
	}
	st.lastFiredAt = now
	return true
}

// LastFiredAt 回傳 (pool, kind) 上次放行的時間
func (r *RateLimiter) LastFiredAt(poolID string, kind types.AlarmKind) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[stateKey{pool: poolID, kind: kind}]
	if !ok || st.lastFiredAt.IsZero() {
		return time.Time{}, false
	}
	return st.lastFiredAt, true
}

// Forget 清除 pool 所有告警類型的狀態
func (r *RateLimiter) Forget(poolID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.states {
		if key.pool == poolID {
			delete(r.states, key)
		}
	}
}

// Len 回傳追蹤中的 (pool, kind) 數
func (r *RateLimiter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.states)
}

// interval <= 0 表示不限流
func limitFor(interval time.Duration) rate.Limit {
	if interval <= 0 {
		return rate.Inf
	}
	return rate.Every(interval)
}
