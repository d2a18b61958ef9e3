package executor

import (
	"fmt"

	"github.com/ChuLiYu/hotpool/pkg/types"
)

// RejectPolicy 決定無法排隊也無法新增 worker 時如何處理任務
type RejectPolicy interface {
	Name() string
	Rejected(task Task, e *Executor) error
}

// AbortPolicy 拒絕任務並回傳 ErrRejected
type AbortPolicy struct{}

func (AbortPolicy) Name() string { return string(types.PolicyAbort) }

func (AbortPolicy) Rejected(_ Task, e *Executor) error {
	return fmt.Errorf("%w: executor %s saturated", ErrRejected, e.name)
}

// CallerRunsPolicy 在提交者的 goroutine 中直接執行任務
type CallerRunsPolicy struct{}

func (CallerRunsPolicy) Name() string { return string(types.PolicyCallerRuns) }

func (CallerRunsPolicy) Rejected(task Task, e *Executor) error {
	if e.IsShutdown() {
		return nil
	}
	task.Run()
	return nil
}

// DiscardPolicy 靜默丟棄任務
type DiscardPolicy struct{}

func (DiscardPolicy) Name() string { return string(types.PolicyDiscard) }

func (DiscardPolicy) Rejected(Task, *Executor) error { return nil }

// DiscardOldestPolicy 丟棄佇列頭部最舊的任務，然後把新任務放進空出的位置
//
// 只嘗試一次 Offer，不重新進入 Execute；佇列裡沒有可丟棄的任務
// （例如 synchronous）或空位被搶走時回傳 ErrRejected。
type DiscardOldestPolicy struct{}

func (DiscardOldestPolicy) Name() string { return string(types.PolicyDiscardOldest) }

func (DiscardOldestPolicy) Rejected(task Task, e *Executor) error {
	if e.IsShutdown() {
		return nil
	}
	q := e.Queue()
	if _, ok := q.TryPoll(); !ok {
		return fmt.Errorf("%w: executor %s has no queued task to discard", ErrRejected, e.name)
	}
	if !q.Offer(task) {
		return fmt.Errorf("%w: executor %s saturated", ErrRejected, e.name)
	}
	if e.poolSize.Load() == 0 {
		e.addWorker(nil, false)
	}
	return nil
}

// RejectFunc 以函式實作自訂策略
type RejectFunc struct {
	Label string
	Fn    func(task Task, e *Executor) error
}

func (f RejectFunc) Name() string {
	if f.Label == "" {
		return string(types.PolicyCustom)
	}
	return f.Label
}

func (f RejectFunc) Rejected(task Task, e *Executor) error {
	return f.Fn(task, e)
}

// PolicyFor 回傳內建策略；custom 需要由呼叫者提供，因此回傳錯誤
func PolicyFor(p types.OverflowPolicy) (RejectPolicy, error) {
	switch p {
	case types.PolicyAbort, "":
		return AbortPolicy{}, nil
	case types.PolicyCallerRuns:
		return CallerRunsPolicy{}, nil
	case types.PolicyDiscard:
		return DiscardPolicy{}, nil
	case types.PolicyDiscardOldest:
		return DiscardOldestPolicy{}, nil
	case types.PolicyCustom:
		return nil, fmt.Errorf("overflow policy %q has no built-in implementation", p)
	}
	return nil, fmt.Errorf("unknown overflow policy %q", p)
}
