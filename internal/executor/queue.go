// ============================================================================
// hotpool Executor Queue - 可替換的任務佇列
// ============================================================================
//
// Package: internal/executor
// File: queue.go
// Purpose: Blocking task queue shared by all queue kinds
//
// Kinds:
//   unbounded    FIFO, no capacity limit
//   bounded      FIFO, fixed capacity
//   resizable    FIFO, capacity changeable in place (SetCapacity)
//   synchronous  hand-off, accepts only while a worker is waiting in Poll
//   priority     highest Priority() first, FIFO within equal priority
//
// Wake-up model:
//   Waiters read the current signal channel under mu, release mu and block on it.
//   Every Offer / wake / retire closes the channel and installs a fresh one, so
//   all waiters re-check state. Poll supports a timeout and an abort channel.
//
// Retirement:
//   ReplaceQueue on the Executor retires the old queue. A retired queue refuses
//   new offers but still hands out what it holds, so existing workers drain it.
//
// ============================================================================

package executor

import (
	"container/heap"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/hotpool/pkg/types"
	"github.com/eapache/queue"
)

// Unlimited 是無界佇列回報的容量
const Unlimited = math.MaxInt32

var (
	errPollTimeout  = errors.New("poll timed out")
	errPollAborted  = errors.New("poll aborted")
	errPollWoken    = errors.New("poll woken")
	errQueueRetired = errors.New("queue retired")
)

// taskStore 是佇列的底層儲存
type taskStore interface {
	push(t Task)
	pop() (Task, bool)
	len() int
}

// fifoStore 以 eapache/queue 的環形緩衝實作 FIFO
type fifoStore struct {
	q *queue.Queue
}

func (s *fifoStore) push(t Task) { s.q.Add(t) }

func (s *fifoStore) pop() (Task, bool) {
	if s.q.Length() == 0 {
		return nil, false
	}
	return s.q.Remove().(Task), true
}

func (s *fifoStore) len() int { return s.q.Length() }

type prioritizedItem struct {
	task  Task
	level int
	seq   uint64
}

type taskHeap []prioritizedItem

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].level != h[j].level {
		return h[i].level > h[j].level
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)   { *h = append(*h, x.(prioritizedItem)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// priorityStore 以 container/heap 實作優先權佇列
type priorityStore struct {
	h   taskHeap
	seq uint64
}

func (s *priorityStore) push(t Task) {
	level := 0
	if p, ok := t.(Prioritized); ok {
		level = p.Priority()
	}
	s.seq++
	heap.Push(&s.h, prioritizedItem{task: t, level: level, seq: s.seq})
}

func (s *priorityStore) pop() (Task, bool) {
	if s.h.Len() == 0 {
		return nil, false
	}
	return heap.Pop(&s.h).(prioritizedItem).task, true
}

func (s *priorityStore) len() int { return s.h.Len() }

// Queue 是 Executor 使用的阻塞佇列
type Queue struct {
	kind     types.QueueKind
	mu       sync.Mutex
	store    taskStore
	capacity int
	size     atomic.Int64 // 無鎖讀取用
	waiting  int          // 阻塞在 Poll 中的 worker 數
	wakeGen  uint64
	signal   chan struct{}
	retired  bool
}

// NewQueue 建立指定類型的佇列
func NewQueue(kind types.QueueKind, capacity int) (*Queue, error) {
	q := &Queue{kind: kind, signal: make(chan struct{})}
	switch kind {
	case types.QueueUnbounded:
		q.store = &fifoStore{q: queue.New()}
		q.capacity = Unlimited
	case types.QueuePriority:
		q.store = &priorityStore{}
		q.capacity = Unlimited
	case types.QueueSynchronous:
		q.store = &fifoStore{q: queue.New()}
		q.capacity = 0
	case types.QueueBounded, types.QueueResizable:
		if capacity <= 0 {
			return nil, fmt.Errorf("queue %s: capacity must be positive, got %d", kind, capacity)
		}
		q.store = &fifoStore{q: queue.New()}
		q.capacity = capacity
	default:
		return nil, fmt.Errorf("unknown queue kind %q", kind)
	}
	return q, nil
}

// Kind 回傳佇列類型
func (q *Queue) Kind() types.QueueKind { return q.kind }

// Size 回傳目前排隊的任務數（無鎖）
func (q *Queue) Size() int { return int(q.size.Load()) }

// Capacity 回傳佇列容量
func (q *Queue) Capacity() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.capacity
}

// RemainingCapacity 回傳剩餘容量
func (q *Queue) RemainingCapacity() int {
	remaining := q.Capacity() - q.Size()
	if remaining < 0 {
		return 0
	}
	return remaining
}

// SetCapacity 在線調整容量，只支援 resizable 類型
// 縮小到低於目前長度時，既有任務保留，新的 Offer 會被拒絕直到長度回落
func (q *Queue) SetCapacity(capacity int) error {
	if q.kind != types.QueueResizable {
		return fmt.Errorf("queue %s does not support resizing", q.kind)
	}
	if capacity <= 0 {
		return fmt.Errorf("queue %s: capacity must be positive, got %d", q.kind, capacity)
	}
	q.mu.Lock()
	q.capacity = capacity
	q.mu.Unlock()
	return nil
}

// Offer 嘗試放入任務，不阻塞
func (q *Queue) Offer(t Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.retired {
		return false
	}
	switch q.kind {
	case types.QueueSynchronous:
		// 只有等待中的 worker 多於未取走的任務時才能移交
		if q.store.len() >= q.waiting {
			return false
		}
	case types.QueueBounded, types.QueueResizable:
		if q.store.len() >= q.capacity {
			return false
		}
	}

	q.store.push(t)
	q.size.Add(1)
	q.broadcastLocked()
	return true
}

// TryPoll 不阻塞地取出一個任務
func (q *Queue) TryPoll() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

// Poll 取出一個任務
//
// 參數：
//   - timeout: 最長等待時間，負數表示無限等待
//   - abort: 關閉時立即返回 errPollAborted（佇列為空時）
func (q *Queue) Poll(timeout time.Duration, abort <-chan struct{}) (Task, error) {
	var deadline <-chan time.Time
	if timeout >= 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	q.mu.Lock()
	gen := q.wakeGen
	q.mu.Unlock()

	for {
		q.mu.Lock()
		if t, ok := q.popLocked(); ok {
			q.mu.Unlock()
			return t, nil
		}
		if q.retired {
			q.mu.Unlock()
			return nil, errQueueRetired
		}
		if q.wakeGen != gen {
			q.mu.Unlock()
			return nil, errPollWoken
		}
		ch := q.signal
		q.waiting++
		q.mu.Unlock()

		var err error
		select {
		case <-ch:
		case <-deadline:
			err = errPollTimeout
		case <-abort:
			err = errPollAborted
		}

		q.mu.Lock()
		q.waiting--
		if err != nil {
			// 逾時與取消前最後再確認一次，避免移交給我們的任務遺留在同步佇列
			if t, ok := q.popLocked(); ok {
				q.mu.Unlock()
				return t, nil
			}
			q.mu.Unlock()
			return nil, err
		}
		q.mu.Unlock()
	}
}

// wake 喚醒所有等待中的 worker，讓它們重新計算 keep-alive 與大小限制
func (q *Queue) wake() {
	q.mu.Lock()
	q.wakeGen++
	q.broadcastLocked()
	q.mu.Unlock()
}

// retire 標記佇列為退役：拒絕新任務，既有任務繼續被取出
func (q *Queue) retire() {
	q.mu.Lock()
	q.retired = true
	q.broadcastLocked()
	q.mu.Unlock()
}

func (q *Queue) isRetired() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.retired
}

func (q *Queue) popLocked() (Task, bool) {
	t, ok := q.store.pop()
	if ok {
		q.size.Add(-1)
	}
	return t, ok
}

func (q *Queue) broadcastLocked() {
	close(q.signal)
	q.signal = make(chan struct{})
}
