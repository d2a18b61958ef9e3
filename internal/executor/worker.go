// ============================================================================
// hotpool Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/executor
// File: worker.go
// Function: Work unit that executes tasks, each worker runs in its own goroutine
//
// How it works:
//   1. Run the first task handed over by addWorker (if any)
//   2. Fetch the next task via getTask (retired queues first, then current queue)
//   3. Exit when getTask reports the worker is no longer needed
//
// When does a worker exit:
//   - poolSize > max (max was lowered)
//   - idle longer than keep-alive while poolSize > core, or core timeout allowed
//   - executor shut down and nothing left to drain
//   The last worker stays while its queue still holds tasks.
//
// Panics:
//   A panicking task is recovered and logged; the worker keeps running and the
//   task still counts as completed.
//
// ============================================================================

package executor

import (
	"errors"
	"time"
)

// worker represents a work execution unit
type worker struct {
	executor *Executor
	first    Task
}

func newWorker(e *Executor, first Task) *worker {
	return &worker{executor: e, first: first}
}

// run is the main loop of the worker
func (w *worker) run() {
	e := w.executor
	task := w.first
	w.first = nil

	for {
		if task == nil {
			var ok bool
			if task, ok = e.getTask(); !ok {
				return
			}
		}

		e.activeCount.Add(1)
		w.safeExecute(task)
		e.activeCount.Add(-1)
		e.completed.Add(1)
		task = nil
	}
}

func (w *worker) safeExecute(task Task) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Task panicked", "executor", w.executor.name, "panic", r)
		}
	}()
	task.Run()
}

// getTask blocks until a task is available or the worker should exit.
// Returning false means poolSize has already been decremented for this worker.
func (e *Executor) getTask() (Task, bool) {
	timedOut := false

	for {
		if t, ok := e.pollRetired(); ok {
			return t, true
		}

		q := e.queue.Load()

		e.mainLock.Lock()
		size := e.poolSize.Load()
		timed := e.allowCoreTimeout.Load() || size > e.corePoolSize.Load()
		idle := q.Size() == 0 && len(e.retired) == 0
		if e.shutdown.Load() && idle {
			e.poolSize.Add(-1)
			e.mainLock.Unlock()
			return nil, false
		}
		if (size > e.maxPoolSize.Load() || (timed && timedOut)) && (size > 1 || idle) {
			e.poolSize.Add(-1)
			e.mainLock.Unlock()
			return nil, false
		}
		e.mainLock.Unlock()

		timeout := time.Duration(-1)
		if timed {
			timeout = time.Duration(e.keepAlive.Load())
		}

		t, err := q.Poll(timeout, e.stopCh)
		switch {
		case err == nil:
			return t, true
		case errors.Is(err, errPollTimeout):
			timedOut = true
		default:
			// retired / woken / aborted: 重新計算狀態
			timedOut = false
		}
	}
}

// pollRetired takes a task from a retired queue, dropping queues that are drained
func (e *Executor) pollRetired() (Task, bool) {
	e.mainLock.Lock()
	defer e.mainLock.Unlock()

	for len(e.retired) > 0 {
		if t, ok := e.retired[0].TryPoll(); ok {
			return t, true
		}
		e.retired = e.retired[1:]
	}
	return nil, false
}
