package task

import (
	"sync"
	"sync/atomic"
	"time"
)

type TaskFunc = func(cancelTask *atomic.Bool)

// TaskHandle tracks one background goroutine. Cancel sets the flag
// and closes Done so sleeping loops wake up immediately.
type TaskHandle struct {
	cancel       atomic.Bool
	cancelOnce   sync.Once
	done         chan struct{}
	taskCanceled sync.WaitGroup
}

func Start(taskFunc TaskFunc) *TaskHandle {
	taskHandle := &TaskHandle{
		cancel: atomic.Bool{},
		done:   make(chan struct{}),
	}
	taskHandle.taskCanceled.Add(1)
	go func() {
		defer taskHandle.taskCanceled.Done()
		taskFunc(&taskHandle.cancel)
	}()
	return taskHandle
}

func (th *TaskHandle) IsCancelled() bool {
	return th.cancel.Load()
}

func (th *TaskHandle) Cancel() {
	th.cancelOnce.Do(func() {
		th.cancel.Store(true)
		close(th.done)
	})
}

func (th *TaskHandle) Done() <-chan struct{} {
	return th.done
}

func (th *TaskHandle) Join() {
	th.taskCanceled.Wait()
}

// JoinWithTimeout returns true if the task did not finish within timeout.
func (th *TaskHandle) JoinWithTimeout(timeout time.Duration) bool {
	c := make(chan struct{})
	go func() {
		defer close(c)
		th.taskCanceled.Wait()
	}()
	select {
	case <-c:
		return false
	case <-time.After(timeout):
		return true
	}
}

// Sleep waits for d or until cancel is set, polling in small steps.
// It returns false when the task was cancelled.
func Sleep(cancel *atomic.Bool, d time.Duration) bool {
	const step = 250 * time.Millisecond
	for d > 0 {
		if cancel.Load() {
			return false
		}
		s := min(step, d)
		time.Sleep(s)
		d -= s
	}
	return !cancel.Load()
}
