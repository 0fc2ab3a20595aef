package cron

import "sync"

// ScheduleStatus reports a schedule handle state.
type ScheduleStatus string

const (
	ScheduleStatusScheduled ScheduleStatus = "scheduled"
	ScheduleStatusRunning   ScheduleStatus = "running"
	ScheduleStatusIdle      ScheduleStatus = "idle"
	ScheduleStatusCompleted ScheduleStatus = "completed"
	ScheduleStatusCanceled  ScheduleStatus = "canceled"
	ScheduleStatusFailed    ScheduleStatus = "failed"
	ScheduleStatusStopped   ScheduleStatus = "stopped"
)

func (s ScheduleStatus) Terminal() bool {
	switch s {
	case ScheduleStatusCompleted, ScheduleStatusCanceled, ScheduleStatusFailed, ScheduleStatusStopped:
		return true
	default:
		return false
	}
}

// Handle controls one scheduled job.
type Handle interface {
	Cancel()
	Status() ScheduleStatus
	Err() error
	Done() <-chan struct{}
	ID() int64
	Key() string
}

type jobHandle struct {
	scheduler *Scheduler
	id        int64
	key       string
	entryID   int
	done      chan struct{}

	mu     sync.RWMutex
	status ScheduleStatus
	err    error
	once   sync.Once
}

func (h *jobHandle) Cancel() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		if h.scheduler != nil {
			h.scheduler.release(h)
		}
		h.finish(ScheduleStatusCanceled, nil)
	})
}

func (h *jobHandle) Status() ScheduleStatus {
	if h == nil {
		return ScheduleStatusStopped
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

func (h *jobHandle) Err() error {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.err
}

func (h *jobHandle) Done() <-chan struct{} {
	if h == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return h.done
}

func (h *jobHandle) ID() int64 {
	if h == nil {
		return 0
	}
	return h.id
}

func (h *jobHandle) Key() string {
	if h == nil {
		return ""
	}
	return h.key
}

func (h *jobHandle) set(status ScheduleStatus, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status.Terminal() {
		return
	}
	h.status = status
	h.err = err
}

// finish moves the handle to a terminal status once and closes Done.
func (h *jobHandle) finish(status ScheduleStatus, err error) {
	h.mu.Lock()
	if h.status.Terminal() {
		h.mu.Unlock()
		return
	}
	h.status = status
	h.err = err
	h.mu.Unlock()
	close(h.done)
}
