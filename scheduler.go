package hsmstate

import (
	"sync"
	"time"
)

type taskID uint64

type scheduledTask struct {
	owner    StateKey
	timer    *time.Timer
	periodic bool
}

// scheduler tracks the outstanding Schedule calls of one Machine. Firing
// happens on its own goroutine (via time.AfterFunc) and re-enters the
// machine through Machine.deliverScheduled, which takes m.mu itself; the
// scheduler's own mutex only protects its task table.
type scheduler struct {
	mu     sync.Mutex
	tasks  map[taskID]*scheduledTask
	nextID taskID
}

func newScheduler() *scheduler {
	return &scheduler{tasks: make(map[taskID]*scheduledTask)}
}

// schedule arranges for producer's result to be delivered to m after d,
// tagged with owner so a subsequent exit of owner cancels it automatically.
// d == 0 delivers on the next tick, equivalent to posting immediately. If
// periodic is true, producer is called again and the delivery repeats every
// d until cancelled or owner is exited.
func (s *scheduler) schedule(owner StateKey, d time.Duration, periodic bool, producer func() Event, m *Machine) CancelHandle {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++

	task := &scheduledTask{owner: owner, periodic: periodic}
	var fire func()
	fire = func() {
		s.mu.Lock()
		t, ok := s.tasks[id]
		if ok && periodic {
			t.timer = time.AfterFunc(d, fire)
		} else if ok {
			delete(s.tasks, id)
		}
		s.mu.Unlock()
		if ok {
			m.deliverScheduled(producer())
		}
	}
	task.timer = time.AfterFunc(d, fire)
	s.tasks[id] = task

	return CancelHandle{id: id, s: s}
}

func (s *scheduler) cancel(id taskID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok {
		t.timer.Stop()
		delete(s.tasks, id)
	}
}

// cancelOwner cancels every pending task scheduled by owner. Called by the
// executor whenever owner is exited.
func (s *scheduler) cancelOwner(owner StateKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.tasks {
		if t.owner == owner {
			t.timer.Stop()
			delete(s.tasks, id)
		}
	}
}

// cancelAll cancels every pending task. Called on Machine.Dispose.
func (s *scheduler) cancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.tasks {
		t.timer.Stop()
		delete(s.tasks, id)
	}
}

// CancelHandle lets a caller cancel a Schedule call before it fires. It is
// safe to Cancel an already-fired or already-cancelled handle; both are
// no-ops.
type CancelHandle struct {
	id taskID
	s  *scheduler
}

// Cancel stops the scheduled delivery if it has not already fired.
func (h CancelHandle) Cancel() {
	if h.s != nil {
		h.s.cancel(h.id)
	}
}
