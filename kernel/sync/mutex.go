package sync

import gosync "sync"

// Mutex is a sleep-capable lock, in contrast to Spinlock which busy-waits.
// Goroutines that contend for it sleep instead of spinning.
type Mutex struct {
	mu gosync.Mutex
}

// Acquire blocks until the lock can be acquired by the currently active task.
func (m *Mutex) Acquire() {
	m.mu.Lock()
}

// TryToAcquire attempts to acquire the lock without blocking and reports
// whether it succeeded.
func (m *Mutex) TryToAcquire() bool {
	return m.mu.TryLock()
}

// Release relinquishes a held lock.
func (m *Mutex) Release() {
	m.mu.Unlock()
}

// Event is a pulsable condition: waiters suspend until some other task
// pulses the event, at which point every currently waiting task is woken.
// It is used to rendezvous the allocator and the pager (spec's "pages
// freed" and "page-out needed" signals).
type Event struct {
	mu   gosync.Mutex
	cond *gosync.Cond
	gen  uint64
}

func (e *Event) init() {
	if e.cond == nil {
		e.cond = gosync.NewCond(&e.mu)
	}
}

// Wait suspends the calling goroutine until the next Pulse call.
func (e *Event) Wait() {
	e.mu.Lock()
	e.init()
	gen := e.gen
	for gen == e.gen {
		e.cond.Wait()
	}
	e.mu.Unlock()
}

// Pulse wakes every goroutine currently blocked in Wait. Pulses are not
// queued: a Pulse with no waiters is a no-op, matching the teacher's
// busy-wait primitives which never buffer wakeups either.
func (e *Event) Pulse() {
	e.mu.Lock()
	e.init()
	e.gen++
	e.cond.Broadcast()
	e.mu.Unlock()
}
