package scanner

import "sync"

// Dispatcher delivers observer notifications on a single context. Dispatch
// must not block and must not run fn on the calling goroutine: the
// coordinators dispatch while holding their own locks.
type Dispatcher interface {
	Dispatch(fn func())
}

// Queue runs functions one at a time, in submission order, on a goroutine
// that lives only while there is work queued. It is the default
// notification context and the serial worker behind both coordinators.
type Queue struct {
	mu      sync.Mutex
	pending []func()
	running bool
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Dispatch appends fn to the queue.
func (q *Queue) Dispatch(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pending = append(q.pending, fn)
	if !q.running {
		q.running = true
		go q.loop()
	}
}

// Flush blocks until everything dispatched before the call has run. It
// deadlocks if called from a function running on the queue.
func (q *Queue) Flush() {
	done := make(chan struct{})
	q.Dispatch(func() { close(done) })
	<-done
}

func (q *Queue) loop() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		fn := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()

		fn()
	}
}
