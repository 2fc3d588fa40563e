package scanner

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/scancore/internal/scanning"
)

type searchJob struct {
	id        uuid.UUID
	frame     *scanning.Frame
	obs       SearchObserver
	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool

	// delivered is set, under the coordinator's mutex, when the terminal
	// event is handed to the observer.
	delivered bool
}

func (j *searchJob) stop() {
	j.cancelled.Store(true)
	j.cancel()
}

// SearchHandle identifies a search started with SearchCoordinator.Start.
type SearchHandle struct {
	c   *SearchCoordinator
	job *searchJob
}

// ID returns the search identifier.
func (h *SearchHandle) ID() uuid.UUID {
	return h.job.id
}

// Cancel cancels the search unless it was superseded, already cancelled
// or its terminal event was already delivered.
func (h *SearchHandle) Cancel() bool {
	return h.c.cancelJob(h.job)
}

// Cancelled reports whether the search was cancelled, explicitly or by a
// newer search.
func (h *SearchHandle) Cancelled() bool {
	return h.job.cancelled.Load()
}

// SearchCoordinator runs one remote search at a time on a serial worker.
// Starting a search cancels the one in flight.
type SearchCoordinator struct {
	res    *Resource
	disp   Dispatcher
	worker *Queue

	mu      sync.Mutex
	current *searchJob
}

// NewSearchCoordinator returns a coordinator delivering events through disp.
func NewSearchCoordinator(res *Resource, disp Dispatcher) *SearchCoordinator {
	if disp == nil {
		disp = NewQueue()
	}
	return &SearchCoordinator{
		res:    res,
		disp:   disp,
		worker: NewQueue(),
	}
}

// Start queues a remote search for a copy of frame. The search in flight,
// if any, is cancelled first and its observer hears nothing more.
func (c *SearchCoordinator) Start(frame *scanning.Frame, obs SearchObserver) *SearchHandle {
	ctx, cancel := context.WithCancel(context.Background())
	job := &searchJob{
		id:     uuid.New(),
		frame:  frame.Clone(),
		obs:    obs,
		ctx:    ctx,
		cancel: cancel,
	}

	c.mu.Lock()
	if c.current != nil {
		slog.Debug("Superseding remote search", "search", c.current.id)
		c.current.stop()
	}
	c.current = job
	c.mu.Unlock()

	c.worker.Dispatch(func() { c.execute(job) })
	return &SearchHandle{c: c, job: job}
}

// Cancel cancels the search in flight. It reports whether there was one
// whose result had not been delivered yet.
func (c *SearchCoordinator) Cancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil {
		return false
	}
	slog.Debug("Cancelling remote search", "search", c.current.id)
	c.current.stop()
	c.current = nil
	return true
}

// IsSearching reports whether a search is queued, running or waiting for
// its result to be delivered.
func (c *SearchCoordinator) IsSearching() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil
}

func (c *SearchCoordinator) cancelJob(job *searchJob) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if job.delivered || job.cancelled.Load() {
		return false
	}
	job.stop()
	if c.current == job {
		c.current = nil
	}
	return true
}

func (c *SearchCoordinator) execute(job *searchJob) {
	defer job.cancel()
	if job.cancelled.Load() {
		return
	}

	c.emit(job, false, func(o SearchObserver) { o.WillSearch() })

	slog.Info("Remote search started", "search", job.id)
	start := time.Now()
	id, err := c.res.APISearch(job.ctx, job.frame)

	if err != nil {
		slog.Error("Remote search failed", "search", job.id, "error", err, "duration", time.Since(start))
		c.emit(job, true, func(o SearchObserver) { o.FailedToSearch(err) })
		return
	}

	var res *scanning.Result
	if id != "" {
		res = scanning.NewImageResult(id)
	}
	slog.Info("Remote search finished", "search", job.id, "found", id != "", "duration", time.Since(start))
	c.emit(job, true, func(o SearchObserver) { o.DidSearch(res) })
}

// emit delivers to the job observer unless the job is cancelled, both when
// queued and when delivered. The search stays current until its terminal
// event runs, so a cancel racing the delivery either drops the event or
// reports false.
func (c *SearchCoordinator) emit(job *searchJob, terminal bool, fn func(SearchObserver)) {
	if !terminal && job.cancelled.Load() {
		return
	}
	c.disp.Dispatch(func() {
		c.mu.Lock()
		live := !job.cancelled.Load()
		if terminal {
			job.delivered = true
			if c.current == job {
				c.current = nil
			}
		}
		c.mu.Unlock()

		if live && job.obs != nil {
			fn(job.obs)
		}
	})
}
