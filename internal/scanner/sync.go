package scanner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zombor/scancore/internal/scanning"
)

// DefaultSyncBudget is how long a sync may run before the resource is
// force-closed.
const DefaultSyncBudget = 3 * time.Minute

// SyncOptions configures a SyncCoordinator.
type SyncOptions struct {
	// Budget bounds every run. Defaults to DefaultSyncBudget.
	Budget time.Duration
	// Background, when set, replaces Budget: it returns the context a run
	// must finish within, typically tied to the host's background
	// execution allowance.
	Background func() (context.Context, context.CancelFunc)
}

// syncRun is one logical sync. Its fields are guarded by the
// coordinator's mutex.
type syncRun struct {
	observers []entry[SyncObserver]
	current   int
	total     int
	// opened records whether the resource was open when the run was
	// announced.
	opened bool
}

// SyncCoordinator runs at most one sync at a time. Requests made while a
// run is in progress join it instead of starting another.
type SyncCoordinator struct {
	res    *Resource
	disp   Dispatcher
	worker *Queue
	opts   SyncOptions

	// Delegates are notified of every run, before the requesting
	// observers.
	Delegates *Registry[SyncObserver]

	mu      sync.Mutex
	run     *syncRun
	syncing atomic.Bool
}

// NewSyncCoordinator returns a coordinator delivering events through disp.
func NewSyncCoordinator(res *Resource, disp Dispatcher, opts SyncOptions) *SyncCoordinator {
	if disp == nil {
		disp = NewQueue()
	}
	if opts.Budget <= 0 {
		opts.Budget = DefaultSyncBudget
	}
	return &SyncCoordinator{
		res:       res,
		disp:      disp,
		worker:    NewQueue(),
		opts:      opts,
		Delegates: NewRegistry[SyncObserver](),
	}
}

// Request starts a sync, or adds obs to the run in progress so that it
// receives the remaining events. obs may be nil. It reports whether a new
// run was started.
func (c *SyncCoordinator) Request(obs SyncObserver) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.run != nil {
		if obs != nil {
			c.run.observers = append(c.run.observers, strongEntry(obs))
		}
		slog.Debug("Joining sync in progress")
		return false
	}

	run := &syncRun{opened: c.res.IsOpen()}
	if obs != nil {
		run.observers = append(run.observers, strongEntry(obs))
	}
	c.run = run
	c.syncing.Store(true)
	c.emitLocked(run, func(o SyncObserver) { o.WillSync() })
	c.worker.Dispatch(func() { c.execute(run) })
	return true
}

// IsSyncing reports whether a run is in progress.
func (c *SyncCoordinator) IsSyncing() bool {
	return c.syncing.Load()
}

func (c *SyncCoordinator) execute(run *syncRun) {
	slog.Info("Sync started")
	start := time.Now()

	// The budget starts once the engine is ours; expired is only touched on
	// this goroutine, inside the critical section.
	expired := false
	err := c.res.syncWithin(func() (context.Context, context.CancelFunc) {
		ctx, cancel := c.background()
		stop := context.AfterFunc(ctx, func() {
			slog.Warn("Sync exceeded its background budget, closing scanner", "error", ctx.Err())
			if err := c.res.Close(); err != nil {
				slog.Debug("Force close after sync budget", "error", err)
			}
		})
		return ctx, func() {
			if !stop() {
				expired = true
			}
			cancel()
		}
	}, func(current, total int) {
		c.progress(run, current, total)
	})
	switch {
	case err != nil && expired:
		err = scanning.NewError(scanning.CodeTimeout, "sync", err)
	case run.opened && errors.Is(err, scanning.ErrNotOpen):
		// Closed between the announcement and the engine call.
		err = scanning.NewError(scanning.CodeInterrupted, "sync", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.run = nil
	c.syncing.Store(false)
	if err != nil {
		slog.Error("Sync failed", "error", err, "duration", time.Since(start))
		c.emitLocked(run, func(o SyncObserver) { o.FailedToSync(err) })
		return
	}
	slog.Info("Sync finished", "records", run.total, "duration", time.Since(start))
	c.emitLocked(run, func(o SyncObserver) { o.DidSync() })
}

// progress clamps engine reports so that current never decreases and
// never exceeds total.
func (c *SyncCoordinator) progress(run *syncRun, current, total int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if current < run.current {
		current = run.current
	}
	if total < current {
		total = current
	}
	run.current, run.total = current, total
	c.emitLocked(run, func(o SyncObserver) { o.SyncProgress(current, total) })
}

func (c *SyncCoordinator) background() (context.Context, context.CancelFunc) {
	if c.opts.Background != nil {
		return c.opts.Background()
	}
	return context.WithTimeout(context.Background(), c.opts.Budget)
}

// emitLocked snapshots the recipients now and delivers on the dispatcher.
func (c *SyncCoordinator) emitLocked(run *syncRun, fn func(SyncObserver)) {
	recipients := append(c.Delegates.snapshot(), run.observers...)
	c.disp.Dispatch(func() { deliver(recipients, fn) })
}
