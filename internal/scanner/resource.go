// Package scanner coordinates access to a recognition engine: one shared
// Resource guarding the engine handle, a single-flight SyncCoordinator, a
// latest-wins SearchCoordinator and the per-presentation Session state
// machine. Asynchronous events reach observers through a Dispatcher.
package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/zombor/scancore/internal/scanning"
)

type resourceState int

const (
	stateClosed resourceState = iota
	stateOpen
	stateClosing
)

// Resource owns one engine handle. Every engine call runs inside the same
// critical section, whatever goroutine issues it.
//
// Lock order is mu then stateMu. Close takes stateMu first to mark the
// resource as closing, so no engine call can start once a close begins.
type Resource struct {
	engine scanning.Engine

	// mu is held for the duration of every engine call.
	mu sync.Mutex

	stateMu sync.Mutex
	state   resourceState
	path    string
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewResource wraps a closed engine.
func NewResource(engine scanning.Engine) *Resource {
	return &Resource{engine: engine}
}

// Open opens the database at path. It fails with AlreadyOpen when the
// resource is open, and passes Corrupt, NoFile and CredentialMismatch
// through from the engine.
func (r *Resource) Open(path string, creds scanning.Credentials) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stateMu.Lock()
	state := r.state
	r.stateMu.Unlock()
	switch state {
	case stateOpen:
		return scanning.NewError(scanning.CodeAlreadyOpen, "open", nil)
	case stateClosing:
		return scanning.NewError(scanning.CodeBusy, "open", fmt.Errorf("close in progress"))
	}

	if err := r.engine.Open(path, creds.Key, creds.Secret); err != nil {
		slog.Error("Failed to open scanner", "path", path, "error", err)
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.stateMu.Lock()
	r.state = stateOpen
	r.path = path
	r.ctx, r.cancel = ctx, cancel
	r.stateMu.Unlock()

	slog.Info("Scanner opened", "path", path)
	return nil
}

// Close closes the engine. It waits for the engine call in progress, if
// any, and cancels the context handed to running syncs and remote
// searches so they stop early.
func (r *Resource) Close() error {
	r.stateMu.Lock()
	if r.state != stateOpen {
		r.stateMu.Unlock()
		return scanning.NewError(scanning.CodeNotOpen, "close", nil)
	}
	r.state = stateClosing
	cancel := r.cancel
	path := r.path
	r.stateMu.Unlock()

	cancel()

	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.engine.Close()

	r.stateMu.Lock()
	r.state = stateClosed
	r.ctx, r.cancel = nil, nil
	r.stateMu.Unlock()

	if err != nil {
		slog.Error("Failed to close scanner", "path", path, "error", err)
		return err
	}
	slog.Info("Scanner closed", "path", path)
	return nil
}

// Clean deletes the database at path. The resource must be closed.
func (r *Resource) Clean(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stateMu.Lock()
	state := r.state
	r.stateMu.Unlock()
	if state != stateClosed {
		return scanning.NewError(scanning.CodeBusy, "clean", fmt.Errorf("scanner is open"))
	}

	if err := r.engine.Clean(path); err != nil {
		return err
	}
	slog.Info("Scanner database cleaned", "path", path)
	return nil
}

// IsOpen reports whether the resource is open and not closing.
func (r *Resource) IsOpen() bool {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.state == stateOpen
}

// Info returns the number of synced records and their identifiers.
func (r *Resource) Info() (int, []string, error) {
	var (
		count int
		ids   []string
	)
	err := r.exclusive("info", func(_ context.Context, e scanning.Engine) error {
		var err error
		count, ids, err = e.Info()
		return err
	})
	return count, ids, err
}

// Count returns the number of synced records.
func (r *Resource) Count() (int, error) {
	count, _, err := r.Info()
	return count, err
}

// Sync runs the engine sync. ctx bounds the call together with the
// resource lifetime; a close during the call yields Interrupted.
func (r *Resource) Sync(ctx context.Context, progress func(current, total int)) error {
	return r.syncWithin(func() (context.Context, context.CancelFunc) {
		return ctx, func() {}
	}, progress)
}

// syncWithin is Sync with a context created by start once the critical
// section is entered, so time spent waiting for other engine calls does not
// count against it. The returned func is called before leaving the
// critical section.
func (r *Resource) syncWithin(start func() (context.Context, context.CancelFunc), progress func(current, total int)) error {
	return r.exclusive("sync", func(life context.Context, e scanning.Engine) error {
		budget, done := start()
		defer done()
		ctx, cancel := mergeContext(budget, life)
		defer cancel()
		return e.Sync(ctx, progress)
	})
}

// Search runs an offline search. An empty id means no match.
func (r *Resource) Search(qry *scanning.Frame) (string, error) {
	var id string
	err := r.exclusive("search", func(_ context.Context, e scanning.Engine) error {
		var err error
		id, err = e.Search(qry)
		return err
	})
	return id, err
}

// Match reports whether qry shows record id.
func (r *Resource) Match(qry *scanning.Frame, id string) (bool, error) {
	var ok bool
	err := r.exclusive("match", func(_ context.Context, e scanning.Engine) error {
		var err error
		ok, err = e.Match(qry, id)
		return err
	})
	return ok, err
}

// Decode looks for a barcode of the given formats.
func (r *Resource) Decode(qry *scanning.Frame, formats scanning.ResultType) (*scanning.Result, error) {
	var res *scanning.Result
	err := r.exclusive("decode", func(_ context.Context, e scanning.Engine) error {
		var err error
		res, err = e.Decode(qry, formats)
		return err
	})
	return res, err
}

// APISearch runs a remote search. It holds the critical section for the
// whole request.
func (r *Resource) APISearch(ctx context.Context, qry *scanning.Frame) (string, error) {
	var id string
	err := r.exclusive("api search", func(life context.Context, e scanning.Engine) error {
		ctx, cancel := mergeContext(ctx, life)
		defer cancel()

		var err error
		id, err = e.APISearch(ctx, qry)
		return err
	})
	return id, err
}

// exclusive runs fn inside the critical section. life is cancelled when
// a close begins. If a close began while fn ran, the error is Interrupted
// whatever fn returned.
func (r *Resource) exclusive(op string, fn func(life context.Context, e scanning.Engine) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stateMu.Lock()
	state, life := r.state, r.ctx
	r.stateMu.Unlock()
	switch state {
	case stateClosed:
		return scanning.NewError(scanning.CodeNotOpen, op, nil)
	case stateClosing:
		return scanning.NewError(scanning.CodeInterrupted, op, nil)
	}

	err := fn(life, r.engine)

	r.stateMu.Lock()
	closing := r.state == stateClosing
	r.stateMu.Unlock()
	if closing {
		return scanning.NewError(scanning.CodeInterrupted, op, err)
	}
	return err
}

// mergeContext returns a context cancelled when either parent is done.
func mergeContext(ctx, other context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(ctx)
	stop := context.AfterFunc(other, func() {
		cancel(context.Cause(other))
	})
	return ctx, func() {
		stop()
		cancel(context.Canceled)
	}
}
