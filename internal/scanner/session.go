package scanner

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/zombor/scancore/internal/scanning"
)

// State is the session state.
type State int

const (
	StateDefault State = iota
	StateSearching
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateDefault:
		return "default"
	case StateSearching:
		return "searching"
	case StatePaused:
		return "paused"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// DefaultLostFrames is the number of consecutive frames without a result
// after which the last reported result may be reported again.
const DefaultLostFrames = 2

// SessionOptions configures a Session.
type SessionOptions struct {
	// LostFrames defaults to DefaultLostFrames.
	LostFrames int
}

// Session is the scanning state machine for one presentation of the
// scanner. Scan is synchronous; Snap hands the next scanned frame to the
// search coordinator and forwards its events to the session delegates.
//
// Delegates receive search events only while the session is Searching, so
// a search cancelled from the session never reports back.
type Session struct {
	res    *Resource
	search *SearchCoordinator
	sync   *SyncCoordinator
	disp   Dispatcher
	opts   SessionOptions

	// Delegates are the session observers. A delegate implementing
	// StateObserver is also told about state transitions.
	Delegates *Registry[Observer]

	mu          sync.Mutex
	state       State
	epoch       uint64
	snapPending bool
	forward     *searchForwarder
	handle      *SearchHandle
	last        *scanning.Result
	lost        int
}

// NewSession returns a session in StateDefault. Events are delivered on the
// search coordinator's dispatcher. syncs may be nil.
func NewSession(res *Resource, search *SearchCoordinator, syncs *SyncCoordinator, opts SessionOptions) *Session {
	if opts.LostFrames <= 0 {
		opts.LostFrames = DefaultLostFrames
	}
	return &Session{
		res:       res,
		search:    search,
		sync:      syncs,
		disp:      search.disp,
		opts:      opts,
		Delegates: NewRegistry[Observer](),
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Scan recognizes frame locally. Barcodes requested in types are decoded
// first; image matching runs only when no barcode was found. A result
// equal to the last reported one is not reported again until
// LostFrames consecutive frames came back empty.
//
// After Snap, the next call hands its frame to the remote search and
// returns (nil, nil). Scan is refused with InvalidState otherwise while
// Searching or Paused.
func (s *Session) Scan(frame *scanning.Frame, types scanning.ResultType) (*scanning.Result, error) {
	if err := frame.Validate(); err != nil {
		return nil, err
	}
	if types&(scanning.BarcodeTypes|scanning.ResultImage) == 0 {
		return nil, scanning.NewError(scanning.CodeInvalidArgument, "scan", fmt.Errorf("no result type requested"))
	}

	s.mu.Lock()
	switch s.state {
	case StatePaused:
		s.mu.Unlock()
		return nil, scanning.NewError(scanning.CodeInvalidState, "scan", fmt.Errorf("session is paused"))
	case StateSearching:
		if !s.snapPending {
			s.mu.Unlock()
			return nil, scanning.NewError(scanning.CodeInvalidState, "scan", fmt.Errorf("remote search in progress"))
		}
		s.snapPending = false
		f := &searchForwarder{s: s}
		s.forward = f
		s.handle = s.search.Start(frame, f)
		s.mu.Unlock()
		return nil, nil
	}
	epoch, prev := s.epoch, s.last
	s.mu.Unlock()

	res, err := s.recognize(frame, types, prev)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// The state changed while recognizing; the result belongs to a frame
	// from before the transition.
	if s.epoch != epoch {
		return nil, nil
	}

	if res == nil {
		if s.last != nil {
			s.lost++
			if s.lost >= s.opts.LostFrames {
				s.last, s.lost = nil, 0
			}
		}
		return nil, nil
	}
	s.lost = 0
	if res.Equal(s.last) {
		return nil, nil
	}
	s.last = res.Clone()
	return res, nil
}

func (s *Session) recognize(frame *scanning.Frame, types scanning.ResultType, prev *scanning.Result) (*scanning.Result, error) {
	if formats := types & scanning.BarcodeTypes; formats != 0 {
		res, err := s.res.Decode(frame, formats)
		if err != nil || res != nil {
			return res, err
		}
	}
	if !types.Has(scanning.ResultImage) {
		return nil, nil
	}

	if prev.Type() == scanning.ResultImage {
		ok, err := s.res.Match(frame, prev.Value())
		switch {
		case err == nil && ok:
			return prev.Clone(), nil
		case err != nil && scanning.CodeOf(err) != scanning.CodeRecordNotFound:
			return nil, err
		}
	}

	id, err := s.res.Search(frame)
	if scanning.CodeOf(err) == scanning.CodeEmptyDatabase {
		return nil, nil
	}
	if err != nil || id == "" {
		return nil, err
	}
	return scanning.NewImageResult(id), nil
}

// Snap requests a remote search of the next scanned frame. It is refused
// unless the session is in StateDefault.
func (s *Session) Snap() bool {
	s.mu.Lock()
	if s.state != StateDefault {
		s.mu.Unlock()
		return false
	}
	s.snapPending = true
	s.last, s.lost = nil, 0
	meta := s.transitionLocked(StateSearching)
	s.mu.Unlock()

	s.notifyState(meta)
	return true
}

// Cancel abandons the remote search and returns to StateDefault. It is
// refused unless the session is Searching.
func (s *Session) Cancel() bool {
	s.mu.Lock()
	if s.state != StateSearching {
		s.mu.Unlock()
		return false
	}
	handle := s.handle
	s.handle, s.forward = nil, nil
	s.snapPending = false
	meta := s.transitionLocked(StateDefault)
	s.mu.Unlock()

	if handle != nil {
		handle.Cancel()
	}
	s.notifyState(meta)
	return true
}

// Pause stops scanning. It is refused while a remote search is
// outstanding; pausing a paused session succeeds without effect.
func (s *Session) Pause() bool {
	s.mu.Lock()
	switch s.state {
	case StatePaused:
		s.mu.Unlock()
		return true
	case StateSearching:
		s.mu.Unlock()
		return false
	}
	meta := s.transitionLocked(StatePaused)
	s.mu.Unlock()

	s.notifyState(meta)
	return true
}

// Resume returns a paused session to StateDefault and forgets the last
// reported result.
func (s *Session) Resume() bool {
	s.mu.Lock()
	if s.state != StatePaused {
		s.mu.Unlock()
		return false
	}
	s.last, s.lost = nil, 0
	meta := s.transitionLocked(StateDefault)
	s.mu.Unlock()

	s.notifyState(meta)
	return true
}

// Sync requests a sync on behalf of the session delegates.
func (s *Session) Sync() bool {
	if s.sync == nil {
		return false
	}
	return s.sync.Request(&syncForwarder{s: s})
}

// Close cancels any outstanding search. The session must not be used
// afterwards.
func (s *Session) Close() {
	s.mu.Lock()
	handle := s.handle
	s.handle, s.forward = nil, nil
	s.snapPending = false
	s.state = StateDefault
	s.epoch++
	s.mu.Unlock()

	if handle != nil {
		handle.Cancel()
	}
}

func (s *Session) transitionLocked(to State) map[string]any {
	slog.Debug("Session state changed", "from", s.state, "to", to)
	s.state = to
	s.epoch++
	return s.metaLocked()
}

func (s *Session) metaLocked() map[string]any {
	syncing := false
	if s.sync != nil {
		syncing = s.sync.IsSyncing()
	}
	return map[string]any{
		"state":   s.state.String(),
		"syncing": syncing,
	}
}

func (s *Session) notifyState(meta map[string]any) {
	recipients := s.Delegates.snapshot()
	s.disp.Dispatch(func() { deliverState(recipients, meta) })
}

func deliverState(recipients []entry[Observer], meta map[string]any) {
	deliver(recipients, func(o Observer) {
		if so, ok := o.(StateObserver); ok {
			so.StateUpdated(meta)
		}
	})
}

// forwardSearch runs on the dispatcher. Events from a forwarder that is no
// longer current, or arriving after the session left Searching, are
// dropped.
func (s *Session) forwardSearch(f *searchForwarder, terminal bool, fn func(Observer)) {
	s.mu.Lock()
	if s.forward != f || s.state != StateSearching {
		s.mu.Unlock()
		slog.Debug("Dropping stale search event")
		return
	}
	var meta map[string]any
	if terminal {
		s.handle, s.forward = nil, nil
		meta = s.transitionLocked(StateDefault)
	}
	recipients := s.Delegates.snapshot()
	s.mu.Unlock()

	deliver(recipients, fn)
	if meta != nil {
		deliverState(recipients, meta)
	}
}

// searchForwarder is the search observer for one snap.
type searchForwarder struct {
	s *Session
}

func (f *searchForwarder) WillSearch() {
	f.s.forwardSearch(f, false, func(o Observer) { o.WillSearch() })
}

func (f *searchForwarder) DidSearch(res *scanning.Result) {
	f.s.forwardSearch(f, true, func(o Observer) { o.DidSearch(res) })
}

func (f *searchForwarder) FailedToSearch(err error) {
	f.s.forwardSearch(f, true, func(o Observer) { o.FailedToSearch(err) })
}

// syncForwarder relays a sync run to the session delegates.
type syncForwarder struct {
	s *Session
}

func (f *syncForwarder) WillSync() {
	deliver(f.s.Delegates.snapshot(), func(o Observer) { o.WillSync() })
}

func (f *syncForwarder) SyncProgress(current, total int) {
	deliver(f.s.Delegates.snapshot(), func(o Observer) { o.SyncProgress(current, total) })
}

func (f *syncForwarder) DidSync() {
	deliver(f.s.Delegates.snapshot(), func(o Observer) { o.DidSync() })
}

func (f *syncForwarder) FailedToSync(err error) {
	deliver(f.s.Delegates.snapshot(), func(o Observer) { o.FailedToSync(err) })
}
