package control

import (
	"sync"
	"time"

	"github.com/zombor/scancore/internal/scanner"
	"github.com/zombor/scancore/internal/scanning"
)

// maxEvents bounds the per-session event log
const maxEvents = 200

// EventLog is the delegate of one daemon session. It keeps the most recent
// notifications for polling clients.
type EventLog struct {
	mu     sync.Mutex
	events []Event
	now    func() time.Time

	// onResult is called with every remote search result found
	onResult func(res *scanning.Result)
}

var (
	_ scanner.Observer      = (*EventLog)(nil)
	_ scanner.StateObserver = (*EventLog)(nil)
)

func newEventLog(now func() time.Time, onResult func(res *scanning.Result)) *EventLog {
	return &EventLog{now: now, onResult: onResult}
}

// Events returns a copy of the recorded events, oldest first
func (l *EventLog) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event{}, l.events...)
}

func (l *EventLog) add(ev Event) {
	ev.Time = l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	if over := len(l.events) - maxEvents; over > 0 {
		l.events = append(l.events[:0], l.events[over:]...)
	}
}

func errorEvent(kind string, err error) Event {
	code := scanning.CodeOf(err)
	return Event{
		Kind:      kind,
		Error:     err.Error(),
		Code:      code.String(),
		Retryable: code.Retryable(),
	}
}

func (l *EventLog) WillSync() {
	l.add(Event{Kind: "will_sync"})
}

func (l *EventLog) SyncProgress(current, total int) {
	l.add(Event{Kind: "sync_progress", Current: current, Total: total})
}

func (l *EventLog) DidSync() {
	l.add(Event{Kind: "did_sync"})
}

func (l *EventLog) FailedToSync(err error) {
	l.add(errorEvent("failed_to_sync", err))
}

func (l *EventLog) WillSearch() {
	l.add(Event{Kind: "will_search"})
}

func (l *EventLog) DidSearch(res *scanning.Result) {
	l.add(Event{Kind: "did_search", Result: viewOf(res)})
	if res != nil && l.onResult != nil {
		l.onResult(res)
	}
}

func (l *EventLog) FailedToSearch(err error) {
	l.add(errorEvent("failed_to_search", err))
}

func (l *EventLog) StateUpdated(meta map[string]any) {
	l.add(Event{Kind: "state_updated", State: meta})
}
