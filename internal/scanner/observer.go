package scanner

import "github.com/zombor/scancore/internal/scanning"

// SyncObserver receives the events of a sync run: WillSync, zero or more
// SyncProgress, then exactly one of DidSync or FailedToSync.
type SyncObserver interface {
	WillSync()
	SyncProgress(current, total int)
	DidSync()
	FailedToSync(err error)
}

// SearchObserver receives the events of a remote search: WillSearch then
// exactly one of DidSearch or FailedToSearch. A cancelled search delivers
// nothing further.
type SearchObserver interface {
	WillSearch()
	// DidSearch is called with a nil result when nothing matched.
	DidSearch(res *scanning.Result)
	FailedToSearch(err error)
}

// Observer is the session delegate.
type Observer interface {
	SyncObserver
	SearchObserver
}

// StateObserver may be implemented by a session delegate to be told about
// every state transition.
type StateObserver interface {
	StateUpdated(meta map[string]any)
}

// NopObserver implements Observer with empty methods, for embedding.
type NopObserver struct{}

func (NopObserver) WillSync()                       {}
func (NopObserver) SyncProgress(current, total int) {}
func (NopObserver) DidSync()                        {}
func (NopObserver) FailedToSync(err error)          {}
func (NopObserver) WillSearch()                     {}
func (NopObserver) DidSearch(res *scanning.Result)  {}
func (NopObserver) FailedToSearch(err error)        {}
