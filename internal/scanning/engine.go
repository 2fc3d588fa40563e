package scanning

import (
	"context"
	"image"
)

// Engine is the native recognition engine behind a scanner handle. Every
// method blocks, and none of them may be called concurrently on the same
// engine: callers serialize access.
type Engine interface {
	// Open connects the engine to the database file at path.
	Open(path, key, secret string) error
	// Close releases the database file.
	Close() error
	// Clean removes the database file at path. The engine must be closed.
	Clean(path string) error
	// Sync fetches offline records, reporting progress as it goes. It
	// returns early when ctx is done.
	Sync(ctx context.Context, progress func(current, total int)) error
	// Info returns the number of records and their identifiers.
	Info() (int, []string, error)
	// Search looks the frame up in the local database. An empty id means
	// no match.
	Search(qry *Frame) (string, error)
	// APISearch looks the frame up on the remote service. An empty id
	// means no match.
	APISearch(ctx context.Context, qry *Frame) (string, error)
	// Match reports whether the frame matches the local record id.
	Match(qry *Frame, id string) (bool, error)
	// Decode looks for a barcode among formats. A nil result means none.
	Decode(qry *Frame, formats ResultType) (*Result, error)
}

// Credentials authenticate remote calls.
type Credentials struct {
	Key    string
	Secret string
}

// Record is one offline image record as served by the remote API.
type Record struct {
	ID          string `json:"id"`
	Fingerprint string `json:"fingerprint"`
}

// RecordPage is one page of the offline record listing.
type RecordPage struct {
	Total   int      `json:"total"`
	Records []Record `json:"records"`
}

// Searcher performs remote image searches.
type Searcher interface {
	// Search returns the identifier of the matching record, or "" when
	// nothing matched.
	Search(ctx context.Context, creds Credentials, img image.Image) (string, error)
	// Close releases resources held by the searcher.
	Close() error
}

// RecordSource lists the offline records to synchronize.
type RecordSource interface {
	Records(ctx context.Context, creds Credentials, offset, limit int) (*RecordPage, error)
}
