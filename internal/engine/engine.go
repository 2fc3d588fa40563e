// Package engine is the reference recognition engine: a bbolt database of
// image fingerprints synced from the recognition API, fingerprint search and
// match, barcode decoding, and remote search through a scanning.Searcher.
//
// Like the native engine it stands in for, Local is not safe for concurrent
// use; scanner.Resource serializes every call.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"

	"github.com/zombor/scancore/internal/scanning"
)

// Options configures a Local engine.
type Options struct {
	// Source lists the offline records to sync. Sync fails with Misuse
	// without one.
	Source scanning.RecordSource
	// Searcher runs remote searches. APISearch fails with Misuse without one.
	Searcher scanning.Searcher
	// Threshold is the maximum Hamming distance between fingerprints for
	// a match. Defaults to DefaultThreshold.
	Threshold int
	// PageSize is the number of records fetched per sync request.
	// Defaults to DefaultPageSize.
	PageSize int
}

const (
	DefaultThreshold = 10
	DefaultPageSize  = 100
)

// Local implements scanning.Engine.
type Local struct {
	opts Options

	store   *store
	path    string
	creds   scanning.Credentials
	records map[string]uint64
}

var _ scanning.Engine = (*Local)(nil)

// New creates a closed engine.
func New(opts Options) *Local {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	return &Local{opts: opts}
}

// Open connects the engine to the database file at path.
func (l *Local) Open(path, key, secret string) error {
	if l.store != nil {
		return scanning.NewError(scanning.CodeMisuse, "open", fmt.Errorf("engine already open"))
	}
	if path == "" {
		return scanning.NewError(scanning.CodeMisuse, "open", fmt.Errorf("empty database path"))
	}

	s, records, err := openStore(path, key)
	if err != nil {
		return err
	}

	l.store = s
	l.path = path
	l.creds = scanning.Credentials{Key: key, Secret: secret}
	l.records = records
	slog.Debug("Engine opened", "path", path, "records", len(records))
	return nil
}

// Close releases the database file.
func (l *Local) Close() error {
	if l.store == nil {
		return scanning.NewError(scanning.CodeMisuse, "close", fmt.Errorf("engine not open"))
	}
	err := l.store.close()
	l.store = nil
	l.records = nil
	if err != nil {
		return scanning.NewError(scanning.CodeGeneric, "close", err)
	}
	return nil
}

// Clean removes the database file at path.
func (l *Local) Clean(path string) error {
	if l.store != nil && l.path == path {
		return scanning.NewError(scanning.CodeBusy, "clean", fmt.Errorf("database is open"))
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fileError("clean", err)
	}
	return nil
}

// Sync downloads every offline record and replaces the local set in one
// transaction. Progress reports how many records were fetched so far.
func (l *Local) Sync(ctx context.Context, progress func(current, total int)) error {
	if l.store == nil {
		return scanning.NewError(scanning.CodeMisuse, "sync", fmt.Errorf("engine not open"))
	}
	if l.opts.Source == nil {
		return scanning.NewError(scanning.CodeMisuse, "sync", fmt.Errorf("no record source configured"))
	}

	fetched := make(map[string]uint64)
	total := -1
	for offset := 0; total < 0 || offset < total; {
		if err := ctx.Err(); err != nil {
			return contextError("sync", err)
		}
		page, err := l.opts.Source.Records(ctx, l.creds, offset, l.opts.PageSize)
		if err != nil {
			return err
		}
		total = page.Total
		if len(page.Records) == 0 {
			break
		}
		for _, rec := range page.Records {
			fp, err := parseFingerprint(rec.Fingerprint)
			if err != nil {
				return scanning.NewError(scanning.CodeGeneric, "sync", fmt.Errorf("record %s: %w", rec.ID, err))
			}
			fetched[rec.ID] = fp
		}
		offset += len(page.Records)
		if progress != nil {
			progress(min(offset, total), total)
		}
	}

	if err := ctx.Err(); err != nil {
		return contextError("sync", err)
	}
	if err := l.store.replace(fetched, l.creds.Key); err != nil {
		return scanning.NewError(scanning.CodeGeneric, "sync", fmt.Errorf("saving records: %w", err))
	}
	l.records = fetched
	return nil
}

// Info returns the number of records and their sorted identifiers.
func (l *Local) Info() (int, []string, error) {
	if err := l.ready("info"); err != nil {
		return 0, nil, err
	}
	ids := make([]string, 0, len(l.records))
	for id := range l.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return len(ids), ids, nil
}

// Search returns the closest record within the threshold, or "".
func (l *Local) Search(qry *scanning.Frame) (string, error) {
	if err := l.ready("search"); err != nil {
		return "", err
	}
	fp, err := l.fingerprint("search", qry)
	if err != nil {
		return "", err
	}

	best, bestDist := "", l.opts.Threshold+1
	for id, rec := range l.records {
		d := distance(fp, rec)
		if d < bestDist || (d == bestDist && id < best) {
			best, bestDist = id, d
		}
	}
	if bestDist > l.opts.Threshold {
		return "", nil
	}
	return best, nil
}

// Match reports whether the frame matches record id.
func (l *Local) Match(qry *scanning.Frame, id string) (bool, error) {
	if err := l.ready("match"); err != nil {
		return false, err
	}
	rec, ok := l.records[id]
	if !ok {
		return false, scanning.NewError(scanning.CodeRecordNotFound, "match", fmt.Errorf("no record %q", id))
	}
	fp, err := l.fingerprint("match", qry)
	if err != nil {
		return false, err
	}
	return distance(fp, rec) <= l.opts.Threshold, nil
}

// APISearch runs a remote search with the configured searcher.
func (l *Local) APISearch(ctx context.Context, qry *scanning.Frame) (string, error) {
	if l.store == nil {
		return "", scanning.NewError(scanning.CodeMisuse, "api search", fmt.Errorf("engine not open"))
	}
	if l.opts.Searcher == nil {
		return "", scanning.NewError(scanning.CodeMisuse, "api search", fmt.Errorf("no remote searcher configured"))
	}
	if err := checkSize("api search", qry); err != nil {
		return "", err
	}
	img, err := qry.Gray()
	if err != nil {
		return "", err
	}
	return l.opts.Searcher.Search(ctx, l.creds, img)
}

// Decode looks for a barcode of the given formats, trying EAN13, EAN8
// then QR Code.
func (l *Local) Decode(qry *scanning.Frame, formats scanning.ResultType) (*scanning.Result, error) {
	if formats&scanning.BarcodeTypes == 0 {
		return nil, scanning.NewError(scanning.CodeMisuse, "decode", fmt.Errorf("no barcode format requested"))
	}
	if err := checkSize("decode", qry); err != nil {
		return nil, err
	}
	img, err := qry.Gray()
	if err != nil {
		return nil, err
	}
	return decodeBarcode(img, formats)
}

func (l *Local) ready(op string) error {
	if l.store == nil {
		return scanning.NewError(scanning.CodeMisuse, op, fmt.Errorf("engine not open"))
	}
	if len(l.records) == 0 {
		return scanning.NewError(scanning.CodeEmptyDatabase, op, nil)
	}
	return nil
}

func (l *Local) fingerprint(op string, qry *scanning.Frame) (uint64, error) {
	if err := checkSize(op, qry); err != nil {
		return 0, err
	}
	img, err := qry.Gray()
	if err != nil {
		return 0, err
	}
	return averageHash(img), nil
}

// checkSize enforces the engine frame limits: the long side must be at
// least 480 pixels and the frame must fit in 1280x720.
func checkSize(op string, qry *scanning.Frame) error {
	if err := qry.Validate(); err != nil {
		return err
	}
	long, short := qry.Width, qry.Height
	if short > long {
		long, short = short, long
	}
	if long < scanning.MinFrameSide || long > scanning.MaxFrameLong || short > scanning.MaxFrameShort {
		return scanning.NewError(scanning.CodeMisuse, op, fmt.Errorf("frame size %dx%d out of bounds", qry.Width, qry.Height))
	}
	return nil
}

func contextError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return scanning.NewError(scanning.CodeTimeout, op, err)
	}
	return scanning.NewError(scanning.CodeInterrupted, op, err)
}
