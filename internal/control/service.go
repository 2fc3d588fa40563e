package control

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/scancore/internal/scanner"
	"github.com/zombor/scancore/internal/scanning"
)

// ErrSessionNotFound is returned for unknown session ids
var ErrSessionNotFound = errors.New("session not found")

// IDGenerator generates unique IDs for sessions and history entries
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// defaultIDGenerator generates random UUIDs
type defaultIDGenerator struct{}

func (g *defaultIDGenerator) Generate() string {
	return uuid.NewString()
}

// defaultTimeSource provides the current time
type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Scanner bundles the shared scanner resource and its coordinators
type Scanner struct {
	Resource *scanner.Resource
	Sync     *scanner.SyncCoordinator
	Search   *scanner.SearchCoordinator
	Options  scanner.SessionOptions
}

// liveSession is a session created through the control surface
type liveSession struct {
	id      string
	session *scanner.Session
	log     *EventLog
	syncSub uuid.UUID

	mu        sync.Mutex
	snapFile  string
	snapType  string
	snapTaken bool
}

// Service drives scanner sessions for the HTTP control surface
type Service struct {
	scanner     Scanner
	db          DB
	storage     Storage
	idGenerator IDGenerator
	timeSource  TimeSource

	mu       sync.Mutex
	sessions map[string]*liveSession
}

// NewService creates a new Service with default ID generator and time source
func NewService(sc Scanner, db DB, storage Storage) *Service {
	return NewServiceWithDeps(sc, db, storage, &defaultIDGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(sc Scanner, db DB, storage Storage, idGen IDGenerator, timeSrc TimeSource) *Service {
	return &Service{
		scanner:     sc,
		db:          db,
		storage:     storage,
		idGenerator: idGen,
		timeSource:  timeSrc,
		sessions:    make(map[string]*liveSession),
	}
}

// sanitizeFilename cleans up a filename by removing special characters and truncating length
func sanitizeFilename(filename string) string {
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)

	base = regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`).ReplaceAllString(base, "")
	base = regexp.MustCompile(`\s+`).ReplaceAllString(base, "-")
	base = strings.TrimSpace(base)

	if len(base) > 50 {
		base = base[:50]
	}
	if base == "" {
		base = "frame"
	}
	return base + ext
}

// CreateSession starts a new scanning session and returns its id
func (s *Service) CreateSession() (string, error) {
	id := s.idGenerator.Generate()
	ls := &liveSession{
		id:      id,
		session: scanner.NewSession(s.scanner.Resource, s.scanner.Search, s.scanner.Sync, s.scanner.Options),
	}
	ls.log = newEventLog(s.timeSource.Now, func(res *scanning.Result) {
		s.recordSnap(ls, res)
	})
	// The registry only holds the log weakly; the session map keeps it alive.
	if _, err := scanner.Subscribe(ls.session.Delegates, ls.log); err != nil {
		return "", fmt.Errorf("subscribing session log: %w", err)
	}
	sub, err := scanner.Subscribe(s.scanner.Sync.Delegates, ls.log)
	if err != nil {
		return "", fmt.Errorf("subscribing session log to syncs: %w", err)
	}
	ls.syncSub = sub

	s.mu.Lock()
	s.sessions[id] = ls
	s.mu.Unlock()

	slog.Info("Session created", "session", id)
	return id, nil
}

// CloseSession cancels any outstanding search and forgets the session
func (s *Service) CloseSession(id string) error {
	s.mu.Lock()
	ls, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	s.scanner.Sync.Delegates.Remove(ls.syncSub)
	ls.session.Close()
	slog.Info("Session closed", "session", id)
	return nil
}

func (s *Service) lookup(id string) (*liveSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ls, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return ls, nil
}

// Scan loads an uploaded image as a frame and scans it. When the session
// is waiting for a snap frame, the frame is kept so the history can point
// at what was sent for remote search.
func (s *Service) Scan(id, filename string, data []byte, contentType string, types scanning.ResultType) (*scanning.Result, error) {
	ls, err := s.lookup(id)
	if err != nil {
		return nil, err
	}

	frame, err := scanning.LoadFrame(data, contentType)
	if err != nil {
		return nil, fmt.Errorf("loading frame: %w", err)
	}

	if ls.session.State() == scanner.StateSearching {
		return s.scanSnapFrame(ls, frame, types, filename, data, contentType)
	}
	res, err := ls.session.Scan(frame, types)
	if err != nil {
		return nil, err
	}
	if res != nil {
		s.record(&Entry{SessionID: ls.id, Source: "scan", Type: res.Type().String(), Value: res.Value()})
	}
	return res, nil
}

// scanSnapFrame stores the frame before handing it to the session. The
// session lock is held across the scan so recordSnap sees the new file.
func (s *Service) scanSnapFrame(ls *liveSession, frame *scanning.Frame, types scanning.ResultType, filename string, data []byte, contentType string) (*scanning.Result, error) {
	name := fmt.Sprintf("%s_%s", s.idGenerator.Generate(), sanitizeFilename(filename))
	saved, err := s.storage.Save(name, data)
	if err != nil {
		slog.Warn("Failed to store snap frame", "session", ls.id, "error", err)
		saved = ""
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	res, err := ls.session.Scan(frame, types)
	if err != nil || res != nil {
		// Refused, or the search ended before this frame arrived.
		if saved != "" {
			s.deleteFile(saved)
		}
		if res != nil {
			s.record(&Entry{SessionID: ls.id, Source: "scan", Type: res.Type().String(), Value: res.Value()})
		}
		return res, err
	}

	if ls.snapFile != "" && !ls.snapTaken {
		s.deleteFile(ls.snapFile)
	}
	ls.snapFile, ls.snapType, ls.snapTaken = saved, contentType, false
	return nil, nil
}

// recordSnap runs on the notification context when a remote search found
// something.
func (s *Service) recordSnap(ls *liveSession, res *scanning.Result) {
	ls.mu.Lock()
	file, contentType := ls.snapFile, ls.snapType
	ls.snapTaken = true
	ls.mu.Unlock()

	s.record(&Entry{
		SessionID:   ls.id,
		Source:      "snap",
		Type:        res.Type().String(),
		Value:       res.Value(),
		Filename:    file,
		ContentType: contentType,
	})
}

func (s *Service) record(entry *Entry) {
	entry.ID = s.idGenerator.Generate()
	entry.CreatedAt = s.timeSource.Now()
	if err := s.db.SaveEntry(entry); err != nil {
		slog.Error("Failed to save history entry", "session", entry.SessionID, "error", err)
	}
}

func (s *Service) deleteFile(path string) {
	if err := s.storage.Delete(path); err != nil {
		slog.Warn("Failed to delete file", "filename", path, "error", err)
	}
}

// Snap asks the session to send its next frame for remote search
func (s *Service) Snap(id string) (bool, scanner.State, error) {
	return s.transition(id, (*scanner.Session).Snap)
}

// Pause pauses the session
func (s *Service) Pause(id string) (bool, scanner.State, error) {
	return s.transition(id, (*scanner.Session).Pause)
}

// Resume resumes a paused session
func (s *Service) Resume(id string) (bool, scanner.State, error) {
	return s.transition(id, (*scanner.Session).Resume)
}

// Cancel abandons the session's remote search
func (s *Service) Cancel(id string) (bool, scanner.State, error) {
	return s.transition(id, (*scanner.Session).Cancel)
}

func (s *Service) transition(id string, fn func(*scanner.Session) bool) (bool, scanner.State, error) {
	ls, err := s.lookup(id)
	if err != nil {
		return false, scanner.StateDefault, err
	}
	ok := fn(ls.session)
	return ok, ls.session.State(), nil
}

// Events returns the notifications recorded for a session
func (s *Service) Events(id string) ([]Event, error) {
	ls, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	return ls.log.Events(), nil
}

// Sync requests a database sync. Session logs follow the run through the
// sync delegates; it reports whether a new run was started.
func (s *Service) Sync() bool {
	return s.scanner.Sync.Request(nil)
}

// Status reports the state of the shared scanner
func (s *Service) Status() Status {
	s.mu.Lock()
	sessions := len(s.sessions)
	s.mu.Unlock()

	st := Status{
		Open:      s.scanner.Resource.IsOpen(),
		Syncing:   s.scanner.Sync.IsSyncing(),
		Searching: s.scanner.Search.IsSearching(),
		Sessions:  sessions,
	}
	if st.Open {
		count, err := s.scanner.Resource.Count()
		switch {
		case err == nil:
			st.Records = count
		case !errors.Is(err, scanning.ErrEmptyDatabase):
			st.Error = err.Error()
		}
	}
	return st
}

// ListHistory returns every recorded result
func (s *Service) ListHistory() ([]*Entry, error) {
	entries, err := s.db.ListEntries()
	if err != nil {
		return nil, fmt.Errorf("listing history: %w", err)
	}
	return entries, nil
}

// GetHistoryFrame returns the stored frame of a snap entry
func (s *Service) GetHistoryFrame(id string) ([]byte, string, error) {
	entry, err := s.db.GetEntry(id)
	if err != nil {
		return nil, "", fmt.Errorf("getting entry: %w", err)
	}
	if entry.Filename == "" {
		return nil, "", fmt.Errorf("%w: %s has no frame", ErrEntryNotFound, id)
	}
	data, err := s.storage.Get(entry.Filename)
	if err != nil {
		return nil, "", fmt.Errorf("getting frame: %w", err)
	}
	return data, entry.ContentType, nil
}

// DeleteHistory removes an entry and its stored frame
func (s *Service) DeleteHistory(id string) error {
	entry, err := s.db.GetEntry(id)
	if err != nil {
		return fmt.Errorf("getting entry for deletion: %w", err)
	}
	if entry.Filename != "" {
		s.deleteFile(entry.Filename)
	}
	if err := s.db.DeleteEntry(id); err != nil {
		return fmt.Errorf("deleting entry from database: %w", err)
	}
	return nil
}
