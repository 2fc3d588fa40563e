package control

import (
	"time"

	"github.com/zombor/scancore/internal/scanning"
)

// Entry is a recognition result reported by a session
type Entry struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	Source      string    `json:"source"` // "scan" or "snap"
	Type        string    `json:"type"`
	Value       string    `json:"value"`
	Filename    string    `json:"filename,omitempty"` // Stored frame, snaps only
	ContentType string    `json:"content_type,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ResultView is the JSON form of a scanning.Result
type ResultView struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

func viewOf(res *scanning.Result) *ResultView {
	if res == nil {
		return nil
	}
	return &ResultView{Type: res.Type().String(), Value: res.Value()}
}

// Event is a delegate notification recorded for a session
type Event struct {
	Kind      string         `json:"kind"`
	Current   int            `json:"current,omitempty"`
	Total     int            `json:"total,omitempty"`
	Result    *ResultView    `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	Code      string         `json:"code,omitempty"`
	Retryable bool           `json:"retryable,omitempty"`
	State     map[string]any `json:"state,omitempty"`
	Time      time.Time      `json:"time"`
}

// Status describes the scanner as seen by the daemon
type Status struct {
	Open      bool   `json:"open"`
	Syncing   bool   `json:"syncing"`
	Searching bool   `json:"searching"`
	Records   int    `json:"records"`
	Sessions  int    `json:"sessions"`
	Error     string `json:"error,omitempty"`
}
