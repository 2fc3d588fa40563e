package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/zombor/scancore/internal/scanner"
	"github.com/zombor/scancore/internal/scanning"
)

// maxFormSize bounds uploaded frames
const maxFormSize = int64(20 << 20)

// corsError writes an error response with CORS headers set
func corsError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	http.Error(w, message, code)
}

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// writeError maps scanner errors to HTTP statuses
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrEntryNotFound):
		code = http.StatusNotFound
	default:
		switch scanning.CodeOf(err).Class() {
		case scanning.ClassMisuse:
			code = http.StatusBadRequest
			if errors.Is(err, scanning.ErrInvalidState) {
				code = http.StatusConflict
			}
		case scanning.ClassResourceState:
			code = http.StatusServiceUnavailable
		case scanning.ClassNetwork:
			code = http.StatusBadGateway
		}
	}

	setCORSHeaders(w)
	writeJSON(w, code, map[string]string{
		"error": err.Error(),
		"code":  scanning.CodeOf(err).String(),
	})
}

// parseTypes reads a result type mask, either numeric or a comma separated
// list of names. Empty means every type.
func parseTypes(s string) (scanning.ResultType, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return scanning.BarcodeTypes | scanning.ResultImage, nil
	}
	if n, err := strconv.ParseUint(s, 10, 32); err == nil {
		return scanning.ResultType(n), nil
	}

	var mask scanning.ResultType
	for _, name := range strings.Split(s, ",") {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "ean8":
			mask |= scanning.ResultEAN8
		case "ean13":
			mask |= scanning.ResultEAN13
		case "qrcode", "qr":
			mask |= scanning.ResultQRCode
		case "barcode", "barcodes":
			mask |= scanning.BarcodeTypes
		case "image":
			mask |= scanning.ResultImage
		default:
			return 0, scanning.NewError(scanning.CodeInvalidArgument, "types", fmt.Errorf("unknown result type %q", name))
		}
	}
	return mask, nil
}

// contentTypeOf guesses the content type of an upload from its extension
func contentTypeOf(header string, filename string) string {
	contentType := header
	if contentType == "" || contentType == "application/octet-stream" {
		switch strings.ToLower(filepath.Ext(filename)) {
		case ".jpg", ".jpeg":
			contentType = "image/jpeg"
		case ".png":
			contentType = "image/png"
		case ".gif":
			contentType = "image/gif"
		case ".pdf":
			contentType = "application/pdf"
		case ".heic":
			contentType = "image/heic"
		case ".heif":
			contentType = "image/heif"
		default:
			contentType = "application/octet-stream"
		}
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}

// handleSync requests a database sync
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	started := s.service.Sync()
	writeJSON(w, http.StatusAccepted, map[string]bool{"started": started})
}

// handleStatus returns the scanner status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Status())
}

// handleCreateSession starts a session
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	id, err := s.service.CreateSession()
	if err != nil {
		slog.Error("Error creating session", "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// handleCloseSession closes a session
func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	if err := s.service.CloseSession(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleScan scans an uploaded frame
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormSize)
	if err := r.ParseMultipartForm(maxFormSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		corsError(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		corsError(w, "No file provided", http.StatusBadRequest)
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		corsError(w, "Error reading file", http.StatusInternalServerError)
		return
	}

	types, err := parseTypes(r.FormValue("types"))
	if err != nil {
		writeError(w, err)
		return
	}

	contentType := contentTypeOf(header.Header.Get("Content-Type"), header.Filename)
	res, err := s.service.Scan(r.PathValue("id"), header.Filename, data, contentType, types)
	if err != nil {
		slog.Debug("Scan refused", "session", r.PathValue("id"), "error", err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]*ResultView{"result": viewOf(res)})
}

// handleTransition wraps a session state transition
func (s *Server) handleTransition(fn func(id string) (bool, scanner.State, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ok, state, err := fn(r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"accepted": ok,
			"state":    state.String(),
		})
	}
}

// handleEvents returns the session event log
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.service.Events(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// handleListHistory returns every recorded result
func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.service.ListHistory()
	if err != nil {
		slog.Error("Error listing history", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleGetHistoryFrame returns the frame sent for a snap
func (s *Server) handleGetHistoryFrame(w http.ResponseWriter, r *http.Request) {
	data, contentType, err := s.service.GetHistoryFrame(r.PathValue("id"))
	if err != nil {
		corsError(w, "Frame not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

// handleDeleteHistory deletes a history entry
func (s *Server) handleDeleteHistory(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteHistory(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
