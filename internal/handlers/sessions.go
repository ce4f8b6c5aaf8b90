package handlers

import (
	"errors"
	"log"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/gluk-w/claworc/droplet-panel/internal/config"
	"github.com/gluk-w/claworc/droplet-panel/internal/eventstream"
	"github.com/gluk-w/claworc/droplet-panel/internal/logging"
	"github.com/gluk-w/claworc/droplet-panel/internal/sshterminal"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// Sessions is the process-wide session broker, set in main.
var Sessions *sshterminal.Registry

const (
	// maxViewerIDLen bounds client-chosen viewer identifiers.
	maxViewerIDLen = 64
	// defaultViewer owns input posted without a viewer id.
	defaultViewer = "default"
)

type createSessionRequest struct {
	Host     string `json:"host"`
	Username string `json:"username"`
	Cols     int    `json:"cols"`
	Rows     int    `json:"rows"`
}

type inputRequest struct {
	Data   string `json:"data"`
	Viewer string `json:"viewer"`
}

type resizeRequest struct {
	Cols interface{} `json:"cols"`
	Rows interface{} `json:"rows"`
}

// viewerID returns the client-supplied viewer identifier or a fresh one.
func viewerID(candidate string) string {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" || len(candidate) > maxViewerIDLen {
		return uuid.New().String()
	}
	return candidate
}

// dimension converts a decoded JSON value to a float. Anything that is not a
// number (or a numeric string such as "NaN") becomes NaN.
func dimension(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
			return f
		}
	}
	return math.NaN()
}

// CreateSession opens an interactive shell on a droplet.
// POST /api/v1/ssh/sessions
func CreateSession(w http.ResponseWriter, r *http.Request) {
	var body createSessionRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	host := strings.TrimSpace(body.Host)
	if !validIPv4(host) {
		writeError(w, http.StatusBadRequest, "host must be a valid IPv4 address")
		return
	}
	user := strings.TrimSpace(body.Username)
	if user == "" {
		user = config.Cfg.SSHDefaultUser
	}
	if user == "" {
		user = "root"
	}
	cols, rows := body.Cols, body.Rows
	if cols <= 0 {
		cols = config.Cfg.TerminalCols
	}
	if rows <= 0 {
		rows = config.Cfg.TerminalRows
	}
	c, rw, ok := sshterminal.ClampSize(float64(cols), float64(rows))
	if !ok {
		c, rw = 120, 32
	}

	s := Sessions.Create(host, user)
	if err := Sessions.Connect(r.Context(), s.ID, c, rw); err != nil {
		Sessions.Remove(s.ID)
		log.Printf("[sessions] connect %s@%s failed: %v", logging.Sanitize(user), host, err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"id": s.ID})
}

// ListSessions returns all live sessions.
// GET /api/v1/ssh/sessions
func ListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": Sessions.List()})
}

// GetSession returns one session's metadata.
// GET /api/v1/ssh/sessions/{id}
func GetSession(w http.ResponseWriter, r *http.Request) {
	s, ok := Sessions.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	writeJSON(w, http.StatusOK, s.Info())
}

// DeleteSession closes and removes a session. Unknown ids succeed.
// DELETE /api/v1/ssh/sessions/{id}
func DeleteSession(w http.ResponseWriter, r *http.Request) {
	Sessions.Remove(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

// SessionEvents streams a session's output as Server-Sent Events. The first
// event is always the connected notice, followed by any replay history.
// GET /api/v1/ssh/sessions/{id}/events
func SessionEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := Sessions.Get(id); !ok {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}

	viewer := viewerID(r.URL.Query().Get("viewer"))
	stream := eventstream.NewStream(0)
	stream.Deliver([]byte(eventstream.ConnectedNotice))
	if !Sessions.Subscribe(id, stream, true) {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	defer func() {
		Sessions.RemoveSubscriber(id, stream)
		Sessions.ReleaseViewer(id, viewer)
	}()

	w.Header().Set("X-Viewer-ID", viewer)
	sse, err := eventstream.NewSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Printf("[sessions] SSE viewer %s attached to %s", viewer, id)
	if err := stream.Run(r.Context(), config.Cfg.StreamKeepalive, sse); err != nil && r.Context().Err() == nil {
		log.Printf("[sessions] SSE viewer %s on %s: %v", viewer, id, err)
	}
	log.Printf("[sessions] SSE viewer %s detached from %s", viewer, id)
}

// SessionInput queues keystrokes for the remote shell.
// POST /api/v1/ssh/sessions/{id}/input
func SessionInput(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body inputRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	viewer := strings.TrimSpace(body.Viewer)
	if viewer == "" {
		viewer = strings.TrimSpace(r.URL.Query().Get("viewer"))
	}
	if viewer == "" || len(viewer) > maxViewerIDLen {
		viewer = defaultViewer
	}
	n, err := Sessions.WriteInput(id, viewer, []byte(body.Data))
	switch {
	case errors.Is(err, sshterminal.ErrNotFound):
		writeError(w, http.StatusNotFound, "Session not found")
		return
	case errors.Is(err, sshterminal.ErrInputTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	case errors.Is(err, sshterminal.ErrInputThrottled):
		writeError(w, http.StatusTooManyRequests, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "len": n})
}

// SessionResize changes the terminal size. Invalid dimensions are ignored.
// POST /api/v1/ssh/sessions/{id}/resize
func SessionResize(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body resizeRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	if err := Sessions.Resize(id, dimension(body.Cols), dimension(body.Rows)); err != nil {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// SessionRecording returns captured I/O as JSON, or as an asciinema v2 cast
// with ?format=cast.
// GET /api/v1/ssh/sessions/{id}/recording
func SessionRecording(w http.ResponseWriter, r *http.Request) {
	s, ok := Sessions.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	rec := s.Recording()
	if rec == nil {
		writeError(w, http.StatusNotFound, "Recording is not enabled")
		return
	}

	if r.URL.Query().Get("format") == "cast" {
		w.Header().Set("Content-Type", "application/x-asciicast")
		w.Header().Set("Content-Disposition", `attachment; filename="`+s.ID+`.cast"`)
		if err := rec.WriteCast(w); err != nil {
			log.Printf("[sessions] write cast for %s: %v", s.ID, err)
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":      s.ID,
		"entries": rec.Entries(),
		"dropped": rec.Dropped(),
	})
}
