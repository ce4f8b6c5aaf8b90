package sshterminal

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// Recording event kinds, matching the asciinema v2 event codes.
const (
	EventOutput = "o"
	EventInput  = "i"
	EventResize = "r"
)

// maxRecordingEntries bounds a recording; later events are dropped.
const maxRecordingEntries = 100000

// RecordingEntry is one timestamped terminal event.
type RecordingEntry struct {
	Elapsed float64 `json:"elapsed"`
	Type    string  `json:"type"`
	Data    string  `json:"data"`
}

// SessionRecording captures a session's I/O for later review. It is only
// created when recording is enabled in the configuration.
type SessionRecording struct {
	mu      sync.Mutex
	start   time.Time
	cols    int
	rows    int
	entries []RecordingEntry
	dropped int
}

// NewSessionRecording starts a recording for a terminal of the given size.
func NewSessionRecording(cols, rows int) *SessionRecording {
	return &SessionRecording{start: time.Now(), cols: cols, rows: rows}
}

func (sr *SessionRecording) record(kind string, data string) {
	if sr == nil {
		return
	}
	sr.mu.Lock()
	defer sr.mu.Unlock()
	if len(sr.entries) >= maxRecordingEntries {
		sr.dropped++
		return
	}
	sr.entries = append(sr.entries, RecordingEntry{
		Elapsed: time.Since(sr.start).Seconds(),
		Type:    kind,
		Data:    data,
	})
}

func (sr *SessionRecording) setSize(cols, rows int) {
	if sr == nil {
		return
	}
	sr.mu.Lock()
	sr.cols, sr.rows = cols, rows
	sr.mu.Unlock()
}

// RecordOutput adds remote output.
func (sr *SessionRecording) RecordOutput(p []byte) { sr.record(EventOutput, string(p)) }

// RecordInput adds a flushed input write.
func (sr *SessionRecording) RecordInput(p []byte) { sr.record(EventInput, string(p)) }

// RecordResize adds a window change.
func (sr *SessionRecording) RecordResize(cols, rows int) {
	sr.record(EventResize, fmt.Sprintf("%dx%d", cols, rows))
}

// Entries returns a copy of the recorded events.
func (sr *SessionRecording) Entries() []RecordingEntry {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	out := make([]RecordingEntry, len(sr.entries))
	copy(out, sr.entries)
	return out
}

// Dropped reports how many events were discarded after the recording filled.
func (sr *SessionRecording) Dropped() int {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return sr.dropped
}

// WriteCast writes the recording as an asciinema v2 cast: a JSON header line
// followed by one [elapsed, type, data] array per event.
func (sr *SessionRecording) WriteCast(w io.Writer) error {
	sr.mu.Lock()
	header := map[string]any{
		"version":   2,
		"width":     sr.cols,
		"height":    sr.rows,
		"timestamp": sr.start.Unix(),
	}
	entries := make([]RecordingEntry, len(sr.entries))
	copy(entries, sr.entries)
	sr.mu.Unlock()

	enc := json.NewEncoder(w)
	if err := enc.Encode(header); err != nil {
		return fmt.Errorf("write cast header: %w", err)
	}
	for _, e := range entries {
		if err := enc.Encode([]any{e.Elapsed, e.Type, e.Data}); err != nil {
			return fmt.Errorf("write cast event: %w", err)
		}
	}
	return nil
}
