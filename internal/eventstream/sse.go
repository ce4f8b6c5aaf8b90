package eventstream

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"unicode/utf8"
)

// ErrStreamingUnsupported is returned when the ResponseWriter cannot flush.
var ErrStreamingUnsupported = errors.New("streaming not supported")

// SSEWriter is a Sink that writes Server-Sent Events. Each chunk is sent as a
// JSON string in a data field so arbitrary terminal bytes survive framing.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	// carry holds the start of a UTF-8 sequence split across chunks.
	carry []byte
}

// NewSSEWriter sets the event-stream headers and flushes them so the client
// sees the connection open immediately.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &SSEWriter{w: w, flusher: flusher}, nil
}

// WriteData sends one data event.
func (s *SSEWriter) WriteData(p []byte) error {
	buf := append(s.carry, p...)
	cut := len(buf) - partialRuneLen(buf)
	s.carry = append([]byte(nil), buf[cut:]...)
	if cut == 0 {
		return nil
	}

	return s.writeEvent(buf[:cut])
}

// FlushPending sends any held partial UTF-8 bytes as a final event.
func (s *SSEWriter) FlushPending() error {
	if len(s.carry) == 0 {
		return nil
	}
	p := s.carry
	s.carry = nil
	return s.writeEvent(p)
}

func (s *SSEWriter) writeEvent(p []byte) error {
	payload, err := json.Marshal(string(p))
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// WriteKeepalive sends an SSE comment, which clients ignore.
func (s *SSEWriter) WriteKeepalive() error {
	if _, err := fmt.Fprint(s.w, ": ping\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// partialRuneLen returns how many trailing bytes of b begin an incomplete
// UTF-8 sequence.
func partialRuneLen(b []byte) int {
	for i := 1; i < utf8.UTFMax && i <= len(b); i++ {
		if utf8.RuneStart(b[len(b)-i]) {
			if utf8.FullRune(b[len(b)-i:]) {
				return 0
			}
			return i
		}
	}
	return 0
}
