package sshterminal

import (
	"sync"
	"unicode/utf8"
)

// DefaultScrollbackSize is the history kept per session for replay to late
// subscribers.
const DefaultScrollbackSize = 64 * 1024

// ScrollbackBuffer keeps the most recent output of a session. It is owned by
// the session's Broadcaster, which writes to it under its own lock so a
// joining subscriber sees history and live output without gaps or repeats.
type ScrollbackBuffer struct {
	mu     sync.Mutex
	data   []byte
	maxLen int
}

// NewScrollbackBuffer returns a buffer holding at most maxLen bytes, or nil
// when maxLen is not positive. A nil buffer discards writes.
func NewScrollbackBuffer(maxLen int) *ScrollbackBuffer {
	if maxLen <= 0 {
		return nil
	}
	return &ScrollbackBuffer{maxLen: maxLen}
}

// Write appends p and drops the oldest bytes beyond the cap. The cut is moved
// forward to a rune boundary so replay never starts mid-character.
func (s *ScrollbackBuffer) Write(p []byte) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = append(s.data, p...)
	if over := len(s.data) - s.maxLen; over > 0 {
		for over < len(s.data) && !utf8.RuneStart(s.data[over]) {
			over++
		}
		s.data = append(s.data[:0:0], s.data[over:]...)
	}
}

// Snapshot returns a copy of the buffered output.
func (s *ScrollbackBuffer) Snapshot() []byte {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.data))
	copy(out, s.data)
	return out
}

// Len returns the number of buffered bytes.
func (s *ScrollbackBuffer) Len() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}
