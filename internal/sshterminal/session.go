package sshterminal

import (
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// FlagVerified is set on a session once its output contained the marker phrase.
const FlagVerified = "verified"

// Session is one remote shell and its viewers. It is created empty by the
// Registry and gains a channel on Connect or Attach; at most one channel is
// ever attached.
type Session struct {
	ID        string
	Host      string
	User      string
	CreatedAt time.Time

	broadcaster *Broadcaster
	marker      *MarkerScanner
	recording   *SessionRecording
	limiter     *rate.Limiter
	debounce    time.Duration

	mu           sync.Mutex
	shell        Shell
	alive        bool
	closed       bool
	lastActivity time.Time
	flags        map[string]bool
	coalescers   map[string]*InputCoalescer
}

// SessionInfo is the externally visible state of a session.
type SessionInfo struct {
	ID           string    `json:"id"`
	Host         string    `json:"host"`
	Username     string    `json:"username"`
	Alive        bool      `json:"alive"`
	Verified     bool      `json:"verified"`
	Subscribers  int       `json:"subscribers"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Alive reports whether the session has an open PTY channel.
func (s *Session) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive
}

// HasChannel reports whether a channel has been attached.
func (s *Session) HasChannel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shell != nil
}

// Flag returns the value of a marker flag.
func (s *Session) Flag(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flags[name]
}

func (s *Session) setFlag(name string) {
	s.mu.Lock()
	s.flags[name] = true
	s.mu.Unlock()
}

// Verified reports whether the marker phrase has been seen.
func (s *Session) Verified() bool { return s.Flag(FlagVerified) }

// Recording returns the session recording, or nil when recording is off.
func (s *Session) Recording() *SessionRecording { return s.recording }

// SubscriberCount returns the number of live viewers.
func (s *Session) SubscriberCount() int { return s.broadcaster.Count() }

// LastActivity returns the time of the last output, input, resize or
// subscription change.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// Info snapshots the session for listing.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	info := SessionInfo{
		ID:           s.ID,
		Host:         s.Host,
		Username:     s.User,
		Alive:        s.alive,
		Verified:     s.flags[FlagVerified],
		CreatedAt:    s.CreatedAt,
		LastActivity: s.lastActivity,
	}
	s.mu.Unlock()
	info.Subscribers = s.broadcaster.Count()
	return info
}

func (s *Session) channel() Shell {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shell
}

// coalescer returns the input coalescer for viewerID, creating it on first
// use. It returns nil once the session is torn down.
func (s *Session) coalescer(viewerID string) *InputCoalescer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	c, ok := s.coalescers[viewerID]
	if !ok {
		c = NewInputCoalescer(s.debounce, s.writeShell)
		s.coalescers[viewerID] = c
	}
	return c
}

// releaseCoalescer flushes and forgets a viewer's coalescer.
func (s *Session) releaseCoalescer(viewerID string) {
	s.mu.Lock()
	c := s.coalescers[viewerID]
	delete(s.coalescers, viewerID)
	s.mu.Unlock()
	if c != nil {
		c.Stop()
	}
}

// writeShell is the flush target of every coalescer. Input for a session
// whose channel is gone is dropped.
func (s *Session) writeShell(data []byte) {
	shell := s.channel()
	if shell == nil {
		log.Printf("[sshterminal] dropping %d bytes of input for session %s: no channel", len(data), s.ID)
		return
	}
	s.recording.RecordInput(data)
	if _, err := shell.Write(data); err != nil {
		log.Printf("[sshterminal] %v", &WriteError{SessionID: s.ID, Err: err})
	}
}

// handleOutput runs one channel chunk through the marker scanner and the
// broadcaster. The sentinel follows the chunk that completed the phrase.
func (s *Session) handleOutput(data []byte) {
	matched := s.marker.Scan(data)
	s.recording.RecordOutput(data)
	s.broadcaster.Broadcast(data)
	s.touch()
	if matched {
		s.setFlag(FlagVerified)
		log.Printf("[sshterminal] session %s: marker phrase detected on %s", s.ID, s.Host)
		s.broadcaster.Broadcast([]byte(VerifiedSentinel))
	}
}

// teardown releases everything the session owns. Only the first call has any
// effect. Pending input is flushed before the channel is closed, and close
// errors are ignored.
func (s *Session) teardown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	shell := s.shell
	wasAlive := s.alive
	s.alive = false
	coalescers := s.coalescers
	s.coalescers = nil
	s.mu.Unlock()

	for _, c := range coalescers {
		c.Stop()
	}
	if wasAlive {
		s.broadcaster.Broadcast([]byte(CloseNotice))
	}
	if shell != nil {
		shell.Close()
	}
	s.broadcaster.CloseAll()
}
