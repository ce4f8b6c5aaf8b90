package sshterminal

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/gluk-w/claworc/droplet-panel/internal/logging"
	"github.com/google/uuid"
)

// CloseNotice is broadcast once when a live session ends.
const CloseNotice = "\r\n[session closed]\r\n"

// Options configures the sessions a Registry creates.
type Options struct {
	// Dialer connects sessions to their hosts. Required by Connect.
	Dialer Dialer
	// TermType is the PTY terminal type; DefaultTermType when empty.
	TermType string
	// InputDebounce is the coalescing window; DefaultInputDebounce when zero.
	InputDebounce time.Duration
	// MarkerPhrase and MarkerWindow configure the marker scanner.
	MarkerPhrase string
	MarkerWindow int
	// ScrollbackSize is the per-session replay history in bytes. Zero
	// disables replay.
	ScrollbackSize int
	// Recording enables I/O capture for new sessions.
	Recording bool
}

// Registry is the process-wide owner of sessions. Every operation that names
// a session goes through it, and every teardown path ends in Remove.
type Registry struct {
	opts Options

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry(opts Options) *Registry {
	return &Registry{
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

// Create registers a session for host and user without connecting it.
func (r *Registry) Create(host, user string) *Session {
	id := uuid.New().String()
	now := time.Now()
	s := &Session{
		ID:           id,
		Host:         host,
		User:         user,
		CreatedAt:    now,
		broadcaster:  NewBroadcaster(id, NewScrollbackBuffer(r.opts.ScrollbackSize)),
		marker:       NewMarkerScanner(r.opts.MarkerPhrase, r.opts.MarkerWindow),
		limiter:      newInputLimiter(),
		debounce:     r.opts.InputDebounce,
		lastActivity: now,
		flags:        make(map[string]bool),
		coalescers:   make(map[string]*InputCoalescer),
	}
	if r.opts.Recording {
		s.recording = NewSessionRecording(0, 0)
	}

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()

	log.Printf("[session-reg] Created session %s for %s@%s", id, logging.Sanitize(user), logging.Sanitize(host))
	return s
}

// Get looks up a session.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove deletes the session and releases its channel and subscribers. It is
// safe to call any number of times from any teardown path.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	s.teardown()
	log.Printf("[session-reg] Removed session %s (%s)", id, logging.Sanitize(s.Host))
}

// AddSubscriber attaches sub to a session. It returns false, with no side
// effects, when the session does not exist.
func (r *Registry) AddSubscriber(id string, sub Subscriber) bool {
	return r.Subscribe(id, sub, false)
}

// Subscribe is AddSubscriber with optional replay of recent output.
func (r *Registry) Subscribe(id string, sub Subscriber, replay bool) bool {
	s, ok := r.Get(id)
	if !ok {
		return false
	}
	if !s.broadcaster.Add(sub, replay) {
		return false
	}
	s.touch()
	return true
}

// RemoveSubscriber detaches sub. Missing sessions or subscribers are ignored.
func (r *Registry) RemoveSubscriber(id string, sub Subscriber) {
	s, ok := r.Get(id)
	if !ok {
		return
	}
	if s.broadcaster.Remove(sub) {
		s.touch()
	}
}

// Broadcast delivers data to every subscriber of a session. Unknown sessions
// and sessions without subscribers are ignored.
func (r *Registry) Broadcast(id string, data []byte) {
	s, ok := r.Get(id)
	if !ok {
		return
	}
	s.broadcaster.Broadcast(data)
}

// Connect opens a PTY shell for the session with the given geometry and
// attaches it. On failure the session stays registered without a channel.
func (r *Registry) Connect(ctx context.Context, id string, cols, rows int) error {
	s, ok := r.Get(id)
	if !ok {
		return ErrNotFound
	}
	if s.HasChannel() {
		return ErrAlreadyAttached
	}

	ch, err := OpenChannel(ctx, r.opts.Dialer, s.Host, s.User, PTYOptions{
		Term: r.opts.TermType,
		Cols: cols,
		Rows: rows,
	})
	if err != nil {
		log.Printf("[session-reg] Session %s: %v", id, err)
		return err
	}
	s.recording.setSize(cols, rows)
	if err := r.Attach(id, ch); err != nil {
		ch.Close()
		return err
	}
	return nil
}

// Attach gives a session its channel and starts pumping output. A session
// takes exactly one channel in its lifetime.
func (r *Registry) Attach(id string, shell Shell) error {
	s, ok := r.Get(id)
	if !ok {
		return ErrNotFound
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrNotFound
	}
	if s.shell != nil {
		s.mu.Unlock()
		return ErrAlreadyAttached
	}
	s.shell = shell
	s.alive = true
	s.lastActivity = time.Now()
	s.mu.Unlock()

	go r.pump(s, shell)
	log.Printf("[session-reg] Session %s ready", id)
	return nil
}

// pump consumes the channel's event stream in order and removes the session
// when the stream ends.
func (r *Registry) pump(s *Session, shell Shell) {
	for ev := range shell.Events() {
		if ev.Err != nil {
			log.Printf("[sshterminal] session %s read error: %v", s.ID, ev.Err)
			continue
		}
		s.handleOutput(ev.Data)
	}
	log.Printf("[sshterminal] session %s channel closed", s.ID)
	r.Remove(s.ID)
}

// WriteInput queues input from viewerID for the session's channel and
// returns the number of bytes queued after line-ending normalisation.
func (r *Registry) WriteInput(id, viewerID string, data []byte) (int, error) {
	s, ok := r.Get(id)
	if !ok || !s.HasChannel() {
		return 0, ErrNotFound
	}
	if len(data) > MaxInputMessageSize {
		return 0, ErrInputTooLarge
	}
	if !s.limiter.Allow() {
		return 0, ErrInputThrottled
	}
	c := s.coalescer(viewerID)
	if c == nil {
		return 0, ErrNotFound
	}
	n := c.Push(data)
	s.touch()
	return n, nil
}

// ReleaseViewer flushes and drops the coalescer of a departing viewer.
func (r *Registry) ReleaseViewer(id, viewerID string) {
	if s, ok := r.Get(id); ok {
		s.releaseCoalescer(viewerID)
	}
}

// Resize changes the PTY window of a session. Non-finite or non-positive
// sizes are ignored without error.
func (r *Registry) Resize(id string, cols, rows float64) error {
	s, ok := r.Get(id)
	if !ok {
		return ErrNotFound
	}
	shell := s.channel()
	if shell == nil {
		return ErrNotFound
	}
	c, rw, ok := ClampSize(cols, rows)
	if !ok {
		return nil
	}
	s.touch()
	s.recording.RecordResize(c, rw)
	if err := shell.Resize(c, rw); err != nil {
		log.Printf("[sshterminal] session %s resize to %dx%d: %v", id, c, rw, err)
	}
	return nil
}

// List returns every session ordered by creation time.
func (r *Registry) List() []SessionInfo {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ReapIdle removes sessions that have no subscribers and no activity for
// longer than timeout. It returns the number removed.
func (r *Registry) ReapIdle(timeout time.Duration) int {
	if timeout <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-timeout)

	r.mu.RLock()
	var idle []string
	for id, s := range r.sessions {
		if s.broadcaster.Count() == 0 && s.LastActivity().Before(cutoff) {
			idle = append(idle, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range idle {
		r.Remove(id)
	}
	if len(idle) > 0 {
		log.Printf("[session-reg] Reaped %d idle session(s) (timeout %s)", len(idle), timeout)
	}
	return len(idle)
}

// CloseAll removes every session. Used at shutdown.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.Remove(id)
	}
	if len(ids) > 0 {
		log.Printf("[session-reg] Closed %d session(s)", len(ids))
	}
}
