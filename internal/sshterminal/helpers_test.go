package sshterminal

import (
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeShell is an in-memory Shell. emit feeds output, finish simulates the
// remote end closing the channel.
type fakeShell struct {
	mu      sync.Mutex
	writes  [][]byte
	resizes [][2]int
	closes  int

	events   chan ChannelEvent
	endOnce  sync.Once
	written  chan []byte
	writeErr error
}

func newFakeShell() *fakeShell {
	return &fakeShell{
		events:  make(chan ChannelEvent, 64),
		written: make(chan []byte, 64),
	}
}

func (f *fakeShell) Write(p []byte) (int, error) {
	data := append([]byte(nil), p...)
	f.mu.Lock()
	f.writes = append(f.writes, data)
	err := f.writeErr
	f.mu.Unlock()
	select {
	case f.written <- data:
	default:
	}
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

func (f *fakeShell) Resize(cols, rows int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resizes = append(f.resizes, [2]int{cols, rows})
	return nil
}

func (f *fakeShell) Events() <-chan ChannelEvent { return f.events }

func (f *fakeShell) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	f.finish()
	return nil
}

func (f *fakeShell) emit(s string) { f.events <- ChannelEvent{Data: []byte(s)} }

func (f *fakeShell) finish() { f.endOnce.Do(func() { close(f.events) }) }

func (f *fakeShell) Writes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.writes))
	for i, w := range f.writes {
		out[i] = string(w)
	}
	return out
}

func (f *fakeShell) Resizes() [][2]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][2]int(nil), f.resizes...)
}

func (f *fakeShell) Closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

// fakeSub records deliveries and terminations.
type fakeSub struct {
	mu         sync.Mutex
	chunks     []string
	terminated int
	failWith   error
}

func (s *fakeSub) Deliver(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	s.chunks = append(s.chunks, string(data))
	return nil
}

func (s *fakeSub) Terminate() {
	s.mu.Lock()
	s.terminated++
	s.mu.Unlock()
}

func (s *fakeSub) Chunks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.chunks...)
}

func (s *fakeSub) Terminated() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated
}

func (s *fakeSub) Joined() string { return strings.Join(s.Chunks(), "") }

func (s *fakeSub) count(chunk string) int {
	n := 0
	for _, c := range s.Chunks() {
		if c == chunk {
			n++
		}
	}
	return n
}

func waitUntil(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func newTestRegistry(opts Options) *Registry {
	if opts.InputDebounce == 0 {
		opts.InputDebounce = 20 * time.Millisecond
	}
	return NewRegistry(opts)
}

func attachedSession(t *testing.T, r *Registry) (*Session, *fakeShell) {
	t.Helper()
	s := r.Create("10.0.0.5", "root")
	shell := newFakeShell()
	if err := r.Attach(s.ID, shell); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	t.Cleanup(func() { r.Remove(s.ID) })
	return s, shell
}
