package sshterminal

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

func TestRegistry_CreateGetRemove(t *testing.T) {
	r := newTestRegistry(Options{})

	a := r.Create("10.0.0.5", "root")
	b := r.Create("10.0.0.6", "amd")
	if a.ID == "" || a.ID == b.ID {
		t.Fatalf("expected distinct ids, got %q and %q", a.ID, b.ID)
	}
	if got, ok := r.Get(a.ID); !ok || got != a {
		t.Fatal("Get did not return the created session")
	}
	if a.HasChannel() || a.Alive() {
		t.Error("new session should have no channel")
	}
	if r.Count() != 2 {
		t.Errorf("Count = %d, want 2", r.Count())
	}

	r.Remove(a.ID)
	if _, ok := r.Get(a.ID); ok {
		t.Error("session still registered after Remove")
	}
	r.Remove(a.ID)
	r.Remove("does-not-exist")
	if r.Count() != 1 {
		t.Errorf("Count = %d, want 1", r.Count())
	}
}

func TestRegistry_RemoveTerminatesSubscribersExactlyOnce(t *testing.T) {
	r := newTestRegistry(Options{})
	s, shell := attachedSession(t, r)

	subs := []*fakeSub{{}, {}, {}}
	for _, sub := range subs {
		if !r.AddSubscriber(s.ID, sub) {
			t.Fatal("AddSubscriber returned false")
		}
	}

	r.Remove(s.ID)
	r.Remove(s.ID)

	if _, ok := r.Get(s.ID); ok {
		t.Fatal("session still registered")
	}
	for i, sub := range subs {
		if n := sub.Terminated(); n != 1 {
			t.Errorf("sub %d terminated %d times, want 1", i, n)
		}
		if n := sub.count(CloseNotice); n != 1 {
			t.Errorf("sub %d saw close notice %d times, want 1", i, n)
		}
	}

	// The pump also reaches Remove when the closed channel drains.
	time.Sleep(20 * time.Millisecond)
	if n := shell.Closes(); n != 1 {
		t.Errorf("shell closed %d times, want 1", n)
	}
	for i, sub := range subs {
		if n := sub.Terminated(); n != 1 {
			t.Errorf("sub %d terminated %d times after pump exit, want 1", i, n)
		}
	}
}

func TestRegistry_RemoveWithoutChannel(t *testing.T) {
	r := newTestRegistry(Options{})
	s := r.Create("10.0.0.5", "root")
	sub := &fakeSub{}
	r.AddSubscriber(s.ID, sub)

	r.Remove(s.ID)

	if sub.Terminated() != 1 {
		t.Errorf("terminated %d times, want 1", sub.Terminated())
	}
	if len(sub.Chunks()) != 0 {
		t.Errorf("inert session should not broadcast a close notice, got %q", sub.Chunks())
	}
}

func TestRegistry_AddSubscriberUnknownSession(t *testing.T) {
	r := newTestRegistry(Options{})
	sub := &fakeSub{}
	if r.AddSubscriber("missing", sub) {
		t.Fatal("expected false for unknown session")
	}
	if sub.Terminated() != 0 || len(sub.Chunks()) != 0 {
		t.Error("failed AddSubscriber must have no side effects")
	}
}

func TestRegistry_AddSubscriberAfterRemove(t *testing.T) {
	r := newTestRegistry(Options{})
	s := r.Create("10.0.0.5", "root")
	r.Remove(s.ID)
	if r.AddSubscriber(s.ID, &fakeSub{}) {
		t.Fatal("expected false after Remove")
	}
}

func TestRegistry_RemoveSubscriber(t *testing.T) {
	r := newTestRegistry(Options{})
	s := r.Create("10.0.0.5", "root")
	kept, gone := &fakeSub{}, &fakeSub{}
	r.AddSubscriber(s.ID, kept)
	r.AddSubscriber(s.ID, gone)

	r.RemoveSubscriber(s.ID, gone)
	r.RemoveSubscriber(s.ID, gone)
	r.RemoveSubscriber("missing", kept)
	r.Broadcast(s.ID, []byte("after"))

	if got := kept.Joined(); got != "after" {
		t.Errorf("kept subscriber got %q", got)
	}
	if len(gone.Chunks()) != 0 {
		t.Errorf("removed subscriber got %q", gone.Chunks())
	}
	if gone.Terminated() != 0 {
		t.Error("RemoveSubscriber must not terminate")
	}
	if s.SubscriberCount() != 1 {
		t.Errorf("SubscriberCount = %d, want 1", s.SubscriberCount())
	}
}

func TestRegistry_BroadcastWithoutSubscribers(t *testing.T) {
	r := newTestRegistry(Options{})
	s := r.Create("10.0.0.5", "root")

	r.Broadcast(s.ID, []byte("nobody listening"))
	r.Broadcast("missing", []byte("nobody here"))

	if s.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount = %d", s.SubscriberCount())
	}
	if _, ok := r.Get(s.ID); !ok {
		t.Error("broadcast must not affect the session")
	}
}

func TestRegistry_AttachOnlyOnce(t *testing.T) {
	r := newTestRegistry(Options{})
	s, _ := attachedSession(t, r)

	second := newFakeShell()
	if err := r.Attach(s.ID, second); !errors.Is(err, ErrAlreadyAttached) {
		t.Fatalf("second Attach = %v, want ErrAlreadyAttached", err)
	}
	if err := r.Attach("missing", newFakeShell()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Attach unknown = %v, want ErrNotFound", err)
	}
	if !s.Alive() {
		t.Error("session should be alive")
	}
}

func TestRegistry_ResizeIgnoresInvalidValues(t *testing.T) {
	r := newTestRegistry(Options{})
	s, shell := attachedSession(t, r)

	for _, tc := range [][2]float64{
		{math.NaN(), 10},
		{80, math.Inf(1)},
		{math.Inf(-1), 24},
		{0, 24},
		{-5, 24},
	} {
		if err := r.Resize(s.ID, tc[0], tc[1]); err != nil {
			t.Errorf("Resize(%v, %v) = %v, want nil", tc[0], tc[1], err)
		}
	}
	if got := shell.Resizes(); len(got) != 0 {
		t.Fatalf("invalid sizes reached the PTY: %v", got)
	}

	if err := r.Resize(s.ID, 100, 40); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	if err := r.Resize(s.ID, 1000, 1000); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	got := shell.Resizes()
	want := [][2]int{{100, 40}, {MaxTermCols, MaxTermRows}}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("resizes = %v, want %v", got, want)
	}
}

func TestRegistry_ResizeNotFound(t *testing.T) {
	r := newTestRegistry(Options{})
	if err := r.Resize("missing", 80, 24); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown session: %v", err)
	}
	s := r.Create("10.0.0.5", "root")
	if err := r.Resize(s.ID, 80, 24); !errors.Is(err, ErrNotFound) {
		t.Errorf("session without channel: %v", err)
	}
}

func TestRegistry_WriteInputCoalescesKeystrokes(t *testing.T) {
	r := newTestRegistry(Options{InputDebounce: 30 * time.Millisecond})
	s, shell := attachedSession(t, r)

	total := 0
	for _, k := range []string{"l", "s", " ", "-", "l"} {
		n, err := r.WriteInput(s.ID, "viewer-1", []byte(k))
		if err != nil {
			t.Fatalf("WriteInput: %v", err)
		}
		total += n
	}
	if total != 5 {
		t.Errorf("acknowledged %d bytes, want 5", total)
	}

	select {
	case got := <-shell.written:
		if string(got) != "ls -l" {
			t.Errorf("write = %q, want %q", got, "ls -l")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for flushed input")
	}

	time.Sleep(100 * time.Millisecond)
	if w := shell.Writes(); len(w) != 1 {
		t.Errorf("expected exactly one upstream write, got %q", w)
	}
}

func TestRegistry_WriteInputNormalisesNewlines(t *testing.T) {
	r := newTestRegistry(Options{})
	s, shell := attachedSession(t, r)

	n, err := r.WriteInput(s.ID, "", []byte("echo hi\r\nls\n"))
	if err != nil {
		t.Fatalf("WriteInput: %v", err)
	}
	if n != len("echo hi\rls\r") {
		t.Errorf("len = %d", n)
	}
	select {
	case got := <-shell.written:
		if string(got) != "echo hi\rls\r" {
			t.Errorf("write = %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for flushed input")
	}
}

func TestRegistry_WriteInputErrors(t *testing.T) {
	r := newTestRegistry(Options{})
	if _, err := r.WriteInput("missing", "", []byte("x")); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown session: %v", err)
	}
	inert := r.Create("10.0.0.5", "root")
	if _, err := r.WriteInput(inert.ID, "", []byte("x")); !errors.Is(err, ErrNotFound) {
		t.Errorf("session without channel: %v", err)
	}

	s, _ := attachedSession(t, r)
	big := []byte(strings.Repeat("a", MaxInputMessageSize+1))
	if _, err := r.WriteInput(s.ID, "", big); !errors.Is(err, ErrInputTooLarge) {
		t.Errorf("oversized input: %v", err)
	}
}

func TestRegistry_WriteInputThrottled(t *testing.T) {
	r := newTestRegistry(Options{InputDebounce: time.Hour})
	s, _ := attachedSession(t, r)

	var throttled bool
	for i := 0; i < InputRateBurst+10; i++ {
		if _, err := r.WriteInput(s.ID, "", []byte("x")); errors.Is(err, ErrInputThrottled) {
			throttled = true
			break
		}
	}
	if !throttled {
		t.Error("expected the rate limiter to reject a burst beyond its allowance")
	}
}

func TestRegistry_ReleaseViewerFlushesPendingInput(t *testing.T) {
	r := newTestRegistry(Options{InputDebounce: time.Hour})
	s, shell := attachedSession(t, r)

	if _, err := r.WriteInput(s.ID, "v1", []byte("pending")); err != nil {
		t.Fatalf("WriteInput: %v", err)
	}
	if len(shell.Writes()) != 0 {
		t.Fatal("input flushed before the debounce window")
	}

	r.ReleaseViewer(s.ID, "v1")
	if w := shell.Writes(); len(w) != 1 || w[0] != "pending" {
		t.Errorf("writes after release = %q", w)
	}
	r.ReleaseViewer(s.ID, "v1")
	r.ReleaseViewer("missing", "v1")
}

func TestRegistry_RemoveFlushesPendingInputBeforeClose(t *testing.T) {
	r := newTestRegistry(Options{InputDebounce: time.Hour})
	s, shell := attachedSession(t, r)

	r.WriteInput(s.ID, "v1", []byte("exit\r"))
	r.Remove(s.ID)

	if w := shell.Writes(); len(w) != 1 || w[0] != "exit\r" {
		t.Errorf("writes = %q, want [exit\\r]", w)
	}
}

func TestRegistry_WriteFailureIsDropped(t *testing.T) {
	r := newTestRegistry(Options{InputDebounce: time.Hour})
	s, shell := attachedSession(t, r)
	shell.writeErr = errors.New("broken pipe")

	if _, err := r.WriteInput(s.ID, "", []byte("x")); err != nil {
		t.Fatalf("WriteInput: %v", err)
	}
	r.ReleaseViewer(s.ID, "")
	if _, ok := r.Get(s.ID); !ok {
		t.Error("a failed write must not tear the session down")
	}
}

func TestRegistry_RemoteCloseTearsDownSession(t *testing.T) {
	r := newTestRegistry(Options{})
	s, shell := attachedSession(t, r)
	sub := &fakeSub{}
	r.AddSubscriber(s.ID, sub)

	shell.emit("bye\r\n")
	shell.finish()

	waitUntil(t, time.Second, "session removal", func() bool {
		_, ok := r.Get(s.ID)
		return !ok
	})
	if got := sub.Chunks(); len(got) != 2 || got[0] != "bye\r\n" || got[1] != CloseNotice {
		t.Errorf("chunks = %q", got)
	}
	if sub.Terminated() != 1 {
		t.Errorf("terminated %d times, want 1", sub.Terminated())
	}
	if shell.Closes() != 1 {
		t.Errorf("shell closed %d times, want 1", shell.Closes())
	}
}

func TestRegistry_MarkerSplitAcrossChunks(t *testing.T) {
	r := newTestRegistry(Options{})
	s, shell := attachedSession(t, r)
	sub := &fakeSub{}
	r.AddSubscriber(s.ID, sub)

	shell.emit("Succ")
	waitUntil(t, time.Second, "first chunk", func() bool { return len(sub.Chunks()) == 1 })
	if s.Verified() {
		t.Fatal("verified after partial phrase")
	}

	shell.emit("ess! vLLM version: 1.0")
	waitUntil(t, time.Second, "sentinel", func() bool { return sub.count(VerifiedSentinel) == 1 })
	if !s.Verified() {
		t.Fatal("expected verified after completed phrase")
	}

	shell.emit("Success! vLLM version: 1.0")
	waitUntil(t, time.Second, "third chunk", func() bool { return len(sub.Chunks()) == 4 })

	want := []string{"Succ", "ess! vLLM version: 1.0", VerifiedSentinel, "Success! vLLM version: 1.0"}
	got := sub.Chunks()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("chunk %d = %q, want %q (all: %q)", i, got[i], want[i], got)
		}
	}
	if !s.Verified() {
		t.Error("verified flag reverted")
	}
}

func TestRegistry_SubscribeReplaysHistory(t *testing.T) {
	r := newTestRegistry(Options{ScrollbackSize: 1024})
	s, shell := attachedSession(t, r)

	shell.emit("earlier output\r\n")
	waitUntil(t, time.Second, "history", func() bool { return s.broadcaster.history.Len() > 0 })

	sub := &fakeSub{}
	if !r.Subscribe(s.ID, sub, true) {
		t.Fatal("Subscribe failed")
	}
	shell.emit("live\r\n")
	waitUntil(t, time.Second, "live chunk", func() bool { return len(sub.Chunks()) == 2 })

	if got := sub.Chunks(); got[0] != "earlier output\r\n" || got[1] != "live\r\n" {
		t.Errorf("chunks = %q", got)
	}
}

func TestRegistry_ReapIdle(t *testing.T) {
	r := newTestRegistry(Options{})
	idle := r.Create("10.0.0.5", "root")
	watched := r.Create("10.0.0.6", "root")
	fresh := r.Create("10.0.0.7", "root")
	r.AddSubscriber(watched.ID, &fakeSub{})

	old := time.Now().Add(-time.Hour)
	for _, s := range []*Session{idle, watched} {
		s.mu.Lock()
		s.lastActivity = old
		s.mu.Unlock()
	}

	if n := r.ReapIdle(0); n != 0 {
		t.Errorf("ReapIdle(0) = %d, want 0", n)
	}
	if n := r.ReapIdle(30 * time.Minute); n != 1 {
		t.Fatalf("ReapIdle = %d, want 1", n)
	}
	if _, ok := r.Get(idle.ID); ok {
		t.Error("idle session not reaped")
	}
	for _, s := range []*Session{watched, fresh} {
		if _, ok := r.Get(s.ID); !ok {
			t.Errorf("session %s reaped unexpectedly", s.Host)
		}
	}
}

func TestRegistry_CloseAll(t *testing.T) {
	r := newTestRegistry(Options{})
	sub := &fakeSub{}
	for i := 0; i < 3; i++ {
		s := r.Create("10.0.0.5", "root")
		r.AddSubscriber(s.ID, sub)
	}
	r.CloseAll()
	if r.Count() != 0 {
		t.Errorf("Count = %d after CloseAll", r.Count())
	}
	if sub.Terminated() != 3 {
		t.Errorf("terminated %d times, want 3", sub.Terminated())
	}
}

func TestRegistry_ListOrderedByCreation(t *testing.T) {
	r := newTestRegistry(Options{})
	first := r.Create("10.0.0.5", "root")
	time.Sleep(2 * time.Millisecond)
	second := r.Create("10.0.0.6", "amd")

	list := r.List()
	if len(list) != 2 || list[0].ID != first.ID || list[1].ID != second.ID {
		t.Fatalf("List = %+v", list)
	}
	if list[1].Username != "amd" || list[1].Alive {
		t.Errorf("unexpected info %+v", list[1])
	}
}

type failingDialer struct{ err error }

func (d failingDialer) Dial(ctx context.Context, host, user string) (*ssh.Client, error) {
	return nil, d.err
}

func TestRegistry_ConnectFailureLeavesSessionInert(t *testing.T) {
	dialErr := errors.New("connection refused")
	r := newTestRegistry(Options{Dialer: failingDialer{err: dialErr}})
	s := r.Create("10.0.0.5", "root")

	err := r.Connect(context.Background(), s.ID, 120, 32)
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("Connect error = %v, want ConnectionError", err)
	}
	if connErr.Host != "10.0.0.5" || !errors.Is(err, dialErr) {
		t.Errorf("unexpected error %+v", connErr)
	}
	if _, ok := r.Get(s.ID); !ok {
		t.Fatal("session should stay registered after a failed connect")
	}
	if s.HasChannel() {
		t.Error("failed connect must not attach a channel")
	}

	if err := r.Connect(context.Background(), "missing", 80, 24); !errors.Is(err, ErrNotFound) {
		t.Errorf("Connect unknown = %v", err)
	}
}

func TestRegistry_Recording(t *testing.T) {
	r := newTestRegistry(Options{Recording: true})
	s, shell := attachedSession(t, r)
	sub := &fakeSub{}
	r.AddSubscriber(s.ID, sub)

	shell.emit("$ ")
	waitUntil(t, time.Second, "output", func() bool { return len(sub.Chunks()) == 1 })
	r.WriteInput(s.ID, "", []byte("ls\r"))
	r.ReleaseViewer(s.ID, "")
	r.Resize(s.ID, 90, 30)

	entries := s.Recording().Entries()
	if len(entries) != 3 {
		t.Fatalf("entries = %+v", entries)
	}
	kinds := entries[0].Type + entries[1].Type + entries[2].Type
	if kinds != EventOutput+EventInput+EventResize {
		t.Errorf("event kinds = %q", kinds)
	}
	if entries[2].Data != "90x30" {
		t.Errorf("resize data = %q", entries[2].Data)
	}
}

func TestRegistry_RecordingDisabled(t *testing.T) {
	r := newTestRegistry(Options{})
	s := r.Create("10.0.0.5", "root")
	if s.Recording() != nil {
		t.Error("recording should be nil when disabled")
	}
}
