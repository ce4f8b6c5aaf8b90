package sshterminal

import (
	"log"
	"sync"
)

// Subscriber is a live viewer attached to a session. Deliver must not block;
// an error means the viewer can no longer keep up and it is dropped.
// Terminate is called exactly once when the broadcaster lets go of the
// subscriber for any reason other than RemoveSubscriber.
type Subscriber interface {
	Deliver(data []byte) error
	Terminate()
}

// Broadcaster fans session output out to every current subscriber. All
// deliveries happen under one lock, so each subscriber sees chunks in the
// order Broadcast was called.
type Broadcaster struct {
	sessionID string
	history   *ScrollbackBuffer

	mu     sync.Mutex
	subs   map[Subscriber]struct{}
	closed bool
}

// NewBroadcaster returns a broadcaster for one session. history may be nil.
func NewBroadcaster(sessionID string, history *ScrollbackBuffer) *Broadcaster {
	return &Broadcaster{
		sessionID: sessionID,
		history:   history,
		subs:      make(map[Subscriber]struct{}),
	}
}

// Add registers sub. When replay is set, buffered history is delivered first
// in the same critical section so nothing is missed or repeated. It returns
// false once the broadcaster has been closed.
func (b *Broadcaster) Add(sub Subscriber, replay bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	if replay {
		if snap := b.history.Snapshot(); len(snap) > 0 {
			if err := sub.Deliver(snap); err != nil {
				log.Printf("[sshterminal] replay to new subscriber of %s failed: %v", b.sessionID, err)
			}
		}
	}
	b.subs[sub] = struct{}{}
	return true
}

// Remove detaches sub without terminating it.
func (b *Broadcaster) Remove(sub Subscriber) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; !ok {
		return false
	}
	delete(b.subs, sub)
	return true
}

// Count returns the number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Broadcast records data in the history and delivers it to every subscriber.
// Subscribers whose delivery fails are removed and terminated; the rest are
// unaffected.
func (b *Broadcaster) Broadcast(data []byte) {
	var failed []Subscriber

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.history.Write(data)
	for sub := range b.subs {
		if err := sub.Deliver(data); err != nil {
			delete(b.subs, sub)
			failed = append(failed, sub)
			log.Printf("[sshterminal] %v", &DeliveryError{SessionID: b.sessionID, Err: err})
		}
	}
	b.mu.Unlock()

	for _, sub := range failed {
		sub.Terminate()
	}
}

// CloseAll terminates and detaches every subscriber. Later calls to Add fail
// and later broadcasts are dropped.
func (b *Broadcaster) CloseAll() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[Subscriber]struct{})
	b.mu.Unlock()

	for sub := range subs {
		sub.Terminate()
	}
}
