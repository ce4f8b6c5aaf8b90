// Package eventstream turns session broadcasts into ordered events on one
// viewer connection. A Stream is the session subscriber; a Sink is the wire
// format (Server-Sent Events here, WebSocket frames in the handlers package).
package eventstream

import (
	"context"
	"errors"
	"sync"
	"time"
)

const (
	// DefaultKeepalive is the interval between content-free keep-alive events.
	DefaultKeepalive = 15 * time.Second
	// DefaultQueueSize is how many undelivered chunks a viewer may lag behind
	// before it is dropped.
	DefaultQueueSize = 1024
	// ConnectedNotice is always the first event a viewer receives.
	ConnectedNotice = "[connected]\r\n"
)

// ErrQueueFull is returned by Deliver when the viewer has fallen too far behind.
var ErrQueueFull = errors.New("viewer queue full")

// Sink writes events to a viewer connection.
type Sink interface {
	WriteData(p []byte) error
	WriteKeepalive() error
}

// PendingFlusher is implemented by sinks that hold back incomplete data
// between writes.
type PendingFlusher interface {
	FlushPending() error
}

// Stream buffers deliveries for one viewer. Deliver never blocks, so a slow
// viewer cannot stall the session's other subscribers.
type Stream struct {
	queue chan []byte
	done  chan struct{}
	once  sync.Once

	mu     sync.Mutex
	closed bool
}

// NewStream returns a stream that holds up to size pending chunks.
func NewStream(size int) *Stream {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Stream{
		queue: make(chan []byte, size),
		done:  make(chan struct{}),
	}
}

// Deliver queues data. After the stream is cancelled or terminated it is a
// no-op.
func (s *Stream) Deliver(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	select {
	case s.queue <- data:
		return nil
	default:
		return ErrQueueFull
	}
}

// Terminate ends the stream once queued data has been written.
func (s *Stream) Terminate() {
	s.cancel()
	s.once.Do(func() { close(s.done) })
}

// Done is closed when the stream has been terminated.
func (s *Stream) Done() <-chan struct{} { return s.done }

func (s *Stream) cancel() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Run writes queued chunks and periodic keep-alives to sink until the stream
// is terminated, ctx ends, or the sink fails. A terminated stream drains its
// queue first and returns nil.
func (s *Stream) Run(ctx context.Context, keepalive time.Duration, sink Sink) error {
	if keepalive <= 0 {
		keepalive = DefaultKeepalive
	}
	ticker := time.NewTicker(keepalive)
	defer ticker.Stop()

	for {
		select {
		case data := <-s.queue:
			if err := sink.WriteData(data); err != nil {
				s.cancel()
				return err
			}
		case <-s.done:
			return s.drain(sink)
		case <-ticker.C:
			if err := sink.WriteKeepalive(); err != nil {
				s.cancel()
				return err
			}
		case <-ctx.Done():
			s.cancel()
			return ctx.Err()
		}
	}
}

func (s *Stream) drain(sink Sink) error {
	for {
		select {
		case data := <-s.queue:
			if err := sink.WriteData(data); err != nil {
				return err
			}
		default:
			if f, ok := sink.(PendingFlusher); ok {
				return f.FlushPending()
			}
			return nil
		}
	}
}
