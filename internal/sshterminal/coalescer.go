package sshterminal

import (
	"bytes"
	"sync"
	"time"
)

// DefaultInputDebounce is how long the coalescer waits for more keystrokes
// before flushing.
const DefaultInputDebounce = 10 * time.Millisecond

// InputCoalescer batches one viewer's keystrokes into a single write. Every
// Push re-arms the debounce timer; when it fires the pending bytes are written
// in one call.
type InputCoalescer struct {
	delay time.Duration
	write func([]byte)

	// flushMu orders flushes so data taken earlier is written earlier.
	flushMu sync.Mutex

	mu      sync.Mutex
	pending []byte
	timer   *time.Timer
	stopped bool
}

// NewInputCoalescer returns a coalescer that hands batches to write.
func NewInputCoalescer(delay time.Duration, write func([]byte)) *InputCoalescer {
	if delay <= 0 {
		delay = DefaultInputDebounce
	}
	return &InputCoalescer{delay: delay, write: write}
}

// NormalizeInput rewrites LF and CRLF line endings to the CR a remote line
// discipline expects from a terminal.
func NormalizeInput(p []byte) []byte {
	p = bytes.ReplaceAll(p, []byte("\r\n"), []byte("\r"))
	return bytes.ReplaceAll(p, []byte("\n"), []byte("\r"))
}

// Push buffers p and returns the number of bytes queued. After Stop, input is
// written immediately instead of being lost.
func (c *InputCoalescer) Push(p []byte) int {
	data := NormalizeInput(p)
	if len(data) == 0 {
		return 0
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		c.flushMu.Lock()
		c.write(data)
		c.flushMu.Unlock()
		return len(data)
	}
	c.pending = append(c.pending, data...)
	if c.timer == nil {
		c.timer = time.AfterFunc(c.delay, c.flush)
	} else {
		c.timer.Reset(c.delay)
	}
	c.mu.Unlock()
	return len(data)
}

// Pending returns the number of buffered bytes.
func (c *InputCoalescer) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *InputCoalescer) flush() {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	data := c.pending
	c.pending = nil
	c.mu.Unlock()

	if len(data) > 0 {
		c.write(data)
	}
}

// Stop cancels the timer and writes whatever is pending right away.
func (c *InputCoalescer) Stop() {
	c.mu.Lock()
	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
	}
	c.mu.Unlock()
	c.flush()
}
