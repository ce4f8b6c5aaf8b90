package sshterminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/ssh"
)

// DefaultTermType is the terminal type requested for every PTY.
const DefaultTermType = "xterm-256color"

// readBufferSize is the largest chunk handed to the session in one event.
const readBufferSize = 32 * 1024

// ChannelState is the lifecycle state of a RemoteChannel.
type ChannelState int32

const (
	StateConnecting ChannelState = iota
	StateReady
	StateClosed
)

func (s ChannelState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("ChannelState(%d)", int32(s))
}

// ChannelEvent is one item of a channel's ordered output stream. Err is set
// for read failures; the stream ends (the Go channel is closed) when the
// remote side closes.
type ChannelEvent struct {
	Data []byte
	Err  error
}

// Shell is the PTY-backed channel a session owns.
type Shell interface {
	Write(p []byte) (int, error)
	Resize(cols, rows int) error
	// Events yields output in the order it was read and is closed once the
	// channel is gone.
	Events() <-chan ChannelEvent
	Close() error
}

// Dialer opens an authenticated SSH connection. *sshproxy.Dialer satisfies it.
type Dialer interface {
	Dial(ctx context.Context, host, user string) (*ssh.Client, error)
}

// PTYOptions describes the pseudo-terminal requested for a shell.
type PTYOptions struct {
	Term string
	Cols int
	Rows int
}

// RemoteChannel is a Shell backed by an SSH session with a PTY. It owns both
// the session and the client connection.
type RemoteChannel struct {
	host    string
	state   atomic.Int32
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	events  chan ChannelEvent

	closeOnce sync.Once
}

// OpenChannel dials host as user, requests a PTY and starts a login shell.
// Failures are returned as *ConnectionError and leave nothing open.
func OpenChannel(ctx context.Context, d Dialer, host, user string, pty PTYOptions) (*RemoteChannel, error) {
	ch := &RemoteChannel{host: host, events: make(chan ChannelEvent, 64)}
	ch.state.Store(int32(StateConnecting))

	fail := func(stage string, err error, closers ...io.Closer) (*RemoteChannel, error) {
		for _, c := range closers {
			c.Close()
		}
		ch.state.Store(int32(StateClosed))
		return nil, &ConnectionError{Host: host, Stage: stage, Err: err}
	}

	if d == nil {
		return fail("dial", errors.New("no SSH dialer configured"))
	}
	client, err := d.Dial(ctx, host, user)
	if err != nil {
		return fail("dial", err)
	}

	session, err := client.NewSession()
	if err != nil {
		return fail("open session", err, client)
	}

	term := pty.Term
	if term == "" {
		term = DefaultTermType
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty(term, pty.Rows, pty.Cols, modes); err != nil {
		return fail("request pty", err, session, client)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		return fail("stdin pipe", err, session, client)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		return fail("stdout pipe", err, session, client)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		return fail("stderr pipe", err, session, client)
	}

	if err := session.Shell(); err != nil {
		return fail("start shell", err, session, client)
	}

	ch.client = client
	ch.session = session
	ch.stdin = stdin
	ch.state.Store(int32(StateReady))

	var readers sync.WaitGroup
	readers.Add(2)
	go ch.read(stdout, &readers)
	go ch.read(stderr, &readers)
	go func() {
		readers.Wait()
		ch.state.Store(int32(StateClosed))
		close(ch.events)
	}()

	return ch, nil
}

func (ch *RemoteChannel) read(r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, readBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			ch.events <- ChannelEvent{Data: data}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && ch.State() != StateClosed {
				ch.events <- ChannelEvent{Err: err}
			}
			return
		}
	}
}

// State reports where the channel is in its lifecycle.
func (ch *RemoteChannel) State() ChannelState {
	return ChannelState(ch.state.Load())
}

// Events implements Shell.
func (ch *RemoteChannel) Events() <-chan ChannelEvent {
	return ch.events
}

// Write sends input to the remote shell.
func (ch *RemoteChannel) Write(p []byte) (int, error) {
	if ch.State() != StateReady {
		return 0, io.ErrClosedPipe
	}
	return ch.stdin.Write(p)
}

// Resize changes the PTY window.
func (ch *RemoteChannel) Resize(cols, rows int) error {
	if ch.State() != StateReady {
		return io.ErrClosedPipe
	}
	return ch.session.WindowChange(rows, cols)
}

// Close marks the channel closed and tears down the session and connection
// in the background so an unresponsive host cannot stall the caller.
func (ch *RemoteChannel) Close() error {
	ch.closeOnce.Do(func() {
		ch.state.Store(int32(StateClosed))
		go func() {
			if err := ch.session.Close(); err != nil && !errors.Is(err, io.EOF) {
				log.Printf("[sshterminal] close session on %s: %v", ch.host, err)
			}
			ch.client.Close()
		}()
	})
	return nil
}
