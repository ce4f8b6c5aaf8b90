// Package sshtest runs an in-process SSH server for tests that exercise real
// x/crypto/ssh clients: PTY allocation, window changes, shells and exec.
package sshtest

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gluk-w/claworc/droplet-panel/internal/sshkeys"
	"golang.org/x/crypto/ssh"
)

// Size is a terminal geometry reported by the client.
type Size struct {
	Cols uint32
	Rows uint32
}

// Handler customises how the server answers session requests.
type Handler struct {
	// Shell runs when the client starts a shell. The channel is closed with
	// exit status 0 when it returns. Defaults to Echo.
	Shell func(s *Session)
	// Exec runs a command and returns its exit status. Defaults to exiting 0
	// without output.
	Exec func(s *Session, cmd string) uint32
	// RejectPTY makes pty-req fail.
	RejectPTY bool
}

// Session is the server side of one client session channel.
type Session struct {
	ssh.Channel

	mu      sync.Mutex
	term    string
	size    Size
	hasPTY  bool
	resizes []Size
	resized chan Size
}

// PTY returns the terminal type and initial geometry requested by the client.
func (s *Session) PTY() (term string, size Size, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.term, s.size, s.hasPTY
}

// Resizes returns every window-change received so far.
func (s *Session) Resizes() []Size {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Size(nil), s.resizes...)
}

// WaitResize blocks until the next window-change or the timeout.
func (s *Session) WaitResize(t testing.TB, timeout time.Duration) Size {
	t.Helper()
	select {
	case sz := <-s.resized:
		return sz
	case <-time.After(timeout):
		t.Fatalf("timeout waiting for window-change")
		return Size{}
	}
}

// Echo writes a banner and then echoes every read back prefixed with
// "echo:".
func Echo(s *Session) {
	s.Write([]byte("ready\r\n"))
	buf := make([]byte, 4096)
	for {
		n, err := s.Read(buf)
		if n > 0 {
			s.Write(append([]byte("echo:"), buf[:n]...))
		}
		if err != nil {
			return
		}
	}
}

// Server is a running test SSH server listening on 127.0.0.1.
type Server struct {
	Host string
	Port int
	// ClientSigner is the only identity the server accepts.
	ClientSigner ssh.Signer

	handler  Handler
	sessions chan *Session
}

// Start launches a server and registers its shutdown with t.Cleanup.
func Start(t testing.TB, h Handler) *Server {
	t.Helper()

	_, hostKeyPEM, err := sshkeys.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := sshkeys.ParsePrivateKey(hostKeyPEM)
	if err != nil {
		t.Fatalf("parse host key: %v", err)
	}
	_, clientKeyPEM, err := sshkeys.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate client key: %v", err)
	}
	clientSigner, err := sshkeys.ParsePrivateKey(clientKeyPEM)
	if err != nil {
		t.Fatalf("parse client key: %v", err)
	}

	authorized := ssh.FingerprintSHA256(clientSigner.PublicKey())
	config := &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if ssh.FingerprintSHA256(key) == authorized {
				return &ssh.Permissions{}, nil
			}
			return nil, errUnknownKey
		},
	}
	config.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	if h.Shell == nil {
		h.Shell = Echo
	}

	srv := &Server{
		Host:         "127.0.0.1",
		Port:         listener.Addr().(*net.TCPAddr).Port,
		ClientSigner: clientSigner,
		handler:      h,
		sessions:     make(chan *Session, 16),
	}

	var wg sync.WaitGroup
	var connsMu sync.Mutex
	var conns []net.Conn
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			netConn, err := listener.Accept()
			if err != nil {
				return
			}
			connsMu.Lock()
			conns = append(conns, netConn)
			connsMu.Unlock()
			go srv.handleConn(netConn, config)
		}
	}()

	t.Cleanup(func() {
		listener.Close()
		connsMu.Lock()
		for _, c := range conns {
			c.Close()
		}
		connsMu.Unlock()
		wg.Wait()
	})
	return srv
}

// Client dials the server with ClientSigner.
func (srv *Server) Client(t testing.TB, user string) *ssh.Client {
	t.Helper()
	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(srv.ClientSigner)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	}
	client, err := ssh.Dial("tcp", net.JoinHostPort(srv.Host, itoa(srv.Port)), cfg)
	if err != nil {
		t.Fatalf("dial SSH server: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

// NextSession returns the next session channel opened by any client.
func (srv *Server) NextSession(t testing.TB, timeout time.Duration) *Session {
	t.Helper()
	select {
	case s := <-srv.sessions:
		return s
	case <-time.After(timeout):
		t.Fatalf("timeout waiting for SSH session")
		return nil
	}
}

func (srv *Server) handleConn(netConn net.Conn, config *ssh.ServerConfig) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, config)
	if err != nil {
		netConn.Close()
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		s := &Session{Channel: ch, resized: make(chan Size, 16)}
		select {
		case srv.sessions <- s:
		default:
		}
		go srv.handleSession(s, requests)
	}
}

func (srv *Server) handleSession(s *Session, requests <-chan *ssh.Request) {
	for req := range requests {
		switch req.Type {
		case "pty-req":
			var p struct {
				Term    string
				Columns uint32
				Rows    uint32
				Width   uint32
				Height  uint32
				Modes   string
			}
			if srv.handler.RejectPTY || ssh.Unmarshal(req.Payload, &p) != nil {
				req.Reply(false, nil)
				continue
			}
			s.mu.Lock()
			s.term, s.size, s.hasPTY = p.Term, Size{Cols: p.Columns, Rows: p.Rows}, true
			s.mu.Unlock()
			req.Reply(true, nil)

		case "window-change":
			var p struct {
				Columns uint32
				Rows    uint32
				Width   uint32
				Height  uint32
			}
			if ssh.Unmarshal(req.Payload, &p) == nil {
				sz := Size{Cols: p.Columns, Rows: p.Rows}
				s.mu.Lock()
				s.size = sz
				s.resizes = append(s.resizes, sz)
				s.mu.Unlock()
				select {
				case s.resized <- sz:
				default:
				}
			}
			if req.WantReply {
				req.Reply(true, nil)
			}

		case "shell":
			req.Reply(true, nil)
			go func() {
				srv.handler.Shell(s)
				exit(s, 0)
			}()

		case "exec":
			var p struct{ Command string }
			if ssh.Unmarshal(req.Payload, &p) != nil {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			go func() {
				var code uint32
				if srv.handler.Exec != nil {
					code = srv.handler.Exec(s, p.Command)
				}
				exit(s, code)
			}()

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func exit(s *Session, code uint32) {
	s.CloseWrite()
	s.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{code}))
	s.Close()
}
