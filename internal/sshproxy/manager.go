// Package sshproxy opens authenticated SSH connections to droplets and runs
// one-shot commands over them.
//
// A Dialer holds the panel's private key and connection policy. Every caller
// (the interactive session broker and the provisioning endpoints) gets its own
// *ssh.Client; connections are not pooled because droplets are short-lived and
// addressed by IP rather than by a stable instance ID.
package sshproxy

import (
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
)

const (
	// defaultConnectTimeout matches the ready timeout used for droplet shells.
	defaultConnectTimeout = 15 * time.Second

	// defaultKeepaliveInterval is how often we send keepalive requests.
	defaultKeepaliveInterval = 30 * time.Second
)

// Dialer establishes SSH connections with a fixed identity.
type Dialer struct {
	Signer ssh.Signer
	// Port is the remote SSH port (22 when zero).
	Port int
	// Timeout bounds TCP connect plus handshake.
	Timeout time.Duration
	// Keepalive is the interval between keepalive@openssh.com probes.
	// Negative disables keepalives.
	Keepalive time.Duration
	// HostKeyCallback verifies the remote host key. Nil accepts any key.
	HostKeyCallback ssh.HostKeyCallback
}

// Dial connects to host as user. host must be a bare address; the port comes
// from the Dialer.
func (d *Dialer) Dial(ctx context.Context, host, user string) (*ssh.Client, error) {
	if d.Signer == nil {
		return nil, fmt.Errorf("ssh dial %s: no private key configured", host)
	}

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	port := d.Port
	if port == 0 {
		port = 22
	}
	hostKeyCallback := d.HostKeyCallback
	if hostKeyCallback == nil {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	cfg := &ssh.ClientConfig{
		User: user,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(d.Signer),
		},
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := net.Dialer{}
	netConn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	// NewClientConn has no context parameter; bound the handshake with a
	// deadline and clear it once the connection is up.
	if deadline, ok := dialCtx.Deadline(); ok {
		netConn.SetDeadline(deadline)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	netConn.SetDeadline(time.Time{})

	client := ssh.NewClient(sshConn, chans, reqs)

	interval := d.Keepalive
	if interval == 0 {
		interval = defaultKeepaliveInterval
	}
	if interval > 0 {
		go keepalive(client, addr, interval)
	}

	log.Printf("SSH connected to %s as %s", addr, user)
	return client, nil
}

// keepalive sends periodic keepalive requests so NAT and load-balancer hops
// keep the connection open. It exits when the client is closed.
func keepalive(client *ssh.Client, addr string, interval time.Duration) {
	done := make(chan struct{})
	go func() {
		client.Wait()
		close(done)
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				log.Printf("SSH keepalive failed for %s: %v, closing connection", addr, err)
				client.Close()
				return
			}
		}
	}
}
