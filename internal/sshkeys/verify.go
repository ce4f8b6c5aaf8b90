package sshkeys

import (
	"log"
	"net"
	"sync"

	"golang.org/x/crypto/ssh"
)

// HostKeyLog keeps the most recent host key fingerprint seen per host for the
// lifetime of the process. Droplets are recreated with fresh host keys at the
// same address often enough that a change is logged rather than rejected.
type HostKeyLog struct {
	mu   sync.Mutex
	seen map[string]string
}

// NewHostKeyLog returns an empty fingerprint log.
func NewHostKeyLog() *HostKeyLog {
	return &HostKeyLog{seen: make(map[string]string)}
}

// Callback implements ssh.HostKeyCallback.
func (h *HostKeyLog) Callback(hostname string, remote net.Addr, key ssh.PublicKey) error {
	fp := ssh.FingerprintSHA256(key)

	h.mu.Lock()
	prev, ok := h.seen[hostname]
	h.seen[hostname] = fp
	h.mu.Unlock()

	if ok && prev != fp {
		log.Printf("[sshkeys] WARNING: host key fingerprint changed for %s: was %s, now %s", hostname, prev, fp)
	}
	return nil
}

// Fingerprint returns the last fingerprint recorded for hostname.
func (h *HostKeyLog) Fingerprint(hostname string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fp, ok := h.seen[hostname]
	return fp, ok
}
