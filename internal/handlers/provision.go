package handlers

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/gluk-w/claworc/droplet-panel/internal/config"
	"github.com/gluk-w/claworc/droplet-panel/internal/logging"
	"github.com/gluk-w/claworc/droplet-panel/internal/provision"
)

// Provisioner runs one-shot provisioning actions, set in main.
var Provisioner *provision.Runner

type execRequest struct {
	Host    string `json:"host"`
	User    string `json:"user"`
	Command string `json:"command"`
}

type hostRequest struct {
	IP string `json:"ip"`
}

// decodeHost reads {"ip": ...} and writes a 400 when it is not an IPv4 address.
func decodeHost(w http.ResponseWriter, r *http.Request) (string, bool) {
	var body hostRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return "", false
	}
	ip := strings.TrimSpace(body.IP)
	if !validIPv4(ip) {
		writeError(w, http.StatusBadRequest, "ip must be a valid IPv4 address")
		return "", false
	}
	return ip, true
}

// SSHExec runs one allow-listed command on a droplet.
func SSHExec(w http.ResponseWriter, r *http.Request) {
	var body execRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	host := strings.TrimSpace(body.Host)
	cmd := strings.TrimSpace(body.Command)
	if host == "" || cmd == "" {
		writeError(w, http.StatusBadRequest, "host and command are required")
		return
	}
	if !validIPv4(host) {
		writeError(w, http.StatusBadRequest, "host must be a valid IPv4 address")
		return
	}
	user := strings.TrimSpace(body.User)
	if user == "" {
		user = config.Cfg.SSHDefaultUser
	}
	if user == "" {
		user = "root"
	}

	res, err := Provisioner.Exec(r.Context(), host, user, cmd)
	if err != nil {
		if errors.Is(err, provision.ErrCommandNotAllowed) {
			writeError(w, http.StatusForbidden, "Command not allowed")
			return
		}
		log.Printf("[provision] exec on %s failed: %v", host, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// SetupUser creates the unprivileged build user on a fresh droplet.
func SetupUser(w http.ResponseWriter, r *http.Request) {
	ip, ok := decodeHost(w, r)
	if !ok {
		return
	}

	res, err := Provisioner.SetupUser(r.Context(), ip)
	if err != nil {
		log.Printf("[provision] setup-user on %s failed: %v", ip, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := http.StatusOK
	if res.ExitCode != 0 {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]interface{}{
		"ok":        res.ExitCode == 0,
		"exit_code": res.ExitCode,
		"stdout":    res.Stdout,
		"stderr":    res.Stderr,
	})
}

// UploadScript copies the provisioning script to the build user's home.
func UploadScript(w http.ResponseWriter, r *http.Request) {
	ip, ok := decodeHost(w, r)
	if !ok {
		return
	}

	remote, err := Provisioner.UploadScript(r.Context(), ip)
	if err != nil {
		log.Printf("[provision] upload to %s failed: %v", ip, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "path": remote})
}

// flushWriter pushes every write to the client immediately.
type flushWriter struct {
	mu sync.Mutex
	w  http.ResponseWriter
	f  http.Flusher
}

func (fw *flushWriter) Write(p []byte) (int, error) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	n, err := fw.w.Write(p)
	if fw.f != nil {
		fw.f.Flush()
	}
	return n, err
}

// RunScript streams the provisioning script's combined output as plain text
// and ends with an [EXIT_CODE=n] trailer.
func RunScript(w http.ResponseWriter, r *http.Request) {
	ip, ok := decodeHost(w, r)
	if !ok {
		return
	}
	if _, err := provision.LoadScript(Provisioner.ScriptPath); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if flusher != nil {
		flusher.Flush()
	}

	out := &flushWriter{w: w, f: flusher}
	code, err := Provisioner.RunScript(r.Context(), ip, out)
	if err != nil {
		log.Printf("[provision] run-script on %s: %v", ip, logging.Sanitize(err.Error()))
		fmt.Fprintf(out, "SSH process error: %v\n", err)
		if code < 0 {
			code = 255
		}
	}
	fmt.Fprintf(out, "\n[EXIT_CODE=%d]\n", code)
}
