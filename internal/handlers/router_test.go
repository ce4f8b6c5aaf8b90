package handlers

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gluk-w/claworc/droplet-panel/internal/sshproxy"
	"github.com/gluk-w/claworc/droplet-panel/internal/sshterminal"
	"github.com/gluk-w/claworc/droplet-panel/internal/sshtest"
	"github.com/go-chi/chi/v5"
)

func newTestRouter() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", HealthCheck)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/server-logs", GetServerLogs)
		r.Delete("/server-logs", ClearServerLogs)

		r.Get("/proxy", CloudProxy)
		r.Get("/droplets", ListDroplets)
		r.Post("/droplets", CreateDroplet)
		r.Get("/droplets/{id}", GetDroplet)
		r.Delete("/droplets/{id}", DeleteDroplet)
		r.Get("/droplets/{id}/wait", WaitDroplet)

		r.Post("/ssh/exec", SSHExec)
		r.Post("/ssh/setup-user", SetupUser)
		r.Post("/ssh/upload-script", UploadScript)
		r.Post("/ssh/run-script", RunScript)

		r.Get("/ssh/sessions", ListSessions)
		r.Post("/ssh/sessions", CreateSession)
		r.Get("/ssh/sessions/{id}", GetSession)
		r.Delete("/ssh/sessions/{id}", DeleteSession)
		r.Get("/ssh/sessions/{id}/events", SessionEvents)
		r.Get("/ssh/sessions/{id}/ws", SessionWS)
		r.Post("/ssh/sessions/{id}/input", SessionInput)
		r.Post("/ssh/sessions/{id}/resize", SessionResize)
		r.Get("/ssh/sessions/{id}/recording", SessionRecording)
	})
	return r
}

func testDialer(srv *sshtest.Server) *sshproxy.Dialer {
	return &sshproxy.Dialer{
		Signer:    srv.ClientSigner,
		Port:      srv.Port,
		Timeout:   5 * time.Second,
		Keepalive: -1,
	}
}

// setupSessions installs a fresh registry connected to srv. A nil srv leaves
// the registry without a dialer.
func setupSessions(t *testing.T, srv *sshtest.Server, recording bool) {
	t.Helper()
	opts := sshterminal.Options{
		InputDebounce:  10 * time.Millisecond,
		ScrollbackSize: 4096,
		Recording:      recording,
	}
	if srv != nil {
		opts.Dialer = testDialer(srv)
	}
	old := Sessions
	Sessions = sshterminal.NewRegistry(opts)
	t.Cleanup(func() {
		Sessions.CloseAll()
		Sessions = old
	})
}

func doRequest(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rdr = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rdr = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rdr)
	if rdr != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
}

func errorDetail(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	decodeBody(t, w, &body)
	return body["detail"]
}

// sseReader yields the decoded data payloads of an event stream.
type sseReader struct {
	t  *testing.T
	br *bufio.Reader
}

func newSSEReader(t *testing.T, r io.Reader) *sseReader {
	return &sseReader{t: t, br: bufio.NewReader(r)}
}

// next returns the next data event, skipping comments. ok is false at EOF.
func (s *sseReader) next() (string, bool) {
	s.t.Helper()
	for {
		line, err := s.br.ReadString('\n')
		if err != nil {
			return "", false
		}
		line = strings.TrimRight(line, "\n")
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var data string
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &data); err != nil {
			s.t.Fatalf("decode event %q: %v", line, err)
		}
		return data, true
	}
}

// until reads events until their concatenation contains want.
func (s *sseReader) until(want string) string {
	s.t.Helper()
	var got strings.Builder
	for {
		data, ok := s.next()
		if !ok {
			s.t.Fatalf("stream ended before %q, got %q", want, got.String())
		}
		got.WriteString(data)
		if strings.Contains(got.String(), want) {
			return got.String()
		}
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
