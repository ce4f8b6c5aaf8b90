package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/gluk-w/claworc/droplet-panel/internal/config"
	"github.com/gluk-w/claworc/droplet-panel/internal/eventstream"
	"github.com/gluk-w/claworc/droplet-panel/internal/sshterminal"
	"github.com/go-chi/chi/v5"
)

// wsPingTimeout bounds one keep-alive ping round trip.
const wsPingTimeout = 10 * time.Second

// wsClientMsg is a text frame from the browser. Binary frames carry raw input.
type wsClientMsg struct {
	Type string      `json:"type"`
	Data string      `json:"data"`
	Cols interface{} `json:"cols"`
	Rows interface{} `json:"rows"`
}

// wsSink writes session output as binary frames and keep-alives as pings.
type wsSink struct {
	conn *websocket.Conn
	ctx  context.Context
}

func (s *wsSink) WriteData(p []byte) error {
	return s.conn.Write(s.ctx, websocket.MessageBinary, p)
}

func (s *wsSink) WriteKeepalive() error {
	ctx, cancel := context.WithTimeout(s.ctx, wsPingTimeout)
	defer cancel()
	return s.conn.Ping(ctx)
}

// SessionWS attaches a WebSocket viewer to an existing session. Output is sent
// as binary frames; the client sends input as binary frames or as text frames
// of the form {"type":"input","data":...} and {"type":"resize","cols":...,"rows":...}.
// GET /api/v1/ssh/sessions/{id}/ws
func SessionWS(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := Sessions.Get(id); !ok {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}

	clientConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("Failed to accept session websocket: %v", err)
		return
	}
	defer clientConn.CloseNow()
	clientConn.SetReadLimit(sshterminal.MaxInputMessageSize + 4096)

	viewer := viewerID(r.URL.Query().Get("viewer"))
	stream := eventstream.NewStream(0)
	stream.Deliver([]byte(eventstream.ConnectedNotice))
	if !Sessions.Subscribe(id, stream, true) {
		clientConn.Close(4004, "Session not found")
		return
	}
	defer func() {
		Sessions.RemoveSubscriber(id, stream)
		Sessions.ReleaseViewer(id, viewer)
		log.Printf("[sessions] WS viewer %s detached from %s", viewer, id)
	}()
	log.Printf("[sessions] WS viewer %s attached to %s", viewer, id)

	relayCtx, relayCancel := context.WithCancel(r.Context())
	defer relayCancel()

	// Session -> browser
	outputDone := make(chan struct{})
	go func() {
		defer close(outputDone)
		err := stream.Run(relayCtx, config.Cfg.StreamKeepalive, &wsSink{conn: clientConn, ctx: relayCtx})
		if err == nil {
			clientConn.Close(websocket.StatusNormalClosure, "session closed")
			return
		}
		relayCancel()
	}()

	// Browser -> session
	for {
		msgType, data, err := clientConn.Read(relayCtx)
		if err != nil {
			break
		}
		if !handleWSMessage(id, viewer, msgType, data) {
			break
		}
	}

	relayCancel()
	<-outputDone
	clientConn.Close(websocket.StatusNormalClosure, "")
}

// handleWSMessage applies one client frame. It returns false when the session
// is gone and the connection should end.
func handleWSMessage(id, viewer string, msgType websocket.MessageType, data []byte) bool {
	if msgType == websocket.MessageBinary {
		return writeWSInput(id, viewer, data)
	}

	var msg wsClientMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return true
	}
	switch msg.Type {
	case "input":
		return writeWSInput(id, viewer, []byte(msg.Data))
	case "resize":
		return !errors.Is(Sessions.Resize(id, dimension(msg.Cols), dimension(msg.Rows)), sshterminal.ErrNotFound)
	}
	return true
}

func writeWSInput(id, viewer string, data []byte) bool {
	_, err := Sessions.WriteInput(id, viewer, data)
	switch {
	case errors.Is(err, sshterminal.ErrNotFound):
		return false
	case err != nil:
		log.Printf("[sessions] WS input dropped for %s: %v", id, err)
	}
	return true
}
