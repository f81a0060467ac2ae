package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/trymwestin/smartgrade/internal/core/state"
)

const (
	wsSendBuffer = 64
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Cross-origin policy is the CORS setting's job.
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// frameEncoder turns a bus event into one websocket frame.
type frameEncoder func(state.Event) (int, []byte, error)

func encodeJSON(evt state.Event) (int, []byte, error) {
	data, err := json.Marshal(evt)
	return websocket.TextMessage, data, err
}

// encodeProto sends the event as a binary google.protobuf.Struct with the
// same field names as the JSON form.
func encodeProto(evt state.Event) (int, []byte, error) {
	raw, err := json.Marshal(evt)
	if err != nil {
		return 0, nil, err
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return 0, nil, err
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return 0, nil, fmt.Errorf("httpapi: struct conversion: %w", err)
	}
	data, err := proto.Marshal(st)
	return websocket.BinaryMessage, data, err
}

// handleEvents streams bus events over a websocket. Every current snapshot
// is sent first so a client starts from a complete picture.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var encode frameEncoder
	switch format := r.URL.Query().Get("format"); format {
	case "", "json":
		encode = encodeJSON
	case "proto":
		encode = encodeProto
	default:
		s.writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("unknown format %q", format))
		return
	}

	// Subscribe before the snapshot dump so nothing falls in between.
	events, unsubscribe := s.coord.Subscribe(wsSendBuffer)
	defer unsubscribe()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	log := s.log.With("remote", r.RemoteAddr)
	log.Debug("event stream opened")

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(evt state.Event) bool {
		kind, data, err := encode(evt)
		if err != nil {
			log.Warn("event encoding failed", "event_type", evt.Type, "error", err)
			return true
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteMessage(kind, data); err != nil {
			log.Debug("event stream write failed", "error", err)
			return false
		}
		return true
	}

	now := time.Now()
	for _, snap := range s.coord.Snapshots() {
		evt := state.Event{Type: state.EventSnapshotUpdated, Timestamp: now, DeviceID: snap.Device.ID, Data: snap}
		if !send(evt) {
			return
		}
	}

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return
			}
			if !send(evt) {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			log.Debug("event stream closed by client")
			return
		case <-s.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(wsWriteWait))
			return
		}
	}
}
