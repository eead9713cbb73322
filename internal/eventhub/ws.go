// Copyright 2025 James Ross
package eventhub

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = (wsPongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // CORS is enforced by the HTTP surface's own middleware
}

// ServeWS upgrades r to a WebSocket and streams topic's event feed as
// text frames until the client disconnects or the hub shuts the
// subscription down. Only server-to-client messages carry meaning;
// client pings are answered by gorilla/websocket's default ping
// handler, mirrored here from the reference corpus's own
// subscriber-channel-plus-writer-goroutine websocket hub shape.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, topic string, log *zap.Logger) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	sub := h.Subscribe(topic, 0)
	defer sub.Close()

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	// Drain and discard client frames (pings are handled by gorilla
	// internally); this goroutine's only job is noticing disconnect.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return nil
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				log.Warn("eventhub: ws marshal failed", zap.Error(err))
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return err
			}
			if ev.Kind == KindDropNotice {
				return nil
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		}
	}
}
