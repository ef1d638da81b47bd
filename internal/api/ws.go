package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	report_websocket = "api.websocket"
	wsWriteTimeout   = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// streamRuns pushes every finished run of a target to the client as json.
// A text message "ping" is answered with "pong".
func (s Server) streamRuns(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	_, err := s.opts.Registry.Get(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.tel.ReportWarning(report_websocket, err, id)
		return
	}
	defer ws.Close()

	runs, unsubscribe := s.opts.Scheduler.Subscribe(id)
	defer unsubscribe()

	pings := make(chan struct{}, 1)
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			kind, msg, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if kind == websocket.TextMessage && string(msg) == "ping" {
				select {
				case pings <- struct{}{}:
				default:
				}
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-pings:
			ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			err = ws.WriteMessage(websocket.TextMessage, []byte("pong"))
		case run, ok := <-runs:
			if !ok {
				return
			}
			ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			err = ws.WriteJSON(run)
		}
		if err != nil {
			s.tel.ReportDebug("websocket write failed", id, err)
			return
		}
	}
}
