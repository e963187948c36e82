package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// eventStream pushes every bus event to a websocket client. The optional
// types query parameter is a comma list of event types to keep.
func (s *Server) eventStream(c *gin.Context) {
	var keep map[string]bool
	if types := c.Query("types"); types != "" {
		keep = make(map[string]bool)
		for _, t := range strings.Split(types, ",") {
			keep[strings.TrimSpace(t)] = true
		}
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WithField("request_id", c.GetString("request_id")).Error("websocket upgrade failed", err)
		return
	}
	defer ws.Close()

	events, cancel := s.deps.Bus.Subscribe(wsBuffer)
	defer cancel()
	log := s.log.WithField("remote", c.ClientIP())
	log.Info("event stream client connected")

	// the read loop only watches for the client going away
	done := make(chan struct{})
	go func() {
		defer close(done)
		ws.SetReadLimit(512)
		_ = ws.SetReadDeadline(time.Now().Add(wsPongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-done:
			log.Info("event stream client disconnected")
			return
		case <-c.Request.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if keep != nil && !keep[string(ev.Type)] {
				continue
			}
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			err := ws.WriteJSON(EventMessage{
				ID:   ev.ID,
				Type: string(ev.Type),
				Data: ev.Data,
				Time: ev.Time.Format(time.RFC3339),
			})
			if err != nil {
				log.Warn("event stream write failed")
				return
			}
		case <-ping.C:
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
