package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/windrift/scavenger-miner/internal/eventbus"
	"github.com/windrift/scavenger-miner/internal/util"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsEventMessage is the wire shape pushed to WebSocket event subscribers, the same
// topic/event pairing the SSE transport sends.
type wsEventMessage struct {
	Topic string         `json:"topic"`
	Event eventbus.Event `json:"event"`
}

// handleEventsWS is the WebSocket alternate to handleEvents: same topic set, push-only.
// Kept alongside SSE because some consumers (browser EventSource polyfills, some UI
// frameworks) prefer a plain duplex socket over chunked HTTP.
func (s *Server) handleEventsWS(c *gin.Context) {
	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		util.Warnf("api: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	subs := make([]*eventbus.Subscription, len(streamTopics))
	for i, topic := range streamTopics {
		subs[i] = s.bus.Subscribe(topic)
	}
	defer func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	out := make(chan sseMessage, 64)
	for i, topic := range streamTopics {
		go relaySubscription(ctx, topic, subs[i], out)
	}

	// The protocol is push-only, but the read pump still has to drain the socket to
	// notice close frames and client-initiated disconnects.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	var writeMu sync.Mutex
	ticker := time.NewTicker(eventHeartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			writeMu.Unlock()
			if err != nil {
				return
			}
		case msg := <-out:
			writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			err := conn.WriteJSON(wsEventMessage{Topic: msg.topic, Event: msg.event})
			writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
