package controller

import (
	"context"
	"log"
	"net/http"
	"time"

	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/kilnd/kiln/internal/bus"
)

// wsSubscriberBuffer bounds how far a socket may lag before messages are
// dropped for it.
const wsSubscriberBuffer = 256

// handleWS upgrades the connection and streams bus messages for one topic.
// Default topic is the project-wide run feed; ?run_id=X follows a single
// run's updates and log lines instead.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	topic := bus.TopicRuns
	if runID := r.URL.Query().Get("run_id"); runID != "" {
		if _, err := s.sched.GetRun(runID); err != nil {
			writeError(w, err)
			return
		}
		topic = bus.RunTopic(runID)
	}
	projectID := r.URL.Query().Get("project_id")

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		log.Printf("Server: websocket accept failed: %v", err)
		return
	}
	defer c.CloseNow()

	sub := s.bus.Subscribe(topic, projectID, wsSubscriberBuffer)
	defer s.bus.Unsubscribe(sub)

	ctx := r.Context()
	go s.readClientMessages(ctx, c)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, c, msg)
			cancel()
			if err != nil {
				if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
					log.Printf("Server: websocket write to %s failed: %v", r.RemoteAddr, err)
				}
				return
			}
		}
	}
}

// readClientMessages drains the inbound side so pings get answered and
// close frames are noticed. Reads are rate limited; a client has no reason
// to chat faster than this.
func (s *Server) readClientMessages(ctx context.Context, c *websocket.Conn) {
	limiter := rate.NewLimiter(rate.Every(100*time.Millisecond), 10)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		var msg map[string]any
		if err := wsjson.Read(ctx, c, &msg); err != nil {
			return
		}
		if msg["type"] == "ping" {
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, c, map[string]string{"type": "pong"})
			cancel()
			if err != nil {
				return
			}
		}
	}
}
