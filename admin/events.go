package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/modelrelay/modelrelay/realtime/ws"
)

var errNoRelay = errors.New("admin: relay must be configured")

// event is one frame on the /api/events stream.
type event struct {
	Type      string               `json:"type"`
	Timestamp string               `json:"timestamp"`
	Clients   []clientInfoResponse `json:"clients"`
	Stats     any                  `json:"stats"`
}

// handleEvents streams registry snapshots over a websocket at a fixed
// cadence until the consumer goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	c, err := ws.Upgrade(w, r, ws.UpgraderOptions{
		CheckOrigin: s.checkOrigin(),
	})
	if err != nil {
		return
	}
	defer c.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The consumer never sends data; the read loop only notices the close.
	go func() {
		defer cancel()
		for {
			if _, _, err := c.ReadMessage(ctx); err != nil {
				return
			}
		}
	}()

	t := time.NewTicker(s.cfg.EventInterval)
	defer t.Stop()
	for {
		if err := s.writeSnapshot(ctx, c); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (s *Server) writeSnapshot(ctx context.Context, c *ws.Conn) error {
	views := s.cfg.Relay.Registry().Snapshot()
	clients := make([]clientInfoResponse, 0, len(views))
	for _, v := range views {
		clients = append(clients, clientResponse(v))
	}
	b, err := json.Marshal(event{
		Type:      "snapshot",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Clients:   clients,
		Stats:     s.cfg.Relay.Stats(),
	})
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return c.WriteMessage(wctx, websocket.TextMessage, b)
}

func (s *Server) checkOrigin() func(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return func(*http.Request) bool { return true }
	}
	return ws.NewOriginChecker(s.cfg.AllowedOrigins, true)
}
