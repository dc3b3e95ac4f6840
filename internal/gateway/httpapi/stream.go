package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/mlinzi/internal/domain"
)

const streamWriteTimeout = 10 * time.Second

// handleEventStream upgrades the connection to WebSocket and tails a
// topic live. An optional replay query parameter sends that many recent
// events before the live feed starts.
func (g *Gateway) handleEventStream(w http.ResponseWriter, r *http.Request) {
	// Authenticate via token query param or bearer header; the route sits
	// outside the /v1 group middleware.
	if g.config.AuthToken != "" {
		token := r.URL.Query().Get("token")
		if token == "" {
			token = r.Header.Get("Authorization")
			if len(token) > 7 && token[:7] == "Bearer " {
				token = token[7:]
			}
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(g.config.AuthToken)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	topic := r.URL.Query().Get("topic")
	if topic == "" {
		http.Error(w, "topic query parameter is required", http.StatusBadRequest)
		return
	}

	replay := 0
	if raw := r.URL.Query().Get("replay"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "replay must be a non-negative integer", http.StatusBadRequest)
			return
		}
		replay = n
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	ctx := r.Context()

	// Catch-up before the live feed.
	if replay > 0 {
		recent, err := g.bus.ReadRecent(ctx, topic, replay)
		if err != nil {
			conn.Close(websocket.StatusInternalError, "replay failed")
			return
		}
		for _, ev := range recent {
			if err := g.writeEvent(ctx, conn, ev); err != nil {
				return
			}
		}
	}

	// Live feed: the subscriber handler forwards into a channel owned by
	// this request; the bus keeps FIFO order per subscriber.
	feed := make(chan *domain.Event, 64)
	sub, err := g.bus.Subscribe(topic, func(ev *domain.Event) {
		select {
		case feed <- ev:
		case <-ctx.Done():
		}
	})
	if err != nil {
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer g.bus.Unsubscribe(sub)

	g.logger.Info("event stream opened",
		slog.String("topic", topic),
		slog.String("subscription_id", sub.ID.String()),
	)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-feed:
			if err := g.writeEvent(ctx, conn, ev); err != nil {
				if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
					g.logger.Debug("event stream write failed", slog.String("error", err.Error()))
				}
				return
			}
		}
	}
}

func (g *Gateway) writeEvent(ctx context.Context, conn *websocket.Conn, ev *domain.Event) error {
	data, err := json.Marshal(toEventResponse(ev))
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
