package notify

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ashureev/outreach/internal/domain"
)

const wsWriteTimeout = 5 * time.Second

// ServeWS streams the events of key over a WebSocket as JSON text messages. The client may
// pass lastEventId to receive buffered events first. Messages from the client are ignored.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, key domain.TenantKey, originPatterns []string) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns,
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", key.UserID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", key.UserID)
		}
	}()

	// CloseRead handles control frames and cancels ctx once the peer goes away.
	ctx := ws.CloseRead(r.Context())

	missed, sub := h.Subscribe(key, lastEventID(r))
	defer sub.Close()

	slog.Info("WebSocket stream connected",
		"user_id", key.UserID,
		"campaign_id", key.CampaignID,
		"replayed", len(missed))

	for _, ev := range missed {
		if err := writeJSON(ctx, ws, ev); err != nil {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("WebSocket stream disconnected", "user_id", key.UserID, "campaign_id", key.CampaignID)
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if err := writeJSON(ctx, ws, ev); err != nil {
				slog.Debug("WebSocket write error", "error", err, "user_id", key.UserID)
				return
			}
		}
	}
}

func writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, ws, v)
}
