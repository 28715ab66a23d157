package notify

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashureev/outreach/internal/domain"
)

// StreamOptions tunes the SSE and WebSocket handlers.
type StreamOptions struct {
	RetryDelay        time.Duration
	KeepaliveInterval time.Duration
}

func (o StreamOptions) withDefaults() StreamOptions {
	if o.RetryDelay <= 0 {
		o.RetryDelay = 5 * time.Second
	}
	if o.KeepaliveInterval <= 0 {
		o.KeepaliveInterval = 10 * time.Second
	}
	return o
}

// lastEventID reads the Last-Event-ID header or the lastEventId query parameter.
func lastEventID(r *http.Request) int64 {
	idHeader := r.Header.Get("Last-Event-ID")
	if idHeader == "" {
		idHeader = r.URL.Query().Get("lastEventId")
	}
	if idHeader == "" {
		return 0
	}
	parsed, err := strconv.ParseInt(idHeader, 10, 64)
	if err != nil {
		return 0
	}
	return parsed
}

// ServeSSE streams the events of key as server-sent events, replaying buffered events newer
// than the client's Last-Event-ID first.
func (h *Hub) ServeSSE(w http.ResponseWriter, r *http.Request, key domain.TenantKey, opts StreamOptions) {
	opts = opts.withDefaults()

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error": "streaming not supported"}`, http.StatusInternalServerError)
		return
	}

	after := lastEventID(r)
	if after > 0 {
		slog.Info("SSE client reconnecting with Last-Event-ID",
			"user_id", key.UserID,
			"campaign_id", key.CampaignID,
			"last_event_id", after)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if _, err := io.WriteString(w, fmt.Sprintf("retry: %d\n\n", opts.RetryDelay.Milliseconds())); err != nil {
		slog.Warn("failed to write SSE retry header", "error", err, "user_id", key.UserID)
		return
	}
	flusher.Flush()

	missed, sub := h.Subscribe(key, after)
	defer sub.Close()

	for _, ev := range missed {
		if err := writeEvent(w, ev); err != nil {
			return
		}
	}
	if err := writeSSE(w, "connected", fmt.Sprintf(`{"status":"connected","campaign_id":%q}`, key.CampaignID)); err != nil {
		slog.Warn("failed to write SSE connected event", "error", err, "user_id", key.UserID)
		return
	}
	flusher.Flush()

	slog.Info("SSE connection established",
		"user_id", key.UserID,
		"campaign_id", key.CampaignID,
		"replayed", len(missed))

	keepalive := time.NewTicker(opts.KeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			slog.Info("SSE stream disconnected", "user_id", key.UserID, "campaign_id", key.CampaignID)
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				slog.Warn("failed to write SSE event", "error", err, "user_id", key.UserID)
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if err := writeSSE(w, "ping", `{"status":"alive"}`); err != nil {
				slog.Warn("failed to write SSE keepalive ping", "error", err, "user_id", key.UserID)
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w io.Writer, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("Failed to marshal SSE event", "error", err, "event_id", ev.ID)
		return nil
	}
	return writeSSEWithID(w, ev.ID, string(ev.Type), string(data))
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
