package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"metaprofile.org/internal/obs"
	"metaprofile.org/internal/registry"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

var streamKinds = map[registry.EventKind]bool{
	registry.EventMint:     true,
	registry.EventRemint:   true,
	registry.EventBurn:     true,
	registry.EventLease:    true,
	registry.EventSublease: true,
	registry.EventApproval: true,
}

// eventKinds parses ?kind=mint,lease. An empty list means every kind.
func eventKinds(w http.ResponseWriter, r *http.Request) ([]registry.EventKind, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("kind"))
	if raw == "" {
		return nil, true
	}
	var kinds []registry.EventKind
	for _, part := range strings.Split(raw, ",") {
		kind := registry.EventKind(strings.ToLower(strings.TrimSpace(part)))
		if !streamKinds[kind] {
			badRequest(w, r, "unknown event kind "+string(kind))
			return nil, false
		}
		kinds = append(kinds, kind)
	}
	return kinds, true
}

// Stream handles Server-Sent Events for committed registry events.
func (a *API) Stream(w http.ResponseWriter, r *http.Request) {
	if a.stream == nil {
		writeError(w, r, http.StatusServiceUnavailable, "streaming_disabled", "streaming disabled")
		return
	}

	kinds, ok := eventKinds(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := a.stream.Subscribe(ctx, kinds...)

	// Send an initial comment to establish the stream
	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	for event := range ch {
		payload, err := json.Marshal(event)
		if err != nil {
			continue
		}
		_, _ = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.Seq, event.Kind, payload)
		flusher.Flush()
	}
}

// WebSocket pushes the same events as Stream as JSON text frames.
func (a *API) WebSocket(w http.ResponseWriter, r *http.Request) {
	if a.stream == nil {
		writeError(w, r, http.StatusServiceUnavailable, "streaming_disabled", "streaming disabled")
		return
	}
	kinds, ok := eventKinds(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// Subscribe before the handshake completes so no event is missed.
	ch := a.stream.Subscribe(ctx, kinds...)

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		return
	}
	defer conn.Close()

	// Reader: handles pongs and notices the client going away.
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(event); err != nil {
				obs.Info("websocket write failed", map[string]any{
					"request_id": RequestIDFromContext(r.Context()),
					"error":      err.Error(),
				})
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
