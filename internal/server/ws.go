package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	progressWSWriteWait  = 10 * time.Second
	progressWSPongWait   = 60 * time.Second
	progressWSPingEvery  = (progressWSPongWait * 9) / 10
	progressWSBufferSize = 256
)

var progressWSUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// handleProgressWS streams events as JSON text frames. ?run_id= narrows the
// stream to one run (or batch) and replays its retained history first.
func (h *Handler) handleProgressWS(w http.ResponseWriter, r *http.Request) {
	if h.deps.Broker == nil {
		writeError(w, http.StatusServiceUnavailable, "progress streaming is not configured")
		return
	}
	runID := strings.TrimSpace(r.URL.Query().Get("run_id"))

	conn, err := progressWSUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	if h.deps.Metrics != nil {
		h.deps.Metrics.WSConnectionsActive.Inc()
		defer h.deps.Metrics.WSConnectionsActive.Dec()
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := conn.SetReadDeadline(time.Now().Add(progressWSPongWait)); err != nil {
		h.log.Warn("progress ws set read deadline failed", "err", err)
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(progressWSPongWait))
	})

	// Reader: only needed to process pongs and notice the client closing.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	events, unsubscribe := h.deps.Broker.Subscribe(runID, progressWSBufferSize)
	defer unsubscribe()

	ticker := time.NewTicker(progressWSPingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(progressWSWriteWait))
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := conn.SetWriteDeadline(time.Now().Add(progressWSWriteWait)); err != nil {
				return
			}
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(progressWSWriteWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
