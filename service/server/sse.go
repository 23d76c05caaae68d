package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/brojonat/dccwallet/service/metrics"
	"github.com/brojonat/dccwallet/service/notify"
)

const sseKeepalive = 10 * time.Second

// handleStreamNotifications streams notifications as Server-Sent Events.
// An optional jq expression in ?filter= selects which notifications are sent.
// GET /api/v1/stream/notifications
func handleStreamNotifications(broker *notify.Broker, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		filter, err := notify.CompileFilter(r.URL.Query().Get("filter"))
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		events, cancel := broker.Subscribe(filter)
		defer cancel()

		m.RecordSSEConnectionChange(1)
		defer m.RecordSSEConnectionChange(-1)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		logger.DebugContext(r.Context(), "SSE client connected",
			"filter", filter.String(),
			"remote_addr", r.RemoteAddr,
		)

		fmt.Fprintf(w, "event: connected\ndata: {\"filter\":%q}\n\n", filter.String())
		flusher.Flush()

		keepalive := time.NewTicker(sseKeepalive)
		defer keepalive.Stop()

		for {
			select {
			case <-keepalive.C:
				fmt.Fprintf(w, ": keepalive\n\n")
				flusher.Flush()

			case n, ok := <-events:
				if !ok {
					// broker closed
					return
				}
				data, err := json.Marshal(n)
				if err != nil {
					logger.WarnContext(r.Context(), "failed to marshal notification", "error", err)
					continue
				}
				fmt.Fprintf(w, "id: %s\nevent: notification\ndata: %s\n\n", n.ID, data)
				flusher.Flush()

			case <-r.Context().Done():
				logger.DebugContext(r.Context(), "SSE client disconnected", "remote_addr", r.RemoteAddr)
				return
			}
		}
	})
}

// handleRecentNotifications returns the most recent notifications, newest
// last. ?limit= caps the count.
// GET /api/v1/notifications
func handleRecentNotifications(broker *notify.Broker) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit := 0
		if s := r.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 0 {
				writeError(w, "limit must be a non-negative integer", http.StatusBadRequest)
				return
			}
			limit = n
		}
		writeJSON(w, broker.Recent(limit), http.StatusOK)
	})
}
