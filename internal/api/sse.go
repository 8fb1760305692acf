package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/bioforge-data/emgrip/internal/httputil"
	"github.com/bioforge-data/emgrip/internal/monitoring"
)

// sseKeepalive is how often a comment frame is sent so proxies keep an idle
// stream open.
const sseKeepalive = 15 * time.Second

// streamEvents serves a Server-Sent-Events stream of reading, status, and
// gesture events. The handler subscribes to the link and engine and forwards
// until the client disconnects.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.InternalServerError(w, "streaming unsupported")
		return
	}

	readingID, readings := s.dev.SubscribeReadings()
	defer s.dev.UnsubscribeReadings(readingID)
	statusID, statuses := s.dev.SubscribeStatus()
	defer s.dev.UnsubscribeStatus(statusID)
	gestureID, gestures := s.eng.SubscribeGestures()
	defer s.eng.UnsubscribeGestures(gestureID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case reading, open := <-readings:
			if !open {
				return
			}
			writeSSE(w, "reading", readingResponse{
				Values:   reading.Values,
				Channels: reading.Channels(),
				At:       reading.At,
			})
			flusher.Flush()

		case ev, open := <-statuses:
			if !open {
				return
			}
			writeSSE(w, "status", ev)
			flusher.Flush()

		case ev, open := <-gestures:
			if !open {
				return
			}
			writeSSE(w, "gesture", ev)
			flusher.Flush()

		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, data interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		monitoring.Logf("api: failed to encode %s event: %v", event, err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
}
