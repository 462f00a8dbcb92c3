package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	loom "github.com/nevindra/loom"
)

// subscriberBuffer is the bus queue depth for one SSE client. The bus never
// blocks on a slow client; a client this far behind starts losing events.
const subscriberBuffer = 256

// handleEvents streams bus events as SSE frames. An execution_id query
// parameter narrows the stream to one execution; without it the client gets
// everything. Heartbeat frames keep idle connections alive.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, cancel := s.bus.Subscribe(r.URL.Query().Get("execution_id"), subscriberBuffer)
	defer cancel()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeFrame(w, ev); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			hb := loom.Event{Type: loom.EventHeartbeat, Timestamp: loom.NowUnixMilli()}
			if err := writeFrame(w, hb); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func setSSEHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// writeFrame emits one event as an SSE data frame.
func writeFrame(w io.Writer, ev loom.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
