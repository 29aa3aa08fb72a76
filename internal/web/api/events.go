package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/patrickspencer/tickrun/internal/realtime"
)

const (
	ssePingInterval = 20 * time.Second
	sseRetryMillis  = 3000
)

// handleEvents streams realtime events as server-sent events. The optional
// command query parameter restricts the stream to one command ID.
func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	if a.Events == nil {
		a.writeError(w, http.StatusServiceUnavailable, "realtime stream unavailable")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		a.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	only := r.URL.Query().Get("command")

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	events, cancel := a.Events.Subscribe()
	defer cancel()

	fmt.Fprintf(w, ": connected\nretry: %d\n\n", sseRetryMillis)
	flusher.Flush()

	ping := time.NewTicker(ssePingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			fmt.Fprint(w, ": ping\n\n")
		case evt, ok := <-events:
			if !ok {
				return
			}
			if only != "" && evt.CommandID != only {
				continue
			}
			if err := writeSSE(w, evt); err != nil {
				return
			}
		}
		flusher.Flush()
	}
}

func writeSSE(w io.Writer, evt realtime.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.ID, evt.Type, payload)
	return err
}
