package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/wearsync/wearsync/internal/bus"
	"github.com/wearsync/wearsync/internal/model"
)

// keepAliveInterval is how often an SSE comment line is written so idle
// connections survive proxies.
const keepAliveInterval = 30 * time.Second

// handleEvents streams the event bus as server-sent events. Each event is a
// JSON object with a "type" discriminator; an optional ?device= filter limits
// the feed to one device.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	deviceFilter := r.URL.Query().Get("device")

	sub := s.svc.Subscribe(4 * bus.DefaultBuffer)
	defer sub.Cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case ev, open := <-sub.C:
			if !open {
				return
			}
			if deviceFilter != "" && ev.EventDeviceID() != deviceFilter {
				continue
			}
			payload, err := marshalEvent(ev)
			if err != nil {
				s.log.Error("encoding event", "error", err)
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

func marshalEvent(ev model.Event) ([]byte, error) {
	switch e := ev.(type) {
	case model.ConnectionStateChanged:
		return json.Marshal(map[string]any{
			"type":      "connection_state_changed",
			"device_id": e.DeviceID,
			"old":       string(e.Old),
			"new":       string(e.New),
			"reason":    e.Reason,
			"at":        e.At.UTC().Format(time.RFC3339),
		})
	case model.SampleIngested:
		return json.Marshal(map[string]any{
			"type":   "sample_ingested",
			"sample": toSampleJSON(e.Sample),
		})
	default:
		return json.Marshal(map[string]any{
			"type":      "unknown",
			"device_id": ev.EventDeviceID(),
		})
	}
}
