package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"scriptflow/internal/bus"
)

// EventStream serves lifecycle events over Server-Sent Events and
// WebSocket connections.
type EventStream struct {
	bus *bus.Bus
}

// NewEventStream creates the stream handler set over the given bus.
func NewEventStream(b *bus.Bus) *EventStream {
	return &EventStream{bus: b}
}

// parseKinds parses a comma-separated "kinds" query parameter. An empty
// parameter means all kinds.
func parseKinds(raw string) ([]bus.Kind, error) {
	if raw == "" {
		return nil, nil
	}
	var kinds []bus.Kind
	for _, part := range strings.Split(raw, ",") {
		k := bus.Kind(strings.TrimSpace(part))
		if !k.Valid() {
			return nil, fmt.Errorf("unknown event kind %q", part)
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// HandleSSE streams events as text/event-stream. Optional query
// parameters: kinds (comma-separated) and execution_id.
func (es *EventStream) HandleSSE(w http.ResponseWriter, r *http.Request) {
	kinds, err := parseKinds(r.URL.Query().Get("kinds"))
	if err != nil {
		writeError(w, err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	execID := r.URL.Query().Get("execution_id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, "streaming not supported", "STREAMING_UNSUPPORTED", http.StatusInternalServerError, r)
		return
	}

	// Subscribe before the headers go out so a client that has seen the
	// response cannot miss events published right after.
	sub := es.bus.Subscribe(kinds...)
	defer es.bus.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	log.Debug().
		Str("request_id", RequestIDFromContext(r.Context())).
		Str("execution_id", execID).
		Msg("SSE stream opened")

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-sub.C():
			if !open {
				return
			}
			if execID != "" && ev.ExecutionID != execID {
				continue
			}
			data, err := json.Marshal(ev)
			if err != nil {
				log.Error().Err(err).Msg("failed to encode event")
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
			flusher.Flush()
		}
	}
}
