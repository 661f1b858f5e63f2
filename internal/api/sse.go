package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/ricochet1k/concordia/internal/realtime"
	"github.com/ricochet1k/concordia/internal/service"
)

// sseEvents streams party events as Server-Sent Events. Clients that send
// Last-Event-ID get the retained events they missed before live ones.
// The subscription is registered before headers are flushed so that no
// events are lost between the client seeing the 200 and the first broadcast.
func (h *Handler) sseEvents(w http.ResponseWriter, r *http.Request) {
	var lastID uint64
	if raw := r.Header.Get("Last-Event-ID"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid Last-Event-ID", raw)
			return
		}
		lastID = n
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported", "")
		return
	}

	events := h.party.Events()
	subID := generateID()
	sub, replay := events.SubscribeWithReplay(subID, lastID)
	defer events.Unsubscribe(subID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sent := lastID
	send := func(ev service.SequencedEvent) error {
		if ev.ID <= sent {
			return nil
		}
		if err := writeSSEEvent(w, ev); err != nil {
			return err
		}
		sent = ev.ID
		flusher.Flush()
		return nil
	}

	for _, ev := range replay {
		if err := send(ev); err != nil {
			return
		}
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			if err := send(ev); err != nil {
				return
			}
		}
	}
}

// writeSSEEvent serialises a single event in the SSE wire format:
//
//	id: <seq>\n
//	event: <type>\n
//	data: <json>\n
//	\n
func writeSSEEvent(w http.ResponseWriter, ev service.SequencedEvent) error {
	env := realtime.EnvelopeFromEvent(ev.Event)
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, env.Type, data)
	return err
}
