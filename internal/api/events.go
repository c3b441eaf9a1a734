package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kilnproc/kiln/internal/store"
)

func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// Verify the instance exists. Destroyed instances still pass; their
	// broker topic is closed, so the stream ends with an immediate done.
	_, err := s.store.GetInstance(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "instance not found")
		return
	}
	if err != nil {
		s.logger.Error("get instance for events", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get instance")
		return
	}

	// Set SSE headers.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	ch, unsub := s.manager.Broker().Subscribe(id)
	defer unsub()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				// Instance destroyed; send explicit done event before closing.
				_ = writeSSEEvent(w, "done", "stream complete")
				if canFlush {
					flusher.Flush()
				}
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				s.logger.Error("marshal pipeline event", "error", err)
				continue
			}
			if err := writeSSEEvent(w, evt.Kind, string(data)); err != nil {
				return // Write failed (e.g. client gone).
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}

// eventHistoryItem is a single persisted event in the history response.
type eventHistoryItem struct {
	Seq       int    `json:"seq"`
	Kind      string `json:"kind"`
	State     string `json:"state,omitempty"`
	Detail    string `json:"detail,omitempty"`
	CreatedAt string `json:"created_at"`
}

// eventHistoryResponse is the JSON response for
// GET /api/v1/instances/:id/events/history.
type eventHistoryResponse struct {
	InstanceID string             `json:"instance_id"`
	Events     []eventHistoryItem `json:"events"`
}

func (s *Server) handleGetEventHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// Verify the instance exists.
	_, err := s.store.GetInstance(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "instance not found")
		return
	}
	if err != nil {
		s.logger.Error("get instance for event history", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get instance")
		return
	}

	stored, err := s.store.ListEvents(r.Context(), id)
	if err != nil {
		s.logger.Error("list events", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}

	events := make([]eventHistoryItem, len(stored))
	for i, e := range stored {
		events[i] = eventHistoryItem{
			Seq:       e.Seq,
			Kind:      e.Kind,
			State:     e.State,
			Detail:    e.Detail,
			CreatedAt: e.CreatedAt.Format(time.RFC3339),
		}
	}

	s.writeJSON(w, http.StatusOK, eventHistoryResponse{
		InstanceID: id,
		Events:     events,
	})
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
