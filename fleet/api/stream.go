package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// eventsHandler streams fleet notifications as Server-Sent Events until the
// client disconnects.
func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.logger.Error("Response writer does not support flushing")
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sub := s.fleet.Subscribe(256)
	defer s.fleet.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	s.logger.Info("Event stream client connected", "remote", r.RemoteAddr)

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("Failed to marshal event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data); err != nil {
				return
			}
			flusher.Flush()

		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case <-r.Context().Done():
			s.logger.Info("Event stream client disconnected", "remote", r.RemoteAddr)
			return
		}
	}
}
