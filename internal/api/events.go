package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"taskd/internal/domain"
	"taskd/internal/eventbus"
)

const keepAliveInterval = 15 * time.Second

// events streams job events as server-sent events. ?job_id= narrows the
// stream to one job.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	ch, unsubscribe, err := s.admin.Subscribe(principal(r), 64)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer unsubscribe()
	jobID := r.URL.Query().Get("job_id")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
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
		case e, ok := <-ch:
			if !ok {
				return
			}
			if jobID != "" && eventJobID(e) != jobID {
				continue
			}
			data, err := json.Marshal(e)
			if err != nil {
				log.Warn().Err(err).Str("type", e.Type).Msg("event not encodable")
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data)
			flusher.Flush()
		}
	}
}

func eventJobID(e eventbus.Event) string {
	switch d := e.Data.(type) {
	case domain.RunResult:
		return d.JobID
	case domain.Job:
		return d.ID
	}
	return ""
}
