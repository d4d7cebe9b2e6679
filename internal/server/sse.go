package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"termline/internal/domain"
	"termline/internal/repo"
	"termline/internal/runner"
	"termline/internal/stream"
)

const heartbeatInterval = 15 * time.Second

// registerRunStream mounts the SSE endpoint as a raw chi route; huma's typed
// responses do not model a long-lived event stream.
func registerRunStream(router chi.Router, basePath string, rn *runner.Runner, logger zerolog.Logger) {
	router.Get(path.Join(basePath, "runs/{run_id}/events"), func(w http.ResponseWriter, r *http.Request) {
		runID := chi.URLParam(r, "run_id")
		flusher, ok := w.(http.Flusher)
		if !ok {
			respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "streaming unsupported", nil))
			return
		}

		sub, live := rn.Subscribe(runID)
		if !live {
			// The run is unknown or already settled. A settled run gets one
			// snapshot terminal frame from the persisted row.
			run, err := rn.Get(r.Context(), runID)
			if errors.Is(err, repo.ErrNotFound) {
				respondStatusError(w, newAPIError(http.StatusNotFound, "not_found", "run not found", nil))
				return
			}
			if err != nil {
				respondStatusError(w, handleError(err))
				return
			}
			sseHeaders(w)
			writeSSE(w, terminalSnapshot(run))
			flusher.Flush()
			return
		}
		defer rn.Unsubscribe(runID, sub)
		logger.Debug().Str("run_id", runID).Msg("sse subscriber attached")

		sseHeaders(w)
		flusher.Flush()

		heartbeat := time.NewTicker(heartbeatInterval)
		defer heartbeat.Stop()
		for {
			select {
			case <-r.Context().Done():
				return
			case <-heartbeat.C:
				fmt.Fprint(w, ": ping\n\n")
				flusher.Flush()
			case ev, ok := <-sub.Events():
				if !ok {
					return
				}
				writeSSE(w, ev)
				flusher.Flush()
				if ev.Complete {
					return
				}
			}
		}
	})
}

func sseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

func writeSSE(w io.Writer, ev stream.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func terminalSnapshot(run domain.Run) stream.Event {
	level := "info"
	if run.Status == domain.RunStatusFailed {
		level = "error"
	}
	ev := stream.Event{
		RunID:           run.ID,
		Level:           level,
		Message:         "run " + run.Status,
		ProgressCurrent: run.ProgressCurrent,
		ProgressTotal:   run.ProgressTotal,
		Complete:        true,
		DBStatus:        run.Status,
	}
	if run.CurrentStep != nil {
		ev.Step = *run.CurrentStep
	}
	return ev
}
