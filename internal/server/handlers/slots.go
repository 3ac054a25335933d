package handlers

import (
	"net/http"

	"github.com/3leaps/slotbatch/pkg/slot"
)

// SlotSource exposes a run's live slot state.
type SlotSource interface {
	RunID() string
	Slots() []slot.State
}

// SlotsResponse is the body of GET /v1/slots.
type SlotsResponse struct {
	RunID string       `json:"run_id"`
	Slots []slot.State `json:"slots"`
	// Running counts slots with a job in flight.
	Running int `json:"running"`
	Queued  int `json:"queued"`
}

// Slots serves a snapshot of every slot.
func Slots(src SlotSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if src == nil {
			WriteError(w, r, http.StatusServiceUnavailable, "NO_RUN", "no run attached", nil)
			return
		}
		resp := SlotsResponse{RunID: src.RunID(), Slots: src.Slots()}
		for _, s := range resp.Slots {
			if s.Current != "" {
				resp.Running++
			}
			resp.Queued += len(s.Queue)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// NotFound answers unknown routes with the error envelope.
func NotFound(w http.ResponseWriter, r *http.Request) {
	WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "no route for "+r.URL.Path, nil)
}
