package tracking_api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/BearBump/DeliveryTrack/internal/services/tracking"
)

// stream writes the session's views as server-sent "view" events until the
// client goes away or the delivery reaches a state that will not change.
func (a *TrackingAPI) stream(w http.ResponseWriter, r *http.Request, sess *tracking.Session) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, ErrorDTO{Error: "internal", Message: "streaming unsupported"})
		return
	}

	updates := make(chan tracking.View, 1)
	unsubscribe := sess.Subscribe(func(v tracking.View) {
		// keep only the newest view for a slow client
		select {
		case updates <- v:
		default:
			select {
			case <-updates:
			default:
			}
			select {
			case updates <- v:
			default:
			}
		}
	})
	defer unsubscribe()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	v := sess.CurrentView()
	if err := writeEvent(w, v); err != nil {
		return
	}
	flusher.Flush()
	if final(v) {
		return
	}

	hb := time.NewTicker(a.opts.Heartbeat)
	defer hb.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-hb.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case v := <-updates:
			if err := writeEvent(w, v); err != nil {
				return
			}
			flusher.Flush()
			if final(v) {
				return
			}
		}
	}
}

func final(v tracking.View) bool {
	switch v.State {
	case tracking.StateDone, tracking.StateNotFound, tracking.StateClosed:
		return true
	}
	return false
}

func writeEvent(w http.ResponseWriter, v tracking.View) error {
	b, err := json.Marshal(toViewDTO(v))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: view\ndata: %s\n\n", b)
	return err
}
