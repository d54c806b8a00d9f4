package tracking

import (
	"time"

	"github.com/BearBump/DeliveryTrack/internal/models"
	"github.com/BearBump/DeliveryTrack/internal/services/timeline"
)

type State string

const (
	StateIdle     State = "idle"
	StateFetching State = "fetching"
	StateReady    State = "ready"
	StateError    State = "error"
	StateNotFound State = "not_found"
	StateDone     State = "done"
	StateClosed   State = "closed"
)

// View is the latest known state of one tracking session.
type View struct {
	SessionID string
	State     State

	// Record is the last good record. It survives fetch errors.
	Record     *models.DeliveryRecord
	Position   timeline.Position
	IsTerminal bool

	// Stale is set while a fetch error hides newer data behind Record.
	Stale               bool
	ConsecutiveFailures int
	// Trouble is raised after repeated failures so the page can show a
	// persistent "having trouble updating" notice.
	Trouble bool
	LastErr error

	FetchedAt  *time.Time
	NextPollAt *time.Time
}

// LastUpdated prefers the record's own timestamp over the fetch time.
func (v View) LastUpdated() *time.Time {
	if v.Record != nil && !v.Record.UpdatedAt.IsZero() {
		t := v.Record.UpdatedAt
		return &t
	}
	return v.FetchedAt
}

// ETA is the scheduled time of a delivery that has not completed yet.
func (v View) ETA() *time.Time {
	if v.Record == nil || v.IsTerminal {
		return nil
	}
	return v.Record.ScheduledAt
}

func newView(sessionID string) View {
	return View{
		SessionID: sessionID,
		State:     StateIdle,
		Position:  timeline.Position{Step: timeline.StepNone},
	}
}

// publicRecord drops courier details once the delivery is over.
func publicRecord(rec *models.DeliveryRecord) *models.DeliveryRecord {
	if rec == nil {
		return nil
	}
	cp := *rec
	if cp.RawStatus.IsTerminal() {
		cp.Courier = nil
	}
	return &cp
}
