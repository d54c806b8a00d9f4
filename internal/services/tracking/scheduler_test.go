package tracking

import (
	"errors"
	"testing"
	"time"

	"github.com/BearBump/DeliveryTrack/internal/models"
	"github.com/stretchr/testify/require"
)

func TestScheduler_Defaults(t *testing.T) {
	require.Equal(t, 15*time.Second, NewScheduler(SchedulerConfig{}).Interval())
	require.Equal(t, time.Second, NewScheduler(SchedulerConfig{ActiveInterval: time.Second}).Interval())
}

func TestScheduler_Decide(t *testing.T) {
	s := NewScheduler(SchedulerConfig{ActiveInterval: 5 * time.Second})

	withStatus := func(state State, raw models.RawStatus) View {
		rec := &models.DeliveryRecord{ID: "d", RawStatus: raw}
		return View{State: state, Record: rec, IsTerminal: raw.IsTerminal()}
	}

	cases := []struct {
		name string
		view View
		want bool
	}{
		{"idle", View{State: StateIdle}, false},
		{"closed", View{State: StateClosed}, false},
		{"not found", View{State: StateNotFound}, false},
		{"first load failed", View{State: StateError, LastErr: errors.New("x")}, true},
		{"fetching without record", View{State: StateFetching}, false},
		{"pending", withStatus(StateReady, models.RawStatusPending), false},
		{"unknown", withStatus(StateReady, models.RawStatusUnknown), false},
		{"confirmed", withStatus(StateReady, models.RawStatusConfirmed), true},
		{"preparing", withStatus(StateReady, models.RawStatusPreparing), true},
		{"ready for pickup", withStatus(StateReady, models.RawStatusReadyForPickup), true},
		{"picked up", withStatus(StateReady, models.RawStatusPickedUp), true},
		{"in transit", withStatus(StateReady, models.RawStatusInTransit), true},
		{"nearby", withStatus(StateReady, models.RawStatusNearby), true},
		{"error keeps polling active record", withStatus(StateError, models.RawStatusNearby), true},
		{"delivered", withStatus(StateDone, models.RawStatusDelivered), false},
		{"cancelled", withStatus(StateDone, models.RawStatusCancelled), false},
		{"terminal flag wins", View{State: StateReady, IsTerminal: true, Record: &models.DeliveryRecord{RawStatus: models.RawStatusInTransit}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, ok := s.Decide(tc.view)
			require.Equal(t, tc.want, ok)
			if ok {
				require.Equal(t, 5*time.Second, d)
			} else {
				require.Zero(t, d)
			}
		})
	}
}
