// Package timeline maps raw delivery statuses onto the five-step public
// timeline shown on the tracking page.
package timeline

import "github.com/BearBump/DeliveryTrack/internal/models"

const (
	StepNone      = -1
	StepConfirmed = 0
	StepPickedUp  = 1
	StepInTransit = 2
	StepNearby    = 3
	StepDelivered = 4
)

// Position is where a raw status lands on the timeline.
type Position struct {
	Step      int  `json:"step"`
	Terminal  bool `json:"terminal"`
	Cancelled bool `json:"cancelled"`
}

type Step struct {
	Index       int    `json:"index"`
	Key         string `json:"key"`
	Label       string `json:"label"`
	Description string `json:"description"`
}

var steps = []Step{
	{Index: StepConfirmed, Key: "confirmed", Label: "Order Confirmed", Description: "Your order has been confirmed"},
	{Index: StepPickedUp, Key: "picked_up", Label: "Picked Up", Description: "Courier has picked up your order"},
	{Index: StepInTransit, Key: "in_transit", Label: "In Transit", Description: "Your order is on the way"},
	{Index: StepNearby, Key: "nearby", Label: "Nearby", Description: "Courier is near your location"},
	{Index: StepDelivered, Key: "delivered", Label: "Delivered", Description: "Order has been delivered"},
}

// Steps returns a copy of the public timeline.
func Steps() []Step {
	out := make([]Step, len(steps))
	copy(out, steps)
	return out
}

// Map never fails: unknown values land on StepNone.
func Map(raw models.RawStatus) Position {
	switch raw {
	case models.RawStatusConfirmed, models.RawStatusPreparing:
		return Position{Step: StepConfirmed}
	case models.RawStatusReadyForPickup, models.RawStatusPickedUp:
		return Position{Step: StepPickedUp}
	case models.RawStatusInTransit:
		return Position{Step: StepInTransit}
	case models.RawStatusNearby:
		return Position{Step: StepNearby}
	case models.RawStatusDelivered:
		return Position{Step: StepDelivered, Terminal: true}
	case models.RawStatusCancelled:
		return Position{Step: StepNone, Terminal: true, Cancelled: true}
	default:
		// pending, unknown, and anything a caller forgot to parse.
		return Position{Step: StepNone}
	}
}

func MapString(s string) Position {
	return Map(models.ParseRawStatus(s))
}
