package tracking_api

import (
	"time"

	"github.com/BearBump/DeliveryTrack/internal/services/timeline"
	"github.com/BearBump/DeliveryTrack/internal/services/tracking"
)

const troubleMessage = "We're having trouble updating this page. The details below may be out of date."

type StepDTO struct {
	Index       int    `json:"index"`
	Key         string `json:"key"`
	Label       string `json:"label"`
	Description string `json:"description"`
	Completed   bool   `json:"completed"`
	Current     bool   `json:"current"`
}

type CourierDTO struct {
	Name              string     `json:"name"`
	Phone             *string    `json:"phone,omitempty"`
	VehicleType       *string    `json:"vehicleType,omitempty"`
	Lat               *float64   `json:"lat,omitempty"`
	Lng               *float64   `json:"lng,omitempty"`
	LocationUpdatedAt *time.Time `json:"locationUpdatedAt,omitempty"`
}

type ViewDTO struct {
	State        string `json:"state"`
	TrackingCode string `json:"trackingCode,omitempty"`
	RawStatus    string `json:"rawStatus,omitempty"`

	CurrentStep int       `json:"currentStep"`
	IsTerminal  bool      `json:"isTerminal"`
	Cancelled   bool      `json:"cancelled"`
	Timeline    []StepDTO `json:"timeline"`

	DeliveryAddress *string     `json:"deliveryAddress,omitempty"`
	TotalAmount     *float64    `json:"totalAmount,omitempty"`
	Courier         *CourierDTO `json:"courier,omitempty"`

	LastUpdated *time.Time `json:"lastUpdated,omitempty"`
	ETA         *time.Time `json:"eta,omitempty"`
	NextPollAt  *time.Time `json:"nextPollAt,omitempty"`

	Stale   bool   `json:"stale"`
	Trouble bool   `json:"trouble"`
	Message string `json:"message,omitempty"`
}

type LookupRequestDTO struct {
	OrderNumber string `json:"orderNumber"`
	Phone       string `json:"phone"`
}

type LookupResponseDTO struct {
	View           ViewDTO    `json:"view"`
	ViewToken      string     `json:"viewToken,omitempty"`
	TokenExpiresAt *time.Time `json:"tokenExpiresAt,omitempty"`
}

type ErrorDTO struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func timelineDTO(pos timeline.Position) []StepDTO {
	steps := timeline.Steps()
	out := make([]StepDTO, 0, len(steps))
	for _, s := range steps {
		out = append(out, StepDTO{
			Index:       s.Index,
			Key:         s.Key,
			Label:       s.Label,
			Description: s.Description,
			Completed:   pos.Step >= 0 && s.Index <= pos.Step,
			Current:     s.Index == pos.Step && !pos.Terminal,
		})
	}
	return out
}

func toViewDTO(v tracking.View) ViewDTO {
	out := ViewDTO{
		State:       string(v.State),
		CurrentStep: v.Position.Step,
		IsTerminal:  v.IsTerminal,
		Cancelled:   v.Position.Cancelled,
		Timeline:    timelineDTO(v.Position),
		LastUpdated: v.LastUpdated(),
		ETA:         v.ETA(),
		NextPollAt:  v.NextPollAt,
		Stale:       v.Stale,
		Trouble:     v.Trouble,
	}
	if v.Trouble {
		out.Message = troubleMessage
	}

	rec := v.Record
	if rec == nil {
		return out
	}
	out.TrackingCode = rec.TrackingCode
	out.RawStatus = string(rec.RawStatus)
	out.DeliveryAddress = rec.DeliveryAddress
	total := rec.TotalAmount
	out.TotalAmount = &total
	if c := rec.Courier; c != nil {
		out.Courier = &CourierDTO{
			Name:              c.Name,
			Phone:             c.Phone,
			VehicleType:       c.VehicleType,
			Lat:               c.CurrentLat,
			Lng:               c.CurrentLng,
			LocationUpdatedAt: c.LocationUpdatedAt,
		}
	}
	return out
}
