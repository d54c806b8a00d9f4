package models

import (
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned by record stores when nothing matches the criteria
// under the caller's tenant. Cross-tenant reads end up here too.
var ErrNotFound = errors.New("delivery not found")

// RawStatus is the fine-grained status set by the external order system.
type RawStatus string

const (
	RawStatusPending        RawStatus = "pending"
	RawStatusConfirmed      RawStatus = "confirmed"
	RawStatusPreparing      RawStatus = "preparing"
	RawStatusReadyForPickup RawStatus = "ready_for_pickup"
	RawStatusPickedUp       RawStatus = "picked_up"
	RawStatusInTransit      RawStatus = "in_transit"
	RawStatusNearby         RawStatus = "nearby"
	RawStatusDelivered      RawStatus = "delivered"
	RawStatusCancelled      RawStatus = "cancelled"

	// RawStatusUnknown stands for any value the backend may add later.
	RawStatusUnknown RawStatus = "unknown"
)

var knownRawStatuses = map[RawStatus]struct{}{
	RawStatusPending:        {},
	RawStatusConfirmed:      {},
	RawStatusPreparing:      {},
	RawStatusReadyForPickup: {},
	RawStatusPickedUp:       {},
	RawStatusInTransit:      {},
	RawStatusNearby:         {},
	RawStatusDelivered:      {},
	RawStatusCancelled:      {},
}

// ParseRawStatus normalizes a backend value. Anything outside the known set
// becomes RawStatusUnknown.
func ParseRawStatus(s string) RawStatus {
	st := RawStatus(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := knownRawStatuses[st]; ok {
		return st
	}
	return RawStatusUnknown
}

func (s RawStatus) IsTerminal() bool {
	return s == RawStatusDelivered || s == RawStatusCancelled
}

// IsActive reports statuses of a delivery that is moving and worth polling.
func (s RawStatus) IsActive() bool {
	switch s {
	case RawStatusConfirmed, RawStatusPreparing, RawStatusReadyForPickup,
		RawStatusPickedUp, RawStatusInTransit, RawStatusNearby:
		return true
	}
	return false
}

type Courier struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Phone             *string    `json:"phone,omitempty"`
	VehicleType       *string    `json:"vehicle_type,omitempty"`
	CurrentLat        *float64   `json:"current_lat,omitempty"`
	CurrentLng        *float64   `json:"current_lng,omitempty"`
	LocationUpdatedAt *time.Time `json:"location_updated_at,omitempty"`
}

type DeliveryRecord struct {
	ID              string     `json:"id"`
	TenantID        string     `json:"tenant_id"`
	TrackingCode    string     `json:"tracking_code"`
	RawStatus       RawStatus  `json:"raw_status"`
	CustomerName    string     `json:"customer_name"`
	CustomerPhone   *string    `json:"customer_phone,omitempty"`
	DeliveryAddress *string    `json:"delivery_address,omitempty"`
	TotalAmount     float64    `json:"total_amount"`
	Courier         *Courier   `json:"courier,omitempty"`
	ScheduledAt     *time.Time `json:"scheduled_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// DeliveryChange is one outbox row written by the database trigger whenever
// a delivery (or its courier location) changes.
type DeliveryChange struct {
	ID            uint64
	DeliveryID    string
	TenantID      string
	TrackingCode  string
	RawStatus     RawStatus
	ChangedAt     time.Time
	Attempts      int32
	NextAttemptAt time.Time
	LastError     *string
}
