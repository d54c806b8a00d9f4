package messages

import "time"

// DeliveryChanged tells subscribers that a delivery row (or the location of
// its courier) changed. Consumers re-read the record; the status is only a
// hint for logs.
type DeliveryChanged struct {
	ChangeID     uint64    `json:"change_id"`
	DeliveryID   string    `json:"delivery_id"`
	TenantID     string    `json:"tenant_id"`
	TrackingCode string    `json:"tracking_code"`
	RawStatus    string    `json:"raw_status,omitempty"`
	ChangedAt    time.Time `json:"changed_at"`
}
