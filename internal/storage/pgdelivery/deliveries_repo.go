package pgdelivery

import (
	"context"
	"strings"
	"time"

	"github.com/BearBump/DeliveryTrack/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const lookupLimit = 10

const selectDelivery = `
SELECT
  d.id, d.tenant_id, d.tracking_code, d.status,
  d.customer_name, d.customer_phone, d.delivery_address,
  d.total_amount::float8,
  d.scheduled_at, d.completed_at, d.created_at, d.updated_at,
  c.id, c.name, c.phone, c.vehicle_type,
  c.current_lat, c.current_lng, c.location_updated_at
FROM deliveries d
LEFT JOIN couriers c ON c.id = d.courier_id
`

func (s *Storage) GetByTrackingCode(ctx context.Context, tenantID, trackingCode string) (*models.DeliveryRecord, error) {
	row := s.db.QueryRow(ctx, selectDelivery+`
WHERE d.tenant_id = $1 AND d.tracking_code = $2
`, tenantID, trackingCode)

	rec, err := scanDelivery(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select delivery")
	}
	return rec, nil
}

// FindForLookup pre-filters candidates for the lookup gate: tracking code
// contains fragment (case-insensitive) and the phone ends with phoneLast4.
func (s *Storage) FindForLookup(ctx context.Context, tenantID, fragment, phoneLast4 string) ([]*models.DeliveryRecord, error) {
	rows, err := s.db.Query(ctx, selectDelivery+`
WHERE d.tenant_id = $1
  AND d.tracking_code ILIKE '%' || $2 || '%'
  AND right(regexp_replace(coalesce(d.customer_phone, ''), '\D', '', 'g'), 4) = $3
ORDER BY d.created_at ASC, d.id ASC
LIMIT $4
`, tenantID, escapeLike(fragment), phoneLast4, lookupLimit)
	if err != nil {
		return nil, errors.Wrap(err, "select lookup candidates")
	}
	defer rows.Close()

	var out []*models.DeliveryRecord
	for rows.Next() {
		rec, err := scanDelivery(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan lookup candidate")
		}
		out = append(out, rec)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	if len(out) == 0 {
		return nil, models.ErrNotFound
	}
	return out, nil
}

func scanDelivery(row pgx.Row) (*models.DeliveryRecord, error) {
	var (
		rec    models.DeliveryRecord
		status string

		courierID, courierName *string
		courierPhone, vehicle  *string
		lat, lng               *float64
		locationUpdatedAt      *time.Time
	)
	if err := row.Scan(
		&rec.ID, &rec.TenantID, &rec.TrackingCode, &status,
		&rec.CustomerName, &rec.CustomerPhone, &rec.DeliveryAddress,
		&rec.TotalAmount,
		&rec.ScheduledAt, &rec.CompletedAt, &rec.CreatedAt, &rec.UpdatedAt,
		&courierID, &courierName, &courierPhone, &vehicle,
		&lat, &lng, &locationUpdatedAt,
	); err != nil {
		return nil, err
	}
	rec.RawStatus = models.ParseRawStatus(status)

	if courierID != nil {
		c := &models.Courier{
			ID:                *courierID,
			Phone:             courierPhone,
			VehicleType:       vehicle,
			CurrentLat:        lat,
			CurrentLng:        lng,
			LocationUpdatedAt: locationUpdatedAt,
		}
		if courierName != nil {
			c.Name = *courierName
		}
		rec.Courier = c
	}
	return &rec, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
