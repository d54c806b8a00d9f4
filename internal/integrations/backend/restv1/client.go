// Package restv1 reads delivery records from a hosted backend that exposes
// tables over a PostgREST-style REST API.
package restv1

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/BearBump/DeliveryTrack/internal/models"
	"github.com/BearBump/DeliveryTrack/internal/services/lookup"
	"github.com/pkg/errors"
)

const (
	deliveriesPath = "/rest/v1/deliveries"
	selectColumns  = "*,courier:couriers(*)"
	lookupPageSize = 50
	lookupMaxRows  = 1000
)

type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
}

func New(baseURL, apiKey string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:54321"
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpc: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type respCourier struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Phone             *string    `json:"phone"`
	VehicleType       *string    `json:"vehicle_type"`
	CurrentLat        *float64   `json:"current_lat"`
	CurrentLng        *float64   `json:"current_lng"`
	LocationUpdatedAt *time.Time `json:"location_updated_at"`
}

type respDelivery struct {
	ID              string       `json:"id"`
	TenantID        string       `json:"tenant_id"`
	TrackingCode    string       `json:"tracking_code"`
	Status          string       `json:"status"`
	CustomerName    string       `json:"customer_name"`
	CustomerPhone   *string      `json:"customer_phone"`
	DeliveryAddress *string      `json:"delivery_address"`
	TotalAmount     float64      `json:"total_amount"`
	Courier         *respCourier `json:"courier"`
	ScheduledAt     *time.Time   `json:"scheduled_at"`
	CompletedAt     *time.Time   `json:"completed_at"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

func (c *Client) GetByTrackingCode(ctx context.Context, tenantID, trackingCode string) (*models.DeliveryRecord, error) {
	q := url.Values{}
	q.Set("select", selectColumns)
	q.Set("tenant_id", "eq."+tenantID)
	q.Set("tracking_code", "eq."+trackingCode)
	q.Set("limit", "1")

	rows, err := c.query(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, models.ErrNotFound
	}
	rec := rows[0].toModel()
	if rec.TenantID != tenantID {
		return nil, models.ErrNotFound
	}
	return rec, nil
}

// FindForLookup lets the backend narrow the candidates and pages through all
// of them; the exact phone suffix is checked here since the REST filter
// language has no digits-only match. The phone filter only asks for the four
// digits in order somewhere in the number, which every real match satisfies.
func (c *Client) FindForLookup(ctx context.Context, tenantID, fragment, phoneLast4 string) ([]*models.DeliveryRecord, error) {
	q := url.Values{}
	q.Set("select", selectColumns)
	q.Set("tenant_id", "eq."+tenantID)
	q.Set("tracking_code", "ilike.*"+fragment+"*")
	q.Set("customer_phone", "like."+digitsPattern(phoneLast4))
	q.Set("order", "created_at.asc,id.asc")
	q.Set("limit", strconv.Itoa(lookupPageSize))

	var out []*models.DeliveryRecord
	for offset := 0; ; offset += lookupPageSize {
		if offset >= lookupMaxRows {
			return nil, errors.Errorf("lookup scanned %d rows without reaching the end", offset)
		}
		q.Set("offset", strconv.Itoa(offset))

		rows, err := c.query(ctx, q)
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			rec := r.toModel()
			if rec.TenantID != tenantID || !lookup.Matches(rec, fragment, phoneLast4) {
				continue
			}
			out = append(out, rec)
		}
		if len(rows) < lookupPageSize {
			break
		}
	}
	if len(out) == 0 {
		return nil, models.ErrNotFound
	}
	return out, nil
}

// digitsPattern turns "4567" into "*4*5*6*7*".
func digitsPattern(digits string) string {
	var b strings.Builder
	b.WriteByte('*')
	for _, d := range lookup.DigitsOnly(digits) {
		b.WriteRune(d)
		b.WriteByte('*')
	}
	return b.String()
}

func (c *Client) query(ctx context.Context, q url.Values) ([]respDelivery, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse base url")
	}
	u.Path = deliveriesPath
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "new request")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusNotFound:
		// row level security hides other tenants' rows behind these
		return nil, models.ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("backend rate limit (429)")
	case resp.StatusCode/100 != 2:
		return nil, fmt.Errorf("backend http %d", resp.StatusCode)
	}

	var rows []respDelivery
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, errors.Wrap(err, "decode")
	}
	return rows, nil
}

func (r respDelivery) toModel() *models.DeliveryRecord {
	rec := &models.DeliveryRecord{
		ID:              r.ID,
		TenantID:        r.TenantID,
		TrackingCode:    r.TrackingCode,
		RawStatus:       models.ParseRawStatus(r.Status),
		CustomerName:    r.CustomerName,
		CustomerPhone:   r.CustomerPhone,
		DeliveryAddress: r.DeliveryAddress,
		TotalAmount:     r.TotalAmount,
		ScheduledAt:     r.ScheduledAt,
		CompletedAt:     r.CompletedAt,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if r.Courier != nil {
		rec.Courier = &models.Courier{
			ID:                r.Courier.ID,
			Name:              r.Courier.Name,
			Phone:             r.Courier.Phone,
			VehicleType:       r.Courier.VehicleType,
			CurrentLat:        r.Courier.CurrentLat,
			CurrentLng:        r.Courier.CurrentLng,
			LocationUpdatedAt: r.Courier.LocationUpdatedAt,
		}
	}
	return rec
}
