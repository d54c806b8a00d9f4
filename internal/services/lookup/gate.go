package lookup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/BearBump/DeliveryTrack/internal/models"
	validatorv10 "github.com/go-playground/validator/v10"
)

const phoneSuffixLen = 4

// Store returns lookup candidates for a tenant. Implementations may filter by
// fragment and phone suffix themselves; the gate checks both factors again.
type Store interface {
	FindForLookup(ctx context.Context, tenantID, fragment, phoneLast4 string) ([]*models.DeliveryRecord, error)
}

// Request is what the customer types into the lookup form.
type Request struct {
	TenantID    string `validate:"required"`
	OrderNumber string `validate:"required"`
	Phone       string `validate:"required,min_digits=4"`
}

type Gate struct {
	store Store
	v     *validatorv10.Validate
}

func New(store Store) *Gate {
	return &Gate{store: store, v: newValidator()}
}

func newValidator() *validatorv10.Validate {
	v := validatorv10.New()
	_ = v.RegisterValidation("min_digits", minDigits)
	return v
}

// minDigits counts digits only, so "555-12" has four.
func minDigits(fl validatorv10.FieldLevel) bool {
	n, err := strconv.Atoi(fl.Param())
	if err != nil {
		return false
	}
	return len(DigitsOnly(fl.Field().String())) >= n
}

// Authorize returns the single record matching both the order number
// fragment and the phone suffix. A partial match is reported exactly like no
// match at all.
func (g *Gate) Authorize(ctx context.Context, req Request) (*models.DeliveryRecord, error) {
	req.TenantID = strings.TrimSpace(req.TenantID)
	req.OrderNumber = strings.TrimSpace(req.OrderNumber)
	req.Phone = strings.TrimSpace(req.Phone)

	if err := g.validate(req); err != nil {
		return nil, err
	}

	digits := DigitsOnly(req.Phone)
	last4 := digits[len(digits)-phoneSuffixLen:]

	candidates, err := g.store.FindForLookup(ctx, req.TenantID, req.OrderNumber, last4)
	if errors.Is(err, models.ErrNotFound) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLookupFailed, err)
	}

	var found []*models.DeliveryRecord
	for _, rec := range candidates {
		if rec == nil || rec.TenantID != req.TenantID {
			continue
		}
		if Matches(rec, req.OrderNumber, last4) {
			found = append(found, rec)
		}
	}
	if len(found) == 0 {
		return nil, models.ErrNotFound
	}
	if len(found) > 1 {
		slog.Warn("ambiguous delivery lookup, using first match",
			"tenant_id", req.TenantID, "matches", len(found))
	}
	return found[0], nil
}

func (g *Gate) validate(req Request) error {
	err := g.v.Struct(req)
	if err == nil {
		return nil
	}
	var ve validatorv10.ValidationErrors
	if errors.As(err, &ve) && len(ve) > 0 {
		fe := ve[0]
		return &ValidationError{Field: fieldName(fe.Field()), Reason: reason(fe.Tag())}
	}
	return &ValidationError{Field: "request", Reason: err.Error()}
}

func fieldName(f string) string {
	switch f {
	case "TenantID":
		return "tenantId"
	case "OrderNumber":
		return "orderNumber"
	case "Phone":
		return "phone"
	}
	return f
}

func reason(tag string) string {
	switch tag {
	case "required":
		return "is required"
	case "min_digits":
		return "must contain at least 4 digits"
	}
	return tag
}

// Matches applies both lookup factors: case-insensitive substring of the
// tracking code and the digits-only phone suffix.
func Matches(rec *models.DeliveryRecord, fragment, last4 string) bool {
	if fragment == "" || len(last4) != phoneSuffixLen {
		return false
	}
	if !strings.Contains(strings.ToLower(rec.TrackingCode), strings.ToLower(fragment)) {
		return false
	}
	if rec.CustomerPhone == nil {
		return false
	}
	return strings.HasSuffix(DigitsOnly(*rec.CustomerPhone), last4)
}

func DigitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
