// Package memory is an in-process record store for local runs and tests.
package memory

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BearBump/DeliveryTrack/internal/models"
	"github.com/BearBump/DeliveryTrack/internal/services/lookup"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type Store struct {
	mu      sync.RWMutex
	byKey   map[string]*models.DeliveryRecord
	onWrite []func(models.DeliveryChange)
	seq     uint64
	now     func() time.Time
}

func New() *Store {
	return &Store{byKey: make(map[string]*models.DeliveryRecord), now: time.Now}
}

func key(tenantID, trackingCode string) string {
	return tenantID + "\x00" + trackingCode
}

// OnChange registers fn for every write. It runs after the lock is released.
func (s *Store) OnChange(fn func(models.DeliveryChange)) {
	s.mu.Lock()
	s.onWrite = append(s.onWrite, fn)
	s.mu.Unlock()
}

// Upsert stores a copy of rec, filling ID and timestamps when missing.
func (s *Store) Upsert(rec models.DeliveryRecord) (*models.DeliveryRecord, error) {
	if rec.TenantID == "" || rec.TrackingCode == "" {
		return nil, errors.New("tenant_id and tracking_code are required")
	}
	now := s.now().UTC()

	s.mu.Lock()
	k := key(rec.TenantID, rec.TrackingCode)
	if prev, ok := s.byKey[k]; ok {
		rec.ID = prev.ID
		rec.CreatedAt = prev.CreatedAt
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if rec.RawStatus == "" {
		rec.RawStatus = models.RawStatusPending
	}
	stored := clone(&rec)
	s.byKey[k] = stored
	change, fns := s.changeLocked(stored)
	s.mu.Unlock()

	for _, fn := range fns {
		fn(change)
	}
	return clone(stored), nil
}

// SetStatus moves a delivery to status. Completion time is set when the
// status is delivered.
func (s *Store) SetStatus(tenantID, trackingCode string, status models.RawStatus) error {
	now := s.now().UTC()

	s.mu.Lock()
	rec, ok := s.byKey[key(tenantID, trackingCode)]
	if !ok {
		s.mu.Unlock()
		return models.ErrNotFound
	}
	rec.RawStatus = status
	rec.UpdatedAt = now
	if status == models.RawStatusDelivered && rec.CompletedAt == nil {
		rec.CompletedAt = &now
	}
	change, fns := s.changeLocked(rec)
	s.mu.Unlock()

	for _, fn := range fns {
		fn(change)
	}
	return nil
}

func (s *Store) changeLocked(rec *models.DeliveryRecord) (models.DeliveryChange, []func(models.DeliveryChange)) {
	s.seq++
	c := models.DeliveryChange{
		ID:           s.seq,
		DeliveryID:   rec.ID,
		TenantID:     rec.TenantID,
		TrackingCode: rec.TrackingCode,
		RawStatus:    rec.RawStatus,
		ChangedAt:    rec.UpdatedAt,
	}
	fns := make([]func(models.DeliveryChange), len(s.onWrite))
	copy(fns, s.onWrite)
	return c, fns
}

func (s *Store) GetByTrackingCode(ctx context.Context, tenantID, trackingCode string) (*models.DeliveryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byKey[key(tenantID, trackingCode)]
	if !ok {
		return nil, models.ErrNotFound
	}
	return clone(rec), nil
}

func (s *Store) FindForLookup(ctx context.Context, tenantID, fragment, phoneLast4 string) ([]*models.DeliveryRecord, error) {
	s.mu.RLock()
	var out []*models.DeliveryRecord
	for _, rec := range s.byKey {
		if rec.TenantID == tenantID && lookup.Matches(rec, fragment, phoneLast4) {
			out = append(out, clone(rec))
		}
	}
	s.mu.RUnlock()

	if len(out) == 0 {
		return nil, models.ErrNotFound
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// LoadFile upserts every record of a JSON array file.
func (s *Store) LoadFile(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, errors.Wrap(err, "read seed file")
	}
	var recs []models.DeliveryRecord
	if err := json.Unmarshal(b, &recs); err != nil {
		return 0, errors.Wrap(err, "decode seed file")
	}
	for i := range recs {
		recs[i].RawStatus = models.ParseRawStatus(string(recs[i].RawStatus))
		recs[i].TrackingCode = strings.TrimSpace(recs[i].TrackingCode)
		if _, err := s.Upsert(recs[i]); err != nil {
			return i, errors.Wrapf(err, "seed record %d", i)
		}
	}
	return len(recs), nil
}

// clone copies rec deep enough that no pointer is shared with the store.
func clone(rec *models.DeliveryRecord) *models.DeliveryRecord {
	cp := *rec
	cp.CustomerPhone = dup(rec.CustomerPhone)
	cp.DeliveryAddress = dup(rec.DeliveryAddress)
	cp.ScheduledAt = dup(rec.ScheduledAt)
	cp.CompletedAt = dup(rec.CompletedAt)
	if rec.Courier != nil {
		c := *rec.Courier
		c.Phone = dup(c.Phone)
		c.VehicleType = dup(c.VehicleType)
		c.CurrentLat = dup(c.CurrentLat)
		c.CurrentLng = dup(c.CurrentLng)
		c.LocationUpdatedAt = dup(c.LocationUpdatedAt)
		cp.Courier = &c
	}
	return &cp
}

func dup[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
