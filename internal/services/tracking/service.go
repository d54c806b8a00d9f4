package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BearBump/DeliveryTrack/internal/broker/messages"
	"github.com/BearBump/DeliveryTrack/internal/cache"
	"github.com/BearBump/DeliveryTrack/internal/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// RecordStore reads delivery records. Every read is scoped by tenant.
type RecordStore interface {
	GetByTrackingCode(ctx context.Context, tenantID, trackingCode string) (*models.DeliveryRecord, error)
}

// Hub is the in-process side of the change feed.
type Hub interface {
	ChangeFeed
	Publish(recordID string) int
}

type Service struct {
	store      RecordStore
	cache      cache.BytesCache
	currentTTL time.Duration
	hub        Hub
	opts       Options
}

func New(store RecordStore, c cache.BytesCache, currentTTL time.Duration, hub Hub, opts Options) *Service {
	return &Service{store: store, cache: c, currentTTL: currentTTL, hub: hub, opts: opts.withDefaults()}
}

func (s *Service) Options() Options { return s.opts }

// Open starts a session for the direct tracking route. The caller triggers
// the first fetch with Refresh.
func (s *Service) Open(tenantID, trackingCode string) *Session {
	return NewSession(s.fetcher(tenantID, trackingCode), s.feed(), s.opts)
}

// OpenAuthorized starts a session from a record that passed the lookup gate
// or came with a valid view token.
func (s *Service) OpenAuthorized(rec *models.DeliveryRecord) *Session {
	sess := NewSession(s.fetcher(rec.TenantID, rec.TrackingCode), s.feed(), s.opts)
	sess.Seed(rec)
	return sess
}

// Snapshot is a one-shot session: fetch, map, close.
func (s *Service) Snapshot(ctx context.Context, tenantID, trackingCode string) (View, error) {
	sess := s.Open(tenantID, trackingCode)
	defer sess.Close()
	return sess.Refresh(ctx)
}

func (s *Service) feed() ChangeFeed {
	if s.hub == nil {
		return nil
	}
	return s.hub
}

func (s *Service) fetcher(tenantID, trackingCode string) Fetcher {
	return func(ctx context.Context) (*models.DeliveryRecord, error) {
		return s.GetRecord(ctx, tenantID, trackingCode)
	}
}

func (s *Service) cacheEnabled() bool {
	return s.cache != nil && s.currentTTL > 0
}

// GetRecord reads through the current-record cache. Cache failures are
// treated as misses.
//
// A fill races with ApplyChange: the store read may return the row as it was
// before the change, and the Set may land after the change dropped the key.
// ApplyChange rewrites the change marker before dropping the key, so a fill
// that sees the marker move between its two reads drops what it just wrote.
func (s *Service) GetRecord(ctx context.Context, tenantID, trackingCode string) (*models.DeliveryRecord, error) {
	if tenantID == "" || trackingCode == "" {
		return nil, models.ErrNotFound
	}
	key := currentKey(tenantID, trackingCode)
	marker := changedKey(tenantID, trackingCode)

	var (
		before   []byte
		canStore bool
	)
	if s.cacheEnabled() {
		b, ok, err := s.cache.Get(ctx, key)
		if err == nil && ok {
			var rec models.DeliveryRecord
			if json.Unmarshal(b, &rec) == nil && rec.TenantID == tenantID {
				return &rec, nil
			}
		}
		m, _, err := s.cache.Get(ctx, marker)
		before, canStore = m, err == nil
	}

	rec, err := s.store.GetByTrackingCode(ctx, tenantID, trackingCode)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.TenantID != tenantID {
		return nil, models.ErrNotFound
	}

	if canStore {
		s.fill(ctx, key, marker, before, rec)
	}
	return rec, nil
}

func (s *Service) fill(ctx context.Context, key, marker string, before []byte, rec *models.DeliveryRecord) {
	b, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, b, s.currentTTL); err != nil {
		return
	}
	after, _, err := s.cache.Get(ctx, marker)
	if err == nil && string(after) == string(before) {
		return
	}
	// a change landed while the record was being read
	if err := s.cache.Del(ctx, key); err != nil {
		slog.Warn("drop raced cache fill", "key", key, "error", err.Error())
	}
}

// ApplyChange handles one change-feed message: the change marker moves, the
// cached record is dropped and the sessions watching the delivery are poked.
func (s *Service) ApplyChange(ctx context.Context, msg messages.DeliveryChanged) error {
	if msg.DeliveryID == "" {
		return errors.New("delivery_id is required")
	}
	if msg.TenantID == "" {
		return errors.New("tenant_id is required")
	}

	if s.cacheEnabled() && msg.TrackingCode != "" {
		marker := changedKey(msg.TenantID, msg.TrackingCode)
		if err := s.cache.Set(ctx, marker, []byte(uuid.NewString()), s.currentTTL); err != nil {
			slog.Warn("move change marker", "delivery_id", msg.DeliveryID, "error", err.Error())
		}
		if err := s.cache.Del(ctx, currentKey(msg.TenantID, msg.TrackingCode)); err != nil {
			slog.Warn("drop cached delivery", "delivery_id", msg.DeliveryID, "error", err.Error())
		}
	}

	if s.hub != nil {
		n := s.hub.Publish(msg.DeliveryID)
		slog.Debug("delivery change fanned out", "delivery_id", msg.DeliveryID, "sessions", n)
	}
	return nil
}

func currentKey(tenantID, trackingCode string) string {
	return fmt.Sprintf("delivery:%s:%s:current", tenantID, trackingCode)
}

func changedKey(tenantID, trackingCode string) string {
	return fmt.Sprintf("delivery:%s:%s:changed", tenantID, trackingCode)
}
