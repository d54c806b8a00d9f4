package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/DeliveryTrack/internal/broker/messages"
	"github.com/BearBump/DeliveryTrack/internal/models"
	"github.com/pkg/errors"
)

type Repository interface {
	ClaimPendingChanges(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.DeliveryChange, error)
	MarkChangesPublished(ctx context.Context, ids []uint64, at time.Time) error
	MarkChangeFailed(ctx context.Context, id uint64, reason string, nextAttemptAt time.Time) error
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// Relay drains the delivery_changes outbox into the change topic.
type Relay struct {
	repo     Repository
	producer Producer
	topic    string

	planner *Planner

	pollInterval   time.Duration
	batchSize      int
	concurrency    int
	lease          time.Duration
	publishTimeout time.Duration

	triggerCh chan struct{}

	startedAtUnixNano   int64
	lastCycleUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalClaimed        atomic.Int64
	totalPublished      atomic.Int64
	totalErrors         atomic.Int64
	inFlight            atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func New(repo Repository, producer Producer, topic string) *Relay {
	return &Relay{
		repo: repo, producer: producer, topic: topic,
		planner:           NewPlanner(DefaultPlannerConfig(), nil),
		pollInterval:      time.Second,
		batchSize:         100,
		concurrency:       10,
		lease:             30 * time.Second,
		publishTimeout:    5 * time.Second,
		triggerCh:         make(chan struct{}, 1),
		startedAtUnixNano: time.Now().UTC().UnixNano(),
	}
}

func (r *Relay) WithSettings(pollInterval time.Duration, batchSize, concurrency int, lease time.Duration) *Relay {
	if pollInterval > 0 {
		r.pollInterval = pollInterval
	}
	if batchSize > 0 {
		r.batchSize = batchSize
	}
	if concurrency > 0 {
		r.concurrency = concurrency
	}
	if lease > 0 {
		r.lease = lease
	}
	return r
}

func (r *Relay) WithPlanner(cfg PlannerConfig) *Relay {
	r.planner = NewPlanner(cfg, nil)
	return r
}

// Trigger forces an immediate cycle (best-effort, non-blocking).
func (r *Relay) Trigger() {
	r.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case r.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt      time.Time  `json:"startedAt"`
	LastCycleAt    *time.Time `json:"lastCycleAt,omitempty"`
	LastTriggerAt  *time.Time `json:"lastTriggerAt,omitempty"`
	TotalClaimed   int64      `json:"totalClaimed"`
	TotalPublished int64      `json:"totalPublished"`
	TotalErrors    int64      `json:"totalErrors"`
	InFlight       int64      `json:"inFlight"`
	LastError      string     `json:"lastError,omitempty"`
}

func (r *Relay) Stats() Stats {
	st := Stats{
		StartedAt:      time.Unix(0, r.startedAtUnixNano).UTC(),
		TotalClaimed:   r.totalClaimed.Load(),
		TotalPublished: r.totalPublished.Load(),
		TotalErrors:    r.totalErrors.Load(),
		InFlight:       r.inFlight.Load(),
	}
	if n := r.lastCycleUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastCycleAt = &t
	}
	if n := r.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	r.lastErrorMu.Lock()
	st.LastError = r.lastError
	r.lastErrorMu.Unlock()
	return st
}

func (r *Relay) Run(ctx context.Context) error {
	t := time.NewTicker(r.pollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			r.runOnce(ctx)
		case <-r.triggerCh:
			r.runOnce(ctx)
		}
	}
}

func (r *Relay) setLastError(err error) {
	r.lastErrorMu.Lock()
	r.lastError = err.Error()
	r.lastErrorMu.Unlock()
}

func (r *Relay) runOnce(ctx context.Context) {
	now := time.Now().UTC()
	r.lastCycleUnixNano.Store(now.UnixNano())

	items, err := r.repo.ClaimPendingChanges(ctx, now, r.batchSize, r.lease)
	if err != nil {
		slog.Error("claim pending changes", "error", err.Error())
		r.setLastError(err)
		return
	}
	if len(items) == 0 {
		return
	}
	r.totalClaimed.Add(int64(len(items)))

	var (
		mu        sync.Mutex
		published []uint64
	)
	sem := make(chan struct{}, r.concurrency)
	var wg sync.WaitGroup
	for _, ch := range items {
		sem <- struct{}{}
		wg.Add(1)
		r.inFlight.Add(1)
		go func(ch *models.DeliveryChange) {
			defer func() {
				r.inFlight.Add(-1)
				<-sem
				wg.Done()
			}()
			if err := r.publishOne(ctx, ch); err != nil {
				r.totalErrors.Add(1)
				r.setLastError(err)
				slog.Error("publish delivery change",
					"change_id", ch.ID, "delivery_id", ch.DeliveryID, "attempt", ch.Attempts+1, "error", err.Error())
				r.reschedule(ctx, ch, err)
				return
			}
			mu.Lock()
			published = append(published, ch.ID)
			mu.Unlock()
		}(ch)
	}
	wg.Wait()

	if len(published) == 0 {
		return
	}
	if err := r.repo.MarkChangesPublished(ctx, published, time.Now().UTC()); err != nil {
		// the lease runs out and the rows go out again; consumers tolerate repeats
		slog.Error("mark changes published", "count", len(published), "error", err.Error())
		r.setLastError(err)
		return
	}
	r.totalPublished.Add(int64(len(published)))
}

func (r *Relay) publishOne(ctx context.Context, ch *models.DeliveryChange) error {
	msg := messages.DeliveryChanged{
		ChangeID:     ch.ID,
		DeliveryID:   ch.DeliveryID,
		TenantID:     ch.TenantID,
		TrackingCode: ch.TrackingCode,
		RawStatus:    string(ch.RawStatus),
		ChangedAt:    ch.ChangedAt.UTC(),
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshal kafka msg")
	}

	pctx, cancel := context.WithTimeout(ctx, r.publishTimeout)
	defer cancel()
	return r.producer.Publish(pctx, r.topic, []byte(ch.DeliveryID), b)
}

func (r *Relay) reschedule(ctx context.Context, ch *models.DeliveryChange, cause error) {
	next := time.Now().UTC().Add(r.planner.BackoffDelay(ch.Attempts + 1))
	if err := r.repo.MarkChangeFailed(ctx, ch.ID, cause.Error(), next); err != nil {
		slog.Error("mark change failed", "change_id", ch.ID, "error", err.Error())
	}
}
