package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BearBump/DeliveryTrack/internal/broker/messages"
	"github.com/BearBump/DeliveryTrack/internal/models"
	"github.com/stretchr/testify/require"
)

type failedMark struct {
	id     uint64
	reason string
	next   time.Time
}

type fakeRepo struct {
	mu        sync.Mutex
	batches   [][]*models.DeliveryChange
	claimErr  error
	markErr   error
	claims    int
	published []uint64
	failed    []failedMark
}

func (r *fakeRepo) ClaimPendingChanges(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.DeliveryChange, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.claims++
	if r.claimErr != nil {
		return nil, r.claimErr
	}
	if len(r.batches) == 0 {
		return nil, nil
	}
	b := r.batches[0]
	r.batches = r.batches[1:]
	return b, nil
}

func (r *fakeRepo) MarkChangesPublished(ctx context.Context, ids []uint64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.markErr != nil {
		return r.markErr
	}
	r.published = append(r.published, ids...)
	return nil
}

func (r *fakeRepo) MarkChangeFailed(ctx context.Context, id uint64, reason string, nextAttemptAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, failedMark{id: id, reason: reason, next: nextAttemptAt})
	return nil
}

func (r *fakeRepo) claimCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.claims
}

type fakeProducer struct {
	mu     sync.Mutex
	topics []string
	keys   []string
	values [][]byte
	failOn map[string]error
}

func (p *fakeProducer) Publish(ctx context.Context, topic string, key, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failOn[string(key)]; err != nil {
		return err
	}
	p.topics = append(p.topics, topic)
	p.keys = append(p.keys, string(key))
	p.values = append(p.values, value)
	return nil
}

func change(id uint64, deliveryID string, attempts int32) *models.DeliveryChange {
	return &models.DeliveryChange{
		ID:           id,
		DeliveryID:   deliveryID,
		TenantID:     "t-1",
		TrackingCode: "ORD-" + deliveryID,
		RawStatus:    models.RawStatusInTransit,
		ChangedAt:    time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC),
		Attempts:     attempts,
	}
}

func TestRelay_runOnce_PublishesAndMarks(t *testing.T) {
	repo := &fakeRepo{batches: [][]*models.DeliveryChange{{change(1, "d-1", 0), change(2, "d-2", 0)}}}
	fp := &fakeProducer{}
	r := New(repo, fp, "delivery.changed")

	r.runOnce(context.Background())

	require.ElementsMatch(t, []uint64{1, 2}, repo.published)
	require.ElementsMatch(t, []string{"d-1", "d-2"}, fp.keys)
	require.Equal(t, []string{"delivery.changed", "delivery.changed"}, fp.topics)

	var msg messages.DeliveryChanged
	require.NoError(t, json.Unmarshal(fp.values[0], &msg))
	require.Equal(t, "t-1", msg.TenantID)
	require.Equal(t, "in_transit", msg.RawStatus)
	require.Equal(t, fp.keys[0], msg.DeliveryID)

	st := r.Stats()
	require.EqualValues(t, 2, st.TotalClaimed)
	require.EqualValues(t, 2, st.TotalPublished)
	require.Zero(t, st.TotalErrors)
	require.Zero(t, st.InFlight)
	require.NotNil(t, st.LastCycleAt)
}

func TestRelay_runOnce_FailureReschedulesWithBackoff(t *testing.T) {
	repo := &fakeRepo{batches: [][]*models.DeliveryChange{{change(1, "d-1", 0), change(2, "d-2", 2)}}}
	fp := &fakeProducer{failOn: map[string]error{"d-2": errors.New("leader not available")}}
	r := New(repo, fp, "delivery.changed")

	before := time.Now().UTC()
	r.runOnce(context.Background())

	require.Equal(t, []uint64{1}, repo.published)
	require.Len(t, repo.failed, 1)
	require.EqualValues(t, 2, repo.failed[0].id)
	require.Equal(t, "leader not available", repo.failed[0].reason)
	// third attempt waits 30s
	require.WithinDuration(t, before.Add(30*time.Second), repo.failed[0].next, 2*time.Second)

	st := r.Stats()
	require.EqualValues(t, 1, st.TotalErrors)
	require.Equal(t, "leader not available", st.LastError)
}

func TestRelay_runOnce_ClaimError(t *testing.T) {
	repo := &fakeRepo{claimErr: errors.New("db down")}
	r := New(repo, &fakeProducer{}, "t")

	r.runOnce(context.Background())
	require.Equal(t, "db down", r.Stats().LastError)
	require.Zero(t, r.Stats().TotalClaimed)
}

func TestRelay_runOnce_MarkPublishedError(t *testing.T) {
	repo := &fakeRepo{
		batches: [][]*models.DeliveryChange{{change(1, "d-1", 0)}},
		markErr: errors.New("db down"),
	}
	r := New(repo, &fakeProducer{}, "t")

	r.runOnce(context.Background())
	require.Zero(t, r.Stats().TotalPublished)
	require.Equal(t, "db down", r.Stats().LastError)
}

func TestRelay_WithSettings(t *testing.T) {
	r := New(&fakeRepo{}, &fakeProducer{}, "t").
		WithSettings(5*time.Second, 7, 9, 11*time.Second)
	require.Equal(t, 5*time.Second, r.pollInterval)
	require.Equal(t, 7, r.batchSize)
	require.Equal(t, 9, r.concurrency)
	require.Equal(t, 11*time.Second, r.lease)

	r.WithSettings(0, 0, 0, 0)
	require.Equal(t, 7, r.batchSize)
}

func TestRelay_Run_StopsOnContextCancel(t *testing.T) {
	repo := &fakeRepo{}
	r := New(repo, &fakeProducer{}, "t").WithSettings(5*time.Millisecond, 1, 1, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := r.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.GreaterOrEqual(t, repo.claimCount(), 1)
}

func TestRelay_Trigger(t *testing.T) {
	repo := &fakeRepo{}
	r := New(repo, &fakeProducer{}, "t").WithSettings(time.Hour, 1, 1, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	r.Trigger()
	r.Trigger()
	require.Eventually(t, func() bool { return repo.claimCount() >= 1 }, time.Second, time.Millisecond)
	require.NotNil(t, r.Stats().LastTriggerAt)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}
