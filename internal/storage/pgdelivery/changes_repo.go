package pgdelivery

import (
	"context"
	"time"

	"github.com/BearBump/DeliveryTrack/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// ClaimPendingChanges picks a batch of unpublished outbox rows and leases
// them by moving next_attempt_at forward, so another relay replica skips them
// while this one publishes. Uses SELECT ... FOR UPDATE SKIP LOCKED.
func (s *Storage) ClaimPendingChanges(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.DeliveryChange, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
SELECT id, delivery_id, tenant_id, tracking_code, status,
       changed_at, attempts, next_attempt_at, last_error
FROM delivery_changes
WHERE published_at IS NULL
  AND next_attempt_at <= $1
ORDER BY id ASC
LIMIT $2
FOR UPDATE SKIP LOCKED
`, now.UTC(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "select pending changes")
	}
	defer rows.Close()

	var picked []*models.DeliveryChange
	ids := make([]uint64, 0, limit)
	for rows.Next() {
		var c models.DeliveryChange
		var status string
		if err := rows.Scan(
			&c.ID, &c.DeliveryID, &c.TenantID, &c.TrackingCode, &status,
			&c.ChangedAt, &c.Attempts, &c.NextAttemptAt, &c.LastError,
		); err != nil {
			return nil, errors.Wrap(err, "scan pending change")
		}
		c.RawStatus = models.ParseRawStatus(status)
		picked = append(picked, &c)
		ids = append(ids, c.ID)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	if len(picked) == 0 {
		return picked, nil
	}

	leaseUntil := now.UTC().Add(lease)
	if _, err := tx.Exec(ctx, `UPDATE delivery_changes SET next_attempt_at = $2 WHERE id = ANY($1)`, ids, leaseUntil); err != nil {
		return nil, errors.Wrap(err, "lease changes")
	}
	for _, c := range picked {
		c.NextAttemptAt = leaseUntil
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return picked, nil
}

func (s *Storage) MarkChangesPublished(ctx context.Context, ids []uint64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.Exec(ctx, `
UPDATE delivery_changes
SET published_at = $2, last_error = NULL
WHERE id = ANY($1)
`, ids, at.UTC())
	return errors.Wrap(err, "mark changes published")
}

func (s *Storage) MarkChangeFailed(ctx context.Context, id uint64, reason string, nextAttemptAt time.Time) error {
	_, err := s.db.Exec(ctx, `
UPDATE delivery_changes
SET attempts = attempts + 1,
    last_error = $2,
    next_attempt_at = $3
WHERE id = $1
`, id, reason, nextAttemptAt.UTC())
	return errors.Wrap(err, "mark change failed")
}

// PendingChanges counts rows not yet published.
func (s *Storage) PendingChanges(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRow(ctx, `SELECT count(*) FROM delivery_changes WHERE published_at IS NULL`).Scan(&n)
	return n, errors.Wrap(err, "count pending changes")
}
