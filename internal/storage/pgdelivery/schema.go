package pgdelivery

import (
	"context"

	"github.com/pkg/errors"
)

// The deliveries and couriers tables are written by the order system. The
// triggers below fill delivery_changes, which the relay drains to Kafka.
func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS couriers (
  id TEXT PRIMARY KEY,
  tenant_id TEXT NOT NULL,
  name TEXT NOT NULL,
  phone TEXT NULL,
  vehicle_type TEXT NULL,
  current_lat DOUBLE PRECISION NULL,
  current_lng DOUBLE PRECISION NULL,
  location_updated_at TIMESTAMPTZ NULL
)`,
		`
CREATE TABLE IF NOT EXISTS deliveries (
  id TEXT PRIMARY KEY,
  tenant_id TEXT NOT NULL,
  tracking_code TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'pending',
  customer_name TEXT NOT NULL DEFAULT '',
  customer_phone TEXT NULL,
  delivery_address TEXT NULL,
  total_amount NUMERIC(12,2) NOT NULL DEFAULT 0,
  courier_id TEXT NULL REFERENCES couriers(id) ON DELETE SET NULL,
  scheduled_at TIMESTAMPTZ NULL,
  completed_at TIMESTAMPTZ NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  UNIQUE (tenant_id, tracking_code)
)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_courier_id ON deliveries(courier_id)`,
		`
CREATE TABLE IF NOT EXISTS delivery_changes (
  id BIGSERIAL PRIMARY KEY,
  delivery_id TEXT NOT NULL,
  tenant_id TEXT NOT NULL,
  tracking_code TEXT NOT NULL,
  status TEXT NOT NULL,
  changed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  attempts INT NOT NULL DEFAULT 0,
  next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  last_error TEXT NULL,
  published_at TIMESTAMPTZ NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_delivery_changes_pending ON delivery_changes(next_attempt_at) WHERE published_at IS NULL`,
		`
CREATE OR REPLACE FUNCTION delivery_changes_from_delivery() RETURNS trigger AS $$
BEGIN
  INSERT INTO delivery_changes (delivery_id, tenant_id, tracking_code, status)
  VALUES (NEW.id, NEW.tenant_id, NEW.tracking_code, NEW.status);
  RETURN NEW;
END;
$$ LANGUAGE plpgsql`,
		`DROP TRIGGER IF EXISTS trg_deliveries_changed ON deliveries`,
		`
CREATE TRIGGER trg_deliveries_changed
AFTER INSERT OR UPDATE ON deliveries
FOR EACH ROW EXECUTE FUNCTION delivery_changes_from_delivery()`,
		`
CREATE OR REPLACE FUNCTION delivery_changes_from_courier() RETURNS trigger AS $$
BEGIN
  INSERT INTO delivery_changes (delivery_id, tenant_id, tracking_code, status)
  SELECT d.id, d.tenant_id, d.tracking_code, d.status
  FROM deliveries d
  WHERE d.courier_id = NEW.id
    AND d.status NOT IN ('delivered', 'cancelled');
  RETURN NEW;
END;
$$ LANGUAGE plpgsql`,
		`DROP TRIGGER IF EXISTS trg_couriers_moved ON couriers`,
		`
CREATE TRIGGER trg_couriers_moved
AFTER UPDATE OF current_lat, current_lng ON couriers
FOR EACH ROW EXECUTE FUNCTION delivery_changes_from_courier()`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
