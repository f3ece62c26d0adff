package pgstore

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS orders (
  id BIGSERIAL PRIMARY KEY,
  company_id BIGINT NOT NULL,
  external_order_id TEXT NULL,
  order_no TEXT NOT NULL,
  channel TEXT NOT NULL,
  payment_mode TEXT NOT NULL,
  status TEXT NOT NULL,
  subtotal NUMERIC(14,2) NOT NULL DEFAULT 0,
  tax_total NUMERIC(14,2) NOT NULL DEFAULT 0,
  discount NUMERIC(14,2) NOT NULL DEFAULT 0,
  grand_total NUMERIC(14,2) NOT NULL DEFAULT 0,
  cod_amount NUMERIC(14,2) NOT NULL DEFAULT 0,
  customer_name TEXT NOT NULL DEFAULT '',
  customer_phone TEXT NOT NULL DEFAULT '',
  customer_email TEXT NOT NULL DEFAULT '',
  shipping_address TEXT NOT NULL DEFAULT '',
  shipping_city TEXT NOT NULL DEFAULT '',
  shipping_state TEXT NOT NULL DEFAULT '',
  shipping_pincode TEXT NOT NULL DEFAULT '',
  order_date TIMESTAMPTZ NOT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  UNIQUE (company_id, order_no)
)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_company_status ON orders(company_id, status)`,
		`CREATE SEQUENCE IF NOT EXISTS order_no_seq`,
		`
CREATE TABLE IF NOT EXISTS order_items (
  id BIGSERIAL PRIMARY KEY,
  order_id BIGINT NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
  sku_id BIGINT NOT NULL,
  sku_code TEXT NOT NULL,
  channel_sku TEXT NOT NULL DEFAULT '',
  quantity INT NOT NULL,
  alloced_qty INT NOT NULL DEFAULT 0,
  picked_qty INT NOT NULL DEFAULT 0,
  packed_qty INT NOT NULL DEFAULT 0,
  shipped_qty INT NOT NULL DEFAULT 0,
  unit_price NUMERIC(14,2) NOT NULL DEFAULT 0,
  tax NUMERIC(14,2) NOT NULL DEFAULT 0,
  discount NUMERIC(14,2) NOT NULL DEFAULT 0,
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_order_items_order_id ON order_items(order_id)`,
		`
CREATE TABLE IF NOT EXISTS deliveries (
  id BIGSERIAL PRIMARY KEY,
  company_id BIGINT NOT NULL,
  order_id BIGINT NULL REFERENCES orders(id),
  awb TEXT NOT NULL,
  carrier_code TEXT NOT NULL,
  status TEXT NOT NULL,
  status_raw TEXT NOT NULL DEFAULT '',
  ship_date TIMESTAMPTZ NULL,
  delivery_date TIMESTAMPTZ NULL,
  edd TIMESTAMPTZ NULL,
  remarks TEXT NULL,
  manifest_no TEXT NULL,
  declared_weight NUMERIC(10,3) NULL,
  charged_weight NUMERIC(10,3) NULL,
  last_checked_at TIMESTAMPTZ NULL,
  next_check_at TIMESTAMPTZ NOT NULL,
  check_fail_count INT NOT NULL DEFAULT 0,
  last_error TEXT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		// AWB уникален в рамках перевозчика, как только назначен. Заготовки
		// (заказ принят, отгрузка ещё не забронирована) живут с пустым awb.
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_deliveries_carrier_awb ON deliveries(carrier_code, awb) WHERE awb <> ''`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_next_check_at ON deliveries(next_check_at)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_company_status ON deliveries(company_id, status)`,
		`
CREATE TABLE IF NOT EXISTS delivery_events (
  id BIGSERIAL PRIMARY KEY,
  delivery_id BIGINT NOT NULL REFERENCES deliveries(id) ON DELETE CASCADE,
  status TEXT NOT NULL,
  status_raw TEXT NOT NULL,
  event_time TIMESTAMPTZ NOT NULL,
  location TEXT NOT NULL DEFAULT '',
  remark TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_delivery_events_delivery_id_event_time ON delivery_events(delivery_id, event_time DESC)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_delivery_events_dedup ON delivery_events(delivery_id, status_raw, event_time, location, remark)`,
		`
CREATE TABLE IF NOT EXISTS ndrs (
  id BIGSERIAL PRIMARY KEY,
  company_id BIGINT NOT NULL,
  delivery_id BIGINT NOT NULL REFERENCES deliveries(id) ON DELETE CASCADE,
  order_id BIGINT NULL,
  attempt_number INT NOT NULL DEFAULT 1,
  reason TEXT NOT NULL,
  priority TEXT NOT NULL,
  risk_score INT NOT NULL DEFAULT 0,
  carrier_remark TEXT NULL,
  status TEXT NOT NULL,
  resolved_at TIMESTAMPTZ NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		// Не больше одного незакрытого NDR на отправление.
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_ndrs_open_delivery ON ndrs(delivery_id) WHERE status NOT IN ('RESOLVED','RTO','CLOSED')`,
		`CREATE INDEX IF NOT EXISTS idx_ndrs_company_status ON ndrs(company_id, status)`,
		`
CREATE TABLE IF NOT EXISTS marketplace_connections (
  id BIGSERIAL PRIMARY KEY,
  company_id BIGINT NOT NULL,
  channel TEXT NOT NULL,
  credentials JSONB NOT NULL DEFAULT '{}',
  access_token TEXT NULL,
  refresh_token TEXT NULL,
  status TEXT NOT NULL,
  last_sync_at TIMESTAMPTZ NULL,
  last_error TEXT NULL,
  last_error_at TIMESTAMPTZ NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_mkt_connections_company ON marketplace_connections(company_id)`,
		`
CREATE TABLE IF NOT EXISTS marketplace_oauth_tokens (
  id BIGSERIAL PRIMARY KEY,
  connection_id BIGINT NOT NULL REFERENCES marketplace_connections(id) ON DELETE CASCADE,
  access_token TEXT NOT NULL,
  refresh_token TEXT NULL,
  token_type TEXT NOT NULL DEFAULT 'bearer',
  expires_at TIMESTAMPTZ NULL,
  is_valid BOOLEAN NOT NULL DEFAULT TRUE,
  refresh_count INT NOT NULL DEFAULT 0,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		// Один валидный токен на подключение.
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_oauth_tokens_valid ON marketplace_oauth_tokens(connection_id) WHERE is_valid`,
		`
CREATE TABLE IF NOT EXISTS marketplace_order_sync (
  id BIGSERIAL PRIMARY KEY,
  company_id BIGINT NOT NULL,
  connection_id BIGINT NOT NULL REFERENCES marketplace_connections(id) ON DELETE CASCADE,
  external_order_id TEXT NOT NULL,
  status TEXT NOT NULL,
  order_id BIGINT NULL,
  order_no TEXT NULL,
  error TEXT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  UNIQUE (company_id, connection_id, external_order_id)
)`,
		`
CREATE TABLE IF NOT EXISTS marketplace_sku_mappings (
  id BIGSERIAL PRIMARY KEY,
  company_id BIGINT NOT NULL,
  channel TEXT NOT NULL,
  channel_sku TEXT NOT NULL,
  sku_id BIGINT NOT NULL,
  sku_code TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  UNIQUE (company_id, channel, channel_sku)
)`,
		`
CREATE TABLE IF NOT EXISTS inventory (
  id BIGSERIAL PRIMARY KEY,
  company_id BIGINT NOT NULL,
  sku_id BIGINT NOT NULL,
  location_id BIGINT NOT NULL,
  bin_id BIGINT NULL,
  quantity INT NOT NULL DEFAULT 0,
  reserved_qty INT NOT NULL DEFAULT 0,
  fifo_sequence BIGINT NOT NULL DEFAULT 0,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  CHECK (reserved_qty >= 0 AND reserved_qty <= quantity)
)`,
		`CREATE INDEX IF NOT EXISTS idx_inventory_company_sku_fifo ON inventory(company_id, sku_id, fifo_sequence)`,
		`
CREATE TABLE IF NOT EXISTS marketplace_sync_jobs (
  id UUID PRIMARY KEY,
  company_id BIGINT NOT NULL,
  connection_id BIGINT NOT NULL,
  job_type TEXT NOT NULL,
  status TEXT NOT NULL,
  processed INT NOT NULL DEFAULT 0,
  succeeded INT NOT NULL DEFAULT 0,
  failed INT NOT NULL DEFAULT 0,
  skipped INT NOT NULL DEFAULT 0,
  error_log JSONB NOT NULL DEFAULT '[]',
  started_at TIMESTAMPTZ NULL,
  finished_at TIMESTAMPTZ NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_jobs_connection ON marketplace_sync_jobs(connection_id, created_at DESC)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
