package postgres

import "context"

const schema = `
CREATE TABLE IF NOT EXISTS products (
	id              BIGSERIAL PRIMARY KEY,
	name            TEXT NOT NULL,
	category        TEXT NOT NULL,
	buy_price       NUMERIC(12,2) NOT NULL,
	sell_price      NUMERIC(12,2) NOT NULL,
	stock           INTEGER NOT NULL DEFAULT 0 CHECK (stock >= 0),
	min_stock_alert INTEGER NOT NULL DEFAULT 0,
	expire_date     DATE,
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS members (
	id         BIGSERIAL PRIMARY KEY,
	phone      TEXT NOT NULL UNIQUE,
	name       TEXT NOT NULL,
	points     BIGINT NOT NULL DEFAULT 0 CHECK (points >= 0),
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS sales (
	id                  BIGSERIAL PRIMARY KEY,
	order_id            TEXT NOT NULL,
	product_id          BIGINT NOT NULL REFERENCES products(id),
	clerk_id            TEXT NOT NULL,
	quantity            INTEGER NOT NULL CHECK (quantity >= 0),
	buy_price_snapshot  NUMERIC(12,2) NOT NULL,
	sell_price_snapshot NUMERIC(12,2) NOT NULL,
	total_price         NUMERIC(12,2) NOT NULL,
	sale_time           TIMESTAMPTZ NOT NULL DEFAULT now(),
	member_id           BIGINT REFERENCES members(id)
);
CREATE INDEX IF NOT EXISTS sales_order_id_idx ON sales (order_id);
CREATE INDEX IF NOT EXISTS sales_clerk_time_idx ON sales (clerk_id, sale_time DESC);

CREATE TABLE IF NOT EXISTS modification_logs (
	id          BIGSERIAL PRIMARY KEY,
	sale_id     BIGINT NOT NULL REFERENCES sales(id),
	operator_id TEXT NOT NULL,
	action_type TEXT NOT NULL,
	details     TEXT NOT NULL,
	logged_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS checkouts (
	idempotency_key TEXT PRIMARY KEY,
	fingerprint     TEXT NOT NULL,
	result          JSONB NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS app_users (
	username   TEXT PRIMARY KEY,
	password   TEXT NOT NULL,
	role       TEXT NOT NULL,
	active     BOOLEAN NOT NULL DEFAULT true,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Migrate creates the ledger tables when they do not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return translate("migrate", err)
	}
	return nil
}
