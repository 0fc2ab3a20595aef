package store

// Schema creates every Postgres table PostgresDAO, PostgresEventLog and PostgresActionStore use. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS fulfillment_orders (
	order_id    TEXT PRIMARY KEY,
	po_id       TEXT NOT NULL UNIQUE,
	supplier_id TEXT NOT NULL,
	customer_id TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	amount      DOUBLE PRECISION NOT NULL,
	payload     JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS fulfillment_orders_customer_idx ON fulfillment_orders (customer_id);

CREATE TABLE IF NOT EXISTS fulfillment_order_events (
	id       BIGSERIAL PRIMARY KEY,
	order_id TEXT NOT NULL REFERENCES fulfillment_orders (order_id),
	ts       TIMESTAMPTZ NOT NULL,
	type     TEXT NOT NULL,
	step     TEXT NOT NULL DEFAULT '',
	data     JSONB
);
CREATE INDEX IF NOT EXISTS fulfillment_order_events_order_idx ON fulfillment_order_events (order_id, id);

CREATE TABLE IF NOT EXISTS fulfillment_clusters (
	cluster_id        TEXT PRIMARY KEY,
	category          TEXT NOT NULL,
	city              TEXT NOT NULL DEFAULT '',
	band_min          DOUBLE PRECISION NOT NULL DEFAULT 0,
	band_max          DOUBLE PRECISION NOT NULL DEFAULT 0,
	supplier_ids      TEXT[] NOT NULL DEFAULT '{}',
	pooled_saving_pct DOUBLE PRECISION NOT NULL DEFAULT 0,
	sla_risk_pct      DOUBLE PRECISION NOT NULL DEFAULT 0,
	pooled_orders     INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS fulfillment_suppliers (
	supplier_id  TEXT PRIMARY KEY,
	name         TEXT NOT NULL DEFAULT '',
	chat_id      TEXT NOT NULL DEFAULT '',
	city         TEXT NOT NULL DEFAULT '',
	on_time_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
	qa_score     DOUBLE PRECISION NOT NULL DEFAULT 0,
	proximity    DOUBLE PRECISION NOT NULL DEFAULT 0,
	reliability  DOUBLE PRECISION NOT NULL DEFAULT 0,
	capacity     DOUBLE PRECISION NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS fulfillment_reservations (
	supplier_id TEXT NOT NULL,
	ref         TEXT NOT NULL,
	quantity    DOUBLE PRECISION NOT NULL,
	reserved    BOOLEAN NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (supplier_id, ref)
);

CREATE TABLE IF NOT EXISTS fulfillment_rfps (
	rfp_id   TEXT PRIMARY KEY,
	order_id TEXT NOT NULL,
	round    INTEGER NOT NULL,
	payload  JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS fulfillment_quotes (
	rfp_id       TEXT NOT NULL REFERENCES fulfillment_rfps (rfp_id),
	supplier_id  TEXT NOT NULL,
	submitted_at TIMESTAMPTZ NOT NULL,
	payload      JSONB NOT NULL,
	PRIMARY KEY (rfp_id, supplier_id)
);

CREATE TABLE IF NOT EXISTS fulfillment_ops_tasks (
	task_id    TEXT PRIMARY KEY,
	order_id   TEXT NOT NULL,
	status     TEXT NOT NULL,
	due        TIMESTAMPTZ,
	payload    JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS fulfillment_ops_tasks_open_idx ON fulfillment_ops_tasks (status, due);

CREATE TABLE IF NOT EXISTS fulfillment_ledger (
	id           BIGSERIAL PRIMARY KEY,
	order_id     TEXT NOT NULL,
	payment_id   TEXT NOT NULL DEFAULT '',
	amount_paise BIGINT NOT NULL,
	currency     TEXT NOT NULL,
	status       TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS fulfillment_learn (
	order_id    TEXT NOT NULL,
	supplier_id TEXT NOT NULL,
	delta       DOUBLE PRECISION NOT NULL,
	outcome     TEXT NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (order_id, supplier_id)
);

CREATE TABLE IF NOT EXISTS fulfillment_actions (
	kind       TEXT NOT NULL,
	ref        TEXT NOT NULL,
	order_id   TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL,
	payload    JSONB,
	result     JSONB,
	attempts   INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (kind, ref)
);

CREATE TABLE IF NOT EXISTS fulfillment_log (
	order_id       TEXT NOT NULL,
	seq            INTEGER NOT NULL,
	kind           TEXT NOT NULL,
	step           TEXT NOT NULL DEFAULT '',
	at             TIMESTAMPTZ NOT NULL,
	policy_version TEXT NOT NULL DEFAULT '',
	payload        JSONB NOT NULL,
	PRIMARY KEY (order_id, seq)
);

CREATE TABLE IF NOT EXISTS fulfillment_correlation (
	correlation_id TEXT PRIMARY KEY,
	order_id       TEXT NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS fulfillment_wakes (
	order_id TEXT PRIMARY KEY,
	wake_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS fulfillment_wakes_at_idx ON fulfillment_wakes (wake_at);
`
