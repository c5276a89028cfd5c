package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
)

// pool is the subset of *pgxpool.Pool used by PostgresStore. pgxmock's
// PgxPoolIface satisfies it for unit tests.
type pool interface {
	pgQuerier
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	*repo
	pool pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	p, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return newPostgresStore(p), nil
}

func newPostgresStore(p pool) *PostgresStore {
	return &PostgresStore{repo: &repo{c: pgConn{q: p}, name: "postgres"}, pool: p}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS orders (
	id           TEXT PRIMARY KEY,
	tenant_id    TEXT NOT NULL DEFAULT '',
	order_number TEXT,
	status       TEXT NOT NULL,
	priority     TEXT NOT NULL DEFAULT '',
	version      BIGINT NOT NULL DEFAULT 1,
	data         JSONB NOT NULL,
	created_at   BIGINT NOT NULL,
	updated_at   BIGINT NOT NULL,
	UNIQUE (tenant_id, order_number)
);

CREATE TABLE IF NOT EXISTS order_sku_items (
	id          TEXT PRIMARY KEY,
	order_id    TEXT NOT NULL REFERENCES orders(id),
	line_number INTEGER NOT NULL,
	data        JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS order_steps (
	id         TEXT PRIMARY KEY,
	order_id   TEXT NOT NULL REFERENCES orders(id),
	category   TEXT NOT NULL,
	attempt    INTEGER NOT NULL,
	status     TEXT NOT NULL,
	data       JSONB NOT NULL,
	created_at BIGINT NOT NULL,
	UNIQUE (order_id, category, attempt)
);

CREATE TABLE IF NOT EXISTS order_tracking (
	seq        BIGSERIAL PRIMARY KEY,
	id         TEXT NOT NULL UNIQUE,
	order_id   TEXT NOT NULL REFERENCES orders(id),
	status     TEXT NOT NULL,
	category   TEXT NOT NULL,
	message    TEXT NOT NULL,
	details    JSONB NOT NULL,
	created_at BIGINT NOT NULL
);

CREATE OR REPLACE FUNCTION order_tracking_append_only() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION 'order_tracking is append-only';
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS order_tracking_no_mutation ON order_tracking;
CREATE TRIGGER order_tracking_no_mutation BEFORE UPDATE OR DELETE ON order_tracking
	FOR EACH ROW EXECUTE FUNCTION order_tracking_append_only();

CREATE TABLE IF NOT EXISTS order_emails (
	id         TEXT PRIMARY KEY,
	order_id   TEXT NOT NULL REFERENCES orders(id),
	status     TEXT NOT NULL,
	data       JSONB NOT NULL,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS order_user_actions (
	id         TEXT PRIMARY KEY,
	order_id   TEXT NOT NULL REFERENCES orders(id),
	status     TEXT NOT NULL,
	data       JSONB NOT NULL,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS ai_threads (
	id         TEXT PRIMARY KEY,
	order_id   TEXT NOT NULL REFERENCES orders(id),
	status     TEXT NOT NULL,
	data       JSONB NOT NULL,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
CREATE INDEX IF NOT EXISTS idx_order_sku_items_order ON order_sku_items(order_id);
CREATE INDEX IF NOT EXISTS idx_order_steps_order ON order_steps(order_id);
CREATE INDEX IF NOT EXISTS idx_order_tracking_order_seq ON order_tracking(order_id, seq);
CREATE INDEX IF NOT EXISTS idx_order_emails_order ON order_emails(order_id);
CREATE INDEX IF NOT EXISTS idx_order_emails_status ON order_emails(status, updated_at);
CREATE INDEX IF NOT EXISTS idx_order_user_actions_order ON order_user_actions(order_id);
CREATE INDEX IF NOT EXISTS idx_ai_threads_status ON ai_threads(status);
`

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// InTx runs fn inside a transaction, rolling back when fn fails.
func (s *PostgresStore) InTx(ctx context.Context, fn func(Repo) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin")
	}
	if err := fn(&repo{c: pgConn{q: tx}, name: "postgres"}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
