package store

import (
	"context"
	"database/sql"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	*repo
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
// A single connection serializes writers, so InTx never sees SQLITE_BUSY
// from a competing transaction in this process.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{repo: &repo{c: sqlConn{q: db}, name: "sqlite"}, db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS orders (
	id           TEXT PRIMARY KEY,
	tenant_id    TEXT NOT NULL DEFAULT '',
	order_number TEXT,
	status       TEXT NOT NULL,
	priority     TEXT NOT NULL DEFAULT '',
	version      INTEGER NOT NULL DEFAULT 1,
	data         TEXT NOT NULL,
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL,
	UNIQUE (tenant_id, order_number)
);

CREATE TABLE IF NOT EXISTS order_sku_items (
	id          TEXT PRIMARY KEY,
	order_id    TEXT NOT NULL REFERENCES orders(id),
	line_number INTEGER NOT NULL,
	data        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS order_steps (
	id         TEXT PRIMARY KEY,
	order_id   TEXT NOT NULL REFERENCES orders(id),
	category   TEXT NOT NULL,
	attempt    INTEGER NOT NULL,
	status     TEXT NOT NULL,
	data       TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	UNIQUE (order_id, category, attempt)
);

CREATE TABLE IF NOT EXISTS order_tracking (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	order_id   TEXT NOT NULL REFERENCES orders(id),
	status     TEXT NOT NULL,
	category   TEXT NOT NULL,
	message    TEXT NOT NULL,
	details    TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TRIGGER IF NOT EXISTS order_tracking_no_update BEFORE UPDATE ON order_tracking
BEGIN
	SELECT RAISE(ABORT, 'order_tracking is append-only');
END;

CREATE TRIGGER IF NOT EXISTS order_tracking_no_delete BEFORE DELETE ON order_tracking
BEGIN
	SELECT RAISE(ABORT, 'order_tracking is append-only');
END;

CREATE TABLE IF NOT EXISTS order_emails (
	id         TEXT PRIMARY KEY,
	order_id   TEXT NOT NULL REFERENCES orders(id),
	status     TEXT NOT NULL,
	data       TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS order_user_actions (
	id         TEXT PRIMARY KEY,
	order_id   TEXT NOT NULL REFERENCES orders(id),
	status     TEXT NOT NULL,
	data       TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS ai_threads (
	id         TEXT PRIMARY KEY,
	order_id   TEXT NOT NULL REFERENCES orders(id),
	status     TEXT NOT NULL,
	data       TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
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
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// InTx runs fn inside a transaction, rolling back when fn fails.
func (s *SQLiteStore) InTx(ctx context.Context, fn func(Repo) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin")
	}
	if err := fn(&repo{c: sqlConn{q: tx}, name: "sqlite"}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
