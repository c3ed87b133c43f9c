package sqlite

import (
	"context"
	"fmt"
)

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations. Timestamps are stored
// as unix nanoseconds so range predicates compare numerically; money is kept
// as decimal text.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS transactions (
	id                       TEXT PRIMARY KEY,
	status                   TEXT NOT NULL CHECK (status IN (
	                             'draft', 'offer_submitted', 'under_contract', 'inspection', 'appraisal',
	                             'mortgage_commitment', 'attorney_review', 'closing_scheduled', 'closed', 'cancelled')),
	cancelled_from           TEXT,
	version                  INTEGER NOT NULL DEFAULT 1,
	property_address         TEXT NOT NULL DEFAULT '',
	contract_date            INTEGER,
	inspection_date          INTEGER,
	appraisal_date           INTEGER,
	mortgage_commitment_date INTEGER,
	attorney_review_date     INTEGER,
	closing_date             INTEGER,
	list_price               TEXT,
	sale_price               TEXT,
	commission_rate          TEXT,
	created_at               INTEGER NOT NULL,
	updated_at               INTEGER NOT NULL,
	CHECK ((status = 'cancelled') = (cancelled_from IS NOT NULL))
);

CREATE TABLE IF NOT EXISTS participants (
	transaction_id  TEXT NOT NULL REFERENCES transactions (id) ON DELETE CASCADE,
	role            TEXT NOT NULL,
	participant_key TEXT NOT NULL,
	email           TEXT NOT NULL DEFAULT '',
	phone           TEXT NOT NULL DEFAULT '',
	position        INTEGER NOT NULL,
	PRIMARY KEY (transaction_id, role)
);

CREATE TABLE IF NOT EXISTS deadlines (
	id               TEXT PRIMARY KEY,
	transaction_id   TEXT NOT NULL REFERENCES transactions (id) ON DELETE CASCADE,
	title            TEXT NOT NULL,
	description      TEXT NOT NULL DEFAULT '',
	due_date         INTEGER NOT NULL,
	concerns         TEXT NOT NULL DEFAULT '',
	is_completed     INTEGER NOT NULL DEFAULT 0,
	completed_at     INTEGER,
	completed_by     TEXT NOT NULL DEFAULT '',
	notified_urgency TEXT NOT NULL DEFAULT '',
	source           TEXT NOT NULL CHECK (source IN ('seeded', 'manual')),
	created_by       TEXT NOT NULL DEFAULT '',
	created_at       INTEGER NOT NULL,
	UNIQUE (transaction_id, title),
	CHECK ((is_completed = 1) = (completed_at IS NOT NULL))
);

CREATE TABLE IF NOT EXISTS activity_entries (
	transaction_id TEXT NOT NULL REFERENCES transactions (id) ON DELETE CASCADE,
	seq            INTEGER NOT NULL CHECK (seq > 0),
	kind           TEXT NOT NULL,
	from_status    TEXT NOT NULL DEFAULT '',
	to_status      TEXT NOT NULL DEFAULT '',
	deadline_id    TEXT NOT NULL DEFAULT '',
	role           TEXT NOT NULL DEFAULT '',
	document_ref   TEXT NOT NULL DEFAULT '',
	body           TEXT NOT NULL DEFAULT '',
	forced         INTEGER NOT NULL DEFAULT 0,
	actor          TEXT NOT NULL DEFAULT '',
	occurred_at    INTEGER NOT NULL,
	description    TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (transaction_id, seq)
);

CREATE TRIGGER IF NOT EXISTS activity_entries_no_update
BEFORE UPDATE ON activity_entries
BEGIN
	SELECT RAISE(ABORT, 'activity_entries is append-only');
END;

CREATE TABLE IF NOT EXISTS notifications (
	id             TEXT PRIMARY KEY,
	recipient_key  TEXT NOT NULL,
	transaction_id TEXT NOT NULL DEFAULT '',
	type           TEXT NOT NULL,
	title          TEXT NOT NULL,
	message        TEXT NOT NULL,
	dedupe_key     TEXT NOT NULL,
	is_read        INTEGER NOT NULL DEFAULT 0,
	read_at        INTEGER,
	created_at     INTEGER NOT NULL,
	UNIQUE (recipient_key, dedupe_key)
);

CREATE INDEX IF NOT EXISTS idx_notifications_inbox
	ON notifications (recipient_key, created_at DESC, id DESC);

CREATE TABLE IF NOT EXISTS deliveries (
	id              TEXT PRIMARY KEY,
	notification_id TEXT NOT NULL REFERENCES notifications (id) ON DELETE CASCADE,
	channel         TEXT NOT NULL,
	destination     TEXT NOT NULL,
	status          TEXT NOT NULL CHECK (status IN ('pending', 'delivered', 'failed', 'dead')),
	attempts        INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT NOT NULL DEFAULT '',
	next_attempt_at INTEGER NOT NULL,
	created_at      INTEGER NOT NULL,
	delivered_at    INTEGER
);

CREATE INDEX IF NOT EXISTS idx_deliveries_due ON deliveries (status, next_attempt_at);

CREATE TABLE IF NOT EXISTS idempotency_keys (
	transaction_id TEXT NOT NULL,
	operation      TEXT NOT NULL,
	key            TEXT NOT NULL,
	created_at     INTEGER NOT NULL,
	PRIMARY KEY (transaction_id, operation, key)
);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}

// migrate checks the current schema version and applies any outstanding
// migrations in order.
func (s *Store) migrate(ctx context.Context) error {
	currentVersion := 0

	var tableCount int
	err := s.db.GetContext(ctx, &tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_version'")
	if err != nil {
		return fmt.Errorf("sqlite: check schema_version table: %w", err)
	}
	if tableCount > 0 {
		if err := s.db.GetContext(ctx, &currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return fmt.Errorf("sqlite: read schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("sqlite: apply migration v%d: %w", m.version, err)
		}
	}
	return nil
}
