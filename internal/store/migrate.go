package store

import (
	"database/sql"
	"strconv"

	"github.com/pkg/errors"
)

// migration is one append-only schema step, tracked by a monotonically
// increasing id recorded under the "schema_version" meta key. Grounded on
// the teacher's server/migrations.go version-gated migration functions
// (runMigrationToVersion1WithResults, runMigrationToVersion2WithResults),
// retargeted from KV-store key rewrites to SQL DDL.
type migration struct {
	id   int
	name string
	up   func(*sql.Tx) error
}

// migrations is the append-only ledger. A single migration creates the
// whole schema: meta, rooms, and comments with their avatar_url,
// raw_event and txn_id columns. There is no separate profiles table;
// author name and avatar are stored on each comment row.
var migrations = []migration{
	{id: 1, name: "initial schema", up: migrateV1},
}

func migrateV1(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS rooms (
			room_id    TEXT PRIMARY KEY,
			site_id    TEXT NOT NULL,
			post_slug  TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			UNIQUE(site_id, post_slug)
		)`,
		`CREATE TABLE IF NOT EXISTS comments (
			id                  TEXT PRIMARY KEY,
			room_id             TEXT NOT NULL,
			author_id           TEXT NOT NULL,
			author_name         TEXT NOT NULL,
			is_guest            INTEGER NOT NULL,
			author_fingerprint  TEXT,
			avatar_url          TEXT,
			content             TEXT NOT NULL,
			reply_to            TEXT,
			created_at          INTEGER NOT NULL,
			updated_at          INTEGER,
			is_redacted         INTEGER NOT NULL DEFAULT 0,
			txn_id              TEXT,
			sender              TEXT NOT NULL,
			raw_event           TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_comments_room_created ON comments(room_id, created_at, id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_comments_txn ON comments(room_id, sender, txn_id) WHERE txn_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_rooms_site_slug ON rooms(site_id, post_slug)`,
	}
	for _, s := range stmts {
		if _, err := tx.Exec(s); err != nil {
			return errors.Wrapf(err, "executing migration statement: %s", s)
		}
	}
	return nil
}

// runMigrations applies every migration with id greater than the value
// recorded under meta["schema_version"], under an exclusive lock on the
// whole database (a single transaction serializes against any other
// process attempting this at the same time against the same sqlite file).
func runMigrations(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return errors.Wrap(err, "beginning migration transaction")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
		return errors.Wrap(err, "ensuring meta table exists")
	}

	current := 0
	row := tx.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`)
	var v string
	if err := row.Scan(&v); err == nil {
		if parsed, perr := strconv.Atoi(v); perr == nil {
			current = parsed
		}
	} else if !errors.Is(err, sql.ErrNoRows) {
		return errors.Wrap(err, "reading schema_version")
	}

	for _, m := range migrations {
		if m.id <= current {
			continue
		}
		if err := m.up(tx); err != nil {
			return errors.Wrapf(err, "running migration %d (%s)", m.id, m.name)
		}
		current = m.id
	}

	if _, err := tx.Exec(`INSERT INTO meta(key, value) VALUES('schema_version', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, strconv.Itoa(current)); err != nil {
		return errors.Wrap(err, "recording schema_version")
	}

	return errors.Wrap(tx.Commit(), "committing migration transaction")
}
