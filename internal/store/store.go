// Package store is the local view store (spec.md §4.B): an idempotent,
// out-of-order-safe projection of the Matrix comment stream, backed by
// sqlite via database/sql and github.com/mattn/go-sqlite3.
//
// Grounded on other_examples' lojban-lensisku-go comments-service.go for
// the transactional-write shape (begin, defer rollback-or-commit, scan into
// sql.NullString-style optionals), adapted from pgx/pgxpool to database/sql.
package store

import (
	"database/sql"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/Curious-r/cumments/internal/domain"
)

const (
	// DefaultListLimit and MaxListLimit implement spec.md §4.B's clamp.
	DefaultListLimit = 50
	MaxListLimit     = 200
	MinListLimit     = 1
)

// Store is the local view store's public contract.
type Store interface {
	UpsertRoom(siteID, postSlug, roomID string) (domain.Room, error)
	LookupRoom(siteID, postSlug string) (domain.Room, bool, error)
	ProjectMessage(event NormalizedEvent) (domain.Change, error)
	List(roomID string, before *Cursor, limit int) ([]domain.Comment, *Cursor, error)
	GetByTxn(roomID, txnID string) (domain.Comment, bool, error)
	SkippedEventCount() (int, error)
	IncrSkippedEventCount() error

	// GetMeta/SetMeta expose the meta key-value table for adapter-level
	// bookkeeping: the bot-mode sync token (spec.md §4.C, key
	// "matrix.sync_token") and the appservice-mode last applied txnId
	// (key "matrix.appservice.last_txn").
	GetMeta(key string) (string, bool, error)
	SetMeta(key, value string) error

	Close() error
}

// Cursor is the exclusive pagination cursor on (created_at, id) from
// spec.md §4.B.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// EventKind discriminates the three shapes ProjectMessage accepts. The
// event types live in this package so that the store does not depend on
// the adapter package; internal/matrix builds NormalizedEvent values
// directly from raw Matrix events.
type EventKind int

const (
	EventMessage EventKind = iota
	EventEdit
	EventRedaction
)

// NormalizedEvent is the store-facing projection of one Matrix event.
type NormalizedEvent struct {
	Kind            EventKind
	EventID         string // for Message: the event's own id; unused for Edit/Redaction
	RoomID          string
	Sender          string
	OriginServerTS  time.Time
	TxnID           string // only meaningful for EventMessage
	AuthorID        string
	AuthorName      string
	IsGuest         bool
	Fingerprint     string
	AvatarURL       string
	Content         string // Message: body; Edit: new body
	ReplyTo         string
	TargetID        string // Edit/Redaction: the event id being edited/redacted
	RawEvent        string
}

type sqliteStore struct {
	db  *sql.DB
	log logger

	// roomLocks serializes writes per room_id (spec.md §5): "the store
	// serializes writes per room_id (fine-grained)".
	roomLocksMu sync.Mutex
	roomLocks   map[string]*sync.Mutex

	pending *redactionBuffer
}

type logger interface {
	LogDebug(msg string, kv ...any)
	LogWarn(msg string, kv ...any)
	LogError(msg string, kv ...any)
}

// noopLogger satisfies logger for callers that don't want to thread one
// through (mainly tests).
type noopLogger struct{}

func (noopLogger) LogDebug(string, ...any) {}
func (noopLogger) LogWarn(string, ...any)  {}
func (noopLogger) LogError(string, ...any) {}

// DefaultMaxOpenConns is the store's connection pool bound (spec.md
// §5: "bounded (default 8)").
const DefaultMaxOpenConns = 8

// Open opens (creating if necessary) a sqlite database at dsn and runs
// pending migrations under an exclusive lock, per spec.md §4.B. WAL
// mode plus a busy_timeout pragma (grounded on other_examples'
// hazyhaar-GoClode db.go and tangled.sh db.go, both of which enable
// WAL the same way) let readers and writers share the pool of
// DefaultMaxOpenConns connections; the per-room roomLocks mutex still
// serializes each room's read-modify-write projection steps, which
// WAL alone cannot make atomic.
func Open(dsn string, log logger) (Store, error) {
	if log == nil {
		log = noopLogger{}
	}
	db, err := sql.Open("sqlite3", withPragmas(dsn))
	if err != nil {
		return nil, errors.Wrap(err, "opening sqlite database")
	}
	db.SetMaxOpenConns(DefaultMaxOpenConns)

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "running migrations")
	}

	return &sqliteStore{
		db:        db,
		log:       log,
		roomLocks: make(map[string]*sync.Mutex),
		pending:   newRedactionBuffer(),
	}, nil
}

func withPragmas(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_journal_mode=WAL&_busy_timeout=5000"
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) lockFor(roomID string) *sync.Mutex {
	s.roomLocksMu.Lock()
	defer s.roomLocksMu.Unlock()
	l, ok := s.roomLocks[roomID]
	if !ok {
		l = &sync.Mutex{}
		s.roomLocks[roomID] = l
	}
	return l
}

// UpsertRoom is idempotent per spec.md §4.B.
func (s *sqliteStore) UpsertRoom(siteID, postSlug, roomID string) (domain.Room, error) {
	now := time.Now().UTC()
	_, err := s.db.Exec(`INSERT INTO rooms(room_id, site_id, post_slug, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(room_id) DO NOTHING`, roomID, siteID, postSlug, now.Unix())
	if err != nil {
		return domain.Room{}, errors.Wrap(err, "upserting room")
	}
	room, ok, err := s.LookupRoom(siteID, postSlug)
	if err != nil {
		return domain.Room{}, err
	}
	if !ok {
		return domain.Room{}, errors.New("room vanished immediately after upsert")
	}
	return room, nil
}

func (s *sqliteStore) LookupRoom(siteID, postSlug string) (domain.Room, bool, error) {
	row := s.db.QueryRow(`SELECT room_id, site_id, post_slug, created_at FROM rooms
		WHERE site_id = ? AND post_slug = ?`, siteID, postSlug)
	var r domain.Room
	var createdAt int64
	if err := row.Scan(&r.RoomID, &r.SiteID, &r.PostSlug, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Room{}, false, nil
		}
		return domain.Room{}, false, errors.Wrap(err, "looking up room")
	}
	r.CreatedAt = time.Unix(createdAt, 0).UTC()
	return r, true, nil
}

// ProjectMessage is the heart of the store (spec.md §4.B): it applies one
// inbound message, edit, or redaction, serialized per room_id, and returns
// the net Change.
func (s *sqliteStore) ProjectMessage(event NormalizedEvent) (domain.Change, error) {
	lock := s.lockFor(event.RoomID)
	lock.Lock()
	defer lock.Unlock()

	switch event.Kind {
	case EventMessage:
		return s.projectInsert(event)
	case EventEdit:
		return s.projectEdit(event)
	case EventRedaction:
		return s.projectRedaction(event)
	default:
		return domain.Change{Kind: domain.Ignored}, errors.Errorf("unknown event kind %d", event.Kind)
	}
}

func (s *sqliteStore) projectInsert(event NormalizedEvent) (domain.Change, error) {
	existing, found, err := s.getByID(event.EventID)
	if err != nil {
		return domain.Change{}, err
	}
	if found {
		// History replay: the id was already seen. Never resurrect a
		// redacted row and never duplicate-insert — spec.md §4.B.
		return domain.Change{Kind: domain.Ignored, Comment: existing}, nil
	}

	c := domain.Comment{
		ID:                event.EventID,
		RoomID:            event.RoomID,
		AuthorID:          event.AuthorID,
		AuthorName:        event.AuthorName,
		IsGuest:           event.IsGuest,
		AuthorFingerprint: event.Fingerprint,
		AvatarURL:         event.AvatarURL,
		Content:           event.Content,
		ReplyTo:           event.ReplyTo,
		CreatedAt:         event.OriginServerTS,
		TxnID:             event.TxnID,
		RawEvent:          event.RawEvent,
	}

	var txnIDArg any
	if event.TxnID != "" {
		txnIDArg = event.TxnID
	}
	var replyToArg any
	if event.ReplyTo != "" {
		replyToArg = event.ReplyTo
	}

	_, err = s.db.Exec(`INSERT INTO comments(
			id, room_id, author_id, author_name, is_guest, author_fingerprint,
			avatar_url, content, reply_to, created_at, updated_at, is_redacted,
			txn_id, sender, raw_event)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, 0, ?, ?, ?)`,
		c.ID, c.RoomID, c.AuthorID, c.AuthorName, boolToInt(c.IsGuest), nullable(c.AuthorFingerprint),
		nullable(c.AvatarURL), c.Content, replyToArg, c.CreatedAt.Unix(),
		txnIDArg, event.Sender, nullable(c.RawEvent))
	if err != nil {
		return domain.Change{}, errors.Wrap(err, "inserting comment")
	}

	if s.pending.TakeIfPending(c.ID) {
		// A redaction for this id arrived earlier and was buffered;
		// apply it now that the target exists.
		redacted, err := s.projectRedaction(NormalizedEvent{
			Kind:     EventRedaction,
			RoomID:   event.RoomID,
			TargetID: c.ID,
		})
		if err != nil {
			return domain.Change{}, err
		}
		return redacted, nil
	}

	return domain.Change{Kind: domain.Inserted, Comment: c}, nil
}

func (s *sqliteStore) projectEdit(event NormalizedEvent) (domain.Change, error) {
	existing, found, err := s.getByID(event.TargetID)
	if err != nil {
		return domain.Change{}, err
	}
	if !found || existing.IsRedacted {
		return domain.Change{Kind: domain.Ignored}, nil
	}

	effective := existing.CreatedAt
	if existing.UpdatedAt != nil {
		effective = *existing.UpdatedAt
	}
	if !event.OriginServerTS.After(effective) {
		// spec.md §3 invariant 3: earlier edits are dropped.
		return domain.Change{Kind: domain.Ignored, Comment: existing}, nil
	}

	_, err = s.db.Exec(`UPDATE comments SET content = ?, updated_at = ? WHERE id = ?`,
		event.Content, event.OriginServerTS.Unix(), event.TargetID)
	if err != nil {
		return domain.Change{}, errors.Wrap(err, "applying edit")
	}

	existing.Content = event.Content
	updated := event.OriginServerTS
	existing.UpdatedAt = &updated
	return domain.Change{Kind: domain.Updated, Comment: existing}, nil
}

func (s *sqliteStore) projectRedaction(event NormalizedEvent) (domain.Change, error) {
	existing, found, err := s.getByID(event.TargetID)
	if err != nil {
		return domain.Change{}, err
	}
	if !found {
		// Redaction arrived before its target: buffer it (spec.md §4.B).
		s.pending.Add(event.TargetID)
		return domain.Change{Kind: domain.Ignored}, nil
	}
	if existing.IsRedacted {
		return domain.Change{Kind: domain.Ignored, Comment: existing}, nil
	}

	_, err = s.db.Exec(`UPDATE comments SET content = '', is_redacted = 1 WHERE id = ?`, event.TargetID)
	if err != nil {
		return domain.Change{}, errors.Wrap(err, "applying redaction")
	}

	existing.Redact()
	return domain.Change{Kind: domain.Redacted, Comment: existing}, nil
}

func (s *sqliteStore) getByID(id string) (domain.Comment, bool, error) {
	row := s.db.QueryRow(`SELECT id, room_id, author_id, author_name, is_guest, author_fingerprint,
			avatar_url, content, reply_to, created_at, updated_at, is_redacted, txn_id, raw_event
		FROM comments WHERE id = ?`, id)
	return scanComment(row)
}

func scanComment(row *sql.Row) (domain.Comment, bool, error) {
	var c domain.Comment
	var isGuest, isRedacted int
	var authorFingerprint, avatarURL, replyTo, txnID, rawEvent sql.NullString
	var updatedAt sql.NullInt64
	var createdAt int64

	err := row.Scan(&c.ID, &c.RoomID, &c.AuthorID, &c.AuthorName, &isGuest, &authorFingerprint,
		&avatarURL, &c.Content, &replyTo, &createdAt, &updatedAt, &isRedacted, &txnID, &rawEvent)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Comment{}, false, nil
		}
		return domain.Comment{}, false, errors.Wrap(err, "scanning comment row")
	}

	c.IsGuest = isGuest != 0
	c.IsRedacted = isRedacted != 0
	c.AuthorFingerprint = authorFingerprint.String
	c.AvatarURL = avatarURL.String
	c.ReplyTo = replyTo.String
	c.TxnID = txnID.String
	c.RawEvent = rawEvent.String
	c.CreatedAt = time.Unix(createdAt, 0).UTC()
	if updatedAt.Valid {
		u := time.Unix(updatedAt.Int64, 0).UTC()
		c.UpdatedAt = &u
	}
	return c, true, nil
}

// List returns comments for roomID ordered by (created_at ASC, id ASC),
// per spec.md §4.B. The returned cursor marks the last row of the page;
// passing it back as before yields the rows that follow it, excluding it.
func (s *sqliteStore) List(roomID string, before *Cursor, limit int) ([]domain.Comment, *Cursor, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit < MinListLimit {
		limit = MinListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	var rows *sql.Rows
	var err error
	if before != nil {
		rows, err = s.db.Query(`SELECT id, room_id, author_id, author_name, is_guest, author_fingerprint,
				avatar_url, content, reply_to, created_at, updated_at, is_redacted, txn_id, raw_event
			FROM comments
			WHERE room_id = ? AND (created_at, id) > (?, ?)
			ORDER BY created_at ASC, id ASC
			LIMIT ?`, roomID, before.CreatedAt.Unix(), before.ID, limit+1)
	} else {
		rows, err = s.db.Query(`SELECT id, room_id, author_id, author_name, is_guest, author_fingerprint,
				avatar_url, content, reply_to, created_at, updated_at, is_redacted, txn_id, raw_event
			FROM comments
			WHERE room_id = ?
			ORDER BY created_at ASC, id ASC
			LIMIT ?`, roomID, limit+1)
	}
	if err != nil {
		return nil, nil, errors.Wrap(err, "listing comments")
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Comment
	for rows.Next() {
		c, _, scanErr := scanRowsComment(rows)
		if scanErr != nil {
			return nil, nil, scanErr
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, errors.Wrap(err, "iterating comment rows")
	}

	var next *Cursor
	if len(out) > limit {
		last := out[limit-1]
		next = &Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
		out = out[:limit]
	}
	return out, next, nil
}

func scanRowsComment(rows *sql.Rows) (domain.Comment, bool, error) {
	var c domain.Comment
	var isGuest, isRedacted int
	var authorFingerprint, avatarURL, replyTo, txnID, rawEvent sql.NullString
	var updatedAt sql.NullInt64
	var createdAt int64

	err := rows.Scan(&c.ID, &c.RoomID, &c.AuthorID, &c.AuthorName, &isGuest, &authorFingerprint,
		&avatarURL, &c.Content, &replyTo, &createdAt, &updatedAt, &isRedacted, &txnID, &rawEvent)
	if err != nil {
		return domain.Comment{}, false, errors.Wrap(err, "scanning comment row")
	}

	c.IsGuest = isGuest != 0
	c.IsRedacted = isRedacted != 0
	c.AuthorFingerprint = authorFingerprint.String
	c.AvatarURL = avatarURL.String
	c.ReplyTo = replyTo.String
	c.TxnID = txnID.String
	c.RawEvent = rawEvent.String
	c.CreatedAt = time.Unix(createdAt, 0).UTC()
	if updatedAt.Valid {
		u := time.Unix(updatedAt.Int64, 0).UTC()
		c.UpdatedAt = &u
	}
	return c, true, nil
}

// GetByTxn supports idempotent submission retries (spec.md §4.B, §4.E).
// GetByTxn matches spec.md §4.B's get_by_txn(room_id, txn_id) exactly;
// the (room_id, sender, txn_id) uniqueness lives only in the schema's
// partial index, which rejects a second row from the same sender with
// the same token. Two distinct senders may share a token; GetByTxn then
// returns one of their rows.
func (s *sqliteStore) GetByTxn(roomID, txnID string) (domain.Comment, bool, error) {
	row := s.db.QueryRow(`SELECT id, room_id, author_id, author_name, is_guest, author_fingerprint,
			avatar_url, content, reply_to, created_at, updated_at, is_redacted, txn_id, raw_event
		FROM comments WHERE room_id = ? AND txn_id = ?`, roomID, txnID)
	return scanComment(row)
}

func (s *sqliteStore) SkippedEventCount() (int, error) {
	row := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'skipped_events'`)
	var v string
	if err := row.Scan(&v); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, errors.Wrap(err, "reading skipped_events")
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Wrap(err, "parsing skipped_events")
	}
	return n, nil
}

// IncrSkippedEventCount bumps the operator-visible skip counter (spec.md
// §7: "skipped events are counted in a meta key for operator visibility").
func (s *sqliteStore) IncrSkippedEventCount() error {
	current, err := s.SkippedEventCount()
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO meta(key, value) VALUES('skipped_events', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, strconv.Itoa(current+1))
	return errors.Wrap(err, "writing skipped_events")
}

func (s *sqliteStore) GetMeta(key string) (string, bool, error) {
	row := s.db.QueryRow(`SELECT value FROM meta WHERE key = ?`, key)
	var v string
	if err := row.Scan(&v); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, errors.Wrap(err, "reading meta key")
	}
	return v, true, nil
}

func (s *sqliteStore) SetMeta(key, value string) error {
	_, err := s.db.Exec(`INSERT INTO meta(key, value) VALUES(?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return errors.Wrap(err, "writing meta key")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
