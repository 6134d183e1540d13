package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Curious-r/cumments/internal/domain"
)

func newTestStore(t *testing.T) *sqliteStore {
	t.Helper()
	s, err := Open("file::memory:?cache=shared", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s.(*sqliteStore)
}

func TestUpsertRoomIsIdempotent(t *testing.T) {
	s := newTestStore(t)

	r1, err := s.UpsertRoom("blog.example", "hello", "!abc:matrix.org")
	require.NoError(t, err)

	r2, err := s.UpsertRoom("blog.example", "hello", "!abc:matrix.org")
	require.NoError(t, err)

	assert.Equal(t, r1.CreatedAt.Unix(), r2.CreatedAt.Unix())
	assert.Equal(t, "!abc:matrix.org", r2.RoomID)

	_, ok, err := s.LookupRoom("blog.example", "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestProjectMessageInsertThenDuplicateIsIgnored(t *testing.T) {
	s := newTestStore(t)

	ts := time.Now().UTC().Truncate(time.Second)
	ev := NormalizedEvent{
		Kind: EventMessage, EventID: "$1", RoomID: "!r", Sender: "@alice:hs",
		OriginServerTS: ts, AuthorID: "hash1", AuthorName: "alice", Content: "hi", TxnID: "txn1",
	}

	change, err := s.ProjectMessage(ev)
	require.NoError(t, err)
	assert.Equal(t, domain.Inserted, change.Kind)
	assert.Equal(t, "hi", change.Comment.Content)

	change, err = s.ProjectMessage(ev)
	require.NoError(t, err)
	assert.Equal(t, domain.Ignored, change.Kind)
}

func TestProjectEditAppliesLatestOnly(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().UTC().Truncate(time.Second)

	_, err := s.ProjectMessage(NormalizedEvent{
		Kind: EventMessage, EventID: "$1", RoomID: "!r", Sender: "@alice:hs",
		OriginServerTS: base, AuthorID: "hash1", AuthorName: "alice", Content: "v1",
	})
	require.NoError(t, err)

	change, err := s.ProjectMessage(NormalizedEvent{
		Kind: EventEdit, TargetID: "$1", RoomID: "!r",
		OriginServerTS: base.Add(time.Second), Content: "v2",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.Updated, change.Kind)
	assert.Equal(t, "v2", change.Comment.Content)

	// Stale edit (earlier timestamp) must be dropped.
	change, err = s.ProjectMessage(NormalizedEvent{
		Kind: EventEdit, TargetID: "$1", RoomID: "!r",
		OriginServerTS: base, Content: "stale",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.Ignored, change.Kind)

	rows, _, err := s.List("!r", nil, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "v2", rows[0].Content)
}

func TestRedactionBeforeTargetIsBufferedThenApplied(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().UTC().Truncate(time.Second)

	change, err := s.ProjectMessage(NormalizedEvent{
		Kind: EventRedaction, TargetID: "$future", RoomID: "!r",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.Ignored, change.Kind)

	change, err = s.ProjectMessage(NormalizedEvent{
		Kind: EventMessage, EventID: "$future", RoomID: "!r", Sender: "@alice:hs",
		OriginServerTS: base, AuthorID: "hash1", AuthorName: "alice", Content: "will be redacted",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.Redacted, change.Kind)
	assert.Empty(t, change.Comment.Content)
	assert.True(t, change.Comment.IsRedacted)
}

func TestRedactionIsTerminal(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().UTC().Truncate(time.Second)

	_, err := s.ProjectMessage(NormalizedEvent{
		Kind: EventMessage, EventID: "$1", RoomID: "!r", Sender: "@alice:hs",
		OriginServerTS: base, AuthorID: "hash1", AuthorName: "alice", Content: "hi",
	})
	require.NoError(t, err)

	_, err = s.ProjectMessage(NormalizedEvent{Kind: EventRedaction, TargetID: "$1", RoomID: "!r"})
	require.NoError(t, err)

	// An edit arriving after redaction must not revive content.
	change, err := s.ProjectMessage(NormalizedEvent{
		Kind: EventEdit, TargetID: "$1", RoomID: "!r",
		OriginServerTS: base.Add(time.Second), Content: "revived?",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.Ignored, change.Kind)
}

func TestListOrderingAndPagination(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().UTC().Truncate(time.Second)

	for i := 0; i < 5; i++ {
		_, err := s.ProjectMessage(NormalizedEvent{
			Kind: EventMessage, EventID: "$" + string(rune('a'+i)), RoomID: "!r", Sender: "@alice:hs",
			OriginServerTS: base.Add(time.Duration(i) * time.Second),
			AuthorID:       "hash1", AuthorName: "alice", Content: "msg",
		})
		require.NoError(t, err)
	}

	page1, cursor, err := s.List("!r", nil, 2)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	require.NotNil(t, cursor)
	assert.Equal(t, "$a", page1[0].ID)
	assert.Equal(t, "$b", page1[1].ID)

	page2, _, err := s.List("!r", cursor, 2)
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.Equal(t, "$c", page2[0].ID)
	assert.Equal(t, "$d", page2[1].ID)
}

func TestGetByTxnSupportsIdempotentRetry(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().UTC()

	_, err := s.ProjectMessage(NormalizedEvent{
		Kind: EventMessage, EventID: "$1", RoomID: "!r", Sender: "@alice:hs",
		OriginServerTS: base, AuthorID: "hash1", AuthorName: "alice", Content: "hi", TxnID: "txn-retry",
	})
	require.NoError(t, err)

	c, ok, err := s.GetByTxn("!r", "txn-retry")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "$1", c.ID)

	_, ok, err = s.GetByTxn("!r", "no-such-txn")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMetaRoundTrip(t *testing.T) {
	s := newTestStore(t)

	_, ok, err := s.GetMeta("matrix.sync_token")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetMeta("matrix.sync_token", "s1"))
	v, ok, err := s.GetMeta("matrix.sync_token")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "s1", v)

	require.NoError(t, s.SetMeta("matrix.sync_token", "s2"))
	v, _, err = s.GetMeta("matrix.sync_token")
	require.NoError(t, err)
	assert.Equal(t, "s2", v)
}

func TestSkippedEventCountIncrements(t *testing.T) {
	s := newTestStore(t)

	n, err := s.SkippedEventCount()
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.NoError(t, s.IncrSkippedEventCount())
	require.NoError(t, s.IncrSkippedEventCount())

	n, err = s.SkippedEventCount()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
