package matrix

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Curious-r/cumments/internal/store"
)

func TestNormalizeEventPlainMessage(t *testing.T) {
	raw := []byte(`{
		"type": "m.room.message",
		"event_id": "$1",
		"sender": "@alice:hs",
		"origin_server_ts": 1700000000000,
		"content": {"msgtype": "m.text", "body": "hello"}
	}`)

	ev, ok, err := NormalizeEvent("!r", raw)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, store.EventMessage, ev.Kind)
	assert.Equal(t, "hello", ev.Content)
	assert.Empty(t, ev.ReplyTo)
}

func TestNormalizeEventReply(t *testing.T) {
	raw := []byte(`{
		"type": "m.room.message",
		"event_id": "$2",
		"sender": "@alice:hs",
		"origin_server_ts": 1700000000000,
		"content": {
			"msgtype": "m.text",
			"body": "a reply",
			"m.relates_to": {"m.in_reply_to": {"event_id": "$1"}}
		}
	}`)

	ev, ok, err := NormalizeEvent("!r", raw)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, store.EventMessage, ev.Kind)
	assert.Equal(t, "$1", ev.ReplyTo)
}

func TestNormalizeEventEdit(t *testing.T) {
	raw := []byte(`{
		"type": "m.room.message",
		"event_id": "$3",
		"sender": "@alice:hs",
		"origin_server_ts": 1700000001000,
		"content": {
			"msgtype": "m.text",
			"body": "* edited",
			"m.relates_to": {"rel_type": "m.replace", "event_id": "$1"},
			"m.new_content": {"body": "edited"}
		}
	}`)

	ev, ok, err := NormalizeEvent("!r", raw)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, store.EventEdit, ev.Kind)
	assert.Equal(t, "$1", ev.TargetID)
	assert.Equal(t, "edited", ev.Content)
}

func TestNormalizeEventRedaction(t *testing.T) {
	raw := []byte(`{
		"type": "m.room.redaction",
		"event_id": "$4",
		"sender": "@alice:hs",
		"origin_server_ts": 1700000002000,
		"redacts": "$1"
	}`)

	ev, ok, err := NormalizeEvent("!r", raw)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, store.EventRedaction, ev.Kind)
	assert.Equal(t, "$1", ev.TargetID)
}

func TestNormalizeEventDropsOtherTypes(t *testing.T) {
	raw := []byte(`{"type": "m.reaction", "event_id": "$5", "sender": "@alice:hs"}`)

	_, ok, err := NormalizeEvent("!r", raw)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNormalizeEventRoundTripsAuthorAndTxnMetadata(t *testing.T) {
	author := Author{
		AuthorID:    "deadbeef",
		DisplayName: "alice",
		AvatarURL:   "mxc://hs/abc",
		IsGuest:     true,
		Fingerprint: "fp-123",
	}
	mc := buildMessageContent(author, "hi there", "", "txn-1")
	body, err := json.Marshal(mc)
	require.NoError(t, err)

	raw := []byte(`{
		"type": "m.room.message",
		"event_id": "$7",
		"sender": "@cumments_deadbeef:hs",
		"origin_server_ts": 1700000003000,
		"content": ` + string(body) + `
	}`)

	ev, ok, err := NormalizeEvent("!r", raw)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "deadbeef", ev.AuthorID)
	assert.Equal(t, "alice", ev.AuthorName)
	assert.True(t, ev.IsGuest)
	assert.Equal(t, "fp-123", ev.Fingerprint)
	assert.Equal(t, "mxc://hs/abc", ev.AvatarURL)
	assert.Equal(t, "txn-1", ev.TxnID)
}

func TestNormalizeEventDropsNonTextMessages(t *testing.T) {
	raw := []byte(`{
		"type": "m.room.message",
		"event_id": "$6",
		"sender": "@alice:hs",
		"content": {"msgtype": "m.image", "body": "photo.png"}
	}`)

	_, ok, err := NormalizeEvent("!r", raw)
	require.NoError(t, err)
	assert.False(t, ok)
}
