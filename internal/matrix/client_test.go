package matrix

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testLogger struct{ t *testing.T }

func (l testLogger) LogDebug(msg string, kv ...any) { l.t.Logf("[DEBUG] %s %v", msg, kv) }
func (l testLogger) LogInfo(msg string, kv ...any)  { l.t.Logf("[INFO] %s %v", msg, kv) }
func (l testLogger) LogWarn(msg string, kv ...any)  { l.t.Logf("[WARN] %s %v", msg, kv) }
func (l testLogger) LogError(msg string, kv ...any) { l.t.Logf("[ERROR] %s %v", msg, kv) }

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(srv.URL, "as-token", "hs.example", testLogger{t}, RateLimitConfig{Enabled: false})
	return c, srv
}

func TestCreateRoomJoinsAfterCreate(t *testing.T) {
	var joinCalled bool
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/_matrix/client/v3/createRoom":
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]string{"room_id": "!abc:hs.example"})
		case r.Method == http.MethodPost && r.URL.Path == "/_matrix/client/v3/join/!abc:hs.example":
			joinCalled = true
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte("{}"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	roomID, err := c.CreateRoom(context.Background(), "#cumments_blog_hello:hs.example", "hello", "cumments:blog:hello")
	require.NoError(t, err)
	assert.Equal(t, "!abc:hs.example", roomID)
	assert.True(t, joinCalled)
}

func TestResolveRoomAliasNotFoundReturnsEmpty(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"errcode":"M_NOT_FOUND"}`))
	})

	roomID, err := c.ResolveRoomAlias(context.Background(), "#cumments_blog_hello:hs.example")
	require.NoError(t, err)
	assert.Empty(t, roomID)
}

func TestResolveRoomAliasBareRoomIDPassesThrough(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("should not make an HTTP call for a bare room ID")
	})

	roomID, err := c.ResolveRoomAlias(context.Background(), "!already:hs.example")
	require.NoError(t, err)
	assert.Equal(t, "!already:hs.example", roomID)
}

func TestCreateGhostUserTreatsUserInUseAsSuccess(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"errcode":"M_USER_IN_USE"}`))
	})

	mxid, err := c.CreateGhostUser(context.Background(), "cumments_abcd1234")
	require.NoError(t, err)
	assert.Equal(t, "@cumments_abcd1234:hs.example", mxid)
}

func TestSendEventAsGhostImpersonates(t *testing.T) {
	var gotUserID string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotUserID = r.URL.Query().Get("user_id")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"event_id": "$sent1"})
	})

	resp, err := c.SendEventAsGhost(context.Background(), "!r", "m.room.message",
		buildMessageContent(Author{}, "hi", "", ""), "@cumments_abcd:hs.example")
	require.NoError(t, err)
	assert.Equal(t, "$sent1", resp.EventID)
	assert.Equal(t, "@cumments_abcd:hs.example", gotUserID)
}

func TestRedactEventAsGhost(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/redact/")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"event_id": "$redact1"})
	})

	resp, err := c.RedactEventAsGhost(context.Background(), "!r", "$1", "@cumments_abcd:hs.example")
	require.NoError(t, err)
	assert.Equal(t, "$redact1", resp.EventID)
}
