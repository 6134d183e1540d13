package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Curious-r/cumments/internal/matrix"
	"github.com/Curious-r/cumments/internal/pipeline"
	"github.com/Curious-r/cumments/internal/pow"
	"github.com/Curious-r/cumments/internal/store"
)

type fakeAdapter struct {
	roomID string
}

func (f *fakeAdapter) EnsureRoom(ctx context.Context, siteID, postSlug string) (string, error) {
	return f.roomID, nil
}

func (f *fakeAdapter) SendComment(ctx context.Context, roomID string, author matrix.Author, content, replyTo, txnID string) (string, error) {
	return "$generated", nil
}

func (f *fakeAdapter) Stream() <-chan store.NormalizedEvent { return nil }
func (f *fakeAdapter) Close() error                         { return nil }

func newTestServer(t *testing.T) (*Server, store.Store) {
	t.Helper()
	st, err := store.Open("file::memory:?cache=shared", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	gate, err := pow.New(0, 0, 1)
	require.NoError(t, err)

	adapter := &fakeAdapter{roomID: "!r"}
	pl := pipeline.New(gate, adapter, st, "pepper")
	hub := pipeline.NewHub()

	return NewServer(pl, st, hub, gate, []string{"*"}, nil), st
}

func solve(t *testing.T, g *pow.Gate) string {
	t.Helper()
	secret, difficulty, err := g.Mint()
	require.NoError(t, err)
	return secret + "|" + pow.Solve(secret, difficulty)
}

func TestHandleChallengeReturnsSecretAndDifficulty(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/challenge", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body challengeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.NotEmpty(t, body.Secret)
	assert.Equal(t, 1, body.Difficulty)
}

func TestHandleSubmitHappyPath(t *testing.T) {
	s, _ := newTestServer(t)
	response := solve(t, s.gate)

	body, _ := json.Marshal(submitRequest{
		PostSlug: "hello", Nickname: "alice", Content: "hi there", ChallengeResponse: response,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/blog.example/comments", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	var resp submitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "$generated", resp.ID)
}

func TestHandleSubmitRejectsBadPoW(t *testing.T) {
	s, _ := newTestServer(t)
	body, _ := json.Marshal(submitRequest{
		PostSlug: "hello", Nickname: "alice", Content: "hi", ChallengeResponse: "bogus|bogus",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/blog.example/comments", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandleListEmptyRoomReturnsEmptyItems(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/blog.example/comments/hello", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp listResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Empty(t, resp.Items)
}

func TestHandleListReturnsProjectedComments(t *testing.T) {
	s, st := newTestServer(t)
	_, err := st.UpsertRoom("blog.example", "hello", "!r")
	require.NoError(t, err)
	_, err = st.ProjectMessage(store.NormalizedEvent{
		Kind: store.EventMessage, EventID: "$1", RoomID: "!r", Sender: "@alice:hs",
		OriginServerTS: time.Now(), AuthorID: "hash1", AuthorName: "alice", Content: "hi",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/blog.example/comments/hello", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp listResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Items, 1)
	assert.Equal(t, "hi", resp.Items[0].Content)
}

func TestHandleHealthReportsSkippedEventCount(t *testing.T) {
	s, st := newTestServer(t)
	require.NoError(t, st.IncrSkippedEventCount())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp healthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.SkippedEvents)
}

func TestHandleListRejectsInvalidSiteID(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/BAD_SITE/comments/hello", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}
