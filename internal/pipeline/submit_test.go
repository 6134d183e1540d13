package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Curious-r/cumments/internal/matrix"
	"github.com/Curious-r/cumments/internal/pow"
	"github.com/Curious-r/cumments/internal/store"
)

type fakeAdapter struct {
	roomID      string
	sendCalls   int
	lastAuthor  matrix.Author
	eventIDFunc func() string
}

func (f *fakeAdapter) EnsureRoom(ctx context.Context, siteID, postSlug string) (string, error) {
	return f.roomID, nil
}

func (f *fakeAdapter) SendComment(ctx context.Context, roomID string, author matrix.Author, content, replyTo, txnID string) (string, error) {
	f.sendCalls++
	f.lastAuthor = author
	if f.eventIDFunc != nil {
		return f.eventIDFunc(), nil
	}
	return "$generated", nil
}

func (f *fakeAdapter) Stream() <-chan store.NormalizedEvent { return nil }
func (f *fakeAdapter) Close() error                         { return nil }

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.Open("file::memory:?cache=shared", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestGate(t *testing.T) *pow.Gate {
	t.Helper()
	g, err := pow.New(0, 0, 1) // difficulty 1: roughly half of nonces solve
	require.NoError(t, err)
	return g
}

// solveAndConsume mints a fresh challenge and solves it, returning the
// response string ready to hand to Submit.
func solveAndConsume(t *testing.T, g *pow.Gate) string {
	t.Helper()
	secret, difficulty, err := g.Mint()
	require.NoError(t, err)
	return secret + "|" + pow.Solve(secret, difficulty)
}

func TestSubmitHappyPath(t *testing.T) {
	st := newTestStore(t)
	gate := newTestGate(t)
	adapter := &fakeAdapter{roomID: "!r"}
	p := New(gate, adapter, st, "pepper")

	response := solveAndConsume(t, gate)

	res, err := p.Submit(context.Background(), Submission{
		SiteID: "blog.example", PostSlug: "hello", Nickname: "alice",
		Content: "hi there", ChallengeResponse: response,
	})
	require.NoError(t, err)
	assert.Equal(t, "$generated", res.EventID)
	assert.Equal(t, "hi there", res.Comment.Content)
	assert.False(t, res.Replayed)
	assert.Equal(t, 1, adapter.sendCalls)
}

func TestSubmitRejectsBadPoW(t *testing.T) {
	st := newTestStore(t)
	gate := newTestGate(t)
	adapter := &fakeAdapter{roomID: "!r"}
	p := New(gate, adapter, st, "pepper")

	_, err := p.Submit(context.Background(), Submission{
		SiteID: "blog.example", PostSlug: "hello", Nickname: "alice",
		Content: "hi", ChallengeResponse: "bogus|bogus",
	})
	require.Error(t, err)
	assert.Equal(t, 0, adapter.sendCalls)
}

func TestSubmitIdempotentReplay(t *testing.T) {
	st := newTestStore(t)
	gate := newTestGate(t)
	adapter := &fakeAdapter{roomID: "!r", eventIDFunc: func() string { return "$firstsend" }}
	p := New(gate, adapter, st, "pepper")

	_, err := st.ProjectMessage(store.NormalizedEvent{
		Kind: store.EventMessage, EventID: "$firstsend", RoomID: "!r", Sender: "@alice:hs",
		OriginServerTS: time.Now(), AuthorID: "hash1", AuthorName: "alice",
		Content: "hi", TxnID: "retrytoken",
	})
	require.NoError(t, err)

	response := solveAndConsume(t, gate)

	res, err := p.Submit(context.Background(), Submission{
		SiteID: "blog.example", PostSlug: "hello", Nickname: "alice",
		Content: "hi", ChallengeResponse: response, TxnID: "retrytoken",
	})
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Equal(t, "$firstsend", res.EventID)
	assert.Equal(t, 0, adapter.sendCalls)
}

func TestSubmitRejectsOversizeContent(t *testing.T) {
	st := newTestStore(t)
	gate := newTestGate(t)
	adapter := &fakeAdapter{roomID: "!r"}
	p := New(gate, adapter, st, "pepper")

	huge := make([]byte, 5000)
	for i := range huge {
		huge[i] = 'a'
	}

	_, err := p.Submit(context.Background(), Submission{
		SiteID: "blog.example", PostSlug: "hello", Nickname: "alice",
		Content: string(huge), ChallengeResponse: "x|y",
	})
	require.Error(t, err)
	assert.Equal(t, 0, adapter.sendCalls)
}
