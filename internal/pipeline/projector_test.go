package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Curious-r/cumments/internal/store"
)

func TestRunProjectorPublishesInsertedEvent(t *testing.T) {
	st := newTestStore(t)
	hub := NewHub()

	sub, unsubscribe := hub.Subscribe("!r")
	defer unsubscribe()

	events := make(chan store.NormalizedEvent, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		RunProjector(ctx, st, events, hub, nil)
		close(done)
	}()

	events <- store.NormalizedEvent{
		Kind: store.EventMessage, EventID: "$1", RoomID: "!r", Sender: "@alice:hs",
		OriginServerTS: time.Now(), AuthorID: "hash1", AuthorName: "alice", Content: "hi",
	}

	select {
	case ev := <-sub:
		assert.Equal(t, EventNewComment, ev.Kind)
		assert.Equal(t, "hi", ev.Comment.Content)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published event")
	}

	close(events)
	<-done
}

func TestRunProjectorStopsOnContextCancel(t *testing.T) {
	st := newTestStore(t)
	hub := NewHub()
	events := make(chan store.NormalizedEvent)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		RunProjector(ctx, st, events, hub, nil)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("projector did not stop after context cancellation")
	}
}
