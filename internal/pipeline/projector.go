package pipeline

import (
	"context"
	"time"

	"github.com/Curious-r/cumments/internal/domain"
	"github.com/Curious-r/cumments/internal/store"
)

type logger interface {
	LogDebug(msg string, kv ...any)
	LogWarn(msg string, kv ...any)
	LogError(msg string, kv ...any)
}

type noopLogger struct{}

func (noopLogger) LogDebug(string, ...any) {}
func (noopLogger) LogWarn(string, ...any)  {}
func (noopLogger) LogError(string, ...any) {}

// projectionRetries and projectionRetryWindow implement spec.md §7's
// "skipped after a bounded retry (3 attempts over 5 s)" policy.
const projectionRetries = 3

var projectionRetryWindow = 5 * time.Second

// RunProjector drains events (an adapter's Stream()) into rooms via
// ProjectMessage, publishing every non-Ignored Change onto hub. It
// blocks until events closes or ctx is done. Grounded on the teacher's
// sync_to_mattermost.go event-loop shape (read one event, transform,
// persist, continue on error) adapted to cumments' own retry policy.
func RunProjector(ctx context.Context, rooms store.Store, events <-chan store.NormalizedEvent, hub *Hub, log logger) {
	if log == nil {
		log = noopLogger{}
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			projectOne(rooms, hub, ev, log)
		}
	}
}

func projectOne(rooms store.Store, hub *Hub, ev store.NormalizedEvent, log logger) {
	delay := projectionRetryWindow / time.Duration(projectionRetries)
	var change domain.Change
	var err error
	for attempt := 1; attempt <= projectionRetries; attempt++ {
		change, err = rooms.ProjectMessage(ev)
		if err == nil {
			break
		}
		log.LogWarn("projecting event failed, retrying", "room_id", ev.RoomID, "attempt", attempt, "error", err)
		if attempt < projectionRetries {
			time.Sleep(delay)
		}
	}
	if err != nil {
		log.LogError("skipping event after exhausting retries", "room_id", ev.RoomID, "error", err)
		if incrErr := rooms.IncrSkippedEventCount(); incrErr != nil {
			log.LogError("recording skipped event count", "error", incrErr)
		}
		return
	}
	if change.Kind == domain.Ignored {
		return
	}
	hub.Publish(ev.RoomID, Event{Kind: fanoutKindFor(change.Kind), Comment: change.Comment.ToPublicView()})
}

func fanoutKindFor(k domain.ChangeKind) EventKind {
	switch k {
	case domain.Inserted:
		return EventNewComment
	case domain.Updated:
		return EventUpdateComment
	case domain.Redacted:
		return EventDeleteComment
	default:
		return EventUpdateComment
	}
}
