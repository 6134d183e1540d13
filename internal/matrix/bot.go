package matrix

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"

	"github.com/Curious-r/cumments/internal/store"
)

// BotAdapter is the single-account operation mode: it joins rooms as
// itself and long-polls /sync, projecting every m.room.message/
// m.room.redaction it sees in joined rooms. Spec.md §4.C.
type BotAdapter struct {
	*base
	userID string
}

// NewBotAdapter constructs a bot-mode adapter. client must already be
// authenticated with an access token good enough to call /sync (the
// asToken field on Client doubles as that access token in bot mode).
func NewBotAdapter(client *Client, serverName, userID string, rooms store.Store) *BotAdapter {
	return &BotAdapter{base: newBase(client, serverName, rooms), userID: userID}
}

// SendComment sends as the bot's own account — bot mode has no ghost
// puppeting, so author attribution lives only in the comment row, not
// the Matrix sender.
func (a *BotAdapter) SendComment(ctx context.Context, roomID string, author Author, content, replyTo, txnID string) (string, error) {
	mc := buildMessageContent(author, content, replyTo, txnID)
	resp, err := a.client.SendEventAsGhost(ctx, roomID, "m.room.message", mc, a.userID)
	if err != nil {
		return "", errors.Wrap(err, "sending bot-mode comment")
	}
	return resp.EventID, nil
}

func (a *BotAdapter) Close() error { return nil }

type syncResponse struct {
	NextBatch string `json:"next_batch"`
	Rooms     struct {
		Join map[string]struct {
			Timeline struct {
				Events []json.RawMessage `json:"events"`
			} `json:"timeline"`
		} `json:"join"`
	} `json:"rooms"`
}

// Run drives the long-poll /sync loop until ctx is canceled. It is the
// background goroutine the caller starts once at startup.
func (a *BotAdapter) Run(ctx context.Context) {
	since, _, err := a.rooms.GetMeta("matrix.sync_token")
	if err != nil {
		// Treat a meta read failure as "no token": worst case we
		// replay some history, which projection handles idempotently.
		since = ""
	}

	backoff := 250 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		batch, err := a.syncOnce(ctx, since)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff + jitter):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = 250 * time.Millisecond

		for roomID, joined := range batch.Rooms.Join {
			for _, raw := range joined.Timeline.Events {
				ev, ok, nerr := NormalizeEvent(roomID, raw)
				if nerr != nil || !ok {
					continue
				}
				select {
				case a.events <- ev:
				case <-ctx.Done():
					return
				}
			}
		}

		since = batch.NextBatch
		if err := a.rooms.SetMeta("matrix.sync_token", since); err != nil {
			// Non-fatal: next batch will simply be re-processed on
			// restart, which projection handles idempotently.
			continue
		}
	}
}

func (a *BotAdapter) syncOnce(ctx context.Context, since string) (*syncResponse, error) {
	q := url.Values{}
	q.Set("timeout", "30000")
	if since == "" {
		q.Set("full_state", "false")
	} else {
		q.Set("since", since)
	}

	reqURL := a.client.serverURL + "/_matrix/client/v3/sync?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "building sync request")
	}
	req.Header.Set("Authorization", "Bearer "+a.client.asToken)

	resp, err := a.client.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "sending sync request")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "reading sync response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("matrix sync error: %d %s", resp.StatusCode, string(body))
	}

	var out syncResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, errors.Wrap(err, "unmarshaling sync response")
	}
	return &out, nil
}
