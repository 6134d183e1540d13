package matrix

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/Curious-r/cumments/internal/domain"
	"github.com/Curious-r/cumments/internal/store"
)

func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// Adapter is the uniform contract bot-mode and appservice-mode share
// (spec.md §4.C): ensure a room exists, send a comment, and stream
// normalized events.
type Adapter interface {
	EnsureRoom(ctx context.Context, siteID, postSlug string) (string, error)
	SendComment(ctx context.Context, roomID string, author Author, content, replyTo, txnID string) (string, error)
	Stream() <-chan store.NormalizedEvent
	Close() error
}

// Author is everything the adapter needs to provision (or reuse) a
// ghost and attribute the event to it.
type Author struct {
	AuthorID    string
	DisplayName string
	AvatarURL   string
	IsGuest     bool
	Fingerprint string // guest-only, server-assigned, never surfaced (spec.md §3)
	MXID        string // authenticated-user mode: the caller's own MXID, sent as itself, no ghost
}

// base holds the fields and behavior common to both adapter modes:
// room ensure/create (single-flight per alias) and ghost provisioning
// (single-flight per localpart), per spec.md §4.C.
type base struct {
	client     *Client
	serverName string
	rooms      store.Store

	roomFlight  singleflight.Group
	ghostFlight singleflight.Group

	events chan store.NormalizedEvent
}

func newBase(client *Client, serverName string, rooms store.Store) *base {
	return &base{
		client:     client,
		serverName: serverName,
		rooms:      rooms,
		events:     make(chan store.NormalizedEvent, 256),
	}
}

func (b *base) Stream() <-chan store.NormalizedEvent { return b.events }

// EnsureRoom resolves or creates the room for (siteID, postSlug),
// single-flighted per alias so concurrent callers share one creation
// attempt (spec.md §4.C).
func (b *base) EnsureRoom(ctx context.Context, siteID, postSlug string) (string, error) {
	if err := domain.ValidateSiteID(siteID); err != nil {
		return "", err
	}
	if err := domain.ValidatePostSlug(postSlug); err != nil {
		return "", err
	}

	if room, ok, err := b.rooms.LookupRoom(siteID, postSlug); err != nil {
		return "", err
	} else if ok {
		return room.RoomID, nil
	}

	alias := domain.RoomAlias(siteID, postSlug, b.serverName)
	v, err, _ := b.roomFlight.Do(alias, func() (any, error) {
		return b.ensureRoomUncached(ctx, siteID, postSlug, alias)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (b *base) ensureRoomUncached(ctx context.Context, siteID, postSlug, alias string) (string, error) {
	// Re-check: another goroutine may have completed this between our
	// LookupRoom miss and acquiring the single-flight slot.
	if room, ok, err := b.rooms.LookupRoom(siteID, postSlug); err != nil {
		return "", err
	} else if ok {
		return room.RoomID, nil
	}

	roomID, err := b.client.ResolveRoomAlias(ctx, alias)
	if err != nil {
		return "", errors.Wrap(err, "resolving room alias")
	}

	if roomID == "" {
		topic := "cumments:" + siteID + ":" + postSlug
		roomID, err = b.client.CreateRoom(ctx, alias, alias, topic)
		if err != nil {
			if matrixErr, ok := asMatrixError(err); ok && matrixErr.ErrCode == "M_ROOM_IN_USE" {
				// Lost the creation race against another cumments
				// instance: resolve again per spec.md §4.C.
				roomID, err = b.client.ResolveRoomAlias(ctx, alias)
				if err != nil {
					return "", errors.Wrap(err, "re-resolving room alias after race")
				}
			} else {
				return "", errors.Wrap(err, "creating room")
			}
		}
	}

	if _, err := b.rooms.UpsertRoom(siteID, postSlug, roomID); err != nil {
		return "", errors.Wrap(err, "persisting room mapping")
	}
	return roomID, nil
}

func asMatrixError(err error) (*Error, bool) {
	var matrixErr *Error
	ok := errors.As(err, &matrixErr)
	return matrixErr, ok
}

// ensureGhost registers (single-flighted per localpart) the ghost user
// for author and sets its display name, returning its MXID. It runs on
// every call, not only the first for an author; registering an
// already-registered localpart counts as success.
func (b *base) ensureGhost(ctx context.Context, author Author) (string, error) {
	localpart := domain.GhostLocalpart(author.AuthorID)
	v, err, _ := b.ghostFlight.Do(localpart, func() (any, error) {
		ghostMXID, err := b.client.CreateGhostUser(ctx, localpart)
		if err != nil {
			return "", errors.Wrap(err, "registering ghost user")
		}
		if author.DisplayName != "" {
			if err := b.client.SetDisplayName(ctx, ghostMXID, author.DisplayName); err != nil {
				return ghostMXID, errors.Wrap(err, "setting ghost display name")
			}
		}
		return ghostMXID, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// buildMessageContent assembles the m.room.message content for a new
// comment, including m.in_reply_to when replyTo is set and the
// cumments_* author/txn metadata NormalizeEvent reads back on the way
// in through the real sync/transaction stream.
func buildMessageContent(author Author, content, replyTo, txnID string) MessageContent {
	mc := MessageContent{
		MsgType:             "m.text",
		Body:                content,
		CummentsAuthorID:    author.AuthorID,
		CummentsAuthorName:  author.DisplayName,
		CummentsIsGuest:     author.IsGuest,
		CummentsFingerprint: author.Fingerprint,
		CummentsAvatarURL:   author.AvatarURL,
		CummentsTxnID:       txnID,
	}
	if replyTo != "" {
		mc.RelatesTo = &RelatesTo{InReply: &EventIDRef{EventID: replyTo}}
	}
	return mc
}

// NormalizeEvent applies spec.md §4.C's event normalization table to a
// raw Matrix event, returning ok=false for events that should be
// silently dropped.
func NormalizeEvent(roomID string, raw json.RawMessage) (store.NormalizedEvent, bool, error) {
	var envelope struct {
		Type           string          `json:"type"`
		EventID        string          `json:"event_id"`
		Sender         string          `json:"sender"`
		OriginServerTS int64           `json:"origin_server_ts"`
		Content        json.RawMessage `json:"content"`
		Redacts        string          `json:"redacts"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return store.NormalizedEvent{}, false, errors.Wrap(err, "unmarshaling matrix event envelope")
	}

	ts := msToTime(envelope.OriginServerTS)

	switch envelope.Type {
	case "m.room.redaction":
		if envelope.Redacts == "" {
			return store.NormalizedEvent{}, false, nil
		}
		return store.NormalizedEvent{
			Kind:           store.EventRedaction,
			RoomID:         roomID,
			Sender:         envelope.Sender,
			OriginServerTS: ts,
			TargetID:       envelope.Redacts,
			RawEvent:       string(raw),
		}, true, nil

	case "m.room.message":
		var content struct {
			MsgType   string `json:"msgtype"`
			Body      string `json:"body"`
			RelatesTo *struct {
				RelType string `json:"rel_type"`
				EventID string `json:"event_id"`
				InReply *struct {
					EventID string `json:"event_id"`
				} `json:"m.in_reply_to"`
			} `json:"m.relates_to"`
			NewContent *struct {
				Body string `json:"body"`
			} `json:"m.new_content"`

			CummentsAuthorID    string `json:"cumments_author_id"`
			CummentsAuthorName  string `json:"cumments_author_name"`
			CummentsIsGuest     bool   `json:"cumments_is_guest"`
			CummentsFingerprint string `json:"cumments_fingerprint"`
			CummentsAvatarURL   string `json:"cumments_avatar_url"`
			CummentsTxnID       string `json:"cumments_txn_id"`
		}
		if err := json.Unmarshal(envelope.Content, &content); err != nil {
			return store.NormalizedEvent{}, false, errors.Wrap(err, "unmarshaling message content")
		}
		if content.MsgType != "m.text" {
			return store.NormalizedEvent{}, false, nil
		}

		if content.RelatesTo != nil && content.RelatesTo.RelType == "m.replace" {
			newBody := ""
			if content.NewContent != nil {
				newBody = content.NewContent.Body
			}
			return store.NormalizedEvent{
				Kind:           store.EventEdit,
				RoomID:         roomID,
				Sender:         envelope.Sender,
				OriginServerTS: ts,
				TargetID:       content.RelatesTo.EventID,
				Content:        newBody,
				RawEvent:       string(raw),
			}, true, nil
		}

		replyTo := ""
		if content.RelatesTo != nil && content.RelatesTo.InReply != nil {
			replyTo = content.RelatesTo.InReply.EventID
		}
		return store.NormalizedEvent{
			Kind:           store.EventMessage,
			EventID:        envelope.EventID,
			RoomID:         roomID,
			Sender:         envelope.Sender,
			OriginServerTS: ts,
			TxnID:          content.CummentsTxnID,
			AuthorID:       content.CummentsAuthorID,
			AuthorName:     content.CummentsAuthorName,
			IsGuest:        content.CummentsIsGuest,
			Fingerprint:    content.CummentsFingerprint,
			AvatarURL:      content.CummentsAvatarURL,
			Content:        content.Body,
			ReplyTo:        replyTo,
			RawEvent:       string(raw),
		}, true, nil

	default:
		return store.NormalizedEvent{}, false, nil
	}
}

func isGhostSender(sender, serverName string) bool {
	return strings.HasPrefix(sender, "@cumments_") && strings.HasSuffix(sender, ":"+serverName)
}
