package pipeline

import (
	"context"

	"github.com/Curious-r/cumments/internal/domain"
	"github.com/Curious-r/cumments/internal/matrix"
	"github.com/Curious-r/cumments/internal/pow"
	"github.com/Curious-r/cumments/internal/store"
)

// Submission is the inbound request spec.md §4.E describes.
type Submission struct {
	SiteID            string
	PostSlug          string
	Nickname          string
	Content           string
	ChallengeResponse string
	ReplyTo           string
	TxnID             string
	AuthMXID          string // set only when the poster authenticated
}

// Result is what the submission endpoint returns: the event id Matrix
// assigned, and a provisional payload the client can render before the
// sync pipeline projects the event (spec.md §4.E step 8).
type Result struct {
	EventID  string
	Comment  domain.PublicView
	Replayed bool
}

// Pipeline ties the PoW gate, the Matrix adapter, and the store
// together into the submission flow. Grounded on the teacher's
// SyncPostToMatrix top-level orchestration (validate, resolve,
// send, respond), restructured around cumments' PoW and idempotent-txn
// steps.
type Pipeline struct {
	gate       *pow.Gate
	adapter    matrix.Adapter
	rooms      store.Store
	authorSalt string
}

func New(gate *pow.Gate, adapter matrix.Adapter, rooms store.Store, authorSalt string) *Pipeline {
	return &Pipeline{gate: gate, adapter: adapter, rooms: rooms, authorSalt: authorSalt}
}

// Submit runs the 8-step flow from spec.md §4.E.
func (p *Pipeline) Submit(ctx context.Context, s Submission) (Result, error) {
	if err := domain.ValidateSiteID(s.SiteID); err != nil {
		return Result{}, err
	}
	if err := domain.ValidatePostSlug(s.PostSlug); err != nil {
		return Result{}, err
	}

	content, err := domain.NormalizeContent(s.Content)
	if err != nil {
		return Result{}, err
	}

	var nickname string
	isGuest := s.AuthMXID == ""
	if isGuest {
		nickname, err = domain.NormalizeNickname(s.Nickname)
		if err != nil {
			return Result{}, err
		}
	} else {
		nickname = s.Nickname
	}

	if err := p.gate.Verify(s.ChallengeResponse); err != nil {
		return Result{}, err
	}

	var authorID, fingerprint string
	if isGuest {
		fingerprint = s.ChallengeResponse
		authorID = domain.AuthorIDForGuest(p.authorSalt, nickname, fingerprint)
	} else {
		authorID = domain.AuthorIDForUser(p.authorSalt, s.AuthMXID)
	}

	roomID, err := p.adapter.EnsureRoom(ctx, s.SiteID, s.PostSlug)
	if err != nil {
		return Result{}, domain.Wrap(domain.KindUpstreamUnavailable, err, "ensuring matrix room")
	}

	if s.TxnID != "" {
		if existing, ok, err := p.rooms.GetByTxn(roomID, s.TxnID); err != nil {
			return Result{}, err
		} else if ok {
			return Result{EventID: existing.ID, Comment: existing.ToPublicView(), Replayed: true}, nil
		}
	}

	author := matrix.Author{
		AuthorID:    authorID,
		DisplayName: nickname,
		IsGuest:     isGuest,
		Fingerprint: fingerprint,
		MXID:        s.AuthMXID,
	}

	eventID, err := p.adapter.SendComment(ctx, roomID, author, content, s.ReplyTo, s.TxnID)
	if err != nil {
		return Result{}, domain.Wrap(domain.KindUpstreamUnavailable, err, "sending comment to matrix")
	}

	provisional := domain.Comment{
		ID:                eventID,
		RoomID:            roomID,
		AuthorID:          authorID,
		AuthorName:        nickname,
		IsGuest:           isGuest,
		AuthorFingerprint: fingerprint,
		Content:           content,
		ReplyTo:           s.ReplyTo,
	}

	return Result{EventID: eventID, Comment: provisional.ToPublicView()}, nil
}
