package domain

import (
	"strings"
	"time"
)

// MaxContentBytes is the spec.md §3 cap on normalized comment content.
const MaxContentBytes = 4096

// MaxNicknameBytes resolves spec.md §9's open question: the source placed
// no limit on nicknames, this implementation caps them at 64 bytes after
// trim.
const MaxNicknameBytes = 64

// Room maps (site_id, post_slug) to a Matrix room_id. Created lazily by the
// adapter on first submission to a thread; never deleted by the core.
type Room struct {
	SiteID    string
	PostSlug  string
	RoomID    string
	CreatedAt time.Time
}

// Comment is the local-view projection of a Matrix room-message event, per
// spec.md §3.
type Comment struct {
	ID                string
	RoomID            string
	AuthorID          string
	AuthorName        string
	IsGuest           bool
	AuthorFingerprint string
	AvatarURL         string
	Content           string
	ReplyTo           string
	CreatedAt         time.Time
	UpdatedAt         *time.Time
	IsRedacted        bool
	TxnID             string
	RawEvent          string
}

// ChangeKind describes the net effect projecting one event had on the
// store, per spec.md §4.B.
type ChangeKind int

const (
	Ignored ChangeKind = iota
	Inserted
	Updated
	Redacted
)

func (k ChangeKind) String() string {
	switch k {
	case Inserted:
		return "Inserted"
	case Updated:
		return "Updated"
	case Redacted:
		return "Redacted"
	default:
		return "Ignored"
	}
}

// Change is returned by store.ProjectMessage and carries enough of the
// resulting row for the fan-out pipeline to publish without a second read.
type Change struct {
	Kind    ChangeKind
	Comment Comment
}

// NormalizeContent applies spec.md §3's content rules: trim, collapse
// internal CR/LF to LF, cap at MaxContentBytes bytes. Returns an
// InvalidInput error if the normalized content is empty or still over the
// cap (i.e. truncation is never silently applied — an oversize submission
// is rejected, not clipped).
func NormalizeContent(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.ReplaceAll(trimmed, "\r\n", "\n")
	trimmed = strings.ReplaceAll(trimmed, "\r", "\n")
	if trimmed == "" {
		return "", New(KindInvalidInput, "content must not be empty")
	}
	if len(trimmed) > MaxContentBytes {
		return "", New(KindInvalidInput, "content exceeds maximum size")
	}
	return trimmed, nil
}

// NormalizeNickname trims and enforces the 64-byte nickname cap.
func NormalizeNickname(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", New(KindInvalidInput, "nickname must not be empty")
	}
	if len(trimmed) > MaxNicknameBytes {
		return "", New(KindInvalidInput, "nickname exceeds maximum size")
	}
	return trimmed, nil
}

// Redact clears content and flips IsRedacted, matching spec.md §3 invariant
// 2 (terminal, never resurrected).
func (c *Comment) Redact() {
	c.Content = ""
	c.IsRedacted = true
}

// PublicView is the JSON-facing shape returned by the HTTP and SSE
// surfaces: it omits AuthorFingerprint (spec.md §3: "never surfaced").
type PublicView struct {
	ID         string  `json:"id"`
	RoomID     string  `json:"room_id"`
	AuthorID   string  `json:"author_id"`
	AuthorName string  `json:"author_name"`
	IsGuest    bool    `json:"is_guest"`
	AvatarURL  string  `json:"avatar_url,omitempty"`
	Content    string  `json:"content"`
	ReplyTo    string  `json:"reply_to,omitempty"`
	CreatedAt  int64   `json:"created_at"`
	UpdatedAt  *int64  `json:"updated_at,omitempty"`
	IsRedacted bool    `json:"is_redacted"`
	TxnID      string  `json:"txn_id,omitempty"`
}

// ToPublicView converts a Comment into its wire representation.
func (c Comment) ToPublicView() PublicView {
	v := PublicView{
		ID:         c.ID,
		RoomID:     c.RoomID,
		AuthorID:   c.AuthorID,
		AuthorName: c.AuthorName,
		IsGuest:    c.IsGuest,
		AvatarURL:  c.AvatarURL,
		Content:    c.Content,
		ReplyTo:    c.ReplyTo,
		CreatedAt:  c.CreatedAt.Unix(),
		IsRedacted: c.IsRedacted,
		TxnID:      c.TxnID,
	}
	if c.UpdatedAt != nil {
		u := c.UpdatedAt.Unix()
		v.UpdatedAt = &u
	}
	return v
}
