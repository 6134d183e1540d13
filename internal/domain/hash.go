package domain

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// H computes the one-way identifier hash from spec.md §4.A:
// H(salt || ":" || kind || ":" || material), hex-lowercase.
//
// blake2b is used rather than stdlib sha256 because it is already an
// indirect dependency of the teacher and of BrettM86-coves/element-hq-dendrite
// (see DESIGN.md) and gives a wider output (64 bytes) for a negligible cost,
// which is convenient for deriving both the author_id hash and the ghost
// localpart prefix from a single digest.
func H(salt, kind, material string) string {
	sum := blake2b.Sum512([]byte(salt + ":" + kind + ":" + material))
	return hex.EncodeToString(sum[:])
}

// AuthorIDKind values distinguish the two H() call sites so the same
// nickname+fingerprint pair used by two different salts (or the same MXID
// hashed for two different purposes) never collide.
const (
	AuthorIDKindUser  = "user"
	AuthorIDKindGuest = "guest"
)

// AuthorIDForUser derives the stable author_id for a logged-in Matrix user
// from their MXID and the process-wide salt.
func AuthorIDForUser(salt, mxid string) string {
	return H(salt, AuthorIDKindUser, mxid)
}

// AuthorIDForGuest derives the stable author_id for a guest commenter from
// their nickname, a client fingerprint, and the process-wide salt.
func AuthorIDForGuest(salt, nickname, fingerprint string) string {
	return H(salt, AuthorIDKindGuest, nickname+"\x00"+fingerprint)
}

// GhostLocalpart derives the AppService ghost user's localpart prefix from
// an author_id, per spec.md §4.C (@cumments_<author_id_prefix>:<server>).
// Truncated to keep Matrix localparts (max 255 bytes, conventionally much
// shorter) comfortably short.
func GhostLocalpart(authorID string) string {
	const prefixLen = 32
	if len(authorID) < prefixLen {
		return "cumments_" + authorID
	}
	return "cumments_" + authorID[:prefixLen]
}
