package domain

import (
	"regexp"
	"strings"
)

// siteIDPattern enforces spec.md §3: non-empty, characters restricted to
// [a-z0-9.-]. Underscore is excluded deliberately — it is reserved as the
// room-alias separator between site_id and the encoded slug.
var siteIDPattern = regexp.MustCompile(`^[a-z0-9.-]+$`)

// mxidPattern matches a bare Matrix user ID of the form @local:server.
var mxidPattern = regexp.MustCompile(`^@([a-z0-9._=/+-]+):([a-zA-Z0-9.-]+(?::[0-9]+)?)$`)

// ValidateSiteID enforces the character restriction and non-emptiness from
// spec.md §3. An invalid id always yields a *Error of KindInvalidInput so
// the HTTP layer can map it to 400 without inspecting the message.
func ValidateSiteID(siteID string) error {
	if siteID == "" {
		return New(KindInvalidInput, "site_id must not be empty")
	}
	if !siteIDPattern.MatchString(siteID) {
		return New(KindInvalidInput, "site_id must match [a-z0-9.-]+")
	}
	return nil
}

// ValidatePostSlug enforces non-emptiness; slugs have no character
// restriction of their own since AliasEncodeSlug escapes whatever they
// contain before it reaches Matrix alias grammar.
func ValidatePostSlug(slug string) error {
	if slug == "" {
		return New(KindInvalidInput, "post_slug must not be empty")
	}
	return nil
}

// MXID is a parsed Matrix user identifier (@local:server).
type MXID struct {
	Local  string
	Server string
}

func (m MXID) String() string { return "@" + m.Local + ":" + m.Server }

// ParseMXID parses a bare @local:server Matrix user ID.
func ParseMXID(raw string) (MXID, error) {
	m := mxidPattern.FindStringSubmatch(raw)
	if m == nil {
		return MXID{}, New(KindInvalidInput, "not a valid Matrix user id")
	}
	return MXID{Local: m[1], Server: m[2]}, nil
}

// aliasSlugEscaper maps the characters Matrix room-alias local parts forbid
// (or that would collide with the site_id/slug separator) to a reversible
// percent-style encoding, the same discipline the teacher's
// ValidatePathComponent/BuildSecureURL apply before composing Matrix HTTP
// paths — here applied to alias-local-part grammar instead of URL paths.
const aliasEscape = '~'

// EncodeAliasSlug reversibly escapes slug: bytes in [a-z0-9.-] are kept
// as they are, and every other byte (including '_', the site_id/slug
// separator, and uppercase letters) becomes '~' followed by two
// lowercase hex digits.
func EncodeAliasSlug(slug string) string {
	var b strings.Builder
	for _, r := range []byte(slug) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-':
			b.WriteByte(r)
		default:
			b.WriteByte(aliasEscape)
			b.WriteString(hexByte(r))
		}
	}
	return b.String()
}

// DecodeAliasSlug reverses EncodeAliasSlug.
func DecodeAliasSlug(encoded string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(encoded); i++ {
		if encoded[i] == aliasEscape {
			if i+2 >= len(encoded) {
				return "", New(KindInvalidInput, "truncated alias escape sequence")
			}
			v, err := unhexByte(encoded[i+1 : i+3])
			if err != nil {
				return "", New(KindInvalidInput, "invalid alias escape sequence")
			}
			b.WriteByte(v)
			i += 2
			continue
		}
		b.WriteByte(encoded[i])
	}
	return b.String(), nil
}

const hexDigits = "0123456789abcdef"

func hexByte(b byte) string {
	return string([]byte{hexDigits[b>>4], hexDigits[b&0x0f]})
}

func unhexByte(s string) (byte, error) {
	hi, err := hexVal(s[0])
	if err != nil {
		return 0, err
	}
	lo, err := hexVal(s[1])
	if err != nil {
		return 0, err
	}
	return hi<<4 | lo, nil
}

func hexVal(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	default:
		return 0, New(KindInvalidInput, "invalid hex digit in alias escape")
	}
}

// RoomAlias derives the deterministic room alias for (site_id, post_slug)
// per spec.md §3: #cumments_<site_id>_<slug_encoded>:<server_name>.
func RoomAlias(siteID, postSlug, serverName string) string {
	return "#cumments_" + siteID + "_" + EncodeAliasSlug(postSlug) + ":" + serverName
}
