package httpapi

import (
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"github.com/Curious-r/cumments/internal/domain"
	"github.com/Curious-r/cumments/internal/store"
)

// encodeCursor renders a store.Cursor as the opaque "before" token
// clients round-trip back in the next page request.
func encodeCursor(c *store.Cursor) string {
	if c == nil {
		return ""
	}
	raw := strconv.FormatInt(c.CreatedAt.UnixNano(), 10) + "|" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// decodeCursor parses a "before" query parameter back into a
// store.Cursor. An empty input is not an error: it means "no cursor".
func decodeCursor(raw string) (*store.Cursor, error) {
	if raw == "" {
		return nil, nil
	}
	decoded, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return nil, domain.Wrap(domain.KindInvalidInput, err, "malformed before cursor")
	}
	parts := strings.SplitN(string(decoded), "|", 2)
	if len(parts) != 2 {
		return nil, domain.New(domain.KindInvalidInput, "malformed before cursor")
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, domain.Wrap(domain.KindInvalidInput, err, "malformed before cursor")
	}
	return &store.Cursor{CreatedAt: time.Unix(0, nanos).UTC(), ID: parts[1]}, nil
}
