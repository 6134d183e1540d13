package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateSiteID(t *testing.T) {
	require.NoError(t, ValidateSiteID("blog.example"))
	require.NoError(t, ValidateSiteID("my-site.co"))

	err := ValidateSiteID("a_b")
	require.Error(t, err)
	assert.True(t, IsInvalidInput(err))

	err = ValidateSiteID("")
	require.Error(t, err)
	assert.True(t, IsInvalidInput(err))
}

func TestAliasSlugRoundTrip(t *testing.T) {
	cases := []string{"hello", "hello-world", "hello_world", "post/with/slashes", "unicode-café", "a b c"}
	for _, slug := range cases {
		encoded := EncodeAliasSlug(slug)
		decoded, err := DecodeAliasSlug(encoded)
		require.NoError(t, err)
		assert.Equal(t, slug, decoded)
	}
}

func TestRoomAlias(t *testing.T) {
	alias := RoomAlias("blog.example", "hello", "matrix.org")
	assert.Equal(t, "#cumments_blog.example_hello:matrix.org", alias)
}

func TestParseMXID(t *testing.T) {
	id, err := ParseMXID("@alice:matrix.org")
	require.NoError(t, err)
	assert.Equal(t, "alice", id.Local)
	assert.Equal(t, "matrix.org", id.Server)
	assert.Equal(t, "@alice:matrix.org", id.String())

	_, err = ParseMXID("not-an-mxid")
	require.Error(t, err)
	assert.True(t, IsInvalidInput(err))
}
