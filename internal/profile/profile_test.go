package profile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseContentPrefersLud06OverLud16(t *testing.T) {
	p, err := ParseContent([]byte(`{"name":"jb55","lud06":"lnurl1abc","lud16":"jb55@getalby.com"}`))
	require.NoError(t, err)
	assert.Equal(t, "jb55", p.Name)
	assert.Equal(t, "lnurl1abc", p.LNURL)
	assert.Equal(t, "jb55@getalby.com", p.Lud16)
}

func TestParseContentFallsBackToLud16(t *testing.T) {
	p, err := ParseContent([]byte(`{"name":"jb55","lud16":"jb55@getalby.com"}`))
	require.NoError(t, err)
	assert.Equal(t, "jb55@getalby.com", p.LNURL)
}

func TestParseContentRejectsMalformed(t *testing.T) {
	_, err := ParseContent([]byte(`not json`))
	assert.Error(t, err)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	p := Profile{
		Name:        "jb55",
		DisplayName: "Will",
		About:       "nostr dev",
		NIP05:       "jb55@jb55.com",
		ReceivedAt:  1700000000,
		NoteKey:     42,
	}
	decoded, err := Decode(Encode(p))
	require.NoError(t, err)
	assert.Equal(t, p, decoded)
}

func TestEncodeSkipsEmptyStringFields(t *testing.T) {
	p := Profile{Name: "jb55"}
	encoded := Encode(p)
	decoded, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, "jb55", decoded.Name)
	assert.Empty(t, decoded.About)
}

func TestDecodeSkipsUnknownTagGracefully(t *testing.T) {
	// A future field appended after today's known tags should not break
	// decoding of the fields this version does recognize.
	buf := Encode(Profile{Name: "jb55"})
	buf = putStringField(buf, 200, "future-field")
	decoded, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, "jb55", decoded.Name)
}

func TestDecodeRejectsTruncatedHeader(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3})
	assert.Error(t, err)
}
