package jsonparser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEventJSON(t *testing.T) string {
	t.Helper()
	id := strings.Repeat("ab", 32)
	pk := strings.Repeat("cd", 32)
	sig := strings.Repeat("ef", 64)
	return `{"id":"` + id + `","pubkey":"` + pk + `","sig":"` + sig + `",` +
		`"kind":1,"created_at":1700000000,"content":"hello\nworld",` +
		`"tags":[["e","` + id + `"],["t","nostr"]]}`
}

func TestParseEventHappyPath(t *testing.T) {
	ev, err := ParseEvent([]byte(sampleEventJSON(t)), Options{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, ev.Kind)
	assert.EqualValues(t, 1700000000, ev.CreatedAt)
	assert.Equal(t, "hello\nworld", string(ev.Content))
	require.Len(t, ev.Tags, 2)
	assert.Equal(t, "e", string(ev.Tags[0][0]))
	assert.Equal(t, "t", string(ev.Tags[1][0]))
	assert.Equal(t, "nostr", string(ev.Tags[1][1]))
}

func TestParseEventMissingField(t *testing.T) {
	_, err := ParseEvent([]byte(`{"pubkey":"aa"}`), Options{})
	assert.ErrorIs(t, err, ErrMissingField)
}

func TestParseEventRejectsUnicodeEscape(t *testing.T) {
	id := strings.Repeat("ab", 32)
	pk := strings.Repeat("cd", 32)
	sig := strings.Repeat("ef", 64)
	raw := `{"id":"` + id + `","pubkey":"` + pk + `","sig":"` + sig + `",` +
		`"kind":1,"created_at":1,"content":"bad ` + "\\" + `u0041 escape","tags":[]}`
	_, err := ParseEvent([]byte(raw), Options{})
	assert.ErrorIs(t, err, ErrUnicodeEscape)
}

func TestParseEventRejectsBadHexLength(t *testing.T) {
	raw := `{"id":"abcd","pubkey":"` + strings.Repeat("cd", 32) + `","sig":"` +
		strings.Repeat("ef", 64) + `","kind":1,"created_at":1,"content":"x","tags":[]}`
	_, err := ParseEvent([]byte(raw), Options{})
	assert.ErrorIs(t, err, ErrBadHex)
}

func TestParseEventIDSeenStopsBeforeSignatureWork(t *testing.T) {
	raw := sampleEventJSON(t)
	var seenHex string
	_, err := ParseEvent([]byte(raw), Options{
		IDSeen: func(hexID string) Verdict {
			seenHex = hexID
			return Stop
		},
	})
	assert.ErrorIs(t, err, ErrAlreadyHave)
	assert.Equal(t, strings.Repeat("ab", 32), seenHex)
}

func TestParseEventNumericOverflow(t *testing.T) {
	raw := `{"id":"` + strings.Repeat("ab", 32) + `","pubkey":"` + strings.Repeat("cd", 32) +
		`","sig":"` + strings.Repeat("ef", 64) + `","kind":99999999999,"created_at":1,"content":"x","tags":[]}`
	_, err := ParseEvent([]byte(raw), Options{})
	assert.ErrorIs(t, err, ErrNumericOverflow)
}

func TestDetectFrameVariants(t *testing.T) {
	frame, body, err := DetectFrame([]byte(`["EVENT", {"a":1}]`))
	require.NoError(t, err)
	assert.Equal(t, FrameClientEvent, frame)
	assert.JSONEq(t, `{"a":1}`, string(body))

	frame, body, err = DetectFrame([]byte(`["EVENT", "subid", {"a":1}]`))
	require.NoError(t, err)
	assert.Equal(t, FrameRelayEvent, frame)
	assert.JSONEq(t, `{"a":1}`, string(body))

	frame, _, err = DetectFrame([]byte(`["EOSE", "subid"]`))
	require.NoError(t, err)
	assert.Equal(t, FrameEOSE, frame)

	frame, _, err = DetectFrame([]byte(`["OK", "id", true, ""]`))
	require.NoError(t, err)
	assert.Equal(t, FrameOK, frame)
}

func TestDetectFrameRejectsEmptyArray(t *testing.T) {
	_, _, err := DetectFrame([]byte(`[]`))
	assert.ErrorIs(t, err, ErrBadShape)
}
