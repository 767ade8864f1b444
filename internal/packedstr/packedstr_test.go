package packedstr

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInlineVariants(t *testing.T) {
	empty := Inline(nil)
	assert.True(t, empty.IsInline())
	assert.Equal(t, []byte{}, empty.InlineBytes())

	one := InlineChar('e')
	assert.True(t, one.IsInline())
	assert.Equal(t, []byte("e"), one.InlineBytes())

	two := InlineChars('g', 'm')
	assert.True(t, two.IsInline())
	assert.Equal(t, []byte("gm"), two.InlineBytes())
}

func TestOffsetVariants(t *testing.T) {
	p := OffsetString(0x010203)
	assert.True(t, p.IsOffsetString())
	assert.False(t, p.IsInline())
	assert.Equal(t, uint32(0x010203), p.Offset())

	id := PackedID(42)
	assert.True(t, id.IsPackedID())
	assert.Equal(t, uint32(42), id.Offset())
}

func TestArenaInternTagElementInlineFastPaths(t *testing.T) {
	a := NewArena()

	p, err := a.InternTagElement(nil)
	require.NoError(t, err)
	assert.True(t, p.IsInline())

	p, err = a.InternTagElement([]byte("p"))
	require.NoError(t, err)
	assert.True(t, p.IsInline())
	assert.Equal(t, []byte("p"), p.InlineBytes())

	p, err = a.InternTagElement([]byte("re"))
	require.NoError(t, err)
	assert.True(t, p.IsInline())

	// Short strings never touch the arena buffer.
	assert.Empty(t, a.Bytes())
}

func TestArenaInternTagElementHexID(t *testing.T) {
	a := NewArena()
	hexID := strings.Repeat("ab", 32)

	p, err := a.InternTagElement([]byte(hexID))
	require.NoError(t, err)
	assert.True(t, p.IsPackedID())
	assert.Len(t, a.Bytes(), 32)

	// A same-length string that isn't valid hex falls back to string interning.
	nonHex := strings.Repeat("zz", 32)
	p2, err := a.InternTagElement([]byte(nonHex))
	require.NoError(t, err)
	assert.True(t, p2.IsOffsetString())
}

func TestArenaInternStringDedup(t *testing.T) {
	a := NewArena()

	p1, err := a.InternTagElement([]byte("hello world"))
	require.NoError(t, err)
	require.True(t, p1.IsOffsetString())

	p2, err := a.InternTagElement([]byte("hello world"))
	require.NoError(t, err)
	require.True(t, p2.IsOffsetString())

	assert.Equal(t, p1.Offset(), p2.Offset(), "identical strings must dedup to the same offset")

	p3, err := a.InternTagElement([]byte("different"))
	require.NoError(t, err)
	assert.NotEqual(t, p1.Offset(), p3.Offset())
}

func TestArenaInternContentNeverPacksID(t *testing.T) {
	a := NewArena()
	hexID := strings.Repeat("cd", 32)

	p, err := a.InternContent([]byte(hexID))
	require.NoError(t, err)
	assert.False(t, p.IsPackedID())
	assert.True(t, p.IsOffsetString())
}

func TestArenaOverflow(t *testing.T) {
	a := &Arena{buf: make([]byte, 0xFFFFFF+1)}
	_, err := a.internString([]byte("x"))
	assert.ErrorIs(t, err, ErrArenaOverflow)
}
