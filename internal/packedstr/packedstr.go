// Package packedstr implements the 4-byte PackedStr string reference and
// the per-note arena used to intern tag and content strings.
package packedstr

import (
	"bytes"

	"github.com/pkg/errors"
	hex "github.com/tmthrgd/go-hex"
)

// ErrArenaOverflow is returned when a note's strings arena would need an
// offset beyond the 24-bit range PackedStr can address.
var ErrArenaOverflow = errors.New("packedstr: arena overflow")

const (
	tagInline byte = 0xFF
	// TagPackedID marks a PackedStr whose offset points at a raw 32-byte id.
	TagPackedID byte = 0xFE
	tagOffset   byte = 0x00
)

// PackedStr is a 4-byte string reference. Byte 3 (the high byte)
// carries the variant tag; bytes 0-2 carry either an inline
// NUL-terminated string or a little-endian 24-bit arena offset.
type PackedStr [4]byte

// Inline builds the "inline <=2 chars" variant. Callers must ensure
// len(s) <= 2; the empty and 1-character cases are handled naturally.
func Inline(s []byte) PackedStr {
	var p PackedStr
	p[3] = tagInline
	copy(p[:2], s)
	return p
}

// InlineChar builds the one-character inline fast path used on every
// single-letter tag label ('e', 'p', 't', 'q', ...).
func InlineChar(c byte) PackedStr {
	var p PackedStr
	p[3] = tagInline
	p[0] = c
	return p
}

// InlineChars builds the two-character inline fast path.
func InlineChars(c1, c2 byte) PackedStr {
	var p PackedStr
	p[3] = tagInline
	p[0] = c1
	p[1] = c2
	return p
}

func offsetVariant(tag byte, offset uint32) PackedStr {
	var p PackedStr
	p[0] = byte(offset)
	p[1] = byte(offset >> 8)
	p[2] = byte(offset >> 16)
	p[3] = tag
	return p
}

// PackedID builds the "packed id" variant: offset points at 32 raw bytes
// in the arena that must be rendered back as 64-char lowercase hex.
func PackedID(offset uint32) PackedStr { return offsetVariant(TagPackedID, offset) }

// OffsetString builds the "offset string" variant: offset points at a
// NUL-terminated UTF-8 string in the arena.
func OffsetString(offset uint32) PackedStr { return offsetVariant(tagOffset, offset) }

// IsInline reports whether p is the inline <=2-char variant.
func (p PackedStr) IsInline() bool { return p[3] == tagInline }

// IsPackedID reports whether p is the packed-id variant.
func (p PackedStr) IsPackedID() bool { return p[3] == TagPackedID }

// IsOffsetString reports whether p is the offset-string variant.
func (p PackedStr) IsOffsetString() bool { return p[3] == tagOffset }

// Offset returns the 24-bit arena offset for the packed-id and
// offset-string variants. Meaningless for the inline variant.
func (p PackedStr) Offset() uint32 {
	return uint32(p[0]) | uint32(p[1])<<8 | uint32(p[2])<<16
}

// InlineBytes returns the NUL-trimmed payload of the inline variant.
func (p PackedStr) InlineBytes() []byte {
	n := 0
	for n < 2 && p[n] != 0 {
		n++
	}
	out := make([]byte, n)
	copy(out, p[:n])
	return out
}

// Arena accumulates tag-element and content strings for a single note
// being built, deduplicating identical strings against a side table.
// An Arena must never be reused across notes: the dedup side table is
// scoped to exactly one note.
type Arena struct {
	buf []byte
	// offsets is the side table of NUL-terminated string starts already
	// appended to buf, scanned linearly on every push per §4.1(c).
	offsets []uint32
}

// NewArena returns an empty arena for building a single note.
func NewArena() *Arena { return &Arena{} }

// Bytes returns the arena's backing buffer as built so far.
func (a *Arena) Bytes() []byte { return a.buf }

// InternTagElement applies the full push_tag_element algorithm: inline
// fast path, then hex-id decode, then string interning with dedup.
func (a *Arena) InternTagElement(s []byte) (PackedStr, error) {
	switch len(s) {
	case 0:
		return Inline(nil), nil
	case 1:
		return InlineChar(s[0]), nil
	case 2:
		return InlineChars(s[0], s[1]), nil
	}
	if len(s) == 64 {
		if id, ok := decodeLowerHex32(s); ok {
			return a.internRawID(id)
		}
	}
	return a.internString(s)
}

// InternContent applies the same interning path but with the hex-id fast
// path disabled: content is never stored as a packed id.
func (a *Arena) InternContent(s []byte) (PackedStr, error) {
	switch len(s) {
	case 0:
		return Inline(nil), nil
	case 1:
		return InlineChar(s[0]), nil
	case 2:
		return InlineChars(s[0], s[1]), nil
	}
	return a.internString(s)
}

func (a *Arena) internRawID(id [32]byte) (PackedStr, error) {
	off := uint32(len(a.buf))
	if off > 0xFFFFFF {
		return PackedStr{}, ErrArenaOverflow
	}
	a.buf = append(a.buf, id[:]...)
	return PackedID(off), nil
}

func (a *Arena) internString(s []byte) (PackedStr, error) {
	for _, off := range a.offsets {
		end := off
		for end < uint32(len(a.buf)) && a.buf[end] != 0 {
			end++
		}
		if end-off == uint32(len(s)) && bytes.Equal(a.buf[off:end], s) {
			return OffsetString(off), nil
		}
	}
	off := uint32(len(a.buf))
	if off > 0xFFFFFF {
		return PackedStr{}, ErrArenaOverflow
	}
	a.buf = append(a.buf, s...)
	a.buf = append(a.buf, 0)
	a.offsets = append(a.offsets, off)
	return OffsetString(off), nil
}

func decodeLowerHex32(s []byte) ([32]byte, bool) {
	var out [32]byte
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return out, false
		}
	}
	if _, err := hex.Decode(out[:], s); err != nil {
		return out, false
	}
	return out, true
}
