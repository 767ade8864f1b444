// Package blocks implements the parsed structural view of note content:
// a note's content is tokenized into hashtag / text / mention / URL /
// invoice segments. Blocks are computed lazily on first read except for
// kinds 1 and 30023, which the writer computes eagerly. The encoded
// form is snappy-compressed before storage under note_blocks.
package blocks

import (
	"bytes"
	"encoding/binary"
	"strings"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
)

// SegmentKind enumerates the block types of damus-c/block.h.
type SegmentKind uint8

const (
	Hashtag SegmentKind = 1
	Text    SegmentKind = 2
	Mention SegmentKind = 3
	URL     SegmentKind = 5
	Invoice SegmentKind = 6
)

// Segment is one parsed piece of note content.
type Segment struct {
	Kind SegmentKind
	Str  string
}

// Blocks is the full parsed-content view of one note.
type Blocks struct {
	Segments []Segment
}

// Parse tokenizes note content into segments: it recognizes
// '#'-prefixed hashtags, "nostr:"-prefixed bech32 mentions, bare
// "scheme://" URLs, and bare "lnbc..." invoices, with everything else
// folded into Text segments.
func Parse(content []byte) Blocks {
	var out Blocks
	s := string(content)
	var textStart int
	flushText := func(end int) {
		if end > textStart {
			out.Segments = append(out.Segments, Segment{Kind: Text, Str: s[textStart:end]})
		}
	}

	i := 0
	for i < len(s) {
		switch {
		case s[i] == '#' && i+1 < len(s) && isWordByte(s[i+1]):
			flushText(i)
			j := i + 1
			for j < len(s) && isWordByte(s[j]) {
				j++
			}
			out.Segments = append(out.Segments, Segment{Kind: Hashtag, Str: s[i+1 : j]})
			i = j
			textStart = i
		case strings.HasPrefix(s[i:], "nostr:"):
			flushText(i)
			j := i + len("nostr:")
			for j < len(s) && isWordByte(s[j]) {
				j++
			}
			out.Segments = append(out.Segments, Segment{Kind: Mention, Str: s[i:j]})
			i = j
			textStart = i
		case looksLikeURL(s, i):
			flushText(i)
			j := i
			for j < len(s) && !isWhitespace(s[j]) {
				j++
			}
			out.Segments = append(out.Segments, Segment{Kind: URL, Str: s[i:j]})
			i = j
			textStart = i
		case strings.HasPrefix(strings.ToLower(s[i:]), "lnbc"):
			flushText(i)
			j := i
			for j < len(s) && !isWhitespace(s[j]) {
				j++
			}
			out.Segments = append(out.Segments, Segment{Kind: Invoice, Str: s[i:j]})
			i = j
			textStart = i
		default:
			i++
		}
	}
	flushText(len(s))
	return out
}

func isWordByte(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func isWhitespace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func looksLikeURL(s string, i int) bool {
	for _, scheme := range []string{"https://", "http://", "wss://", "ws://"} {
		if strings.HasPrefix(s[i:], scheme) {
			return true
		}
	}
	return false
}

// Encode serializes Blocks into a compact binary form and snappy-
// compresses it for storage under note_blocks.
func Encode(b Blocks) []byte {
	var buf bytes.Buffer
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(b.Segments)))
	buf.Write(n[:])
	for _, seg := range b.Segments {
		buf.WriteByte(byte(seg.Kind))
		var l [4]byte
		binary.LittleEndian.PutUint32(l[:], uint32(len(seg.Str)))
		buf.Write(l[:])
		buf.WriteString(seg.Str)
	}
	return snappy.Encode(nil, buf.Bytes())
}

// Decode reverses Encode.
func Decode(compressed []byte) (Blocks, error) {
	raw, err := snappy.Decode(nil, compressed)
	if err != nil {
		return Blocks{}, errors.Wrap(err, "blocks: snappy decode")
	}
	if len(raw) < 4 {
		return Blocks{}, errors.New("blocks: truncated")
	}
	count := binary.LittleEndian.Uint32(raw[:4])
	raw = raw[4:]
	out := Blocks{Segments: make([]Segment, 0, count)}
	for i := uint32(0); i < count; i++ {
		if len(raw) < 5 {
			return Blocks{}, errors.New("blocks: truncated segment header")
		}
		kind := SegmentKind(raw[0])
		l := binary.LittleEndian.Uint32(raw[1:5])
		raw = raw[5:]
		if uint32(len(raw)) < l {
			return Blocks{}, errors.New("blocks: truncated segment body")
		}
		out.Segments = append(out.Segments, Segment{Kind: kind, Str: string(raw[:l])})
		raw = raw[l:]
	}
	return out, nil
}
