// Package note implements the packed-note codec: a fixed-layout binary
// record with an interned string arena, built up through a typed
// Builder and serialized once at Finalize.
package note

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/pkg/errors"
	hex "github.com/tmthrgd/go-hex"

	"github.com/damus-io/nostrdb-go/internal/packedstr"
)

// ErrBufferTooSmall aborts a build that overran its buffer; the caller
// must retry with more room (here: the arena ran past the 24-bit
// offset range PackedStr can address).
var ErrBufferTooSmall = errors.New("note: buffer too small")

// ErrInvalidVersion is returned by FromBytes for a buffer whose first
// byte is not the current version, matching ndb_note_from_bytes.
var ErrInvalidVersion = errors.New("note: invalid version byte")

// Version is the only packed-note layout version this codec emits/reads.
const Version = 1

// HeaderSize is the byte offset of the Tags structure within a record:
// version(1) + padding(3) + id(32) + pubkey(32) + sig(64) + created_at(8)
// + kind(4) + content_length(4) + content PackedStr(4) + strings_offset(4).
const HeaderSize = 1 + 3 + 32 + 32 + 64 + 8 + 4 + 4 + 4 + 4

const (
	offID            = 4
	offPubkey        = 36
	offSig           = 68
	offCreatedAt     = 132
	offKind          = 140
	offContentLen    = 144
	offContentPacked = 148
	offStringsOffset = 152
	offTagsPadding   = HeaderSize
	offTagsCount     = HeaderSize + 2
	offTagTable      = HeaderSize + 4
)

// Builder accumulates the fields of one note before Finalize packs them
// into a Record. A Builder is not reusable after Finalize.
type Builder struct {
	id, pubkey   [32]byte
	sig          [64]byte
	createdAt    uint64
	kind         uint32
	content      []byte
	tags         [][][]byte
	haveID       bool
	havePub      bool
	haveSig      bool
	haveContent  bool
}

// New returns an empty Builder.
func New() *Builder { return &Builder{} }

func (b *Builder) SetID(id [32]byte) *Builder { b.id = id; b.haveID = true; return b }

func (b *Builder) SetPubkey(pk [32]byte) *Builder { b.pubkey = pk; b.havePub = true; return b }

func (b *Builder) SetSig(sig [64]byte) *Builder { b.sig = sig; b.haveSig = true; return b }

func (b *Builder) SetCreatedAt(t uint64) *Builder { b.createdAt = t; return b }

func (b *Builder) SetKind(k uint32) *Builder { b.kind = k; return b }

func (b *Builder) SetContent(c []byte) *Builder { b.content = c; b.haveContent = true; return b }

// AddTag appends one tag; elems is the ordered list of that tag's
// string elements (the first conventionally a one-character label).
func (b *Builder) AddTag(elems ...[]byte) *Builder {
	cp := make([][]byte, len(elems))
	copy(cp, elems)
	b.tags = append(b.tags, cp)
	return b
}

// align8 rounds n up to the next multiple of 8, preserving the record's
// mandatory 8-byte alignment.
func align8(n uint32) uint32 {
	if r := n % 8; r != 0 {
		return n + (8 - r)
	}
	return n
}

// Finalize serializes the accumulated fields into an immutable Record.
func (b *Builder) Finalize() (Record, error) {
	arena := packedstr.NewArena()

	var tagTable bytes.Buffer
	for _, tag := range b.tags {
		var cnt [2]byte
		binary.LittleEndian.PutUint16(cnt[:], uint16(len(tag)))
		tagTable.Write(cnt[:])
		for _, elem := range tag {
			ps, err := arena.InternTagElement(elem)
			if err != nil {
				return nil, errors.Wrap(ErrBufferTooSmall, err.Error())
			}
			tagTable.Write(ps[:])
		}
	}

	contentPS, err := arena.InternContent(b.content)
	if err != nil {
		return nil, errors.Wrap(ErrBufferTooSmall, err.Error())
	}

	stringsOffset := uint32(offTagTable) + uint32(tagTable.Len())
	total := stringsOffset + uint32(len(arena.Bytes()))
	padded := align8(total)

	out := make([]byte, padded)
	out[0] = Version
	copy(out[offID:offID+32], b.id[:])
	copy(out[offPubkey:offPubkey+32], b.pubkey[:])
	copy(out[offSig:offSig+64], b.sig[:])
	binary.LittleEndian.PutUint64(out[offCreatedAt:offCreatedAt+8], b.createdAt)
	binary.LittleEndian.PutUint32(out[offKind:offKind+4], b.kind)
	binary.LittleEndian.PutUint32(out[offContentLen:offContentLen+4], uint32(len(b.content)))
	copy(out[offContentPacked:offContentPacked+4], contentPS[:])
	binary.LittleEndian.PutUint32(out[offStringsOffset:offStringsOffset+4], stringsOffset)
	binary.LittleEndian.PutUint16(out[offTagsCount:offTagsCount+2], uint16(len(b.tags)))
	copy(out[offTagTable:offTagTable+tagTable.Len()], tagTable.Bytes())
	copy(out[stringsOffset:total], arena.Bytes())

	return Record(out), nil
}

// Commitment returns the canonical JSON commitment array used to
// derive an event's id: [0, pubkey_hex, created_at, kind, tags, content].
func (b *Builder) Commitment() ([]byte, error) {
	tagsJSON := make([][]string, len(b.tags))
	for i, tag := range b.tags {
		row := make([]string, len(tag))
		for j, elem := range tag {
			row[j] = string(elem)
		}
		tagsJSON[i] = row
	}
	arr := []interface{}{
		0,
		hex.EncodeToString(b.pubkey[:]),
		b.createdAt,
		b.kind,
		tagsJSON,
		string(b.content),
	}
	return json.Marshal(arr)
}

// FinalizeSigned computes the canonical commitment, hashes it with
// SHA-256 to derive the id, signs it with priv, and finalizes the note.
// Used by tests to author well-formed events; ordinary
// ingest never calls this since incoming events already carry id/sig.
func (b *Builder) FinalizeSigned(priv *btcec.PrivateKey) (Record, error) {
	commit, err := b.Commitment()
	if err != nil {
		return nil, err
	}
	id := sha256.Sum256(commit)
	sig, err := schnorr.Sign(priv, id[:])
	if err != nil {
		return nil, errors.Wrap(err, "note: schnorr sign")
	}
	b.SetID(id)
	var pk [32]byte
	copy(pk[:], priv.PubKey().SerializeCompressed()[1:])
	b.SetPubkey(pk)
	var sigArr [64]byte
	copy(sigArr[:], sig.Serialize())
	b.SetSig(sigArr)
	return b.Finalize()
}

// Record is an immutable, byte-aligned packed note, backed directly by
// the bytes stored under note_key.
type Record []byte

// FromBytes interprets a byte slice as a Record, rejecting anything not
// version 1 (mirroring ndb_note_from_bytes's version gate).
func FromBytes(b []byte) (Record, error) {
	if len(b) < HeaderSize {
		return nil, errors.New("note: buffer shorter than header")
	}
	if b[0] != Version {
		return nil, ErrInvalidVersion
	}
	return Record(b), nil
}

func (r Record) ID() []byte        { return r[offID : offID+32] }
func (r Record) Pubkey() []byte    { return r[offPubkey : offPubkey+32] }
func (r Record) Sig() []byte       { return r[offSig : offSig+64] }
func (r Record) CreatedAt() uint64 { return binary.LittleEndian.Uint64(r[offCreatedAt : offCreatedAt+8]) }
func (r Record) Kind() uint32      { return binary.LittleEndian.Uint32(r[offKind : offKind+4]) }
func (r Record) ContentLength() uint32 {
	return binary.LittleEndian.Uint32(r[offContentLen : offContentLen+4])
}

func (r Record) stringsOffset() uint32 {
	return binary.LittleEndian.Uint32(r[offStringsOffset : offStringsOffset+4])
}

func (r Record) contentPackedStr() packedstr.PackedStr {
	var p packedstr.PackedStr
	copy(p[:], r[offContentPacked:offContentPacked+4])
	return p
}

// Content returns the note's content bytes, resolving the PackedStr.
func (r Record) Content() []byte {
	ps := r.contentPackedStr()
	if ps.IsInline() {
		return ps.InlineBytes()
	}
	base := r.stringsOffset() + ps.Offset()
	n := r.ContentLength()
	return r[base : base+n]
}

// resolveID returns the 32 raw bytes a packed-id PackedStr points at.
func (r Record) resolveID(ps packedstr.PackedStr) []byte {
	base := r.stringsOffset() + ps.Offset()
	return r[base : base+32]
}

// resolveNulString returns the NUL-terminated string an offset-string
// PackedStr points at (tag elements carry no separate length field).
func (r Record) resolveNulString(ps packedstr.PackedStr) []byte {
	base := r.stringsOffset() + ps.Offset()
	end := base
	for int(end) < len(r) && r[end] != 0 {
		end++
	}
	return r[base:end]
}

// TagCount returns the number of tags on this note.
func (r Record) TagCount() int {
	return int(binary.LittleEndian.Uint16(r[offTagsCount : offTagsCount+2]))
}

// Tag is a view over one tag within a Record.
type Tag struct {
	rec Record
	off uint32
}

// Count returns the number of string elements in this tag.
func (t Tag) Count() int {
	return int(binary.LittleEndian.Uint16(t.rec[t.off : t.off+2]))
}

func (t Tag) packedStr(i int) packedstr.PackedStr {
	var p packedstr.PackedStr
	o := t.off + 2 + uint32(i)*4
	copy(p[:], t.rec[o:o+4])
	return p
}

// Element returns the raw bytes of the i'th element (verbatim; a
// packed-id element is returned as its raw 32 bytes, not hex).
func (t Tag) Element(i int) []byte {
	ps := t.packedStr(i)
	switch {
	case ps.IsInline():
		return ps.InlineBytes()
	case ps.IsPackedID():
		return t.rec.resolveID(ps)
	default:
		return t.rec.resolveNulString(ps)
	}
}

// ElementString renders the i'th element: a packed-id
// element renders as 64-char lowercase hex; everything else verbatim.
func (t Tag) ElementString(i int) string {
	ps := t.packedStr(i)
	if ps.IsPackedID() {
		return hex.EncodeToString(t.rec.resolveID(ps))
	}
	return string(t.Element(i))
}

// MatchesChar reports whether the tag's first element is exactly c,
// mirroring ndb_tag_matches_char.
func (t Tag) MatchesChar(c byte) bool {
	if t.Count() == 0 {
		return false
	}
	el := t.Element(0)
	return len(el) == 1 && el[0] == c
}

func (t Tag) nextOffset() uint32 {
	return t.off + 2 + uint32(t.Count())*4
}

// TagIterator walks the variable-length tag table sequentially.
type TagIterator struct {
	rec      Record
	cur      uint32
	idx, n   int
}

// Tags returns an iterator over this record's tags.
func (r Record) Tags() *TagIterator {
	return &TagIterator{rec: r, cur: offTagTable, n: r.TagCount()}
}

// Next returns the next tag, or ok=false once exhausted.
func (it *TagIterator) Next() (Tag, bool) {
	if it.idx >= it.n {
		return Tag{}, false
	}
	t := Tag{rec: it.rec, off: it.cur}
	it.cur = t.nextOffset()
	it.idx++
	return t, true
}

// LastTagByChar returns the last tag whose first element equals c (used
// by the writer to find a reaction's liked id, step 6).
func (r Record) LastTagByChar(c byte) (Tag, bool) {
	var found Tag
	ok := false
	it := r.Tags()
	for {
		t, more := it.Next()
		if !more {
			break
		}
		if t.MatchesChar(c) {
			found, ok = t, true
		}
	}
	return found, ok
}

// String is a debug helper, not used on any hot path.
func (r Record) String() string {
	return fmt.Sprintf("note{id=%x kind=%d created_at=%d tags=%d}", r.ID(), r.Kind(), r.CreatedAt(), r.TagCount())
}
