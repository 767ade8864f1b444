// Package keys builds the composite index key encodings used across
// every named database. Badger offers no per-database comparator hook,
// so every key here is built so that a plain bytes.Compare over the
// encoded bytes already produces the desired logical order; that
// substitution is documented once in DESIGN.md. TextKey in particular
// puts the word first so lexicographic byte order directly yields
// (word, timestamp, note_key, word_index).
package keys

import (
	"encoding/binary"

	varint "github.com/multiformats/go-varint"
)

// PutU64 writes v big-endian, the fixed-width encoding every composite
// key in this package uses so that bytes.Compare matches numeric order.
func PutU64(v uint64) [8]byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b
}

func GetU64(b []byte) uint64 { return binary.BigEndian.Uint64(b) }

// IdTsKey encodes an (id, timestamp) pair, compared lex(id) then numeric
// timestamp — which is exactly byte order once timestamp is big-endian.
func IdTsKey(id [32]byte, timestamp uint64) []byte {
	ts := PutU64(timestamp)
	out := make([]byte, 0, 40)
	out = append(out, id[:]...)
	out = append(out, ts[:]...)
	return out
}

// IdTsKeyID returns the id embedded in an IdTsKey.
func IdTsKeyID(key []byte) []byte { return key[0:32] }

// IdTsKeyTimestamp returns the timestamp embedded in an IdTsKey.
func IdTsKeyTimestamp(key []byte) uint64 { return GetU64(key[32:40]) }

// U64TsKey encodes a (u64, timestamp) pair, used for (kind, created_at).
func U64TsKey(value uint64, timestamp uint64) []byte {
	v := PutU64(value)
	ts := PutU64(timestamp)
	out := make([]byte, 0, 16)
	out = append(out, v[:]...)
	out = append(out, ts[:]...)
	return out
}

func U64TsKeyValue(key []byte) uint64     { return GetU64(key[0:8]) }
func U64TsKeyTimestamp(key []byte) uint64 { return GetU64(key[8:16]) }

// SearchKey encodes a profile-search posting, compared by (search, timestamp).
// The pubkey trails purely as a tiebreaker for key uniqueness; it plays
// no role in the declared comparison order since it only varies once
// (search, timestamp) are already fixed for one profile.
func SearchKey(pubkey [32]byte, timestamp uint64, searchLower string) []byte {
	ts := PutU64(timestamp)
	out := make([]byte, 0, len(searchLower)+1+8+32)
	out = append(out, []byte(searchLower)...)
	out = append(out, 0) // NUL separator so "ab" sorts before "abc..."
	out = append(out, ts[:]...)
	out = append(out, pubkey[:]...)
	return out
}

// SearchKeyPrefix returns the range-scan lower bound for a given lowercase
// name prefix; every key whose search field starts with prefix has this
// byte sequence as a true prefix (the NUL separator sorts after prefix's
// own bytes, so SearchKeyPrefix("al") correctly bounds "alice", "albert").
func SearchKeyPrefix(prefix string) []byte { return []byte(prefix) }

// TextKey encodes one full-text posting: (word, timestamp, note_key,
// word_index), in comparison order. wordLower must already be lowercased.
func TextKey(noteKey uint64, wordLower []byte, timestamp uint64, wordIndex int) []byte {
	ts := PutU64(timestamp)
	nk := PutU64(noteKey)
	wiBuf := varint.ToUvarint(uint64(wordIndex))
	out := make([]byte, 0, len(wordLower)+1+8+8+len(wiBuf))
	out = append(out, wordLower...)
	out = append(out, 0)
	out = append(out, ts[:]...)
	out = append(out, nk[:]...)
	out = append(out, wiBuf...)
	return out
}

// TextKeyWord returns the word portion of an encoded TextKey (everything
// before the NUL separator), without decoding the rest of the key.
func TextKeyWord(key []byte) []byte {
	for i, b := range key {
		if b == 0 {
			return key[:i]
		}
	}
	return key
}

// TextKeyTimestampAndNote decodes the fixed-width timestamp/note_key
// pair that immediately follows the NUL-terminated word.
func TextKeyTimestampAndNote(key []byte) (timestamp, noteKey uint64, wordIndex int) {
	i := 0
	for i < len(key) && key[i] != 0 {
		i++
	}
	i++ // skip NUL
	timestamp = GetU64(key[i : i+8])
	noteKey = GetU64(key[i+8 : i+16])
	wi, _, err := varint.FromUvarint(key[i+16:])
	if err == nil {
		wordIndex = int(wi)
	}
	return
}

// TextKeyPrefixLow is the lower bound for a prefix range scan over the
// text index starting at a given lowercase word (ascending order).
func TextKeyPrefixLow(wordLower []byte) []byte {
	out := make([]byte, len(wordLower))
	copy(out, wordLower)
	return out
}

// TextKeyPrefixHigh is the upper bound for a reverse prefix range scan:
// word followed by 0xFF sorts after every real TextKey sharing word as
// a prefix, since a real key's next byte is either the NUL separator
// or a further lowercase/UTF-8 continuation byte, both below 0xFF.
func TextKeyPrefixHigh(wordLower []byte) []byte {
	out := make([]byte, len(wordLower)+1)
	copy(out, wordLower)
	out[len(wordLower)] = 0xFF
	return out
}

// NoteTagKey encodes a note_tag_index posting:
// (tag_letter, tag_value, created_at, note_key).
func NoteTagKey(letter byte, value []byte, createdAt, noteKey uint64) []byte {
	lenBuf := varint.ToUvarint(uint64(len(value)))
	ts := PutU64(createdAt)
	nk := PutU64(noteKey)
	out := make([]byte, 0, 1+len(lenBuf)+len(value)+16)
	out = append(out, letter)
	out = append(out, lenBuf...)
	out = append(out, value...)
	out = append(out, ts[:]...)
	out = append(out, nk[:]...)
	return out
}

// NoteTagKeyPrefix returns the fixed prefix addressing all entries for
// one (letter, value) pair, usable as a seek/range bound.
func NoteTagKeyPrefix(letter byte, value []byte) []byte {
	lenBuf := varint.ToUvarint(uint64(len(value)))
	out := make([]byte, 0, 1+len(lenBuf)+len(value))
	out = append(out, letter)
	out = append(out, lenBuf...)
	out = append(out, value...)
	return out
}

// NoteTagKeyNote decodes the trailing note_key of a NoteTagKey, given
// the key and the length of its fixed (letter+varint+value) prefix.
func NoteTagKeyNote(key []byte, prefixLen int) uint64 {
	return GetU64(key[prefixLen+8 : prefixLen+16])
}

// NoteTimeKey encodes the supplemented note_time_index key used by the
// CREATED plan: created_at, note_key.
func NoteTimeKey(createdAt, noteKey uint64) []byte {
	ts := PutU64(createdAt)
	nk := PutU64(noteKey)
	out := make([]byte, 0, 16)
	out = append(out, ts[:]...)
	out = append(out, nk[:]...)
	return out
}

func NoteTimeKeyCreatedAt(key []byte) uint64 { return GetU64(key[0:8]) }
func NoteTimeKeyNoteKey(key []byte) uint64   { return GetU64(key[8:16]) }
