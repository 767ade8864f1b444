// Package fts implements the full-text search query path over the
// note_text posting list the writer builds for kind 1 and 30023
// notes: tokenize the query identically to the write-side tokenizer,
// then walk the postings for the first token outward, narrowing to
// notes where every subsequent token also appears, newest (or oldest)
// first.
package fts

import (
	"bytes"
	"sort"

	"github.com/damus-io/nostrdb-go/internal/keys"
	"github.com/damus-io/nostrdb-go/internal/store"
)

// Order selects ascending or descending result order by created_at.
type Order int

const (
	DESC Order = iota
	ASC
)

// Config controls one text search call; zero value is DESC with the
// default limit.
type Config struct {
	Order Order
	Limit int
}

// Result is one matched note, with enough detail to seed ranking.
type Result struct {
	NoteKey          uint64
	Timestamp        uint64
	MatchedWordIndex int
	MatchedPrefixLen int
}

const defaultLimit = 128

// Search tokenizes query identically to the write path, then scans
// the note_text postings for the first token and narrows to notes
// where every subsequent token also appears, honoring cfg.Order and
// cfg.Limit.
func Search(tx *store.Txn, query string, cfg Config) ([]Result, error) {
	limit := cfg.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	tokens := tokenize([]byte(query))
	if len(tokens) == 0 {
		return nil, nil
	}
	lowered := make([][]byte, len(tokens))
	for i, t := range tokens {
		lowered[i] = lowerASCII(t)
	}

	reverse := cfg.Order == DESC
	c := tx.NewCursor(store.DBNoteText, reverse)
	defer c.Close()

	var out []Result
	first := lowered[0]
	seekFirst(c, first, reverse)

	for c.Valid() {
		k := c.Key()
		word := keys.TextKeyWord(k)
		matchLen, ok := prefixMatch(first, word)
		if !ok {
			if reverse && bytes.Compare(word, first) < 0 {
				break
			}
			if !reverse && bytes.Compare(word, first) > 0 {
				break
			}
			c.Next()
			continue
		}
		ts, noteKey, wordIdx := keys.TextKeyTimestampAndNote(k)

		if len(lowered) == 1 {
			out = append(out, Result{NoteKey: noteKey, Timestamp: ts, MatchedWordIndex: wordIdx, MatchedPrefixLen: matchLen})
			skipNote(c, ts, noteKey)
			continue
		}

		if matchRest(tx, lowered[1:], ts, noteKey, reverse) {
			out = append(out, Result{NoteKey: noteKey, Timestamp: ts, MatchedWordIndex: wordIdx, MatchedPrefixLen: matchLen})
		}
		// The first token may occur several times in this note; every
		// such posting shares (ts, noteKey) and would otherwise
		// re-match and re-append the same note once per occurrence.
		skipNote(c, ts, noteKey)
	}
	// Postings are ordered by word before timestamp, so several words
	// sharing the query prefix interleave; order by created_at here.
	sort.SliceStable(out, func(i, j int) bool {
		if reverse {
			return out[i].Timestamp > out[j].Timestamp
		}
		return out[i].Timestamp < out[j].Timestamp
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// skipNote advances c past every remaining posting that belongs to the
// same (ts, noteKey) pair, so a word occurring multiple times in one
// note is only ever considered once by the caller.
func skipNote(c *store.Cursor, ts, noteKey uint64) {
	for c.Valid() {
		k := c.Key()
		kts, knk, _ := keys.TextKeyTimestampAndNote(k)
		if kts != ts || knk != noteKey {
			return
		}
		c.Next()
	}
}

// matchRest requires every remaining query token to appear somewhere
// in the same note. For each token it walks that token's posting list
// across all notes and compares every posting's (timestamp, noteKey)
// with the note in hand; it does not seek directly to that note's
// postings.
func matchRest(tx *store.Txn, tokens [][]byte, ts, noteKey uint64, reverse bool) bool {
	for _, tok := range tokens {
		if !findInNote(tx, tok, ts, noteKey, reverse) {
			return false
		}
	}
	return true
}

func findInNote(tx *store.Txn, tok []byte, ts, noteKey uint64, reverse bool) bool {
	c := tx.NewCursor(store.DBNoteText, reverse)
	defer c.Close()
	seekFirst(c, tok, reverse)
	for c.Valid() {
		k := c.Key()
		word := keys.TextKeyWord(k)
		if _, ok := prefixMatch(tok, word); !ok {
			if reverse && bytes.Compare(word, tok) < 0 {
				return false
			}
			if !reverse && bytes.Compare(word, tok) > 0 {
				return false
			}
			c.Next()
			continue
		}
		kts, knk, _ := keys.TextKeyTimestampAndNote(k)
		if kts == ts && knk == noteKey {
			return true
		}
		c.Next()
	}
	return false
}

func seekFirst(c *store.Cursor, word []byte, reverse bool) {
	if reverse {
		c.Seek(keys.TextKeyPrefixHigh(word))
	} else {
		c.Seek(keys.TextKeyPrefixLow(word))
	}
}

// prefixMatch implements the word_len/1.5 prefix-match rule: the first
// two characters must match case-insensitively and the matched prefix
// length must exceed len(query)/1.5.
func prefixMatch(query, candidate []byte) (int, bool) {
	n := 0
	for n < len(query) && n < len(candidate) && query[n] == candidate[n] {
		n++
	}
	if len(query) >= 2 && n < 2 {
		return 0, false
	}
	threshold := float64(len(query)) / 1.5
	if float64(n) <= threshold {
		return 0, false
	}
	return n, true
}

func tokenize(content []byte) [][]byte {
	var words [][]byte
	start := -1
	for i := 0; i <= len(content); i++ {
		var isWord bool
		if i < len(content) {
			isWord = isWordByte(content[i])
		}
		if isWord {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			words = append(words, content[start:i])
			start = -1
		}
	}
	return words
}

func isWordByte(c byte) bool {
	return c >= 0x80 || c == '_' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func lowerASCII(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return out
}
