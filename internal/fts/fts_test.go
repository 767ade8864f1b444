package fts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/damus-io/nostrdb-go/internal/note"
	"github.com/damus-io/nostrdb-go/internal/queue"
	"github.com/damus-io/nostrdb-go/internal/store"
	"github.com/damus-io/nostrdb-go/internal/writer"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(t.TempDir(), 0)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func buildNote(t *testing.T, idByte byte, kind uint32, createdAt uint64, content string) note.Record {
	t.Helper()
	var id, pubkey [32]byte
	var sig [64]byte
	id[0] = idByte
	rec, err := note.New().SetID(id).SetPubkey(pubkey).SetSig(sig).SetKind(kind).SetCreatedAt(createdAt).SetContent([]byte(content)).Finalize()
	require.NoError(t, err)
	return rec
}

func insertNotes(t *testing.T, st *store.Store, recs ...note.Record) {
	t.Helper()
	inbox := queue.New(len(recs) + 1)
	for _, r := range recs {
		inbox.Push(writer.Message{Kind: writer.WriteNote, Record: r})
	}
	inbox.Push(writer.Message{Kind: writer.Quit})
	w := writer.New(st, inbox, 4096, nil)
	w.Run()
}

func TestSearchFindsWordPrefix(t *testing.T) {
	st := openTestStore(t)
	insertNotes(t,
		st,
		buildNote(t, 1, 1, 1000, "gm nostriches, loving this protocol"),
		buildNote(t, 2, 1, 2000, "just a regular bitcoin note"),
	)

	err := st.View(func(tx *store.Txn) error {
		results, err := Search(tx, "nostr", Config{})
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.EqualValues(t, 1000, results[0].Timestamp)
		return nil
	})
	require.NoError(t, err)
}

func TestSearchDoesNotDuplicateRepeatedWordInOneNote(t *testing.T) {
	st := openTestStore(t)
	insertNotes(t,
		st,
		buildNote(t, 1, 1, 1000, "nostr nostr nostr, such nostr, much protocol"),
		buildNote(t, 2, 1, 2000, "unrelated note"),
	)

	err := st.View(func(tx *store.Txn) error {
		results, err := Search(tx, "nostr", Config{})
		require.NoError(t, err)
		require.Len(t, results, 1, "a word repeated within one note must only be counted once")
		assert.EqualValues(t, 1000, results[0].Timestamp)
		return nil
	})
	require.NoError(t, err)
}

func TestSearchMultiWordRequiresAllTokensInSameNote(t *testing.T) {
	st := openTestStore(t)
	insertNotes(t,
		st,
		buildNote(t, 1, 1, 1000, "bitcoin and nostr are a great combo"),
		buildNote(t, 2, 1, 2000, "just bitcoin here"),
		buildNote(t, 3, 1, 3000, "just nostr here"),
	)

	err := st.View(func(tx *store.Txn) error {
		results, err := Search(tx, "bitcoin nostr", Config{})
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.EqualValues(t, 1000, results[0].Timestamp)
		return nil
	})
	require.NoError(t, err)
}

func TestSearchOrderDescVsAsc(t *testing.T) {
	st := openTestStore(t)
	insertNotes(t,
		st,
		buildNote(t, 1, 1, 1000, "nostr note one"),
		buildNote(t, 2, 1, 2000, "nostr note two"),
	)

	err := st.View(func(tx *store.Txn) error {
		desc, err := Search(tx, "nostr", Config{Order: DESC})
		require.NoError(t, err)
		require.Len(t, desc, 2)
		assert.EqualValues(t, 2000, desc[0].Timestamp)

		asc, err := Search(tx, "nostr", Config{Order: ASC})
		require.NoError(t, err)
		require.Len(t, asc, 2)
		assert.EqualValues(t, 1000, asc[0].Timestamp)
		return nil
	})
	require.NoError(t, err)
}

func TestSearchRespectsLimit(t *testing.T) {
	st := openTestStore(t)
	insertNotes(t,
		st,
		buildNote(t, 1, 1, 1000, "nostr a"),
		buildNote(t, 2, 1, 2000, "nostr b"),
		buildNote(t, 3, 1, 3000, "nostr c"),
	)

	err := st.View(func(tx *store.Txn) error {
		results, err := Search(tx, "nostr", Config{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, results, 2)
		return nil
	})
	require.NoError(t, err)
}

func TestSearchEmptyQueryReturnsNothing(t *testing.T) {
	st := openTestStore(t)
	insertNotes(t, st, buildNote(t, 1, 1, 1000, "content"))

	err := st.View(func(tx *store.Txn) error {
		results, err := Search(tx, "   ", Config{})
		require.NoError(t, err)
		assert.Empty(t, results)
		return nil
	})
	require.NoError(t, err)
}

func TestPrefixMatchThreshold(t *testing.T) {
	n, ok := prefixMatch([]byte("nostr"), []byte("nostriches"))
	assert.True(t, ok)
	assert.Equal(t, 5, n)

	_, ok = prefixMatch([]byte("nostr"), []byte("nowhere"))
	assert.False(t, ok)

	_, ok = prefixMatch([]byte("ab"), []byte("ac"))
	assert.False(t, ok)
}
