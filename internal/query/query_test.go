package query

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

func buildNote(t *testing.T, idByte byte, pubkeyByte byte, kind uint32, createdAt uint64, content string, tags ...[]string) note.Record {
	t.Helper()
	var id, pubkey [32]byte
	var sig [64]byte
	id[0] = idByte
	pubkey[0] = pubkeyByte

	b := note.New().SetID(id).SetPubkey(pubkey).SetSig(sig).SetKind(kind).SetCreatedAt(createdAt).SetContent([]byte(content))
	for _, tag := range tags {
		elems := make([][]byte, len(tag))
		for i, e := range tag {
			elems[i] = []byte(e)
		}
		b.AddTag(elems...)
	}
	rec, err := b.Finalize()
	require.NoError(t, err)
	return rec
}

// insertNotes writes every record through the real writer synchronously:
// messages are queued up front and Run drains them without blocking since
// nothing waits for more input before Quit.
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

func TestQueryByIDs(t *testing.T) {
	st := openTestStore(t)
	rec := buildNote(t, 1, 2, 1, 1000, "hello")
	insertNotes(t, st, rec)

	var id [32]byte
	id[0] = 1
	f := &Filter{IDs: [][32]byte{id}}

	err := st.View(func(tx *store.Txn) error {
		results, err := Run(tx, f)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, "hello", string(results[0].Record.Content()))
		return nil
	})
	require.NoError(t, err)
}

func TestQueryByKinds(t *testing.T) {
	st := openTestStore(t)
	insertNotes(t,
		st,
		buildNote(t, 1, 1, 1, 1000, "note one"),
		buildNote(t, 2, 1, 0, 1001, `{"name":"a"}`),
		buildNote(t, 3, 1, 1, 1002, "note two"),
	)

	f := &Filter{Kinds: []uint64{1}}
	err := st.View(func(tx *store.Txn) error {
		results, err := Run(tx, f)
		require.NoError(t, err)
		assert.Len(t, results, 2)
		for _, r := range results {
			assert.EqualValues(t, 1, r.Record.Kind())
		}
		return nil
	})
	require.NoError(t, err)
}

func TestQueryByTags(t *testing.T) {
	st := openTestStore(t)
	insertNotes(t,
		st,
		buildNote(t, 1, 1, 1, 1000, "tagged", []string{"t", "nostr"}),
		buildNote(t, 2, 1, 1, 1001, "untagged"),
	)

	f := &Filter{Tags: map[byte][][]byte{'t': {[]byte("nostr")}}}
	err := st.View(func(tx *store.Txn) error {
		results, err := Run(tx, f)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, "tagged", string(results[0].Record.Content()))
		return nil
	})
	require.NoError(t, err)
}

func TestQueryCreatedOrderAndSinceUntil(t *testing.T) {
	st := openTestStore(t)
	insertNotes(t,
		st,
		buildNote(t, 1, 1, 1, 1000, "oldest"),
		buildNote(t, 2, 1, 1, 2000, "middle"),
		buildNote(t, 3, 1, 1, 3000, "newest"),
	)

	since := uint64(1500)
	until := uint64(2500)
	f := &Filter{Since: &since, Until: &until}
	err := st.View(func(tx *store.Txn) error {
		results, err := Run(tx, f)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, "middle", string(results[0].Record.Content()))
		return nil
	})
	require.NoError(t, err)
}

func TestQueryCompoundMergesAndSorts(t *testing.T) {
	st := openTestStore(t)
	insertNotes(t,
		st,
		buildNote(t, 1, 1, 1, 1000, "a"),
		buildNote(t, 2, 1, 1, 3000, "b"),
		buildNote(t, 3, 1, 1, 2000, "c"),
	)

	f := &Filter{Kinds: []uint64{1}}
	err := st.View(func(tx *store.Txn) error {
		results, err := Query(tx, []*Filter{f}, 10)
		require.NoError(t, err)
		require.Len(t, results, 3)
		assert.Equal(t, uint64(3000), results[0].Record.CreatedAt())
		assert.Equal(t, uint64(1000), results[2].Record.CreatedAt())
		return nil
	})
	require.NoError(t, err)
}

func TestQueryCapacityTruncates(t *testing.T) {
	st := openTestStore(t)
	insertNotes(t,
		st,
		buildNote(t, 1, 1, 1, 1000, "a"),
		buildNote(t, 2, 1, 1, 1001, "b"),
		buildNote(t, 3, 1, 1, 1002, "c"),
	)

	f := &Filter{Kinds: []uint64{1}}
	err := st.View(func(tx *store.Txn) error {
		results, err := Query(tx, []*Filter{f}, 2)
		require.NoError(t, err)
		assert.Len(t, results, 2)
		return nil
	})
	require.NoError(t, err)
}

func TestFilterMatches(t *testing.T) {
	rec := buildNote(t, 1, 2, 1, 1000, "x", []string{"t", "nostr"})
	f := &Filter{Kinds: []uint64{1}, Tags: map[byte][][]byte{'t': {[]byte("nostr")}}}
	assert.True(t, f.Matches(rec))

	f2 := &Filter{Kinds: []uint64{5}}
	assert.False(t, f2.Matches(rec))
}
