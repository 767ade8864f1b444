package migrate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/damus-io/nostrdb-go/internal/keys"
	"github.com/damus-io/nostrdb-go/internal/profile"
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

// runWriterInbox drains inbox synchronously, identical to the pattern the
// writer's own caller (ndb.Open) uses, but without a background goroutine
// so the test can assert on the store immediately after.
func runWriterInbox(t *testing.T, st *store.Store, inbox *queue.Queue) {
	t.Helper()
	inbox.Push(writer.Message{Kind: writer.Quit})
	w := writer.New(st, inbox, 4096, nil)
	w.Run()
}

func TestRunFreshDatabaseSetsLatestVersionWithoutMigrating(t *testing.T) {
	st := openTestStore(t)
	inbox := queue.New(16)

	err := Run(st, inbox)
	require.NoError(t, err)
	runWriterInbox(t, st, inbox)

	err = st.View(func(tx *store.Txn) error {
		val, ok, err := tx.Get(store.DBNdbMeta, store.VersionKey)
		require.NoError(t, err)
		require.True(t, ok)
		assert.EqualValues(t, Latest, binLEUint64(val))
		return nil
	})
	require.NoError(t, err)
}

func TestRunAppliesOutstandingMigrations(t *testing.T) {
	st := openTestStore(t)

	// Seed a profile_pubkey_index entry and a profiles record directly,
	// simulating a database written before profile_search existed.
	var pubkey [32]byte
	pubkey[0] = 7
	tx := st.Begin(true)
	var pkBuf [8]byte
	pkBuf[7] = 1
	require.NoError(t, tx.Put(store.DBProfilePubkey, keys.IdTsKey(pubkey, 1000), pkBuf[:]))
	require.NoError(t, tx.Put(store.DBProfiles, pkBuf[:], profile.Encode(profile.Profile{Name: "Alice"})))
	// Stored version 0 (pre-profile_search).
	var vbuf [8]byte
	vbuf[0] = 0
	require.NoError(t, tx.Put(store.DBNdbMeta, store.VersionKey, vbuf[:]))
	require.NoError(t, tx.Commit())

	inbox := queue.New(16)
	err := Run(st, inbox)
	require.NoError(t, err)
	runWriterInbox(t, st, inbox)

	err = st.View(func(tx *store.Txn) error {
		val, ok, err := tx.Get(store.DBNdbMeta, store.VersionKey)
		require.NoError(t, err)
		require.True(t, ok)
		assert.EqualValues(t, Latest, binLEUint64(val))

		c := tx.NewCursor(store.DBProfileSearch, false)
		defer c.Close()
		c.Seek(nil)
		require.True(t, c.Valid())
		return nil
	})
	require.NoError(t, err)
}

func binLEUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
