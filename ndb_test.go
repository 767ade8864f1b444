package ndb

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T, cfg Config) *DB {
	t.Helper()
	db, err := Open(t.TempDir(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func sampleEvent(idByte, pkByte byte, kind uint32, content string) string {
	id := strings.Repeat(string([]byte{'0' + idByte%10}), 64)
	pk := strings.Repeat(string([]byte{'a' + pkByte%6}), 64)
	sig := strings.Repeat("f", 128)
	return `{"id":"` + id + `","pubkey":"` + pk + `","sig":"` + sig + `",` +
		`"kind":` + itoa(kind) + `,"created_at":1700000000,"content":"` + content + `","tags":[]}`
}

func itoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	var digits []byte
	for v > 0 {
		digits = append([]byte{byte('0' + v%10)}, digits...)
		v /= 10
	}
	return string(digits)
}

// waitUntil polls cond every 5ms up to a 2s deadline, which is plenty of
// slack for the writer/ingester goroutines to drain a handful of events.
func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestOpenIngestQueryClose(t *testing.T) {
	db := openTestDB(t, DefaultConfig().WithSkipVerification(true).WithIngesterThreads(1).WithBatchSize(16))

	require.NoError(t, db.IngestEvent([]byte(sampleEvent(1, 1, 1, "hello world"))))

	var results []QueryResult
	waitUntil(t, func() bool {
		var err error
		results, err = db.Query([]*Filter{{Kinds: []uint64{1}}}, 10)
		require.NoError(t, err)
		return len(results) == 1
	})
	assert.Equal(t, "hello world", string(results[0].Record.Content()))
}

func TestIngestClientEventUnwrapsFrame(t *testing.T) {
	db := openTestDB(t, DefaultConfig().WithSkipVerification(true).WithIngesterThreads(1))

	body := sampleEvent(2, 2, 1, "framed note")
	require.NoError(t, db.IngestClientEvent([]byte(`["EVENT", `+body+`]`)))

	waitUntil(t, func() bool {
		results, err := db.Query([]*Filter{{Kinds: []uint64{1}}}, 10)
		require.NoError(t, err)
		return len(results) == 1
	})
}

func TestGetNoteByIDNotFound(t *testing.T) {
	db := openTestDB(t, DefaultConfig())

	var id [32]byte
	_, err := db.GetNoteByID(id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSubscribeDeliversIngestedNote(t *testing.T) {
	db := openTestDB(t, DefaultConfig().WithSkipVerification(true).WithIngesterThreads(1))

	subid, err := db.Subscribe([]*Filter{{Kinds: []uint64{1}}})
	require.NoError(t, err)
	defer db.Unsubscribe(subid)

	require.NoError(t, db.IngestEvent([]byte(sampleEvent(3, 3, 1, "live note"))))

	keys, err := db.WaitForNotes(subid, 0)
	require.NoError(t, err)
	require.Len(t, keys, 1)

	rec, err := db.GetNoteByKey(keys[0])
	require.NoError(t, err)
	assert.Equal(t, "live note", string(rec.Content()))
}

func TestOperationsAfterCloseReturnErrClosed(t *testing.T) {
	db, err := Open(t.TempDir(), DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, db.Close())

	assert.ErrorIs(t, db.IngestEvent([]byte("{}")), ErrClosed)
	assert.ErrorIs(t, db.IngestClientEvent([]byte("{}")), ErrClosed)
}

func TestConfigFluentSettersOverrideDefaults(t *testing.T) {
	cfg := DefaultConfig().
		WithMapSize(1 << 20).
		WithIngesterThreads(3).
		WithBatchSize(128).
		WithNoMigrate(true)

	assert.EqualValues(t, 1<<20, cfg.mapSize)
	assert.Equal(t, 3, cfg.ingesterThreads)
	assert.Equal(t, 128, cfg.batchSize)
	assert.True(t, cfg.noMigrate)
}

func TestStatsCountsIngestedNotes(t *testing.T) {
	db := openTestDB(t, DefaultConfig().WithSkipVerification(true).WithIngesterThreads(1))
	require.NoError(t, db.IngestEvent([]byte(sampleEvent(4, 4, 1, "stat me"))))

	waitUntil(t, func() bool {
		s, err := db.Stats()
		require.NoError(t, err)
		return s.Notes.Count == 1
	})
}
