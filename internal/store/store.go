// Package store wraps badger.DB as fourteen named databases, turning
// one badger keyspace into many logical tables by prefixing every key
// with a fixed one-byte string, the way a reflection-driven prefix
// enumeration over key namespaces does. Duplicate-key support
// (note_id, profile_pubkey, kind, text) is provided not by badger
// (which has none) but by folding the disambiguating fields directly
// into the key, the same technique the index key encodings already
// rely on.
package store

import (
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/ristretto"
	"github.com/pkg/errors"
)

// DBI identifies one logical named database by its one-byte prefix.
type DBI byte

const (
	DBNotes             DBI = 1
	DBNoteMeta          DBI = 2
	DBProfiles          DBI = 3
	DBProfileSearch     DBI = 4
	DBNdbMeta           DBI = 5
	DBProfileLastFetch  DBI = 6
	DBNoteID            DBI = 7
	DBProfilePubkey     DBI = 8
	DBNoteKind          DBI = 9
	DBNoteText          DBI = 10
	DBNoteBlocks        DBI = 11
	DBFreeList          DBI = 12
	// Added to support the TAGS and CREATED query plans.
	DBNoteTag DBI = 13
	DBTimeIdx DBI = 14
)

// VersionKey is the ndb_meta key the stored schema version lives
// under: a little-endian u64 value.
var VersionKey = []byte{1}

// Store owns the badger handle and a small read-through note cache.
type Store struct {
	DB    *badger.DB
	cache *ristretto.Cache
}

// Open opens (creating if absent) a badger-backed Store at path.
func Open(path string, mapSize int64) (*Store, error) {
	opts := badger.DefaultOptions(path)
	if mapSize > 0 {
		opts = opts.WithMemTableSize(mapSize / 16)
	}
	opts = opts.WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "store: open badger")
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e6,
		MaxCost:     1 << 26, // 64MiB of cached note bytes
		BufferItems: 64,
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "store: new ristretto cache")
	}
	return &Store{DB: db, cache: cache}, nil
}

// Close flushes and closes the underlying badger handle.
func (s *Store) Close() error {
	s.cache.Close()
	return s.DB.Close()
}

func prefixed(dbi DBI, key []byte) []byte {
	out := make([]byte, 1+len(key))
	out[0] = byte(dbi)
	copy(out[1:], key)
	return out
}

// Txn wraps a badger transaction, scoping all key access by DBI prefix.
type Txn struct {
	t     *badger.Txn
	store *Store
}

// Begin starts a read or write transaction.
func (s *Store) Begin(write bool) *Txn {
	return &Txn{t: s.DB.NewTransaction(write), store: s}
}

// View runs fn inside a read-only transaction.
func (s *Store) View(fn func(txn *Txn) error) error {
	return s.DB.View(func(t *badger.Txn) error {
		return fn(&Txn{t: t, store: s})
	})
}

func (tx *Txn) Commit() error  { return tx.t.Commit() }
func (tx *Txn) Discard()       { tx.t.Discard() }

// Get fetches the value stored for key in dbi, or (nil, false) if absent.
func (tx *Txn) Get(dbi DBI, key []byte) ([]byte, bool, error) {
	if dbi == DBNotes {
		if v, ok := tx.store.cache.Get(string(key)); ok {
			return v.([]byte), true, nil
		}
	}
	item, err := tx.t.Get(prefixed(dbi, key))
	if err == badger.ErrKeyNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return nil, false, err
	}
	if dbi == DBNotes {
		tx.store.cache.Set(string(key), val, int64(len(val)))
	}
	return val, true, nil
}

// Has reports whether key exists in dbi, without copying its value.
func (tx *Txn) Has(dbi DBI, key []byte) (bool, error) {
	_, err := tx.t.Get(prefixed(dbi, key))
	if err == badger.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Put writes key -> value in dbi.
func (tx *Txn) Put(dbi DBI, key, value []byte) error {
	if dbi == DBNotes {
		tx.store.cache.Del(string(key))
	}
	return tx.t.Set(prefixed(dbi, key), value)
}

// Delete removes key from dbi.
func (tx *Txn) Delete(dbi DBI, key []byte) error {
	if dbi == DBNotes {
		tx.store.cache.Del(string(key))
	}
	return tx.t.Delete(prefixed(dbi, key))
}

// LastKey returns the numerically greatest 8-byte big-endian key stored
// in dbi, used by the writer to assign the next monotone note_key or
// profile_key.
func (tx *Txn) LastKey(dbi DBI) (uint64, error) {
	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	opts.Prefix = []byte{byte(dbi)}
	it := tx.t.NewIterator(opts)
	defer it.Close()
	seekKey := append([]byte{byte(dbi)}, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)
	it.Seek(seekKey)
	if !it.ValidForPrefix([]byte{byte(dbi)}) {
		return 0, nil
	}
	raw := it.Item().Key()
	if len(raw) < 9 {
		return 0, nil
	}
	var v uint64
	for _, b := range raw[1:9] {
		v = v<<8 | uint64(b)
	}
	return v, nil
}

// Cursor walks one DBI in either ascending or descending key order.
type Cursor struct {
	it  *badger.Iterator
	dbi DBI
}

// NewCursor opens a cursor over dbi; reverse selects descending order,
// used for "range <=" walks that need the newest matching key first.
func (tx *Txn) NewCursor(dbi DBI, reverse bool) *Cursor {
	opts := badger.DefaultIteratorOptions
	opts.Reverse = reverse
	opts.Prefix = []byte{byte(dbi)}
	it := tx.t.NewIterator(opts)
	return &Cursor{it: it, dbi: dbi}
}

func (c *Cursor) Close() { c.it.Close() }

// Seek positions the cursor: in a forward cursor this is SET_RANGE
// (first key >= target); in a reverse cursor badger seeks to the first
// key <= target.
func (c *Cursor) Seek(key []byte) {
	c.it.Seek(prefixed(c.dbi, key))
}

// Valid reports whether the cursor currently points at an entry of dbi.
func (c *Cursor) Valid() bool {
	return c.it.ValidForPrefix([]byte{byte(c.dbi)})
}

// Next advances the cursor in whatever direction it was opened with.
func (c *Cursor) Next() { c.it.Next() }

// Key returns the current entry's key with the DBI prefix stripped.
func (c *Cursor) Key() []byte {
	k := c.it.Item().KeyCopy(nil)
	return k[1:]
}

// Value returns the current entry's value.
func (c *Cursor) Value() ([]byte, error) {
	return c.it.Item().ValueCopy(nil)
}

// DBStats summarizes one named database's footprint.
type DBStats struct {
	Count      uint64
	KeyBytes   uint64
	ValueBytes uint64
}

// Stats walks every entry of dbi, the same iterate-by-prefix approach
// the badger-backed named-database layer already uses for cursors, and
// totals entry count and key/value byte sizes.
func (tx *Txn) Stats(dbi DBI) DBStats {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte{byte(dbi)}
	it := tx.t.NewIterator(opts)
	defer it.Close()
	var s DBStats
	prefix := []byte{byte(dbi)}
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		s.Count++
		s.KeyBytes += uint64(len(item.Key()))
		s.ValueBytes += uint64(item.ValueSize())
	}
	return s
}
