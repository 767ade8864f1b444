// Package ndb is an embedded, single-process Nostr event store: one
// badger-backed key-value file, a fixed pool of ingester workers that
// parse and verify incoming events, a single writer goroutine that
// maintains every index, and a plan-based query executor and full-text
// search layer over the result.
package ndb

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/damus-io/nostrdb-go/internal/blocks"
	"github.com/damus-io/nostrdb-go/internal/fts"
	"github.com/damus-io/nostrdb-go/internal/ingest"
	"github.com/damus-io/nostrdb-go/internal/keys"
	"github.com/damus-io/nostrdb-go/internal/migrate"
	"github.com/damus-io/nostrdb-go/internal/monitor"
	"github.com/damus-io/nostrdb-go/internal/note"
	"github.com/damus-io/nostrdb-go/internal/profile"
	"github.com/damus-io/nostrdb-go/internal/query"
	"github.com/damus-io/nostrdb-go/internal/queue"
	"github.com/damus-io/nostrdb-go/internal/store"
	"github.com/damus-io/nostrdb-go/internal/writer"
)

// Filter is a structured predicate over a note's fields, as built by
// the caller and consumed by Query and Subscribe.
type Filter = query.Filter

// QueryResult is one matched note returned by Query.
type QueryResult = query.Result

// TextSearchConfig controls one TextSearch call.
type TextSearchConfig = fts.Config

// TextSearchResult is one matched note returned by TextSearch.
type TextSearchResult = fts.Result

// SearchDESC and SearchASC select TextSearchConfig.Order.
const (
	SearchDESC = fts.DESC
	SearchASC  = fts.ASC
)

const writerInboxCapacity = 1 << 16

// DB is an open nostrdb handle: the caller's side of the writer and
// ingester pool threads.
type DB struct {
	store       *store.Store
	writerInbox *queue.Queue
	pool        *ingest.Pool
	w           *writer.Writer
	monitor     *monitor.Monitor
	done        chan struct{}
	closed      bool
}

// Open opens (creating if absent) a database at path and starts its
// writer and ingester threads. If cfg.noMigrate is unset, pending
// migrations are queued on the writer before Open returns, ahead of any
// ingested event; Open does not wait for them to be applied. An error
// while preparing a migration makes Open fail; an error while applying
// one is logged by the writer and does not.
func Open(path string, cfg Config) (*DB, error) {
	st, err := store.Open(path, cfg.mapSize)
	if err != nil {
		return nil, errors.Wrap(err, "ndb: open store")
	}

	writerInbox := queue.New(writerInboxCapacity)
	mon := monitor.New()
	w := writer.New(st, writerInbox, cfg.batchSize, mon.OnCommit)
	done := make(chan struct{})
	go func() {
		w.Run()
		close(done)
	}()

	if !cfg.noMigrate {
		if err := migrate.Run(st, writerInbox); err != nil {
			writerInbox.Push(writer.Message{Kind: writer.Quit})
			<-done
			st.Close()
			return nil, errors.Wrap(err, "ndb: run migrations")
		}
	}

	pool := ingest.NewPool(st, writerInbox, ingest.Config{
		Threads:          cfg.ingesterThreads,
		InboxCapacity:    cfg.ingesterCapacity,
		SkipVerification: cfg.skipVerification,
		Filter:           cfg.filter,
	})

	return &DB{
		store:       st,
		writerInbox: writerInbox,
		pool:        pool,
		w:           w,
		monitor:     mon,
		done:        done,
	}, nil
}

// Close stops accepting new work and blocks until every ingester
// worker and the writer goroutine have fully drained whatever was
// already queued and exited, only then closing the store — so no
// event still in flight at the time of the call is silently dropped.
func (db *DB) Close() error {
	if db.closed {
		return nil
	}
	db.closed = true
	db.pool.Close()
	db.writerInbox.Push(writer.Message{Kind: writer.Quit})
	<-db.done
	return db.store.Close()
}

// IngestEvent ingests one bare JSON event object (no ["EVENT", …]
// framing). Ingestion is asynchronous: a nil error only means the
// event was accepted into an ingester's inbox, not that it parsed,
// verified, or was written.
func (db *DB) IngestEvent(json []byte) error {
	if db.closed {
		return ErrClosed
	}
	db.pool.Ingest(json, false)
	return nil
}

// IngestClientEvent ingests one ["EVENT", {...}]-framed message.
func (db *DB) IngestClientEvent(json []byte) error {
	if db.closed {
		return ErrClosed
	}
	db.pool.Ingest(json, true)
	return nil
}

// IngestStream ingests a newline-delimited stream of events, one
// ingest call per line; blank lines are skipped.
func (db *DB) IngestStream(r io.Reader) error {
	if db.closed {
		return ErrClosed
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		db.pool.Ingest(cp, false)
	}
	return sc.Err()
}

// Query runs filters' plans and returns up to capacity matches sorted
// by (-created_at, id).
func (db *DB) Query(filters []*Filter, capacity int) ([]QueryResult, error) {
	var out []QueryResult
	err := db.store.View(func(tx *store.Txn) error {
		results, err := query.Query(tx, filters, capacity)
		out = results
		return err
	})
	return out, err
}

// TextSearch runs a full-text query against the note_text index.
func (db *DB) TextSearch(q string, cfg TextSearchConfig) ([]TextSearchResult, error) {
	var out []TextSearchResult
	err := db.store.View(func(tx *store.Txn) error {
		results, err := fts.Search(tx, q, cfg)
		out = results
		return err
	})
	return out, err
}

// GetNoteByID looks up a note by its 32-byte id, returning the newest
// (highest created_at) revision stored under that id.
func (db *DB) GetNoteByID(id [32]byte) (note.Record, error) {
	var rec note.Record
	err := db.store.View(func(tx *store.Txn) error {
		c := tx.NewCursor(store.DBNoteID, true)
		defer c.Close()
		c.Seek(keys.IdTsKey(id, ^uint64(0)))
		if !c.Valid() {
			return ErrNotFound
		}
		k := c.Key()
		if !bytes.Equal(keys.IdTsKeyID(k), id[:]) {
			return ErrNotFound
		}
		val, err := c.Value()
		if err != nil {
			return err
		}
		noteKey := keys.GetU64(val)
		r, ok, err := fetchNote(tx, noteKey)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		rec = r
		return nil
	})
	return rec, err
}

// GetNoteByKey looks up a note by its assigned note_key.
func (db *DB) GetNoteByKey(noteKey uint64) (note.Record, error) {
	var rec note.Record
	err := db.store.View(func(tx *store.Txn) error {
		r, ok, err := fetchNote(tx, noteKey)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		rec = r
		return nil
	})
	return rec, err
}

func fetchNote(tx *store.Txn, noteKey uint64) (note.Record, bool, error) {
	nk := keys.PutU64(noteKey)
	val, ok, err := tx.Get(store.DBNotes, nk[:])
	if err != nil || !ok {
		return nil, ok, err
	}
	rec, err := note.FromBytes(val)
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// GetProfileByPubkey returns the newest profile stored for pubkey.
func (db *DB) GetProfileByPubkey(pubkey [32]byte) (profile.Profile, error) {
	var p profile.Profile
	err := db.store.View(func(tx *store.Txn) error {
		c := tx.NewCursor(store.DBProfilePubkey, true)
		defer c.Close()
		c.Seek(keys.IdTsKey(pubkey, ^uint64(0)))
		if !c.Valid() {
			return ErrNotFound
		}
		k := c.Key()
		if !bytes.Equal(keys.IdTsKeyID(k), pubkey[:]) {
			return ErrNotFound
		}
		val, err := c.Value()
		if err != nil {
			return err
		}
		profileKey := keys.GetU64(val)
		pr, ok, err := fetchProfile(tx, profileKey)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		p = pr
		return nil
	})
	return p, err
}

// GetProfileByKey looks up a profile by its assigned profile_key.
func (db *DB) GetProfileByKey(profileKey uint64) (profile.Profile, error) {
	var p profile.Profile
	err := db.store.View(func(tx *store.Txn) error {
		pr, ok, err := fetchProfile(tx, profileKey)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		p = pr
		return nil
	})
	return p, err
}

func fetchProfile(tx *store.Txn, profileKey uint64) (profile.Profile, bool, error) {
	pk := keys.PutU64(profileKey)
	val, ok, err := tx.Get(store.DBProfiles, pk[:])
	if err != nil || !ok {
		return profile.Profile{}, ok, err
	}
	p, err := profile.Decode(val)
	if err != nil {
		return profile.Profile{}, false, err
	}
	return p, true, nil
}

// GetBlocksByKey returns the parsed content blocks stored for a note,
// decoding them lazily if this note's kind did not precompute them.
func (db *DB) GetBlocksByKey(noteKey uint64) (blocks.Blocks, error) {
	var b blocks.Blocks
	err := db.store.View(func(tx *store.Txn) error {
		nk := keys.PutU64(noteKey)
		val, ok, err := tx.Get(store.DBNoteBlocks, nk[:])
		if err != nil {
			return err
		}
		if ok {
			decoded, err := blocks.Decode(val)
			if err != nil {
				return err
			}
			b = decoded
			return nil
		}
		rec, ok, err := fetchNote(tx, noteKey)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		b = blocks.Parse(rec.Content())
		return nil
	})
	return b, err
}

// NoteMeta carries the per-note metadata maintained outside the
// packed record itself (currently just the reaction/like counter).
type NoteMeta struct {
	Reactions uint32
}

// GetNoteMeta returns the reaction counter accumulated for the note
// with the given id.
func (db *DB) GetNoteMeta(id [32]byte) (NoteMeta, error) {
	var m NoteMeta
	err := db.store.View(func(tx *store.Txn) error {
		val, ok, err := tx.Get(store.DBNoteMeta, id[:])
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		if len(val) >= 4 {
			m.Reactions = binary.LittleEndian.Uint32(val)
		}
		return nil
	})
	return m, err
}

// LastProfileFetch is the wall-clock time a pubkey's profile was last
// (re)fetched, together with the created_at it corresponds to.
type LastProfileFetch struct {
	FetchedAt uint64
	CreatedAt uint64
}

// ReadLastProfileFetch returns the last-fetch bookkeeping record for pubkey.
func (db *DB) ReadLastProfileFetch(pubkey [32]byte) (LastProfileFetch, error) {
	var out LastProfileFetch
	err := db.store.View(func(tx *store.Txn) error {
		val, ok, err := tx.Get(store.DBProfileLastFetch, pubkey[:])
		if err != nil {
			return err
		}
		if !ok || len(val) < 16 {
			return ErrNotFound
		}
		out.FetchedAt = keys.GetU64(val[0:8])
		out.CreatedAt = keys.GetU64(val[8:16])
		return nil
	})
	return out, err
}

// Subscribe registers filters as one live subscription.
func (db *DB) Subscribe(filters []*Filter) (uint64, error) {
	return db.monitor.Subscribe(filters)
}

// Unsubscribe removes a subscription registered with Subscribe.
func (db *DB) Unsubscribe(subid uint64) {
	db.monitor.Unsubscribe(subid)
}

// WaitForNotes blocks until at least one note_key is queued for subid,
// then returns up to capacity of them.
func (db *DB) WaitForNotes(subid uint64, capacity int) ([]uint64, error) {
	return db.monitor.WaitForNotes(subid, capacity)
}

// DBStats is one named database's entry count and byte footprint.
type DBStats = store.DBStats

// Stats is the aggregate per-database and per-kind footprint report.
type Stats struct {
	Notes            DBStats
	NoteMeta         DBStats
	Profiles         DBStats
	ProfileSearch    DBStats
	NdbMeta          DBStats
	ProfileLastFetch DBStats
	NoteID           DBStats
	ProfilePubkey    DBStats
	NoteKind         DBStats
	NoteText         DBStats
	NoteBlocks       DBStats
	NoteTag          DBStats
	TimeIdx          DBStats
	KindCounts       map[uint32]uint64
}

// commonKinds is the set of kinds broken out individually in Stats;
// everything else is folded into KindCounts[otherKindsBucket].
var commonKinds = map[uint32]bool{0: true, 1: true, 3: true, 5: true, 6: true, 7: true, 30023: true}

const otherKindsBucket = ^uint32(0)

// Stats computes the per-database and per-kind footprint report.
func (db *DB) Stats() (Stats, error) {
	var s Stats
	s.KindCounts = make(map[uint32]uint64)
	err := db.store.View(func(tx *store.Txn) error {
		s.Notes = tx.Stats(store.DBNotes)
		s.NoteMeta = tx.Stats(store.DBNoteMeta)
		s.Profiles = tx.Stats(store.DBProfiles)
		s.ProfileSearch = tx.Stats(store.DBProfileSearch)
		s.NdbMeta = tx.Stats(store.DBNdbMeta)
		s.ProfileLastFetch = tx.Stats(store.DBProfileLastFetch)
		s.NoteID = tx.Stats(store.DBNoteID)
		s.ProfilePubkey = tx.Stats(store.DBProfilePubkey)
		s.NoteKind = tx.Stats(store.DBNoteKind)
		s.NoteText = tx.Stats(store.DBNoteText)
		s.NoteBlocks = tx.Stats(store.DBNoteBlocks)
		s.NoteTag = tx.Stats(store.DBNoteTag)
		s.TimeIdx = tx.Stats(store.DBTimeIdx)

		c := tx.NewCursor(store.DBNoteKind, false)
		defer c.Close()
		c.Seek(nil)
		for c.Valid() {
			kind := uint32(keys.U64TsKeyValue(c.Key()))
			bucket := kind
			if !commonKinds[kind] {
				bucket = otherKindsBucket
			}
			s.KindCounts[bucket]++
			c.Next()
		}
		return nil
	})
	return s, err
}

