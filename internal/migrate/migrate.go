// Package migrate runs the ordered list of schema migrations against
// an already-open store: on open the stored version is read from
// ndb_meta, and every migration from stored+1 through the latest
// version runs in order, bumping the stored version after each
// success.
package migrate

import (
	"encoding/binary"
	"strings"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/damus-io/nostrdb-go/internal/keys"
	"github.com/damus-io/nostrdb-go/internal/profile"
	"github.com/damus-io/nostrdb-go/internal/queue"
	"github.com/damus-io/nostrdb-go/internal/store"
	"github.com/damus-io/nostrdb-go/internal/writer"
)

// Func is one migration step. It runs against a read-only snapshot and
// returns a RunFunc closure (or nil) to enqueue on the writer for the
// actual mutation, keeping every write on the single writer thread.
type Func func(st *store.Store) (func(tx *store.Txn) error, error)

// Latest is the schema version a fresh database is initialized to.
const Latest = 3

var steps = []Func{
	nil, // version 0 is unused; migrations are 1-indexed
	buildProfileSearchIndex,
	rebuildProfileSearchCaseInsensitive,
	reparseProfileUTF8,
}

// Run reads the stored version from ndb_meta and applies every
// migration from stored+1 through Latest in order, pushing each
// migration's write (plus the version bump) through writerInbox so it
// goes through the single writer thread. If no version is stored yet,
// the database is freshly initialized to Latest without running any
// migration.
func Run(st *store.Store, writerInbox *queue.Queue) error {
	stored, found, err := readVersion(st)
	if err != nil {
		return err
	}
	if !found {
		writerInbox.Push(writer.Message{Kind: writer.WriteDBMeta, Version: Latest})
		return nil
	}
	for v := stored + 1; v <= Latest; v++ {
		step := steps[v]
		if step == nil {
			continue
		}
		fn, err := step(st)
		if err != nil {
			return errors.Wrapf(err, "migrate: prepare version %d", v)
		}
		glog.Infof("migrate: applying version %d", v)
		version := v
		writerInbox.Push(writer.Message{Kind: writer.RunFunc, Fn: func(tx *store.Txn) error {
			if fn != nil {
				if err := fn(tx); err != nil {
					return err
				}
			}
			var buf [8]byte
			binary.LittleEndian.PutUint64(buf[:], version)
			return tx.Put(store.DBNdbMeta, store.VersionKey, buf[:])
		}})
	}
	return nil
}

func readVersion(st *store.Store) (uint64, bool, error) {
	var v uint64
	var found bool
	err := st.View(func(tx *store.Txn) error {
		val, ok, err := tx.Get(store.DBNdbMeta, store.VersionKey)
		if err != nil || !ok {
			return err
		}
		found = true
		v = binary.LittleEndian.Uint64(val)
		return nil
	})
	return v, found, err
}

// profileSearchEntry is one (pubkey, created_at, profile_key) posting
// recovered by walking profile_pubkey_index, the only index that
// carries both the pubkey and the profile_key together.
type profileSearchEntry struct {
	pubkey     [32]byte
	createdAt  uint64
	profileKey uint64
}

func collectProfileEntries(tx *store.Txn) ([]profileSearchEntry, error) {
	var out []profileSearchEntry
	c := tx.NewCursor(store.DBProfilePubkey, false)
	defer c.Close()
	c.Seek(nil)
	for c.Valid() {
		k := c.Key()
		val, err := c.Value()
		if err != nil {
			return nil, err
		}
		var pubkey [32]byte
		copy(pubkey[:], keys.IdTsKeyID(k))
		out = append(out, profileSearchEntry{
			pubkey:     pubkey,
			createdAt:  keys.IdTsKeyTimestamp(k),
			profileKey: keys.GetU64(val),
		})
		c.Next()
	}
	return out, nil
}

func fetchProfileName(tx *store.Txn, profileKey uint64) (string, error) {
	pk := keys.PutU64(profileKey)
	val, ok, err := tx.Get(store.DBProfiles, pk[:])
	if err != nil || !ok {
		return "", err
	}
	p, err := profile.Decode(val)
	if err != nil {
		return "", nil
	}
	return p.Name, nil
}

// buildProfileSearchIndex (version 1) populates profile_search from
// every stored profile, for databases that predate the index.
func buildProfileSearchIndex(st *store.Store) (func(tx *store.Txn) error, error) {
	var entries []profileSearchEntry
	err := st.View(func(tx *store.Txn) error {
		es, err := collectProfileEntries(tx)
		entries = es
		return err
	})
	if err != nil {
		return nil, err
	}
	return func(tx *store.Txn) error {
		for _, e := range entries {
			name, err := fetchProfileName(tx, e.profileKey)
			if err != nil || name == "" {
				continue
			}
			sk := keys.SearchKey(e.pubkey, e.createdAt, strings.ToLower(name))
			pk := keys.PutU64(e.profileKey)
			if err := tx.Put(store.DBProfileSearch, sk, pk[:]); err != nil {
				return err
			}
		}
		return nil
	}, nil
}

// rebuildProfileSearchCaseInsensitive (version 2) drops every
// profile_search entry and rewrites it with lowercased keys, for
// databases built before search became case-insensitive.
func rebuildProfileSearchCaseInsensitive(st *store.Store) (func(tx *store.Txn) error, error) {
	return func(tx *store.Txn) error {
		var toDelete [][]byte
		c := tx.NewCursor(store.DBProfileSearch, false)
		c.Seek(nil)
		for c.Valid() {
			k := make([]byte, len(c.Key()))
			copy(k, c.Key())
			toDelete = append(toDelete, k)
			c.Next()
		}
		c.Close()
		for _, k := range toDelete {
			if err := tx.Delete(store.DBProfileSearch, k); err != nil {
				return err
			}
		}

		entries, err := collectProfileEntries(tx)
		if err != nil {
			return err
		}
		for _, e := range entries {
			name, err := fetchProfileName(tx, e.profileKey)
			if err != nil || name == "" {
				continue
			}
			sk := keys.SearchKey(e.pubkey, e.createdAt, strings.ToLower(name))
			pk := keys.PutU64(e.profileKey)
			if err := tx.Put(store.DBProfileSearch, sk, pk[:]); err != nil {
				return err
			}
		}
		return nil
	}, nil
}

// reparseProfileUTF8 (version 3) rewrites every profile record with
// each invalid UTF-8 sequence in its stored name/display_name replaced
// by U+FFFD (see fixUTF8), correcting records written before that
// validation existed. Profiles
// are addressed by profile_key so the rewrite is a straight overwrite,
// not a new profile_key allocation.
func reparseProfileUTF8(st *store.Store) (func(tx *store.Txn) error, error) {
	return func(tx *store.Txn) error {
		c := tx.NewCursor(store.DBProfiles, false)
		defer c.Close()
		c.Seek(nil)
		for c.Valid() {
			key := make([]byte, len(c.Key()))
			copy(key, c.Key())
			val, err := c.Value()
			if err != nil {
				return err
			}
			p, err := profile.Decode(val)
			if err != nil {
				c.Next()
				continue
			}
			p.Name = fixUTF8(p.Name)
			p.DisplayName = fixUTF8(p.DisplayName)
			if err := tx.Put(store.DBProfiles, key, profile.Encode(p)); err != nil {
				return err
			}
			c.Next()
		}
		return nil
	}, nil
}

// fixUTF8 replaces any byte sequence that is not valid UTF-8 with the
// Unicode replacement character, mirroring strings.ToValidUTF8 with
// the stdlib default replacement.
func fixUTF8(s string) string {
	return strings.ToValidUTF8(s, "�")
}
