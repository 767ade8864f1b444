// Package query implements filter matching and the plan-based query
// executor: given one or more Filter values it picks the cheapest
// index to walk (ids, tags, authors, kinds, or created_at as a
// fallback), fetches candidate notes, re-checks every filter field
// against each candidate, and merges results across filters into one
// (-created_at, id)-sorted, capacity-bounded list.
package query

import (
	"bytes"
	"sort"

	"github.com/damus-io/nostrdb-go/internal/keys"
	"github.com/damus-io/nostrdb-go/internal/note"
	"github.com/damus-io/nostrdb-go/internal/store"
)

// Filter is a structured predicate over a note's fields. Every present
// field is a disjunction (OR over its elements); a note matches the
// filter iff every present field is satisfied.
type Filter struct {
	IDs     [][32]byte
	Authors [][32]byte
	Kinds   []uint64
	// Tags maps a single-character tag label to the set of acceptable
	// values for that tag's second element.
	Tags map[byte][][]byte

	Since *uint64
	Until *uint64
	Limit int

	closed bool
}

// Close sorts IDs, Authors and Kinds in place so membership can be
// tested with binary search, mirroring the filter-closing step run
// once the caller finishes adding elements.
func (f *Filter) Close() {
	sort.Slice(f.IDs, func(i, j int) bool { return bytes.Compare(f.IDs[i][:], f.IDs[j][:]) < 0 })
	sort.Slice(f.Authors, func(i, j int) bool { return bytes.Compare(f.Authors[i][:], f.Authors[j][:]) < 0 })
	sort.Slice(f.Kinds, func(i, j int) bool { return f.Kinds[i] < f.Kinds[j] })
	f.closed = true
}

func (f *Filter) hasID(id []byte) bool {
	if len(f.IDs) == 0 {
		return true
	}
	i := sort.Search(len(f.IDs), func(i int) bool { return bytes.Compare(f.IDs[i][:], id) >= 0 })
	return i < len(f.IDs) && bytes.Equal(f.IDs[i][:], id)
}

func (f *Filter) hasAuthor(pk []byte) bool {
	if len(f.Authors) == 0 {
		return true
	}
	i := sort.Search(len(f.Authors), func(i int) bool { return bytes.Compare(f.Authors[i][:], pk) >= 0 })
	return i < len(f.Authors) && bytes.Equal(f.Authors[i][:], pk)
}

func (f *Filter) hasKind(k uint64) bool {
	if len(f.Kinds) == 0 {
		return true
	}
	i := sort.Search(len(f.Kinds), func(i int) bool { return f.Kinds[i] >= k })
	return i < len(f.Kinds) && f.Kinds[i] == k
}

func (f *Filter) hasTags(rec note.Record) bool {
	if len(f.Tags) == 0 {
		return true
	}
	for label, values := range f.Tags {
		if !recordHasTagValue(rec, label, values) {
			return false
		}
	}
	return true
}

func recordHasTagValue(rec note.Record, label byte, values [][]byte) bool {
	it := rec.Tags()
	for {
		tag, ok := it.Next()
		if !ok {
			return false
		}
		if !tag.MatchesChar(label) || tag.Count() < 2 {
			continue
		}
		el := tag.Element(1)
		for _, v := range values {
			if bytes.Equal(el, v) {
				return true
			}
		}
	}
}

// Matches reports whether rec satisfies every field f carries, used
// identically by the query executor and the subscription monitor.
func (f *Filter) Matches(rec note.Record) bool {
	if !f.hasID(rec.ID()) {
		return false
	}
	if !f.hasAuthor(rec.Pubkey()) {
		return false
	}
	if !f.hasKind(uint64(rec.Kind())) {
		return false
	}
	if !f.hasTags(rec) {
		return false
	}
	createdAt := rec.CreatedAt()
	if f.Since != nil && createdAt < *f.Since {
		return false
	}
	if f.Until != nil && createdAt >= *f.Until {
		return false
	}
	return true
}

// plan names the index an executor walks for one filter.
type plan int

const (
	planIDs plan = iota
	planTags
	planAuthors
	planKinds
	planCreated
)

func selectPlan(f *Filter) plan {
	switch {
	case len(f.IDs) > 0:
		return planIDs
	case len(f.Tags) > 0:
		return planTags
	case len(f.Authors) > 0:
		return planAuthors
	case len(f.Kinds) > 0:
		return planKinds
	default:
		return planCreated
	}
}

// Result is one matched note together with its note_key, as returned
// by a plan's cursor walk.
type Result struct {
	NoteKey uint64
	Record  note.Record
}

func untilOrInf(f *Filter) uint64 {
	if f.Until != nil {
		return *f.Until
	}
	return ^uint64(0)
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return 1 << 30
	}
	return limit
}

// Run executes one filter's plan, fetching full note records out of
// the notes table as candidates are found and stopping once either
// the cursor is exhausted or f.Limit matches have been collected.
func Run(tx *store.Txn, f *Filter) ([]Result, error) {
	if !f.closed {
		f.Close()
	}
	switch selectPlan(f) {
	case planIDs:
		return runIDs(tx, f)
	case planKinds:
		return runKinds(tx, f)
	case planTags:
		return runTags(tx, f)
	case planAuthors:
		return runAuthors(tx, f)
	default:
		return runCreated(tx, f)
	}
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

// runIDs walks the id-index once per id in f.IDs, positioning a
// descending cursor at (id, until_or_inf) so the first candidate seen
// is the newest revision not excluded by Until.
func runIDs(tx *store.Txn, f *Filter) ([]Result, error) {
	limit := limitOrDefault(f.Limit)
	var out []Result
	for _, id := range f.IDs {
		if len(out) >= limit {
			break
		}
		c := tx.NewCursor(store.DBNoteID, true)
		c.Seek(keys.IdTsKey(id, untilOrInf(f)))
		if !c.Valid() {
			c.Close()
			continue
		}
		k := c.Key()
		if !bytes.Equal(keys.IdTsKeyID(k), id[:]) {
			c.Close()
			continue
		}
		noteKey := keys.GetU64(mustValue(c))
		c.Close()
		rec, ok, err := fetchNote(tx, noteKey)
		if err != nil {
			return nil, err
		}
		if !ok || !f.Matches(rec) {
			continue
		}
		out = append(out, Result{NoteKey: noteKey, Record: rec})
	}
	return out, nil
}

func mustValue(c *store.Cursor) []byte {
	v, err := c.Value()
	if err != nil {
		return nil
	}
	return v
}

// runKinds walks the kind-index for each requested kind, descending
// from (kind, until_or_inf) while the kind matches, applying the rest
// of the filter to each candidate until limit is reached.
func runKinds(tx *store.Txn, f *Filter) ([]Result, error) {
	limit := limitOrDefault(f.Limit)
	var out []Result
	for _, kind := range f.Kinds {
		if len(out) >= limit {
			break
		}
		c := tx.NewCursor(store.DBNoteKind, true)
		c.Seek(keys.U64TsKey(kind, untilOrInf(f)))
		for c.Valid() && len(out) < limit {
			k := c.Key()
			if keys.U64TsKeyValue(k) != kind {
				break
			}
			ts := keys.U64TsKeyTimestamp(k)
			if f.Since != nil && ts < *f.Since {
				break
			}
			noteKey := keys.GetU64(mustValue(c))
			rec, ok, err := fetchNote(tx, noteKey)
			if err != nil {
				c.Close()
				return nil, err
			}
			if ok && f.Matches(rec) {
				out = append(out, Result{NoteKey: noteKey, Record: rec})
			}
			c.Next()
		}
		c.Close()
	}
	return out, nil
}

// runTags walks the supplemented note_tag_index, one (label, value)
// pair at a time, descending from (label, value, until_or_inf) while
// the (label, value) prefix still matches.
func runTags(tx *store.Txn, f *Filter) ([]Result, error) {
	limit := limitOrDefault(f.Limit)
	var out []Result
	for label, values := range f.Tags {
		for _, value := range values {
			if len(out) >= limit {
				break
			}
			prefix := keys.NoteTagKeyPrefix(label, value)
			c := tx.NewCursor(store.DBNoteTag, true)
			c.Seek(keys.NoteTagKey(label, value, untilOrInf(f), ^uint64(0)))
			for c.Valid() && len(out) < limit {
				k := c.Key()
				if !bytes.HasPrefix(k, prefix) {
					break
				}
				noteKey := keys.NoteTagKeyNote(k, len(prefix))
				rec, ok, err := fetchNote(tx, noteKey)
				if err != nil {
					c.Close()
					return nil, err
				}
				if ok && f.Matches(rec) {
					out = append(out, Result{NoteKey: noteKey, Record: rec})
				}
				c.Next()
			}
			c.Close()
		}
	}
	return out, nil
}

// runAuthors has no dedicated note index to walk (profile_pubkey_index
// indexes profiles, not authored notes), so it falls back to the same
// descending note_time_index scan as runCreated; Matches still filters
// candidates down to the requested authors.
func runAuthors(tx *store.Txn, f *Filter) ([]Result, error) {
	return runCreated(tx, f)
}

// runCreated walks the supplemented note_time_index descending from
// (until_or_inf, max_note_key), applying the full filter to each
// candidate; this is both the CREATED plan and the AUTHORS fallback,
// since neither has a more specific index to walk.
func runCreated(tx *store.Txn, f *Filter) ([]Result, error) {
	limit := limitOrDefault(f.Limit)
	var out []Result
	c := tx.NewCursor(store.DBTimeIdx, true)
	defer c.Close()
	c.Seek(keys.NoteTimeKey(untilOrInf(f), ^uint64(0)))
	for c.Valid() && len(out) < limit {
		k := c.Key()
		ts := keys.NoteTimeKeyCreatedAt(k)
		if f.Since != nil && ts < *f.Since {
			break
		}
		noteKey := keys.NoteTimeKeyNoteKey(k)
		rec, ok, err := fetchNote(tx, noteKey)
		if err != nil {
			return nil, err
		}
		if ok && f.Matches(rec) {
			out = append(out, Result{NoteKey: noteKey, Record: rec})
		}
		c.Next()
	}
	return out, nil
}

// Query runs every filter's plan in turn, each given whatever capacity
// remains in the caller's buffer, then sorts the concatenated results
// by (-created_at, id) and truncates to capacity, mirroring the
// compound query(filters, capacity) entry point.
func Query(tx *store.Txn, filters []*Filter, capacity int) ([]Result, error) {
	var all []Result
	for _, f := range filters {
		remaining := capacity - len(all)
		if remaining <= 0 {
			break
		}
		sub := *f
		sub.Limit = remaining
		if f.Limit > 0 && f.Limit < remaining {
			sub.Limit = f.Limit
		}
		results, err := Run(tx, &sub)
		if err != nil {
			return nil, err
		}
		all = append(all, results...)
	}
	sort.Slice(all, func(i, j int) bool {
		ci, cj := all[i].Record.CreatedAt(), all[j].Record.CreatedAt()
		if ci != cj {
			return ci > cj
		}
		return bytes.Compare(all[i].Record.ID(), all[j].Record.ID()) < 0
	})
	if len(all) > capacity {
		all = all[:capacity]
	}
	return all, nil
}
