// Package writer implements the single writer goroutine: it drains a
// shared inbox in batches, opens one write transaction per non-empty
// batch, applies every index update a message requires, and on commit
// runs the post-commit monitor pass over everything just written.
package writer

import (
	"encoding/binary"
	"time"

	"github.com/golang/glog"

	"github.com/damus-io/nostrdb-go/internal/blocks"
	"github.com/damus-io/nostrdb-go/internal/keys"
	"github.com/damus-io/nostrdb-go/internal/note"
	"github.com/damus-io/nostrdb-go/internal/profile"
	"github.com/damus-io/nostrdb-go/internal/queue"
	"github.com/damus-io/nostrdb-go/internal/store"
)

// MessageKind discriminates the kinds of work the writer inbox carries.
type MessageKind int

const (
	WriteNote MessageKind = iota
	WriteProfile
	WriteDBMeta
	WriteLastFetch
	RunFunc
	Quit
)

// Message is one unit of writer work. Producers (ingest workers,
// migrations) populate only the fields relevant to Kind.
type Message struct {
	Kind MessageKind

	Record  note.Record
	Profile profile.Profile

	// WriteDBMeta.
	Version uint64

	// WriteLastFetch.
	Pubkey    [32]byte
	FetchedAt uint64

	// RunFunc lets a caller that needs arbitrary index surgery (a
	// migration rebuilding profile_search, say) inject one closure into
	// the single write transaction without the writer knowing anything
	// about what it does. Fn's error is logged and aborts the batch's
	// remaining RunFunc messages but not the whole transaction.
	Fn func(tx *store.Txn) error
}

// WrittenNote describes one note committed in the batch currently being
// processed, passed to the monitor after commit succeeds.
type WrittenNote struct {
	NoteKey uint64
	Record  note.Record
}

// Writer owns the single goroutine allowed to open write transactions.
type Writer struct {
	store     *store.Store
	inbox     *queue.Queue
	batchSize int
	onCommit  func([]WrittenNote)
}

// New constructs a Writer. onCommit, if non-nil, is invoked after every
// successful batch commit with the notes/profiles written in that
// batch (used to drive subscription fan-out).
func New(st *store.Store, inbox *queue.Queue, batchSize int, onCommit func([]WrittenNote)) *Writer {
	if batchSize <= 0 {
		batchSize = 4096
	}
	return &Writer{store: st, inbox: inbox, batchSize: batchSize, onCommit: onCommit}
}

// Run drains the inbox until it is closed, processing messages in
// batches of up to batchSize. It returns once the inbox reports closed
// and drained (mirrors the QUIT drain-then-exit discipline).
func (w *Writer) Run() {
	for {
		items := w.inbox.PopAll()
		if items == nil {
			return
		}
		for start := 0; start < len(items); start += w.batchSize {
			end := start + w.batchSize
			if end > len(items) {
				end = len(items)
			}
			batch := make([]Message, 0, end-start)
			quit := false
			for _, it := range items[start:end] {
				msg := it.(Message)
				if msg.Kind == Quit {
					quit = true
					continue
				}
				batch = append(batch, msg)
			}
			if len(batch) > 0 {
				w.processBatch(batch)
			}
			if quit {
				return
			}
		}
	}
}

func (w *Writer) processBatch(batch []Message) {
	tx := w.store.Begin(true)
	var written []WrittenNote
	funcFailed := false
	for _, msg := range batch {
		switch msg.Kind {
		case WriteNote:
			if nk, ok, err := w.writeNote(tx, msg.Record); err != nil {
				glog.Errorf("writer: write note: %v", err)
			} else if ok {
				written = append(written, WrittenNote{NoteKey: nk, Record: msg.Record})
			}
		case WriteProfile:
			if nk, ok, err := w.writeProfile(tx, msg.Record, msg.Profile); err != nil {
				glog.Errorf("writer: write profile: %v", err)
			} else if ok {
				written = append(written, WrittenNote{NoteKey: nk, Record: msg.Record})
			}
		case WriteDBMeta:
			var v [8]byte
			binary.LittleEndian.PutUint64(v[:], msg.Version)
			if err := tx.Put(store.DBNdbMeta, store.VersionKey, v[:]); err != nil {
				glog.Errorf("writer: write db meta: %v", err)
			}
		case WriteLastFetch:
			if err := w.maybeBumpLastFetch(tx, msg.Pubkey, msg.FetchedAt); err != nil {
				glog.Errorf("writer: write last fetch: %v", err)
			}
		case RunFunc:
			if msg.Fn != nil && !funcFailed {
				if err := msg.Fn(tx); err != nil {
					glog.Errorf("writer: run func: %v", err)
					funcFailed = true
				}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		glog.Errorf("writer: batch commit failed, discarding %d messages: %v", len(batch), err)
		return
	}

	if w.onCommit != nil && len(written) > 0 {
		w.onCommit(written)
	}
}

// writeNote applies the note write path, first probing note_id_index
// for a duplicate. ok is false (with a nil error) when the note was a
// no-op dedup skip.
func (w *Writer) writeNote(tx *store.Txn, rec note.Record) (uint64, bool, error) {
	id := as32(rec.ID())
	have, err := w.idIndexHas(tx, id)
	if err != nil {
		return 0, false, err
	}
	if have {
		return 0, false, nil
	}
	noteKey, err := w.writeNoteBody(tx, rec)
	if err != nil {
		return 0, false, err
	}
	return noteKey, true, nil
}

// writeNoteBody assigns a note_key and writes the primary record plus
// every index derived from it, without any id-dedup check. Profile
// notes go through this path directly since profile writes do not
// apply the id-dedup step.
func (w *Writer) writeNoteBody(tx *store.Txn, rec note.Record) (uint64, error) {
	last, err := tx.LastKey(store.DBNotes)
	if err != nil {
		return 0, err
	}
	noteKey := last + 1

	nkBuf := keys.PutU64(noteKey)
	if err := tx.Put(store.DBNotes, keys.PutU64(noteKey)[:], rec); err != nil {
		return 0, err
	}

	id := as32(rec.ID())
	createdAt := rec.CreatedAt()
	if err := tx.Put(store.DBNoteID, keys.IdTsKey(id, createdAt), nkBuf[:]); err != nil {
		return 0, err
	}
	if err := tx.Put(store.DBNoteKind, keys.U64TsKey(uint64(rec.Kind()), createdAt), nkBuf[:]); err != nil {
		return 0, err
	}
	if err := w.writeAuxIndices(tx, noteKey, rec); err != nil {
		return 0, err
	}

	kind := rec.Kind()
	if kind == 1 || kind == 30023 {
		if err := w.writeTextAndBlocks(tx, noteKey, rec); err != nil {
			return 0, err
		}
	}
	if kind == 7 {
		if err := w.bumpReactionCounter(tx, rec); err != nil {
			return 0, err
		}
	}

	return noteKey, nil
}

func (w *Writer) writeProfile(tx *store.Txn, rec note.Record, p profile.Profile) (uint64, bool, error) {
	noteKey, err := w.writeNoteBody(tx, rec)
	if err != nil {
		return 0, false, err
	}

	last, err := tx.LastKey(store.DBProfiles)
	if err != nil {
		return 0, false, err
	}
	profileKey := last + 1
	p.NoteKey = noteKey
	p.ReceivedAt = rec.CreatedAt()

	pkBuf := keys.PutU64(profileKey)
	if err := tx.Put(store.DBProfiles, keys.PutU64(profileKey)[:], profile.Encode(p)); err != nil {
		return 0, false, err
	}

	pubkey := as32(rec.Pubkey())
	createdAt := rec.CreatedAt()
	if err := tx.Put(store.DBProfilePubkey, keys.IdTsKey(pubkey, createdAt), pkBuf[:]); err != nil {
		return 0, false, err
	}

	names := []string{}
	if p.Name != "" {
		names = append(names, p.Name)
	}
	if p.DisplayName != "" && p.DisplayName != p.Name {
		names = append(names, p.DisplayName)
	}
	for _, n := range names {
		sk := keys.SearchKey(pubkey, createdAt, lowerASCII(n))
		if err := tx.Put(store.DBProfileSearch, sk, pkBuf[:]); err != nil {
			return 0, false, err
		}
	}

	if err := w.maybeBumpLastFetch(tx, pubkey, createdAt); err != nil {
		return 0, false, err
	}

	return noteKey, true, nil
}

// writeAuxIndices writes the supplemented tag and time indices used by
// the TAGS and CREATED query plans.
func (w *Writer) writeAuxIndices(tx *store.Txn, noteKey uint64, rec note.Record) error {
	createdAt := rec.CreatedAt()
	if err := tx.Put(store.DBTimeIdx, keys.NoteTimeKey(createdAt, noteKey), []byte{}); err != nil {
		return err
	}
	it := rec.Tags()
	for {
		tag, ok := it.Next()
		if !ok {
			break
		}
		if tag.Count() < 2 {
			continue
		}
		label := tag.Element(0)
		if len(label) != 1 {
			continue
		}
		value := tag.Element(1)
		key := keys.NoteTagKey(label[0], value, createdAt, noteKey)
		if len(key) > 1024 {
			continue
		}
		if err := tx.Put(store.DBNoteTag, key, []byte{}); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) writeTextAndBlocks(tx *store.Txn, noteKey uint64, rec note.Record) error {
	content := rec.Content()
	createdAt := rec.CreatedAt()
	words := tokenize(content)
	for i, word := range words {
		key := keys.TextKey(noteKey, lowerASCIIBytes(word), createdAt, i)
		if len(key) > 1024 {
			continue
		}
		if err := tx.Put(store.DBNoteText, key, []byte{}); err != nil {
			return err
		}
	}

	b := blocks.Parse(content)
	if err := tx.Put(store.DBNoteBlocks, keys.PutU64(noteKey)[:], blocks.Encode(b)); err != nil {
		return err
	}
	return nil
}

// noteMeta is the read-modify-write reaction counter keyed by raw id.
type noteMeta struct {
	Reactions uint32
}

func decodeNoteMeta(b []byte) noteMeta {
	if len(b) < 4 {
		return noteMeta{}
	}
	return noteMeta{Reactions: binary.LittleEndian.Uint32(b)}
}

func encodeNoteMeta(m noteMeta) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], m.Reactions)
	return b[:]
}

func (w *Writer) bumpReactionCounter(tx *store.Txn, rec note.Record) error {
	tag, ok := rec.LastTagByChar('e')
	if !ok {
		return nil
	}
	if tag.Count() < 2 {
		return nil
	}
	likedRaw := tag.Element(1)
	if len(likedRaw) != 32 {
		return nil
	}
	existing, found, err := tx.Get(store.DBNoteMeta, likedRaw)
	if err != nil {
		return err
	}
	meta := noteMeta{}
	if found {
		meta = decodeNoteMeta(existing)
	}
	meta.Reactions++
	return tx.Put(store.DBNoteMeta, likedRaw, encodeNoteMeta(meta))
}

func (w *Writer) idIndexHas(tx *store.Txn, id [32]byte) (bool, error) {
	c := tx.NewCursor(store.DBNoteID, false)
	defer c.Close()
	c.Seek(keys.IdTsKey(id, 0))
	if !c.Valid() {
		return false, nil
	}
	k := c.Key()
	return len(k) >= 32 && string(keys.IdTsKeyID(k)) == string(id[:]), nil
}

// maybeBumpLastFetch updates last_profile_fetch[pubkey] (wall-clock
// fetch time plus the created_at it corresponds to) only when createdAt
// is newer than the stored value, so an older profile arriving after a
// newer one never rolls the fetch timestamp backwards.
func (w *Writer) maybeBumpLastFetch(tx *store.Txn, pubkey [32]byte, createdAt uint64) error {
	existing, found, err := tx.Get(store.DBProfileLastFetch, pubkey[:])
	if err != nil {
		return err
	}
	if found && len(existing) >= 16 && createdAt <= keys.GetU64(existing[8:16]) {
		return nil
	}
	var v [16]byte
	copy(v[0:8], keys.PutU64(uint64(time.Now().Unix()))[:])
	copy(v[8:16], keys.PutU64(createdAt)[:])
	return tx.Put(store.DBProfileLastFetch, pubkey[:], v[:])
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

func lowerASCII(s string) string {
	return string(lowerASCIIBytes([]byte(s)))
}

func lowerASCIIBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return out
}

func as32(b []byte) [32]byte {
	var out [32]byte
	copy(out[:], b)
	return out
}
