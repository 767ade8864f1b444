// Package ingest runs the fixed pool of worker goroutines that turn raw
// JSON lines into parsed, signature-checked notes and hand them to the
// writer. Each worker owns a bounded single-producer/single-consumer
// inbox; the public entry point dispatches by hashing the payload so a
// slow event on one worker never blocks ingestion on another.
package ingest

import (
	"sync"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/cespare/xxhash/v2"
	"github.com/golang/glog"
	"github.com/pkg/errors"
	hex "github.com/tmthrgd/go-hex"

	"github.com/damus-io/nostrdb-go/internal/jsonparser"
	"github.com/damus-io/nostrdb-go/internal/keys"
	"github.com/damus-io/nostrdb-go/internal/note"
	"github.com/damus-io/nostrdb-go/internal/profile"
	"github.com/damus-io/nostrdb-go/internal/queue"
	"github.com/damus-io/nostrdb-go/internal/store"
	"github.com/damus-io/nostrdb-go/internal/writer"
)

// ErrAlreadyHave is jsonparser.ErrAlreadyHave, the parse error for an
// event whose id is already present in the id index. Workers drop such
// an event; the error is not returned to the ingest caller.
var ErrAlreadyHave = jsonparser.ErrAlreadyHave

// ErrBadSignature names a failed Schnorr verification. Workers drop
// such an event without returning this error to any caller.
var ErrBadSignature = errors.New("ingest: bad signature")

// ErrRejected names an event rejected by the ingest filter hook.
// Workers drop such an event without returning this error to any caller.
var ErrRejected = errors.New("ingest: rejected by filter")

// Verdict is the result of consulting the ingest filter hook.
type Verdict int

const (
	// Accept lets the event proceed through normal signature checking.
	Accept Verdict = iota
	// SkipSignatureVerification accepts the event without checking sig.
	SkipSignatureVerification
	// Reject drops the event.
	Reject
)

// FilterFunc inspects a parsed event before signature verification and
// decides whether it should be accepted, accepted without verification,
// or rejected outright.
type FilterFunc func(ev jsonparser.Event) Verdict

// Pool owns a fixed set of worker goroutines, each with its own inbox.
type Pool struct {
	store            *store.Store
	writerInbox      *queue.Queue
	workers          []*queue.Queue
	wg               sync.WaitGroup
	skipVerification bool
	filter           FilterFunc
}

// Config configures a Pool.
type Config struct {
	Threads          int
	InboxCapacity    int
	SkipVerification bool
	Filter           FilterFunc
}

// NewPool starts Config.Threads worker goroutines, each draining its own
// bounded inbox and forwarding WRITE_NOTE/WRITE_PROFILE messages to
// writerInbox.
func NewPool(st *store.Store, writerInbox *queue.Queue, cfg Config) *Pool {
	if cfg.Threads <= 0 {
		cfg.Threads = 1
	}
	if cfg.InboxCapacity <= 0 {
		cfg.InboxCapacity = 1024
	}
	p := &Pool{
		store:            st,
		writerInbox:      writerInbox,
		workers:          make([]*queue.Queue, cfg.Threads),
		skipVerification: cfg.SkipVerification,
		filter:           cfg.Filter,
	}
	for i := range p.workers {
		p.workers[i] = queue.New(cfg.InboxCapacity)
		p.wg.Add(1)
		go p.runWorker(p.workers[i])
	}
	return p
}

// Ingest copies raw into a fresh buffer and dispatches it to a worker
// chosen by hashing the payload, so concurrent callers never need to
// coordinate on shared dispatch state and identical retransmits of one
// event keep landing on the same worker. isClientFramed is accepted
// for parity with the public ingest(json, len, is_client_framed) entry
// point; both framings are unwrapped identically once inside the
// worker.
func (p *Pool) Ingest(raw []byte, isClientFramed bool) {
	buf := make([]byte, len(raw))
	copy(buf, raw)
	idx := xxhash.Sum64(buf) % uint64(len(p.workers))
	p.workers[idx].Push(buf)
}

// Close stops all workers and blocks until each has drained whatever
// was already queued and exited, so no in-flight event is dropped out
// from under the caller's subsequent store.Close.
func (p *Pool) Close() {
	for _, w := range p.workers {
		w.Close()
	}
	p.wg.Wait()
}

func (p *Pool) runWorker(inbox *queue.Queue) {
	defer p.wg.Done()
	for {
		items := inbox.PopAll()
		if items == nil {
			return
		}
		for _, item := range items {
			raw := item.([]byte)
			p.processOne(raw)
		}
	}
}

func (p *Pool) processOne(raw []byte) {
	payload := raw
	if frame, body, err := jsonparser.DetectFrame(raw); err == nil && frame != jsonparser.FrameUnknown {
		switch frame {
		case jsonparser.FrameClientEvent, jsonparser.FrameRelayEvent:
			payload = body
		default:
			// EOSE/OK control frames carry no event to ingest.
			return
		}
	}

	var alreadyHave bool
	idSeen := func(hexID string) jsonparser.Verdict {
		var id [32]byte
		if _, err := decodeHexInto(id[:], hexID); err != nil {
			return jsonparser.Continue
		}
		seen, err := p.probeSeen(id)
		if err != nil {
			glog.Errorf("ingest: probe id_index: %v", err)
			return jsonparser.Continue
		}
		if seen {
			alreadyHave = true
			return jsonparser.Stop
		}
		return jsonparser.Continue
	}

	ev, err := jsonparser.ParseEvent(payload, jsonparser.Options{IDSeen: idSeen})
	if err != nil {
		if alreadyHave || errors.Is(err, jsonparser.ErrAlreadyHave) {
			return
		}
		glog.V(1).Infof("ingest: parse failed: %v", err)
		return
	}

	verdict := Accept
	if p.filter != nil {
		verdict = p.filter(ev)
	}
	if verdict == Reject {
		return
	}

	skip := p.skipVerification || verdict == SkipSignatureVerification
	if !skip {
		if !verifySignature(ev) {
			glog.V(1).Infof("ingest: bad signature for id %x", ev.ID)
			return
		}
	}

	b := note.New()
	b.SetID(ev.ID)
	b.SetPubkey(ev.Pubkey)
	b.SetSig(ev.Sig)
	b.SetKind(ev.Kind)
	b.SetCreatedAt(ev.CreatedAt)
	b.SetContent(ev.Content)
	for _, tag := range ev.Tags {
		b.AddTag(tag...)
	}
	rec, err := b.Finalize()
	if err != nil {
		glog.Errorf("ingest: finalize note: %v", err)
		return
	}

	if ev.Kind == 0 {
		prof, err := profile.ParseContent(ev.Content)
		if err != nil {
			glog.V(1).Infof("ingest: bad profile content for %x: %v", ev.ID, err)
			p.writerInbox.Push(writer.Message{Kind: writer.WriteNote, Record: rec})
			return
		}
		p.writerInbox.Push(writer.Message{Kind: writer.WriteProfile, Record: rec, Profile: prof})
		return
	}

	p.writerInbox.Push(writer.Message{Kind: writer.WriteNote, Record: rec})
}

func (p *Pool) probeSeen(id [32]byte) (bool, error) {
	var seen bool
	err := p.store.View(func(tx *store.Txn) error {
		c := tx.NewCursor(store.DBNoteID, false)
		defer c.Close()
		c.Seek(keys.IdTsKey(id, 0))
		seen = c.Valid() && idMatches(c.Key(), id)
		return nil
	})
	return seen, err
}

func idMatches(key []byte, id [32]byte) bool {
	return len(key) >= 32 && string(keys.IdTsKeyID(key)) == string(id[:])
}

func verifySignature(ev jsonparser.Event) bool {
	pk, err := schnorr.ParsePubKey(ev.Pubkey[:])
	if err != nil {
		return false
	}
	sig, err := schnorr.ParseSignature(ev.Sig[:])
	if err != nil {
		return false
	}
	return sig.Verify(ev.ID[:], pk)
}

func decodeHexInto(dst []byte, s string) (int, error) {
	if len(s) != len(dst)*2 {
		return 0, errors.New("ingest: wrong hex length")
	}
	return hex.Decode(dst, []byte(s))
}
