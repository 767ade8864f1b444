package ndb

import (
	"github.com/pkg/errors"

	"github.com/damus-io/nostrdb-go/internal/ingest"
	"github.com/damus-io/nostrdb-go/internal/jsonparser"
	"github.com/damus-io/nostrdb-go/internal/monitor"
	"github.com/damus-io/nostrdb-go/internal/note"
)

// ErrAlreadyHave names an ingested event whose id is already present in
// the database. Ingestion is asynchronous: such an event is dropped in
// the background and the ingest calls do not return this error.
var ErrAlreadyHave = jsonparser.ErrAlreadyHave

// ErrBadSignature names an ingested event whose Schnorr signature fails
// verification. Such an event is dropped in the background and the
// ingest calls do not return this error.
var ErrBadSignature = ingest.ErrBadSignature

// ErrRejected names an event rejected by an ingest filter hook. Such an
// event is dropped in the background and the ingest calls do not return
// this error.
var ErrRejected = ingest.ErrRejected

// ErrNotFound is returned by the lookup calls (GetNoteByID, etc.) when
// no record exists for the given key.
var ErrNotFound = errors.New("ndb: not found")

// ErrClosed is returned by the ingest calls (IngestEvent,
// IngestClientEvent, IngestStream) made on a DB after Close.
var ErrClosed = errors.New("ndb: database closed")

// ErrTooManySubscriptions is returned by Subscribe once
// monitor.MaxSubscriptions subscriptions are already live.
var ErrTooManySubscriptions = monitor.ErrTooManySubscriptions

// ErrTooManyFilters is returned by Subscribe when filters exceeds
// monitor.MaxFilters.
var ErrTooManyFilters = monitor.ErrTooManyFilters

// ErrInvalidNote is returned by FromBytes-style accessors for a packed
// note buffer whose version byte is not the supported version.
var ErrInvalidNote = note.ErrInvalidVersion
