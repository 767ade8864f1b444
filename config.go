package ndb

import (
	"runtime"

	"github.com/damus-io/nostrdb-go/internal/ingest"
)

// Config configures Open. The zero value is not ready to use; start
// from DefaultConfig and chain the With* setters, mirroring the
// fluent badger.Options convention this module's storage layer
// already follows.
type Config struct {
	mapSize          int64
	ingesterThreads  int
	ingesterCapacity int
	batchSize        int
	skipVerification bool
	noMigrate        bool
	filter           FilterFunc
}

// FilterFunc inspects a parsed event before signature verification and
// decides whether to accept it, accept it without verifying its
// signature, or reject it outright.
type FilterFunc = ingest.FilterFunc

// Verdict is the result an ingest filter hook returns.
type Verdict = ingest.Verdict

const (
	Accept                    = ingest.Accept
	SkipSignatureVerification = ingest.SkipSignatureVerification
	Reject                    = ingest.Reject
)

const defaultMapSize = 32 << 30 // 32 GiB

// DefaultConfig returns the configuration Open uses when the caller
// has no overrides: a 32 GiB map size, one ingester thread per core,
// and a 4096-message writer batch.
func DefaultConfig() Config {
	return Config{
		mapSize:          defaultMapSize,
		ingesterThreads:  runtime.NumCPU(),
		ingesterCapacity: 1024,
		batchSize:        4096,
	}
}

// WithMapSize overrides the map size; the underlying store sizes its
// memtable at one sixteenth of it.
func (c Config) WithMapSize(n int64) Config { c.mapSize = n; return c }

// WithIngesterThreads overrides the number of ingester worker goroutines.
func (c Config) WithIngesterThreads(n int) Config { c.ingesterThreads = n; return c }

// WithBatchSize overrides the writer's max messages-per-transaction batch.
func (c Config) WithBatchSize(n int) Config { c.batchSize = n; return c }

// WithSkipVerification disables Schnorr signature verification on
// every ingested event, useful for bulk-importing already-trusted data.
func (c Config) WithSkipVerification(skip bool) Config { c.skipVerification = skip; return c }

// WithNoMigrate disables running pending migrations on Open, leaving
// the stored schema version untouched.
func (c Config) WithNoMigrate(skip bool) Config { c.noMigrate = skip; return c }

// WithIngestFilter installs a hook consulted for every event before
// signature verification.
func (c Config) WithIngestFilter(fn FilterFunc) Config { c.filter = fn; return c }
