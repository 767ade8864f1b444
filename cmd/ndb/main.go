// Command ndb is a thin local CLI over a database directory: print
// footprint stats, bulk-import newline-delimited events, or run a
// text search, all against the same store the library package opens.
package main

import (
	"flag"
	"fmt"
	"os"

	ndb "github.com/damus-io/nostrdb-go"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	fs := flag.NewFlagSet("ndb", flag.ExitOnError)
	dir := fs.String("d", "./ndbdata", "database directory")
	skipVerification := fs.Bool("skip-verification", false, "skip signature verification on ingest")
	oldestFirst := fs.Bool("oldest-first", false, "return search results oldest first")
	limit := fs.Int("limit", 0, "cap the number of results (0 = default)")

	cmd := os.Args[1]
	if err := fs.Parse(os.Args[2:]); err != nil {
		os.Exit(2)
	}

	cfg := ndb.DefaultConfig().WithSkipVerification(*skipVerification)

	var err error
	switch cmd {
	case "stat":
		err = runStat(*dir, cfg)
	case "import":
		err = runImport(*dir, cfg, fs.Args())
	case "search":
		err = runSearch(*dir, cfg, fs.Args(), *oldestFirst, *limit)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "ndb: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: ndb <command> [-d dir] [--skip-verification] [args]

commands:
  stat                                print per-database and per-kind stats
  import <file|->                     feed newline-delimited events
  search [--oldest-first] [--limit N] <query>   run a text search`)
}

func runStat(dir string, cfg ndb.Config) error {
	db, err := ndb.Open(dir, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	s, err := db.Stats()
	if err != nil {
		return err
	}

	printRow := func(name string, d ndb.DBStats) {
		fmt.Printf("%-20s %10d entries %12d key bytes %14d value bytes\n", name, d.Count, d.KeyBytes, d.ValueBytes)
	}
	printRow("notes", s.Notes)
	printRow("note_meta", s.NoteMeta)
	printRow("profiles", s.Profiles)
	printRow("profile_search", s.ProfileSearch)
	printRow("ndb_meta", s.NdbMeta)
	printRow("profile_last_fetch", s.ProfileLastFetch)
	printRow("note_id", s.NoteID)
	printRow("profile_pubkey", s.ProfilePubkey)
	printRow("note_kind", s.NoteKind)
	printRow("note_text", s.NoteText)
	printRow("note_blocks", s.NoteBlocks)
	printRow("note_tag", s.NoteTag)
	printRow("time_idx", s.TimeIdx)

	fmt.Println("\nkinds:")
	for kind, count := range s.KindCounts {
		label := fmt.Sprintf("%d", kind)
		if kind == ^uint32(0) {
			label = "other"
		}
		fmt.Printf("  kind %-8s %10d\n", label, count)
	}
	return nil
}

func runImport(dir string, cfg ndb.Config, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("import requires exactly one argument: a file path or -")
	}

	db, err := ndb.Open(dir, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	r := os.Stdin
	if args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	return db.IngestStream(r)
}

func runSearch(dir string, cfg ndb.Config, args []string, oldestFirst bool, limit int) error {
	if len(args) != 1 {
		return fmt.Errorf("search requires exactly one argument: the query string")
	}

	db, err := ndb.Open(dir, cfg.WithNoMigrate(true))
	if err != nil {
		return err
	}
	defer db.Close()

	searchCfg := ndb.TextSearchConfig{Limit: limit, Order: ndb.SearchDESC}
	if oldestFirst {
		searchCfg.Order = ndb.SearchASC
	}

	results, err := db.TextSearch(args[0], searchCfg)
	if err != nil {
		return err
	}
	for _, r := range results {
		rec, err := db.GetNoteByKey(r.NoteKey)
		if err != nil {
			fmt.Printf("%d\t<missing note>\n", r.NoteKey)
			continue
		}
		fmt.Printf("%d\t%d\t%x\n", r.Timestamp, r.NoteKey, rec.ID())
	}
	return nil
}
