// Command flare is a thin CLI over the storage engine: put, get, and
// delete against a single data directory.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/flarekv/flare/engine"
	"github.com/flarekv/flare/wal"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd := os.Args[1]

	fs := flag.NewFlagSet("flare", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	dir := fs.String("dir", "data", "data directory (WAL + SSTables live here)")
	flushBytes := fs.Int("flush-bytes", 0, "memtable flush threshold in bytes (0 uses the default)")
	strategy := fs.String("compaction", "leveled", "compaction strategy: leveled or tiered")
	fsync := fs.String("fsync", "per_record", "WAL fsync policy: off, per_record, or interval:<ms>")
	verbose := fs.Bool("verbose", false, "log engine events to stderr")

	if err := fs.Parse(os.Args[2:]); err != nil {
		os.Exit(2)
	}
	args := fs.Args()

	var opts []engine.Option
	if *flushBytes > 0 {
		opts = append(opts, engine.WithMemtableFlushBytes(*flushBytes))
	}
	strat, err := engine.ParseStrategy(*strategy)
	if err != nil {
		fatal(err)
	}
	opts = append(opts, engine.WithCompactionStrategy(strat))

	policy, err := wal.ParseFsyncPolicy(*fsync)
	if err != nil {
		fatal(err)
	}
	opts = append(opts, engine.WithFsyncPolicy(policy))

	if *verbose {
		opts = append(opts, engine.WithStderrLogging())
	}

	db, err := engine.Open(*dir, opts...)
	if err != nil {
		fatal(err)
	}
	defer func() { _ = db.Close() }()

	ctx := context.Background()

	switch cmd {
	case "put":
		if len(args) != 2 {
			usage()
			os.Exit(2)
		}
		if err := db.Set(ctx, []byte(args[0]), []byte(args[1])); err != nil {
			fatal(err)
		}
		fmt.Println("ok")
	case "get":
		if len(args) != 1 {
			usage()
			os.Exit(2)
		}
		v, ok, err := db.Get([]byte(args[0]))
		if err != nil {
			fatal(err)
		}
		if !ok {
			fmt.Println("(not found)")
			os.Exit(1)
		}
		fmt.Println(string(v))
	case "del":
		if len(args) != 1 {
			usage()
			os.Exit(2)
		}
		if err := db.Delete(ctx, []byte(args[0])); err != nil {
			fatal(err)
		}
		fmt.Println("ok")
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  flare [flags] put <key> <value>")
	fmt.Fprintln(os.Stderr, "  flare [flags] get <key>")
	fmt.Fprintln(os.Stderr, "  flare [flags] del <key>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Flags:")
	fmt.Fprintln(os.Stderr, "  -dir          data directory (default: data)")
	fmt.Fprintln(os.Stderr, "  -flush-bytes  memtable flush threshold in bytes")
	fmt.Fprintln(os.Stderr, "  -compaction   leveled or tiered (default: leveled)")
	fmt.Fprintln(os.Stderr, "  -fsync        off, per_record, or interval:<ms> (default: per_record)")
	fmt.Fprintln(os.Stderr, "  -verbose      log engine events to stderr")
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}
