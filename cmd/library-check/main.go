// Command library-check opens a library, reads every stored data item and
// brings every buffer back through the data reference protocol. It exits
// non-zero when an item cannot be read, a reference does not resolve or a
// buffer cannot be loaded.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"imagecore/internal/config"
	"imagecore/internal/library"
	"imagecore/internal/logging"
)

var exitFunc = os.Exit

func main() {
	code := cli(os.Args[1:], os.Stdout, os.Stderr)
	exitFunc(code)
}

// stringKeys are the config keys exposed as string flags.
var stringKeys = []string{
	"storage.driver",
	"storage.sqlite_path",
	"storage.postgres_dsn",
	"blob.driver",
	"blob.fs_root",
	"blob.s3.bucket",
	"blob.s3.region",
	"blob.s3.endpoint",
	"cache.driver",
	"cache.sqlite_path",
	"log.level",
}

func cli(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("library-check", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to a yaml, toml or json config file")
	for _, key := range stringKeys {
		fs.String(config.FlagName(key), "", "overrides "+key)
	}
	fs.Bool(config.FlagName("blob.s3.path_style"), false, "overrides blob.s3.path_style")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	opts := []config.Option{config.WithFlags(fs)}
	if *configPath != "" {
		opts = append(opts, config.WithFile(*configPath))
	}
	cfg, err := config.Load(opts...)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "library-check: %v\n", err)
		return 2
	}
	logger, err := logging.New(cfg.Log.Level)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "library-check: %v\n", err)
		return 2
	}
	defer func() { _ = logger.Sync() }()

	res, err := check(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("library check failed", "error", err)
		_, _ = fmt.Fprintf(stderr, "library-check: %v\n", err)
		return 1
	}
	res.print(stdout)
	if !res.ok() {
		return 1
	}
	return 0
}

type result struct {
	items      int
	buffers    int
	readErrs   map[uuid.UUID]error
	unresolved map[uuid.UUID][]uuid.UUID
	loadErrs   map[uuid.UUID]error
}

func (r result) ok() bool {
	return len(r.readErrs) == 0 && len(r.unresolved) == 0 && len(r.loadErrs) == 0
}

func check(ctx context.Context, cfg config.Config, logger logging.Logger) (result, error) {
	lib, err := library.Open(ctx, cfg, library.WithOpenLogger(logger))
	if err != nil {
		return result{}, err
	}
	defer func() { _ = lib.Close() }()

	report, err := lib.Load(ctx)
	if err != nil {
		return result{}, err
	}
	res := result{
		items:      report.Loaded,
		readErrs:   report.Failed,
		unresolved: report.Unresolved,
		loadErrs:   map[uuid.UUID]error{},
	}
	for _, item := range lib.DataItems() {
		for _, s := range item.DataSources() {
			if !s.HasData() {
				continue
			}
			res.buffers++
			if _, err := s.IncrementDataRefCount(); err != nil {
				res.loadErrs[s.UUID()] = err
				continue
			}
			s.DecrementDataRefCount()
		}
	}
	logger.Info("library checked", "items", res.items, "buffers", res.buffers,
		"read_failures", len(res.readErrs), "unresolved", len(res.unresolved), "load_failures", len(res.loadErrs))
	return res, nil
}

func (r result) print(w io.Writer) {
	_, _ = fmt.Fprintf(w, "%d data items, %d buffers\n", r.items, r.buffers)
	for _, id := range sortedIDs(r.readErrs) {
		_, _ = fmt.Fprintf(w, "unreadable item %s: %v\n", id, r.readErrs[id])
	}
	for _, id := range sortedIDs(r.unresolved) {
		_, _ = fmt.Fprintf(w, "item %s references missing items %v\n", id, r.unresolved[id])
	}
	for _, id := range sortedIDs(r.loadErrs) {
		_, _ = fmt.Fprintf(w, "buffer %s: %v\n", id, r.loadErrs[id])
	}
	if r.ok() {
		_, _ = fmt.Fprintln(w, "library check passed.")
	}
}

func sortedIDs[V any](m map[uuid.UUID]V) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}
