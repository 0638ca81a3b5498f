// Command discount-ingest imports externally managed discount codes from
// gzip-compressed CSV files. Codes defined in more than one file are
// conflicts and are skipped.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/go-faster/errors"

	"github.com/xenking/kart-checkout/internal/domain/discount"
	"github.com/xenking/kart-checkout/internal/storage/postgres"
)

func main() {
	var (
		pattern     string
		databaseURL string
		batchSize   int
		expected    uint
	)

	flag.StringVar(&pattern, "files", "data/discounts*.gz", "glob of gzip CSV files (code,type,value,max_discount,min_amount,max_uses)")
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.IntVar(&batchSize, "batch-size", 1000, "codes upserted per transaction")
	flag.UintVar(&expected, "expected-codes", 1_000_000, "expected codes per file, sizes the bloom filters")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, pattern, databaseURL, batchSize, expected); err != nil {
		slog.Error("discount ingest failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("discount ingest completed successfully")
}

func run(ctx context.Context, pattern, databaseURL string, batchSize int, expected uint) error {
	files, err := filepath.Glob(pattern)
	if err != nil {
		return errors.Wrap(err, "expand file pattern")
	}
	if len(files) == 0 {
		return errors.Errorf("no files match %q", pattern)
	}
	if len(files) > maxFiles {
		return errors.Errorf("at most %d files per run, got %d", maxFiles, len(files))
	}

	slog.Info("connecting to database")
	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	repo := postgres.NewDiscountRepository(pool)
	ing := &ingester{
		files:     files,
		expected:  expected,
		batchSize: batchSize,
		upsert: func(ctx context.Context, rules []discount.Rule) error {
			return repo.Upsert(ctx, rules)
		},
	}
	stats, err := ing.Run(ctx)
	if err != nil {
		return err
	}
	slog.Info("ingest summary",
		slog.Int("files", len(files)),
		slog.Int("written", stats.Written),
		slog.Int("conflicts", stats.Conflicts),
		slog.Int("invalid_lines", stats.Invalid),
	)
	return nil
}
