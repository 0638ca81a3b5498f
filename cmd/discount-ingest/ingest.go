package main

import (
	"bufio"
	"context"
	"log/slog"
	"math/bits"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-checkout/internal/domain/discount"
)

const (
	bloomFPR      = 0.001
	maxFiles      = bits.UintSize
	progressEvery = 1_000_000
)

// Stats summarises one ingest run.
type Stats struct {
	Written   int
	Conflicts int
	Invalid   int
}

type ingester struct {
	files     []string
	expected  uint
	batchSize int
	upsert    func(ctx context.Context, rules []discount.Rule) error
}

// Run makes three passes: per-file bloom filters, exact cross-file
// duplicate detection among bloom candidates, then batched upserts of the
// codes defined in exactly one file.
func (in *ingester) Run(ctx context.Context) (Stats, error) {
	var stats Stats

	slog.Info("pass 1: building bloom filters", slog.Int("files", len(in.files)))
	filters, invalid, err := in.buildFilters(ctx)
	if err != nil {
		return stats, errors.Wrap(err, "build bloom filters")
	}
	stats.Invalid = invalid

	slog.Info("pass 2: finding cross-file duplicates")
	conflicts, err := in.findConflicts(ctx, filters)
	if err != nil {
		return stats, errors.Wrap(err, "find conflicts")
	}
	stats.Conflicts = len(conflicts)
	for code := range conflicts {
		slog.Warn("conflicting discount code skipped", slog.String("code", code))
	}

	slog.Info("pass 3: writing discount codes")
	written, err := in.write(ctx, conflicts)
	if err != nil {
		return stats, errors.Wrap(err, "write discount codes")
	}
	stats.Written = written
	return stats, nil
}

func (in *ingester) buildFilters(ctx context.Context) ([]*bloom.BloomFilter, int, error) {
	filters := make([]*bloom.BloomFilter, len(in.files))
	invalid := make([]int, len(in.files))

	g, ctx := errgroup.WithContext(ctx)
	for i, path := range in.files {
		g.Go(func() error {
			filter := bloom.NewWithEstimates(in.expected, bloomFPR)
			var count int
			err := streamRules(ctx, path, func(rule discount.Rule) {
				filter.AddString(rule.Code)
				count++
				if count%progressEvery == 0 {
					slog.Info("pass 1 progress", slog.String("file", path), slog.Int("codes", count))
				}
			}, func(line int, err error) {
				invalid[i]++
				slog.Debug("invalid line", slog.String("file", path), slog.Int("line", line), slog.String("error", err.Error()))
			})
			if err != nil {
				return err
			}
			slog.Info("pass 1 complete", slog.String("file", path), slog.Int("codes", count))
			filters[i] = filter
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	var total int
	for _, n := range invalid {
		total += n
	}
	return filters, total, nil
}

// findConflicts returns codes present in two or more files. A bloom hit in
// another file only nominates a candidate; the file bitmask is exact.
func (in *ingester) findConflicts(ctx context.Context, filters []*bloom.BloomFilter) (map[string]struct{}, error) {
	var mu sync.Mutex
	masks := make(map[string]uint)

	g, gctx := errgroup.WithContext(ctx)
	for i, path := range in.files {
		g.Go(func() error {
			fileBit := uint(1) << uint(i)
			local := make(map[string]uint)
			err := streamRules(gctx, path, func(rule discount.Rule) {
				for j, f := range filters {
					if j != i && f.TestString(rule.Code) {
						local[rule.Code] |= fileBit
						return
					}
				}
			}, nil)
			if err != nil {
				return err
			}

			mu.Lock()
			for code, mask := range local {
				masks[code] |= mask
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	conflicts := make(map[string]struct{})
	for code, mask := range masks {
		if bits.OnesCount(mask) >= 2 {
			conflicts[code] = struct{}{}
		}
	}
	return conflicts, nil
}

func (in *ingester) write(ctx context.Context, conflicts map[string]struct{}) (int, error) {
	var (
		written  int
		flushErr error
	)
	batch := make([]discount.Rule, 0, in.batchSize)
	flush := func() {
		if len(batch) == 0 || flushErr != nil {
			return
		}
		if err := in.upsert(ctx, batch); err != nil {
			flushErr = err
			return
		}
		written += len(batch)
		batch = batch[:0]
	}

	for _, path := range in.files {
		err := streamRules(ctx, path, func(rule discount.Rule) {
			if _, skip := conflicts[rule.Code]; skip || flushErr != nil {
				return
			}
			batch = append(batch, rule)
			if len(batch) >= in.batchSize {
				flush()
			}
		}, nil)
		if err != nil {
			return written, err
		}
	}
	flush()
	if flushErr != nil {
		return written, flushErr
	}
	return written, nil
}

// streamRules calls fn for every valid rule in the gzip file at path and
// onInvalid, when set, for every malformed line.
func streamRules(ctx context.Context, path string, fn func(discount.Rule), onInvalid func(line int, err error)) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	scanner := bufio.NewScanner(gz)
	var line int
	for scanner.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return err
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		rule, err := parseRule(text)
		if err != nil {
			if onInvalid != nil {
				onInvalid(line, err)
			}
			continue
		}
		fn(rule)
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "scan %s", path)
	}
	return nil
}

// parseRule parses code,type,value,max_discount,min_amount,max_uses.
// Trailing columns may be omitted.
func parseRule(line string) (discount.Rule, error) {
	cols := strings.Split(line, ",")
	if len(cols) < 3 || len(cols) > 6 {
		return discount.Rule{}, errors.Errorf("want 3 to 6 columns, got %d", len(cols))
	}
	for i := range cols {
		cols[i] = strings.TrimSpace(cols[i])
	}
	for len(cols) < 6 {
		cols = append(cols, "")
	}

	rule := discount.Rule{
		Code:   strings.ToUpper(cols[0]),
		Type:   discount.Type(strings.ToLower(cols[1])),
		Active: true,
	}
	if rule.Code == "" {
		return discount.Rule{}, errors.New("empty code")
	}
	if !rule.Type.Valid() {
		return discount.Rule{}, errors.Errorf("unknown type %q", cols[1])
	}

	var err error
	if rule.Value, err = parseAmount(cols[2]); err != nil {
		return discount.Rule{}, errors.Wrap(err, "value")
	}
	if rule.Type == discount.TypePercentage && rule.Value.GreaterThan(decimal.NewFromInt(100)) {
		return discount.Rule{}, errors.New("percentage above 100")
	}
	if rule.MaxDiscount, err = parseAmount(cols[3]); err != nil {
		return discount.Rule{}, errors.Wrap(err, "max_discount")
	}
	if rule.MinAmount, err = parseAmount(cols[4]); err != nil {
		return discount.Rule{}, errors.Wrap(err, "min_amount")
	}
	if cols[5] != "" {
		if rule.MaxUses, err = strconv.Atoi(cols[5]); err != nil || rule.MaxUses < 0 {
			return discount.Rule{}, errors.Errorf("invalid max_uses %q", cols[5])
		}
	}
	return rule, nil
}

func parseAmount(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, err
	}
	if d.IsNegative() {
		return decimal.Zero, errors.New("negative amount")
	}
	return d, nil
}
