package main

import (
	"bufio"
	"context"
	"os"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	pgzip "github.com/klauspost/pgzip"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/ordersync/internal/docsync"
	"github.com/xenking/ordersync/internal/domain/order"
	"github.com/xenking/ordersync/internal/storefront"
)

const (
	maxLineSize   = 4 << 20
	progressEvery = 1000
)

type synchronizer interface {
	Synchronize(ctx context.Context, o *order.Order) *docsync.SyncResult
}

type syncedChecker interface {
	Synced(ctx context.Context, orderID string) (bool, error)
}

type importStats struct {
	ok, partial, failed, skipped int
}

// readDumps decodes every file concurrently and returns the orders in file
// then line order. Malformed lines are logged and skipped.
func readDumps(ctx context.Context, lg *zap.Logger, files []string) ([]*order.Order, error) {
	perFile := make([][]*order.Order, len(files))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, path := range files {
		g.Go(func() error {
			orders, err := readDump(ctx, lg, path)
			if err != nil {
				return errors.Wrapf(err, "read %s", path)
			}
			perFile[i] = orders
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []*order.Order
	for _, orders := range perFile {
		all = append(all, orders...)
	}
	return all, nil
}

func readDump(ctx context.Context, lg *zap.Logger, path string) ([]*order.Order, error) {
	var (
		orders []*order.Order
		bad    int
	)
	err := streamGzFile(ctx, path, func(lineNo int, line []byte) {
		o, err := storefront.DecodeOrder(jx.DecodeBytes(line))
		if err != nil {
			bad++
			lg.Warn("Skipping malformed order",
				zap.String("file", path),
				zap.Int("line", lineNo),
				zap.Error(err),
			)
			return
		}
		orders = append(orders, o)
	})
	if err != nil {
		return nil, err
	}
	lg.Info("Dump decoded",
		zap.String("file", path),
		zap.Int("orders", len(orders)),
		zap.Int("malformed", bad),
	)
	return orders, nil
}

// streamGzFile opens a gzip-compressed file and calls fn for each non-empty
// line. The line slice is only valid during the call.
func streamGzFile(ctx context.Context, path string, fn func(lineNo int, line []byte)) error {
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
	scanner.Buffer(make([]byte, 0, 64<<10), maxLineSize)
	lineNo := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		lineNo++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		fn(lineNo, scanner.Bytes())
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "scan %s", path)
	}
	return nil
}

// importOrders synchronizes orders one at a time. Orders already in the
// journal are skipped. A session that cannot be created aborts the batch.
func importOrders(
	ctx context.Context,
	lg *zap.Logger,
	svc synchronizer,
	seen syncedChecker,
	orders []*order.Order,
) (importStats, error) {
	var stats importStats
	for i, o := range orders {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		synced, err := seen.Synced(ctx, o.ID)
		if err != nil {
			return stats, errors.Wrapf(err, "check order %q", o.ID)
		}
		if synced {
			stats.skipped++
			continue
		}

		res := svc.Synchronize(ctx, o)
		switch res.Status {
		case docsync.StatusOK:
			stats.ok++
		case docsync.StatusPartialFailure:
			stats.partial++
		case docsync.StatusSessionUnavailable:
			stats.failed++
			return stats, errors.Errorf("abort batch at order %q: %s", o.ID, res.Reason)
		default:
			stats.failed++
		}

		if (i+1)%progressEvery == 0 {
			lg.Info("Import progress", zap.Int("processed", i+1), zap.Int("total", len(orders)))
		}
	}
	return stats, nil
}
