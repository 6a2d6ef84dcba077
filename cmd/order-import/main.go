// Command order-import synchronizes orders from gzip-compressed JSON-lines
// dumps into the target system over one shared automation session.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/xenking/ordersync/internal/docsync"
	"github.com/xenking/ordersync/internal/domain/journal"
	"github.com/xenking/ordersync/internal/pricing"
	"github.com/xenking/ordersync/internal/session"
	"github.com/xenking/ordersync/internal/storage/postgres"
	"github.com/xenking/ordersync/internal/target"
	"github.com/xenking/ordersync/internal/target/bridge"
)

// batchSettings disables the idle watchdog: the batch releases the session
// itself when done.
type batchSettings struct {
	creds target.Credentials
}

func (batchSettings) IdleTimeoutMinutes() int { return 0 }

func (s batchSettings) SessionCredentials() target.Credentials { return s.creds }

func main() {
	var (
		pattern     string
		databaseURL string
		bridgeURL   string
		creds       target.Credentials
		timeout     time.Duration
		dryRun      bool
	)

	flag.StringVar(&pattern, "files", "data/orders*.jsonl.gz", "glob of gzip-compressed JSON-lines order dumps")
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&bridgeURL, "target-url", os.Getenv("ORDERSYNC_TARGET_URL"), "automation bridge base URL")
	flag.StringVar(&creds.Operator, "operator", os.Getenv("ORDERSYNC_TARGET_OPERATOR"), "target system operator")
	flag.StringVar(&creds.Password, "password", os.Getenv("ORDERSYNC_TARGET_PASSWORD"), "target system operator password")
	flag.StringVar(&creds.Database, "database", os.Getenv("ORDERSYNC_TARGET_DATABASE"), "target system database name")
	flag.DurationVar(&timeout, "timeout", time.Minute, "bridge request timeout")
	flag.BoolVar(&dryRun, "dry-run", false, "decode and plan only, do not touch the target system")
	flag.Parse()

	lg, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" && !dryRun {
		lg.Fatal("Database URL is required: set --database-url or DATABASE_URL")
	}
	if bridgeURL == "" && !dryRun {
		lg.Fatal("Target URL is required: set --target-url or ORDERSYNC_TARGET_URL")
	}

	files, err := filepath.Glob(pattern)
	if err != nil {
		lg.Fatal("Bad file pattern", zap.String("pattern", pattern), zap.Error(err))
	}
	if len(files) == 0 {
		lg.Fatal("No dump files matched", zap.String("pattern", pattern))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, lg, files, databaseURL, bridgeURL, creds, timeout, dryRun); err != nil {
		lg.Fatal("Order import failed", zap.Error(err))
	}
	lg.Info("Order import completed")
}

func run(
	ctx context.Context,
	lg *zap.Logger,
	files []string,
	databaseURL, bridgeURL string,
	creds target.Credentials,
	timeout time.Duration,
	dryRun bool,
) error {
	lg.Info("Reading dumps", zap.Int("files", len(files)))
	orders, err := readDumps(ctx, lg, files)
	if err != nil {
		return errors.Wrap(err, "read dumps")
	}
	lg.Info("Dumps decoded", zap.Int("orders", len(orders)))

	planner := pricing.NewPlanner(pricing.DefaultFeeCatalog())
	if dryRun {
		for _, o := range orders {
			plan := planner.BuildPlan(o)
			lg.Info("Planned",
				zap.String("order", o.ID),
				zap.Int("lines", len(plan.Lines)),
				zap.Int("skipped", len(plan.Skipped)),
				zap.String("coupon_percent", plan.CouponPercent.StringFixed(2)),
			)
		}
		return nil
	}

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	seen := journal.NewSeenFilter(postgres.NewJournalRepository(pool))
	if _, err := seen.Warm(ctx); err != nil {
		return errors.Wrap(err, "warm journal filter")
	}

	sessions := session.NewManager(
		bridge.New(bridgeURL, timeout, bridge.WithLogger(lg.Named("bridge"))),
		batchSettings{creds: creds},
		session.WithLogger(lg.Named("session")),
	)
	defer sessions.Release(context.WithoutCancel(ctx), session.ReasonShutdown)

	svc := docsync.NewService(planner, sessions,
		docsync.WithJournal(seen),
		docsync.WithLogger(lg.Named("docsync")),
	)

	stats, err := importOrders(ctx, lg, svc, seen, orders)
	lg.Info("Import summary",
		zap.Int("synced", stats.ok),
		zap.Int("partial", stats.partial),
		zap.Int("failed", stats.failed),
		zap.Int("already_synced", stats.skipped),
	)
	return err
}
