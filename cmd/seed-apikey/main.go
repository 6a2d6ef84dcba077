package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xenking/ordersync/internal/domain/auth"
	"github.com/xenking/ordersync/internal/storage/postgres"
)

func main() {
	var (
		databaseURL  string
		apiKey       string
		apiKeyPepper string
		keyID        string
		name         string
		scopes       string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&apiKey, "api-key", "", "API key to seed (or ORDERSYNC_SEED_API_KEY env)")
	flag.StringVar(&apiKeyPepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or ORDERSYNC_API_KEY_PEPPER env)")
	flag.StringVar(&keyID, "id", "", "key id; generated when empty, reuse to rotate a key")
	flag.StringVar(&name, "name", "default", "human readable key name")
	flag.StringVar(&scopes, "scopes", strings.Join([]string{auth.ScopeRead, auth.ScopeSync, auth.ScopeSession}, ","),
		"comma separated scopes")
	flag.Parse()

	lg, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		lg.Fatal("Database URL is required: set --database-url or DATABASE_URL")
	}
	if apiKey == "" {
		apiKey = os.Getenv("ORDERSYNC_SEED_API_KEY")
	}
	if apiKey == "" {
		lg.Fatal("API key is required: set --api-key or ORDERSYNC_SEED_API_KEY")
	}
	if apiKeyPepper == "" {
		apiKeyPepper = os.Getenv("ORDERSYNC_API_KEY_PEPPER")
	}
	if keyID == "" {
		keyID = uuid.NewString()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	info := auth.APIKeyInfo{
		ID:      keyID,
		KeyHash: auth.HashKey([]byte(apiKeyPepper), apiKey),
		Name:    name,
		Scopes:  parseScopes(scopes),
	}
	if err := run(ctx, lg, databaseURL, info); err != nil {
		lg.Fatal("Seed failed", zap.Error(err))
	}
	lg.Info("API key seeded", zap.String("id", info.ID), zap.Strings("scopes", info.Scopes))
}

func run(ctx context.Context, lg *zap.Logger, databaseURL string, info auth.APIKeyInfo) error {
	lg.Info("Connecting to database")
	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}
	if err := postgres.NewAPIKeyRepository(pool).Upsert(ctx, info); err != nil {
		return errors.Wrap(err, "seed api key")
	}
	return nil
}

func parseScopes(s string) []string {
	var out []string
	for _, scope := range strings.Split(s, ",") {
		if scope = strings.TrimSpace(scope); scope != "" {
			out = append(out, scope)
		}
	}
	return out
}
