package main

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/nimasrn/otp-gateway/internal/config"
	"github.com/nimasrn/otp-gateway/internal/repository"
	"github.com/nimasrn/otp-gateway/migrations"
	"github.com/nimasrn/otp-gateway/pkg/logger"
	"github.com/nimasrn/otp-gateway/pkg/pg"
)

// main.go --env=.env [--dir=./migrations] [--status] [--seed-demo]
// Without --dir the migrations compiled into the binary are used.
func main() {
	if err := config.Load(config.EnvPathFromArgs(os.Args)); err != nil {
		logger.Error("failed to load config", "error", err)
		return
	}
	cfg := config.Get()
	if _, err := logger.Setup(cfg.Logging()); err != nil {
		logger.Error("invalid logging config", "error", err)
	}
	defer logger.Sync()

	fsys, dir := migrationSource()
	if hasFlag("--status") {
		if err := pg.MigrationStatus(cfg.PostgresWrite(), fsys, dir); err != nil {
			logger.Error("migration: error reading status", "error", err)
		}
		return
	}

	if err := pg.Migrate(cfg.PostgresWrite(), fsys, dir); err != nil {
		logger.Error("migration: error running migrations", "error", err)
		return
	}
	logger.Info("migrations applied", "dir", dir)

	if hasFlag("--seed-demo") {
		if err := seedDemo(cfg); err != nil {
			logger.Error("seed: failed", "error", err)
		}
	}
}

// seedDemo creates the demo account with its two well known keys. Running it
// twice is harmless.
func seedDemo(cfg *config.Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := pg.CreateReadWrite(cfg.PostgresRead(), cfg.PostgresWrite(), false)
	if err != nil {
		return err
	}
	accounts := repository.NewAccountRepository(db)

	acc, err := accounts.GetByEmail(ctx, "demo@example.com")
	if errors.Is(err, repository.ErrAccountNotFound) {
		acc, err = accounts.Create(ctx, "demo@example.com", 1000)
	}
	if err != nil {
		return err
	}

	for _, key := range []string{"demo_key", "test123"} {
		if err := accounts.AddAPIKey(ctx, acc.ID, key); err != nil && !errors.Is(err, repository.ErrDuplicateAPIKey) {
			return err
		}
	}

	logger.Info("demo account ready", "account_id", acc.ID, "balance", acc.Balance)
	return nil
}

func hasFlag(name string) bool {
	for _, v := range os.Args[1:] {
		if v == name {
			return true
		}
	}
	return false
}

func migrationSource() (fs.FS, string) {
	for _, v := range os.Args {
		if p, ok := strings.CutPrefix(v, "--dir="); ok {
			return nil, p
		}
	}
	return migrations.FS, "."
}
