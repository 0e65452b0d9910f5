package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ignite/campaign-dispatch/internal/app"
	"github.com/ignite/campaign-dispatch/internal/config"
	"github.com/ignite/campaign-dispatch/internal/pkg/distlock"
	"github.com/ignite/campaign-dispatch/internal/pkg/logger"
	"github.com/ignite/campaign-dispatch/internal/repository/postgres"
)

func main() {
	defer logger.Sync()

	for _, a := range os.Args[1:] {
		if a == "--list" {
			files, err := postgres.Migrations()
			if err != nil {
				logger.Error("[Migrate] list embedded migrations", "error", err)
				os.Exit(1)
			}
			for _, f := range files {
				fmt.Println(" ", f)
			}
			fmt.Printf("Total: %d migrations\n", len(files))
			return
		}
	}

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		logger.Error("[Migrate] DATABASE_URL is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	db, err := app.OpenDB(ctx, config.DatabaseConfig{URL: dsn, MaxOpenConns: 2, MaxIdleConns: 1, ConnMaxLifetimeMinutes: 5})
	if err != nil {
		logger.Error("[Migrate] connect", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("[Migrate] connected to database")

	// one migrator at a time across deploys
	var applied int
	err = distlock.Run(ctx, distlock.NewPGAdvisoryLock(db, "campaign-dispatch:migrate"), func(ctx context.Context) error {
		var merr error
		applied, merr = postgres.Migrate(ctx, db)
		return merr
	})
	if err != nil {
		logger.Error("[Migrate] failed", "applied", applied, "error", err)
		os.Exit(1)
	}
	logger.Info("[Migrate] migrations complete", "applied", applied)
}
