package main

import (
	"context"
	"log"
	"log/slog"
	"os"

	"github.com/ksdme/mta/internal/config"
	"github.com/ksdme/mta/internal/models"
	"github.com/ksdme/mta/internal/utils"
)

func main() {
	if config.Core.Debug {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	db, err := utils.OpenDB(config.Core.DBURI)
	if err != nil {
		log.Panicf("%v", err)
	}
	defer db.Close()

	ctx := context.Background()
	// TODO: This will create tables with the latest schema. This will not work if
	// the database is already on an older version of the schema. We need to actually
	// support some sort of incremental migration.
	// https://bun.uptrace.dev/guide/migrations.html
	if err := models.CreateTables(ctx, db); err != nil {
		log.Panicf("could not create tables: %v", err)
	}
	slog.Info("created tables")

	if config.Core.SeedFile == "" {
		return
	}

	file, err := os.Open(config.Core.SeedFile)
	if err != nil {
		log.Panicf("could not open seed file: %v", err)
	}
	defer file.Close()

	seed, err := parseSeed(file)
	if err != nil {
		log.Panicf("%v", err)
	}
	if err := applySeed(ctx, db, seed); err != nil {
		log.Panicf("%v", err)
	}
}
