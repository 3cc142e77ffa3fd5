package handlers

import (
	"context"
	"fmt"
	"io"

	"github.com/go-logr/logr"

	"github.com/imamik/tenantplane/internal/logging"
	"github.com/imamik/tenantplane/internal/store/postgres"
)

// Migrator applies schema migrations.
type Migrator interface {
	Migrate(ctx context.Context, log logr.Logger) ([]string, error)
	Close()
}

var openMigrator = func(ctx context.Context, url string, maxConns int32) (Migrator, error) {
	return postgres.Open(ctx, url, maxConns)
}

// Migrate applies pending migrations to the control plane database and
// lists the applied ones on out.
func Migrate(ctx context.Context, configPath string, out io.Writer) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	log, flush, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer flush()

	db, err := openMigrator(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	applied, err := db.Migrate(ctx, log)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	if len(applied) == 0 {
		_, err = fmt.Fprintln(out, "database is up to date")
		return err
	}
	for _, name := range applied {
		if _, err := fmt.Fprintf(out, "applied %s\n", name); err != nil {
			return err
		}
	}
	return nil
}
