// cmd/migrate applies the *.up.sql files in migrations/ to the registry's
// log database. It reads database.url from the same configs/registry.yaml
// and environment as the registry, and records applied versions in a
// golang-migrate compatible schema_migrations table.
//
// Usage:
//
//	go run ./cmd/migrate
//	DATABASE_URL=postgres://... go run ./cmd/migrate
//	MIGRATIONS_DIR=/srv/registry/migrations go run ./cmd/migrate
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// migrateLockKey serialises concurrent migrators.
const migrateLockKey = 0x77697430

type migration struct {
	version int64
	file    string
}

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("migrate failed", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	viper.SetConfigName("registry")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")
	viper.AddConfigPath(".")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	viper.SetDefault("migrations.dir", "migrations")
	_ = viper.BindEnv("migrations.dir", "MIGRATIONS_DIR")

	if err := viper.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}

	dbURL := viper.GetString("database.url")
	if dbURL == "" {
		return errors.New("database.url is empty; an in-memory registry has nothing to migrate")
	}
	dir := viper.GetString("migrations.dir")

	pending, err := readMigrations(dir)
	if err != nil {
		return err
	}

	ctx := context.Background()
	db, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer db.Close()

	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("connected to postgres", zap.String("migrations", dir))

	if _, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version bigint NOT NULL,
			dirty   boolean NOT NULL,
			PRIMARY KEY (version)
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := 0
	for _, m := range pending {
		ok, err := apply(ctx, db, dir, m)
		if err != nil {
			return fmt.Errorf("apply %s: %w", m.file, err)
		}
		if !ok {
			logger.Info("skip migration", zap.String("file", m.file))
			continue
		}
		logger.Info("applied migration", zap.String("file", m.file), zap.Int64("version", m.version))
		applied++
	}

	logger.Info("migrations complete", zap.Int("applied", applied), zap.Int("total", len(pending)))
	return nil
}

// readMigrations lists the up migrations in dir ordered by version.
func readMigrations(dir string) ([]migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	var out []migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".up.sql") {
			continue
		}
		v, err := versionFromFile(e.Name())
		if err != nil {
			return nil, fmt.Errorf("parse version from %s: %w", e.Name(), err)
		}
		out = append(out, migration{version: v, file: e.Name()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// apply runs one migration and its bookkeeping in a single transaction. It
// returns false when the version is already recorded as clean.
func apply(ctx context.Context, db *pgxpool.Pool, dir string, m migration) (bool, error) {
	sql, err := os.ReadFile(filepath.Join(dir, m.file))
	if err != nil {
		return false, err
	}

	tx, err := db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", migrateLockKey); err != nil {
		return false, fmt.Errorf("acquire migrate lock: %w", err)
	}

	var dirty bool
	err = tx.QueryRow(ctx, "SELECT dirty FROM schema_migrations WHERE version = $1", m.version).Scan(&dirty)
	switch {
	case err == nil && !dirty:
		return false, nil
	case err == nil && dirty:
		// A previous run outside a transaction left it half applied; retry.
	case !errors.Is(err, pgx.ErrNoRows):
		return false, fmt.Errorf("check version: %w", err)
	}

	if _, err := tx.Exec(ctx, string(sql)); err != nil {
		return false, err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO schema_migrations (version, dirty) VALUES ($1, false)
		 ON CONFLICT (version) DO UPDATE SET dirty = false`, m.version,
	); err != nil {
		return false, fmt.Errorf("record version: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// versionFromFile extracts the leading integer from a migration filename.
// "001_transparency_log.up.sql" → 1
func versionFromFile(filename string) (int64, error) {
	prefix, _, ok := strings.Cut(filename, "_")
	if !ok {
		return 0, fmt.Errorf("unexpected filename format")
	}
	return strconv.ParseInt(prefix, 10, 64)
}
