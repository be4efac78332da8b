package storage

import (
	"context"
	"database/sql"
	"embed"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const migrationsTable = "schema_migrations"

// migrationLogger adapts zap to the golang-migrate logger.
type migrationLogger struct {
	*zap.SugaredLogger
}

func (l migrationLogger) Printf(format string, v ...any) {
	l.Infof(strings.TrimSpace(format), v...)
}

func (l migrationLogger) Verbose() bool { return false }

// MigrationFiles lists the embedded migration file names.
func MigrationFiles() ([]string, error) {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return nil, errors.Wrap(err, "read migration directory")
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

type migrationDirection int

const (
	migrateUp migrationDirection = iota
	migrateDown
)

// runMigrations applies (or reverts) the embedded migrations on a dedicated
// connection so that closing the migrator leaves db open.
func runMigrations(ctx context.Context, db *sql.DB, logger *zap.Logger, dir migrationDirection) (err error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return errors.Wrap(err, "acquire migration connection")
	}
	driver, err := postgres.WithConnection(ctx, conn, &postgres.Config{MigrationsTable: migrationsTable})
	if err != nil {
		_ = conn.Close()
		return errors.Wrap(err, "initialize postgres migration driver")
	}
	defer func() {
		if closeErr := driver.Close(); err == nil && closeErr != nil {
			err = errors.Wrap(closeErr, "close migration connection")
		}
	}()

	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return errors.Wrap(err, "load migrations")
	}
	defer func() {
		if closeErr := source.Close(); err == nil && closeErr != nil {
			err = errors.Wrap(closeErr, "close migration source")
		}
	}()

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return errors.Wrap(err, "create migrator")
	}
	migrator.Log = migrationLogger{logger.Sugar()}

	version, dirty, err := migrator.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		logger.Info("no migrations applied yet")
	case err != nil:
		return errors.Wrap(err, "read migration version")
	default:
		logger.Info("current migration state", zap.Uint("version", version), zap.Bool("dirty", dirty))
	}
	if dirty {
		logger.Warn("database is dirty, forcing version", zap.Uint("version", version))
		if err := migrator.Force(int(version)); err != nil {
			return errors.Wrapf(err, "force version %d", version)
		}
	}

	if dir == migrateDown {
		err = migrator.Down()
	} else {
		err = migrator.Up()
	}
	if errors.Is(err, migrate.ErrNoChange) {
		logger.Info("no migrations to apply")
		return nil
	}
	if err != nil {
		logger.Error("migration failed", zap.Error(err))
		return errors.Wrap(err, "apply migrations")
	}

	if v, _, verr := migrator.Version(); verr == nil {
		logger.Info("migrations applied", zap.Uint("version", v))
	} else {
		logger.Info("migrations reverted")
	}
	return nil
}
