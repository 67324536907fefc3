package db

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/iancoleman/strcase"
	pkgerrors "github.com/pkg/errors"
)

//go:embed migrations
var migrations embed.FS

// MigrationsDir is where the migrations for the given driver live, relative
// to the repository root
func MigrationsDir(driver string) string {
	return filepath.Join("db", "migrations", driver)
}

// MigrationStatus is the version and dirtyness of the schema
type MigrationStatus struct {
	Dirty   bool
	Version uint
}

// MigrationFile describes a single embedded migration
type MigrationFile struct {
	Version     uint
	Description string
}

func (d *DB) sourceDriver() (source.Driver, error) {
	return iofs.New(migrations, "migrations/"+d.Driver)
}

func (d *DB) databaseDriver() (database.Driver, error) {
	switch d.Driver {
	case DriverPostgres:
		return postgres.WithInstance(d.DB.DB, &postgres.Config{})
	case DriverSQLite:
		return sqlite3.WithInstance(d.DB.DB, &sqlite3.Config{})
	default:
		return nil, fmt.Errorf("no migration driver for %q", d.Driver)
	}
}

func (d *DB) migrator() (*migrate.Migrate, error) {
	src, err := d.sourceDriver()
	if err != nil {
		return nil, pkgerrors.Wrap(err, "could not read embedded migrations")
	}
	driver, err := d.databaseDriver()
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "could not get %s migration driver", d.Driver)
	}
	// the database driver owns our connection, so the migrator is never
	// closed. closing it would close d as well
	return migrate.NewWithInstance("iofs", src, d.Driver, driver)
}

// MigrationStatus returns the migrations version number and dirtyness. An
// unmigrated database reports version 0.
func (d *DB) MigrationStatus() (MigrationStatus, error) {
	m, err := d.migrator()
	if err != nil {
		return MigrationStatus{}, err
	}

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return MigrationStatus{}, nil
	}
	if err != nil {
		return MigrationStatus{}, err
	}
	return MigrationStatus{
		Dirty:   dirty,
		Version: version,
	}, nil
}

// MigrateUp migrates everything up. Being up to date is not an error.
func (d *DB) MigrateUp() error {
	log.WithField("driver", d.Driver).Info("Migrating up")
	m, err := d.migrator()
	if err != nil {
		log.WithError(err).Error("Could not get migration instance")
		return err
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Info("No migrations applied")
			return nil
		}
		log.WithError(err).Error("Could not migrate up")
		return fmt.Errorf("could not migrate up: %w", err)
	}

	log.Info("Successfully migrated up")
	return nil
}

// MigrateDown migrates down the given number of steps
func (d *DB) MigrateDown(steps int) error {
	if steps < 1 {
		return fmt.Errorf("steps must be positive, got %d", steps)
	}
	m, err := d.migrator()
	if err != nil {
		return err
	}
	return m.Steps(-steps)
}

// MigrateToVersion migrates up or down until the schema is at version
func (d *DB) MigrateToVersion(version uint) error {
	m, err := d.migrator()
	if err != nil {
		return err
	}
	if err := m.Migrate(version); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// ForceVersion sets the schema version without running migrations, and
// clears the dirty flag
func (d *DB) ForceVersion(version int) error {
	m, err := d.migrator()
	if err != nil {
		return err
	}
	return m.Force(version)
}

// Drop drops every table in the database
func (d *DB) Drop() error {
	m, err := d.migrator()
	if err != nil {
		log.WithError(err).Error("Could not get migrator")
		return err
	}
	return m.Drop()
}

// ListVersions lists the embedded migrations for the driver in order
func (d *DB) ListVersions() ([]MigrationFile, error) {
	src, err := d.sourceDriver()
	if err != nil {
		return nil, err
	}
	defer func() { _ = src.Close() }()

	var files []MigrationFile
	version, err := src.First()
	for err == nil {
		_, identifier, readErr := src.ReadUp(version)
		if readErr != nil {
			return nil, readErr
		}
		files = append(files, MigrationFile{
			Version:     version,
			Description: strings.ReplaceAll(identifier, "_", " "),
		})
		version, err = src.Next(version)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	return files, nil
}

func newMigrationFile(filePath string) error {
	file, err := os.Create(filePath)
	if err != nil {
		return pkgerrors.Wrap(err, "could not create new file")
	}
	return file.Close()
}

// CreateMigration creates a new pair of empty migration files in dir,
// returning the name shared by the pair. New files are embedded on the next
// build.
func CreateMigration(dir, migrationText string) (string, error) {
	if migrationText == "" {
		return "", errors.New("migration text cannot be empty")
	}
	migrationTime := time.Now().UTC().Format("20060102150405")
	name := migrationTime + "_" + strcase.ToSnake(migrationText)

	for _, direction := range []string{"up", "down"} {
		fileName := filepath.Join(dir, fmt.Sprintf("%s.%s.sql", name, direction))
		if err := newMigrationFile(fileName); err != nil {
			return "", err
		}
	}
	return name, nil
}
