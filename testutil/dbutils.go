package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"gitlab.com/useghost/settle/db"
	"gitlab.com/useghost/settle/util"
)

// GetDatabaseConfig returns a DB config suitable for testing purposes. The
// given argument is added to the name of the database. Tests run against a
// sqlite file unless DATABASE_DRIVER says otherwise.
func GetDatabaseConfig(name string) db.DatabaseConfig {
	driver := util.GetEnvOrElse("DATABASE_DRIVER", db.DriverSQLite)
	if driver == db.DriverPostgres {
		return db.DatabaseConfig{
			Driver:   db.DriverPostgres,
			User:     util.GetEnvOrElse("DATABASE_USER", "settle_test"),
			Password: util.GetEnvOrElse("DATABASE_PASSWORD", "password"),
			Port:     util.GetDatabasePort(),
			Host:     util.GetEnvOrElse("DATABASE_HOST", "localhost"),
			Name:     "settle_" + name,
		}
	}
	return db.DatabaseConfig{
		Driver: db.DriverSQLite,
		Path: filepath.Join(os.TempDir(),
			fmt.Sprintf("settle_%s_%s.db", name, uuid.NewString())),
	}
}

// CreateIfNotExists creates a new postgres database from the given config if
// it does not exist. sqlite creates its files on demand.
func CreateIfNotExists(conf db.DatabaseConfig) error {
	if conf.Driver != db.DriverPostgres {
		return nil
	}
	rootConfig := db.DatabaseConfig{
		Driver:   db.DriverPostgres,
		User:     util.GetEnvOrElse("DATABASE_ROOT_USER", "postgres"),
		Password: util.GetEnvOrElse("DATABASE_ROOT_PASSWORD", "postgres"),
		Host:     conf.Host,
		Port:     conf.Port,
		Name:     "postgres",
	}

	database, err := db.Open(rootConfig)
	if err != nil {
		return errors.Wrap(err, "couldn't connect to root Postgres DB")
	}
	defer func() { _ = database.Close() }()

	var exists bool
	if err := database.Get(&exists,
		"SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)", conf.Name); err != nil {
		return errors.Wrap(err, "couldn't query pg_database")
	}
	if exists {
		return nil
	}

	if _, err = database.Exec(fmt.Sprintf("CREATE DATABASE %s", conf.Name)); err != nil {
		return errors.Wrap(err, "cannot create database")
	}
	_, err = database.Exec(fmt.Sprintf(
		"GRANT ALL PRIVILEGES ON DATABASE %s TO %s", conf.Name, conf.User))
	return errors.Wrap(err, "cannot grant privileges to test user")
}

// InitDatabase opens the database for the given config, wipes it and
// applies all migrations
func InitDatabase(config db.DatabaseConfig) (*db.DB, error) {
	if err := CreateIfNotExists(config); err != nil {
		return nil, err
	}
	testDB, err := db.Open(config)
	if err != nil {
		return nil, errors.Wrap(err, "could not open test database")
	}

	if err = testDB.Drop(); err != nil {
		return nil, errors.Wrap(err, "could not drop test database")
	}

	if err = testDB.MigrateUp(); err != nil {
		return nil, errors.Wrap(err, "could not migrate test database")
	}

	return testDB, nil
}

// NewTestDatabase gives the calling test its own migrated database, which is
// closed and removed when the test finishes
func NewTestDatabase(t *testing.T) *db.DB {
	t.Helper()
	config := GetDatabaseConfig(SanitizedName(t))
	testDB, err := InitDatabase(config)
	if err != nil {
		FatalMsgf(t, "%+v", err)
	}
	t.Cleanup(func() {
		_ = testDB.Close()
		if config.Path != "" {
			_ = os.Remove(config.Path)
		}
	})
	return testDB
}
