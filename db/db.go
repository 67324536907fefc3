package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"           // postgres driver
	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/sirupsen/logrus"

	"gitlab.com/useghost/settle/build"
)

var log = build.AddSubLogger("DB")

const (
	// DriverPostgres is the driver name used for production deployments
	DriverPostgres = "postgres"
	// DriverSQLite is the driver name used for single host deployments and
	// tests
	DriverSQLite = "sqlite3"

	defaultPingTimeout = 5 * time.Second
)

// ErrStoreConnection means the deposit store could not be opened or did not
// answer. A run that hits this has nothing to reconcile against and must
// abort before touching any record.
var ErrStoreConnection = errors.New("could not connect to deposit store")

// DatabaseConfig has all the values we need to connect to a DB
type DatabaseConfig struct {
	// Driver is either DriverPostgres or DriverSQLite. Empty means postgres
	Driver string

	User     string
	Password string
	Host     string
	Port     int
	// The name of the DB to connect to
	Name    string
	SSLMode string

	// Path is the database file, only used with DriverSQLite
	Path string

	// PingTimeout bounds the connectivity check done when opening
	PingTimeout time.Duration
}

// DB is our local DB struct
type DB struct {
	*sqlx.DB
	Driver string
}

func (conf DatabaseConfig) driver() string {
	if conf.Driver == "" {
		return DriverPostgres
	}
	return conf.Driver
}

// dataSource returns the DSN for the configured driver, and a description
// of it that is safe to log
func (conf DatabaseConfig) dataSource() (dsn string, description string, err error) {
	switch conf.driver() {
	case DriverPostgres:
		sslMode := conf.SSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		q := make(url.Values)
		q.Set("sslmode", sslMode)
		q.Set("timezone", "utc")

		hostWithPort := conf.Host + ":" + strconv.Itoa(conf.Port)
		databaseURL := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(conf.User, conf.Password),
			Host:     hostWithPort,
			Path:     conf.Name,
			RawQuery: q.Encode(),
		}
		return databaseURL.String(),
			fmt.Sprintf("%s@%s/%s", conf.User, hostWithPort, conf.Name), nil
	case DriverSQLite:
		if conf.Path == "" {
			return "", "", errors.New("sqlite3 needs a database path")
		}
		q := make(url.Values)
		q.Set("_foreign_keys", "on")
		q.Set("_busy_timeout", "5000")
		return "file:" + conf.Path + "?" + q.Encode(), conf.Path, nil
	default:
		return "", "", fmt.Errorf("unknown database driver %q", conf.Driver)
	}
}

// Open connects to the database described by conf and verifies the
// connection with a ping. Every failure is wrapped in ErrStoreConnection.
func Open(conf DatabaseConfig) (*DB, error) {
	driver := conf.driver()
	dsn, description, err := conf.dataSource()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreConnection, err)
	}

	d, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot open %s database %s: %w",
			ErrStoreConnection, driver, description, err)
	}

	if driver == DriverSQLite {
		// sqlite serializes writers anyway, a single connection avoids
		// SQLITE_BUSY between our own statements
		d.SetMaxOpenConns(1)
	}

	timeout := conf.PingTimeout
	if timeout == 0 {
		timeout = defaultPingTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := d.PingContext(ctx); err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("%w: cannot reach %s database %s: %w",
			ErrStoreConnection, driver, description, err)
	}

	log.WithFields(logrus.Fields{
		"driver":   driver,
		"database": description,
	}).Info("Opened connection to DB")

	return &DB{
		DB:     d,
		Driver: driver,
	}, nil
}

// Ping checks that the store still answers, wrapping failures in
// ErrStoreConnection
func (d *DB) Ping(ctx context.Context) error {
	if err := d.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreConnection, err)
	}
	return nil
}

// connectionProbeTimeout bounds the ping CheckConnection sends
const connectionProbeTimeout = 5 * time.Second

// CheckConnection tells a statement that failed apart from a store that
// went away. If err means the store is unreachable it is returned wrapped in
// ErrStoreConnection, otherwise it is returned as is. Handles that can ping
// are pinged to find out, the driver errors alone do not always say.
func CheckConnection(ctx context.Context, handle interface{}, err error) error {
	if err == nil || errors.Is(err, ErrStoreConnection) {
		return err
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %w", ErrStoreConnection, err)
	}
	pinger, ok := handle.(interface {
		PingContext(ctx context.Context) error
	})
	if !ok {
		return err
	}
	pingCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), connectionProbeTimeout)
	defer cancel()
	if pingErr := pinger.PingContext(pingCtx); pingErr != nil {
		log.WithError(pingErr).Error("Store stopped answering")
		return fmt.Errorf("%w: %w", ErrStoreConnection, err)
	}
	return err
}

// Getter can get from a db
type Getter interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	Rebind(query string) string
}

// Execer can write to a db
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowxContext(ctx context.Context, query string, args ...interface{}) *sqlx.Row
	Rebind(query string) string
}

// GetExecer can both read and write
type GetExecer interface {
	Getter
	Execer
}

var _ GetExecer = &DB{}
