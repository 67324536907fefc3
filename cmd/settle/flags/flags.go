// Package flags provides functionality for managing flags for settle
package flags

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"gitlab.com/useghost/settle/build"
	"gitlab.com/useghost/settle/db"
	"gitlab.com/useghost/settle/gateway"
	"gitlab.com/useghost/settle/gateway/depix"
	"gitlab.com/useghost/settle/gateway/voltz"
	"gitlab.com/useghost/settle/ratelimit"
	"gitlab.com/useghost/settle/runlock"
)

var log = build.AddSubLogger("FLAG")

// Concat concatenates the given list of flags, without mutating them
func Concat(first []cli.Flag, rest ...[]cli.Flag) []cli.Flag {
	var copied = make([]cli.Flag, len(first))
	_ = copy(copied, first)
	for _, r := range rest {
		copied = append(copied, r...)
	}
	return copied
}

// CommonFlags is a set of flags that all commands take
var CommonFlags = Concat([]cli.Flag{}, logging)

// ReadDbConf reads the approriate flags for connecting to the DB
func ReadDbConf(c *cli.Context) db.DatabaseConfig {
	conf := db.DatabaseConfig{
		Driver:   c.String("db.driver"),
		User:     c.String("db.user"),
		Password: c.String("db.password"),
		Host:     c.String("db.host"),
		Port:     c.Int("db.port"),
		Name:     c.String("db.name"),
		SSLMode:  c.String("db.sslmode"),
		Path:     c.String("db.path"),
	}

	// flags belong to the context of the command that declares them, and the
	// DB flags are declared on the "db" command as well as the run commands.
	// we recurse here until we find a context where the flags are defined
	if conf.Driver == "" {
		parent := c.Parent()
		if parent == nil {
			log.Warn("Reached root CLI context without finding DB flags")
			return conf
		}
		return ReadDbConf(parent)
	}
	return conf
}

// ReadBreakerConf reads the circuit breaker flags for the named gateway
func ReadBreakerConf(c *cli.Context, name string) gateway.BreakerConfig {
	return gateway.BreakerConfig{
		Name:                name,
		Timeout:             c.Duration("breaker.timeout"),
		ConsecutiveFailures: uint32(c.Uint("breaker.failures")),
	}
}

// ReadDepixConf reads the flags for the status gateway
func ReadDepixConf(c *cli.Context) depix.Config {
	return depix.Config{
		BaseURL:    c.String("depix.url"),
		Token:      c.String("depix.token"),
		Timeout:    c.Duration("depix.timeout"),
		StrictTxID: c.Bool("depix.strict-txid"),
	}
}

// ReadVoltzConf reads the flags for the payout gateway
func ReadVoltzConf(c *cli.Context) voltz.Config {
	return voltz.Config{
		BaseURL: c.String("voltz.url"),
		APIKey:  c.String("voltz.api-key"),
		Timeout: c.Duration("voltz.timeout"),
	}
}

// Db is a list of flags that apply to functionality that needs Db access
var Db = []cli.Flag{
	cli.StringFlag{
		Name:   "db.driver",
		Usage:  "Database driver {postgres, sqlite3}",
		Value:  db.DriverPostgres,
		EnvVar: "DATABASE_DRIVER",
	},
	cli.StringFlag{
		Name:   "db.user",
		Usage:  "Database user",
		EnvVar: "DATABASE_USER",
	},
	cli.StringFlag{
		Name:   "db.password",
		Usage:  "Database password",
		EnvVar: "DATABASE_PASSWORD",
	},
	cli.StringFlag{
		Name:   "db.name",
		Usage:  "Database name",
		Value:  "settle",
		EnvVar: "DATABASE_NAME",
	},
	cli.StringFlag{
		Name:   "db.host",
		Usage:  "Database host to connect to",
		Value:  "localhost",
		EnvVar: "DATABASE_HOST",
	},
	cli.IntFlag{
		Name:   "db.port",
		Usage:  "Database port",
		Value:  5432,
		EnvVar: "DATABASE_PORT",
	},
	cli.StringFlag{
		Name:   "db.sslmode",
		Usage:  "Postgres SSL mode",
		Value:  "disable",
		EnvVar: "DATABASE_SSLMODE",
	},
	cli.StringFlag{
		Name:      "db.path",
		Usage:     "Database file, when the driver is sqlite3",
		EnvVar:    "DATABASE_PATH",
		TakesFile: true,
	},
}

// ErrThrottleTooShort means the delay between gateway calls is below what
// the gateways tolerate
var ErrThrottleTooShort = fmt.Errorf("throttle must be at least %s", ratelimit.DefaultInterval)

// ReadThrottle reads the delay between two gateway calls. Anything below
// ratelimit.DefaultInterval is refused
func ReadThrottle(c *cli.Context) (time.Duration, error) {
	interval := c.Duration("throttle")
	if interval < ratelimit.DefaultInterval {
		return 0, errors.Wrapf(ErrThrottleTooShort, "got %s", interval)
	}
	return interval, nil
}

// Throttle is the flag for the delay between two calls to the same gateway
var Throttle = []cli.Flag{
	cli.DurationFlag{
		Name:   "throttle",
		Usage:  fmt.Sprintf("Delay between two gateway calls, at least %s", ratelimit.DefaultInterval),
		Value:  ratelimit.DefaultInterval,
		EnvVar: "GATEWAY_THROTTLE",
	},
}

// Breaker is a list of flags for the circuit breakers in front of gateways
var Breaker = []cli.Flag{
	cli.UintFlag{
		Name:   "breaker.failures",
		Usage:  "Consecutive unavailable answers that open a gateway's circuit breaker",
		Value:  5,
		EnvVar: "BREAKER_FAILURES",
	},
	cli.DurationFlag{
		Name:   "breaker.timeout",
		Usage:  "How long an open circuit breaker waits before probing the gateway again",
		Value:  30 * time.Second,
		EnvVar: "BREAKER_TIMEOUT",
	},
}

// Depix is a list of flags for the gateway deposits are reconciled against
var Depix = []cli.Flag{
	cli.StringFlag{
		Name:   "depix.url",
		Usage:  "Base URL of the DePix API",
		Value:  depix.DefaultBaseURL,
		EnvVar: "DEPIX_API_URL",
	},
	cli.StringFlag{
		Name:   "depix.token",
		Usage:  "Bearer token for the DePix API",
		EnvVar: "DEPIX_API_TOKEN",
	},
	cli.DurationFlag{
		Name:   "depix.timeout",
		Usage:  "Timeout of a single DePix request",
		Value:  15 * time.Second,
		EnvVar: "DEPIX_TIMEOUT",
	},
	cli.BoolFlag{
		Name:   "depix.strict-txid",
		Usage:  "Treat settlement references that are not 32 byte hex transaction ids as malformed",
		EnvVar: "DEPIX_STRICT_TXID",
	},
}

// Voltz is a list of flags for the gateway failed payouts are resubmitted to
var Voltz = []cli.Flag{
	cli.StringFlag{
		Name:   "voltz.url",
		Usage:  "Base URL of the Voltz payout service",
		EnvVar: "VOLTZ_API_URL",
	},
	cli.StringFlag{
		Name:   "voltz.api-key",
		Usage:  "API key for the Voltz payout service",
		EnvVar: "VOLTZ_API_KEY",
	},
	cli.DurationFlag{
		Name:   "voltz.timeout",
		Usage:  "Timeout of a single Voltz request",
		Value:  45 * time.Second,
		EnvVar: "VOLTZ_TIMEOUT",
	},
}

// Runs is a list of flags for coordinating runs and publishing their results
var Runs = []cli.Flag{
	cli.StringFlag{
		Name:   "redis.url",
		Usage:  "redis:// URL used for run locks. Runs are not locked when empty",
		EnvVar: "REDIS_URL",
	},
	cli.DurationFlag{
		Name:   "runlock.ttl",
		Usage:  "How long a run lock is held at most, in case the run dies",
		Value:  runlock.DefaultTTL,
		EnvVar: "RUNLOCK_TTL",
	},
	cli.StringFlag{
		Name:   "pushgateway.url",
		Usage:  "Prometheus pushgateway that run metrics are pushed to. Not pushed when empty",
		EnvVar: "PUSHGATEWAY_URL",
	},
}

// logging is logging related CLI flags
var logging = []cli.Flag{
	cli.StringFlag{
		Name:   "logging.level, loglevel",
		Value:  logrus.InfoLevel.String(),
		Usage:  "Logging level for all subsystems {trace, debug, info, warn, error, fatal, panic}",
		EnvVar: "LOG_LEVEL",
	},
	cli.StringFlag{
		Name:  "logging.httplevel",
		Value: logrus.InfoLevel.String(),
		Usage: "Logging level for HTTP requests {trace, debug, info, warn, error, fatal, panic}",
	},
	cli.StringFlag{
		Name:      "logging.directory, logdir",
		TakesFile: true,
		EnvVar:    "LOG_DIR",
		Value: func() string {
			dir, err := os.Getwd()
			if err != nil {
				panic(err)
			}
			return filepath.Join(dir, "logs")
		}(),
		Usage: "What directory to write log files to",
	},
}
