// Package runlock keeps two runs of the same component from working the
// same deposits at once. Conditional writes keep overlapping runs correct,
// the lock only saves the gateway calls a second run would waste.
package runlock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"gitlab.com/useghost/settle/build"
)

var log = build.AddSubLogger("LOCK")

// ErrHeld means another run holds the lock
var ErrHeld = errors.New("another run holds the lock")

// DefaultTTL bounds how long a crashed run keeps others out
const DefaultTTL = 15 * time.Minute

const keyPrefix = "settle:runlock:"

// releases the key only if we still own it
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// Lock is a held lock
type Lock interface {
	Release(ctx context.Context) error
}

// Locker hands out named locks
type Locker interface {
	// Acquire takes the lock called name, or returns ErrHeld
	Acquire(ctx context.Context, name string) (Lock, error)
}

// Client is the part of a redis client the lock needs
type Client interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

var _ Client = &redis.Client{}

// Redis is a Locker on a single redis instance
type Redis struct {
	client Client
	ttl    time.Duration
}

var _ Locker = &Redis{}

// NewRedis creates a redis backed Locker. A non-positive ttl means DefaultTTL
func NewRedis(client Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, ttl: ttl}
}

// Connect opens a redis client from a redis:// URL and checks that the
// server answers
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "invalid redis URL")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "could not reach redis at %s", opts.Addr)
	}
	return client, nil
}

func (r *Redis) Acquire(ctx context.Context, name string) (Lock, error) {
	key := keyPrefix + name
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "could not acquire lock %s", name)
	}
	if !ok {
		return nil, errors.Wrap(ErrHeld, name)
	}
	log.WithFields(logrus.Fields{"lock": name, "ttl": r.ttl}).Debug("Acquired run lock")
	return &redisLock{client: r.client, key: key, token: token}, nil
}

type redisLock struct {
	client Client
	key    string
	token  string
}

func (l *redisLock) Release(ctx context.Context) error {
	released, err := l.client.Eval(ctx, releaseScript, []string{l.key}, l.token).Int64()
	if err != nil {
		return errors.Wrapf(err, "could not release lock %s", l.key)
	}
	if released == 0 {
		// it expired, and maybe somebody else took it since
		log.WithField("key", l.key).Warn("Run lock expired before it was released")
	}
	return nil
}

// Noop is a Locker for deployments where the scheduler already makes sure
// runs do not overlap
type Noop struct{}

var _ Locker = Noop{}

func (Noop) Acquire(context.Context, string) (Lock, error) {
	return noopLock{}, nil
}

type noopLock struct{}

func (noopLock) Release(context.Context) error { return nil }
