package runlock

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/useghost/settle/build"
)

func TestMain(m *testing.M) {
	build.SetLogLevels(logrus.ErrorLevel)
	os.Exit(m.Run())
}

// memoryClient does what redis does for SET NX and the release script
type memoryClient struct {
	mu   sync.Mutex
	keys map[string]string
	ttls map[string]time.Duration
	err  error
}

func newMemoryClient() *memoryClient {
	return &memoryClient{keys: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (m *memoryClient) SetNX(_ context.Context, key string, value interface{}, ttl time.Duration) *redis.BoolCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return redis.NewBoolResult(false, m.err)
	}
	if _, ok := m.keys[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	m.keys[key] = value.(string)
	m.ttls[key] = ttl
	return redis.NewBoolResult(true, nil)
}

func (m *memoryClient) Eval(_ context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return redis.NewCmdResult(nil, m.err)
	}
	if script != releaseScript {
		return redis.NewCmdResult(nil, errors.New("unknown script"))
	}
	if m.keys[keys[0]] != args[0] {
		return redis.NewCmdResult(int64(0), nil)
	}
	delete(m.keys, keys[0])
	return redis.NewCmdResult(int64(1), nil)
}

func TestRedisLock(t *testing.T) {
	ctx := context.Background()
	client := newMemoryClient()
	locker := NewRedis(client, 0)

	lock, err := locker.Acquire(ctx, "reconcile")
	require.NoError(t, err)
	assert.Equal(t, DefaultTTL, client.ttls[keyPrefix+"reconcile"])

	_, err = locker.Acquire(ctx, "reconcile")
	assert.True(t, errors.Is(err, ErrHeld))

	other, err := locker.Acquire(ctx, "fallback")
	require.NoError(t, err, "locks are per component")
	require.NoError(t, other.Release(ctx))

	require.NoError(t, lock.Release(ctx))
	again, err := locker.Acquire(ctx, "reconcile")
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestRedisLockDoesNotReleaseSomebodyElses(t *testing.T) {
	ctx := context.Background()
	client := newMemoryClient()
	locker := NewRedis(client, time.Minute)

	lock, err := locker.Acquire(ctx, "fallback")
	require.NoError(t, err)

	// our lock expired and another run took it
	client.keys[keyPrefix+"fallback"] = "somebody-else"

	require.NoError(t, lock.Release(ctx))
	assert.Equal(t, "somebody-else", client.keys[keyPrefix+"fallback"])
}

func TestRedisLockErrors(t *testing.T) {
	ctx := context.Background()
	client := newMemoryClient()
	locker := NewRedis(client, time.Minute)
	lock, err := locker.Acquire(ctx, "reconcile")
	require.NoError(t, err)

	client.err = errors.New("connection refused")
	_, err = locker.Acquire(ctx, "fallback")
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrHeld))
	assert.Error(t, lock.Release(ctx))
}

func TestNoop(t *testing.T) {
	ctx := context.Background()
	first, err := Noop{}.Acquire(ctx, "reconcile")
	require.NoError(t, err)
	second, err := Noop{}.Acquire(ctx, "reconcile")
	require.NoError(t, err)
	assert.NoError(t, first.Release(ctx))
	assert.NoError(t, second.Release(ctx))
}

func TestConnectInvalidURL(t *testing.T) {
	_, err := Connect(context.Background(), "not a url")
	assert.Error(t, err)
}
