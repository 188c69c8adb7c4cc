package sweep

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrLeaseHeld is returned when another runner holds a sweep's lease.
var ErrLeaseHeld = errors.New("sweep: lease held by another runner")

// Lease makes a named sweep single-flight. release is nil when ok is false.
type Lease interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (release func(), ok bool, err error)
}

// releaseScript deletes the lease only if it still carries our token, so a
// run that outlived its TTL cannot free a successor's lease.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease coordinates sweeps across replicas with SET NX PX.
type RedisLease struct {
	rdb *redis.Client
	log *zap.Logger
}

func NewRedisLease(rdb *redis.Client, log *zap.Logger) *RedisLease {
	return &RedisLease{rdb: rdb, log: log}
}

func (l *RedisLease) Acquire(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	key := leaseKey(name)
	token := uuid.New().String()

	ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		// The caller's context may already be done.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, l.rdb, []string{key}, token).Err(); err != nil {
			l.log.Warn("failed to release sweep lease", zap.String("key", key), zap.Error(err))
		}
	}
	return release, true, nil
}

func leaseKey(name string) string { return "sweep:lease:" + name }

// LocalLease is the single-process Lease used without Redis.
type LocalLease struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewLocalLease() *LocalLease {
	return &LocalLease{held: make(map[string]bool)}
}

func (l *LocalLease) Acquire(_ context.Context, name string, _ time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[name] {
		return nil, false, nil
	}
	l.held[name] = true
	return func() {
		l.mu.Lock()
		delete(l.held, name)
		l.mu.Unlock()
	}, true, nil
}

// Exclusive runs fn while holding the named lease. It returns ErrLeaseHeld
// without running fn when the lease is taken.
func Exclusive(ctx context.Context, lease Lease, name string, ttl time.Duration, fn func(context.Context) (*Report, error)) (*Report, error) {
	release, ok, err := lease.Acquire(ctx, name, ttl)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLeaseHeld
	}
	defer release()
	return fn(ctx)
}
