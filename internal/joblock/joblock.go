// Package joblock guarantees a single runner per job across processes.
package joblock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrHeld is returned when another runner holds the job's lock.
var ErrHeld = eris.New("joblock: job is locked by another runner")

// Locker hands out per-job leases.
type Locker interface {
	// Acquire takes the lock for jobID, returning ErrHeld if it is taken.
	Acquire(ctx context.Context, jobID string) (Lease, error)
}

// Lease is a held lock. Release is safe to call more than once.
type Lease interface {
	Release(ctx context.Context) error
}

// Nop grants every lease.
type Nop struct{}

func (Nop) Acquire(context.Context, string) (Lease, error) { return nopLease{}, nil }

type nopLease struct{}

func (nopLease) Release(context.Context) error { return nil }

const (
	releaseScript = `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end`
	extendScript = `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end`
)

var (
	releaseLua = redis.NewScript(releaseScript)
	extendLua  = redis.NewScript(extendScript)
)

// RedisLocker implements Locker with SET NX and an ownership token. Held
// leases are extended in the background until released.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisLocker creates a RedisLocker. ttl bounds how long a crashed
// runner keeps a job locked.
func NewRedisLocker(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if prefix == "" {
		prefix = "outreach:job"
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl}
}

func (l *RedisLocker) key(jobID string) string {
	return "lock:" + l.prefix + ":" + jobID
}

func (l *RedisLocker) Acquire(ctx context.Context, jobID string) (Lease, error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	key := l.key(jobID)

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, eris.Wrapf(err, "joblock: acquire %s", key)
	}
	if !ok {
		return nil, eris.Wrapf(ErrHeld, "joblock: acquire %s", key)
	}

	hbCtx, cancel := context.WithCancel(context.Background())
	lease := &redisLease{client: l.client, key: key, token: token, cancel: cancel, done: make(chan struct{})}
	go lease.heartbeat(hbCtx, l.ttl)
	return lease, nil
}

type redisLease struct {
	client redis.UniversalClient
	key    string
	token  string
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (r *redisLease) heartbeat(ctx context.Context, ttl time.Duration) {
	defer close(r.done)
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := extendLua.Run(ctx, r.client, []string{r.key}, r.token, ttl.Milliseconds()).Int64()
			if err != nil {
				if ctx.Err() == nil {
					zap.L().Warn("joblock: extend failed", zap.String("key", r.key), zap.Error(err))
				}
				continue
			}
			if n == 0 {
				zap.L().Warn("joblock: lease lost", zap.String("key", r.key))
				return
			}
		}
	}
}

func (r *redisLease) Release(ctx context.Context) error {
	var err error
	r.once.Do(func() {
		r.cancel()
		<-r.done
		_, runErr := releaseLua.Run(ctx, r.client, []string{r.key}, r.token).Result()
		err = eris.Wrapf(runErr, "joblock: release %s", r.key)
	})
	return err
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", eris.Wrap(err, "joblock: token")
	}
	return hex.EncodeToString(b), nil
}
