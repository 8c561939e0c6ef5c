package offcache

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Locker hands out short-lived named locks. Replicas sharing one registry use
// the Redis locker; a single process uses the local one.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (Unlocker, bool, error)
}

type Unlocker interface {
	Unlock(ctx context.Context) error
}

// acquire polls TryLock until it succeeds, ctx ends or maxWait passes.
func acquire(ctx context.Context, l Locker, key string, ttl, maxWait time.Duration) (Unlocker, error) {
	deadline := time.Now().Add(maxWait)
	for {
		u, ok, err := l.TryLock(ctx, key, ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			return u, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// ---- redis ----

type redisLocker struct {
	client *redis.Client
}

func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func NewRedisLocker(client *redis.Client) Locker {
	return &redisLocker{client: client}
}

type redisLock struct {
	client *redis.Client
	key    string
	token  string
}

func (l *redisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (Unlocker, bool, error) {
	token, err := newToken()
	if err != nil {
		return nil, false, err
	}
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, storeError(err, "redis setnx "+key)
	}
	if !ok {
		return nil, false, nil
	}
	return &redisLock{client: l.client, key: key, token: token}, true, nil
}

func (l *redisLock) Unlock(ctx context.Context) error {
	const script = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`
	_, err := l.client.Eval(ctx, script, []string{l.key}, l.token).Result()
	return err
}

func newToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// ---- local ----

type localLocker struct {
	mu    sync.Mutex
	held  map[string]string
	clock func() time.Time
	exp   map[string]time.Time
}

func NewLocalLocker() Locker {
	return &localLocker{held: map[string]string{}, exp: map[string]time.Time{}, clock: time.Now}
}

type localLock struct {
	l     *localLocker
	key   string
	token string
}

func (l *localLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (Unlocker, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	token, err := newToken()
	if err != nil {
		return nil, false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	if _, ok := l.held[key]; ok && now.Before(l.exp[key]) {
		return nil, false, nil
	}
	l.held[key] = token
	l.exp[key] = now.Add(ttl)
	return &localLock{l: l, key: key, token: token}, true, nil
}

func (u *localLock) Unlock(context.Context) error {
	u.l.mu.Lock()
	defer u.l.mu.Unlock()
	if u.l.held[u.key] == u.token {
		delete(u.l.held, u.key)
		delete(u.l.exp, u.key)
	}
	return nil
}
