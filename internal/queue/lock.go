package queue

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Guards against two delivery attempts of the same message running at
// the same time.
type Locker interface {
	// Returns false when someone else holds the lock. The release
	// function must be called once the attempt is over.
	TryLock(ctx context.Context, id int64) (release func(), ok bool, err error)
}

// A lock that only covers this process.
type LocalLocker struct {
	mu   sync.Mutex
	held map[int64]bool
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: map[int64]bool{}}
}

func (l *LocalLocker) TryLock(ctx context.Context, id int64) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held[id] {
		return nil, false, nil
	}
	l.held[id] = true

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, id)
	}, true, nil
}

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// A lock shared by every process pointing at the same redis. Locks
// expire after the ttl in case the holder dies without releasing.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	return &RedisLocker{client: client, ttl: ttl}
}

func (l *RedisLocker) TryLock(ctx context.Context, id int64) (func(), bool, error) {
	key := fmt.Sprintf("lock:mta:message:%d", id)

	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return nil, false, errors.Wrap(err, "could not generate lock value")
	}
	value := hex.EncodeToString(b)

	ok, err := l.client.SetNX(ctx, key, value, l.ttl).Result()
	if err != nil {
		return nil, false, errors.Wrapf(err, "could not acquire lock %s", key)
	}
	if !ok {
		return nil, false, nil
	}

	return func() {
		// The attempt may have been cancelled, the lock still has to go.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		releaseScript.Run(ctx, l.client, []string{key}, value)
	}, true, nil
}
