package lease

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"ankie/internal/domain"
)

// Compile-time interface check.
var _ domain.ThreadLeaser = (*Redis)(nil)

// releaseScript deletes the lease only when the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// extendScript pushes the expiry of an owned lease.
var extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// Redis leases threads across processes with SET NX PX. A held lease is
// extended at a third of its TTL until released, so long executions keep
// the thread while a crashed holder frees it after one TTL.
type Redis struct {
	client redis.UniversalClient
	prefix string
	poll   time.Duration
	logger *slog.Logger
}

// NewRedis creates a Redis leaser. Keys are "<prefix>lease:<thread>".
func NewRedis(client redis.UniversalClient, prefix string, logger *slog.Logger) *Redis {
	return &Redis{client: client, prefix: prefix, poll: 50 * time.Millisecond, logger: logger}
}

func (r *Redis) key(threadID string) string { return r.prefix + "lease:" + threadID }

// Acquire polls until the lease is taken or ctx is done.
func (r *Redis) Acquire(ctx context.Context, threadID string, ttl time.Duration) (func(), error) {
	if ttl <= 0 {
		ttl = time.Minute
	}
	key := r.key(threadID)
	token := ulid.Make().String()

	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for {
		ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("thread lease %s: %w", threadID, ctx.Err())
			}
			return nil, fmt.Errorf("thread lease %s: %w", threadID, err)
		}
		if ok {
			return r.hold(key, token, ttl), nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("thread lease %s: %w", threadID, ctx.Err())
		case <-ticker.C:
		}
	}
}

// hold keeps the lease alive until the returned release runs.
func (r *Redis) hold(key, token string, ttl time.Duration) func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(ttl / 3)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				n, err := extendScript.Run(context.Background(), r.client, []string{key}, token, ttl.Milliseconds()).Int()
				if err != nil || n == 0 {
					r.logger.Warn("thread lease lost", "key", key, "error", err)
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, r.client, []string{key}, token).Err(); err != nil {
				r.logger.Warn("thread lease release failed", "key", key, "error", err)
			}
		})
	}
}
