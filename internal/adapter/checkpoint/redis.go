package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"ankie/internal/domain"
)

// Compile-time interface check.
var _ domain.CheckpointSaver = (*RedisSaver)(nil)

// Keys of one thread share a hash tag so the scripts stay in one slot:
//
//	<prefix>{<thread>}:head      hash {id, seq} of the latest checkpoint
//	<prefix>{<thread>}:chain     zset id -> seq
//	<prefix>{<thread>}:created   zset id -> created unix ms
//	<prefix>{<thread>}:cp:<id>   encoded checkpoint
//	<prefix>threads              set of thread ids, for pruning

// appendScript compares the head with the expected parent and links the new
// checkpoint atomically. Returns the new seq, or -1 on a parent mismatch.
var appendScript = redis.NewScript(`
local head = redis.call('HGET', KEYS[1], 'id')
if not head then head = '' end
if head ~= ARGV[1] then return -1 end
local seq = redis.call('HINCRBY', KEYS[1], 'seq', 1)
redis.call('HSET', KEYS[1], 'id', ARGV[2])
redis.call('SET', KEYS[4], ARGV[3])
redis.call('ZADD', KEYS[2], seq, ARGV[2])
redis.call('ZADD', KEYS[3], ARGV[4], ARGV[2])
return seq
`)

// pruneScript drops checkpoints created before ARGV[1] except the head.
var pruneScript = redis.NewScript(`
local head = redis.call('HGET', KEYS[1], 'id')
local ids = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', '(' .. ARGV[1])
local n = 0
for _, id in ipairs(ids) do
  if id ~= head then
    redis.call('DEL', ARGV[2] .. id)
    redis.call('ZREM', KEYS[2], id)
    redis.call('ZREM', KEYS[3], id)
    n = n + 1
  end
end
return n
`)

// RedisSaver implements domain.CheckpointSaver on Redis.
type RedisSaver struct {
	client redis.UniversalClient
	prefix string
}

// RedisOption configures a RedisSaver.
type RedisOption func(*RedisSaver)

// WithKeyPrefix sets the key prefix (default "ankie:").
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisSaver) { s.prefix = prefix }
}

// NewRedisSaver creates a saver over an existing client.
func NewRedisSaver(client redis.UniversalClient, opts ...RedisOption) *RedisSaver {
	s := &RedisSaver{client: client, prefix: "ankie:"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisSaver) thread(threadID string) string { return s.prefix + "{" + threadID + "}:" }

func (s *RedisSaver) Latest(ctx context.Context, threadID string) (*domain.Checkpoint, error) {
	base := s.thread(threadID)
	head, err := s.client.HGetAll(ctx, base+"head").Result()
	if err != nil {
		return nil, fmt.Errorf("read head of %s: %w", threadID, err)
	}
	id := head["id"]
	if id == "" {
		return nil, notFound("RedisSaver.Latest", threadID)
	}
	seq, _ := strconv.ParseInt(head["seq"], 10, 64)
	data, err := s.client.Get(ctx, base+"cp:"+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, notFound("RedisSaver.Latest", threadID)
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %s: %w", id, err)
	}
	cp, err := decode(data)
	if err != nil {
		return nil, err
	}
	cp.Seq = seq
	return cp, nil
}

func (s *RedisSaver) Append(ctx context.Context, cp *domain.Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	payload, err := encode(cp)
	if err != nil {
		return err
	}
	base := s.thread(cp.ThreadID)
	keys := []string{base + "head", base + "chain", base + "created", base + "cp:" + cp.ID}
	seq, err := appendScript.Run(ctx, s.client, keys,
		cp.ParentID, cp.ID, payload, cp.CreatedAt.UnixMilli(),
	).Int64()
	if err != nil {
		return fmt.Errorf("append checkpoint %s: %w", cp.ID, err)
	}
	if seq < 0 {
		latest, _ := s.client.HGet(ctx, base+"head", "id").Result()
		return conflict("RedisSaver.Append", cp, latest)
	}
	cp.Seq = seq
	if err := s.client.SAdd(ctx, s.prefix+"threads", cp.ThreadID).Err(); err != nil {
		return fmt.Errorf("index thread %s: %w", cp.ThreadID, err)
	}
	return nil
}

func (s *RedisSaver) List(ctx context.Context, threadID string, limit int) ([]*domain.Checkpoint, error) {
	base := s.thread(threadID)
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	entries, err := s.client.ZRevRangeWithScores(ctx, base+"chain", 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", threadID, err)
	}
	if len(entries) == 0 {
		return nil, nil
	}
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = base + "cp:" + e.Member.(string)
	}
	blobs, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", threadID, err)
	}

	out := make([]*domain.Checkpoint, 0, len(blobs))
	for i, b := range blobs {
		str, ok := b.(string)
		if !ok {
			continue // pruned between the two reads
		}
		cp, err := decode([]byte(str))
		if err != nil {
			return nil, err
		}
		cp.Seq = int64(entries[i].Score)
		out = append(out, cp)
	}
	return out, nil
}

func (s *RedisSaver) Prune(ctx context.Context, before time.Time) (int, error) {
	threads, err := s.client.SMembers(ctx, s.prefix+"threads").Result()
	if err != nil {
		return 0, fmt.Errorf("list threads: %w", err)
	}
	total := 0
	for _, threadID := range threads {
		base := s.thread(threadID)
		n, err := pruneScript.Run(ctx, s.client,
			[]string{base + "head", base + "chain", base + "created"},
			before.UnixMilli(), base+"cp:",
		).Int()
		if err != nil {
			return total, fmt.Errorf("prune %s: %w", threadID, err)
		}
		total += n
	}
	return total, nil
}
