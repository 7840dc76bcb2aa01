package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/auditchain/pkg/canonicalize"
)

// redisAppendScript commits an event only if the chain tip is unchanged and
// the event ID is new to the tenant.
// KEYS[1] = tip key, KEYS[2] = event list key, KEYS[3] = event ID set key
// ARGV[1] = expected tip hash ("" for an empty chain)
// ARGV[2] = new tip hash
// ARGV[3] = new event sequence
// ARGV[4] = encoded event
// ARGV[5] = event ID
// Returns 1 on commit, 0 on a tip mismatch, 2 on a duplicate ID.
var redisAppendScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if not current then
    current = ""
end
if current ~= ARGV[1] then
    return 0
end
if redis.call("LLEN", KEYS[2]) ~= tonumber(ARGV[3]) - 1 then
    return 0
end
if redis.call("SISMEMBER", KEYS[3], ARGV[5]) == 1 then
    return 2
end
redis.call("SET", KEYS[1], ARGV[2])
redis.call("RPUSH", KEYS[2], ARGV[4])
redis.call("SADD", KEYS[3], ARGV[5])
return 1
`)

// redisScanChunk is the LRANGE window used while scanning.
const redisScanChunk = 256

// RedisStore keeps each tenant's chain in a Redis list; the element at index
// n-1 is the event with sequence n. A set beside it holds the tenant's event
// IDs. All keys of a tenant share a hash tag so the append script stays on
// one cluster slot.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a store on client. prefix namespaces the keys.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "auditchain"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// NewRedisClient connects to a single Redis node.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func (s *RedisStore) tipKey(tenantID string) string {
	return fmt.Sprintf("%s:{%s}:tip", s.prefix, tenantID)
}

func (s *RedisStore) eventsKey(tenantID string) string {
	return fmt.Sprintf("%s:{%s}:events", s.prefix, tenantID)
}

func (s *RedisStore) idsKey(tenantID string) string {
	return fmt.Sprintf("%s:{%s}:ids", s.prefix, tenantID)
}

func (s *RedisStore) Tip(ctx context.Context, tenantID string) (Tip, error) {
	raw, err := s.client.LIndex(ctx, s.eventsKey(tenantID), -1).Bytes()
	if errors.Is(err, redis.Nil) {
		return Tip{}, nil
	}
	if err != nil {
		return Tip{}, fmt.Errorf("redis tip: %w", err)
	}
	ev, err := decodeEvent(raw)
	if err != nil {
		return Tip{}, err
	}
	return tipOf(ev), nil
}

func (s *RedisStore) AppendIfTip(ctx context.Context, expected canonicalize.Hash, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	keys := []string{s.tipKey(ev.TenantID), s.eventsKey(ev.TenantID), s.idsKey(ev.TenantID)}
	status, err := redisAppendScript.Run(ctx, s.client, keys,
		string(expected), string(ev.CombinedHash), ev.Sequence, body, ev.ID).Int()
	if err != nil {
		return fmt.Errorf("redis append: %w", err)
	}
	switch status {
	case 1:
		return nil
	case 2:
		return fmt.Errorf("%w: %q", ErrDuplicateEventID, ev.ID)
	default:
		return ErrTipMismatch
	}
}

func (s *RedisStore) Scan(ctx context.Context, tenantID string, q Query) ([]Event, error) {
	key := s.eventsKey(tenantID)
	results := make([]Event, 0)
	start := int64(q.AfterSequence)

	for {
		chunk, err := s.client.LRange(ctx, key, start, start+redisScanChunk-1).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan: %w", err)
		}
		for _, raw := range chunk {
			ev, err := decodeEvent([]byte(raw))
			if err != nil {
				return nil, err
			}
			if q.pastEnd(ev) {
				return results, nil
			}
			if !q.matches(ev) {
				continue
			}
			results = append(results, ev)
			if q.Limit > 0 && len(results) >= q.Limit {
				return results, nil
			}
		}
		if len(chunk) < redisScanChunk {
			return results, nil
		}
		start += redisScanChunk
	}
}
