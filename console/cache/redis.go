package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/itskum47/fleetconsole/console/observability"
	"github.com/itskum47/fleetconsole/console/store"
)

// Atomic generation-checked SET. A snapshot only lands if its generation
// is newer than the stored one.
const versionedSetScript = `
-- KEYS[1] = key
-- ARGV[1] = payload (JSON)
-- ARGV[2] = generation
-- ARGV[3] = ttl (seconds, 0 = no expiry)

local current = redis.call("HGET", KEYS[1], "generation")

if not current or tonumber(ARGV[2]) > tonumber(current) then
    redis.call("HSET", KEYS[1],
        "payload", ARGV[1],
        "generation", ARGV[2])

    if tonumber(ARGV[3]) > 0 then
        redis.call("EXPIRE", KEYS[1], ARGV[3])
    end

    return 1
else
    return 0
end
`

const versionedGetScript = `
-- KEYS[1] = key

local payload = redis.call("HGET", KEYS[1], "payload")
local generation = redis.call("HGET", KEYS[1], "generation")

if not payload then
    return nil
end

return {payload, generation}
`

// RedisCache keeps one hash per kind under store.SnapshotKey.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration

	setSHA string
	getSHA string
}

func NewRedisCache(addr, password string, db int, ttl time.Duration) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	// Preload scripts so Save/Load only send the SHA.
	setSHA, err := client.ScriptLoad(ctx, versionedSetScript).Result()
	if err != nil {
		_ = client.Close()
		return nil, errors.New("failed to preload versioned set script: " + err.Error())
	}
	getSHA, err := client.ScriptLoad(ctx, versionedGetScript).Result()
	if err != nil {
		_ = client.Close()
		return nil, errors.New("failed to preload versioned get script: " + err.Error())
	}

	log.Printf("[CACHE] Redis snapshot cache at %s (db %d)", addr, db)
	return &RedisCache{client: client, ttl: ttl, setSHA: setSHA, getSHA: getSHA}, nil
}

func isNoScript(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "NOSCRIPT")
}

func (c *RedisCache) Save(ctx context.Context, snap Snapshot) error {
	start := time.Now()
	defer func() {
		observability.CacheLatency.WithLabelValues("redis").Observe(time.Since(start).Seconds())
	}()

	payload, err := encodeRecords(snap.Kind, snap.Records, json.Marshal)
	if err != nil {
		return fmt.Errorf("failed to encode %s snapshot: %w", snap.Kind, err)
	}

	key := store.SnapshotKey(snap.Kind)
	args := []any{string(payload), snap.Generation, int(c.ttl.Seconds())}
	result, err := c.client.EvalSha(ctx, c.setSHA, []string{key}, args...).Result()

	// Redis restarted and lost the script cache
	if isNoScript(err) {
		c.setSHA, _ = c.client.ScriptLoad(ctx, versionedSetScript).Result()
		result, err = c.client.EvalSha(ctx, c.setSHA, []string{key}, args...).Result()
	}
	if err != nil {
		observability.CacheFailures.WithLabelValues("redis", "save").Inc()
		return fmt.Errorf("failed to execute versioned set: %w", err)
	}

	wasSet, ok := result.(int64)
	if !ok {
		return fmt.Errorf("unexpected result type: %T", result)
	}
	if wasSet == 0 {
		return ErrStale
	}
	return nil
}

func (c *RedisCache) Load(ctx context.Context, kind store.Kind) (Snapshot, error) {
	start := time.Now()
	defer func() {
		observability.CacheLatency.WithLabelValues("redis").Observe(time.Since(start).Seconds())
	}()

	key := store.SnapshotKey(kind)
	result, err := c.client.EvalSha(ctx, c.getSHA, []string{key}).Result()
	if isNoScript(err) {
		c.getSHA, _ = c.client.ScriptLoad(ctx, versionedGetScript).Result()
		result, err = c.client.EvalSha(ctx, c.getSHA, []string{key}).Result()
	}
	if errors.Is(err, redis.Nil) || (err == nil && result == nil) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		observability.CacheFailures.WithLabelValues("redis", "load").Inc()
		return Snapshot{}, fmt.Errorf("failed to get versioned snapshot: %w", err)
	}

	fields, ok := result.([]any)
	if !ok || len(fields) != 2 {
		return Snapshot{}, fmt.Errorf("unexpected result type: %T", result)
	}
	payload, _ := fields[0].(string)
	genStr, _ := fields[1].(string)

	var gen int64
	if _, err := fmt.Sscan(genStr, &gen); err != nil {
		return Snapshot{}, fmt.Errorf("corrupt generation %q: %w", genStr, err)
	}

	records, err := decodeRecords(kind, []byte(payload), json.Unmarshal)
	if err != nil {
		observability.CacheFailures.WithLabelValues("redis", "decode").Inc()
		return Snapshot{}, fmt.Errorf("failed to decode %s snapshot: %w", kind, err)
	}
	return Snapshot{Kind: kind, Generation: gen, Records: records}, nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
