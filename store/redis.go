package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/itskum47/bundleworker/bundle"
)

// conditionalUpdateScript is the Redis-side analogue of the teacher's
// versionedSetScript: instead of comparing a monotonic version counter it
// compares the bundle's current "state" field against an expected value,
// which is exactly the conditional-update primitive §3 and §6 require.
// Preloaded once at construction and invoked by SHA, with the same
// NOSCRIPT-reload fallback the teacher uses against a Redis restart that
// flushed its script cache.
const conditionalUpdateScript = `
-- KEYS[1] = bundle key
-- ARGV[1] = expected state
-- ARGV[2] = new fields (JSON object merged into the hash)
local current = redis.call("HGET", KEYS[1], "state")
if not current or current ~= ARGV[1] then
    return 0
end
local fields = cjson.decode(ARGV[2])
for k, v in pairs(fields) do
    redis.call("HSET", KEYS[1], k, v)
end
return 1
`

// popAllScript atomically drains a Redis list, returning every element and
// leaving the key empty, so concurrent workers never split a single
// PopBundleActions call across two readers.
const popAllScript = `
local items = redis.call("LRANGE", KEYS[1], 0, -1)
redis.call("DEL", KEYS[1])
return items
`

// RedisStore is a Redis-backed MetadataStore. Bundles are kept as hashes
// keyed by BundleKey; the action queue is a Redis list keyed by
// ActionQueueKey. It is a lighter-weight alternative to PostgresStore for
// deployments that don't need SQL durability guarantees. It serves both
// bundles and the action queue; it is not combined with PostgresStore.
type RedisStore struct {
	client               *redis.Client
	conditionalUpdateSHA string
	popAllSHA            string

	// versionedSetSHA/versionedGetSHA back the VersionedValue cache helpers
	// in redis_versioned.go. No worker component calls those helpers.
	versionedSetSHA string
	versionedGetSHA string
}

// NewRedisStore connects to addr and preloads the Lua scripts this store
// depends on, mirroring the teacher's RedisStore constructor.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	conditionalSHA, err := client.ScriptLoad(ctx, conditionalUpdateScript).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to preload conditional update script: %w", err)
	}
	popSHA, err := client.ScriptLoad(ctx, popAllScript).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to preload pop-all script: %w", err)
	}
	versionedSetSHA, err := client.ScriptLoad(ctx, versionedSetScript).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to preload versioned set script: %w", err)
	}
	versionedGetSHA, err := client.ScriptLoad(ctx, versionedGetScript).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to preload versioned get script: %w", err)
	}

	return &RedisStore{
		client:               client,
		conditionalUpdateSHA: conditionalSHA,
		popAllSHA:            popSHA,
		versionedSetSHA:      versionedSetSHA,
		versionedGetSHA:      versionedGetSHA,
	}, nil
}

func (s *RedisStore) BatchGetBundles(ctx context.Context, filter bundle.BundleFilter) ([]*bundle.Bundle, error) {
	var keys []string
	if len(filter.UUIDs) > 0 {
		for u := range filter.UUIDs {
			keys = append(keys, BundleKey(u))
		}
	} else {
		iter := s.client.Scan(ctx, 0, BundlePrefix(), 0).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return nil, err
		}
	}

	var out []*bundle.Bundle
	for _, key := range keys {
		data, err := s.client.HGet(ctx, key, "body").Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var b bundle.Bundle
		if err := json.Unmarshal([]byte(data), &b); err != nil {
			return nil, err
		}
		if filter.State != "" && b.State != filter.State {
			continue
		}
		out = append(out, &b)
	}
	return out, nil
}

func (s *RedisStore) BatchUpdateBundles(ctx context.Context, bundles []*bundle.Bundle, update BundleUpdate, condition BundleCondition) error {
	if len(bundles) == 0 {
		return nil
	}
	// Stage every row's proposed body under the caller's update, then apply
	// the CAS script per row. If any row's condition fails we must undo the
	// rows already committed so the batch stays all-or-nothing, matching
	// PostgresStore's transactional behavior.
	applied := make([]*bundle.Bundle, 0, len(bundles))
	for _, b := range bundles {
		next := *b
		applyUpdate(&next, update)
		body, err := json.Marshal(next)
		if err != nil {
			return err
		}
		fields, _ := json.Marshal(map[string]string{"body": string(body), "state": string(next.State)})

		res, err := s.client.EvalSha(ctx, s.conditionalUpdateSHA, []string{BundleKey(b.UUID)}, string(condition.State), string(fields)).Result()
		if err != nil && isNoScript(err) {
			s.conditionalUpdateSHA, _ = s.client.ScriptLoad(ctx, conditionalUpdateScript).Result()
			res, err = s.client.EvalSha(ctx, s.conditionalUpdateSHA, []string{BundleKey(b.UUID)}, string(condition.State), string(fields)).Result()
		}
		if err != nil {
			s.rollback(ctx, applied)
			return err
		}
		if ok, _ := res.(int64); ok != 1 {
			s.rollback(ctx, applied)
			return ErrConditionFailed
		}
		applied = append(applied, b)
	}
	return nil
}

// rollback restores the pre-update body for rows already committed earlier
// in a batch that later failed its condition check. Best-effort: errors
// from the restoring writes are discarded, neither logged nor propagated,
// since the batch-failed error already tells the caller to retry next tick
// against whatever state actually landed.
func (s *RedisStore) rollback(ctx context.Context, applied []*bundle.Bundle) {
	for _, b := range applied {
		body, err := json.Marshal(b)
		if err != nil {
			continue
		}
		s.client.HSet(ctx, BundleKey(b.UUID), "body", string(body), "state", string(b.State))
	}
}

func (s *RedisStore) UpdateBundle(ctx context.Context, b *bundle.Bundle, update BundleUpdate) error {
	next := *b
	applyUpdate(&next, update)
	body, err := json.Marshal(next)
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, BundleKey(b.UUID), "body", string(body), "state", string(next.State)).Err()
}

func (s *RedisStore) PopBundleActions(ctx context.Context) ([]bundle.BundleAction, error) {
	res, err := s.client.EvalSha(ctx, s.popAllSHA, []string{ActionQueueKey()}).Result()
	if err != nil && isNoScript(err) {
		s.popAllSHA, _ = s.client.ScriptLoad(ctx, popAllScript).Result()
		res, err = s.client.EvalSha(ctx, s.popAllSHA, []string{ActionQueueKey()}).Result()
	}
	if err != nil {
		return nil, err
	}
	items, ok := res.([]interface{})
	if !ok {
		return nil, nil
	}
	out := make([]bundle.BundleAction, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			continue
		}
		var a bundle.BundleAction
		if err := json.Unmarshal([]byte(s), &a); err != nil {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *RedisStore) AddBundleActions(ctx context.Context, actions []bundle.BundleAction) error {
	if len(actions) == 0 {
		return nil
	}
	values := make([]interface{}, 0, len(actions))
	for _, a := range actions {
		data, err := json.Marshal(a)
		if err != nil {
			return err
		}
		values = append(values, string(data))
	}
	return s.client.RPush(ctx, ActionQueueKey(), values...).Err()
}

func isNoScript(err error) bool {
	return err != nil && len(err.Error()) >= 8 && err.Error()[:8] == "NOSCRIPT"
}
