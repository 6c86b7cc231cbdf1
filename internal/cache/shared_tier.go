package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// SharedTier is the optional shared-store cache tier, backed by Redis,
// per spec.md §4.2's canonical chain second slot. Values are encoded
// as JSON since Entry.Value is heterogeneous (namespace records,
// override parameters, ...).
type SharedTier struct {
	client *redis.Client
	prefix string
}

func NewSharedTier(client *redis.Client, prefix string) *SharedTier {
	return &SharedTier{client: client, prefix: prefix}
}

type wireEntry struct {
	Value      json.RawMessage `json:"value"`
	FreshUntil time.Time       `json:"freshUntil"`
	StaleUntil time.Time       `json:"staleUntil"`
}

func (t *SharedTier) redisKey(namespace, key string) string {
	return t.prefix + ":" + namespace + ":" + key
}

func (t *SharedTier) Get(ctx context.Context, namespace, key string) (Entry, bool, error) {
	raw, err := t.client.Get(ctx, t.redisKey(namespace, key)).Bytes()
	if err == redis.Nil {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var we wireEntry
	if err := json.Unmarshal(raw, &we); err != nil {
		return Entry{}, false, err
	}
	value, err := decodeValue(namespace, we.Value)
	if err != nil {
		return Entry{}, false, err
	}
	entry := Entry{Value: value, FreshUntil: we.FreshUntil, StaleUntil: we.StaleUntil}
	if entry.isExpired(time.Now()) {
		return Entry{}, false, nil
	}
	return entry, true, nil
}

func (t *SharedTier) Set(ctx context.Context, namespace, key string, entry Entry) error {
	valueJSON, err := json.Marshal(entry.Value)
	if err != nil {
		return err
	}
	we := wireEntry{Value: valueJSON, FreshUntil: entry.FreshUntil, StaleUntil: entry.StaleUntil}
	payload, err := json.Marshal(we)
	if err != nil {
		return err
	}
	ttl := time.Until(entry.StaleUntil)
	if ttl <= 0 {
		ttl = time.Millisecond
	}
	return t.client.Set(ctx, t.redisKey(namespace, key), payload, ttl).Err()
}

func (t *SharedTier) Remove(ctx context.Context, namespace, key string) error {
	return t.client.Del(ctx, t.redisKey(namespace, key)).Err()
}
