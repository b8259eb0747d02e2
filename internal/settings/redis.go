package settings

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps settings in a single Redis hash, one field per key,
// so several CAAL instances can share one settings source.
type RedisStore struct {
	client redis.UniversalClient
	key    string
}

// NewRedisStore stores settings under the hash "<namespace>:settings".
func NewRedisStore(client redis.UniversalClient, namespace string) *RedisStore {
	return &RedisStore{client: client, key: namespace + ":settings"}
}

// Load implements Store.
func (s *RedisStore) Load(ctx context.Context) (map[string]any, error) {
	fields, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", s.key, err)
	}

	out := make(map[string]any, len(fields))
	for k, raw := range fields {
		v, err := decodeValue([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

// Save implements Store.
func (s *RedisStore) Save(ctx context.Context, values map[string]any) error {
	if len(values) == 0 {
		return nil
	}
	encoded, err := encodeValues(values)
	if err != nil {
		return err
	}

	args := make(map[string]any, len(encoded))
	for k, raw := range encoded {
		args[k] = string(raw)
	}
	if err := s.client.HSet(ctx, s.key, args).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", s.key, err)
	}
	return nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
