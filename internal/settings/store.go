package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Store is the key-value collaborator persisted settings live in. It
// enforces no schema; values are stored as JSON and handed back as
// decoded loosely typed values for [Resolve] to validate.
type Store interface {
	// Load returns every stored key. Missing keys are simply absent.
	Load(ctx context.Context) (map[string]any, error)
	// Save upserts the given keys, leaving other keys untouched.
	Save(ctx context.Context, values map[string]any) error
	Close() error
}

// Driver names accepted by [Open].
const (
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
	DriverMemory = "memory"
)

// ErrUnknownDriver is returned by [Open] for an unrecognized driver.
var ErrUnknownDriver = errors.New("unknown settings store driver")

// StoreOptions configures [Open].
type StoreOptions struct {
	Driver    string
	Path      string // sqlite database file
	RedisURL  string
	Namespace string
}

// Open creates the settings store selected by opts.Driver.
func Open(ctx context.Context, opts StoreOptions) (Store, error) {
	switch opts.Driver {
	case DriverSQLite, "":
		return NewSQLiteStore(opts.Path, opts.Namespace)
	case DriverRedis:
		ropts, err := redis.ParseURL(opts.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(ropts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		return NewRedisStore(client, opts.Namespace), nil
	case DriverMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, opts.Driver)
	}
}

// MemoryStore keeps settings in process memory. Used for tests and
// for deployments that configure everything through the API at boot.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string][]byte)}
}

// Load implements Store.
func (s *MemoryStore) Load(ctx context.Context) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]any, len(s.values))
	for k, raw := range s.values {
		v, err := decodeValue(raw)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

// Save implements Store.
func (s *MemoryStore) Save(ctx context.Context, values map[string]any) error {
	encoded, err := encodeValues(values)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, raw := range encoded {
		s.values[k] = raw
	}
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

func encodeValues(values map[string]any) (map[string][]byte, error) {
	out := make(map[string][]byte, len(values))
	for k, v := range values {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", k, err)
		}
		out[k] = raw
	}
	return out, nil
}

func decodeValue(raw []byte) (any, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}
