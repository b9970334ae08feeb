package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/suPer8Hu/chunkflow/internal/delivery"
)

// Registry keeps the latest-session entry under a single key. The TTL mirrors
// the resolver's max age so a forgotten entry cannot capture later calls.
type Registry struct {
	store *Store
	key   string
	ttl   time.Duration
}

func (s *Store) Registry(key string, ttl time.Duration) *Registry {
	return &Registry{store: s, key: key, ttl: ttl}
}

func (r *Registry) Latest(ctx context.Context) (*delivery.RegistryEntry, error) {
	b, err := r.store.rdb.Get(ctx, r.key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	var e delivery.RegistryEntry
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, &delivery.MalformedRecordError{Table: "registry", ID: r.key, Reason: err.Error()}
	}
	if e.FrontendSessionID == "" {
		return nil, &delivery.MalformedRecordError{Table: "registry", ID: r.key, Reason: "missing frontendSessionId"}
	}
	return &e, nil
}

func (r *Registry) Register(ctx context.Context, e delivery.RegistryEntry) error {
	if e.FrontendSessionID == "" {
		return errors.New("registry entry without session id")
	}
	if e.RegisteredAt.IsZero() {
		e.RegisteredAt = time.Now()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return r.store.rdb.Set(ctx, r.key, b, r.ttl).Err()
}
