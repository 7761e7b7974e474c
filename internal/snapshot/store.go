// Package snapshot caches permission snapshots in Redis and implements the
// cache-invalidation boundary of the propagation pipeline. Snapshot keys
// embed a per-user version; bumping the version invalidates every dependent
// entry synchronously, without touching the entries themselves.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const (
	userVersionPrefix = "authz:ver:user:"
	snapshotPrefix    = "authz:snap:"
	sessionPrefix     = "authz:snap:session:"
	permissionPrefix  = "authz:perm:session:"
)

// Store wraps Redis based snapshot caching with per-user versioning.
type Store struct {
	client *redis.Client
	ttl    time.Duration
	group  singleflight.Group
}

// NewStore instantiates the snapshot store.
func NewStore(client *redis.Client, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl}
}

// Version returns the user's current cache version, initialising when
// missing.
func (s *Store) Version(ctx context.Context, userID string) (int64, error) {
	ver, err := s.client.Get(ctx, userVersionPrefix+userID).Int64()
	if err == redis.Nil {
		if err := s.client.Set(ctx, userVersionPrefix+userID, 1, 0).Err(); err != nil {
			return 0, err
		}
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	return ver, nil
}

// BuildKey composes a snapshot key scoped to the user's current version.
func (s *Store) BuildKey(ctx context.Context, userID string, parts ...string) (string, error) {
	ver, err := s.Version(ctx, userID)
	if err != nil {
		return "", err
	}
	joined := strings.Join(append([]string{snapshotPrefix + "user:" + userID}, parts...), ":")
	return fmt.Sprintf("%s:v%d", joined, ver), nil
}

// FetchJSON loads a cached snapshot or populates it using the loader.
// Concurrent misses for the same key collapse into a single loader call.
func (s *Store) FetchJSON(ctx context.Context, key string, dest interface{}, loader func(context.Context) (interface{}, error)) error {
	if loader == nil {
		return errors.New("snapshot: loader required")
	}
	payload, err := s.client.Get(ctx, key).Bytes()
	if err == nil {
		return json.Unmarshal(payload, dest)
	}
	if err != redis.Nil {
		return err
	}

	raw, err, _ := s.rebuild(ctx, key, loader)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dest)
}

func (s *Store) rebuild(ctx context.Context, key string, loader func(context.Context) (interface{}, error)) ([]byte, error, bool) {
	resultChan := s.group.DoChan(key, func() (interface{}, error) {
		value, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		if err := s.client.Set(ctx, key, raw, s.ttl).Err(); err != nil {
			return nil, err
		}
		return raw, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err(), false
	case res := <-resultChan:
		if res.Err != nil {
			return nil, res.Err, res.Shared
		}
		return res.Val.([]byte), nil, res.Shared
	}
}

// EvictSession drops the session's cached authorization state, permissions
// included.
func (s *Store) EvictSession(ctx context.Context, userID, sessionID string) error {
	if err := s.client.Del(ctx, sessionPrefix+sessionID, permissionPrefix+sessionID).Err(); err != nil {
		return fmt.Errorf("snapshot: evict session %s: %w", sessionID, err)
	}
	return nil
}

// RefreshPermissions drops only the session's permissions sub-component.
func (s *Store) RefreshPermissions(ctx context.Context, userID, sessionID string) error {
	if err := s.client.Del(ctx, permissionPrefix+sessionID).Err(); err != nil {
		return fmt.Errorf("snapshot: refresh permissions %s: %w", sessionID, err)
	}
	return nil
}

// PutSessionSnapshot stores a session's authorization snapshot.
func (s *Store) PutSessionSnapshot(ctx context.Context, sessionID string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, sessionPrefix+sessionID, raw, s.ttl).Err()
}

// GetSessionSnapshot loads a session's authorization snapshot. Returns
// false when the entry is absent.
func (s *Store) GetSessionSnapshot(ctx context.Context, sessionID string, dest interface{}) (bool, error) {
	payload, err := s.client.Get(ctx, sessionPrefix+sessionID).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(payload, dest)
}
