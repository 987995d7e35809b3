// Package cachestore is the TTL key/value cache backing fallback sessions,
// virtual-id bindings and sampled comment buffers. Values are stored as JSON
// in the database so multiple processes sharing the file see the same state.
package cachestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Key prefixes segment the cache into namespaces. These are a wire-level
// contract when the database is shared.
const (
	PrefixFallbackSearch  = "fallback_search_"
	PrefixFallbackEpisode = "fallback_episode_"
	PrefixFallbackAnime   = "fallback_anime_"
	PrefixEpisodeMapping  = "episode_mapping_"
	PrefixComments        = "comments_"
	PrefixSampled         = "sampled_"
	PrefixCommandCooldown = "command_cooldown_"
	PrefixTokenSearchTask = "token_search_task_"
	PrefixUserLastBangumi = "user_last_bangumi_"
	PrefixWebhookPending  = "webhook_pending_"
	PrefixExtComment      = "extcomment_"
	PrefixPredownload     = "predownload_"
)

// ErrMiss marks an absent or expired key.
var ErrMiss = errors.New("cachestore: miss")

// Service is the DB-backed cache.
type Service struct {
	db *sql.DB

	// keyed locks serialize GetOrSet per cache key
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewService builds the cache over an open connection.
func NewService(db *sql.DB) *Service {
	return &Service{db: db, locks: make(map[string]*sync.Mutex)}
}

// Get unmarshals the cached JSON for key into dst.
func (s *Service) Get(ctx context.Context, key string, dst any) error {
	var (
		raw       string
		expiresAt time.Time
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM cache_entry WHERE key = ?`, key).Scan(&raw, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrMiss
	}
	if err != nil {
		return err
	}
	if time.Now().After(expiresAt) {
		// Lazy purge; the periodic sweep handles the rest.
		_, _ = s.db.ExecContext(ctx, `DELETE FROM cache_entry WHERE key = ?`, key)
		return ErrMiss
	}
	return json.Unmarshal([]byte(raw), dst)
}

// Set stores value as JSON with the given TTL. Last writer wins.
func (s *Service) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cache value %s: %w", key, err)
	}
	expiresAt := time.Now().Add(ttl).UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO cache_entry (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, string(raw), expiresAt)
	return err
}

// Delete removes a key.
func (s *Service) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cache_entry WHERE key = ?`, key)
	return err
}

// KeysByPrefix lists live keys in one namespace.
func (s *Service) KeysByPrefix(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM cache_entry WHERE key LIKE ? AND expires_at > ? ORDER BY key`,
		prefix+"%", time.Now().UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// ClearPrefix drops an entire namespace.
func (s *Service) ClearPrefix(ctx context.Context, prefix string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cache_entry WHERE key LIKE ?`, prefix+"%")
	return err
}

// GetOrSet returns the cached value for key, or computes, stores and returns
// it. The compute function runs at most once per key at a time; concurrent
// callers block on a per-key lock then re-check.
func (s *Service) GetOrSet(ctx context.Context, key string, dst any, ttl time.Duration, compute func(context.Context) (any, error)) error {
	if err := s.Get(ctx, key, dst); err == nil {
		return nil
	} else if !errors.Is(err, ErrMiss) {
		return err
	}

	lock := s.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	if err := s.Get(ctx, key, dst); err == nil {
		return nil
	} else if !errors.Is(err, ErrMiss) {
		return err
	}

	value, err := compute(ctx)
	if err != nil {
		return err
	}
	if err := s.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	return s.Get(ctx, key, dst)
}

func (s *Service) keyLock(key string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	if l, ok := s.locks[key]; ok {
		return l
	}
	l := &sync.Mutex{}
	s.locks[key] = l
	return l
}

// Sweep removes expired rows; the scheduler runs it periodically.
func (s *Service) Sweep(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cache_entry WHERE expires_at <= ?`, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
