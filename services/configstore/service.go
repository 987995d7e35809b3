// Package configstore is the runtime key/value configuration backed by the
// database. Reads go through an in-memory cache that is invalidated on
// writes; registered defaults never overwrite user values.
package configstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"
)

// Entry is one configuration key with its display label.
type Entry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	Label string `json:"label,omitempty"`
}

// Service provides cached access to config_entry rows.
type Service struct {
	db *sql.DB

	mu       sync.RWMutex
	cache    map[string]string
	defaults map[string]Entry
}

// NewService builds the store over an open connection.
func NewService(db *sql.DB) *Service {
	return &Service{
		db:       db,
		cache:    make(map[string]string),
		defaults: make(map[string]Entry),
	}
}

// RegisterDefault seeds a key if absent. User-set values are preserved, only
// the label is refreshed.
func (s *Service) RegisterDefault(ctx context.Context, key, value, label string) error {
	s.mu.Lock()
	s.defaults[key] = Entry{Key: key, Value: value, Label: label}
	s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO config_entry (key, value, label) VALUES (?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET label = excluded.label`,
		key, value, label)
	if err != nil {
		return fmt.Errorf("register default %s: %w", key, err)
	}
	return nil
}

// Get returns the value for key, falling back to the registered default.
func (s *Service) Get(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	if v, ok := s.cache[key]; ok {
		s.mu.RUnlock()
		return v, nil
	}
	s.mu.RUnlock()

	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM config_entry WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		s.mu.RLock()
		def, ok := s.defaults[key]
		s.mu.RUnlock()
		if ok {
			return def.Value, nil
		}
		return "", nil
	}
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.cache[key] = value
	s.mu.Unlock()
	return value, nil
}

// GetBool parses the value as a boolean; unparseable values read false.
func (s *Service) GetBool(ctx context.Context, key string) bool {
	v, err := s.Get(ctx, key)
	if err != nil {
		return false
	}
	b, _ := strconv.ParseBool(v)
	return b
}

// GetInt parses the value as an integer, returning fallback when missing or
// malformed.
func (s *Service) GetInt(ctx context.Context, key string, fallback int) int {
	v, err := s.Get(ctx, key)
	if err != nil || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// Set writes a value and invalidates the cached copy.
func (s *Service) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO config_entry (key, value) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set config %s: %w", key, err)
	}

	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()
	return nil
}

// All returns every stored entry, for the admin surface.
func (s *Service) All(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value, label FROM config_entry ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value, &e.Label); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
