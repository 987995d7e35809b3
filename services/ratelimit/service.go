// Package ratelimit enforces global, per-provider and fallback request
// windows. Buckets are fixed windows (count, last_reset) persisted in
// rate_limit_state so restarts keep quota accounting.
package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// Reserved bucket names. Provider buckets use the bare provider name.
const (
	bucketGlobal         = "__global__"
	bucketFallbackMatch  = "__fallback_match__"
	bucketFallbackSearch = "__fallback_search__"
)

// FallbackKind selects the fallback sub-bucket.
type FallbackKind string

const (
	FallbackMatch  FallbackKind = "match"
	FallbackSearch FallbackKind = "search"
)

// LimitExceededError reports a denied check and when the window resets.
type LimitExceededError struct {
	Bucket     string
	RetryAfter time.Duration
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry in %s", e.Bucket, e.RetryAfter.Round(time.Second))
}

// ErrVerificationFailed is returned for every check while the limiter is in
// integrity-failure mode.
var ErrVerificationFailed = errors.New("ratelimit: configuration verification failed")

// QuotaFunc resolves a provider's declared quota; (0, false) = unlimited.
type QuotaFunc func(provider string) (int, bool)

// BucketStatus is one row of the observability snapshot.
type BucketStatus struct {
	Bucket      string    `json:"bucket"`
	Count       int       `json:"count"`
	Limit       int       `json:"limit"` // 0 = unlimited
	LastResetAt time.Time `json:"lastResetAt"`
	ResetsAt    time.Time `json:"resetsAt"`
}

// Service is the limiter.
type Service struct {
	db *sql.DB

	globalLimit   int
	fallbackLimit int
	period        time.Duration
	providerQuota QuotaFunc

	mu                 sync.Mutex
	verificationFailed bool
	now                func() time.Time
}

// NewService builds the limiter with window configuration from bootstrap
// settings. quota resolves per-provider limits from the adapter registry.
func NewService(db *sql.DB, globalLimit, fallbackLimit int, period time.Duration, quota QuotaFunc) *Service {
	if quota == nil {
		quota = func(string) (int, bool) { return 0, false }
	}
	return &Service{
		db:            db,
		globalLimit:   globalLimit,
		fallbackLimit: fallbackLimit,
		period:        period,
		providerQuota: quota,
		now:           time.Now,
	}
}

// MarkVerificationFailed switches the limiter into reject-all mode. Status()
// keeps working so the failure is observable.
func (s *Service) MarkVerificationFailed() {
	s.mu.Lock()
	s.verificationFailed = true
	s.mu.Unlock()
	log.Printf("[ratelimit] configuration verification failed, rejecting all checks")
}

// Check validates and consumes one request for a provider. The global bucket
// is evaluated first; a global hit masks the provider decision. The counter
// increments only when the check passes.
func (s *Service) Check(ctx context.Context, provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.verificationFailed {
		return ErrVerificationFailed
	}

	if err := s.checkBucket(ctx, bucketGlobal, s.globalLimit); err != nil {
		return err
	}
	limit := 0
	if q, ok := s.providerQuota(provider); ok {
		limit = q
	}
	if err := s.checkBucket(ctx, provider, limit); err != nil {
		return err
	}

	if err := s.bump(ctx, bucketGlobal); err != nil {
		return err
	}
	return s.bump(ctx, provider)
}

// CheckFallback validates and consumes one request in the fallback bucket
// for the given kind, then in the provider bucket.
func (s *Service) CheckFallback(ctx context.Context, kind FallbackKind, provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.verificationFailed {
		return ErrVerificationFailed
	}

	bucket := bucketFallbackMatch
	if kind == FallbackSearch {
		bucket = bucketFallbackSearch
	}

	if err := s.checkBucket(ctx, bucket, s.fallbackLimit); err != nil {
		return err
	}
	limit := 0
	if q, ok := s.providerQuota(provider); ok {
		limit = q
	}
	if err := s.checkBucket(ctx, provider, limit); err != nil {
		return err
	}

	if err := s.bump(ctx, bucket); err != nil {
		return err
	}
	return s.bump(ctx, provider)
}

// checkBucket evaluates one bucket without consuming. A zero limit means
// unlimited.
func (s *Service) checkBucket(ctx context.Context, bucket string, limit int) error {
	if limit <= 0 {
		return nil
	}
	count, lastReset, err := s.load(ctx, bucket)
	if err != nil {
		return err
	}

	now := s.now()
	if now.Sub(lastReset) >= s.period {
		count = 0
		lastReset = now
		if err := s.reset(ctx, bucket, now); err != nil {
			return err
		}
	}

	if count >= limit {
		retry := s.period - now.Sub(lastReset)
		if retry <= 0 {
			retry = time.Second
		}
		return &LimitExceededError{Bucket: bucket, RetryAfter: retry}
	}
	return nil
}

// bump resets a stale window then increments the counter.
func (s *Service) bump(ctx context.Context, bucket string) error {
	_, lastReset, err := s.load(ctx, bucket)
	if err != nil {
		return err
	}
	now := s.now()
	if now.Sub(lastReset) >= s.period {
		if err := s.reset(ctx, bucket, now); err != nil {
			return err
		}
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE rate_limit_state SET request_count = request_count + 1 WHERE provider_name = ?`, bucket)
	return err
}

func (s *Service) load(ctx context.Context, bucket string) (int, time.Time, error) {
	var (
		count     int
		lastReset time.Time
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT request_count, last_reset_time FROM rate_limit_state WHERE provider_name = ?`, bucket).
		Scan(&count, &lastReset)
	if errors.Is(err, sql.ErrNoRows) {
		now := s.now().UTC()
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO rate_limit_state (provider_name, request_count, last_reset_time) VALUES (?, 0, ?)
			 ON CONFLICT (provider_name) DO NOTHING`, bucket, now)
		return 0, now, err
	}
	if err != nil {
		return 0, time.Time{}, err
	}
	return count, lastReset, nil
}

func (s *Service) reset(ctx context.Context, bucket string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE rate_limit_state SET request_count = 0, last_reset_time = ? WHERE provider_name = ?`,
		at.UTC(), bucket)
	return err
}

// Status snapshots every bucket with its configured limit and reset time.
// Available even in verification-failed mode.
func (s *Service) Status(ctx context.Context) ([]BucketStatus, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT provider_name, request_count, last_reset_time FROM rate_limit_state ORDER BY provider_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BucketStatus
	for rows.Next() {
		var b BucketStatus
		if err := rows.Scan(&b.Bucket, &b.Count, &b.LastResetAt); err != nil {
			return nil, err
		}
		switch b.Bucket {
		case bucketGlobal:
			b.Limit = s.globalLimit
		case bucketFallbackMatch, bucketFallbackSearch:
			b.Limit = s.fallbackLimit
		default:
			if q, ok := s.providerQuota(b.Bucket); ok {
				b.Limit = q
			}
		}
		b.ResetsAt = b.LastResetAt.Add(s.period)
		out = append(out, b)
	}
	return out, rows.Err()
}
