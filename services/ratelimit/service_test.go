package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"danmuhub/internal/database"
)

func newTestService(t *testing.T, globalLimit, fallbackLimit int, quota QuotaFunc) *Service {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewService(db.Connection(), globalLimit, fallbackLimit, time.Hour, quota)
}

func TestCheckDeniesAtGlobalLimit(t *testing.T) {
	svc := newTestService(t, 3, 0, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := svc.Check(ctx, "bilibili"); err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
	}

	err := svc.Check(ctx, "bilibili")
	var limitErr *LimitExceededError
	if !errors.As(err, &limitErr) {
		t.Fatalf("expected LimitExceededError, got %v", err)
	}
	if limitErr.RetryAfter <= 0 || limitErr.RetryAfter > time.Hour {
		t.Fatalf("retry-after %s out of window", limitErr.RetryAfter)
	}
}

func TestWindowResetsAfterPeriod(t *testing.T) {
	svc := newTestService(t, 2, 0, nil)
	ctx := context.Background()

	base := time.Now()
	svc.now = func() time.Time { return base }

	for i := 0; i < 2; i++ {
		if err := svc.Check(ctx, "gamer"); err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
	}
	if err := svc.Check(ctx, "gamer"); err == nil {
		t.Fatal("third check should be denied")
	}

	svc.now = func() time.Time { return base.Add(time.Hour + time.Second) }
	if err := svc.Check(ctx, "gamer"); err != nil {
		t.Fatalf("check after window reset: %v", err)
	}
}

func TestProviderQuotaDeniesIndependently(t *testing.T) {
	quota := func(provider string) (int, bool) {
		if provider == "slow" {
			return 1, true
		}
		return 0, false
	}
	svc := newTestService(t, 0, 0, quota)
	ctx := context.Background()

	if err := svc.Check(ctx, "slow"); err != nil {
		t.Fatalf("first check: %v", err)
	}
	if err := svc.Check(ctx, "slow"); err == nil {
		t.Fatal("second check should hit the provider quota")
	}
	// Other providers are unaffected.
	if err := svc.Check(ctx, "fast"); err != nil {
		t.Fatalf("unlimited provider denied: %v", err)
	}
}

func TestFallbackBucketsAreSeparate(t *testing.T) {
	svc := newTestService(t, 0, 1, nil)
	ctx := context.Background()

	if err := svc.CheckFallback(ctx, FallbackMatch, "bilibili"); err != nil {
		t.Fatalf("match check: %v", err)
	}
	if err := svc.CheckFallback(ctx, FallbackMatch, "bilibili"); err == nil {
		t.Fatal("match bucket should be exhausted")
	}
	// The search bucket has its own counter.
	if err := svc.CheckFallback(ctx, FallbackSearch, "bilibili"); err != nil {
		t.Fatalf("search check: %v", err)
	}
}

func TestVerificationFailedRejectsEverything(t *testing.T) {
	svc := newTestService(t, 0, 0, nil)
	ctx := context.Background()

	svc.MarkVerificationFailed()

	if err := svc.Check(ctx, "any"); !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("Check: %v", err)
	}
	if err := svc.CheckFallback(ctx, FallbackMatch, "any"); !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("CheckFallback: %v", err)
	}

	// Status stays observable.
	if _, err := svc.Status(ctx); err != nil {
		t.Fatalf("Status: %v", err)
	}
}

func TestCheckConsumesExactlyOneSlot(t *testing.T) {
	svc := newTestService(t, 5, 5, nil)
	ctx := context.Background()

	if err := svc.Check(ctx, "bilibili"); err != nil {
		t.Fatalf("check: %v", err)
	}
	if err := svc.CheckFallback(ctx, FallbackMatch, "gamer"); err != nil {
		t.Fatalf("fallback check: %v", err)
	}

	buckets, err := svc.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	counts := map[string]int{}
	for _, b := range buckets {
		counts[b.Bucket] = b.Count
	}
	if counts[bucketGlobal] != 1 {
		t.Fatalf("global count = %d after one ok check, want 1", counts[bucketGlobal])
	}
	if counts["bilibili"] != 1 {
		t.Fatalf("provider count = %d, want 1", counts["bilibili"])
	}
	if counts[bucketFallbackMatch] != 1 {
		t.Fatalf("fallback count = %d, want 1", counts[bucketFallbackMatch])
	}
}

func TestStatusCarriesLimits(t *testing.T) {
	svc := newTestService(t, 10, 5, nil)
	ctx := context.Background()

	if err := svc.Check(ctx, "bilibili"); err != nil {
		t.Fatalf("check: %v", err)
	}

	buckets, err := svc.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}

	byName := map[string]BucketStatus{}
	for _, b := range buckets {
		byName[b.Bucket] = b
	}
	global, ok := byName[bucketGlobal]
	if !ok {
		t.Fatal("global bucket missing from status")
	}
	if global.Limit != 10 || global.Count != 1 {
		t.Fatalf("global bucket %+v", global)
	}
}
