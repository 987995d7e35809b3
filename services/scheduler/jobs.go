package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"danmuhub/services/cachestore"
	"danmuhub/services/metasource"
	"danmuhub/services/store"
	"danmuhub/services/tasks"
)

// SourceRefresher pulls fresh episodes/comments for one library source.
// Implemented by the fallback engine.
type SourceRefresher interface {
	RefreshSource(ctx context.Context, sourceID int64, progress tasks.ProgressReporter) (newEpisodes int, err error)
}

// IncrementalRefreshJob re-pulls every source flagged for incremental
// refresh, newest flagged first.
type IncrementalRefreshJob struct {
	Store     *store.Store
	Refresher SourceRefresher
}

func (j *IncrementalRefreshJob) JobType() string     { return "incrementalRefresh" }
func (j *IncrementalRefreshJob) DisplayName() string { return "定时增量更新" }
func (j *IncrementalRefreshJob) Singleton() bool     { return true }

func (j *IncrementalRefreshJob) Run(ctx context.Context, progress tasks.ProgressReporter) error {
	sources, err := j.Store.Sources.ListIncremental(ctx)
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		return &tasks.Success{Message: "no sources flagged for incremental refresh"}
	}

	var total, failed int
	for i, src := range sources {
		pct := i * 100 / len(sources)
		if err := progress.Update(ctx, pct, fmt.Sprintf("refreshing source %d/%d", i+1, len(sources))); err != nil {
			return err
		}
		added, err := j.Refresher.RefreshSource(ctx, src.ID, progress)
		if err != nil {
			log.Printf("[scheduler] incremental refresh of source %d failed: %v", src.ID, err)
			failed++
			continue
		}
		total += added
	}
	return &tasks.Success{Message: fmt.Sprintf("refreshed %d source(s), %d new episode(s), %d failed", len(sources), total, failed)}
}

// TmdbAutoMapJob fetches TMDB episode groups for shows that have a TMDB id
// but no group mapping yet, and materializes the largest group's mapping.
type TmdbAutoMapJob struct {
	Store *store.Store
	Tmdb  *metasource.TmdbSource
}

func (j *TmdbAutoMapJob) JobType() string     { return "tmdbAutoMap" }
func (j *TmdbAutoMapJob) DisplayName() string { return "TMDB剧集组自动映射" }
func (j *TmdbAutoMapJob) Singleton() bool     { return true }

func (j *TmdbAutoMapJob) Run(ctx context.Context, progress tasks.ProgressReporter) error {
	candidates, err := j.Store.Anime.ListUnmappedTmdb(ctx)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return &tasks.Success{Message: "all TMDB-linked entries already mapped"}
	}

	mapped := 0
	for i, anime := range candidates {
		if err := progress.Update(ctx, i*100/len(candidates), "mapping "+anime.Title); err != nil {
			return err
		}
		groups, err := j.Tmdb.EpisodeGroups(ctx, anime.TmdbID)
		if err != nil {
			log.Printf("[scheduler] tmdb groups for %s (tmdb %s): %v", anime.Title, anime.TmdbID, err)
			continue
		}
		best := pickLargestGroup(groups)
		if best == nil {
			continue
		}
		for _, entry := range best.Entries {
			if err := j.Store.Mappings.Upsert(ctx, entry); err != nil {
				return err
			}
		}
		if err := j.Store.Anime.SetTmdbMapping(ctx, anime.ID, anime.TmdbID, best.ID); err != nil {
			return err
		}
		mapped++
	}
	return &tasks.Success{Message: fmt.Sprintf("mapped %d/%d entr(ies)", mapped, len(candidates))}
}

func pickLargestGroup(groups []metasource.EpisodeGroup) *metasource.EpisodeGroup {
	var best *metasource.EpisodeGroup
	for i := range groups {
		if best == nil || len(groups[i].Entries) > len(best.Entries) {
			best = &groups[i]
		}
	}
	if best == nil || len(best.Entries) == 0 {
		return nil
	}
	return best
}

// webhookEvent is the payload queued by the webhook handler for deferred
// processing.
type webhookEvent struct {
	SourceID   int64     `json:"sourceId"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// WebhookProcessorJob drains refresh requests queued by inbound webhooks
// (media-server "new episode" notifications) and refreshes each source once,
// even when several events piled up for it.
type WebhookProcessorJob struct {
	Store     *store.Store
	Cache     *cachestore.Service
	Refresher SourceRefresher
}

func (j *WebhookProcessorJob) JobType() string     { return "webhookProcessor" }
func (j *WebhookProcessorJob) DisplayName() string { return "Webhook任务处理" }
func (j *WebhookProcessorJob) Singleton() bool     { return true }

func (j *WebhookProcessorJob) Run(ctx context.Context, progress tasks.ProgressReporter) error {
	keys, err := j.Cache.KeysByPrefix(ctx, cachestore.PrefixWebhookPending)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return &tasks.Success{Message: "no pending webhook events"}
	}

	seen := make(map[int64]bool)
	processed := 0
	for i, key := range keys {
		if err := progress.Update(ctx, i*100/len(keys), fmt.Sprintf("processing webhook event %d/%d", i+1, len(keys))); err != nil {
			return err
		}
		var ev webhookEvent
		if err := j.Cache.Get(ctx, key, &ev); err != nil {
			if errors.Is(err, cachestore.ErrMiss) {
				continue
			}
			return err
		}
		if !seen[ev.SourceID] {
			seen[ev.SourceID] = true
			if _, err := j.Refresher.RefreshSource(ctx, ev.SourceID, progress); err != nil {
				log.Printf("[scheduler] webhook refresh of source %d failed: %v", ev.SourceID, err)
			} else {
				processed++
			}
		}
		if err := j.Cache.Delete(ctx, key); err != nil {
			return err
		}
	}
	return &tasks.Success{Message: fmt.Sprintf("drained %d event(s), refreshed %d source(s)", len(keys), processed)}
}

// CacheSweepJob evicts expired cache_entry rows.
type CacheSweepJob struct {
	Cache *cachestore.Service
}

func (j *CacheSweepJob) JobType() string     { return "cacheSweep" }
func (j *CacheSweepJob) DisplayName() string { return "缓存清理" }
func (j *CacheSweepJob) Singleton() bool     { return false }

func (j *CacheSweepJob) Run(ctx context.Context, progress tasks.ProgressReporter) error {
	n, err := j.Cache.Sweep(ctx)
	if err != nil {
		return err
	}
	return &tasks.Success{Message: fmt.Sprintf("evicted %d expired entr(ies)", n)}
}

// TokenResetJob zeroes every token's daily call counter.
type TokenResetJob struct {
	Store *store.Store
}

func (j *TokenResetJob) JobType() string     { return "tokenReset" }
func (j *TokenResetJob) DisplayName() string { return "Token计数重置" }
func (j *TokenResetJob) Singleton() bool     { return false }

func (j *TokenResetJob) Run(ctx context.Context, progress tasks.ProgressReporter) error {
	if err := j.Store.Tokens.ResetCallCounts(ctx); err != nil {
		return err
	}
	return &tasks.Success{Message: "token call counters reset"}
}

// EnsureDefaults seeds the built-in schedules on first boot. Existing rows,
// including user-edited ones, are left alone.
func (s *Scheduler) EnsureDefaults(ctx context.Context) error {
	defaults := []struct {
		name, jobType, cronExpr string
	}{
		{"定时增量更新", "incrementalRefresh", "0 */4 * * *"},
		{"TMDB剧集组自动映射", "tmdbAutoMap", "30 4 * * *"},
		{"Webhook任务处理", "webhookProcessor", "*/10 * * * *"},
		{"缓存清理", "cacheSweep", "15 * * * *"},
		{"Token计数重置", "tokenReset", "0 0 * * *"},
	}
	for _, d := range defaults {
		n, err := s.store.Schedule.CountByJobType(ctx, d.jobType)
		if err != nil {
			return err
		}
		if n > 0 {
			continue
		}
		if _, err := s.CreateSchedule(ctx, d.name, d.jobType, d.cronExpr, true); err != nil {
			// another instance may have seeded concurrently
			if strings.Contains(err.Error(), "already has a schedule") {
				continue
			}
			return err
		}
	}
	return nil
}
