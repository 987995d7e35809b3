package fallback

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"danmuhub/models"
	"danmuhub/services/cachestore"
	"danmuhub/services/ratelimit"
	"danmuhub/services/tasks"
)

// preDownloadStats counts why pre-downloads were or were not dispatched,
// exposed on the admin surface for tuning the feature.
type preDownloadStats struct {
	mu       sync.Mutex
	counters map[string]int
}

func (s *preDownloadStats) bump(reason string) {
	s.mu.Lock()
	if s.counters == nil {
		s.counters = make(map[string]int)
	}
	s.counters[reason]++
	s.mu.Unlock()
}

// PreDownloadStats snapshots the skip/dispatch counters.
func (e *Engine) PreDownloadStats() map[string]int {
	e.preDownload.mu.Lock()
	defer e.preDownload.mu.Unlock()
	out := make(map[string]int, len(e.preDownload.counters))
	for k, v := range e.preDownload.counters {
		out[k] = v
	}
	return out
}

// maybePreDownload fires a best-effort fetch of episode n+1 after serving
// episode n. Failures are logged, never surfaced.
func (e *Engine) maybePreDownload(ctx context.Context, servedEpisodeID int64) {
	if !e.config.GetBool(ctx, keyPreDownloadEnabled) {
		e.preDownload.bump("disabled")
		return
	}
	if !e.config.GetBool(ctx, keyMatchFallbackEnabled) && !e.config.GetBool(ctx, keySearchFallbackEnabled) {
		e.preDownload.bump("fallback_disabled")
		return
	}

	animeID, sourceOrder, episodeIndex, _, err := DecodeEpisodeID(servedEpisodeID)
	if err != nil || episodeIndex >= maxEpisode {
		e.preDownload.bump("bad_id")
		return
	}
	nextIndex := episodeIndex + 1

	binding, err := e.lookupBinding(ctx, servedEpisodeID)
	if err != nil {
		e.preDownload.bump("no_binding")
		return
	}

	// skip when the next episode already has comments
	if source, err := e.store.Sources.GetByOrder(ctx, animeID, sourceOrder); err == nil {
		if ep, err := e.store.Episodes.GetByIndex(ctx, source.ID, nextIndex); err == nil && ep.CommentCount > 0 {
			e.preDownload.bump("already_present")
			return
		}
	}

	next := *binding
	next.EpisodeIndex = nextIndex
	next.ProviderEpisodeID = ""
	nextID, err := EncodeEpisodeID(animeID, sourceOrder, nextIndex)
	if err != nil {
		e.preDownload.bump("bad_id")
		return
	}

	uniqueKey := cachestore.PrefixPredownload + fmt.Sprintf("%s_%s_%d", binding.Provider, binding.MediaID, nextIndex)
	_, _, err = e.manager.Submit(ctx, tasks.Request{
		Title:     fmt.Sprintf("预下载: %s 第%d集", binding.Title, nextIndex),
		UniqueKey: uniqueKey,
		Queue:     models.QueueDownload,
		TaskType:  "preDownload",
		Run: func(taskCtx context.Context, progress tasks.ProgressReporter) error {
			adapter, ok := e.scrapers.Get(next.Provider)
			if !ok {
				return fmt.Errorf("provider %q unavailable", next.Provider)
			}
			fetched, err := e.fetchComments(taskCtx, adapter, nextID, &next, ratelimit.FallbackMatch, progress)
			if err != nil {
				return err
			}
			return &tasks.Success{Message: fmt.Sprintf("pre-downloaded %d comment(s)", len(fetched))}
		},
	})
	switch {
	case err == nil:
		e.preDownload.bump("dispatched")
	case isConflict(err):
		e.preDownload.bump("in_flight")
	default:
		e.preDownload.bump("submit_failed")
		log.Printf("[fallback] pre-download submit failed: %v", err)
	}
}

func isConflict(err error) bool {
	var conflict *tasks.ConflictError
	return errors.As(err, &conflict)
}
