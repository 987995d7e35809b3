package fallback

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"danmuhub/models"
	"danmuhub/services/cachestore"
	"danmuhub/services/ratelimit"
	"danmuhub/services/scraper"
	"danmuhub/services/store"
	"danmuhub/services/tasks"
	"danmuhub/utils/episodes"
)

// Converter transforms comment text, e.g. simplified/traditional Chinese.
// The default is identity; a real converter is injected at wiring time.
type Converter interface {
	Convert(text string) string
}

type identityConverter struct{}

func (identityConverter) Convert(text string) string { return text }

var defaultConverter Converter = identityConverter{}

// SetConverter installs the chConvert implementation.
func (e *Engine) SetConverter(c Converter) {
	if c != nil {
		e.converter = c
	}
}

const (
	commentsCacheTTL = time.Hour
	sampledCacheTTL  = 24 * time.Hour
)

func commentsCacheKey(episodeID int64) string {
	return cachestore.PrefixComments + strconv.FormatInt(episodeID, 10)
}

func sampledCacheKey(episodeID int64, cap int) string {
	return cachestore.PrefixSampled + strconv.FormatInt(episodeID, 10) + "_" + strconv.Itoa(cap)
}

// CommentOptions carries the client flags of /comment/{episodeId}.
type CommentOptions struct {
	// ChConvert: 0 none, 1 simplified, 2 traditional.
	ChConvert int
	// WithRelated merges comments from the other sources of the same anime.
	WithRelated bool
}

// GetComments serves danmaku for an episode id: library first, then the
// cached fallback bindings, fetching from the provider when needed.
func (e *Engine) GetComments(ctx context.Context, token string, episodeID int64, opts CommentOptions) (*models.DandanCommentResponse, error) {
	animeID, sourceOrder, episodeIndex, _, err := DecodeEpisodeID(episodeID)
	if err != nil {
		return nil, err
	}

	// 1. library
	stored, err := e.libraryComments(ctx, animeID, sourceOrder, episodeIndex, opts.WithRelated)
	if err != nil {
		return nil, err
	}
	if len(stored) > 0 {
		e.maybePreDownload(ctx, episodeID)
		return e.finishComments(ctx, episodeID, stored, opts)
	}

	// 2. immediate cache hit from a concurrent fetch
	var cached []models.Comment
	if err := e.cache.Get(ctx, commentsCacheKey(episodeID), &cached); err == nil {
		e.maybePreDownload(ctx, episodeID)
		return e.finishComments(ctx, episodeID, cached, opts)
	} else if !errors.Is(err, cachestore.ErrMiss) {
		return nil, err
	}

	// 3. fallback fetch under a single-flight guard
	binding, err := e.lookupBinding(ctx, episodeID)
	if err != nil {
		if errors.Is(err, cachestore.ErrMiss) {
			return &models.DandanCommentResponse{Comments: []models.DandanComment{}}, nil
		}
		return nil, err
	}

	key := strconv.FormatInt(episodeID, 10)
	fetched, err, _ := e.commentsGroup.Do(key, func() (any, error) {
		return e.fetchAndMaterialize(ctx, episodeID, *binding)
	})
	if err != nil {
		return nil, err
	}
	comments := fetched.([]models.Comment)
	e.maybePreDownload(ctx, episodeID)
	return e.finishComments(ctx, episodeID, comments, opts)
}

// libraryComments loads stored comments. With withRelated the other sources
// of the same anime contribute, tagged by provider.
func (e *Engine) libraryComments(ctx context.Context, animeID int64, sourceOrder, episodeIndex int, withRelated bool) ([]models.Comment, error) {
	source, err := e.store.Sources.GetByOrder(ctx, animeID, sourceOrder)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ep, err := e.store.Episodes.GetByIndex(ctx, source.ID, episodeIndex)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out, err := e.store.Comments.ListByEpisode(ctx, ep.ID)
	if err != nil {
		return nil, err
	}

	if withRelated {
		sources, err := e.store.Sources.ListByAnime(ctx, animeID)
		if err != nil {
			return nil, err
		}
		for _, other := range sources {
			if other.ID == source.ID {
				continue
			}
			otherEp, err := e.store.Episodes.GetByIndex(ctx, other.ID, episodeIndex)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			related, err := e.store.Comments.ListByEpisode(ctx, otherEp.ID)
			if err != nil {
				return nil, err
			}
			for i := range related {
				related[i].ProviderTag = other.ProviderName
			}
			out = append(out, related...)
		}
	}
	return out, nil
}

// fetchAndMaterialize pulls comments from the provider, caches them
// immediately, then persists the library rows step by step.
func (e *Engine) fetchAndMaterialize(ctx context.Context, episodeID int64, binding episodeBinding) ([]models.Comment, error) {
	adapter, ok := e.scrapers.Get(binding.Provider)
	if !ok {
		return nil, fmt.Errorf("provider %q unavailable", binding.Provider)
	}

	kind := ratelimit.FallbackMatch
	uniqueKey := "match_fallback_comments_" + strconv.FormatInt(episodeID, 10)
	if binding.ProviderEpisodeID == "" {
		// whole-show bindings come from search sessions
		kind = ratelimit.FallbackSearch
		uniqueKey = "fallback_comments_" + strconv.FormatInt(episodeID, 10)
	}

	var comments []models.Comment
	_, done, err := e.manager.Submit(ctx, tasks.Request{
		Title:          fmt.Sprintf("弹幕抓取: %s 第%d集", binding.Title, binding.EpisodeIndex),
		UniqueKey:      uniqueKey,
		Queue:          models.QueueFallback,
		TaskType:       "commentsFallback",
		RunImmediately: true,
		Run: func(taskCtx context.Context, progress tasks.ProgressReporter) error {
			fetched, err := e.fetchComments(taskCtx, adapter, episodeID, &binding, kind, progress)
			if err != nil {
				return err
			}
			comments = fetched
			return &tasks.Success{Message: fmt.Sprintf("fetched %d comment(s)", len(fetched))}
		},
	})
	if err != nil {
		return nil, err
	}
	if err := <-done; err != nil {
		return nil, err
	}
	return comments, nil
}

func (e *Engine) fetchComments(ctx context.Context, adapter scraper.Adapter, episodeID int64, binding *episodeBinding, kind ratelimit.FallbackKind, progress tasks.ProgressReporter) ([]models.Comment, error) {
	// resolve provider episode id when only the whole-show record is known
	if binding.ProviderEpisodeID == "" {
		eps, err := adapter.GetEpisodes(ctx, binding.MediaID, binding.Type)
		if err != nil {
			return nil, err
		}
		for i := range eps {
			if eps[i].EpisodeIndex == binding.EpisodeIndex {
				binding.ProviderEpisodeID = eps[i].EpisodeID
				if binding.EpisodeTitle == "" {
					binding.EpisodeTitle = eps[i].Title
				}
				break
			}
		}
		if binding.ProviderEpisodeID == "" {
			return nil, fmt.Errorf("episode %d not found on %s/%s", binding.EpisodeIndex, binding.Provider, binding.MediaID)
		}
	}
	if err := e.cache.Set(ctx, routingKey(episodeID), routing{
		Provider:          binding.Provider,
		ProviderEpisodeID: binding.ProviderEpisodeID,
	}, routingTTL); err != nil {
		log.Printf("[fallback] persist routing failed: %v", err)
	}

	if err := e.limiter.CheckFallback(ctx, kind, binding.Provider); err != nil {
		return nil, err
	}
	if err := progress.Update(ctx, 20, "fetching comments"); err != nil {
		return nil, err
	}

	raw, err := adapter.GetComments(ctx, adapter.FormatEpisodeIDForComments(binding.ProviderEpisodeID), func(pct int, desc string) {
		_ = progress.Update(ctx, 20+pct*6/10, desc)
	})
	if err != nil {
		return nil, err
	}

	comments := make([]models.Comment, len(raw))
	for i, rc := range raw {
		comments[i] = models.Comment{
			TimeSec: rc.TimeSec,
			Mode:    rc.Mode,
			Color:   rc.Color,
			Text:    rc.Text,
		}
	}

	// cache first so concurrent pollers short-circuit even if the DB write
	// below fails
	if err := e.cache.Set(ctx, commentsCacheKey(episodeID), comments, commentsCacheTTL); err != nil {
		return nil, err
	}
	if err := progress.Update(ctx, 85, "storing comments"); err != nil {
		return nil, err
	}
	if err := e.materializeComments(ctx, episodeID, *binding, comments); err != nil {
		return nil, err
	}
	if err := e.bindWholeShow(ctx, *binding); err != nil {
		log.Printf("[fallback] refresh whole-show binding failed: %v", err)
	}
	return comments, nil
}

// materializeComments ensures Anime, AnimeSource and Episode rows exist and
// stores the comments. Each step is its own short transaction so a partial
// failure leaves consistent rows behind.
func (e *Engine) materializeComments(ctx context.Context, episodeID int64, binding episodeBinding, comments []models.Comment) error {
	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	animeRepo := e.store.Anime.WithTx(tx)
	sourceRepo := e.store.Sources.WithTx(tx)
	episodeRepo := e.store.Episodes.WithTx(tx)

	anime, err := animeRepo.GetByID(ctx, binding.AnimeID)
	if errors.Is(err, store.ErrNotFound) {
		anime = &models.Anime{
			ID:       binding.AnimeID,
			Title:    binding.Title,
			Season:   binding.Season,
			Type:     binding.Type,
			Year:     binding.Year,
			ImageURL: binding.Poster,
		}
		if err := animeRepo.Create(ctx, anime); err != nil {
			tx.Rollback()
			return err
		}
	} else if err != nil {
		tx.Rollback()
		return err
	}

	source, err := sourceRepo.GetByProviderMedia(ctx, anime.ID, binding.Provider, binding.MediaID)
	if errors.Is(err, store.ErrNotFound) {
		source = &models.AnimeSource{
			AnimeID:      anime.ID,
			ProviderName: binding.Provider,
			MediaID:      binding.MediaID,
			SourceOrder:  binding.SourceOrder,
		}
		if err := sourceRepo.Create(ctx, source); err != nil {
			tx.Rollback()
			return err
		}
	} else if err != nil {
		tx.Rollback()
		return err
	}

	title := binding.EpisodeTitle
	if title == "" {
		title = fmt.Sprintf("第%d集", binding.EpisodeIndex)
	}
	ep, err := episodeRepo.CreateIfNotExists(ctx, &models.Episode{
		SourceID:          source.ID,
		EpisodeIndex:      binding.EpisodeIndex,
		Title:             title,
		ProviderEpisodeID: binding.ProviderEpisodeID,
	})
	if err != nil {
		tx.Rollback()
		return err
	}
	if err := animeRepo.SyncSequence(ctx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	tx, err = e.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	commentRepo := e.store.Comments.WithTx(tx)
	if _, err := commentRepo.BulkInsert(ctx, ep.ID, comments); err != nil {
		tx.Rollback()
		return err
	}
	if err := e.store.Episodes.WithTx(tx).UpdateCommentCount(ctx, ep.ID); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// finishComments applies the output cap, chConvert and the wire projection.
func (e *Engine) finishComments(ctx context.Context, episodeID int64, comments []models.Comment, opts CommentOptions) (*models.DandanCommentResponse, error) {
	if limit := e.config.GetInt(ctx, keyOutputLimitPerSource, -1); limit > 0 && len(comments) > limit {
		var sampled []models.Comment
		if err := e.cache.Get(ctx, sampledCacheKey(episodeID, limit), &sampled); err == nil {
			comments = sampled
		} else {
			comments = episodes.SampleEvenly(comments, limit)
			if err := e.cache.Set(ctx, sampledCacheKey(episodeID, limit), comments, sampledCacheTTL); err != nil {
				log.Printf("[fallback] cache sampled comments failed: %v", err)
			}
		}
	}

	conv := defaultConverter
	if opts.ChConvert != 0 && e.converter != nil {
		conv = e.converter
	}

	resp := &models.DandanCommentResponse{Comments: make([]models.DandanComment, len(comments))}
	for i, c := range comments {
		resp.Comments[i] = models.DandanComment{
			CID: c.ID,
			P:   formatP(c),
			M:   conv.Convert(c.Text),
		}
		if resp.Comments[i].CID == 0 {
			resp.Comments[i].CID = int64(i + 1)
		}
	}
	resp.Count = len(resp.Comments)
	return resp, nil
}

// formatP renders the wire attribute string time,mode,color[,source]; the
// provider font-size component never survives.
func formatP(c models.Comment) string {
	p := strconv.FormatFloat(c.TimeSec, 'f', 2, 64) + "," + strconv.Itoa(c.Mode) + "," + strconv.Itoa(c.Color)
	if c.ProviderTag != "" {
		p += ",[" + c.ProviderTag + "]"
	}
	return p
}
