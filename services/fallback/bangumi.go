package fallback

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"danmuhub/models"
	"danmuhub/services/cachestore"
	"danmuhub/services/store"
)

// BangumiDetails resolves an "A"-prefixed or raw numeric bangumi id to
// details plus an episode list. Virtual ids activate their cached binding:
// the show's skeleton rows are materialized and every episode gets a real
// 14-digit id a later /comment call can decode.
func (e *Engine) BangumiDetails(ctx context.Context, token, rawID string) (*models.DandanBangumiDetails, error) {
	idStr := strings.TrimPrefix(strings.TrimSpace(rawID), "A")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bangumi id %q is not numeric", rawID)
	}

	if IsVirtualAnimeID(id) {
		return e.virtualBangumi(ctx, token, id)
	}
	return e.libraryBangumi(ctx, id)
}

func (e *Engine) libraryBangumi(ctx context.Context, animeID int64) (*models.DandanBangumiDetails, error) {
	anime, err := e.store.Anime.GetByID(ctx, animeID)
	if err != nil {
		return nil, err
	}
	sources, err := e.store.Sources.ListByAnime(ctx, animeID)
	if err != nil {
		return nil, err
	}

	resp := &models.DandanBangumiDetails{}
	resp.Success = true
	resp.Bangumi.AnimeID = anime.ID
	resp.Bangumi.BangumiID = strconv.FormatInt(anime.ID, 10)
	resp.Bangumi.AnimeTitle = anime.Title
	resp.Bangumi.ImageURL = anime.ImageURL
	resp.Bangumi.Type = anime.Type.WireType()
	resp.Bangumi.TypeDescription = anime.Type.TypeDescription()
	resp.Bangumi.Episodes = []models.DandanBangumiEpisode{}

	// favorited source first; fall back to source order
	sort.SliceStable(sources, func(i, j int) bool {
		if sources[i].IsFavorited != sources[j].IsFavorited {
			return sources[i].IsFavorited
		}
		return sources[i].SourceOrder < sources[j].SourceOrder
	})
	for _, src := range sources {
		eps, err := e.store.Episodes.ListBySource(ctx, src.ID)
		if err != nil {
			return nil, err
		}
		for _, ep := range eps {
			episodeID, err := EncodeEpisodeID(anime.ID, src.SourceOrder, ep.EpisodeIndex)
			if err != nil {
				continue
			}
			resp.Bangumi.Episodes = append(resp.Bangumi.Episodes, models.DandanBangumiEpisode{
				EpisodeID:     episodeID,
				EpisodeTitle:  ep.Title,
				EpisodeNumber: strconv.Itoa(ep.EpisodeIndex),
			})
		}
		if len(resp.Bangumi.Episodes) > 0 {
			break
		}
	}
	return resp, nil
}

// virtualBangumi turns a minted search result into a playable episode list.
func (e *Engine) virtualBangumi(ctx context.Context, token string, virtualID int64) (*models.DandanBangumiDetails, error) {
	var binding animeBinding
	if err := e.cache.Get(ctx, animeBindingKey(virtualID), &binding); err != nil {
		if errors.Is(err, cachestore.ErrMiss) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	adapter, ok := e.scrapers.Get(binding.Provider)
	if !ok {
		return nil, fmt.Errorf("provider %q unavailable", binding.Provider)
	}
	remoteEps, err := adapter.GetEpisodes(ctx, binding.MediaID, binding.Type)
	if err != nil {
		return nil, err
	}

	realID, sourceOrder, err := e.ensureSkeleton(ctx, &binding)
	if err != nil {
		return nil, err
	}
	if binding.RealAnimeID != realID {
		binding.RealAnimeID = realID
		if err := e.cache.Set(ctx, animeBindingKey(virtualID), binding, animeBindingTTL); err != nil {
			return nil, err
		}
	}

	resp := &models.DandanBangumiDetails{}
	resp.Success = true
	resp.Bangumi.AnimeID = virtualID
	resp.Bangumi.BangumiID = strconv.FormatInt(virtualID, 10)
	resp.Bangumi.AnimeTitle = binding.Title
	resp.Bangumi.ImageURL = binding.Poster
	resp.Bangumi.Type = binding.Type.WireType()
	resp.Bangumi.TypeDescription = binding.Type.TypeDescription()
	resp.Bangumi.Episodes = make([]models.DandanBangumiEpisode, 0, len(remoteEps))

	show := episodeBinding{
		Provider:    binding.Provider,
		MediaID:     binding.MediaID,
		AnimeID:     realID,
		SourceOrder: sourceOrder,
		Title:       binding.Title,
		Season:      binding.FinalSeason,
		Type:        binding.Type,
		Year:        binding.Year,
		Poster:      binding.Poster,
	}
	if err := e.bindWholeShow(ctx, show); err != nil {
		return nil, err
	}

	for _, remote := range remoteEps {
		episodeID, err := EncodeEpisodeID(realID, sourceOrder, remote.EpisodeIndex)
		if err != nil {
			continue
		}
		eb := show
		eb.EpisodeIndex = remote.EpisodeIndex
		eb.ProviderEpisodeID = remote.EpisodeID
		eb.EpisodeTitle = remote.Title
		if err := e.bindEpisode(ctx, episodeID, eb); err != nil {
			return nil, err
		}
		resp.Bangumi.Episodes = append(resp.Bangumi.Episodes, models.DandanBangumiEpisode{
			EpisodeID:     episodeID,
			EpisodeTitle:  remote.Title,
			EpisodeNumber: strconv.Itoa(remote.EpisodeIndex),
		})
	}

	// remember the user's pick so the next search can prefer this source
	userKey := cachestore.PrefixUserLastBangumi + queryHash(token)
	if err := e.cache.Set(ctx, userKey, virtualID, wholeShowTTL); err != nil {
		return nil, err
	}
	return resp, nil
}

// ensureSkeleton materializes the Anime and AnimeSource rows behind a
// virtual binding (no episodes yet) and returns the real ids to mint with.
func (e *Engine) ensureSkeleton(ctx context.Context, binding *animeBinding) (int64, int, error) {
	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return 0, 0, err
	}
	defer tx.Rollback()

	animeRepo := e.store.Anime.WithTx(tx)
	sourceRepo := e.store.Sources.WithTx(tx)

	season := binding.FinalSeason
	if season < 1 {
		season = 1
	}
	anime, err := animeRepo.FindByTitleSeason(ctx, binding.Title, season)
	if errors.Is(err, store.ErrNotFound) {
		id, err := animeRepo.NextID(ctx)
		if err != nil {
			return 0, 0, err
		}
		anime = &models.Anime{
			ID:       id,
			Title:    binding.Title,
			Season:   season,
			Type:     binding.Type,
			Year:     binding.Year,
			ImageURL: binding.Poster,
		}
		if err := animeRepo.Create(ctx, anime); err != nil {
			return 0, 0, err
		}
	} else if err != nil {
		return 0, 0, err
	}

	source, err := sourceRepo.GetByProviderMedia(ctx, anime.ID, binding.Provider, binding.MediaID)
	if errors.Is(err, store.ErrNotFound) {
		order, err := sourceRepo.NextOrder(ctx, anime.ID)
		if err != nil {
			return 0, 0, err
		}
		source = &models.AnimeSource{
			AnimeID:      anime.ID,
			ProviderName: binding.Provider,
			MediaID:      binding.MediaID,
			SourceOrder:  order,
		}
		if err := sourceRepo.Create(ctx, source); err != nil {
			return 0, 0, err
		}
	} else if err != nil {
		return 0, 0, err
	}

	if err := animeRepo.SyncSequence(ctx); err != nil {
		return 0, 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, err
	}
	return anime.ID, source.SourceOrder, nil
}
