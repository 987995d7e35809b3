package fallback

import (
	"context"
	"sort"
	"strconv"

	"danmuhub/models"
	"danmuhub/utils/episodes"
)

// LibrarySearch answers the library part of /search/episodes and
// /search/anime: anime whose titles contain the keyword, each with the
// episode list of its preferred source. episodeFilter > 0 keeps only anime
// that actually hold that episode number.
func (e *Engine) LibrarySearch(ctx context.Context, keyword string, episodeFilter int) ([]models.DandanSearchAnimeItem, error) {
	hits, err := e.store.Anime.SearchByTitle(ctx, keyword)
	if err != nil {
		return nil, err
	}

	items := make([]models.DandanSearchAnimeItem, 0, len(hits))
	for _, anime := range hits {
		sources, err := e.store.Sources.ListByAnime(ctx, anime.ID)
		if err != nil {
			return nil, err
		}
		if len(sources) == 0 {
			continue
		}
		sort.SliceStable(sources, func(i, j int) bool {
			if sources[i].IsFavorited != sources[j].IsFavorited {
				return sources[i].IsFavorited
			}
			return sources[i].SourceOrder < sources[j].SourceOrder
		})

		var (
			picked      []models.DandanEpisodeItem
			hasFavorite bool
		)
		for _, src := range sources {
			eps, err := e.store.Episodes.ListBySource(ctx, src.ID)
			if err != nil {
				return nil, err
			}
			if len(eps) == 0 {
				continue
			}
			for _, ep := range eps {
				if episodeFilter > 0 && ep.EpisodeIndex != episodeFilter {
					continue
				}
				id, err := EncodeEpisodeID(anime.ID, src.SourceOrder, ep.EpisodeIndex)
				if err != nil {
					continue
				}
				picked = append(picked, models.DandanEpisodeItem{EpisodeID: id, EpisodeTitle: ep.Title})
			}
			hasFavorite = src.IsFavorited
			break
		}
		if episodeFilter > 0 && len(picked) == 0 {
			continue
		}

		indexes, err := e.store.Episodes.IndexesByAnime(ctx, anime.ID)
		if err != nil {
			return nil, err
		}
		desc := anime.Type.TypeDescription()
		if len(indexes) > 0 {
			desc += "（库内：" + episodes.FormatRanges(indexes) + "）"
		}
		items = append(items, models.DandanSearchAnimeItem{
			AnimeID:         anime.ID,
			BangumiID:       strconv.FormatInt(anime.ID, 10),
			AnimeTitle:      anime.Title,
			Type:            anime.Type.WireType(),
			TypeDescription: desc,
			ImageURL:        anime.ImageURL,
			EpisodeCount:    len(indexes),
			IsFavorited:     hasFavorite,
			Episodes:        picked,
		})
	}
	return items, nil
}
