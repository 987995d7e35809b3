package fallback

import (
	"context"
	"errors"
	"fmt"
	"log"

	"danmuhub/models"
	"danmuhub/services/store"
	"danmuhub/services/tasks"
)

// RefreshSource pulls the provider's episode list for one library source and
// fetches danmaku for episodes the library is missing (or has empty). Used
// by the incremental-refresh and webhook jobs.
func (e *Engine) RefreshSource(ctx context.Context, sourceID int64, progress tasks.ProgressReporter) (int, error) {
	source, err := e.store.Sources.GetByID(ctx, sourceID)
	if err != nil {
		return 0, err
	}
	anime, err := e.store.Anime.GetByID(ctx, source.AnimeID)
	if err != nil {
		return 0, err
	}
	adapter, ok := e.scrapers.Get(source.ProviderName)
	if !ok {
		return 0, fmt.Errorf("provider %q unavailable", source.ProviderName)
	}

	if err := e.limiter.Check(ctx, source.ProviderName); err != nil {
		return 0, err
	}
	remote, err := adapter.GetEpisodes(ctx, source.MediaID, anime.Type)
	if err != nil {
		_ = e.store.Sources.RecordRefreshResult(ctx, sourceID, false)
		return 0, err
	}

	added := 0
	for i, remoteEp := range remote {
		existing, err := e.store.Episodes.GetByIndex(ctx, sourceID, remoteEp.EpisodeIndex)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return added, err
		}
		if existing != nil && existing.CommentCount > 0 {
			continue
		}

		if progress != nil {
			if err := progress.Update(ctx, i*100/len(remote), fmt.Sprintf("updating %s 第%d集", anime.Title, remoteEp.EpisodeIndex)); err != nil {
				return added, err
			}
		}

		binding := episodeBinding{
			Provider:          source.ProviderName,
			MediaID:           source.MediaID,
			ProviderEpisodeID: remoteEp.EpisodeID,
			AnimeID:           anime.ID,
			SourceOrder:       source.SourceOrder,
			EpisodeIndex:      remoteEp.EpisodeIndex,
			Title:             anime.Title,
			EpisodeTitle:      remoteEp.Title,
			Season:            anime.Season,
			Type:              anime.Type,
			Year:              anime.Year,
			Poster:            anime.ImageURL,
		}
		episodeID, err := EncodeEpisodeID(anime.ID, source.SourceOrder, remoteEp.EpisodeIndex)
		if err != nil {
			log.Printf("[fallback] skip episode %d of source %d: %v", remoteEp.EpisodeIndex, sourceID, err)
			continue
		}

		if err := e.limiter.Check(ctx, source.ProviderName); err != nil {
			// window exhausted mid-refresh; stop here, the next run resumes
			log.Printf("[fallback] refresh of source %d paused: %v", sourceID, err)
			break
		}
		raw, err := adapter.GetComments(ctx, adapter.FormatEpisodeIDForComments(remoteEp.EpisodeID), nil)
		if err != nil {
			log.Printf("[fallback] comments for source %d episode %d failed: %v", sourceID, remoteEp.EpisodeIndex, err)
			continue
		}

		comments := make([]models.Comment, len(raw))
		for j, rc := range raw {
			comments[j] = models.Comment{TimeSec: rc.TimeSec, Mode: rc.Mode, Color: rc.Color, Text: rc.Text}
		}
		if err := e.materializeComments(ctx, episodeID, binding, comments); err != nil {
			return added, err
		}
		added++
	}

	if err := e.store.Sources.RecordRefreshResult(ctx, sourceID, true); err != nil {
		return added, err
	}
	return added, nil
}
