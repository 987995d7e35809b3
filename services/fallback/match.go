package fallback

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"danmuhub/models"
	"danmuhub/services/cachestore"
	"danmuhub/services/store"
	"danmuhub/services/tasks"
	"danmuhub/utils/similarity"
	"danmuhub/utils/titleparse"
)

const (
	matchTaskBudget  = 30 * time.Second
	matchDedupeTTL   = 5 * time.Minute
	aliasSimilarity  = 0.70
	favoriteMinScore = 0.80
)

func matchResultKey(parsed titleparse.Parsed) string {
	return "match_fallback_result_" + queryHash(fmt.Sprintf("%s|%d|%d", parsed.Title, parsed.Season, parsed.Episode))
}

// Match resolves a filename to an episode id. Library first, then TMDB
// episode-group remapping, then the network fallback task with a 30-second
// wall-clock budget.
func (e *Engine) Match(ctx context.Context, token, fileName string) (*models.DandanMatchResponse, error) {
	resp := &models.DandanMatchResponse{Matches: []models.DandanMatchItem{}}
	resp.Success = true

	parsed := titleparse.ParseFileName(fileName)
	if parsed.Title == "" {
		return resp, nil
	}
	title, seasonShift, episodeShift := e.applyTitleRecognition(ctx, parsed.Title)
	parsed.Title = title
	parsed.Season += seasonShift
	if parsed.Episode > 0 {
		parsed.Episode += episodeShift
	}

	// 1. library direct match
	items, err := e.matchLibrary(ctx, parsed)
	if err != nil {
		return nil, err
	}
	if len(items) > 0 {
		resp.Matches = items
		resp.IsMatched = allSameAnime(items)
		if resp.IsMatched {
			resp.Matches = items[:1]
		}
		return resp, nil
	}

	// 2. TMDB episode-group remap
	if !parsed.IsMovie {
		if item, ok, err := e.matchViaTmdbGroup(ctx, parsed); err != nil {
			return nil, err
		} else if ok {
			resp.IsMatched = true
			resp.Matches = []models.DandanMatchItem{*item}
			return resp, nil
		}
	}

	// 3. network fallback
	item, err := e.matchViaNetwork(ctx, token, fileName, parsed)
	if err != nil {
		return nil, err
	}
	if item != nil {
		resp.IsMatched = true
		resp.Matches = []models.DandanMatchItem{*item}
	}
	return resp, nil
}

func allSameAnime(items []models.DandanMatchItem) bool {
	for _, it := range items[1:] {
		if it.AnimeID != items[0].AnimeID {
			return false
		}
	}
	return true
}

// matchLibrary collects library hits for the parsed filename, favorited
// sources first.
func (e *Engine) matchLibrary(ctx context.Context, parsed titleparse.Parsed) ([]models.DandanMatchItem, error) {
	hits, err := e.store.Anime.SearchByTitle(ctx, parsed.Title)
	if err != nil {
		return nil, err
	}

	var items []models.DandanMatchItem
	for _, anime := range hits {
		if similarity.Similarity(anime.Title, parsed.Title) < aliasSimilarity {
			continue
		}
		if parsed.IsMovie != (anime.Type == models.AnimeTypeMovie) {
			continue
		}
		if !parsed.IsMovie && parsed.Season > 0 && anime.Season != parsed.Season {
			continue
		}

		sources, err := e.store.Sources.ListByAnime(ctx, anime.ID)
		if err != nil {
			return nil, err
		}
		sort.SliceStable(sources, func(i, j int) bool {
			if sources[i].IsFavorited != sources[j].IsFavorited {
				return sources[i].IsFavorited
			}
			return sources[i].SourceOrder < sources[j].SourceOrder
		})

		wantIndex := parsed.Episode
		if parsed.IsMovie {
			wantIndex = 1
		}
		for _, src := range sources {
			ep, err := e.store.Episodes.GetByIndex(ctx, src.ID, wantIndex)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			id, err := EncodeEpisodeID(anime.ID, src.SourceOrder, ep.EpisodeIndex)
			if err != nil {
				return nil, err
			}
			items = append(items, models.DandanMatchItem{
				EpisodeID:       id,
				AnimeID:         anime.ID,
				AnimeTitle:      anime.Title,
				EpisodeTitle:    ep.Title,
				Type:            anime.Type.WireType(),
				TypeDescription: anime.Type.TypeDescription(),
				ImageURL:        anime.ImageURL,
			})
			break // one item per anime, best source
		}
	}
	return items, nil
}

// matchViaTmdbGroup remaps a bare episode number through a recorded TMDB
// episode group, then retries the library with the mapped season/episode.
func (e *Engine) matchViaTmdbGroup(ctx context.Context, parsed titleparse.Parsed) (*models.DandanMatchItem, bool, error) {
	hits, err := e.store.Anime.SearchByTitle(ctx, parsed.Title)
	if err != nil {
		return nil, false, err
	}
	for _, anime := range hits {
		if anime.TmdbID == "" || anime.TmdbGroup == "" {
			continue
		}
		tvID, err := strconv.ParseInt(anime.TmdbID, 10, 64)
		if err != nil {
			continue
		}
		mapping, err := e.store.Mappings.FindByGroupEpisode(ctx, tvID, anime.TmdbGroup, parsed.Episode)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, false, err
		}

		remapped := parsed
		remapped.Season = mapping.TmdbSeason
		remapped.Episode = mapping.TmdbEpisode
		items, err := e.matchLibrary(ctx, remapped)
		if err != nil {
			return nil, false, err
		}
		if len(items) > 0 {
			return &items[0], true, nil
		}
	}
	return nil, false, nil
}

// matchViaNetwork dispatches the fallback search task and waits out the
// wall-clock budget. A nil item with nil error means "not matched (yet)".
func (e *Engine) matchViaNetwork(ctx context.Context, token, fileName string, parsed titleparse.Parsed) (*models.DandanMatchItem, error) {
	if !e.config.GetBool(ctx, keyMatchFallbackEnabled) || !e.tokenAuthorized(ctx, token) {
		return nil, nil
	}
	if e.fileNameBlacklisted(ctx, fileName) {
		return nil, nil
	}

	// a completed fallback for the same logical episode within the dedupe
	// window answers directly
	resultKey := matchResultKey(parsed)
	var cached models.DandanMatchItem
	if err := e.cache.Get(ctx, resultKey, &cached); err == nil {
		return &cached, nil
	} else if !errors.Is(err, cachestore.ErrMiss) {
		return nil, err
	}

	_, done, err := e.manager.Submit(ctx, tasks.Request{
		Title:     "匹配后备: " + parsed.Reconstructed(),
		UniqueKey: "match_fallback_" + queryHash(fmt.Sprintf("%s|%d|%d", parsed.Title, parsed.Season, parsed.Episode)),
		Queue:     models.QueueFallback,
		TaskType:  "matchFallback",
		Run: func(taskCtx context.Context, progress tasks.ProgressReporter) error {
			item, err := e.runNetworkMatch(taskCtx, parsed, progress)
			if err != nil {
				return err
			}
			if item == nil {
				return &tasks.Success{Message: "no candidate validated"}
			}
			if err := e.cache.Set(taskCtx, resultKey, item, matchDedupeTTL); err != nil {
				return err
			}
			return &tasks.Success{Message: "matched " + item.AnimeTitle}
		},
	})
	if err != nil {
		var conflict *tasks.ConflictError
		if errors.As(err, &conflict) {
			// in-flight task for the same episode; wait on the cache below
			done = nil
		} else {
			return nil, err
		}
	}

	deadline := time.NewTimer(matchTaskBudget)
	defer deadline.Stop()
	if done != nil {
		select {
		case <-done:
		case <-deadline.C:
			return nil, nil // task keeps running; this request reports unmatched
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	} else {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
	poll:
		for {
			select {
			case <-ticker.C:
				if err := e.cache.Get(ctx, resultKey, &cached); err == nil {
					return &cached, nil
				}
			case <-deadline.C:
				break poll
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	if err := e.cache.Get(ctx, resultKey, &cached); err == nil {
		return &cached, nil
	}
	return nil, nil
}

func (e *Engine) fileNameBlacklisted(ctx context.Context, fileName string) bool {
	raw, err := e.config.Get(ctx, keyMatchFallbackBlacklist)
	if err != nil || strings.TrimSpace(raw) == "" {
		return false
	}
	re, err := regexp.Compile(raw)
	if err != nil {
		log.Printf("[fallback] bad match blacklist regex: %v", err)
		return false
	}
	return re.MatchString(fileName)
}

// runNetworkMatch is the fallback task body: search, score, select, probe,
// then materialize ids and rows.
func (e *Engine) runNetworkMatch(ctx context.Context, parsed titleparse.Parsed, progress tasks.ProgressReporter) (*models.DandanMatchItem, error) {
	if err := progress.Update(ctx, 5, "expanding aliases"); err != nil {
		return nil, err
	}
	keywords := append([]string{parsed.Title}, e.meta.Aliases(ctx, parsed.Title)...)

	var epInfo *models.EpisodeInfo
	if !parsed.IsMovie {
		epInfo = &models.EpisodeInfo{Season: parsed.Season, Episode: parsed.Episode}
	}

	if err := progress.Update(ctx, 20, "searching providers"); err != nil {
		return nil, err
	}
	results := e.scrapers.SearchAll(ctx, keywords, epInfo)
	candidates := e.scoreCandidates(parsed, keywords, results)
	if len(candidates) == 0 {
		return nil, nil
	}

	if err := progress.Update(ctx, 50, "selecting candidate"); err != nil {
		return nil, err
	}
	ordered := e.selectCandidates(ctx, parsed, candidates)

	if err := progress.Update(ctx, 65, "validating candidate"); err != nil {
		return nil, err
	}
	chosen, chosenEpisode, err := e.probeCandidates(ctx, parsed, ordered)
	if err != nil {
		return nil, err
	}
	if chosen == nil {
		return nil, nil
	}

	title, season := e.applySeasonRename(ctx, chosen.Info.Title, effectiveSeason(parsed))

	if err := progress.Update(ctx, 85, "materializing"); err != nil {
		return nil, err
	}
	return e.materializeMatch(ctx, parsed, *chosen, chosenEpisode, title, season)
}

func effectiveSeason(parsed titleparse.Parsed) int {
	if parsed.Season > 0 {
		return parsed.Season
	}
	return 1
}

// scoreCandidates filters by alias similarity and scores what survives:
// type match +1000, title similarity 0-100; provider display order (the
// SearchAll result order) is the implicit tie-breaker through stable sort.
func (e *Engine) scoreCandidates(parsed titleparse.Parsed, keywords []string, results []models.ProviderSearchInfo) []ScoredCandidate {
	wantType := models.AnimeTypeTVSeries
	if parsed.IsMovie {
		wantType = models.AnimeTypeMovie
	}

	var out []ScoredCandidate
	for _, r := range results {
		best := 0.0
		for _, kw := range keywords {
			if s := similarity.Similarity(r.Title, kw); s > best {
				best = s
			}
		}
		if best < aliasSimilarity {
			continue
		}
		score := int(best * 100)
		if r.Type == wantType {
			score += 1000
		}
		out = append(out, ScoredCandidate{Info: r, Score: score})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// selectCandidates applies the AI selector or the favorited-provider rule,
// moving the pick to the front without discarding the rest (probing may
// still need them).
func (e *Engine) selectCandidates(ctx context.Context, parsed titleparse.Parsed, candidates []ScoredCandidate) []ScoredCandidate {
	favorited := e.favoritedCandidate(ctx, parsed, candidates)

	pick := -1
	if e.selector != nil && e.config.GetBool(ctx, keyAiMatchEnabled) {
		query := SelectorQuery{
			Title:   parsed.Title,
			Season:  parsed.Season,
			Episode: parsed.Episode,
			Type:    string(models.AnimeTypeTVSeries),
		}
		if parsed.IsMovie {
			query.Type = string(models.AnimeTypeMovie)
		}
		idx, err := e.selector.SelectBestMatch(ctx, query, candidates, favorited)
		if err != nil {
			if !e.config.GetBool(ctx, keyAiFallbackEnabled) {
				log.Printf("[fallback] selector failed and scoring fallback is off: %v", err)
				return nil
			}
			log.Printf("[fallback] selector failed, falling back to scoring: %v", err)
		} else if idx >= 0 && idx < len(candidates) {
			pick = idx
		}
	}

	if pick < 0 && favorited >= 0 {
		pick = favorited
	}
	if pick <= 0 {
		return candidates
	}
	reordered := make([]ScoredCandidate, 0, len(candidates))
	reordered = append(reordered, candidates[pick])
	reordered = append(reordered, candidates[:pick]...)
	reordered = append(reordered, candidates[pick+1:]...)
	return reordered
}

// favoritedCandidate prefers a candidate from the provider of a favorited
// library source for the same title, but only above the similarity floor.
func (e *Engine) favoritedCandidate(ctx context.Context, parsed titleparse.Parsed, candidates []ScoredCandidate) int {
	hits, err := e.store.Anime.SearchByTitle(ctx, parsed.Title)
	if err != nil || len(hits) == 0 {
		return -1
	}
	favorited := make(map[string]bool)
	for _, anime := range hits {
		sources, err := e.store.Sources.ListByAnime(ctx, anime.ID)
		if err != nil {
			continue
		}
		for _, src := range sources {
			if src.IsFavorited {
				favorited[src.ProviderName] = true
			}
		}
	}
	for i, c := range candidates {
		if favorited[c.Info.Provider] && similarity.Similarity(c.Info.Title, parsed.Title) >= favoriteMinScore {
			return i
		}
	}
	return -1
}

// probeCandidates validates candidates in order against their episode lists.
// With fallbackSelection disabled the top candidate is accepted untested
// unless externalApiFallbackEnabled demands a validated one.
func (e *Engine) probeCandidates(ctx context.Context, parsed titleparse.Parsed, candidates []ScoredCandidate) (*ScoredCandidate, *models.ProviderEpisodeInfo, error) {
	probeAll := e.config.GetBool(ctx, keyFallbackSelection) ||
		e.config.GetBool(ctx, keyExternalAPIFallback)

	for i := range candidates {
		c := &candidates[i]
		adapter, ok := e.scrapers.Get(c.Info.Provider)
		if !ok {
			continue
		}
		eps, err := adapter.GetEpisodes(ctx, c.Info.MediaID, c.Info.Type)
		if err != nil {
			log.Printf("[fallback] probe %s/%s failed: %v", c.Info.Provider, c.Info.MediaID, err)
			if !probeAll {
				return nil, nil, nil
			}
			continue
		}

		if parsed.IsMovie {
			if c.Info.Type != models.AnimeTypeMovie || len(eps) == 0 {
				if !probeAll {
					return nil, nil, nil
				}
				continue
			}
			return c, &eps[0], nil
		}
		for j := range eps {
			if eps[j].EpisodeIndex == parsed.Episode {
				return c, &eps[j], nil
			}
		}
		if !probeAll {
			return nil, nil, nil
		}
	}
	return nil, nil, nil
}

// applySeasonRename runs the storage post-processing rules, e.g. rewriting
// "Title S02" into a localized second-season name.
func (e *Engine) applySeasonRename(ctx context.Context, title string, season int) (string, int) {
	raw, err := e.config.Get(ctx, keySeasonRename)
	if err != nil || strings.TrimSpace(raw) == "" {
		return title, season
	}
	subject := fmt.Sprintf("%s S%02d", title, season)
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=>", 2)
		if len(parts) != 2 {
			continue
		}
		re, err := regexp.Compile(strings.TrimSpace(parts[0]))
		if err != nil {
			log.Printf("[fallback] bad season rename rule %q: %v", parts[0], err)
			continue
		}
		if re.MatchString(subject) {
			return re.ReplaceAllString(subject, strings.TrimSpace(parts[1])), 1
		}
	}
	return title, season
}

// materializeMatch allocates the real anime id and source order, persists
// the cache bindings and the library rows, and builds the response item
// carrying a freshly minted virtual anime id.
func (e *Engine) materializeMatch(ctx context.Context, parsed titleparse.Parsed, chosen ScoredCandidate, episode *models.ProviderEpisodeInfo, title string, season int) (*models.DandanMatchItem, error) {
	animeType := models.AnimeTypeTVSeries
	if parsed.IsMovie {
		animeType = models.AnimeTypeMovie
	}

	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	animeRepo := e.store.Anime.WithTx(tx)
	sourceRepo := e.store.Sources.WithTx(tx)
	episodeRepo := e.store.Episodes.WithTx(tx)

	anime, err := animeRepo.FindByTitleSeason(ctx, title, season)
	if errors.Is(err, store.ErrNotFound) {
		id, err := animeRepo.NextID(ctx)
		if err != nil {
			return nil, err
		}
		anime = &models.Anime{
			ID:       id,
			Title:    title,
			Season:   season,
			Type:     animeType,
			Year:     chosen.Info.Year,
			ImageURL: chosen.Info.ImageURL,
		}
		if err := animeRepo.Create(ctx, anime); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	source, err := sourceRepo.GetByProviderMedia(ctx, anime.ID, chosen.Info.Provider, chosen.Info.MediaID)
	if errors.Is(err, store.ErrNotFound) {
		order, err := sourceRepo.NextOrder(ctx, anime.ID)
		if err != nil {
			return nil, err
		}
		source = &models.AnimeSource{
			AnimeID:      anime.ID,
			ProviderName: chosen.Info.Provider,
			MediaID:      chosen.Info.MediaID,
			SourceOrder:  order,
		}
		if err := sourceRepo.Create(ctx, source); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	ep := &models.Episode{
		SourceID:          source.ID,
		EpisodeIndex:      episode.EpisodeIndex,
		Title:             episode.Title,
		SourceURL:         episode.URL,
		ProviderEpisodeID: episode.EpisodeID,
	}
	if ep.Title == "" {
		ep.Title = fmt.Sprintf("第%d集", episode.EpisodeIndex)
	}
	if _, err := episodeRepo.CreateIfNotExists(ctx, ep); err != nil {
		return nil, err
	}
	if err := animeRepo.SyncSequence(ctx); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	episodeID, err := EncodeEpisodeID(anime.ID, source.SourceOrder, episode.EpisodeIndex)
	if err != nil {
		return nil, err
	}

	binding := episodeBinding{
		Provider:          chosen.Info.Provider,
		MediaID:           chosen.Info.MediaID,
		ProviderEpisodeID: episode.EpisodeID,
		AnimeID:           anime.ID,
		SourceOrder:       source.SourceOrder,
		EpisodeIndex:      episode.EpisodeIndex,
		Title:             title,
		EpisodeTitle:      ep.Title,
		Season:            season,
		Type:              animeType,
		Year:              chosen.Info.Year,
		Poster:            chosen.Info.ImageURL,
	}
	if err := e.bindEpisode(ctx, episodeID, binding); err != nil {
		return nil, err
	}
	if err := e.bindWholeShow(ctx, binding); err != nil {
		return nil, err
	}

	virtualID, err := e.nextVirtualAnimeID(ctx)
	if err != nil {
		return nil, err
	}
	if err := e.cache.Set(ctx, animeBindingKey(virtualID), animeBinding{
		Provider:    chosen.Info.Provider,
		MediaID:     chosen.Info.MediaID,
		Title:       title,
		Type:        animeType,
		Year:        chosen.Info.Year,
		Poster:      chosen.Info.ImageURL,
		FinalSeason: season,
		RealAnimeID: anime.ID,
	}, animeBindingTTL); err != nil {
		return nil, err
	}

	return &models.DandanMatchItem{
		EpisodeID:       episodeID,
		AnimeID:         virtualID,
		AnimeTitle:      title,
		EpisodeTitle:    ep.Title,
		Type:            animeType.WireType(),
		TypeDescription: animeType.TypeDescription(),
		ImageURL:        chosen.Info.ImageURL,
	}, nil
}
