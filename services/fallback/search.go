package fallback

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"regexp"
	"strconv"
	"strings"
	"time"

	"danmuhub/models"
	"danmuhub/services/cachestore"
	"danmuhub/services/tasks"
	"danmuhub/utils/episodes"
	"danmuhub/utils/titleparse"
)

// session states
const (
	sessionRunning   = "running"
	sessionCompleted = "completed"
	sessionFailed    = "failed"
)

type searchSession struct {
	State     string                         `json:"state"`
	StartedAt time.Time                      `json:"startedAt"`
	Results   []models.DandanSearchAnimeItem `json:"results,omitempty"`
	Error     string                         `json:"error,omitempty"`
}

const searchSessionTTL = time.Hour

func queryHash(keyword string) string {
	h := fnv.New64a()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(keyword))))
	return strconv.FormatUint(h.Sum64(), 16)
}

// sessionKey locates the per-(token, query) session state.
func sessionKey(token, keyword string) string {
	return cachestore.PrefixFallbackSearch + queryHash(token+"|"+keyword)
}

// activeSessionKey is the per-token pointer to its one running session.
func activeSessionKey(token string) string {
	return cachestore.PrefixTokenSearchTask + token
}

// placeholderItem is the synthetic "still searching" row pollers receive
// while a session runs. Progress is derived from elapsed time, capped at 95%.
func placeholderItem(keyword string, startedAt, now time.Time) models.DandanSearchAnimeItem {
	const expected = 30 * time.Second
	pct := int(now.Sub(startedAt) * 100 / expected)
	if pct > 95 {
		pct = 95
	}
	if pct < 1 {
		pct = 1
	}
	return models.DandanSearchAnimeItem{
		AnimeID:         PlaceholderAnimeID,
		BangumiID:       strconv.Itoa(PlaceholderAnimeID),
		AnimeTitle:      fmt.Sprintf("正在搜索「%s」...", keyword),
		Type:            models.AnimeTypeOther.WireType(),
		TypeDescription: fmt.Sprintf("搜索中... %d%%", pct),
	}
}

// SearchFallback drives the free-text search pipeline. It returns
// immediately: either cached results, a placeholder while the session runs,
// or nil when fallback is disabled or the token is not authorized.
func (e *Engine) SearchFallback(ctx context.Context, token, keyword string) ([]models.DandanSearchAnimeItem, error) {
	if !e.config.GetBool(ctx, keySearchFallbackEnabled) {
		return nil, nil
	}
	if !e.tokenAuthorized(ctx, token) {
		return nil, nil
	}

	key := sessionKey(token, keyword)
	var sess searchSession
	if err := e.cache.Get(ctx, key, &sess); err == nil {
		switch sess.State {
		case sessionRunning:
			return []models.DandanSearchAnimeItem{placeholderItem(keyword, sess.StartedAt, e.now())}, nil
		case sessionCompleted:
			return sess.Results, nil
		case sessionFailed:
			return nil, nil
		}
	} else if !errors.Is(err, cachestore.ErrMiss) {
		return nil, err
	}

	// one active session per token: a running session for another query
	// blocks new ones until it settles
	var activeKey string
	if err := e.cache.Get(ctx, activeSessionKey(token), &activeKey); err == nil && activeKey != key {
		var active searchSession
		if err := e.cache.Get(ctx, activeKey, &active); err == nil && active.State == sessionRunning {
			return nil, nil
		}
	}

	sess = searchSession{State: sessionRunning, StartedAt: e.now().UTC()}
	if err := e.cache.Set(ctx, key, sess, searchSessionTTL); err != nil {
		return nil, err
	}
	if err := e.cache.Set(ctx, activeSessionKey(token), key, searchSessionTTL); err != nil {
		return nil, err
	}

	_, _, err := e.manager.Submit(ctx, tasks.Request{
		Title:     "搜索后备: " + keyword,
		UniqueKey: "search_fallback_" + token + "_" + queryHash(keyword),
		Queue:     models.QueueFallback,
		TaskType:  "searchFallback",
		Run: func(taskCtx context.Context, progress tasks.ProgressReporter) error {
			return e.runSearchSession(taskCtx, key, keyword, progress)
		},
	})
	if err != nil {
		var conflict *tasks.ConflictError
		if !errors.As(err, &conflict) {
			_ = e.cache.Delete(ctx, key)
			return nil, err
		}
	}
	return []models.DandanSearchAnimeItem{placeholderItem(keyword, sess.StartedAt, e.now())}, nil
}

func (e *Engine) runSearchSession(ctx context.Context, key, keyword string, progress tasks.ProgressReporter) error {
	items, err := e.executeSearch(ctx, keyword, progress)

	sess := searchSession{StartedAt: e.now().UTC()}
	if err != nil {
		sess.State = sessionFailed
		sess.Error = err.Error()
	} else {
		sess.State = sessionCompleted
		sess.Results = items
	}
	if cacheErr := e.cache.Set(ctx, key, sess, searchSessionTTL); cacheErr != nil {
		log.Printf("[fallback] persist search session failed: %v", cacheErr)
	}
	if err != nil {
		return err
	}
	return &tasks.Success{Message: fmt.Sprintf("found %d result(s) for %q", len(items), keyword)}
}

func (e *Engine) executeSearch(ctx context.Context, keyword string, progress tasks.ProgressReporter) ([]models.DandanSearchAnimeItem, error) {
	parsed := titleparse.ParseKeyword(keyword)
	title, seasonShift, episodeShift := e.applyTitleRecognition(ctx, parsed.Title)
	parsed.Title = title
	if seasonShift != 0 {
		parsed.Season += seasonShift
	}
	if episodeShift != 0 && parsed.Episode > 0 {
		parsed.Episode += episodeShift
	}

	if err := progress.Update(ctx, 10, "expanding aliases"); err != nil {
		return nil, err
	}
	keywords := append([]string{parsed.Title}, e.meta.Aliases(ctx, parsed.Title)...)

	var epInfo *models.EpisodeInfo
	if parsed.Episode > 0 || parsed.Season > 0 {
		epInfo = &models.EpisodeInfo{Season: parsed.Season, Episode: parsed.Episode}
	}

	if err := progress.Update(ctx, 30, "searching providers"); err != nil {
		return nil, err
	}
	results := e.scrapers.SearchAll(ctx, keywords, epInfo)

	// titles carrying movie keywords are movies no matter what the provider
	// labels them
	for i := range results {
		if results[i].Type != models.AnimeTypeMovie && titleparse.HasMovieKeyword(results[i].Title) {
			results[i].Type = models.AnimeTypeMovie
		}
	}
	if parsed.Season > 0 && !parsed.IsMovie {
		filtered := results[:0]
		for _, r := range results {
			if r.Type == models.AnimeTypeTVSeries && (r.Season == 0 || r.Season == parsed.Season) {
				filtered = append(filtered, r)
			}
		}
		results = filtered
	}

	if err := progress.Update(ctx, 70, "minting result ids"); err != nil {
		return nil, err
	}
	items := make([]models.DandanSearchAnimeItem, 0, len(results))
	for _, r := range results {
		virtualID, err := e.nextVirtualAnimeID(ctx)
		if err != nil {
			return nil, err
		}
		season := r.Season
		if season < 1 {
			season = 1
		}
		binding := animeBinding{
			Provider:    r.Provider,
			MediaID:     r.MediaID,
			Title:       r.Title,
			Type:        r.Type,
			Year:        r.Year,
			Poster:      r.ImageURL,
			FinalSeason: season,
		}
		if err := e.cache.Set(ctx, animeBindingKey(virtualID), binding, animeBindingTTL); err != nil {
			return nil, err
		}
		items = append(items, models.DandanSearchAnimeItem{
			AnimeID:         virtualID,
			BangumiID:       strconv.FormatInt(virtualID, 10),
			AnimeTitle:      r.Title,
			Type:            r.Type.WireType(),
			TypeDescription: e.annotateTypeDescription(ctx, r.Type, r.Title, season),
			ImageURL:        r.ImageURL,
			EpisodeCount:    r.EpisodeCount,
		})
	}
	return items, nil
}

// annotateTypeDescription appends the episode range the library already
// holds under this title, e.g. "TV动画（库内：1-3,5-7,10）".
func (e *Engine) annotateTypeDescription(ctx context.Context, typ models.AnimeType, title string, season int) string {
	desc := typ.TypeDescription()
	anime, err := e.store.Anime.FindByTitleSeason(ctx, title, season)
	if err != nil {
		return desc
	}
	indexes, err := e.store.Episodes.IndexesByAnime(ctx, anime.ID)
	if err != nil || len(indexes) == 0 {
		return desc
	}
	return desc + "（库内：" + episodes.FormatRanges(indexes) + "）"
}

// applyTitleRecognition runs the user-configurable pre-processor. Rules are
// one per line: `regex => replacement` with optional trailing `(s+N)` /
// `(e+N)` season/episode shifts.
func (e *Engine) applyTitleRecognition(ctx context.Context, title string) (string, int, int) {
	raw, err := e.config.Get(ctx, keyTitleRecognition)
	if err != nil || strings.TrimSpace(raw) == "" {
		return title, 0, 0
	}

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		seasonShift, episodeShift := 0, 0
		if m := shiftRe.FindStringSubmatch(line); m != nil {
			n, _ := strconv.Atoi(m[2])
			if m[1] == "s" {
				seasonShift = n
			} else {
				episodeShift = n
			}
			line = strings.TrimSpace(strings.TrimSuffix(line, m[0]))
		}
		parts := strings.SplitN(line, "=>", 2)
		if len(parts) != 2 {
			continue
		}
		re, err := regexp.Compile(strings.TrimSpace(parts[0]))
		if err != nil {
			log.Printf("[fallback] bad title recognition rule %q: %v", parts[0], err)
			continue
		}
		if re.MatchString(title) {
			return re.ReplaceAllString(title, strings.TrimSpace(parts[1])), seasonShift, episodeShift
		}
	}
	return title, 0, 0
}

var shiftRe = regexp.MustCompile(`\((s|e)\+(-?\d+)\)\s*$`)
