// Package fallback resolves player requests the library cannot satisfy by
// searching scraper adapters on demand, minting stable synthetic ids for the
// results, and materializing library rows once danmaku actually get fetched.
package fallback

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"danmuhub/models"
	"danmuhub/services/cachestore"
	"danmuhub/services/configstore"
	"danmuhub/services/metasource"
	"danmuhub/services/ratelimit"
	"danmuhub/services/scraper"
	"danmuhub/services/store"
	"danmuhub/services/tasks"
)

// Selector lets an external matcher (an LLM endpoint, typically) pick among
// scored candidates. favoritedIndex is the index of the candidate backed by
// a favorited library source, or -1. Returning index -1 means "no opinion".
type Selector interface {
	SelectBestMatch(ctx context.Context, query SelectorQuery, candidates []ScoredCandidate, favoritedIndex int) (int, error)
}

// SelectorQuery is what the selector knows about the file being matched.
type SelectorQuery struct {
	Title   string `json:"title"`
	Season  int    `json:"season"`
	Episode int    `json:"episode"`
	Year    int    `json:"year,omitempty"`
	Type    string `json:"type"`
}

// ScoredCandidate pairs a provider hit with its match score.
type ScoredCandidate struct {
	Info  models.ProviderSearchInfo `json:"info"`
	Score int                       `json:"score"`
}

// Engine is the match/search/comments fallback pipeline.
type Engine struct {
	store     *store.Store
	cache     *cachestore.Service
	config    *configstore.Service
	limiter   *ratelimit.Service
	scrapers  *scraper.Registry
	meta      *metasource.Registry
	manager   *tasks.Manager
	selector  Selector  // nil when no AI matcher configured
	converter Converter // chConvert hook, identity unless injected

	// single-flight group for comment fetches keyed by episode id
	commentsGroup singleflight.Group
	preDownload   preDownloadStats

	virtualMu sync.Mutex
	now       func() time.Time
}

// New wires the engine. The selector may be nil.
func New(st *store.Store, cache *cachestore.Service, config *configstore.Service,
	limiter *ratelimit.Service, scrapers *scraper.Registry, meta *metasource.Registry,
	manager *tasks.Manager, selector Selector) *Engine {
	return &Engine{
		store:     st,
		cache:     cache,
		config:    config,
		limiter:   limiter,
		scrapers:  scrapers,
		meta:      meta,
		manager:   manager,
		selector:  selector,
		converter: defaultConverter,
		now:       time.Now,
	}
}

// Config keys the engine reads. Registered with defaults at startup so they
// show up on the admin config surface.
const (
	keySearchFallbackEnabled  = "searchFallbackEnabled"
	keyMatchFallbackEnabled   = "matchFallbackEnabled"
	keyMatchFallbackTokens    = "matchFallbackTokens"
	keyMatchFallbackBlacklist = "matchFallbackBlacklist"
	keyExternalAPIFallback    = "externalApiFallbackEnabled"
	keyFallbackSelection      = "fallbackSelectionEnabled"
	keyOutputLimitPerSource   = "danmakuOutputLimitPerSource"
	keyPreDownloadEnabled     = "preDownloadNextEpisodeEnabled"
	keyTitleRecognition       = "titleRecognitionRules"
	keySeasonRename           = "seasonRenameRules"
	keyVirtualIDCounter       = "fallbackVirtualIdCounter"

	keyAiMatchEnabled    = "aiMatchEnabled"
	keyAiProvider        = "aiProvider"
	keyAiAPIKey          = "aiApiKey"
	keyAiBaseURL         = "aiBaseUrl"
	keyAiModel           = "aiModel"
	keyAiFallbackEnabled = "aiFallbackEnabled"
)

// RegisterDefaults seeds the engine's config keys.
func (e *Engine) RegisterDefaults(ctx context.Context) error {
	defaults := []struct{ key, value, label string }{
		{keySearchFallbackEnabled, "false", "搜索后备开关"},
		{keyMatchFallbackEnabled, "false", "匹配后备开关"},
		{keyMatchFallbackTokens, "[]", "允许触发后备的Token（JSON数组，\"all\"=全部）"},
		{keyMatchFallbackBlacklist, "", "匹配后备文件名黑名单（正则）"},
		{keyExternalAPIFallback, "false", "外部API后备开关"},
		{keyFallbackSelection, "true", "后备候选逐个验证"},
		{keyOutputLimitPerSource, "-1", "单源弹幕输出上限（-1不限制）"},
		{keyPreDownloadEnabled, "false", "下一集弹幕预下载"},
		{keyTitleRecognition, "", "标题识别预处理规则"},
		{keySeasonRename, "", "季度重命名规则"},
		{keyVirtualIDCounter, strconv.Itoa(VirtualAnimeFloor), "后备虚拟ID计数器"},
		{keyAiMatchEnabled, "false", "AI辅助匹配开关"},
		{keyAiProvider, "openai", "AI服务商"},
		{keyAiAPIKey, "", "AI API Key"},
		{keyAiBaseURL, "", "AI API地址"},
		{keyAiModel, "gpt-4o-mini", "AI模型"},
		{keyAiFallbackEnabled, "true", "AI失败时退回打分"},
	}
	for _, d := range defaults {
		if err := e.config.RegisterDefault(ctx, d.key, d.value, d.label); err != nil {
			return err
		}
	}
	return nil
}

// tokenAuthorized checks the matchFallbackTokens allow-list, a JSON array
// of token values. An empty list denies everyone; the literal "all" admits
// any token.
func (e *Engine) tokenAuthorized(ctx context.Context, token string) bool {
	raw, err := e.config.Get(ctx, keyMatchFallbackTokens)
	if err != nil || strings.TrimSpace(raw) == "" {
		return false
	}
	var allowed []string
	if err := json.Unmarshal([]byte(raw), &allowed); err != nil {
		log.Printf("[fallback] matchFallbackTokens is not a JSON array: %v", err)
		return false
	}
	for _, entry := range allowed {
		if entry == "all" || entry == token {
			return true
		}
	}
	return false
}

// nextVirtualAnimeID mints the next virtual id. The counter is persisted so
// ids stay monotonic across restarts for the lifetime of cached sessions.
func (e *Engine) nextVirtualAnimeID(ctx context.Context) (int64, error) {
	e.virtualMu.Lock()
	defer e.virtualMu.Unlock()

	raw, err := e.config.Get(ctx, keyVirtualIDCounter)
	if err != nil {
		return 0, err
	}
	cur, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || cur < VirtualAnimeFloor {
		cur = VirtualAnimeFloor
	}
	next := cur + 1
	if next > virtualAnimeCeil {
		// wrap; collisions are acceptable once 100k sessions have expired
		next = VirtualAnimeFloor + 1
	}
	if err := e.config.Set(ctx, keyVirtualIDCounter, strconv.FormatInt(next, 10)); err != nil {
		return 0, err
	}
	return cur, nil
}

// animeBinding ties a minted virtual anime id to the provider hit behind
// it, cached under fallback_anime_<virtualID>.
type animeBinding struct {
	Provider    string           `json:"provider"`
	MediaID     string           `json:"mediaId"`
	Title       string           `json:"title"`
	Type        models.AnimeType `json:"type"`
	Year        int              `json:"year,omitempty"`
	Poster      string           `json:"poster,omitempty"`
	FinalSeason int              `json:"finalSeason"`
	RealAnimeID int64            `json:"realAnimeId,omitempty"`
}

// episodeBinding ties a minted episode id to everything needed to fetch and
// materialize it later, cached under fallback_episode_<episodeID>. Episode
// index 0 rows live under fallback_anime_ and describe the whole show.
type episodeBinding struct {
	Provider          string           `json:"provider"`
	MediaID           string           `json:"mediaId"`
	ProviderEpisodeID string           `json:"providerEpisodeId,omitempty"`
	AnimeID           int64            `json:"animeId"`
	SourceOrder       int              `json:"sourceOrder"`
	EpisodeIndex      int              `json:"episodeIndex"`
	Title             string           `json:"title"`
	EpisodeTitle      string           `json:"episodeTitle,omitempty"`
	Season            int              `json:"season"`
	Type              models.AnimeType `json:"type"`
	Year              int              `json:"year,omitempty"`
	Poster            string           `json:"poster,omitempty"`
}

const (
	animeBindingTTL   = 3 * time.Hour
	episodeBindingTTL = time.Hour
	wholeShowTTL      = 10800 * time.Second
	routingTTL        = wholeShowTTL
)

func animeBindingKey(virtualID int64) string {
	return cachestore.PrefixFallbackAnime + strconv.FormatInt(virtualID, 10)
}

func episodeBindingKey(episodeID int64) string {
	return cachestore.PrefixFallbackEpisode + strconv.FormatInt(episodeID, 10)
}

// the whole-show record is an episodeBinding stored under the id whose
// episode digits are 0000
func wholeShowKey(animeID int64, sourceOrder int) string {
	id, _ := EncodeEpisodeID(animeID, sourceOrder, 0)
	return cachestore.PrefixFallbackEpisode + strconv.FormatInt(id, 10)
}

// routing is the minimal (provider, provider_episode_id) record written once
// an episode id has been resolved, cached under episode_mapping_<id>.
type routing struct {
	Provider          string `json:"provider"`
	ProviderEpisodeID string `json:"providerEpisodeId"`
}

func routingKey(episodeID int64) string {
	return cachestore.PrefixEpisodeMapping + strconv.FormatInt(episodeID, 10)
}

// bindEpisode writes the per-episode binding.
func (e *Engine) bindEpisode(ctx context.Context, episodeID int64, b episodeBinding) error {
	return e.cache.Set(ctx, episodeBindingKey(episodeID), b, episodeBindingTTL)
}

// bindWholeShow writes (or refreshes) the whole-show record so next-episode
// probes during continuous playback skip the search pipeline.
func (e *Engine) bindWholeShow(ctx context.Context, b episodeBinding) error {
	b.EpisodeIndex = 0
	b.ProviderEpisodeID = ""
	return e.cache.Set(ctx, wholeShowKey(b.AnimeID, b.SourceOrder), b, wholeShowTTL)
}

// lookupBinding resolves an episode id to its cached binding: the exact
// episode first, then the whole-show record with the episode filled in.
func (e *Engine) lookupBinding(ctx context.Context, episodeID int64) (*episodeBinding, error) {
	animeID, sourceOrder, episode, wholeShow, err := DecodeEpisodeID(episodeID)
	if err != nil {
		return nil, err
	}
	if wholeShow {
		return nil, fmt.Errorf("episode id %d addresses a whole show", episodeID)
	}

	var b episodeBinding
	if err := e.cache.Get(ctx, episodeBindingKey(episodeID), &b); err == nil {
		return &b, nil
	}
	if err := e.cache.Get(ctx, wholeShowKey(animeID, sourceOrder), &b); err == nil {
		b.EpisodeIndex = episode
		b.ProviderEpisodeID = ""
		// a routing record saves the episode-list round trip
		var r routing
		if err := e.cache.Get(ctx, routingKey(episodeID), &r); err == nil && r.Provider == b.Provider {
			b.ProviderEpisodeID = r.ProviderEpisodeID
		}
		return &b, nil
	}
	return nil, cachestore.ErrMiss
}
