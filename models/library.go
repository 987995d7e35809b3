package models

import "time"

// AnimeType classifies a library entry.
type AnimeType string

const (
	AnimeTypeTVSeries AnimeType = "tv_series"
	AnimeTypeMovie    AnimeType = "movie"
	AnimeTypeOVA      AnimeType = "ova"
	AnimeTypeOther    AnimeType = "other"
)

// WireType returns the dandanplay API value for the type field. The storage
// enum uses "tv_series"; the wire protocol expects "tvseries".
func (t AnimeType) WireType() string {
	switch t {
	case AnimeTypeTVSeries:
		return "tvseries"
	case AnimeTypeMovie:
		return "movie"
	case AnimeTypeOVA:
		return "ova"
	default:
		return "other"
	}
}

// TypeDescription returns the Chinese display label used by dandanplay clients.
func (t AnimeType) TypeDescription() string {
	switch t {
	case AnimeTypeTVSeries:
		return "TV动画"
	case AnimeTypeMovie:
		return "电影/剧场版"
	case AnimeTypeOVA:
		return "OVA"
	default:
		return "其他"
	}
}

// Anime is a library entry. Rows are created either by user import or by the
// fallback engine when it materializes an on-demand match.
type Anime struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Season    int       `json:"season"`
	Type      AnimeType `json:"type"`
	Year      int       `json:"year,omitempty"`
	ImageURL  string    `json:"imageUrl,omitempty"`
	TmdbID    string    `json:"tmdbId,omitempty"`
	TmdbGroup string    `json:"tmdbEpisodeGroupId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// AnimeSource links an Anime to one provider's media entry. source_order is
// 1-based and unique per anime; it is baked into minted episode ids.
type AnimeSource struct {
	ID                   int64      `json:"id"`
	AnimeID              int64      `json:"animeId"`
	ProviderName         string     `json:"providerName"`
	MediaID              string     `json:"mediaId"`
	SourceOrder          int        `json:"sourceOrder"`
	IsFavorited          bool       `json:"isFavorited"`
	IncrementalRefresh   bool       `json:"incrementalRefreshEnabled"`
	LastRefreshLatestAt  *time.Time `json:"lastRefreshLatestEpisodeAt,omitempty"`
	IncrementalFailures  int        `json:"incrementalRefreshFailures"`
	CreatedAt            time.Time  `json:"createdAt"`
}

// Episode belongs to one AnimeSource. EpisodeIndex is the provider-local
// numbering; two sources of the same anime may disagree.
type Episode struct {
	ID                int64  `json:"id"`
	SourceID          int64  `json:"sourceId"`
	EpisodeIndex      int    `json:"episodeIndex"`
	Title             string `json:"title"`
	SourceURL         string `json:"sourceUrl,omitempty"`
	ProviderEpisodeID string `json:"providerEpisodeId,omitempty"`
	CommentCount      int    `json:"commentCount"`
}

// Comment is a single danmaku entry.
type Comment struct {
	ID        int64   `json:"cid"`
	EpisodeID int64   `json:"-"`
	TimeSec   float64 `json:"-"`
	Mode      int     `json:"-"`
	Color     int     `json:"-"`
	Text      string  `json:"m"`
	// ProviderTag is an optional origin marker like "[bilibili]".
	ProviderTag string `json:"-"`
}

// TmdbEpisodeMapping reorders a TMDB episode group entry onto aired order.
type TmdbEpisodeMapping struct {
	TmdbTVID     int64  `json:"tmdbTvId"`
	GroupID      string `json:"groupId"`
	GroupSeason  int    `json:"groupSeason"`
	GroupEpisode int    `json:"groupEpisode"`
	TmdbSeason   int    `json:"tmdbSeason"`
	TmdbEpisode  int    `json:"tmdbEpisode"`
}
