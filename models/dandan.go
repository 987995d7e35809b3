package models

// Wire types for the dandanplay-compatible protocol. Field names and casing
// are fixed by the external schema; do not rename.

// DandanEnvelope is the unified error wrapper. Errors are served with HTTP
// 200 and a non-zero errorCode.
type DandanEnvelope struct {
	Success      bool   `json:"success"`
	ErrorCode    int    `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// DandanEpisodeItem is one episode inside a search result.
type DandanEpisodeItem struct {
	EpisodeID    int64  `json:"episodeId"`
	EpisodeTitle string `json:"episodeTitle"`
}

// DandanSearchAnimeItem is one anime inside /search responses.
type DandanSearchAnimeItem struct {
	AnimeID         int64               `json:"animeId"`
	BangumiID       string              `json:"bangumiId"`
	AnimeTitle      string              `json:"animeTitle"`
	Type            string              `json:"type"`
	TypeDescription string              `json:"typeDescription"`
	ImageURL        string              `json:"imageUrl,omitempty"`
	StartDate       string              `json:"startDate,omitempty"`
	EpisodeCount    int                 `json:"episodeCount"`
	Rating          float64             `json:"rating"`
	IsFavorited     bool                `json:"isFavorited"`
	Episodes        []DandanEpisodeItem `json:"episodes,omitempty"`
}

// DandanSearchEpisodesResponse answers /search/episodes and /search/anime.
type DandanSearchEpisodesResponse struct {
	DandanEnvelope
	HasMore bool                    `json:"hasMore"`
	Animes  []DandanSearchAnimeItem `json:"animes"`
}

// DandanMatchItem is one candidate in a /match response.
type DandanMatchItem struct {
	EpisodeID       int64  `json:"episodeId"`
	AnimeID         int64  `json:"animeId"`
	AnimeTitle      string `json:"animeTitle"`
	EpisodeTitle    string `json:"episodeTitle"`
	Type            string `json:"type"`
	TypeDescription string `json:"typeDescription"`
	Shift           int    `json:"shift"`
	ImageURL        string `json:"imageUrl,omitempty"`
}

// DandanMatchResponse answers /match.
type DandanMatchResponse struct {
	DandanEnvelope
	IsMatched bool              `json:"isMatched"`
	Matches   []DandanMatchItem `json:"matches"`
}

// DandanMatchRequest is the /match request body.
type DandanMatchRequest struct {
	FileName  string `json:"fileName"`
	FileHash  string `json:"fileHash,omitempty"`
	FileSize  int64  `json:"fileSize,omitempty"`
	MatchMode string `json:"matchMode,omitempty"`
}

// DandanBatchMatchRequest is the /match/batch request body.
type DandanBatchMatchRequest struct {
	Requests []DandanMatchRequest `json:"requests"`
}

// DandanComment is one wire comment. P is "time,mode,color[,source]" — the
// font-size component of the provider format is stripped.
type DandanComment struct {
	CID int64  `json:"cid"`
	P   string `json:"p"`
	M   string `json:"m"`
}

// DandanCommentResponse answers /comment/{episodeId}.
type DandanCommentResponse struct {
	Count    int             `json:"count"`
	Comments []DandanComment `json:"comments"`
}

// DandanBangumiEpisode is one episode of a /bangumi details response.
type DandanBangumiEpisode struct {
	EpisodeID     int64  `json:"episodeId"`
	EpisodeTitle  string `json:"episodeTitle"`
	EpisodeNumber string `json:"episodeNumber"`
}

// DandanBangumiDetails answers /bangumi/{id}.
type DandanBangumiDetails struct {
	DandanEnvelope
	Bangumi struct {
		AnimeID         int64                  `json:"animeId"`
		BangumiID       string                 `json:"bangumiId"`
		AnimeTitle      string                 `json:"animeTitle"`
		ImageURL        string                 `json:"imageUrl,omitempty"`
		Type            string                 `json:"type"`
		TypeDescription string                 `json:"typeDescription"`
		Episodes        []DandanBangumiEpisode `json:"episodes"`
	} `json:"bangumi"`
}
