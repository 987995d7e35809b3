package models

// ProviderSearchInfo is one search hit returned by a scraper adapter.
type ProviderSearchInfo struct {
	Provider     string    `json:"provider"`
	MediaID      string    `json:"mediaId"`
	Title        string    `json:"title"`
	Type         AnimeType `json:"type"`
	Season       int       `json:"season,omitempty"`
	Year         int       `json:"year,omitempty"`
	EpisodeCount int       `json:"episodeCount,omitempty"`
	ImageURL     string    `json:"imageUrl,omitempty"`
}

// ProviderEpisodeInfo is one entry of an adapter's episode list.
type ProviderEpisodeInfo struct {
	EpisodeIndex int    `json:"episodeIndex"`
	Title        string `json:"title"`
	EpisodeID    string `json:"episodeId"`
	URL          string `json:"url,omitempty"`
}

// RawComment is a provider comment before normalization. P carries the
// provider's packed attribute string "time,mode,[fontsize,]color".
type RawComment struct {
	CID     string  `json:"cid"`
	TimeSec float64 `json:"timeSec"`
	Mode    int     `json:"mode"`
	Color   int     `json:"color"`
	Text    string  `json:"text"`
}

// EpisodeInfo narrows a search to a specific episode when known.
type EpisodeInfo struct {
	Season  int `json:"season,omitempty"`
	Episode int `json:"episode,omitempty"`
}

// ScraperSetting is the persisted per-adapter configuration row.
type ScraperSetting struct {
	ProviderName string `json:"providerName"`
	IsEnabled    bool   `json:"isEnabled"`
	DisplayOrder int    `json:"displayOrder"`
	UseProxy     bool   `json:"useProxy"`
}

// MetadataSourceSetting mirrors ScraperSetting for metadata providers.
type MetadataSourceSetting struct {
	ProviderName string `json:"providerName"`
	IsEnabled    bool   `json:"isEnabled"`
	DisplayOrder int    `json:"displayOrder"`
}
