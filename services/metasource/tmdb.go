package metasource

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"danmuhub/models"
)

const tmdbBaseURL = "https://api.themoviedb.org/3"

// KeyProvider supplies API keys from the config store at call time so admin
// edits take effect without a restart.
type KeyProvider func(ctx context.Context, key string) string

// TmdbSource talks to the TMDB v3 API.
type TmdbSource struct {
	client *http.Client
	apiKey KeyProvider
}

// NewTmdbSource wires the source with its key provider.
func NewTmdbSource(client *http.Client, apiKey KeyProvider) *TmdbSource {
	return &TmdbSource{client: client, apiKey: apiKey}
}

func (t *TmdbSource) ProviderName() string { return "tmdb" }

func (t *TmdbSource) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	key := t.apiKey(ctx, "tmdbApiKey")
	if key == "" {
		return fmt.Errorf("tmdb: api key not configured")
	}
	if params == nil {
		params = url.Values{}
	}
	params.Set("api_key", key)
	params.Set("language", "zh-CN")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tmdbBaseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tmdb: %s returned %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type tmdbSearchResponse struct {
	Results []struct {
		ID           int    `json:"id"`
		Name         string `json:"name"`
		OriginalName string `json:"original_name"`
		FirstAirDate string `json:"first_air_date"`
		PosterPath   string `json:"poster_path"`
	} `json:"results"`
}

func (t *TmdbSource) Search(ctx context.Context, keyword string) ([]Details, error) {
	var body tmdbSearchResponse
	if err := t.get(ctx, "/search/tv", url.Values{"query": {keyword}}, &body); err != nil {
		return nil, err
	}
	out := make([]Details, 0, len(body.Results))
	for _, r := range body.Results {
		d := Details{
			Provider: "tmdb",
			ID:       strconv.Itoa(r.ID),
			Title:    r.Name,
			Type:     "tv_series",
			TmdbID:   strconv.Itoa(r.ID),
		}
		if r.OriginalName != "" && r.OriginalName != r.Name {
			d.Aliases = append(d.Aliases, r.OriginalName)
		}
		if len(r.FirstAirDate) >= 4 {
			d.Year, _ = strconv.Atoi(r.FirstAirDate[:4])
		}
		if r.PosterPath != "" {
			d.ImageURL = "https://image.tmdb.org/t/p/w500" + r.PosterPath
		}
		out = append(out, d)
	}
	return out, nil
}

type tmdbDetailsResponse struct {
	ID           int    `json:"id"`
	Name         string `json:"name"`
	OriginalName string `json:"original_name"`
	FirstAirDate string `json:"first_air_date"`
	PosterPath   string `json:"poster_path"`
	ExternalIDs  struct {
		ImdbID string `json:"imdb_id"`
		TvdbID int    `json:"tvdb_id"`
	} `json:"external_ids"`
	AlternativeTitles struct {
		Results []struct {
			Title string `json:"title"`
		} `json:"results"`
	} `json:"alternative_titles"`
}

func (t *TmdbSource) GetDetails(ctx context.Context, id string) (*Details, error) {
	var body tmdbDetailsResponse
	err := t.get(ctx, "/tv/"+id, url.Values{"append_to_response": {"external_ids,alternative_titles"}}, &body)
	if err != nil {
		return nil, err
	}
	d := &Details{
		Provider: "tmdb",
		ID:       strconv.Itoa(body.ID),
		Title:    body.Name,
		Type:     "tv_series",
		TmdbID:   strconv.Itoa(body.ID),
		ImdbID:   body.ExternalIDs.ImdbID,
	}
	if body.ExternalIDs.TvdbID != 0 {
		d.TvdbID = strconv.Itoa(body.ExternalIDs.TvdbID)
	}
	if body.OriginalName != "" && body.OriginalName != body.Name {
		d.Aliases = append(d.Aliases, body.OriginalName)
	}
	for _, alt := range body.AlternativeTitles.Results {
		if alt.Title != "" && alt.Title != body.Name {
			d.Aliases = append(d.Aliases, alt.Title)
		}
	}
	if len(body.FirstAirDate) >= 4 {
		d.Year, _ = strconv.Atoi(body.FirstAirDate[:4])
	}
	if body.PosterPath != "" {
		d.ImageURL = "https://image.tmdb.org/t/p/w500" + body.PosterPath
	}
	return d, nil
}

// SupplementSearchResult: TMDB cannot search scraper catalogs, so it only
// contributes aliases; alias-driven re-search happens in the fallback engine.
func (t *TmdbSource) SupplementSearchResult(ctx context.Context, scraperProvider, keyword string, episodeInfo *models.EpisodeInfo) ([]models.ProviderSearchInfo, error) {
	return nil, nil
}

func (t *TmdbSource) CheckConnectivity(ctx context.Context) error {
	var body struct {
		Images struct {
			BaseURL string `json:"base_url"`
		} `json:"images"`
	}
	return t.get(ctx, "/configuration", nil, &body)
}

// EpisodeGroup is one TMDB episode group mapping entry.
type EpisodeGroup struct {
	ID      string
	Name    string
	Type    int
	Entries []models.TmdbEpisodeMapping
}

type tmdbGroupListResponse struct {
	Results []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		Type int    `json:"type"`
	} `json:"results"`
}

type tmdbGroupDetailsResponse struct {
	Groups []struct {
		Order    int `json:"order"`
		Episodes []struct {
			SeasonNumber  int `json:"season_number"`
			EpisodeNumber int `json:"episode_number"`
			Order         int `json:"order"`
		} `json:"episodes"`
	} `json:"groups"`
}

// EpisodeGroups lists a show's episode groups; the auto-map job picks the
// group whose structure best matches the library layout.
func (t *TmdbSource) EpisodeGroups(ctx context.Context, tvID string) ([]EpisodeGroup, error) {
	var list tmdbGroupListResponse
	if err := t.get(ctx, "/tv/"+tvID+"/episode_groups", nil, &list); err != nil {
		return nil, err
	}
	tvNum, err := strconv.ParseInt(tvID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("tmdb: bad tv id %q", tvID)
	}

	out := make([]EpisodeGroup, 0, len(list.Results))
	for _, g := range list.Results {
		var details tmdbGroupDetailsResponse
		if err := t.get(ctx, "/tv/episode_group/"+g.ID, nil, &details); err != nil {
			return nil, err
		}
		group := EpisodeGroup{ID: g.ID, Name: g.Name, Type: g.Type}
		for _, sub := range details.Groups {
			for _, ep := range sub.Episodes {
				group.Entries = append(group.Entries, models.TmdbEpisodeMapping{
					TmdbTVID:     tvNum,
					GroupID:      g.ID,
					GroupSeason:  sub.Order,
					GroupEpisode: ep.Order + 1,
					TmdbSeason:   ep.SeasonNumber,
					TmdbEpisode:  ep.EpisodeNumber,
				})
			}
		}
		out = append(out, group)
	}
	return out, nil
}
