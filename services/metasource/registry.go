// Package metasource manages metadata providers (TMDB, Bangumi, Douban,
// TVDB, IMDb, 360kan). It mirrors the scraper registry: build-time
// registration, persisted enable/order flags, ordered dispatch.
package metasource

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"sort"
	"sync"

	"github.com/avast/retry-go/v4"
	"github.com/sourcegraph/conc/pool"

	"danmuhub/models"
)

// Details is a provider-agnostic metadata record.
type Details struct {
	Provider   string   `json:"provider"`
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	Aliases    []string `json:"aliases,omitempty"`
	Type       string   `json:"type,omitempty"`
	Year       int      `json:"year,omitempty"`
	ImageURL   string   `json:"imageUrl,omitempty"`
	TmdbID     string   `json:"tmdbId,omitempty"`
	ImdbID     string   `json:"imdbId,omitempty"`
	TvdbID     string   `json:"tvdbId,omitempty"`
	BangumiID  string   `json:"bangumiId,omitempty"`
	DoubanID   string   `json:"doubanId,omitempty"`
}

// Source is the metadata provider contract.
type Source interface {
	ProviderName() string
	Search(ctx context.Context, keyword string) ([]Details, error)
	GetDetails(ctx context.Context, id string) (*Details, error)
	// SupplementSearchResult backfills scraper results when a provider's own
	// search came up empty, e.g. resolving an alias then re-searching.
	SupplementSearchResult(ctx context.Context, scraperProvider, keyword string, episodeInfo *models.EpisodeInfo) ([]models.ProviderSearchInfo, error)
	CheckConnectivity(ctx context.Context) error
}

// Factory instantiates a source with its shared HTTP client.
type Factory func(client *http.Client) Source

// Registration is one build-time metadata source entry.
type Registration struct {
	Name    string
	Factory Factory
}

var (
	registrationsMu sync.Mutex
	registrations   []Registration
)

// Register adds a metadata source to the build-time table.
func Register(r Registration) {
	registrationsMu.Lock()
	defer registrationsMu.Unlock()
	registrations = append(registrations, r)
}

type loadedSource struct {
	source  Source
	setting models.MetadataSourceSetting
}

// Registry orders and dispatches metadata sources.
type Registry struct {
	db     *sql.DB
	client *http.Client

	mu      sync.RWMutex
	sources map[string]*loadedSource
}

// NewRegistry builds the registry over the shared direct client.
func NewRegistry(db *sql.DB, client *http.Client) *Registry {
	return &Registry{db: db, client: client, sources: make(map[string]*loadedSource)}
}

// Load instantiates every registered source and syncs persisted settings.
func (r *Registry) Load(ctx context.Context) error {
	registrationsMu.Lock()
	regs := append([]Registration(nil), registrations...)
	registrationsMu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(regs))
	for i, reg := range regs {
		seen[reg.Name] = true

		_, err := r.db.ExecContext(ctx,
			`INSERT INTO metadata_source_setting (provider_name, is_enabled, display_order) VALUES (?, TRUE, ?)
			 ON CONFLICT (provider_name) DO NOTHING`, reg.Name, i+1)
		if err != nil {
			return fmt.Errorf("sync metadata setting %s: %w", reg.Name, err)
		}

		var s models.MetadataSourceSetting
		err = r.db.QueryRowContext(ctx,
			`SELECT provider_name, is_enabled, display_order FROM metadata_source_setting WHERE provider_name = ?`, reg.Name).
			Scan(&s.ProviderName, &s.IsEnabled, &s.DisplayOrder)
		if err != nil {
			return err
		}

		r.sources[reg.Name] = &loadedSource{source: reg.Factory(r.client), setting: s}
	}

	rows, err := r.db.QueryContext(ctx, `SELECT provider_name FROM metadata_source_setting`)
	if err != nil {
		return err
	}
	var stale []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		if !seen[name] {
			stale = append(stale, name)
		}
	}
	rows.Close()
	for _, name := range stale {
		if _, err := r.db.ExecContext(ctx, `DELETE FROM metadata_source_setting WHERE provider_name = ?`, name); err != nil {
			return err
		}
		delete(r.sources, name)
	}

	log.Printf("[metasource] loaded %d source(s)", len(r.sources))
	return nil
}

// Get returns one source by name.
func (r *Registry) Get(provider string) (Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ls, ok := r.sources[provider]
	if !ok {
		return nil, false
	}
	return ls.source, true
}

func (r *Registry) enabled() []Source {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var loaded []*loadedSource
	for _, ls := range r.sources {
		if ls.setting.IsEnabled {
			loaded = append(loaded, ls)
		}
	}
	sort.Slice(loaded, func(i, j int) bool {
		return loaded[i].setting.DisplayOrder < loaded[j].setting.DisplayOrder
	})

	out := make([]Source, len(loaded))
	for i, ls := range loaded {
		out[i] = ls.source
	}
	return out
}

// Search queries all enabled sources in parallel and merges results in
// display order.
func (r *Registry) Search(ctx context.Context, keyword string) []Details {
	sources := r.enabled()
	if len(sources) == 0 {
		return nil
	}

	results := make([][]Details, len(sources))
	p := pool.New().WithMaxGoroutines(len(sources))
	for i, src := range sources {
		i, src := i, src
		p.Go(func() {
			found, err := src.Search(ctx, keyword)
			if err != nil {
				log.Printf("[metasource] %s search failed: %v", src.ProviderName(), err)
				return
			}
			results[i] = found
		})
	}
	p.Wait()

	var merged []Details
	for _, batch := range results {
		merged = append(merged, batch...)
	}
	return merged
}

// Aliases collects alternate titles for a keyword across enabled sources,
// used for alias expansion before scraper searches.
func (r *Registry) Aliases(ctx context.Context, keyword string) []string {
	seen := map[string]struct{}{keyword: {}}
	out := []string{}
	for _, d := range r.Search(ctx, keyword) {
		for _, alias := range append([]string{d.Title}, d.Aliases...) {
			if alias == "" {
				continue
			}
			if _, dup := seen[alias]; dup {
				continue
			}
			seen[alias] = struct{}{}
			out = append(out, alias)
		}
	}
	return out
}

// SupplementSearchResult asks enabled sources, in order, to backfill an
// empty scraper result. Each source attempt is retried once on transient
// failure.
func (r *Registry) SupplementSearchResult(ctx context.Context, scraperProvider, keyword string, episodeInfo *models.EpisodeInfo) ([]models.ProviderSearchInfo, error) {
	for _, src := range r.enabled() {
		var results []models.ProviderSearchInfo
		err := retry.Do(func() error {
			var err error
			results, err = src.SupplementSearchResult(ctx, scraperProvider, keyword, episodeInfo)
			return err
		}, retry.Attempts(2), retry.Context(ctx), retry.LastErrorOnly(true))
		if err != nil {
			log.Printf("[metasource] %s supplement failed: %v", src.ProviderName(), err)
			continue
		}
		if len(results) > 0 {
			return results, nil
		}
	}
	return nil, nil
}
