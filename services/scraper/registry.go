package scraper

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/sourcegraph/conc/pool"

	"danmuhub/models"
)

// Supplementer lets the metadata registry backfill empty provider results.
type Supplementer interface {
	SupplementSearchResult(ctx context.Context, provider, keyword string, episodeInfo *models.EpisodeInfo) ([]models.ProviderSearchInfo, error)
}

// registrations is the build-time adapter table. Adapter packages append to
// it from init().
var (
	registrationsMu sync.Mutex
	registrations   []Registration
)

// Register adds an adapter to the build-time table. Called from adapter
// package init functions.
func Register(r Registration) {
	registrationsMu.Lock()
	defer registrationsMu.Unlock()
	registrations = append(registrations, r)
}

type loadedAdapter struct {
	adapter  Adapter
	verified bool
	setting  models.ScraperSetting
}

// Registry instantiates, verifies and orders the registered adapters.
type Registry struct {
	db       *sql.DB
	verifier *Verifier
	deps     Deps
	proxy    *http.Client
	supplier Supplementer
	config   ConfigReader

	mu       sync.RWMutex
	adapters map[string]*loadedAdapter
}

// NewRegistry builds the registry. direct and proxyClient are the shared
// transports; adapters flagged use_proxy get the proxy client.
func NewRegistry(db *sql.DB, verifier *Verifier, config ConfigReader, direct, proxyClient *http.Client) *Registry {
	return &Registry{
		db:       db,
		verifier: verifier,
		config:   config,
		deps:     Deps{HTTPClient: direct, Config: config},
		proxy:    proxyClient,
		adapters: make(map[string]*loadedAdapter),
	}
}

// SetSupplementer wires the metadata registry for empty-result failover.
func (r *Registry) SetSupplementer(s Supplementer) {
	r.mu.Lock()
	r.supplier = s
	r.mu.Unlock()
}

// DefaultRegistrar registers config defaults without overwriting user values.
type DefaultRegistrar interface {
	RegisterDefault(ctx context.Context, key, value, label string) error
}

// Load instantiates every registered adapter, verifies signatures, syncs
// the persisted settings and registers provider config defaults. Safe to
// call again after a settings change.
func (r *Registry) Load(ctx context.Context, defaults DefaultRegistrar) error {
	registrationsMu.Lock()
	regs := append([]Registration(nil), registrations...)
	registrationsMu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(regs))
	for i, reg := range regs {
		seen[reg.Name] = true

		verified := r.verifier.Verify(reg.Name, reg.Fingerprint)
		if !verified {
			log.Printf("[scraper] adapter %s failed signature verification, forcing disabled", reg.Name)
		}

		setting, err := r.syncSetting(ctx, reg.Name, i)
		if err != nil {
			return fmt.Errorf("sync scraper setting %s: %w", reg.Name, err)
		}

		deps := r.deps
		if setting.UseProxy && r.proxy != nil {
			deps.HTTPClient = r.proxy
		}
		adapter := reg.Factory(deps)

		if defaults != nil {
			key := reg.Name + "_episode_blacklist_regex"
			if err := defaults.RegisterDefault(ctx, key, "", reg.Name+" episode blacklist"); err != nil {
				return err
			}
			for field, desc := range adapter.ConfigurableFields() {
				if err := defaults.RegisterDefault(ctx, field, desc.Default, desc.Label); err != nil {
					return err
				}
			}
		}

		r.adapters[reg.Name] = &loadedAdapter{adapter: adapter, verified: verified, setting: setting}
	}

	// Remove stale settings rows for adapters no longer built in.
	rows, err := r.db.QueryContext(ctx, `SELECT provider_name FROM scraper_setting`)
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
		if _, err := r.db.ExecContext(ctx, `DELETE FROM scraper_setting WHERE provider_name = ?`, name); err != nil {
			return err
		}
		delete(r.adapters, name)
	}

	log.Printf("[scraper] loaded %d adapter(s)", len(r.adapters))
	return nil
}

func (r *Registry) syncSetting(ctx context.Context, name string, defaultOrder int) (models.ScraperSetting, error) {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO scraper_setting (provider_name, is_enabled, display_order) VALUES (?, TRUE, ?)
		 ON CONFLICT (provider_name) DO NOTHING`, name, defaultOrder+1)
	if err != nil {
		return models.ScraperSetting{}, err
	}

	var s models.ScraperSetting
	err = r.db.QueryRowContext(ctx,
		`SELECT provider_name, is_enabled, display_order, use_proxy FROM scraper_setting WHERE provider_name = ?`, name).
		Scan(&s.ProviderName, &s.IsEnabled, &s.DisplayOrder, &s.UseProxy)
	return s, err
}

// UpdateSetting persists one adapter's flags and reloads are up to the
// caller.
func (r *Registry) UpdateSetting(ctx context.Context, s models.ScraperSetting) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE scraper_setting SET is_enabled = ?, display_order = ?, use_proxy = ? WHERE provider_name = ?`,
		s.IsEnabled, s.DisplayOrder, s.UseProxy, s.ProviderName)
	return err
}

// Get returns a verified adapter by provider name, even when disabled;
// comment fetches via cached bindings still need it.
func (r *Registry) Get(provider string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	la, ok := r.adapters[provider]
	if !ok || !la.verified {
		return nil, false
	}
	return la.adapter, true
}

// QuotaFor resolves a provider's declared rate-limit quota.
func (r *Registry) QuotaFor(provider string) (int, bool) {
	a, ok := r.Get(provider)
	if !ok {
		return 0, false
	}
	return a.RateLimitQuota()
}

// ByDomain resolves the adapter handling a URL's host.
func (r *Registry) ByDomain(rawURL string) (Adapter, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, false
	}
	host := strings.ToLower(u.Hostname())

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, la := range r.adapters {
		if !la.verified {
			continue
		}
		for _, d := range la.adapter.HandledDomains() {
			d = strings.ToLower(d)
			if host == d || strings.HasSuffix(host, "."+d) {
				return la.adapter, true
			}
		}
	}
	return nil, false
}

// enabled returns verified, enabled adapters sorted by display order.
func (r *Registry) enabled() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var loaded []*loadedAdapter
	for _, la := range r.adapters {
		if la.verified && la.setting.IsEnabled {
			loaded = append(loaded, la)
		}
	}
	sort.Slice(loaded, func(i, j int) bool {
		return loaded[i].setting.DisplayOrder < loaded[j].setting.DisplayOrder
	})

	out := make([]Adapter, len(loaded))
	for i, la := range loaded {
		out[i] = la.adapter
	}
	return out
}

// Settings lists the persisted adapter settings with verification state,
// for the admin surface.
func (r *Registry) Settings() []map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]map[string]any, 0, len(names))
	for _, name := range names {
		la := r.adapters[name]
		out = append(out, map[string]any{
			"providerName": name,
			"isEnabled":    la.setting.IsEnabled,
			"displayOrder": la.setting.DisplayOrder,
			"useProxy":     la.setting.UseProxy,
			"isVerified":   la.verified,
		})
	}
	return out
}

// SearchAll fans out across all enabled adapters and keywords, deduplicates
// by (provider, mediaID) and applies the global blacklists.
func (r *Registry) SearchAll(ctx context.Context, keywords []string, episodeInfo *models.EpisodeInfo) []models.ProviderSearchInfo {
	adapters := r.enabled()
	if len(adapters) == 0 || len(keywords) == 0 {
		return nil
	}

	var (
		mu        sync.Mutex
		aggregate []models.ProviderSearchInfo
	)
	p := pool.New().WithMaxGoroutines(len(adapters))

	for _, adapter := range adapters {
		adapter := adapter
		p.Go(func() {
			for _, kw := range keywords {
				results, err := adapter.Search(ctx, kw, episodeInfo)
				if err != nil {
					log.Printf("[scraper] %s search %q failed: %v", adapter.ProviderName(), kw, err)
					continue
				}
				if len(results) == 0 && r.supplement() != nil {
					supplemented, err := r.supplement().SupplementSearchResult(ctx, adapter.ProviderName(), kw, episodeInfo)
					if err == nil {
						results = supplemented
					}
				}
				mu.Lock()
				aggregate = append(aggregate, results...)
				mu.Unlock()
			}
		})
	}
	p.Wait()

	seen := make(map[string]struct{}, len(aggregate))
	deduped := aggregate[:0]
	for _, res := range aggregate {
		key := res.Provider + ":" + res.MediaID
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		deduped = append(deduped, res)
	}

	return r.applyBlacklists(ctx, deduped)
}

// SearchSequentially iterates adapters in display order and returns the
// first non-empty provider result.
func (r *Registry) SearchSequentially(ctx context.Context, keyword string, episodeInfo *models.EpisodeInfo) []models.ProviderSearchInfo {
	for _, adapter := range r.enabled() {
		results, err := adapter.Search(ctx, keyword, episodeInfo)
		if err != nil {
			log.Printf("[scraper] %s search %q failed: %v", adapter.ProviderName(), keyword, err)
			continue
		}
		if len(results) == 0 && r.supplement() != nil {
			results, _ = r.supplement().SupplementSearchResult(ctx, adapter.ProviderName(), keyword, episodeInfo)
		}
		if len(results) > 0 {
			return r.applyBlacklists(ctx, results)
		}
	}
	return nil
}

func (r *Registry) supplement() Supplementer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.supplier
}

func (r *Registry) applyBlacklists(ctx context.Context, results []models.ProviderSearchInfo) []models.ProviderSearchInfo {
	if r.config == nil || len(results) == 0 {
		return results
	}

	var patterns []*regexp.Regexp
	for _, key := range []string{"search_result_global_blacklist_cn", "search_result_global_blacklist_eng"} {
		raw, err := r.config.Get(ctx, key)
		if err != nil || strings.TrimSpace(raw) == "" {
			continue
		}
		re, err := regexp.Compile(raw)
		if err != nil {
			log.Printf("[scraper] invalid blacklist regex %s: %v", key, err)
			continue
		}
		patterns = append(patterns, re)
	}
	if len(patterns) == 0 {
		return results
	}

	kept := results[:0]
	for _, res := range results {
		blocked := false
		for _, re := range patterns {
			if re.MatchString(res.Title) {
				blocked = true
				break
			}
		}
		if !blocked {
			kept = append(kept, res)
		}
	}
	return kept
}
