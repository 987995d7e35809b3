package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"

	"danmuhub/internal/database"
	"danmuhub/models"
)

// stubAdapter is a scripted in-memory adapter.
type stubAdapter struct {
	name    string
	domains []string
	quota   int

	mu      sync.Mutex
	results []models.ProviderSearchInfo
}

func (s *stubAdapter) setResults(results []models.ProviderSearchInfo) {
	s.mu.Lock()
	s.results = results
	s.mu.Unlock()
}

func (s *stubAdapter) ProviderName() string     { return s.name }
func (s *stubAdapter) HandledDomains() []string { return s.domains }
func (s *stubAdapter) RateLimitQuota() (int, bool) {
	if s.quota <= 0 {
		return 0, false
	}
	return s.quota, true
}
func (s *stubAdapter) ConfigurableFields() map[string]FieldDescriptor { return nil }
func (s *stubAdapter) Referer() string                                { return "" }
func (s *stubAdapter) IsLoggable() bool                               { return false }

func (s *stubAdapter) Search(ctx context.Context, keyword string, _ *models.EpisodeInfo) ([]models.ProviderSearchInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ProviderSearchInfo(nil), s.results...), nil
}

func (s *stubAdapter) GetEpisodes(ctx context.Context, mediaID string, _ models.AnimeType) ([]models.ProviderEpisodeInfo, error) {
	return nil, nil
}

func (s *stubAdapter) GetComments(ctx context.Context, episodeID string, _ ProgressFunc) ([]models.RawComment, error) {
	return nil, nil
}

func (s *stubAdapter) FormatEpisodeIDForComments(id string) string { return id }
func (s *stubAdapter) GetIDFromURL(string) string                  { return "" }
func (s *stubAdapter) ExecuteAction(context.Context, string, json.RawMessage) (any, error) {
	return nil, errors.New("not supported")
}

var (
	alphaStub = &stubAdapter{name: "alpha", domains: []string{"alpha.example.com"}, quota: 5}
	betaStub  = &stubAdapter{name: "beta", domains: []string{"beta.example.com"}}
)

func init() {
	Register(Registration{Name: "alpha", Factory: func(Deps) Adapter { return alphaStub }})
	Register(Registration{Name: "beta", Factory: func(Deps) Adapter { return betaStub }})
}

// mapConfig is a ConfigReader over a plain map.
type mapConfig map[string]string

func (m mapConfig) Get(ctx context.Context, key string) (string, error) {
	return m[key], nil
}

func newTestRegistry(t *testing.T, config mapConfig) *Registry {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	verifier, err := NewVerifier(false, "", "")
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	r := NewRegistry(db.Connection(), verifier, config, http.DefaultClient, http.DefaultClient)
	if err := r.Load(context.Background(), nil); err != nil {
		t.Fatalf("load: %v", err)
	}
	return r
}

func TestLoadSyncsSettings(t *testing.T) {
	r := newTestRegistry(t, nil)

	if _, ok := r.Get("alpha"); !ok {
		t.Fatal("alpha should be loaded")
	}
	if _, ok := r.Get("beta"); !ok {
		t.Fatal("beta should be loaded")
	}
	if _, ok := r.Get("missing"); ok {
		t.Fatal("unknown provider should not resolve")
	}

	order := r.enabled()
	if len(order) != 2 || order[0].ProviderName() != "alpha" || order[1].ProviderName() != "beta" {
		names := make([]string, len(order))
		for i, a := range order {
			names[i] = a.ProviderName()
		}
		t.Fatalf("enabled order %v", names)
	}
}

func TestDisabledAdapterStaysResolvable(t *testing.T) {
	r := newTestRegistry(t, nil)
	ctx := context.Background()

	if err := r.UpdateSetting(ctx, models.ScraperSetting{
		ProviderName: "alpha", IsEnabled: false, DisplayOrder: 1,
	}); err != nil {
		t.Fatalf("update setting: %v", err)
	}
	if err := r.Load(ctx, nil); err != nil {
		t.Fatalf("reload: %v", err)
	}

	enabled := r.enabled()
	if len(enabled) != 1 || enabled[0].ProviderName() != "beta" {
		t.Fatalf("enabled set %v", enabled)
	}
	// cached episode bindings still need disabled providers
	if _, ok := r.Get("alpha"); !ok {
		t.Fatal("disabled adapter should still resolve by name")
	}
}

func TestDisplayOrderControlsSearchOrder(t *testing.T) {
	r := newTestRegistry(t, nil)
	ctx := context.Background()

	if err := r.UpdateSetting(ctx, models.ScraperSetting{
		ProviderName: "alpha", IsEnabled: true, DisplayOrder: 9,
	}); err != nil {
		t.Fatalf("update setting: %v", err)
	}
	if err := r.Load(ctx, nil); err != nil {
		t.Fatalf("reload: %v", err)
	}

	order := r.enabled()
	if len(order) != 2 || order[0].ProviderName() != "beta" {
		t.Fatalf("beta should sort first after reorder")
	}
}

func TestSearchAllDedupes(t *testing.T) {
	r := newTestRegistry(t, nil)

	alphaStub.setResults([]models.ProviderSearchInfo{
		{Provider: "alpha", MediaID: "m1", Title: "进击的巨人"},
	})
	betaStub.setResults([]models.ProviderSearchInfo{
		{Provider: "beta", MediaID: "m1", Title: "进击的巨人"},
	})

	// two keywords hit every adapter, but (provider, mediaID) dedupes
	results := r.SearchAll(context.Background(), []string{"进击的巨人", "Attack on Titan"}, nil)
	if len(results) != 2 {
		t.Fatalf("results %+v", results)
	}
	seen := map[string]bool{}
	for _, res := range results {
		seen[res.Provider] = true
	}
	if !seen["alpha"] || !seen["beta"] {
		t.Fatalf("providers %v", seen)
	}
}

func TestSearchAllAppliesGlobalBlacklist(t *testing.T) {
	r := newTestRegistry(t, mapConfig{
		"search_result_global_blacklist_cn": "预告|特别篇",
	})

	alphaStub.setResults([]models.ProviderSearchInfo{
		{Provider: "alpha", MediaID: "m1", Title: "进击的巨人"},
		{Provider: "alpha", MediaID: "m2", Title: "进击的巨人 预告"},
	})
	betaStub.setResults(nil)

	results := r.SearchAll(context.Background(), []string{"进击的巨人"}, nil)
	if len(results) != 1 || results[0].MediaID != "m1" {
		t.Fatalf("results %+v", results)
	}
}

func TestByDomain(t *testing.T) {
	r := newTestRegistry(t, nil)

	a, ok := r.ByDomain("https://www.alpha.example.com/play/ep3")
	if !ok || a.ProviderName() != "alpha" {
		t.Fatalf("resolved %v %v", a, ok)
	}
	if _, ok := r.ByDomain("https://unknown.example.org/x"); ok {
		t.Fatal("unknown domain should not resolve")
	}
}

func TestQuotaFor(t *testing.T) {
	r := newTestRegistry(t, nil)

	limit, ok := r.QuotaFor("alpha")
	if !ok || limit != 5 {
		t.Fatalf("alpha quota = %d, %v", limit, ok)
	}
	if _, ok := r.QuotaFor("beta"); ok {
		t.Fatal("beta declares no quota")
	}
}

func TestLoadRemovesStaleSettings(t *testing.T) {
	r := newTestRegistry(t, nil)
	ctx := context.Background()

	if _, err := r.db.ExecContext(ctx,
		`INSERT INTO scraper_setting (provider_name, is_enabled, display_order) VALUES ('gone', TRUE, 7)`); err != nil {
		t.Fatalf("insert stale row: %v", err)
	}
	if err := r.Load(ctx, nil); err != nil {
		t.Fatalf("reload: %v", err)
	}

	var n int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM scraper_setting WHERE provider_name = 'gone'`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatal("stale settings row should be removed")
	}
}
