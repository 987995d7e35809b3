package metasource

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"danmuhub/internal/database"
	"danmuhub/models"
)

// stubSource is a scripted in-memory metadata source.
type stubSource struct {
	name string

	mu         sync.Mutex
	results    []Details
	supplement []models.ProviderSearchInfo
	failOnce   bool
	calls      int
}

func (s *stubSource) set(results []Details, supplement []models.ProviderSearchInfo) {
	s.mu.Lock()
	s.results = results
	s.supplement = supplement
	s.failOnce = false
	s.calls = 0
	s.mu.Unlock()
}

func (s *stubSource) ProviderName() string { return s.name }

func (s *stubSource) Search(ctx context.Context, keyword string) ([]Details, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Details(nil), s.results...), nil
}

func (s *stubSource) GetDetails(ctx context.Context, id string) (*Details, error) {
	return nil, errors.New("not found")
}

func (s *stubSource) SupplementSearchResult(ctx context.Context, scraperProvider, keyword string, _ *models.EpisodeInfo) ([]models.ProviderSearchInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failOnce {
		s.failOnce = false
		return nil, errors.New("transient")
	}
	return append([]models.ProviderSearchInfo(nil), s.supplement...), nil
}

func (s *stubSource) CheckConnectivity(ctx context.Context) error { return nil }

var (
	primarySource   = &stubSource{name: "primary"}
	secondarySource = &stubSource{name: "secondary"}
)

func init() {
	Register(Registration{Name: "primary", Factory: func(*http.Client) Source { return primarySource }})
	Register(Registration{Name: "secondary", Factory: func(*http.Client) Source { return secondarySource }})
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	r := NewRegistry(db.Connection(), http.DefaultClient)
	if err := r.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	return r
}

func TestLoadAndGet(t *testing.T) {
	r := newTestRegistry(t)

	if _, ok := r.Get("primary"); !ok {
		t.Fatal("primary should be loaded")
	}
	if _, ok := r.Get("missing"); ok {
		t.Fatal("unknown source should not resolve")
	}
	order := r.enabled()
	if len(order) != 2 || order[0].ProviderName() != "primary" || order[1].ProviderName() != "secondary" {
		t.Fatalf("enabled order wrong: %d sources", len(order))
	}
}

func TestSearchMergesInDisplayOrder(t *testing.T) {
	r := newTestRegistry(t)

	primarySource.set([]Details{{Provider: "primary", ID: "1", Title: "葬送的芙莉莲"}}, nil)
	secondarySource.set([]Details{{Provider: "secondary", ID: "2", Title: "Frieren"}}, nil)

	results := r.Search(context.Background(), "芙莉莲")
	if len(results) != 2 || results[0].Provider != "primary" || results[1].Provider != "secondary" {
		t.Fatalf("results %+v", results)
	}
}

func TestAliasesDedupesAndSkipsKeyword(t *testing.T) {
	r := newTestRegistry(t)

	primarySource.set([]Details{
		{Provider: "primary", ID: "1", Title: "孤独摇滚！", Aliases: []string{"Bocchi the Rock!", "ぼっち・ざ・ろっく！"}},
	}, nil)
	secondarySource.set([]Details{
		{Provider: "secondary", ID: "2", Title: "Bocchi the Rock!"},
	}, nil)

	aliases := r.Aliases(context.Background(), "孤独摇滚！")
	want := map[string]bool{"Bocchi the Rock!": true, "ぼっち・ざ・ろっく！": true}
	if len(aliases) != 2 {
		t.Fatalf("aliases %v", aliases)
	}
	for _, a := range aliases {
		if !want[a] {
			t.Fatalf("unexpected alias %q", a)
		}
	}
}

func TestSupplementRetriesTransientFailure(t *testing.T) {
	r := newTestRegistry(t)

	primarySource.set(nil, []models.ProviderSearchInfo{
		{Provider: "bilibili", MediaID: "m1", Title: "电锯人"},
	})
	primarySource.mu.Lock()
	primarySource.failOnce = true
	primarySource.mu.Unlock()
	secondarySource.set(nil, nil)

	results, err := r.SupplementSearchResult(context.Background(), "bilibili", "电锯人", nil)
	if err != nil {
		t.Fatalf("supplement: %v", err)
	}
	if len(results) != 1 || results[0].MediaID != "m1" {
		t.Fatalf("results %+v", results)
	}
	primarySource.mu.Lock()
	calls := primarySource.calls
	primarySource.mu.Unlock()
	if calls != 2 {
		t.Fatalf("calls = %d, want retry then success", calls)
	}
}

func TestSupplementFallsThroughEmptySources(t *testing.T) {
	r := newTestRegistry(t)

	primarySource.set(nil, nil)
	secondarySource.set(nil, []models.ProviderSearchInfo{
		{Provider: "gamer", MediaID: "m9", Title: "间谍过家家"},
	})

	results, err := r.SupplementSearchResult(context.Background(), "gamer", "间谍过家家", nil)
	if err != nil {
		t.Fatalf("supplement: %v", err)
	}
	if len(results) != 1 || results[0].MediaID != "m9" {
		t.Fatalf("results %+v", results)
	}
}
