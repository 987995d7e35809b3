package fallback

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	"danmuhub/models"
)

// pollSearch re-polls SearchFallback until the session settles or the
// deadline passes.
func pollSearch(t *testing.T, e *Engine, token, keyword string) []models.DandanSearchAnimeItem {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		items, err := e.SearchFallback(ctx, token, keyword)
		if err != nil {
			t.Fatalf("search fallback: %v", err)
		}
		if len(items) == 0 || items[0].AnimeID != PlaceholderAnimeID {
			return items
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("search session did not settle in time")
	return nil
}

func TestSearchFallbackDisabled(t *testing.T) {
	fix := newTestEngine(t)

	items, err := fix.engine.SearchFallback(context.Background(), "tok", "进击的巨人")
	if err != nil {
		t.Fatalf("search fallback: %v", err)
	}
	if items != nil {
		t.Fatalf("disabled fallback should return nil, got %+v", items)
	}
}

func TestSearchFallbackSessionLifecycle(t *testing.T) {
	fix := newTestEngine(t)
	ctx := context.Background()

	setFakeAdapter(
		[]models.ProviderSearchInfo{
			{Provider: "fake", MediaID: "m200", Title: "孤独摇滚", Type: models.AnimeTypeTVSeries, EpisodeCount: 12},
		},
		nil,
	)
	fix.setConfig(t, keySearchFallbackEnabled, "true")
	fix.setConfig(t, keyMatchFallbackTokens, `["all"]`)

	// first call starts the session and answers with the placeholder
	items, err := fix.engine.SearchFallback(ctx, "tokA", "孤独摇滚")
	if err != nil {
		t.Fatalf("search fallback: %v", err)
	}
	if len(items) != 1 || items[0].AnimeID != PlaceholderAnimeID {
		t.Fatalf("first poll should be the placeholder, got %+v", items)
	}
	// pollers read search progress from the type description
	if !strings.HasSuffix(items[0].TypeDescription, "%") {
		t.Fatalf("placeholder type description = %q, want a %% suffix", items[0].TypeDescription)
	}

	items = pollSearch(t, fix.engine, "tokA", "孤独摇滚")
	if len(items) != 1 {
		t.Fatalf("settled results = %+v", items)
	}
	got := items[0]
	if !IsVirtualAnimeID(got.AnimeID) {
		t.Fatalf("anime id %d should be virtual", got.AnimeID)
	}
	if got.AnimeTitle != "孤独摇滚" || got.EpisodeCount != 12 {
		t.Fatalf("result %+v", got)
	}
	if got.Type != "tvseries" {
		t.Fatalf("wire type = %q, want %q", got.Type, "tvseries")
	}
	if got.BangumiID != strconv.FormatInt(got.AnimeID, 10) {
		t.Fatalf("bangumi id %q does not mirror anime id %d", got.BangumiID, got.AnimeID)
	}

	// the minted id is bound to the provider hit for later episode lookups
	var b animeBinding
	if err := fix.cache.Get(ctx, animeBindingKey(got.AnimeID), &b); err != nil {
		t.Fatalf("anime binding not cached: %v", err)
	}
	if b.Provider != "fake" || b.MediaID != "m200" {
		t.Fatalf("binding %+v", b)
	}

	// completed sessions answer from the cache
	searches := fakeSearchCount()
	again, err := fix.engine.SearchFallback(ctx, "tokA", "孤独摇滚")
	if err != nil {
		t.Fatalf("cached poll: %v", err)
	}
	if len(again) != 1 || again[0].AnimeID != got.AnimeID {
		t.Fatalf("cached poll %+v", again)
	}
	if fakeSearchCount() != searches {
		t.Fatal("cached poll should not search the provider again")
	}
}

func TestSearchFallbackOneSessionPerToken(t *testing.T) {
	fix := newTestEngine(t)
	ctx := context.Background()

	setFakeAdapter(
		[]models.ProviderSearchInfo{
			{Provider: "fake", MediaID: "m300", Title: "赛马娘", Type: models.AnimeTypeTVSeries},
		},
		nil,
	)
	setFakeDelay(time.Second)
	fix.setConfig(t, keySearchFallbackEnabled, "true")
	fix.setConfig(t, keyMatchFallbackTokens, `["all"]`)

	items, err := fix.engine.SearchFallback(ctx, "tokA", "赛马娘")
	if err != nil {
		t.Fatalf("first search: %v", err)
	}
	if len(items) != 1 || items[0].AnimeID != PlaceholderAnimeID {
		t.Fatalf("first poll should be the placeholder, got %+v", items)
	}

	// a different query from the same token is refused while the first runs
	blocked, err := fix.engine.SearchFallback(ctx, "tokA", "其他作品")
	if err != nil {
		t.Fatalf("second search: %v", err)
	}
	if blocked != nil {
		t.Fatalf("second session should be blocked, got %+v", blocked)
	}

	// let the first session finish so manager shutdown stays fast
	pollSearch(t, fix.engine, "tokA", "赛马娘")
}

func TestSearchFallbackAnnotatesLibraryHoldings(t *testing.T) {
	fix := newTestEngine(t)

	a := seedAnime(t, fix.store, "间谍过家家", 1)
	src := seedSource(t, fix.store, a.ID, "bilibili", "m1")
	for _, idx := range []int{1, 2, 3, 5} {
		seedEpisode(t, fix.store, src.ID, idx)
	}

	setFakeAdapter(
		[]models.ProviderSearchInfo{
			{Provider: "fake", MediaID: "m400", Title: "间谍过家家", Type: models.AnimeTypeTVSeries},
		},
		nil,
	)
	fix.setConfig(t, keySearchFallbackEnabled, "true")
	fix.setConfig(t, keyMatchFallbackTokens, `["all"]`)

	if _, err := fix.engine.SearchFallback(context.Background(), "tokA", "间谍过家家"); err != nil {
		t.Fatalf("search fallback: %v", err)
	}
	items := pollSearch(t, fix.engine, "tokA", "间谍过家家")
	if len(items) != 1 {
		t.Fatalf("results %+v", items)
	}
	want := "TV动画（库内：1-3,5）"
	if items[0].TypeDescription != want {
		t.Fatalf("type description = %q, want %q", items[0].TypeDescription, want)
	}
}
