package fallback

import (
	"context"
	"testing"

	"danmuhub/models"
)

func TestMatchLibraryDirect(t *testing.T) {
	fix := newTestEngine(t)
	ctx := context.Background()

	a := seedAnime(t, fix.store, "进击的巨人", 3)
	src := seedSource(t, fix.store, a.ID, "bilibili", "md001")
	seedEpisode(t, fix.store, src.ID, 5)

	resp, err := fix.engine.Match(ctx, "tok", "进击的巨人 S03E05.mkv")
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if !resp.IsMatched {
		t.Fatalf("expected a confident match, got %+v", resp)
	}
	if len(resp.Matches) != 1 {
		t.Fatalf("matches = %d, want 1", len(resp.Matches))
	}
	item := resp.Matches[0]
	want, err := EncodeEpisodeID(a.ID, src.SourceOrder, 5)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if item.EpisodeID != want {
		t.Fatalf("episode id = %d, want %d", item.EpisodeID, want)
	}
	if item.AnimeID != a.ID {
		t.Fatalf("anime id = %d, want library id %d", item.AnimeID, a.ID)
	}
	if item.AnimeTitle != "进击的巨人" {
		t.Fatalf("anime title = %q", item.AnimeTitle)
	}
	// the wire protocol spells the enum without the underscore
	if item.Type != "tvseries" {
		t.Fatalf("wire type = %q, want %q", item.Type, "tvseries")
	}
}

func TestMatchLibraryPrefersFavoritedSource(t *testing.T) {
	fix := newTestEngine(t)
	ctx := context.Background()

	a := seedAnime(t, fix.store, "我的英雄学院", 1)
	s1 := seedSource(t, fix.store, a.ID, "bilibili", "m1")
	s2 := seedSource(t, fix.store, a.ID, "gamer", "m2")
	seedEpisode(t, fix.store, s1.ID, 2)
	seedEpisode(t, fix.store, s2.ID, 2)

	if err := fix.store.Sources.SetFavorited(ctx, a.ID, s2.ID); err != nil {
		t.Fatalf("favorite: %v", err)
	}

	resp, err := fix.engine.Match(ctx, "tok", "我的英雄学院 S01E02.mkv")
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if !resp.IsMatched || len(resp.Matches) != 1 {
		t.Fatalf("unexpected response %+v", resp)
	}
	want, _ := EncodeEpisodeID(a.ID, s2.SourceOrder, 2)
	if resp.Matches[0].EpisodeID != want {
		t.Fatalf("episode id = %d, want favorited source %d", resp.Matches[0].EpisodeID, want)
	}
}

func TestMatchLibraryAmbiguous(t *testing.T) {
	fix := newTestEngine(t)
	ctx := context.Background()

	a1 := seedAnime(t, fix.store, "未来日记", 1)
	a2 := seedAnime(t, fix.store, "未来日记", 2)
	for _, a := range []*models.Anime{a1, a2} {
		src := seedSource(t, fix.store, a.ID, "bilibili", "m"+a.Title)
		seedEpisode(t, fix.store, src.ID, 5)
	}

	// no season in the filename, so both library seasons qualify
	resp, err := fix.engine.Match(ctx, "tok", "未来日记 - 05.mkv")
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if resp.IsMatched {
		t.Fatal("two distinct anime should not be a confident match")
	}
	if len(resp.Matches) != 2 {
		t.Fatalf("matches = %d, want both candidates", len(resp.Matches))
	}
}

func TestMatchAppliesTitleRecognitionRules(t *testing.T) {
	fix := newTestEngine(t)
	ctx := context.Background()

	a := seedAnime(t, fix.store, "进击的巨人", 1)
	src := seedSource(t, fix.store, a.ID, "bilibili", "m1")
	seedEpisode(t, fix.store, src.ID, 5)

	fix.setConfig(t, keyTitleRecognition, "^Attack on Titan$ => 进击的巨人")

	resp, err := fix.engine.Match(ctx, "tok", "Attack on Titan S01E05.mkv")
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if !resp.IsMatched {
		t.Fatalf("rewritten title should hit the library, got %+v", resp)
	}
	want, _ := EncodeEpisodeID(a.ID, src.SourceOrder, 5)
	if resp.Matches[0].EpisodeID != want {
		t.Fatalf("episode id = %d, want %d", resp.Matches[0].EpisodeID, want)
	}
}

func TestMatchViaTmdbGroupRemap(t *testing.T) {
	fix := newTestEngine(t)
	ctx := context.Background()

	a := seedAnime(t, fix.store, "葬送的芙莉莲", 2)
	src := seedSource(t, fix.store, a.ID, "bilibili", "m1")
	seedEpisode(t, fix.store, src.ID, 5)

	if err := fix.store.Anime.SetTmdbMapping(ctx, a.ID, "100", "grp1"); err != nil {
		t.Fatalf("set tmdb mapping: %v", err)
	}
	if err := fix.store.Mappings.Upsert(ctx, models.TmdbEpisodeMapping{
		TmdbTVID: 100, GroupID: "grp1",
		GroupSeason: 1, GroupEpisode: 30,
		TmdbSeason: 2, TmdbEpisode: 5,
	}); err != nil {
		t.Fatalf("upsert mapping: %v", err)
	}

	// absolute numbering: episode 30 only exists through the group remap
	resp, err := fix.engine.Match(ctx, "tok", "葬送的芙莉莲 - 30.mkv")
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if !resp.IsMatched || len(resp.Matches) != 1 {
		t.Fatalf("unexpected response %+v", resp)
	}
	want, _ := EncodeEpisodeID(a.ID, src.SourceOrder, 5)
	if resp.Matches[0].EpisodeID != want {
		t.Fatalf("episode id = %d, want remapped %d", resp.Matches[0].EpisodeID, want)
	}
}

func TestMatchNetworkFallback(t *testing.T) {
	fix := newTestEngine(t)
	ctx := context.Background()

	setFakeAdapter(
		[]models.ProviderSearchInfo{
			{Provider: "fake", MediaID: "m100", Title: "吹响吧！上低音号", Type: models.AnimeTypeTVSeries},
		},
		[]models.ProviderEpisodeInfo{
			{EpisodeIndex: 4, Title: "第4集", EpisodeID: "pe4"},
			{EpisodeIndex: 5, Title: "第5集", EpisodeID: "pe5"},
		},
	)
	fix.setConfig(t, keyMatchFallbackEnabled, "true")
	fix.setConfig(t, keyMatchFallbackTokens, `["all"]`)

	resp, err := fix.engine.Match(ctx, "tok", "吹响吧！上低音号 S01E05.mkv")
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if !resp.IsMatched || len(resp.Matches) != 1 {
		t.Fatalf("unexpected response %+v", resp)
	}
	item := resp.Matches[0]

	// the response carries a virtual anime id, the episode id encodes the
	// materialized library rows
	if !IsVirtualAnimeID(item.AnimeID) {
		t.Fatalf("anime id %d should be virtual", item.AnimeID)
	}
	real, err := fix.store.Anime.FindByTitleSeason(ctx, "吹响吧！上低音号", 1)
	if err != nil {
		t.Fatalf("materialized anime missing: %v", err)
	}
	want, _ := EncodeEpisodeID(real.ID, 1, 5)
	if item.EpisodeID != want {
		t.Fatalf("episode id = %d, want %d", item.EpisodeID, want)
	}
	if item.EpisodeTitle != "第5集" {
		t.Fatalf("episode title = %q", item.EpisodeTitle)
	}

	var b episodeBinding
	if err := fix.cache.Get(ctx, episodeBindingKey(item.EpisodeID), &b); err != nil {
		t.Fatalf("episode binding not cached: %v", err)
	}
	if b.Provider != "fake" || b.ProviderEpisodeID != "pe5" {
		t.Fatalf("binding %+v", b)
	}

	// second request for the same file resolves from the library now
	searches := fakeSearchCount()
	again, err := fix.engine.Match(ctx, "tok", "吹响吧！上低音号 S01E05.mkv")
	if err != nil {
		t.Fatalf("second match: %v", err)
	}
	if !again.IsMatched || again.Matches[0].EpisodeID != want {
		t.Fatalf("second response %+v", again)
	}
	if fakeSearchCount() != searches {
		t.Fatal("second match should not search the provider again")
	}
}

func TestMatchExternalAPIFallbackDemandsValidatedCandidate(t *testing.T) {
	fix := newTestEngine(t)
	ctx := context.Background()

	// the top-scored candidate (exact title) has no episode 5; the runner-up
	// does
	setFakeAdapter(
		[]models.ProviderSearchInfo{
			{Provider: "fake", MediaID: "mA", Title: "赛马娘", Type: models.AnimeTypeTVSeries},
			{Provider: "fake", MediaID: "mB", Title: "赛马娘2", Type: models.AnimeTypeTVSeries},
		},
		nil,
	)
	setFakeEpisodesFor("mA", []models.ProviderEpisodeInfo{
		{EpisodeIndex: 1, Title: "第1集", EpisodeID: "a1"},
	})
	setFakeEpisodesFor("mB", []models.ProviderEpisodeInfo{
		{EpisodeIndex: 5, Title: "第5集", EpisodeID: "b5"},
	})
	fix.setConfig(t, keyMatchFallbackEnabled, "true")
	fix.setConfig(t, keyMatchFallbackTokens, `["all"]`)
	fix.setConfig(t, keyFallbackSelection, "false")

	// with externalApiFallbackEnabled off, only the top candidate is tried
	resp, err := fix.engine.Match(ctx, "tok", "赛马娘 S01E05.mkv")
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if resp.IsMatched {
		t.Fatalf("top candidate has no episode 5, got %+v", resp)
	}

	// enabling it keeps probing until a candidate validates
	fix.setConfig(t, keyExternalAPIFallback, "true")
	resp, err = fix.engine.Match(ctx, "tok", "赛马娘 S01E05.mkv")
	if err != nil {
		t.Fatalf("second match: %v", err)
	}
	if !resp.IsMatched || len(resp.Matches) != 1 {
		t.Fatalf("runner-up should validate, got %+v", resp)
	}
	if resp.Matches[0].EpisodeTitle != "第5集" {
		t.Fatalf("episode title = %q", resp.Matches[0].EpisodeTitle)
	}

	var b episodeBinding
	if err := fix.cache.Get(ctx, episodeBindingKey(resp.Matches[0].EpisodeID), &b); err != nil {
		t.Fatalf("episode binding not cached: %v", err)
	}
	if b.ProviderEpisodeID != "b5" {
		t.Fatalf("binding %+v should point at the validated candidate", b)
	}
}

func TestMatchNetworkRequiresAuthorizedToken(t *testing.T) {
	fix := newTestEngine(t)
	ctx := context.Background()

	setFakeAdapter(
		[]models.ProviderSearchInfo{
			{Provider: "fake", MediaID: "m1", Title: "某科学的超电磁炮", Type: models.AnimeTypeTVSeries},
		},
		nil,
	)
	fix.setConfig(t, keyMatchFallbackEnabled, "true")
	// matchFallbackTokens keeps its default empty list

	resp, err := fix.engine.Match(ctx, "tok", "某科学的超电磁炮 S01E01.mkv")
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if resp.IsMatched || len(resp.Matches) != 0 {
		t.Fatalf("unauthorized token should not match, got %+v", resp)
	}
	if fakeSearchCount() != 0 {
		t.Fatal("unauthorized request must not reach providers")
	}
}

func TestMatchNetworkBlacklistedFileName(t *testing.T) {
	fix := newTestEngine(t)
	ctx := context.Background()

	setFakeAdapter(
		[]models.ProviderSearchInfo{
			{Provider: "fake", MediaID: "m1", Title: "电锯人", Type: models.AnimeTypeTVSeries},
		},
		nil,
	)
	fix.setConfig(t, keyMatchFallbackEnabled, "true")
	fix.setConfig(t, keyMatchFallbackTokens, `["all"]`)
	fix.setConfig(t, keyMatchFallbackBlacklist, `(?i)\bsample\b`)

	resp, err := fix.engine.Match(ctx, "tok", "电锯人 S01E01 SAMPLE.mkv")
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if resp.IsMatched {
		t.Fatal("blacklisted filename should not trigger fallback")
	}
	if fakeSearchCount() != 0 {
		t.Fatal("blacklisted request must not reach providers")
	}
}
