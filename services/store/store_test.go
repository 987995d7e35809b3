package store

import (
	"context"
	"errors"
	"testing"

	"danmuhub/internal/database"
	"danmuhub/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db.Connection())
}

func seedAnime(t *testing.T, st *Store, title string) *models.Anime {
	t.Helper()
	ctx := context.Background()
	id, err := st.Anime.NextID(ctx)
	if err != nil {
		t.Fatalf("next id: %v", err)
	}
	a := &models.Anime{ID: id, Title: title, Season: 1, Type: models.AnimeTypeTVSeries}
	if err := st.Anime.Create(ctx, a); err != nil {
		t.Fatalf("create anime: %v", err)
	}
	return a
}

func seedSource(t *testing.T, st *Store, animeID int64, provider, mediaID string) *models.AnimeSource {
	t.Helper()
	ctx := context.Background()
	order, err := st.Sources.NextOrder(ctx, animeID)
	if err != nil {
		t.Fatalf("next order: %v", err)
	}
	s := &models.AnimeSource{AnimeID: animeID, ProviderName: provider, MediaID: mediaID, SourceOrder: order}
	if err := st.Sources.Create(ctx, s); err != nil {
		t.Fatalf("create source: %v", err)
	}
	return s
}

func TestAnimeNextIDStartsAtOne(t *testing.T) {
	st := newTestStore(t)
	a := seedAnime(t, st, "进击的巨人")
	if a.ID != 1 {
		t.Fatalf("first anime id = %d", a.ID)
	}
	b := seedAnime(t, st, "紫罗兰永恒花园")
	if b.ID != 2 {
		t.Fatalf("second anime id = %d", b.ID)
	}
}

func TestFindByTitleSeason(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	seedAnime(t, st, "葬送的芙莉莲")

	got, err := st.Anime.FindByTitleSeason(ctx, "葬送的芙莉莲", 1)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.Title != "葬送的芙莉莲" {
		t.Fatalf("found %+v", got)
	}

	if _, err := st.Anime.FindByTitleSeason(ctx, "葬送的芙莉莲", 2); !errors.Is(err, ErrNotFound) {
		t.Fatalf("wrong season should be ErrNotFound, got %v", err)
	}
}

func TestFavoritedIsExclusivePerAnime(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	a := seedAnime(t, st, "某科学的超电磁炮")
	s1 := seedSource(t, st, a.ID, "bilibili", "md1")
	s2 := seedSource(t, st, a.ID, "gamer", "md2")

	if err := st.Sources.SetFavorited(ctx, a.ID, s1.ID); err != nil {
		t.Fatalf("favorite s1: %v", err)
	}
	if err := st.Sources.SetFavorited(ctx, a.ID, s2.ID); err != nil {
		t.Fatalf("favorite s2: %v", err)
	}

	sources, err := st.Sources.ListByAnime(ctx, a.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	favorited := 0
	for _, s := range sources {
		if s.IsFavorited {
			favorited++
			if s.ID != s2.ID {
				t.Fatalf("wrong source favorited: %d", s.ID)
			}
		}
	}
	if favorited != 1 {
		t.Fatalf("%d sources favorited, want 1", favorited)
	}
}

func TestIncrementalRefreshIsExclusivePerAnime(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	a := seedAnime(t, st, "间谍过家家")
	s1 := seedSource(t, st, a.ID, "bilibili", "md1")
	s2 := seedSource(t, st, a.ID, "iqiyi", "md2")

	if err := st.Sources.SetIncrementalRefresh(ctx, a.ID, s1.ID, true); err != nil {
		t.Fatalf("enable s1: %v", err)
	}
	if err := st.Sources.SetIncrementalRefresh(ctx, a.ID, s2.ID, true); err != nil {
		t.Fatalf("enable s2: %v", err)
	}

	list, err := st.Sources.ListIncremental(ctx)
	if err != nil {
		t.Fatalf("list incremental: %v", err)
	}
	if len(list) != 1 || list[0].ID != s2.ID {
		t.Fatalf("incremental list %+v", list)
	}
}

func TestSourceOrderAllocation(t *testing.T) {
	st := newTestStore(t)
	a := seedAnime(t, st, "鬼灭之刃")

	s1 := seedSource(t, st, a.ID, "bilibili", "m1")
	s2 := seedSource(t, st, a.ID, "gamer", "m2")

	if s1.SourceOrder != 1 || s2.SourceOrder != 2 {
		t.Fatalf("orders %d/%d, want 1/2", s1.SourceOrder, s2.SourceOrder)
	}
}

func TestEpisodeCreateIfNotExists(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	a := seedAnime(t, st, "孤独摇滚")
	src := seedSource(t, st, a.ID, "bilibili", "m1")

	first, err := st.Episodes.CreateIfNotExists(ctx, &models.Episode{
		SourceID: src.ID, EpisodeIndex: 1, Title: "第1集", ProviderEpisodeID: "ep100",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	second, err := st.Episodes.CreateIfNotExists(ctx, &models.Episode{
		SourceID: src.ID, EpisodeIndex: 1, Title: "重复",
	})
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate index created new row %d != %d", second.ID, first.ID)
	}
	if second.Title != "第1集" {
		t.Fatalf("existing title clobbered: %q", second.Title)
	}
}

func TestCommentsRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	a := seedAnime(t, st, "电锯人")
	src := seedSource(t, st, a.ID, "bilibili", "m1")
	ep, err := st.Episodes.CreateIfNotExists(ctx, &models.Episode{SourceID: src.ID, EpisodeIndex: 1})
	if err != nil {
		t.Fatalf("create episode: %v", err)
	}

	n, err := st.Comments.BulkInsert(ctx, ep.ID, []models.Comment{
		{TimeSec: 1.5, Mode: 1, Color: 16777215, Text: "前排"},
		{TimeSec: 3.2, Mode: 5, Color: 16711680, Text: "名场面"},
	})
	if err != nil {
		t.Fatalf("bulk insert: %v", err)
	}
	if n != 2 {
		t.Fatalf("inserted %d rows", n)
	}

	if err := st.Episodes.UpdateCommentCount(ctx, ep.ID); err != nil {
		t.Fatalf("update count: %v", err)
	}
	got, err := st.Episodes.GetByID(ctx, ep.ID)
	if err != nil {
		t.Fatalf("get episode: %v", err)
	}
	if got.CommentCount != 2 {
		t.Fatalf("comment count = %d", got.CommentCount)
	}

	comments, err := st.Comments.ListByEpisode(ctx, ep.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(comments) != 2 || comments[0].Text != "前排" {
		t.Fatalf("comments %+v", comments)
	}
}

func TestIndexesByAnimeSpansSources(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	a := seedAnime(t, st, "赛马娘")
	s1 := seedSource(t, st, a.ID, "bilibili", "m1")
	s2 := seedSource(t, st, a.ID, "gamer", "m2")

	for _, idx := range []int{1, 2, 3} {
		if _, err := st.Episodes.CreateIfNotExists(ctx, &models.Episode{SourceID: s1.ID, EpisodeIndex: idx}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	for _, idx := range []int{3, 5} {
		if _, err := st.Episodes.CreateIfNotExists(ctx, &models.Episode{SourceID: s2.ID, EpisodeIndex: idx}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	indexes, err := st.Episodes.IndexesByAnime(ctx, a.ID)
	if err != nil {
		t.Fatalf("indexes: %v", err)
	}
	want := []int{1, 2, 3, 5}
	if len(indexes) != len(want) {
		t.Fatalf("indexes %v, want %v", indexes, want)
	}
	for i := range want {
		if indexes[i] != want[i] {
			t.Fatalf("indexes %v, want %v", indexes, want)
		}
	}
}

func TestFindActiveByUniqueKey(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	task := &models.TaskHistory{
		TaskID: "t1", Title: "拉取弹幕", UniqueKey: "comments_1",
		Status: models.TaskStatusQueued, Queue: models.QueueDownload,
	}
	if err := st.Tasks.Create(ctx, task); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := st.Tasks.FindActiveByUniqueKey(ctx, "comments_1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.TaskID != "t1" {
		t.Fatalf("found %+v", got)
	}

	if err := st.Tasks.SetStatus(ctx, "t1", models.TaskStatusCompleted, "done"); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if _, err := st.Tasks.FindActiveByUniqueKey(ctx, "comments_1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("terminal task should not be active, got %v", err)
	}
}

func TestReconcileInterrupted(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	for i, status := range []models.TaskStatus{models.TaskStatusRunning, models.TaskStatusQueued, models.TaskStatusCompleted} {
		task := &models.TaskHistory{
			TaskID: string(rune('a' + i)), Title: "t", Status: status, Queue: models.QueueDownload,
		}
		if err := st.Tasks.Create(ctx, task); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	n, err := st.Tasks.ReconcileInterrupted(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if n != 2 {
		t.Fatalf("reconciled %d tasks, want 2 (running + queued)", n)
	}
}
