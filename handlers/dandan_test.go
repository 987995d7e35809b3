package handlers_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"danmuhub/api"
	"danmuhub/handlers"
	"danmuhub/internal/database"
	"danmuhub/models"
	"danmuhub/services/cachestore"
	"danmuhub/services/configstore"
	"danmuhub/services/fallback"
	"danmuhub/services/metasource"
	"danmuhub/services/ratelimit"
	"danmuhub/services/scheduler"
	"danmuhub/services/scraper"
	"danmuhub/services/store"
	"danmuhub/services/tasks"
	"danmuhub/services/tokens"
)

type serverFixture struct {
	router http.Handler
	store  *store.Store
	config *configstore.Service
	token  string
}

func newTestServer(t *testing.T) *serverFixture {
	t.Helper()
	ctx := context.Background()

	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	conn := db.Connection()

	st := store.New(conn)
	configSvc := configstore.NewService(conn)
	cacheSvc := cachestore.NewService(conn)

	verifier, err := scraper.NewVerifier(false, "", "")
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	scrapers := scraper.NewRegistry(conn, verifier, configSvc, http.DefaultClient, http.DefaultClient)
	if err := scrapers.Load(ctx, configSvc); err != nil {
		t.Fatalf("load scrapers: %v", err)
	}
	limiter := ratelimit.NewService(conn, 1000, 1000, time.Minute, scrapers.QuotaFor)
	meta := metasource.NewRegistry(conn, http.DefaultClient)
	if err := meta.Load(ctx); err != nil {
		t.Fatalf("load metasources: %v", err)
	}

	manager := tasks.NewManager(st)
	if err := manager.Start(ctx, tasks.Workers{Download: 1, Management: 1, Fallback: 1}); err != nil {
		t.Fatalf("start manager: %v", err)
	}
	t.Cleanup(manager.Stop)

	engine := fallback.New(st, cacheSvc, configSvc, limiter, scrapers, meta, manager, nil)
	if err := engine.RegisterDefaults(ctx); err != nil {
		t.Fatalf("register engine defaults: %v", err)
	}

	tokenSvc := tokens.NewService(st, configSvc)
	if err := tokenSvc.RegisterDefaults(ctx); err != nil {
		t.Fatalf("register token defaults: %v", err)
	}
	minted, err := tokenSvc.Mint(ctx, "test", -1, 0)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}

	auth := &handlers.AuthMiddleware{Tokens: tokenSvc, Config: configSvc}
	if err := auth.RegisterDefaults(ctx); err != nil {
		t.Fatalf("register auth defaults: %v", err)
	}
	webhook := &handlers.WebhookHandler{Cache: cacheSvc, Config: configSvc}
	if err := webhook.RegisterDefaults(ctx); err != nil {
		t.Fatalf("register webhook defaults: %v", err)
	}
	admin := &handlers.AdminHandler{
		Store:     st,
		Config:    configSvc,
		Manager:   manager,
		Scheduler: scheduler.New(st, manager),
		Limiter:   limiter,
		Scrapers:  scrapers,
		Meta:      meta,
		Tokens:    tokenSvc,
		Engine:    engine,
	}

	router := api.NewRouter(api.Deps{
		Auth:    auth,
		Dandan:  handlers.NewDandanHandler(engine),
		Admin:   admin,
		Webhook: webhook,
	})
	return &serverFixture{router: router, store: st, config: configSvc, token: minted.Token}
}

func (f *serverFixture) seedShow(t *testing.T, title string, season int, episodes ...int) (*models.Anime, *models.AnimeSource) {
	t.Helper()
	ctx := context.Background()

	id, err := f.store.Anime.NextID(ctx)
	if err != nil {
		t.Fatalf("next anime id: %v", err)
	}
	a := &models.Anime{ID: id, Title: title, Season: season, Type: models.AnimeTypeTVSeries}
	if err := f.store.Anime.Create(ctx, a); err != nil {
		t.Fatalf("create anime: %v", err)
	}
	src := &models.AnimeSource{AnimeID: a.ID, ProviderName: "bilibili", MediaID: "m" + title, SourceOrder: 1}
	if err := f.store.Sources.Create(ctx, src); err != nil {
		t.Fatalf("create source: %v", err)
	}
	for _, idx := range episodes {
		if _, err := f.store.Episodes.CreateIfNotExists(ctx, &models.Episode{
			SourceID: src.ID, EpisodeIndex: idx,
		}); err != nil {
			t.Fatalf("create episode: %v", err)
		}
	}
	return a, src
}

func (f *serverFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.RemoteAddr = "127.0.0.1:40000"
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestSearchEpisodes(t *testing.T) {
	fix := newTestServer(t)
	a, _ := fix.seedShow(t, "孤独摇滚", 1, 1, 2, 3)

	rec := fix.do(t, http.MethodGet, "/"+fix.token+"/api/v2/search/episodes?anime=孤独摇滚", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	resp := decodeBody[models.DandanSearchEpisodesResponse](t, rec)
	if !resp.Success {
		t.Fatalf("response %+v", resp)
	}
	if len(resp.Animes) != 1 || resp.Animes[0].AnimeID != a.ID {
		t.Fatalf("animes %+v", resp.Animes)
	}
	if len(resp.Animes[0].Episodes) != 3 {
		t.Fatalf("episodes %+v", resp.Animes[0].Episodes)
	}
}

func TestSearchEpisodesMissingKeyword(t *testing.T) {
	fix := newTestServer(t)

	rec := fix.do(t, http.MethodGet, "/"+fix.token+"/api/v2/search/episodes", "")
	// errors still ride HTTP 200 with the envelope carrying the code
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	env := decodeBody[models.DandanEnvelope](t, rec)
	if env.Success || env.ErrorCode != 1001 {
		t.Fatalf("envelope %+v", env)
	}
}

func TestUnknownTokenDenied(t *testing.T) {
	fix := newTestServer(t)

	rec := fix.do(t, http.MethodGet, "/nosuchtoken/api/v2/search/episodes?anime=x", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	env := decodeBody[models.DandanEnvelope](t, rec)
	if env.Success || env.ErrorCode != 1003 {
		t.Fatalf("envelope %+v", env)
	}
}

func TestMatchFromLibrary(t *testing.T) {
	fix := newTestServer(t)
	a, src := fix.seedShow(t, "进击的巨人", 3, 5)

	rec := fix.do(t, http.MethodPost, "/"+fix.token+"/api/v2/match",
		`{"fileName":"进击的巨人 S03E05.mkv"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	resp := decodeBody[models.DandanMatchResponse](t, rec)
	if !resp.IsMatched || len(resp.Matches) != 1 {
		t.Fatalf("response %+v", resp)
	}
	want, _ := fallback.EncodeEpisodeID(a.ID, src.SourceOrder, 5)
	if resp.Matches[0].EpisodeID != want {
		t.Fatalf("episode id = %d, want %d", resp.Matches[0].EpisodeID, want)
	}
}

func TestMatchBatchLimit(t *testing.T) {
	fix := newTestServer(t)

	var items []string
	for i := 0; i < 33; i++ {
		items = append(items, fmt.Sprintf(`{"fileName":"x %d.mkv"}`, i))
	}
	body := `{"requests":[` + strings.Join(items, ",") + `]}`

	rec := fix.do(t, http.MethodPost, "/"+fix.token+"/api/v2/match/batch", body)
	env := decodeBody[models.DandanEnvelope](t, rec)
	if env.Success || env.ErrorCode != 1001 {
		t.Fatalf("envelope %+v", env)
	}
}

func TestCommentServesLibraryDanmaku(t *testing.T) {
	fix := newTestServer(t)
	ctx := context.Background()
	a, src := fix.seedShow(t, "电锯人", 1, 1)

	ep, err := fix.store.Episodes.GetByIndex(ctx, src.ID, 1)
	if err != nil {
		t.Fatalf("episode: %v", err)
	}
	if _, err := fix.store.Comments.BulkInsert(ctx, ep.ID, []models.Comment{
		{TimeSec: 3.5, Mode: 1, Color: 16777215, Text: "早期"},
		{TimeSec: 60, Mode: 1, Color: 16777215, Text: "后期"},
	}); err != nil {
		t.Fatalf("insert comments: %v", err)
	}

	id, _ := fallback.EncodeEpisodeID(a.ID, src.SourceOrder, 1)
	rec := fix.do(t, http.MethodGet, fmt.Sprintf("/%s/api/v2/comment/%d", fix.token, id), "")
	resp := decodeBody[models.DandanCommentResponse](t, rec)
	if resp.Count != 2 {
		t.Fatalf("count = %d", resp.Count)
	}

	// from= filters by comment timestamp
	rec = fix.do(t, http.MethodGet, fmt.Sprintf("/%s/api/v2/comment/%d?from=30", fix.token, id), "")
	resp = decodeBody[models.DandanCommentResponse](t, rec)
	if resp.Count != 1 || resp.Comments[0].M != "后期" {
		t.Fatalf("filtered response %+v", resp)
	}
}

func TestCompatAliasMount(t *testing.T) {
	fix := newTestServer(t)
	fix.seedShow(t, "间谍过家家", 1, 1)

	// the same surface answers without the /api/v2 prefix
	rec := fix.do(t, http.MethodGet, "/"+fix.token+"/search/episodes?anime=间谍过家家", "")
	resp := decodeBody[models.DandanSearchEpisodesResponse](t, rec)
	if !resp.Success || len(resp.Animes) != 1 {
		t.Fatalf("response %+v", resp)
	}
}

func TestAdminSurfaceLocalhostOnly(t *testing.T) {
	fix := newTestServer(t)

	// a spoofed Host header must not open the admin surface to remote peers
	req := httptest.NewRequest(http.MethodGet, "/admin/config", nil)
	req.Host = "localhost"
	req.RemoteAddr = "203.0.113.7:52100"
	rec := httptest.NewRecorder()
	fix.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("remote admin request got %d, want 403", rec.Code)
	}

	if rec := fix.do(t, http.MethodGet, "/admin/config", ""); rec.Code != http.StatusOK {
		t.Fatalf("loopback admin request got %d", rec.Code)
	}
}
