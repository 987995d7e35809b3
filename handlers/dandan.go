// Package handlers holds the HTTP handlers of the compat and admin
// surfaces. Handlers stay thin; protocol rules live in the services.
package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/sourcegraph/conc/pool"

	"danmuhub/models"
	"danmuhub/services/fallback"
	"danmuhub/services/store"
)

const batchMatchLimit = 32

// DandanHandler serves the dandanplay-compatible endpoints.
type DandanHandler struct {
	Engine *fallback.Engine
}

func NewDandanHandler(engine *fallback.Engine) *DandanHandler {
	return &DandanHandler{Engine: engine}
}

// SearchEpisodes handles GET /search/episodes?anime=X&episode=Y
// (library only).
func (h *DandanHandler) SearchEpisodes(w http.ResponseWriter, r *http.Request) {
	keyword := r.URL.Query().Get("anime")
	if keyword == "" {
		writeCompatError(w, http.StatusBadRequest, "anime is required")
		return
	}
	episode := 0
	if raw := r.URL.Query().Get("episode"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeCompatError(w, http.StatusBadRequest, "episode must be a positive integer")
			return
		}
		episode = n
	}

	items, err := h.Engine.LibrarySearch(r.Context(), keyword, episode)
	if err != nil {
		log.Printf("[api] search episodes failed: %v", err)
		writeCompatError(w, http.StatusInternalServerError, "internal error")
		return
	}
	resp := models.DandanSearchEpisodesResponse{Animes: items}
	resp.Success = true
	writeJSON(w, resp)
}

// SearchAnime handles GET /search/anime?keyword=X; a library miss triggers
// the search fallback session when enabled.
func (h *DandanHandler) SearchAnime(w http.ResponseWriter, r *http.Request) {
	keyword := r.URL.Query().Get("keyword")
	if keyword == "" {
		keyword = r.URL.Query().Get("anime")
	}
	if keyword == "" {
		writeCompatError(w, http.StatusBadRequest, "keyword is required")
		return
	}

	items, err := h.Engine.LibrarySearch(r.Context(), keyword, 0)
	if err != nil {
		log.Printf("[api] search anime failed: %v", err)
		writeCompatError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if len(items) == 0 {
		token := TokenFromContext(r.Context())
		fallbackItems, err := h.Engine.SearchFallback(r.Context(), token.Token, keyword)
		if err != nil {
			log.Printf("[api] search fallback failed: %v", err)
		} else {
			items = fallbackItems
		}
	}
	if items == nil {
		items = []models.DandanSearchAnimeItem{}
	}
	resp := models.DandanSearchEpisodesResponse{Animes: items}
	resp.Success = true
	writeJSON(w, resp)
}

// Bangumi handles GET /bangumi/{bangumiId}.
func (h *DandanHandler) Bangumi(w http.ResponseWriter, r *http.Request) {
	token := TokenFromContext(r.Context())
	details, err := h.Engine.BangumiDetails(r.Context(), token.Token, mux.Vars(r)["bangumiId"])
	if errors.Is(err, store.ErrNotFound) {
		writeCompatError(w, http.StatusNotFound, "bangumi not found")
		return
	}
	if err != nil {
		log.Printf("[api] bangumi details failed: %v", err)
		writeCompatError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, details)
}

// Match handles POST /match.
func (h *DandanHandler) Match(w http.ResponseWriter, r *http.Request) {
	var req models.DandanMatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.FileName == "" {
		writeCompatError(w, http.StatusBadRequest, "fileName is required")
		return
	}
	token := TokenFromContext(r.Context())
	resp, err := h.Engine.Match(r.Context(), token.Token, req.FileName)
	if err != nil {
		log.Printf("[api] match failed: %v", err)
		writeCompatError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, resp)
}

// MatchBatch handles POST /match/batch, at most 32 requests per call,
// resolved in parallel.
func (h *DandanHandler) MatchBatch(w http.ResponseWriter, r *http.Request) {
	var req models.DandanBatchMatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeCompatError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Requests) == 0 || len(req.Requests) > batchMatchLimit {
		writeCompatError(w, http.StatusBadRequest, "requests must contain 1-32 items")
		return
	}

	token := TokenFromContext(r.Context())
	results := make([]models.DandanMatchResponse, len(req.Requests))
	p := pool.New().WithMaxGoroutines(8)
	for i, item := range req.Requests {
		i, item := i, item
		p.Go(func() {
			resp, err := h.Engine.Match(r.Context(), token.Token, item.FileName)
			if err != nil {
				log.Printf("[api] batch match %q failed: %v", item.FileName, err)
				resp = &models.DandanMatchResponse{Matches: []models.DandanMatchItem{}}
				resp.Success = true
			}
			results[i] = *resp
		})
	}
	p.Wait()
	writeJSON(w, results)
}

// Comment handles GET /comment/{episodeId}.
func (h *DandanHandler) Comment(w http.ResponseWriter, r *http.Request) {
	episodeID, err := strconv.ParseInt(mux.Vars(r)["episodeId"], 10, 64)
	if err != nil {
		writeCompatError(w, http.StatusBadRequest, "episodeId must be numeric")
		return
	}
	opts := fallback.CommentOptions{}
	if raw := r.URL.Query().Get("chConvert"); raw != "" {
		opts.ChConvert, _ = strconv.Atoi(raw)
	}
	if raw := r.URL.Query().Get("withRelated"); raw == "true" || raw == "1" {
		opts.WithRelated = true
	}

	token := TokenFromContext(r.Context())
	resp, err := h.Engine.GetComments(r.Context(), token.Token, episodeID, opts)
	if err != nil {
		log.Printf("[api] comments for %d failed: %v", episodeID, err)
		// degraded paths answer empty rather than erroring
		writeJSON(w, models.DandanCommentResponse{Comments: []models.DandanComment{}})
		return
	}

	if from, err := strconv.ParseFloat(r.URL.Query().Get("from"), 64); err == nil && from > 0 {
		filtered := resp.Comments[:0]
		for _, c := range resp.Comments {
			if t, err := strconv.ParseFloat(firstField(c.P), 64); err == nil && t >= from {
				filtered = append(filtered, c)
			}
		}
		resp.Comments = filtered
		resp.Count = len(filtered)
	}
	writeJSON(w, resp)
}

func firstField(p string) string {
	for i := 0; i < len(p); i++ {
		if p[i] == ',' {
			return p[:i]
		}
	}
	return p
}

// ExtComment handles GET /extcomment?url=...
func (h *DandanHandler) ExtComment(w http.ResponseWriter, r *http.Request) {
	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		writeCompatError(w, http.StatusBadRequest, "url is required")
		return
	}
	opts := fallback.CommentOptions{}
	if raw := r.URL.Query().Get("chConvert"); raw != "" {
		opts.ChConvert, _ = strconv.Atoi(raw)
	}

	resp, err := h.Engine.ExtComments(r.Context(), rawURL, opts)
	if err != nil {
		log.Printf("[api] extcomment %q failed: %v", rawURL, err)
		writeCompatError(w, http.StatusNotFound, "unsupported or unreachable url")
		return
	}
	writeJSON(w, resp)
}
