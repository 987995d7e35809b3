// Package api builds the HTTP router: the token-scoped compat surface,
// dual-mounted under /{token}/api/v2 and /{token}, plus the internal admin
// surface restricted to localhost.
package api

import (
	"net"
	"net/http"

	"github.com/gorilla/mux"

	"danmuhub/handlers"
)

// Deps aggregates the wired handlers.
type Deps struct {
	Auth    *handlers.AuthMiddleware
	Dandan  *handlers.DandanHandler
	Admin   *handlers.AdminHandler
	Webhook *handlers.WebhookHandler
}

// localhostOnlyMiddleware restricts the admin surface to loopback peers. The
// check runs on the connection's remote address, never on client-supplied
// headers.
func localhostOnlyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ip := net.ParseIP(host)
		if ip == nil || !ip.IsLoopback() {
			http.Error(w, "admin endpoints only accessible from localhost", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// NewRouter assembles all routes.
func NewRouter(d Deps) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/webhook", d.Webhook.Receive).Methods(http.MethodPost)

	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(localhostOnlyMiddleware)
	registerAdminRoutes(admin, d.Admin)

	// the same endpoint set mounts at both prefixes
	compatV2 := r.PathPrefix("/{token}/api/v2").Subrouter()
	compatAlias := r.PathPrefix("/{token}").Subrouter()
	for _, sub := range []*mux.Router{compatV2, compatAlias} {
		sub.Use(d.Auth.Wrap)
		registerCompatRoutes(sub, d.Dandan)
	}
	return r
}

func registerCompatRoutes(r *mux.Router, h *handlers.DandanHandler) {
	r.HandleFunc("/search/episodes", h.SearchEpisodes).Methods(http.MethodGet)
	r.HandleFunc("/search/anime", h.SearchAnime).Methods(http.MethodGet)
	r.HandleFunc("/bangumi/{bangumiId}", h.Bangumi).Methods(http.MethodGet)
	r.HandleFunc("/match", h.Match).Methods(http.MethodPost)
	r.HandleFunc("/match/batch", h.MatchBatch).Methods(http.MethodPost)
	r.HandleFunc("/comment/{episodeId:[0-9]+}", h.Comment).Methods(http.MethodGet)
	r.HandleFunc("/extcomment", h.ExtComment).Methods(http.MethodGet)
}

func registerAdminRoutes(r *mux.Router, h *handlers.AdminHandler) {
	r.HandleFunc("/tasks", h.ListTasks).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{taskId}/pause", h.PauseTask).Methods(http.MethodPost)
	r.HandleFunc("/tasks/{taskId}/resume", h.ResumeTask).Methods(http.MethodPost)
	r.HandleFunc("/tasks/{taskId}/abort", h.AbortTask).Methods(http.MethodPost)
	r.HandleFunc("/tasks/{taskId}/force-fail", h.ForceFailTask).Methods(http.MethodPost)
	r.HandleFunc("/tasks/{taskId}/cancel", h.CancelPendingTask).Methods(http.MethodPost)

	r.HandleFunc("/schedules", h.ListSchedules).Methods(http.MethodGet)
	r.HandleFunc("/schedules", h.CreateSchedule).Methods(http.MethodPost)
	r.HandleFunc("/schedules/{taskId}", h.UpdateSchedule).Methods(http.MethodPut)
	r.HandleFunc("/schedules/{taskId}", h.DeleteSchedule).Methods(http.MethodDelete)
	r.HandleFunc("/schedules/{taskId}/run", h.RunScheduleNow).Methods(http.MethodPost)

	r.HandleFunc("/ratelimit", h.RateLimitStatus).Methods(http.MethodGet)
	r.HandleFunc("/predownload/stats", h.PreDownloadStats).Methods(http.MethodGet)

	r.HandleFunc("/scrapers", h.ListScrapers).Methods(http.MethodGet)
	r.HandleFunc("/scrapers/{provider}", h.UpdateScraper).Methods(http.MethodPut)
	r.HandleFunc("/metasources", h.ListMetaSources).Methods(http.MethodGet)
	r.HandleFunc("/metasources/connectivity", h.MetaConnectivity).Methods(http.MethodGet)
	r.HandleFunc("/metasources/{provider}", h.UpdateMetaSource).Methods(http.MethodPut)

	r.HandleFunc("/config", h.ListConfig).Methods(http.MethodGet)
	r.HandleFunc("/config/{key}", h.SetConfig).Methods(http.MethodPut)

	r.HandleFunc("/tokens", h.ListTokens).Methods(http.MethodGet)
	r.HandleFunc("/tokens", h.CreateToken).Methods(http.MethodPost)
	r.HandleFunc("/tokens/{id:[0-9]+}", h.SetTokenEnabled).Methods(http.MethodPut)
	r.HandleFunc("/tokens/{id:[0-9]+}", h.DeleteToken).Methods(http.MethodDelete)
	r.HandleFunc("/tokens/access-log", h.AccessLog).Methods(http.MethodGet)
}
