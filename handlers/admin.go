package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"danmuhub/models"
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

// AdminHandler serves the internal management surface. It speaks plain
// HTTP status codes, not the compat envelope.
type AdminHandler struct {
	Store     *store.Store
	Config    *configstore.Service
	Manager   *tasks.Manager
	Scheduler *scheduler.Scheduler
	Limiter   *ratelimit.Service
	Scrapers  *scraper.Registry
	Meta      *metasource.Registry
	Tokens    *tokens.Service
	Engine    *fallback.Engine
}

func writeAdminError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// --- tasks ---

func (h *AdminHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	list, err := h.Store.Tasks.List(r.Context(), limit)
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, list)
}

func (h *AdminHandler) taskAction(w http.ResponseWriter, r *http.Request, action func(string) error) {
	taskID := mux.Vars(r)["taskId"]
	if err := action(taskID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeAdminError(w, http.StatusNotFound, "task not found")
			return
		}
		writeAdminError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}

func (h *AdminHandler) PauseTask(w http.ResponseWriter, r *http.Request) {
	h.taskAction(w, r, func(id string) error { return h.Manager.Pause(r.Context(), id) })
}

func (h *AdminHandler) ResumeTask(w http.ResponseWriter, r *http.Request) {
	h.taskAction(w, r, func(id string) error { return h.Manager.Resume(r.Context(), id) })
}

func (h *AdminHandler) AbortTask(w http.ResponseWriter, r *http.Request) {
	h.taskAction(w, r, func(id string) error { return h.Manager.Abort(r.Context(), id) })
}

func (h *AdminHandler) ForceFailTask(w http.ResponseWriter, r *http.Request) {
	h.taskAction(w, r, func(id string) error { return h.Manager.ForceFail(r.Context(), id) })
}

func (h *AdminHandler) CancelPendingTask(w http.ResponseWriter, r *http.Request) {
	h.taskAction(w, r, func(id string) error { return h.Manager.CancelPending(r.Context(), id) })
}

// --- schedules ---

type scheduleRequest struct {
	Name      string `json:"name"`
	JobType   string `json:"jobType"`
	CronExpr  string `json:"cronExpression"`
	IsEnabled bool   `json:"isEnabled"`
}

func (h *AdminHandler) ListSchedules(w http.ResponseWriter, r *http.Request) {
	list, err := h.Store.Schedule.List(r.Context())
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{"schedules": list, "jobTypes": h.Scheduler.JobTypes()})
}

func (h *AdminHandler) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" || req.JobType == "" || req.CronExpr == "" {
		writeAdminError(w, http.StatusBadRequest, "name, jobType and cronExpression are required")
		return
	}
	sched, err := h.Scheduler.CreateSchedule(r.Context(), req.Name, req.JobType, req.CronExpr, req.IsEnabled)
	if err != nil {
		writeAdminError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, sched)
}

func (h *AdminHandler) UpdateSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sched, err := h.Scheduler.UpdateSchedule(r.Context(), mux.Vars(r)["taskId"], req.Name, req.CronExpr, req.IsEnabled)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeAdminError(w, http.StatusNotFound, "schedule not found")
			return
		}
		writeAdminError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, sched)
}

func (h *AdminHandler) DeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := h.Scheduler.DeleteSchedule(r.Context(), mux.Vars(r)["taskId"]); err != nil {
		writeAdminError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}

func (h *AdminHandler) RunScheduleNow(w http.ResponseWriter, r *http.Request) {
	taskID, err := h.Scheduler.RunNow(r.Context(), mux.Vars(r)["taskId"])
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeAdminError(w, http.StatusNotFound, "schedule not found")
			return
		}
		writeAdminError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, map[string]string{"taskId": taskID})
}

// --- rate limiter / pre-download ---

func (h *AdminHandler) RateLimitStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.Limiter.Status(r.Context())
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, status)
}

func (h *AdminHandler) PreDownloadStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.Engine.PreDownloadStats())
}

// --- scrapers / metadata sources ---

func (h *AdminHandler) ListScrapers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.Scrapers.Settings())
}

func (h *AdminHandler) UpdateScraper(w http.ResponseWriter, r *http.Request) {
	var setting models.ScraperSetting
	if err := json.NewDecoder(r.Body).Decode(&setting); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	setting.ProviderName = mux.Vars(r)["provider"]
	if err := h.Scrapers.UpdateSetting(r.Context(), setting); err != nil {
		writeAdminError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}

func (h *AdminHandler) ListMetaSources(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.Meta.Settings())
}

func (h *AdminHandler) UpdateMetaSource(w http.ResponseWriter, r *http.Request) {
	var req metasource.SettingView
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.Meta.UpdateSetting(r.Context(), mux.Vars(r)["provider"], req.IsEnabled, req.DisplayOrder); err != nil {
		writeAdminError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}

func (h *AdminHandler) MetaConnectivity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.Meta.ConnectivityReport(r.Context()))
}

// --- config ---

func (h *AdminHandler) ListConfig(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Config.All(r.Context())
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, entries)
}

func (h *AdminHandler) SetConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.Config.Set(r.Context(), mux.Vars(r)["key"], req.Value); err != nil {
		writeAdminError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}

// --- tokens ---

func (h *AdminHandler) ListTokens(w http.ResponseWriter, r *http.Request) {
	list, err := h.Store.Tokens.List(r.Context())
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, list)
}

func (h *AdminHandler) CreateToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name         string `json:"name"`
		DailyLimit   int    `json:"dailyCallLimit"`
		ValidityDays int    `json:"validityDays"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeAdminError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.DailyLimit == 0 {
		req.DailyLimit = -1
	}
	token, err := h.Tokens.Mint(r.Context(), req.Name, req.DailyLimit, req.ValidityDays)
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, token)
}

func (h *AdminHandler) SetTokenEnabled(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeAdminError(w, http.StatusBadRequest, "id must be numeric")
		return
	}
	var req struct {
		IsEnabled bool `json:"isEnabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.Store.Tokens.SetEnabled(r.Context(), id, req.IsEnabled); err != nil {
		writeAdminError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}

func (h *AdminHandler) DeleteToken(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeAdminError(w, http.StatusBadRequest, "id must be numeric")
		return
	}
	if err := h.Store.Tokens.Delete(r.Context(), id); err != nil {
		writeAdminError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}

func (h *AdminHandler) AccessLog(w http.ResponseWriter, r *http.Request) {
	limit := 200
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	list, err := h.Store.Tokens.ListAccess(r.Context(), limit)
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, list)
}
