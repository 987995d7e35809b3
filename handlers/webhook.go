package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"danmuhub/services/cachestore"
	"danmuhub/services/configstore"
)

const keyWebhookEnabled = "webhookEnabled"

// WebhookHandler accepts media-server notifications ("new episode arrived")
// and queues them for the webhook-processor job. Processing is deferred so a
// burst of notifications costs one refresh per source.
type WebhookHandler struct {
	Cache  *cachestore.Service
	Config *configstore.Service
}

// RegisterDefaults seeds the webhook config key.
func (h *WebhookHandler) RegisterDefaults(ctx context.Context) error {
	return h.Config.RegisterDefault(ctx, keyWebhookEnabled, "false", "Webhook接收开关")
}

type webhookPayload struct {
	SourceID int64 `json:"sourceId"`
}

// Receive handles POST /webhook.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	if !h.Config.GetBool(r.Context(), keyWebhookEnabled) {
		writeAdminError(w, http.StatusForbidden, "webhooks are disabled")
		return
	}
	var payload webhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.SourceID <= 0 {
		writeAdminError(w, http.StatusBadRequest, "sourceId is required")
		return
	}

	key := cachestore.PrefixWebhookPending + strconv.FormatInt(payload.SourceID, 10) + "_" + strconv.FormatInt(time.Now().UnixNano(), 10)
	event := map[string]any{"sourceId": payload.SourceID, "receivedAt": time.Now().UTC()}
	if err := h.Cache.Set(r.Context(), key, event, 24*time.Hour); err != nil {
		writeAdminError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]bool{"queued": true})
}
