package metasource

import (
	"context"
	"fmt"
	"sort"
)

// Settings returns persisted setting rows sorted by display order, for the
// admin surface.
func (r *Registry) Settings() []SettingView {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]SettingView, 0, len(r.sources))
	for _, ls := range r.sources {
		out = append(out, SettingView{
			ProviderName: ls.setting.ProviderName,
			IsEnabled:    ls.setting.IsEnabled,
			DisplayOrder: ls.setting.DisplayOrder,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DisplayOrder < out[j].DisplayOrder })
	return out
}

// SettingView is the admin-facing projection of a source setting.
type SettingView struct {
	ProviderName string `json:"providerName"`
	IsEnabled    bool   `json:"isEnabled"`
	DisplayOrder int    `json:"displayOrder"`
}

// UpdateSetting persists enable/order for one source and refreshes the
// in-memory copy.
func (r *Registry) UpdateSetting(ctx context.Context, provider string, enabled bool, displayOrder int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ls, ok := r.sources[provider]
	if !ok {
		return fmt.Errorf("unknown metadata source %q", provider)
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE metadata_source_setting SET is_enabled = ?, display_order = ? WHERE provider_name = ?`,
		enabled, displayOrder, provider)
	if err != nil {
		return err
	}
	ls.setting.IsEnabled = enabled
	ls.setting.DisplayOrder = displayOrder
	return nil
}

// ConnectivityReport maps provider name to "ok" or the failure message.
func (r *Registry) ConnectivityReport(ctx context.Context) map[string]string {
	report := make(map[string]string)
	for _, src := range r.enabled() {
		if err := src.CheckConnectivity(ctx); err != nil {
			report[src.ProviderName()] = err.Error()
		} else {
			report[src.ProviderName()] = "ok"
		}
	}
	return report
}
