// Package scraper manages the provider adapters that fetch episode lists
// and danmaku from remote sites. Adapters register at build time; the
// registry verifies signatures, syncs persisted per-adapter settings and
// dispatches searches across the verified, enabled set.
package scraper

import (
	"context"
	"encoding/json"
	"net/http"

	"danmuhub/models"
)

// ProgressFunc reports long download progress as (percent, description).
type ProgressFunc func(percent int, description string)

// FieldDescriptor describes one provider-specific setting for the settings
// surface.
type FieldDescriptor struct {
	Label   string `json:"label"`
	Type    string `json:"type"` // string | boolean | regex
	Default string `json:"default,omitempty"`
}

// Adapter is the per-provider contract. Implementations live out of tree;
// this package only depends on the interface.
type Adapter interface {
	// ProviderName is the stable identifier, e.g. "bilibili".
	ProviderName() string
	// HandledDomains lists hostnames GetIDFromURL understands.
	HandledDomains() []string
	// RateLimitQuota declares the per-provider window limit; ok=false means
	// unlimited.
	RateLimitQuota() (limit int, ok bool)
	// ConfigurableFields maps config-store keys to their descriptors.
	ConfigurableFields() map[string]FieldDescriptor
	// Referer, when non-empty, is sent with comment requests.
	Referer() string
	// IsLoggable gates verbose per-request logging.
	IsLoggable() bool

	Search(ctx context.Context, keyword string, episodeInfo *models.EpisodeInfo) ([]models.ProviderSearchInfo, error)
	GetEpisodes(ctx context.Context, mediaID string, dbMediaType models.AnimeType) ([]models.ProviderEpisodeInfo, error)
	GetComments(ctx context.Context, episodeID string, progress ProgressFunc) ([]models.RawComment, error)

	// FormatEpisodeIDForComments normalizes a stored provider episode id
	// into the form GetComments expects.
	FormatEpisodeIDForComments(providerEpisodeID string) string
	// GetIDFromURL extracts the provider episode id from a page URL, or ""
	// when the URL is not recognized.
	GetIDFromURL(url string) string
	// ExecuteAction runs a provider-specific action such as a device-login
	// flow.
	ExecuteAction(ctx context.Context, action string, payload json.RawMessage) (any, error)
}

// Registration binds an adapter factory to its verification fingerprint.
// Fingerprint is the resource payload whose detached signature is checked
// when verification is enabled.
type Registration struct {
	Name        string
	Fingerprint []byte
	Factory     Factory
}

// Factory instantiates an adapter with its shared HTTP client.
type Factory func(deps Deps) Adapter

// Deps carries everything an adapter needs from the host. The HTTP client
// is shared and must never be closed by the adapter.
type Deps struct {
	HTTPClient *http.Client
	Config     ConfigReader
}

// ConfigReader reads provider-scoped configuration.
type ConfigReader interface {
	Get(ctx context.Context, key string) (string, error)
}
