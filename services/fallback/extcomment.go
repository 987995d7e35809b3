package fallback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"danmuhub/models"
	"danmuhub/services/cachestore"
	"danmuhub/services/ratelimit"
)

const extCommentTTL = 5 * time.Hour

// ExtComments fetches danmaku directly from a provider page URL, routed
// through the adapter that handles the URL's domain. Results are cached for
// five hours and never touch the library.
func (e *Engine) ExtComments(ctx context.Context, rawURL string, opts CommentOptions) (*models.DandanCommentResponse, error) {
	adapter, ok := e.scrapers.ByDomain(rawURL)
	if !ok {
		return nil, fmt.Errorf("no adapter handles %q", rawURL)
	}
	providerEpisodeID := adapter.GetIDFromURL(rawURL)
	if providerEpisodeID == "" {
		return nil, fmt.Errorf("%s does not recognize %q", adapter.ProviderName(), rawURL)
	}

	cacheKey := cachestore.PrefixExtComment + queryHash(adapter.ProviderName()+"|"+providerEpisodeID)
	var comments []models.Comment
	err := e.cache.Get(ctx, cacheKey, &comments)
	if err != nil && !errors.Is(err, cachestore.ErrMiss) {
		return nil, err
	}
	if errors.Is(err, cachestore.ErrMiss) {
		if err := e.limiter.Check(ctx, adapter.ProviderName()); err != nil {
			var limited *ratelimit.LimitExceededError
			if errors.As(err, &limited) {
				return &models.DandanCommentResponse{Comments: []models.DandanComment{}}, nil
			}
			return nil, err
		}
		raw, err := adapter.GetComments(ctx, adapter.FormatEpisodeIDForComments(providerEpisodeID), nil)
		if err != nil {
			return nil, err
		}
		comments = make([]models.Comment, len(raw))
		for i, rc := range raw {
			comments[i] = models.Comment{TimeSec: rc.TimeSec, Mode: rc.Mode, Color: rc.Color, Text: rc.Text}
		}
		if err := e.cache.Set(ctx, cacheKey, comments, extCommentTTL); err != nil {
			return nil, err
		}
	}

	// ext comments bypass the per-episode sampled cache; apply the cap inline
	resp := &models.DandanCommentResponse{Comments: make([]models.DandanComment, 0, len(comments))}
	conv := defaultConverter
	if opts.ChConvert != 0 && e.converter != nil {
		conv = e.converter
	}
	for i, c := range comments {
		resp.Comments = append(resp.Comments, models.DandanComment{
			CID: int64(i + 1),
			P:   formatP(c),
			M:   conv.Convert(c.Text),
		})
	}
	resp.Count = len(resp.Comments)
	return resp, nil
}
