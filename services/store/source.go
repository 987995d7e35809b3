package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"danmuhub/models"
)

// SourceRepository persists provider links for library entries.
type SourceRepository struct {
	db   dbtx
	base *sql.DB
}

func (r *SourceRepository) WithTx(tx *sql.Tx) *SourceRepository {
	return &SourceRepository{db: tx}
}

const sourceColumns = `id, anime_id, provider_name, media_id, source_order, is_favorited,
	incremental_refresh_enabled, last_refresh_latest_episode_at, incremental_refresh_failures, created_at`

func scanSource(row interface{ Scan(...any) error }) (*models.AnimeSource, error) {
	var s models.AnimeSource
	err := row.Scan(&s.ID, &s.AnimeID, &s.ProviderName, &s.MediaID, &s.SourceOrder, &s.IsFavorited,
		&s.IncrementalRefresh, &s.LastRefreshLatestAt, &s.IncrementalFailures, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GetByID fetches one source.
func (r *SourceRepository) GetByID(ctx context.Context, id int64) (*models.AnimeSource, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sourceColumns+` FROM anime_source WHERE id = ?`, id)
	return scanSource(row)
}

// ListByAnime returns the sources of one anime ordered by source_order.
func (r *SourceRepository) ListByAnime(ctx context.Context, animeID int64) ([]models.AnimeSource, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sourceColumns+` FROM anime_source WHERE anime_id = ? ORDER BY source_order`, animeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.AnimeSource
	for rows.Next() {
		s, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// GetByProviderMedia finds the source row linking (anime, provider, media).
func (r *SourceRepository) GetByProviderMedia(ctx context.Context, animeID int64, provider, mediaID string) (*models.AnimeSource, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sourceColumns+` FROM anime_source WHERE anime_id = ? AND provider_name = ? AND media_id = ?`,
		animeID, provider, mediaID)
	return scanSource(row)
}

// GetByOrder finds a source by its per-anime order, as decoded from an
// episode id.
func (r *SourceRepository) GetByOrder(ctx context.Context, animeID int64, order int) (*models.AnimeSource, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sourceColumns+` FROM anime_source WHERE anime_id = ? AND source_order = ?`, animeID, order)
	return scanSource(row)
}

// NextOrder allocates MAX(source_order)+1 for the anime. Run inside the
// inserting transaction.
func (r *SourceRepository) NextOrder(ctx context.Context, animeID int64) (int, error) {
	var maxOrder sql.NullInt64
	err := r.db.QueryRowContext(ctx,
		`SELECT MAX(source_order) FROM anime_source WHERE anime_id = ?`, animeID).Scan(&maxOrder)
	if err != nil {
		return 0, err
	}
	return int(maxOrder.Int64) + 1, nil
}

// Create inserts a source row.
func (r *SourceRepository) Create(ctx context.Context, s *models.AnimeSource) error {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO anime_source (anime_id, provider_name, media_id, source_order, is_favorited, incremental_refresh_enabled)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		s.AnimeID, s.ProviderName, s.MediaID, s.SourceOrder, s.IsFavorited, s.IncrementalRefresh)
	if err != nil {
		return fmt.Errorf("insert source: %w", err)
	}
	s.ID, _ = res.LastInsertId()
	return nil
}

// SetFavorited marks one source favorited, clearing the flag elsewhere so at
// most one source per anime holds it.
func (r *SourceRepository) SetFavorited(ctx context.Context, animeID, sourceID int64) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE anime_source SET is_favorited = FALSE WHERE anime_id = ?`, animeID); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE anime_source SET is_favorited = TRUE WHERE id = ? AND anime_id = ?`, sourceID, animeID)
	return err
}

// SetIncrementalRefresh mirrors SetFavorited for the refresh flag.
func (r *SourceRepository) SetIncrementalRefresh(ctx context.Context, animeID, sourceID int64, enabled bool) error {
	if enabled {
		if _, err := r.db.ExecContext(ctx,
			`UPDATE anime_source SET incremental_refresh_enabled = FALSE WHERE anime_id = ?`, animeID); err != nil {
			return err
		}
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE anime_source SET incremental_refresh_enabled = ? WHERE id = ? AND anime_id = ?`,
		enabled, sourceID, animeID)
	return err
}

// RecordRefreshResult updates incremental refresh bookkeeping after a run.
func (r *SourceRepository) RecordRefreshResult(ctx context.Context, sourceID int64, ok bool) error {
	if ok {
		_, err := r.db.ExecContext(ctx,
			`UPDATE anime_source SET incremental_refresh_failures = 0,
			 last_refresh_latest_episode_at = CURRENT_TIMESTAMP WHERE id = ?`, sourceID)
		return err
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE anime_source SET incremental_refresh_failures = incremental_refresh_failures + 1 WHERE id = ?`, sourceID)
	return err
}

// ListIncremental returns all sources with incremental refresh enabled.
func (r *SourceRepository) ListIncremental(ctx context.Context) ([]models.AnimeSource, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sourceColumns+` FROM anime_source WHERE incremental_refresh_enabled = TRUE ORDER BY anime_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.AnimeSource
	for rows.Next() {
		s, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// Reorder rewrites source_order values for one anime. orders maps source id
// to its new 1-based position; the set must cover all sources of the anime.
func (r *SourceRepository) Reorder(ctx context.Context, animeID int64, orders map[int64]int) error {
	// Two passes to avoid tripping the (anime_id, source_order) unique
	// constraint mid-shuffle.
	for id := range orders {
		if _, err := r.db.ExecContext(ctx,
			`UPDATE anime_source SET source_order = -source_order WHERE id = ? AND anime_id = ?`, id, animeID); err != nil {
			return err
		}
	}
	for id, order := range orders {
		if _, err := r.db.ExecContext(ctx,
			`UPDATE anime_source SET source_order = ? WHERE id = ? AND anime_id = ?`, order, id, animeID); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes a source; its episodes and comments cascade.
func (r *SourceRepository) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM anime_source WHERE id = ?`, id)
	return err
}
