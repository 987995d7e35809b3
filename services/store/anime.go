package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"danmuhub/models"
)

var ErrNotFound = errors.New("store: not found")

// AnimeRepository persists library entries. Anime ids are allocated with
// MAX(id)+1 rather than AUTOINCREMENT: the fixed-width episode-id layout
// reuses holes left by deletions, and the sequence is re-synced afterwards.
type AnimeRepository struct {
	db   dbtx
	base *sql.DB
}

// WithTx returns a copy scoped to the transaction.
func (r *AnimeRepository) WithTx(tx *sql.Tx) *AnimeRepository {
	return &AnimeRepository{db: tx}
}

const animeColumns = `id, title, season, type, year, image_url, tmdb_id, tmdb_episode_group_id, created_at`

func scanAnime(row interface{ Scan(...any) error }) (*models.Anime, error) {
	var a models.Anime
	err := row.Scan(&a.ID, &a.Title, &a.Season, &a.Type, &a.Year, &a.ImageURL, &a.TmdbID, &a.TmdbGroup, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetByID fetches one anime.
func (r *AnimeRepository) GetByID(ctx context.Context, id int64) (*models.Anime, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+animeColumns+` FROM anime WHERE id = ?`, id)
	return scanAnime(row)
}

// FindByTitleSeason finds an exact-title match for one season.
func (r *AnimeRepository) FindByTitleSeason(ctx context.Context, title string, season int) (*models.Anime, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+animeColumns+` FROM anime WHERE title = ? AND season = ? ORDER BY id LIMIT 1`, title, season)
	return scanAnime(row)
}

// SearchByTitle returns library entries whose title contains the keyword.
func (r *AnimeRepository) SearchByTitle(ctx context.Context, keyword string) ([]models.Anime, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+animeColumns+` FROM anime WHERE title LIKE ? ORDER BY id`, "%"+keyword+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Anime
	for rows.Next() {
		a, err := scanAnime(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// ListUnmappedTmdb returns entries with a TMDB id but no episode-group
// mapping yet, the auto-map job's work list.
func (r *AnimeRepository) ListUnmappedTmdb(ctx context.Context) ([]models.Anime, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+animeColumns+` FROM anime WHERE tmdb_id != '' AND tmdb_episode_group_id = '' ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Anime
	for rows.Next() {
		a, err := scanAnime(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// NextID allocates the next anime id as MAX(id)+1. Call inside the same
// transaction that inserts the row so concurrent allocators serialize on
// sqlite's write lock.
func (r *AnimeRepository) NextID(ctx context.Context) (int64, error) {
	var maxID sql.NullInt64
	if err := r.db.QueryRowContext(ctx, `SELECT MAX(id) FROM anime`).Scan(&maxID); err != nil {
		return 0, err
	}
	return maxID.Int64 + 1, nil
}

// Create inserts an anime with an explicit id.
func (r *AnimeRepository) Create(ctx context.Context, a *models.Anime) error {
	if a.Season < 1 {
		a.Season = 1
	}
	if a.Type == "" {
		a.Type = models.AnimeTypeTVSeries
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO anime (id, title, season, type, year, image_url, tmdb_id, tmdb_episode_group_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Title, a.Season, a.Type, a.Year, a.ImageURL, a.TmdbID, a.TmdbGroup, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert anime: %w", err)
	}
	return nil
}

// SetTmdbMapping records the TMDB id and episode-group id used for reordered
// numbering.
func (r *AnimeRepository) SetTmdbMapping(ctx context.Context, animeID int64, tmdbID, groupID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE anime SET tmdb_id = ?, tmdb_episode_group_id = ? WHERE id = ?`, tmdbID, groupID, animeID)
	return err
}

// Delete removes an anime; sources, episodes and comments cascade.
func (r *AnimeRepository) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM anime WHERE id = ?`, id)
	return err
}

// SyncSequence bumps sqlite_sequence for dependent AUTOINCREMENT tables after
// gap-id reuse so later inserts cannot collide.
func (r *AnimeRepository) SyncSequence(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sqlite_sequence SET seq = (SELECT COALESCE(MAX(id), 0) FROM anime_source) WHERE name = 'anime_source'`)
	return err
}
