package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"danmuhub/models"
)

// EpisodeRepository persists per-source episode rows.
type EpisodeRepository struct {
	db   dbtx
	base *sql.DB
}

func (r *EpisodeRepository) WithTx(tx *sql.Tx) *EpisodeRepository {
	return &EpisodeRepository{db: tx}
}

const episodeColumns = `id, source_id, episode_index, title, source_url, provider_episode_id, comment_count`

func scanEpisode(row interface{ Scan(...any) error }) (*models.Episode, error) {
	var e models.Episode
	err := row.Scan(&e.ID, &e.SourceID, &e.EpisodeIndex, &e.Title, &e.SourceURL, &e.ProviderEpisodeID, &e.CommentCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// GetByID fetches one episode.
func (r *EpisodeRepository) GetByID(ctx context.Context, id int64) (*models.Episode, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+episodeColumns+` FROM episode WHERE id = ?`, id)
	return scanEpisode(row)
}

// GetByIndex fetches the episode with a given per-source index.
func (r *EpisodeRepository) GetByIndex(ctx context.Context, sourceID int64, index int) (*models.Episode, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+episodeColumns+` FROM episode WHERE source_id = ? AND episode_index = ?`, sourceID, index)
	return scanEpisode(row)
}

// ListBySource returns a source's episodes ordered by index.
func (r *EpisodeRepository) ListBySource(ctx context.Context, sourceID int64) ([]models.Episode, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+episodeColumns+` FROM episode WHERE source_id = ? ORDER BY episode_index`, sourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Episode
	for rows.Next() {
		e, err := scanEpisode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// IndexesByAnime returns the distinct episode indexes already present for a
// title across all its sources, used to annotate search results.
func (r *EpisodeRepository) IndexesByAnime(ctx context.Context, animeID int64) ([]int, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT e.episode_index FROM episode e
		 JOIN anime_source s ON s.id = e.source_id
		 WHERE s.anime_id = ? ORDER BY e.episode_index`, animeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			return nil, err
		}
		out = append(out, idx)
	}
	return out, rows.Err()
}

// CreateIfNotExists inserts the episode unless the (source, index) pair
// already exists, returning the persisted row either way.
func (r *EpisodeRepository) CreateIfNotExists(ctx context.Context, e *models.Episode) (*models.Episode, error) {
	existing, err := r.GetByIndex(ctx, e.SourceID, e.EpisodeIndex)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	res, err := r.db.ExecContext(ctx,
		`INSERT INTO episode (source_id, episode_index, title, source_url, provider_episode_id)
		 VALUES (?, ?, ?, ?, ?)`,
		e.SourceID, e.EpisodeIndex, e.Title, e.SourceURL, e.ProviderEpisodeID)
	if err != nil {
		return nil, fmt.Errorf("insert episode: %w", err)
	}
	e.ID, _ = res.LastInsertId()
	return e, nil
}

// UpdateCommentCount refreshes the cached comment count.
func (r *EpisodeRepository) UpdateCommentCount(ctx context.Context, episodeID int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE episode SET comment_count = (SELECT COUNT(*) FROM comment WHERE episode_id = ?) WHERE id = ?`,
		episodeID, episodeID)
	return err
}

// ApplyOffset shifts all episode indexes of a source by delta.
func (r *EpisodeRepository) ApplyOffset(ctx context.Context, sourceID int64, delta int) error {
	// Negate then rewrite, same trick as source reordering, to dodge the
	// unique constraint while shifting.
	if _, err := r.db.ExecContext(ctx,
		`UPDATE episode SET episode_index = -(episode_index + ?) WHERE source_id = ?`, delta, sourceID); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE episode SET episode_index = -episode_index WHERE source_id = ? AND episode_index < 0`, sourceID)
	return err
}

// Delete removes one episode; comments cascade.
func (r *EpisodeRepository) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM episode WHERE id = ?`, id)
	return err
}
