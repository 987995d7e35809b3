package store

import (
	"context"
	"database/sql"
	"errors"

	"danmuhub/models"
)

// TmdbMappingRepository persists TMDB episode-group reorderings.
type TmdbMappingRepository struct {
	db dbtx
}

// Get resolves a group (season, episode) pair onto aired order.
func (r *TmdbMappingRepository) Get(ctx context.Context, tmdbTVID int64, groupID string, groupSeason, groupEpisode int) (*models.TmdbEpisodeMapping, error) {
	var m models.TmdbEpisodeMapping
	err := r.db.QueryRowContext(ctx,
		`SELECT tmdb_tv_id, group_id, group_season, group_episode, tmdb_season, tmdb_episode
		 FROM tmdb_episode_mapping
		 WHERE tmdb_tv_id = ? AND group_id = ? AND group_season = ? AND group_episode = ?`,
		tmdbTVID, groupID, groupSeason, groupEpisode).
		Scan(&m.TmdbTVID, &m.GroupID, &m.GroupSeason, &m.GroupEpisode, &m.TmdbSeason, &m.TmdbEpisode)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// FindByGroupEpisode looks the mapping up by absolute group episode across
// seasons; filename parses often carry only the bare number.
func (r *TmdbMappingRepository) FindByGroupEpisode(ctx context.Context, tmdbTVID int64, groupID string, groupEpisode int) (*models.TmdbEpisodeMapping, error) {
	var m models.TmdbEpisodeMapping
	err := r.db.QueryRowContext(ctx,
		`SELECT tmdb_tv_id, group_id, group_season, group_episode, tmdb_season, tmdb_episode
		 FROM tmdb_episode_mapping
		 WHERE tmdb_tv_id = ? AND group_id = ? AND group_episode = ?
		 ORDER BY group_season LIMIT 1`,
		tmdbTVID, groupID, groupEpisode).
		Scan(&m.TmdbTVID, &m.GroupID, &m.GroupSeason, &m.GroupEpisode, &m.TmdbSeason, &m.TmdbEpisode)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Upsert stores or replaces one mapping row.
func (r *TmdbMappingRepository) Upsert(ctx context.Context, m models.TmdbEpisodeMapping) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO tmdb_episode_mapping (tmdb_tv_id, group_id, group_season, group_episode, tmdb_season, tmdb_episode)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (tmdb_tv_id, group_id, group_season, group_episode)
		 DO UPDATE SET tmdb_season = excluded.tmdb_season, tmdb_episode = excluded.tmdb_episode`,
		m.TmdbTVID, m.GroupID, m.GroupSeason, m.GroupEpisode, m.TmdbSeason, m.TmdbEpisode)
	return err
}

// DeleteGroup drops all mappings of one (tv, group) pair before a re-map.
func (r *TmdbMappingRepository) DeleteGroup(ctx context.Context, tmdbTVID int64, groupID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM tmdb_episode_mapping WHERE tmdb_tv_id = ? AND group_id = ?`, tmdbTVID, groupID)
	return err
}
