package store

import (
	"context"
	"database/sql"
	"fmt"

	"danmuhub/models"
)

// CommentRepository persists danmaku for library episodes.
type CommentRepository struct {
	db   dbtx
	base *sql.DB
}

func (r *CommentRepository) WithTx(tx *sql.Tx) *CommentRepository {
	return &CommentRepository{db: tx}
}

// ListByEpisode returns an episode's comments in chronological order.
func (r *CommentRepository) ListByEpisode(ctx context.Context, episodeID int64) ([]models.Comment, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, episode_id, time_sec, mode, color, text, provider_tag
		 FROM comment WHERE episode_id = ? ORDER BY time_sec, id`, episodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Comment
	for rows.Next() {
		var c models.Comment
		if err := rows.Scan(&c.ID, &c.EpisodeID, &c.TimeSec, &c.Mode, &c.Color, &c.Text, &c.ProviderTag); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CountByEpisode returns the stored comment count.
func (r *CommentRepository) CountByEpisode(ctx context.Context, episodeID int64) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM comment WHERE episode_id = ?`, episodeID).Scan(&n)
	return n, err
}

// BulkInsert stores a batch of comments in chunks of 200 values per
// statement to stay inside sqlite's variable limit.
func (r *CommentRepository) BulkInsert(ctx context.Context, episodeID int64, comments []models.Comment) (int, error) {
	const chunk = 200
	inserted := 0
	for start := 0; start < len(comments); start += chunk {
		end := start + chunk
		if end > len(comments) {
			end = len(comments)
		}

		query := `INSERT INTO comment (episode_id, time_sec, mode, color, text, provider_tag) VALUES `
		args := make([]any, 0, (end-start)*6)
		for i := start; i < end; i++ {
			if i > start {
				query += ","
			}
			query += "(?, ?, ?, ?, ?, ?)"
			c := comments[i]
			args = append(args, episodeID, c.TimeSec, c.Mode, c.Color, c.Text, c.ProviderTag)
		}

		if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
			return inserted, fmt.Errorf("insert comments: %w", err)
		}
		inserted += end - start
	}
	return inserted, nil
}

// DeleteByEpisode clears an episode's comments before a re-download.
func (r *CommentRepository) DeleteByEpisode(ctx context.Context, episodeID int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM comment WHERE episode_id = ?`, episodeID)
	return err
}
