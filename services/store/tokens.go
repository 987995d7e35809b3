package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"danmuhub/models"
)

// TokenRepository persists compat API tokens and their access log.
type TokenRepository struct {
	db dbtx
}

const tokenColumns = `id, token, name, is_enabled, daily_call_limit, call_count, created_at, expires_at`

func scanToken(row interface{ Scan(...any) error }) (*models.ApiToken, error) {
	var t models.ApiToken
	err := row.Scan(&t.ID, &t.Token, &t.Name, &t.IsEnabled, &t.DailyCallLimit, &t.CallCount, &t.CreatedAt, &t.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetByToken fetches the row for an opaque token string.
func (r *TokenRepository) GetByToken(ctx context.Context, token string) (*models.ApiToken, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM api_token WHERE token = ?`, token)
	return scanToken(row)
}

// GetByID fetches one token row.
func (r *TokenRepository) GetByID(ctx context.Context, id int64) (*models.ApiToken, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM api_token WHERE id = ?`, id)
	return scanToken(row)
}

// List returns all tokens.
func (r *TokenRepository) List(ctx context.Context) ([]models.ApiToken, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+tokenColumns+` FROM api_token ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ApiToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// Create inserts a token.
func (r *TokenRepository) Create(ctx context.Context, t *models.ApiToken) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO api_token (token, name, is_enabled, daily_call_limit, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		t.Token, t.Name, t.IsEnabled, t.DailyCallLimit, t.CreatedAt, t.ExpiresAt)
	if err != nil {
		return err
	}
	t.ID, _ = res.LastInsertId()
	return nil
}

// SetEnabled toggles a token.
func (r *TokenRepository) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	_, err := r.db.ExecContext(ctx, `UPDATE api_token SET is_enabled = ? WHERE id = ?`, enabled, id)
	return err
}

// IncrementCallCount bumps the daily counter.
func (r *TokenRepository) IncrementCallCount(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `UPDATE api_token SET call_count = call_count + 1 WHERE id = ?`, id)
	return err
}

// ResetCallCounts zeroes all counters; the scheduler runs this daily.
func (r *TokenRepository) ResetCallCounts(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `UPDATE api_token SET call_count = 0`)
	return err
}

// Delete removes a token.
func (r *TokenRepository) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM api_token WHERE id = ?`, id)
	return err
}

// RecordAccess appends an access-log row.
func (r *TokenRepository) RecordAccess(ctx context.Context, e models.AccessLogEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO access_log (token, client_ip, user_agent, path, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.Token, e.ClientIP, e.UserAgent, e.Path, e.Status, e.CreatedAt)
	return err
}

// ListAccess returns recent access-log rows, newest first.
func (r *TokenRepository) ListAccess(ctx context.Context, limit int) ([]models.AccessLogEntry, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT token, client_ip, user_agent, path, status, created_at
		 FROM access_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.AccessLogEntry
	for rows.Next() {
		var e models.AccessLogEntry
		if err := rows.Scan(&e.Token, &e.ClientIP, &e.UserAgent, &e.Path, &e.Status, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
