// Package store holds the repositories for library entities. Each repository
// operates on the shared sqlite connection; callers that need multi-step
// atomicity use WithTx-scoped copies inside a single transaction.
package store

import (
	"context"
	"database/sql"
)

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store aggregates the repositories over one database connection.
type Store struct {
	db *sql.DB

	Anime    *AnimeRepository
	Sources  *SourceRepository
	Episodes *EpisodeRepository
	Comments *CommentRepository
	Mappings *TmdbMappingRepository
	Tasks    *TaskHistoryRepository
	Schedule *ScheduledTaskRepository
	Tokens   *TokenRepository
}

// New builds a Store over an open connection.
func New(db *sql.DB) *Store {
	return &Store{
		db:       db,
		Anime:    &AnimeRepository{db: db, base: db},
		Sources:  &SourceRepository{db: db, base: db},
		Episodes: &EpisodeRepository{db: db, base: db},
		Comments: &CommentRepository{db: db, base: db},
		Mappings: &TmdbMappingRepository{db: db},
		Tasks:    &TaskHistoryRepository{db: db},
		Schedule: &ScheduledTaskRepository{db: db},
		Tokens:   &TokenRepository{db: db},
	}
}

// BeginTx opens a transaction for multi-repository work.
func (s *Store) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}
