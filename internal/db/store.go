package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/jwulff/draftsync/internal/draft"
)

// Store provides read-only access to the worker's drafts table.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns the default database path.
func DefaultDBPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".draftsync", "drafts.sqlite")
}

// Open opens the database in read-only mode with WAL.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?mode=ro&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Verify connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ListDrafts returns every draft, oldest first.
func (s *Store) ListDrafts(ctx context.Context) ([]draft.Record, error) {
	return s.query(ctx, `
		SELECT `+draftColumns+`
		FROM drafts
		ORDER BY MAX(createdAt, COALESCE(updatedAt, 0)) ASC, id ASC
	`)
}

// DraftsForItem returns the drafts of one source item, oldest first.
func (s *Store) DraftsForItem(ctx context.Context, itemID string) ([]draft.Record, error) {
	return s.query(ctx, `
		SELECT `+draftColumns+`
		FROM drafts
		WHERE sourceItemId = ?
		ORDER BY MAX(createdAt, COALESCE(updatedAt, 0)) ASC, id ASC
	`, itemID)
}

// Draft returns a single draft, or nil if it does not exist.
func (s *Store) Draft(ctx context.Context, id string) (*draft.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+draftColumns+`
		FROM drafts
		WHERE id = ?
	`, id)

	rec, err := scanDraft(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan draft: %w", err)
	}
	return &rec, nil
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]draft.Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query drafts: %w", err)
	}
	defer rows.Close()

	var recs []draft.Record
	for rows.Next() {
		rec, err := scanDraft(rows)
		if err != nil {
			return nil, fmt.Errorf("scan draft: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
