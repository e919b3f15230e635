// Package sqlite is the device-local reaction store. One file per device,
// durable across sessions.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"course_reactions/internal/domain"
)

//go:embed migrations/*.sql
var migrations embed.FS

const timeLayout = time.RFC3339Nano

type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the database file at path and migrates it.
// Pragmas go through the DSN so every pooled connection gets them.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	log.Info().Str("path", path).Msg("reaction store ready")
	return &Store{db: db, now: time.Now}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	p, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("goose provider: %w", err)
	}
	if _, err := p.Up(ctx); err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Get(ctx context.Context, owner string, reviewID int64) (domain.ReactionRecord, error) {
	rec := domain.ReactionRecord{Owner: owner, ReviewID: reviewID}
	var kind, ts string
	err := s.db.QueryRowContext(ctx,
		`SELECT kind, last_updated_at FROM reaction_records WHERE owner = ? AND review_id = ?`,
		owner, reviewID).Scan(&kind, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, nil
	}
	if err != nil {
		return domain.ReactionRecord{}, persistErr("get", owner, reviewID, err)
	}
	if err := decode(&rec, kind, ts); err != nil {
		return domain.ReactionRecord{}, persistErr("get", owner, reviewID, err)
	}
	return rec, nil
}

func (s *Store) Set(ctx context.Context, owner string, reviewID int64, kind domain.Kind) (domain.ReactionRecord, error) {
	rec := domain.ReactionRecord{Owner: owner, ReviewID: reviewID, Kind: kind, LastUpdatedAt: s.now().UTC()}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO reaction_records (owner, review_id, kind, last_updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (owner, review_id) DO UPDATE SET
  kind            = excluded.kind,
  last_updated_at = excluded.last_updated_at`,
		owner, reviewID, kind.String(), rec.LastUpdatedAt.Format(timeLayout))
	if err != nil {
		return domain.ReactionRecord{}, persistErr("set", owner, reviewID, err)
	}
	return rec, nil
}

func (s *Store) List(ctx context.Context, owner string) ([]domain.ReactionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT review_id, kind, last_updated_at FROM reaction_records WHERE owner = ? ORDER BY review_id`, owner)
	if err != nil {
		return nil, persistErr("list", owner, 0, err)
	}
	defer rows.Close()

	var out []domain.ReactionRecord
	for rows.Next() {
		rec := domain.ReactionRecord{Owner: owner}
		var kind, ts string
		if err := rows.Scan(&rec.ReviewID, &kind, &ts); err != nil {
			return nil, persistErr("list", owner, 0, err)
		}
		if err := decode(&rec, kind, ts); err != nil {
			return nil, persistErr("list", owner, rec.ReviewID, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("list", owner, 0, err)
	}
	return out, nil
}

func decode(rec *domain.ReactionRecord, kind, ts string) error {
	k, err := domain.ParseKind(kind)
	if err != nil {
		return err
	}
	t, err := time.Parse(timeLayout, ts)
	if err != nil {
		return fmt.Errorf("last_updated_at %q: %w", ts, err)
	}
	rec.Kind, rec.LastUpdatedAt = k, t
	return nil
}

func persistErr(op, owner string, reviewID int64, err error) error {
	return &domain.PersistenceError{Op: op, Owner: owner, ReviewID: reviewID, Err: err}
}
