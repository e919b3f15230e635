package mysql

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"course_reactions/internal/domain"
)

// ReactionRepo is the shared, per-user reaction store.
type ReactionRepo struct {
	db  *sql.DB
	now func() time.Time
}

func New(db *sql.DB) *ReactionRepo { return &ReactionRepo{db: db, now: time.Now} }

func (r *ReactionRepo) Get(ctx context.Context, owner string, reviewID int64) (domain.ReactionRecord, error) {
	rec := domain.ReactionRecord{Owner: owner, ReviewID: reviewID}
	var kind string
	err := r.db.QueryRowContext(ctx, selectReactionSQL, owner, reviewID).Scan(&kind, &rec.LastUpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, nil // absent is None
	}
	if err != nil {
		return domain.ReactionRecord{}, persistErr("get", owner, reviewID, err)
	}
	if rec.Kind, err = domain.ParseKind(kind); err != nil {
		return domain.ReactionRecord{}, persistErr("get", owner, reviewID, err)
	}
	return rec, nil
}

func (r *ReactionRepo) Set(ctx context.Context, owner string, reviewID int64, kind domain.Kind) (domain.ReactionRecord, error) {
	rec := domain.ReactionRecord{
		Owner:         owner,
		ReviewID:      reviewID,
		Kind:          kind,
		LastUpdatedAt: r.now().UTC().Truncate(time.Microsecond),
	}
	if _, err := r.db.ExecContext(ctx, upsertReactionSQL, owner, reviewID, kind.String(), rec.LastUpdatedAt); err != nil {
		return domain.ReactionRecord{}, persistErr("set", owner, reviewID, err)
	}
	return rec, nil
}

func (r *ReactionRepo) List(ctx context.Context, owner string) ([]domain.ReactionRecord, error) {
	rows, err := r.db.QueryContext(ctx, listReactionsSQL, owner)
	if err != nil {
		return nil, persistErr("list", owner, 0, err)
	}
	defer rows.Close()

	var out []domain.ReactionRecord
	for rows.Next() {
		rec := domain.ReactionRecord{Owner: owner}
		var kind string
		if err := rows.Scan(&rec.ReviewID, &kind, &rec.LastUpdatedAt); err != nil {
			return nil, persistErr("list", owner, 0, err)
		}
		if rec.Kind, err = domain.ParseKind(kind); err != nil {
			return nil, persistErr("list", owner, rec.ReviewID, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("list", owner, 0, err)
	}
	return out, nil
}

func persistErr(op, owner string, reviewID int64, err error) error {
	return &domain.PersistenceError{Op: op, Owner: owner, ReviewID: reviewID, Err: err}
}
