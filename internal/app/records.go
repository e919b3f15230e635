package app

import (
	"context"
	"errors"
	"sync"

	"course_reactions/internal/domain"
)

// Records wraps a ReactionStore and notifies subscribers after every
// successful Set.
type Records struct {
	store domain.ReactionStore

	mu   sync.RWMutex
	next int
	subs map[int]func(domain.ReactionRecord)
}

func NewRecords(s domain.ReactionStore) *Records {
	return &Records{store: s, subs: make(map[int]func(domain.ReactionRecord))}
}

func (r *Records) Subscribe(fn func(domain.ReactionRecord)) (cancel func()) {
	r.mu.Lock()
	id := r.next
	r.next++
	r.subs[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}

func (r *Records) Get(ctx context.Context, owner string, reviewID int64) (domain.ReactionRecord, error) {
	rec, err := r.store.Get(ctx, owner, reviewID)
	if err != nil {
		return domain.ReactionRecord{}, asPersistence("get", owner, reviewID, err)
	}
	return rec, nil
}

func (r *Records) Set(ctx context.Context, owner string, reviewID int64, kind domain.Kind) (domain.ReactionRecord, error) {
	rec, err := r.store.Set(ctx, owner, reviewID, kind)
	if err != nil {
		return domain.ReactionRecord{}, asPersistence("set", owner, reviewID, err)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, fn := range r.subs {
		fn(rec)
	}
	return rec, nil
}

func (r *Records) List(ctx context.Context, owner string) ([]domain.ReactionRecord, error) {
	recs, err := r.store.List(ctx, owner)
	if err != nil {
		return nil, asPersistence("list", owner, 0, err)
	}
	return recs, nil
}

func asPersistence(op, owner string, reviewID int64, err error) error {
	var pe *domain.PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &domain.PersistenceError{Op: op, Owner: owner, ReviewID: reviewID, Err: err}
}
