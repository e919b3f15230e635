package domain

import "context"

// ReactionStore persists ReactionRecords. Get on a missing pair returns KindNone.
// Set must be durable before it returns; failures come back as *PersistenceError.
type ReactionStore interface {
	Get(ctx context.Context, owner string, reviewID int64) (ReactionRecord, error)
	Set(ctx context.Context, owner string, reviewID int64, kind Kind) (ReactionRecord, error)
	List(ctx context.Context, owner string) ([]ReactionRecord, error)
}

// ReviewsBackend is the increment-only review API. Payloads are returned raw
// and mapped by the app layer.
type ReviewsBackend interface {
	ListReviews(ctx context.Context, f ReviewFilter) ([]map[string]any, error)
	Like(ctx context.Context, reviewID int64) (map[string]any, error)
	Dislike(ctx context.Context, reviewID int64) (map[string]any, error)
}

type Cache interface {
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, v any, ttlSec int) error
	Del(ctx context.Context, key string) error
}
