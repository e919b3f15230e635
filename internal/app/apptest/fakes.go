// Package apptest holds in-memory doubles of the reaction ports.
package apptest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"course_reactions/internal/domain"
)

// Backend is an in-memory increment-only review API. Likes and dislikes
// really increment, the way the remote one does.
type Backend struct {
	mu       sync.Mutex
	rows     map[int64]*row
	order    []int64
	likes    int
	dislikes int
	lists    int

	// ListErr, LikeErr and DislikeErr fail the matching call when set.
	ListErr    error
	LikeErr    error
	DislikeErr error

	// Gate holds every like/dislike until it is closed or the call context
	// ends. Started receives once per call before it waits. See Hold.
	Gate    chan struct{}
	Started chan int64

	listGate    chan struct{}
	listStarted chan struct{}
}

type row struct {
	likes, dislikes int
	course          int64
}

func NewBackend() *Backend {
	return &Backend{rows: make(map[int64]*row)}
}

// Put seeds or overwrites a review's authoritative counts.
func (b *Backend) Put(id int64, likes, dislikes int) *Backend {
	return b.PutInCourse(id, 0, likes, dislikes)
}

func (b *Backend) PutInCourse(id, course int64, likes, dislikes int) *Backend {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.rows[id]; !ok {
		b.order = append(b.order, id)
	}
	b.rows[id] = &row{likes: likes, dislikes: dislikes, course: course}
	return b
}

// Hold parks every like/dislike until release is called. started receives
// the review id of each parked call.
func (b *Backend) Hold() (started <-chan int64, release func()) {
	ch := make(chan int64, 8)
	gate := make(chan struct{})
	b.mu.Lock()
	b.Gate, b.Started = gate, ch
	b.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			b.Gate, b.Started = nil, nil
			b.mu.Unlock()
			close(gate)
		})
	}
}

// HoldList parks every list call until release is called or its context
// ends. started receives once per parked call.
func (b *Backend) HoldList() (started <-chan struct{}, release func()) {
	ch := make(chan struct{}, 8)
	gate := make(chan struct{})
	b.mu.Lock()
	b.listGate, b.listStarted = gate, ch
	b.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			b.listGate, b.listStarted = nil, nil
			b.mu.Unlock()
			close(gate)
		})
	}
}

func (b *Backend) SetListErr(err error) {
	b.mu.Lock()
	b.ListErr = err
	b.mu.Unlock()
}

func (b *Backend) SetLikeErr(err error) {
	b.mu.Lock()
	b.LikeErr = err
	b.mu.Unlock()
}

func (b *Backend) SetDislikeErr(err error) {
	b.mu.Lock()
	b.DislikeErr = err
	b.mu.Unlock()
}

func (b *Backend) Counts(id int64) (likes, dislikes int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.rows[id]; ok {
		return r.likes, r.dislikes
	}
	return 0, 0
}

// Calls reports how many like and dislike requests reached the backend.
func (b *Backend) Calls() (likes, dislikes int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.likes, b.dislikes
}

func (b *Backend) Lists() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lists
}

func (b *Backend) ListReviews(ctx context.Context, f domain.ReviewFilter) ([]map[string]any, error) {
	b.mu.Lock()
	gate, started := b.listGate, b.listStarted
	b.mu.Unlock()
	if gate != nil {
		started <- struct{}{}
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lists++
	if b.ListErr != nil {
		return nil, b.ListErr
	}
	out := make([]map[string]any, 0, len(b.order))
	for _, id := range b.order {
		r := b.rows[id]
		if f.CourseID != nil && *f.CourseID != r.course {
			continue
		}
		out = append(out, map[string]any{
			"id":             float64(id),
			"likes_count":    float64(r.likes),
			"dislikes_count": float64(r.dislikes),
			"net_rating":     float64(r.likes - r.dislikes),
		})
	}
	return out, nil
}

func (b *Backend) Like(ctx context.Context, id int64) (map[string]any, error) {
	return b.increment(ctx, id, true)
}

func (b *Backend) Dislike(ctx context.Context, id int64) (map[string]any, error) {
	return b.increment(ctx, id, false)
}

func (b *Backend) increment(ctx context.Context, id int64, like bool) (map[string]any, error) {
	b.mu.Lock()
	if like {
		b.likes++
	} else {
		b.dislikes++
	}
	gate, started := b.Gate, b.Started
	b.mu.Unlock()

	if started != nil {
		started <- id
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if like && b.LikeErr != nil {
		return nil, b.LikeErr
	}
	if !like && b.DislikeErr != nil {
		return nil, b.DislikeErr
	}
	r, ok := b.rows[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if like {
		r.likes++
	} else {
		r.dislikes++
	}
	return map[string]any{"status": "success", "likes_count": float64(r.likes), "dislikes_count": float64(r.dislikes)}, nil
}

// Store is an in-memory ReactionStore. Errors queued with FailNextSets are
// returned by the next Set calls, in order.
type Store struct {
	mu      sync.Mutex
	recs    map[string]map[int64]domain.ReactionRecord
	setErrs []error
	GetErr  error
	Now     func() time.Time
}

func NewStore() *Store {
	return &Store{recs: make(map[string]map[int64]domain.ReactionRecord), Now: time.Now}
}

func (s *Store) FailNextSets(errs ...error) {
	s.mu.Lock()
	s.setErrs = append(s.setErrs, errs...)
	s.mu.Unlock()
}

func (s *Store) Get(ctx context.Context, owner string, reviewID int64) (domain.ReactionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.GetErr != nil {
		return domain.ReactionRecord{}, s.GetErr
	}
	if rec, ok := s.recs[owner][reviewID]; ok {
		return rec, nil
	}
	return domain.ReactionRecord{Owner: owner, ReviewID: reviewID}, nil
}

func (s *Store) Set(ctx context.Context, owner string, reviewID int64, kind domain.Kind) (domain.ReactionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.setErrs) > 0 {
		err := s.setErrs[0]
		s.setErrs = s.setErrs[1:]
		if err != nil {
			return domain.ReactionRecord{}, err
		}
	}
	byReview, ok := s.recs[owner]
	if !ok {
		byReview = make(map[int64]domain.ReactionRecord)
		s.recs[owner] = byReview
	}
	rec := domain.ReactionRecord{Owner: owner, ReviewID: reviewID, Kind: kind, LastUpdatedAt: s.Now().UTC()}
	byReview[reviewID] = rec
	return rec, nil
}

func (s *Store) List(ctx context.Context, owner string) ([]domain.ReactionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ReactionRecord, 0, len(s.recs[owner]))
	for _, rec := range s.recs[owner] {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReviewID < out[j].ReviewID })
	return out, nil
}

// ErrDisk is a canned storage failure.
var ErrDisk = errors.New("disk unavailable")

// Cache is an in-memory domain.Cache that round-trips values through JSON,
// as the redis tier does.
type Cache struct {
	mu    sync.Mutex
	items map[string][]byte
}

func NewCache() *Cache { return &Cache{items: make(map[string][]byte)} }

func (c *Cache) Get(ctx context.Context, key string, dst any) (bool, error) {
	c.mu.Lock()
	b, ok := c.items[key]
	c.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return false, fmt.Errorf("%w: %s: %v", domain.ErrCorruptEntry, key, err)
	}
	return true, nil
}

// PutRaw stores bytes as-is, bypassing JSON encoding.
func (c *Cache) PutRaw(key string, b []byte) {
	c.mu.Lock()
	c.items[key] = b
	c.mu.Unlock()
}

func (c *Cache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[key]
	return ok
}

func (c *Cache) Set(ctx context.Context, key string, v any, ttlSec int) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.items[key] = b
	c.mu.Unlock()
	return nil
}

func (c *Cache) Del(ctx context.Context, key string) error {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
	return nil
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
