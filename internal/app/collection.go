package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"course_reactions/internal/adapters/observability"
	"course_reactions/internal/domain"
)

const fetchTimeout = 30 * time.Second

// Refresh is handed to listeners after a snapshot replaced its predecessor.
// Previous holds the authoritative review as it was before, for every review
// in the new snapshot that was already known.
type Refresh struct {
	Snapshot domain.Snapshot
	Previous map[int64]domain.Review
}

type indexed struct {
	review domain.Review
	seq    uint64
}

// Collection is the review collection cache. Only Refresh writes
// authoritative counts, and it always replaces a filter's whole set.
type Collection struct {
	backend domain.ReviewsBackend
	cache   domain.Cache // optional warm tier
	ttl     time.Duration
	now     func() time.Time

	seq atomic.Uint64
	sf  singleflight.Group

	mu        sync.RWMutex
	snaps     map[string]domain.Snapshot
	index     map[int64]indexed
	listeners []func(Refresh)
}

func NewCollection(b domain.ReviewsBackend, c domain.Cache, ttl time.Duration) *Collection {
	return &Collection{
		backend: b,
		cache:   c,
		ttl:     ttl,
		now:     time.Now,
		snaps:   make(map[string]domain.Snapshot),
		index:   make(map[int64]indexed),
	}
}

// OnRefresh registers a listener. Listeners run synchronously on the
// refreshing goroutine, after the snapshot is visible.
func (c *Collection) OnRefresh(fn func(Refresh)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// Seq is the sequence of the most recently started fetch.
func (c *Collection) Seq() uint64 { return c.seq.Load() }

func (c *Collection) Refresh(ctx context.Context, f domain.ReviewFilter) (domain.Snapshot, error) {
	key := f.Key()
	v, err, _ := c.sf.Do(key, func() (any, error) {
		// joined callers share this fetch; only the first caller's deadline bounds it
		fctx, cancel := detach(ctx)
		defer cancel()
		seq := c.seq.Add(1)
		start := time.Now()
		raw, err := c.backend.ListReviews(fctx, f)
		if err != nil {
			observability.ObserveResync("error", time.Since(start))
			return domain.Snapshot{}, fmt.Errorf("refresh %s: %w", key, err)
		}
		snap := domain.Snapshot{
			Filter:    f,
			Reviews:   mapReviews(raw),
			FetchedAt: c.now().UTC(),
			Seq:       seq,
		}
		r := c.install(key, snap)
		c.persist(fctx, key, snap)
		observability.ObserveResync("ok", time.Since(start))

		c.mu.RLock()
		ls := append([]func(Refresh){}, c.listeners...)
		c.mu.RUnlock()
		for _, fn := range ls {
			fn(r)
		}
		return snap, nil
	})
	if err != nil {
		return domain.Snapshot{}, err
	}
	return copySnapshot(v.(domain.Snapshot)), nil
}

// RefreshSince returns a snapshot whose fetch started after seq. A shared
// fetch that began earlier is joined, then a newer one is started.
func (c *Collection) RefreshSince(ctx context.Context, f domain.ReviewFilter, seq uint64) (domain.Snapshot, error) {
	snap, err := c.Refresh(ctx, f)
	if err != nil || snap.Seq > seq {
		return snap, err
	}
	return c.Refresh(ctx, f)
}

func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	fctx := context.WithoutCancel(ctx)
	if dl, ok := ctx.Deadline(); ok {
		return context.WithDeadline(fctx, dl)
	}
	return context.WithTimeout(fctx, fetchTimeout)
}

// Current returns the last authoritative snapshot for f. Stale is set when
// it is older than the TTL or came from the warm tier; ErrNotFound when no
// snapshot exists anywhere.
func (c *Collection) Current(ctx context.Context, f domain.ReviewFilter) (domain.Snapshot, error) {
	key := f.Key()
	c.mu.RLock()
	s, ok := c.snaps[key]
	c.mu.RUnlock()
	if ok {
		s = copySnapshot(s)
		s.Stale = c.isStale(s)
		return s, nil
	}

	if c.cache != nil {
		var warm domain.Snapshot
		hit, err := c.cache.Get(ctx, cacheKey(key), &warm)
		if err != nil {
			log.Warn().Err(err).Str("filter", key).Msg("snapshot warm tier read failed")
			if errors.Is(err, domain.ErrCorruptEntry) {
				if derr := c.cache.Del(ctx, cacheKey(key)); derr != nil {
					log.Warn().Err(derr).Str("filter", key).Msg("evict corrupt snapshot failed")
				}
			}
		}
		if hit {
			warm.Seq = 0
			c.mu.Lock()
			if _, raced := c.snaps[key]; !raced {
				c.installLocked(key, warm)
			}
			c.mu.Unlock()
			warm = copySnapshot(warm)
			warm.Stale = true
			return warm, nil
		}
	}
	return domain.Snapshot{Filter: f, Stale: true}, domain.ErrNotFound
}

// Review resolves a review from the newest snapshot that holds it.
func (c *Collection) Review(id int64) (domain.Review, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ix, ok := c.index[id]
	return ix.review, ok
}

// Filters lists the filters that currently have a snapshot.
func (c *Collection) Filters() []domain.ReviewFilter {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.snaps))
	for k := range c.snaps {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]domain.ReviewFilter, 0, len(keys))
	for _, k := range keys {
		out = append(out, c.snaps[k].Filter)
	}
	return out
}

// FiltersHolding lists the filters whose snapshot contains reviewID.
func (c *Collection) FiltersHolding(reviewID int64) []domain.ReviewFilter {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []domain.ReviewFilter
	for _, s := range c.snaps {
		for _, r := range s.Reviews {
			if r.ID == reviewID {
				out = append(out, s.Filter)
				break
			}
		}
	}
	return out
}

func (c *Collection) isStale(s domain.Snapshot) bool {
	if s.Seq == 0 {
		return true
	}
	return c.ttl > 0 && c.now().Sub(s.FetchedAt) > c.ttl
}

func (c *Collection) install(key string, snap domain.Snapshot) Refresh {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := make(map[int64]domain.Review, len(snap.Reviews))
	for _, r := range snap.Reviews {
		if ix, ok := c.index[r.ID]; ok {
			prev[r.ID] = ix.review
		}
	}
	c.installLocked(key, snap)
	return Refresh{Snapshot: snap, Previous: prev}
}

// installLocked swaps the filter's snapshot and rebuilds the index so that
// every review resolves to the newest snapshot holding it.
func (c *Collection) installLocked(key string, snap domain.Snapshot) {
	c.snaps[key] = snap
	index := make(map[int64]indexed, len(c.index))
	for _, s := range c.snaps {
		for _, r := range s.Reviews {
			if cur, ok := index[r.ID]; ok && cur.seq > s.Seq {
				continue
			}
			index[r.ID] = indexed{review: r, seq: s.Seq}
		}
	}
	c.index = index
}

func (c *Collection) persist(ctx context.Context, key string, snap domain.Snapshot) {
	if c.cache == nil {
		return
	}
	// optional size guard
	if b, _ := json.Marshal(snap); len(b) >= 1_000_000 {
		return
	}
	ttl := int((24 * time.Hour).Seconds())
	if err := c.cache.Set(ctx, cacheKey(key), snap, ttl); err != nil {
		log.Warn().Err(err).Str("filter", key).Msg("snapshot warm tier write failed")
	}
}

func cacheKey(filterKey string) string { return "reviews:snapshot:" + filterKey }

// copySnapshot avoids aliasing the cached backing array.
func copySnapshot(in domain.Snapshot) domain.Snapshot {
	out := in
	if n := len(in.Reviews); n > 0 {
		out.Reviews = make([]domain.Review, n)
		copy(out.Reviews, in.Reviews)
	}
	return out
}
