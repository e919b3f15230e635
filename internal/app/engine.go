package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"course_reactions/internal/adapters/observability"
	"course_reactions/internal/domain"
)

type OutcomeStatus int

const (
	Applied OutcomeStatus = iota
	Busy
	Failed
)

func (s OutcomeStatus) String() string {
	switch s {
	case Applied:
		return "applied"
	case Busy:
		return "busy"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Outcome is the result of one RequestReaction call.
type Outcome struct {
	Status    OutcomeStatus
	Kind      domain.Kind // reaction held after the call
	AttemptID string
	Calls     []domain.Call
	Display   domain.DisplayState
	Reason    string
}

type Options struct {
	CallTimeout   time.Duration // bound on each backend call; expiry rolls back
	ResyncTimeout time.Duration
	Parallelism   int // concurrent filter refreshes in ResyncAll
	OnDrift       func(*domain.DriftError)
}

func (o Options) withDefaults() Options {
	if o.CallTimeout <= 0 {
		o.CallTimeout = 10 * time.Second
	}
	if o.ResyncTimeout <= 0 {
		o.ResyncTimeout = 20 * time.Second
	}
	if o.Parallelism <= 0 {
		o.Parallelism = 4
	}
	return o
}

// Engine is the reconciliation engine. It turns toggle requests into
// increment-only backend calls and keeps the projector's mutation layer in
// step with what was sent and what came back.
type Engine struct {
	backend domain.ReviewsBackend
	records *Records
	coll    *Collection
	proj    *Projector
	broker  *Broker
	opts    Options

	newID func() string
	now   func() time.Time

	mu    sync.Mutex
	slots map[ownerReview]string // in-flight attempt per (owner, review)
}

func NewEngine(b domain.ReviewsBackend, records *Records, coll *Collection, opts Options) *Engine {
	e := &Engine{
		backend: b,
		records: records,
		coll:    coll,
		proj:    NewProjector(coll),
		opts:    opts.withDefaults(),
		newID:   uuid.NewString,
		now:     time.Now,
		slots:   make(map[ownerReview]string),
	}
	e.broker = NewBroker(e.proj.Display)
	records.Subscribe(e.proj.ObserveRecord)
	coll.OnRefresh(e.absorb)
	return e
}

func (e *Engine) Display(owner string, reviewID int64) domain.DisplayState {
	return e.proj.Display(owner, reviewID)
}

func (e *Engine) Subscribe(owner string, buffer int) (<-chan domain.DisplayEvent, func()) {
	return e.broker.Subscribe(owner, buffer)
}

func (e *Engine) Collection() *Collection { return e.coll }

// Hydrate loads an owner's persisted reactions into the projector.
func (e *Engine) Hydrate(ctx context.Context, owner string) error {
	recs, err := e.records.List(ctx, owner)
	if err != nil {
		return err
	}
	for _, r := range recs {
		e.proj.ObserveIfAbsent(r)
	}
	return nil
}

// RequestReaction is the only mutation entry point. It returns once the
// transition has settled: Applied, Busy (another attempt on the same review
// is in flight, nothing was done) or Failed (everything rolled back).
func (e *Engine) RequestReaction(ctx context.Context, owner string, reviewID int64, desired domain.Kind) (Outcome, error) {
	if owner == "" {
		return Outcome{Status: Failed, Reason: "owner required"}, fmt.Errorf("%w: owner required", domain.ErrUnauthorized)
	}
	key := ownerReview{owner, reviewID}

	e.mu.Lock()
	if _, busy := e.slots[key]; busy {
		e.mu.Unlock()
		observability.ObserveReaction(Busy.String())
		log.Debug().Str("owner", owner).Int64("review_id", reviewID).Msg("reaction_busy")
		return Outcome{Status: Busy, Display: e.Display(owner, reviewID)}, nil
	}
	attempt := e.newID()
	e.slots[key] = attempt
	e.mu.Unlock()

	released := false
	release := func() {
		if released {
			return
		}
		released = true
		e.mu.Lock()
		delete(e.slots, key)
		e.mu.Unlock()
	}
	defer release()

	rec, err := e.records.Get(ctx, owner, reviewID)
	if err != nil {
		return e.fail(owner, reviewID, attempt, err)
	}
	plan := PlanTransition(rec.Kind, Target(rec.Kind, desired))
	if plan.Noop() {
		observability.ObserveReaction(Applied.String())
		return Outcome{Status: Applied, Kind: rec.Kind, AttemptID: attempt, Display: e.Display(owner, reviewID)}, nil
	}

	m := domain.PendingMutation{
		Owner:        owner,
		ReviewID:     reviewID,
		From:         plan.From,
		To:           plan.To,
		AttemptID:    attempt,
		Status:       domain.StatusPending,
		Calls:        plan.Calls,
		Sent:         plan.Sent,
		Compensation: plan.Compensation,
		StartedAt:    e.now(),
	}
	e.proj.Apply(m)

	// Speculative: the desired kind is durable before anything is sent.
	if _, err := e.records.Set(ctx, owner, reviewID, plan.To); err != nil {
		e.proj.Remove(reviewID, attempt)
		e.publishPending(reviewID)
		return e.fail(owner, reviewID, attempt, err)
	}
	e.publishPending(reviewID)

	if !plan.Local() {
		if err := e.send(ctx, reviewID, plan.Calls); err != nil {
			return e.rollback(ctx, m, err)
		}
	}

	m.Status = domain.StatusCommitted
	m.SettledSeq = e.coll.Seq()
	e.proj.Apply(m)
	release()
	e.publishPending(reviewID)

	log.Info().
		Str("owner", owner).
		Int64("review_id", reviewID).
		Str("from", plan.From.String()).
		Str("to", plan.To.String()).
		Str("attempt_id", attempt).
		Int("calls", len(plan.Calls)).
		Bool("local", plan.Local()).
		Msg("reaction_applied")
	observability.ObserveReaction(Applied.String())

	e.resyncReview(ctx, reviewID, m.SettledSeq)

	return Outcome{
		Status:    Applied,
		Kind:      plan.To,
		AttemptID: attempt,
		Calls:     plan.Calls,
		Display:   e.Display(owner, reviewID),
	}, nil
}

// send issues the planned increments under one call timeout. Increments are
// never retried here: the endpoints are not idempotent.
func (e *Engine) send(ctx context.Context, reviewID int64, calls []domain.Call) error {
	callCtx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
	defer cancel()
	for _, c := range calls {
		var (
			raw map[string]any
			err error
		)
		switch c {
		case domain.CallLike:
			raw, err = e.backend.Like(callCtx, reviewID)
		case domain.CallDislike:
			raw, err = e.backend.Dislike(callCtx, reviewID)
		}
		if err != nil {
			if !errors.Is(err, domain.ErrNetworkFailure) &&
				(errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) {
				err = fmt.Errorf("%w: %w", domain.ErrNetworkFailure, err)
			}
			return fmt.Errorf("%s review %d: %w", c, reviewID, err)
		}
		ack := mapAck(raw)
		ev := log.Debug().Int64("review_id", reviewID).Str("call", c.String()).Str("status", ack.Status)
		if ack.LikesCount != nil && ack.DislikesCount != nil {
			ev = ev.Int("ack_likes", *ack.LikesCount).Int("ack_dislikes", *ack.DislikesCount)
		}
		ev.Msg("backend ack")
	}
	return nil
}

// rollback restores the prior committed kind and drops the optimistic delta.
func (e *Engine) rollback(ctx context.Context, m domain.PendingMutation, cause error) (Outcome, error) {
	e.proj.Remove(m.ReviewID, m.AttemptID)
	err := fmt.Errorf("%w: %w", domain.ErrReactionFailed, cause)

	if _, perr := e.records.Set(context.WithoutCancel(ctx), m.Owner, m.ReviewID, m.From); perr != nil {
		// The store still holds m.To; the display must not.
		e.proj.ObserveRecord(domain.ReactionRecord{Owner: m.Owner, ReviewID: m.ReviewID, Kind: m.From})
		log.Error().Err(perr).
			Str("owner", m.Owner).
			Int64("review_id", m.ReviewID).
			Str("attempt_id", m.AttemptID).
			Msg("rollback could not be persisted")
		err = errors.Join(err, perr)
	}
	e.publishPending(m.ReviewID)

	log.Warn().Err(cause).
		Str("owner", m.Owner).
		Int64("review_id", m.ReviewID).
		Str("from", m.From.String()).
		Str("to", m.To.String()).
		Str("attempt_id", m.AttemptID).
		Msg("reaction_failed")
	observability.ObserveReaction(Failed.String())
	return Outcome{
		Status:    Failed,
		Kind:      m.From,
		AttemptID: m.AttemptID,
		Display:   e.Display(m.Owner, m.ReviewID),
		Reason:    err.Error(),
	}, err
}

func (e *Engine) fail(owner string, reviewID int64, attempt string, err error) (Outcome, error) {
	log.Error().Err(err).Str("owner", owner).Int64("review_id", reviewID).Msg("reaction_failed")
	observability.ObserveReaction(Failed.String())
	return Outcome{Status: Failed, AttemptID: attempt, Display: e.Display(owner, reviewID), Reason: err.Error()}, err
}

func (e *Engine) publishPending(reviewID int64) {
	observability.SetPending(e.proj.InFlight())
	e.broker.Publish(reviewID)
}

// resyncReview refreshes every tracked filter holding the review. A failed
// resync leaves the committed delta layered until the next one.
func (e *Engine) resyncReview(ctx context.Context, reviewID int64, settled uint64) {
	filters := e.coll.FiltersHolding(reviewID)
	if len(filters) == 0 {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.ResyncTimeout)
	defer cancel()
	if err := e.refreshAll(rctx, filters, settled); err != nil {
		log.Warn().Err(err).Int64("review_id", reviewID).Msg("post-mutation resync failed")
	}
}

// ResyncAll refreshes every tracked filter.
func (e *Engine) ResyncAll(ctx context.Context) error {
	return e.refreshAll(ctx, e.coll.Filters(), 0)
}

// refreshAll refreshes filters with snapshots whose fetch started after seq.
func (e *Engine) refreshAll(ctx context.Context, filters []domain.ReviewFilter, after uint64) error {
	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Parallelism)
	for _, f := range filters {
		g.Go(func() error {
			if _, err := e.coll.RefreshSince(gctx, f, after); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Run resyncs every tracked filter on each tick until ctx is done.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := e.ResyncAll(ctx); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("periodic resync failed")
			}
		}
	}
}

// absorb runs after every snapshot replacement: committed mutations the
// snapshot already accounts for are retired, pending ones stay layered.
func (e *Engine) absorb(r Refresh) {
	ids := make([]int64, 0, len(r.Snapshot.Reviews))
	for _, rv := range r.Snapshot.Reviews {
		ids = append(ids, rv.ID)
		retired := e.proj.RetireBefore(rv.ID, r.Snapshot.Seq)
		if len(retired) == 0 {
			continue
		}
		prev, ok := r.Previous[rv.ID]
		if !ok {
			continue
		}
		if derr := checkDrift(prev, rv, retired); derr != nil {
			observability.ObserveDrift()
			log.Warn().Err(derr).
				Int64("review_id", rv.ID).
				Int("predicted_likes", derr.PredictedLikes).
				Int("predicted_dislikes", derr.PredictedDislikes).
				Int("likes", derr.ActualLikes).
				Int("dislikes", derr.ActualDislikes).
				Msg("drift_detected")
			if e.opts.OnDrift != nil {
				e.opts.OnDrift(derr)
			}
		}
	}
	observability.SetPending(e.proj.InFlight())
	e.broker.Publish(ids...)
}

// checkDrift compares what the retired mutations predicted against the new
// authoritative counts.
func checkDrift(prev, now domain.Review, retired []domain.PendingMutation) *domain.DriftError {
	var d domain.Delta
	for _, m := range retired {
		d = d.Add(m.Delta())
	}
	pl, pd := prev.Likes+d.Likes, prev.Dislikes+d.Dislikes
	if pl == now.Likes && pd == now.Dislikes {
		return nil
	}
	return &domain.DriftError{
		ReviewID:          now.ID,
		PredictedLikes:    pl,
		PredictedDislikes: pd,
		ActualLikes:       now.Likes,
		ActualDislikes:    now.Dislikes,
	}
}
