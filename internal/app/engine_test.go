package app_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"course_reactions/internal/app"
	"course_reactions/internal/app/apptest"
	"course_reactions/internal/domain"
)

const (
	owner = "u-1"
	r1    = int64(1)
)

type harness struct {
	backend *apptest.Backend
	store   *apptest.Store
	coll    *app.Collection
	eng     *app.Engine

	mu     sync.Mutex
	drifts []*domain.DriftError
}

func newHarness(t *testing.T, opts app.Options) *harness {
	t.Helper()
	h := &harness{
		backend: apptest.NewBackend().Put(r1, 12, 1).Put(2, 0, 0),
		store:   apptest.NewStore(),
	}
	h.coll = app.NewCollection(h.backend, nil, time.Minute)
	opts.OnDrift = func(d *domain.DriftError) {
		h.mu.Lock()
		h.drifts = append(h.drifts, d)
		h.mu.Unlock()
	}
	h.eng = app.NewEngine(h.backend, app.NewRecords(h.store), h.coll, opts)
	_, err := h.coll.Refresh(context.Background(), domain.ReviewFilter{})
	require.NoError(t, err)
	return h
}

func (h *harness) driftCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.drifts)
}

type result struct {
	out app.Outcome
	err error
}

func (h *harness) requestAsync(kind domain.Kind) <-chan result {
	done := make(chan result, 1)
	go func() {
		out, err := h.eng.RequestReaction(context.Background(), owner, r1, kind)
		done <- result{out, err}
	}()
	return done
}

func wait(t *testing.T, ch <-chan result) result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("request did not settle")
	}
	return result{}
}

func TestEngine_Scenario_LikeThenDislike(t *testing.T) {
	h := newHarness(t, app.Options{})
	ctx := context.Background()

	st := h.eng.Display(owner, r1)
	assert.Equal(t, 12, st.Likes)
	assert.Equal(t, 11, st.Net)

	started, release := h.backend.Hold()
	done := h.requestAsync(domain.KindLike)
	<-started

	st = h.eng.Display(owner, r1)
	assert.Equal(t, 13, st.Likes)
	assert.Equal(t, 12, st.Net)
	assert.True(t, st.Pending)
	assert.Equal(t, domain.KindLike, st.MyReaction)

	release()
	res := wait(t, done)
	require.NoError(t, res.err)
	assert.Equal(t, app.Applied, res.out.Status)

	// resync confirmed the increment
	snap, err := h.coll.Current(ctx, domain.ReviewFilter{})
	require.NoError(t, err)
	assert.Equal(t, 13, snap.Reviews[0].Likes)
	st = h.eng.Display(owner, r1)
	assert.Equal(t, 13, st.Likes)
	assert.False(t, st.Pending)
	assert.Zero(t, h.driftCount())

	started, release = h.backend.Hold()
	done = h.requestAsync(domain.KindDislike)
	<-started

	st = h.eng.Display(owner, r1)
	assert.Equal(t, 12, st.Likes)
	assert.Equal(t, 2, st.Dislikes)
	assert.Equal(t, 10, st.Net)

	release()
	res = wait(t, done)
	require.NoError(t, res.err)
	assert.Equal(t, []domain.Call{domain.CallDislike}, res.out.Calls)

	likes, dislikes := h.backend.Calls()
	assert.Equal(t, 1, likes)
	assert.Equal(t, 1, dislikes)
}

func TestEngine_SecondRequestWhilePendingIsBusy(t *testing.T) {
	h := newHarness(t, app.Options{})
	started, release := h.backend.Hold()
	done := h.requestAsync(domain.KindLike)
	<-started

	out, err := h.eng.RequestReaction(context.Background(), owner, r1, domain.KindLike)
	require.NoError(t, err)
	assert.Equal(t, app.Busy, out.Status)

	// a different owner holds a different slot
	st := h.eng.Display("u-2", r1)
	assert.False(t, st.Pending)

	release()
	res := wait(t, done)
	require.NoError(t, res.err)
	assert.Equal(t, app.Applied, res.out.Status)

	likes, _ := h.backend.Calls()
	assert.Equal(t, 1, likes, "exactly one like reaches the backend")
}

func TestEngine_ToggleLaw(t *testing.T) {
	h := newHarness(t, app.Options{})
	ctx := context.Background()
	// keep the committed layer visible by failing every resync
	h.backend.SetListErr(errors.New("list down"))

	out, err := h.eng.RequestReaction(ctx, owner, r1, domain.KindLike)
	require.NoError(t, err)
	require.Equal(t, app.Applied, out.Status)
	assert.Equal(t, 13, h.eng.Display(owner, r1).Likes)

	out, err = h.eng.RequestReaction(ctx, owner, r1, domain.KindLike)
	require.NoError(t, err)
	assert.Equal(t, app.Applied, out.Status)
	assert.Equal(t, domain.KindNone, out.Kind)
	assert.Empty(t, out.Calls, "clearing sends nothing")

	st := h.eng.Display(owner, r1)
	assert.Equal(t, domain.KindNone, st.MyReaction)
	assert.Equal(t, 12, st.Likes)
	assert.Equal(t, 11, st.Net)

	likes, _ := h.backend.Calls()
	assert.Equal(t, 1, likes)
}

func TestEngine_ClearAfterResyncReportsDrift(t *testing.T) {
	h := newHarness(t, app.Options{})
	ctx := context.Background()

	_, err := h.eng.RequestReaction(ctx, owner, r1, domain.KindLike)
	require.NoError(t, err)
	out, err := h.eng.RequestReaction(ctx, owner, r1, domain.KindLike)
	require.NoError(t, err)
	require.Equal(t, app.Applied, out.Status)

	// the backend kept the like; the resync supersedes the compensation
	st := h.eng.Display(owner, r1)
	assert.Equal(t, 13, st.Likes)
	assert.Equal(t, domain.KindNone, st.MyReaction)

	require.Equal(t, 1, h.driftCount())
	d := h.drifts[0]
	assert.Equal(t, r1, d.ReviewID)
	assert.Equal(t, 12, d.PredictedLikes)
	assert.Equal(t, 13, d.ActualLikes)
}

func TestEngine_SwitchLaw(t *testing.T) {
	h := newHarness(t, app.Options{})
	ctx := context.Background()
	h.backend.SetListErr(errors.New("list down"))

	_, err := h.eng.RequestReaction(ctx, owner, r1, domain.KindLike)
	require.NoError(t, err)
	out, err := h.eng.RequestReaction(ctx, owner, r1, domain.KindDislike)
	require.NoError(t, err)
	assert.Equal(t, domain.KindDislike, out.Kind)

	likes, dislikes := h.backend.Calls()
	assert.Equal(t, 1, likes)
	assert.Equal(t, 1, dislikes)

	st := h.eng.Display(owner, r1)
	assert.Equal(t, 12, st.Likes, "like side compensated locally")
	assert.Equal(t, 2, st.Dislikes)
	assert.Equal(t, 10, st.Net)
}

func TestEngine_RollbackOnBackendFailure(t *testing.T) {
	h := newHarness(t, app.Options{})
	ctx := context.Background()
	before := h.eng.Display(owner, r1)
	h.backend.SetLikeErr(domain.ErrNetworkFailure)

	out, err := h.eng.RequestReaction(ctx, owner, r1, domain.KindLike)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrReactionFailed)
	assert.ErrorIs(t, err, domain.ErrNetworkFailure)
	assert.Equal(t, app.Failed, out.Status)
	assert.Equal(t, before, h.eng.Display(owner, r1))

	rec, err := h.store.Get(ctx, owner, r1)
	require.NoError(t, err)
	assert.Equal(t, domain.KindNone, rec.Kind)

	// the slot is free again
	h.backend.SetLikeErr(nil)
	out, err = h.eng.RequestReaction(ctx, owner, r1, domain.KindLike)
	require.NoError(t, err)
	assert.Equal(t, app.Applied, out.Status)
}

func TestEngine_RollbackRestoresPreviousKind(t *testing.T) {
	h := newHarness(t, app.Options{})
	ctx := context.Background()
	h.backend.SetListErr(errors.New("list down"))

	_, err := h.eng.RequestReaction(ctx, owner, r1, domain.KindLike)
	require.NoError(t, err)
	before := h.eng.Display(owner, r1)

	h.backend.SetDislikeErr(domain.ErrNetworkFailure)
	out, err := h.eng.RequestReaction(ctx, owner, r1, domain.KindDislike)
	require.ErrorIs(t, err, domain.ErrReactionFailed)
	assert.Equal(t, domain.KindLike, out.Kind)
	assert.Equal(t, before, h.eng.Display(owner, r1))
}

func TestEngine_PersistenceErrorBeforeSend(t *testing.T) {
	h := newHarness(t, app.Options{})
	before := h.eng.Display(owner, r1)
	h.store.FailNextSets(apptest.ErrDisk)

	out, err := h.eng.RequestReaction(context.Background(), owner, r1, domain.KindLike)
	var pe *domain.PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "set", pe.Op)
	assert.Equal(t, app.Failed, out.Status)
	assert.Equal(t, before, h.eng.Display(owner, r1))

	likes, _ := h.backend.Calls()
	assert.Zero(t, likes, "nothing is sent when the record could not be stored")
}

func TestEngine_RollbackPersistenceFailureStillRestoresDisplay(t *testing.T) {
	h := newHarness(t, app.Options{})
	before := h.eng.Display(owner, r1)
	h.backend.SetLikeErr(domain.ErrNetworkFailure)
	h.store.FailNextSets(nil, apptest.ErrDisk)

	_, err := h.eng.RequestReaction(context.Background(), owner, r1, domain.KindLike)
	assert.ErrorIs(t, err, domain.ErrReactionFailed)
	var pe *domain.PersistenceError
	assert.ErrorAs(t, err, &pe)
	assert.Equal(t, before, h.eng.Display(owner, r1))
}

func TestEngine_TimeoutRollsBack(t *testing.T) {
	h := newHarness(t, app.Options{CallTimeout: 30 * time.Millisecond})
	_, release := h.backend.Hold()
	t.Cleanup(release)
	before := h.eng.Display(owner, r1)

	out, err := h.eng.RequestReaction(context.Background(), owner, r1, domain.KindLike)
	assert.ErrorIs(t, err, domain.ErrNetworkFailure)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, app.Failed, out.Status)
	assert.Equal(t, before, h.eng.Display(owner, r1))
}

func TestEngine_PendingSurvivesResync(t *testing.T) {
	h := newHarness(t, app.Options{})
	started, release := h.backend.Hold()
	done := h.requestAsync(domain.KindLike)
	<-started

	require.NoError(t, h.eng.ResyncAll(context.Background()))
	st := h.eng.Display(owner, r1)
	assert.Equal(t, 13, st.Likes, "resync must not erase an unsettled update")
	assert.True(t, st.Pending)

	release()
	require.NoError(t, wait(t, done).err)
	assert.Equal(t, 13, h.eng.Display(owner, r1).Likes)
}

func TestEngine_RequiresOwner(t *testing.T) {
	h := newHarness(t, app.Options{})
	_, err := h.eng.RequestReaction(context.Background(), "", r1, domain.KindLike)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestEngine_Hydrate(t *testing.T) {
	h := newHarness(t, app.Options{})
	ctx := context.Background()
	_, err := h.store.Set(ctx, owner, r1, domain.KindDislike)
	require.NoError(t, err)

	assert.Equal(t, domain.KindNone, h.eng.Display(owner, r1).MyReaction)
	require.NoError(t, h.eng.Hydrate(ctx, owner))
	assert.Equal(t, domain.KindDislike, h.eng.Display(owner, r1).MyReaction)
	assert.Equal(t, domain.KindNone, h.eng.Display("someone-else", r1).MyReaction)
}

// slowList holds List after it has read the records, until release is closed.
type slowList struct {
	*apptest.Store
	read    chan struct{}
	release chan struct{}
}

func (s *slowList) List(ctx context.Context, owner string) ([]domain.ReactionRecord, error) {
	recs, err := s.Store.List(ctx, owner)
	close(s.read)
	<-s.release
	return recs, err
}

func TestEngine_HydrateDoesNotOverwriteNewerReaction(t *testing.T) {
	ctx := context.Background()
	backend := apptest.NewBackend().Put(r1, 12, 1)
	store := &slowList{Store: apptest.NewStore(), read: make(chan struct{}), release: make(chan struct{})}
	_, err := store.Set(ctx, owner, r1, domain.KindDislike)
	require.NoError(t, err)
	coll := app.NewCollection(backend, nil, time.Minute)
	eng := app.NewEngine(backend, app.NewRecords(store), coll, app.Options{})
	_, err = coll.Refresh(ctx, domain.ReviewFilter{})
	require.NoError(t, err)

	hydrated := make(chan error, 1)
	go func() { hydrated <- eng.Hydrate(ctx, owner) }()
	<-store.read

	out, err := eng.RequestReaction(ctx, owner, r1, domain.KindLike)
	require.NoError(t, err)
	require.Equal(t, app.Applied, out.Status)

	close(store.release)
	require.NoError(t, <-hydrated)

	rec, err := store.Get(ctx, owner, r1)
	require.NoError(t, err)
	assert.Equal(t, domain.KindLike, rec.Kind)
	assert.Equal(t, domain.KindLike, eng.Display(owner, r1).MyReaction)
}

func TestEngine_SubscriptionSeesOptimisticState(t *testing.T) {
	h := newHarness(t, app.Options{})
	events, cancel := h.eng.Subscribe(owner, 32)
	defer cancel()

	_, err := h.eng.RequestReaction(context.Background(), owner, r1, domain.KindLike)
	require.NoError(t, err)

	first := <-events
	assert.Equal(t, r1, first.ReviewID)
	assert.True(t, first.State.Pending)
	assert.Equal(t, 13, first.State.Likes)
	assert.Equal(t, domain.KindLike, first.State.MyReaction)
}

func TestEngine_RunResyncsPeriodically(t *testing.T) {
	h := newHarness(t, app.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- h.eng.Run(ctx, 5*time.Millisecond) }()

	require.Eventually(t, func() bool { return h.backend.Lists() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-errc)
}
