package app

import (
	"sort"
	"sync"

	"course_reactions/internal/domain"
)

// ReviewSource resolves the authoritative review behind a display.
type ReviewSource interface {
	Review(id int64) (domain.Review, bool)
}

// Project is the projection formula. It is a pure function of its inputs:
// authoritative counts plus the signed deltas of every mutation still layered
// on the review. Counts never render below zero.
func Project(base domain.Review, known bool, muts []domain.PendingMutation, owner string, mine domain.Kind) domain.DisplayState {
	var d domain.Delta
	pending := false
	for _, m := range muts {
		if m.Status == domain.StatusFailed {
			continue
		}
		d = d.Add(m.Delta())
		if m.Owner == owner && m.Status == domain.StatusPending {
			pending = true
		}
	}
	likes := max(base.Likes+d.Likes, 0)
	dislikes := max(base.Dislikes+d.Dislikes, 0)
	return domain.DisplayState{
		ReviewID:   base.ID,
		Likes:      likes,
		Dislikes:   dislikes,
		Net:        likes - dislikes,
		MyReaction: mine,
		Pending:    pending,
		Known:      known,
	}
}

type ownerReview struct {
	owner    string
	reviewID int64
}

// Projector holds the mutation layer and each owner's visible reaction.
// Authoritative counts are always read from the ReviewSource.
type Projector struct {
	src ReviewSource

	mu   sync.RWMutex
	muts map[int64]map[string]domain.PendingMutation // review -> attempt -> mutation
	mine map[ownerReview]domain.Kind
}

func NewProjector(src ReviewSource) *Projector {
	return &Projector{
		src:  src,
		muts: make(map[int64]map[string]domain.PendingMutation),
		mine: make(map[ownerReview]domain.Kind),
	}
}

func (p *Projector) Display(owner string, reviewID int64) domain.DisplayState {
	base, known := p.src.Review(reviewID)
	base.ID = reviewID
	p.mu.RLock()
	muts := p.mutationsLocked(reviewID)
	mine := p.mine[ownerReview{owner, reviewID}]
	p.mu.RUnlock()
	return Project(base, known, muts, owner, mine)
}

// Apply adds or replaces a mutation, keyed by its attempt id.
func (p *Projector) Apply(m domain.PendingMutation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	byAttempt, ok := p.muts[m.ReviewID]
	if !ok {
		byAttempt = make(map[string]domain.PendingMutation)
		p.muts[m.ReviewID] = byAttempt
	}
	byAttempt[m.AttemptID] = m
}

func (p *Projector) Remove(reviewID int64, attemptID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if byAttempt, ok := p.muts[reviewID]; ok {
		delete(byAttempt, attemptID)
		if len(byAttempt) == 0 {
			delete(p.muts, reviewID)
		}
	}
}

// RetireBefore drops committed mutations on reviewID that settled before seq
// and returns them. Pending mutations stay layered.
func (p *Projector) RetireBefore(reviewID int64, seq uint64) []domain.PendingMutation {
	p.mu.Lock()
	defer p.mu.Unlock()
	byAttempt, ok := p.muts[reviewID]
	if !ok {
		return nil
	}
	var retired []domain.PendingMutation
	for id, m := range byAttempt {
		if m.Status == domain.StatusCommitted && m.SettledSeq < seq {
			retired = append(retired, m)
			delete(byAttempt, id)
		}
	}
	if len(byAttempt) == 0 {
		delete(p.muts, reviewID)
	}
	return retired
}

// InFlight counts mutations still waiting on the backend.
func (p *Projector) InFlight() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, byAttempt := range p.muts {
		for _, m := range byAttempt {
			if m.Status == domain.StatusPending {
				n++
			}
		}
	}
	return n
}

// ObserveRecord is the ReactionRecord subscription callback.
func (p *Projector) ObserveRecord(rec domain.ReactionRecord) {
	p.mu.Lock()
	p.mine[ownerReview{rec.Owner, rec.ReviewID}] = rec.Kind
	p.mu.Unlock()
}

// ObserveIfAbsent fills an owner's reaction only when nothing has been
// observed for it yet. Bulk loads use it so a stale read never overwrites a
// record written after the read began.
func (p *Projector) ObserveIfAbsent(rec domain.ReactionRecord) bool {
	key := ownerReview{rec.Owner, rec.ReviewID}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.mine[key]; ok {
		return false
	}
	p.mine[key] = rec.Kind
	return true
}

func (p *Projector) mutationsLocked(reviewID int64) []domain.PendingMutation {
	byAttempt := p.muts[reviewID]
	if len(byAttempt) == 0 {
		return nil
	}
	out := make([]domain.PendingMutation, 0, len(byAttempt))
	for _, m := range byAttempt {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}
