package app

import "course_reactions/internal/domain"

// Plan is the backend work and local compensation needed to move one
// reaction from From to To. The backend only increments, so anything that
// would need a decrement is carried as Compensation and never sent.
type Plan struct {
	From, To     domain.Kind
	Calls        []domain.Call
	Sent         domain.Delta
	Compensation domain.Delta
}

// Noop reports a transition with nothing to send and nothing to compensate.
func (p Plan) Noop() bool { return p.From == p.To }

// Local reports a transition that never reaches the backend.
func (p Plan) Local() bool { return len(p.Calls) == 0 }

// Target resolves the kind a request actually moves to:
// asking for the kind already held clears it.
func Target(current, desired domain.Kind) domain.Kind {
	if desired == current {
		return domain.KindNone
	}
	return desired
}

// PlanTransition computes the minimum increment-only call plan for from -> to.
func PlanTransition(from, to domain.Kind) Plan {
	p := Plan{From: from, To: to}
	if from == to {
		return p
	}
	switch to {
	case domain.KindLike:
		p.Calls = []domain.Call{domain.CallLike}
		p.Sent.Likes = 1
	case domain.KindDislike:
		p.Calls = []domain.Call{domain.CallDislike}
		p.Sent.Dislikes = 1
	}
	switch from {
	case domain.KindLike:
		p.Compensation.Likes = -1
	case domain.KindDislike:
		p.Compensation.Dislikes = -1
	}
	return p
}
