package app

import (
	"sync"

	"course_reactions/internal/adapters/observability"
	"course_reactions/internal/domain"
)

type subscriber struct {
	owner string
	ch    chan domain.DisplayEvent
}

// Broker fans display recomputations out to subscribers. Each subscriber
// sees the state as rendered for its own owner. Sends never block: a full
// buffer drops the event.
type Broker struct {
	render func(owner string, reviewID int64) domain.DisplayState

	mu   sync.RWMutex
	next int
	subs map[int]*subscriber
}

func NewBroker(render func(owner string, reviewID int64) domain.DisplayState) *Broker {
	return &Broker{render: render, subs: make(map[int]*subscriber)}
}

func (b *Broker) Subscribe(owner string, buffer int) (<-chan domain.DisplayEvent, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	s := &subscriber{owner: owner, ch: make(chan domain.DisplayEvent, buffer)}
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(s.ch)
			b.mu.Unlock()
		})
	}
}

func (b *Broker) Publish(reviewIDs ...int64) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.subs) == 0 {
		return
	}
	for _, id := range reviewIDs {
		rendered := make(map[string]domain.DisplayState, 1)
		for _, s := range b.subs {
			st, ok := rendered[s.owner]
			if !ok {
				st = b.render(s.owner, id)
				rendered[s.owner] = st
			}
			select {
			case s.ch <- domain.DisplayEvent{ReviewID: id, State: st}:
			default:
				observability.ObserveDroppedEvent()
			}
		}
	}
}

func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
