package domain

import (
	"fmt"
	"strings"
	"time"
)

// Kind is the reaction a user holds on a review. The zero value is KindNone.
type Kind string

const (
	KindNone    Kind = ""
	KindLike    Kind = "like"
	KindDislike Kind = "dislike"
)

func (k Kind) String() string {
	if k == KindNone {
		return "none"
	}
	return string(k)
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// ParseKind accepts like, dislike and none (or empty).
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "null":
		return KindNone, nil
	case "like":
		return KindLike, nil
	case "dislike":
		return KindDislike, nil
	}
	return KindNone, fmt.Errorf("%w: %q", ErrInvalidKind, s)
}

// ReactionRecord is the persisted reaction of one owner (user or device) on one review.
type ReactionRecord struct {
	Owner         string
	ReviewID      int64
	Kind          Kind
	LastUpdatedAt time.Time
}

type MutationStatus int

const (
	StatusPending MutationStatus = iota
	StatusCommitted
	StatusFailed
)

func (s MutationStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusCommitted:
		return "committed"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// Call is a backend increment.
type Call int

const (
	CallLike Call = iota + 1
	CallDislike
)

func (c Call) String() string {
	if c == CallLike {
		return "like"
	}
	return "dislike"
}

// Delta is a signed adjustment of the two counters.
type Delta struct {
	Likes    int
	Dislikes int
}

func (d Delta) Add(o Delta) Delta { return Delta{Likes: d.Likes + o.Likes, Dislikes: d.Dislikes + o.Dislikes} }

func (d Delta) IsZero() bool { return d.Likes == 0 && d.Dislikes == 0 }

// PendingMutation is one attempt to move a review's reaction from one kind to another.
// Sent mirrors the increments issued to the backend; Compensation is local only.
type PendingMutation struct {
	Owner        string
	ReviewID     int64
	From         Kind
	To           Kind
	AttemptID    string
	Status       MutationStatus
	Calls        []Call
	Sent         Delta
	Compensation Delta
	SettledSeq   uint64 // collection sequence when the mutation committed
	StartedAt    time.Time
}

// Delta is what the mutation contributes to the projection.
func (m PendingMutation) Delta() Delta { return m.Sent.Add(m.Compensation) }

// DisplayState is what the UI renders for one review.
type DisplayState struct {
	ReviewID   int64 `json:"review_id"`
	Likes      int   `json:"likes"`
	Dislikes   int   `json:"dislikes"`
	Net        int   `json:"net"`
	MyReaction Kind  `json:"my_reaction"`
	Pending    bool  `json:"pending"`
	Known      bool  `json:"known"` // false when no snapshot holds the review yet
}

// DisplayEvent is emitted on every recomputation of a review's display state.
type DisplayEvent struct {
	ReviewID int64        `json:"review_id"`
	State    DisplayState `json:"display_state"`
}
