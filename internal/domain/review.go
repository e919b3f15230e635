package domain

import "time"

// Review is one entry of an authoritative snapshot. Likes and Dislikes are
// exactly what the backend reported; they are never patched locally.
type Review struct {
	ID            int64
	Title         *string
	Content       *string
	Rating        *float64
	CourseNumber  *string
	ProfessorName *string
	Likes         int
	Dislikes      int
	CreatedAt     *time.Time
	RawJSON       []byte // full backend payload
}

// NetScore is always derived, never stored.
func (r Review) NetScore() int { return r.Likes - r.Dislikes }

// Snapshot is the full authoritative set for one filter.
// Seq is taken when the fetch started, so a snapshot only absorbs
// mutations that were committed before it was requested.
type Snapshot struct {
	Filter    ReviewFilter
	Reviews   []Review
	FetchedAt time.Time
	Seq       uint64
	Stale     bool `json:"-"`
}

// Ack is the backend's answer to a like/dislike call. Informational only.
type Ack struct {
	Status        string
	LikesCount    *int
	DislikesCount *int
}
