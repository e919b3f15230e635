package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrNetworkFailure = errors.New("network failure")
	ErrReactionFailed = errors.New("reaction failed")
	ErrInvalidKind    = errors.New("invalid reaction kind")
	ErrCorruptEntry   = errors.New("corrupt cache entry")
)

// PersistenceError means the reaction store could not durably record a change.
// Callers must not assume the new state survived.
type PersistenceError struct {
	Op       string
	Owner    string
	ReviewID int64
	Err      error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s owner=%s review=%d: %v", e.Op, e.Owner, e.ReviewID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// DriftError reports a resync whose authoritative counts disagree with
// what local compensation predicted. Logged, never fatal.
type DriftError struct {
	ReviewID                    int64
	PredictedLikes, ActualLikes int
	PredictedDislikes           int
	ActualDislikes              int
}

func (e *DriftError) Error() string {
	return fmt.Sprintf("drift detected on review %d: predicted %d/%d, authoritative %d/%d",
		e.ReviewID, e.PredictedLikes, e.PredictedDislikes, e.ActualLikes, e.ActualDislikes)
}
