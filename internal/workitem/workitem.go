// Package workitem holds the types shared between the queue, worker and
// dispatch packages. Keeping them in their own package avoids an import
// cycle between queue (which stores items) and worker (which classifies
// outcomes for them).
package workitem

import (
	"time"

	"github.com/google/uuid"
)

// Item is a single unit of work admitted into the system.
type Item struct {
	ID          uuid.UUID
	Payload     any
	ReplyTo     chan<- Outcome
	RetryBudget int
	Attempt     int
	Deadline    time.Time
	EnqueuedAt  time.Time
}

// Expired reports whether the item's deadline has already elapsed.
func (i *Item) Expired(now time.Time) bool {
	return now.After(i.Deadline)
}

// RejectReason enumerates why an enqueue attempt was refused.
type RejectReason string

const (
	OverCapacity RejectReason = "over_capacity"
	Expired      RejectReason = "expired"
	ShuttingDown RejectReason = "shutting_down"
)

// EnqueueOutcome is the synchronous result of an Enqueue call.
type EnqueueOutcome struct {
	Accepted bool
	Reason   RejectReason
}

// Enqueued constructs a successful admission outcome.
func Enqueued() EnqueueOutcome { return EnqueueOutcome{Accepted: true} }

// Rejected constructs a refused admission outcome.
func Rejected(reason RejectReason) EnqueueOutcome {
	return EnqueueOutcome{Accepted: false, Reason: reason}
}

// OutcomeKind enumerates the shape of a completed attempt's classification.
type OutcomeKind int

const (
	KindSuccess OutcomeKind = iota
	KindApplicationFailure
	KindUnrecognized
)

// Outcome is the classified result of one backend attempt, or the final
// disposition delivered to a work item's ReplyTo recipient.
type Outcome struct {
	Kind      OutcomeKind
	Reply     any
	Reason    string
	Retryable bool
	Raw       any
}

// Success builds a successful outcome carrying the backend's reply.
func Success(reply any) Outcome {
	return Outcome{Kind: KindSuccess, Reply: reply}
}

// ApplicationFailure builds a classified failure outcome.
func ApplicationFailure(reason string, retryable bool) Outcome {
	return Outcome{Kind: KindApplicationFailure, Reason: reason, Retryable: retryable}
}

// Unrecognized builds an outcome for a reply the checker could not
// classify. Unrecognized outcomes are never retried.
func Unrecognized(raw any) Outcome {
	return Outcome{Kind: KindUnrecognized, Raw: raw}
}

// Timeout is the reason used for the synthetic ApplicationFailure produced
// when a backend call does not return by the item's deadline.
const Timeout = "timeout"
