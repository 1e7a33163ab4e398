// Package reconcile commits entitlement mutations locally and then persists
// them to the remote store against a deadline.
package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rcourtman/quillboard/pkg/plans"
)

// Kind separates independent mutation streams. Each kind has its own version
// slot and supersedes only attempts of the same kind.
type Kind string

const (
	KindPlan  Kind = "plan"
	KindUsage Kind = "usage"
)

// Outcome is the state of an attempt.
type Outcome string

const (
	OutcomePending    Outcome = "pending"
	OutcomeSucceeded  Outcome = "succeeded"
	OutcomeFailed     Outcome = "failed"
	OutcomeTimedOut   Outcome = "timedOut"
	OutcomeLocalOnly  Outcome = "localOnly"
	OutcomeSuperseded Outcome = "superseded"
)

// Terminal reports whether o is a final state.
func (o Outcome) Terminal() bool {
	return o != OutcomePending && o != ""
}

// Attempt tracks one mutation call. It is never persisted.
type Attempt struct {
	ID         string
	Kind       Kind
	IdentityID string
	TargetPlan plans.ID
	Version    int64
	StartedAt  time.Time
	Deadline   time.Time

	mu      sync.Mutex
	outcome Outcome
	err     error
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	remote  bool // set before the attempt is shared
}

func newAttempt(kind Kind, identityID string, target plans.ID, version int64, started time.Time, deadline time.Duration) *Attempt {
	ctx, cancel := context.WithCancel(context.Background())
	return &Attempt{
		ID:         ulid.Make().String(),
		Kind:       kind,
		IdentityID: identityID,
		TargetPlan: target,
		Version:    version,
		StartedAt:  started,
		Deadline:   started.Add(deadline),
		outcome:    OutcomePending,
		done:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Outcome returns the current outcome.
func (a *Attempt) Outcome() Outcome {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.outcome
}

// Err returns the error behind a failed or timed out attempt.
func (a *Attempt) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// Done is closed once the attempt reaches a terminal outcome.
func (a *Attempt) Done() <-chan struct{} {
	return a.done
}

// Wait blocks until the attempt is terminal or ctx ends.
func (a *Attempt) Wait(ctx context.Context) Outcome {
	select {
	case <-a.done:
	case <-ctx.Done():
	}
	return a.Outcome()
}

// finish moves a pending attempt to outcome. It returns false when the
// attempt was already terminal.
func (a *Attempt) finish(outcome Outcome, err error) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.outcome != OutcomePending {
		return false
	}
	a.outcome = outcome
	a.err = err
	close(a.done)
	return true
}
