package entitlements

import (
	"sort"
	"sync"
	"time"

	"github.com/rcourtman/quillboard/internal/identity"
	"github.com/rcourtman/quillboard/pkg/plans"
)

// Patch is a shallow update. Nil fields are left unchanged.
type Patch struct {
	Identity     *identity.Identity
	Plan         *plans.ID
	BillingCycle *plans.BillingCycle
	MonthlyLimit *int
	Usage        *Usage
}

// PlanPatch sets the plan, billing cycle and the plan's monthly limit.
func PlanPatch(d plans.Descriptor, cycle plans.BillingCycle) Patch {
	id := d.ID
	limit := d.MonthlyLimit
	return Patch{Plan: &id, BillingCycle: &cycle, MonthlyLimit: &limit}
}

// UsagePatch replaces the usage counters.
func UsagePatch(u Usage) Patch {
	return Patch{Usage: &u}
}

func (p Patch) apply(r Record) Record {
	if p.Identity != nil {
		r.Identity = *p.Identity
	}
	if p.Plan != nil {
		r.Plan = *p.Plan
	}
	if p.BillingCycle != nil {
		r.BillingCycle = *p.BillingCycle
	}
	if p.MonthlyLimit != nil {
		r.MonthlyLimit = *p.MonthlyLimit
	}
	if p.Usage != nil {
		r.Usage = *p.Usage
	}
	return r
}

// Store owns the canonical entitlement record. Writes are atomic and
// last-write-wins. Subscribers run after the lock is released, in write order
// for a single writer.
type Store struct {
	mu          sync.Mutex
	record      Record
	subscribers map[int]func(Record)
	nextSubID   int
	nowFn       func() time.Time
}

// NewStore returns a store holding initial.
func NewStore(initial Record) *Store {
	return &Store{
		record:      initial,
		subscribers: make(map[int]func(Record)),
		nowFn:       time.Now,
	}
}

// Get returns a snapshot of the record.
func (s *Store) Get() Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record
}

// Set merges p into the record and stamps UpdatedAt. No validation is done.
func (s *Store) Set(p Patch) Record {
	return s.Update(func(Record) Patch { return p })
}

// Update computes a patch from the current record and applies it under the
// same lock, so read-modify-write sequences cannot interleave.
func (s *Store) Update(fn func(current Record) Patch) Record {
	s.mu.Lock()
	next := fn(s.record).apply(s.record)
	next.UpdatedAt = s.nowFn()
	s.record = next
	subs := s.snapshotSubscribersLocked()
	s.mu.Unlock()

	s.notify(subs, next)
	return next
}

// Replace swaps the whole record, as done on bootstrap and sign-out.
func (s *Store) Replace(r Record) Record {
	s.mu.Lock()
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = s.nowFn()
	}
	s.record = r
	subs := s.snapshotSubscribersLocked()
	s.mu.Unlock()

	s.notify(subs, r)
	return r
}

// Subscribe registers fn for every subsequent write.
func (s *Store) Subscribe(fn func(Record)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subscribers, id)
	}
}

func (s *Store) snapshotSubscribersLocked() []func(Record) {
	if len(s.subscribers) == 0 {
		return nil
	}
	ids := make([]int, 0, len(s.subscribers))
	for id := range s.subscribers {
		ids = append(ids, id)
	}
	sort.Ints(ids) // registration order
	out := make([]func(Record), 0, len(ids))
	for _, id := range ids {
		out = append(out, s.subscribers[id])
	}
	return out
}

func (s *Store) notify(subs []func(Record), r Record) {
	for _, fn := range subs {
		fn(r)
	}
}
