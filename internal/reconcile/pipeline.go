package reconcile

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rcourtman/quillboard/internal/entitlements"
	syncerrors "github.com/rcourtman/quillboard/internal/errors"
	"github.com/rcourtman/quillboard/internal/identity"
	"github.com/rcourtman/quillboard/internal/localcache"
	"github.com/rcourtman/quillboard/internal/logging"
	"github.com/rcourtman/quillboard/internal/metrics"
	"github.com/rcourtman/quillboard/internal/notifications"
	"github.com/rcourtman/quillboard/internal/remotestore"
	"github.com/rcourtman/quillboard/pkg/plans"
	"github.com/rs/zerolog/log"
)

// DefaultDeadline bounds how long a reconciliation is awaited.
const DefaultDeadline = 7 * time.Second

// Config wires a Pipeline. Remote, Sink and Metrics may be nil.
type Config struct {
	Store    *entitlements.Store
	Cache    localcache.Cache
	Remote   remotestore.Store
	Sink     notifications.Sink
	Metrics  *metrics.SyncMetrics
	Deadline time.Duration
}

type slot struct {
	kind       Kind
	identityID string
}

type upsertResult struct {
	applied bool
	err     error
}

// Pipeline applies plan and usage mutations optimistically. Callers never
// block on the network and never see an error; outcomes surface through the
// notification sink and the returned Attempt.
type Pipeline struct {
	store    *entitlements.Store
	cache    localcache.Cache
	remote   remotestore.Store
	sink     notifications.Sink
	metrics  *metrics.SyncMetrics
	deadline time.Duration

	mu       sync.Mutex
	versions map[Kind]int64
	pending  map[slot]*Attempt
	inflight sync.WaitGroup

	nowFn func() time.Time
	after func(time.Duration) <-chan time.Time
}

func NewPipeline(cfg Config) *Pipeline {
	deadline := cfg.Deadline
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	return &Pipeline{
		store:    cfg.Store,
		cache:    cfg.Cache,
		remote:   cfg.Remote,
		sink:     cfg.Sink,
		metrics:  cfg.Metrics,
		deadline: deadline,
		versions: make(map[Kind]int64),
		pending:  make(map[slot]*Attempt),
		nowFn:    time.Now,
		after:    time.After,
	}
}

// UpgradePlan switches the active identity to planID. The store and the
// cached plan id change before any network activity and are never rolled
// back. Unknown plans or cycles are rejected with an error notification.
func (p *Pipeline) UpgradePlan(ctx context.Context, planID string, cycle plans.BillingCycle) (attempt *Attempt) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Str("plan", planID).
				Msg("Recovered from panic during plan upgrade")
			attempt = p.rejected(KindPlan, "", fmt.Errorf("internal error: %v", r))
		}
	}()

	plan, err := plans.Parse(planID)
	if err != nil {
		p.emit(fmt.Sprintf("Unknown plan %q", planID), notifications.SeverityError)
		return p.rejected(KindPlan, "", err)
	}
	if cycle == "" {
		cycle = plans.Monthly
	}
	if !cycle.Valid() {
		p.emit(fmt.Sprintf("Unknown billing cycle %q", cycle), notifications.SeverityError)
		return p.rejected(KindPlan, "", fmt.Errorf("unknown billing cycle %q", cycle))
	}
	d := plans.MustLookup(plan)

	record := p.store.Set(entitlements.PlanPatch(d, cycle))
	p.shadowPlan(ctx, record)

	id := record.Identity
	a := p.begin(KindPlan, id, plan)
	logger := logging.FromContext(ctx).With().
		Str("attempt_id", a.ID).
		Str("identity_id", id.ID).
		Str("plan", string(plan)).
		Str("billing_cycle", string(cycle)).
		Logger()

	if !id.IsReal() {
		p.finish(a, OutcomeLocalOnly, nil)
		logger.Info().Msg("Plan applied locally; identity is not persisted remotely")
		return a
	}

	logger.Info().Int64("version", a.Version).Msg("Plan applied locally; reconciling")
	update := remotestore.PlanUpdate{
		IdentityID:   id.ID,
		Email:        id.Email,
		Plan:         plan,
		BillingCycle: cycle,
		MonthlyLimit: d.MonthlyLimit,
		Version:      a.Version,
		UpdatedAt:    record.UpdatedAt,
	}
	p.launch(a, func(ctx context.Context) (bool, error) {
		return p.remote.UpsertPlan(ctx, update)
	})
	return a
}

// RecordUsage consumes n units for the active identity, rolling the period
// over at the UTC month boundary, and reconciles the counters remotely.
func (p *Pipeline) RecordUsage(ctx context.Context, n int) (attempt *Attempt) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Int("units", n).
				Msg("Recovered from panic while recording usage")
			attempt = p.rejected(KindUsage, "", fmt.Errorf("internal error: %v", r))
		}
	}()

	now := p.nowFn()
	record := p.store.Update(func(current entitlements.Record) entitlements.Patch {
		return entitlements.UsagePatch(current.Usage.Consume(n, now))
	})

	id := record.Identity
	p.shadowOverride(ctx, record)
	a := p.begin(KindUsage, id, record.Plan)
	if !id.IsReal() {
		p.finish(a, OutcomeLocalOnly, nil)
		return a
	}

	update := remotestore.UsageUpdate{
		IdentityID:      id.ID,
		PeriodCount:     record.Usage.CurrentPeriodCount,
		TotalCount:      record.Usage.TotalCount,
		PeriodStartedAt: record.Usage.PeriodStartedAt,
		Version:         a.Version,
		UpdatedAt:       record.UpdatedAt,
	}
	p.launch(a, func(ctx context.Context) (bool, error) {
		return p.remote.UpsertUsage(ctx, update)
	})
	return a
}

// Wait blocks until every reconciliation goroutine, including late upserts,
// has returned.
func (p *Pipeline) Wait() {
	p.inflight.Wait()
}

// shadowPlan mirrors the plan into the local cache and refreshes the
// override session.
func (p *Pipeline) shadowPlan(ctx context.Context, record entitlements.Record) {
	if p.cache == nil {
		return
	}
	if err := p.cache.Set(ctx, localcache.KeyCachedPlanID, string(record.Plan)); err != nil {
		log.Warn().Err(err).Str("plan", string(record.Plan)).Msg("Failed to cache plan id")
	}
	p.shadowOverride(ctx, record)
}

// shadowOverride rewrites the override session of identities that live only
// on this device, so their plan and usage survive a restart.
func (p *Pipeline) shadowOverride(ctx context.Context, record entitlements.Record) {
	id := record.Identity
	if p.cache == nil || (!id.IsBypass() && !id.IsEphemeralLocal()) {
		return
	}
	override := identity.NewOverrideSession(id, record.Plan, record.BillingCycle).
		WithUsage(record.Usage.CurrentPeriodCount, record.Usage.TotalCount, record.Usage.PeriodStartedAt)
	blob, err := identity.EncodeOverrideSession(override)
	if err == nil {
		err = p.cache.Set(ctx, localcache.KeyOverrideSession, blob)
	}
	if err != nil {
		log.Warn().Err(err).Str("identity_id", id.ID).Msg("Failed to update override session")
	}
}

// begin allocates a versioned attempt and supersedes any pending attempt of
// the same kind for the same identity.
func (p *Pipeline) begin(kind Kind, id identity.Identity, target plans.ID) *Attempt {
	now := p.nowFn()

	p.mu.Lock()
	version := now.UnixNano()
	if last := p.versions[kind]; version <= last {
		version = last + 1
	}
	p.versions[kind] = version

	a := newAttempt(kind, id.ID, target, version, now, p.deadline)
	a.remote = id.IsReal() && p.remote != nil
	key := slot{kind: kind, identityID: id.ID}
	prev := p.pending[key]
	if a.remote {
		p.pending[key] = a
	}
	p.mu.Unlock()

	if a.remote {
		p.metrics.AttemptStarted(string(kind))
	}

	if prev != nil && p.finish(prev, OutcomeSuperseded, nil) {
		prev.cancel()
		log.Debug().
			Str("attempt_id", prev.ID).
			Str("superseded_by", a.ID).
			Str("kind", string(kind)).
			Msg("Reconciliation superseded")
	}
	return a
}

func (p *Pipeline) rejected(kind Kind, identityID string, err error) *Attempt {
	a := newAttempt(kind, identityID, "", 0, p.nowFn(), 0)
	p.finish(a, OutcomeFailed, err)
	return a
}

// finish records a terminal outcome once and releases the pending slot.
func (p *Pipeline) finish(a *Attempt, outcome Outcome, err error) bool {
	if !a.finish(outcome, err) {
		return false
	}

	if !a.remote {
		a.cancel()
	}

	p.mu.Lock()
	key := slot{kind: a.Kind, identityID: a.IdentityID}
	if p.pending[key] == a {
		delete(p.pending, key)
	}
	p.mu.Unlock()

	p.metrics.AttemptFinished(string(a.Kind), string(outcome), p.nowFn().Sub(a.StartedAt), a.remote)
	return true
}

// launch runs upsert in the background and races it against the deadline.
// A timeout does not cancel the upsert; its eventual result is logged.
func (p *Pipeline) launch(a *Attempt, upsert func(context.Context) (bool, error)) {
	if !a.remote {
		err := syncerrors.WrapRejected(string(a.Kind), a.IdentityID, remotestore.ErrNotConfigured)
		if p.finish(a, OutcomeFailed, err) {
			log.Warn().Str("attempt_id", a.ID).Msg("No remote store configured; change kept locally")
			p.warn(a, err)
		}
		return
	}

	results := make(chan upsertResult, 1)
	timeout := p.after(p.deadline)

	p.inflight.Add(2)
	go func() {
		defer p.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				results <- upsertResult{err: fmt.Errorf("upsert panicked: %v", r)}
			}
		}()
		applied, err := upsert(a.ctx)
		results <- upsertResult{applied: applied, err: err}
	}()

	go func() {
		defer p.inflight.Done()
		defer a.cancel()

		select {
		case res := <-results:
			p.settle(a, res)
			return
		case <-timeout:
			p.timedOut(a)
		case <-a.done:
		}

		res := <-results
		p.late(a, res)
	}()
}

func (p *Pipeline) settle(a *Attempt, res upsertResult) {
	logger := log.With().
		Str("attempt_id", a.ID).
		Str("kind", string(a.Kind)).
		Str("identity_id", a.IdentityID).
		Int64("version", a.Version).
		Logger()

	switch {
	case res.err != nil:
		err := syncerrors.WrapRejected(string(a.Kind), a.IdentityID, res.err)
		if !p.finish(a, OutcomeFailed, err) {
			return
		}
		logger.Warn().Err(res.err).Bool("permission", syncerrors.IsPermissionError(res.err)).Msg("Remote store rejected reconciliation")
		p.warn(a, err)
	case !res.applied:
		// A newer version is already stored, written by another device.
		if !p.finish(a, OutcomeSuperseded, nil) {
			return
		}
		logger.Info().Msg("Remote store holds a newer version; attempt superseded")
		if a.Kind == KindPlan {
			d := plans.MustLookup(a.TargetPlan)
			p.emit(fmt.Sprintf("A newer plan change from another device is already saved; %s stays active on this device only", d.Name),
				notifications.SeverityInfo)
		}
	default:
		if !p.finish(a, OutcomeSucceeded, nil) {
			return
		}
		logger.Info().Msg("Reconciliation succeeded")
		if a.Kind == KindPlan {
			d := plans.MustLookup(a.TargetPlan)
			p.emit(fmt.Sprintf("You're now on the %s plan", d.Name), notifications.SeveritySuccess)
		}
	}
}

func (p *Pipeline) timedOut(a *Attempt) {
	err := syncerrors.WrapTimeout(string(a.Kind), a.IdentityID, p.deadline)
	if !p.finish(a, OutcomeTimedOut, err) {
		return
	}
	log.Warn().
		Str("attempt_id", a.ID).
		Str("kind", string(a.Kind)).
		Str("identity_id", a.IdentityID).
		Dur("deadline", p.deadline).
		Msg("Reconciliation deadline exceeded; change kept locally")
	p.warn(a, err)
}

func (p *Pipeline) late(a *Attempt, res upsertResult) {
	result := "succeeded"
	switch {
	case res.err != nil:
		result = "failed"
	case !res.applied:
		result = "stale"
	}
	p.metrics.RecordLateResult(string(a.Kind), result)
	log.Info().
		Err(res.err).
		Str("attempt_id", a.ID).
		Str("kind", string(a.Kind)).
		Str("outcome", string(a.Outcome())).
		Str("result", result).
		Msg("Late reconciliation result")
}

// warn surfaces a failed plan reconciliation. Usage failures are only logged.
func (p *Pipeline) warn(a *Attempt, err error) {
	if a.Kind != KindPlan {
		return
	}
	p.emit(fmt.Sprintf("Your plan change is active on this device but could not be saved (%s)", syncerrors.Reason(err)),
		notifications.SeverityWarning)
}

func (p *Pipeline) emit(message string, severity notifications.Severity) {
	if p.sink == nil {
		return
	}
	p.sink.Emit(message, severity)
}
