package notifications

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Severity of a user-facing notification.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// DefaultTTL is used when a Center is created without a TTL.
const DefaultTTL = 5 * time.Second

const forwardTimeout = 10 * time.Second

// Notification is a transient message shown to the user.
type Notification struct {
	ID        string        `json:"id"`
	Message   string        `json:"message"`
	Severity  Severity      `json:"severity"`
	CreatedAt time.Time     `json:"createdAt"`
	TTL       time.Duration `json:"ttl"`
}

// ExpiresAt is when the notification stops being active.
func (n Notification) ExpiresAt() time.Time {
	return n.CreatedAt.Add(n.TTL)
}

// Sink receives fire-and-forget notifications.
type Sink interface {
	Emit(message string, severity Severity)
}

// Forwarder delivers notifications to an external channel.
type Forwarder interface {
	Forward(ctx context.Context, n Notification) error
}

// Center keeps the active notifications, expires them after their TTL, fans
// them out to subscribers and mirrors them into the log.
type Center struct {
	mu          sync.Mutex
	ttl         time.Duration
	items       []Notification
	subscribers map[int]func(Notification)
	nextSubID   int
	forwarders  []Forwarder
	forwarding  sync.WaitGroup
	nowFn       func() time.Time
}

func NewCenter(ttl time.Duration) *Center {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Center{
		ttl:         ttl,
		subscribers: make(map[int]func(Notification)),
		nowFn:       time.Now,
	}
}

// AddForwarder registers an external delivery channel.
func (c *Center) AddForwarder(f Forwarder) {
	if f == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forwarders = append(c.forwarders, f)
}

// Emit records a notification. It never blocks on forwarders.
func (c *Center) Emit(message string, severity Severity) {
	n := Notification{
		ID:        ulid.Make().String(),
		Message:   message,
		Severity:  severity,
		CreatedAt: c.nowFn(),
		TTL:       c.ttl,
	}

	c.mu.Lock()
	c.pruneLocked(n.CreatedAt)
	c.items = append(c.items, n)
	subs := make([]func(Notification), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		subs = append(subs, fn)
	}
	forwarders := append([]Forwarder(nil), c.forwarders...)
	c.mu.Unlock()

	log.WithLevel(logLevel(severity)).
		Str("notification_id", n.ID).
		Str("severity", string(severity)).
		Msg(message)

	for _, fn := range subs {
		fn(n)
	}
	for _, f := range forwarders {
		c.forwarding.Add(1)
		go func() {
			defer c.forwarding.Done()
			forward(f, n)
		}()
	}
}

// Flush waits for in-flight forwarder deliveries. It returns ctx.Err() if
// ctx ends first; the deliveries keep running until their own timeout.
func (c *Center) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.forwarding.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func forward(f Forwarder, n Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), forwardTimeout)
	defer cancel()
	if err := f.Forward(ctx, n); err != nil {
		log.Warn().Err(err).Str("notification_id", n.ID).Msg("Failed to forward notification")
	}
}

// Active returns the notifications that have not expired, oldest first.
func (c *Center) Active() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(c.nowFn())
	return append([]Notification(nil), c.items...)
}

// Dismiss removes a notification before it expires.
func (c *Center) Dismiss(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, n := range c.items {
		if n.ID == id {
			c.items = append(c.items[:i], c.items[i+1:]...)
			return true
		}
	}
	return false
}

// Subscribe registers fn for every future notification.
func (c *Center) Subscribe(fn func(Notification)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSubID
	c.nextSubID++
	c.subscribers[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subscribers, id)
	}
}

// Run prunes expired notifications until ctx is done.
func (c *Center) Run(ctx context.Context) {
	ticker := time.NewTicker(c.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			c.pruneLocked(c.nowFn())
			c.mu.Unlock()
		case <-ctx.Done():
			return
		}
	}
}

func (c *Center) pruneLocked(now time.Time) {
	kept := c.items[:0]
	for _, n := range c.items {
		if now.Before(n.ExpiresAt()) {
			kept = append(kept, n)
		}
	}
	c.items = kept
}

func logLevel(s Severity) zerolog.Level {
	switch s {
	case SeverityWarning:
		return zerolog.WarnLevel
	case SeverityError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Recorder is a Sink that keeps every emitted notification.
type Recorder struct {
	mu    sync.Mutex
	items []Notification
}

func (r *Recorder) Emit(message string, severity Severity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, Notification{Message: message, Severity: severity, CreatedAt: time.Now()})
}

// All returns a copy of the recorded notifications.
func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.items...)
}

// BySeverity returns the recorded notifications with severity s.
func (r *Recorder) BySeverity(s Severity) []Notification {
	var out []Notification
	for _, n := range r.All() {
		if n.Severity == s {
			out = append(out, n)
		}
	}
	return out
}
