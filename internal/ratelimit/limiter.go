package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Limits enforced by Config.Validate.
const (
	MaxCapacity    = 100
	MaxRefillRate  = 50.0
	MaxInFlight    = 16
	MaxWaitCeiling = 5 * time.Minute

	// dispatchSlack is added to computed refill waits so float rounding never
	// wakes the dispatcher a hair before the next token exists.
	dispatchSlack = time.Millisecond
)

// Priority orders waiters. High is served before Normal.
type Priority int

const (
	// PriorityNormal is used for periodic polling reads.
	PriorityNormal Priority = iota

	// PriorityHigh is used for user-initiated commands.
	PriorityHigh
)

// String returns the label used in logs and metrics.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p == PriorityNormal || p == PriorityHigh
}

// Config holds token bucket parameters.
type Config struct {
	// Capacity is the bucket size (maximum burst of admitted requests).
	Capacity int

	// RefillRate is the steady-state rate in tokens per second.
	RefillRate float64

	// MaxInFlight bounds concurrent requests holding a permit.
	MaxInFlight int

	// MaxWait caps how long Acquire waits for a token and an in-flight slot.
	// Zero means the wait is bounded only by the caller's context.
	MaxWait time.Duration
}

// DefaultConfig returns the defaults used when a device does not override them.
func DefaultConfig() Config {
	return Config{
		Capacity:    5,
		RefillRate:  1,
		MaxInFlight: 2,
		MaxWait:     30 * time.Second,
	}
}

// Validate rejects out-of-range values.
func (c Config) Validate() error {
	var errs []error
	if c.Capacity < 1 || c.Capacity > MaxCapacity {
		errs = append(errs, fmt.Errorf("capacity %d outside [1, %d]", c.Capacity, MaxCapacity))
	}
	if !(c.RefillRate > 0) || c.RefillRate > MaxRefillRate {
		errs = append(errs, fmt.Errorf("refill rate %v outside (0, %v]", c.RefillRate, MaxRefillRate))
	}
	if c.MaxInFlight < 1 || c.MaxInFlight > MaxInFlight {
		errs = append(errs, fmt.Errorf("max in flight %d outside [1, %d]", c.MaxInFlight, MaxInFlight))
	}
	if c.MaxWait < 0 || c.MaxWait > MaxWaitCeiling {
		errs = append(errs, fmt.Errorf("max wait %v outside [0, %v]", c.MaxWait, MaxWaitCeiling))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Observer receives admission events. Implementations must not block.
type Observer interface {
	TokenGranted(p Priority, waited time.Duration)
	TokenDenied(p Priority)
}

// Stats is a point-in-time view of the limiter.
type Stats struct {
	Tokens        float64 `json:"tokens"`
	Capacity      int     `json:"capacity"`
	WaitingHigh   int     `json:"waiting_high"`
	WaitingNormal int     `json:"waiting_normal"`
	InFlight      int64   `json:"in_flight"`
}

// waiter is a queued Acquire call. ready is buffered so the dispatcher never
// blocks on a waiter that has already given up.
type waiter struct {
	priority Priority
	ready    chan struct{}
	granted  bool
}

// Limiter is a token bucket with priority-ordered waiters and a separate
// bound on requests in flight.
//
// The bucket math is delegated to rate.Limiter: tokens refill in proportion to
// the time elapsed since the last check, capped at Capacity. The limiter's own
// mutex covers only the token check and queue bookkeeping; it is never held
// while a caller performs I/O.
//
// Thread Safety: All methods are safe for concurrent use.
type Limiter struct {
	cfg    Config
	bucket *rate.Limiter
	slots  *semaphore.Weighted

	mu     sync.Mutex
	high   []*waiter
	normal []*waiter
	timer  *time.Timer

	inFlight atomic.Int64
	now      func() time.Time

	observerMu sync.RWMutex
	observer   Observer
}

// New creates a limiter with a full bucket.
func New(cfg Config) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Limiter{
		cfg:    cfg,
		bucket: rate.NewLimiter(rate.Limit(cfg.RefillRate), cfg.Capacity),
		slots:  semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		now:    time.Now,
	}, nil
}

// SetObserver installs an admission observer.
func (l *Limiter) SetObserver(o Observer) {
	l.observerMu.Lock()
	l.observer = o
	l.observerMu.Unlock()
}

// Config returns the limiter's configuration.
func (l *Limiter) Config() Config {
	return l.cfg
}

// Acquire waits for a token and an in-flight slot.
//
// A High caller takes a free token even when Normal callers are queued; a
// Normal caller never jumps ahead of anyone already waiting. When MaxWait
// elapses first the call fails with ErrRateLimitExceeded. When ctx ends first
// the returned error wraps ctx.Err().
//
// The returned Permit must be released once the request completes.
func (l *Limiter) Acquire(ctx context.Context, p Priority) (*Permit, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPriority, p)
	}

	start := l.now()
	waitCtx := ctx
	if l.cfg.MaxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, l.cfg.MaxWait)
		defer cancel()
	}

	if err := l.waitToken(ctx, waitCtx, p); err != nil {
		l.denied(p)
		return nil, err
	}

	if err := l.slots.Acquire(waitCtx, 1); err != nil {
		l.denied(p)
		return nil, l.waitError(ctx, "in-flight slot")
	}

	l.granted(p, l.now().Sub(start))
	return l.newPermit(), nil
}

// TryAcquire grants a permit only if one is available right now.
func (l *Limiter) TryAcquire(p Priority) (*Permit, bool) {
	if !p.Valid() {
		return nil, false
	}
	if !l.slots.TryAcquire(1) {
		l.denied(p)
		return nil, false
	}

	l.mu.Lock()
	ok := !l.blockedLocked(p) && l.bucket.AllowN(l.now(), 1)
	l.mu.Unlock()

	if !ok {
		l.slots.Release(1)
		l.denied(p)
		return nil, false
	}

	l.granted(p, 0)
	return l.newPermit(), true
}

// Stats returns the current bucket level, queue depths and in-flight count.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Tokens:        l.bucket.TokensAt(l.now()),
		Capacity:      l.cfg.Capacity,
		WaitingHigh:   len(l.high),
		WaitingNormal: len(l.normal),
		InFlight:      l.inFlight.Load(),
	}
}

// Waiting returns the number of queued Acquire calls.
func (l *Limiter) Waiting() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.high) + len(l.normal)
}

// waitToken takes a token immediately or queues until the dispatcher grants one.
func (l *Limiter) waitToken(ctx, waitCtx context.Context, p Priority) error {
	l.mu.Lock()
	if !l.blockedLocked(p) && l.bucket.AllowN(l.now(), 1) {
		l.mu.Unlock()
		return nil
	}

	w := &waiter{priority: p, ready: make(chan struct{}, 1)}
	if p == PriorityHigh {
		l.high = append(l.high, w)
	} else {
		l.normal = append(l.normal, w)
	}
	l.scheduleLocked()
	l.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-waitCtx.Done():
	}

	l.mu.Lock()
	if w.granted {
		// Granted while the deadline fired. The token is spent either way,
		// so honour it rather than waste it.
		l.mu.Unlock()
		return nil
	}
	l.removeLocked(w)
	l.scheduleLocked()
	l.mu.Unlock()

	return l.waitError(ctx, "token")
}

// blockedLocked reports whether a caller of priority p must queue behind
// existing waiters.
func (l *Limiter) blockedLocked(p Priority) bool {
	if p == PriorityHigh {
		return len(l.high) > 0
	}
	return len(l.high) > 0 || len(l.normal) > 0
}

// scheduleLocked grants tokens to queued waiters in priority order and arms
// the dispatch timer for the next refill when the bucket runs dry.
func (l *Limiter) scheduleLocked() {
	for {
		var queue *[]*waiter
		switch {
		case len(l.high) > 0:
			queue = &l.high
		case len(l.normal) > 0:
			queue = &l.normal
		default:
			if l.timer != nil {
				l.timer.Stop()
			}
			return
		}

		now := l.now()
		if !l.bucket.AllowN(now, 1) {
			missing := 1 - l.bucket.TokensAt(now)
			wait := time.Duration(missing/l.cfg.RefillRate*float64(time.Second)) + dispatchSlack
			l.armLocked(wait)
			return
		}

		w := (*queue)[0]
		(*queue)[0] = nil
		*queue = (*queue)[1:]
		w.granted = true
		w.ready <- struct{}{}
	}
}

func (l *Limiter) armLocked(d time.Duration) {
	if l.timer == nil {
		l.timer = time.AfterFunc(d, l.dispatch)
		return
	}
	l.timer.Stop()
	l.timer.Reset(d)
}

func (l *Limiter) dispatch() {
	l.mu.Lock()
	l.scheduleLocked()
	l.mu.Unlock()
}

func (l *Limiter) removeLocked(w *waiter) {
	queue := &l.normal
	if w.priority == PriorityHigh {
		queue = &l.high
	}
	for i, q := range *queue {
		if q == w {
			*queue = append((*queue)[:i], (*queue)[i+1:]...)
			return
		}
	}
}

// waitError distinguishes the limiter's own deadline from the caller's.
func (l *Limiter) waitError(ctx context.Context, what string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("ratelimit: waiting for %s: %w", what, err)
	}
	return fmt.Errorf("%w: no %s within %v", ErrRateLimitExceeded, what, l.cfg.MaxWait)
}

func (l *Limiter) newPermit() *Permit {
	l.inFlight.Add(1)
	return &Permit{release: func() {
		l.inFlight.Add(-1)
		l.slots.Release(1)
	}}
}

func (l *Limiter) granted(p Priority, waited time.Duration) {
	l.observerMu.RLock()
	o := l.observer
	l.observerMu.RUnlock()
	if o != nil {
		o.TokenGranted(p, waited)
	}
}

func (l *Limiter) denied(p Priority) {
	l.observerMu.RLock()
	o := l.observer
	l.observerMu.RUnlock()
	if o != nil {
		o.TokenDenied(p)
	}
}

// Permit is an admitted request. Release returns its in-flight slot; the
// token itself is consumed.
type Permit struct {
	once    sync.Once
	release func()
}

// Release frees the in-flight slot. Safe to call more than once and on nil.
func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	p.once.Do(p.release)
}
