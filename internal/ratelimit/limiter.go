// Package ratelimit enforces per-model token and request budgets shared by
// every generation job in the process.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/azyu/novelforge/internal/logger"
)

// Window is the length of one budget window.
const Window = time.Minute

// Priority orders queued callers.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// Limit is a per-minute budget. Zero fields are unlimited.
type Limit struct {
	TokensPerMinute   int
	RequestsPerMinute int
}

// Clock abstracts time so windows can be advanced in tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is the subset of *time.Timer the limiter uses.
type Timer interface {
	Stop() bool
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Reservation is budget granted by Acquire. Settle it with the real usage
// once the call returns.
type Reservation struct {
	Model       string
	Tokens      int
	windowStart time.Time
}

type waiter struct {
	tokens   int
	priority Priority
	ready    chan struct{}
	granted  bool
	res      *Reservation
}

type bucket struct {
	limit       Limit
	windowStart time.Time
	tokens      int
	requests    int
	queue       []*waiter
	timer       Timer
}

// Limiter hands out per-model budget. Callers that do not fit wait in a
// priority queue and are woken when the window resets or budget is
// returned through Settle.
type Limiter struct {
	mu           sync.Mutex
	clock        Clock
	limits       map[string]Limit
	defaultLimit Limit
	buckets      map[string]*bucket
	log          *logger.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces the system clock.
func WithClock(c Clock) Option {
	return func(l *Limiter) {
		l.clock = c
	}
}

// WithDefaultLimit sets the budget for models without an explicit limit.
func WithDefaultLimit(limit Limit) Option {
	return func(l *Limiter) {
		l.defaultLimit = limit
	}
}

// WithLogger sets the logger.
func WithLogger(log *logger.Logger) Option {
	return func(l *Limiter) {
		l.log = log
	}
}

// New creates a limiter with per-model limits.
func New(limits map[string]Limit, opts ...Option) *Limiter {
	l := &Limiter{
		clock:   systemClock{},
		limits:  make(map[string]Limit, len(limits)),
		buckets: make(map[string]*bucket),
		log:     logger.NewNop(),
	}
	for model, limit := range limits {
		l.limits[model] = limit
	}
	for _, opt := range opts {
		opt(l)
	}
	l.log = l.log.With("component", "rate_limiter")
	return l
}

// Acquire blocks until the model has room for one request of the given
// token estimate, or ctx is done.
func (l *Limiter) Acquire(ctx context.Context, model string, tokens int, priority Priority) (*Reservation, error) {
	l.mu.Lock()
	b := l.bucketFor(model)
	now := l.clock.Now()
	b.roll(now)

	if len(b.queue) == 0 && b.fits(tokens) {
		res := b.consume(model, tokens)
		l.mu.Unlock()
		return res, nil
	}

	w := &waiter{tokens: tokens, priority: priority, ready: make(chan struct{})}
	b.enqueue(w)
	l.scheduleWake(model, b, now)
	queued := len(b.queue)
	l.mu.Unlock()

	l.log.Debug("rate limit reached, queued", "model", model, "priority", priority.String(), "queue_length", queued)

	select {
	case <-w.ready:
		return w.res, nil
	case <-ctx.Done():
		l.mu.Lock()
		defer l.mu.Unlock()
		if w.granted {
			b.refund(w.res, w.res.Tokens)
		} else {
			b.remove(w)
		}
		l.drain(model, b)
		return nil, ctx.Err()
	}
}

// Settle replaces a reservation's token estimate with the actual usage.
// Returned budget may wake queued callers.
func (l *Limiter) Settle(res *Reservation, actualTokens int) {
	if res == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.bucketFor(res.Model)
	if !b.windowStart.Equal(res.windowStart) {
		return
	}
	delta := actualTokens - res.Tokens
	res.Tokens = actualTokens
	b.tokens += delta
	if b.tokens < 0 {
		b.tokens = 0
	}
	if delta < 0 {
		l.drain(res.Model, b)
	}
}

// Usage reports the current window's consumption for a model.
func (l *Limiter) Usage(model string) (tokens, requests int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.bucketFor(model)
	b.roll(l.clock.Now())
	return b.tokens, b.requests
}

// Queued reports how many callers wait on a model.
func (l *Limiter) Queued(model string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.bucketFor(model).queue)
}

func (l *Limiter) bucketFor(model string) *bucket {
	b, ok := l.buckets[model]
	if !ok {
		limit, ok := l.limits[model]
		if !ok {
			limit = l.defaultLimit
		}
		b = &bucket{limit: limit}
		l.buckets[model] = b
	}
	return b
}

// drain grants queued callers in order while they fit. Must hold l.mu.
func (l *Limiter) drain(model string, b *bucket) {
	now := l.clock.Now()
	b.roll(now)
	for len(b.queue) > 0 {
		w := b.queue[0]
		if !b.fits(w.tokens) {
			break
		}
		b.queue = b.queue[1:]
		w.res = b.consume(model, w.tokens)
		w.granted = true
		close(w.ready)
	}
	if len(b.queue) > 0 {
		l.scheduleWake(model, b, now)
	} else if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

// scheduleWake arms a timer for the window reset. Must hold l.mu.
func (l *Limiter) scheduleWake(model string, b *bucket, now time.Time) {
	if b.timer != nil {
		return
	}
	d := b.windowStart.Add(Window).Sub(now)
	if d < 0 {
		d = 0
	}
	b.timer = l.clock.AfterFunc(d, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		b.timer = nil
		l.drain(model, b)
	})
}

func (b *bucket) roll(now time.Time) {
	if b.windowStart.IsZero() || now.Sub(b.windowStart) >= Window {
		b.windowStart = now
		b.tokens = 0
		b.requests = 0
	}
}

// fits allows one oversized request into an otherwise empty window so that
// a request larger than the whole budget cannot wait forever.
func (b *bucket) fits(tokens int) bool {
	if b.limit.RequestsPerMinute > 0 && b.requests >= b.limit.RequestsPerMinute {
		return false
	}
	if b.limit.TokensPerMinute > 0 && b.tokens > 0 && b.tokens+tokens > b.limit.TokensPerMinute {
		return false
	}
	return true
}

func (b *bucket) consume(model string, tokens int) *Reservation {
	b.tokens += tokens
	b.requests++
	return &Reservation{Model: model, Tokens: tokens, windowStart: b.windowStart}
}

func (b *bucket) refund(res *Reservation, tokens int) {
	if !b.windowStart.Equal(res.windowStart) {
		return
	}
	b.tokens -= tokens
	if b.tokens < 0 {
		b.tokens = 0
	}
	if b.requests > 0 {
		b.requests--
	}
}

// enqueue places high priority first, normal at the midpoint and low last.
func (b *bucket) enqueue(w *waiter) {
	switch w.priority {
	case PriorityHigh:
		b.queue = append([]*waiter{w}, b.queue...)
	case PriorityLow:
		b.queue = append(b.queue, w)
	default:
		mid := len(b.queue) / 2
		b.queue = append(b.queue, nil)
		copy(b.queue[mid+1:], b.queue[mid:])
		b.queue[mid] = w
	}
}

func (b *bucket) remove(w *waiter) {
	for i, q := range b.queue {
		if q == w {
			b.queue = append(b.queue[:i], b.queue[i+1:]...)
			return
		}
	}
}
