package usecase

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"parley/internal/domain"
)

// waiterState tracks the single-shot lifecycle of a waiter.
type waiterState int

const (
	waiterPending waiterState = iota
	waiterResolved
	waiterTimedOut
	waiterCancelled
)

// Waiter is one outstanding synchronous request: a pending record linking a
// caller to the future outgoing event that answers it. A waiter moves from
// pending to exactly one of resolved, timed out or cancelled, exactly once.
type Waiter struct {
	ID      string
	BotID   string
	Target  string
	EventID string // incoming event id, matched against reply CorrelationID

	ch    chan *domain.Event // buffered 1; closed on timeout/cancel
	timer *time.Timer
	state waiterState // guarded by the owning bucket's mutex
}

// bucket holds the pending waiters of one conversation key, oldest first.
type bucket struct {
	mu   sync.Mutex
	list []*Waiter
}

// Correlator is the pending-waiter registry. Lookup of a key's bucket takes
// a short map lock; all list manipulation happens under the bucket's own
// lock so unrelated conversations never contend.
type Correlator struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	logger  *slog.Logger

	// afterFunc schedules the deadline wake-up; injectable for tests.
	afterFunc func(d time.Duration, f func()) *time.Timer
}

// NewCorrelator creates an empty registry.
func NewCorrelator(logger *slog.Logger) *Correlator {
	return &Correlator{
		buckets:   make(map[string]*bucket),
		logger:    logger,
		afterFunc: time.AfterFunc,
	}
}

// Register inserts a pending waiter for (botID, target) with the given
// deadline. Call before (or atomically with) dispatching the incoming
// event, so a fast reply cannot arrive before the waiter exists. eventID is
// the incoming event's id; a reply carrying a CorrelationID resolves only
// the waiter whose eventID matches.
func (c *Correlator) Register(botID, target, eventID string, timeout time.Duration) *Waiter {
	w := &Waiter{
		ID:      uuid.NewString(),
		BotID:   botID,
		Target:  target,
		EventID: eventID,
		ch:      make(chan *domain.Event, 1),
		state:   waiterPending,
	}

	// Hold the map lock across insertion so a concurrent janitor sweep
	// cannot retire the bucket between lookup and append. The timer is
	// armed before the waiter is appended: once another goroutine can
	// reach w through the bucket, w.timer is set.
	c.mu.Lock()
	key := botID + "|" + target
	b, ok := c.buckets[key]
	if !ok {
		b = &bucket{}
		c.buckets[key] = b
	}
	b.mu.Lock()
	c.mu.Unlock()
	w.timer = c.afterFunc(timeout, func() { c.expire(b, w) })
	b.list = append(b.list, w)
	b.mu.Unlock()
	return w
}

// Wait blocks until the waiter resolves, its deadline elapses, or ctx is
// cancelled. Exactly one of the three outcomes is observed.
func (c *Correlator) Wait(ctx context.Context, w *Waiter) (*domain.Event, error) {
	select {
	case ev, ok := <-w.ch:
		if !ok {
			return nil, domain.NewDomainError("Correlator.Wait", domain.ErrTimeout, w.ID)
		}
		return ev, nil
	case <-ctx.Done():
		c.cancel(w)
		return nil, domain.WrapOp("Correlator.Wait", ctx.Err())
	}
}

// Resolve delivers an outgoing event to the oldest matching pending waiter.
// It reports whether a waiter was resolved; either way the event continues
// through the outgoing pipeline. At most one waiter resolves per event, and
// a waiter resolves at most once: racing replies past the first find no
// waiter and flow on untouched.
func (c *Correlator) Resolve(ev *domain.Event) bool {
	key := ev.ConversationKey()
	c.mu.Lock()
	b, ok := c.buckets[key]
	c.mu.Unlock()
	if !ok {
		return false
	}

	b.mu.Lock()
	idx := -1
	for i, w := range b.list {
		if w.state != waiterPending {
			continue
		}
		if ev.CorrelationID != "" && w.EventID != ev.CorrelationID {
			continue
		}
		idx = i
		break
	}
	if idx < 0 {
		b.mu.Unlock()
		return false
	}
	w := b.list[idx]
	w.state = waiterResolved
	b.list = append(b.list[:idx], b.list[idx+1:]...)
	w.timer.Stop()
	b.mu.Unlock()

	w.ch <- ev
	return true
}

// PendingCount reports the number of pending waiters for a conversation.
func (c *Correlator) PendingCount(botID, target string) int {
	c.mu.Lock()
	b, ok := c.buckets[botID+"|"+target]
	c.mu.Unlock()
	if !ok {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.list)
}

// expire fires at the waiter's deadline. The waiter is actively removed
// from the pending set, so a very late reply finds nothing to resolve.
func (c *Correlator) expire(b *bucket, w *Waiter) {
	if c.remove(b, w, waiterTimedOut) {
		c.logger.Debug("correlation waiter timed out",
			"waiter", w.ID, "bot", w.BotID, "target", w.Target)
		close(w.ch)
	}
}

// cancel removes a waiter whose caller gave up (context cancellation).
func (c *Correlator) cancel(w *Waiter) {
	b := c.bucketFor(w.BotID + "|" + w.Target)
	if c.remove(b, w, waiterCancelled) {
		close(w.ch)
	}
}

// remove takes w out of the bucket if still pending, marking it with next
// and stopping its deadline timer. Returns false if the waiter already left
// the pending set.
func (c *Correlator) remove(b *bucket, w *Waiter, next waiterState) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if w.state != waiterPending {
		return false
	}
	w.state = next
	w.timer.Stop()
	for i, it := range b.list {
		if it == w {
			b.list = append(b.list[:i], b.list[i+1:]...)
			break
		}
	}
	return true
}

func (c *Correlator) bucketFor(key string) *bucket {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.buckets[key]
	if !ok {
		b = &bucket{}
		c.buckets[key] = b
	}
	return b
}

// RetireEmptyBuckets drops conversation keys with no pending waiters.
// Called by the janitor.
func (c *Correlator) RetireEmptyBuckets() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	retired := 0
	for key, b := range c.buckets {
		b.mu.Lock()
		empty := len(b.list) == 0
		b.mu.Unlock()
		if empty {
			delete(c.buckets, key)
			retired++
		}
	}
	return retired
}
