// Package queue provides a generic in-process FIFO with broadcast
// subscriptions. Every subscriber observes every enqueued item in strict
// enqueue order, independently of other subscribers. Delivery is lossless:
// the buffer is unbounded and growth is bounded by consumers draining (and
// the janitor's sweeps upstream), never by dropping items.
package queue

import (
	"context"
	"log/slog"
	"sync"

	"parley/internal/domain"
)

// Handler consumes one item. A returned error (or a panic) is logged and
// delivery continues with the next item: one bad item must not stall the
// stream.
type Handler[T any] func(ctx context.Context, item T) error

type subscriber[T any] struct {
	name    string
	handler Handler[T]

	mu   sync.Mutex
	cond *sync.Cond
	buf  []T
	done bool
}

// Queue is an ordered broadcast buffer of typed items. The name is used for
// logging and inspection only.
type Queue[T any] struct {
	name   string
	logger *slog.Logger

	mu     sync.RWMutex
	subs   []*subscriber[T]
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an empty queue.
func New[T any](name string, logger *slog.Logger) *Queue[T] {
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue[T]{
		name:   name,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Name returns the queue's name.
func (q *Queue[T]) Name() string { return q.name }

// Enqueue appends item to the tail for every subscriber and returns
// immediately; it never blocks the producer. Returns ErrQueueClosed after
// Close.
func (q *Queue[T]) Enqueue(item T) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return domain.NewDomainError("Queue.Enqueue", domain.ErrQueueClosed, q.name)
	}
	for _, sub := range q.subs {
		sub.mu.Lock()
		sub.buf = append(sub.buf, item)
		sub.cond.Signal()
		sub.mu.Unlock()
	}
	return nil
}

// Subscribe registers a consumer invoked for each item in enqueue order and
// starts its delivery goroutine. Subscribers registered after items were
// enqueued only see items from their registration on.
func (q *Queue[T]) Subscribe(name string, handler Handler[T]) {
	sub := &subscriber[T]{name: name, handler: handler}
	sub.cond = sync.NewCond(&sub.mu)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.subs = append(q.subs, sub)
	q.mu.Unlock()

	q.wg.Add(1)
	go q.deliver(sub)
}

// deliver drains the subscriber's buffer in FIFO order until the queue is
// closed and the backlog is empty.
func (q *Queue[T]) deliver(sub *subscriber[T]) {
	defer q.wg.Done()
	for {
		sub.mu.Lock()
		for len(sub.buf) == 0 && !sub.done {
			sub.cond.Wait()
		}
		if len(sub.buf) == 0 && sub.done {
			sub.mu.Unlock()
			return
		}
		item := sub.buf[0]
		sub.buf = sub.buf[1:]
		sub.mu.Unlock()

		q.invoke(sub, item)
	}
}

func (q *Queue[T]) invoke(sub *subscriber[T], item T) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("queue subscriber panicked",
				"queue", q.name, "subscriber", sub.name, "panic", r)
		}
	}()
	if err := sub.handler(q.ctx, item); err != nil {
		q.logger.Error("queue subscriber failed",
			"queue", q.name, "subscriber", sub.name, "error", err)
	}
}

// Len returns the total backlog across subscribers, for inspection.
func (q *Queue[T]) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	total := 0
	for _, sub := range q.subs {
		sub.mu.Lock()
		total += len(sub.buf)
		sub.mu.Unlock()
	}
	return total
}

// Close rejects further enqueues, lets subscribers drain their backlogs and
// waits for delivery goroutines to exit. Idempotent.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	subs := q.subs
	q.mu.Unlock()

	for _, sub := range subs {
		sub.mu.Lock()
		sub.done = true
		sub.cond.Signal()
		sub.mu.Unlock()
	}
	q.wg.Wait()
	q.cancel()
}
