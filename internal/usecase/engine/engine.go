// Package engine runs the event dispatch core: two named queues (incoming,
// outgoing), an ordered middleware pipeline per direction, and per
// conversation FIFO processing lanes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"parley/internal/domain"
	"parley/internal/infra/tracer"
	"parley/internal/usecase/queue"
)

// ErrHalt short-circuits the pipeline for the current event. It is not a
// failure: remaining stages are skipped silently.
var ErrHalt = errors.New("halt pipeline")

// Stage is one middleware step. It may mutate the event's State and Payload
// and pass control on by returning nil, halt the pipeline with ErrHalt, or
// fail with any other error. Stage failures are isolated per event.
type Stage func(ctx context.Context, ev *domain.Event) error

// StageFailureFunc is notified when a stage fails on an event. Wired by the
// composition root, e.g. to raise a notification.
type StageFailureFunc func(ev *domain.Event, stage string, err error)

type namedStage struct {
	name string
	fn   Stage
}

// lane serializes events sharing one conversation key. Its worker goroutine
// runs only while there is a backlog and exits when drained, so an idle
// conversation costs nothing but a map entry until the janitor retires it.
// A retired lane is dead: dispatch must never append to it.
type lane struct {
	mu      sync.Mutex
	buf     []*domain.Event
	running bool
	retired bool
}

// Engine owns the incoming and outgoing queues and the middleware pipelines
// over them. SendEvent is the single entry point for both directions.
type Engine struct {
	incoming *queue.Queue[*domain.Event]
	outgoing *queue.Queue[*domain.Event]

	mu       sync.RWMutex
	stages   map[domain.Direction][]namedStage
	started  bool
	onFailed StageFailureFunc

	lanesMu sync.Mutex
	lanes   map[string]*lane

	// inflight counts events handed to a lane whose pipeline has not
	// finished yet; Close waits on it per direction.
	idleMu   sync.Mutex
	idleCond *sync.Cond
	inflight int

	logger *slog.Logger
	wg     sync.WaitGroup
}

// New creates an engine with empty pipelines.
func New(logger *slog.Logger) *Engine {
	e := &Engine{
		incoming: queue.New[*domain.Event]("Incoming", logger),
		outgoing: queue.New[*domain.Event]("Outgoing", logger),
		stages:   make(map[domain.Direction][]namedStage),
		lanes:    make(map[string]*lane),
		logger:   logger,
	}
	e.idleCond = sync.NewCond(&e.idleMu)
	return e
}

// Use appends a named stage to the pipeline of the given direction. Stages
// run in registration order; registration happens at startup, before Start.
func (e *Engine) Use(dir domain.Direction, name string, fn Stage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		panic(fmt.Sprintf("engine: Use(%q) after Start", name))
	}
	e.stages[dir] = append(e.stages[dir], namedStage{name: name, fn: fn})
}

// SetStageFailureFunc installs the stage failure callback. Must be called
// before Start.
func (e *Engine) SetStageFailureFunc(fn StageFailureFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onFailed = fn
}

// Start connects the pipelines to their queues. Events enqueued before
// Start are not observed.
func (e *Engine) Start() {
	e.mu.Lock()
	e.started = true
	e.mu.Unlock()
	e.incoming.Subscribe("pipeline", e.dispatch)
	e.outgoing.Subscribe("pipeline", e.dispatch)
}

// SendEvent routes ev onto the queue matching its direction. Asynchronous:
// it never returns the eventual reply. Replies arrive as new outgoing
// events submitted through this same entry point.
func (e *Engine) SendEvent(_ context.Context, ev *domain.Event) error {
	if !ev.Direction.Valid() {
		return domain.NewDomainError("Engine.SendEvent", domain.ErrBadDirection, string(ev.Direction))
	}
	if ev.Direction == domain.DirectionIncoming {
		return e.incoming.Enqueue(ev)
	}
	return e.outgoing.Enqueue(ev)
}

// dispatch hands the event to its conversation lane. Events sharing a
// (bot, target) key are processed in enqueue order; distinct conversations
// run concurrently. dispatch never blocks the queue's delivery goroutine.
func (e *Engine) dispatch(ctx context.Context, ev *domain.Event) error {
	key := ev.ConversationKey()

	for {
		e.lanesMu.Lock()
		ln, ok := e.lanes[key]
		if !ok {
			ln = &lane{}
			e.lanes[key] = ln
		}
		e.lanesMu.Unlock()

		ln.mu.Lock()
		if ln.retired {
			// Lost a race with RetireIdleLanes: the sweep dropped this
			// lane from the map after we fetched it. Look it up again so
			// the event lands in the live lane for this key.
			ln.mu.Unlock()
			continue
		}
		e.idleMu.Lock()
		e.inflight++
		e.idleMu.Unlock()
		ln.buf = append(ln.buf, ev)
		if !ln.running {
			ln.running = true
			e.wg.Add(1)
			go e.drainLane(ctx, ln)
		}
		ln.mu.Unlock()
		return nil
	}
}

func (e *Engine) drainLane(ctx context.Context, ln *lane) {
	defer e.wg.Done()
	for {
		ln.mu.Lock()
		if len(ln.buf) == 0 {
			ln.running = false
			ln.mu.Unlock()
			return
		}
		ev := ln.buf[0]
		ln.buf = ln.buf[1:]
		ln.mu.Unlock()

		e.runPipeline(ctx, ev)
		e.eventDone()
	}
}

func (e *Engine) eventDone() {
	e.idleMu.Lock()
	e.inflight--
	if e.inflight == 0 {
		e.idleCond.Broadcast()
	}
	e.idleMu.Unlock()
}

// waitInflight blocks until every event already handed to a lane has
// finished its pipeline.
func (e *Engine) waitInflight() {
	e.idleMu.Lock()
	for e.inflight > 0 {
		e.idleCond.Wait()
	}
	e.idleMu.Unlock()
}

// runPipeline applies the direction's stages in order. A stage returning
// ErrHalt stops the event silently; any other error is logged, reported to
// the failure callback and stops this event only; the lane moves on.
func (e *Engine) runPipeline(ctx context.Context, ev *domain.Event) {
	e.mu.RLock()
	stages := e.stages[ev.Direction]
	onFailed := e.onFailed
	e.mu.RUnlock()

	ctx, span := tracer.StartSpan(ctx, "engine.pipeline",
		tracer.WithAttributes(
			tracer.StringAttr("event.id", ev.ID),
			tracer.StringAttr("event.direction", string(ev.Direction)),
			tracer.StringAttr("event.bot_id", ev.BotID),
		))
	defer span.End()

	for _, st := range stages {
		err := e.runStage(ctx, st, ev)
		if err == nil {
			continue
		}
		if errors.Is(err, ErrHalt) {
			e.logger.Debug("pipeline halted",
				"event", ev.ID, "direction", ev.Direction, "stage", st.name)
			return
		}
		e.logger.Error("pipeline stage failed",
			"event", ev.ID, "direction", ev.Direction, "stage", st.name, "error", err)
		tracer.RecordError(span, err)
		if onFailed != nil {
			onFailed(ev, st.name, domain.NewDomainError("Engine.runPipeline", domain.ErrStageFailure, st.name))
		}
		return
	}
	tracer.SetOK(span)
}

// runStage invokes one stage, converting a panic into a stage failure.
func (e *Engine) runStage(ctx context.Context, st namedStage, ev *domain.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stage %s panicked: %v", st.name, r)
		}
	}()
	return st.fn(ctx, ev)
}

// RetireIdleLanes drops lane entries with no backlog and no running worker.
// Called by the janitor; safe concurrently with dispatch.
func (e *Engine) RetireIdleLanes() int {
	e.lanesMu.Lock()
	defer e.lanesMu.Unlock()
	retired := 0
	for key, ln := range e.lanes {
		ln.mu.Lock()
		idle := len(ln.buf) == 0 && !ln.running
		if idle {
			// Mark before removal so a dispatch that already fetched
			// this lane re-resolves the key instead of appending to an
			// orphan.
			ln.retired = true
		}
		ln.mu.Unlock()
		if idle {
			delete(e.lanes, key)
			retired++
		}
	}
	return retired
}

// SubscribeOutgoing attaches an additional consumer to the outgoing queue,
// running alongside the pipeline subscription. Realtime streams hook in
// here; every subscriber receives every outgoing event independently.
func (e *Engine) SubscribeOutgoing(name string, h queue.Handler[*domain.Event]) {
	e.outgoing.Subscribe(name, h)
}

// QueueDepths reports the current backlog of both queues, for inspection.
func (e *Engine) QueueDepths() (incoming, outgoing int) {
	return e.incoming.Len(), e.outgoing.Len()
}

// Close drains the engine in direction order: the incoming queue is closed
// and its backlog fully processed before the outgoing queue closes, so
// replies produced by incoming stages during shutdown still find an open
// outgoing queue. Waits for lane workers to exit. Idempotent via the queues.
func (e *Engine) Close() {
	e.incoming.Close()
	e.waitInflight()
	e.outgoing.Close()
	e.waitInflight()
	e.wg.Wait()
}
