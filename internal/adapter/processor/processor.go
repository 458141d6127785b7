// Package processor holds reference implementations of domain.Processor.
// A real deployment plugs its dialog engine in here; these two exist for
// development and tests.
package processor

import (
	"context"
	"log/slog"
	"time"

	"parley/internal/domain"
)

// EventSink is where a processor submits its replies; the engine satisfies
// it.
type EventSink interface {
	SendEvent(ctx context.Context, ev *domain.Event) error
}

// Echo answers every incoming event with an outgoing reply carrying the
// same payload, optionally after a fixed delay.
type Echo struct {
	sink   EventSink
	delay  time.Duration
	logger *slog.Logger
}

// NewEcho creates the echo processor. delay may be zero.
func NewEcho(sink EventSink, delay time.Duration, logger *slog.Logger) *Echo {
	return &Echo{sink: sink, delay: delay, logger: logger}
}

// Process implements domain.Processor.
func (p *Echo) Process(ctx context.Context, ev *domain.Event) error {
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	reply := domain.NewReply(ev, ev.Payload)
	p.logger.Debug("echo reply", "event", ev.ID, "reply", reply.ID)
	return p.sink.SendEvent(ctx, reply)
}

// Silent consumes every incoming event and never replies. Useful to
// exercise the timeout path.
type Silent struct{}

// NewSilent creates the silent processor.
func NewSilent() *Silent { return &Silent{} }

// Process implements domain.Processor.
func (p *Silent) Process(context.Context, *domain.Event) error { return nil }
