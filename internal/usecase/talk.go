package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"parley/internal/domain"
	"parley/internal/infra/tracer"
	"parley/internal/usecase/engine"
)

// maxTextLength is the upper bound on the text of a talk payload.
const maxTextLength = 360

// TalkService bridges "send a message, await the reply" semantics over the
// asynchronous event engine. It owns the inbound side of the talk route:
// validation, sanitization, identity resolution, durable persistence, event
// construction and correlation.
type TalkService struct {
	engine     *engine.Engine
	correlator *Correlator
	users      domain.UserStore
	messages   domain.MessageStore

	replyTimeout time.Duration
	logger       *slog.Logger
}

// NewTalkService wires the talk service. replyTimeout bounds how long a
// request/response call waits for a correlated reply.
func NewTalkService(
	eng *engine.Engine,
	correlator *Correlator,
	users domain.UserStore,
	messages domain.MessageStore,
	replyTimeout time.Duration,
	logger *slog.Logger,
) *TalkService {
	return &TalkService{
		engine:       eng,
		correlator:   correlator,
		users:        users,
		messages:     messages,
		replyTimeout: replyTimeout,
		logger:       logger,
	}
}

// SendNewMessage submits a user message and blocks the logical request
// until the correlated outgoing event arrives or the reply deadline
// elapses. On timeout the caller gets an explicit ErrTimeout: the
// processing may still complete later and its persisted effects remain
// valid. The serving goroutine pool is never blocked process-wide; only
// this call suspends.
func (s *TalkService) SendNewMessage(ctx context.Context, botID, userID string, payload domain.Payload) (*domain.Event, error) {
	ctx, span := tracer.StartSpan(ctx, "talk.send_new_message",
		tracer.WithAttributes(
			tracer.StringAttr("bot_id", botID),
			tracer.StringAttr("user_id", userID),
		))
	defer span.End()

	ev, err := s.intake(ctx, botID, userID, payload, true)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	w := s.correlator.Register(botID, userID, ev.ID, s.replyTimeout)
	if err := s.engine.SendEvent(ctx, ev); err != nil {
		s.correlator.cancel(w)
		tracer.RecordError(span, err)
		return nil, domain.WrapOp("TalkService.SendNewMessage", err)
	}

	reply, err := s.correlator.Wait(ctx, w)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	tracer.SetOK(span)
	return reply, nil
}

// EmitMessage is the fire-and-forget variant: same validation, sanitization
// and persistence, no waiter and no blocking.
func (s *TalkService) EmitMessage(ctx context.Context, botID, userID string, payload domain.Payload) error {
	ev, err := s.intake(ctx, botID, userID, payload, false)
	if err != nil {
		return err
	}
	return domain.WrapOp("TalkService.EmitMessage", s.engine.SendEvent(ctx, ev))
}

// intake performs the shared steps in their required order: validate (no
// side effects on failure), resolve the user before the event exists,
// append the sanitized record before dispatch, then build the event.
func (s *TalkService) intake(ctx context.Context, botID, userID string, payload domain.Payload, await bool) (*domain.Event, error) {
	if err := validatePayload(payload); err != nil {
		return nil, err
	}

	sanitized := payload.Sanitized()

	user, err := s.users.GetOrCreate(ctx, domain.ChannelAPI, userID)
	if err != nil {
		return nil, domain.WrapOp("TalkService.intake", err)
	}

	if _, err := s.messages.Append(ctx, botID, user.ID, sanitized); err != nil {
		return nil, domain.WrapOp("TalkService.intake", err)
	}

	ev := domain.NewEvent(botID, domain.ChannelAPI, user.ID, domain.DirectionIncoming, payload)
	s.logger.Debug("message accepted",
		"event", ev.ID, "bot", botID, "user", user.ID, "type", ev.Type, "await", await)
	return ev, nil
}

// validatePayload enforces the talk-route input contract. Every talk
// payload must carry text of 1..360 characters.
func validatePayload(p domain.Payload) error {
	if p.Text == "" {
		return domain.NewDomainError("TalkService.validate", domain.ErrInvalidParameter,
			"text is required")
	}
	if len([]rune(p.Text)) > maxTextLength {
		return domain.NewDomainError("TalkService.validate", domain.ErrInvalidParameter,
			fmt.Sprintf("text must be at most %d characters", maxTextLength))
	}
	return nil
}
