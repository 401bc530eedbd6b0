package miniapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"event-chat/go-backend/internal/miniapp/registry"
	"event-chat/go-backend/internal/platform/ratelimiter"
	"event-chat/go-backend/internal/wallet"
)

// Call is one action invocation. Session is locked for the duration of
// Handle.
type Call struct {
	Session *Session
	App     registry.Config
	Action  string
	Params  json.RawMessage
	Actor   string
	Now     time.Time
}

// DecodeParams unmarshals the action parameters into v. Malformed JSON is a
// validation error.
func (c *Call) DecodeParams(v any) error {
	if len(c.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(c.Params, v); err != nil {
		return Invalid("params", "malformed parameters: %v", err)
	}
	return nil
}

// Handler runs the actions of one app. A handler validates its input before
// it changes anything below the top level of Session.State; when it fails,
// the dispatcher puts back the top-level state and the participant set.
type Handler interface {
	Handle(ctx context.Context, call *Call) (Response, error)
}

type HandlerFunc func(ctx context.Context, call *Call) (Response, error)

func (f HandlerFunc) Handle(ctx context.Context, call *Call) (Response, error) {
	return f(ctx, call)
}

// Observer receives one record per dispatched action.
type Observer interface {
	ObserveAction(appID, action, outcome string, elapsed time.Duration)
}

const (
	OutcomeOK          = "ok"
	OutcomeValidation  = "validation"
	OutcomeNotFound    = "not_found"
	OutcomeRateLimited = "rate_limited"
	OutcomeError       = "error"
)

type Dispatcher struct {
	registry *registry.Registry

	mu       sync.RWMutex
	handlers map[string]Handler

	limiter  *ratelimiter.MapLimiter
	observer Observer
	now      func() time.Time
	logger   *slog.Logger
}

type DispatcherOption func(*Dispatcher)

func WithRateLimiter(l *ratelimiter.MapLimiter) DispatcherOption {
	return func(d *Dispatcher) { d.limiter = l }
}

func WithObserver(o Observer) DispatcherOption {
	return func(d *Dispatcher) { d.observer = o }
}

func WithDispatcherClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

func NewDispatcher(reg *registry.Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry: reg,
		handlers: make(map[string]Handler),
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register binds a handler to an app id, replacing any previous one.
func (d *Dispatcher) Register(appID string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[appID] = h
}

func (d *Dispatcher) HasHandler(appID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.handlers[appID]
	return ok
}

// Execute runs action against the session. Validation problems come back
// in Response.Errors; not-found conditions and rate limiting are errors.
// Actions on the same session run one at a time.
func (d *Dispatcher) Execute(ctx context.Context, s *Session, action string, params json.RawMessage, actor string) (Response, error) {
	started := time.Now()
	resp, outcome, err := d.execute(ctx, s, action, params, actor)
	if d.observer != nil && s != nil {
		d.observer.ObserveAction(s.AppID, action, outcome, time.Since(started))
	}
	return resp, err
}

func (d *Dispatcher) execute(ctx context.Context, s *Session, action string, params json.RawMessage, actor string) (Response, string, error) {
	if s == nil {
		return Response{}, OutcomeNotFound, ErrSessionNotFound
	}
	cfg, ok := d.registry.Get(s.AppID)
	if !ok {
		return Response{}, OutcomeNotFound, fmt.Errorf("%w: %s", ErrAppNotFound, s.AppID)
	}
	if !cfg.SupportsAction(action) {
		return Response{}, OutcomeNotFound, fmt.Errorf("%w: %s does not declare %q", ErrUnsupportedAction, s.AppID, action)
	}
	d.mu.RLock()
	h, ok := d.handlers[s.AppID]
	d.mu.RUnlock()
	if !ok {
		return Response{}, OutcomeError, fmt.Errorf("%w: %s", ErrNoHandler, s.AppID)
	}

	base := Response{SessionID: s.ID, Action: action}
	actorAddr, err := wallet.NormalizeAddress(actor)
	if err != nil {
		base.Errors = []string{Invalid("actor", "%v", err).Error()}
		return base, OutcomeValidation, nil
	}
	if !d.limiter.Allow(actorAddr, d.now()) {
		return Response{}, OutcomeRateLimited, ErrRateLimited
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := d.now().UTC()
	if !s.IsActive() {
		return Response{}, OutcomeNotFound, ErrSessionNotFound
	}
	if s.expired(now) {
		return Response{}, OutcomeNotFound, ErrSessionExpired
	}
	if !s.hasParticipantLocked(actorAddr) && cfg.MaxParticipants > 0 && len(s.participants) >= cfg.MaxParticipants {
		base.Errors = []string{Invalid("actor", "session is full (max %d participants)", cfg.MaxParticipants).Error()}
		return base, OutcomeValidation, nil
	}

	snap := s.snapshotLocked()
	if !s.hasParticipantLocked(actorAddr) {
		s.participants = append(s.participants, actorAddr)
	}
	s.UpdatedAt = now
	s.State["lastAction"] = action
	s.State["lastActor"] = actorAddr

	resp, err := h.Handle(ctx, &Call{
		Session: s,
		App:     cfg,
		Action:  action,
		Params:  params,
		Actor:   actorAddr,
		Now:     now,
	})
	if err != nil || len(resp.Errors) > 0 {
		// A failed action leaves no trace: the actor does not join and
		// the bookkeeping keys keep their previous values.
		s.restoreLocked(snap)
	}
	if err != nil {
		if IsValidation(err) {
			base.Errors = validationMessages(err)
			return base, OutcomeValidation, nil
		}
		outcome := OutcomeError
		if errors.Is(err, ErrNotFound) {
			outcome = OutcomeNotFound
		}
		d.logger.Warn("mini-app action failed",
			"component", "miniapp",
			"operation", "action.execute",
			"session_id", s.ID,
			"action", action,
			"actor", actorAddr,
			"error", err.Error(),
		)
		return Response{}, outcome, err
	}
	resp.SessionID = s.ID
	resp.Action = action
	if len(resp.Errors) > 0 {
		return resp, OutcomeValidation, nil
	}
	return resp, OutcomeOK, nil
}
