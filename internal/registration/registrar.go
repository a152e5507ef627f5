// Package registration runs the first-boot pipeline against the chat
// service: key upload, push token, onboarding trigger. Steps run in order,
// each is recorded once it completes, and re-entry resumes from the first
// unfinished step.
package registration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/huanleyuan/toshi-core/internal/bus"
	"github.com/huanleyuan/toshi-core/internal/transport"
)

// State keys persisted in the app_state table.
const (
	stateRegistered = "registration.registered"
	statePushSet    = "registration.push_set"
	stateOnboarded  = "registration.onboarded"

	stateDone = "1"
)

// EventOnboarding fires exactly once, after the first successful registration.
const EventOnboarding = "registration.onboarding"

// ChatService is the slice of the transport client the pipeline uses.
type ChatService interface {
	RegisterKeys(ctx context.Context) error
	SetPushToken(ctx context.Context, token string) error
}

// TokenSource supplies the push token. It may legitimately have none.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StateStore persists step completion flags.
type StateStore interface {
	SetState(key, value string) error
	GetState(key string) (string, error)
}

// Registrar drives the pipeline.
type Registrar struct {
	chat   ChatService
	tokens TokenSource
	state  StateStore
	bus    *bus.Bus
	logger *zap.Logger
}

func NewRegistrar(chat ChatService, tokens TokenSource, state StateStore, b *bus.Bus, logger *zap.Logger) *Registrar {
	return &Registrar{chat: chat, tokens: tokens, state: state, bus: b, logger: logger}
}

// Run executes the pipeline. Key registration failure aborts; a missing or
// rejected push token is logged and left unfinished so the next boot retries
// it, but never blocks onboarding.
func (r *Registrar) Run(ctx context.Context) error {
	if err := r.registerKeys(ctx); err != nil {
		return err
	}
	r.registerPushToken(ctx)
	return r.triggerOnboarding()
}

func (r *Registrar) registerKeys(ctx context.Context) error {
	if r.done(stateRegistered) {
		return nil
	}
	if err := r.chat.RegisterKeys(ctx); err != nil {
		return fmt.Errorf("register keys: %w", err)
	}
	// The flag is set only after the server ack so a crash in between
	// re-runs the upload, which the server treats as idempotent.
	if err := r.state.SetState(stateRegistered, stateDone); err != nil {
		return err
	}
	r.logger.Info("account registered with chat service")
	return nil
}

func (r *Registrar) registerPushToken(ctx context.Context) {
	if r.done(statePushSet) {
		return
	}
	token, err := r.tokens.Token(ctx)
	if err != nil {
		r.logger.Warn("push token unavailable, continuing without push", zap.Error(err))
		return
	}
	if err := r.chat.SetPushToken(ctx, token); err != nil {
		if errors.Is(err, transport.ErrPushUnavailable) {
			r.logger.Warn("push unavailable, socket delivery only")
		} else {
			r.logger.Warn("push token registration failed", zap.Error(err))
		}
		return
	}
	if err := r.state.SetState(statePushSet, stateDone); err != nil {
		r.logger.Error("failed to persist push state", zap.Error(err))
		return
	}
	r.logger.Info("push token registered")
}

func (r *Registrar) triggerOnboarding() error {
	if r.done(stateOnboarded) {
		return nil
	}
	if err := r.state.SetState(stateOnboarded, stateDone); err != nil {
		return err
	}
	r.bus.Publish(bus.Event{Kind: EventOnboarding, Timestamp: time.Now()})
	r.logger.Info("onboarding triggered")
	return nil
}

func (r *Registrar) done(key string) bool {
	v, err := r.state.GetState(key)
	if err != nil {
		r.logger.Error("failed to read registration state", zap.String("key", key), zap.Error(err))
		return false
	}
	return v == stateDone
}
