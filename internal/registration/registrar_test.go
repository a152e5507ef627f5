package registration

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/huanleyuan/toshi-core/internal/bus"
	"github.com/huanleyuan/toshi-core/internal/transport"
)

type mockChat struct {
	registerCalls int
	registerErr   error
	pushCalls     []string
	pushErr       error
}

func (m *mockChat) RegisterKeys(ctx context.Context) error {
	m.registerCalls++
	return m.registerErr
}

func (m *mockChat) SetPushToken(ctx context.Context, token string) error {
	m.pushCalls = append(m.pushCalls, token)
	return m.pushErr
}

type mockTokens struct {
	token string
	err   error
}

func (m *mockTokens) Token(ctx context.Context) (string, error) {
	return m.token, m.err
}

type memState map[string]string

func (m memState) SetState(key, value string) error { m[key] = value; return nil }
func (m memState) GetState(key string) (string, error) {
	return m[key], nil
}

func testRegistrar(chat *mockChat, tokens *mockTokens, state memState) (*Registrar, *bus.Bus) {
	logger, _ := zap.NewDevelopment()
	b := bus.New()
	return NewRegistrar(chat, tokens, state, b, logger), b
}

func TestRunCompletesAllSteps(t *testing.T) {
	chat := &mockChat{}
	state := memState{}
	r, b := testRegistrar(chat, &mockTokens{token: "gcm-1"}, state)

	events, stop := b.Subscribe("registration", 4)
	defer stop()

	if err := r.Run(t.Context()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if chat.registerCalls != 1 {
		t.Errorf("RegisterKeys called %d times", chat.registerCalls)
	}
	if len(chat.pushCalls) != 1 || chat.pushCalls[0] != "gcm-1" {
		t.Errorf("push calls = %v", chat.pushCalls)
	}
	for _, key := range []string{stateRegistered, statePushSet, stateOnboarded} {
		if state[key] != stateDone {
			t.Errorf("state %q = %q, want done", key, state[key])
		}
	}

	select {
	case ev := <-events:
		if ev.Kind != EventOnboarding {
			t.Errorf("event kind = %q", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Error("no onboarding event")
	}
}

func TestRunIsIdempotent(t *testing.T) {
	chat := &mockChat{}
	state := memState{}
	r, b := testRegistrar(chat, &mockTokens{token: "gcm-1"}, state)

	if err := r.Run(t.Context()); err != nil {
		t.Fatal(err)
	}

	events, stop := b.Subscribe("registration", 4)
	defer stop()

	// A completed pipeline performs no further server writes.
	if err := r.Run(t.Context()); err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if chat.registerCalls != 1 {
		t.Errorf("RegisterKeys called %d times after re-run", chat.registerCalls)
	}
	if len(chat.pushCalls) != 1 {
		t.Errorf("SetPushToken called %d times after re-run", len(chat.pushCalls))
	}
	select {
	case ev := <-events:
		t.Errorf("unexpected event %q on re-run", ev.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestKeyRegistrationFailureAborts(t *testing.T) {
	chat := &mockChat{registerErr: errors.New("boom")}
	state := memState{}
	r, _ := testRegistrar(chat, &mockTokens{token: "gcm-1"}, state)

	if err := r.Run(t.Context()); err == nil {
		t.Fatal("expected error")
	}
	if state[stateRegistered] == stateDone {
		t.Error("registered flag set despite server failure")
	}
	if len(chat.pushCalls) != 0 {
		t.Error("push attempted after failed key registration")
	}
	if state[stateOnboarded] == stateDone {
		t.Error("onboarding triggered after failed key registration")
	}
}

func TestPushFailureIsNonFatalAndRetriedNextRun(t *testing.T) {
	chat := &mockChat{pushErr: transport.ErrPushUnavailable}
	state := memState{}
	r, _ := testRegistrar(chat, &mockTokens{token: "gcm-1"}, state)

	if err := r.Run(t.Context()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if state[statePushSet] == stateDone {
		t.Error("push flag set despite failure")
	}
	if state[stateOnboarded] != stateDone {
		t.Error("onboarding blocked by push failure")
	}

	// Next run retries only the push step.
	chat.pushErr = nil
	if err := r.Run(t.Context()); err != nil {
		t.Fatal(err)
	}
	if chat.registerCalls != 1 {
		t.Errorf("RegisterKeys called %d times", chat.registerCalls)
	}
	if len(chat.pushCalls) != 2 {
		t.Errorf("SetPushToken called %d times, want retry", len(chat.pushCalls))
	}
	if state[statePushSet] != stateDone {
		t.Error("push flag not set after successful retry")
	}
}

func TestMissingTokenSourceIsNonFatal(t *testing.T) {
	chat := &mockChat{}
	r, _ := testRegistrar(chat, &mockTokens{err: errors.New("no provider")}, memState{})

	if err := r.Run(t.Context()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(chat.pushCalls) != 0 {
		t.Error("push attempted without a token")
	}
}
