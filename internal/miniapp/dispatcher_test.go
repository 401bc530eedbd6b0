package miniapp

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"event-chat/go-backend/internal/miniapp/registry"
	"event-chat/go-backend/internal/platform/ratelimiter"
)

func testRegistry(t *testing.T, maxParticipants int) *registry.Registry {
	t.Helper()
	r, err := registry.New(registry.Config{
		ID:              "counter",
		Actions:         []registry.Action{{ID: "inc"}, {ID: "fail"}, {ID: "invalid"}},
		MaxParticipants: maxParticipants,
		SessionTimeout:  time.Minute,
	})
	require.NoError(t, err)
	return r
}

type counterHandler struct {
	inFlight atomic.Int32
	overlap  atomic.Bool
}

func (h *counterHandler) Handle(_ context.Context, call *Call) (Response, error) {
	switch call.Action {
	case "fail":
		return Response{}, errors.New("boom")
	case "invalid":
		return Response{}, errors.Join(Invalid("amount", "must be positive"), Invalid("participants", "must not be empty"))
	}
	if h.inFlight.Add(1) > 1 {
		h.overlap.Store(true)
	}
	defer h.inFlight.Add(-1)

	var params struct {
		By int `json:"by"`
	}
	if err := call.DecodeParams(&params); err != nil {
		return Response{}, err
	}
	n, _ := call.Session.State["count"].(int)
	time.Sleep(time.Millisecond)
	call.Session.State["count"] = n + params.By
	return Response{Data: map[string]any{"count": n + params.By}}, nil
}

func newTestDispatcher(t *testing.T, maxParticipants int, opts ...DispatcherOption) (*Dispatcher, *Manager, *counterHandler) {
	t.Helper()
	reg := testRegistry(t, maxParticipants)
	d := NewDispatcher(reg, opts...)
	h := &counterHandler{}
	d.Register("counter", h)
	cfg, _ := reg.Get("counter")
	m := NewManager()
	m.Create(cfg, "group-1", alice)
	return d, m, h
}

func TestExecuteRecordsObservabilityState(t *testing.T) {
	d, m, _ := newTestDispatcher(t, 0)
	s, _ := m.FindActive("counter", "group-1")

	resp, err := d.Execute(context.Background(), s, "inc", json.RawMessage(`{"by":2}`), bob)
	require.NoError(t, err)
	assert.True(t, resp.OK())
	assert.Equal(t, s.ID, resp.SessionID)
	assert.Equal(t, "inc", resp.Action)

	view := s.View()
	var state map[string]any
	require.NoError(t, json.Unmarshal(view.State, &state))
	assert.Equal(t, "inc", state["lastAction"])
	assert.Equal(t, "0x00000000000000000000000000000000000000B2", state["lastActor"])
	assert.Equal(t, float64(2), state["count"])
	assert.Len(t, view.Participants, 2)
}

func TestExecuteUnsupportedActionIsNotFound(t *testing.T) {
	d, m, _ := newTestDispatcher(t, 0)
	s, _ := m.FindActive("counter", "group-1")
	_, err := d.Execute(context.Background(), s, "dec", nil, alice)
	assert.ErrorIs(t, err, ErrUnsupportedAction)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExecuteValidationErrorsInResponse(t *testing.T) {
	d, m, _ := newTestDispatcher(t, 0)
	s, _ := m.FindActive("counter", "group-1")

	resp, err := d.Execute(context.Background(), s, "inc", nil, "0xnot-an-address")
	require.NoError(t, err)
	require.Len(t, resp.Errors, 1)
	assert.Contains(t, resp.Errors[0], "actor")

	resp, err = d.Execute(context.Background(), s, "invalid", nil, alice)
	require.NoError(t, err)
	assert.Equal(t, []string{"amount: must be positive", "participants: must not be empty"}, resp.Errors)

	resp, err = d.Execute(context.Background(), s, "inc", json.RawMessage(`{"by":"x"}`), alice)
	require.NoError(t, err)
	assert.False(t, resp.OK())
}

func TestExecuteHandlerFailurePropagates(t *testing.T) {
	d, m, _ := newTestDispatcher(t, 0)
	s, _ := m.FindActive("counter", "group-1")
	_, err := d.Execute(context.Background(), s, "fail", nil, alice)
	assert.EqualError(t, err, "boom")
}

func TestExecuteOnEndedSession(t *testing.T) {
	d, m, _ := newTestDispatcher(t, 0)
	s, _ := m.FindActive("counter", "group-1")
	m.End(s.ID)
	_, err := d.Execute(context.Background(), s, "inc", nil, alice)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestExecuteOnExpiredSession(t *testing.T) {
	clock := newFakeClock()
	reg := testRegistry(t, 0)
	d := NewDispatcher(reg, WithDispatcherClock(clock.Now))
	d.Register("counter", &counterHandler{})
	cfg, _ := reg.Get("counter")
	m := NewManager(WithManagerClock(clock.Now))
	s := m.Create(cfg, "group-1", alice)

	clock.Advance(2 * time.Minute)
	_, err := d.Execute(context.Background(), s, "inc", nil, alice)
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestExecuteMissingHandler(t *testing.T) {
	reg := testRegistry(t, 0)
	d := NewDispatcher(reg)
	cfg, _ := reg.Get("counter")
	s := NewManager().Create(cfg, "group-1", alice)
	_, err := d.Execute(context.Background(), s, "inc", nil, alice)
	assert.ErrorIs(t, err, ErrNoHandler)
}

func TestExecuteEnforcesMaxParticipants(t *testing.T) {
	d, m, _ := newTestDispatcher(t, 2)
	s, _ := m.FindActive("counter", "group-1")

	resp, err := d.Execute(context.Background(), s, "inc", nil, bob)
	require.NoError(t, err)
	assert.True(t, resp.OK())

	resp, err = d.Execute(context.Background(), s, "inc", nil, "0x00000000000000000000000000000000000000c3")
	require.NoError(t, err)
	require.Len(t, resp.Errors, 1)
	assert.Contains(t, resp.Errors[0], "max 2")

	resp, err = d.Execute(context.Background(), s, "inc", nil, alice)
	require.NoError(t, err)
	assert.True(t, resp.OK(), "existing participants keep access")
}

func TestFailedActionsDoNotTakeParticipantSlots(t *testing.T) {
	d, m, _ := newTestDispatcher(t, 2)
	s, _ := m.FindActive("counter", "group-1")

	resp, err := d.Execute(context.Background(), s, "inc", json.RawMessage(`{"by":1}`), alice)
	require.NoError(t, err)
	require.True(t, resp.OK())

	outsiders := []string{
		"0x00000000000000000000000000000000000000c3",
		"0x00000000000000000000000000000000000000c4",
		"0x00000000000000000000000000000000000000c5",
	}
	_, err = d.Execute(context.Background(), s, "fail", nil, outsiders[0])
	require.Error(t, err)
	resp, err = d.Execute(context.Background(), s, "invalid", nil, outsiders[1])
	require.NoError(t, err)
	require.False(t, resp.OK())
	resp, err = d.Execute(context.Background(), s, "inc", json.RawMessage(`{"by":"x"}`), outsiders[2])
	require.NoError(t, err)
	require.False(t, resp.OK())

	require.Len(t, s.Participants(), 1)
	view := s.View()
	var state map[string]any
	require.NoError(t, json.Unmarshal(view.State, &state))
	assert.Equal(t, "inc", state["lastAction"])
	assert.Equal(t, s.Participants()[0], state["lastActor"])

	resp, err = d.Execute(context.Background(), s, "inc", json.RawMessage(`{"by":1}`), bob)
	require.NoError(t, err)
	assert.True(t, resp.OK(), resp.Errors)
	assert.Len(t, s.Participants(), 2)
}

func TestExecuteRateLimitedPerActor(t *testing.T) {
	limiter := ratelimiter.New(ratelimiter.Config{Enabled: true, RPS: 0.001, Burst: 1})
	d, m, _ := newTestDispatcher(t, 0, WithRateLimiter(limiter))
	s, _ := m.FindActive("counter", "group-1")

	_, err := d.Execute(context.Background(), s, "inc", nil, alice)
	require.NoError(t, err)
	_, err = d.Execute(context.Background(), s, "inc", nil, alice)
	assert.ErrorIs(t, err, ErrRateLimited)
	_, err = d.Execute(context.Background(), s, "inc", nil, bob)
	assert.NoError(t, err)
}

func TestExecuteSerializesPerSession(t *testing.T) {
	d, m, h := newTestDispatcher(t, 0)
	s, _ := m.FindActive("counter", "group-1")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Execute(context.Background(), s, "inc", json.RawMessage(`{"by":1}`), alice)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.False(t, h.overlap.Load(), "handler calls on one session overlapped")
	var state map[string]any
	require.NoError(t, json.Unmarshal(s.View().State, &state))
	assert.Equal(t, float64(20), state["count"])
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []string
}

func (o *recordingObserver) ObserveAction(_, _, outcome string, _ time.Duration) {
	o.mu.Lock()
	o.outcomes = append(o.outcomes, outcome)
	o.mu.Unlock()
}

func TestExecuteReportsOutcomes(t *testing.T) {
	obs := &recordingObserver{}
	d, m, _ := newTestDispatcher(t, 0, WithObserver(obs))
	s, _ := m.FindActive("counter", "group-1")

	_, _ = d.Execute(context.Background(), s, "inc", nil, alice)
	_, _ = d.Execute(context.Background(), s, "invalid", nil, alice)
	_, _ = d.Execute(context.Background(), s, "nope", nil, alice)
	_, _ = d.Execute(context.Background(), s, "fail", nil, alice)

	assert.Equal(t, []string{OutcomeOK, OutcomeValidation, OutcomeNotFound, OutcomeError}, obs.outcomes)
}
