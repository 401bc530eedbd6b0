package miniapp

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"event-chat/go-backend/internal/miniapp/registry"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

const (
	alice = "0x00000000000000000000000000000000000000A1"
	bob   = "0x00000000000000000000000000000000000000b2"
)

func ttlApp(ttl time.Duration) registry.Config {
	return registry.Config{ID: "ttl-app", Actions: []registry.Action{{ID: "noop"}}, SessionTimeout: ttl}
}

func TestCreateAndFindActive(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(WithManagerClock(clock.Now))

	s := m.Create(ttlApp(0), "event-room-1", alice)
	assert.Equal(t, "ttl-app:event-room-1:"+strconv.FormatInt(clock.Now().UnixNano(), 10), s.ID)
	assert.Equal(t, []string{alice}, s.Participants())
	assert.True(t, s.ExpiresAt.IsZero())

	found, ok := m.FindActive("ttl-app", "event-room-1")
	require.True(t, ok)
	assert.Same(t, s, found)

	_, ok = m.FindActive("ttl-app", "event-room-2")
	assert.False(t, ok)
}


func TestFindOrCreateUnderConcurrency(t *testing.T) {
	m := NewManager()
	cfg := ttlApp(time.Minute)

	const callers = 32
	sessions := make([]*Session, callers)
	created := make([]bool, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sessions[i], created[i] = m.FindOrCreate(cfg, "group-7", alice)
		}()
	}
	wg.Wait()

	n := 0
	for i := range callers {
		assert.Same(t, sessions[0], sessions[i])
		if created[i] {
			n++
		}
	}
	assert.Equal(t, 1, n)
	assert.True(t, sessions[0].IsActive())
}

func TestFindOrCreateReplacesExpired(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(WithManagerClock(clock.Now))

	first, created := m.FindOrCreate(ttlApp(time.Second), "group-8", alice)
	require.True(t, created)
	again, created := m.FindOrCreate(ttlApp(time.Second), "group-8", bob)
	require.False(t, created)
	assert.Same(t, first, again)

	clock.Advance(2 * time.Second)
	next, created := m.FindOrCreate(ttlApp(time.Second), "group-8", bob)
	require.True(t, created)
	assert.NotEqual(t, first.ID, next.ID)
	assert.False(t, first.IsActive())
	assert.Equal(t, []string{bob}, next.Participants())
}
func TestSessionExpiresBeforeSweep(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(WithManagerClock(clock.Now))

	first := m.Create(ttlApp(time.Second), "group-1", alice)
	clock.Advance(999 * time.Millisecond)
	_, ok := m.FindActive("ttl-app", "group-1")
	assert.True(t, ok, "visible before expiry")

	clock.Advance(2 * time.Millisecond)
	_, ok = m.FindActive("ttl-app", "group-1")
	assert.False(t, ok, "expired session must be invisible without a sweep")

	_, err := m.Get(first.ID)
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.ErrorIs(t, err, ErrNotFound)

	second := m.Create(ttlApp(time.Second), "group-1", alice)
	assert.NotEqual(t, first.ID, second.ID)
	assert.False(t, first.IsActive())
}

func TestSessionVisibleExactlyUntilTTL(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(WithManagerClock(clock.Now))
	m.Create(ttlApp(time.Second), "group-1", alice)

	clock.Advance(time.Second - time.Nanosecond)
	_, ok := m.FindActive("ttl-app", "group-1")
	assert.True(t, ok)
	clock.Advance(time.Nanosecond)
	_, ok = m.FindActive("ttl-app", "group-1")
	assert.False(t, ok)
}

func TestEndIsIdempotent(t *testing.T) {
	m := NewManager()
	s := m.Create(ttlApp(0), "group-1", alice)
	m.End(s.ID)
	m.End(s.ID)
	m.End("unknown")

	assert.False(t, s.IsActive())
	_, ok := m.FindActive("ttl-app", "group-1")
	assert.False(t, ok)
	_, err := m.Get(s.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSweepEndsOnlyExpired(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(WithManagerClock(clock.Now))
	short := m.Create(ttlApp(time.Minute), "group-1", alice)
	forever := m.Create(ttlApp(0), "group-2", alice)

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, m.Sweep())
	assert.False(t, short.IsActive())
	assert.True(t, forever.IsActive())
	assert.Equal(t, 1, m.Count())
	assert.Equal(t, 0, m.Sweep())
}

func TestSweepScheduleStartStop(t *testing.T) {
	swept := make(chan int, 4)
	m := NewManager(WithSweepInterval(time.Second), WithSweepHook(func(n int) { swept <- n }))
	require.NoError(t, m.Start())
	require.NoError(t, m.Start())

	select {
	case <-swept:
	case <-time.After(3 * time.Second):
		t.Fatal("scheduled sweep did not run")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Stop(ctx))
	require.NoError(t, m.Stop(ctx))
}
