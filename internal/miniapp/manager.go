package miniapp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"event-chat/go-backend/internal/miniapp/registry"
)

const DefaultSweepInterval = 5 * time.Minute

type pairKey struct {
	appID          string
	conversationID string
}

// Manager owns every session. At most one live session exists per
// (app, conversation); expired ones are invisible before the sweep removes
// them.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	active   map[pairKey]string

	now           func() time.Time
	logger        *slog.Logger
	sweepInterval time.Duration
	onSweep       func(ended int)

	cronMu sync.Mutex
	cron   *cron.Cron
}

type ManagerOption func(*Manager)

func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithSweepInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.sweepInterval = d
		}
	}
}

// WithSweepHook is called after each scheduled sweep with the number of
// sessions it ended.
func WithSweepHook(fn func(ended int)) ManagerOption {
	return func(m *Manager) { m.onSweep = fn }
}

func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		sessions:      make(map[string]*Session),
		active:        make(map[pairKey]string),
		now:           time.Now,
		logger:        slog.Default(),
		sweepInterval: DefaultSweepInterval,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) FindActive(appID, conversationID string) (*Session, bool) {
	now := m.now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.active[pairKey{appID, conversationID}]
	if !ok {
		return nil, false
	}
	s, ok := m.sessions[id]
	if !ok || !s.live(now) {
		return nil, false
	}
	return s, true
}

// Create starts a session with the initiator as sole participant. Any
// previous session for the same pair is ended.
func (m *Manager) Create(cfg registry.Config, conversationID, initiator string) *Session {
	now := m.now().UTC()
	m.mu.Lock()
	s := m.createLocked(cfg, conversationID, initiator, now)
	m.mu.Unlock()
	m.logCreated(s)
	return s
}

// FindOrCreate returns the live session for the app in the conversation or
// starts one. Lookup and creation happen under one lock, so concurrent
// launches of the same pair share a session. The bool reports creation.
func (m *Manager) FindOrCreate(cfg registry.Config, conversationID, initiator string) (*Session, bool) {
	now := m.now().UTC()
	m.mu.Lock()
	if id, ok := m.active[pairKey{cfg.ID, conversationID}]; ok {
		if s, ok := m.sessions[id]; ok && s.live(now) {
			m.mu.Unlock()
			return s, false
		}
	}
	s := m.createLocked(cfg, conversationID, initiator, now)
	m.mu.Unlock()
	m.logCreated(s)
	return s, true
}

func (m *Manager) createLocked(cfg registry.Config, conversationID, initiator string, now time.Time) *Session {
	s := &Session{
		AppID:          cfg.ID,
		ConversationID: conversationID,
		CreatedAt:      now,
		UpdatedAt:      now,
		State:          make(map[string]any),
	}
	if initiator = strings.TrimSpace(initiator); initiator != "" {
		s.participants = []string{initiator}
	}
	if cfg.SessionTimeout > 0 {
		s.ExpiresAt = now.Add(cfg.SessionTimeout)
	}
	s.active.Store(true)

	nano := now.UnixNano()
	for {
		s.ID = fmt.Sprintf("%s:%s:%d", cfg.ID, conversationID, nano)
		if _, taken := m.sessions[s.ID]; !taken {
			break
		}
		nano++
	}
	key := pairKey{cfg.ID, conversationID}
	if prev, ok := m.active[key]; ok {
		m.endLocked(prev)
	}
	m.sessions[s.ID] = s
	m.active[key] = s.ID
	return s
}

func (m *Manager) logCreated(s *Session) {
	m.logger.Info("mini-app session created",
		"component", "miniapp",
		"operation", "session.create",
		"session_id", s.ID,
		"app_id", s.AppID,
		"conversation_id", s.ConversationID,
	)
}

// Get returns a live session by id.
func (m *Manager) Get(sessionID string) (*Session, error) {
	now := m.now()
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok || !s.IsActive() {
		return nil, ErrSessionNotFound
	}
	if s.expired(now) {
		return nil, ErrSessionExpired
	}
	return s, nil
}

// End deactivates the session. Unknown ids are ignored.
func (m *Manager) End(sessionID string) {
	m.mu.Lock()
	ended := m.endLocked(sessionID)
	m.mu.Unlock()
	if ended {
		m.logger.Info("mini-app session ended",
			"component", "miniapp",
			"operation", "session.end",
			"session_id", sessionID,
		)
	}
}

func (m *Manager) endLocked(sessionID string) bool {
	s, ok := m.sessions[sessionID]
	if !ok {
		return false
	}
	s.active.Store(false)
	delete(m.sessions, sessionID)
	key := pairKey{s.AppID, s.ConversationID}
	if m.active[key] == sessionID {
		delete(m.active, key)
	}
	return true
}

// Sweep ends every session whose expiry has passed.
func (m *Manager) Sweep() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	ended := 0
	for id, s := range m.sessions {
		if s.expired(now) && m.endLocked(id) {
			ended++
		}
	}
	return ended
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Start schedules the sweep on its own goroutine.
func (m *Manager) Start() error {
	m.cronMu.Lock()
	defer m.cronMu.Unlock()
	if m.cron != nil {
		return nil
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc("@every "+m.sweepInterval.String(), m.scheduledSweep); err != nil {
		return fmt.Errorf("schedule session sweep: %w", err)
	}
	c.Start()
	m.cron = c
	return nil
}

// Stop halts the schedule and waits for a running sweep or ctx.
func (m *Manager) Stop(ctx context.Context) error {
	m.cronMu.Lock()
	c := m.cron
	m.cron = nil
	m.cronMu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) scheduledSweep() {
	ended := m.Sweep()
	if ended > 0 {
		m.logger.Info("expired mini-app sessions swept",
			"component", "miniapp",
			"operation", "session.sweep",
			"ended", ended,
		)
	}
	if m.onSweep != nil {
		m.onSweep(ended)
	}
}
