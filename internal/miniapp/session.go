package miniapp

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Session is the state container for one app in one conversation. The
// dispatcher holds mu for the whole of an action, so handlers may touch
// State and participants directly.
type Session struct {
	ID             string
	AppID          string
	ConversationID string
	CreatedAt      time.Time
	ExpiresAt      time.Time

	mu           sync.Mutex
	participants []string
	State        map[string]any
	UpdatedAt    time.Time

	active atomic.Bool
}

// View is a point-in-time copy of a session safe to hand to callers.
type View struct {
	ID             string          `json:"id"`
	AppID          string          `json:"appId"`
	ConversationID string          `json:"conversationId"`
	Participants   []string        `json:"participants"`
	State          json.RawMessage `json:"state"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	ExpiresAt      *time.Time      `json:"expiresAt,omitempty"`
	Active         bool            `json:"active"`
}

func (s *Session) IsActive() bool {
	return s.active.Load()
}

func (s *Session) expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

func (s *Session) live(now time.Time) bool {
	return s.IsActive() && !s.expired(now)
}

func (s *Session) Participants() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.participants...)
}

// ParticipantsLocked is Participants for callers already holding the session.
func (s *Session) ParticipantsLocked() []string {
	return append([]string(nil), s.participants...)
}

func (s *Session) hasParticipantLocked(addr string) bool {
	for _, p := range s.participants {
		if p == addr {
			return true
		}
	}
	return false
}

// sessionSnapshot is what the dispatcher restores when an action fails.
// State is copied one level deep; handlers replace nested values only once
// their own validation has passed.
type sessionSnapshot struct {
	participants int
	state        map[string]any
	updatedAt    time.Time
}

func (s *Session) snapshotLocked() sessionSnapshot {
	state := make(map[string]any, len(s.State))
	for k, v := range s.State {
		state[k] = v
	}
	return sessionSnapshot{participants: len(s.participants), state: state, updatedAt: s.UpdatedAt}
}

func (s *Session) restoreLocked(snap sessionSnapshot) {
	s.participants = s.participants[:snap.participants]
	s.State = snap.state
	s.UpdatedAt = snap.updatedAt
}

func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := json.Marshal(s.State)
	if err != nil {
		state = json.RawMessage(`{}`)
	}
	v := View{
		ID:             s.ID,
		AppID:          s.AppID,
		ConversationID: s.ConversationID,
		Participants:   append([]string(nil), s.participants...),
		State:          state,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
		Active:         s.IsActive(),
	}
	if !s.ExpiresAt.IsZero() {
		exp := s.ExpiresAt
		v.ExpiresAt = &exp
	}
	return v
}
