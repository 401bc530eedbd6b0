package registry

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

const (
	AppPaymentSplitter = "payment-splitter"
	AppEventPoll       = "event-poll"
	AppTradingSignals  = "trading-signals"
	AppEventCheckIn    = "event-checkin"
)

var (
	ErrDuplicateApp = errors.New("duplicate mini-app id")
	ErrInvalidApp   = errors.New("invalid mini-app config")
)

type Action struct {
	ID           string         `json:"id" yaml:"id"`
	Name         string         `json:"name" yaml:"name"`
	Description  string         `json:"description,omitempty" yaml:"description"`
	InputSchema  map[string]any `json:"inputSchema,omitempty" yaml:"inputSchema"`
	OutputSchema map[string]any `json:"outputSchema,omitempty" yaml:"outputSchema"`
}

type Permissions struct {
	RequiresWallet bool     `json:"requiresWallet" yaml:"requiresWallet"`
	Scopes         []string `json:"scopes,omitempty" yaml:"scopes"`
}

// Config describes one mini-app. MaxParticipants 0 means unlimited and
// SessionTimeout 0 means sessions never expire.
type Config struct {
	ID              string        `json:"id" yaml:"id"`
	Name            string        `json:"name" yaml:"name"`
	Description     string        `json:"description" yaml:"description"`
	Icon            string        `json:"icon,omitempty" yaml:"icon"`
	Version         string        `json:"version" yaml:"version"`
	Category        string        `json:"category" yaml:"category"`
	Actions         []Action      `json:"actions" yaml:"actions"`
	Permissions     Permissions   `json:"permissions" yaml:"permissions"`
	MaxParticipants int           `json:"maxParticipants,omitempty" yaml:"maxParticipants"`
	SessionTimeout  time.Duration `json:"sessionTimeout,omitempty" yaml:"sessionTimeout"`
}

func (c Config) SupportsAction(actionID string) bool {
	for _, a := range c.Actions {
		if a.ID == actionID {
			return true
		}
	}
	return false
}

func (c Config) ActionIDs() []string {
	out := make([]string, 0, len(c.Actions))
	for _, a := range c.Actions {
		out = append(out, a.ID)
	}
	return out
}

func (c Config) validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidApp)
	}
	if len(c.Actions) == 0 {
		return fmt.Errorf("%w: %s declares no actions", ErrInvalidApp, c.ID)
	}
	seen := make(map[string]struct{}, len(c.Actions))
	for _, a := range c.Actions {
		if strings.TrimSpace(a.ID) == "" {
			return fmt.Errorf("%w: %s has an action without id", ErrInvalidApp, c.ID)
		}
		if _, ok := seen[a.ID]; ok {
			return fmt.Errorf("%w: %s declares %s twice", ErrInvalidApp, c.ID, a.ID)
		}
		seen[a.ID] = struct{}{}
	}
	if c.MaxParticipants < 0 || c.SessionTimeout < 0 {
		return fmt.Errorf("%w: %s has negative limits", ErrInvalidApp, c.ID)
	}
	return nil
}

// Registry is the immutable mini-app catalog.
type Registry struct {
	apps  map[string]Config
	order []string
}

func New(configs ...Config) (*Registry, error) {
	r := &Registry{apps: make(map[string]Config, len(configs))}
	for _, c := range configs {
		if err := c.validate(); err != nil {
			return nil, err
		}
		if _, ok := r.apps[c.ID]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateApp, c.ID)
		}
		r.apps[c.ID] = cloneConfig(c)
		r.order = append(r.order, c.ID)
	}
	return r, nil
}

// Default returns the built-in catalog.
func Default() *Registry {
	r, err := New(Builtin()...)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Registry) Get(appID string) (Config, bool) {
	c, ok := r.apps[appID]
	if !ok {
		return Config{}, false
	}
	return cloneConfig(c), true
}

func (r *Registry) List() []Config {
	out := make([]Config, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, cloneConfig(r.apps[id]))
	}
	return out
}

func cloneConfig(c Config) Config {
	out := c
	out.Actions = slices.Clone(c.Actions)
	out.Permissions.Scopes = slices.Clone(c.Permissions.Scopes)
	return out
}
