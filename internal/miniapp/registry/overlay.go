package registry

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type overlayFile struct {
	Apps []overlayApp `yaml:"apps"`
}

// overlayApp adjusts a built-in app or adds a new one. Pointer fields keep
// unset values from clearing the base entry.
type overlayApp struct {
	ID              string         `yaml:"id"`
	Disabled        bool           `yaml:"disabled"`
	Name            string         `yaml:"name"`
	Description     string         `yaml:"description"`
	Icon            string         `yaml:"icon"`
	Version         string         `yaml:"version"`
	Category        string         `yaml:"category"`
	Actions         []Action       `yaml:"actions"`
	Permissions     *Permissions   `yaml:"permissions"`
	MaxParticipants *int           `yaml:"maxParticipants"`
	SessionTimeout  *time.Duration `yaml:"sessionTimeout"`
}

// LoadWithOverlay builds a registry from base merged with the yaml catalog
// at path. An empty path yields base unchanged.
func LoadWithOverlay(path string, base []Config) (*Registry, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return New(base...)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog overlay: %w", err)
	}
	merged, err := ApplyOverlay(data, base)
	if err != nil {
		return nil, err
	}
	return New(merged...)
}

func ApplyOverlay(data []byte, base []Config) ([]Config, error) {
	var parsed overlayFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("decode catalog overlay: %w", err)
	}
	out := make([]Config, 0, len(base)+len(parsed.Apps))
	index := make(map[string]int, len(base))
	for _, c := range base {
		index[c.ID] = len(out)
		out = append(out, cloneConfig(c))
	}
	disabled := make(map[string]bool)
	for _, o := range parsed.Apps {
		id := strings.TrimSpace(o.ID)
		if id == "" {
			return nil, fmt.Errorf("%w: overlay entry without id", ErrInvalidApp)
		}
		if o.Disabled {
			disabled[id] = true
			continue
		}
		i, ok := index[id]
		if !ok {
			index[id] = len(out)
			out = append(out, Config{ID: id})
			i = index[id]
		}
		mergeOverlay(&out[i], o)
	}
	if len(disabled) == 0 {
		return out, nil
	}
	kept := out[:0]
	for _, c := range out {
		if !disabled[c.ID] {
			kept = append(kept, c)
		}
	}
	return kept, nil
}

func mergeOverlay(dst *Config, src overlayApp) {
	if src.Name != "" {
		dst.Name = src.Name
	}
	if src.Description != "" {
		dst.Description = src.Description
	}
	if src.Icon != "" {
		dst.Icon = src.Icon
	}
	if src.Version != "" {
		dst.Version = src.Version
	}
	if src.Category != "" {
		dst.Category = src.Category
	}
	if src.Actions != nil {
		dst.Actions = src.Actions
	}
	if src.Permissions != nil {
		dst.Permissions = *src.Permissions
	}
	if src.MaxParticipants != nil {
		dst.MaxParticipants = *src.MaxParticipants
	}
	if src.SessionTimeout != nil {
		dst.SessionTimeout = *src.SessionTimeout
	}
}
