// Package echo serves mini-apps that have no behaviour of their own yet.
// Each action records the actor's latest parameters and reflects them back.
package echo

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"event-chat/go-backend/internal/miniapp"
)

const stateKey = "entries"

// Entry is the most recent submission of one actor for one action.
type Entry struct {
	Action string         `json:"action"`
	Actor  string         `json:"actor"`
	Params map[string]any `json:"params,omitempty"`
}

type Handler struct{}

func New() Handler { return Handler{} }

func (Handler) Handle(_ context.Context, call *miniapp.Call) (miniapp.Response, error) {
	params := map[string]any{}
	if err := call.DecodeParams(&params); err != nil {
		return miniapp.Response{}, err
	}
	entries, err := entriesState(call.Session)
	if err != nil {
		return miniapp.Response{}, err
	}
	entries[call.Action+"/"+call.Actor] = Entry{Action: call.Action, Actor: call.Actor, Params: params}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ui := &miniapp.UISchema{Title: call.App.Name}
	for _, k := range keys {
		ui.Content = append(ui.Content, miniapp.Text(k, params[k]))
	}
	return miniapp.Response{
		Data: map[string]any{
			"app":   call.App.ID,
			"echo":  json.RawMessage(mustJSON(params)),
			"actor": call.Actor,
			"count": countAction(entries, call.Action),
		},
		UI: ui,
	}, nil
}

func countAction(entries map[string]Entry, action string) int {
	n := 0
	for _, e := range entries {
		if e.Action == action {
			n++
		}
	}
	return n
}

func entriesState(s *miniapp.Session) (map[string]Entry, error) {
	raw, ok := s.State[stateKey]
	if !ok {
		entries := make(map[string]Entry)
		s.State[stateKey] = entries
		return entries, nil
	}
	entries, ok := raw.(map[string]Entry)
	if !ok {
		return nil, fmt.Errorf("session %s: malformed %s state (%T)", s.ID, stateKey, raw)
	}
	return entries, nil
}

func mustJSON(v map[string]any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return b
}
