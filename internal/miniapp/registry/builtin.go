package registry

import "time"

func schema(props map[string]string, required ...string) map[string]any {
	properties := make(map[string]any, len(props))
	for name, typ := range props {
		properties[name] = map[string]any{"type": typ}
	}
	out := map[string]any{"type": "object", "properties": properties}
	if len(required) > 0 {
		out["required"] = required
	}
	return out
}

// Builtin returns the catalog shipped with the daemon.
func Builtin() []Config {
	return []Config{
		{
			ID:          AppPaymentSplitter,
			Name:        "Split Payment",
			Description: "Split a bill between participants and track who paid",
			Icon:        "💸",
			Version:     "1.0.0",
			Category:    "payments",
			Actions: []Action{
				{
					ID:          "create-split",
					Name:        "Create split",
					InputSchema: schema(map[string]string{"amount": "number", "currency": "string", "participants": "array", "description": "string"}, "amount", "currency", "participants"),
					OutputSchema: schema(map[string]string{"splitId": "string", "amountPerPerson": "number", "currency": "string", "participants": "array"}),
				},
				{
					ID:           "pay-split",
					Name:         "Pay share",
					InputSchema:  schema(map[string]string{"splitId": "string", "amount": "number"}, "splitId", "amount"),
					OutputSchema: schema(map[string]string{"txHash": "string", "progress": "string"}),
				},
				{
					ID:           "split-status",
					Name:         "Split status",
					InputSchema:  schema(map[string]string{"splitId": "string"}, "splitId"),
					OutputSchema: schema(map[string]string{"progress": "string", "complete": "boolean"}),
				},
			},
			Permissions:     Permissions{RequiresWallet: true, Scopes: []string{"wallet:pay"}},
			MaxParticipants: 20,
			SessionTimeout:  24 * time.Hour,
		},
		{
			ID:          AppEventPoll,
			Name:        "Event Poll",
			Description: "Ask the room a question and tally the votes",
			Icon:        "📊",
			Version:     "1.0.0",
			Category:    "social",
			Actions: []Action{
				{
					ID:           "create-poll",
					Name:         "Create poll",
					InputSchema:  schema(map[string]string{"question": "string", "options": "array", "allowMultiple": "boolean", "endTime": "string"}, "question", "options"),
					OutputSchema: schema(map[string]string{"pollId": "string", "question": "string", "options": "array"}),
				},
				{
					ID:           "vote",
					Name:         "Vote",
					InputSchema:  schema(map[string]string{"pollId": "string", "selectedOptions": "array"}, "pollId", "selectedOptions"),
					OutputSchema: schema(map[string]string{"pollId": "string", "results": "array", "totalVoters": "integer"}),
				},
				{
					ID:           "results",
					Name:         "Results",
					InputSchema:  schema(map[string]string{"pollId": "string"}, "pollId"),
					OutputSchema: schema(map[string]string{"pollId": "string", "results": "array", "totalVoters": "integer"}),
				},
			},
			SessionTimeout: 2 * time.Hour,
		},
		{
			ID:          AppTradingSignals,
			Name:        "Trading Signals",
			Description: "Share trading signals with the conversation",
			Icon:        "📈",
			Version:     "0.1.0",
			Category:    "finance",
			Actions: []Action{
				{ID: "share-signal", Name: "Share signal", InputSchema: schema(map[string]string{"pair": "string", "side": "string", "price": "number"}, "pair", "side")},
			},
			SessionTimeout: time.Hour,
		},
		{
			ID:          AppEventCheckIn,
			Name:        "Event Check-in",
			Description: "Check in attendees at an event",
			Icon:        "🎟️",
			Version:     "0.1.0",
			Category:    "events",
			Actions: []Action{
				{ID: "check-in", Name: "Check in", InputSchema: schema(map[string]string{"ticketId": "string"})},
			},
			MaxParticipants: 500,
		},
	}
}
