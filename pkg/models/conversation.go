package models

import (
	"strings"
	"time"
)

const (
	ConversationTypeDirect    = "direct"
	ConversationTypeEventRoom = "event-room"
	ConversationTypeGroup     = "group"
	ConversationTypeAgent     = "agent"
)

// EventRoomPrefix namespaces event room topics: event-room-<eventId>.
const EventRoomPrefix = "event-room-"

const (
	groupTopicPrefix = "group-"
	agentTopicPrefix = "agent-"
)

type Conversation struct {
	ID           string    `json:"id"`
	Topic        string    `json:"topic"`
	Participants []string  `json:"participants"`
	Type         string    `json:"type"`
	Title        string    `json:"title,omitempty"`
	LastMessage  *Message  `json:"lastMessage,omitempty"`
	UnreadCount  int       `json:"unreadCount"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func NormalizeConversationType(raw string) string {
	switch strings.TrimSpace(raw) {
	case ConversationTypeEventRoom:
		return ConversationTypeEventRoom
	case ConversationTypeGroup:
		return ConversationTypeGroup
	case ConversationTypeAgent:
		return ConversationTypeAgent
	default:
		return ConversationTypeDirect
	}
}

// ConversationTypeForTopic infers the conversation type from a topic name.
// Anything that is not a namespaced room, group or agent topic is a direct
// conversation keyed by the peer address.
func ConversationTypeForTopic(topic string) string {
	topic = strings.TrimSpace(topic)
	switch {
	case strings.HasPrefix(topic, EventRoomPrefix):
		return ConversationTypeEventRoom
	case strings.HasPrefix(topic, groupTopicPrefix):
		return ConversationTypeGroup
	case strings.HasPrefix(topic, agentTopicPrefix):
		return ConversationTypeAgent
	default:
		return ConversationTypeDirect
	}
}

func EventRoomTopic(eventID string) string {
	return EventRoomPrefix + strings.TrimSpace(eventID)
}

// CloneConversation returns a copy that shares no slices or pointers with c.
func CloneConversation(c Conversation) Conversation {
	out := c
	out.Participants = append([]string(nil), c.Participants...)
	if c.LastMessage != nil {
		last := CloneMessage(*c.LastMessage)
		out.LastMessage = &last
	}
	return out
}
