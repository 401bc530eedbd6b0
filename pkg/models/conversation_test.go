package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeConversationType(t *testing.T) {
	assert.Equal(t, ConversationTypeGroup, NormalizeConversationType("group"))
	assert.Equal(t, ConversationTypeDirect, NormalizeConversationType(" direct "))
	assert.Equal(t, ConversationTypeDirect, NormalizeConversationType("unknown"), "unknown falls back to direct")
}

func TestConversationTypeForTopic(t *testing.T) {
	cases := map[string]string{
		"event-room-42":  ConversationTypeEventRoom,
		"group-climbers": ConversationTypeGroup,
		"agent-helper":   ConversationTypeAgent,
		"0x00000000000000000000000000000000000000aa": ConversationTypeDirect,
	}
	for topic, want := range cases {
		assert.Equal(t, want, ConversationTypeForTopic(topic), "topic %q", topic)
	}
	assert.Equal(t, "event-room-42", EventRoomTopic(" 42 "))
}

func TestMessageFromEnvelopeFallsBackOnBadTimestamp(t *testing.T) {
	now := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	msg := MessageFromEnvelope(InboundEnvelope{
		ID:    "m1",
		Topic: "event-room-1",
		Envelope: Envelope{
			Type:      "bogus",
			Content:   "hi",
			Timestamp: "yesterday",
			Sender:    "0x00000000000000000000000000000000000000bb",
		},
	}, now)
	assert.True(t, msg.Timestamp.Equal(now), "fallback timestamp, got %s", msg.Timestamp)
	assert.Equal(t, MessageTypeText, msg.Type, "unknown type maps to text")
	assert.Equal(t, DeliveryDelivered, msg.DeliveryStatus)
}

func TestCloneConversationIsDeep(t *testing.T) {
	orig := Conversation{
		ID:           "group-1",
		Participants: []string{"a"},
		LastMessage:  &Message{ID: "m1", Metadata: map[string]any{"k": "v"}},
	}
	cp := CloneConversation(orig)
	cp.Participants[0] = "b"
	cp.LastMessage.Metadata["k"] = "changed"
	assert.Equal(t, "a", orig.Participants[0], "participants slice is shared")
	assert.Equal(t, "v", orig.LastMessage.Metadata["k"], "last message metadata is shared")
}
