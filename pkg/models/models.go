package models

import (
	"encoding/json"
	"time"
)

const (
	MessageTypeText         = "text"
	MessageTypeMiniApp      = "mini-app"
	MessageTypeAgentCommand = "agent-command"
	MessageTypeSystem       = "system"
)

const (
	DeliverySending   = "sending"
	DeliverySent      = "sent"
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
)

type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversationId"`
	Content        string         `json:"content"`
	SenderAddress  string         `json:"senderAddress"`
	Timestamp      time.Time      `json:"timestamp"`
	Type           string         `json:"type"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	DeliveryStatus string         `json:"deliveryStatus"`
	IsRead         bool           `json:"isRead"`
	Seq            uint64         `json:"seq"`
}

// Envelope is what the transport carries.
type Envelope struct {
	Type      string         `json:"type"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp string         `json:"timestamp"`
	Sender    string         `json:"sender"`
}

// MiniAppPayload is the envelope content when Type is mini-app.
type MiniAppPayload struct {
	AppID   string             `json:"appId"`
	AppName string             `json:"appName"`
	Action  string             `json:"action"`
	Payload MiniAppPayloadBody `json:"payload"`
}

type MiniAppPayloadBody struct {
	SessionID string          `json:"sessionId"`
	Response  json.RawMessage `json:"response"`
	UI        json.RawMessage `json:"ui,omitempty"`
}

// InboundEnvelope is an envelope received on a conversation topic.
type InboundEnvelope struct {
	ID       string   `json:"id"`
	Topic    string   `json:"topic"`
	Envelope Envelope `json:"envelope"`
}

func NormalizeMessageType(raw string) string {
	switch raw {
	case MessageTypeMiniApp, MessageTypeAgentCommand, MessageTypeSystem:
		return raw
	default:
		return MessageTypeText
	}
}

func NewEnvelope(msgType, content, sender string, metadata map[string]any, ts time.Time) Envelope {
	return Envelope{
		Type:      NormalizeMessageType(msgType),
		Content:   content,
		Metadata:  metadata,
		Timestamp: ts.UTC().Format(time.RFC3339Nano),
		Sender:    sender,
	}
}

// EnvelopeTime parses the ISO-8601 timestamp, falling back to fallback when
// the sender put something unparsable on the wire.
func EnvelopeTime(env Envelope, fallback time.Time) time.Time {
	ts, err := time.Parse(time.RFC3339Nano, env.Timestamp)
	if err != nil {
		return fallback.UTC()
	}
	return ts.UTC()
}

// MessageFromEnvelope maps an inbound envelope to a ledger message.
func MessageFromEnvelope(in InboundEnvelope, now time.Time) Message {
	return Message{
		ID:             in.ID,
		ConversationID: in.Topic,
		Content:        in.Envelope.Content,
		SenderAddress:  in.Envelope.Sender,
		Timestamp:      EnvelopeTime(in.Envelope, now),
		Type:           NormalizeMessageType(in.Envelope.Type),
		Metadata:       cloneMetadata(in.Envelope.Metadata),
		DeliveryStatus: DeliveryDelivered,
	}
}

func CloneMessage(m Message) Message {
	out := m
	out.Metadata = cloneMetadata(m.Metadata)
	return out
}

func cloneMetadata(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

type MessageStatus struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}
