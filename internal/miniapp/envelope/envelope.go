// Package envelope turns mini-app responses and chat text into transport
// envelopes, publishes them and records the outgoing message in the ledger.
package envelope

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"event-chat/go-backend/internal/ledger"
	"event-chat/go-backend/internal/miniapp"
	"event-chat/go-backend/internal/miniapp/registry"
	"event-chat/go-backend/internal/waku"
	"event-chat/go-backend/pkg/models"
)

// ErrTransport means the envelope could not be published even after a
// retry. The message stays in the ledger with deliveryStatus failed.
var ErrTransport = errors.New("transport send failed")

var ErrEmptyContent = errors.New("message content is required")

const defaultRetryDelay = 200 * time.Millisecond

type Publisher interface {
	Publish(ctx context.Context, msg waku.TopicMessage) error
}

// Ledger is the part of the conversation ledger outgoing messages go
// through.
type Ledger interface {
	LocalIdentity() string
	Append(conversationID string, msg models.Message) (models.Message, error)
	UpdateDeliveryStatus(conversationID, messageID, status string) (bool, error)
}

type Builder struct {
	publisher  Publisher
	ledger     Ledger
	retryDelay time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

type Option func(*Builder)

func WithRetryDelay(d time.Duration) Option {
	return func(b *Builder) {
		if d >= 0 {
			b.retryDelay = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *Builder) {
		if now != nil {
			b.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(b *Builder) {
		if logger != nil {
			b.logger = logger
		}
	}
}

func New(publisher Publisher, l Ledger, opts ...Option) *Builder {
	b := &Builder{
		publisher:  publisher,
		ledger:     l,
		retryDelay: defaultRetryDelay,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Payload wraps resp in the mini-app payload shape. The UI schema travels
// beside the response rather than inside it.
func Payload(app registry.Config, resp miniapp.Response) (models.MiniAppPayload, error) {
	ui := resp.UI
	resp.UI = nil
	body, err := json.Marshal(resp)
	if err != nil {
		return models.MiniAppPayload{}, fmt.Errorf("marshal response: %w", err)
	}
	out := models.MiniAppPayload{
		AppID:   app.ID,
		AppName: app.Name,
		Action:  resp.Action,
		Payload: models.MiniAppPayloadBody{
			SessionID: resp.SessionID,
			Response:  body,
		},
	}
	if ui != nil {
		raw, err := json.Marshal(ui)
		if err != nil {
			return models.MiniAppPayload{}, fmt.Errorf("marshal ui: %w", err)
		}
		out.Payload.UI = raw
	}
	return out, nil
}

// SendResponse publishes resp to conversationID as a mini-app message.
func (b *Builder) SendResponse(ctx context.Context, conversationID string, app registry.Config, resp miniapp.Response) (models.Message, error) {
	payload, err := Payload(app, resp)
	if err != nil {
		return models.Message{}, err
	}
	content, err := json.Marshal(payload)
	if err != nil {
		return models.Message{}, fmt.Errorf("marshal payload: %w", err)
	}
	meta := map[string]any{
		"appId":     app.ID,
		"action":    resp.Action,
		"sessionId": resp.SessionID,
	}
	return b.send(ctx, conversationID, models.MessageTypeMiniApp, string(content), meta)
}

func (b *Builder) SendText(ctx context.Context, conversationID, text string) (models.Message, error) {
	if strings.TrimSpace(text) == "" {
		return models.Message{}, ErrEmptyContent
	}
	return b.send(ctx, conversationID, models.MessageTypeText, text, nil)
}

func (b *Builder) send(ctx context.Context, conversationID, msgType, content string, meta map[string]any) (models.Message, error) {
	sender := b.ledger.LocalIdentity()
	ts := b.now().UTC()
	msg, err := b.ledger.Append(conversationID, models.Message{
		ID:             ledger.NewMessageID(),
		Content:        content,
		SenderAddress:  sender,
		Timestamp:      ts,
		Type:           msgType,
		Metadata:       meta,
		DeliveryStatus: models.DeliverySending,
	})
	if err != nil {
		return models.Message{}, err
	}

	env := models.NewEnvelope(msgType, content, sender, meta, ts)
	raw, err := json.Marshal(env)
	if err != nil {
		return models.Message{}, fmt.Errorf("marshal envelope: %w", err)
	}
	tm := waku.TopicMessage{ID: msg.ID, Topic: msg.ConversationID, Payload: raw, Timestamp: ts}

	pubErr := b.publish(ctx, tm)
	status := models.DeliverySent
	if pubErr != nil {
		status = models.DeliveryFailed
	}
	if _, err := b.ledger.UpdateDeliveryStatus(msg.ConversationID, msg.ID, status); err != nil {
		b.logger.Warn("delivery status update failed",
			"component", "envelope",
			"operation", "envelope.status",
			"conversation_id", msg.ConversationID,
			"message_id", msg.ID,
			"error", err.Error(),
		)
	}
	msg.DeliveryStatus = status
	if pubErr != nil {
		b.logger.Warn("envelope publish failed",
			"component", "envelope",
			"operation", "envelope.publish",
			"conversation_id", msg.ConversationID,
			"message_id", msg.ID,
			"error", pubErr.Error(),
		)
		return msg, fmt.Errorf("%w: %v", ErrTransport, pubErr)
	}
	return msg, nil
}

// publish tries once more when the first failure is transient.
func (b *Builder) publish(ctx context.Context, tm waku.TopicMessage) error {
	err := b.publisher.Publish(ctx, tm)
	if err == nil || !waku.IsTransient(err) {
		return err
	}
	if b.retryDelay > 0 {
		timer := time.NewTimer(b.retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return b.publisher.Publish(ctx, tm)
}
