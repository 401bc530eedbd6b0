package runtime

import (
	"context"
	"errors"

	"event-chat/go-backend/internal/ledger"
	"event-chat/go-backend/internal/miniapp"
	"event-chat/go-backend/internal/miniapp/envelope"
	"event-chat/go-backend/pkg/models"
)

func (s *Service) GetOrCreateConversation(peerOrTopic, initiator string) (models.Conversation, error) {
	actor, err := s.actor(initiator)
	if err != nil {
		return models.Conversation{}, err
	}
	conv, err := s.ledger.GetOrCreate(peerOrTopic, actor)
	if err != nil {
		return models.Conversation{}, wrapLedgerErr(err)
	}
	return conv, nil
}

func (s *Service) Conversations() []models.Conversation {
	return s.ledger.Conversations()
}

// SendText publishes a chat message as the local identity.
func (s *Service) SendText(ctx context.Context, conversationID, text string) (models.Message, error) {
	msg, err := s.envelopes.SendText(ctx, conversationID, text)
	s.observeEnvelope(msg)
	if err != nil && msg.ID == "" {
		if errors.Is(err, envelope.ErrEmptyContent) {
			return models.Message{}, miniapp.Invalid("content", "%v", err)
		}
		return models.Message{}, wrapLedgerErr(err)
	}
	return msg, err
}

func (s *Service) Messages(conversationID string, limit, offset int) ([]models.Message, error) {
	msgs, err := s.ledger.Messages(conversationID, limit, offset)
	if err != nil {
		return nil, wrapLedgerErr(err)
	}
	return msgs, nil
}

func (s *Service) MarkRead(conversationID string) error {
	return wrapLedgerErr(s.ledger.MarkRead(conversationID))
}

func (s *Service) StreamSubscribe(ctx context.Context, conversationID string, onMessage func(models.Message)) (*ledger.Subscription, error) {
	sub, err := s.ledger.StreamSubscribe(ctx, conversationID, onMessage)
	if err != nil {
		return nil, wrapLedgerErr(err)
	}
	return sub, nil
}
