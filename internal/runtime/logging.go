package runtime

import (
	"errors"
	"strings"

	"event-chat/go-backend/internal/ledger"
	"event-chat/go-backend/internal/miniapp"
)

// notFoundError keeps the ledger sentinel while also matching
// miniapp.ErrNotFound.
type notFoundError struct{ err error }

func (e notFoundError) Error() string { return e.err.Error() }

func (e notFoundError) Unwrap() []error { return []error{e.err, miniapp.ErrNotFound} }

func (s *Service) logInfo(operation, correlationID, message string, attrs ...any) {
	base := []any{
		"component", componentName,
		"operation", strings.TrimSpace(operation),
		"correlation_id", strings.TrimSpace(correlationID),
	}
	s.logger.Info(message, append(base, attrs...)...)
}

func (s *Service) logWarn(operation, correlationID, message string, attrs ...any) {
	base := []any{
		"component", componentName,
		"operation", strings.TrimSpace(operation),
		"correlation_id", strings.TrimSpace(correlationID),
	}
	s.logger.Warn(message, append(base, attrs...)...)
}

// wrapLedgerErr folds ledger errors into the mini-app taxonomy so callers
// can branch on miniapp.ErrNotFound and validation errors alone.
func wrapLedgerErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ledger.ErrConversationNotFound):
		return notFoundError{err: err}
	case errors.Is(err, ledger.ErrInvalidTopic):
		return miniapp.Invalid("conversationId", "%v", err)
	default:
		return err
	}
}
