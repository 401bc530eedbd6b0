package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"event-chat/go-backend/internal/waku"
	"event-chat/go-backend/pkg/models"
)

const (
	defaultPollInterval = 1 * time.Second
	defaultPollBatch    = 200
)

var ErrNoTransport = errors.New("ledger has no transport for streaming")

// Transport is the slice of the messaging node the stream polls.
type Transport interface {
	FetchSince(ctx context.Context, topic string, since time.Time, limit int) ([]waku.TopicMessage, error)
}

// Subscription is a running stream. Cancel stops the poll and waits for a
// callback in progress to return, so once Cancel returns no callback runs.
// Cancel called from inside onMessage returns without waiting.
type Subscription struct {
	cancelled atomic.Bool
	deliverMu sync.Mutex
	pollGID   atomic.Uint64
	stop      context.CancelFunc
	done      chan struct{}
}

func (s *Subscription) Cancel() {
	s.cancelled.Store(true)
	s.stop()
	if gid := s.pollGID.Load(); gid != 0 && gid == goroutineID() {
		return
	}
	s.deliverMu.Lock()
	s.deliverMu.Unlock()
}

// Done is closed when the poll goroutine has exited.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) deliver(fn func(models.Message), msg models.Message) bool {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if s.cancelled.Load() {
		return false
	}
	fn(msg)
	return true
}

// goroutineID reads the current goroutine number from its stack header
// ("goroutine 42 [running]:").
func goroutineID() uint64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i > 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}

// StreamSubscribe polls the transport for conversationID, ingests new
// envelopes into the ledger and hands each newly stored message to
// onMessage. Messages already in the ledger are not delivered again.
func (l *Ledger) StreamSubscribe(ctx context.Context, conversationID string, onMessage func(models.Message)) (*Subscription, error) {
	if l.transport == nil {
		return nil, ErrNoTransport
	}
	if onMessage == nil {
		return nil, errors.New("onMessage is required")
	}
	key, err := conversationKey(conversationID)
	if err != nil {
		return nil, err
	}

	pollCtx, stop := context.WithCancel(ctx)
	sub := &Subscription{stop: stop, done: make(chan struct{})}
	cursor := l.latestTimestamp(key)

	go func() {
		defer close(sub.done)
		sub.pollGID.Store(goroutineID())
		ticker := time.NewTicker(l.pollInterval)
		defer ticker.Stop()
		for {
			cursor = l.pollOnce(pollCtx, sub, key, cursor, onMessage)
			select {
			case <-pollCtx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return sub, nil
}

func (l *Ledger) pollOnce(ctx context.Context, sub *Subscription, key string, cursor time.Time, onMessage func(models.Message)) time.Time {
	batch, err := l.transport.FetchSince(ctx, key, cursor, l.pollBatch)
	if err != nil {
		if ctx.Err() == nil {
			l.logger.Warn("stream poll failed",
				"component", "ledger",
				"operation", "stream.poll",
				"conversation_id", key,
				"error", err.Error(),
			)
		}
		return cursor
	}
	for _, tm := range batch {
		if ctx.Err() != nil {
			return cursor
		}
		if tm.Timestamp.After(cursor) {
			cursor = tm.Timestamp
		}
		msg, inserted, err := l.Ingest(models.InboundEnvelope{ID: tm.ID, Topic: key, Envelope: decodeEnvelope(tm)})
		if err != nil {
			l.logger.Warn("stream ingest failed",
				"component", "ledger",
				"operation", "stream.ingest",
				"conversation_id", key,
				"message_id", tm.ID,
				"error", err.Error(),
			)
			continue
		}
		if !inserted {
			continue
		}
		if !sub.deliver(onMessage, msg) {
			return cursor
		}
	}
	return cursor
}

// Ingest appends a message received from the transport. It reports whether
// the message was new.
func (l *Ledger) Ingest(in models.InboundEnvelope) (models.Message, bool, error) {
	msg := models.MessageFromEnvelope(in, l.now())
	if l.isLocal(msg.SenderAddress) {
		msg.DeliveryStatus = models.DeliverySent
	}
	return l.appendMessage(in.Topic, msg)
}

func (l *Ledger) latestTimestamp(key string) time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	th, ok := l.threads[key]
	if !ok || len(th.messages) == 0 {
		return time.Time{}
	}
	return th.messages[len(th.messages)-1].Timestamp
}

func decodeEnvelope(tm waku.TopicMessage) models.Envelope {
	var env models.Envelope
	if err := json.Unmarshal(tm.Payload, &env); err != nil {
		// Opaque payloads from foreign clients surface as plain text.
		return models.Envelope{
			Type:      models.MessageTypeText,
			Content:   string(tm.Payload),
			Timestamp: tm.Timestamp.UTC().Format(time.RFC3339Nano),
		}
	}
	if env.Timestamp == "" {
		env.Timestamp = tm.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	return env
}
