package ledger

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mr-tron/base58"

	"event-chat/go-backend/internal/wallet"
	"event-chat/go-backend/pkg/models"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrInvalidTopic         = errors.New("conversation topic is invalid")
	ErrMessageIDConflict    = errors.New("message id conflict")
)

// SnapshotStore persists the whole ledger. securestore.File satisfies it.
type SnapshotStore interface {
	Load(v any) (bool, error)
	Save(v any) error
}

type thread struct {
	conv     models.Conversation
	messages []models.Message
}

type snapshot struct {
	Conversations map[string]models.Conversation `json:"conversations"`
	Messages      map[string][]models.Message     `json:"messages"`
	Seq           uint64                         `json:"seq"`
}

// Ledger holds conversations and their ordered messages. Every mutation
// builds the next state, persists it and only then swaps it in, so a failed
// write leaves the ledger unchanged.
type Ledger struct {
	mu            sync.RWMutex
	localIdentity string
	threads       map[string]*thread
	seq           uint64

	store        SnapshotStore
	transport    Transport
	pollInterval time.Duration
	pollBatch    int
	now          func() time.Time
	logger       *slog.Logger
}

type Option func(*Ledger)

func WithStore(store SnapshotStore) Option {
	return func(l *Ledger) { l.store = store }
}

func WithTransport(t Transport) Option {
	return func(l *Ledger) { l.transport = t }
}

func WithPollInterval(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.pollInterval = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New creates a ledger owned by localIdentity, the address whose messages
// never count as unread.
func New(localIdentity string, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		localIdentity: strings.TrimSpace(localIdentity),
		threads:       make(map[string]*thread),
		pollInterval:  defaultPollInterval,
		pollBatch:     defaultPollBatch,
		now:           time.Now,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Ledger) LocalIdentity() string {
	return l.localIdentity
}

// GetOrCreate returns the conversation for peerOrTopic, creating it on first
// contact. A wallet address opens a direct conversation with
// [initiator, peer]; namespaced topics open a room with [initiator].
func (l *Ledger) GetOrCreate(peerOrTopic, initiator string) (models.Conversation, error) {
	key, err := conversationKey(peerOrTopic)
	if err != nil {
		return models.Conversation{}, err
	}
	l.mu.RLock()
	if th, ok := l.threads[key]; ok {
		out := models.CloneConversation(th.conv)
		l.mu.RUnlock()
		return out, nil
	}
	l.mu.RUnlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	if th, ok := l.threads[key]; ok {
		return models.CloneConversation(th.conv), nil
	}
	th := l.newThreadLocked(key, initiator)
	next := l.cloneThreadsLocked()
	next[key] = th
	if err := l.persistLocked(next, l.seq); err != nil {
		return models.Conversation{}, err
	}
	l.threads = next
	l.logger.Debug("conversation created",
		"component", "ledger",
		"operation", "conversation.create",
		"conversation_id", key,
		"type", th.conv.Type,
	)
	return models.CloneConversation(th.conv), nil
}

// Append inserts msg ordered by (timestamp, seq), moves the last-message
// pointer and bumps the unread count unless the local identity sent it.
// The conversation is created when missing. Re-appending an identical id
// returns the stored message.
func (l *Ledger) Append(conversationID string, msg models.Message) (models.Message, error) {
	out, _, err := l.appendMessage(conversationID, msg)
	return out, err
}

func (l *Ledger) appendMessage(conversationID string, msg models.Message) (models.Message, bool, error) {
	key, err := conversationKey(conversationID)
	if err != nil {
		return models.Message{}, false, err
	}
	msg = l.prepareMessage(key, msg)

	l.mu.Lock()
	defer l.mu.Unlock()

	th, exists := l.threads[key]
	if !exists {
		th = l.newThreadLocked(key, l.localIdentity)
	}
	for _, existing := range th.messages {
		if existing.ID != msg.ID {
			continue
		}
		if existing.SenderAddress != msg.SenderAddress || existing.Content != msg.Content {
			return models.Message{}, false, ErrMessageIDConflict
		}
		return models.CloneMessage(existing), false, nil
	}

	seq := l.seq + 1
	msg.Seq = seq
	nextThread := cloneThread(th)
	idx := sort.Search(len(nextThread.messages), func(i int) bool {
		return nextThread.messages[i].Timestamp.After(msg.Timestamp)
	})
	nextThread.messages = append(nextThread.messages, models.Message{})
	copy(nextThread.messages[idx+1:], nextThread.messages[idx:])
	nextThread.messages[idx] = msg

	last := models.CloneMessage(msg)
	nextThread.conv.LastMessage = &last
	if !l.isLocal(msg.SenderAddress) {
		nextThread.conv.UnreadCount++
	}
	nextThread.conv.UpdatedAt = l.now().UTC()

	next := l.cloneThreadsLocked()
	next[key] = nextThread
	if err := l.persistLocked(next, seq); err != nil {
		return models.Message{}, false, err
	}
	l.threads = next
	l.seq = seq
	return models.CloneMessage(msg), true, nil
}

// MarkRead flags every message of the conversation read and clears unread.
func (l *Ledger) MarkRead(conversationID string) error {
	key, err := conversationKey(conversationID)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	th, ok := l.threads[key]
	if !ok {
		return ErrConversationNotFound
	}
	nextThread := cloneThread(th)
	for i := range nextThread.messages {
		nextThread.messages[i].IsRead = true
	}
	if nextThread.conv.LastMessage != nil {
		nextThread.conv.LastMessage.IsRead = true
	}
	nextThread.conv.UnreadCount = 0
	next := l.cloneThreadsLocked()
	next[key] = nextThread
	if err := l.persistLocked(next, l.seq); err != nil {
		return err
	}
	l.threads = next
	return nil
}

// UpdateDeliveryStatus merges status into the stored message. Progress only
// moves forward; failed sticks until a successful retry reports sent or
// delivered.
func (l *Ledger) UpdateDeliveryStatus(conversationID, messageID, status string) (bool, error) {
	key, err := conversationKey(conversationID)
	if err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	th, ok := l.threads[key]
	if !ok {
		return false, nil
	}
	idx := -1
	for i := range th.messages {
		if th.messages[i].ID == messageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false, nil
	}
	merged := mergeDeliveryStatus(th.messages[idx].DeliveryStatus, status)
	if merged == th.messages[idx].DeliveryStatus {
		return true, nil
	}
	nextThread := cloneThread(th)
	nextThread.messages[idx].DeliveryStatus = merged
	if last := nextThread.conv.LastMessage; last != nil && last.ID == messageID {
		last.DeliveryStatus = merged
	}
	next := l.cloneThreadsLocked()
	next[key] = nextThread
	if err := l.persistLocked(next, l.seq); err != nil {
		return false, err
	}
	l.threads = next
	return true, nil
}

func (l *Ledger) Conversation(conversationID string) (models.Conversation, bool) {
	key, err := conversationKey(conversationID)
	if err != nil {
		return models.Conversation{}, false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	th, ok := l.threads[key]
	if !ok {
		return models.Conversation{}, false
	}
	return models.CloneConversation(th.conv), true
}

// Conversations lists every conversation, most recently updated first.
func (l *Ledger) Conversations() []models.Conversation {
	l.mu.RLock()
	out := make([]models.Conversation, 0, len(l.threads))
	for _, th := range l.threads {
		out = append(out, models.CloneConversation(th.conv))
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Messages returns the conversation's messages in order. limit <= 0 means
// no limit.
func (l *Ledger) Messages(conversationID string, limit, offset int) ([]models.Message, error) {
	key, err := conversationKey(conversationID)
	if err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	th, ok := l.threads[key]
	if !ok {
		return nil, ErrConversationNotFound
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(th.messages) {
		return []models.Message{}, nil
	}
	window := th.messages[offset:]
	if limit > 0 && limit < len(window) {
		window = window[:limit]
	}
	out := make([]models.Message, 0, len(window))
	for _, msg := range window {
		out = append(out, models.CloneMessage(msg))
	}
	return out, nil
}

func (l *Ledger) prepareMessage(key string, msg models.Message) models.Message {
	msg = models.CloneMessage(msg)
	msg.ConversationID = key
	if strings.TrimSpace(msg.ID) == "" {
		msg.ID = NewMessageID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = l.now()
	}
	msg.Timestamp = msg.Timestamp.UTC()
	msg.Type = models.NormalizeMessageType(msg.Type)
	local := l.isLocal(msg.SenderAddress)
	if msg.DeliveryStatus == "" {
		if local {
			msg.DeliveryStatus = models.DeliverySent
		} else {
			msg.DeliveryStatus = models.DeliveryDelivered
		}
	}
	if local {
		msg.IsRead = true
	}
	return msg
}

func (l *Ledger) newThreadLocked(key, initiator string) *thread {
	now := l.now().UTC()
	initiator = strings.TrimSpace(initiator)
	if initiator == "" {
		initiator = l.localIdentity
	}
	if normalized, err := wallet.NormalizeAddress(initiator); err == nil {
		initiator = normalized
	}
	convType := models.ConversationTypeForTopic(key)
	participants := make([]string, 0, 2)
	if initiator != "" {
		participants = append(participants, initiator)
	}
	if convType == models.ConversationTypeDirect && !wallet.SameAddress(initiator, key) {
		participants = append(participants, key)
	}
	return &thread{
		conv: models.Conversation{
			ID:           key,
			Topic:        key,
			Participants: participants,
			Type:         convType,
			Title:        defaultTitle(key, convType),
			CreatedAt:    now,
			UpdatedAt:    now,
		},
		messages: []models.Message{},
	}
}

func (l *Ledger) isLocal(sender string) bool {
	return l.localIdentity != "" && wallet.SameAddress(sender, l.localIdentity)
}

func (l *Ledger) cloneThreadsLocked() map[string]*thread {
	out := make(map[string]*thread, len(l.threads)+1)
	for k, v := range l.threads {
		out[k] = v
	}
	return out
}

func (l *Ledger) load() error {
	if l.store == nil {
		return nil
	}
	var snap snapshot
	ok, err := l.store.Load(&snap)
	if err != nil || !ok {
		return err
	}
	for id, conv := range snap.Conversations {
		msgs := snap.Messages[id]
		if msgs == nil {
			msgs = []models.Message{}
		}
		l.threads[id] = &thread{conv: conv, messages: msgs}
	}
	l.seq = snap.Seq
	return nil
}

func (l *Ledger) persistLocked(threads map[string]*thread, seq uint64) error {
	if l.store == nil {
		return nil
	}
	snap := snapshot{
		Conversations: make(map[string]models.Conversation, len(threads)),
		Messages:      make(map[string][]models.Message, len(threads)),
		Seq:           seq,
	}
	for id, th := range threads {
		snap.Conversations[id] = th.conv
		snap.Messages[id] = th.messages
	}
	if err := l.store.Save(snap); err != nil {
		return fmt.Errorf("persist ledger: %w", err)
	}
	return nil
}

func cloneThread(th *thread) *thread {
	out := &thread{
		conv:     models.CloneConversation(th.conv),
		messages: make([]models.Message, len(th.messages), len(th.messages)+1),
	}
	copy(out.messages, th.messages)
	return out
}

// conversationKey canonicalizes addresses to EIP-55 so the same peer maps to
// one conversation regardless of case.
func conversationKey(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrInvalidTopic
	}
	if models.ConversationTypeForTopic(raw) != models.ConversationTypeDirect {
		if raw == models.EventRoomPrefix {
			return "", ErrInvalidTopic
		}
		return raw, nil
	}
	addr, err := wallet.NormalizeAddress(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidTopic, raw)
	}
	return addr, nil
}

func defaultTitle(key, convType string) string {
	switch convType {
	case models.ConversationTypeEventRoom:
		return "Event " + strings.TrimPrefix(key, models.EventRoomPrefix)
	case models.ConversationTypeDirect:
		if len(key) > 10 {
			return key[:6] + "..." + key[len(key)-4:]
		}
	}
	return key
}

func mergeDeliveryStatus(current, candidate string) string {
	switch {
	case candidate == "" || candidate == current:
		return current
	case current == models.DeliveryFailed:
		if candidate == models.DeliverySent || candidate == models.DeliveryDelivered {
			return candidate
		}
		return current
	case candidate == models.DeliveryFailed:
		if current == models.DeliveryDelivered {
			return current
		}
		return candidate
	case deliveryRank(candidate) > deliveryRank(current):
		return candidate
	default:
		return current
	}
}

func deliveryRank(status string) int {
	switch status {
	case models.DeliverySending:
		return 1
	case models.DeliverySent:
		return 2
	case models.DeliveryDelivered:
		return 3
	default:
		return 0
	}
}

// NewMessageID returns a random base58 message id.
func NewMessageID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("msg%d", time.Now().UnixNano())
	}
	return base58.Encode(buf)
}
