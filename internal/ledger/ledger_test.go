package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"event-chat/go-backend/internal/securestore"
	"event-chat/go-backend/internal/waku"
	"event-chat/go-backend/pkg/models"
)

const (
	selfAddr = "0x1111111111111111111111111111111111111111"
	peerAddr = "0xabcdefabcdefabcdefabcdefabcdefabcdefabcd"
)

func newTestLedger(t *testing.T, opts ...Option) *Ledger {
	t.Helper()
	l, err := New(selfAddr, opts...)
	require.NoError(t, err)
	return l
}

func messageIDs(msgs []models.Message) []string {
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	return ids
}

func TestGetOrCreateDirectThenInboundUnread(t *testing.T) {
	l := newTestLedger(t)
	conv, err := l.GetOrCreate(peerAddr, selfAddr)
	require.NoError(t, err)
	assert.Equal(t, models.ConversationTypeDirect, conv.Type)
	require.Len(t, conv.Participants, 2)
	assert.Equal(t, selfAddr, conv.Participants[0])
	assert.True(t, strings.EqualFold(conv.Participants[1], peerAddr), "peer is second participant, got %s", conv.Participants[1])
	assert.Zero(t, conv.UnreadCount)

	again, err := l.GetOrCreate("0xABCDEFABCDEFABCDEFABCDEFABCDEFABCDEFABCD", selfAddr)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, again.ID, "address case maps to one conversation")

	_, err = l.Append(peerAddr, models.Message{Content: "hi", SenderAddress: peerAddr})
	require.NoError(t, err)
	got, ok := l.Conversation(peerAddr)
	require.True(t, ok)
	assert.Equal(t, 1, got.UnreadCount)
	require.NotNil(t, got.LastMessage)
	assert.Equal(t, "hi", got.LastMessage.Content)
}

func TestGetOrCreateRoomTypes(t *testing.T) {
	l := newTestLedger(t)
	cases := map[string]string{
		"event-room-42": models.ConversationTypeEventRoom,
		"group-devs":    models.ConversationTypeGroup,
		"agent-alpha":   models.ConversationTypeAgent,
	}
	for topic, want := range cases {
		conv, err := l.GetOrCreate(topic, selfAddr)
		require.NoError(t, err, topic)
		assert.Equal(t, want, conv.Type, topic)
		assert.Equal(t, []string{selfAddr}, conv.Participants, topic)
	}
	_, err := l.GetOrCreate("not-an-address", selfAddr)
	assert.ErrorIs(t, err, ErrInvalidTopic)
	_, err = l.GetOrCreate("  ", selfAddr)
	assert.ErrorIs(t, err, ErrInvalidTopic, "blank topic")
}

func TestAppendUnreadCountsOnlyForeignSenders(t *testing.T) {
	l := newTestLedger(t)
	senders := []string{peerAddr, selfAddr, "0x1111111111111111111111111111111111111111", peerAddr, "0x2222222222222222222222222222222222222222"}
	want := 0
	for i, sender := range senders {
		if !strings.EqualFold(sender, selfAddr) {
			want++
		}
		_, err := l.Append("event-room-1", models.Message{Content: "m", SenderAddress: sender})
		require.NoError(t, err, "append %d", i)
		conv, _ := l.Conversation("event-room-1")
		require.Equal(t, want, conv.UnreadCount, "after %d appends", i+1)
	}

	require.NoError(t, l.MarkRead("event-room-1"))
	conv, _ := l.Conversation("event-room-1")
	assert.Zero(t, conv.UnreadCount)
	msgs, err := l.Messages("event-room-1", 0, 0)
	require.NoError(t, err)
	for _, msg := range msgs {
		assert.True(t, msg.IsRead, "message %s not marked read", msg.ID)
	}
	assert.ErrorIs(t, l.MarkRead("event-room-404"), ErrConversationNotFound)
}

func TestAppendOrdersByTimestampThenSequence(t *testing.T) {
	l := newTestLedger(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	inputs := []struct {
		id string
		ts time.Time
	}{
		{"c", base.Add(2 * time.Second)},
		{"a", base},
		{"b1", base.Add(time.Second)},
		{"b2", base.Add(time.Second)},
	}
	for _, in := range inputs {
		_, err := l.Append("group-1", models.Message{ID: in.id, Timestamp: in.ts, SenderAddress: peerAddr})
		require.NoError(t, err, in.id)
	}
	msgs, err := l.Messages("group-1", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b1", "b2", "c"}, messageIDs(msgs))

	page, _ := l.Messages("group-1", 2, 1)
	assert.Equal(t, []string{"b1", "b2"}, messageIDs(page))

	conv, _ := l.Conversation("group-1")
	require.NotNil(t, conv.LastMessage)
	assert.Equal(t, "b2", conv.LastMessage.ID, "last message is the latest append")
}

func TestAppendDuplicateIDIsIdempotent(t *testing.T) {
	l := newTestLedger(t)
	msg := models.Message{ID: "dup", Content: "x", SenderAddress: peerAddr}
	_, err := l.Append("group-1", msg)
	require.NoError(t, err)
	_, err = l.Append("group-1", msg)
	require.NoError(t, err)
	conv, _ := l.Conversation("group-1")
	assert.Equal(t, 1, conv.UnreadCount, "duplicate counts once")

	msg.Content = "changed"
	_, err = l.Append("group-1", msg)
	assert.ErrorIs(t, err, ErrMessageIDConflict)
}

func TestDeliveryStatusMonotonicMerge(t *testing.T) {
	l := newTestLedger(t)
	stored, err := l.Append("group-1", models.Message{SenderAddress: selfAddr, DeliveryStatus: models.DeliverySending})
	require.NoError(t, err)
	steps := []struct {
		in   string
		want string
	}{
		{models.DeliverySent, models.DeliverySent},
		{models.DeliverySending, models.DeliverySent},
		{models.DeliveryFailed, models.DeliveryFailed},
		{models.DeliverySending, models.DeliveryFailed},
		{models.DeliveryDelivered, models.DeliveryDelivered},
		{models.DeliveryFailed, models.DeliveryDelivered},
	}
	for i, step := range steps {
		ok, err := l.UpdateDeliveryStatus("group-1", stored.ID, step.in)
		require.NoError(t, err, "step %d", i)
		require.True(t, ok, "step %d", i)
		msgs, _ := l.Messages("group-1", 0, 0)
		assert.Equal(t, step.want, msgs[0].DeliveryStatus, "step %d", i)
	}
	ok, _ := l.UpdateDeliveryStatus("group-1", "missing", models.DeliverySent)
	assert.False(t, ok, "unknown message")
}

type failingStore struct {
	fail atomic.Bool
	last atomic.Value
}

func (s *failingStore) Load(any) (bool, error) { return false, nil }

func (s *failingStore) Save(v any) error {
	if s.fail.Load() {
		return errors.New("disk full")
	}
	s.last.Store(v)
	return nil
}

func TestPersistFailureRollsBack(t *testing.T) {
	store := &failingStore{}
	l := newTestLedger(t, WithStore(store))
	_, err := l.Append("group-1", models.Message{ID: "m1", SenderAddress: peerAddr})
	require.NoError(t, err)

	store.fail.Store(true)
	_, err = l.Append("group-1", models.Message{ID: "m2", SenderAddress: peerAddr})
	assert.Error(t, err)
	assert.Error(t, l.MarkRead("group-1"))

	conv, _ := l.Conversation("group-1")
	assert.Equal(t, 1, conv.UnreadCount, "state rolled back")
	msgs, _ := l.Messages("group-1", 0, 0)
	assert.Len(t, msgs, 1, "state rolled back")
}

func TestEncryptedSnapshotReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.enc")
	file, err := securestore.OpenFile(path, "pass")
	require.NoError(t, err)
	l := newTestLedger(t, WithStore(file))
	_, err = l.Append(peerAddr, models.Message{ID: "m1", Content: "persisted", SenderAddress: peerAddr})
	require.NoError(t, err)

	reloaded := newTestLedger(t, WithStore(file))
	msgs, err := reloaded.Messages(peerAddr, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "persisted", msgs[0].Content)

	_, err = reloaded.Append(peerAddr, models.Message{ID: "m2", SenderAddress: peerAddr})
	require.NoError(t, err)
	msgs, _ = reloaded.Messages(peerAddr, 0, 0)
	assert.Greater(t, msgs[1].Seq, msgs[0].Seq, "sequence continues after reload")

	wrong, _ := securestore.OpenFile(path, "other")
	_, err = New(selfAddr, WithStore(wrong))
	assert.ErrorIs(t, err, securestore.ErrAuthFailed)
}

func publishEnvelope(t *testing.T, node *waku.Node, topic, id, sender, content string, ts time.Time) {
	t.Helper()
	env := models.NewEnvelope(models.MessageTypeText, content, sender, nil, ts)
	payload, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, node.Publish(context.Background(), waku.TopicMessage{ID: id, Topic: topic, Payload: payload, Timestamp: ts}))
}

func startNode(t *testing.T) *waku.Node {
	t.Helper()
	node := waku.NewNode(waku.DefaultConfig())
	require.NoError(t, node.Start(context.Background()))
	t.Cleanup(func() { _ = node.Stop(context.Background()) })
	return node
}

func TestStreamSubscribeDeliversNewMessagesOnce(t *testing.T) {
	node := startNode(t)
	l := newTestLedger(t, WithTransport(node), WithPollInterval(10*time.Millisecond))
	received := make(chan models.Message, 8)
	sub, err := l.StreamSubscribe(context.Background(), "event-room-9", func(msg models.Message) {
		received <- msg
	})
	require.NoError(t, err)
	defer sub.Cancel()

	ts := time.Now().UTC()
	publishEnvelope(t, node, "event-room-9", "in-1", peerAddr, "hello", ts)
	select {
	case msg := <-received:
		assert.Equal(t, "in-1", msg.ID)
		assert.Equal(t, "hello", msg.Content)
		assert.Equal(t, models.DeliveryDelivered, msg.DeliveryStatus)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for streamed message")
	}

	// Later polls see the same message again; it must not be redelivered.
	select {
	case msg := <-received:
		t.Fatalf("unexpected redelivery: %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
	conv, _ := l.Conversation("event-room-9")
	assert.Equal(t, 1, conv.UnreadCount)
}

type blockingTransport struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
	msgs    []waku.TopicMessage
}

func (b *blockingTransport) FetchSince(_ context.Context, _ string, _ time.Time, _ int) ([]waku.TopicMessage, error) {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return b.msgs, nil
}

func TestStreamCancelDuringInFlightPoll(t *testing.T) {
	env, _ := json.Marshal(models.NewEnvelope(models.MessageTypeText, "late", peerAddr, nil, time.Now()))
	transport := &blockingTransport{
		entered: make(chan struct{}),
		release: make(chan struct{}),
		msgs:    []waku.TopicMessage{{ID: "late-1", Topic: "group-1", Payload: env, Timestamp: time.Now()}},
	}
	l := newTestLedger(t, WithTransport(transport), WithPollInterval(time.Hour))

	var calls atomic.Int32
	sub, err := l.StreamSubscribe(context.Background(), "group-1", func(models.Message) { calls.Add(1) })
	require.NoError(t, err)
	<-transport.entered
	sub.Cancel()
	close(transport.release)

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("poll goroutine did not stop")
	}
	assert.Zero(t, calls.Load(), "no callbacks after cancel")
}

type batchTransport struct {
	msgs []waku.TopicMessage
}

func (b *batchTransport) FetchSince(_ context.Context, _ string, _ time.Time, _ int) ([]waku.TopicMessage, error) {
	return b.msgs, nil
}

func TestStreamCancelWaitsForCallbackInProgress(t *testing.T) {
	ts := time.Now()
	var msgs []waku.TopicMessage
	for i, content := range []string{"one", "two", "three"} {
		env, _ := json.Marshal(models.NewEnvelope(models.MessageTypeText, content, peerAddr, nil, ts))
		msgs = append(msgs, waku.TopicMessage{ID: "batch-" + content, Topic: "group-3", Payload: env, Timestamp: ts.Add(time.Duration(i) * time.Millisecond)})
	}
	l := newTestLedger(t, WithTransport(&batchTransport{msgs: msgs}), WithPollInterval(time.Hour))

	var (
		afterCancel atomic.Bool
		late        atomic.Int32
		calls       atomic.Int32
		entered     = make(chan struct{})
		release     = make(chan struct{})
	)
	sub, err := l.StreamSubscribe(context.Background(), "group-3", func(models.Message) {
		if afterCancel.Load() {
			late.Add(1)
		}
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
	})
	require.NoError(t, err)
	<-entered

	cancelled := make(chan struct{})
	go func() {
		sub.Cancel()
		afterCancel.Store(true)
		close(cancelled)
	}()
	select {
	case <-cancelled:
		t.Fatal("Cancel returned while a callback was still running")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("Cancel did not return after the callback finished")
	}
	<-sub.Done()
	assert.Zero(t, late.Load(), "callback ran after Cancel returned")
	assert.Equal(t, int32(1), calls.Load())
}

func TestStreamCancelFromCallback(t *testing.T) {
	node := startNode(t)
	ts := time.Now().UTC()
	publishEnvelope(t, node, "group-2", "a", peerAddr, "1", ts)
	publishEnvelope(t, node, "group-2", "b", peerAddr, "2", ts.Add(time.Millisecond))

	l := newTestLedger(t, WithTransport(node), WithPollInterval(10*time.Millisecond))
	var (
		calls atomic.Int32
		sub   *Subscription
		ready = make(chan struct{})
	)
	sub, err := l.StreamSubscribe(context.Background(), "group-2", func(models.Message) {
		<-ready
		calls.Add(1)
		sub.Cancel()
	})
	require.NoError(t, err)
	close(ready)
	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("poll goroutine did not stop")
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestStreamSubscribeRequiresTransport(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.StreamSubscribe(context.Background(), "group-1", func(models.Message) {})
	assert.ErrorIs(t, err, ErrNoTransport)
}
