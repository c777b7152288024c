package nats

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/inbox/internal/model"
	"github.com/capitalize-ai/inbox/pkg/logger"
)

func runServer(t *testing.T) *server.Server {
	t.Helper()
	ns, err := server.NewServer(&server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	})
	require.NoError(t, err)
	go ns.Start()
	require.True(t, ns.ReadyForConnections(5*time.Second), "nats server not ready")
	t.Cleanup(ns.Shutdown)
	return ns
}

func newTestManager(t *testing.T) (*StreamManager, *Client, *server.Server) {
	t.Helper()
	ns := runServer(t)
	client, err := Connect(context.Background(), Config{URL: ns.ClientURL()}, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(client.Close)

	m := NewStreamManager(client, StreamOptions{MaxAge: time.Hour, MaxBytes: 64 * 1024 * 1024, Memory: true})
	require.NoError(t, m.EnsureStream(context.Background()))
	return m, client, ns
}

func newMessage(id, conv, content string, at time.Time) *model.Message {
	return &model.Message{
		ID:             id,
		ConversationID: conv,
		SenderID:       "u1",
		Kind:           model.KindText,
		Content:        content,
		CreatedAt:      at,
		UpdatedAt:      at,
	}
}

func TestEnsureStreamIsIdempotent(t *testing.T) {
	m, client, _ := newTestManager(t)

	require.NoError(t, m.EnsureStream(context.Background()))
	assert.True(t, client.IsConnected())
}

func TestAppendAndHistory(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 5; i++ {
		_, err := m.Append(ctx, newMessage(fmt.Sprintf("a%d", i), "conv-a", fmt.Sprintf("hello %d", i), now.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
	}
	_, err := m.Append(ctx, newMessage("b0", "conv-b", "other", now))
	require.NoError(t, err)

	msgs, last, more, err := m.History(ctx, "conv-a", 0, 3)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.True(t, more)
	assert.Equal(t, "a0", msgs[0].ID)
	assert.Equal(t, "a2", msgs[2].ID)
	assert.Equal(t, msgs[2].Sequence, last)

	rest, _, more, err := m.History(ctx, "conv-a", last, 0)
	require.NoError(t, err)
	assert.False(t, more)
	require.Len(t, rest, 2)
	assert.Equal(t, "a3", rest[0].ID)
	assert.Equal(t, "a4", rest[1].ID)
}

func TestHistoryOfEmptyConversation(t *testing.T) {
	m, _, _ := newTestManager(t)

	msgs, last, more, err := m.History(context.Background(), "nobody", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Zero(t, last)
	assert.False(t, more)
}

func TestAppendDeduplicatesByID(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	msg := newMessage("dup", "conv-a", "once", time.Now())

	dup, err := m.Append(ctx, msg)
	require.NoError(t, err)
	assert.False(t, dup)

	again := newMessage("dup", "conv-a", "retried", time.Now())
	dup, err = m.Append(ctx, again)
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, msg.Sequence, again.Sequence)
	assert.Equal(t, "once", again.Content, "a duplicate returns the stored row")

	msgs, _, _, err := m.History(ctx, "conv-a", 0, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestInvalidConversationID(t *testing.T) {
	m, _, _ := newTestManager(t)

	_, err := m.Append(context.Background(), newMessage("x", "a.b", "hi", time.Now()))
	assert.ErrorIs(t, err, model.ErrValidation)
	_, _, _, err = m.History(context.Background(), "a>", 0, 0)
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestSubscribeDeliversNewMessagesInOrder(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	now := time.Now()

	_, err := m.Append(ctx, newMessage("old", "conv-a", "before", now))
	require.NoError(t, err)

	var mu sync.Mutex
	var got []string
	feed, err := m.Subscribe(ctx, "conv-a", func(msg model.Message) {
		mu.Lock()
		got = append(got, msg.ID)
		mu.Unlock()
	}, nil)
	require.NoError(t, err)
	defer feed.Unsubscribe()

	for i := 0; i < 3; i++ {
		_, err := m.Append(ctx, newMessage(fmt.Sprintf("n%d", i), "conv-a", "live", now))
		require.NoError(t, err)
	}
	_, err = m.Append(ctx, newMessage("other", "conv-b", "elsewhere", now))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"n0", "n1", "n2"}, got)
	mu.Unlock()
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	var mu sync.Mutex
	count := 0
	feed, err := m.Subscribe(ctx, "conv-a", func(model.Message) {
		mu.Lock()
		count++
		mu.Unlock()
	}, nil)
	require.NoError(t, err)
	require.NoError(t, feed.Unsubscribe())
	require.NoError(t, feed.Unsubscribe())

	_, err = m.Append(ctx, newMessage("late", "conv-a", "hi", time.Now()))
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	assert.Zero(t, count)
	mu.Unlock()
}

func TestReportStats(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, err := m.Append(context.Background(), newMessage("a", "conv-a", "hi", time.Now()))
	require.NoError(t, err)

	assert.NoError(t, m.ReportStats(context.Background()))
}
