package memlog

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/inbox/internal/model"
)

func message(id, conv string) *model.Message {
	return &model.Message{ID: id, ConversationID: conv, SenderID: "u1", Kind: model.KindText, Content: id, CreatedAt: time.Now()}
}

func TestHistoryPaging(t *testing.T) {
	l := New()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := l.Append(ctx, message(fmt.Sprintf("a%d", i), "a"))
		require.NoError(t, err)
		_, err = l.Append(ctx, message(fmt.Sprintf("b%d", i), "b"))
		require.NoError(t, err)
	}

	page, last, more, err := l.History(ctx, "a", 0, 2)
	require.NoError(t, err)
	assert.True(t, more)
	assert.Equal(t, "a0", page[0].ID)
	assert.Equal(t, "a1", page[1].ID)

	page, _, more, err = l.History(ctx, "a", last, 0)
	require.NoError(t, err)
	assert.False(t, more)
	require.Len(t, page, 3)
	assert.Equal(t, "a2", page[0].ID)

	page, last, more, err = l.History(ctx, "missing", 7, 10)
	require.NoError(t, err)
	assert.Empty(t, page)
	assert.EqualValues(t, 7, last)
	assert.False(t, more)
}

func TestAppendDeduplicates(t *testing.T) {
	l := New()
	first := message("x", "a")
	dup, err := l.Append(context.Background(), first)
	require.NoError(t, err)
	assert.False(t, dup)

	again := message("x", "a")
	again.Content = "retried"
	dup, err = l.Append(context.Background(), again)
	require.NoError(t, err)

	assert.True(t, dup)
	assert.Equal(t, first.Sequence, again.Sequence)
	assert.Equal(t, first.Content, again.Content, "a duplicate returns the stored row")
	assert.Equal(t, 1, l.Len())
}

func TestAppendRequiresConversation(t *testing.T) {
	_, err := New().Append(context.Background(), message("x", ""))
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestSubscribeSeesOnlyNewMessagesInOrder(t *testing.T) {
	l := New()
	ctx := context.Background()
	_, err := l.Append(ctx, message("before", "a"))
	require.NoError(t, err)

	var mu sync.Mutex
	var got []string
	feed, err := l.Subscribe(ctx, "a", func(m model.Message) {
		mu.Lock()
		got = append(got, m.ID)
		mu.Unlock()
	}, nil)
	require.NoError(t, err)
	defer feed.Unsubscribe()

	for i := 0; i < 10; i++ {
		_, err := l.Append(ctx, message(fmt.Sprintf("n%d", i), "a"))
		require.NoError(t, err)
	}
	_, err = l.Append(ctx, message("elsewhere", "b"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 10
	}, time.Second, time.Millisecond)
	mu.Lock()
	assert.Equal(t, "n0", got[0])
	assert.Equal(t, "n9", got[9])
	mu.Unlock()
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	l := New()
	called := make(chan struct{}, 1)
	feed, err := l.Subscribe(context.Background(), "a", func(model.Message) { called <- struct{}{} }, nil)
	require.NoError(t, err)

	require.NoError(t, feed.Unsubscribe())
	require.NoError(t, feed.Unsubscribe())
	_, err = l.Append(context.Background(), message("x", "a"))
	require.NoError(t, err)

	select {
	case <-called:
		t.Fatal("delivered after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowFeedIsLost(t *testing.T) {
	l := New()
	block := make(chan struct{})
	lost := make(chan error, 1)
	_, err := l.Subscribe(context.Background(), "a", func(model.Message) { <-block }, func(err error) { lost <- err })
	require.NoError(t, err)
	defer close(block)

	for i := 0; i < feedBuffer+2; i++ {
		_, err := l.Append(context.Background(), message(fmt.Sprintf("m%d", i), "a"))
		require.NoError(t, err)
	}

	select {
	case err := <-lost:
		assert.ErrorIs(t, err, model.ErrSubscriptionLost)
	case <-time.After(time.Second):
		t.Fatal("feed not reported lost")
	}
}
