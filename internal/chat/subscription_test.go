package chat

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/inbox/internal/model"
	"github.com/capitalize-ai/inbox/pkg/logger"
)

func newTestSubscription(b *fakeBackend, opts ...SubscriptionOption) (*Session, *Subscription) {
	sess := NewSession(model.User{ID: "u1", FullName: "Ada Lovelace"}, NewStore())
	opts = append([]SubscriptionOption{
		WithSubscriptionLogger(logger.NewNop()),
		WithBackOff(instantBackOff),
	}, opts...)
	return sess, NewSubscription(sess, b, opts...)
}

func TestSubscriptionSelectGoesLive(t *testing.T) {
	b := newFakeBackend()
	b.setHistory("a",
		msg("a2", "a", "u2", "second", t0.Add(time.Second)),
		msg("a1", "a", "u2", "first", t0),
	)
	b.participants["a"] = []model.Participant{{ConversationID: "a", UserID: "u2", Role: model.RoleMember}}
	sess, sub := newTestSubscription(b)

	require.NoError(t, sub.Select(context.Background(), "a"))

	assert.Equal(t, StateLive, sub.State())
	assert.False(t, sub.Degraded())
	assert.Equal(t, []string{"a1", "a2"}, ids(sess.Store().View()))
	assert.Equal(t, "a", sess.Selected())
	require.NotNil(t, sess.Conversation())
	assert.Equal(t, "conversation a", sess.Conversation().Name)
	_, ok := sess.Participant("u2")
	assert.True(t, ok)
	assert.Equal(t, 1, b.feedCount())
}

func TestSubscriptionRejectsEmptyID(t *testing.T) {
	_, sub := newTestSubscription(newFakeBackend())

	err := sub.Select(context.Background(), "")
	assert.ErrorIs(t, err, model.ErrValidation)
	assert.Equal(t, StateIdle, sub.State())
}

func TestSubscriptionLiveEventsAreApplied(t *testing.T) {
	b := newFakeBackend()
	sess, sub := newTestSubscription(b)
	require.NoError(t, sub.Select(context.Background(), "a"))

	b.feed(0).emit(msg("a1", "a", "u2", "hi", t0))
	b.feed(0).emit(msg("a1", "a", "u2", "hi", t0))

	assert.Equal(t, []string{"a1"}, ids(sess.Store().View()))
}

func TestSubscriptionSwitchReleasesPreviousFeed(t *testing.T) {
	b := newFakeBackend()
	b.setHistory("b", msg("b1", "b", "u2", "hello b", t0))
	sess, sub := newTestSubscription(b)
	require.NoError(t, sub.Select(context.Background(), "a"))
	feedA := b.feed(0)

	require.NoError(t, sub.Select(context.Background(), "b"))

	assert.True(t, feedA.closed.Load())
	// a straggler from the old feed is dropped even if the transport delivers it
	feedA.onEvent(msg("a9", "a", "u2", "late", t0))
	assert.Equal(t, []string{"b1"}, ids(sess.Store().View()))
	assert.Equal(t, "b", sess.Store().ConversationID())
}

func TestSubscriptionLateHistoryIsDiscarded(t *testing.T) {
	b := newFakeBackend()
	b.setHistory("a", msg("a1", "a", "u2", "from a", t0))
	b.setHistory("b", msg("b1", "b", "u2", "from b", t0))
	releaseA := b.gate("a")
	sess, sub := newTestSubscription(b)

	errA := make(chan error, 1)
	go func() { errA <- sub.Select(context.Background(), "a") }()
	require.Eventually(t, func() bool { return b.historyCalls.Load() >= 1 }, time.Second, time.Millisecond)

	require.NoError(t, sub.Select(context.Background(), "b"))
	releaseA()

	select {
	case err := <-errA:
		assert.ErrorIs(t, err, ErrSuperseded)
	case <-time.After(2 * time.Second):
		t.Fatal("select a did not return")
	}
	assert.Equal(t, StateLive, sub.State())
	assert.Equal(t, []string{"b1"}, ids(sess.Store().View()))
	assert.Equal(t, "b", sess.Store().ConversationID())
}

func TestSubscriptionBuffersEventsWhileBinding(t *testing.T) {
	b := newFakeBackend()
	b.setHistory("a", msg("a1", "a", "u2", "old", t0))
	release := b.gate("a")
	sess, sub := newTestSubscription(b)

	done := make(chan error, 1)
	go func() { done <- sub.Select(context.Background(), "a") }()
	require.Eventually(t, func() bool { return b.historyCalls.Load() >= 1 && b.feedCount() == 1 }, time.Second, time.Millisecond)

	assert.Equal(t, StateBinding, sub.State())
	b.feed(0).emit(msg("a2", "a", "u2", "new", t0.Add(time.Second)))
	// also present in history: must not be duplicated
	b.feed(0).emit(msg("a1", "a", "u2", "old", t0))
	release()

	require.NoError(t, <-done)
	assert.Equal(t, []string{"a1", "a2"}, ids(sess.Store().View()))
}

func TestSubscriptionTransientFailureKeepsPreviousView(t *testing.T) {
	b := newFakeBackend()
	b.setHistory("a", msg("a1", "a", "u2", "from a", t0))
	b.setHistory("b", msg("b1", "b", "u2", "from b", t0))
	sess, sub := newTestSubscription(b, WithHistoryRetries(1))
	require.NoError(t, sub.Select(context.Background(), "a"))

	transient := fmt.Errorf("fetch history: %w", model.ErrTransient)
	b.failHistory("b", transient, transient)

	err := sub.Select(context.Background(), "b")
	require.ErrorIs(t, err, model.ErrTransient)
	assert.Equal(t, StateBinding, sub.State())
	assert.Equal(t, []string{"a1"}, ids(sess.Store().View()))
	assert.Equal(t, "a", sess.Store().ConversationID())
	assert.Equal(t, 2, b.feedCount())

	require.NoError(t, sub.Select(context.Background(), "b"))
	assert.Equal(t, StateLive, sub.State())
	assert.Equal(t, []string{"b1"}, ids(sess.Store().View()))
	assert.Equal(t, 2, b.feedCount(), "retrying the same conversation keeps its feed")
}

func TestSubscriptionRetriesTransientHistory(t *testing.T) {
	b := newFakeBackend()
	b.setHistory("a", msg("a1", "a", "u2", "hi", t0))
	b.failHistory("a", model.ErrTransient, model.ErrTransient)
	sess, sub := newTestSubscription(b, WithHistoryRetries(3))

	require.NoError(t, sub.Select(context.Background(), "a"))
	assert.Equal(t, []string{"a1"}, ids(sess.Store().View()))
	assert.EqualValues(t, 3, b.historyCalls.Load())
}

func TestSubscriptionNotFoundClearsView(t *testing.T) {
	b := newFakeBackend()
	b.setHistory("a", msg("a1", "a", "u2", "from a", t0))
	sess, sub := newTestSubscription(b)
	require.NoError(t, sub.Select(context.Background(), "a"))

	b.failHistory("gone", fmt.Errorf("conversation gone: %w", model.ErrNotFound))
	err := sub.Select(context.Background(), "gone")

	require.ErrorIs(t, err, model.ErrNotFound)
	assert.Equal(t, StateIdle, sub.State())
	assert.Empty(t, sess.Store().View())
	assert.Empty(t, sess.Store().ConversationID())
	assert.Nil(t, sess.Conversation())
	assert.True(t, b.feed(0).closed.Load())
	assert.True(t, b.feed(1).closed.Load())
	assert.EqualValues(t, 2, b.historyCalls.Load(), "not found is not retried")
}

func TestSubscriptionDegradesWhenFeedUnavailable(t *testing.T) {
	b := newFakeBackend()
	b.setHistory("a", msg("a1", "a", "u2", "hi", t0))
	b.subscribeErr = []error{fmt.Errorf("dial: %w", model.ErrTransient)}
	sess, sub := newTestSubscription(b)

	require.NoError(t, sub.Select(context.Background(), "a"))
	assert.Equal(t, StateLive, sub.State())
	assert.True(t, sub.Degraded())

	b.setHistory("a",
		msg("a1", "a", "u2", "hi", t0),
		msg("a2", "a", "u2", "missed", t0.Add(time.Second)),
	)
	require.NoError(t, sub.Refresh(context.Background()))
	assert.Equal(t, []string{"a1", "a2"}, ids(sess.Store().View()))
}

func TestSubscriptionRecoversLostFeed(t *testing.T) {
	b := newFakeBackend()
	b.setHistory("a", msg("a1", "a", "u2", "hi", t0))
	sess, sub := newTestSubscription(b)
	require.NoError(t, sub.Select(context.Background(), "a"))

	b.setHistory("a",
		msg("a1", "a", "u2", "hi", t0),
		msg("a2", "a", "u2", "sent while down", t0.Add(time.Second)),
	)
	b.subscribeErr = []error{model.ErrTransient}
	b.feed(0).lose(model.ErrSubscriptionLost)

	require.Eventually(t, func() bool {
		return b.feedCount() == 2 && !sub.Degraded() && sess.Store().Len() == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateLive, sub.State())

	b.feed(1).emit(msg("a3", "a", "u2", "live again", t0.Add(2*time.Second)))
	assert.Equal(t, []string{"a1", "a2", "a3"}, ids(sess.Store().View()))
}

func TestSubscriptionRefreshWithoutConversation(t *testing.T) {
	_, sub := newTestSubscription(newFakeBackend())
	assert.ErrorIs(t, sub.Refresh(context.Background()), ErrNoConversation)
}

func TestSubscriptionClose(t *testing.T) {
	b := newFakeBackend()
	b.setHistory("a", msg("a1", "a", "u2", "hi", t0))
	sess, sub := newTestSubscription(b)
	require.NoError(t, sub.Select(context.Background(), "a"))
	feed := b.feed(0)

	require.NoError(t, sub.Close())

	assert.Equal(t, StateIdle, sub.State())
	assert.True(t, feed.closed.Load())
	assert.Empty(t, sess.Store().View())
	assert.Empty(t, sess.Selected())
	feed.onEvent(msg("a2", "a", "u2", "after close", t0))
	assert.Empty(t, sess.Store().View())
}
