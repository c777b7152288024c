package remote

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/inbox/internal/chat"
	"github.com/capitalize-ai/inbox/internal/directory"
	"github.com/capitalize-ai/inbox/internal/handler"
	"github.com/capitalize-ai/inbox/internal/memlog"
	"github.com/capitalize-ai/inbox/internal/middleware"
	"github.com/capitalize-ai/inbox/internal/model"
	"github.com/capitalize-ai/inbox/internal/service"
	"github.com/capitalize-ai/inbox/pkg/logger"
)

const secret = "remote-test"

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	log := logger.NewNop()
	dir := directory.NewMemory()
	users := service.NewUserService(dir, log)
	convs := service.NewConversationService(dir, log)
	msgs := service.NewMessageService(service.AdaptLog[*memlog.Feed](memlog.New()), convs, users, log)
	srv := httptest.NewServer(handler.NewRouter(handler.RouterConfig{
		Conversations: convs,
		Messages:      msgs,
		Users:         users,
		JWTSecret:     secret,
		Heartbeat:     time.Hour,
		Logger:        log,
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newClient(t *testing.T, baseURL, userID string, opts ...Option) *Client {
	t.Helper()
	tok, err := middleware.IssueToken(secret, userID, userID, time.Hour)
	require.NoError(t, err)
	c, err := New(baseURL, tok, append([]Option{WithLogger(logger.NewNop())}, opts...)...)
	require.NoError(t, err)
	return c
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New("ftp://example.com", "t")
	assert.Error(t, err)
	_, err = New("://", "t")
	assert.Error(t, err)
}

func TestClientRoundTrip(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()
	alice := newClient(t, srv.URL, "alice", WithPageSize(2))
	bob := newClient(t, srv.URL, "bob")

	_, err := bob.Me(ctx)
	require.NoError(t, err)

	conv, err := alice.CreateConversation(ctx, &model.CreateConversationRequest{Name: "pair", Participants: []string{"bob"}})
	require.NoError(t, err)

	for _, text := range []string{"one", "two", "three", "four", "five"} {
		_, err := alice.InsertMessage(ctx, model.Message{
			ID:             model.PlaceholderPrefix + text,
			ConversationID: conv.ID,
			Kind:           model.KindText,
			Content:        text,
		})
		require.NoError(t, err)
	}

	history, err := alice.FetchHistory(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, history, 5, "history pages until has_more is false")
	for i, want := range []string{"one", "two", "three", "four", "five"} {
		assert.Equal(t, want, history[i].Content)
		assert.False(t, model.IsPlaceholderID(history[i].ID))
	}

	got, err := bob.FetchConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "pair", got.Name)

	parts, err := bob.FetchParticipants(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, parts, 2)

	list, err := bob.ListConversations(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, list.Conversations, 1)
	require.NotNil(t, list.Conversations[0].LastMessage)
	assert.Equal(t, "five", list.Conversations[0].LastMessage.Content)

	me, err := bob.UpdateProfile(ctx, &model.UpdateProfileRequest{FullName: "Bob Builder"})
	require.NoError(t, err)
	assert.Equal(t, "Bob Builder", me.FullName)
}

func TestClientErrorMapping(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()
	alice := newClient(t, srv.URL, "alice")
	mallory := newClient(t, srv.URL, "mallory")

	conv, err := alice.CreateConversation(ctx, &model.CreateConversationRequest{Participants: []string{"bob"}})
	require.NoError(t, err)

	_, err = mallory.FetchHistory(ctx, conv.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = mallory.SubscribeInserts(ctx, conv.ID, func(model.Message) {}, func(error) {})
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = alice.InsertMessage(ctx, model.Message{ConversationID: conv.ID, Content: "   "})
	assert.ErrorIs(t, err, model.ErrValidation)

	bad, err := New(srv.URL, "not-a-token", WithLogger(logger.NewNop()))
	require.NoError(t, err)
	_, err = bad.ListConversations(ctx, 0, 0)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.False(t, model.IsRetryable(err))
}

func TestClientTransientStatuses(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusServiceUnavailable)
	stub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
		w.Write([]byte(`{"error":"busy"}`))
	}))
	defer stub.Close()
	c := newClient(t, stub.URL, "alice")

	_, err := c.FetchHistory(context.Background(), "c1")
	assert.ErrorIs(t, err, model.ErrTransient)
	assert.Contains(t, err.Error(), "busy")

	status.Store(http.StatusTooManyRequests)
	_, err = c.FetchConversation(context.Background(), "c1")
	assert.ErrorIs(t, err, model.ErrTransient)

	stub.Close()
	_, err = c.FetchParticipants(context.Background(), "c1")
	assert.ErrorIs(t, err, model.ErrTransient, "connection failures are transient")
}

func TestFeedDeliversAndUnsubscribes(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()
	alice := newClient(t, srv.URL, "alice")
	bob := newClient(t, srv.URL, "bob")
	conv, err := alice.CreateConversation(ctx, &model.CreateConversationRequest{Participants: []string{"bob"}})
	require.NoError(t, err)

	got := make(chan model.Message, 4)
	var lost atomic.Int32
	feed, err := bob.SubscribeInserts(ctx, conv.ID, func(m model.Message) { got <- m }, func(error) { lost.Add(1) })
	require.NoError(t, err)

	_, err = alice.InsertMessage(ctx, model.Message{ConversationID: conv.ID, Content: "live"})
	require.NoError(t, err)

	select {
	case m := <-got:
		assert.Equal(t, "live", m.Content)
	case <-time.After(5 * time.Second):
		t.Fatal("no live event")
	}

	require.NoError(t, feed.Unsubscribe())
	require.NoError(t, feed.Unsubscribe())
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, lost.Load(), "an intentional unsubscribe is not a loss")
}

// feedStub accepts a websocket, confirms the subscription, then runs after.
func feedStub(t *testing.T, after func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteJSON(model.FeedEvent{Type: model.EventConnected})
		after(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFeedReportsLossOnce(t *testing.T) {
	tests := []struct {
		name  string
		after func(conn *websocket.Conn)
	}{
		{"connection dropped", func(conn *websocket.Conn) {}},
		{"error frame", func(conn *websocket.Conn) {
			conn.WriteJSON(model.FeedEvent{Type: model.EventError, Error: "client too slow"})
			time.Sleep(200 * time.Millisecond)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClient(t, feedStub(t, tt.after).URL, "alice")

			lost := make(chan error, 2)
			_, err := c.SubscribeInserts(context.Background(), "c1", func(model.Message) {}, func(err error) { lost <- err })
			require.NoError(t, err)

			select {
			case err := <-lost:
				assert.ErrorIs(t, err, model.ErrSubscriptionLost)
			case <-time.After(5 * time.Second):
				t.Fatal("loss not reported")
			}
			select {
			case <-lost:
				t.Fatal("loss reported twice")
			case <-time.After(300 * time.Millisecond):
			}
		})
	}
}

func TestSubscribeRequiresConnectedFrame(t *testing.T) {
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteJSON(model.FeedEvent{Type: model.EventHeartbeat})
	}))
	defer srv.Close()
	c := newClient(t, srv.URL, "alice")

	_, err := c.SubscribeInserts(context.Background(), "c1", func(model.Message) {}, func(error) {})
	assert.ErrorIs(t, err, model.ErrTransient)
}

func zeroBackOff() backoff.BackOff { return &backoff.ZeroBackOff{} }

// Two users' sync cores converge through the real API: the sender's
// optimistic entry is confirmed exactly once and the reader sees it live.
func TestSyncCoreEndToEnd(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()
	alice := newClient(t, srv.URL, "alice")
	bob := newClient(t, srv.URL, "bob")
	conv, err := alice.CreateConversation(ctx, &model.CreateConversationRequest{Participants: []string{"bob"}})
	require.NoError(t, err)

	open := func(c *Client, self string) (*chat.Session, *chat.Subscription) {
		sess := chat.NewSession(model.User{ID: self, FullName: self}, nil)
		sub := chat.NewSubscription(sess, c,
			chat.WithSubscriptionLogger(logger.NewNop()),
			chat.WithBackOff(zeroBackOff),
		)
		require.NoError(t, sub.Select(ctx, conv.ID))
		t.Cleanup(func() { sub.Close() })
		return sess, sub
	}
	aliceSess, aliceSub := open(alice, "alice")
	bobSess, _ := open(bob, "bob")
	assert.Equal(t, chat.StateLive, aliceSub.State())
	require.NotNil(t, aliceSess.Conversation())

	composer := chat.NewComposer(aliceSess, alice, chat.WithComposerLogger(logger.NewNop()))
	receipt, err := composer.SubmitText(ctx, "hello")
	require.NoError(t, err)
	require.Equal(t, 1, aliceSess.Store().Len(), "optimistic entry is visible at once")

	sent, err := receipt.Wait(ctx)
	require.NoError(t, err)
	composer.Wait()

	require.Eventually(t, func() bool { return bobSess.Store().Len() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, sent.ID, bobSess.Store().View()[0].ID)

	// The echo of alice's own insert must not duplicate her entry.
	time.Sleep(100 * time.Millisecond)
	view := aliceSess.Store().View()
	require.Len(t, view, 1)
	assert.Equal(t, sent.ID, view[0].ID)
	assert.Equal(t, model.DeliveryConfirmed, view[0].State)
	assert.Zero(t, aliceSess.Store().Pending())
}
