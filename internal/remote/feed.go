package remote

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/capitalize-ai/inbox/internal/chat"
	"github.com/capitalize-ai/inbox/internal/model"
	"github.com/capitalize-ai/inbox/pkg/logger"
)

const (
	// The server pings well inside this window.
	feedIdleTimeout = 90 * time.Second

	controlWait = 5 * time.Second
)

// Feed is a live insert feed carried by a websocket.
type Feed struct {
	conn *websocket.Conn
	log  *logger.Logger

	mu     sync.Mutex
	closed bool
}

var _ chat.Feed = (*Feed)(nil)

// SubscribeInserts opens the conversation's websocket feed. It returns once
// the server has confirmed the subscription, so inserts made afterwards are
// delivered. ctx bounds the handshake only.
func (c *Client) SubscribeInserts(ctx context.Context, conversationID string, onEvent func(model.Message), onLost func(error)) (chat.Feed, error) {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = c.base.Path + "/api/v1" + conversationPath(conversationID, "/ws")

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			defer resp.Body.Close()
			return nil, statusError(resp)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: dialing live feed: %v", model.ErrTransient, err)
	}

	var first model.FeedEvent
	if dl, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(dl)
	} else {
		conn.SetReadDeadline(time.Now().Add(c.dialer.HandshakeTimeout))
	}
	if err := conn.ReadJSON(&first); err != nil || first.Type != model.EventConnected {
		conn.Close()
		if err == nil {
			err = fmt.Errorf("unexpected first frame %q", first.Type)
		}
		return nil, fmt.Errorf("%w: live feed handshake: %v", model.ErrTransient, err)
	}

	f := &Feed{conn: conn, log: c.logger.WithConversation(conversationID)}
	conn.SetReadDeadline(time.Now().Add(feedIdleTimeout))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(feedIdleTimeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(controlWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})
	go f.read(onEvent, onLost)
	return f, nil
}

// read delivers frames in arrival order until the connection ends.
func (f *Feed) read(onEvent func(model.Message), onLost func(error)) {
	for {
		var ev model.FeedEvent
		if err := f.conn.ReadJSON(&ev); err != nil {
			f.lose(fmt.Errorf("%w: %v", model.ErrSubscriptionLost, err), onLost)
			return
		}
		switch ev.Type {
		case model.EventMessage:
			if ev.Message != nil && !f.stopped() {
				onEvent(*ev.Message)
			}
		case model.EventError:
			f.lose(fmt.Errorf("%w: %s", model.ErrSubscriptionLost, ev.Error), onLost)
			return
		}
	}
}

func (f *Feed) stopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// lose reports the drop unless the feed was released on purpose.
func (f *Feed) lose(err error, onLost func(error)) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.mu.Unlock()

	f.conn.Close()
	f.log.Debug("live feed dropped", zap.Error(err))
	if onLost != nil {
		onLost(err)
	}
}

// Unsubscribe closes the websocket without waiting for the reader.
func (f *Feed) Unsubscribe() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()

	f.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(controlWait))
	return f.conn.Close()
}
