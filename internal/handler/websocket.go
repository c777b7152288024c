package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/capitalize-ai/inbox/internal/middleware"
	"github.com/capitalize-ai/inbox/internal/model"
	"github.com/capitalize-ai/inbox/internal/service"
	"github.com/capitalize-ai/inbox/pkg/logger"
	"github.com/capitalize-ai/inbox/pkg/metrics"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// The feed is one-way; clients only send control frames.
	maxMessageSize = 512
)

// Origin is not checked: the bearer token authorizes the socket.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WebSocketHandler serves the live insert feed over a websocket.
type WebSocketHandler struct {
	messageService *service.MessageService
	logger         *logger.Logger
}

// NewWebSocketHandler creates a new websocket handler.
func NewWebSocketHandler(msgSvc *service.MessageService, log *logger.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		messageService: msgSvc,
		logger:         log.Named("websocket"),
	}
}

// Serve handles GET /api/v1/conversations/:id/ws
func (h *WebSocketHandler) Serve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	conversationID := chi.URLParam(r, "id")
	log := h.logger.WithConversation(conversationID)

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	pump := newLivePump()
	feed, err := h.messageService.Subscribe(ctx, userID, conversationID, pump.onEvent, pump.onLost)
	if err != nil {
		writeServiceError(w, h.logger, "subscribe", err)
		return
	}
	defer feed.Unsubscribe()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	metrics.IncrementFeedConnections("websocket")
	defer metrics.DecrementFeedConnections("websocket")

	// The reader only services control frames and notices the peer leaving.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(maxMessageSize)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(pongWait)) })
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Debug("websocket read failed", zap.Error(err))
				}
				return
			}
		}
	}()

	send := func(ev model.FeedEvent) error {
		ev.ConversationID = conversationID
		ev.Timestamp = time.Now().UTC()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(&ev)
	}

	if err := send(model.FeedEvent{Type: model.EventConnected}); err != nil {
		return
	}

	var lastSequence uint64
	if r.URL.Query().Has("after_sequence") {
		var replayed int
		lastSequence, replayed, err = replayHistory(ctx, h.messageService, userID, conversationID, queryUint(r, "after_sequence"),
			func(m model.Message) error {
				return send(model.FeedEvent{Type: model.EventMessage, Message: &m})
			})
		if err != nil {
			log.Error("failed to replay messages", zap.Error(err))
			send(model.FeedEvent{Type: model.EventError, Error: "failed to replay messages"})
			return
		}
		send(model.FeedEvent{Type: model.EventReplayComplete, LastSequence: lastSequence, Replayed: replayed})
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return

		case <-ctx.Done():
			return

		case <-pump.lost:
			log.Warn("live feed lost", zap.Error(pump.err))
			send(model.FeedEvent{Type: model.EventError, Error: pump.err.Error()})
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "feed lost"),
				time.Now().Add(writeWait))
			return

		case m := <-pump.events:
			if m.Sequence != 0 && m.Sequence <= lastSequence {
				continue
			}
			if err := send(model.FeedEvent{Type: model.EventMessage, Message: &m}); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
