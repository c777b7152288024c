package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/inbox/internal/middleware"
	"github.com/capitalize-ai/inbox/internal/model"
	"github.com/capitalize-ai/inbox/internal/service"
	"github.com/capitalize-ai/inbox/pkg/logger"
	"github.com/capitalize-ai/inbox/pkg/metrics"
)

// StreamHandler handles SSE streaming endpoints.
type StreamHandler struct {
	messageService *service.MessageService
	heartbeat      time.Duration
	logger         *logger.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(msgSvc *service.MessageService, heartbeat time.Duration, log *logger.Logger) *StreamHandler {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &StreamHandler{
		messageService: msgSvc,
		heartbeat:      heartbeat,
		logger:         log.Named("stream"),
	}
}

// Stream handles GET /api/v1/conversations/:id/stream
// Supports ?after_sequence=N for resuming from a specific point
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	conversationID := chi.URLParam(r, "id")
	log := h.logger.WithConversation(conversationID)

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Subscribe before replaying so nothing inserted meanwhile is missed.
	pump := newLivePump()
	feed, err := h.messageService.Subscribe(ctx, userID, conversationID, pump.onEvent, pump.onLost)
	if err != nil {
		writeServiceError(w, h.logger, "subscribe", err)
		return
	}
	defer feed.Unsubscribe()

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	metrics.IncrementFeedConnections("sse")
	defer metrics.DecrementFeedConnections("sse")

	send := func(ev model.FeedEvent) error {
		ev.ConversationID = conversationID
		ev.Timestamp = time.Now().UTC()
		return sendSSEEvent(w, flusher, string(ev.Type), &ev)
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
		log.Info("message replay complete",
			zap.Int("messages_replayed", replayed),
			zap.Uint64("last_sequence", lastSequence),
		)
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("SSE client disconnected")
			return

		case <-pump.lost:
			log.Warn("live feed lost", zap.Error(pump.err))
			send(model.FeedEvent{Type: model.EventError, Error: pump.err.Error()})
			return

		case m := <-pump.events:
			if m.Sequence != 0 && m.Sequence <= lastSequence {
				continue
			}
			if err := send(model.FeedEvent{Type: model.EventMessage, Message: &m}); err != nil {
				return
			}

		case <-heartbeat.C:
			if err := send(model.FeedEvent{Type: model.EventHeartbeat}); err != nil {
				return
			}
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	flusher.Flush()

	return nil
}
