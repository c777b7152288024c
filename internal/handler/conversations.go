// Package handler provides HTTP handlers for the API.
package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/inbox/internal/middleware"
	"github.com/capitalize-ai/inbox/internal/model"
	"github.com/capitalize-ai/inbox/internal/service"
	"github.com/capitalize-ai/inbox/pkg/logger"
)

// ConversationHandler handles conversation endpoints.
type ConversationHandler struct {
	service *service.ConversationService
	logger  *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(svc *service.ConversationService, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		service: svc,
		logger:  log.Named("conversations"),
	}
}

// Create handles POST /api/v1/conversations
func (h *ConversationHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	var req model.CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := middleware.ValidateName(req.Name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Kind != "" && !req.Kind.Valid() {
		writeError(w, http.StatusBadRequest, "unknown conversation kind")
		return
	}

	conv, err := h.service.Create(ctx, userID, &req)
	if err != nil {
		writeServiceError(w, h.logger, "create conversation", err)
		return
	}

	writeJSON(w, http.StatusCreated, conv)
}

// List handles GET /api/v1/conversations
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	limit := queryInt(r, "limit", 20, 100)
	offset := 0
	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	resp, err := h.service.List(ctx, userID, limit, offset)
	if err != nil {
		writeServiceError(w, h.logger, "list conversations", err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Get handles GET /api/v1/conversations/:id
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := h.service.Get(ctx, userID, conversationID)
	if err != nil {
		writeServiceError(w, h.logger, "get conversation", err)
		return
	}

	writeJSON(w, http.StatusOK, conv)
}

// Participants handles GET /api/v1/conversations/:id/participants
func (h *ConversationHandler) Participants(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	participants, err := h.service.Participants(ctx, userID, conversationID)
	if err != nil {
		writeServiceError(w, h.logger, "list participants", err)
		return
	}

	writeJSON(w, http.StatusOK, participants)
}
