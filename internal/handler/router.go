package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capitalize-ai/inbox/internal/middleware"
	"github.com/capitalize-ai/inbox/internal/service"
	"github.com/capitalize-ai/inbox/pkg/logger"
)

// RouterConfig wires the services and settings the API routes need.
type RouterConfig struct {
	Conversations *service.ConversationService
	Messages      *service.MessageService
	Users         *service.UserService
	Ready         map[string]Pinger

	JWTSecret         string
	CORSOrigins       []string
	RateLimitRequests int
	RateLimitWindow   time.Duration
	Heartbeat         time.Duration

	Logger *logger.Logger
}

// NewRouter builds the HTTP API.
func NewRouter(cfg RouterConfig) http.Handler {
	log := cfg.Logger
	if log == nil {
		log = logger.Global()
	}

	healthHandler := NewHealthHandler(cfg.Ready)
	conversationHandler := NewConversationHandler(cfg.Conversations, log)
	messageHandler := NewMessageHandler(cfg.Messages, log)
	streamHandler := NewStreamHandler(cfg.Messages, cfg.Heartbeat, log)
	wsHandler := NewWebSocketHandler(cfg.Messages, log)
	userHandler := NewUserHandler(cfg.Users, log)

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORSOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// API routes with authentication
	r.Route("/api/v1", func(r chi.Router) {
		if cfg.RateLimitRequests > 0 {
			r.Use(middleware.RateLimit(cfg.RateLimitRequests*2, cfg.RateLimitWindow))
		}
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.EnsureUser(cfg.Users, log))
		if cfg.RateLimitRequests > 0 {
			r.Use(middleware.UserRateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
		}

		r.Get("/users/me", userHandler.Me)
		r.Put("/users/me", userHandler.UpdateMe)

		// Conversations
		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", conversationHandler.Create)
			r.Get("/", conversationHandler.List)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", conversationHandler.Get)
				r.Get("/participants", conversationHandler.Participants)

				// Messages
				r.Get("/messages", messageHandler.List)
				r.Post("/messages", messageHandler.Send)

				// Live feed
				r.Get("/stream", streamHandler.Stream)
				r.Get("/ws", wsHandler.Serve)
			})
		})
	})

	return r
}
