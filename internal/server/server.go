// Package server contains HTTP and WebSocket handlers for the application's API endpoints.
package server

import (
	"context"
	"log/slog"
	"time"

	_ "lectern/docs" // swagger docs
	"lectern/internal/bootstrap"
	"lectern/internal/config"
	"lectern/internal/featureflags"
	"lectern/internal/livekit"
	"lectern/internal/middleware"
	"lectern/internal/models"
	"lectern/internal/notifications"
	"lectern/internal/repository"
	"lectern/internal/service"
	"lectern/internal/storage"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/gofiber/swagger"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Server holds all dependencies and provides handlers
type Server struct {
	config         *config.Config
	db             *gorm.DB
	redis          *redis.Client
	app            *fiber.App
	promMiddleware *fiberprometheus.FiberPrometheus
	shutdownCtx    context.Context
	shutdownFn     context.CancelFunc

	verifier     *middleware.TokenVerifier
	userRepo     repository.UserRepository
	convRepo     repository.ConversationRepository
	messageRepo  repository.MessageRepository
	blockRepo    repository.BlockRepository
	callRepo     repository.CallRepository
	store        storage.Storage
	featureFlags *featureflags.Manager

	conversations *service.ConversationService
	messages      *service.MessageService
	calls         *service.CallService

	notifier    *notifications.Notifier
	hub         *notifications.Hub
	presence    *notifications.Presence
	gateway     *notifications.Gateway
	sendLimiter middleware.Limiter
}

// Options override collaborators that are otherwise built from config.
// Nil fields use the defaults.
type Options struct {
	Storage      storage.Storage
	CallProvider service.CallProvider
}

// NewServer creates a new server instance with all dependencies
func NewServer(cfg *config.Config) (*Server, error) {
	db, rdb, err := bootstrap.InitRuntime(context.Background(), cfg)
	if err != nil {
		return nil, err
	}
	return NewServerWithDeps(cfg, db, rdb, Options{})
}

// NewServerWithDeps creates a Server using already-initialized dependencies.
// Use this in tests or when a bootstrap layer establishes DB/Redis.
func NewServerWithDeps(cfg *config.Config, db *gorm.DB, redisClient *redis.Client, opts Options) (*Server, error) {
	s := &Server{
		config:         cfg,
		db:             db,
		redis:          redisClient,
		promMiddleware: middleware.InitMetrics("lectern-api"),
		verifier:       middleware.NewTokenVerifier(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience),
		userRepo:       repository.NewUserRepository(db),
		convRepo:       repository.NewConversationRepository(db),
		messageRepo:    repository.NewMessageRepository(db),
		blockRepo:      repository.NewBlockRepository(db),
		callRepo:       repository.NewCallRepository(db),
		featureFlags:   featureflags.NewManager(cfg.FeatureFlags),
	}

	s.store = opts.Storage
	if s.store == nil {
		store, err := storage.New(context.Background(), cfg)
		if err != nil {
			// Attachments are rejected with SERVICE_UNAVAILABLE until storage is fixed.
			middleware.Logger.Warn("Attachment storage unavailable", slog.String("error", err.Error()))
		} else {
			s.store = store
		}
	}

	var provider service.CallProvider = opts.CallProvider
	if provider == nil {
		provider = livekit.NewProvider(cfg)
	}

	s.conversations = service.NewConversationService(s.convRepo, s.messageRepo, s.userRepo, s.blockRepo)
	s.messages = service.NewMessageService(s.conversations, s.convRepo, s.messageRepo, s.blockRepo,
		s.store, s.featureFlags, cfg.MaxUploadBytes())
	s.calls = service.NewCallService(s.conversations, s.convRepo, s.userRepo, s.callRepo, provider)

	s.buildRealtime()
	return s, nil
}

// buildRealtime wires the gateway. Redis-backed shared state is used only
// when REALTIME_SHARED_STATE is set and a client is available.
func (s *Server) buildRealtime() {
	cfg := s.config
	shared := cfg.RealtimeSharedState && s.redis != nil

	var (
		rdb      *redis.Client
		throttle notifications.Throttle
	)
	if shared {
		rdb = s.redis
		s.notifier = notifications.NewNotifier(s.redis)
		s.sendLimiter = middleware.NewRedisSlidingWindow(s.redis, "message_send", cfg.MessageRateLimit, cfg.MessageRateWindow())
		throttle = notifications.NewRedisThrottle(s.redis, cfg.TypingThrottle())
	} else {
		s.sendLimiter = middleware.NewSlidingWindow(cfg.MessageRateLimit, cfg.MessageRateWindow())
		throttle = notifications.NewMemoryThrottle(cfg.TypingThrottle())
	}

	s.hub = notifications.NewHub(notifications.HubConfig{
		MaxConnsPerUser: cfg.MaxConnsPerUser,
		MaxTotalConns:   cfg.MaxTotalConns,
	})
	s.presence = notifications.NewPresence(rdb, s.userRepo, s.convRepo)
	s.gateway = notifications.NewGateway(notifications.GatewayOptions{
		Hub:           s.hub,
		Presence:      s.presence,
		Verifier:      s.verifier,
		Users:         s.userRepo,
		Conversations: s.conversations,
		Messages:      s.messages,
		Limiter:       s.sendLimiter,
		Throttle:      throttle,
		Names:         notifications.NewNameCache(s.userRepo, cfg.DisplayNameTTL()),
	})
}

// SetupMiddleware configures middleware for the Fiber app
func (s *Server) SetupMiddleware(app *fiber.App) {
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(middleware.TracingMiddleware())
	app.Use(middleware.ContextMiddleware())

	if s.promMiddleware != nil {
		app.Use(middleware.MetricsMiddleware(s.promMiddleware))
	}

	app.Use(helmet.New(helmet.Config{CrossOriginResourcePolicy: "cross-origin"}))
	app.Use(middleware.StructuredLogger())

	// CORS runs before the limiter so rejected requests still carry CORS headers.
	origins := s.config.AllowedOrigins
	if origins == "" {
		origins = "http://localhost:5173,http://localhost:3000,http://127.0.0.1:5173"
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version",
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Global rate limiting (100 requests per minute per IP)
	app.Use(limiter.New(limiter.Config{
		Max:        100,
		Expiration: 1 * time.Minute,
		Next: func(c *fiber.Ctx) bool {
			return c.Method() == fiber.MethodOptions || c.Path() == "/api/ws"
		},
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return models.RespondWithError(c, fiber.StatusTooManyRequests,
				models.NewRateLimitedError("Too many requests, please try again later."))
		},
	}))
}

// SetupRoutes configures all routes for the application
func (s *Server) SetupRoutes(app *fiber.App) {
	api := app.Group("/api")

	app.Get("/health/live", s.LivenessCheck)
	app.Get("/health/ready", s.ReadinessCheck)
	app.Get("/health", s.ReadinessCheck)

	if s.promMiddleware != nil {
		s.promMiddleware.RegisterAt(app, "/metrics")
	}

	api.Get("/swagger/*", swagger.HandlerDefault)

	if local, ok := s.store.(*storage.LocalStorage); ok {
		app.Static("/uploads", local.Root(), fiber.Static{ByteRange: true, MaxAge: 3600})
	}

	// The token is checked after the upgrade so failures reach the client
	// as connection:error frames.
	api.Get("/ws", requireUpgrade, middleware.CaptureHandshakeToken(), s.WebSocketHandler())

	api.Get("/calls/health", s.CallHealth)

	protected := api.Group("", middleware.AuthRequired(s.verifier))
	protected.Get("/feature-flags", s.GetFeatureFlags)

	conversations := protected.Group("/conversations")
	conversations.Get("/", s.ListConversations)
	conversations.Post("/direct", s.CreateDirectConversation)
	conversations.Post("/group", s.CreateGroupConversation)
	// Define specific /:id/:resource routes BEFORE generic /:id route
	conversations.Get("/:id/unread", s.GetUnread)
	conversations.Post("/:id/read", s.MarkConversationRead)
	conversations.Post("/:id/clear", s.ClearConversation)
	conversations.Post("/:id/archive", s.ArchiveConversation)
	conversations.Delete("/:id/archive", s.UnarchiveConversation)
	conversations.Post("/:id/members", s.AddMembers)
	conversations.Delete("/:id/members/:userId", s.RemoveMember)
	conversations.Put("/:id/members/:userId/role", s.SetMemberRole)
	conversations.Get("/:id/presence", s.GetConversationPresence)

	conversations.Get("/:id/messages/media", s.ListMediaMessages)
	conversations.Get("/:id/messages/files", s.ListFileMessages)
	conversations.Get("/:id/messages", s.ListMessages)
	conversations.Post("/:id/messages", middleware.RateLimit(s.sendLimiter, "message_send"), s.SendMessage)

	call := conversations.Group("/:id/call")
	call.Get("/", s.GetActiveCall)
	call.Post("/start", s.StartCall)
	call.Post("/join", s.callAction(s.calls.Join))
	call.Post("/leave", s.callAction(s.calls.Leave))
	call.Post("/mute", s.callAction(s.calls.Mute))
	call.Post("/unmute", s.callAction(s.calls.Unmute))
	call.Post("/camera/off", s.callAction(s.calls.CameraOff))
	call.Post("/camera/on", s.callAction(s.calls.CameraOn))
	call.Post("/end", s.callAction(s.calls.End))
	call.Post("/token", s.IssueCallToken)

	// Generic /:id route must be last
	conversations.Get("/:id", s.GetConversation)

	messages := protected.Group("/messages")
	messages.Get("/search", s.SearchMessages)
	messages.Delete("/:id", s.DeleteMessage)
	messages.Post("/:id/report", s.ReportMessage)

	blocks := protected.Group("/blocks")
	blocks.Get("/", s.ListBlocks)
	blocks.Post("/:userId", s.BlockUser)
	blocks.Delete("/:userId", s.UnblockUser)
}

// Start starts the server
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.shutdownCtx = ctx
	s.shutdownFn = cancel

	app := fiber.New(fiber.Config{
		AppName:   "Lectern Realtime API",
		BodyLimit: int(s.config.MaxUploadBytes()) + 1<<20,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			if fe, ok := err.(*fiber.Error); ok {
				return c.Status(fe.Code).JSON(models.ErrorResponse{Error: fe.Message})
			}
			middleware.Logger.ErrorContext(c.UserContext(), "unhandled error", slog.String("error", err.Error()))
			return models.RespondWithError(c, fiber.StatusInternalServerError, models.NewInternalError(err))
		},
	})
	s.app = app

	s.SetupMiddleware(app)
	s.SetupRoutes(app)

	if s.notifier != nil {
		if err := s.hub.StartRelay(s.shutdownCtx, s.notifier); err != nil {
			middleware.Logger.Error("failed to start gateway relay", slog.String("error", err.Error()))
		}
	}

	middleware.Logger.Info("Server starting", slog.String("port", s.config.Port))
	return app.Listen(":" + s.config.Port)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.shutdownFn != nil {
		s.shutdownFn()
	}

	if s.app != nil {
		if err := s.app.ShutdownWithContext(ctx); err != nil {
			middleware.Logger.Error("error shutting down HTTP server", slog.String("error", err.Error()))
		}
	}

	if s.hub != nil {
		if err := s.hub.Shutdown(ctx); err != nil {
			middleware.Logger.Error("error shutting down gateway", slog.String("error", err.Error()))
		}
	}

	if sqlDB, err := s.db.DB(); err == nil {
		if cerr := sqlDB.Close(); cerr != nil {
			middleware.Logger.Error("error closing sql DB", slog.String("error", cerr.Error()))
		}
	}

	if s.redis != nil {
		if rerr := s.redis.Close(); rerr != nil {
			middleware.Logger.Error("error closing redis", slog.String("error", rerr.Error()))
		}
	}

	middleware.Logger.Info("Server shutdown complete")
	return nil
}
