// Package server wires the HTTP surface: routing, middleware, and the
// handlers for auth, lifecycle, publish, streaming, usage and admin.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gmslzr/ephemeral-be/internal/auth"
	"github.com/gmslzr/ephemeral-be/internal/broker"
	"github.com/gmslzr/ephemeral-be/internal/config"
	"github.com/gmslzr/ephemeral-be/internal/limits"
	"github.com/gmslzr/ephemeral-be/internal/metrics"
	"github.com/gmslzr/ephemeral-be/internal/quota"
	"github.com/gmslzr/ephemeral-be/internal/store"
	"github.com/gmslzr/ephemeral-be/internal/stream"
)

// Broker is the slice of the messaging client the handlers use.
type Broker interface {
	EnsureTopic(ctx context.Context, name string) error
	DeleteTopic(ctx context.Context, name string) error
	Publish(ctx context.Context, topic string, payloads [][]byte) error
	OpenConsumer(topic, group string) (stream.Consumer, error)
	Healthy(ctx context.Context) error
}

// QuotaEngine is the slice of the quota engine the handlers use.
type QuotaEngine interface {
	CheckAndIncrement(ctx context.Context, userID, projectID uuid.UUID, dir quota.Direction, messages, bytes int64) (quota.Result, error)
	Usage(ctx context.Context, userID uuid.UUID, projectID *uuid.UUID, day time.Time) (quota.Usage, error)
	UsageByProject(ctx context.Context, userID uuid.UUID, day time.Time) ([]quota.ProjectUsage, error)
}

// kafkaBroker adapts *broker.Broker to the Broker interface; OpenConsumer
// needs the explicit wrapper because Go interfaces are not covariant in
// return types.
type kafkaBroker struct {
	*broker.Broker
}

// NewKafkaBroker wraps the concrete broker client for dependency injection.
func NewKafkaBroker(b *broker.Broker) Broker {
	return kafkaBroker{b}
}

func (k kafkaBroker) OpenConsumer(topic, group string) (stream.Consumer, error) {
	consumer, err := k.Broker.OpenConsumer(topic, group)
	if err != nil {
		return nil, err
	}
	return consumer, nil
}

// Deps carries everything the server needs, constructed once at startup.
type Deps struct {
	Config   *config.Config
	Logger   zerolog.Logger
	Store    *store.Store
	Broker   Broker
	Quota    QuotaEngine
	Registry *stream.Registry
	Limiter  *limits.Limiter
	Resolver *auth.Resolver
	Tokens   *auth.TokenManager
}

// Server is the HTTP gateway.
type Server struct {
	cfg      *config.Config
	logger   zerolog.Logger
	store    *store.Store
	broker   Broker
	quota    QuotaEngine
	registry *stream.Registry
	limiter  *limits.Limiter
	resolver *auth.Resolver
	tokens   *auth.TokenManager

	httpServer *http.Server
}

func New(deps Deps) *Server {
	s := &Server{
		cfg:      deps.Config,
		logger:   deps.Logger,
		store:    deps.Store,
		broker:   deps.Broker,
		quota:    deps.Quota,
		registry: deps.Registry,
		limiter:  deps.Limiter,
		resolver: deps.Resolver,
		tokens:   deps.Tokens,
	}
	s.httpServer = &http.Server{
		Addr:        deps.Config.Addr,
		Handler:     s.Router(),
		ReadTimeout: deps.Config.HTTPReadTimeout,
		IdleTimeout: deps.Config.HTTPIdleTimeout,
		// WriteTimeout stays 0: SSE responses outlive any fixed deadline.
	}
	return s
}

// Router assembles the middleware chain and route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestID)
	r.Use(s.requestLog)
	r.Use(s.recoverPanic)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOriginList(),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Admin-API-Key", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Unlimited surface: liveness probes and scrapes must not spend tokens.
	r.Get("/", s.handleRoot)
	r.Get("/healthcheck", s.handleHealthcheck)
	r.Get("/metrics", metrics.HandleMetrics)

	// Anonymous surface, rate limited by client address.
	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Post("/auth/signup", s.handleSignup)
		r.Post("/auth/login", s.handleLogin)
		r.Get("/admin/active-streams", s.handleActiveStreams)
	})

	// Authenticated surface, rate limited per tenant.
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.rateLimit)

		r.Get("/auth/me", s.handleMe)
		r.Patch("/auth/me", s.handleUpdateMe)
		r.Delete("/auth/me", s.handleDeleteMe)

		r.Get("/api-keys", s.handleListAPIKeys)
		r.Post("/api-keys", s.handleCreateAPIKey)
		r.Delete("/api-keys/{id}", s.handleDeleteAPIKey)

		r.Get("/projects", s.handleListProjects)
		r.Post("/projects", s.handleCreateProject)
		r.Patch("/projects/{id}", s.handleUpdateProject)
		r.Delete("/projects/{id}", s.handleDeleteProject)

		r.Get("/topics", s.handleListTopics)
		r.Post("/topics/{name}/publish", s.handlePublish)
		r.Get("/topics/{name}/stream", s.handleStream)

		r.Get("/usage", s.handleUsage)
		r.Get("/usage/projects", s.handleUsageProjects)
	})

	return r
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("Gateway listening")
	if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests, including open streams, until ctx
// expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Draining HTTP connections")
	return s.httpServer.Shutdown(ctx)
}
