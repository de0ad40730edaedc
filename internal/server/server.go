// Package server assembles the HTTP surface of the resolver.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Agent-Field/agentfield-dids/internal/config"
	"github.com/Agent-Field/agentfield-dids/internal/handlers"
	"github.com/Agent-Field/agentfield-dids/internal/logger"
	"github.com/Agent-Field/agentfield-dids/internal/server/middleware"
)

// Dependencies are the services the routes are served from.
type Dependencies struct {
	Resolver handlers.DIDResolutionService
	Records  handlers.DIDRecordService
	Verifier middleware.DIDOwnershipVerifier
}

// NewRouter builds the gin engine. Path values are kept raw so that
// percent-encoded DIDs (did:web ports) reach the handlers unchanged.
func NewRouter(cfg config.ServerConfig, deps Dependencies) *gin.Engine {
	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}
	router := gin.New()
	router.UseRawPath = true
	router.UnescapePathValues = false
	router.Use(gin.Recovery(), middleware.RequestLogger())
	router.Use(middleware.APIKeyAuth(middleware.AuthConfig{
		APIKey:     cfg.Auth.APIKey,
		APIKeyHash: cfg.Auth.APIKeyHash,
		SkipPaths:  cfg.Auth.SkipPaths,
	}))

	router.GET("/health", handlers.HealthHandler(deps.Resolver, time.Now()))

	api := router.Group("/1.0")
	handlers.NewResolverHandlers(deps.Resolver).RegisterRoutes(api)

	if deps.Records != nil {
		records := api.Group("")
		if deps.Verifier != nil {
			records.Use(middleware.DIDAuthMiddleware(deps.Verifier, middleware.DIDAuthConfig{
				Enabled:                cfg.DIDAuth.Enabled,
				TimestampWindowSeconds: cfg.DIDAuth.TimestampWindowSeconds,
				NonceCacheSize:         cfg.DIDAuth.NonceCacheSize,
			}))
		}
		handlers.NewRecordHandlers(deps.Records).RegisterRoutes(records)
	}
	return router
}

// Server wraps the HTTP server lifecycle.
type Server struct {
	httpServer *http.Server
}

// New creates a server listening on cfg.Port.
func New(cfg config.ServerConfig, deps Dependencies) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      NewRouter(cfg, deps),
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start blocks serving requests until Shutdown is called.
func (s *Server) Start() error {
	logger.Logger.Info().Str("addr", s.httpServer.Addr).Msg("DID resolver listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
