package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/glefebvre/moviepilot/internal/eventbus"
	"github.com/glefebvre/moviepilot/internal/logger"
	"github.com/glefebvre/moviepilot/internal/models"
	"github.com/glefebvre/moviepilot/internal/plugin"
	"github.com/glefebvre/moviepilot/internal/provider"
)

// Subscriptions is the subscription engine as seen by the API
type Subscriptions interface {
	List(ctx context.Context) ([]models.Subscription, error)
}

// Deps are the subsystems the API exposes. Nil members disable their routes.
type Deps struct {
	Bus           *eventbus.Bus
	Registry      *provider.Registry
	Plugins       *plugin.Host
	Subscriptions Subscriptions
	// Health reports whether the database is reachable
	Health      func(ctx context.Context) error
	CORSOrigins []string
}

// Server represents the API server
type Server struct {
	deps   Deps
	router *gin.Engine
	http   *http.Server
	log    *logger.Logger
}

// NewServer creates a new API server instance
func NewServer(deps Deps) *Server {
	router := gin.New()
	router.Use(requestIDMiddleware(), errorHandlerMiddleware(), accessLogMiddleware())
	if len(deps.CORSOrigins) > 0 {
		router.Use(cors.New(corsConfig(deps.CORSOrigins)))
	}

	s := &Server{
		deps:   deps,
		router: router,
		log:    logger.AppLogger(),
	}

	s.setupRoutes()

	return s
}

// Handler exposes the routes, mostly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run starts the API server on the specified port and blocks until Shutdown
func (s *Server) Run(port int) error {
	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.WithField("port", port).Info("api server listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	// Health check endpoint
	s.router.GET("/health", s.healthCheck)

	v1 := s.router.Group("/api/v1")
	{
		// Inbound provider traffic
		v1.POST("/webhook/mediaserver/:provider", s.mediaServerWebhook)
		v1.GET("/webhook/mediaserver/:provider", s.mediaServerWebhook)
		v1.POST("/message/:provider", s.inboundMessage)

		// Live event stream
		v1.GET("/events", s.eventStream)

		v1.GET("/subscriptions", s.listSubscriptions)

		// Plugins and their routes
		v1.GET("/plugins", s.listPlugins)
		v1.PUT("/plugins/:id/config", s.savePluginConfig)
		v1.POST("/plugins/:id/reload", s.reloadPlugin)
		v1.Any("/plugin/:id/*path", s.pluginRoute)

		v1.DELETE("/downloads/:hash", s.deleteDownload)
	}
}
