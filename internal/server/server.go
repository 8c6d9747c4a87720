// Package server exposes the OpenAI-compatible HTTP surface of the gateway.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/polyrelay/polyrelay/internal/adapter"
	"github.com/polyrelay/polyrelay/internal/auth"
	"github.com/polyrelay/polyrelay/internal/balancer"
	"github.com/polyrelay/polyrelay/internal/config"
	"github.com/polyrelay/polyrelay/internal/forward"
	"github.com/polyrelay/polyrelay/internal/server/middleware"
	"github.com/polyrelay/polyrelay/internal/stats"
)

// Server wires the gateway components behind a gin engine.
type Server struct {
	store      *config.Store
	jwtManager *auth.JWTManager
	engine     *gin.Engine
	httpServer *http.Server
	watcher    *config.Watcher

	collector *stats.Collector
	balancer  *balancer.Balancer
	forwarder *forward.Forwarder

	host    string
	version string
}

// Option configures the server.
type Option func(*Server)

// WithVersion stamps the build version reported by /v1/status.
func WithVersion(version string) Option {
	return func(s *Server) {
		s.version = version
	}
}

// WithHost overrides the configured listen host.
func WithHost(host string) Option {
	return func(s *Server) {
		s.host = host
	}
}

// New assembles the server over a loaded config store.
func New(store *config.Store, opts ...Option) *Server {
	settings := store.GetSettings()

	s := &Server{
		store:      store,
		jwtManager: auth.NewJWTManager(settings.JWTSecret),
		collector:  stats.NewCollector(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.balancer = balancer.New(store)
	registry := adapter.NewRegistry(nil, func(status, message string, data map[string]interface{}) {
		store.AddLog("debug", fmt.Sprintf("adapter %s: %s", status, message), data)
	})
	s.forwarder = forward.New(store, s.balancer, registry)

	gin.SetMode(gin.ReleaseMode)
	s.engine = gin.New()
	s.engine.Use(gin.Recovery())
	s.engine.Use(middleware.CORSMiddleware(store))

	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	authMW := middleware.NewAuthMiddleware(s.store, s.jwtManager)

	v1 := s.engine.Group("/v1")
	v1.Use(authMW.APIKeyMiddleware())
	v1.POST("/chat/completions", s.handleChatCompletions)
	v1.POST("/completions", s.handleCompletions)
	v1.GET("/models", s.handleModels)
	v1.GET("/status", s.handleStatus)
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Start begins serving and watching the config file for reloads.
func (s *Server) Start() error {
	settings := s.store.GetSettings()
	host := s.host
	if host == "" {
		host = settings.Host
	}
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", settings.Port))

	watcher, err := config.NewWatcher(s.store)
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	watcher.AddCallback(func(*config.Store) {
		logrus.Info("configuration changed, new settings take effect on the next request")
	})
	if err := watcher.Start(); err != nil {
		logrus.Warnf("config watcher not started: %v", err)
	} else {
		s.watcher = watcher
	}

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.engine,
	}

	logrus.Infof("polyrelay %s listening on %s", s.version, addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() error {
	if s.watcher != nil {
		if err := s.watcher.Stop(); err != nil {
			logrus.Warnf("config watcher stop: %v", err)
		}
	}
	if s.httpServer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
