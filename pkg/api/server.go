package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/guard"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/log"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/orchestrator"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/probe"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/security"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/storage"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/stream"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the HTTP API surface. It translates external calls into
// locked, guarded, orchestrated work and owns the streaming endpoint.
type Server struct {
	store   storage.Store
	orch    *orchestrator.Orchestrator
	hub     *stream.Hub
	secrets *security.SecretsManager // nil when encryption is not configured
	prober  guard.Prober

	status  probe.StatusProber
	access  *probe.AccessChecker
	fetcher *probe.KubeconfigFetcher

	engine *gin.Engine
	http   *http.Server
}

// Deps wires a Server.
type Deps struct {
	Store   storage.Store
	Orch    *orchestrator.Orchestrator
	Hub     *stream.Hub
	Secrets *security.SecretsManager
	Prober  guard.Prober
	Status  probe.StatusProber
	Access  *probe.AccessChecker
	Fetcher *probe.KubeconfigFetcher
}

// NewServer creates the API server and registers all routes.
func NewServer(deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())

	s := &Server{
		store:   deps.Store,
		orch:    deps.Orch,
		hub:     deps.Hub,
		secrets: deps.Secrets,
		prober:  deps.Prober,
		status:  deps.Status,
		access:  deps.Access,
		fetcher: deps.Fetcher,
		engine:  engine,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	clusters := s.engine.Group("/clusters")
	{
		clusters.GET("", s.listClusters)
		clusters.POST("/new", s.createCluster)
		clusters.POST("/register", s.registerCluster)
		clusters.GET("/:id", s.getCluster)
		clusters.PUT("/:id", s.updateCluster)
		clusters.DELETE("/:id", s.deleteCluster)

		clusters.POST("/:id/scale/add", s.scaleAdd)
		clusters.POST("/:id/scale/remove", s.scaleRemove)
		clusters.POST("/:id/preflight-check", s.preflightCheck)

		clusters.POST("/:id/fetch-kubeconfig", s.fetchKubeconfig)
		clusters.POST("/:id/upload-kubeconfig", s.uploadKubeconfig)
		clusters.GET("/:id/status", s.clusterStatus)
		clusters.POST("/:id/refresh", s.clusterStatus)
	}

	credentials := s.engine.Group("/credentials")
	{
		credentials.GET("", s.listCredentials)
		credentials.POST("", s.createCredential)
		credentials.DELETE("/:id", s.deleteCredential)
		credentials.POST("/test-access", s.testAccess)
	}

	jobs := s.engine.Group("/jobs")
	{
		jobs.POST("/install/:cluster_id", s.installCluster)
		jobs.POST("/uninstall/:cluster_id", s.uninstallCluster)
		jobs.GET("", s.listJobs)
		jobs.GET("/:id", s.getJob)
		jobs.POST("/:id/terminate", s.terminateJob)
		jobs.GET("/:id/stream", s.streamJob)
	}
}

// Handler exposes the engine for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves the API until Stop is called.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.engine}
	apiLog := log.WithComponent("api")
	apiLog.Info().Str("addr", addr).Msg("HTTP API listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server error: %w", err)
	}
	return nil
}

// Stop drains and shuts down the listener.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func requestLogger() gin.HandlerFunc {
	logger := log.WithComponent("api")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	}
}
