// Package status implements the optional read-only HTTP surface a running
// interface exposes alongside its message-passing work: GET /health for a
// liveness probe and GET /status for a snapshot of cache, queue, journal,
// and scheduler state.
//
// A Gin router wrapped in a stdlib *http.Server with explicit timeouts,
// gin-contrib/cors middleware, and a graceful Shutdown(ctx), trimmed to
// the unauthenticated health/status/metrics routes only, since this
// surface reports an interface's own state rather than brokering cluster
// membership or inference requests.
package status

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/dakota-project/evalsched/pkg/cache"
	"github.com/dakota-project/evalsched/pkg/pending"
	"github.com/dakota-project/evalsched/pkg/scheduler"
)

// Config controls the status server's listener and CORS policy.
type Config struct {
	Listen       string
	CorsOrigins  []string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultConfig returns conservative HTTP server timeouts.
func DefaultConfig() *Config {
	return &Config{
		Listen:       "127.0.0.1:8099",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Server exposes read-only cache/queue/journal/scheduler state over HTTP.
type Server struct {
	cfg    *Config
	cache  *cache.Cache
	queue  *pending.Queue
	sched  *scheduler.Scheduler
	logger *slog.Logger
	http   *http.Server
}

// New builds a Server. sched may be nil when the interface runs with no
// scheduler attached (e.g. a pure local-sync loop never surfacing a
// Snapshot); cache/queue likewise.
func New(cfg *Config, c *cache.Cache, q *pending.Queue, sched *scheduler.Scheduler, logger *slog.Logger) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, cache: c, queue: q, sched: sched, logger: logger}
}

// Start runs the HTTP server until ctx is cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)
	router := s.setupRouter()

	s.http = &http.Server{
		Addr:         s.cfg.Listen,
		Handler:      router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	go func() {
		<-ctx.Done()
		_ = s.http.Shutdown(context.Background())
	}()

	s.logger.Info("starting status server", "address", s.cfg.Listen)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("status: serve: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	s.logger.Info("stopping status server")
	return s.http.Shutdown(ctx)
}

func (s *Server) setupRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.corsMiddleware())

	router.GET("/health", s.healthHandler)
	router.GET("/status", s.statusHandler)
	router.GET("/metrics", s.metricsHandler)
	return router
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	if len(s.cfg.CorsOrigins) == 0 {
		return func(c *gin.Context) { c.Next() }
	}
	corsConfig := cors.Config{
		AllowOrigins: s.cfg.CorsOrigins,
		AllowMethods: []string{"GET"},
		MaxAge:       12 * time.Hour,
	}
	return cors.New(corsConfig)
}

func (s *Server) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "timestamp": time.Now()})
}

// statusHandler reports the scheduler's dispatch policy and in-flight load,
// the pending queue depth, and the cache occupancy.
func (s *Server) statusHandler(c *gin.Context) {
	body := gin.H{"timestamp": time.Now()}

	if s.sched != nil {
		snap := s.sched.Snapshot()
		body["scheduler"] = gin.H{
			"policy":      snap.Policy,
			"num_servers": snap.NumServers,
			"running":     snap.Running,
			"loads":       snap.Loads,
		}
	}
	if s.queue != nil {
		body["pending"] = gin.H{"depth": s.queue.Len()}
	}
	if s.cache != nil {
		body["cache"] = gin.H{"entries": s.cache.Len()}
	}

	c.JSON(http.StatusOK, body)
}

// metricsHandler reports the cache hit/miss/insert counters, exposed
// read-only; journal throughput is observable via the restart file
// itself so is not duplicated here.
func (s *Server) metricsHandler(c *gin.Context) {
	if s.cache == nil {
		c.JSON(http.StatusOK, gin.H{"timestamp": time.Now()})
		return
	}
	stats := s.cache.Stats()
	c.JSON(http.StatusOK, gin.H{
		"timestamp":     time.Now(),
		"cache_hits":    stats.Hits,
		"cache_partial": stats.PartialHits,
		"cache_misses":  stats.Misses,
		"cache_inserts": stats.Inserts,
	})
}
