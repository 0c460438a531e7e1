// Package adminhttp serves read-only diagnostics for running plugins.
package adminhttp

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/danmuck/adminsync/internal/auth"
	"github.com/danmuck/adminsync/internal/observability"
	"github.com/danmuck/adminsync/internal/plugin"
	"github.com/dustin/go-humanize"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// StatusSource is anything that can hand out a plugin status copy.
// *plugin.StatusBoard satisfies it.
type StatusSource interface {
	Snapshot() plugin.Status
}

type Server struct {
	ID      string
	Addr    string
	Version string
	Started time.Time

	router    *gin.Engine
	sources   map[string]StatusSource
	validator auth.Validator
	logger    zerolog.Logger
}

func New(id, addr, version string, corsOrigins []string, logger zerolog.Logger) *Server {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(logger))
	r.Use(observability.RequestMetricsMiddleware(id))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		ID:      id,
		Addr:    addr,
		Version: version,
		Started: time.Now(),
		router:  r,
		sources: make(map[string]StatusSource),
		logger:  logger,
	}
	s.registerRoutes()
	return s
}

// Attach publishes src under name. Call before Serve.
func (s *Server) Attach(name string, src StatusSource) {
	s.sources[name] = src
}

// Protect requires a bearer token accepted by v on the /status routes.
// A nil v leaves them open.
func (s *Server) Protect(v auth.Validator) {
	s.validator = v
}

func (s *Server) Handler() http.Handler { return s.router }

// Serve blocks until ctx is done or the listener fails.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.Addr).Msg("diagnostics listening")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.Started).String(),
			"since":   humanize.Time(s.Started),
			"service": s.ID,
			"version": s.Version,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/ready", func(c *gin.Context) {
		ready := len(s.sources) > 0
		for _, src := range s.sources {
			if !src.Snapshot().Running {
				ready = false
			}
		}
		code := http.StatusOK
		if !ready {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"ready":   ready,
			"uptime":  time.Since(s.Started).String(),
			"service": s.ID,
			"version": s.Version,
		})
	})

	status := s.router.Group("/status", s.requireToken)
	status.GET("", func(c *gin.Context) {
		out := make(map[string]plugin.Status, len(s.sources))
		for name, src := range s.sources {
			out[name] = src.Snapshot()
		}
		c.JSON(http.StatusOK, gin.H{"nodes": out, "names": s.names()})
	})

	status.GET("/:name", func(c *gin.Context) {
		src, ok := s.sources[c.Param("name")]
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown node"})
			return
		}
		c.JSON(http.StatusOK, src.Snapshot())
	})

	status.GET("/:name/commands", func(c *gin.Context) {
		src, ok := s.sources[c.Param("name")]
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown node"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"commands": src.Snapshot().Commands})
	})
}

func (s *Server) requireToken(c *gin.Context) {
	if s.validator == nil {
		c.Next()
		return
	}
	token, ok := auth.BearerToken(c.GetHeader("Authorization"))
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return
	}
	if err := s.validator.Validate(token); err != nil {
		s.logger.Warn().Str("path", c.FullPath()).Str("client_ip", c.ClientIP()).Msg("diagnostics token rejected")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	c.Next()
}

func (s *Server) names() []string {
	names := make([]string, 0, len(s.sources))
	for name := range s.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
