// Package api serves the monitor over HTTP with gin.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/clint456/powermon/internal/config"
)

// Server is the HTTP front end of the monitor.
type Server struct {
	server   *http.Server
	router   *gin.Engine
	handlers *handlers
	log      logrus.FieldLogger
}

// NewServer builds the router. metrics may be nil to leave /metrics out.
func NewServer(cfg config.APIConfig, ctrl Controller, metrics http.Handler, log logrus.FieldLogger) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(log))

	h := &handlers{ctrl: ctrl, log: log, started: time.Now()}
	registerRoutes(router, h, metrics)

	return &Server{
		server: &http.Server{
			Addr:         cfg.Address(),
			Handler:      router,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		router:   router,
		handlers: h,
		log:      log,
	}
}

// ServeHistory enables /api/v1/history. Call it before Start.
func (s *Server) ServeHistory(src HistorySource) {
	s.handlers.history = src
}

func registerRoutes(router *gin.Engine, h *handlers, metrics http.Handler) {
	router.GET("/health", h.health)
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics))
	}

	v1 := router.Group("/api/v1")
	{
		sess := v1.Group("/session")
		{
			sess.GET("", h.getSession)
			sess.POST("/connect", h.connect)
			sess.POST("/disconnect", h.disconnect)
		}

		commands := v1.Group("/commands")
		{
			commands.POST("/adc-config", h.configureADC)
			commands.POST("/battery-voltage", h.batteryVoltage)
			commands.POST("/battery-output", h.batteryOutput)
			commands.POST("/start", h.start)
			commands.POST("/stop", h.stop)
			commands.POST("/raw", h.raw)
		}

		v1.GET("/settings", h.getSettings)
		v1.GET("/series", h.series)
		v1.GET("/history", h.getHistory)
	}
}

// requestLogger logs one line per request at debug level, or warn for 5xx.
func requestLogger(log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
			"clientIP": c.ClientIP(),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("http request")
			return
		}
		entry.Debug("http request")
	}
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.log.WithField("address", s.server.Addr).Info("http server listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info("stopping http server")
	return s.server.Shutdown(ctx)
}

// Router returns the gin engine, mainly for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}
