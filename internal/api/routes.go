package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Server wraps the gin router serving the Job API.
type Server struct {
	router   *gin.Engine
	handlers *Handlers
	logger   *zap.Logger
}

// NewServer constructs the Job API server and wires its routes.
func NewServer(handlers *Handlers, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))

	s := &Server{router: router, handlers: handlers, logger: logger}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", healthCheck)
	s.router.GET("/ready", healthCheck)

	docker := s.router.Group("/docker")
	{
		docker.POST("", s.handlers.CreateDocker)
		docker.GET("", s.handlers.GetDocker)
		docker.DELETE("", s.handlers.DeleteDocker)
		docker.GET("/next", s.handlers.NextChallenge)
	}
}

func healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Run starts the server listening on addr.
func (s *Server) Run(addr string) error {
	s.logger.Info("starting job API", zap.String("addr", addr))
	return s.router.Run(addr)
}

// Router exposes the underlying gin router for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		logger.Debug("request",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
		)
	}
}
