package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/voici5986/grok2api/internal/application/batch"
	"github.com/voici5986/grok2api/internal/application/pipeline"
	"github.com/voici5986/grok2api/internal/domain/token"
	"github.com/voici5986/grok2api/internal/infrastructure/config"
	"github.com/voici5986/grok2api/internal/infrastructure/mediacache"
	"github.com/voici5986/grok2api/internal/interfaces/http/handlers"
)

// Server HTTP服务器
type Server struct {
	server *http.Server
	logger *zap.Logger
}

// Deps wires the handler layer.
type Deps struct {
	Config   func() *config.Config
	Pipeline *pipeline.Pipeline
	Pool     *token.Pool
	Batch    *batch.Engine
	Cache    *mediacache.Cache
}

// NewServer 创建HTTP服务器
func NewServer(deps Deps, logger *zap.Logger) *Server {
	cfg := deps.Config()

	if cfg.Server.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logger))

	openaiHandler := handlers.NewOpenAIHandler(deps.Pipeline, deps.Config, logger)
	filesHandler := handlers.NewFilesHandler(deps.Cache, logger)
	adminHandler := handlers.NewAdminHandler(deps.Pool, deps.Batch, deps.Cache, logger)

	setupRoutes(router, deps.Config, openaiHandler, filesHandler, adminHandler)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	return &Server{
		server: &http.Server{Addr: addr, Handler: router},
		logger: logger,
	}
}

// Start 启动服务器
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server", zap.String("address", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop 停止服务器
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}

// setupRoutes 设置路由
func setupRoutes(router *gin.Engine, cfg func() *config.Config, openaiHandler *handlers.OpenAIHandler, filesHandler *handlers.FilesHandler, adminHandler *handlers.AdminHandler) {
	// 健康检查
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"time":   time.Now().Unix(),
		})
	})

	// OpenAI-compatible API
	oai := router.Group("/v1")
	oai.Use(bearerAuth(func() string { return cfg().Auth.APIKey }))
	{
		oai.POST("/chat/completions", openaiHandler.ChatCompletions)
		oai.POST("/images/generations", openaiHandler.ImageGenerations)
		oai.POST("/images/edits", openaiHandler.ImageEdits)
		oai.GET("/models", openaiHandler.ListModels)
	}

	// 缓存媒体直出, 链接本身即凭证
	router.GET("/v1/files/:kind/:name", filesHandler.Serve)

	// 管理面
	admin := router.Group("/api/v1/admin")
	admin.Use(bearerAuth(func() string { return cfg().Auth.AdminKey }))
	{
		admin.GET("/tokens", adminHandler.ListTokens)
		admin.POST("/tokens", adminHandler.ImportTokens)
		admin.DELETE("/tokens", adminHandler.RemoveTokens)
		admin.PATCH("/tokens", adminHandler.UpdateToken)

		admin.GET("/batch", adminHandler.ListBatches)
		admin.POST("/batch", adminHandler.SubmitBatch)
		admin.GET("/batch/:id", adminHandler.GetBatch)
		admin.GET("/batch/:id/stream", adminHandler.StreamBatch)
		admin.POST("/batch/:id/cancel", adminHandler.CancelBatch)

		admin.GET("/cache", adminHandler.CacheStats)
		admin.DELETE("/cache", adminHandler.ClearCache)
	}
}

// ginLogger Gin日志中间件
func ginLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", statusCode),
			zap.Duration("latency", latency),
			zap.String("ip", c.ClientIP()),
		)
	}
}

// bearerAuth rejects requests whose Authorization header does not carry the
// configured key. An empty key leaves the group open.
func bearerAuth(key func() string) gin.HandlerFunc {
	return func(c *gin.Context) {
		want := key()
		if want == "" {
			c.Next()
			return
		}
		auth := c.GetHeader("Authorization")
		if auth != "Bearer "+want {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{
					"message": "invalid or missing API key",
					"type":    "authentication_error",
				},
			})
			return
		}
		c.Next()
	}
}
