package handlers

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/voici5986/grok2api/internal/infrastructure/mediacache"
	apperrors "github.com/voici5986/grok2api/pkg/errors"
)

// FilesHandler serves cached media back to clients.
type FilesHandler struct {
	cache  *mediacache.Cache
	logger *zap.Logger
}

// NewFilesHandler 创建媒体文件处理器
func NewFilesHandler(cache *mediacache.Cache, logger *zap.Logger) *FilesHandler {
	return &FilesHandler{cache: cache, logger: logger}
}

// Serve handles GET /v1/files/:kind/:name
func (h *FilesHandler) Serve(c *gin.Context) {
	path, err := h.cache.Open(c.Param("kind"), c.Param("name"))
	if err != nil {
		if !apperrors.IsNotFound(err) {
			h.logger.Warn("Media lookup rejected",
				zap.String("kind", c.Param("kind")),
				zap.String("name", c.Param("name")),
				zap.Error(err))
		}
		writeError(c, err)
		return
	}
	c.Header("Cache-Control", "public, max-age=86400")
	c.File(path)
}
