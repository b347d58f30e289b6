package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/voici5986/grok2api/internal/application/batch"
	"github.com/voici5986/grok2api/internal/domain/token"
	"github.com/voici5986/grok2api/internal/infrastructure/mediacache"
	apperrors "github.com/voici5986/grok2api/pkg/errors"
)

// AdminHandler serves the operator surface: token lifecycle, batch
// operations, and cache management.
type AdminHandler struct {
	pool   *token.Pool
	batch  *batch.Engine
	cache  *mediacache.Cache
	logger *zap.Logger
}

// NewAdminHandler 创建管理接口处理器
func NewAdminHandler(pool *token.Pool, engine *batch.Engine, cache *mediacache.Cache, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{pool: pool, batch: engine, cache: cache, logger: logger}
}

// tokenView is the admin-facing projection of one record.
type tokenView struct {
	Token            string    `json:"token"`
	Class            string    `json:"class"`
	Tags             []string  `json:"tags,omitempty"`
	Note             string    `json:"note,omitempty"`
	Disabled         bool      `json:"disabled"`
	Failures         int       `json:"failures"`
	LastFailure      string    `json:"last_failure,omitempty"`
	RemainingDefault int       `json:"remaining_default"`
	RemainingHeavy   int       `json:"remaining_heavy"`
	CooldownUntil    time.Time `json:"cooldown_until,omitzero"`
	LastUsedAt       time.Time `json:"last_used_at,omitzero"`
	LastRefreshedAt  time.Time `json:"last_refreshed_at,omitzero"`
	CreatedAt        time.Time `json:"created_at,omitzero"`
}

func viewOf(rec *token.Record) tokenView {
	return tokenView{
		Token:            rec.ID,
		Class:            className(rec.Class),
		Tags:             rec.Tags,
		Note:             rec.Note,
		Disabled:         rec.Disabled,
		Failures:         rec.ConsecutiveFailures,
		LastFailure:      rec.LastFailureReason,
		RemainingDefault: rec.Remaining(token.WindowDefault),
		RemainingHeavy:   rec.Remaining(token.WindowHeavy),
		CooldownUntil:    rec.CooldownUntil,
		LastUsedAt:       rec.LastUsedAt,
		LastRefreshedAt:  rec.LastRefreshedAt,
		CreatedAt:        rec.CreatedAt,
	}
}

func className(class token.Class) string {
	if class == token.ClassSuper {
		return "super"
	}
	return "basic"
}

func classOf(name string) (token.Class, error) {
	switch name {
	case "", "basic":
		return token.ClassBasic, nil
	case "super":
		return token.ClassSuper, nil
	default:
		return "", apperrors.New(apperrors.CodeInvalidInput, "unknown token class: "+name)
	}
}

// ListTokens handles GET /api/v1/admin/tokens
func (h *AdminHandler) ListTokens(c *gin.Context) {
	records := h.pool.ListAll()
	views := make([]tokenView, 0, len(records))
	for _, rec := range records {
		views = append(views, viewOf(rec))
	}
	c.JSON(http.StatusOK, gin.H{"tokens": views, "total": len(views)})
}

type importRequest struct {
	Tokens []struct {
		Token string   `json:"token" binding:"required"`
		Class string   `json:"class"`
		Tags  []string `json:"tags"`
		Note  string   `json:"note"`
	} `json:"tokens" binding:"required"`
}

// ImportTokens handles POST /api/v1/admin/tokens
func (h *AdminHandler) ImportTokens(c *gin.Context) {
	var req importRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperrors.Wrap(apperrors.CodeInvalidInput, "malformed request body", err))
		return
	}

	specs := make([]token.ImportSpec, 0, len(req.Tokens))
	for _, t := range req.Tokens {
		class, err := classOf(t.Class)
		if err != nil {
			writeError(c, err)
			return
		}
		specs = append(specs, token.ImportSpec{ID: t.Token, Class: class, Tags: t.Tags, Note: t.Note})
	}

	added := h.pool.Import(specs)
	c.JSON(http.StatusOK, gin.H{"imported": added, "total": len(specs)})
}

type removeRequest struct {
	Tokens []string `json:"tokens" binding:"required"`
}

// RemoveTokens handles DELETE /api/v1/admin/tokens
func (h *AdminHandler) RemoveTokens(c *gin.Context) {
	var req removeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperrors.Wrap(apperrors.CodeInvalidInput, "malformed request body", err))
		return
	}
	removed := h.pool.Remove(req.Tokens)
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

type updateRequest struct {
	Token    string    `json:"token" binding:"required"`
	Tags     *[]string `json:"tags"`
	Note     *string   `json:"note"`
	Disabled *bool     `json:"disabled"`
}

// UpdateToken handles PATCH /api/v1/admin/tokens
func (h *AdminHandler) UpdateToken(c *gin.Context) {
	var req updateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperrors.Wrap(apperrors.CodeInvalidInput, "malformed request body", err))
		return
	}

	err := h.pool.ReplaceRecord(req.Token, token.Patch{
		Tags:     req.Tags,
		Note:     req.Note,
		Disabled: req.Disabled,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	rec, _ := h.pool.Get(req.Token)
	c.JSON(http.StatusOK, viewOf(rec))
}

type batchRequest struct {
	Kind   string   `json:"kind" binding:"required"`
	Tokens []string `json:"tokens"`
}

// SubmitBatch handles POST /api/v1/admin/batch
func (h *AdminHandler) SubmitBatch(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperrors.Wrap(apperrors.CodeInvalidInput, "malformed request body", err))
		return
	}

	snap, err := h.batch.Submit(batch.Kind(req.Kind), req.Tokens)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, snap)
}

// ListBatches handles GET /api/v1/admin/batch
func (h *AdminHandler) ListBatches(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tasks": h.batch.List()})
}

// GetBatch handles GET /api/v1/admin/batch/:id
func (h *AdminHandler) GetBatch(c *gin.Context) {
	snap, ok := h.batch.Get(c.Param("id"))
	if !ok {
		writeError(c, apperrors.New(apperrors.CodeNotFound, "unknown batch task"))
		return
	}
	c.JSON(http.StatusOK, snap)
}

// StreamBatch handles GET /api/v1/admin/batch/:id/stream as SSE.
func (h *AdminHandler) StreamBatch(c *gin.Context) {
	ch, unsubscribe, ok := h.batch.Subscribe(c.Param("id"))
	if !ok {
		writeError(c, apperrors.New(apperrors.CodeNotFound, "unknown batch task"))
		return
	}
	defer unsubscribe()

	setSSEHeaders(c)
	for {
		select {
		case snap, open := <-ch:
			if !open {
				io.WriteString(c.Writer, "data: [DONE]\n\n")
				c.Writer.Flush()
				return
			}
			data, err := json.Marshal(snap)
			if err != nil {
				continue
			}
			fmt.Fprintf(c.Writer, "data: %s\n\n", data)
			c.Writer.Flush()
			if snap.Done {
				io.WriteString(c.Writer, "data: [DONE]\n\n")
				c.Writer.Flush()
				return
			}
		case <-c.Request.Context().Done():
			return
		}
	}
}

// CancelBatch handles POST /api/v1/admin/batch/:id/cancel
func (h *AdminHandler) CancelBatch(c *gin.Context) {
	if !h.batch.Cancel(c.Param("id")) {
		writeError(c, apperrors.New(apperrors.CodeNotFound, "unknown batch task"))
		return
	}
	snap, _ := h.batch.Get(c.Param("id"))
	c.JSON(http.StatusOK, snap)
}

// CacheStats handles GET /api/v1/admin/cache
func (h *AdminHandler) CacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.cache.Stat())
}

// ClearCache handles DELETE /api/v1/admin/cache?kind=image|video
func (h *AdminHandler) ClearCache(c *gin.Context) {
	kind := c.Query("kind")
	if err := h.cache.Clear(kind); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": true, "kind": kind})
}
