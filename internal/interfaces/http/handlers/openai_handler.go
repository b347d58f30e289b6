package handlers

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/voici5986/grok2api/internal/application/pipeline"
	"github.com/voici5986/grok2api/internal/domain/model"
	"github.com/voici5986/grok2api/internal/domain/openai"
	"github.com/voici5986/grok2api/internal/infrastructure/config"
	apperrors "github.com/voici5986/grok2api/pkg/errors"
)

// OpenAIHandler serves the OpenAI-compatible surface.
type OpenAIHandler struct {
	pipeline *pipeline.Pipeline
	cfg      func() *config.Config
	logger   *zap.Logger
}

// NewOpenAIHandler creates the public API handler.
func NewOpenAIHandler(p *pipeline.Pipeline, cfg func() *config.Config, logger *zap.Logger) *OpenAIHandler {
	return &OpenAIHandler{pipeline: p, cfg: cfg, logger: logger}
}

// ChatCompletions handles POST /v1/chat/completions
func (h *OpenAIHandler) ChatCompletions(c *gin.Context) {
	var req openai.ChatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperrors.Wrap(apperrors.CodeInvalidInput, "malformed request body", err))
		return
	}
	if len(req.Messages) == 0 {
		writeError(c, apperrors.New(apperrors.CodeInvalidInput, "messages array must not be empty"))
		return
	}

	// Streaming is the default, matching the upstream behavior.
	stream := true
	if req.Stream != nil {
		stream = *req.Stream
	}

	if !stream {
		resp, err := h.pipeline.CollectChat(c.Request.Context(), &req)
		if err != nil {
			h.logger.Warn("Chat completion failed", zap.String("model", req.Model), zap.Error(err))
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
		return
	}

	setSSEHeaders(c)
	wroteAny := false
	err := h.pipeline.RunChat(c.Request.Context(), &req, func(chunk openai.ChatCompletionChunk) error {
		wroteAny = true
		return writeSSEChunk(c.Writer, chunk)
	})
	if err != nil {
		h.logger.Warn("Chat stream failed", zap.String("model", req.Model), zap.Error(err))
		if !wroteAny {
			writeError(c, err)
			return
		}
		// Headers are gone; surface the failure in-band before closing.
		writeSSEError(c.Writer, err)
	}
	io.WriteString(c.Writer, "data: [DONE]\n\n")
	c.Writer.Flush()
}

// ImageGenerations handles POST /v1/images/generations
func (h *OpenAIHandler) ImageGenerations(c *gin.Context) {
	var req openai.ImageGenerationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperrors.Wrap(apperrors.CodeInvalidInput, "malformed request body", err))
		return
	}

	if !req.Stream {
		resp, err := h.pipeline.GenerateImages(c.Request.Context(), &req)
		if err != nil {
			h.logger.Warn("Image generation failed", zap.Error(err))
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
		return
	}

	setSSEHeaders(c)
	created := time.Now().Unix()
	wroteAny := false
	err := h.pipeline.RunImages(c.Request.Context(), &req, func(datum openai.ImageDatum) error {
		wroteAny = true
		return writeSSEChunk(c.Writer, openai.ImageGenerationResponse{
			Created: created,
			Data:    []openai.ImageDatum{datum},
		})
	})
	if err != nil {
		h.logger.Warn("Image stream failed", zap.Error(err))
		if !wroteAny {
			writeError(c, err)
			return
		}
		writeSSEError(c.Writer, err)
	}
	io.WriteString(c.Writer, "data: [DONE]\n\n")
	c.Writer.Flush()
}

// ImageEdits handles POST /v1/images/edits (multipart form).
func (h *OpenAIHandler) ImageEdits(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		writeError(c, apperrors.Wrap(apperrors.CodeInvalidInput, "malformed multipart form", err))
		return
	}

	prompt := formValue(form, "prompt")
	if prompt == "" {
		writeError(c, apperrors.New(apperrors.CodeInvalidInput, "prompt is required"))
		return
	}
	n := 1
	if raw := formValue(form, "n"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			n = v
		}
	}
	format := formValue(form, "response_format")

	files := form.File["image"]
	if len(files) == 0 {
		files = form.File["image[]"]
	}
	if len(files) == 0 {
		writeError(c, apperrors.New(apperrors.CodeInvalidInput, "image file is required"))
		return
	}

	var attachments []pipeline.Attachment
	for _, fh := range files {
		att, err := attachmentFromUpload(fh)
		if err != nil {
			writeError(c, err)
			return
		}
		attachments = append(attachments, att)
	}

	resp := openai.ImageGenerationResponse{Created: time.Now().Unix()}
	err = h.pipeline.RunImageEdit(c.Request.Context(), prompt, attachments, n, format, func(datum openai.ImageDatum) error {
		resp.Data = append(resp.Data, datum)
		return nil
	})
	if err != nil && len(resp.Data) == 0 {
		h.logger.Warn("Image edit failed", zap.Error(err))
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// ListModels handles GET /v1/models
func (h *OpenAIHandler) ListModels(c *gin.Context) {
	infos := model.All()
	out := openai.ModelList{Object: "list", Data: make([]openai.Model, 0, len(infos))}
	for _, info := range infos {
		out.Data = append(out.Data, openai.Model{
			ID:      info.ID,
			Object:  "model",
			Created: 1735689600,
			OwnedBy: "grok",
		})
	}
	c.JSON(http.StatusOK, out)
}

func formValue(form *multipart.Form, key string) string {
	if vs := form.Value[key]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

func attachmentFromUpload(fh *multipart.FileHeader) (pipeline.Attachment, error) {
	f, err := fh.Open()
	if err != nil {
		return pipeline.Attachment{}, apperrors.Wrap(apperrors.CodeInvalidInput, "unreadable upload", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, 20<<20))
	if err != nil {
		return pipeline.Attachment{}, apperrors.Wrap(apperrors.CodeInvalidInput, "upload read failed", err)
	}
	mime := fh.Header.Get("Content-Type")
	if mime == "" {
		mime = http.DetectContentType(data)
	}
	return pipeline.Attachment{
		FileName: fh.Filename,
		MimeType: mime,
		Content:  base64.StdEncoding.EncodeToString(data),
	}, nil
}

func setSSEHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
}

func writeSSEChunk(w gin.ResponseWriter, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	w.Flush()
	return nil
}

func writeSSEError(w gin.ResponseWriter, err error) {
	body, _ := json.Marshal(openai.ErrorResponse{Error: openai.Error{
		Message: err.Error(),
		Type:    apperrors.OpenAIType(err),
		Code:    string(apperrors.CodeOf(err)),
	}})
	fmt.Fprintf(w, "data: %s\n\n", body)
	w.Flush()
}

// writeError renders one error in the OpenAI envelope.
func writeError(c *gin.Context, err error) {
	c.JSON(apperrors.HTTPStatus(err), openai.ErrorResponse{Error: openai.Error{
		Message: err.Error(),
		Type:    apperrors.OpenAIType(err),
		Code:    string(apperrors.CodeOf(err)),
	}})
}
