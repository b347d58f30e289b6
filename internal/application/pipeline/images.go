package pipeline

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voici5986/grok2api/internal/domain/model"
	"github.com/voici5986/grok2api/internal/domain/openai"
	"github.com/voici5986/grok2api/internal/domain/token"
	"github.com/voici5986/grok2api/internal/domain/translate"
	"github.com/voici5986/grok2api/internal/infrastructure/mediacache"
	"github.com/voici5986/grok2api/internal/infrastructure/upstream"
	"github.com/voici5986/grok2api/pkg/safego"
	apperrors "github.com/voici5986/grok2api/pkg/errors"
)

const (
	defaultImageModel = "grok-imagine-image"

	maxImagesPerRequest       = 10
	maxImagesPerStreamRequest = 2

	// How long one blocking WebSocket read waits before the loop re-checks
	// idle and blocked conditions.
	imageReadTick = 5 * time.Second
)

// ImageEmit delivers one finished image as soon as it is available.
type ImageEmit func(datum openai.ImageDatum) error

// GenerateImages runs images/generations to completion.
func (p *Pipeline) GenerateImages(ctx context.Context, req *openai.ImageGenerationRequest) (*openai.ImageGenerationResponse, error) {
	resp := &openai.ImageGenerationResponse{Created: time.Now().Unix()}
	err := p.RunImages(ctx, req, func(datum openai.ImageDatum) error {
		resp.Data = append(resp.Data, datum)
		return nil
	})
	if err != nil && len(resp.Data) == 0 {
		return nil, err
	}
	return resp, nil
}

// RunImages generates n images for the prompt, emitting each as it lands.
func (p *Pipeline) RunImages(ctx context.Context, req *openai.ImageGenerationRequest, emit ImageEmit) error {
	modelID := req.Model
	if modelID == "" {
		modelID = defaultImageModel
	}
	info, ok := model.Lookup(modelID)
	if !ok || info.IsVideo {
		return apperrors.New(apperrors.CodeInvalidInput, "model does not support image generation: "+modelID)
	}

	n := req.N
	if n <= 0 {
		n = 1
	}
	if req.Stream && n > maxImagesPerStreamRequest {
		n = maxImagesPerStreamRequest
	}
	if n > maxImagesPerRequest {
		n = maxImagesPerRequest
	}

	if info.IsImage && p.cfg().Image.Transport != "http" {
		return p.runImagesWS(ctx, req, n, emit)
	}
	return p.runImagesChat(ctx, info, req.Prompt, nil, n, req.ResponseFormat, emit)
}

// RunImageEdit reworks uploaded images against a prompt. Edits always ride
// the conversation transport, the imagine socket has no reference input.
func (p *Pipeline) RunImageEdit(ctx context.Context, prompt string, images []Attachment, n int, format string, emit ImageEmit) error {
	if len(images) == 0 {
		return apperrors.New(apperrors.CodeInvalidInput, "image edit needs at least one source image")
	}
	info, _ := model.Lookup(defaultImageModel)
	if n <= 0 {
		n = 1
	}
	if n > maxImagesPerRequest {
		n = maxImagesPerRequest
	}
	return p.runImagesChat(ctx, info, prompt, images, n, format, emit)
}

// runImagesWS drives the imagine WebSocket state machine for one prompt.
func (p *Pipeline) runImagesWS(ctx context.Context, req *openai.ImageGenerationRequest, n int, emit ImageEmit) error {
	cfg := p.cfg()
	policy := newRetryPolicy(cfg.Retry, time.Now())

	tried := make(map[string]struct{})
	var prior401 *token.Lease
	var lastErr error

	for attempt := 0; attempt <= cfg.Retry.MaxRetry; attempt++ {
		if attempt > 0 && !policy.budgetLeft(time.Now()) {
			return apperrors.Wrap(apperrors.CodeUpstreamTimeout, "retry budget exhausted", lastErr)
		}

		lease, err := p.pool.Acquire(token.HintBasic, token.WindowDefault)
		if err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}
		if _, reused := tried[lease.TokenID]; reused {
			if lastErr != nil {
				return lastErr
			}
			return apperrors.New(apperrors.CodePoolEmpty, "no untried token left for request")
		}
		tried[lease.TokenID] = struct{}{}

		conn, err := p.client.DialImagine(ctx, lease.Cookie())
		if err != nil {
			lastErr = err
			terminal, terr := p.releaseConnectFailure(lease, err, &prior401)
			if terminal {
				return terr
			}
			if ctx.Err() != nil {
				return apperrors.Wrap(apperrors.CodeClientCancelled, "client cancelled", ctx.Err())
			}
			if status := apperrors.UpstreamStatus(err); status != 0 && !policy.retryable(status) {
				return err
			}
			if attempt < cfg.Retry.MaxRetry {
				sleep := policy.backoff(attempt, apperrors.UpstreamStatus(err))
				p.log.Info("Retrying imagine handshake with a fresh token",
					zap.Int("attempt", attempt+1), zap.Duration("backoff", sleep))
				select {
				case <-time.After(sleep):
				case <-ctx.Done():
					return apperrors.Wrap(apperrors.CodeClientCancelled, "client cancelled", ctx.Err())
				}
			}
			continue
		}

		return p.imagineSession(ctx, lease, conn, req, n, emit)
	}

	if lastErr != nil {
		return apperrors.Wrap(apperrors.CodeUpstreamTimeout, "retries exhausted", lastErr)
	}
	return apperrors.New(apperrors.CodeUpstreamTimeout, "retries exhausted")
}

// releaseConnectFailure maps one pre-stream failure onto a pool outcome.
// The bool result marks the whole request as unrecoverable.
func (p *Pipeline) releaseConnectFailure(lease *token.Lease, err error, prior401 **token.Lease) (bool, error) {
	status := apperrors.UpstreamStatus(err)
	switch {
	case status == 401:
		if *prior401 != nil && (*prior401).TokenID != lease.TokenID {
			p.pool.Release(*prior401, token.TerminalFailure("401 on two distinct tokens"))
			p.pool.Release(lease, token.TerminalFailure("401 on two distinct tokens"))
			return true, apperrors.Wrap(apperrors.CodeAuthRevoked, "upstream rejected two distinct credentials", err)
		}
		*prior401 = lease
		p.pool.Release(lease, token.TransientFailure(401, "unauthorized"))
	case status == 429:
		if ra := apperrors.RetryAfterOf(err); ra > 0 {
			p.pool.Release(lease, token.QuotaExhausted(time.Now().Add(ra)))
		} else {
			p.pool.Release(lease, token.TransientFailure(429, "rate limited"))
		}
	default:
		p.pool.Release(lease, token.TransientFailure(status, err.Error()))
	}
	return false, nil
}

// imagineSession reads frames until every wanted final image arrived.
func (p *Pipeline) imagineSession(ctx context.Context, lease *token.Lease, conn *upstream.ImagineConn, req *openai.ImageGenerationRequest, n int, emit ImageEmit) error {
	defer conn.Close()
	cfg := p.cfg()

	session := translate.NewImageSession(translate.ImageSessionOptions{
		MediumMinBytes: cfg.Image.MediumMinBytes,
		FinalMinBytes:  cfg.Image.FinalMinBytes,
		FinalTimeout:   cfg.Image.FinalTimeout,
		Want:           n,
	})

	requestID := uuid.NewString()
	nsfw := lease.Record.HasTag(token.TagContentMode)
	if err := conn.SendGenerate(requestID, req.Prompt, aspectRatioForSize(req.Size), nsfw); err != nil {
		p.pool.Release(lease, token.TransientFailure(0, err.Error()))
		return err
	}
	session.Started()

	lastFrame := time.Now()
	for !session.Done() {
		frame, err := conn.ReadFrame(time.Now().Add(imageReadTick))
		now := time.Now()

		if err != nil {
			if ctx.Err() != nil {
				p.releaseImagineOutcome(lease, session)
				return apperrors.Wrap(apperrors.CodeClientCancelled, "client cancelled", ctx.Err())
			}
			if apperrors.CodeOf(err) == apperrors.CodeUpstreamTimeout {
				if berr := session.CheckBlocked(now); berr != nil {
					// The account streamed fine, the content was refused.
					p.pool.Release(lease, token.Success(nil))
					return berr
				}
				if now.Sub(lastFrame) > cfg.Image.StreamTimeout {
					p.pool.Release(lease, token.TransientFailure(0, "imagine stream idle timeout"))
					return apperrors.New(apperrors.CodeUpstreamTimeout, "imagine stream idle timeout")
				}
				continue
			}
			// Closed or broken socket. Partial delivery still counts.
			if session.Collected() > 0 {
				break
			}
			p.pool.Release(lease, token.TransientFailure(apperrors.UpstreamStatus(err), err.Error()))
			return err
		}
		lastFrame = now

		img, ferr := session.Feed(frame, now)
		if ferr != nil {
			p.pool.Release(lease, token.Success(nil))
			return ferr
		}
		if img == nil || img.Stage != translate.StageFinal {
			continue
		}

		datum, derr := p.imageDatum(img, req.ResponseFormat)
		if derr != nil {
			p.log.Warn("Dropping undecodable image frame", zap.String("id", img.ID), zap.Error(derr))
			continue
		}
		if err := emit(datum); err != nil {
			p.releaseImagineOutcome(lease, session)
			return apperrors.Wrap(apperrors.CodeClientCancelled, "client went away", err)
		}
	}

	if session.Collected() == 0 {
		p.pool.Release(lease, token.TransientFailure(0, "imagine session ended without images"))
		return apperrors.New(apperrors.CodeTranslatorProtocol, "imagine session ended without images")
	}
	p.releaseImagineOutcome(lease, session)
	if p.OnSuccess != nil {
		id := lease.TokenID
		safego.Go(p.log, "quota-refresh", func() { p.OnSuccess(id) })
	}
	return nil
}

func (p *Pipeline) releaseImagineOutcome(lease *token.Lease, session *translate.ImageSession) {
	if session.Collected() > 0 {
		p.pool.Release(lease, token.Success(nil))
		return
	}
	if session.State() == translate.StateOpening {
		p.pool.Release(lease, token.TransientFailure(0, "imagine session never started"))
		return
	}
	// Interrupted before any final frame: no signal about the token.
	p.pool.Release(lease, token.Aborted())
}

// imageDatum converts one final frame into a response entry, caching the
// bytes locally for URL-form responses.
func (p *Pipeline) imageDatum(img *translate.ImageFrame, format string) (openai.ImageDatum, error) {
	data, err := decodeBlob(img.Blob)
	if err != nil {
		return openai.ImageDatum{}, err
	}
	if format == "b64_json" {
		return openai.ImageDatum{B64JSON: base64.StdEncoding.EncodeToString(data)}, nil
	}

	name := mediacache.Name(fmt.Sprintf("/images/%s.%s", img.ID, img.Ext))
	urlPath, err := p.cache.Put(mediacache.KindImage, name, data)
	if err != nil {
		return openai.ImageDatum{}, err
	}
	if base := strings.TrimSuffix(p.cfg().Server.BaseURL, "/"); base != "" {
		return openai.ImageDatum{URL: base + urlPath}, nil
	}
	return openai.ImageDatum{URL: urlPath}, nil
}

func decodeBlob(blob string) ([]byte, error) {
	if data, err := base64.StdEncoding.DecodeString(blob); err == nil {
		return data, nil
	}
	data, err := base64.RawStdEncoding.DecodeString(blob)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeTranslatorProtocol, "image frame is not base64", err)
	}
	return data, nil
}

// runImagesChat collects generated-image assets off the conversation
// transport, for the http transport mode and for edits.
func (p *Pipeline) runImagesChat(ctx context.Context, info model.Info, prompt string, images []Attachment, n int, format string, emit ImageEmit) error {
	if strings.TrimSpace(prompt) == "" {
		return apperrors.New(apperrors.CodeInvalidInput, "empty prompt")
	}
	cfg := p.cfg()
	spec := &chatSpec{
		info:        info,
		message:     prompt,
		attachments: images,
		hint:        token.HintBasic,
		window:      token.WindowDefault,
		idleTimeout: cfg.Image.StreamTimeout,
	}

	emitted := 0
	err := p.withUpstream(ctx, spec, func(lease *token.Lease, body io.ReadCloser) error {
		defer body.Close()

		tr := translate.NewChatTranslator(translate.ChatOptions{FilteredTags: cfg.Grok.FilteredTags})
		lines := newLineStream(ctx, body)
		defer lines.stop()

		for emitted < n {
			line, err := lines.next(spec.idleTimeout)
			if err == io.EOF {
				break
			}
			if err != nil {
				if ctx.Err() != nil {
					if emitted > 0 {
						p.pool.Release(lease, token.Success(nil))
					} else {
						p.pool.Release(lease, token.Aborted())
					}
					return apperrors.Wrap(apperrors.CodeClientCancelled, "client cancelled", ctx.Err())
				}
				p.pool.Release(lease, token.TransientFailure(apperrors.UpstreamStatus(err), err.Error()))
				return err
			}

			outs, terr := tr.Feed(line)
			if terr != nil {
				p.pool.Release(lease, token.TransientFailure(apperrors.UpstreamStatus(terr), terr.Error()))
				return terr
			}
			for _, out := range outs {
				if out.Kind != translate.OutAsset || out.Asset.Kind != mediacache.KindImage {
					continue
				}
				datum, derr := p.assetDatum(ctx, lease, out.Asset.Path, format)
				if derr != nil {
					p.log.Warn("Generated image fetch failed", zap.String("path", out.Asset.Path), zap.Error(derr))
					continue
				}
				emitted++
				if err := emit(datum); err != nil {
					p.pool.Release(lease, token.Success(nil))
					return apperrors.Wrap(apperrors.CodeClientCancelled, "client went away", err)
				}
				if emitted >= n {
					break
				}
			}
			if tr.Done() {
				break
			}
		}

		if emitted == 0 {
			p.pool.Release(lease, token.TransientFailure(0, "conversation produced no images"))
			return apperrors.New(apperrors.CodeTranslatorProtocol, "conversation produced no images")
		}
		p.pool.Release(lease, token.Success(nil))
		if p.OnSuccess != nil {
			id := lease.TokenID
			safego.Go(p.log, "quota-refresh", func() { p.OnSuccess(id) })
		}
		return nil
	})
	if err != nil && emitted > 0 {
		p.log.Warn("Image request finished short", zap.Int("delivered", emitted), zap.Int("wanted", n), zap.Error(err))
		return nil
	}
	return err
}

// assetDatum resolves one generated-image asset path into a response entry.
func (p *Pipeline) assetDatum(ctx context.Context, lease *token.Lease, assetPath, format string) (openai.ImageDatum, error) {
	cookie := lease.Cookie()
	if format == "b64_json" {
		data, _, err := p.client.DownloadAsset(ctx, cookie, assetPath)
		if err != nil {
			return openai.ImageDatum{}, err
		}
		return openai.ImageDatum{B64JSON: base64.StdEncoding.EncodeToString(data)}, nil
	}

	urlPath, err := p.cache.Fetch(ctx, mediacache.KindImage, assetPath, func(ctx context.Context) ([]byte, error) {
		data, _, derr := p.client.DownloadAsset(ctx, cookie, assetPath)
		return data, derr
	})
	if err != nil {
		return openai.ImageDatum{}, err
	}
	if base := strings.TrimSuffix(p.cfg().Server.BaseURL, "/"); base != "" {
		return openai.ImageDatum{URL: base + urlPath}, nil
	}
	return openai.ImageDatum{URL: urlPath}, nil
}

// aspectRatioForSize maps an OpenAI WxH size onto the nearest upstream
// aspect ratio. The upstream default is portrait.
func aspectRatioForSize(size string) string {
	w, h, ok := strings.Cut(size, "x")
	if !ok {
		return ""
	}
	width, werr := strconv.Atoi(strings.TrimSpace(w))
	height, herr := strconv.Atoi(strings.TrimSpace(h))
	if werr != nil || herr != nil || width <= 0 || height <= 0 {
		return ""
	}
	ratio := float64(width) / float64(height)
	switch {
	case ratio > 1.2:
		return "3:2"
	case ratio < 0.84:
		return "2:3"
	default:
		return "1:1"
	}
}
