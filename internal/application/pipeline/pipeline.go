package pipeline

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voici5986/grok2api/internal/domain/model"
	"github.com/voici5986/grok2api/internal/domain/openai"
	"github.com/voici5986/grok2api/internal/domain/token"
	"github.com/voici5986/grok2api/internal/domain/translate"
	"github.com/voici5986/grok2api/internal/infrastructure/config"
	"github.com/voici5986/grok2api/internal/infrastructure/logger"
	"github.com/voici5986/grok2api/internal/infrastructure/mediacache"
	"github.com/voici5986/grok2api/internal/infrastructure/upstream"
	"github.com/voici5986/grok2api/pkg/safego"
	apperrors "github.com/voici5986/grok2api/pkg/errors"
)

// Pipeline orchestrates one client call: token acquisition, upstream
// execution under the retry budget, translation, and outcome reporting.
type Pipeline struct {
	pool   *token.Pool
	client *upstream.Client
	cache  *mediacache.Cache
	cfg    func() *config.Config
	log    *zap.Logger

	// OnSuccess, when set, runs after a successful upstream exchange to
	// refresh the token's quota snapshot out of band.
	OnSuccess func(tokenID string)
}

// New 创建请求管线
func New(pool *token.Pool, client *upstream.Client, cache *mediacache.Cache, cfg func() *config.Config, log *zap.Logger) *Pipeline {
	return &Pipeline{
		pool:   pool,
		client: client,
		cache:  cache,
		cfg:    cfg,
		log:    log.With(zap.String("component", "pipeline")),
	}
}

// Emit delivers one streaming chunk to the client. A non-nil return aborts
// the request (client gone).
type Emit func(chunk openai.ChatCompletionChunk) error

// chatSpec is the resolved shape of one upstream conversation call.
type chatSpec struct {
	info        model.Info
	message     string
	attachments []Attachment
	hint        token.ClassHint
	window      string
	thinking    bool
	video       *model.VideoOptions
	idleTimeout time.Duration
}

// RunChat streams one chat completion.
func (p *Pipeline) RunChat(ctx context.Context, req *openai.ChatCompletionRequest, emit Emit) error {
	spec, err := p.chatSpecFor(ctx, req)
	if err != nil {
		return err
	}
	return p.runConversation(ctx, spec, req.Model, emit)
}

// CollectChat runs a chat completion to completion and returns one body.
func (p *Pipeline) CollectChat(ctx context.Context, req *openai.ChatCompletionRequest) (*openai.ChatCompletion, error) {
	var content, reasoning strings.Builder
	var id string
	var created int64

	err := p.RunChat(ctx, req, func(chunk openai.ChatCompletionChunk) error {
		id, created = chunk.ID, chunk.Created
		for _, choice := range chunk.Choices {
			content.WriteString(choice.Delta.Content)
			reasoning.WriteString(choice.Delta.ReasoningContent)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &openai.ChatCompletion{
		ID:      id,
		Object:  "chat.completion",
		Created: created,
		Model:   req.Model,
		Choices: []openai.CompletionChoice{{
			Message: openai.CompletionMessage{
				Role:             "assistant",
				Content:          content.String(),
				ReasoningContent: reasoning.String(),
			},
			FinishReason: "stop",
		}},
	}, nil
}

func (p *Pipeline) chatSpecFor(ctx context.Context, req *openai.ChatCompletionRequest) (*chatSpec, error) {
	info, ok := model.Lookup(req.Model)
	if !ok {
		return nil, apperrors.New(apperrors.CodeInvalidInput, "unknown model: "+req.Model)
	}

	message, attachments, err := extractMessages(ctx, req.Messages, info.IsVideo)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(message) == "" && len(attachments) == 0 {
		return nil, apperrors.New(apperrors.CodeInvalidInput, "empty message content")
	}

	cfg := p.cfg()
	thinking := info.Thinking && cfg.Chat.Thinking && req.ReasoningEffort != "none"

	var video *model.VideoOptions
	idle := cfg.Chat.StreamTimeout
	if info.IsVideo {
		video = &model.VideoOptions{}
		if vc := req.VideoConfig; vc != nil {
			video.ResolutionName = vc.ResolutionName
			video.LengthSeconds = vc.VideoLength
		}
		idle = cfg.Video.StreamTimeout
		thinking = cfg.Chat.Thinking && req.ReasoningEffort != "none"
	}

	window := token.WindowDefault
	if info.RequiresSuper {
		window = token.WindowHeavy
	}

	return &chatSpec{
		info:        info,
		message:     message,
		attachments: attachments,
		hint:        model.ClassHint(req.Model, video),
		window:      window,
		thinking:    thinking,
		video:       video,
		idleTimeout: idle,
	}, nil
}

// runConversation drives the Acquiring → Connecting → Streaming machine
// for the HTTP chat endpoint.
func (p *Pipeline) runConversation(ctx context.Context, spec *chatSpec, clientModel string, emit Emit) error {
	return p.withUpstream(ctx, spec, func(lease *token.Lease, body io.ReadCloser) error {
		return p.stream(ctx, lease, spec, clientModel, body, emit)
	})
}

// withUpstream acquires a token, connects, and hands the open stream to
// run. Connection failures rotate to a fresh token under the retry budget;
// once run is entered the lease outcome is run's responsibility.
func (p *Pipeline) withUpstream(ctx context.Context, spec *chatSpec, run func(lease *token.Lease, body io.ReadCloser) error) error {
	cfg := p.cfg()
	policy := newRetryPolicy(cfg.Retry, time.Now())

	tried := make(map[string]struct{})
	var prior401 *token.Lease
	var lastErr error

	for attempt := 0; attempt <= cfg.Retry.MaxRetry; attempt++ {
		if attempt > 0 && !policy.budgetLeft(time.Now()) {
			return apperrors.Wrap(apperrors.CodeUpstreamTimeout, "retry budget exhausted", lastErr)
		}

		// Acquiring
		lease, err := p.pool.Acquire(spec.hint, spec.window)
		if err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}
		if _, reused := tried[lease.TokenID]; reused {
			// Pool wrapped around to a token this request already burned.
			if lastErr != nil {
				return lastErr
			}
			return apperrors.New(apperrors.CodePoolEmpty, "no untried token left for request")
		}
		tried[lease.TokenID] = struct{}{}

		// Connecting
		body, err := p.connect(ctx, lease, spec)
		if err != nil {
			lastErr = err
			status := apperrors.UpstreamStatus(err)

			terminal, terr := p.releaseConnectFailure(lease, err, &prior401)
			if terminal {
				return terr
			}
			if ctx.Err() != nil {
				return apperrors.Wrap(apperrors.CodeClientCancelled, "client cancelled", ctx.Err())
			}
			if status != 0 && !policy.retryable(status) {
				return err
			}
			if attempt < cfg.Retry.MaxRetry {
				sleep := policy.backoff(attempt, status)
				p.log.Info("Retrying with a fresh token",
					zap.Int("attempt", attempt+1),
					zap.Int("status", status),
					zap.Duration("backoff", sleep))
				select {
				case <-time.After(sleep):
				case <-ctx.Done():
					return apperrors.Wrap(apperrors.CodeClientCancelled, "client cancelled", ctx.Err())
				}
			}
			continue
		}

		// Streaming: past this point failures are terminal for the client.
		return run(lease, body)
	}

	if lastErr != nil {
		return apperrors.Wrap(apperrors.CodeUpstreamTimeout, "retries exhausted", lastErr)
	}
	return apperrors.New(apperrors.CodeUpstreamTimeout, "retries exhausted")
}

// connect uploads attachments and opens the upstream stream for one lease.
func (p *Pipeline) connect(ctx context.Context, lease *token.Lease, spec *chatSpec) (io.ReadCloser, error) {
	var fileIDs []string
	var fileURI string
	for _, att := range spec.attachments {
		res, err := p.client.UploadFile(ctx, lease.Cookie(), att.FileName, att.MimeType, att.Content)
		if err != nil {
			return nil, err
		}
		fileIDs = append(fileIDs, res.FileMetadataID)
		if fileURI == "" {
			fileURI = res.FileURI
		}
	}

	chatReq := upstream.ChatRequest{
		Message:         spec.message,
		Model:           spec.info.UpstreamModel,
		Mode:            spec.info.Mode,
		FileAttachments: fileIDs,
		IsReasoning:     spec.info.Thinking,
		IsVideo:         spec.info.IsVideo,
	}
	if spec.video != nil {
		chatReq.ResolutionName = spec.video.ResolutionName
		chatReq.VideoLengthSec = spec.video.LengthSeconds
	}
	if spec.info.IsVideo && fileURI != "" {
		chatReq.FileURI = fileURI
		postID, err := p.client.CreateMediaPost(ctx, lease.Cookie(), fileURI)
		if err != nil {
			p.log.Warn("Media post creation failed, falling back to asset reference",
				zap.String("token", logger.MaskToken(lease.TokenID)), zap.Error(err))
		} else {
			chatReq.PostID = postID
		}
	}

	return p.client.OpenChat(ctx, lease.Cookie(), chatReq)
}

// stream translates the upstream body into client chunks.
func (p *Pipeline) stream(ctx context.Context, lease *token.Lease, spec *chatSpec, clientModel string, body io.ReadCloser, emit Emit) error {
	defer body.Close()

	tr := translate.NewChatTranslator(translate.ChatOptions{
		Thinking:     spec.thinking,
		FilteredTags: p.cfg().Grok.FilteredTags,
		Video:        spec.info.IsVideo,
	})
	builder := newChunkBuilder(clientModel)
	lines := newLineStream(ctx, body)
	defer lines.stop()

	fail := func(err error) error {
		p.pool.Release(lease, token.TransientFailure(apperrors.UpstreamStatus(err), err.Error()))
		return err
	}
	// A client that leaves before the translator produced anything proves
	// nothing about the token, so the release must not touch its counters.
	clientGone := func(msg string, cause error) error {
		if tr.Produced() {
			p.pool.Release(lease, token.Success(nil))
		} else {
			p.pool.Release(lease, token.Aborted())
		}
		return apperrors.Wrap(apperrors.CodeClientCancelled, msg, cause)
	}

	if err := emit(builder.role()); err != nil {
		return clientGone("client went away", err)
	}

	for {
		line, err := lines.next(spec.idleTimeout)
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return clientGone("client cancelled", ctx.Err())
			}
			return fail(err)
		}

		outs, terr := tr.Feed(line)
		if terr != nil {
			return fail(terr)
		}
		for _, out := range outs {
			chunk, ok := p.renderOutput(ctx, lease, builder, out)
			if !ok {
				continue
			}
			if err := emit(chunk); err != nil {
				return clientGone("client went away", err)
			}
		}
		if tr.Done() {
			break
		}
	}

	for _, out := range tr.Finish() {
		chunk, ok := p.renderOutput(ctx, lease, builder, out)
		if !ok {
			continue
		}
		if err := emit(chunk); err != nil {
			break
		}
	}

	if tr.Produced() {
		p.pool.Release(lease, token.Success(nil))
		if p.OnSuccess != nil {
			id := lease.TokenID
			safego.Go(p.log, "quota-refresh", func() { p.OnSuccess(id) })
		}
		return nil
	}
	return fail(apperrors.New(apperrors.CodeTranslatorProtocol, "upstream stream produced no output"))
}

// renderOutput maps one translated unit onto a client chunk.
func (p *Pipeline) renderOutput(ctx context.Context, lease *token.Lease, b *chunkBuilder, out translate.Output) (openai.ChatCompletionChunk, bool) {
	switch out.Kind {
	case translate.OutText:
		return b.content(out.Text), true
	case translate.OutReasoning:
		return b.reasoning(out.Text), true
	case translate.OutAsset:
		url := p.resolveAsset(ctx, lease, out.Asset)
		if out.Asset.Kind == mediacache.KindVideo {
			return b.content(fmt.Sprintf("[video](%s)\n", url)), true
		}
		return b.content(fmt.Sprintf("![image](%s)\n", url)), true
	case translate.OutDone:
		return b.finish(out.FinishReason), true
	}
	return openai.ChatCompletionChunk{}, false
}

// resolveAsset caches an upstream asset locally and returns the URL the
// client may keep. On cache failure the raw upstream URL is the fallback.
func (p *Pipeline) resolveAsset(ctx context.Context, lease *token.Lease, ref *translate.AssetRef) string {
	cfg := p.cfg()
	cookie := lease.Cookie()
	path := ref.Path

	urlPath, err := p.cache.Fetch(ctx, ref.Kind, path, func(ctx context.Context) ([]byte, error) {
		data, _, derr := p.client.DownloadAsset(ctx, cookie, path)
		return data, derr
	})
	if err != nil {
		p.log.Warn("Asset caching failed, passing upstream URL through",
			zap.String("path", path), zap.Error(err))
		return cfg.Grok.AssetsURL + path
	}
	if base := strings.TrimSuffix(cfg.Server.BaseURL, "/"); base != "" {
		return base + urlPath
	}
	return urlPath
}

// chunkBuilder stamps a consistent id/model/created over one response.
type chunkBuilder struct {
	id      string
	model   string
	created int64
}

func newChunkBuilder(model string) *chunkBuilder {
	return &chunkBuilder{
		id:      "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24],
		model:   model,
		created: time.Now().Unix(),
	}
}

func (b *chunkBuilder) base(delta openai.ChunkDelta, finish *string) openai.ChatCompletionChunk {
	return openai.ChatCompletionChunk{
		ID:      b.id,
		Object:  "chat.completion.chunk",
		Created: b.created,
		Model:   b.model,
		Choices: []openai.ChunkChoice{{Delta: delta, FinishReason: finish}},
	}
}

func (b *chunkBuilder) role() openai.ChatCompletionChunk {
	return b.base(openai.ChunkDelta{Role: "assistant"}, nil)
}

func (b *chunkBuilder) content(text string) openai.ChatCompletionChunk {
	return b.base(openai.ChunkDelta{Content: text}, nil)
}

func (b *chunkBuilder) reasoning(text string) openai.ChatCompletionChunk {
	return b.base(openai.ChunkDelta{ReasoningContent: text}, nil)
}

func (b *chunkBuilder) finish(reason string) openai.ChatCompletionChunk {
	return b.base(openai.ChunkDelta{}, &reason)
}

// lineStream reads newline-delimited upstream events on a worker goroutine
// so reads can race an idle timer.
type lineStream struct {
	ch     chan lineResult
	cancel context.CancelFunc
}

type lineResult struct {
	line []byte
	err  error
}

func newLineStream(ctx context.Context, body io.Reader) *lineStream {
	ctx, cancel := context.WithCancel(ctx)
	ls := &lineStream{ch: make(chan lineResult, 16), cancel: cancel}

	go func() {
		defer close(ls.ch)
		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case ls.ch <- lineResult{line: line}:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			select {
			case ls.ch <- lineResult{err: apperrors.Wrap(apperrors.CodeUpstreamHTTP, "upstream stream broke", err)}:
			case <-ctx.Done():
			}
		}
	}()
	return ls
}

// next blocks for the following line. io.EOF marks a clean end; an idle
// period longer than timeout is upstream_timeout.
func (ls *lineStream) next(timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res, ok := <-ls.ch:
		if !ok {
			return nil, io.EOF
		}
		return res.line, res.err
	case <-timer.C:
		return nil, apperrors.New(apperrors.CodeUpstreamTimeout,
			fmt.Sprintf("no upstream data for %s", timeout))
	}
}

func (ls *lineStream) stop() { ls.cancel() }

// EncodeImageBase64 re-encodes raw bytes for b64_json responses.
func EncodeImageBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}
