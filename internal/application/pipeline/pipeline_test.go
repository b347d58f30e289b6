package pipeline

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/voici5986/grok2api/internal/domain/openai"
	"github.com/voici5986/grok2api/internal/domain/token"
	"github.com/voici5986/grok2api/internal/infrastructure/config"
	"github.com/voici5986/grok2api/internal/infrastructure/eventbus"
	"github.com/voici5986/grok2api/internal/infrastructure/mediacache"
	"github.com/voici5986/grok2api/internal/infrastructure/persistence"
	"github.com/voici5986/grok2api/internal/infrastructure/upstream"
	apperrors "github.com/voici5986/grok2api/pkg/errors"
)

func testConfig(upstreamURL string) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{BaseURL: "http://gw.local"},
		Grok: config.GrokConfig{
			BaseURL:    upstreamURL,
			AssetsURL:  upstreamURL,
			XStatsigID: "test-statsig",
			Timeout:    5 * time.Second,
		},
		Retry: config.RetryConfig{
			MaxRetry:      3,
			StatusCodes:   []int{401, 403, 429},
			BackoffBase:   time.Millisecond,
			BackoffFactor: 2.0,
			BackoffMax:    5 * time.Millisecond,
			Budget:        time.Second,
		},
		Chat:  config.ChatConfig{StreamTimeout: 2 * time.Second, Thinking: true},
		Image: config.ImageConfig{StreamTimeout: 2 * time.Second, FinalTimeout: 200 * time.Millisecond, MediumMinBytes: 50, FinalMinBytes: 200},
		Video: config.VideoConfig{StreamTimeout: 2 * time.Second},
	}
}

func newTestPipeline(t *testing.T, handler http.Handler) (*Pipeline, *token.Pool) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := testConfig(srv.URL)
	cfgFn := func() *config.Config { return cfg }

	store, err := persistence.NewFileStore(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	pool, err := token.NewPool(store, eventbus.NewInMemoryBus(zap.NewNop(), 16), token.Options{}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	t.Cleanup(pool.Close)
	pool.Import([]token.ImportSpec{
		{ID: "tok-a", Class: token.ClassBasic},
		{ID: "tok-b", Class: token.ClassBasic},
	})

	client, err := upstream.NewClient(cfgFn, zap.NewNop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	cache, err := mediacache.New(t.TempDir(), 100, zap.NewNop())
	if err != nil {
		t.Fatalf("mediacache.New: %v", err)
	}
	t.Cleanup(cache.Close)

	return New(pool, client, cache, cfgFn, zap.NewNop()), pool
}

func cookieToken(r *http.Request) string {
	for _, part := range strings.Split(r.Header.Get("Cookie"), ";") {
		if strings.HasPrefix(part, "sso=") {
			return strings.TrimPrefix(part, "sso=")
		}
	}
	return ""
}

func chatLine(w http.ResponseWriter, payload string) {
	fmt.Fprintln(w, payload)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func streamRequest(model string, content string) *openai.ChatCompletionRequest {
	raw, _ := json.Marshal(content)
	return &openai.ChatCompletionRequest{
		Model:    model,
		Messages: []openai.Message{{Role: "user", Content: raw}},
	}
}

func collectChunks(t *testing.T, p *Pipeline, req *openai.ChatCompletionRequest) (string, string, error) {
	t.Helper()
	var content, reasoning strings.Builder
	err := p.RunChat(context.Background(), req, func(chunk openai.ChatCompletionChunk) error {
		for _, c := range chunk.Choices {
			content.WriteString(c.Delta.Content)
			reasoning.WriteString(c.Delta.ReasoningContent)
		}
		return nil
	})
	return content.String(), reasoning.String(), err
}

func TestChatRotatesToFreshTokenOn429(t *testing.T) {
	var mu sync.Mutex
	var seen []string

	mux := http.NewServeMux()
	mux.HandleFunc("/rest/app-chat/conversations/new", func(w http.ResponseWriter, r *http.Request) {
		tok := cookieToken(r)
		mu.Lock()
		seen = append(seen, tok)
		first := len(seen) == 1
		mu.Unlock()

		if first {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		chatLine(w, `{"result":{"response":{"token":"hello","responseId":"r-1"}}}`)
		chatLine(w, `{"result":{"response":{"modelResponse":{"message":"hello"}}}}`)
	})

	p, _ := newTestPipeline(t, mux)
	content, _, err := collectChunks(t, p, streamRequest("grok-3-fast", "hi"))
	if err != nil {
		t.Fatalf("RunChat: %v", err)
	}
	if content != "hello" {
		t.Fatalf("content = %q, want %q", content, "hello")
	}
	if len(seen) != 2 || seen[0] == seen[1] {
		t.Fatalf("tokens used = %v, want two distinct tokens", seen)
	}
}

func TestChat401OnTwoTokensDisablesBoth(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/app-chat/conversations/new", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	p, pool := newTestPipeline(t, mux)
	_, _, err := collectChunks(t, p, streamRequest("grok-3-fast", "hi"))
	if !apperrors.Is(err, apperrors.CodeAuthRevoked) {
		t.Fatalf("err = %v, want upstream_auth_revoked", err)
	}

	for _, id := range []string{"tok-a", "tok-b"} {
		rec, ok := pool.Get(id)
		if !ok {
			t.Fatalf("token %s missing", id)
		}
		if !rec.Disabled {
			t.Errorf("token %s still enabled after double 401", id)
		}
	}
}

func TestChat429WithRetryAfterCoolsTokenWithoutPenalty(t *testing.T) {
	mux := http.NewServeMux()
	var first string
	var mu sync.Mutex
	mux.HandleFunc("/rest/app-chat/conversations/new", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if first == "" {
			first = cookieToken(r)
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		chatLine(w, `{"result":{"response":{"modelResponse":{"message":"ok"}}}}`)
	})

	p, pool := newTestPipeline(t, mux)
	if _, _, err := collectChunks(t, p, streamRequest("grok-3-fast", "hi")); err != nil {
		t.Fatalf("RunChat: %v", err)
	}

	rec, _ := pool.Get(first)
	if rec.ConsecutiveFailures != 0 {
		t.Errorf("failures = %d, quota exhaustion must not count as a failure", rec.ConsecutiveFailures)
	}
	if !rec.CooldownUntil.After(time.Now().Add(30 * time.Second)) {
		t.Errorf("cooldownUntil = %v, want roughly 60s out", rec.CooldownUntil)
	}
}

func TestChatNoRetryAfterFirstEmittedChunk(t *testing.T) {
	var calls int
	var mu sync.Mutex
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/app-chat/conversations/new", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		chatLine(w, `{"result":{"response":{"token":"partial"}}}`)
		chatLine(w, `not json at all`)
		chatLine(w, `still not json`)
	})

	p, _ := newTestPipeline(t, mux)
	content, _, err := collectChunks(t, p, streamRequest("grok-3-fast", "hi"))
	if !apperrors.Is(err, apperrors.CodeTranslatorProtocol) {
		t.Fatalf("err = %v, want translator_protocol_error", err)
	}
	if content != "partial" {
		t.Fatalf("content = %q, want the bytes emitted before the failure", content)
	}
	if calls != 1 {
		t.Fatalf("upstream called %d times, must not retry after first emitted chunk", calls)
	}
}

func TestChatThinkingRoutedToReasoningChannel(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/app-chat/conversations/new", func(w http.ResponseWriter, r *http.Request) {
		chatLine(w, `{"result":{"response":{"token":"pondering","isThinking":true}}}`)
		chatLine(w, `{"result":{"response":{"token":"answer"}}}`)
		chatLine(w, `{"result":{"response":{"modelResponse":{"message":"answer"}}}}`)
	})

	p, _ := newTestPipeline(t, mux)
	content, reasoning, err := collectChunks(t, p, streamRequest("grok-4-fast", "hi"))
	if err != nil {
		t.Fatalf("RunChat: %v", err)
	}
	if content != "answer" {
		t.Fatalf("content = %q", content)
	}
	if !strings.Contains(reasoning, "pondering") {
		t.Fatalf("reasoning = %q, want thinking tokens", reasoning)
	}
}

func TestChatGeneratedImageRenderedAsMarkdown(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/app-chat/conversations/new", func(w http.ResponseWriter, r *http.Request) {
		chatLine(w, `{"result":{"response":{"modelResponse":{"message":"","generatedImageUrls":["users/u/gen.png"]}}}}`)
	})
	mux.HandleFunc("/users/u/gen.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("png-bytes"))
	})

	p, _ := newTestPipeline(t, mux)
	content, _, err := collectChunks(t, p, streamRequest("grok-3-fast", "draw"))
	if err != nil {
		t.Fatalf("RunChat: %v", err)
	}
	if !strings.Contains(content, "![image](http://gw.local/v1/files/image/") {
		t.Fatalf("content = %q, want cached markdown image link", content)
	}
}

func TestCollectChatAggregates(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/app-chat/conversations/new", func(w http.ResponseWriter, r *http.Request) {
		chatLine(w, `{"result":{"response":{"token":"a"}}}`)
		chatLine(w, `{"result":{"response":{"token":"b"}}}`)
		chatLine(w, `{"result":{"response":{"modelResponse":{"message":"ab"}}}}`)
	})

	p, _ := newTestPipeline(t, mux)
	resp, err := p.CollectChat(context.Background(), streamRequest("grok-3-fast", "hi"))
	if err != nil {
		t.Fatalf("CollectChat: %v", err)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Content != "ab" {
		t.Fatalf("resp = %+v, want aggregated content", resp)
	}
	if resp.Choices[0].FinishReason != "stop" {
		t.Fatalf("finish = %q", resp.Choices[0].FinishReason)
	}
}

func TestChatUnknownModelRejected(t *testing.T) {
	p, _ := newTestPipeline(t, http.NewServeMux())
	_, _, err := collectChunks(t, p, streamRequest("gpt-4o", "hi"))
	if !apperrors.Is(err, apperrors.CodeInvalidInput) {
		t.Fatalf("err = %v, want invalid_request", err)
	}
}

func TestImageGenerationOverConversationTransport(t *testing.T) {
	uploadCalls := 0
	var mu sync.Mutex
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/app-chat/upload-file", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		uploadCalls++
		mu.Unlock()
		fmt.Fprint(w, `{"fileMetadataId":"fm-1","fileUri":"users/u/src.jpg"}`)
	})
	mux.HandleFunc("/rest/app-chat/conversations/new", func(w http.ResponseWriter, r *http.Request) {
		chatLine(w, `{"result":{"response":{"modelResponse":{"message":"","generatedImageUrls":["users/u/out-1.png","users/u/out-2.png"]}}}}`)
	})
	for _, path := range []string{"/users/u/out-1.png", "/users/u/out-2.png"} {
		mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("image-bytes"))
		})
	}

	p, _ := newTestPipeline(t, mux)
	src := base64.StdEncoding.EncodeToString([]byte("source-image"))
	var data []openai.ImageDatum
	err := p.RunImageEdit(context.Background(), "make it blue",
		[]Attachment{{FileName: "src.jpg", MimeType: "image/jpeg", Content: src}},
		2, "", func(d openai.ImageDatum) error {
			data = append(data, d)
			return nil
		})
	if err != nil {
		t.Fatalf("RunImageEdit: %v", err)
	}
	if uploadCalls != 1 {
		t.Fatalf("upload called %d times, want 1", uploadCalls)
	}
	if len(data) != 2 {
		t.Fatalf("got %d images, want 2", len(data))
	}
	for _, d := range data {
		if !strings.HasPrefix(d.URL, "http://gw.local/v1/files/image/") {
			t.Fatalf("url = %q, want gateway cache link", d.URL)
		}
	}
}

func TestGenerateImagesB64Format(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/app-chat/conversations/new", func(w http.ResponseWriter, r *http.Request) {
		chatLine(w, `{"result":{"response":{"modelResponse":{"message":"","generatedImageUrls":["users/u/pic.png"]}}}}`)
	})
	mux.HandleFunc("/users/u/pic.png", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("raw-image"))
	})

	p, _ := newTestPipeline(t, mux)
	resp, err := p.GenerateImages(context.Background(), &openai.ImageGenerationRequest{
		Model:          "grok-3-fast",
		Prompt:         "a cat",
		ResponseFormat: "b64_json",
	})
	if err != nil {
		t.Fatalf("GenerateImages: %v", err)
	}
	if len(resp.Data) != 1 {
		t.Fatalf("got %d images, want 1", len(resp.Data))
	}
	decoded, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil || string(decoded) != "raw-image" {
		t.Fatalf("b64_json = %q, decode err %v", resp.Data[0].B64JSON, err)
	}
}

func TestVideoChatEmitsVideoLink(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/app-chat/conversations/new", func(w http.ResponseWriter, r *http.Request) {
		chatLine(w, `{"result":{"response":{"streamingVideoGenerationResponse":{"progress":50}}}}`)
		chatLine(w, `{"result":{"response":{"streamingVideoGenerationResponse":{"progress":100,"videoUrl":"users/u/clip.mp4"}}}}`)
		chatLine(w, `{"result":{"response":{"modelResponse":{"message":""}}}}`)
	})
	mux.HandleFunc("/users/u/clip.mp4", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("video-bytes"))
	})

	p, _ := newTestPipeline(t, mux)
	content, reasoning, err := collectChunks(t, p, streamRequest("grok-imagine-0.9", "a sunrise"))
	if err != nil {
		t.Fatalf("RunChat: %v", err)
	}
	if !strings.Contains(content, "[video](http://gw.local/v1/files/video/") {
		t.Fatalf("content = %q, want cached video link", content)
	}
	if !strings.Contains(reasoning, "progress 50%") {
		t.Fatalf("reasoning = %q, want progress updates", reasoning)
	}
}

func TestClientGoneBeforeFirstDeltaLeavesCountersAlone(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/app-chat/conversations/new", func(w http.ResponseWriter, r *http.Request) {
		chatLine(w, `{"result":{"response":{"token":"hello"}}}`)
	})

	p, pool := newTestPipeline(t, mux)
	pool.Remove([]string{"tok-b"})

	for i := 0; i < 2; i++ {
		lease, err := pool.Acquire(token.HintBasic, token.WindowDefault)
		if err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
		pool.Release(lease, token.TransientFailure(429, "throttled"))
	}

	gone := errors.New("client closed connection")
	err := p.RunChat(context.Background(), streamRequest("grok-3-fast", "hi"),
		func(openai.ChatCompletionChunk) error { return gone })
	if !apperrors.Is(err, apperrors.CodeClientCancelled) {
		t.Fatalf("err = %v, want client_cancelled", err)
	}

	rec, _ := pool.Get("tok-a")
	if rec.ConsecutiveFailures != 2 {
		t.Fatalf("ConsecutiveFailures = %d, want 2 untouched by the disconnect", rec.ConsecutiveFailures)
	}
}

func TestInputAudioPartBecomesAttachment(t *testing.T) {
	audio := base64.StdEncoding.EncodeToString([]byte("wav-bytes"))
	content, _ := json.Marshal([]openai.ContentPart{
		{Type: "text", Text: "transcribe this"},
		{Type: "input_audio", InputAudio: &openai.InputAudioPart{Data: audio, Format: "wav"}},
	})

	message, attachments, err := extractMessages(context.Background(),
		[]openai.Message{{Role: "user", Content: content}}, false)
	if err != nil {
		t.Fatalf("extractMessages: %v", err)
	}
	if message != "transcribe this" {
		t.Fatalf("message = %q", message)
	}
	if len(attachments) != 1 {
		t.Fatalf("got %d attachments, want 1", len(attachments))
	}
	att := attachments[0]
	if att.MimeType != "audio/wav" || !strings.HasSuffix(att.FileName, ".wav") {
		t.Fatalf("attachment = %+v, want audio/wav with .wav name", att)
	}
	if att.Content != audio {
		t.Fatalf("attachment content differs from the supplied base64")
	}
}

func TestInputAudioUnknownFormatDefaultsToMP3(t *testing.T) {
	content, _ := json.Marshal([]openai.ContentPart{
		{Type: "input_audio", InputAudio: &openai.InputAudioPart{Data: "QUJD"}},
	})

	_, attachments, err := extractMessages(context.Background(),
		[]openai.Message{{Role: "user", Content: content}}, false)
	if err != nil {
		t.Fatalf("extractMessages: %v", err)
	}
	if len(attachments) != 1 || attachments[0].MimeType != "audio/mpeg" {
		t.Fatalf("attachments = %+v, want one audio/mpeg entry", attachments)
	}
}

func TestVideoConfigRoutesExpensiveVideoToSuperPreferred(t *testing.T) {
	p, _ := newTestPipeline(t, http.NewServeMux())

	raw := []byte(`{
		"model": "grok-imagine-0.9",
		"video_config": {"resolution_name": "720p", "video_length": 10},
		"messages": [{"role": "user", "content": "a sunrise"}]
	}`)
	var req openai.ChatCompletionRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}

	spec, err := p.chatSpecFor(context.Background(), &req)
	if err != nil {
		t.Fatalf("chatSpecFor: %v", err)
	}
	if spec.hint != token.HintSuperPreferred {
		t.Fatalf("hint = %v, want super-preferred for 720p/10s video", spec.hint)
	}
	if spec.video == nil || spec.video.ResolutionName != "720p" || spec.video.LengthSeconds != 10 {
		t.Fatalf("video options = %+v, want 720p/10s", spec.video)
	}
}

func TestVideoConfigForwardedUpstream(t *testing.T) {
	var mu sync.Mutex
	var payload []byte
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/app-chat/conversations/new", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		payload = body
		mu.Unlock()
		chatLine(w, `{"result":{"response":{"streamingVideoGenerationResponse":{"progress":100,"videoUrl":"users/u/clip.mp4"}}}}`)
		chatLine(w, `{"result":{"response":{"modelResponse":{"message":""}}}}`)
	})
	mux.HandleFunc("/users/u/clip.mp4", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("video-bytes"))
	})

	p, _ := newTestPipeline(t, mux)
	req := streamRequest("grok-imagine-0.9", "a sunrise")
	req.VideoConfig = &openai.VideoConfig{ResolutionName: "720p", VideoLength: 10}
	if _, _, err := collectChunks(t, p, req); err != nil {
		t.Fatalf("RunChat: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	cfg := gjson.GetBytes(payload, "responseMetadata.modelConfigOverride.modelMap.videoGenModelConfig")
	if cfg.Get("resolutionName").String() != "720p" {
		t.Fatalf("resolutionName = %q, want 720p; payload %s", cfg.Get("resolutionName").String(), payload)
	}
	if cfg.Get("videoLength").Int() != 10 {
		t.Fatalf("videoLength = %d, want 10", cfg.Get("videoLength").Int())
	}
	if !gjson.GetBytes(payload, "toolOverrides.videoGen").Bool() {
		t.Fatalf("toolOverrides.videoGen missing; payload %s", payload)
	}
}

func TestAspectRatioForSize(t *testing.T) {
	cases := []struct {
		size string
		want string
	}{
		{"1024x1024", "1:1"},
		{"1536x1024", "3:2"},
		{"1024x1536", "2:3"},
		{"", ""},
		{"banana", ""},
		{"0x100", ""},
	}
	for _, tc := range cases {
		if got := aspectRatioForSize(tc.size); got != tc.want {
			t.Errorf("aspectRatioForSize(%q) = %q, want %q", tc.size, got, tc.want)
		}
	}
}
