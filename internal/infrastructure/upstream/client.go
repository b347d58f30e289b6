package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/voici5986/grok2api/internal/infrastructure/config"
	apperrors "github.com/voici5986/grok2api/pkg/errors"
)

const (
	pathChat        = "/rest/app-chat/conversations/new"
	pathRateLimits  = "/rest/rate-limits"
	pathUploadFile  = "/rest/app-chat/upload-file"
	pathMediaPost   = "/rest/media/post/create"
	pathAssets      = "/rest/assets"
	pathSetBirth    = "/rest/auth/set-birth-date"
	pathNSFWControl = "/auth_mgmt.AuthManagement/UpdateUserFeatureControls"

	// TOS 接受走账号域而不是聊天域
	acceptTOSURL = "https://accounts.x.ai/auth_mgmt.AuthManagement/SetTosAcceptedVersion"

	uploadConcurrency = 5
)

// Client 上游反向客户端
//
// 覆盖聊天流、限额查询、文件上传、媒体贴创建、资产下载/枚举/删除以及
// 内容模式相关的设置端点。配置每次请求时取最新快照, 代理在构造时固定。
type Client struct {
	cfg  func() *config.Config
	http *http.Client
	log  *zap.Logger

	uploadSem chan struct{}
}

// NewClient 创建上游客户端
func NewClient(cfg func() *config.Config, log *zap.Logger) (*Client, error) {
	current := cfg()

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if current.Grok.ProxyURL != "" {
		proxyURL, err := url.Parse(current.Grok.ProxyURL)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeInvalidInput, "invalid grok.proxy_url", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	return &Client{
		cfg: cfg,
		http: &http.Client{
			Transport: transport,
			// 流式响应自己管理空闲超时, 这里不设整体超时
		},
		log:       log.With(zap.String("component", "upstream")),
		uploadSem: make(chan struct{}, uploadConcurrency),
	}, nil
}

// ChatRequest 聊天请求参数
type ChatRequest struct {
	Message         string
	Model           string // upstream modelName
	Mode            string // upstream modelMode
	FileAttachments []string
	IsReasoning     bool

	// Video generation fields
	IsVideo        bool
	PostID         string
	FileURI        string
	ResolutionName string
	VideoLengthSec int
}

// buildChatPayload 构造上游聊天请求体
func (c *Client) buildChatPayload(req ChatRequest) map[string]any {
	cfg := c.cfg()

	if req.IsVideo {
		message := fmt.Sprintf("%s --mode=custom", req.Message)
		if req.FileURI != "" {
			ref := fmt.Sprintf("%s/post/%s", cfg.Grok.AssetsURL, req.FileURI)
			if req.PostID != "" {
				ref = fmt.Sprintf("%s/imagine/%s", cfg.Grok.BaseURL, req.PostID)
			}
			message = fmt.Sprintf("%s  %s --mode=custom", ref, req.Message)
		}
		resolution := req.ResolutionName
		if resolution == "" {
			resolution = "480p"
		}
		length := req.VideoLengthSec
		if length <= 0 {
			length = 6
		}
		return map[string]any{
			"temporary":       true,
			"modelName":       req.Model,
			"message":         message,
			"fileAttachments": req.FileAttachments,
			"toolOverrides":   map[string]any{"videoGen": true},
			"responseMetadata": map[string]any{
				"modelConfigOverride": map[string]any{
					"modelMap": map[string]any{
						"videoGenModelConfig": map[string]any{
							"resolutionName": resolution,
							"videoLength":    length,
						},
					},
				},
			},
		}
	}

	return map[string]any{
		"temporary":                 cfg.Grok.Temporary,
		"modelName":                 req.Model,
		"message":                   req.Message,
		"fileAttachments":           req.FileAttachments,
		"imageAttachments":          []string{},
		"disableSearch":             false,
		"enableImageGeneration":     true,
		"returnImageBytes":          false,
		"returnRawGrokInXaiRequest": false,
		"enableImageStreaming":      true,
		"imageGenerationCount":      2,
		"forceConcise":              false,
		"toolOverrides":             map[string]any{},
		"enableSideBySide":          true,
		"sendFinalMetadata":         true,
		"isReasoning":               req.IsReasoning,
		"webpageUrls":               []string{},
		"disableTextFollowUps":      true,
		"responseMetadata":          map[string]any{"requestModelDetails": map[string]any{"modelId": req.Model}},
		"disableMemory":             false,
		"forceSideBySide":           false,
		"modelMode":                 req.Mode,
		"isAsyncChat":               false,
	}
}

// OpenChat posts a conversation request and returns the newline-JSON body
// stream. The caller owns the ReadCloser.
func (c *Client) OpenChat(ctx context.Context, cookie string, req ChatRequest) (io.ReadCloser, error) {
	cfg := c.cfg()

	body, err := json.Marshal(c.buildChatPayload(req))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "marshal chat payload", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.Grok.BaseURL+pathChat, bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "build chat request", err)
	}
	headers, err := buildHeaders(&cfg.Grok, cookie, pathChat)
	if err != nil {
		return nil, err
	}
	httpReq.Header = headers
	if req.IsVideo {
		ref := req.PostID
		if ref == "" && len(req.FileAttachments) > 0 {
			ref = req.FileAttachments[0]
		}
		if ref != "" {
			httpReq.Header.Set("Referer", fmt.Sprintf("%s/imagine/%s", cfg.Grok.BaseURL, ref))
		}
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperrors.Wrap(apperrors.CodeClientCancelled, "chat request cancelled", err)
		}
		return nil, apperrors.Wrap(apperrors.CodeUpstreamHTTP, "chat request failed", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, c.statusError(resp, "chat")
	}
	return resp.Body, nil
}

// RateLimitSnapshot 限额端点的一次读数, -1 表示端点未返回该字段
type RateLimitSnapshot struct {
	RemainingTokens  int
	RemainingQueries int
	WaitSeconds      int
}

// RateLimits queries the remaining quota for one model name.
func (c *Client) RateLimits(ctx context.Context, cookie, modelName string) (*RateLimitSnapshot, error) {
	cfg := c.cfg()

	payload, _ := json.Marshal(map[string]string{
		"requestKind": "DEFAULT",
		"modelName":   modelName,
	})
	data, err := c.postJSON(ctx, cfg.Grok.BaseURL+pathRateLimits, cookie, payload, "rate-limits")
	if err != nil {
		return nil, err
	}

	snap := &RateLimitSnapshot{RemainingTokens: -1, RemainingQueries: -1}
	if v := gjson.GetBytes(data, "remainingTokens"); v.Exists() {
		snap.RemainingTokens = int(v.Int())
	}
	if v := gjson.GetBytes(data, "remainingQueries"); v.Exists() {
		snap.RemainingQueries = int(v.Int())
	}
	if v := gjson.GetBytes(data, "waitTimeSeconds"); v.Exists() {
		snap.WaitSeconds = int(v.Int())
	}
	return snap, nil
}

// UploadResult 上传结果
type UploadResult struct {
	FileMetadataID string
	FileURI        string
}

// UploadFile pushes one base64-encoded attachment. Concurrency is capped
// process-wide because the upstream throttles parallel uploads per session.
func (c *Client) UploadFile(ctx context.Context, cookie, fileName, mimeType, contentB64 string) (*UploadResult, error) {
	select {
	case c.uploadSem <- struct{}{}:
		defer func() { <-c.uploadSem }()
	case <-ctx.Done():
		return nil, apperrors.Wrap(apperrors.CodeClientCancelled, "upload cancelled", ctx.Err())
	}

	cfg := c.cfg()
	payload, err := json.Marshal(map[string]string{
		"fileName":     fileName,
		"fileMimeType": mimeType,
		"content":      contentB64,
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "marshal upload payload", err)
	}

	data, err := c.postJSON(ctx, cfg.Grok.BaseURL+pathUploadFile, cookie, payload, "upload-file")
	if err != nil {
		return nil, err
	}
	result := &UploadResult{
		FileMetadataID: gjson.GetBytes(data, "fileMetadataId").String(),
		FileURI:        gjson.GetBytes(data, "fileUri").String(),
	}
	if result.FileMetadataID == "" {
		return nil, apperrors.New(apperrors.CodeUpstreamHTTP, "upload response missing fileMetadataId")
	}
	return result, nil
}

// CreateMediaPost registers an uploaded image as a media post; video
// requests reference the returned post id in the message line.
func (c *Client) CreateMediaPost(ctx context.Context, cookie, fileURI string) (string, error) {
	cfg := c.cfg()
	payload, _ := json.Marshal(map[string]string{
		"media_url":  cfg.Grok.AssetsURL + "/" + fileURI,
		"media_type": "MEDIA_POST_TYPE_IMAGE",
	})
	data, err := c.postJSON(ctx, cfg.Grok.BaseURL+pathMediaPost, cookie, payload, "media-post")
	if err != nil {
		return "", err
	}
	postID := gjson.GetBytes(data, "post.id").String()
	if postID == "" {
		return "", apperrors.New(apperrors.CodeUpstreamHTTP, "media post response missing post.id")
	}
	return postID, nil
}

// DownloadAsset fetches a generated asset by its upstream path.
func (c *Client) DownloadAsset(ctx context.Context, cookie, assetPath string) ([]byte, string, error) {
	cfg := c.cfg()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.Grok.AssetsURL+assetPath, nil)
	if err != nil {
		return nil, "", apperrors.Wrap(apperrors.CodeInternal, "build asset request", err)
	}
	headers, err := buildHeaders(&cfg.Grok, cookie, assetPath)
	if err != nil {
		return nil, "", err
	}
	req.Header = headers
	req.Header.Set("Origin", cfg.Grok.AssetsURL)
	req.Header.Del("Content-Type")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", apperrors.Wrap(apperrors.CodeUpstreamHTTP, "asset download failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", c.statusError(resp, "asset-download")
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", apperrors.Wrap(apperrors.CodeUpstreamHTTP, "asset body read failed", err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// Asset 远端资产条目
type Asset struct {
	ID   string
	Name string
	Kind string
}

// AssetPage 资产分页结果
type AssetPage struct {
	Assets        []Asset
	NextPageToken string
}

// ListAssets pages through the account's remote asset inventory.
func (c *Client) ListAssets(ctx context.Context, cookie, pageToken string, pageSize int) (*AssetPage, error) {
	cfg := c.cfg()

	endpoint, _ := url.Parse(cfg.Grok.BaseURL + pathAssets)
	q := endpoint.Query()
	q.Set("pageSize", strconv.Itoa(pageSize))
	q.Set("orderBy", "ORDER_BY_LAST_USE_TIME")
	if pageToken != "" {
		q.Set("pageToken", pageToken)
	}
	endpoint.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "build assets request", err)
	}
	headers, err := buildHeaders(&cfg.Grok, cookie, pathAssets)
	if err != nil {
		return nil, err
	}
	req.Header = headers
	req.Header.Set("Referer", cfg.Grok.BaseURL+"/files")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUpstreamHTTP, "assets list failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp, "assets-list")
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUpstreamHTTP, "assets body read failed", err)
	}

	page := &AssetPage{NextPageToken: gjson.GetBytes(data, "nextPageToken").String()}
	for _, item := range gjson.GetBytes(data, "assets").Array() {
		page.Assets = append(page.Assets, Asset{
			ID:   item.Get("assetId").String(),
			Name: item.Get("name").String(),
			Kind: item.Get("assetType").String(),
		})
	}
	return page, nil
}

// DeleteAsset removes one remote asset.
func (c *Client) DeleteAsset(ctx context.Context, cookie, assetID string) error {
	cfg := c.cfg()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		cfg.Grok.BaseURL+pathAssets+"/"+url.PathEscape(assetID), nil)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, "build asset delete request", err)
	}
	headers, err := buildHeaders(&cfg.Grok, cookie, pathAssets)
	if err != nil {
		return err
	}
	req.Header = headers

	resp, err := c.http.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeUpstreamHTTP, "asset delete failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return c.statusError(resp, "asset-delete")
	}
	return nil
}

// AcceptTOS acknowledges the current terms version for the account.
// The endpoint speaks grpc-web with a fixed two-byte message.
func (c *Client) AcceptTOS(ctx context.Context, cookie string) error {
	return c.postGrpcWeb(ctx, acceptTOSURL, cookie, []byte{0x10, 0x01}, "accept-tos")
}

// SetBirthDate stores a plausible adult birth date on the account.
func (c *Client) SetBirthDate(ctx context.Context, cookie string, birthDate time.Time) error {
	cfg := c.cfg()
	payload, _ := json.Marshal(map[string]string{
		"birthDate": birthDate.UTC().Format("2006-01-02T15:04:05.000Z"),
	})
	_, err := c.postJSON(ctx, cfg.Grok.BaseURL+pathSetBirth, cookie, payload, "set-birth")
	return err
}

// EnableNSFW flips the always_show_nsfw_content feature control.
func (c *Client) EnableNSFW(ctx context.Context, cookie string) error {
	cfg := c.cfg()

	// protobuf: UpdateUserFeatureControls{controls{enabled: true, name}}
	name := []byte("always_show_nsfw_content")
	inner := append([]byte{0x0a, byte(len(name))}, name...)
	msg := append([]byte{0x0a, 0x02, 0x10, 0x01, 0x12, byte(len(inner))}, inner...)

	return c.postGrpcWeb(ctx, cfg.Grok.BaseURL+pathNSFWControl, cookie, msg, "nsfw-control")
}

// postJSON issues a JSON POST and returns the response body.
func (c *Client) postJSON(ctx context.Context, endpoint, cookie string, payload []byte, op string) ([]byte, error) {
	cfg := c.cfg()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "build "+op+" request", err)
	}
	headers, err := buildHeaders(&cfg.Grok, cookie, endpoint)
	if err != nil {
		return nil, err
	}
	req.Header = headers
	if endpoint == cfg.Grok.BaseURL+pathUploadFile {
		req.Header.Set("Content-Type", "text/plain;charset=UTF-8")
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Grok.Timeout)
	defer cancel()
	resp, err := c.http.Do(req.WithContext(ctx))
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, apperrors.Wrap(apperrors.CodeUpstreamTimeout, op+" timed out", err)
		}
		return nil, apperrors.Wrap(apperrors.CodeUpstreamHTTP, op+" failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return nil, c.statusError(resp, op)
	}
	return io.ReadAll(resp.Body)
}

// postGrpcWeb issues a grpc-web framed POST (5-byte frame header).
func (c *Client) postGrpcWeb(ctx context.Context, endpoint, cookie string, msg []byte, op string) error {
	cfg := c.cfg()

	frame := make([]byte, 5+len(msg))
	frame[1] = byte(len(msg) >> 24)
	frame[2] = byte(len(msg) >> 16)
	frame[3] = byte(len(msg) >> 8)
	frame[4] = byte(len(msg))
	copy(frame[5:], msg)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(frame))
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, "build "+op+" request", err)
	}
	headers, err := buildHeaders(&cfg.Grok, cookie, endpoint)
	if err != nil {
		return err
	}
	req.Header = headers
	req.Header.Set("Content-Type", "application/grpc-web+proto")
	req.Header.Set("x-grpc-web", "1")
	req.Header.Set("x-user-agent", "connect-es/2.1.1")

	ctx, cancel := context.WithTimeout(ctx, cfg.Grok.Timeout)
	defer cancel()
	resp, err := c.http.Do(req.WithContext(ctx))
	if err != nil {
		return apperrors.Wrap(apperrors.CodeUpstreamHTTP, op+" failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return c.statusError(resp, op)
	}
	return nil
}

// statusError converts a non-200 upstream response into an AppError,
// capturing the Retry-After hint on 429.
func (c *Client) statusError(resp *http.Response, op string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	c.log.Warn("Upstream returned error status",
		zap.String("op", op),
		zap.Int("status", resp.StatusCode),
		zap.ByteString("body", body))

	appErr := apperrors.NewUpstreamHTTP(resp.StatusCode,
		fmt.Sprintf("%s: upstream status %d", op, resp.StatusCode))
	if resp.StatusCode == http.StatusTooManyRequests {
		appErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	}
	return appErr
}

func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
