package upstream

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	apperrors "github.com/voici5986/grok2api/pkg/errors"
)

const pathImagineWS = "/ws/imagine/listen"

// ImagineConn is one live connection to the upstream image-generation
// WebSocket. Not safe for concurrent reads.
type ImagineConn struct {
	conn *websocket.Conn
	log  *zap.Logger
}

// DialImagine opens the imagine WebSocket with the browser fingerprint
// header set and the leased credential cookie.
func (c *Client) DialImagine(ctx context.Context, cookie string) (*ImagineConn, error) {
	cfg := c.cfg()

	base, err := url.Parse(cfg.Grok.BaseURL)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidInput, "invalid grok.base_url", err)
	}
	wsURL := url.URL{Scheme: "wss", Host: base.Host, Path: pathImagineWS}
	if base.Scheme == "http" {
		wsURL.Scheme = "ws"
	}

	headers, err := buildHeaders(&cfg.Grok, cookie, pathImagineWS)
	if err != nil {
		return nil, err
	}
	// 握手头集合与 HTTP 指纹略有出入, 浏览器在升级请求上不带这些字段
	for _, k := range []string{"Content-Type", "Sec-Fetch-Dest", "Sec-Fetch-Mode", "Sec-Fetch-Site", "Accept", "Priority", "Connection"} {
		headers.Del(k)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 30 * time.Second,
		Proxy:            http.ProxyFromEnvironment,
	}
	if cfg.Grok.ProxyURL != "" {
		proxyURL, perr := url.Parse(cfg.Grok.ProxyURL)
		if perr == nil {
			dialer.Proxy = http.ProxyURL(proxyURL)
		}
	}

	conn, resp, err := dialer.DialContext(ctx, wsURL.String(), headers)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		if status != 0 {
			return nil, apperrors.NewUpstreamHTTP(status, "imagine websocket handshake rejected")
		}
		return nil, apperrors.Wrap(apperrors.CodeUpstreamHTTP, "imagine websocket dial failed", err)
	}

	c.log.Debug("Imagine websocket connected", zap.String("host", base.Host))
	return &ImagineConn{conn: conn, log: c.log}, nil
}

// imagineItemContent mirrors the conversation.item.create content entry.
type imagineItemContent struct {
	RequestID  string             `json:"requestId"`
	Text       string             `json:"text"`
	Type       string             `json:"type"`
	Properties imagineProperties  `json:"properties"`
}

type imagineProperties struct {
	SectionCount  int    `json:"section_count"`
	IsKidsMode    bool   `json:"is_kids_mode"`
	EnableNSFW    bool   `json:"enable_nsfw"`
	SkipUpsampler bool   `json:"skip_upsampler"`
	IsInitial     bool   `json:"is_initial"`
	AspectRatio   string `json:"aspect_ratio"`
}

type imagineItem struct {
	Type    string               `json:"type"`
	Content []imagineItemContent `json:"content"`
}

type imagineRequest struct {
	Type      string      `json:"type"`
	Timestamp int64       `json:"timestamp"`
	Item      imagineItem `json:"item"`
}

// SendGenerate submits one prompt on the open connection.
func (ic *ImagineConn) SendGenerate(requestID, prompt, aspectRatio string, enableNSFW bool) error {
	if aspectRatio == "" {
		aspectRatio = "2:3"
	}
	msg := imagineRequest{
		Type:      "conversation.item.create",
		Timestamp: time.Now().UnixMilli(),
		Item: imagineItem{
			Type: "message",
			Content: []imagineItemContent{{
				RequestID: requestID,
				Text:      prompt,
				Type:      "input_text",
				Properties: imagineProperties{
					EnableNSFW:  enableNSFW,
					AspectRatio: aspectRatio,
				},
			}},
		},
	}
	if err := ic.conn.WriteJSON(msg); err != nil {
		return apperrors.Wrap(apperrors.CodeUpstreamHTTP, "imagine request send failed", err)
	}
	return nil
}

// ReadFrame blocks for the next text frame until deadline. A deadline hit
// surfaces as upstream_timeout; control frames are handled by the library.
func (ic *ImagineConn) ReadFrame(deadline time.Time) ([]byte, error) {
	if err := ic.conn.SetReadDeadline(deadline); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "set read deadline", err)
	}
	for {
		msgType, data, err := ic.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, apperrors.Wrap(apperrors.CodeUpstreamHTTP, "imagine websocket closed", err)
			}
			if isTimeout(err) {
				return nil, apperrors.Wrap(apperrors.CodeUpstreamTimeout, "imagine websocket read timed out", err)
			}
			return nil, apperrors.Wrap(apperrors.CodeUpstreamHTTP, "imagine websocket read failed", err)
		}
		if msgType == websocket.TextMessage {
			return data, nil
		}
	}
}

// Close tears the connection down, attempting a clean close frame first.
func (ic *ImagineConn) Close() error {
	deadline := time.Now().Add(time.Second)
	_ = ic.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return ic.conn.Close()
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}
