package upstream

import (
	"encoding/base64"
	"fmt"
	"math/rand"
	"net/http"

	"github.com/google/uuid"

	"github.com/voici5986/grok2api/internal/infrastructure/config"
	apperrors "github.com/voici5986/grok2api/pkg/errors"
)

// 浏览器指纹基础请求头。上游用这组头区分浏览器与脚本，字段值必须与
// UA 声称的 Chrome 版本一致。
var baseHeaders = map[string]string{
	"Accept":             "*/*",
	"Accept-Language":    "zh-CN,zh;q=0.9",
	"Accept-Encoding":    "gzip, deflate, br, zstd",
	"Connection":         "keep-alive",
	"Priority":           "u=1, i",
	"User-Agent":         "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36",
	"Sec-Ch-Ua":          `"Not(A:Brand";v="99", "Google Chrome";v="133", "Chromium";v="133"`,
	"Sec-Ch-Ua-Mobile":   "?0",
	"Sec-Ch-Ua-Platform": `"macOS"`,
	"Sec-Fetch-Dest":     "empty",
	"Sec-Fetch-Mode":     "cors",
	"Sec-Fetch-Site":     "same-origin",
	"Baggage":            "sentry-environment=production,sentry-public_key=b311e0f2690c81f25e2c4cf6d4f7ce1c",
}

const lowerAlpha = "abcdefghijklmnopqrstuvwxyz"
const lowerAlphaNum = "abcdefghijklmnopqrstuvwxyz0123456789"

func randomString(n int, alphabet string) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[rand.Intn(len(alphabet))]
	}
	return string(b)
}

// dynamicStatsigID 合成 x-statsig-id。
//
// 上游前端在指纹脚本抛异常时会把异常文本 base64 后作为 id 上报, 这里模拟
// 两种真实出现过的 TypeError 文案之一。
func dynamicStatsigID() string {
	var msg string
	if rand.Intn(2) == 0 {
		msg = fmt.Sprintf("e:TypeError: Cannot read properties of null (reading 'children['%s']')",
			randomString(5, lowerAlphaNum))
	} else {
		msg = fmt.Sprintf("e:TypeError: Cannot read properties of undefined (reading '%s')",
			randomString(10, lowerAlpha))
	}
	return base64.StdEncoding.EncodeToString([]byte(msg))
}

func statsigID(cfg *config.GrokConfig) (string, error) {
	if cfg.DynamicStatsig {
		return dynamicStatsigID(), nil
	}
	if cfg.XStatsigID == "" {
		return "", apperrors.New(apperrors.CodeInvalidInput,
			"grok.x_statsig_id is not configured and dynamic_statsig is off")
	}
	return cfg.XStatsigID, nil
}

// buildHeaders assembles the fingerprint header set for one request.
// cookie is the rendered credential cookie; cf_clearance is appended here.
func buildHeaders(cfg *config.GrokConfig, cookie, path string) (http.Header, error) {
	h := make(http.Header, len(baseHeaders)+5)
	for k, v := range baseHeaders {
		h.Set(k, v)
	}
	h.Set("Origin", cfg.BaseURL)
	h.Set("Referer", cfg.BaseURL+"/")

	sid, err := statsigID(cfg)
	if err != nil {
		return nil, err
	}
	h.Set("x-statsig-id", sid)
	h.Set("x-xai-request-id", uuid.NewString())

	if path == pathUploadFile {
		h.Set("Content-Type", "text/plain;charset=UTF-8")
	} else {
		h.Set("Content-Type", "application/json")
	}

	if cfg.CFClearance != "" {
		cookie = cookie + ";cf_clearance=" + cfg.CFClearance
	}
	h.Set("Cookie", cookie)
	return h, nil
}
