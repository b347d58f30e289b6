package model

import (
	"strings"

	"github.com/voici5986/grok2api/internal/domain/token"
)

// Info describes one exposed model and how it maps onto the upstream.
type Info struct {
	ID            string
	UpstreamModel string // modelName sent upstream
	Mode          string // modelMode sent upstream
	RateLimitName string // modelName used against the rate-limits endpoint
	DisplayName   string
	Description   string
	RequiresSuper bool
	IsVideo       bool
	IsImage       bool // WebSocket imagine model
	Thinking      bool // emits reasoning traces
	MaxOutput     int
}

// 模型目录。ID 是对外暴露的 OpenAI 模型名。
var catalog = []Info{
	{
		ID:            "grok-3-fast",
		UpstreamModel: "grok-3",
		Mode:          "MODEL_MODE_FAST",
		RateLimitName: "grok-3",
		DisplayName:   "Grok 3 Fast",
		Description:   "Fast and efficient Grok 3 model",
		MaxOutput:     8192,
	},
	{
		ID:            "grok-4-fast",
		UpstreamModel: "grok-4-mini-thinking-tahoe",
		Mode:          "MODEL_MODE_GROK_4_MINI_THINKING",
		RateLimitName: "grok-4-mini-thinking-tahoe",
		DisplayName:   "Grok 4 Fast",
		Description:   "Fast version of Grok 4 with mini thinking capabilities",
		Thinking:      true,
		MaxOutput:     8192,
	},
	{
		ID:            "grok-4-fast-expert",
		UpstreamModel: "grok-4-mini-thinking-tahoe",
		Mode:          "MODEL_MODE_EXPERT",
		RateLimitName: "grok-4-mini-thinking-tahoe",
		DisplayName:   "Grok 4 Fast Expert",
		Description:   "Expert mode of Grok 4 Fast with enhanced reasoning",
		Thinking:      true,
		MaxOutput:     32768,
	},
	{
		ID:            "grok-4-expert",
		UpstreamModel: "grok-4",
		Mode:          "MODEL_MODE_EXPERT",
		RateLimitName: "grok-4",
		DisplayName:   "Grok 4 Expert",
		Description:   "Full Grok 4 model with expert mode capabilities",
		Thinking:      true,
		MaxOutput:     32768,
	},
	{
		ID:            "grok-4.1",
		UpstreamModel: "grok-4-1-non-thinking-w-tool",
		Mode:          "MODEL_MODE_GROK_4_1",
		RateLimitName: "grok-4-1-non-thinking-w-tool",
		DisplayName:   "Grok 4.1",
		Description:   "Latest Grok 4.1 model with tool capabilities",
		MaxOutput:     8192,
	},
	{
		ID:            "grok-4.1-thinking",
		UpstreamModel: "grok-4-1-thinking-1108b",
		Mode:          "MODEL_MODE_AUTO",
		RateLimitName: "grok-4-1-thinking-1108b",
		DisplayName:   "Grok 4.1 Thinking",
		Description:   "Grok 4.1 model with advanced thinking and tool capabilities",
		Thinking:      true,
		MaxOutput:     32768,
	},
	{
		ID:            "grok-4-heavy",
		UpstreamModel: "grok-4-heavy",
		Mode:          "MODEL_MODE_HEAVY",
		RateLimitName: "grok-4-heavy",
		DisplayName:   "Grok 4 Heavy",
		Description:   "Most powerful Grok 4 model. Requires a Super account.",
		RequiresSuper: true,
		Thinking:      true,
		MaxOutput:     65536,
	},
	{
		ID:            "grok-imagine-0.9",
		UpstreamModel: "grok-3",
		Mode:          "MODEL_MODE_FAST",
		RateLimitName: "grok-3",
		DisplayName:   "Grok Imagine 0.9",
		Description:   "Video generation model powered by Grok",
		IsVideo:       true,
		MaxOutput:     8192,
	},
	{
		ID:            "grok-imagine-image",
		UpstreamModel: "grok-3",
		Mode:          "MODEL_MODE_FAST",
		RateLimitName: "grok-3",
		DisplayName:   "Grok Imagine Image",
		Description:   "Image generation over the imagine WebSocket stream",
		IsImage:       true,
		MaxOutput:     0,
	},
}

var byID = func() map[string]Info {
	m := make(map[string]Info, len(catalog))
	for _, info := range catalog {
		m[info.ID] = info
	}
	return m
}()

// Lookup returns the catalog entry for id.
func Lookup(id string) (Info, bool) {
	info, ok := byID[id]
	return info, ok
}

// All returns the catalog in declaration order.
func All() []Info {
	out := make([]Info, len(catalog))
	copy(out, catalog)
	return out
}

// VideoOptions are the client-supplied video knobs that influence routing.
type VideoOptions struct {
	ResolutionName string
	LengthSeconds  int
}

// ClassHint derives the token class hint for a request.
//
// Rules: *-heavy is strictly Super; thinking models and expensive video
// (720p or longer than 6 s) prefer Super but fall back to Basic; everything
// else is Basic.
func ClassHint(id string, video *VideoOptions) token.ClassHint {
	info, ok := byID[id]
	if ok && info.RequiresSuper {
		return token.HintSuper
	}
	if strings.HasSuffix(id, "-heavy") {
		return token.HintSuper
	}
	if ok && info.Thinking {
		return token.HintSuperPreferred
	}
	if strings.Contains(id, "-thinking") {
		return token.HintSuperPreferred
	}
	if video != nil && (video.ResolutionName == "720p" || video.LengthSeconds > 6) {
		return token.HintSuperPreferred
	}
	return token.HintBasic
}
