package translate

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	apperrors "github.com/voici5986/grok2api/pkg/errors"
)

// ImageStage classifies a generated frame by its decoded size.
type ImageStage int

const (
	StagePreview ImageStage = iota
	StageMedium
	StageFinal
)

// ImageSessionState WS 图片会话状态
type ImageSessionState int

const (
	StateOpening ImageSessionState = iota
	StateAwaitingPreview
	StateAwaitingMedium
	StateAwaitingFinal
	StateClosed
)

// ImageSessionOptions 阈值配置
type ImageSessionOptions struct {
	MediumMinBytes int
	FinalMinBytes  int
	FinalTimeout   time.Duration
	Want           int // number of final images to collect
}

// ImageFrame is one classified generation frame.
type ImageFrame struct {
	ID    string
	Ext   string
	URL   string
	Blob  string // base64 payload as sent by the upstream
	Size  int    // decoded byte estimate
	Stage ImageStage
}

var imageURLPattern = regexp.MustCompile(`/images/([a-f0-9-]+)\.(png|jpg|jpeg)`)

// ImageSession drives the WebSocket image-generation state machine:
// Opening → Awaiting-Preview → Awaiting-Medium → Awaiting-Final → Closed.
//
// 中等质量帧到达后启动 final_timeout; 超时仍未见成品帧视为上游内容拦截。
type ImageSession struct {
	opts  ImageSessionOptions
	state ImageSessionState

	mediumAt  time.Time
	collected int
}

// NewImageSession 创建会话
func NewImageSession(opts ImageSessionOptions) *ImageSession {
	if opts.Want <= 0 {
		opts.Want = 1
	}
	return &ImageSession{opts: opts, state: StateOpening}
}

// State returns the current machine state.
func (s *ImageSession) State() ImageSessionState { return s.state }

// Started marks the generation request as sent.
func (s *ImageSession) Started() {
	if s.state == StateOpening {
		s.state = StateAwaitingPreview
	}
}

// Done reports whether every wanted final frame arrived.
func (s *ImageSession) Done() bool { return s.state == StateClosed }

// Collected returns how many final frames arrived so far.
func (s *ImageSession) Collected() int { return s.collected }

// Feed classifies one WebSocket text frame. Non-image frames return nil.
// An upstream error frame returns a translator error.
func (s *ImageSession) Feed(frame []byte, now time.Time) (*ImageFrame, error) {
	msg := gjson.ParseBytes(frame)

	switch msg.Get("type").String() {
	case "error":
		return nil, apperrors.New(apperrors.CodeTranslatorProtocol,
			"upstream image error: "+msg.Get("error").String())
	case "image":
	default:
		return nil, nil
	}

	url := msg.Get("url").String()
	if url == "" {
		url = msg.Get("image_url").String()
	}
	blob := msg.Get("blob").String()
	if blob == "" {
		blob = msg.Get("image").String()
	}
	if blob == "" {
		return nil, nil
	}

	out := &ImageFrame{
		URL:  url,
		Blob: blob,
		Size: len(blob) / 4 * 3,
	}
	if m := imageURLPattern.FindStringSubmatch(url); m != nil {
		out.ID, out.Ext = m[1], m[2]
	} else {
		out.ID, out.Ext = uuid.NewString(), "png"
	}

	out.Stage = s.classify(url, out.Size)
	s.advance(out.Stage, now)
	return out, nil
}

func (s *ImageSession) classify(url string, size int) ImageStage {
	lower := strings.ToLower(url)
	// jpg 成品不经历多级放大, 直接视为最终帧
	if strings.HasSuffix(lower, ".jpg") || strings.HasSuffix(lower, ".jpeg") || size >= s.opts.FinalMinBytes {
		return StageFinal
	}
	if size >= s.opts.MediumMinBytes {
		return StageMedium
	}
	return StagePreview
}

func (s *ImageSession) advance(stage ImageStage, now time.Time) {
	switch stage {
	case StagePreview:
		if s.state == StateAwaitingPreview {
			s.state = StateAwaitingMedium
		}
	case StageMedium:
		if s.mediumAt.IsZero() {
			s.mediumAt = now
		}
		if s.state == StateAwaitingPreview || s.state == StateAwaitingMedium {
			s.state = StateAwaitingFinal
		}
	case StageFinal:
		s.collected++
		if s.collected >= s.opts.Want {
			s.state = StateClosed
		} else {
			s.state = StateAwaitingFinal
			s.mediumAt = time.Time{}
		}
	}
}

// CheckBlocked raises translator_blocked once final_timeout elapsed after a
// medium frame without any final frame.
func (s *ImageSession) CheckBlocked(now time.Time) error {
	if s.collected > 0 || s.mediumAt.IsZero() {
		return nil
	}
	if now.Sub(s.mediumAt) > s.opts.FinalTimeout {
		return apperrors.New(apperrors.CodeTranslatorBlocked,
			"no final image after medium frame, content likely blocked")
	}
	return nil
}
