package translate

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	apperrors "github.com/voici5986/grok2api/pkg/errors"
)

// ChatOptions 对话翻译参数
type ChatOptions struct {
	// Thinking routes isThinking text to the reasoning channel. When off,
	// thinking text is dropped entirely.
	Thinking bool
	// FilteredTags are container tags stripped from assistant text.
	FilteredTags []string
	// Video switches progress rendering to the video generation form.
	Video bool
}

// ChatTranslator consumes upstream newline-JSON chat events and produces
// translated outputs. One instance serves exactly one upstream stream.
//
// 单条畸形行跳过, 同一条流内第二条畸形行视为协议错误。
type ChatTranslator struct {
	opts   ChatOptions
	filter *TagFilter

	responseID  string
	inThinking  bool
	sawOutput   bool
	done        bool
	badLines    int
	seenAssets  map[string]struct{}
}

// NewChatTranslator 创建翻译器
func NewChatTranslator(opts ChatOptions) *ChatTranslator {
	return &ChatTranslator{
		opts:       opts,
		filter:     NewTagFilter(opts.FilteredTags),
		seenAssets: make(map[string]struct{}),
	}
}

// ResponseID returns the upstream conversation response id, if seen.
func (t *ChatTranslator) ResponseID() string { return t.responseID }

// Produced reports whether at least one output left the translator. The
// pipeline only records Success against the lease when this is true.
func (t *ChatTranslator) Produced() bool { return t.sawOutput }

// Done reports whether the stream reached its terminal marker.
func (t *ChatTranslator) Done() bool { return t.done }

// Feed translates one upstream line. The returned slice may be empty.
func (t *ChatTranslator) Feed(line []byte) ([]Output, error) {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return nil, nil
	}
	if !gjson.Valid(trimmed) {
		t.badLines++
		if t.badLines >= 2 {
			return nil, apperrors.New(apperrors.CodeTranslatorProtocol,
				"repeated malformed upstream event")
		}
		return nil, nil
	}

	root := gjson.Parse(trimmed)

	if errObj := root.Get("error"); errObj.Exists() {
		msg := errObj.Get("message").String()
		if msg == "" {
			msg = "upstream reported an error"
		}
		code := int(errObj.Get("code").Int())
		if code >= 400 && code < 600 {
			return nil, apperrors.NewUpstreamHTTP(code, msg)
		}
		return nil, apperrors.New(apperrors.CodeTranslatorProtocol, msg)
	}

	resp := root.Get("result.response")
	if !resp.Exists() {
		return nil, nil
	}

	if rid := resp.Get("responseId").String(); rid != "" {
		t.responseID = rid
	}

	var outs []Output

	// 图片生成进度汇报进思考通道
	if img := resp.Get("streamingImageGenerationResponse"); img.Exists() {
		if t.opts.Thinking {
			outs = append(outs, reasoningOut(fmt.Sprintf(
				"Generating image %d, progress %d%%\n",
				img.Get("imageIndex").Int()+1, img.Get("progress").Int())))
			t.sawOutput = true
		}
		return outs, nil
	}

	if video := resp.Get("streamingVideoGenerationResponse"); video.Exists() {
		return t.feedVideo(video, outs)
	}

	if mr := resp.Get("modelResponse"); mr.Exists() {
		return t.feedFinal(mr, outs)
	}

	tok := resp.Get("token")
	if !tok.Exists() || tok.IsArray() {
		return outs, nil
	}
	text := tok.String()

	thinking := resp.Get("isThinking").Bool()

	// 工具卡片默认吞掉; 思考期间带搜索结果的卡片渲染成链接列表
	if resp.Get("toolUsageCardId").String() != "" {
		results := resp.Get("webSearchResults.results")
		if !results.Exists() || !thinking {
			return outs, nil
		}
		var b strings.Builder
		b.WriteString(text)
		results.ForEach(func(_, r gjson.Result) bool {
			preview := strings.ReplaceAll(r.Get("preview").String(), "\n", "")
			fmt.Fprintf(&b, "\n- [%s](%s %q)", r.Get("title").String(), r.Get("url").String(), preview)
			return true
		})
		b.WriteString("\n")
		if t.opts.Thinking {
			outs = append(outs, reasoningOut(b.String()))
			t.sawOutput = true
		}
		return outs, nil
	}

	if resp.Get("messageTag").String() == "header" && text != "" {
		text = "\n\n" + text + "\n\n"
	}

	if thinking {
		t.inThinking = true
		if t.opts.Thinking && text != "" {
			outs = append(outs, reasoningOut(text))
			t.sawOutput = true
		}
		return outs, nil
	}
	t.inThinking = false

	if text == "" {
		return outs, nil
	}
	if filtered := t.filter.Feed(text); filtered != "" {
		outs = append(outs, textOut(filtered))
		t.sawOutput = true
	}
	return outs, nil
}

// feedVideo handles streamingVideoGenerationResponse events.
func (t *ChatTranslator) feedVideo(video gjson.Result, outs []Output) ([]Output, error) {
	progress := video.Get("progress").Int()
	if url := video.Get("videoUrl").String(); url != "" && progress >= 100 {
		if _, dup := t.seenAssets[url]; !dup {
			t.seenAssets[url] = struct{}{}
			outs = append(outs, assetOut("video", assetPath(url)))
			t.sawOutput = true
		}
		return outs, nil
	}
	if t.opts.Thinking {
		outs = append(outs, reasoningOut(fmt.Sprintf("Generating video, progress %d%%\n", progress)))
		t.sawOutput = true
	}
	return outs, nil
}

// feedFinal handles the terminal modelResponse event.
func (t *ChatTranslator) feedFinal(mr gjson.Result, outs []Output) ([]Output, error) {
	if t.inThinking {
		if msg := mr.Get("message").String(); msg != "" && t.opts.Thinking {
			outs = append(outs, reasoningOut(msg+"\n"))
		}
		t.inThinking = false
	}

	for _, key := range []string{"generatedImageUrls", "imageUrls"} {
		for _, u := range mr.Get(key).Array() {
			url := u.String()
			if url == "" {
				continue
			}
			if _, dup := t.seenAssets[url]; dup {
				continue
			}
			t.seenAssets[url] = struct{}{}
			outs = append(outs, assetOut("image", assetPath(url)))
		}
	}

	t.done = true
	t.sawOutput = true
	outs = append(outs, doneOut("stop"))
	return outs, nil
}

// Finish flushes buffered state at stream end. A stream that never reached
// its terminal event still ends with a stop chunk.
func (t *ChatTranslator) Finish() []Output {
	var outs []Output
	if rest := t.filter.Flush(); rest != "" {
		outs = append(outs, textOut(rest))
		t.sawOutput = true
	}
	if !t.done {
		t.done = true
		outs = append(outs, doneOut("stop"))
	}
	return outs
}

// assetPath normalizes an upstream asset reference to a rooted path.
func assetPath(url string) string {
	if i := strings.Index(url, "://"); i >= 0 {
		rest := url[i+3:]
		if j := strings.IndexByte(rest, '/'); j >= 0 {
			return rest[j:]
		}
		return "/"
	}
	if !strings.HasPrefix(url, "/") {
		return "/" + url
	}
	return url
}
