package translate

import (
	"strings"
	"testing"

	apperrors "github.com/voici5986/grok2api/pkg/errors"
)

func feedAll(t *testing.T, tr *ChatTranslator, lines ...string) []Output {
	t.Helper()
	var outs []Output
	for _, line := range lines {
		got, err := tr.Feed([]byte(line))
		if err != nil {
			t.Fatalf("Feed(%q): %v", line, err)
		}
		outs = append(outs, got...)
	}
	return outs
}

func collect(outs []Output, kind OutputKind) string {
	var b strings.Builder
	for _, o := range outs {
		if o.Kind == kind {
			b.WriteString(o.Text)
		}
	}
	return b.String()
}

func TestChatTranslatorRoutesThinkingToReasoning(t *testing.T) {
	tr := NewChatTranslator(ChatOptions{Thinking: true})

	outs := feedAll(t, tr,
		`{"result":{"response":{"token":"pondering","isThinking":true}}}`,
		`{"result":{"response":{"token":"hello","isThinking":false}}}`,
	)

	if got := collect(outs, OutReasoning); got != "pondering" {
		t.Fatalf("reasoning = %q, want %q", got, "pondering")
	}
	if got := collect(outs, OutText); got != "hello" {
		t.Fatalf("text = %q, want %q", got, "hello")
	}
}

func TestChatTranslatorDropsThinkingWhenDisabled(t *testing.T) {
	tr := NewChatTranslator(ChatOptions{Thinking: false})

	outs := feedAll(t, tr,
		`{"result":{"response":{"token":"secret chain","isThinking":true}}}`,
		`{"result":{"response":{"token":"answer"}}}`,
	)

	if got := collect(outs, OutReasoning); got != "" {
		t.Fatalf("reasoning = %q, want empty", got)
	}
	if got := collect(outs, OutText); got != "answer" {
		t.Fatalf("text = %q, want %q", got, "answer")
	}
}

func TestChatTranslatorFiltersContainerTags(t *testing.T) {
	tr := NewChatTranslator(ChatOptions{FilteredTags: []string{"xaiartifact"}})

	outs := feedAll(t, tr,
		`{"result":{"response":{"token":"keep <xaiartifact>"}}}`,
		`{"result":{"response":{"token":"drop</xaiartifact> this"}}}`,
	)
	outs = append(outs, tr.Finish()...)

	if got := collect(outs, OutText); got != "keep  this" {
		t.Fatalf("text = %q, want %q", got, "keep  this")
	}
}

func TestChatTranslatorHeaderFraming(t *testing.T) {
	tr := NewChatTranslator(ChatOptions{})

	outs := feedAll(t, tr,
		`{"result":{"response":{"token":"Section One","messageTag":"header"}}}`,
	)
	if got := collect(outs, OutText); got != "\n\nSection One\n\n" {
		t.Fatalf("text = %q, want blank-line framed header", got)
	}
}

func TestChatTranslatorMalformedLineEscalation(t *testing.T) {
	tr := NewChatTranslator(ChatOptions{})

	// First malformed line is tolerated.
	if _, err := tr.Feed([]byte("{not json")); err != nil {
		t.Fatalf("first malformed line: %v", err)
	}
	// Second one is a protocol error.
	_, err := tr.Feed([]byte("also not json{"))
	if !apperrors.Is(err, apperrors.CodeTranslatorProtocol) {
		t.Fatalf("second malformed line: err = %v, want translator_protocol_error", err)
	}
}

func TestChatTranslatorUpstreamErrorObject(t *testing.T) {
	tr := NewChatTranslator(ChatOptions{})

	_, err := tr.Feed([]byte(`{"error":{"code":429,"message":"quota"}}`))
	if apperrors.UpstreamStatus(err) != 429 {
		t.Fatalf("err = %v, want upstream status 429", err)
	}
}

func TestChatTranslatorWebSearchDuringThinking(t *testing.T) {
	tr := NewChatTranslator(ChatOptions{Thinking: true})

	outs := feedAll(t, tr,
		`{"result":{"response":{"token":"Searching","isThinking":true,"toolUsageCardId":"c1","webSearchResults":{"results":[{"title":"Go","url":"https://go.dev","preview":"The Go\nsite"}]}}}}`,
	)
	got := collect(outs, OutReasoning)
	if !strings.Contains(got, "[Go](https://go.dev") {
		t.Fatalf("reasoning = %q, want markdown link list", got)
	}
	if strings.Contains(got, "\nsite") {
		t.Fatal("preview newlines must be stripped")
	}

	// Tool cards outside thinking are suppressed entirely.
	outs = feedAll(t, tr,
		`{"result":{"response":{"token":"x","toolUsageCardId":"c2","webSearchResults":{"results":[{"title":"t","url":"u"}]}}}}`,
	)
	if len(outs) != 0 {
		t.Fatalf("tool card outside thinking produced %d outputs, want 0", len(outs))
	}
}

func TestChatTranslatorFinalResponseEmitsAssetsAndDone(t *testing.T) {
	tr := NewChatTranslator(ChatOptions{Thinking: true})

	outs := feedAll(t, tr,
		`{"result":{"response":{"responseId":"resp-1","token":"","isThinking":true}}}`,
		`{"result":{"response":{"modelResponse":{"message":"final","generatedImageUrls":["users/u/gen-1.png","users/u/gen-1.png","users/u/gen-2.png"]}}}}`,
	)

	var assets []string
	var doneSeen bool
	for _, o := range outs {
		switch o.Kind {
		case OutAsset:
			assets = append(assets, o.Asset.Path)
		case OutDone:
			doneSeen = true
		}
	}
	if len(assets) != 2 {
		t.Fatalf("assets = %v, want 2 deduplicated paths", assets)
	}
	if assets[0] != "/users/u/gen-1.png" {
		t.Fatalf("asset path = %q, want rooted path", assets[0])
	}
	if !doneSeen {
		t.Fatal("no Done output after modelResponse")
	}
	if tr.ResponseID() != "resp-1" {
		t.Fatalf("ResponseID = %q, want resp-1", tr.ResponseID())
	}
	if !tr.Produced() || !tr.Done() {
		t.Fatal("translator should report produced and done")
	}
}

func TestChatTranslatorVideoProgressAndFinal(t *testing.T) {
	tr := NewChatTranslator(ChatOptions{Thinking: true, Video: true})

	outs := feedAll(t, tr,
		`{"result":{"response":{"streamingVideoGenerationResponse":{"progress":40}}}}`,
		`{"result":{"response":{"streamingVideoGenerationResponse":{"progress":100,"videoUrl":"users/u/video-1.mp4"}}}}`,
	)

	if got := collect(outs, OutReasoning); !strings.Contains(got, "40%") {
		t.Fatalf("reasoning = %q, want progress trace", got)
	}
	var video string
	for _, o := range outs {
		if o.Kind == OutAsset && o.Asset.Kind == "video" {
			video = o.Asset.Path
		}
	}
	if video != "/users/u/video-1.mp4" {
		t.Fatalf("video asset = %q, want rooted upstream path", video)
	}
}

func TestChatTranslatorFinishWithoutTerminalEvent(t *testing.T) {
	tr := NewChatTranslator(ChatOptions{})

	feedAll(t, tr, `{"result":{"response":{"token":"partial"}}}`)
	outs := tr.Finish()

	var doneSeen bool
	for _, o := range outs {
		if o.Kind == OutDone {
			doneSeen = true
		}
	}
	if !doneSeen {
		t.Fatal("Finish must emit a terminal stop chunk")
	}
}
