package translate

// OutputKind discriminates translated units handed to the pipeline.
type OutputKind int

const (
	// OutText is incremental assistant text for delta.content.
	OutText OutputKind = iota
	// OutReasoning is incremental thinking trace for delta.reasoning_content.
	OutReasoning
	// OutAsset is a generated image or video reference.
	OutAsset
	// OutDone is the terminal marker.
	OutDone
)

// AssetRef 指向上游生成的媒体
type AssetRef struct {
	Kind string // image, video
	Path string // upstream asset path, no host
}

// Output is one translated unit. Exactly one of the payload fields is set
// according to Kind.
type Output struct {
	Kind         OutputKind
	Text         string
	Asset        *AssetRef
	FinishReason string
}

func textOut(s string) Output      { return Output{Kind: OutText, Text: s} }
func reasoningOut(s string) Output { return Output{Kind: OutReasoning, Text: s} }
func assetOut(kind, path string) Output {
	return Output{Kind: OutAsset, Asset: &AssetRef{Kind: kind, Path: path}}
}
func doneOut(reason string) Output { return Output{Kind: OutDone, FinishReason: reason} }
