package openai

import "encoding/json"

// ChatCompletionRequest is the accepted subset of the chat completions
// surface. Unknown fields are ignored.
type ChatCompletionRequest struct {
	Model           string    `json:"model" binding:"required"`
	Messages        []Message `json:"messages" binding:"required"`
	Stream          *bool     `json:"stream"`
	ReasoningEffort string    `json:"reasoning_effort"`

	// Video generation knobs, honored only by video models.
	VideoConfig *VideoConfig `json:"video_config,omitempty"`
}

// VideoConfig 视频生成参数
type VideoConfig struct {
	ResolutionName string `json:"resolution_name"`
	VideoLength    int    `json:"video_length"`
}

// Message is one chat message. Content is either a plain string or an
// array of typed parts.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ContentPart is one element of an array-form message content.
type ContentPart struct {
	Type       string          `json:"type"`
	Text       string          `json:"text,omitempty"`
	ImageURL   *ImageURLPart   `json:"image_url,omitempty"`
	File       *FilePart       `json:"file,omitempty"`
	InputAudio *InputAudioPart `json:"input_audio,omitempty"`
}

// ImageURLPart carries a data URI or remote image URL.
type ImageURLPart struct {
	URL string `json:"url"`
}

// FilePart carries an inline or remote attachment.
type FilePart struct {
	URL  string `json:"url,omitempty"`
	Data string `json:"data,omitempty"`
}

// InputAudioPart carries inline base64 audio.
type InputAudioPart struct {
	Data   string `json:"data"`
	Format string `json:"format,omitempty"` // mp3, wav
}

// ChunkDelta is the incremental payload inside a streaming choice.
type ChunkDelta struct {
	Role             string `json:"role,omitempty"`
	Content          string `json:"content,omitempty"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

// ChunkChoice 流式选择项
type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// ChatCompletionChunk is one SSE frame body.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

// CompletionMessage 非流式消息体
type CompletionMessage struct {
	Role             string `json:"role"`
	Content          string `json:"content"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

// CompletionChoice 非流式选择项
type CompletionChoice struct {
	Index        int               `json:"index"`
	Message      CompletionMessage `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

// ChatCompletion is the non-streaming response body.
type ChatCompletion struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []CompletionChoice `json:"choices"`
}

// ImageGenerationRequest is the accepted subset of images/generations.
type ImageGenerationRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt" binding:"required"`
	N              int    `json:"n"`
	Size           string `json:"size"`
	ResponseFormat string `json:"response_format"` // url, b64_json
	Stream         bool   `json:"stream"`
}

// ImageDatum is one generated image in a response.
type ImageDatum struct {
	URL     string `json:"url,omitempty"`
	B64JSON string `json:"b64_json,omitempty"`
}

// ImageGenerationResponse images/generations 响应体
type ImageGenerationResponse struct {
	Created int64        `json:"created"`
	Data    []ImageDatum `json:"data"`
}

// Model 模型目录条目
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelList /v1/models 响应体
type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

// Error is the OpenAI-style error envelope.
type Error struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// ErrorResponse 错误响应体
type ErrorResponse struct {
	Error Error `json:"error"`
}
