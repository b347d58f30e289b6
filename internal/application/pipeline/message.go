package pipeline

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/voici5986/grok2api/internal/domain/openai"
	apperrors "github.com/voici5986/grok2api/pkg/errors"
)

// Attachment is one extracted non-text message part, held as base64.
type Attachment struct {
	FileName string
	MimeType string
	Content  string // base64 payload
}

// extractMessages flattens an OpenAI message list into the single prompt
// line the upstream expects. Earlier turns are prefixed with their role;
// the last user turn is sent bare. Image and file parts become upload
// attachments.
func extractMessages(ctx context.Context, messages []openai.Message, video bool) (string, []Attachment, error) {
	type turn struct {
		role string
		text string
	}
	var turns []turn
	var attachments []Attachment

	for _, msg := range messages {
		var parts []string

		// Plain string content
		var asString string
		if err := json.Unmarshal(msg.Content, &asString); err == nil {
			if strings.TrimSpace(asString) != "" {
				parts = append(parts, asString)
			}
		} else {
			var asParts []openai.ContentPart
			if err := json.Unmarshal(msg.Content, &asParts); err != nil {
				return "", nil, apperrors.New(apperrors.CodeInvalidInput, "unsupported message content shape")
			}
			for _, part := range asParts {
				switch part.Type {
				case "text":
					if t := strings.TrimSpace(part.Text); t != "" {
						parts = append(parts, t)
					}
				case "image_url":
					if part.ImageURL == nil || part.ImageURL.URL == "" {
						continue
					}
					att, err := attachmentFromRef(ctx, part.ImageURL.URL)
					if err != nil {
						return "", nil, err
					}
					attachments = append(attachments, att)
				case "file":
					if video {
						return "", nil, apperrors.New(apperrors.CodeInvalidInput, "video models do not accept file parts")
					}
					if part.File == nil {
						continue
					}
					ref := part.File.URL
					if ref == "" {
						ref = part.File.Data
					}
					if ref == "" {
						continue
					}
					att, err := attachmentFromRef(ctx, ref)
					if err != nil {
						return "", nil, err
					}
					attachments = append(attachments, att)
				case "input_audio":
					if video {
						return "", nil, apperrors.New(apperrors.CodeInvalidInput, "video models do not accept audio parts")
					}
					if part.InputAudio == nil || part.InputAudio.Data == "" {
						continue
					}
					mime, ok := audioMimes[strings.ToLower(part.InputAudio.Format)]
					if !ok {
						mime = "audio/mpeg"
					}
					attachments = append(attachments, buildAttachment(mime, part.InputAudio.Data))
				}
			}
		}

		if len(parts) > 0 {
			turns = append(turns, turn{role: msg.Role, text: strings.Join(parts, "\n")})
		}
	}

	lastUser := -1
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].role == "user" {
			lastUser = i
			break
		}
	}

	var lines []string
	for i, tn := range turns {
		role := tn.role
		if role == "" {
			role = "user"
		}
		if i == lastUser {
			lines = append(lines, tn.text)
		} else {
			lines = append(lines, fmt.Sprintf("%s: %s", role, tn.text))
		}
	}
	return strings.Join(lines, "\n\n"), attachments, nil
}

var mimeExtensions = map[string]string{
	"image/jpeg": "jpg",
	"image/png":  "png",
	"image/gif":  "gif",
	"image/webp": "webp",
	"image/bmp":  "bmp",
	"audio/mpeg": "mp3",
	"audio/wav":  "wav",
}

var audioMimes = map[string]string{
	"mp3": "audio/mpeg",
	"wav": "audio/wav",
}

// attachmentFromRef normalizes a data URI, bare base64 string, or remote
// URL into an upload-ready attachment.
func attachmentFromRef(ctx context.Context, ref string) (Attachment, error) {
	switch {
	case strings.HasPrefix(ref, "data:"):
		meta, payload, ok := strings.Cut(ref, ",")
		if !ok {
			return Attachment{}, apperrors.New(apperrors.CodeInvalidInput, "malformed data URI")
		}
		mime := strings.TrimPrefix(meta, "data:")
		mime = strings.TrimSuffix(mime, ";base64")
		return buildAttachment(mime, payload), nil

	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		data, mime, err := fetchRemote(ctx, ref)
		if err != nil {
			return Attachment{}, err
		}
		return buildAttachment(mime, base64.StdEncoding.EncodeToString(data)), nil

	default:
		// Bare base64, assume jpeg like the upstream web client does.
		return buildAttachment("image/jpeg", ref), nil
	}
}

func buildAttachment(mime, payload string) Attachment {
	ext, ok := mimeExtensions[mime]
	if !ok {
		mime, ext = "image/jpeg", "jpg"
	}
	return Attachment{
		FileName: fmt.Sprintf("attachment-%d.%s", time.Now().UnixNano(), ext),
		MimeType: mime,
		Content:  payload,
	}
}

// fetchRemote pulls a client-referenced attachment, capped at 20 MiB.
func fetchRemote(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", apperrors.Wrap(apperrors.CodeInvalidInput, "invalid attachment url", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, "", apperrors.Wrap(apperrors.CodeInvalidInput, "attachment fetch failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", apperrors.New(apperrors.CodeInvalidInput,
			fmt.Sprintf("attachment fetch returned %d", resp.StatusCode))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 20<<20))
	if err != nil {
		return nil, "", apperrors.Wrap(apperrors.CodeInvalidInput, "attachment read failed", err)
	}
	mime := resp.Header.Get("Content-Type")
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	return data, mime, nil
}
