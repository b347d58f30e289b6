package translate

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	apperrors "github.com/voici5986/grok2api/pkg/errors"
)

func imageFrame(t *testing.T, url string, blobLen int) []byte {
	t.Helper()
	frame, err := json.Marshal(map[string]any{
		"type": "image",
		"url":  url,
		"blob": strings.Repeat("A", blobLen),
	})
	if err != nil {
		t.Fatal(err)
	}
	return frame
}

func newImageSession(want int) *ImageSession {
	return NewImageSession(ImageSessionOptions{
		MediumMinBytes: 10 * 1024,
		FinalMinBytes:  100 * 1024,
		FinalTimeout:   30 * time.Second,
		Want:           want,
	})
}

func TestImageSessionStageClassification(t *testing.T) {
	// Blob length is base64 chars; decoded estimate is len/4*3.
	tests := []struct {
		name    string
		url     string
		blobLen int
		want    ImageStage
	}{
		{"tiny png is preview", "/images/aaaa1111-0000.png", 4 * 1024, StagePreview},
		{"mid png is medium", "/images/aaaa1111-0000.png", 20 * 1024, StageMedium},
		{"large png is final", "/images/aaaa1111-0000.png", 200 * 1024, StageFinal},
		{"small jpg is still final", "/images/bbbb2222-0000.jpg", 4 * 1024, StageFinal},
		{"uppercase JPEG is final", "/images/cccc3333.JPEG", 4 * 1024, StageFinal},
	}

	now := time.Unix(1700000000, 0)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newImageSession(1)
			s.Started()
			frame, err := s.Feed(imageFrame(t, tt.url, tt.blobLen), now)
			if err != nil {
				t.Fatalf("Feed: %v", err)
			}
			if frame == nil {
				t.Fatal("Feed returned nil frame")
			}
			if frame.Stage != tt.want {
				t.Fatalf("Stage = %d, want %d", frame.Stage, tt.want)
			}
		})
	}
}

func TestImageSessionThresholdsAreInclusive(t *testing.T) {
	// Thresholds are minimums, so a frame decoding to exactly the
	// configured size already belongs to the higher stage. Decoded size
	// is blobLen/4*3, hence thresholds divisible by 3.
	s := NewImageSession(ImageSessionOptions{
		MediumMinBytes: 768,
		FinalMinBytes:  1536,
		FinalTimeout:   30 * time.Second,
		Want:           1,
	})
	s.Started()
	now := time.Unix(1700000000, 0)

	tests := []struct {
		name    string
		blobLen int
		want    ImageStage
	}{
		{"just under medium", 1020, StagePreview},
		{"exactly medium", 1024, StageMedium},
		{"exactly final", 2048, StageFinal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := s.Feed(imageFrame(t, "/images/ab12cd34.png", tt.blobLen), now)
			if err != nil {
				t.Fatalf("Feed: %v", err)
			}
			if frame.Stage != tt.want {
				t.Fatalf("Stage = %d, want %d (decoded %d bytes)", frame.Stage, tt.want, frame.Size)
			}
		})
	}
}

func TestImageSessionProgressionToClosed(t *testing.T) {
	s := newImageSession(2)
	now := time.Unix(1700000000, 0)

	s.Started()
	if s.State() != StateAwaitingPreview {
		t.Fatalf("state after start = %d", s.State())
	}

	if _, err := s.Feed(imageFrame(t, "/images/ab12cd34.png", 4*1024), now); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Feed(imageFrame(t, "/images/ab12cd34.png", 20*1024), now); err != nil {
		t.Fatal(err)
	}
	if s.State() != StateAwaitingFinal {
		t.Fatalf("state after medium = %d, want awaiting final", s.State())
	}

	if _, err := s.Feed(imageFrame(t, "/images/ab12cd34.jpg", 150*1024), now); err != nil {
		t.Fatal(err)
	}
	if s.Done() {
		t.Fatal("session closed before collecting all wanted finals")
	}
	if _, err := s.Feed(imageFrame(t, "/images/ef56ab78.jpg", 150*1024), now); err != nil {
		t.Fatal(err)
	}
	if !s.Done() || s.Collected() != 2 {
		t.Fatalf("Done = %v, Collected = %d, want closed with 2", s.Done(), s.Collected())
	}
}

func TestImageSessionBlockedAfterMediumWithoutFinal(t *testing.T) {
	s := newImageSession(1)
	start := time.Unix(1700000000, 0)

	s.Started()
	if _, err := s.Feed(imageFrame(t, "/images/ab12cd34.png", 20*1024), start); err != nil {
		t.Fatal(err)
	}

	if err := s.CheckBlocked(start.Add(10 * time.Second)); err != nil {
		t.Fatalf("blocked too early: %v", err)
	}
	err := s.CheckBlocked(start.Add(31 * time.Second))
	if !apperrors.Is(err, apperrors.CodeTranslatorBlocked) {
		t.Fatalf("err = %v, want translator_blocked", err)
	}
}

func TestImageSessionNoBlockedAfterFinal(t *testing.T) {
	s := newImageSession(1)
	start := time.Unix(1700000000, 0)

	s.Started()
	if _, err := s.Feed(imageFrame(t, "/images/ab12cd34.png", 20*1024), start); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Feed(imageFrame(t, "/images/ab12cd34.jpg", 20*1024), start); err != nil {
		t.Fatal(err)
	}

	if err := s.CheckBlocked(start.Add(time.Hour)); err != nil {
		t.Fatalf("CheckBlocked after final: %v", err)
	}
}

func TestImageSessionIgnoresNonImageFrames(t *testing.T) {
	s := newImageSession(1)
	s.Started()

	frame, err := s.Feed([]byte(`{"type":"status","message":"queued"}`), time.Now())
	if err != nil || frame != nil {
		t.Fatalf("Feed = (%v, %v), want (nil, nil)", frame, err)
	}
}

func TestImageSessionErrorFrame(t *testing.T) {
	s := newImageSession(1)
	s.Started()

	_, err := s.Feed([]byte(`{"type":"error","error":"moderation"}`), time.Now())
	if !apperrors.Is(err, apperrors.CodeTranslatorProtocol) {
		t.Fatalf("err = %v, want translator_protocol_error", err)
	}
}
