package mediacache

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"

	apperrors "github.com/voici5986/grok2api/pkg/errors"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(t.TempDir(), 500, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestNameIsStableAndContentAddressed(t *testing.T) {
	a := Name("/users/u/gen-1.png")
	b := Name("/users/u/gen-1.png")
	other := Name("/users/u/gen-2.png")

	if a != b {
		t.Fatalf("Name not stable: %q vs %q", a, b)
	}
	if a == other {
		t.Fatal("distinct assets mapped to the same name")
	}
	if !strings.HasSuffix(a, ".png") {
		t.Fatalf("Name = %q, want original extension kept", a)
	}
}

func TestFetchDownloadsOnceThenServesFromDisk(t *testing.T) {
	c := newTestCache(t)

	calls := 0
	download := func(ctx context.Context) ([]byte, error) {
		calls++
		return []byte("image-bytes"), nil
	}

	url1, err := c.Fetch(context.Background(), KindImage, "/users/u/pic.png", download)
	if err != nil {
		t.Fatalf("first Fetch: %v", err)
	}
	url2, err := c.Fetch(context.Background(), KindImage, "/users/u/pic.png", download)
	if err != nil {
		t.Fatalf("second Fetch: %v", err)
	}
	if calls != 1 {
		t.Fatalf("download called %d times, want 1", calls)
	}
	if url1 != url2 {
		t.Fatalf("URL changed between fetches: %q vs %q", url1, url2)
	}
	if !strings.HasPrefix(url1, "/v1/files/image/") {
		t.Fatalf("url = %q, want gateway files prefix", url1)
	}
}

func TestFetchPropagatesDownloadError(t *testing.T) {
	c := newTestCache(t)

	wantErr := errors.New("upstream 403")
	_, err := c.Fetch(context.Background(), KindImage, "/users/u/denied.png", func(context.Context) ([]byte, error) {
		return nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want download error", err)
	}
}

func TestOpenRejectsPathEscape(t *testing.T) {
	c := newTestCache(t)

	for _, name := range []string{"../secret", "a/b.png", "..", ""} {
		if _, err := c.Open(KindImage, name); !apperrors.Is(err, apperrors.CodeInvalidInput) {
			t.Fatalf("Open(%q): err = %v, want invalid_request", name, err)
		}
	}
	if _, err := c.Open(KindImage, "missing.png"); !apperrors.IsNotFound(err) {
		t.Fatalf("Open missing: err = %v, want not_found", err)
	}
}

func TestStatAndClear(t *testing.T) {
	c := newTestCache(t)

	if _, err := c.Put(KindImage, "a.png", []byte("aaaa")); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Put(KindVideo, "b.mp4", []byte("bbbbbbbb")); err != nil {
		t.Fatal(err)
	}

	stats := c.Stat()
	if stats[KindImage].Files != 1 || stats[KindVideo].Files != 1 {
		t.Fatalf("Stat = %+v, want one file per kind", stats)
	}

	if err := c.Clear(KindImage); err != nil {
		t.Fatal(err)
	}
	stats = c.Stat()
	if stats[KindImage].Files != 0 {
		t.Fatalf("image files = %d after Clear, want 0", stats[KindImage].Files)
	}
	if stats[KindVideo].Files != 1 {
		t.Fatalf("video files = %d, Clear(image) must not touch video", stats[KindVideo].Files)
	}
}
