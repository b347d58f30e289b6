package mediacache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/voici5986/grok2api/pkg/safego"
	apperrors "github.com/voici5986/grok2api/pkg/errors"
)

// Media kinds. Each kind gets its own subdirectory and URL prefix.
const (
	KindImage = "image"
	KindVideo = "video"
)

// Cache 本地媒体缓存
//
// 文件名按内容寻址 (sha256 前缀 + 原扩展名), 同一资产重复写入是幂等的。
// 超过大小上限时按访问时间做 LRU 删除, 删除串行在单个 goroutine 里执行。
type Cache struct {
	dir      string
	maxBytes int64
	log      *zap.Logger

	mu      sync.Mutex
	evictCh chan struct{}
}

// Stats 缓存统计
type Stats struct {
	Files int   `json:"files"`
	Bytes int64 `json:"bytes"`
}

// New 创建缓存, maxSizeMB <= 0 表示不限制
func New(dir string, maxSizeMB int, log *zap.Logger) (*Cache, error) {
	for _, kind := range []string{KindImage, KindVideo} {
		if err := os.MkdirAll(filepath.Join(dir, kind), 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}
	c := &Cache{
		dir:      dir,
		maxBytes: int64(maxSizeMB) * 1024 * 1024,
		log:      log.With(zap.String("component", "mediacache")),
		evictCh:  make(chan struct{}, 1),
	}
	safego.Go(c.log, "cache-evict", c.evictLoop)
	return c, nil
}

// Name derives the stable content-addressed filename for an asset path.
func Name(assetPath string) string {
	sum := sha256.Sum256([]byte(assetPath))
	ext := strings.ToLower(filepath.Ext(assetPath))
	if ext == "" || len(ext) > 8 {
		ext = ".bin"
	}
	return hex.EncodeToString(sum[:12]) + ext
}

// URLPath returns the gateway-relative URL for a cached file.
func URLPath(kind, name string) string {
	return "/v1/files/" + kind + "/" + name
}

// Put stores bytes under the given name and returns the gateway URL path.
func (c *Cache) Put(kind, name string, data []byte) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}
	path := filepath.Join(c.dir, kind, name)

	if _, err := os.Stat(path); err == nil {
		c.touch(path)
		return URLPath(kind, name), nil
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write cache file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("publish cache file: %w", err)
	}
	c.scheduleEvict()
	return URLPath(kind, name), nil
}

// Fetch returns the URL path of the asset, downloading through the supplied
// function when it is not cached yet.
func (c *Cache) Fetch(ctx context.Context, kind, assetPath string, download func(ctx context.Context) ([]byte, error)) (string, error) {
	name := Name(assetPath)
	path := filepath.Join(c.dir, kind, name)
	if _, err := os.Stat(path); err == nil {
		c.touch(path)
		return URLPath(kind, name), nil
	}

	data, err := download(ctx)
	if err != nil {
		return "", err
	}
	return c.Put(kind, name, data)
}

// Open resolves a cached file for serving. Rejects path escapes.
func (c *Cache) Open(kind, name string) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}
	if kind != KindImage && kind != KindVideo {
		return "", apperrors.New(apperrors.CodeInvalidInput, "unknown media kind")
	}
	path := filepath.Join(c.dir, kind, name)
	if _, err := os.Stat(path); err != nil {
		return "", apperrors.New(apperrors.CodeNotFound, "media not cached")
	}
	c.touch(path)
	return path, nil
}

// Stat returns per-kind usage.
func (c *Cache) Stat() map[string]Stats {
	out := make(map[string]Stats, 2)
	for _, kind := range []string{KindImage, KindVideo} {
		var s Stats
		entries, err := os.ReadDir(filepath.Join(c.dir, kind))
		if err != nil {
			out[kind] = s
			continue
		}
		for _, e := range entries {
			info, err := e.Info()
			if err != nil || e.IsDir() {
				continue
			}
			s.Files++
			s.Bytes += info.Size()
		}
		out[kind] = s
	}
	return out
}

// Clear removes every cached file of one kind, or all kinds for "".
func (c *Cache) Clear(kind string) error {
	kinds := []string{KindImage, KindVideo}
	if kind != "" {
		kinds = []string{kind}
	}
	for _, k := range kinds {
		dir := filepath.Join(c.dir, k)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			_ = os.Remove(filepath.Join(dir, e.Name()))
		}
	}
	return nil
}

// Close stops the eviction worker.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.evictCh != nil {
		close(c.evictCh)
		c.evictCh = nil
	}
}

func (c *Cache) touch(path string) {
	now := time.Now()
	_ = os.Chtimes(path, now, now)
}

func (c *Cache) scheduleEvict() {
	c.mu.Lock()
	ch := c.evictCh
	c.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (c *Cache) evictLoop() {
	for range c.evictCh {
		c.evictOnce()
	}
}

type cacheFile struct {
	path  string
	size  int64
	atime int64
}

// evictOnce deletes least recently used files until total size is under cap.
func (c *Cache) evictOnce() {
	if c.maxBytes <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var files []cacheFile
	var total int64
	for _, kind := range []string{KindImage, KindVideo} {
		dir := filepath.Join(c.dir, kind)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			info, err := e.Info()
			if err != nil || e.IsDir() {
				continue
			}
			files = append(files, cacheFile{
				path:  filepath.Join(dir, e.Name()),
				size:  info.Size(),
				atime: info.ModTime().UnixNano(),
			})
			total += info.Size()
		}
	}
	if total <= c.maxBytes {
		return
	}

	sort.Slice(files, func(i, j int) bool { return files[i].atime < files[j].atime })
	for _, f := range files {
		if total <= c.maxBytes {
			break
		}
		if err := os.Remove(f.path); err == nil {
			total -= f.size
		}
	}
	c.log.Info("Cache trimmed", zap.Int64("bytes", total))
}

func validName(name string) error {
	if name == "" || strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return apperrors.New(apperrors.CodeInvalidInput, "invalid media name")
	}
	return nil
}
