package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// FileStore persists the token catalog as a single JSON file under the data
// directory. Writes go through a temp file + rename so a crash mid-write
// never truncates the catalog. Versions live alongside the payloads.
type FileStore struct {
	mu     sync.Mutex
	path   string
	logger *zap.Logger

	records map[string]*StoredRecord
}

type filePayload struct {
	Records map[string]fileRecord `json:"records"`
}

type fileRecord struct {
	Version int64           `json:"version"`
	Data    json.RawMessage `json:"data"`
}

// NewFileStore 创建文件存储
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	s := &FileStore{
		path:    filepath.Join(dir, "token.json"),
		logger:  logger,
		records: make(map[string]*StoredRecord),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) load() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Debug("Token catalog file absent, starting empty",
				zap.String("path", s.path))
			return nil
		}
		return fmt.Errorf("read token catalog: %w", err)
	}

	var payload filePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("parse token catalog: %w", err)
	}
	for id, rec := range payload.Records {
		s.records[id] = &StoredRecord{ID: id, Data: rec.Data, Version: rec.Version}
	}
	return nil
}

// flush writes the whole catalog. Caller holds s.mu.
func (s *FileStore) flush() error {
	payload := filePayload{Records: make(map[string]fileRecord, len(s.records))}
	for id, rec := range s.records {
		payload.Records[id] = fileRecord{Version: rec.Version, Data: rec.Data}
	}

	raw, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal token catalog: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write token catalog: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// List 返回所有记录
func (s *FileStore) List(ctx context.Context) ([]StoredRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]StoredRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, *rec)
	}
	return out, nil
}

// Get 返回单条记录
func (s *FileStore) Get(ctx context.Context, id string) (*StoredRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// Put 写入记录, version 必须与当前版本一致 (新记录传 0)
func (s *FileStore) Put(ctx context.Context, id string, data []byte, version int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[id]
	if ok && current.Version != version {
		return current.Version, ErrConflict
	}
	if !ok && version != 0 {
		return 0, ErrConflict
	}

	next := version + 1
	s.records[id] = &StoredRecord{ID: id, Data: append([]byte(nil), data...), Version: next}
	if err := s.flush(); err != nil {
		return 0, err
	}
	return next, nil
}

// Delete 删除记录
func (s *FileStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return ErrNotFound
	}
	delete(s.records, id)
	return s.flush()
}

// Close 关闭存储
func (s *FileStore) Close() error { return nil }

// Compile-time interface check
var _ Store = (*FileStore)(nil)
