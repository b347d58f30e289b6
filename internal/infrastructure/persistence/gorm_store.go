package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/voici5986/grok2api/internal/infrastructure/persistence/models"
)

// GormStore backs the token catalog with a relational database. The version
// column is guarded by a compare-and-swap UPDATE so concurrent workers
// sharing one database serialize their writes per record.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore 创建数据库存储
func NewGormStore(dbType, dsn string) (*GormStore, error) {
	var dialector gorm.Dialector

	switch dbType {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}

	// 配置GORM
	gormConfig := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// 自动迁移模式
	if err := db.AutoMigrate(&models.TokenModel{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &GormStore{db: db}, nil
}

// List 返回所有记录
func (s *GormStore) List(ctx context.Context) ([]StoredRecord, error) {
	var rows []models.TokenModel
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]StoredRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, StoredRecord{ID: row.ID, Data: row.Data, Version: row.Version})
	}
	return out, nil
}

// Get 返回单条记录
func (s *GormStore) Get(ctx context.Context, id string) (*StoredRecord, error) {
	var row models.TokenModel
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &StoredRecord{ID: row.ID, Data: row.Data, Version: row.Version}, nil
}

// Put 写入记录, version 为 0 时插入新行
func (s *GormStore) Put(ctx context.Context, id string, data []byte, version int64) (int64, error) {
	next := version + 1

	if version == 0 {
		row := models.TokenModel{ID: id, Data: data, Version: next}
		err := s.db.WithContext(ctx).Create(&row).Error
		if err != nil {
			// 已存在说明有并发写入者抢先插入
			var existing models.TokenModel
			if s.db.WithContext(ctx).First(&existing, "id = ?", id).Error == nil {
				return existing.Version, ErrConflict
			}
			return 0, err
		}
		return next, nil
	}

	res := s.db.WithContext(ctx).
		Model(&models.TokenModel{}).
		Where("id = ? AND version = ?", id, version).
		Updates(map[string]any{"data": data, "version": next})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		var existing models.TokenModel
		if err := s.db.WithContext(ctx).First(&existing, "id = ?", id).Error; err != nil {
			return 0, ErrNotFound
		}
		return existing.Version, ErrConflict
	}
	return next, nil
}

// Delete 删除记录
func (s *GormStore) Delete(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&models.TokenModel{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Close 关闭存储
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Compile-time interface check
var _ Store = (*GormStore)(nil)
