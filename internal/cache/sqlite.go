package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rninspector/internal/storage"
	"rninspector/pkg/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// bodyRecord 表名由命名策略加前缀得到，例如 rninspector_body_record
type bodyRecord struct {
	Kind          string `gorm:"primaryKey;size:16"`
	RequestID     string `gorm:"primaryKey;size:255"`
	Body          string
	Base64Encoded bool
	UpdatedAt     time.Time
}

// SQLite 基于 gorm 的缓存实现，打开时清空旧数据，生命周期与进程一致
type SQLite struct {
	db *gorm.DB
}

// NewSQLite 迁移表结构并清空
func NewSQLite(db *gorm.DB) (*SQLite, error) {
	if err := db.AutoMigrate(&bodyRecord{}); err != nil {
		return nil, fmt.Errorf("migrate body cache: %w", err)
	}
	if err := db.Where("1 = 1").Delete(&bodyRecord{}).Error; err != nil {
		return nil, fmt.Errorf("truncate body cache: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Put(ctx context.Context, kind Kind, requestID string, body domain.ResponseBody) error {
	rec := bodyRecord{
		Kind:          string(kind),
		RequestID:     requestID,
		Body:          body.Body,
		Base64Encoded: body.Base64Encoded,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "kind"}, {Name: "request_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"body", "base64_encoded", "updated_at"}),
	}).Create(&rec).Error
}

func (s *SQLite) Get(ctx context.Context, kind Kind, requestID string) (domain.ResponseBody, bool, error) {
	var rec bodyRecord
	err := s.db.WithContext(ctx).
		Where("kind = ? AND request_id = ?", string(kind), requestID).
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.ResponseBody{}, false, nil
	}
	if err != nil {
		return domain.ResponseBody{}, false, err
	}
	return domain.ResponseBody{Body: rec.Body, Base64Encoded: rec.Base64Encoded}, true, nil
}

func (s *SQLite) Len(ctx context.Context, kind Kind) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&bodyRecord{}).Where("kind = ?", string(kind)).Count(&n).Error
	return int(n), err
}

func (s *SQLite) Clear(ctx context.Context) error {
	return s.db.WithContext(ctx).Where("1 = 1").Delete(&bodyRecord{}).Error
}

func (s *SQLite) Close() error { return storage.Close(s.db) }
