package storage

import (
	"fmt"
	"strings"

	"rninspector/internal/logger"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

// Options 数据库打开参数
type Options struct {
	DSN    string
	Prefix string
	// LogLevel 为零值时使用 Warn
	LogLevel gormlogger.LogLevel
}

// Open 基于纯 Go 的 sqlite 驱动打开数据库
func Open(opts Options, l logger.Logger) (*gorm.DB, error) {
	if l == nil {
		l = logger.NewNop()
	}
	if opts.DSN == "" {
		return nil, fmt.Errorf("sqlite dsn is empty")
	}
	level := opts.LogLevel
	if level == 0 {
		level = gormlogger.Warn
	}

	db, err := gorm.Open(sqlite.Open(opts.DSN), &gorm.Config{
		Logger: NewGormLogger(l.With("component", "storage")).LogMode(level),
		NamingStrategy: schema.NamingStrategy{
			TablePrefix:   opts.Prefix,
			SingularTable: true,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", opts.DSN, err)
	}

	// 内存库每个连接都是独立的数据库，必须限制为单连接
	if strings.Contains(opts.DSN, ":memory:") {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

// Close 关闭底层连接
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
