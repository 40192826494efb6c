package cache

import (
	"fmt"
	"strings"

	"rninspector/internal/config"
	"rninspector/internal/logger"
	"rninspector/internal/storage"

	gormlogger "gorm.io/gorm/logger"
)

// Open 按配置创建缓存后端
func Open(cfg *config.Config, l logger.Logger) (Store, error) {
	switch cfg.Cache.Backend {
	case "", config.CacheMemory:
		return NewMemory(), nil
	case config.CacheSQLite:
		opts := storage.Options{DSN: cfg.Sqlite.Dsn, Prefix: cfg.Sqlite.Prefix}
		// debug 级别下逐条记录 SQL
		if strings.EqualFold(cfg.Log.Level, "debug") || strings.EqualFold(cfg.Log.Level, "trace") {
			opts.LogLevel = gormlogger.Info
		}
		db, err := storage.Open(opts, l)
		if err != nil {
			return nil, err
		}
		s, err := NewSQLite(db)
		if err != nil {
			_ = storage.Close(db)
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown cache backend: %q", cfg.Cache.Backend)
	}
}
