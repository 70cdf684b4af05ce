package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"sleepwatch/common/config"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// pingTimeout 建立连接时的探活超时
const pingTimeout = 5 * time.Second

// pool 连接池参数；0 表示使用 database/sql 默认值
type pool struct {
	maxOpen     int
	maxIdle     int
	maxLifetime time.Duration
}

// NewPostgresDB 连接 PostgreSQL（云端会话存储）
func NewPostgresDB(cfg *config.DatabaseConfig) (*sql.DB, error) {
	return open("postgres", cfg.GetDSN(), pool{
		maxOpen: cfg.MaxConns,
		maxIdle: cfg.MaxIdle,
	})
}

// NewSQLiteDB 打开（或创建）本地 SQLite 数据库，WAL 模式
//
// WAL 下允许多个读连接并发，写入由 busy_timeout 排队。
func NewSQLiteDB(cfg *config.SQLiteConfig) (*sql.DB, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	maxOpen := cfg.MaxConns
	if maxOpen <= 0 {
		maxOpen = 4
	}
	return open("sqlite", cfg.GetDSN(), pool{
		maxOpen:     maxOpen,
		maxIdle:     2,
		maxLifetime: 30 * time.Minute,
	})
}

func open(driver, dsn string, p pool) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}

	if p.maxOpen > 0 {
		db.SetMaxOpenConns(p.maxOpen)
	}
	if p.maxIdle > 0 {
		db.SetMaxIdleConns(p.maxIdle)
	}
	if p.maxLifetime > 0 {
		db.SetConnMaxLifetime(p.maxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", driver, err)
	}
	return db, nil
}

// Close 关闭数据库连接（nil 安全）
func Close(db *sql.DB) error {
	if db == nil {
		return nil
	}
	return db.Close()
}
