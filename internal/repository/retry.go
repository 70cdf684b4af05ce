package repository

import (
	"math/rand"
	"strings"
	"time"
)

// retryConfig SQLite 瞬时错误重试配置
type retryConfig struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

var defaultRetryConfig = retryConfig{
	maxRetries: 3,
	baseDelay:  50 * time.Millisecond,
	maxDelay:   500 * time.Millisecond,
}

// isTransientSQLiteErr 是否为可重试的 SQLite 错误（锁冲突、WAL 短读）
func isTransientSQLiteErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, pattern := range []string{
		"SQLITE_BUSY",
		"SQLITE_LOCKED",
		"IOERR_SHORT_READ",
		"database is locked",
		"database table is locked",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// retryOp 对瞬时错误做指数退避 + 抖动重试；成功或非瞬时错误立即返回
func retryOp(cfg retryConfig, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= cfg.maxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isTransientSQLiteErr(lastErr) {
			return lastErr
		}
		if attempt < cfg.maxRetries {
			time.Sleep(backoffDelay(cfg, attempt))
		}
	}
	return lastErr
}

// backoffDelay = baseDelay * 2^attempt（上限 maxDelay）+ [0, baseDelay) 随机抖动
func backoffDelay(cfg retryConfig, attempt int) time.Duration {
	delay := cfg.baseDelay << uint(attempt)
	if delay > cfg.maxDelay {
		delay = cfg.maxDelay
	}
	return delay + time.Duration(rand.Int63n(int64(cfg.baseDelay)))
}
