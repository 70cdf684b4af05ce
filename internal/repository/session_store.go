package repository

import (
	"context"
	"errors"
	"time"

	"sleepwatch/internal/models"
)

// ErrSessionNotFound 会话不存在
var ErrSessionNotFound = errors.New("sleep session not found")

// SessionStore 睡眠会话存储
//
// 实现按设备隔离：一个实例只读写构造时指定设备的会话。
type SessionStore interface {
	// Save 按 ID upsert，幂等；已结束（wake_time 非空）的会话不会被覆盖
	Save(ctx context.Context, session *models.SleepSession) error

	// Get 按 ID 读取，不存在时返回 ErrSessionNotFound
	Get(ctx context.Context, id string) (*models.SleepSession, error)

	// ListAll 全部会话，按入睡时间倒序
	ListAll(ctx context.Context) ([]models.SleepSession, error)

	// ListSince 入睡时间不早于 since 的会话，按入睡时间倒序
	ListSince(ctx context.Context, since time.Time) ([]models.SleepSession, error)

	// FindOpen 最近一个进行中的会话；没有时返回 nil, nil
	FindOpen(ctx context.Context) (*models.SleepSession, error)

	// ClearAll 删除全部会话
	ClearAll(ctx context.Context) error
}

// rowScanner *sql.Row 与 *sql.Rows 的公共接口
type rowScanner interface {
	Scan(dest ...interface{}) error
}

const sessionColumns = `id, device_id, bedtime, wake_time, duration_ms, quality_percent,
	is_manual, confidence, notes, created_at, updated_at`
