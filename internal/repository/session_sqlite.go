package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"sleepwatch/internal/models"

	"go.uber.org/zap"
)

// SQLiteSchema sleep_sessions 表结构（SQLite，时间以 UTC 定宽文本保存）
const SQLiteSchema = `
CREATE TABLE IF NOT EXISTS sleep_sessions (
	id              TEXT PRIMARY KEY,
	device_id       TEXT NOT NULL,
	bedtime         TEXT NOT NULL,
	wake_time       TEXT,
	duration_ms     INTEGER NOT NULL DEFAULT 0,
	quality_percent INTEGER NOT NULL DEFAULT 0,
	is_manual       INTEGER NOT NULL DEFAULT 0,
	confidence      REAL NOT NULL DEFAULT 0,
	notes           TEXT,
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sleep_sessions_device_bedtime ON sleep_sessions(device_id, bedtime);
`

// SQLiteSessionRepository 设备端嵌入式会话仓库（modernc.org/sqlite，WAL 模式）
//
// 时间统一转为 UTC 定宽文本保存，字典序即时间序。
type SQLiteSessionRepository struct {
	db       *sql.DB
	deviceID string
	logger   *zap.Logger
}

// NewSQLiteSessionRepository 创建仓库并初始化表结构
func NewSQLiteSessionRepository(db *sql.DB, deviceID string, logger *zap.Logger) (*SQLiteSessionRepository, error) {
	r := &SQLiteSessionRepository{
		db:       db,
		deviceID: deviceID,
		logger:   logger,
	}
	if _, err := db.Exec(SQLiteSchema); err != nil {
		return nil, fmt.Errorf("failed to migrate sqlite sleep_sessions: %w", err)
	}
	return r, nil
}

// Save 按 ID upsert
func (r *SQLiteSessionRepository) Save(ctx context.Context, session *models.SleepSession) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("session id is required")
	}

	now := time.Now()
	createdAt := session.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	updatedAt := session.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = now
	}
	var wake interface{}
	if session.WakeTime != nil {
		wake = formatTime(*session.WakeTime)
	}

	err := retryOp(defaultRetryConfig, func() error {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO sleep_sessions (
				id, device_id, bedtime, wake_time, duration_ms, quality_percent,
				is_manual, confidence, notes, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				bedtime = excluded.bedtime,
				wake_time = excluded.wake_time,
				duration_ms = excluded.duration_ms,
				quality_percent = excluded.quality_percent,
				confidence = excluded.confidence,
				notes = excluded.notes,
				updated_at = excluded.updated_at
			WHERE sleep_sessions.wake_time IS NULL`,
			session.ID,
			r.deviceID,
			formatTime(session.Bedtime),
			wake,
			session.DurationMs,
			session.QualityPercent,
			session.IsManual,
			session.Confidence,
			nullString(session.Notes),
			formatTime(createdAt),
			formatTime(updatedAt),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to save sleep session %s: %w", session.ID, err)
	}
	return nil
}

// Get 按 ID 读取
func (r *SQLiteSessionRepository) Get(ctx context.Context, id string) (*models.SleepSession, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sleep_sessions WHERE id = ? AND device_id = ?`, id, r.deviceID)

	session, err := scanSQLiteSession(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return nil, fmt.Errorf("failed to query sleep session: %w", err)
	}
	return session, nil
}

// ListAll 全部会话（入睡时间倒序）
func (r *SQLiteSessionRepository) ListAll(ctx context.Context) ([]models.SleepSession, error) {
	return r.list(ctx, `SELECT `+sessionColumns+` FROM sleep_sessions
		WHERE device_id = ? ORDER BY bedtime DESC`, r.deviceID)
}

// ListSince 入睡时间 >= since 的会话（入睡时间倒序）
func (r *SQLiteSessionRepository) ListSince(ctx context.Context, since time.Time) ([]models.SleepSession, error) {
	return r.list(ctx, `SELECT `+sessionColumns+` FROM sleep_sessions
		WHERE device_id = ? AND bedtime >= ? ORDER BY bedtime DESC`, r.deviceID, formatTime(since))
}

// FindOpen 最近一个进行中的会话
func (r *SQLiteSessionRepository) FindOpen(ctx context.Context) (*models.SleepSession, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sleep_sessions
		WHERE device_id = ? AND wake_time IS NULL ORDER BY bedtime DESC LIMIT 1`, r.deviceID)

	session, err := scanSQLiteSession(row)
	if err != nil {
		if err != sql.ErrNoRows {
			r.logger.Warn("Failed to read open sleep session, treating as none",
				zap.String("device_id", r.deviceID),
				zap.Error(err),
			)
		}
		return nil, nil
	}
	return session, nil
}

// ClearAll 删除该设备全部会话
func (r *SQLiteSessionRepository) ClearAll(ctx context.Context) error {
	err := retryOp(defaultRetryConfig, func() error {
		_, err := r.db.ExecContext(ctx, `DELETE FROM sleep_sessions WHERE device_id = ?`, r.deviceID)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to clear sleep sessions: %w", err)
	}
	return nil
}

func (r *SQLiteSessionRepository) list(ctx context.Context, query string, args ...interface{}) ([]models.SleepSession, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sleep sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]models.SleepSession, 0)
	for rows.Next() {
		session, err := scanSQLiteSession(rows)
		if err != nil {
			r.logger.Warn("Skipping malformed sleep session row",
				zap.String("device_id", r.deviceID),
				zap.Error(err),
			)
			continue
		}
		sessions = append(sessions, *session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sleep sessions: %w", err)
	}
	return sessions, nil
}

func scanSQLiteSession(row rowScanner) (*models.SleepSession, error) {
	var (
		session                       models.SleepSession
		bedtime, createdAt, updatedAt string
		wakeTime, notes               sql.NullString
	)
	err := row.Scan(
		&session.ID,
		&session.DeviceID,
		&bedtime,
		&wakeTime,
		&session.DurationMs,
		&session.QualityPercent,
		&session.IsManual,
		&session.Confidence,
		&notes,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if session.Bedtime, err = parseTime(bedtime); err != nil {
		return nil, fmt.Errorf("invalid bedtime for session %s: %w", session.ID, err)
	}
	if wakeTime.Valid {
		w, err := parseTime(wakeTime.String)
		if err != nil {
			return nil, fmt.Errorf("invalid wake_time for session %s: %w", session.ID, err)
		}
		session.WakeTime = &w
	}
	// created_at / updated_at 仅用于审计，解析失败不丢弃整行
	session.CreatedAt, _ = parseTime(createdAt)
	session.UpdatedAt, _ = parseTime(updatedAt)
	session.Notes = notes.String
	return &session, nil
}

// sqliteTimeLayout 定宽纳秒格式，保证文本排序与时间排序一致
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
