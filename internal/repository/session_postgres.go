package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"sleepwatch/internal/models"

	"go.uber.org/zap"
)

// PostgresSchema sleep_sessions 表结构（PostgreSQL）
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS sleep_sessions (
	id              TEXT PRIMARY KEY,
	device_id       TEXT NOT NULL,
	bedtime         TIMESTAMPTZ NOT NULL,
	wake_time       TIMESTAMPTZ,
	duration_ms     BIGINT NOT NULL DEFAULT 0,
	quality_percent INTEGER NOT NULL DEFAULT 0,
	is_manual       BOOLEAN NOT NULL DEFAULT FALSE,
	confidence      DOUBLE PRECISION NOT NULL DEFAULT 0,
	notes           TEXT,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sleep_sessions_device_bedtime ON sleep_sessions(device_id, bedtime DESC);
`

// PostgresSessionRepository 基于 PostgreSQL 的会话仓库
type PostgresSessionRepository struct {
	db       *sql.DB
	deviceID string
	logger   *zap.Logger
}

// NewPostgresSessionRepository 创建会话仓库
func NewPostgresSessionRepository(db *sql.DB, deviceID string, logger *zap.Logger) *PostgresSessionRepository {
	return &PostgresSessionRepository{
		db:       db,
		deviceID: deviceID,
		logger:   logger,
	}
}

// Migrate 创建表结构（幂等）
func (r *PostgresSessionRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("failed to migrate sleep_sessions: %w", err)
	}
	return nil
}

// Save 按 ID upsert
func (r *PostgresSessionRepository) Save(ctx context.Context, session *models.SleepSession) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("session id is required")
	}

	query := `
		INSERT INTO sleep_sessions (
			id, device_id, bedtime, wake_time, duration_ms, quality_percent,
			is_manual, confidence, notes, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			bedtime = EXCLUDED.bedtime,
			wake_time = EXCLUDED.wake_time,
			duration_ms = EXCLUDED.duration_ms,
			quality_percent = EXCLUDED.quality_percent,
			confidence = EXCLUDED.confidence,
			notes = EXCLUDED.notes,
			updated_at = EXCLUDED.updated_at
		WHERE sleep_sessions.wake_time IS NULL
	`

	now := time.Now()
	createdAt := session.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	updatedAt := session.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = now
	}

	_, err := r.db.ExecContext(ctx, query,
		session.ID,
		r.deviceID,
		session.Bedtime,
		nullTime(session.WakeTime),
		session.DurationMs,
		session.QualityPercent,
		session.IsManual,
		session.Confidence,
		nullString(session.Notes),
		createdAt,
		updatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save sleep session %s: %w", session.ID, err)
	}
	return nil
}

// Get 按 ID 读取
func (r *PostgresSessionRepository) Get(ctx context.Context, id string) (*models.SleepSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM sleep_sessions WHERE id = $1 AND device_id = $2`

	session, err := scanPostgresSession(r.db.QueryRowContext(ctx, query, id, r.deviceID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return nil, fmt.Errorf("failed to query sleep session: %w", err)
	}
	return session, nil
}

// ListAll 全部会话（入睡时间倒序）
func (r *PostgresSessionRepository) ListAll(ctx context.Context) ([]models.SleepSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM sleep_sessions WHERE device_id = $1 ORDER BY bedtime DESC`
	return r.list(ctx, query, r.deviceID)
}

// ListSince 入睡时间 >= since 的会话（入睡时间倒序）
func (r *PostgresSessionRepository) ListSince(ctx context.Context, since time.Time) ([]models.SleepSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM sleep_sessions WHERE device_id = $1 AND bedtime >= $2 ORDER BY bedtime DESC`
	return r.list(ctx, query, r.deviceID, since)
}

// FindOpen 最近一个进行中的会话
func (r *PostgresSessionRepository) FindOpen(ctx context.Context) (*models.SleepSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM sleep_sessions
		WHERE device_id = $1 AND wake_time IS NULL ORDER BY bedtime DESC LIMIT 1`

	session, err := scanPostgresSession(r.db.QueryRowContext(ctx, query, r.deviceID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		// 数据损坏按“没有进行中的会话”处理
		r.logger.Warn("Failed to read open sleep session, treating as none",
			zap.String("device_id", r.deviceID),
			zap.Error(err),
		)
		return nil, nil
	}
	return session, nil
}

// ClearAll 删除该设备全部会话
func (r *PostgresSessionRepository) ClearAll(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM sleep_sessions WHERE device_id = $1`, r.deviceID); err != nil {
		return fmt.Errorf("failed to clear sleep sessions: %w", err)
	}
	return nil
}

func (r *PostgresSessionRepository) list(ctx context.Context, query string, args ...interface{}) ([]models.SleepSession, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sleep sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]models.SleepSession, 0)
	for rows.Next() {
		session, err := scanPostgresSession(rows)
		if err != nil {
			// 单行数据损坏不影响其他行
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

func scanPostgresSession(row rowScanner) (*models.SleepSession, error) {
	var (
		session  models.SleepSession
		wakeTime sql.NullTime
		notes    sql.NullString
	)
	err := row.Scan(
		&session.ID,
		&session.DeviceID,
		&session.Bedtime,
		&wakeTime,
		&session.DurationMs,
		&session.QualityPercent,
		&session.IsManual,
		&session.Confidence,
		&notes,
		&session.CreatedAt,
		&session.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if wakeTime.Valid {
		w := wakeTime.Time
		session.WakeTime = &w
	}
	session.Notes = notes.String
	return &session, nil
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
