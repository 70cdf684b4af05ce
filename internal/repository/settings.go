package repository

import (
	"context"
	"fmt"
	"strconv"

	"sleepwatch/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Redis hash 字段名
const (
	fieldAutoDetection  = "auto_detection_enabled"
	fieldNotifications  = "notifications_enabled"
	fieldBatteryOptimal = "battery_optimized"
	fieldSleepGoalHours = "sleep_goal_hours"
	fieldSensitivity    = "detection_sensitivity"
)

// SettingsRepository 用户设置与跟踪状态（Redis）
//
// 设置保存在 hash <settingsPrefix><deviceID>，跟踪标志保存在 <trackingPrefix><deviceID>。
// 读取时缺失或损坏的字段一律回退到默认值，不返回错误。
type SettingsRepository struct {
	client         *redis.Client
	settingsPrefix string
	trackingPrefix string
	logger         *zap.Logger
}

// NewSettingsRepository 创建设置仓库
func NewSettingsRepository(client *redis.Client, settingsPrefix, trackingPrefix string, logger *zap.Logger) *SettingsRepository {
	return &SettingsRepository{
		client:         client,
		settingsPrefix: settingsPrefix,
		trackingPrefix: trackingPrefix,
		logger:         logger,
	}
}

// GetSettings 读取设置
func (r *SettingsRepository) GetSettings(ctx context.Context, deviceID string) models.Settings {
	settings := models.DefaultSettings()
	key := r.settingsPrefix + deviceID

	values, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		r.logger.Warn("Failed to read settings, using defaults",
			zap.String("key", key),
			zap.Error(err),
		)
		return settings
	}

	if v, ok := values[fieldAutoDetection]; ok {
		settings.AutoDetectionEnabled = r.parseBool(key, fieldAutoDetection, v, settings.AutoDetectionEnabled)
	}
	if v, ok := values[fieldNotifications]; ok {
		settings.NotificationsEnabled = r.parseBool(key, fieldNotifications, v, settings.NotificationsEnabled)
	}
	if v, ok := values[fieldBatteryOptimal]; ok {
		settings.BatteryOptimized = r.parseBool(key, fieldBatteryOptimal, v, settings.BatteryOptimized)
	}
	if v, ok := values[fieldSleepGoalHours]; ok {
		if hours, err := strconv.ParseFloat(v, 64); err == nil && hours > 0 && hours <= 24 {
			settings.SleepGoalHours = hours
		} else {
			r.logger.Warn("Malformed settings field, using default",
				zap.String("key", key),
				zap.String("field", fieldSleepGoalHours),
				zap.String("value", v),
			)
		}
	}
	if v, ok := values[fieldSensitivity]; ok {
		settings.DetectionSensitivity = models.ParseSensitivity(v)
	}

	return settings
}

// SaveSettings 保存设置（展示层写入接口，本服务只读）
func (r *SettingsRepository) SaveSettings(ctx context.Context, deviceID string, settings models.Settings) error {
	key := r.settingsPrefix + deviceID
	err := r.client.HSet(ctx, key, map[string]interface{}{
		fieldAutoDetection:  strconv.FormatBool(settings.AutoDetectionEnabled),
		fieldNotifications:  strconv.FormatBool(settings.NotificationsEnabled),
		fieldBatteryOptimal: strconv.FormatBool(settings.BatteryOptimized),
		fieldSleepGoalHours: strconv.FormatFloat(settings.SleepGoalHours, 'f', -1, 64),
		fieldSensitivity:    string(models.ParseSensitivity(string(settings.DetectionSensitivity))),
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

// SetTracking 持久化跟踪标志
func (r *SettingsRepository) SetTracking(ctx context.Context, deviceID string, tracking bool) error {
	if err := r.client.Set(ctx, r.trackingPrefix+deviceID, strconv.FormatBool(tracking), 0).Err(); err != nil {
		return fmt.Errorf("failed to set tracking flag: %w", err)
	}
	return nil
}

// IsTracking 读取跟踪标志；缺失或损坏视为 false
func (r *SettingsRepository) IsTracking(ctx context.Context, deviceID string) bool {
	val, err := r.client.Get(ctx, r.trackingPrefix+deviceID).Result()
	if err != nil {
		if err != redis.Nil {
			r.logger.Warn("Failed to read tracking flag", zap.String("device_id", deviceID), zap.Error(err))
		}
		return false
	}
	tracking, err := strconv.ParseBool(val)
	if err != nil {
		return false
	}
	return tracking
}

func (r *SettingsRepository) parseBool(key, field, value string, fallback bool) bool {
	b, err := strconv.ParseBool(value)
	if err != nil {
		r.logger.Warn("Malformed settings field, using default",
			zap.String("key", key),
			zap.String("field", field),
			zap.String("value", value),
		)
		return fallback
	}
	return b
}
