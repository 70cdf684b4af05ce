package models

import "strings"

// Sensitivity 检测灵敏度
type Sensitivity string

const (
	SensitivityLow    Sensitivity = "low"
	SensitivityMedium Sensitivity = "medium"
	SensitivityHigh   Sensitivity = "high"
)

// ParseSensitivity 解析灵敏度，无法识别时返回 medium
func ParseSensitivity(s string) Sensitivity {
	switch Sensitivity(strings.ToLower(strings.TrimSpace(s))) {
	case SensitivityLow:
		return SensitivityLow
	case SensitivityHigh:
		return SensitivityHigh
	default:
		return SensitivityMedium
	}
}

// Settings 用户设置
type Settings struct {
	AutoDetectionEnabled bool        `json:"auto_detection_enabled"`
	NotificationsEnabled bool        `json:"notifications_enabled"`
	BatteryOptimized     bool        `json:"battery_optimized"`
	SleepGoalHours       float64     `json:"sleep_goal_hours"`
	DetectionSensitivity Sensitivity `json:"detection_sensitivity"`
}

// DefaultSettings 默认设置（存储缺失或数据损坏时使用）
func DefaultSettings() Settings {
	return Settings{
		AutoDetectionEnabled: true,
		NotificationsEnabled: true,
		BatteryOptimized:     false,
		SleepGoalHours:       8,
		DetectionSensitivity: SensitivityMedium,
	}
}
