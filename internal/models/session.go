package models

import "time"

// SleepSession 一次连续的睡眠区间（自动检测或用户手动记录）
//
// WakeTime 为 nil 时会话处于进行中，可被原地修改；
// WakeTime 一旦设置即视为已结束，之后不再改变。
type SleepSession struct {
	ID             string     `json:"id"`
	DeviceID       string     `json:"device_id"`
	Bedtime        time.Time  `json:"bedtime"`
	WakeTime       *time.Time `json:"wake_time,omitempty"`
	DurationMs     int64      `json:"duration_ms"`     // 进行中为 0
	QualityPercent int        `json:"quality_percent"` // 0-100，进行中为 0
	IsManual       bool       `json:"is_manual"`
	Confidence     float64    `json:"confidence"` // 0-1
	Notes          string     `json:"notes,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// IsOpen 会话是否仍在进行中
func (s *SleepSession) IsOpen() bool {
	return s.WakeTime == nil
}

// Clone 深拷贝（WakeTime 指针不共享）
func (s *SleepSession) Clone() *SleepSession {
	if s == nil {
		return nil
	}
	c := *s
	if s.WakeTime != nil {
		w := *s.WakeTime
		c.WakeTime = &w
	}
	return &c
}

// Duration 会话时长
func (s *SleepSession) Duration() time.Duration {
	return time.Duration(s.DurationMs) * time.Millisecond
}

// DetectionState 检测状态快照（只读投影，不单独持久化）
type DetectionState struct {
	IsTracking           bool          `json:"is_tracking"`
	CurrentSession       *SleepSession `json:"current_session,omitempty"`
	LastActivity         time.Time     `json:"last_activity"`
	InactivityDurationMs int64         `json:"inactivity_duration_ms"`
	SleepProbability     float64       `json:"sleep_probability"`
	RecentActivityLevel  float64       `json:"recent_activity_level"`
	UnsavedSessions      int           `json:"unsaved_sessions"`
	ComputedAt           time.Time     `json:"computed_at"`
}
