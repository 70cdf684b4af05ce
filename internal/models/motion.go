package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidSample 运动样本无效（缺少时间戳或数值非有限）
var ErrInvalidSample = errors.New("invalid motion sample")

// Vector3 三轴加速度（设备加速度单位，去除重力）
type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Magnitude 欧几里得模长
func (v Vector3) Magnitude() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// Rotation 三轴旋转速率（alpha/beta/gamma）
type Rotation struct {
	Alpha float64 `json:"alpha"`
	Beta  float64 `json:"beta"`
	Gamma float64 `json:"gamma"`
}

// MotionSample 一次运动采样，采集后不可变
type MotionSample struct {
	Timestamp    time.Time
	Acceleration Vector3
	Rotation     Rotation
}

// Validate 时间戳必须存在，数值必须有限
func (s MotionSample) Validate() error {
	if s.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidSample)
	}
	a, r := s.Acceleration, s.Rotation
	if !finite(a.X, a.Y, a.Z, r.Alpha, r.Beta, r.Gamma) {
		return fmt.Errorf("%w: non-finite value", ErrInvalidSample)
	}
	return nil
}

// MotionMessage 设备上报的运动消息（MQTT JSON 格式）
//
// timestamp 为毫秒级 Unix 时间戳。acceleration 必填，rotation 可选。
type MotionMessage struct {
	Timestamp    int64     `json:"timestamp"`
	Acceleration *Vector3  `json:"acceleration"`
	Rotation     *Rotation `json:"rotation,omitempty"`
}

// ToSample 校验并转换为 MotionSample
func (m *MotionMessage) ToSample() (MotionSample, error) {
	if m.Timestamp <= 0 {
		return MotionSample{}, fmt.Errorf("%w: missing timestamp", ErrInvalidSample)
	}
	if m.Acceleration == nil {
		return MotionSample{}, fmt.Errorf("%w: missing acceleration", ErrInvalidSample)
	}
	if !finite(m.Acceleration.X, m.Acceleration.Y, m.Acceleration.Z) {
		return MotionSample{}, fmt.Errorf("%w: non-finite acceleration", ErrInvalidSample)
	}

	sample := MotionSample{
		Timestamp:    time.UnixMilli(m.Timestamp),
		Acceleration: *m.Acceleration,
	}
	if m.Rotation != nil {
		if !finite(m.Rotation.Alpha, m.Rotation.Beta, m.Rotation.Gamma) {
			return MotionSample{}, fmt.Errorf("%w: non-finite rotation", ErrInvalidSample)
		}
		sample.Rotation = *m.Rotation
	}
	return sample, nil
}

// ParseMotionPayload 解析设备负载：单个对象或对象数组
//
// 返回成功转换的样本，以及被丢弃的无效样本数量。
// 整个负载无法解析时返回错误。
func ParseMotionPayload(payload []byte) ([]MotionSample, int, error) {
	var messages []MotionMessage
	trimmed := firstNonSpace(payload)
	switch trimmed {
	case '[':
		if err := json.Unmarshal(payload, &messages); err != nil {
			return nil, 0, fmt.Errorf("failed to unmarshal motion batch: %w", err)
		}
	case '{':
		var msg MotionMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, 0, fmt.Errorf("failed to unmarshal motion message: %w", err)
		}
		messages = append(messages, msg)
	default:
		return nil, 0, fmt.Errorf("%w: payload is not a JSON object or array", ErrInvalidSample)
	}

	samples := make([]MotionSample, 0, len(messages))
	dropped := 0
	for i := range messages {
		sample, err := messages[i].ToSample()
		if err != nil {
			dropped++
			continue
		}
		samples = append(samples, sample)
	}
	return samples, dropped, nil
}

func finite(values ...float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func firstNonSpace(b []byte) byte {
	for _, c := range b {
		switch c {
		case ' ', '\t', '\r', '\n':
			continue
		default:
			return c
		}
	}
	return 0
}
