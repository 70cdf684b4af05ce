// Package detector 提供睡眠状态检测的核心算法
//
// 主要组成：
//   - MotionBuffer：固定容量的运动样本环形缓冲，计算近期活动水平
//   - Model：启发式睡眠概率模型（不活动时长 + 时段 + 近期运动）
//   - StateMachine：Idle / Asleep 两态会话状态机，带迟滞阈值
//   - QualityScore：会话结束时的睡眠质量评分
//
// 本包不做并发控制，也不做 I/O；调用方（service.DetectionService）负责串行化访问。
package detector

import "sleepwatch/internal/models"

// MotionThreshold 显著运动阈值（设备加速度单位）
const MotionThreshold = 0.1

// DefaultActivityWindow 计算近期活动水平的样本窗口（1Hz 下即最近 1 分钟）
const DefaultActivityWindow = 60

// MotionBuffer 运动样本环形缓冲（FIFO）
//
// 尾部插入，头部淘汰；Len() 永远不超过 Cap()。
type MotionBuffer struct {
	samples []sampleMagnitude
	head    int // 最旧样本下标
	size    int
	window  int
}

type sampleMagnitude struct {
	sample    models.MotionSample
	magnitude float64
}

// NewMotionBuffer 创建运动缓冲；capacity 小于 1 时按 1 处理
func NewMotionBuffer(capacity, activityWindow int) *MotionBuffer {
	if capacity < 1 {
		capacity = 1
	}
	if activityWindow < 1 {
		activityWindow = DefaultActivityWindow
	}
	return &MotionBuffer{
		samples: make([]sampleMagnitude, capacity),
		window:  activityWindow,
	}
}

// Record 追加样本，满时淘汰最旧样本，O(1)
func (b *MotionBuffer) Record(sample models.MotionSample) {
	entry := sampleMagnitude{sample: sample, magnitude: sample.Acceleration.Magnitude()}
	capacity := len(b.samples)
	if b.size < capacity {
		b.samples[(b.head+b.size)%capacity] = entry
		b.size++
		return
	}
	b.samples[b.head] = entry
	b.head = (b.head + 1) % capacity
}

// RecentActivityLevel 近期活动水平 [0,1]
//
// 最近 window 个样本的平均加速度模长 / MotionThreshold，上限 1；缓冲为空时返回 0。
func (b *MotionBuffer) RecentActivityLevel() float64 {
	if b.size == 0 {
		return 0
	}
	n := b.window
	if n > b.size {
		n = b.size
	}
	capacity := len(b.samples)
	sum := 0.0
	for i := b.size - n; i < b.size; i++ {
		sum += b.samples[(b.head+i)%capacity].magnitude
	}
	level := (sum / float64(n)) / MotionThreshold
	if level > 1 {
		return 1
	}
	return level
}

// HasSignificantMotion 样本加速度模长是否超过显著运动阈值
func HasSignificantMotion(sample models.MotionSample) bool {
	return sample.Acceleration.Magnitude() > MotionThreshold
}

// Len 当前样本数
func (b *MotionBuffer) Len() int {
	return b.size
}

// Cap 容量
func (b *MotionBuffer) Cap() int {
	return len(b.samples)
}

// snapshot 按时间顺序（旧→新）返回样本副本
func (b *MotionBuffer) snapshot() []models.MotionSample {
	out := make([]models.MotionSample, 0, b.size)
	capacity := len(b.samples)
	for i := 0; i < b.size; i++ {
		out = append(out, b.samples[(b.head+i)%capacity].sample)
	}
	return out
}

// Reset 清空缓冲
func (b *MotionBuffer) Reset() {
	for i := range b.samples {
		b.samples[i] = sampleMagnitude{}
	}
	b.head = 0
	b.size = 0
}

// CapacityFor 根据保留窗口和采样间隔计算容量（参考：300s / 1s = 300）
func CapacityFor(retentionSeconds, sampleIntervalMs int) int {
	if retentionSeconds <= 0 || sampleIntervalMs <= 0 {
		return 300
	}
	c := retentionSeconds * 1000 / sampleIntervalMs
	if c < 1 {
		return 1
	}
	return c
}
