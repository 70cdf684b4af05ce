package detector

import (
	"time"

	"sleepwatch/internal/models"
)

// 概率模型各因子权重，总和为 1
//
// 这是可解释、可调的启发式模型，而非训练模型：不需要训练数据，
// 每个因子都可以单独解释和调整，代价是分类准确度有限。
const (
	InactivityWeight = 0.4
	NightWeight      = 0.3
	NapWeight        = 0.15
	MotionWeight     = 0.2
	ChargingWeight   = 0.1
)

// 默认阈值（对应 medium 灵敏度）
const (
	DefaultInactivityThreshold = 15 * time.Minute
	DefaultStartThreshold      = 0.8
	DefaultEndThreshold        = 0.3
)

// Params 模型与状态机参数
type Params struct {
	InactivityThreshold time.Duration
	StartThreshold      float64 // Idle -> Asleep
	EndThreshold        float64 // Asleep -> Idle，必须低于 StartThreshold
	Location            *time.Location
}

// DefaultParams 参考参数：15 分钟 / 0.8 / 0.3
func DefaultParams() Params {
	return Params{
		InactivityThreshold: DefaultInactivityThreshold,
		StartThreshold:      DefaultStartThreshold,
		EndThreshold:        DefaultEndThreshold,
		Location:            time.Local,
	}
}

// ParamsForSensitivity 根据灵敏度调整阈值
//
//	low:    start 0.85, end 0.25, inactivity 20m（更难入睡判定，更难结束）
//	medium: start 0.80, end 0.30, inactivity 15m（参考值）
//	high:   start 0.70, end 0.35, inactivity 10m（更快判定入睡）
func ParamsForSensitivity(s models.Sensitivity, loc *time.Location) Params {
	p := DefaultParams()
	if loc != nil {
		p.Location = loc
	}
	switch s {
	case models.SensitivityLow:
		p.StartThreshold = 0.85
		p.EndThreshold = 0.25
		p.InactivityThreshold = 20 * time.Minute
	case models.SensitivityHigh:
		p.StartThreshold = 0.7
		p.EndThreshold = 0.35
		p.InactivityThreshold = 10 * time.Minute
	}
	return p
}

// Factors 各因子贡献，便于日志和排查
type Factors struct {
	Inactivity float64 `json:"inactivity"`
	TimeOfDay  float64 `json:"time_of_day"`
	Motion     float64 `json:"motion"`
	Charging   float64 `json:"charging"`
}

// Total 各因子之和，限制在 [0,1]
func (f Factors) Total() float64 {
	return clamp(f.Inactivity+f.TimeOfDay+f.Motion+f.Charging, 0, 1)
}

// Model 睡眠概率模型（纯函数，无状态）
type Model struct {
	params Params
}

// NewModel 创建概率模型
func NewModel(params Params) *Model {
	if params.InactivityThreshold <= 0 {
		params.InactivityThreshold = DefaultInactivityThreshold
	}
	if params.Location == nil {
		params.Location = time.Local
	}
	return &Model{params: params}
}

// Params 当前参数
func (m *Model) Params() Params {
	return m.params
}

// SleepProbability 计算睡眠概率 [0,1]
func (m *Model) SleepProbability(inactivity time.Duration, now time.Time, activityLevel float64) float64 {
	return m.Factors(inactivity, now, activityLevel).Total()
}

// Factors 计算各因子贡献
func (m *Model) Factors(inactivity time.Duration, now time.Time, activityLevel float64) Factors {
	hour := now.In(m.params.Location).Hour()
	return Factors{
		Inactivity: inactivityFactor(inactivity, m.params.InactivityThreshold),
		TimeOfDay:  timeOfDayFactor(hour),
		Motion:     (1 - clamp(activityLevel, 0, 1)) * MotionWeight,
		Charging:   chargingFactor(hour),
	}
}

func inactivityFactor(inactivity, threshold time.Duration) float64 {
	if inactivity <= 0 {
		return 0
	}
	ratio := float64(inactivity) / float64(threshold)
	if ratio > 1 {
		ratio = 1
	}
	return ratio * InactivityWeight
}

// timeOfDayFactor 夜间 [22,24)∪[0,6] 为 0.3，午睡 [13,15] 为 0.15
func timeOfDayFactor(hour int) float64 {
	switch {
	case hour >= 22 || hour <= 6:
		return NightWeight
	case hour >= 13 && hour <= 15:
		return NapWeight
	default:
		return 0
	}
}

// chargingFactor 充电时段代理因子：[23,24)∪[0,6] 加 0.1
//
// 仅按时段判断，不读取实际电池状态。
func chargingFactor(hour int) float64 {
	if hour >= 23 || hour <= 6 {
		return ChargingWeight
	}
	return 0
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
