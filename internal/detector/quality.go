package detector

import (
	"math"
	"time"
)

// 时长评分档位：从最窄档开始匹配，均为闭区间
var durationBands = []struct {
	minHours, maxHours float64
	score              int
}{
	{7, 9, 90},
	{6, 10, 75},
	{5, 11, 60},
}

// DefaultDurationScore 不在任何档位内的时长得分
const DefaultDurationScore = 40

// DurationBaseScore 时长基础分
func DurationBaseScore(hours float64) int {
	for _, band := range durationBands {
		if hours >= band.minHours && hours <= band.maxHours {
			return band.score
		}
	}
	return DefaultDurationScore
}

// MotionQualityScore 运动质量分 = round((1 - activityLevel) * 100)
func MotionQualityScore(activityLevel float64) int {
	return int(math.Round((1 - clamp(activityLevel, 0, 1)) * 100))
}

// QualityScore 睡眠质量 = round(clamp((时长分 + 运动分) / 2, 0, 100))
func QualityScore(duration time.Duration, activityLevel float64) int {
	hours := float64(duration.Milliseconds()) / float64(time.Hour/time.Millisecond)
	base := DurationBaseScore(hours)
	motion := MotionQualityScore(activityLevel)
	return int(math.Round(clamp(float64(base+motion)/2, 0, 100)))
}
