package detector

import (
	"time"

	"sleepwatch/internal/models"

	"github.com/google/uuid"
)

// State 检测状态
type State string

const (
	StateIdle   State = "idle"   // 无进行中的会话
	StateAsleep State = "asleep" // 有一个进行中的会话
)

// StateOf 根据当前会话推导状态
func StateOf(open *models.SleepSession) State {
	if open != nil && open.IsOpen() {
		return StateAsleep
	}
	return StateIdle
}

// Transition 一次评估产生的状态转换
type Transition string

const (
	TransitionNone         Transition = "none"
	TransitionSleepStarted Transition = "sleep_started"
	TransitionSleepEnded   Transition = "sleep_ended"
)

// Input 单次评估输入
//
// 状态机本身不保存会话和最后活动时间，全部由调用方传入。
type Input struct {
	Open          *models.SleepSession
	Probability   float64
	LastActivity  time.Time
	Now           time.Time
	ActivityLevel float64
}

// Decision 单次评估结果
//
// SleepStarted 时 Session 为新建的进行中会话；
// SleepEnded 时 Session 为已结束会话的副本（原会话不被修改）。
type Decision struct {
	Transition Transition
	Session    *models.SleepSession
}

// StateMachine Idle / Asleep 会话状态机
//
// 开始阈值（0.8）与结束阈值（0.3）之间的迟滞区间避免概率在单一阈值附近波动时反复切换。
type StateMachine struct {
	params   Params
	deviceID string
	newID    func() string
}

// NewStateMachine 创建状态机
func NewStateMachine(params Params, deviceID string) *StateMachine {
	return &StateMachine{
		params:   params,
		deviceID: deviceID,
		newID:    uuid.NewString,
	}
}

// SetParams 更新阈值（灵敏度变化时调用）
func (m *StateMachine) SetParams(params Params) {
	m.params = params
}

// Params 当前参数
func (m *StateMachine) Params() Params {
	return m.params
}

// Evaluate 评估一次状态转换
func (m *StateMachine) Evaluate(in Input) Decision {
	switch StateOf(in.Open) {
	case StateIdle:
		if in.Probability >= m.params.StartThreshold {
			return Decision{
				Transition: TransitionSleepStarted,
				Session:    m.startSession(in),
			}
		}
	case StateAsleep:
		if in.Probability < m.params.EndThreshold {
			return Decision{
				Transition: TransitionSleepEnded,
				Session:    Finalize(in.Open, in.Now, in.ActivityLevel),
			}
		}
	}
	return Decision{Transition: TransitionNone}
}

// startSession 入睡时间回溯到不活动开始后满阈值的时刻，而不是当前时刻；
// 但不会晚于当前时刻，保证时长非负。
func (m *StateMachine) startSession(in Input) *models.SleepSession {
	bedtime := in.LastActivity.Add(m.params.InactivityThreshold)
	if bedtime.After(in.Now) {
		bedtime = in.Now
	}
	return &models.SleepSession{
		ID:         m.newID(),
		DeviceID:   m.deviceID,
		Bedtime:    bedtime,
		IsManual:   false,
		Confidence: in.Probability,
		CreatedAt:  in.Now,
		UpdatedAt:  in.Now,
	}
}

// Finalize 结束会话：设置起床时间、时长和质量分，返回新副本
//
// 已结束的会话原样返回副本，起床时间不会被改写。
func Finalize(session *models.SleepSession, now time.Time, activityLevel float64) *models.SleepSession {
	done := session.Clone()
	if !done.IsOpen() {
		return done
	}
	wake := now
	if wake.Before(done.Bedtime) {
		wake = done.Bedtime
	}
	duration := wake.Sub(done.Bedtime)
	done.WakeTime = &wake
	done.DurationMs = duration.Milliseconds()
	done.QualityPercent = QualityScore(duration, activityLevel)
	done.UpdatedAt = now
	return done
}
