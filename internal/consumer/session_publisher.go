package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"sleepwatch/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	rediscommon "sleepwatch/common/redis"
)

// 会话事件类型
const (
	EventSessionFinalized = "session_finalized"
	EventManualSession    = "manual_session"
)

// SessionEvent 会话流消息
type SessionEvent struct {
	Event    string              `json:"event"`
	DeviceID string              `json:"device_id"`
	Session  models.SleepSession `json:"session"`
	GoalMet  bool                `json:"goal_met"`
}

// Notification 睡眠结束通知（MQTT）
type Notification struct {
	DeviceID       string    `json:"device_id"`
	SessionID      string    `json:"session_id"`
	Bedtime        time.Time `json:"bedtime"`
	WakeTime       time.Time `json:"wake_time"`
	DurationMs     int64     `json:"duration_ms"`
	QualityPercent int       `json:"quality_percent"`
	SleepGoalHours float64   `json:"sleep_goal_hours"`
	GoalMet        bool      `json:"goal_met"`
}

// SessionPublisher 会话结束后发布到 Redis Streams，并按设置发送 MQTT 通知
type SessionPublisher struct {
	redisClient *redis.Client
	mqttClient  MQTTClient // 可为 nil，此时不发送通知
	stream      string
	notifyTopic string
	qos         byte
	logger      *zap.Logger
}

// NewSessionPublisher 创建会话发布器
func NewSessionPublisher(
	redisClient *redis.Client,
	mqttClient MQTTClient,
	stream string,
	notifyTopic string,
	qos byte,
	logger *zap.Logger,
) *SessionPublisher {
	return &SessionPublisher{
		redisClient: redisClient,
		mqttClient:  mqttClient,
		stream:      stream,
		notifyTopic: notifyTopic,
		qos:         qos,
		logger:      logger,
	}
}

// GoalMet 时长是否达到睡眠目标
func GoalMet(session models.SleepSession, goalHours float64) bool {
	if goalHours <= 0 {
		return false
	}
	return session.Duration().Hours() >= goalHours
}

// Publish 发布已结束的会话
//
// 手动记录的会话只进入流，不发送通知。
func (p *SessionPublisher) Publish(ctx context.Context, session models.SleepSession, settings models.Settings) error {
	if session.IsOpen() {
		return fmt.Errorf("session %s is still open", session.ID)
	}

	event := EventSessionFinalized
	if session.IsManual {
		event = EventManualSession
	}
	goalMet := GoalMet(session, settings.SleepGoalHours)

	streamID, err := rediscommon.PublishJSONToStream(ctx, p.redisClient, p.stream, SessionEvent{
		Event:    event,
		DeviceID: session.DeviceID,
		Session:  session,
		GoalMet:  goalMet,
	})
	if err != nil {
		return fmt.Errorf("failed to publish session to stream: %w", err)
	}

	p.logger.Info("Published sleep session to Redis Streams",
		zap.String("device_id", session.DeviceID),
		zap.String("session_id", session.ID),
		zap.String("stream", p.stream),
		zap.String("stream_id", streamID),
	)

	if session.IsManual || !settings.NotificationsEnabled || p.mqttClient == nil {
		return nil
	}
	return p.notify(session, settings.SleepGoalHours, goalMet)
}

func (p *SessionPublisher) notify(session models.SleepSession, goalHours float64, goalMet bool) error {
	payload, err := json.Marshal(Notification{
		DeviceID:       session.DeviceID,
		SessionID:      session.ID,
		Bedtime:        session.Bedtime,
		WakeTime:       *session.WakeTime,
		DurationMs:     session.DurationMs,
		QualityPercent: session.QualityPercent,
		SleepGoalHours: goalHours,
		GoalMet:        goalMet,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	if err := p.mqttClient.Publish(p.notifyTopic, p.qos, false, payload); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}

	p.logger.Debug("Sent sleep notification",
		zap.String("topic", p.notifyTopic),
		zap.String("session_id", session.ID),
		zap.Bool("goal_met", goalMet),
	)
	return nil
}
