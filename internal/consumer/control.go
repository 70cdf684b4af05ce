package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// 控制命令
const (
	ActionStartTracking   = "start_tracking"
	ActionStopTracking    = "stop_tracking"
	ActionLogManual       = "log_manual_session"
	ActionRefreshSettings = "refresh_settings"
)

// ErrUnknownAction 无法识别的控制命令
var ErrUnknownAction = errors.New("unknown control action")

// ControlCommand 展示层下发的控制命令（MQTT JSON）
//
// log_manual_session 需要 bedtime / wake_time（RFC3339）。
type ControlCommand struct {
	Action   string     `json:"action"`
	Bedtime  *time.Time `json:"bedtime,omitempty"`
	WakeTime *time.Time `json:"wake_time,omitempty"`
	Notes    string     `json:"notes,omitempty"`
}

// ParseControlCommand 解析并校验控制命令
func ParseControlCommand(payload []byte) (ControlCommand, error) {
	var cmd ControlCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return ControlCommand{}, fmt.Errorf("failed to unmarshal control command: %w", err)
	}

	switch cmd.Action {
	case ActionStartTracking, ActionStopTracking, ActionRefreshSettings:
	case ActionLogManual:
		if cmd.Bedtime == nil || cmd.WakeTime == nil {
			return ControlCommand{}, fmt.Errorf("%s requires bedtime and wake_time", ActionLogManual)
		}
	default:
		return ControlCommand{}, fmt.Errorf("%w: %q", ErrUnknownAction, cmd.Action)
	}
	return cmd, nil
}

// CommandHandler 执行控制命令
type CommandHandler func(ctx context.Context, cmd ControlCommand) error

// ControlConsumer 订阅设备控制主题并分发命令
type ControlConsumer struct {
	mqttClient MQTTClient
	topic      string
	qos        byte
	handler    CommandHandler
	logger     *zap.Logger
}

// NewControlConsumer 创建控制命令消费者
func NewControlConsumer(mqttClient MQTTClient, topic string, qos byte, handler CommandHandler, logger *zap.Logger) *ControlConsumer {
	return &ControlConsumer{
		mqttClient: mqttClient,
		topic:      topic,
		qos:        qos,
		handler:    handler,
		logger:     logger,
	}
}

// Start 订阅控制主题
func (c *ControlConsumer) Start(ctx context.Context) error {
	err := c.mqttClient.Subscribe(c.topic, c.qos, func(topic string, payload []byte) error {
		return c.handleMessage(ctx, topic, payload)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to control topic: %w", err)
	}

	c.logger.Info("Control consumer started", zap.String("topic", c.topic))
	return nil
}

// Stop 取消订阅
func (c *ControlConsumer) Stop() error {
	if err := c.mqttClient.Unsubscribe(c.topic); err != nil {
		return err
	}
	c.logger.Info("Control consumer stopped", zap.String("topic", c.topic))
	return nil
}

func (c *ControlConsumer) handleMessage(ctx context.Context, topic string, payload []byte) error {
	cmd, err := ParseControlCommand(payload)
	if err != nil {
		return err
	}

	c.logger.Info("Received control command",
		zap.String("topic", topic),
		zap.String("action", cmd.Action),
	)

	if err := c.handler(ctx, cmd); err != nil {
		return fmt.Errorf("control action %s failed: %w", cmd.Action, err)
	}
	return nil
}
