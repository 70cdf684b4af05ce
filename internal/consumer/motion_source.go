package consumer

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"sleepwatch/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	mqttcommon "sleepwatch/common/mqtt"
)

// SampleHandler 接收已校验的运动样本
type SampleHandler func(sample models.MotionSample)

// Subscription 一次运动数据订阅
type Subscription interface {
	Unsubscribe() error
}

// MotionSource 运动数据源（带权限语义）
type MotionSource interface {
	// RequestPermission 请求传感器权限；false 表示被拒绝
	RequestPermission(ctx context.Context) (bool, error)
	// Subscribe 订阅样本，直到 Unsubscribe
	Subscribe(ctx context.Context, handler SampleHandler) (Subscription, error)
}

// MQTTClient common/mqtt.Client 中本包用到的方法
type MQTTClient interface {
	Subscribe(topic string, qos byte, handler mqttcommon.MessageHandler) error
	Unsubscribe(topics ...string) error
	Publish(topic string, qos byte, retained bool, payload []byte) error
	IsConnected() bool
}

// permissionDenied 权限键中表示拒绝的值
const permissionDenied = "denied"

// MQTTMotionSource 从 MQTT 主题读取设备运动数据
//
// 负载在这里解析和校验一次（models.ParseMotionPayload），之后只传递 MotionSample。
// 权限保存在 Redis：<permissionPrefix><deviceID>:motion = "denied" 表示拒绝，缺失视为允许。
type MQTTMotionSource struct {
	mqttClient       MQTTClient
	redisClient      *redis.Client
	deviceID         string
	topic            string
	qos              byte
	permissionPrefix string
	logger           *zap.Logger
}

// NewMQTTMotionSource 创建 MQTT 运动数据源
func NewMQTTMotionSource(
	mqttClient MQTTClient,
	redisClient *redis.Client,
	deviceID string,
	topic string,
	qos byte,
	permissionPrefix string,
	logger *zap.Logger,
) *MQTTMotionSource {
	return &MQTTMotionSource{
		mqttClient:       mqttClient,
		redisClient:      redisClient,
		deviceID:         deviceID,
		topic:            topic,
		qos:              qos,
		permissionPrefix: permissionPrefix,
		logger:           logger,
	}
}

// PermissionKey 权限键
func (m *MQTTMotionSource) PermissionKey() string {
	return m.permissionPrefix + m.deviceID + ":motion"
}

// RequestPermission 查询运动数据权限
func (m *MQTTMotionSource) RequestPermission(ctx context.Context) (bool, error) {
	if !m.mqttClient.IsConnected() {
		return false, fmt.Errorf("mqtt broker not connected")
	}

	val, err := m.redisClient.Get(ctx, m.PermissionKey()).Result()
	if err != nil {
		if err == redis.Nil {
			return true, nil
		}
		return false, fmt.Errorf("failed to read motion permission: %w", err)
	}

	if strings.EqualFold(strings.TrimSpace(val), permissionDenied) {
		m.logger.Warn("Motion permission denied",
			zap.String("device_id", m.deviceID),
			zap.String("key", m.PermissionKey()),
		)
		return false, nil
	}
	return true, nil
}

// Subscribe 订阅设备运动主题
func (m *MQTTMotionSource) Subscribe(ctx context.Context, handler SampleHandler) (Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("sample handler is required")
	}

	err := m.mqttClient.Subscribe(m.topic, m.qos, func(topic string, payload []byte) error {
		return m.handleMessage(ctx, topic, payload, handler)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to motion topic: %w", err)
	}

	m.logger.Info("Motion source subscribed",
		zap.String("device_id", m.deviceID),
		zap.String("topic", m.topic),
	)
	return &mqttSubscription{client: m.mqttClient, topic: m.topic, logger: m.logger}, nil
}

// handleMessage 解析负载并逐个投递样本；订阅结束后到达的消息直接丢弃
func (m *MQTTMotionSource) handleMessage(ctx context.Context, topic string, payload []byte, handler SampleHandler) error {
	if ctx.Err() != nil {
		return nil
	}

	samples, dropped, err := models.ParseMotionPayload(payload)
	if err != nil {
		return fmt.Errorf("failed to parse motion payload: %w", err)
	}
	if dropped > 0 {
		m.logger.Warn("Dropped invalid motion samples",
			zap.String("topic", topic),
			zap.Int("dropped", dropped),
			zap.Int("accepted", len(samples)),
		)
	}

	for _, sample := range samples {
		handler(sample)
	}
	return nil
}

type mqttSubscription struct {
	client MQTTClient
	topic  string
	logger *zap.Logger
	once   sync.Once
	err    error
}

// Unsubscribe 取消订阅，重复调用只执行一次
func (s *mqttSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.err = s.client.Unsubscribe(s.topic)
		if s.err == nil {
			s.logger.Info("Motion source unsubscribed", zap.String("topic", s.topic))
		}
	})
	return s.err
}
