package mqtt

import (
	"fmt"
	"sync"
	"time"

	"sleepwatch/common/config"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// MessageHandler 消息处理函数类型
type MessageHandler func(topic string, payload []byte) error

// Client MQTT客户端封装
//
// CleanSession 下 broker 重连后会丢弃订阅，Client 记录已订阅主题并在 OnConnect 时重新订阅。
type Client struct {
	client mqtt.Client
	config *config.MQTTConfig
	logger *zap.Logger

	mu   sync.Mutex
	subs map[string]subscription
}

type subscription struct {
	qos     byte
	handler MessageHandler
}

// NewClient 创建MQTT客户端并连接 broker
func NewClient(cfg *config.MQTTConfig, logger *zap.Logger) (*Client, error) {
	c := newClient(cfg, logger)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	// 回调中会调用 Publish / Unsubscribe，不能占用路由 goroutine
	opts.SetOrderMatters(false)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.logger.Warn("MQTT connection lost", zap.String("broker", cfg.Broker), zap.Error(err))
	})
	opts.SetOnConnectHandler(c.onConnect)

	c.client = mqtt.NewClient(opts)

	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	return c, nil
}

func newClient(cfg *config.MQTTConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		config: cfg,
		logger: logger,
		subs:   make(map[string]subscription),
	}
}

// onConnect 首次连接和每次自动重连后调用（paho 在独立 goroutine 中执行）
func (c *Client) onConnect(cli mqtt.Client) {
	c.logger.Info("MQTT connected", zap.String("broker", c.config.Broker))

	c.mu.Lock()
	subs := make(map[string]subscription, len(c.subs))
	for topic, sub := range c.subs {
		subs[topic] = sub
	}
	c.mu.Unlock()

	for topic, sub := range subs {
		token := cli.Subscribe(topic, sub.qos, c.route(sub.handler))
		if token.Wait() && token.Error() != nil {
			c.logger.Error("Failed to resubscribe after reconnect",
				zap.String("topic", topic),
				zap.Error(token.Error()),
			)
			continue
		}
		c.logger.Info("Resubscribed MQTT topic", zap.String("topic", topic))
	}
}

// route 包装 handler：错误只记录，不中断订阅
func (c *Client) route(handler MessageHandler) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			c.logger.Warn("Error handling MQTT message",
				zap.String("topic", msg.Topic()),
				zap.Error(err),
			)
		}
	}
}

// Subscribe 订阅主题并记录，重连后自动恢复
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if token := c.client.Subscribe(topic, qos, c.route(handler)); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, token.Error())
	}

	c.mu.Lock()
	c.subs[topic] = subscription{qos: qos, handler: handler}
	c.mu.Unlock()
	return nil
}

// Publish 发布消息
func (c *Client) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := c.client.Publish(topic, qos, retained, payload)
	token.Wait()

	if token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, token.Error())
	}

	return nil
}

// Unsubscribe 取消订阅
func (c *Client) Unsubscribe(topics ...string) error {
	c.mu.Lock()
	for _, topic := range topics {
		delete(c.subs, topic)
	}
	c.mu.Unlock()

	token := c.client.Unsubscribe(topics...)
	token.Wait()

	if token.Error() != nil {
		return fmt.Errorf("failed to unsubscribe: %w", token.Error())
	}

	return nil
}

// Disconnect 断开连接
func (c *Client) Disconnect() {
	c.client.Disconnect(250) // 250ms等待时间
}

// IsConnected 检查连接状态
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}
