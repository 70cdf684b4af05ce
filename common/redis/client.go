package redis

import (
	"context"
	"fmt"
	"time"

	"sleepwatch/common/config"

	"github.com/go-redis/redis/v8"
)

// 设备端网络可能不稳定，超时比 go-redis 默认值更紧
const (
	dialTimeout  = 3 * time.Second
	readTimeout  = 2 * time.Second
	writeTimeout = 2 * time.Second
	pingTimeout  = 3 * time.Second
)

// NewRedisClient 创建Redis客户端（不立即连接）
func NewRedisClient(cfg *config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})
}

// Ping 探活，超时由 pingTimeout 限制
func Ping(ctx context.Context, client *redis.Client) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping %s: %w", client.Options().Addr, err)
	}
	return nil
}

// Close 关闭Redis连接（nil 安全）
func Close(client *redis.Client) error {
	if client == nil {
		return nil
	}
	return client.Close()
}
