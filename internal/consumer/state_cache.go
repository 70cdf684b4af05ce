package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"sleepwatch/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// ErrStateNotFound 缓存中没有状态快照（从未写入或已过期）
var ErrStateNotFound = errors.New("detection state not found")

// StateCache 检测状态快照缓存（Redis JSON，带 TTL）
//
// 每次评估后写入，展示层直接读取，不参与检测逻辑。
type StateCache struct {
	redisClient *redis.Client
	keyPrefix   string
	ttl         time.Duration
	logger      *zap.Logger
}

// NewStateCache 创建状态缓存
func NewStateCache(redisClient *redis.Client, keyPrefix string, ttl time.Duration, logger *zap.Logger) *StateCache {
	return &StateCache{
		redisClient: redisClient,
		keyPrefix:   keyPrefix,
		ttl:         ttl,
		logger:      logger,
	}
}

// Key 设备的状态键
func (c *StateCache) Key(deviceID string) string {
	return c.keyPrefix + deviceID
}

// Put 写入快照
func (c *StateCache) Put(ctx context.Context, deviceID string, state models.DetectionState) error {
	jsonData, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal detection state: %w", err)
	}

	if err := c.redisClient.Set(ctx, c.Key(deviceID), jsonData, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache detection state: %w", err)
	}

	c.logger.Debug("Cached detection state",
		zap.String("device_id", deviceID),
		zap.Bool("is_tracking", state.IsTracking),
		zap.Float64("sleep_probability", state.SleepProbability),
	)
	return nil
}

// Get 读取快照（展示层读取接口）
func (c *StateCache) Get(ctx context.Context, deviceID string) (*models.DetectionState, error) {
	val, err := c.redisClient.Get(ctx, c.Key(deviceID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("%w: %s", ErrStateNotFound, deviceID)
		}
		return nil, fmt.Errorf("failed to get detection state: %w", err)
	}

	var state models.DetectionState
	if err := json.Unmarshal([]byte(val), &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal detection state: %w", err)
	}
	return &state, nil
}

// Delete 删除快照（展示层在设备解绑时调用）
func (c *StateCache) Delete(ctx context.Context, deviceID string) error {
	if err := c.redisClient.Del(ctx, c.Key(deviceID)).Err(); err != nil {
		return fmt.Errorf("failed to delete detection state: %w", err)
	}
	return nil
}
