package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultStreamMaxLen 会话流默认保留的最大条数（近似裁剪）
const DefaultStreamMaxLen int64 = 10000

// PublishToStream 发布消息到 Redis Streams
//
// 所有值都被转换为字符串；非基础类型使用 JSON 序列化。
func PublishToStream(ctx context.Context, client *redis.Client, stream string, maxLen int64, values map[string]interface{}) (string, error) {
	streamValues := make(map[string]interface{}, len(values))
	for k, v := range values {
		strValue, err := streamValue(v)
		if err != nil {
			return "", fmt.Errorf("failed to encode stream field %s: %w", k, err)
		}
		streamValues[k] = strValue
	}

	args := &redis.XAddArgs{
		Stream: stream,
		Values: streamValues,
	}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}

	return client.XAdd(ctx, args).Result()
}

// PublishJSONToStream 发布 JSON 消息到 Redis Streams（data + timestamp 两个字段）
func PublishJSONToStream(ctx context.Context, client *redis.Client, stream string, data interface{}) (string, error) {
	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return "", err
	}

	return PublishToStream(ctx, client, stream, DefaultStreamMaxLen, map[string]interface{}{
		"data":      string(jsonBytes),
		"timestamp": time.Now().Unix(),
	})
}

func streamValue(v interface{}) (string, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case []byte:
		return string(val), nil
	case int:
		return strconv.Itoa(val), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(val), nil
	default:
		jsonBytes, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(jsonBytes), nil
	}
}
