package redis

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishToStream_EncodesValues(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	id, err := PublishToStream(ctx, client, "s", 100, map[string]interface{}{
		"name":  "night",
		"count": 3,
		"ratio": 0.5,
		"ok":    true,
		"tags":  []string{"a", "b"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs, err := client.XRange(ctx, "s", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	v := msgs[0].Values
	assert.Equal(t, "night", v["name"])
	assert.Equal(t, "3", v["count"])
	assert.Equal(t, "0.5", v["ratio"])
	assert.Equal(t, "true", v["ok"])
	assert.Equal(t, `["a","b"]`, v["tags"])
}

func TestPublishJSONToStream(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	_, err := PublishJSONToStream(ctx, client, "s", map[string]int{"quality": 95})
	require.NoError(t, err)

	msgs, err := client.XRange(ctx, "s", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	var data map[string]int
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Values["data"].(string)), &data))
	assert.Equal(t, 95, data["quality"])
	assert.NotEmpty(t, msgs[0].Values["timestamp"])
}

func TestPingAndClose(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	require.NoError(t, Ping(context.Background(), client))
	require.NoError(t, Close(client))
	assert.NoError(t, Close(nil))
}
