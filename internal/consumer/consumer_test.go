package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"sleepwatch/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	mqttcommon "sleepwatch/common/mqtt"
)

type published struct {
	topic   string
	payload []byte
}

// fakeMQTT 内存 MQTT 客户端
type fakeMQTT struct {
	mu           sync.Mutex
	connected    bool
	handlers     map[string]mqttcommon.MessageHandler
	unsubscribed []string
	published    []published
	publishErr   error
}

func newFakeMQTT() *fakeMQTT {
	return &fakeMQTT{connected: true, handlers: make(map[string]mqttcommon.MessageHandler)}
}

func (f *fakeMQTT) Subscribe(topic string, _ byte, handler mqttcommon.MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = handler
	return nil
}

func (f *fakeMQTT) Unsubscribe(topics ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range topics {
		delete(f.handlers, t)
		f.unsubscribed = append(f.unsubscribed, t)
	}
	return nil
}

func (f *fakeMQTT) Publish(topic string, _ byte, _ bool, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, published{topic: topic, payload: payload})
	return nil
}

func (f *fakeMQTT) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeMQTT) deliver(topic string, payload []byte) error {
	f.mu.Lock()
	h := f.handlers[topic]
	f.mu.Unlock()
	if h == nil {
		return nil
	}
	return h(topic, payload)
}

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

// ============================================
// MQTTMotionSource
// ============================================

func TestRequestPermission(t *testing.T) {
	mr, client := setupTestRedis(t)
	fake := newFakeMQTT()
	source := NewMQTTMotionSource(fake, client, "device-1", "sleepwatch/device-1/motion", 1, "sleepwatch:permission:", zap.NewNop())
	ctx := context.Background()

	granted, err := source.RequestPermission(ctx)
	require.NoError(t, err)
	assert.True(t, granted, "missing key means granted")

	require.NoError(t, mr.Set("sleepwatch:permission:device-1:motion", "DENIED"))
	granted, err = source.RequestPermission(ctx)
	require.NoError(t, err)
	assert.False(t, granted)

	require.NoError(t, mr.Set("sleepwatch:permission:device-1:motion", "granted"))
	granted, err = source.RequestPermission(ctx)
	require.NoError(t, err)
	assert.True(t, granted)

	fake.connected = false
	_, err = source.RequestPermission(ctx)
	assert.Error(t, err)
}

func TestSubscribe_DeliversValidSamples(t *testing.T) {
	_, client := setupTestRedis(t)
	fake := newFakeMQTT()
	topic := "sleepwatch/device-1/motion"
	source := NewMQTTMotionSource(fake, client, "device-1", topic, 1, "sleepwatch:permission:", zap.NewNop())

	var got []models.MotionSample
	sub, err := source.Subscribe(context.Background(), func(s models.MotionSample) {
		got = append(got, s)
	})
	require.NoError(t, err)

	payload := `[
		{"timestamp": 1700000000000, "acceleration": {"x": 0.1, "y": 0, "z": 0}},
		{"acceleration": {"x": 1, "y": 1, "z": 1}},
		{"timestamp": 1700000001000, "acceleration": {"x": 0, "y": 0.2, "z": 0}, "rotation": {"alpha": 1, "beta": 2, "gamma": 3}}
	]`
	require.NoError(t, fake.deliver(topic, []byte(payload)))
	require.Len(t, got, 2)
	assert.Equal(t, time.UnixMilli(1700000001000), got[1].Timestamp)
	assert.Equal(t, 3.0, got[1].Rotation.Gamma)

	assert.Error(t, fake.deliver(topic, []byte("not json")))

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())
	assert.Equal(t, []string{topic}, fake.unsubscribed)
}

func TestSubscribe_IgnoresMessagesAfterCancel(t *testing.T) {
	_, client := setupTestRedis(t)
	fake := newFakeMQTT()
	topic := "sleepwatch/device-1/motion"
	source := NewMQTTMotionSource(fake, client, "device-1", topic, 1, "sleepwatch:permission:", zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	count := 0
	_, err := source.Subscribe(ctx, func(models.MotionSample) { count++ })
	require.NoError(t, err)

	cancel()
	require.NoError(t, fake.deliver(topic, []byte(`{"timestamp": 1, "acceleration": {"x": 1, "y": 0, "z": 0}}`)))
	assert.Equal(t, 0, count)
}

// ============================================
// StateCache
// ============================================

func TestStateCache_PutGet(t *testing.T) {
	mr, client := setupTestRedis(t)
	cache := NewStateCache(client, "sleepwatch:state:", 2*time.Minute, zap.NewNop())
	ctx := context.Background()

	_, err := cache.Get(ctx, "device-1")
	assert.True(t, errors.Is(err, ErrStateNotFound))

	bed := time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)
	state := models.DetectionState{
		IsTracking:           true,
		CurrentSession:       &models.SleepSession{ID: "s-1", DeviceID: "device-1", Bedtime: bed},
		LastActivity:         bed.Add(-15 * time.Minute),
		InactivityDurationMs: 1800000,
		SleepProbability:     0.9,
		ComputedAt:           bed.Add(15 * time.Minute),
	}
	require.NoError(t, cache.Put(ctx, "device-1", state))
	assert.Equal(t, 2*time.Minute, mr.TTL("sleepwatch:state:device-1"))

	got, err := cache.Get(ctx, "device-1")
	require.NoError(t, err)
	assert.True(t, got.IsTracking)
	require.NotNil(t, got.CurrentSession)
	assert.Equal(t, "s-1", got.CurrentSession.ID)
	assert.Equal(t, 0.9, got.SleepProbability)

	mr.FastForward(3 * time.Minute)
	_, err = cache.Get(ctx, "device-1")
	assert.ErrorIs(t, err, ErrStateNotFound)
}

func TestStateCache_Delete(t *testing.T) {
	mr, client := setupTestRedis(t)
	cache := NewStateCache(client, "sleepwatch:state:", time.Minute, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, "device-1", models.DetectionState{}))
	require.NoError(t, cache.Delete(ctx, "device-1"))
	assert.False(t, mr.Exists("sleepwatch:state:device-1"))
}

// ============================================
// SessionPublisher
// ============================================

func finishedSession(d time.Duration, manual bool) models.SleepSession {
	bed := time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)
	wake := bed.Add(d)
	return models.SleepSession{
		ID:             "s-1",
		DeviceID:       "device-1",
		Bedtime:        bed,
		WakeTime:       &wake,
		DurationMs:     d.Milliseconds(),
		QualityPercent: 90,
		IsManual:       manual,
		Confidence:     0.85,
	}
}

func readStream(t *testing.T, client *redis.Client, stream string) []SessionEvent {
	t.Helper()
	msgs, err := client.XRange(context.Background(), stream, "-", "+").Result()
	require.NoError(t, err)

	events := make([]SessionEvent, 0, len(msgs))
	for _, msg := range msgs {
		var ev SessionEvent
		require.NoError(t, json.Unmarshal([]byte(msg.Values["data"].(string)), &ev))
		events = append(events, ev)
	}
	return events
}

func TestSessionPublisher_StreamAndNotify(t *testing.T) {
	_, client := setupTestRedis(t)
	fake := newFakeMQTT()
	publisher := NewSessionPublisher(client, fake, "sleepwatch:session:stream", "sleepwatch/device-1/notify", 1, zap.NewNop())

	settings := models.DefaultSettings()
	require.NoError(t, publisher.Publish(context.Background(), finishedSession(8*time.Hour, false), settings))

	events := readStream(t, client, "sleepwatch:session:stream")
	require.Len(t, events, 1)
	assert.Equal(t, EventSessionFinalized, events[0].Event)
	assert.Equal(t, "s-1", events[0].Session.ID)
	assert.True(t, events[0].GoalMet)

	require.Len(t, fake.published, 1)
	assert.Equal(t, "sleepwatch/device-1/notify", fake.published[0].topic)
	var n Notification
	require.NoError(t, json.Unmarshal(fake.published[0].payload, &n))
	assert.Equal(t, 90, n.QualityPercent)
	assert.True(t, n.GoalMet)
	assert.Equal(t, 8.0, n.SleepGoalHours)
}

func TestSessionPublisher_NotificationsDisabled(t *testing.T) {
	_, client := setupTestRedis(t)
	fake := newFakeMQTT()
	publisher := NewSessionPublisher(client, fake, "sleepwatch:session:stream", "sleepwatch/device-1/notify", 1, zap.NewNop())

	settings := models.DefaultSettings()
	settings.NotificationsEnabled = false
	require.NoError(t, publisher.Publish(context.Background(), finishedSession(5*time.Hour, false), settings))

	events := readStream(t, client, "sleepwatch:session:stream")
	require.Len(t, events, 1)
	assert.False(t, events[0].GoalMet)
	assert.Empty(t, fake.published)
}

func TestSessionPublisher_ManualSessionNotNotified(t *testing.T) {
	_, client := setupTestRedis(t)
	fake := newFakeMQTT()
	publisher := NewSessionPublisher(client, fake, "sleepwatch:session:stream", "sleepwatch/device-1/notify", 1, zap.NewNop())

	require.NoError(t, publisher.Publish(context.Background(), finishedSession(8*time.Hour, true), models.DefaultSettings()))

	events := readStream(t, client, "sleepwatch:session:stream")
	require.Len(t, events, 1)
	assert.Equal(t, "manual_session", events[0].Event)
	assert.Empty(t, fake.published)
}

func TestSessionPublisher_RejectsOpenSession(t *testing.T) {
	_, client := setupTestRedis(t)
	publisher := NewSessionPublisher(client, nil, "sleepwatch:session:stream", "", 1, zap.NewNop())

	err := publisher.Publish(context.Background(), models.SleepSession{ID: "open"}, models.DefaultSettings())
	assert.Error(t, err)
}

func TestSessionPublisher_NotifyError(t *testing.T) {
	_, client := setupTestRedis(t)
	fake := newFakeMQTT()
	fake.publishErr = errors.New("broker gone")
	publisher := NewSessionPublisher(client, fake, "sleepwatch:session:stream", "sleepwatch/device-1/notify", 1, zap.NewNop())

	err := publisher.Publish(context.Background(), finishedSession(8*time.Hour, false), models.DefaultSettings())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to publish notification")
}

func TestGoalMet(t *testing.T) {
	assert.True(t, GoalMet(finishedSession(8*time.Hour, false), 8))
	assert.False(t, GoalMet(finishedSession(7*time.Hour+59*time.Minute, false), 8))
	assert.False(t, GoalMet(finishedSession(8*time.Hour, false), 0))
}
