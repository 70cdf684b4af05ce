package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"sleepwatch/internal/consumer"
	"sleepwatch/internal/models"
	"sleepwatch/internal/repository"

	mqttcommon "sleepwatch/common/mqtt"
)

// manualClock 手动推进的时钟
type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func newManualClock(t time.Time) *manualClock {
	return &manualClock{t: t}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func (c *manualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

// memoryStore 内存会话存储，可注入写入失败
type memoryStore struct {
	mu       sync.Mutex
	sessions map[string]models.SleepSession
	failSave error
	saves    int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{sessions: make(map[string]models.SleepSession)}
}

func (m *memoryStore) setFailSave(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failSave = err
}

func (m *memoryStore) Save(_ context.Context, session *models.SleepSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.failSave != nil {
		return m.failSave
	}
	if existing, ok := m.sessions[session.ID]; ok && !existing.IsOpen() {
		return nil
	}
	m.sessions[session.ID] = *session.Clone()
	return nil
}

func (m *memoryStore) Get(_ context.Context, id string) (*models.SleepSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, repository.ErrSessionNotFound
	}
	return s.Clone(), nil
}

func (m *memoryStore) ListAll(ctx context.Context) ([]models.SleepSession, error) {
	return m.ListSince(ctx, time.Time{})
}

func (m *memoryStore) ListSince(_ context.Context, since time.Time) ([]models.SleepSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.SleepSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		if !s.Bedtime.Before(since) {
			out = append(out, *s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Bedtime.After(out[j].Bedtime) })
	return out, nil
}

func (m *memoryStore) FindOpen(ctx context.Context) (*models.SleepSession, error) {
	all, _ := m.ListAll(ctx)
	for i := range all {
		if all[i].IsOpen() {
			return &all[i], nil
		}
	}
	return nil, nil
}

func (m *memoryStore) ClearAll(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = make(map[string]models.SleepSession)
	return nil
}

// fakeSource 内存运动数据源
type fakeSource struct {
	mu            sync.Mutex
	granted       bool
	permErr       error
	handler       consumer.SampleHandler
	subscribes    int
	unsubscribes  int
	permissionAsk int
}

func newFakeSource() *fakeSource {
	return &fakeSource{granted: true}
}

func (f *fakeSource) RequestPermission(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.permissionAsk++
	return f.granted, f.permErr
}

func (f *fakeSource) Subscribe(_ context.Context, handler consumer.SampleHandler) (consumer.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes++
	f.handler = handler
	return fakeSubscription{source: f}, nil
}

func (f *fakeSource) emit(sample models.MotionSample) bool {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h == nil {
		return false
	}
	h(sample)
	return true
}

func (f *fakeSource) counts() (subscribes, unsubscribes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribes, f.unsubscribes
}

type fakeSubscription struct {
	source *fakeSource
}

func (s fakeSubscription) Unsubscribe() error {
	s.source.mu.Lock()
	defer s.source.mu.Unlock()
	s.source.unsubscribes++
	s.source.handler = nil
	return nil
}

// memoryTracking 内存跟踪标志
type memoryTracking struct {
	mu    sync.Mutex
	flags map[string]bool
	err   error
}

func newMemoryTracking() *memoryTracking {
	return &memoryTracking{flags: make(map[string]bool)}
}

func (m *memoryTracking) SetTracking(_ context.Context, deviceID string, tracking bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.flags[deviceID] = tracking
	return nil
}

func (m *memoryTracking) IsTracking(_ context.Context, deviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flags[deviceID]
}

var errStoreDown = errors.New("store unavailable")

// fakeMQTT 内存 MQTT 客户端
type fakeMQTT struct {
	mu        sync.Mutex
	handlers  map[string]mqttcommon.MessageHandler
	published map[string][][]byte
}

func newFakeMQTT() *fakeMQTT {
	return &fakeMQTT{
		handlers:  make(map[string]mqttcommon.MessageHandler),
		published: make(map[string][][]byte),
	}
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
	}
	return nil
}

func (f *fakeMQTT) Publish(topic string, _ byte, _ bool, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[topic] = append(f.published[topic], payload)
	return nil
}

func (f *fakeMQTT) IsConnected() bool {
	return true
}

func (f *fakeMQTT) subscribed(topic string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.handlers[topic]
	return ok
}

func (f *fakeMQTT) deliver(topic string, payload []byte) error {
	f.mu.Lock()
	h := f.handlers[topic]
	f.mu.Unlock()
	if h == nil {
		return errors.New("no subscriber for " + topic)
	}
	return h(topic, payload)
}
