package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"sleepwatch/internal/consumer"
	"sleepwatch/internal/detector"
	"sleepwatch/internal/models"
	"sleepwatch/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrPermissionDenied 运动传感器权限被拒绝，跟踪保持关闭，调用方可稍后重试
	ErrPermissionDenied = errors.New("motion permission denied")
	// ErrInvalidManualSession 手动会话时间无效
	ErrInvalidManualSession = errors.New("invalid manual session")
)

// TrackingStore 跟踪标志持久化（repository.SettingsRepository 实现）
type TrackingStore interface {
	SetTracking(ctx context.Context, deviceID string, tracking bool) error
	IsTracking(ctx context.Context, deviceID string) bool
}

// FinalizeOutcome 一次会话结束写库的结果
type FinalizeOutcome struct {
	Session models.SleepSession
	Err     error
}

// FinalizeHook 观察每次会话写库结果（成功或失败）
type FinalizeHook func(ctx context.Context, outcome FinalizeOutcome)

// EvaluateHook 每次评估结束后调用
type EvaluateHook func(ctx context.Context, result EvaluationResult)

// DetectionConfig 检测调度参数
type DetectionConfig struct {
	DeviceID              string
	BufferCapacity        int
	ActivityWindow        int
	EvalInterval          time.Duration
	BatteryEvalMultiplier int
	IngestQueueSize       int
	Location              *time.Location
	PersistRetries        int
	PersistBackoff        time.Duration
}

// EvaluationResult 单次评估结果
type EvaluationResult struct {
	Transition    detector.Transition
	Session       *models.SleepSession // 新开始或刚结束的会话
	Probability   float64
	ActivityLevel float64
	Inactivity    time.Duration
	EvaluatedAt   time.Time
	PersistErr    error // 待写库会话本次仍未写入
	State         models.DetectionState
}

// DetectionService 单设备睡眠检测调度器
//
// 并发模型：
//   - mu 保护运动缓冲、最后活动时间、当前会话和待写库队列
//   - tickMu 保证评估不重叠
//   - 写库在 mu 之外进行，不阻塞样本接收
//   - lifeMu 串行化 StartTracking / StopTracking
type DetectionService struct {
	cfg      DetectionConfig
	store    repository.SessionStore
	source   consumer.MotionSource
	tracking TrackingStore
	logger   *zap.Logger
	now      func() time.Time
	newID    func() string

	onFinalize FinalizeHook
	onEvaluate EvaluateHook

	tickMu sync.Mutex

	mu           sync.Mutex
	buffer       *detector.MotionBuffer
	model        *detector.Model
	machine      *detector.StateMachine
	settings     models.Settings
	lastActivity time.Time
	current      *models.SleepSession
	unsaved      []*models.SleepSession
	isTracking   bool

	lifeMu   sync.Mutex
	cancel   context.CancelFunc
	sub      consumer.Subscription
	wg       sync.WaitGroup
	resetCh  chan struct{}
	dropped  atomic.Int64
	received atomic.Int64
}

// NewDetectionService 创建检测调度器
func NewDetectionService(
	cfg DetectionConfig,
	store repository.SessionStore,
	source consumer.MotionSource,
	tracking TrackingStore,
	logger *zap.Logger,
) *DetectionService {
	if cfg.EvalInterval <= 0 {
		cfg.EvalInterval = 30 * time.Second
	}
	if cfg.IngestQueueSize <= 0 {
		cfg.IngestQueueSize = 64
	}
	if cfg.PersistRetries < 0 {
		cfg.PersistRetries = 0
	}
	if cfg.PersistBackoff <= 0 {
		cfg.PersistBackoff = 200 * time.Millisecond
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}

	settings := models.DefaultSettings()
	params := detector.ParamsForSensitivity(settings.DetectionSensitivity, cfg.Location)

	s := &DetectionService{
		cfg:      cfg,
		store:    store,
		source:   source,
		tracking: tracking,
		logger:   logger.With(zap.String("device_id", cfg.DeviceID)),
		now:      time.Now,
		newID:    uuid.NewString,
		buffer:   detector.NewMotionBuffer(cfg.BufferCapacity, cfg.ActivityWindow),
		model:    detector.NewModel(params),
		machine:  detector.NewStateMachine(params, cfg.DeviceID),
		settings: settings,
		resetCh:  make(chan struct{}, 1),
	}
	s.lastActivity = s.now()
	return s
}

// SetHooks 设置观察回调（在 StartTracking 之前调用）
func (s *DetectionService) SetHooks(onFinalize FinalizeHook, onEvaluate EvaluateHook) {
	s.onFinalize = onFinalize
	s.onEvaluate = onEvaluate
}

// ============================================
// 设置
// ============================================

// ApplySettings 应用用户设置：灵敏度调整阈值，省电模式放大评估间隔
func (s *DetectionService) ApplySettings(settings models.Settings) {
	settings.DetectionSensitivity = models.ParseSensitivity(string(settings.DetectionSensitivity))
	params := detector.ParamsForSensitivity(settings.DetectionSensitivity, s.cfg.Location)

	s.mu.Lock()
	prev := s.settings
	s.settings = settings
	s.model = detector.NewModel(params)
	s.machine.SetParams(params)
	s.mu.Unlock()

	if prev != settings {
		s.logger.Info("Applied detection settings",
			zap.String("sensitivity", string(settings.DetectionSensitivity)),
			zap.Bool("battery_optimized", settings.BatteryOptimized),
			zap.Float64("start_threshold", params.StartThreshold),
			zap.Float64("end_threshold", params.EndThreshold),
			zap.Duration("inactivity_threshold", params.InactivityThreshold),
		)
	}
	if prev.BatteryOptimized != settings.BatteryOptimized {
		select {
		case s.resetCh <- struct{}{}:
		default:
		}
	}
}

// Settings 当前设置
func (s *DetectionService) Settings() models.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// EvalInterval 当前评估间隔
func (s *DetectionService) EvalInterval() time.Duration {
	s.mu.Lock()
	battery := s.settings.BatteryOptimized
	s.mu.Unlock()

	interval := s.cfg.EvalInterval
	if battery && s.cfg.BatteryEvalMultiplier > 1 {
		interval *= time.Duration(s.cfg.BatteryEvalMultiplier)
	}
	return interval
}

// ============================================
// 生命周期
// ============================================

// StartTracking 开始跟踪；已在跟踪时直接返回
//
// 权限被拒绝时返回 ErrPermissionDenied，跟踪保持关闭。
func (s *DetectionService) StartTracking(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if s.cancel != nil {
		return nil
	}

	granted, err := s.source.RequestPermission(ctx)
	if err != nil {
		return fmt.Errorf("failed to request motion permission: %w", err)
	}
	if !granted {
		s.logger.Warn("Motion permission denied, tracking stays off")
		return ErrPermissionDenied
	}

	// 跟踪的生命周期不跟随调用方 ctx，只由 StopTracking / Shutdown 结束
	runCtx, cancel := context.WithCancel(context.Background())
	samples := make(chan models.MotionSample, s.cfg.IngestQueueSize)

	sub, err := s.source.Subscribe(runCtx, func(sample models.MotionSample) {
		s.received.Add(1)
		select {
		case samples <- sample:
		case <-runCtx.Done():
		default:
			s.dropped.Add(1)
		}
	})
	if err != nil {
		cancel()
		return fmt.Errorf("failed to subscribe to motion source: %w", err)
	}

	// 未跟踪的时段不计入无活动时长；进行中的会话保留原计时
	s.mu.Lock()
	if s.current == nil {
		s.buffer.Reset()
		s.lastActivity = s.now()
	}
	s.mu.Unlock()

	s.cancel = cancel
	s.sub = sub
	s.wg.Add(2)
	go s.ingestLoop(runCtx, samples)
	go s.evalLoop(runCtx)

	s.mu.Lock()
	s.isTracking = true
	s.mu.Unlock()

	if err := s.tracking.SetTracking(ctx, s.cfg.DeviceID, true); err != nil {
		s.logger.Warn("Failed to persist tracking flag", zap.Error(err))
	}

	s.logger.Info("Sleep tracking started", zap.Duration("eval_interval", s.EvalInterval()))
	return nil
}

// StopTracking 停止跟踪并持久化“未跟踪”标志
//
// 返回后不会再有评估发生。进行中的会话保持打开，下次开始跟踪时继续计时。
func (s *DetectionService) StopTracking(ctx context.Context) error {
	if err := s.halt(); err != nil {
		s.logger.Warn("Error while stopping tracking", zap.Error(err))
	}

	if err := s.tracking.SetTracking(ctx, s.cfg.DeviceID, false); err != nil {
		return fmt.Errorf("failed to persist tracking flag: %w", err)
	}
	return nil
}

// Shutdown 进程退出：停止跟踪但保留持久化的跟踪标志，并尝试写入待写库会话
func (s *DetectionService) Shutdown(ctx context.Context) error {
	if err := s.halt(); err != nil {
		s.logger.Warn("Error while halting tracking", zap.Error(err))
	}

	// 与 Evaluate 互斥，避免同一会话重复写库和重复回调
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	s.mu.Lock()
	pending := cloneSessions(s.unsaved)
	s.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	if err := s.flushUnsaved(ctx, pending); err != nil {
		return fmt.Errorf("unsaved sleep sessions remain at shutdown: %w", err)
	}
	return nil
}

// halt 取消两个循环并等待退出
func (s *DetectionService) halt() error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	err := s.sub.Unsubscribe()
	s.wg.Wait()
	s.cancel = nil
	s.sub = nil

	s.mu.Lock()
	s.isTracking = false
	s.mu.Unlock()

	s.logger.Info("Sleep tracking stopped",
		zap.Int64("samples_received", s.received.Load()),
		zap.Int64("samples_dropped", s.dropped.Load()),
	)
	return err
}

// IsTracking 是否正在跟踪
func (s *DetectionService) IsTracking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isTracking
}

// Restore 进程启动时恢复：接管存储中最近的进行中会话，并按持久化标志恢复跟踪
func (s *DetectionService) Restore(ctx context.Context) error {
	open, err := s.store.FindOpen(ctx)
	if err != nil {
		s.logger.Warn("Failed to look up open sleep session", zap.Error(err))
	}
	if open != nil {
		s.mu.Lock()
		if s.current == nil {
			s.current = open
			s.logger.Info("Resumed open sleep session",
				zap.String("session_id", open.ID),
				zap.Time("bedtime", open.Bedtime),
			)
		}
		s.mu.Unlock()
	}

	if !s.tracking.IsTracking(ctx, s.cfg.DeviceID) {
		return nil
	}
	return s.StartTracking(ctx)
}

func (s *DetectionService) ingestLoop(ctx context.Context, samples <-chan models.MotionSample) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case sample := <-samples:
			if err := s.Ingest(sample); err != nil {
				s.logger.Debug("Rejected motion sample", zap.Error(err))
			}
		}
	}
}

func (s *DetectionService) evalLoop(ctx context.Context) {
	defer s.wg.Done()

	interval := s.EvalInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.resetCh:
			if next := s.EvalInterval(); next != interval {
				interval = next
				ticker.Reset(interval)
				s.logger.Info("Evaluation interval changed", zap.Duration("eval_interval", interval))
			}
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			if _, err := s.Evaluate(ctx); err != nil {
				s.logger.Error("Evaluation persisted with errors", zap.Error(err))
			}
		}
	}
}

// ============================================
// 接收与评估
// ============================================

// Ingest 记录一个样本；显著运动推进最后活动时间
func (s *DetectionService) Ingest(sample models.MotionSample) error {
	if err := sample.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.buffer.Record(sample)
	if detector.HasSignificantMotion(sample) {
		// 设备时钟可能超前，不晚于当前时间
		at := sample.Timestamp
		if now := s.now(); at.After(now) {
			at = now
		}
		if at.After(s.lastActivity) {
			s.lastActivity = at
		}
	}
	return nil
}

// Evaluate 执行一次评估
//
// 读取和决策在 mu 内完成；会话写库在 mu 之外。结束的会话先进入待写库队列，
// 写入成功后才移除；失败时本次返回错误，后续每次评估继续重试。
func (s *DetectionService) Evaluate(ctx context.Context) (EvaluationResult, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	s.mu.Lock()
	now := s.now()
	level := s.buffer.RecentActivityLevel()
	inactivity := nonNegative(now.Sub(s.lastActivity))
	probability := s.model.SleepProbability(inactivity, now, level)

	decision := s.machine.Evaluate(detector.Input{
		Open:          s.current,
		Probability:   probability,
		LastActivity:  s.lastActivity,
		Now:           now,
		ActivityLevel: level,
	})

	var started *models.SleepSession
	switch decision.Transition {
	case detector.TransitionSleepStarted:
		s.current = decision.Session
		started = decision.Session.Clone()
	case detector.TransitionSleepEnded:
		s.current = nil
		s.unsaved = append(s.unsaved, decision.Session)
	}
	pending := cloneSessions(s.unsaved)
	s.mu.Unlock()

	result := EvaluationResult{
		Transition:    decision.Transition,
		Session:       decision.Session.Clone(),
		Probability:   probability,
		ActivityLevel: level,
		Inactivity:    inactivity,
		EvaluatedAt:   now,
	}

	switch decision.Transition {
	case detector.TransitionSleepStarted:
		s.logger.Info("Sleep session started",
			zap.String("session_id", started.ID),
			zap.Time("bedtime", started.Bedtime),
			zap.Float64("confidence", started.Confidence),
		)
		// 进行中会话尽力写入，便于重启后恢复
		if err := s.store.Save(ctx, started); err != nil {
			s.logger.Warn("Failed to save ongoing sleep session", zap.String("session_id", started.ID), zap.Error(err))
		}
	case detector.TransitionSleepEnded:
		s.logger.Info("Sleep session ended",
			zap.String("session_id", decision.Session.ID),
			zap.Int64("duration_ms", decision.Session.DurationMs),
			zap.Int("quality_percent", decision.Session.QualityPercent),
		)
	}

	if len(pending) > 0 {
		result.PersistErr = s.flushUnsaved(ctx, pending)
	}
	result.State = s.CurrentState()

	if s.onEvaluate != nil {
		s.onEvaluate(ctx, result)
	}
	return result, result.PersistErr
}

// flushUnsaved 依次写入待写库会话，成功的从队列移除
func (s *DetectionService) flushUnsaved(ctx context.Context, pending []*models.SleepSession) error {
	var errs []error
	for _, session := range pending {
		err := s.saveWithRetry(ctx, session)
		if err == nil {
			s.markSaved(session.ID)
		} else {
			s.logger.Error("Failed to persist finished sleep session, will retry",
				zap.String("session_id", session.ID),
				zap.Error(err),
			)
			errs = append(errs, err)
		}
		if s.onFinalize != nil {
			s.onFinalize(ctx, FinalizeOutcome{Session: *session, Err: err})
		}
	}
	return errors.Join(errs...)
}

func (s *DetectionService) markSaved(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, session := range s.unsaved {
		if session.ID == id {
			s.unsaved = append(s.unsaved[:i], s.unsaved[i+1:]...)
			return
		}
	}
}

// saveWithRetry 指数退避重试写库，ctx 取消时立即返回
func (s *DetectionService) saveWithRetry(ctx context.Context, session *models.SleepSession) error {
	delay := s.cfg.PersistBackoff
	var err error
	for attempt := 0; attempt <= s.cfg.PersistRetries; attempt++ {
		if err = s.store.Save(ctx, session); err == nil {
			return nil
		}
		if attempt == s.cfg.PersistRetries {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

// ============================================
// 快照
// ============================================

// CurrentState 当前检测状态（无副作用，概率即时计算）
func (s *DetectionService) CurrentState() models.DetectionState {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	level := s.buffer.RecentActivityLevel()
	inactivity := nonNegative(now.Sub(s.lastActivity))

	return models.DetectionState{
		IsTracking:           s.isTracking,
		CurrentSession:       s.current.Clone(),
		LastActivity:         s.lastActivity,
		InactivityDurationMs: inactivity.Milliseconds(),
		SleepProbability:     s.model.SleepProbability(inactivity, now, level),
		RecentActivityLevel:  level,
		UnsavedSessions:      len(s.unsaved),
		ComputedAt:           now,
	}
}

// ============================================
// 手动会话
// ============================================

// LogManualSession 记录一次手动会话（isManual=true，confidence=1.0）
func (s *DetectionService) LogManualSession(ctx context.Context, bedtime, wakeTime time.Time, notes string) (models.SleepSession, error) {
	now := s.now()
	if !wakeTime.After(bedtime) {
		return models.SleepSession{}, fmt.Errorf("%w: wake time must be after bedtime", ErrInvalidManualSession)
	}
	if wakeTime.After(now) {
		return models.SleepSession{}, fmt.Errorf("%w: wake time is in the future", ErrInvalidManualSession)
	}

	s.mu.Lock()
	level := s.buffer.RecentActivityLevel()
	s.mu.Unlock()

	duration := wakeTime.Sub(bedtime)
	wake := wakeTime
	session := &models.SleepSession{
		ID:             s.newID(),
		DeviceID:       s.cfg.DeviceID,
		Bedtime:        bedtime,
		WakeTime:       &wake,
		DurationMs:     duration.Milliseconds(),
		QualityPercent: detector.QualityScore(duration, level),
		IsManual:       true,
		Confidence:     1.0,
		Notes:          notes,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err := s.saveWithRetry(ctx, session)
	if s.onFinalize != nil {
		s.onFinalize(ctx, FinalizeOutcome{Session: *session, Err: err})
	}
	if err != nil {
		return models.SleepSession{}, fmt.Errorf("failed to save manual session: %w", err)
	}

	s.logger.Info("Manual sleep session logged",
		zap.String("session_id", session.ID),
		zap.Int64("duration_ms", session.DurationMs),
	)
	return *session, nil
}

func cloneSessions(sessions []*models.SleepSession) []*models.SleepSession {
	out := make([]*models.SleepSession, 0, len(sessions))
	for _, session := range sessions {
		out = append(out, session.Clone())
	}
	return out
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
