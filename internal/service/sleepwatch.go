package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"sleepwatch/common/database"
	mqttcommon "sleepwatch/common/mqtt"
	rediscommon "sleepwatch/common/redis"
	"sleepwatch/internal/config"
	"sleepwatch/internal/consumer"
	"sleepwatch/internal/detector"
	"sleepwatch/internal/repository"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// SleepwatchService 进程级服务：组装存储、Redis、MQTT 和检测调度器
type SleepwatchService struct {
	config       *config.Config
	logger       *zap.Logger
	db           *sql.DB
	redis        *redis.Client
	mqttClient   *mqttcommon.Client
	settingsRepo *repository.SettingsRepository
	stateCache   *consumer.StateCache
	publisher    *consumer.SessionPublisher
	control      *consumer.ControlConsumer
	detection    *DetectionService
}

// NewSleepwatchService 创建服务
func NewSleepwatchService(cfg *config.Config, logger *zap.Logger) (*SleepwatchService, error) {
	// 初始化会话存储
	db, store, err := openSessionStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	// 初始化Redis
	redisClient := rediscommon.NewRedisClient(&cfg.Redis)
	if err := rediscommon.Ping(context.Background(), redisClient); err != nil {
		database.Close(db)
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	// 初始化MQTT
	mqttClient, err := mqttcommon.NewClient(&cfg.MQTT, logger)
	if err != nil {
		rediscommon.Close(redisClient)
		database.Close(db)
		return nil, fmt.Errorf("failed to connect to MQTT: %w", err)
	}

	s, err := assemble(cfg, logger, store, redisClient, mqttClient)
	if err != nil {
		mqttClient.Disconnect()
		rediscommon.Close(redisClient)
		database.Close(db)
		return nil, err
	}
	s.db = db
	s.mqttClient = mqttClient
	return s, nil
}

// openSessionStore 按 STORE_DRIVER 打开会话存储
func openSessionStore(cfg *config.Config, logger *zap.Logger) (*sql.DB, repository.SessionStore, error) {
	deviceID := cfg.Detection.DeviceID

	switch cfg.Store.Driver {
	case config.StoreDriverPostgres:
		db, err := database.NewPostgresDB(&cfg.Database)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		repo := repository.NewPostgresSessionRepository(db, deviceID, logger)
		if err := repo.Migrate(context.Background()); err != nil {
			database.Close(db)
			return nil, nil, err
		}
		return db, repo, nil
	default:
		db, err := database.NewSQLiteDB(&cfg.SQLite)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		repo, err := repository.NewSQLiteSessionRepository(db, deviceID, logger)
		if err != nil {
			database.Close(db)
			return nil, nil, err
		}
		return db, repo, nil
	}
}

// assemble 用已建立的连接组装各组件
func assemble(
	cfg *config.Config,
	logger *zap.Logger,
	store repository.SessionStore,
	redisClient *redis.Client,
	mqttClient consumer.MQTTClient,
) (*SleepwatchService, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	deviceID := cfg.Detection.DeviceID
	qos := cfg.MQTT.QoS

	settingsRepo := repository.NewSettingsRepository(redisClient,
		cfg.Output.SettingsKeyPrefix, cfg.Output.TrackingKeyPrefix, logger)
	source := consumer.NewMQTTMotionSource(mqttClient, redisClient, deviceID,
		cfg.MotionTopicFor(deviceID), qos, cfg.Output.PermissionKeyPrefix, logger)
	stateCache := consumer.NewStateCache(redisClient, cfg.Output.StateKeyPrefix,
		time.Duration(cfg.Output.StateCacheTTL)*time.Second, logger)
	publisher := consumer.NewSessionPublisher(redisClient, mqttClient,
		cfg.Output.SessionStream, cfg.NotifyTopicFor(deviceID), qos, logger)

	detection := NewDetectionService(DetectionConfig{
		DeviceID:              deviceID,
		BufferCapacity:        detector.CapacityFor(cfg.Detection.RetentionSeconds, cfg.Detection.SampleIntervalMs),
		ActivityWindow:        cfg.Detection.ActivityWindow,
		EvalInterval:          cfg.EvalInterval(false),
		BatteryEvalMultiplier: cfg.Detection.BatteryEvalMultiplier,
		IngestQueueSize:       cfg.Detection.IngestQueueSize,
		Location:              loc,
		PersistRetries:        cfg.Detection.PersistRetries,
	}, store, source, settingsRepo, logger)

	s := &SleepwatchService{
		config:       cfg,
		logger:       logger,
		redis:        redisClient,
		settingsRepo: settingsRepo,
		stateCache:   stateCache,
		publisher:    publisher,
		detection:    detection,
	}
	detection.SetHooks(s.handleFinalized, s.handleEvaluated)
	s.control = consumer.NewControlConsumer(mqttClient, cfg.ControlTopicFor(deviceID), qos, s.handleCommand, logger)
	return s, nil
}

// Detection 检测调度器（展示层接口）
func (s *SleepwatchService) Detection() *DetectionService {
	return s.detection
}

// Start 启动服务，阻塞直到 ctx 取消
func (s *SleepwatchService) Start(ctx context.Context) error {
	s.logger.Info("Starting sleepwatch service components")
	deviceID := s.config.Detection.DeviceID

	settings := s.settingsRepo.GetSettings(ctx, deviceID)
	s.detection.ApplySettings(settings)

	// 恢复进行中的会话和跟踪状态
	if err := s.detection.Restore(ctx); err != nil {
		s.logger.Warn("Failed to resume tracking", zap.Error(err))
	}
	if !s.detection.IsTracking() && settings.AutoDetectionEnabled {
		if err := s.detection.StartTracking(ctx); err != nil {
			s.logger.Warn("Automatic detection not started", zap.Error(err))
		}
	}

	// 先写入状态缓存，再开放控制命令
	s.cacheState(ctx)
	if err := s.control.Start(ctx); err != nil {
		return fmt.Errorf("failed to start control consumer: %w", err)
	}

	s.logger.Info("Sleepwatch service started successfully",
		zap.String("device_id", deviceID),
		zap.Bool("tracking", s.detection.IsTracking()),
	)

	s.refreshSettingsLoop(ctx)
	return nil
}

// refreshSettingsLoop 定期重新读取设置
func (s *SleepwatchService) refreshSettingsLoop(ctx context.Context) {
	interval := time.Duration(s.config.Detection.SettingsRefresh) * time.Second
	if interval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refreshSettings(ctx)
		}
	}
}

func (s *SleepwatchService) refreshSettings(ctx context.Context) {
	s.detection.ApplySettings(s.settingsRepo.GetSettings(ctx, s.config.Detection.DeviceID))
}

// Stop 停止服务
func (s *SleepwatchService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping sleepwatch service")

	if s.control != nil {
		if err := s.control.Stop(); err != nil {
			s.logger.Error("Error stopping control consumer", zap.Error(err))
		}
	}

	if s.detection != nil {
		if err := s.detection.Shutdown(ctx); err != nil {
			s.logger.Error("Error stopping detection", zap.Error(err))
		}
	}

	// 断开MQTT
	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}

	// 关闭Redis
	if s.redis != nil {
		rediscommon.Close(s.redis)
	}

	// 关闭数据库
	if s.db != nil {
		database.Close(s.db)
	}

	s.logger.Info("Sleepwatch service stopped")
	return nil
}

// handleCommand 执行展示层下发的控制命令，之后刷新状态缓存
func (s *SleepwatchService) handleCommand(ctx context.Context, cmd consumer.ControlCommand) error {
	var err error
	switch cmd.Action {
	case consumer.ActionStartTracking:
		err = s.detection.StartTracking(ctx)
	case consumer.ActionStopTracking:
		err = s.detection.StopTracking(ctx)
	case consumer.ActionLogManual:
		_, err = s.detection.LogManualSession(ctx, *cmd.Bedtime, *cmd.WakeTime, cmd.Notes)
	case consumer.ActionRefreshSettings:
		s.refreshSettings(ctx)
	default:
		err = fmt.Errorf("%w: %q", consumer.ErrUnknownAction, cmd.Action)
	}

	s.cacheState(ctx)
	if errors.Is(err, ErrPermissionDenied) {
		s.logger.Warn("Tracking not started, motion permission denied")
	}
	return err
}

func (s *SleepwatchService) handleEvaluated(ctx context.Context, result EvaluationResult) {
	if err := s.stateCache.Put(ctx, s.config.Detection.DeviceID, result.State); err != nil {
		s.logger.Warn("Failed to cache detection state", zap.Error(err))
	}
}

func (s *SleepwatchService) handleFinalized(ctx context.Context, outcome FinalizeOutcome) {
	if outcome.Err != nil {
		return
	}
	if err := s.publisher.Publish(ctx, outcome.Session, s.detection.Settings()); err != nil {
		s.logger.Warn("Failed to publish sleep session",
			zap.String("session_id", outcome.Session.ID),
			zap.Error(err),
		)
	}
}

func (s *SleepwatchService) cacheState(ctx context.Context) {
	if err := s.stateCache.Put(ctx, s.config.Detection.DeviceID, s.detection.CurrentState()); err != nil {
		s.logger.Warn("Failed to cache detection state", zap.Error(err))
	}
}
