package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"sleepwatch/common/config"
)

// 存储驱动
const (
	StoreDriverSQLite   = "sqlite"
	StoreDriverPostgres = "postgres"
)

// Config sleepwatch 服务配置
type Config struct {
	Database config.DatabaseConfig
	SQLite   config.SQLiteConfig
	Redis    config.RedisConfig
	MQTT     config.MQTTConfig

	// 会话存储
	Store struct {
		Driver string // "sqlite"（默认，设备端）或 "postgres"
	}

	// 睡眠检测配置
	Detection struct {
		DeviceID              string // 设备标识，一个进程只跟踪一个设备
		SampleIntervalMs      int    // 采样间隔（毫秒），默认 1000
		RetentionSeconds      int    // 运动缓冲保留窗口（秒），默认 300
		ActivityWindow        int    // 近期活动水平窗口（样本数），默认 60
		EvalIntervalSeconds   int    // 评估间隔（秒），默认 30
		BatteryEvalMultiplier int    // 省电模式下评估间隔倍数，默认 2
		IngestQueueSize       int    // 样本接收队列长度，默认 64
		Timezone              string // 时段判断使用的时区，默认本地时区
		PersistRetries        int    // 会话结束写库重试次数，默认 3
		SettingsRefresh       int    // 设置刷新间隔（秒），默认 60
	}

	// 输出：状态快照缓存 / 会话事件流 / 通知
	Output struct {
		StateKeyPrefix      string // 如 "sleepwatch:state:"
		StateCacheTTL       int    // 秒，默认 120
		SettingsKeyPrefix   string // 如 "sleepwatch:settings:"
		TrackingKeyPrefix   string // 如 "sleepwatch:tracking:"
		PermissionKeyPrefix string // 如 "sleepwatch:permission:"
		SessionStream       string // 如 "sleepwatch:session:stream"
		MotionTopic         string // MQTT 运动数据主题，%s 为设备ID
		NotifyTopic         string // MQTT 通知主题，%s 为设备ID
		ControlTopic        string // MQTT 控制命令主题，%s 为设备ID
	}

	Log struct {
		Level  string
		Format string
		File   string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	// 默认值，环境变量覆盖
	cfg.Database = config.DatabaseConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		Password: "postgres",
		Database: "sleepwatch",
		SSLMode:  "disable",
		MaxConns: 5,
		MaxIdle:  2,
	}
	cfg.Database.LoadFromEnv("DB")

	cfg.SQLite = config.SQLiteConfig{
		Path:        "sleepwatch.db",
		BusyTimeout: 5000,
	}
	cfg.SQLite.LoadFromEnv("SQLITE")

	cfg.Redis = config.RedisConfig{Addr: "localhost:6379"}
	cfg.Redis.LoadFromEnv("REDIS")

	cfg.MQTT = config.MQTTConfig{
		Broker:   "tcp://localhost:1883",
		ClientID: "sleepwatch",
		QoS:      1,
	}
	cfg.MQTT.LoadFromEnv("MQTT")

	cfg.Store.Driver = getEnv("STORE_DRIVER", StoreDriverSQLite)

	cfg.Detection.DeviceID = getEnv("DEVICE_ID", "default")
	cfg.Detection.SampleIntervalMs = getEnvInt("DETECTION_SAMPLE_INTERVAL_MS", 1000)
	cfg.Detection.RetentionSeconds = getEnvInt("DETECTION_RETENTION_SECONDS", 300)
	cfg.Detection.ActivityWindow = getEnvInt("DETECTION_ACTIVITY_WINDOW", 60)
	cfg.Detection.EvalIntervalSeconds = getEnvInt("DETECTION_EVAL_INTERVAL_SECONDS", 30)
	cfg.Detection.BatteryEvalMultiplier = getEnvInt("DETECTION_BATTERY_EVAL_MULTIPLIER", 2)
	cfg.Detection.IngestQueueSize = getEnvInt("DETECTION_INGEST_QUEUE_SIZE", 64)
	cfg.Detection.Timezone = getEnv("DETECTION_TIMEZONE", "")
	cfg.Detection.PersistRetries = getEnvInt("DETECTION_PERSIST_RETRIES", 3)
	cfg.Detection.SettingsRefresh = getEnvInt("SETTINGS_REFRESH_SECONDS", 60)

	cfg.Output.StateKeyPrefix = getEnv("CACHE_STATE_PREFIX", "sleepwatch:state:")
	cfg.Output.StateCacheTTL = getEnvInt("STATE_CACHE_TTL_SECONDS", 120)
	cfg.Output.SettingsKeyPrefix = getEnv("CACHE_SETTINGS_PREFIX", "sleepwatch:settings:")
	cfg.Output.TrackingKeyPrefix = getEnv("CACHE_TRACKING_PREFIX", "sleepwatch:tracking:")
	cfg.Output.PermissionKeyPrefix = getEnv("CACHE_PERMISSION_PREFIX", "sleepwatch:permission:")
	cfg.Output.SessionStream = getEnv("SESSION_STREAM", "sleepwatch:session:stream")
	cfg.Output.MotionTopic = getEnv("MQTT_MOTION_TOPIC", "sleepwatch/%s/motion")
	cfg.Output.NotifyTopic = getEnv("MQTT_NOTIFY_TOPIC", "sleepwatch/%s/notify")
	cfg.Output.ControlTopic = getEnv("MQTT_CONTROL_TOPIC", "sleepwatch/%s/control")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")
	cfg.Log.File = getEnv("LOG_FILE", "")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case StoreDriverSQLite, StoreDriverPostgres:
	default:
		return fmt.Errorf("unsupported store driver: %s", c.Store.Driver)
	}
	if c.Detection.DeviceID == "" {
		return fmt.Errorf("device id is required, please set DEVICE_ID")
	}
	if c.Detection.SampleIntervalMs <= 0 {
		return fmt.Errorf("sample interval must be positive: %d", c.Detection.SampleIntervalMs)
	}
	if c.Detection.EvalIntervalSeconds <= 0 {
		return fmt.Errorf("evaluation interval must be positive: %d", c.Detection.EvalIntervalSeconds)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location 时段判断使用的时区
func (c *Config) Location() (*time.Location, error) {
	if c.Detection.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Detection.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Detection.Timezone, err)
	}
	return loc, nil
}

// EvalInterval 评估间隔；省电模式下按倍数放大
func (c *Config) EvalInterval(batteryOptimized bool) time.Duration {
	interval := time.Duration(c.Detection.EvalIntervalSeconds) * time.Second
	if batteryOptimized && c.Detection.BatteryEvalMultiplier > 1 {
		interval *= time.Duration(c.Detection.BatteryEvalMultiplier)
	}
	return interval
}

// MotionTopicFor 设备的运动数据主题
func (c *Config) MotionTopicFor(deviceID string) string {
	return fmt.Sprintf(c.Output.MotionTopic, deviceID)
}

// NotifyTopicFor 设备的通知主题
func (c *Config) NotifyTopicFor(deviceID string) string {
	return fmt.Sprintf(c.Output.NotifyTopic, deviceID)
}

// ControlTopicFor 设备的控制命令主题
func (c *Config) ControlTopicFor(deviceID string) string {
	return fmt.Sprintf(c.Output.ControlTopic, deviceID)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.Atoi(value); err == nil {
			return v
		}
	}
	return defaultValue
}
