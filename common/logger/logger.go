package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options 日志配置
type Options struct {
	Level       string // "debug", "info", "warn", "error" (默认: "info")
	Format      string // "json" 或 "console" (默认: "json")
	ServiceName string // 服务名称，作为全局字段 service_name
	File        string // 可选：日志文件路径（按大小滚动）
	MaxSizeMB   int    // 单个日志文件大小上限，默认 10MB
}

// ParseLevel 将字符串转换为 zap 日志级别，无法识别时返回 info
func ParseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// New 根据 Options 创建 Logger
//
// 标准输出始终启用（便于 Docker 和日志收集器捕获）；
// 配置 File 后额外写入 lumberjack 滚动文件（设备端离线排查）。
func New(opts Options) (*zap.Logger, error) {
	zapLevel := ParseLevel(opts.Level)

	var config zap.Config
	if opts.Format == "console" {
		config = zap.NewDevelopmentConfig()
		config.Level = zap.NewAtomicLevelAt(zapLevel)
	} else {
		config = zap.NewProductionConfig()
		config.Level = zap.NewAtomicLevelAt(zapLevel)
		config.EncoderConfig.TimeKey = "timestamp"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		config.OutputPaths = []string{"stdout"}
		config.ErrorOutputPaths = []string{"stderr"}
	}

	baseLogger, err := config.Build()
	if err != nil {
		return nil, err
	}

	if opts.File != "" {
		maxSize := opts.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 10
		}
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    maxSize,
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   false,
		}
		fileCore := zapcore.NewCore(
			zapcore.NewJSONEncoder(fileEncoderConfig()),
			zapcore.AddSync(rotator),
			config.Level,
		)
		baseLogger = baseLogger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return zapcore.NewTee(core, fileCore)
		}))
	}

	if opts.ServiceName != "" {
		baseLogger = baseLogger.With(zap.String("service_name", opts.ServiceName))
	}

	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		baseLogger = baseLogger.With(zap.String("hostname", hostname))
	}

	return baseLogger, nil
}

func fileEncoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "timestamp"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg
}
