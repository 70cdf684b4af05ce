package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sleepwatch/common/logger"
	"sleepwatch/internal/config"
	"sleepwatch/internal/service"

	"go.uber.org/zap"
)

const serviceName = "sleepwatch"

func main() {
	// 1. 加载配置
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// 2. 初始化日志
	log, err := logger.New(logger.Options{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		ServiceName: serviceName,
		File:        cfg.Log.File,
	})
	if err != nil {
		panic(fmt.Sprintf("Failed to init logger: %v", err))
	}
	defer log.Sync()

	log.Info("Starting sleepwatch service",
		zap.String("device_id", cfg.Detection.DeviceID),
		zap.String("store_driver", cfg.Store.Driver),
		zap.String("mqtt_broker", cfg.MQTT.Broker),
		zap.String("motion_topic", cfg.MotionTopicFor(cfg.Detection.DeviceID)),
	)

	// 3. 创建服务
	sleepwatchService, err := service.NewSleepwatchService(cfg, log)
	if err != nil {
		log.Fatal("Failed to create sleepwatch service", zap.Error(err))
	}

	// 4. 启动服务（在 goroutine 中）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serviceErrChan := make(chan error, 1)
	go func() {
		if err := sleepwatchService.Start(ctx); err != nil {
			serviceErrChan <- err
		}
	}()

	// 5. 等待信号（优雅关闭）
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info("Received signal, shutting down", zap.String("signal", sig.String()))
	case err := <-serviceErrChan:
		log.Error("Service error, shutting down", zap.Error(err))
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := sleepwatchService.Stop(shutdownCtx); err != nil {
		log.Error("Error during shutdown", zap.Error(err))
	}

	log.Info("Service stopped")
}
