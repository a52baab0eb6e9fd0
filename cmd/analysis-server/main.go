package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"robot-inspection-cell/internal/api"
	"robot-inspection-cell/internal/config"
	"robot-inspection-cell/internal/device"
	"robot-inspection-cell/internal/gap"
	"robot-inspection-cell/internal/plc"
	"robot-inspection-cell/internal/recipe"
)

// main 是分析服务的入口
func main() {
	configPath := flag.String("config", "config.yaml", "path to the cell configuration file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "analysis")
	slog.SetDefault(logger)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Error("加载配置失败", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	factory := plc.ModbusFactory(cfg.PLC.Address(), cfg.PLC.UnitID, cfg.PLC.Timeout)
	if cfg.Simulate {
		bank := plc.NewRegisterBank()
		positions := cfg.Positions()
		if len(positions) > 0 {
			bank.Set(cfg.Registers.PositionNo, uint16(positions[0]))
		}
		factory = bank.Factory()
	}
	link := plc.NewLink(factory, logger)
	if err := link.Connect(); err != nil {
		logger.Warn("PLC 初次连接失败，将在请求时重试", "error", err)
	}
	defer link.Close()

	devices := device.NewSession(device.Config{
		Primary:  device.NewSimCamera("primary", 640, 480),
		Profiler: device.NewSimProfiler(),
	}, logger)
	if err := devices.Init(ctx); err != nil {
		logger.Warn("部分设备初始化失败，将按需重试", "error", err)
	}
	defer devices.Close()

	detector, err := gap.NewDetector(cfg.Gap, logger)
	if err != nil {
		logger.Error("初始化特征检测失败", "error", err)
		os.Exit(1)
	}
	recipes := recipe.NewStore(logger)
	recipes.Seed(cfg.ProfilerMasterData)

	srv, err := api.NewServer(api.Deps{Config: cfg, Link: link, Devices: devices, Detector: detector, Recipes: recipes}, logger)
	if err != nil {
		logger.Error("初始化分析服务失败", "error", err)
		os.Exit(1)
	}

	server := &http.Server{Addr: cfg.AnalysisAddr, Handler: srv.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("=== 分析服务启动 ===", "addr", cfg.AnalysisAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("服务启动失败", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("接收到停机信号，正在优雅关闭...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("关闭服务失败", "error", err)
	}
}
