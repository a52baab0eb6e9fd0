package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"robot-inspection-cell/internal/config"
	"robot-inspection-cell/internal/device"
	"robot-inspection-cell/internal/engine"
	"robot-inspection-cell/internal/event"
	"robot-inspection-cell/internal/fsm"
	"robot-inspection-cell/internal/gap"
	"robot-inspection-cell/internal/handlers"
	"robot-inspection-cell/internal/inspection"
	"robot-inspection-cell/internal/persistence"
	"robot-inspection-cell/internal/plc"
	"robot-inspection-cell/internal/recipe"
	"robot-inspection-cell/internal/validation"
	"robot-inspection-cell/internal/web"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// main 是检测单元编排进程的主入口
func main() {
	configPath := flag.String("config", "config.yaml", "path to the cell configuration file")
	flag.Parse()

	// 1. 初始化核心组件
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Error("加载配置失败", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := web.NewHub(logger)
	go hub.Run(ctx)
	stateTracker := web.NewStateTracker(hub)
	eventBus := event.NewBus()

	// 2. 注册事件处理器
	handlers.RegisterEventHandlers(eventBus, stateTracker, logger)

	// 3. PLC 连接与设备
	link := plc.NewLink(newTransport(ctx, cfg, logger), logger)
	if err := link.Connect(); err != nil {
		logger.Warn("PLC 初次连接失败，将在轮询中重试", "address", cfg.PLC.Address(), "error", err)
	}
	defer link.Close()

	devices := newDevices(cfg, logger)
	if err := devices.Init(ctx); err != nil {
		logger.Warn("部分设备初始化失败，将按需重试", "error", err)
	}
	defer devices.Close()

	// 4. 检测与校验
	recipes := recipe.NewStore(logger)
	logger.Info("加载主配方", "count", recipes.Seed(cfg.ProfilerMasterData))
	detector, err := gap.NewDetector(cfg.Gap, logger)
	if err != nil {
		logger.Error("初始化特征检测失败", "error", err)
		os.Exit(1)
	}
	strategy, err := validation.NewStrategy(cfg.ValidationStrategy)
	if err != nil {
		logger.Error("校验策略无效", "error", err)
		os.Exit(1)
	}
	var inspector inspection.Inspector
	if cfg.InspectorEndpoint != "" {
		inspector = inspection.NewRemoteInspector(cfg.InspectorEndpoint, cfg.InspectorTimeout, logger)
	}
	rules, err := engine.NewRuleSet(cfg.Rules(), nil, logger)
	if err != nil {
		logger.Error("动作规则无效", "error", err)
		os.Exit(1)
	}

	// 5. 编排
	book := inspection.NewBook(logger)
	dispatcher := engine.NewDispatcher(ctx, eventBus, logger)
	tasks := engine.NewTasks(engine.TaskDeps{
		Config:    cfg,
		Link:      link,
		Devices:   devices,
		Inspector: inspector,
		Book:      book,
		Detector:  detector,
		Recipes:   recipes,
		Strategy:  strategy,
		Bus:       eventBus,
	}, logger)
	orchestrator, err := engine.NewOrchestrator(engine.Options{
		Config:     cfg,
		Link:       link,
		Machine:    fsm.NewMachine(logger),
		Counter:    persistence.NewSessionCounter(cfg.CounterFile),
		Dispatcher: dispatcher,
		Tasks:      tasks,
		Rules:      rules,
		Book:       book,
		Bus:        eventBus,
	}, logger)
	if err != nil {
		logger.Error("初始化编排器失败", "error", err)
		os.Exit(1)
	}

	server := startAPIServer(cfg.HTTPAddr, hub, stateTracker, logger)

	logger.Info("=== 机器人检测单元启动 ===", "plc", cfg.PLC.Address(), "simulate", cfg.Simulate)
	_ = orchestrator.Run(ctx)

	// 6. 优雅停机
	logger.Info("接收到停机信号，正在优雅关闭...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("关闭 HTTP 服务失败", "error", err)
	}
	eventBus.Drain()
	logger.Info("检测单元已安全退出")
}

// newTransport 返回 PLC 连接工厂；模拟模式下使用内存寄存器表和模拟机器人
func newTransport(ctx context.Context, cfg *config.Config, logger *slog.Logger) plc.TransportFactory {
	if !cfg.Simulate {
		return plc.ModbusFactory(cfg.PLC.Address(), cfg.PLC.UnitID, cfg.PLC.Timeout)
	}
	bank := plc.NewRegisterBank()
	robot := plc.NewSimRobot(bank, cfg.Registers, cfg.Positions(), 2*time.Second, logger)
	go func() {
		if err := robot.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("模拟机器人停止", "error", err)
		}
	}()
	return bank.Factory()
}

// newDevices 创建设备会话
// 厂商相机与轮廓仪驱动不随本仓库发布，这里装配模拟设备
func newDevices(cfg *config.Config, logger *slog.Logger) *device.Session {
	if !cfg.Simulate {
		logger.Warn("未接入厂商设备驱动，使用模拟相机与轮廓仪")
	}
	return device.NewSession(device.Config{
		Primary:  device.NewSimCamera("primary", 640, 480),
		Fallback: device.NewSimCamera("fallback", 640, 480),
		Profiler: device.NewSimProfiler(),
	}, logger)
}

// startAPIServer 启动监控与前端服务
func startAPIServer(addr string, hub *web.Hub, st *web.StateTracker, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", hub.ServeWs)
	mux.HandleFunc("/api/state", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(st.GetStateSnapshot())
	})

	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("监控与前端服务启动", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP 服务启动失败", "error", err)
		}
	}()
	return server
}
