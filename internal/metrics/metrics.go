package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 定义 Prometheus 监控指标
var (
	// PLCTransactionsTotal 计数器：PLC 寄存器事务总数
	// 按操作 (read/write) 和结果 (ok/error) 分类
	PLCTransactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plc_transactions_total",
		Help: "The total number of PLC register transactions",
	}, []string{"op", "result"})

	// PLCReconnectsTotal 计数器：重连尝试次数
	PLCReconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plc_reconnects_total",
		Help: "The total number of PLC reconnect attempts",
	}, []string{"result"})

	// PollCyclesTotal 计数器：轮询周期，按结果 (processed/skipped/idle) 分类
	PollCyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_poll_cycles_total",
		Help: "The total number of orchestrator poll cycles",
	}, []string{"outcome"})

	// SessionsTotal 计数器：已开启的会话数
	SessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_sessions_total",
		Help: "The total number of inspection sessions opened",
	})

	// TasksInFlight 仪表盘：当前运行中的传感器任务数
	TasksInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sensor_tasks_in_flight",
		Help: "The number of sensor tasks currently running",
	})

	// TasksProcessedTotal 计数器：传感器任务总数，按任务与结果分类
	TasksProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sensor_tasks_processed_total",
		Help: "The total number of processed sensor tasks",
	}, []string{"task", "status"})

	// TaskDuration 直方图：传感器任务耗时分布
	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sensor_task_duration_seconds",
		Help:    "Time spent in each sensor task",
		Buckets: prometheus.DefBuckets,
	}, []string{"task"})

	// FeaturesDetectedTotal 计数器：检测到的特征数量，按类型分类
	FeaturesDetectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "profile_features_detected_total",
		Help: "The total number of detected profile features",
	}, []string{"type"})

	// ValidationsTotal 计数器：配方校验结果，按策略与结论分类
	ValidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recipe_validations_total",
		Help: "The total number of recipe validations",
	}, []string{"strategy", "verdict"})

	// DeviceEventsTotal 计数器：设备异步事件，按来源与类型分类
	DeviceEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "device_events_total",
		Help: "The total number of asynchronous device events",
	}, []string{"source", "kind"})

	// DeviceEventsDroppedTotal 计数器：事件通道已满被丢弃的设备事件
	DeviceEventsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "device_events_dropped_total",
		Help: "The total number of device events dropped because the channel was full",
	})

	// HubMessagesDroppedTotal 计数器：前端广播通道已满被丢弃的消息
	HubMessagesDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "web_hub_messages_dropped_total",
		Help: "The total number of operator UI messages dropped because the broadcast channel was full",
	})

	// InspectionsTotal 计数器：焊缝检测结果，按结论 (OK/NG/error) 分类
	InspectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "weld_inspections_total",
		Help: "The total number of weld inspections",
	}, []string{"label"})

	// APIRequestDuration 直方图：分析服务接口耗时
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "analysis_api_request_duration_seconds",
		Help:    "Time spent serving analysis API requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "code"})
)
