package config

import (
	"fmt"
	"net"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"robot-inspection-cell/internal/faults"
	"robot-inspection-cell/internal/gap"
	"robot-inspection-cell/internal/recipe"
	"robot-inspection-cell/internal/types"
)

// PLC 定义控制器连接参数
type PLC struct {
	Host    string        `mapstructure:"host"`
	Port    int           `mapstructure:"port"`
	UnitID  uint8         `mapstructure:"unit_id"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Address 返回 host:port
func (p PLC) Address() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// Config 定义应用程序的配置结构
// 使用 mapstructure 标签来映射配置文件中的字段
// Viper 会把所有 key 转为小写，工位号等 key 在访问器中转换为整数
type Config struct {
	PLC                 PLC                            `mapstructure:"plc"`                   // PLC 连接目标
	Registers           types.Registers                `mapstructure:"plc_registers"`         // 寄存器地址表
	PositionWiseActions map[string][]string            `mapstructure:"position_wise_actions"` // 工位 -> 动作列表
	UseCamera           bool                           `mapstructure:"use_camera"`            // false 时复用 raw_images 中的图像
	PositionExposure    map[string]float64             `mapstructure:"position_exposure"`     // 工位 -> 曝光时间
	WeldReferenceROIs   map[string]types.WeldReference `mapstructure:"weld_reference_rois"`   // 工位 -> 焊缝参考
	UseGaborFilter      bool                           `mapstructure:"use_gabor_filter"`
	ProfilerMasterData  map[string]recipe.Recipe       `mapstructure:"profiler_master_data"` // 事件 -> 主配方

	PollInterval time.Duration `mapstructure:"poll_interval"` // 轮询间隔
	SettleDelay  time.Duration `mapstructure:"settle_delay"`  // 读寄存器前的稳定等待
	FlushTimeout time.Duration `mapstructure:"flush_timeout"` // 回原点时等待本会话任务的上限
	ResumeHold   time.Duration `mapstructure:"resume_hold"`   // 恢复信号保持时间
	LightHold    time.Duration `mapstructure:"light_hold"`    // 光源拉高后的保持时间

	ActionRules    map[string]string `mapstructure:"action_rules"`    // 动作 -> 执行条件表达式
	ProfilerEvents map[string]string `mapstructure:"profiler_events"` // 工位 -> 配方事件名

	Gap                gap.Config        `mapstructure:"gap"`
	DefaultTolerances  recipe.Tolerances `mapstructure:"default_tolerances"`
	ValidationStrategy string            `mapstructure:"validation_strategy"`

	InspectorEndpoint string        `mapstructure:"inspector_endpoint"` // 焊缝检测服务地址，空表示不检测
	InspectorTimeout  time.Duration `mapstructure:"inspector_timeout"`
	HTTPAddr          string        `mapstructure:"http_addr"`     // 编排进程的监控与前端地址
	AnalysisAddr      string        `mapstructure:"analysis_addr"` // 分析服务地址
	OutputRoot        string        `mapstructure:"output_root"`   // 所有输出文件的根目录
	CounterFile       string        `mapstructure:"counter_file"`  // 会话计数文件
	Simulate          bool          `mapstructure:"simulate"`      // 使用模拟 PLC 与设备
}

// setDefaults 设置默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("plc.port", 502)
	v.SetDefault("plc.unit_id", 1)
	v.SetDefault("plc.timeout", "1s")
	v.SetDefault("use_camera", true)
	v.SetDefault("poll_interval", "50ms")
	v.SetDefault("settle_delay", "500ms")
	v.SetDefault("flush_timeout", "30s")
	v.SetDefault("resume_hold", "100ms")
	v.SetDefault("light_hold", "10ms")
	v.SetDefault("validation_strategy", "nearest_center")
	v.SetDefault("inspector_timeout", "5s")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("analysis_addr", ":8000")
	v.SetDefault("output_root", ".")
	v.SetDefault("counter_file", "session_counter.txt")

	d := gap.DefaultConfig()
	v.SetDefault("gap.gap_threshold", d.GapThreshold)
	v.SetDefault("gap.min_dip_depth", d.MinDipDepth)
	v.SetDefault("gap.max_gap_width", d.MaxGapWidth)
	v.SetDefault("gap.max_group_join_gap", d.MaxGroupJoinGap)
	v.SetDefault("gap.nut_min_width", d.NutMinWidth)
	v.SetDefault("gap.backend", d.Backend)

	t := recipe.DefaultTolerances()
	v.SetDefault("default_tolerances.position_tolerance", t.Position)
	v.SetDefault("default_tolerances.width_tolerance", t.Width)
	v.SetDefault("default_tolerances.depth_tolerance", t.Depth)
}

// LoadConfig 从指定文件加载配置
// 环境变量 CELL_<KEY> 可以覆盖同名配置 (例如 CELL_PLC_HOST)
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("CELL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	// 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	// 将配置解析到结构体中
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		roiHook,
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// roiHook 允许 ROI 以 [x, y, w, h] 列表形式书写
func roiHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(types.ROI{}) || from.Kind() != reflect.Slice {
		return data, nil
	}
	items, ok := data.([]any)
	if !ok || len(items) != 4 {
		return nil, fmt.Errorf("roi must be [x, y, w, h], got %v", data)
	}
	vals := make([]int, 4)
	for i, it := range items {
		switch n := it.(type) {
		case int:
			vals[i] = n
		case int64:
			vals[i] = int(n)
		case float64:
			vals[i] = int(n)
		default:
			return nil, fmt.Errorf("roi element %v is not a number", it)
		}
	}
	return types.ROI{X: vals[0], Y: vals[1], W: vals[2], H: vals[3]}, nil
}

// Validate 检查必需字段
func (c *Config) Validate() error {
	if !c.Simulate && c.PLC.Host == "" {
		return fmt.Errorf("plc.host is required: %w", faults.ErrConfiguration)
	}
	if c.Registers.RobotHome == c.Registers.PositionNo {
		return fmt.Errorf("plc_registers.robot_home and position_no must differ: %w", faults.ErrConfiguration)
	}
	if _, err := c.Actions(); err != nil {
		return err
	}
	for tag, rule := range c.ActionRules {
		if strings.TrimSpace(rule) == "" {
			return fmt.Errorf("action_rules.%s is empty: %w", tag, faults.ErrConfiguration)
		}
	}
	return nil
}

// parsePosition 将配置中的工位 key 转为整数
func parsePosition(key string) (int, error) {
	p, err := strconv.Atoi(strings.TrimSpace(key))
	if err != nil || p < 1 {
		return 0, fmt.Errorf("invalid position key %q: %w", key, faults.ErrConfiguration)
	}
	return p, nil
}

// Actions 返回工位 -> 动作列表，动作名大小写不敏感
func (c *Config) Actions() (map[int][]types.ActionTag, error) {
	out := make(map[int][]types.ActionTag, len(c.PositionWiseActions))
	for key, names := range c.PositionWiseActions {
		p, err := parsePosition(key)
		if err != nil {
			return nil, err
		}
		tags := make([]types.ActionTag, 0, len(names))
		for _, name := range names {
			tag, ok := types.ParseActionTag(name)
			if !ok {
				return nil, fmt.Errorf("position %d: unknown action %q: %w", p, name, faults.ErrConfiguration)
			}
			tags = append(tags, tag)
		}
		out[p] = tags
	}
	return out, nil
}

// Positions 返回所有配置了动作的工位，升序
func (c *Config) Positions() []int {
	actions, _ := c.Actions()
	positions := make([]int, 0, len(actions))
	for p := range actions {
		positions = append(positions, p)
	}
	sort.Ints(positions)
	return positions
}

// Exposure 返回工位的曝光设置
func (c *Config) Exposure(position int) (float64, bool) {
	v, ok := c.PositionExposure[strconv.Itoa(position)]
	return v, ok
}

// WeldReference 返回工位的焊缝参考
func (c *Config) WeldReference(position int) (types.WeldReference, bool) {
	ref, ok := c.WeldReferenceROIs[strconv.Itoa(position)]
	return ref, ok
}

// ProfilerEvent 返回工位轮廓对应的配方事件名，默认 position_<p>
func (c *Config) ProfilerEvent(position int) string {
	if ev, ok := c.ProfilerEvents[strconv.Itoa(position)]; ok && ev != "" {
		return ev
	}
	return fmt.Sprintf("position_%d", position)
}

// Rules 返回动作 -> 条件表达式，key 还原为标准动作名
func (c *Config) Rules() map[types.ActionTag]string {
	out := make(map[types.ActionTag]string, len(c.ActionRules))
	for name, rule := range c.ActionRules {
		if tag, ok := types.ParseActionTag(name); ok {
			out[tag] = rule
		}
	}
	return out
}
