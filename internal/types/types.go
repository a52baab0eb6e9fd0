package types

import (
	"fmt"
	"strings"
)

// ActionTag 定义工位动作标签
// 使用字符串类型，方便在日志和配置中直接使用
type ActionTag string

const (
	// 工位动作常量定义
	ActionLight          ActionTag = "Light"           // 光源触发：在其他动作前后拉高/拉低光源寄存器
	ActionCamera         ActionTag = "Camera"          // 相机拍照：同步采图，随后异步焊缝检测
	ActionProfiler       ActionTag = "Profiler"        // 轮廓仪连续采集：直到机器人回原点或离开当前工位
	ActionProfilerCenter ActionTag = "Profiler_center" // 轮廓仪中心值采集：固定 5 秒
	ActionLaserImage     ActionTag = "LaserImage"      // 激光图像采集：有限次重试
)

// KnownActions 列出所有可识别的动作，顺序即派发顺序
var KnownActions = []ActionTag{ActionLight, ActionCamera, ActionLaserImage, ActionProfiler, ActionProfilerCenter}

// HomePosition 是位置寄存器的原点哨兵值
const HomePosition = 0

// FeatureType 定义轮廓特征的类型
type FeatureType string

const (
	FeatureHole FeatureType = "hole" // 孔
	FeatureNut  FeatureType = "nut"  // 螺母
)

// Sample 是轮廓上的一个 (x, z) 采样点
type Sample struct {
	X float64 `json:"x"`
	Z float64 `json:"z"`
}

// Profile 表示一条有序的距离轮廓
type Profile struct {
	Samples []Sample `json:"samples"`
}

// XZ 拆分出 x 与 z 两个序列
func (p Profile) XZ() ([]float64, []float64) {
	xs := make([]float64, len(p.Samples))
	zs := make([]float64, len(p.Samples))
	for i, s := range p.Samples {
		xs[i] = s.X
		zs[i] = s.Z
	}
	return xs, zs
}

// ProfileFromXZ 由两个等长序列构造轮廓
func ProfileFromXZ(xs, zs []float64) (Profile, error) {
	if len(xs) != len(zs) {
		return Profile{}, fmt.Errorf("x/z length mismatch: %d vs %d", len(xs), len(zs))
	}
	samples := make([]Sample, len(xs))
	for i := range xs {
		samples[i] = Sample{X: xs[i], Z: zs[i]}
	}
	return Profile{Samples: samples}, nil
}

// Gap 是检测引擎输出的凹陷区间
type Gap struct {
	XMin  float64 `json:"x_min"`
	XMax  float64 `json:"x_max"`
	Width float64 `json:"width"`
}

// Feature 表示从轮廓中检测到的一个特征 (孔或螺母)
type Feature struct {
	XMin       float64     `json:"x_min"`
	XMax       float64     `json:"x_max"`
	Width      float64     `json:"width"`
	Depth      float64     `json:"depth"`
	Confidence float64     `json:"confidence"`
	Center     float64     `json:"center"`
	Type       FeatureType `json:"type"`
}

// CenterX 由边界推算特征中心
// Center 字段只是检测输出的展示值，比对一律以边界为准
func (f Feature) CenterX() float64 {
	return (f.XMin + f.XMax) / 2
}

// Registers 定义 PLC 寄存器地址表
type Registers struct {
	RobotHome    uint16 `mapstructure:"robot_home" json:"robot_home"`
	PositionNo   uint16 `mapstructure:"position_no" json:"position_no"`
	LightTrigger uint16 `mapstructure:"light_trigger" json:"light_trigger"`
	RobotResume  uint16 `mapstructure:"robot_resume" json:"robot_resume"`
}

// ROI 定义焊缝参考区域 (x, y, w, h)
type ROI struct {
	X int `mapstructure:"x" json:"x"`
	Y int `mapstructure:"y" json:"y"`
	W int `mapstructure:"w" json:"w"`
	H int `mapstructure:"h" json:"h"`
}

// WeldReference 是某个工位的焊缝参考图与 ROI
type WeldReference struct {
	ReferenceImage string `mapstructure:"reference_image" json:"reference_image"`
	ROI            ROI    `mapstructure:"roi" json:"roi"`
}

// RawProfile 是接口与配置中的轮廓表示，x 与 z 为两个等长数组
type RawProfile struct {
	X []float64 `json:"x" mapstructure:"x"`
	Z []float64 `json:"z" mapstructure:"z"`
}

// Profile 转换为有序采样点
func (r RawProfile) Profile() (Profile, error) {
	return ProfileFromXZ(r.X, r.Z)
}

// Empty 判断是否没有任何采样点
func (r RawProfile) Empty() bool { return len(r.X) == 0 && len(r.Z) == 0 }

// ParseActionTag 按名称解析动作标签，大小写不敏感
// 配置经 Viper 读取后 key 会被转为小写，因此需要宽松匹配
func ParseActionTag(name string) (ActionTag, bool) {
	for _, tag := range KnownActions {
		if strings.EqualFold(string(tag), strings.TrimSpace(name)) {
			return tag, true
		}
	}
	return "", false
}
