// Package recipe 保存每个检测事件的主配方 (期望特征及公差)
package recipe

import (
	"fmt"
	"time"

	"robot-inspection-cell/internal/faults"
	"robot-inspection-cell/internal/types"
)

// MasterFeature 是主配方中的一个期望特征及其公差
type MasterFeature struct {
	XMin              float64 `json:"x_min" mapstructure:"x_min"`
	XMax              float64 `json:"x_max" mapstructure:"x_max"`
	Width             float64 `json:"width" mapstructure:"width"`
	PositionTolerance float64 `json:"position_tolerance" mapstructure:"position_tolerance"`
	WidthTolerance    float64 `json:"width_tolerance" mapstructure:"width_tolerance"`
	DepthTolerance    float64 `json:"depth_tolerance" mapstructure:"depth_tolerance"`
	ExpectedDepth     float64 `json:"expected_depth" mapstructure:"expected_depth"`
}

// Center 返回期望特征的中心位置
func (m MasterFeature) Center() float64 { return (m.XMin + m.XMax) / 2 }

// GlobalThresholds 是整个配方共用的阈值
type GlobalThresholds struct {
	MinConfidence        float64 `json:"min_confidence" mapstructure:"min_confidence"`
	MaxAllowedDeviations int     `json:"max_allowed_deviations" mapstructure:"max_allowed_deviations"`
}

// Recipe 是一个事件的主配方
// 存入 Store 之后不再修改，替换时整体换新
type Recipe struct {
	EventName     string           `json:"event_name" mapstructure:"event_name"`
	ExpectedHoles int              `json:"expected_holes" mapstructure:"expected_holes"`
	ExpectedNuts  int              `json:"expected_nuts" mapstructure:"expected_nuts"`
	Holes         []MasterFeature  `json:"holes" mapstructure:"holes"`
	Nuts          []MasterFeature  `json:"nuts" mapstructure:"nuts"`
	Global        GlobalThresholds `json:"global_thresholds" mapstructure:"global_thresholds"`
	RawProfile    types.RawProfile `json:"raw_profile,omitempty" mapstructure:"raw_profile"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Normalize 补齐期望数量并校验配方
// 未显式给出期望数量时以特征列表长度为准
func (r *Recipe) Normalize() error {
	if r.EventName == "" {
		return fmt.Errorf("recipe without event name: %w", faults.ErrConfiguration)
	}
	if r.ExpectedHoles == 0 {
		r.ExpectedHoles = len(r.Holes)
	}
	if r.ExpectedNuts == 0 {
		r.ExpectedNuts = len(r.Nuts)
	}
	if r.ExpectedHoles < 0 || r.ExpectedNuts < 0 {
		return fmt.Errorf("recipe %s: negative expected count: %w", r.EventName, faults.ErrConfiguration)
	}
	if len(r.RawProfile.X) != len(r.RawProfile.Z) {
		return fmt.Errorf("recipe %s: raw profile x/z length mismatch: %w", r.EventName, faults.ErrConfiguration)
	}
	return nil
}

// Masters 返回指定类型的期望特征列表
func (r *Recipe) Masters(t types.FeatureType) []MasterFeature {
	if t == types.FeatureNut {
		return r.Nuts
	}
	return r.Holes
}

// clone 深拷贝配方，避免调用方在存入后继续修改切片
func (r *Recipe) clone() *Recipe {
	cp := *r
	cp.Holes = append([]MasterFeature(nil), r.Holes...)
	cp.Nuts = append([]MasterFeature(nil), r.Nuts...)
	cp.RawProfile = types.RawProfile{
		X: append([]float64(nil), r.RawProfile.X...),
		Z: append([]float64(nil), r.RawProfile.Z...),
	}
	return &cp
}

// Tolerances 是由检测结果生成主特征时使用的默认公差
type Tolerances struct {
	Position float64 `json:"position_tolerance" mapstructure:"position_tolerance"`
	Width    float64 `json:"width_tolerance" mapstructure:"width_tolerance"`
	Depth    float64 `json:"depth_tolerance" mapstructure:"depth_tolerance"`
}

// DefaultTolerances 返回现场默认公差 (单位 mm)
func DefaultTolerances() Tolerances {
	return Tolerances{Position: 1.0, Width: 0.5, Depth: 5.0}
}

// FromFeature 以检测到的特征为期望值生成主特征
func FromFeature(f types.Feature, tol Tolerances) MasterFeature {
	return MasterFeature{
		XMin:              f.XMin,
		XMax:              f.XMax,
		Width:             f.Width,
		PositionTolerance: tol.Position,
		WidthTolerance:    tol.Width,
		DepthTolerance:    tol.Depth,
		ExpectedDepth:     f.Depth,
	}
}

// FromFeatures 按类型拆分特征并生成主配方
func FromFeatures(event string, features []types.Feature, tol Tolerances, global GlobalThresholds) Recipe {
	r := Recipe{EventName: event, Global: global}
	for _, f := range features {
		m := FromFeature(f, tol)
		if f.Type == types.FeatureNut {
			r.Nuts = append(r.Nuts, m)
		} else {
			r.Holes = append(r.Holes, m)
		}
	}
	r.ExpectedHoles = len(r.Holes)
	r.ExpectedNuts = len(r.Nuts)
	return r
}
