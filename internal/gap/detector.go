// Package gap 从一维距离轮廓中检测凹陷 (孔、螺母、焊缝边缘)
//
// 处理流程：Savitzky–Golay 平滑得到趋势 → 偏差 = 趋势 - z → 基于中位数绝对偏差 (MAD)
// 的动态阈值 → 相邻超阈值点分组 → 深度与宽度过滤 → 输出 (x_min, x_max, width)。
package gap

import (
	"fmt"
	"log/slog"
	"math"
	"sort"

	"robot-inspection-cell/internal/metrics"
	"robot-inspection-cell/internal/types"
)

// Config 定义检测参数
type Config struct {
	GapThreshold    float64 `mapstructure:"gap_threshold"`      // MAD 的倍数
	MinDipDepth     float64 `mapstructure:"min_dip_depth"`      // 凹陷深度必须超过该值
	MaxGapWidth     int     `mapstructure:"max_gap_width"`      // 凹陷最大采样点数
	MaxGroupJoinGap int     `mapstructure:"max_group_join_gap"` // 相邻超阈值点合并的最大索引间隔
	MinSegmentSize  int     `mapstructure:"min_segment_size"`   // 分组最少点数
	EdgeMargin      int     `mapstructure:"edge_margin"`        // 分组两侧扩展的点数
	MaxWindow       int     `mapstructure:"max_window"`         // 平滑窗口上限
	PolyOrder       int     `mapstructure:"poly_order"`         // 平滑多项式阶数
	NutMinWidth     float64 `mapstructure:"nut_min_width"`      // 宽度不小于该值视为螺母
	Backend         string  `mapstructure:"backend"`            // cpu 或 parallel
}

// DefaultConfig 返回现场标定过的默认参数
func DefaultConfig() Config {
	return Config{
		GapThreshold:    8.0,
		MinDipDepth:     30.0,
		MaxGapWidth:     200,
		MaxGroupJoinGap: 3,
		MinSegmentSize:  3,
		EdgeMargin:      2,
		MaxWindow:       101,
		PolyOrder:       2,
		NutMinWidth:     5.0,
		Backend:         BackendCPU,
	}
}

// withDefaults 用默认值补齐未配置的字段
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.GapThreshold <= 0 {
		c.GapThreshold = d.GapThreshold
	}
	if c.MinDipDepth <= 0 {
		c.MinDipDepth = d.MinDipDepth
	}
	if c.MaxGapWidth <= 0 {
		c.MaxGapWidth = d.MaxGapWidth
	}
	if c.MaxGroupJoinGap <= 0 {
		c.MaxGroupJoinGap = d.MaxGroupJoinGap
	}
	if c.MinSegmentSize <= 0 {
		c.MinSegmentSize = d.MinSegmentSize
	}
	if c.EdgeMargin <= 0 {
		c.EdgeMargin = d.EdgeMargin
	}
	if c.MaxWindow <= 0 {
		c.MaxWindow = d.MaxWindow
	}
	if c.PolyOrder <= 0 {
		c.PolyOrder = d.PolyOrder
	}
	if c.NutMinWidth <= 0 {
		c.NutMinWidth = d.NutMinWidth
	}
	return c
}

const (
	minSamples = 10 // 少于该点数不做检测
	minWindow  = 5  // 可用平滑窗口小于该值时放弃
	edgeWalk   = 3  // 距数据边界该范围内时继续外扩
)

// Detector 是凹陷检测引擎
type Detector struct {
	cfg     Config
	backend Backend
	logger  *slog.Logger
}

// NewDetector 创建检测器，后端按 cfg.Backend 选择
func NewDetector(cfg Config, logger *slog.Logger) (*Detector, error) {
	cfg = cfg.withDefaults()
	backend, err := NewBackend(cfg.Backend)
	if err != nil {
		return nil, err
	}
	return &Detector{cfg: cfg, backend: backend, logger: logger.With("component", "gap", "backend", backend.Name())}, nil
}

// WithBackend 返回使用指定后端的检测器副本
func (d *Detector) WithBackend(b Backend) *Detector {
	cp := *d
	cp.backend = b
	return &cp
}

// Config 返回生效的检测参数
func (d *Detector) Config() Config { return d.cfg }

// dip 是一个通过全部过滤条件的凹陷
type dip struct {
	left, right int
	depth       float64
	peak        float64 // 分组内最大偏差
	threshold   float64
}

// DetectGaps 检测凹陷并按位置排序返回 (x_min, x_max, width)
// 任何内部错误都降级为空结果
func (d *Detector) DetectGaps(xs, zs []float64) []types.Gap {
	dips, err := d.detect(xs, zs)
	if err != nil {
		d.logger.Warn("凹陷检测异常，返回空结果", "error", err)
		return nil
	}
	gaps := make([]types.Gap, 0, len(dips))
	for _, dp := range dips {
		gaps = append(gaps, types.Gap{XMin: xs[dp.left], XMax: xs[dp.right], Width: xs[dp.right] - xs[dp.left]})
	}
	return gaps
}

// Features 检测凹陷并转换为带深度、置信度与类型的特征
func (d *Detector) Features(profile types.Profile) []types.Feature {
	xs, zs := profile.XZ()
	dips, err := d.detect(xs, zs)
	if err != nil {
		d.logger.Warn("特征提取异常，返回空结果", "error", err)
		return nil
	}
	features := make([]types.Feature, 0, len(dips))
	for _, dp := range dips {
		f := types.Feature{
			XMin:       xs[dp.left],
			XMax:       xs[dp.right],
			Width:      xs[dp.right] - xs[dp.left],
			Depth:      dp.depth,
			Confidence: confidence(dp.peak, dp.threshold),
		}
		f.Center = (f.XMin + f.XMax) / 2
		f.Type = types.FeatureHole
		if f.Width >= d.cfg.NutMinWidth {
			f.Type = types.FeatureNut
		}
		metrics.FeaturesDetectedTotal.WithLabelValues(string(f.Type)).Inc()
		features = append(features, f)
	}
	return features
}

// confidence 以峰值偏差超出阈值的比例衡量显著性，取值 [0, 1]
func confidence(peak, threshold float64) float64 {
	if peak <= 0 {
		return 0
	}
	c := 1 - math.Max(threshold, 0)/peak
	return math.Max(0, math.Min(1, c))
}

func (d *Detector) detect(xs, zs []float64) (dips []dip, err error) {
	defer func() {
		if r := recover(); r != nil {
			dips, err = nil, fmt.Errorf("panic in gap detection: %v", r)
		}
	}()

	n := len(zs)
	if len(xs) != n {
		return nil, fmt.Errorf("x/z length mismatch: %d vs %d", len(xs), n)
	}
	if n < minSamples {
		return nil, nil
	}
	window := d.cfg.MaxWindow
	if n-2 < window {
		window = n - 2
	}
	if window%2 == 0 {
		window--
	}
	if window < minWindow {
		return nil, nil
	}

	trend, err := d.backend.Trend(zs, window, d.cfg.PolyOrder)
	if err != nil {
		return nil, err
	}
	deviations := d.backend.Deviations(trend, zs)

	med := d.backend.Median(deviations)
	absDev := make([]float64, n)
	for i, v := range deviations {
		absDev[i] = math.Abs(v - med)
	}
	mad := d.backend.Median(absDev)
	threshold := med + d.cfg.GapThreshold*mad

	var candidates []int
	for i, v := range deviations {
		if v > threshold {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	for _, seg := range d.group(candidates) {
		start := max(0, seg[0]-d.cfg.EdgeMargin)
		end := min(n-1, seg[len(seg)-1]+d.cfg.EdgeMargin)

		lo, hi := zs[start], zs[start]
		for _, z := range zs[start : end+1] {
			lo = math.Min(lo, z)
			hi = math.Max(hi, z)
		}
		depth := hi - lo
		if depth <= d.cfg.MinDipDepth {
			continue
		}

		left := start
		for left > 0 {
			if left < edgeWalk || zs[left] < zs[left-1] {
				left--
				continue
			}
			break
		}
		right := end
		for right < n-1 {
			if right > n-edgeWalk || zs[right] < zs[right+1] {
				right++
				continue
			}
			break
		}
		if right-left > d.cfg.MaxGapWidth {
			continue
		}

		peak := 0.0
		for _, idx := range seg {
			peak = math.Max(peak, deviations[idx])
		}
		dips = append(dips, dip{left: left, right: right, depth: depth, peak: peak, threshold: threshold})
	}

	sort.SliceStable(dips, func(i, j int) bool { return xs[dips[i].left] < xs[dips[j].left] })
	return dips, nil
}

// group 将索引间隔不超过 MaxGroupJoinGap 的候选点合并为分组，丢弃过小的分组
func (d *Detector) group(candidates []int) [][]int {
	var segments [][]int
	current := []int{candidates[0]}
	for _, idx := range candidates[1:] {
		if idx-current[len(current)-1] <= d.cfg.MaxGroupJoinGap {
			current = append(current, idx)
			continue
		}
		if len(current) >= d.cfg.MinSegmentSize {
			segments = append(segments, current)
		}
		current = []int{idx}
	}
	if len(current) >= d.cfg.MinSegmentSize {
		segments = append(segments, current)
	}
	return segments
}
