// Package validation 将检测到的特征与主配方逐项比对
//
// 提供两种互不兼容的匹配方式，按名称选择：
//   - nearest_center：每个检测特征匹配中心距离最近的主特征
//   - ordered：检测列表与主列表按下标一一比对，多出或缺少的条目显式列出
package validation

import (
	"fmt"
	"math"
	"strings"

	"robot-inspection-cell/internal/metrics"
	"robot-inspection-cell/internal/recipe"
	"robot-inspection-cell/internal/types"
)

const (
	StrategyNearestCenter = "nearest_center"
	StrategyOrdered       = "ordered"
)

// MsgWithinTolerance 是单个特征全部合格时的消息
const MsgWithinTolerance = "All parameters within tolerance"

// Status 描述一个比对条目的来源
type Status string

const (
	StatusMatched Status = "matched" // 检测特征与主特征成对比较
	StatusExtra   Status = "extra"   // 检测特征多于主特征
	StatusMissing Status = "missing" // 主特征没有对应的检测特征
)

// Deviations 是三项偏差的绝对值
type Deviations struct {
	Position float64 `json:"position"`
	Width    float64 `json:"width"`
	Depth    float64 `json:"depth"`
}

// FeatureResult 是单个特征的比对结果
type FeatureResult struct {
	Index           int                   `json:"index"`
	Type            types.FeatureType     `json:"type"`
	Status          Status                `json:"status"`
	Detected        *types.Feature        `json:"detected,omitempty"`
	Master          *recipe.MasterFeature `json:"master,omitempty"`
	IsValid         bool                  `json:"is_valid"`
	PositionMatch   bool                  `json:"position_match"`
	WidthMatch      bool                  `json:"width_match"`
	DepthMatch      bool                  `json:"depth_match"`
	ConfidenceMatch bool                  `json:"confidence_match"`
	Deviations      Deviations            `json:"deviations"`
	Message         string                `json:"message"`
}

// violations 统计不合格的判据数量
func (r FeatureResult) violations() int {
	if r.Status != StatusMatched {
		return 1
	}
	n := 0
	for _, ok := range []bool{r.PositionMatch, r.WidthMatch, r.DepthMatch, r.ConfidenceMatch} {
		if !ok {
			n++
		}
	}
	return n
}

// Report 是对一个配方的整体比对结果
type Report struct {
	Strategy           string          `json:"strategy"`
	EventName          string          `json:"event_name"`
	TotalHoles         int             `json:"total_holes"`
	TotalNuts          int             `json:"total_nuts"`
	ExpectedHoles      int             `json:"expected_holes"`
	ExpectedNuts       int             `json:"expected_nuts"`
	IsValid            bool            `json:"is_valid"`
	Message            string          `json:"message"`
	Deviations         int             `json:"deviation_count"`
	DeviationsExceeded bool            `json:"deviations_exceeded"` // 只作提示，不影响 IsValid
	Holes              []FeatureResult `json:"holes"`
	Nuts               []FeatureResult `json:"nuts"`
}

// Strategy 是一种匹配方式
type Strategy interface {
	Name() string
	Compare(r *recipe.Recipe, holes, nuts []types.Feature) Report
}

// NewStrategy 按名称创建匹配方式，空名称使用 nearest_center
func NewStrategy(name string) (Strategy, error) {
	switch name {
	case "", StrategyNearestCenter:
		return NearestCenter{}, nil
	case StrategyOrdered:
		return Ordered{}, nil
	default:
		return nil, fmt.Errorf("unknown validation strategy %q", name)
	}
}

// SplitByType 将特征按孔和螺母拆分
func SplitByType(features []types.Feature) (holes, nuts []types.Feature) {
	for _, f := range features {
		if f.Type == types.FeatureNut {
			nuts = append(nuts, f)
		} else {
			holes = append(holes, f)
		}
	}
	return holes, nuts
}

// compare 计算一对特征的三项偏差并判定，公差边界包含在内
func compare(f types.Feature, m recipe.MasterFeature, g recipe.GlobalThresholds) FeatureResult {
	res := FeatureResult{
		Type:     f.Type,
		Status:   StatusMatched,
		Detected: &f,
		Master:   &m,
		Deviations: Deviations{
			Position: math.Abs(f.CenterX() - m.Center()),
			Width:    math.Abs(f.Width - m.Width),
			Depth:    math.Abs(f.Depth - m.ExpectedDepth),
		},
	}
	res.PositionMatch = res.Deviations.Position <= m.PositionTolerance
	res.WidthMatch = res.Deviations.Width <= m.WidthTolerance
	res.DepthMatch = res.Deviations.Depth <= m.DepthTolerance
	res.ConfidenceMatch = f.Confidence >= g.MinConfidence
	res.IsValid = res.PositionMatch && res.WidthMatch && res.DepthMatch && res.ConfidenceMatch

	var issues []string
	if !res.PositionMatch {
		issues = append(issues, fmt.Sprintf("Position deviation %.3f exceeds tolerance %.3f", res.Deviations.Position, m.PositionTolerance))
	}
	if !res.WidthMatch {
		issues = append(issues, fmt.Sprintf("Width deviation %.3f exceeds tolerance %.3f", res.Deviations.Width, m.WidthTolerance))
	}
	if !res.DepthMatch {
		issues = append(issues, fmt.Sprintf("Depth deviation %.3f exceeds tolerance %.3f", res.Deviations.Depth, m.DepthTolerance))
	}
	if !res.ConfidenceMatch {
		issues = append(issues, fmt.Sprintf("Confidence %.3f below minimum %.3f", f.Confidence, g.MinConfidence))
	}
	if len(issues) == 0 {
		res.Message = MsgWithinTolerance
	} else {
		res.Message = strings.Join(issues, "; ")
	}
	return res
}

// ValidateFeature 用最近中心匹配校验单个特征
// 中心距离相同时取先出现的主特征
func ValidateFeature(f types.Feature, masters []recipe.MasterFeature, g recipe.GlobalThresholds) FeatureResult {
	if len(masters) == 0 {
		return FeatureResult{
			Type:     f.Type,
			Status:   StatusExtra,
			Detected: &f,
			Message:  fmt.Sprintf("No master %s to compare against", f.Type),
		}
	}
	best := 0
	bestDist := math.Abs(f.CenterX() - masters[0].Center())
	for i := 1; i < len(masters); i++ {
		if d := math.Abs(f.CenterX() - masters[i].Center()); d < bestDist {
			best, bestDist = i, d
		}
	}
	return compare(f, masters[best], g)
}

// NearestCenter 每个检测特征独立匹配最近的主特征，不做最优分配
type NearestCenter struct{}

func (NearestCenter) Name() string { return StrategyNearestCenter }

func (s NearestCenter) Compare(r *recipe.Recipe, holes, nuts []types.Feature) Report {
	rep := newReport(s.Name(), r, holes, nuts)
	for i, f := range holes {
		res := ValidateFeature(withType(f, types.FeatureHole), r.Holes, r.Global)
		res.Index = i
		rep.Holes = append(rep.Holes, res)
	}
	for i, f := range nuts {
		res := ValidateFeature(withType(f, types.FeatureNut), r.Nuts, r.Global)
		res.Index = i
		rep.Nuts = append(rep.Nuts, res)
	}
	return finish(rep, r)
}

// Ordered 按下标一一比对
type Ordered struct{}

func (Ordered) Name() string { return StrategyOrdered }

func (s Ordered) Compare(r *recipe.Recipe, holes, nuts []types.Feature) Report {
	rep := newReport(s.Name(), r, holes, nuts)
	rep.Holes = compareOrdered(types.FeatureHole, holes, r.Holes, r.Global)
	rep.Nuts = compareOrdered(types.FeatureNut, nuts, r.Nuts, r.Global)
	return finish(rep, r)
}

func compareOrdered(t types.FeatureType, detected []types.Feature, masters []recipe.MasterFeature, g recipe.GlobalThresholds) []FeatureResult {
	n := max(len(detected), len(masters))
	results := make([]FeatureResult, 0, n)
	for i := 0; i < n; i++ {
		var res FeatureResult
		switch {
		case i >= len(masters):
			f := withType(detected[i], t)
			res = FeatureResult{Type: t, Status: StatusExtra, Detected: &f,
				Message: fmt.Sprintf("Extra %s at %.3f not present in master", t, f.CenterX())}
		case i >= len(detected):
			m := masters[i]
			res = FeatureResult{Type: t, Status: StatusMissing, Master: &m,
				Message: fmt.Sprintf("Missing %s expected at %.3f", t, m.Center())}
		default:
			res = compare(withType(detected[i], t), masters[i], g)
		}
		res.Index = i
		results = append(results, res)
	}
	return results
}

func withType(f types.Feature, t types.FeatureType) types.Feature {
	f.Type = t
	return f
}

func newReport(strategy string, r *recipe.Recipe, holes, nuts []types.Feature) Report {
	return Report{
		Strategy:      strategy,
		EventName:     r.EventName,
		TotalHoles:    len(holes),
		TotalNuts:     len(nuts),
		ExpectedHoles: r.ExpectedHoles,
		ExpectedNuts:  r.ExpectedNuts,
		Holes:         []FeatureResult{},
		Nuts:          []FeatureResult{},
	}
}

// finish 汇总数量与逐项结果
// IsValid 当且仅当孔数、螺母数都符合且每个特征都合格
func finish(rep Report, r *recipe.Recipe) Report {
	var issues []string
	if rep.TotalHoles != rep.ExpectedHoles {
		issues = append(issues, fmt.Sprintf("Hole count mismatch: expected %d, found %d", rep.ExpectedHoles, rep.TotalHoles))
	}
	if rep.TotalNuts != rep.ExpectedNuts {
		issues = append(issues, fmt.Sprintf("Nut count mismatch: expected %d, found %d", rep.ExpectedNuts, rep.TotalNuts))
	}
	for _, group := range [][]FeatureResult{rep.Holes, rep.Nuts} {
		for _, res := range group {
			rep.Deviations += res.violations()
			if !res.IsValid {
				issues = append(issues, fmt.Sprintf("%s %d: %s", capitalize(string(res.Type)), res.Index+1, res.Message))
			}
		}
	}
	limit := r.Global.MaxAllowedDeviations
	rep.DeviationsExceeded = limit > 0 && rep.Deviations > limit

	rep.IsValid = len(issues) == 0
	if rep.IsValid {
		rep.Message = "All features within tolerance"
	} else {
		rep.Message = strings.Join(issues, "; ")
	}

	verdict := "fail"
	if rep.IsValid {
		verdict = "pass"
	}
	metrics.ValidationsTotal.WithLabelValues(rep.Strategy, verdict).Inc()
	return rep
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
