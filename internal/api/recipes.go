package api

import (
	"net/http"

	"robot-inspection-cell/internal/faults"
	"robot-inspection-cell/internal/recipe"
	"robot-inspection-cell/internal/types"
	"robot-inspection-cell/internal/validation"
)

// AddMasterRequest 是新增或替换主配方的请求
// holes 与 nuts 都为空时，由 raw_profile 检测生成主特征
type AddMasterRequest struct {
	recipe.Recipe
	Tolerances *recipe.Tolerances `json:"tolerances,omitempty"`
}

// AddMasterResponse 是新增主配方的确认
type AddMasterResponse struct {
	Status        string `json:"status"`
	EventName     string `json:"event_name"`
	ExpectedHoles int    `json:"expected_holes"`
	ExpectedNuts  int    `json:"expected_nuts"`
	Detected      bool   `json:"detected"`
}

// CompareRequest 是与主配方比对的请求
// holes 与 nuts 都为空时，由 raw_profile 检测得到特征；mode 默认为 ordered
type CompareRequest struct {
	EventName  string           `json:"event_name"`
	RawProfile types.RawProfile `json:"raw_profile"`
	Holes      []types.Feature  `json:"holes"`
	Nuts       []types.Feature  `json:"nuts"`
	Mode       string           `json:"mode"`
}

func (s *Server) handleAddMaster(w http.ResponseWriter, r *http.Request) {
	var req AddMasterRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.AddMaster(req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// AddMaster 保存主配方，同名配方整体替换
func (s *Server) AddMaster(req AddMasterRequest) (*AddMasterResponse, error) {
	rc := req.Recipe
	detected := false
	if len(rc.Holes) == 0 && len(rc.Nuts) == 0 {
		features, err := s.detect(rc.RawProfile)
		if err != nil {
			return nil, err
		}
		tol := s.cfg.DefaultTolerances
		if req.Tolerances != nil {
			tol = *req.Tolerances
		}
		generated := recipe.FromFeatures(rc.EventName, features, tol, rc.Global)
		rc.Holes, rc.Nuts = generated.Holes, generated.Nuts
		detected = true
	}

	stored, err := s.recipes.Put(rc)
	if err != nil {
		return nil, err
	}
	s.logger.Info("主配方已保存", "event", stored.EventName, "holes", stored.ExpectedHoles, "nuts", stored.ExpectedNuts, "detected", detected)
	return &AddMasterResponse{
		Status:        "ok",
		EventName:     stored.EventName,
		ExpectedHoles: stored.ExpectedHoles,
		ExpectedNuts:  stored.ExpectedNuts,
		Detected:      detected,
	}, nil
}

func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	var req CompareRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	report, err := s.Compare(req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Compare 将请求中的特征与主配方比对
func (s *Server) Compare(req CompareRequest) (*validation.Report, error) {
	mode := req.Mode
	if mode == "" {
		mode = validation.StrategyOrdered
	}
	strategy, err := validation.NewStrategy(mode)
	if err != nil {
		return nil, errorf(faults.ErrConfiguration, "%v", err)
	}
	rc, err := s.recipes.Get(req.EventName)
	if err != nil {
		return nil, err
	}

	holes, nuts := req.Holes, req.Nuts
	if len(holes) == 0 && len(nuts) == 0 && !req.RawProfile.Empty() {
		features, err := s.detect(req.RawProfile)
		if err != nil {
			return nil, err
		}
		holes, nuts = validation.SplitByType(features)
	}

	report := strategy.Compare(rc, holes, nuts)
	s.logger.Info("配方比对完成", "event", req.EventName, "strategy", report.Strategy, "valid", report.IsValid, "deviations", report.Deviations)
	return &report, nil
}

// detect 对原始轮廓执行特征检测
func (s *Server) detect(raw types.RawProfile) ([]types.Feature, error) {
	if raw.Empty() {
		return nil, errorf(faults.ErrConfiguration, "%v", errNoFeatures)
	}
	profile, err := raw.Profile()
	if err != nil {
		return nil, errorf(faults.ErrConfiguration, "raw_profile: %v", err)
	}
	if s.detector == nil {
		return nil, errorf(faults.ErrProcessing, "feature detection unavailable")
	}
	return s.detector.Features(profile), nil
}
