// Package api 提供分析服务的 HTTP 接口
// 采集接口按工位动作并发读取传感器，配方接口读写主配方并执行比对
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"robot-inspection-cell/internal/config"
	"robot-inspection-cell/internal/device"
	"robot-inspection-cell/internal/engine"
	"robot-inspection-cell/internal/faults"
	"robot-inspection-cell/internal/gap"
	"robot-inspection-cell/internal/metrics"
	"robot-inspection-cell/internal/plc"
	"robot-inspection-cell/internal/recipe"
	"robot-inspection-cell/internal/types"
	"robot-inspection-cell/internal/util"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SchemaVersion 是采集响应的格式版本
const SchemaVersion = "1.0"

// DefaultRules 是采集接口的默认动作条件：不使用相机时不拍照也不开光源
var DefaultRules = map[types.ActionTag]string{
	types.ActionLight:  "use_camera",
	types.ActionCamera: "use_camera",
}

// Deps 汇总分析服务的依赖
type Deps struct {
	Config   *config.Config
	Link     *plc.Link
	Devices  *device.Session
	Detector *gap.Detector
	Recipes  *recipe.Store
}

// Server 是分析服务
type Server struct {
	cfg      *config.Config
	link     *plc.Link
	devices  *device.Session
	detector *gap.Detector
	recipes  *recipe.Store
	rules    *engine.RuleSet
	actions  map[int][]types.ActionTag
	logger   *slog.Logger

	scanTimeout time.Duration
	now         func() time.Time
}

// NewServer 创建分析服务，动作表与规则在此解析一次
func NewServer(deps Deps, logger *slog.Logger) (*Server, error) {
	actions, err := deps.Config.Actions()
	if err != nil {
		return nil, err
	}
	rules, err := engine.NewRuleSet(deps.Config.Rules(), DefaultRules, logger)
	if err != nil {
		return nil, fmt.Errorf("action rules: %w: %w", faults.ErrConfiguration, err)
	}
	return &Server{
		cfg:         deps.Config,
		link:        deps.Link,
		devices:     deps.Devices,
		detector:    deps.Detector,
		recipes:     deps.Recipes,
		rules:       rules,
		actions:     actions,
		logger:      logger.With("component", "api"),
		scanTimeout: time.Second,
		now:         time.Now,
	}, nil
}

// Handler 返回注册了全部路由的 http.Handler
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /acquire", s.instrument("acquire", s.handleAcquire))
	mux.Handle("POST /add_master_profile", s.instrument("add_master_profile", s.handleAddMaster))
	mux.Handle("POST /compare_to_master", s.instrument("compare_to_master", s.handleCompare))
	mux.Handle("GET /masters/{event}", s.instrument("masters", s.handleGetMaster))
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// statusRecorder 记录响应状态码
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument 注入关联 ID 并记录接口耗时
func (s *Server) instrument(route string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		if id := r.Header.Get(util.CorrelationHeader); id != "" {
			ctx = util.ContextWithCorrelationID(ctx, id)
		}
		ctx, id := util.EnsureCorrelationID(ctx)
		w.Header().Set(util.CorrelationHeader, id)

		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		h(rec, r.WithContext(ctx))
		metrics.APIRequestDuration.WithLabelValues(route, strconv.Itoa(rec.code)).Observe(time.Since(start).Seconds())
	})
}

// ErrorResponse 是所有接口的错误负载
type ErrorResponse struct {
	Error         string `json:"error"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError 按错误分类选择状态码
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := faults.HTTPStatus(err)
	id, _ := util.CorrelationIDFromContext(r.Context())
	if code >= http.StatusInternalServerError {
		s.logger.Error("请求处理失败", "path", r.URL.Path, "correlation_id", id, "error", err)
	} else {
		s.logger.Warn("请求被拒绝", "path", r.URL.Path, "correlation_id", id, "error", err)
	}
	writeJSON(w, code, ErrorResponse{Error: err.Error(), CorrelationID: id})
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w: %w", faults.ErrConfiguration, err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status":  "ok",
		"plc":     s.link != nil && s.link.IsConnected(),
		"recipes": len(s.recipes.Events()),
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleGetMaster(w http.ResponseWriter, r *http.Request) {
	rc, err := s.recipes.Get(r.PathValue("event"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rc)
}

// errorf 包装一个带分类的错误
func errorf(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), sentinel)
}

var errNoFeatures = errors.New("no features and no raw profile")
