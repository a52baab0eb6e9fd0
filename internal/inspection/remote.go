package inspection

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"robot-inspection-cell/internal/faults"
	"robot-inspection-cell/internal/types"
	"robot-inspection-cell/internal/util"
)

// RemoteInspector 通过 HTTP 调用外部焊缝检测服务
type RemoteInspector struct {
	Endpoint string       // 远程服务的地址 (e.g., http://localhost:9090)
	Client   *http.Client // HTTP 客户端
	logger   *slog.Logger
}

// NewRemoteInspector 创建一个新的远程检测客户端
func NewRemoteInspector(endpoint string, timeout time.Duration, logger *slog.Logger) *RemoteInspector {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &RemoteInspector{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: timeout},
		logger:   logger.With("component", "inspector", "remote", true),
	}
}

// InspectRequest 是发送到远程服务的请求体
type InspectRequest struct {
	SessionID      string    `json:"session_id"`
	Position       int       `json:"position"`
	Image          string    `json:"image"` // base64 JPEG
	ReferenceImage string    `json:"reference_image"`
	ROI            types.ROI `json:"roi"`
	UseGabor       bool      `json:"use_gabor"`
}

// InspectResponse 是从远程服务接收的响应体
type InspectResponse struct {
	Score float64 `json:"score"`
	Error string  `json:"error,omitempty"`
}

// Inspect 读取图像并调用远程服务的 /inspect 端点
func (r *RemoteInspector) Inspect(ctx context.Context, req Request) (Result, error) {
	logger := r.logger.With("position", req.Position, "session_id", req.SessionID)
	if id, ok := util.CorrelationIDFromContext(ctx); ok {
		logger = logger.With("correlation_id", id)
	}
	if req.Reference.ReferenceImage == "" {
		return Result{}, fmt.Errorf("no weld reference for position %d: %w", req.Position, faults.ErrConfiguration)
	}

	img, err := os.ReadFile(req.ImagePath)
	if err != nil {
		return Result{}, fmt.Errorf("read test image %s: %w", req.ImagePath, err)
	}
	body, err := json.Marshal(InspectRequest{
		SessionID:      req.SessionID,
		Position:       req.Position,
		Image:          base64.StdEncoding.EncodeToString(img),
		ReferenceImage: req.Reference.ReferenceImage,
		ROI:            req.Reference.ROI,
		UseGabor:       req.UseGabor,
	})
	if err != nil {
		return Result{}, fmt.Errorf("encode inspect request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.Endpoint+"/inspect", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("create inspect request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	// 关联 ID 放入 HTTP Header，实现跨服务追踪
	if id, ok := util.CorrelationIDFromContext(ctx); ok {
		httpReq.Header.Set(util.CorrelationHeader, id)
	}

	logger.Info("请求焊缝检测")
	resp, err := r.Client.Do(httpReq)
	if err != nil {
		logger.Error("远程调用失败", "error", err)
		return Result{}, fmt.Errorf("call inspector: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.Error("远程服务返回错误状态", "status", resp.Status)
		return Result{}, fmt.Errorf("inspector returned %s", resp.Status)
	}

	var out InspectResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		logger.Error("解析远程响应失败", "error", err)
		return Result{}, fmt.Errorf("decode inspect response: %w", err)
	}
	if out.Error != "" {
		logger.Warn("远程检测失败", "remote_error", out.Error)
		return Result{}, fmt.Errorf("inspector: %s", out.Error)
	}

	mode := ModeName(req.UseGabor)
	label := LabelFor(out.Score)
	res := Result{
		SessionID: req.SessionID,
		Position:  req.Position,
		Label:     label,
		Score:     out.Score,
		Mode:      mode,
		Text:      Describe(req.Position, label, mode, out.Score),
		ImagePath: req.ImagePath,
		At:        time.Now(),
	}
	logger.Info("焊缝检测完成", "result", res.Text)
	return res, nil
}
