package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"image"
	_ "image/jpeg"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"time"

	"robot-inspection-cell/internal/inspection"
	"robot-inspection-cell/internal/util"
)

// main 是模拟焊缝检测服务的入口
// 真实服务执行配准与 SSIM 比对，这里只校验图像可解码并返回随机得分
func main() {
	addr := os.Getenv("INSPECTOR_ADDR")
	if addr == "" {
		addr = ":9090"
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "weld-inspector")
	slog.SetDefault(logger)

	logger.Info("=== 模拟焊缝检测服务启动 ===", "addr", addr)

	http.HandleFunc("/inspect", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req inspection.InspectRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logger.Warn("解析请求失败", "error", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		// 从 HTTP Header 中提取关联 ID，用于链路追踪
		taskLogger := logger.With("session_id", req.SessionID, "position", req.Position)
		if id := r.Header.Get(util.CorrelationHeader); id != "" {
			taskLogger = taskLogger.With("correlation_id", id)
		}
		taskLogger.Info("接收到检测请求", "reference", req.ReferenceImage, "use_gabor", req.UseGabor)

		resp := inspection.InspectResponse{}
		raw, err := base64.StdEncoding.DecodeString(req.Image)
		if err == nil {
			_, _, err = image.Decode(bytes.NewReader(raw))
		}
		if err != nil {
			resp.Error = "invalid image: " + err.Error()
			taskLogger.Warn("图像无效", "error", err)
		} else {
			// 模拟处理耗时与得分分布，约 10% 低于合格线
			time.Sleep(time.Duration(rand.Intn(200)+100) * time.Millisecond)
			resp.Score = 0.725 + 0.275*rand.Float64()
			taskLogger.Info("检测完成", "score", resp.Score)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	if err := http.ListenAndServe(addr, nil); err != nil {
		logger.Error("服务启动失败", "error", err)
	}
}
