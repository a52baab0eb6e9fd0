// Package inspection 定义焊缝检测的协作接口与会话结果汇总
// 像素级比对 (配准 + SSIM) 由外部检测服务完成，本包只负责调用与汇总
package inspection

import (
	"context"
	"fmt"
	"time"

	"robot-inspection-cell/internal/types"
)

// PassScore 是判定 OK 的相似度下限 (不含)
const PassScore = 0.75

const (
	LabelOK    = "OK"
	LabelNG    = "NG"
	LabelError = "ERROR"
)

// Request 是一次焊缝检测请求
type Request struct {
	SessionID string
	Position  int
	ImagePath string
	Reference types.WeldReference
	UseGabor  bool
}

// Result 是一次焊缝检测结果
type Result struct {
	SessionID string    `json:"session_id"`
	Position  int       `json:"position"`
	Label     string    `json:"label"`
	Score     float64   `json:"score"`
	Mode      string    `json:"mode"`
	Text      string    `json:"text"`
	ImagePath string    `json:"image_path"`
	At        time.Time `json:"at"`
}

// Inspector 是焊缝检测服务的协作接口
type Inspector interface {
	Inspect(ctx context.Context, req Request) (Result, error)
}

// ModeName 返回滤波模式名称
func ModeName(useGabor bool) string {
	if useGabor {
		return "Gabor"
	}
	return "Raw"
}

// LabelFor 由相似度得出结论
func LabelFor(score float64) string {
	if score > PassScore {
		return LabelOK
	}
	return LabelNG
}

// Describe 生成操作员可读的结果文本
func Describe(position int, label, mode string, score float64) string {
	return fmt.Sprintf("POS %d : %s (SSIM-%s: %.3f)", position, label, mode, score)
}
