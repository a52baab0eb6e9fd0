// Package faults 定义检测单元的错误分类
// 所有组件通过 fmt.Errorf("...: %w", faults.ErrXxx) 包装，调用方用 errors.Is 判定类别
package faults

import (
	"errors"
	"net/http"
)

var (
	// ErrLink 连接丢失或被拒绝，下一个轮询周期重连即可恢复
	ErrLink = errors.New("controller link unavailable")
	// ErrDeviceNotReady 相机或轮廓仪句柄不存在，可尝试重新初始化
	ErrDeviceNotReady = errors.New("device not ready")
	// ErrAcquisition 设备有响应但有限次重试后仍无可用图像或轮廓
	ErrAcquisition = errors.New("acquisition failed")
	// ErrConfiguration 请求的工位缺少配方、ROI 或动作定义
	ErrConfiguration = errors.New("configuration error")
	// ErrPositionMismatch 请求工位与 PLC 实际工位不一致
	ErrPositionMismatch = errors.New("position mismatch")
	// ErrRecipeNotFound 指定事件的主配方不存在
	ErrRecipeNotFound = errors.New("master recipe not found")
	// ErrProcessing 检测或校验内部出错，应降级为空结果/无效结果
	ErrProcessing = errors.New("processing error")
)

// IsRecoverable 判断错误是否可以在下一个周期自动恢复
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrLink) || errors.Is(err, ErrDeviceNotReady)
}

// HTTPStatus 将错误映射为 HTTP 状态码
// 配置类与工位不匹配映射为 4xx，采集失败映射为 5xx
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrConfiguration), errors.Is(err, ErrPositionMismatch):
		return http.StatusBadRequest
	case errors.Is(err, ErrRecipeNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrLink):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
