package util

import (
	"context"

	"github.com/google/uuid"
)

// contextKey 是一个私有类型，用于避免 context key 的冲突
type contextKey string

const (
	correlationIDKey contextKey = "correlationID"
	sessionIDKey     contextKey = "sessionID"
)

// CorrelationHeader 是跨服务传递关联 ID 的 HTTP 头
const CorrelationHeader = "X-Correlation-ID"

// NewCorrelationID 生成一个新的关联 ID
// 用于串联一次采集从 PLC 触发到远程检测结果的完整过程
func NewCorrelationID() string {
	return uuid.NewString()
}

// ContextWithCorrelationID 将关联 ID 注入到 Context 中
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationIDFromContext 从 Context 中提取关联 ID
func CorrelationIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(correlationIDKey).(string)
	return id, ok && id != ""
}

// EnsureCorrelationID 返回 ctx 中的关联 ID，没有时生成一个新的并注入
func EnsureCorrelationID(ctx context.Context) (context.Context, string) {
	if id, ok := CorrelationIDFromContext(ctx); ok {
		return ctx, id
	}
	id := NewCorrelationID()
	return ContextWithCorrelationID(ctx, id), id
}

// ContextWithSession 将会话 ID 注入到 Context 中
func ContextWithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// SessionFromContext 从 Context 中提取会话 ID
func SessionFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(sessionIDKey).(string)
	return id, ok && id != ""
}
