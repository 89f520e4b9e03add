package ctxkeys

import "context"

// contextKey 用于在 context 中存储值的键类型
type contextKey string

const (
	requestIDKey contextKey = "request_id"
	callIDKey    contextKey = "call_id"
	stateKey     contextKey = "call_state"
)

// WithRequestID 设置 HTTP 请求 ID
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID 获取 HTTP 请求 ID
func RequestID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(requestIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithCallID 设置通话 ID
func WithCallID(ctx context.Context, callID string) context.Context {
	return context.WithValue(ctx, callIDKey, callID)
}

// CallID 获取通话 ID
func CallID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(callIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithState 设置通话当前阶段（用于日志）
func WithState(ctx context.Context, state string) context.Context {
	return context.WithValue(ctx, stateKey, state)
}

// State 获取通话当前阶段
func State(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(stateKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
