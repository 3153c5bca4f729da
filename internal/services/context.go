package services

import "context"

type contextKey string

const (
	requestKey     contextKey = "request"
	stageKey       contextKey = "stage"
	correlationKey contextKey = "correlation_id"
)

// WithRequest annotates context with the request token.
func WithRequest(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, requestKey, token)
}

// RequestFromContext extracts the request token if present.
func RequestFromContext(ctx context.Context) (string, bool) {
	if str, ok := ctx.Value(requestKey).(string); ok && str != "" {
		return str, true
	}
	return "", false
}

// WithStage annotates context with the pipeline stage name.
func WithStage(ctx context.Context, stage string) context.Context {
	if stage == "" {
		return ctx
	}
	return context.WithValue(ctx, stageKey, stage)
}

// StageFromContext returns the stage name if present.
func StageFromContext(ctx context.Context) (string, bool) {
	if str, ok := ctx.Value(stageKey).(string); ok && str != "" {
		return str, true
	}
	return "", false
}

// WithCorrelation annotates context with the message correlation token.
func WithCorrelation(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationKey, id)
}

// CorrelationFromContext returns the correlation token if present.
func CorrelationFromContext(ctx context.Context) (string, bool) {
	if str, ok := ctx.Value(correlationKey).(string); ok && str != "" {
		return str, true
	}
	return "", false
}
