package observability

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/tasquencer/internal/config"
	"github.com/pitabwire/tasquencer/model"
)

type loggerKey struct{}

// NewLogger builds the process logger: JSON on stdout, tagged with the
// service name and build version.
//
// Levels:
//   - error: store or audit failures, panics, 5xx responses
//   - warn:  denied scope checks, failed system tasks, rejected payloads
//   - info:  requests, workflow and work item lifecycle, authz mutations
//   - debug: scope cache traffic, enablement evaluation, span flushes
func NewLogger(cfg config.ObservabilityConfig, service, version string) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "timestamp"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeDuration = zapcore.MillisDurationEncoder

	zapCfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Encoding:         "json",
		EncoderConfig:    enc,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
		InitialFields:    map[string]any{"service": service, "version": version},
	}
	return zapCfg.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the context logger, or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns the context logger tagged with the caller. The
// subject is logged as user_id since it is the key scopes resolve against.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	fields := []zap.Field{
		zap.String("user_id", rctx.SubjectID),
		zap.String("correlation_id", rctx.CorrelationID),
	}
	if rctx.SessionID != "" {
		fields = append(fields, zap.String("session_id", rctx.SessionID))
	}
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}
	return logger.With(fields...)
}

// WorkflowFields identifies an instance within its hierarchy.
func WorkflowFields(inst *model.WorkflowInstance) []zap.Field {
	fields := []zap.Field{
		zap.String("workflow_id", inst.ID),
		zap.String("workflow", inst.Name),
		zap.String("version", inst.Version),
	}
	if inst.RootID != "" && inst.RootID != inst.ID {
		fields = append(fields, zap.String("root_id", inst.RootID))
	}
	if inst.ParentID != "" {
		fields = append(fields, zap.String("parent_id", inst.ParentID))
	}
	return fields
}

// WorkItemFields identifies a work item by its stable join key.
func WorkItemFields(wi *model.WorkItem) []zap.Field {
	fields := []zap.Field{
		zap.String("work_item_id", wi.ID),
		zap.String("workflow_id", wi.WorkflowID),
		zap.String("task", wi.TaskName),
		zap.Int("generation", wi.TaskGeneration),
	}
	if wi.Claim != nil {
		fields = append(fields, zap.String("claimed_by", wi.Claim.UserID))
	}
	return fields
}

var defaultSensitiveFields = []string{
	"password", "secret", "token", "access_token", "refresh_token",
	"api_key", "authorization", "credit_card", "ssn", "pin",
}

// RedactBody copies a work item payload for debug logging, masking
// sensitive keys at any depth. Keys match case-insensitively.
func RedactBody(body map[string]any, sensitiveFields []string) map[string]any {
	if body == nil {
		return nil
	}
	mask := make(map[string]bool, len(defaultSensitiveFields)+len(sensitiveFields))
	for _, f := range defaultSensitiveFields {
		mask[f] = true
	}
	for _, f := range sensitiveFields {
		mask[strings.ToLower(f)] = true
	}
	return redactMap(body, mask)
}

func redactMap(in map[string]any, mask map[string]bool) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if mask[strings.ToLower(k)] {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = redactValue(v, mask)
	}
	return out
}

func redactValue(v any, mask map[string]bool) any {
	switch t := v.(type) {
	case map[string]any:
		return redactMap(t, mask)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = redactValue(e, mask)
		}
		return out
	default:
		return v
	}
}
